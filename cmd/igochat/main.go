package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/igolaizola/igochat"
	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
	"github.com/peterbourgon/ff/v3/ffyaml"
)

// Build flags
var Version = ""
var Commit = ""
var Date = ""

func main() {
	// Create signal based context
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Launch command
	cmd := newCommand()
	if err := cmd.ParseAndRun(ctx, os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

func newCommand() *ffcli.Command {
	fs := flag.NewFlagSet("igochat", flag.ExitOnError)

	return &ffcli.Command{
		ShortUsage: "igochat [flags] <subcommand>",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			return flag.ErrHelp
		},
		Subcommands: []*ffcli.Command{
			newRunCommand("serve", "answer telegram messages"),
			newRunCommand("chat", "chat from the terminal"),
			newVersionCommand(),
		},
	}
}

func newRunCommand(action, help string) *ffcli.Command {
	fs := flag.NewFlagSet(action, flag.ExitOnError)
	_ = fs.String("config", "igochat.yaml", "config file (optional)")

	cfg := &igochat.Config{}
	fs.StringVar(&cfg.Model, "model", "gpt-3.5-turbo", "model (gpt-3.5-turbo, gpt-4)")
	fs.StringVar(&cfg.PromptFile, "prompt-file", "custom_prompt.txt", "system prompt file, the default prompt is used if missing (optional)")
	fs.StringVar(&cfg.History, "history", "chat_history.json", "history file (.json, .yaml or .db), if empty, history is kept in memory (optional)")
	fs.IntVar(&cfg.Window, "window", 20, "turns remembered per sender")
	fs.StringVar(&cfg.Proxy, "proxy", "", "proxy address, http or socks5 (optional)")
	fs.StringVar(&cfg.LogDir, "log", "", "log directory, if empty, only logs to stderr (optional)")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	fs.DurationVar(&cfg.Cooldown, "cooldown", 0, "wait between messages of the same sender (optional)")

	// OpenAI
	fs.StringVar(&cfg.OpenaiKey, "openai-key", "", "openai key, conversations are disabled if unset")
	fs.StringVar(&cfg.OpenaiBaseURL, "openai-base-url", "", "openai compatible api base url (optional)")
	fs.DurationVar(&cfg.OpenaiTimeout, "openai-timeout", 5*time.Minute, "openai request timeout, 0 disables it")
	fs.IntVar(&cfg.OpenaiMaxTokens, "openai-max-tokens", 0, "trim history to fit this many tokens, 0 disables it (optional)")
	fs.IntVar(&cfg.OpenaiResponseTokens, "openai-response-tokens", 0, "maximum tokens of each response, 0 uses the api default (optional)")

	// Retry
	fs.IntVar(&cfg.RetryAttempts, "retry-attempts", 5, "openai attempts when rate limited")
	fs.DurationVar(&cfg.RetryDelay, "retry-delay", time.Second, "initial delay between rate limited attempts, doubled on each retry")

	// Telegram
	fs.StringVar(&cfg.TelegramToken, "telegram-token", "", "telegram bot token (serve only)")
	fs.IntVar(&cfg.TelegramTimeout, "telegram-timeout", 30, "telegram long polling timeout in seconds")
	fs.IntVar(&cfg.Workers, "workers", 4, "messages handled in parallel, one at a time per sender")

	return &ffcli.Command{
		Name:       action,
		ShortUsage: fmt.Sprintf("igochat %s [flags]", action),
		Options: []ff.Option{
			ff.WithConfigFileFlag("config"),
			ff.WithConfigFileParser(ffyaml.Parser),
			ff.WithAllowMissingConfigFile(true),
			ff.WithEnvVarPrefix("IGOCHAT"),
		},
		ShortHelp: help,
		FlagSet:   fs,
		Exec: func(ctx context.Context, args []string) error {
			return igochat.Run(ctx, action, cfg)
		},
	}
}

func newVersionCommand() *ffcli.Command {
	return &ffcli.Command{
		Name:       "version",
		ShortUsage: "igochat version",
		ShortHelp:  "print version",
		Exec: func(ctx context.Context, args []string) error {
			v := Version
			if v == "" {
				if buildInfo, ok := debug.ReadBuildInfo(); ok {
					v = buildInfo.Main.Version
				}
			}
			if v == "" {
				v = "dev"
			}
			versionFields := []string{v}
			if Commit != "" {
				versionFields = append(versionFields, Commit)
			}
			if Date != "" {
				versionFields = append(versionFields, Date)
			}
			fmt.Println(strings.Join(versionFields, " "))
			return nil
		},
	}
}
