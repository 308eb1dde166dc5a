package igochat

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/igolaizola/igochat/internal/bot"
	"github.com/igolaizola/igochat/internal/prompt"
	"github.com/igolaizola/igochat/internal/ratelimit"
	"github.com/igolaizola/igochat/internal/snapshot"
	"github.com/igolaizola/igochat/internal/telegram"
	"github.com/igolaizola/igochat/pkg/memory/fixed"
	"github.com/igolaizola/igochat/pkg/openai"
	"github.com/rs/zerolog"
	"golang.org/x/net/proxy"
)

type Config struct {
	Model      string        `yaml:"model"`
	PromptFile string        `yaml:"prompt-file"`
	History    string        `yaml:"history"`
	Window     int           `yaml:"window"`
	Proxy      string        `yaml:"proxy"`
	LogDir     string        `yaml:"log-dir"`
	LogLevel   string        `yaml:"log-level"`
	Cooldown   time.Duration `yaml:"cooldown"`

	// Openai parameters
	OpenaiKey            string        `yaml:"openai-key"`
	OpenaiBaseURL        string        `yaml:"openai-base-url"`
	OpenaiTimeout        time.Duration `yaml:"openai-timeout"`
	OpenaiMaxTokens      int           `yaml:"openai-max-tokens"`
	OpenaiResponseTokens int           `yaml:"openai-response-tokens"`

	// Retry parameters
	RetryAttempts int           `yaml:"retry-attempts"`
	RetryDelay    time.Duration `yaml:"retry-delay"`

	// Telegram parameters
	TelegramToken   string `yaml:"telegram-token"`
	TelegramTimeout int    `yaml:"telegram-timeout"`
	Workers         int    `yaml:"workers"`
}

func Run(ctx context.Context, action string, cfg *Config) error {
	switch action {
	case "serve":
		return Serve(ctx, cfg)
	case "chat":
		return Chat(ctx, cfg, os.Stdin, os.Stdout)
	default:
		return fmt.Errorf("igochat: unknown action: %s", action)
	}
}

// Serve answers telegram messages until the context is done.
func Serve(ctx context.Context, cfg *Config) error {
	if cfg.TelegramToken == "" {
		return fmt.Errorf("igochat: telegram token is required")
	}
	logger, closeLog, err := newLogger(cfg.LogDir, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("igochat: couldn't create logger: %w", err)
	}
	defer closeLog()

	b, closeBot, err := newBot(cfg, logger)
	if err != nil {
		return err
	}
	defer closeBot()

	// Long polling requests must outlive the poll timeout
	httpClient, err := newHTTPClient(cfg.Proxy, time.Duration(cfg.TelegramTimeout+10)*time.Second)
	if err != nil {
		return err
	}
	client := telegram.NewClient(telegram.APIBase(cfg.TelegramToken), httpClient, logger)
	return client.Serve(ctx, b, cfg.TelegramTimeout, cfg.Workers)
}

// Chat runs a chat session reading messages from the input, one per line.
func Chat(ctx context.Context, cfg *Config, in io.Reader, out io.Writer) error {
	logger, closeLog, err := newLogger(cfg.LogDir, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("igochat: couldn't create logger: %w", err)
	}
	defer closeLog()

	b, closeBot, err := newBot(cfg, logger)
	if err != nil {
		return err
	}
	defer closeBot()

	replier := bot.ReplierFunc(func(ctx context.Context, text string) error {
		_, err := fmt.Fprintln(out, text)
		return err
	})

	lines := make(chan string)
	errC := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errC <- scanner.Err()
	}()
	for {
		select {
		case <-ctx.Done():
			// Unblock the scanner if it is waiting for input
			if c, ok := in.(io.Closer); ok {
				_ = c.Close()
			}
			return nil
		case err := <-errC:
			if err != nil {
				return fmt.Errorf("igochat: couldn't read input: %w", err)
			}
			return nil
		case line := <-lines:
			if err := b.Handle(ctx, bot.Message{SenderID: "console", Text: line}, replier); err != nil {
				return err
			}
		}
	}
}

func newBot(cfg *Config, logger zerolog.Logger) (*bot.Bot, func(), error) {
	systemPrompt, err := prompt.Load(cfg.PromptFile)
	if err != nil {
		return nil, nil, fmt.Errorf("igochat: couldn't load prompt: %w", err)
	}

	var snap snapshot.Snapshot
	if cfg.History != "" {
		snap, err = snapshot.Open(cfg.History)
		if err != nil {
			return nil, nil, fmt.Errorf("igochat: couldn't open history: %w", err)
		}
	}
	closer := func() {
		if snap == nil {
			return
		}
		if err := snap.Close(); err != nil {
			logger.Warn().Err(err).Msg("igochat: couldn't close history")
		}
	}
	store := fixed.NewFixedMemory(cfg.Window, snap, logger)

	if bot.Disabled(cfg.OpenaiKey) {
		logger.Warn().Msg("igochat: openai key not configured, conversations disabled")
	}
	httpClient, err := newHTTPClient(cfg.Proxy, 0)
	if err != nil {
		closer()
		return nil, nil, err
	}
	var opts []openai.Option
	if cfg.OpenaiBaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.OpenaiBaseURL))
	}
	client := openai.New(cfg.OpenaiKey, cfg.Model, cfg.OpenaiResponseTokens, cfg.OpenaiTimeout, httpClient, logger, opts...)
	fetcher := openai.NewFetcher(client, openai.RetryPolicy{
		MaxAttempts:  cfg.RetryAttempts,
		InitialDelay: cfg.RetryDelay,
		Multiplier:   2,
	}, logger)

	b := bot.New(bot.Config{
		APIKey:       cfg.OpenaiKey,
		SystemPrompt: systemPrompt,
		MaxTokens:    cfg.OpenaiMaxTokens,
	}, store, fetcher, ratelimit.New(cfg.Cooldown), logger)
	return b, closer, nil
}

// newHTTPClient returns a client that goes through the given proxy.
// Supported schemes are http, https and socks5.
func newHTTPClient(proxyAddr string, timeout time.Duration) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxyAddr != "" {
		u, err := url.Parse(proxyAddr)
		if err != nil {
			return nil, fmt.Errorf("igochat: couldn't parse proxy %s: %w", proxyAddr, err)
		}
		switch u.Scheme {
		case "http", "https":
			transport.Proxy = http.ProxyURL(u)
		case "socks5", "socks5h":
			dialer, err := proxy.FromURL(u, proxy.Direct)
			if err != nil {
				return nil, fmt.Errorf("igochat: couldn't create proxy dialer: %w", err)
			}
			transport.Proxy = nil
			if cd, ok := dialer.(proxy.ContextDialer); ok {
				transport.DialContext = cd.DialContext
			} else {
				transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
					return dialer.Dial(network, addr)
				}
			}
		default:
			return nil, fmt.Errorf("igochat: unsupported proxy scheme: %s", u.Scheme)
		}
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}, nil
}

// newLogger logs to stderr and, if a directory is given, to a new JSON log
// file inside it.
func newLogger(dir, level string) (zerolog.Logger, func(), error) {
	lvl := zerolog.InfoLevel
	if level != "" {
		var err error
		lvl, err = zerolog.ParseLevel(strings.ToLower(level))
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
	}
	var w io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime}
	closer := func() {}
	if dir != "" {
		// Create directory if it doesn't exist
		if err := os.MkdirAll(dir, 0700); err != nil {
			return zerolog.Nop(), nil, err
		}
		filename := fmt.Sprintf("log_%s.json", time.Now().Format("20060102_150405"))
		f, err := os.OpenFile(filepath.Join(dir, filename), os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0600)
		if err != nil {
			return zerolog.Nop(), nil, err
		}
		w = zerolog.MultiLevelWriter(w, f)
		closer = func() { _ = f.Close() }
	}
	logger := zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	return logger, closer, nil
}
