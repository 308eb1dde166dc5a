package command

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Prefix marks a message as a command.
const Prefix = "!"

// Kind tells how an inbound message must be handled.
type Kind int

const (
	Conversation Kind = iota
	Command
	Ignored
)

// Request is the parsed form of an inbound message.
type Request struct {
	Kind Kind
	// Command name, lower case and without prefix
	Name string
	// Command arguments
	Args []string
}

// Parse classifies the given text. Messages starting with "ai" or "openai"
// and blank messages are ignored, messages starting with the prefix are
// commands and everything else is a conversational turn.
func Parse(text string) Request {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return Request{Kind: Ignored}
	}
	first := strings.ToLower(fields[0])
	switch {
	case first == "ai" || first == "openai":
		return Request{Kind: Ignored, Name: first, Args: fields[1:]}
	case strings.HasPrefix(text, Prefix):
		return Request{
			Kind: Command,
			Name: strings.TrimPrefix(first, Prefix),
			Args: fields[1:],
		}
	default:
		return Request{Kind: Conversation}
	}
}

// Handler runs a single command.
type Handler interface {
	Name() string
	Help() string
	Run(ctx context.Context, sender string, args []string) string
}

// Stats reports the stored history.
type Stats interface {
	Len(participant string) int
	Participants() []string
}

type runner struct {
	commands map[string]Handler
}

// New returns a command runner with the built-in commands.
func New(stats Stats) *runner {
	r := &runner{commands: map[string]Handler{}}
	cmds := []Handler{
		&TestCommand{},
		&StatsCommand{stats: stats},
		&HelpCommand{runner: r},
	}
	for _, cmd := range cmds {
		r.commands[cmd.Name()] = cmd
	}
	return r
}

// Run runs the command of the given request and returns the reply text.
func (r *runner) Run(ctx context.Context, sender string, req Request) string {
	cmd, ok := r.commands[req.Name]
	if !ok {
		return fmt.Sprintf("unknown command %s%s, try %shelp", Prefix, req.Name, Prefix)
	}
	return cmd.Run(ctx, sender, req.Args)
}

// TestCommand answers with a fixed text to check the bot is alive.
type TestCommand struct{}

func (c *TestCommand) Name() string { return "test" }
func (c *TestCommand) Help() string { return "check the bot is alive" }

func (c *TestCommand) Run(ctx context.Context, sender string, args []string) string {
	return "ok"
}

// StatsCommand reports how many turns are remembered.
type StatsCommand struct {
	stats Stats
}

func (c *StatsCommand) Name() string { return "stats" }
func (c *StatsCommand) Help() string { return "show remembered history" }

func (c *StatsCommand) Run(ctx context.Context, sender string, args []string) string {
	return fmt.Sprintf("turns remembered for you: %d\nparticipants: %d",
		c.stats.Len(sender), len(c.stats.Participants()))
}

// HelpCommand lists the available commands.
type HelpCommand struct {
	runner *runner
}

func (c *HelpCommand) Name() string { return "help" }
func (c *HelpCommand) Help() string { return "list commands" }

func (c *HelpCommand) Run(ctx context.Context, sender string, args []string) string {
	var names []string
	for name := range c.runner.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	var lines []string
	for _, name := range names {
		lines = append(lines, fmt.Sprintf("%s%s: %s", Prefix, name, c.runner.commands[name].Help()))
	}
	return strings.Join(lines, "\n")
}
