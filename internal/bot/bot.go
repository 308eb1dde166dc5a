package bot

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/igolaizola/igochat/internal/command"
	"github.com/igolaizola/igochat/internal/ratelimit"
	"github.com/igolaizola/igochat/pkg/memory"
	"github.com/igolaizola/igochat/pkg/memory/fixed"
	"github.com/rs/zerolog"
)

// Placeholder is the api key shipped in sample configs. Conversations are
// disabled while it is in use.
const Placeholder = "ISI_APIKEY_OPENAI_DISINI"

// Message is an inbound text message.
type Message struct {
	SenderID string
	Text     string
}

// Replier delivers text back to the sender of a message.
type Replier interface {
	Reply(ctx context.Context, text string) error
}

// ReplierFunc adapts a function to the Replier interface.
type ReplierFunc func(ctx context.Context, text string) error

func (f ReplierFunc) Reply(ctx context.Context, text string) error {
	return f(ctx, text)
}

// Fetcher obtains a completion for the given turns.
type Fetcher interface {
	Fetch(ctx context.Context, turns []memory.Turn) (string, error)
}

// Store is the conversation history used by the bot.
type Store interface {
	memory.Store
	command.Stats
}

type Config struct {
	APIKey       string
	SystemPrompt string
	// MaxTokens trims the oldest history so the request fits, 0 disables it
	MaxTokens int
}

type Bot struct {
	cfg      Config
	store    Store
	fetcher  Fetcher
	lock     ratelimit.Lock
	commands interface {
		Run(ctx context.Context, sender string, req command.Request) string
	}
	log zerolog.Logger
}

// New returns a bot. The lock serializes exchanges of the same sender.
func New(cfg Config, store Store, fetcher Fetcher, lock ratelimit.Lock, logger zerolog.Logger) *Bot {
	if lock == nil {
		lock = ratelimit.New(0)
	}
	return &Bot{
		cfg:      cfg,
		store:    store,
		fetcher:  fetcher,
		lock:     lock,
		commands: command.New(store),
		log:      logger,
	}
}

// Disabled reports whether the key can't be used for conversations.
func Disabled(key string) bool {
	return key == "" || key == Placeholder
}

// Handle processes an inbound message. Failures are sent back to the sender
// as text, the returned error only reports reply delivery problems.
func (b *Bot) Handle(ctx context.Context, msg Message, r Replier) error {
	log := b.log.With().Str("exchange", uuid.NewString()).Str("sender", msg.SenderID).Logger()

	req := command.Parse(msg.Text)
	switch req.Kind {
	case command.Ignored:
		log.Debug().Str("name", req.Name).Msg("bot: ignoring message")
		return nil
	case command.Command:
		log.Info().Str("command", req.Name).Msg("bot: running command")
		return b.reply(ctx, log, r, b.commands.Run(ctx, msg.SenderID, req))
	}

	if Disabled(b.cfg.APIKey) {
		log.Debug().Msg("bot: api key not configured, skipping conversation")
		return nil
	}

	unlock, err := b.lock.Lock(ctx, msg.SenderID)
	if err != nil {
		return b.reply(ctx, log, r, formatError(err))
	}
	defer unlock()

	text, err := b.converse(ctx, log, msg)
	if err != nil {
		log.Error().Err(err).Msg("bot: conversation failed")
		text = formatError(err)
	}
	return b.reply(ctx, log, r, text)
}

func (b *Bot) converse(ctx context.Context, log zerolog.Logger, msg Message) (string, error) {
	user := memory.Turn{Role: memory.User, Content: msg.Text}

	turns := []memory.Turn{{Role: memory.System, Content: b.cfg.SystemPrompt}}
	turns = append(turns, b.store.Window(msg.SenderID)...)
	turns = append(turns, user)
	turns, err := fixed.Fit(turns, 1, b.cfg.MaxTokens)
	if err != nil {
		return "", fmt.Errorf("bot: couldn't fit history: %w", err)
	}

	response, err := b.fetcher.Fetch(ctx, turns)
	if err != nil {
		return "", err
	}

	// History is best effort, a failed persist doesn't fail the exchange
	for _, t := range []memory.Turn{user, {Role: memory.Assistant, Content: response}} {
		if err := b.store.Append(msg.SenderID, t); err != nil {
			log.Warn().Err(err).Msg("bot: couldn't save history")
		}
	}
	log.Info().Int("turns", len(turns)).Msg("bot: conversation completed")
	return response, nil
}

func (b *Bot) reply(ctx context.Context, log zerolog.Logger, r Replier, text string) error {
	if err := r.Reply(ctx, text); err != nil {
		log.Error().Err(err).Msg("bot: couldn't send reply")
		return fmt.Errorf("bot: couldn't send reply: %w", err)
	}
	return nil
}

func formatError(err error) string {
	return fmt.Sprintf("Error: %v", err)
}
