package openai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/igolaizola/igochat/pkg/memory"
	"github.com/igolaizola/igochat/pkg/memory/fixed"
	"github.com/rs/zerolog"
)

var (
	// ErrRetriesExhausted is returned when every attempt was rate limited.
	ErrRetriesExhausted = errors.New("openai: couldn't fetch response after multiple retries")
	// ErrInvalidMessages is returned when the turns don't form a valid request.
	ErrInvalidMessages = errors.New("openai: invalid messages")
)

// RetryPolicy controls the backoff applied to rate limited attempts.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
}

// DefaultRetryPolicy makes up to 5 attempts waiting 1s, 2s, 4s and 8s.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:  5,
	InitialDelay: time.Second,
	Multiplier:   2,
}

// Fetcher retries rate limited completions with exponential backoff.
type Fetcher struct {
	completer Completer
	policy    RetryPolicy
	log       zerolog.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewFetcher returns a fetcher using the given policy. Zero fields fall back
// to DefaultRetryPolicy.
func NewFetcher(c Completer, policy RetryPolicy, logger zerolog.Logger) *Fetcher {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = DefaultRetryPolicy.InitialDelay
	}
	if policy.Multiplier <= 0 {
		policy.Multiplier = DefaultRetryPolicy.Multiplier
	}
	return &Fetcher{
		completer: c,
		policy:    policy,
		log:       logger,
		sleep:     sleep,
	}
}

// Fetch returns the text of the first completion choice. Rate limited
// attempts are retried, any other failure is returned right away.
func (f *Fetcher) Fetch(ctx context.Context, turns []memory.Turn) (string, error) {
	if err := validate(turns); err != nil {
		return "", err
	}
	if tokens, err := fixed.Tokens(turns); err == nil {
		f.log.Debug().Int("tokens", tokens).Int("turns", len(turns)).Msg("openai: sending request")
	}

	delay := f.policy.InitialDelay
	var last error
	for attempt := 0; attempt < f.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			f.log.Info().Dur("delay", delay).Int("attempt", attempt+1).Msg("openai: rate limited, retrying")
			if err := f.sleep(ctx, delay); err != nil {
				return "", err
			}
			delay = time.Duration(float64(delay) * f.policy.Multiplier)
		}
		res := f.completer.Complete(ctx, turns)
		switch res.Kind {
		case Success:
			return res.Text, nil
		case RateLimited:
			last = res.Err
		default:
			return "", res.Err
		}
	}
	return "", fmt.Errorf("%w (%d attempts): %w", ErrRetriesExhausted, f.policy.MaxAttempts, last)
}

// validate checks the turns open with a single system turn and end with a
// user turn.
func validate(turns []memory.Turn) error {
	if len(turns) < 2 {
		return fmt.Errorf("%w: need a system and a user turn, got %d turns", ErrInvalidMessages, len(turns))
	}
	if turns[0].Role != memory.System {
		return fmt.Errorf("%w: first turn must be %s, got %s", ErrInvalidMessages, memory.System, turns[0].Role)
	}
	for i, t := range turns[1:] {
		if t.Role != memory.User && t.Role != memory.Assistant {
			return fmt.Errorf("%w: turn %d has role %q", ErrInvalidMessages, i+1, t.Role)
		}
	}
	if last := turns[len(turns)-1]; last.Role != memory.User {
		return fmt.Errorf("%w: last turn must be %s, got %s", ErrInvalidMessages, memory.User, last.Role)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
