package fixed

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/igolaizola/igochat/internal/snapshot"
	"github.com/igolaizola/igochat/pkg/memory"
	"github.com/rs/zerolog"
	"github.com/tiktoken-go/tokenizer"
)

// MaxWindow is the default number of turns kept per participant.
const MaxWindow = 20

// ErrPersist is returned by Append when the in-memory window was updated but
// the snapshot couldn't be written.
var ErrPersist = errors.New("fixed: couldn't persist history")

type fixedMemory struct {
	mu       sync.Mutex
	maxTurns int
	snapshot snapshot.Snapshot
	windows  map[string][]memory.Turn
	log      zerolog.Logger
}

// NewFixedMemory returns a store that keeps the last maxTurns turns of every
// participant and mirrors them to the given snapshot. The snapshot is loaded
// once here. A nil snapshot keeps history in memory only.
func NewFixedMemory(maxTurns int, snap snapshot.Snapshot, logger zerolog.Logger) *fixedMemory {
	if maxTurns <= 0 {
		maxTurns = MaxWindow
	}
	m := &fixedMemory{
		maxTurns: maxTurns,
		snapshot: snap,
		windows:  map[string][]memory.Turn{},
		log:      logger,
	}
	m.Load()
	return m
}

// Load replaces the in-memory history with the snapshot contents. Missing or
// corrupt snapshots result in an empty history and leave the windows already
// in memory untouched. Turns with a role other than user or assistant are
// dropped.
func (m *fixedMemory) Load() map[string][]memory.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.snapshot == nil {
		return m.copyAll()
	}
	history, err := m.snapshot.Read()
	if err != nil {
		m.log.Warn().Err(err).Msg("fixed: couldn't load history, using empty history")
		return map[string][]memory.Turn{}
	}
	windows := make(map[string][]memory.Turn, len(history))
	for participant, turns := range history {
		valid := make([]memory.Turn, 0, len(turns))
		for _, t := range turns {
			if t.Role != memory.User && t.Role != memory.Assistant {
				continue
			}
			valid = append(valid, t)
		}
		if dropped := len(turns) - len(valid); dropped > 0 {
			m.log.Warn().Str("participant", participant).Int("dropped", dropped).
				Msg("fixed: dropped turns with invalid roles")
		}
		if len(valid) == 0 {
			continue
		}
		windows[participant] = m.trim(valid)
	}
	m.windows = windows
	return m.copyAll()
}

func (m *fixedMemory) Append(participant string, turn memory.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.windows[participant] = m.trim(append(m.windows[participant], turn))
	return m.persist()
}

func (m *fixedMemory) Window(participant string) []memory.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()

	window := m.windows[participant]
	out := make([]memory.Turn, len(window))
	copy(out, window)
	return out
}

func (m *fixedMemory) Persist() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.persist()
}

// Len returns the number of turns stored for a participant.
func (m *fixedMemory) Len(participant string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows[participant])
}

// Participants returns the known participants sorted by id.
func (m *fixedMemory) Participants() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.windows))
	for id := range m.windows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// persist must be called with the lock held.
func (m *fixedMemory) persist() error {
	if m.snapshot == nil {
		return nil
	}
	if err := m.snapshot.Write(m.windows); err != nil {
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	return nil
}

// trim drops the oldest turns until the window fits.
func (m *fixedMemory) trim(turns []memory.Turn) []memory.Turn {
	if len(turns) <= m.maxTurns {
		return turns
	}
	out := make([]memory.Turn, m.maxTurns)
	copy(out, turns[len(turns)-m.maxTurns:])
	return out
}

func (m *fixedMemory) copyAll() map[string][]memory.Turn {
	out := make(map[string][]memory.Turn, len(m.windows))
	for participant, window := range m.windows {
		turns := make([]memory.Turn, len(window))
		copy(turns, window)
		out[participant] = turns
	}
	return out
}

// Fit removes the oldest turns after the first keepFirst ones until the
// estimated token count leaves room for a response within maxTokens. A
// leading assistant turn left behind is removed too, so the history still
// opens with a user turn.
func Fit(turns []memory.Turn, keepFirst, maxTokens int) ([]memory.Turn, error) {
	if maxTokens <= 0 || len(turns) <= keepFirst {
		return turns, nil
	}
	first := turns[:keepFirst]
	rest := turns[keepFirst:]
	for {
		tokens, err := Tokens(concat(first, rest))
		if err != nil {
			return nil, err
		}
		// Leave some tokens for the response
		if tokens+1000 <= maxTokens {
			break
		}
		if len(rest) == 1 {
			return nil, fmt.Errorf("fixed: prompt too long (%d tokens)", tokens)
		}
		rest = rest[1:]
		for len(rest) > 1 && rest[0].Role == memory.Assistant {
			rest = rest[1:]
		}
	}
	return concat(first, rest), nil
}

func concat(a, b []memory.Turn) []memory.Turn {
	out := make([]memory.Turn, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}

// Tokens estimates the number of tokens the turns use in a request.
func Tokens(turns []memory.Turn) (int, error) {
	text := ""
	for _, t := range turns {
		text += t.Content + "\n"
	}

	enc, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return 0, fmt.Errorf("fixed: couldn't get tokenizer: %w", err)
	}

	// Encode to obtain the list of tokens
	ids, _, _ := enc.Encode(text)
	tokens := len(ids)

	// Add 8 tokens extra per message
	tokens = tokens + (len(turns) * 8)
	return tokens, nil
}
