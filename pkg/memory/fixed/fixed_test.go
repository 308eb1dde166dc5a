package fixed

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/igolaizola/igochat/internal/snapshot"
	"github.com/igolaizola/igochat/pkg/memory"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func turn(i int) memory.Turn {
	role := memory.User
	if i%2 == 1 {
		role = memory.Assistant
	}
	return memory.Turn{Role: role, Content: fmt.Sprintf("msg %d", i)}
}

func TestWindowBound(t *testing.T) {
	for _, n := range []int{0, 1, 19, 20, 21, 45} {
		t.Run(fmt.Sprint(n), func(t *testing.T) {
			m := NewFixedMemory(0, nil, zerolog.Nop())
			var all []memory.Turn
			for i := 0; i < n; i++ {
				all = append(all, turn(i))
				require.NoError(t, m.Append("p", turn(i)))
			}
			got := m.Window("p")
			want := n
			if want > MaxWindow {
				want = MaxWindow
			}
			require.Len(t, got, want)
			if n > 0 {
				assert.Equal(t, all[len(all)-want:], got)
			}
		})
	}
}

func TestFIFOEviction(t *testing.T) {
	m := NewFixedMemory(0, nil, zerolog.Nop())
	for i := 0; i < MaxWindow; i++ {
		require.NoError(t, m.Append("p", turn(i)))
	}
	before := m.Window("p")
	require.NoError(t, m.Append("p", turn(MaxWindow)))
	after := m.Window("p")

	require.Len(t, after, MaxWindow)
	assert.Equal(t, before[1:], after[:MaxWindow-1])
	assert.Equal(t, turn(MaxWindow), after[MaxWindow-1])
}

func TestWindowIsolation(t *testing.T) {
	m := NewFixedMemory(0, nil, zerolog.Nop())
	require.NoError(t, m.Append("a", turn(0)))
	require.NoError(t, m.Append("b", turn(1)))

	assert.Empty(t, m.Window("unknown"))
	w := m.Window("a")
	w[0].Content = "changed"
	assert.Equal(t, "msg 0", m.Window("a")[0].Content)
	assert.Equal(t, []string{"a", "b"}, m.Participants())
	assert.Equal(t, 1, m.Len("b"))
}

func TestPersistLoadRoundTrip(t *testing.T) {
	for _, name := range []string{"history.json", "history.yaml", "history.db"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			snap, err := snapshot.Open(path)
			require.NoError(t, err)
			m := NewFixedMemory(0, snap, zerolog.Nop())
			for i := 0; i < 25; i++ {
				require.NoError(t, m.Append("u1", turn(i)))
			}
			require.NoError(t, m.Append("u2", turn(0)))
			want := map[string][]memory.Turn{
				"u1": m.Window("u1"),
				"u2": m.Window("u2"),
			}
			require.NoError(t, snap.Close())

			snap, err = snapshot.Open(path)
			require.NoError(t, err)
			defer snap.Close()
			reloaded := NewFixedMemory(0, snap, zerolog.Nop())
			assert.Equal(t, want, reloaded.Load())
		})
	}
}

func TestLoadCorruptSnapshot(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "history.json", data: "{not json"},
		{name: "history.yaml", data: "u1: [\n  - role: user\n"},
		{name: "history.db", data: "this is not a sqlite database, just some bytes on disk"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.name)
			require.NoError(t, os.WriteFile(path, []byte(tt.data), 0644))

			snap, err := snapshot.Open(path)
			require.NoError(t, err)
			defer snap.Close()

			m := NewFixedMemory(0, snap, zerolog.Nop())
			assert.Empty(t, m.Window("u1"))
			assert.Empty(t, m.Participants())

			// The store keeps working on top of the same snapshot
			require.NoError(t, m.Append("u1", turn(0)))
			assert.Equal(t, map[string][]memory.Turn{"u1": {turn(0)}}, m.Load())
		})
	}
}

func TestLoadMissingSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "history.json")
	m := NewFixedMemory(0, snapshot.NewFile(path), zerolog.Nop())
	assert.Empty(t, m.Load())
}

func TestLoadTrimsOversizedWindows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	snap := snapshot.NewFile(path)
	var turns []memory.Turn
	for i := 0; i < 30; i++ {
		turns = append(turns, turn(i))
	}
	require.NoError(t, snap.Write(map[string][]memory.Turn{"p": turns}))

	m := NewFixedMemory(0, snap, zerolog.Nop())
	assert.Equal(t, turns[10:], m.Window("p"))
}

type failingSnapshot struct{ err error }

func (f failingSnapshot) Read() (map[string][]memory.Turn, error) { return nil, f.err }
func (f failingSnapshot) Write(map[string][]memory.Turn) error    { return f.err }
func (f failingSnapshot) Close() error                            { return nil }

func TestLoadDropsInvalidRoles(t *testing.T) {
	snap := snapshot.NewFile(filepath.Join(t.TempDir(), "history.json"))
	require.NoError(t, snap.Write(map[string][]memory.Turn{
		"u1": {
			{Role: memory.System, Content: "injected"},
			turn(0),
			{Role: memory.Role("bogus"), Content: "?"},
			turn(1),
		},
		"u2": {
			{Role: memory.System, Content: "only system"},
		},
	}))

	m := NewFixedMemory(0, snap, zerolog.Nop())
	assert.Equal(t, map[string][]memory.Turn{"u1": {turn(0), turn(1)}}, m.Load())
	assert.Equal(t, []memory.Turn{turn(0), turn(1)}, m.Window("u1"))
	assert.Empty(t, m.Window("u2"))
	assert.Equal(t, []string{"u1"}, m.Participants())
}

// flakySnapshot fails reads while broken is set.
type flakySnapshot struct {
	broken  bool
	history map[string][]memory.Turn
}

func (f *flakySnapshot) Read() (map[string][]memory.Turn, error) {
	if f.broken {
		return nil, errors.New("read failed")
	}
	return f.history, nil
}

func (f *flakySnapshot) Write(history map[string][]memory.Turn) error {
	f.history = map[string][]memory.Turn{}
	for participant, turns := range history {
		f.history[participant] = append([]memory.Turn(nil), turns...)
	}
	return nil
}

func (f *flakySnapshot) Close() error { return nil }

func TestLoadReadFailureKeepsWindows(t *testing.T) {
	snap := &flakySnapshot{}
	m := NewFixedMemory(0, snap, zerolog.Nop())
	require.NoError(t, m.Append("p", turn(0)))
	require.NoError(t, m.Append("p", turn(1)))

	snap.broken = true
	assert.Empty(t, m.Load())
	assert.Equal(t, []memory.Turn{turn(0), turn(1)}, m.Window("p"))
	assert.Equal(t, 2, m.Len("p"))

	snap.broken = false
	assert.Equal(t, map[string][]memory.Turn{"p": {turn(0), turn(1)}}, m.Load())
}

func TestAppendPersistFailure(t *testing.T) {
	disk := errors.New("disk full")
	m := NewFixedMemory(0, failingSnapshot{err: disk}, zerolog.Nop())

	err := m.Append("p", turn(0))
	assert.ErrorIs(t, err, ErrPersist)
	assert.ErrorIs(t, err, disk)
	// The window still holds the turn
	assert.Equal(t, []memory.Turn{turn(0)}, m.Window("p"))
}

func TestFit(t *testing.T) {
	turns := []memory.Turn{{Role: memory.System, Content: "system"}}
	for i := 0; i < 20; i++ {
		turns = append(turns, memory.Turn{Role: memory.User, Content: "question"})
		turns = append(turns, memory.Turn{Role: memory.Assistant, Content: "answer"})
	}
	turns = append(turns, memory.Turn{Role: memory.User, Content: "last"})

	got, err := Fit(turns, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, turns, got)

	full, err := Tokens(turns)
	require.NoError(t, err)
	got, err = Fit(turns, 1, full+1000-1)
	require.NoError(t, err)
	assert.Less(t, len(got), len(turns))
	assert.Equal(t, memory.System, got[0].Role)
	assert.Equal(t, memory.User, got[1].Role)
	assert.Equal(t, "last", got[len(got)-1].Content)

	_, err = Fit(turns, 1, 10)
	assert.Error(t, err)
}
