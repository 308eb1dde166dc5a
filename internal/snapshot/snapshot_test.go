package snapshot

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/igolaizola/igochat/pkg/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var history = map[string][]memory.Turn{
	"u1": {
		{Role: memory.User, Content: "hello"},
		{Role: memory.Assistant, Content: "hi there"},
	},
	"u2": {
		{Role: memory.User, Content: "multi\nline: value"},
	},
}

func TestRoundTrip(t *testing.T) {
	for _, name := range []string{"chat_history.json", "chat_history.yaml", "chat_history.yml", "chat_history.sqlite"} {
		t.Run(name, func(t *testing.T) {
			snap, err := Open(filepath.Join(t.TempDir(), name))
			require.NoError(t, err)
			defer snap.Close()

			require.NoError(t, snap.Write(history))
			got, err := snap.Read()
			require.NoError(t, err)
			assert.Equal(t, history, got)

			// Writes replace the previous contents
			replacement := map[string][]memory.Turn{"u3": {{Role: memory.User, Content: "x"}}}
			require.NoError(t, snap.Write(replacement))
			got, err = snap.Read()
			require.NoError(t, err)
			assert.Equal(t, replacement, got)
		})
	}
}

func TestFileMissing(t *testing.T) {
	snap := NewFile(filepath.Join(t.TempDir(), "chat_history.json"))
	_, err := snap.Read()
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestFileCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat_history.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"u1": [`), 0644))
	_, err := NewFile(path).Read()
	assert.Error(t, err)
}

func TestFileWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	snap := NewFile(filepath.Join(dir, "chat_history.json"))
	require.NoError(t, snap.Write(history))
	require.NoError(t, snap.Write(history))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "chat_history.json", entries[0].Name())
}

func TestSQLiteEmpty(t *testing.T) {
	snap, err := NewSQLite(filepath.Join(t.TempDir(), "state", "chat.db"))
	require.NoError(t, err)
	defer snap.Close()

	got, err := snap.Read()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSQLiteCorrupt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chat.db")
	require.NoError(t, os.WriteFile(path, []byte("this is not a sqlite database, just some bytes on disk"), 0644))

	snap, err := Open(path)
	require.NoError(t, err)
	defer snap.Close()

	// The first read reports the recovery, later reads see the new database
	_, err = snap.Read()
	assert.Error(t, err)
	got, err := snap.Read()
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, snap.Write(history))
	got, err = snap.Read()
	require.NoError(t, err)
	assert.Equal(t, history, got)

	moved, err := filepath.Glob(filepath.Join(dir, "chat.db.corrupt-*"))
	require.NoError(t, err)
	require.Len(t, moved, 1)
	b, err := os.ReadFile(moved[0])
	require.NoError(t, err)
	assert.Equal(t, "this is not a sqlite database, just some bytes on disk", string(b))
}
