package snapshot

import (
	"path/filepath"
	"strings"

	"github.com/igolaizola/igochat/pkg/memory"
)

// Snapshot is the durable copy of every conversation window.
type Snapshot interface {
	// Read returns the stored mapping. A file snapshot that was never
	// written returns an error wrapping os.ErrNotExist.
	Read() (map[string][]memory.Turn, error)
	// Write replaces the stored mapping as a whole.
	Write(map[string][]memory.Turn) error
	Close() error
}

// Open returns the snapshot backend matching the path extension.
func Open(path string) (Snapshot, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".sqlite", ".sqlite3":
		return NewSQLite(path)
	default:
		return NewFile(path), nil
	}
}
