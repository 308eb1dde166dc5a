package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/igolaizola/igochat/pkg/memory"
	"gopkg.in/yaml.v3"
)

type file struct {
	path string
	yaml bool
}

// NewFile returns a snapshot stored in a single file. Files ending in .yaml
// or .yml are encoded as YAML, anything else as JSON.
func NewFile(path string) Snapshot {
	ext := strings.ToLower(filepath.Ext(path))
	return &file{
		path: path,
		yaml: ext == ".yaml" || ext == ".yml",
	}
}

func (f *file) Read() (map[string][]memory.Turn, error) {
	b, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("snapshot: couldn't read %s: %w", f.path, err)
	}
	history := map[string][]memory.Turn{}
	if f.yaml {
		err = yaml.Unmarshal(b, &history)
	} else {
		err = json.Unmarshal(b, &history)
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot: couldn't parse %s: %w", f.path, err)
	}
	return history, nil
}

// Write encodes the mapping to a temporary file next to the target and
// renames it into place, so readers never see a partial write.
func (f *file) Write(history map[string][]memory.Turn) error {
	var b []byte
	var err error
	if f.yaml {
		b, err = yaml.Marshal(history)
	} else {
		b, err = json.Marshal(history)
	}
	if err != nil {
		return fmt.Errorf("snapshot: couldn't encode history: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("snapshot: couldn't create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("snapshot: couldn't create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("snapshot: couldn't write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("snapshot: couldn't sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("snapshot: couldn't close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("snapshot: couldn't replace %s: %w", f.path, err)
	}
	return nil
}

func (f *file) Close() error {
	return nil
}
