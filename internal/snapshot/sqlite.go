package snapshot

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/igolaizola/igochat/pkg/memory"
	_ "github.com/mattn/go-sqlite3"
)

type sqliteSnapshot struct {
	db *sql.DB
	// recovered is reported by the first Read after a corrupt database was
	// moved aside
	recovered error
}

// NewSQLite opens (or creates) a SQLite database at the given path and makes
// sure the windows table exists. An existing file that can't be opened as a
// database is renamed with a .corrupt suffix and a new database is created in
// its place.
func NewSQLite(path string) (Snapshot, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("snapshot: couldn't create db directory %s: %w", dir, err)
		}
	}
	db, openErr := openSQLite(path)
	if openErr == nil {
		return &sqliteSnapshot{db: db}, nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, openErr
	}

	aside := fmt.Sprintf("%s.corrupt-%s", path, time.Now().Format("20060102_150405"))
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if _, err := os.Stat(path + suffix); err != nil {
			continue
		}
		if err := os.Rename(path+suffix, aside+suffix); err != nil {
			return nil, fmt.Errorf("snapshot: couldn't move corrupt db aside: %w", err)
		}
	}
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	return &sqliteSnapshot{
		db:        db,
		recovered: fmt.Errorf("snapshot: %s was unreadable, moved to %s: %w", path, aside, openErr),
	}, nil
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("snapshot: couldn't open db at %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("snapshot: couldn't ping db at %s: %w", path, err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS windows (
			participant TEXT NOT NULL,
			position INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			PRIMARY KEY (participant, position)
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("snapshot: couldn't create schema at %s: %w", path, err)
	}
	return db, nil
}

func (s *sqliteSnapshot) Read() (map[string][]memory.Turn, error) {
	if err := s.recovered; err != nil {
		s.recovered = nil
		return nil, err
	}
	rows, err := s.db.Query(`SELECT participant, role, content FROM windows ORDER BY participant, position`)
	if err != nil {
		return nil, fmt.Errorf("snapshot: couldn't query windows: %w", err)
	}
	defer rows.Close()

	history := map[string][]memory.Turn{}
	for rows.Next() {
		var participant, role, content string
		if err := rows.Scan(&participant, &role, &content); err != nil {
			return nil, fmt.Errorf("snapshot: couldn't scan window row: %w", err)
		}
		history[participant] = append(history[participant], memory.Turn{
			Role:    memory.Role(role),
			Content: content,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("snapshot: couldn't iterate windows: %w", err)
	}
	return history, nil
}

// Write replaces every row inside one transaction.
func (s *sqliteSnapshot) Write(history map[string][]memory.Turn) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("snapshot: couldn't begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM windows`); err != nil {
		return fmt.Errorf("snapshot: couldn't clear windows: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO windows (participant, position, role, content) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("snapshot: couldn't prepare insert: %w", err)
	}
	defer stmt.Close()
	for participant, turns := range history {
		for i, t := range turns {
			if _, err := stmt.Exec(participant, i, string(t.Role), t.Content); err != nil {
				return fmt.Errorf("snapshot: couldn't insert turn: %w", err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("snapshot: couldn't commit: %w", err)
	}
	return nil
}

func (s *sqliteSnapshot) Close() error {
	return s.db.Close()
}
