// Package store is the embedded relational store: durable append of events
// and snapshots, indexed lookups by run and by session, and age-based
// deletion for the retention sweep. Backed by modernc.org/sqlite (pure Go,
// no cgo); there is exactly one writer process and no distribution
// requirement here.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const schemaVersion = 1

// Store wraps a single-file SQLite database plus the schema Forked needs.
// All methods are safe for concurrent use; the pool holds a single
// connection, so reads and writes run one at a time.
type Store struct {
	db *sql.DB
}

// Open creates the database file at path (and its parent directory) with
// 0600 permissions if it doesn't exist yet, enables WAL journaling, and
// ensures the schema is present.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	newFile := false
	if _, err := os.Stat(path); os.IsNotExist(err) {
		newFile = true
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// A single connection avoids SQLITE_BUSY under WAL with concurrent
	// ingest/API/rewind callers; every query waits its turn on it.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}

	// The driver creates the file lazily on first use, so the chmod runs
	// only after the first statement above has opened it.
	if newFile {
		if err := os.Chmod(path, 0600); err != nil {
			db.Close()
			return nil, fmt.Errorf("chmod store file: %w", err)
		}
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			session_key TEXT,
			seq INTEGER NOT NULL,
			stream TEXT NOT NULL,
			ts INTEGER NOT NULL,
			data TEXT NOT NULL,
			is_fork INTEGER NOT NULL DEFAULT 0,
			forked_from_run_id TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_run_id ON events(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session_key ON events(session_key)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			tool_name TEXT NOT NULL,
			file_path TEXT NOT NULL,
			content_before TEXT,
			content_after TEXT,
			existed_before INTEGER,
			exists_after INTEGER,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_run_seq ON snapshots(run_id, seq)`,
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			version INTEGER NOT NULL
		)`,
		`INSERT OR IGNORE INTO schema_meta (id, version) VALUES (1, 0)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	if _, err := s.db.Exec(`UPDATE schema_meta SET version = ? WHERE id = 1`, schemaVersion); err != nil {
		return fmt.Errorf("stamp schema version: %w", err)
	}
	return nil
}

// SchemaVersion reports the schema version currently applied, used by the
// doctor command to confirm the store is up to date.
func (s *Store) SchemaVersion() (int, error) {
	var v int
	err := s.db.QueryRow(`SELECT version FROM schema_meta WHERE id = 1`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
