// Package store owns the daemon's durable local state in SQLite: the
// subscriber registry, delivery attempts, delivery history, dead-letter
// entries, the resume cursor row, and the deduplication events ledger.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store is the shared SQLite handle.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and migrates the
// schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenMemory opens an in-memory database, for tests.
func OpenMemory() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// The delivery pipeline hits the store from several goroutines; an
	// in-memory database must share one connection to see one schema.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the handle to sibling packages that own their own tables.
func (s *Store) DB() *sql.DB { return s.db }

// Ping reports whether the database is reachable, for readiness checks.
func (s *Store) Ping() error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not open")
	}
	return s.db.Ping()
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate schema: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS subscribers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL,
		secret TEXT NOT NULL DEFAULT '',
		events TEXT NOT NULL DEFAULT '[]',
		collections TEXT NOT NULL DEFAULT '[]',
		filter TEXT NOT NULL DEFAULT '',
		headers TEXT NOT NULL DEFAULT '{}',
		enabled INTEGER NOT NULL DEFAULT 1,
		retry TEXT NOT NULL DEFAULT '{}',
		rate_limit TEXT,
		breaker TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS delivery_attempts (
		id TEXT PRIMARY KEY,
		delivery_id TEXT NOT NULL,
		subscriber_id TEXT NOT NULL,
		event_id TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		status TEXT NOT NULL,
		http_status INTEGER,
		response_body TEXT NOT NULL DEFAULT '',
		response_headers TEXT NOT NULL DEFAULT '{}',
		error TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		next_retry_at TEXT,
		final_attempt INTEGER NOT NULL DEFAULT 0,
		at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_attempts_delivery ON delivery_attempts(delivery_id)`,
	`CREATE INDEX IF NOT EXISTS idx_attempts_subscriber ON delivery_attempts(subscriber_id, at)`,
	`CREATE TABLE IF NOT EXISTS delivery_history (
		id TEXT PRIMARY KEY,
		delivery_id TEXT NOT NULL,
		subscriber_id TEXT NOT NULL,
		event_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		status TEXT NOT NULL,
		http_status INTEGER,
		error TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		payload TEXT NOT NULL DEFAULT '',
		compressed INTEGER NOT NULL DEFAULT 0,
		at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_history_at ON delivery_history(at)`,
	`CREATE INDEX IF NOT EXISTS idx_history_subscriber ON delivery_history(subscriber_id, at)`,
	`CREATE TABLE IF NOT EXISTS dlq_entries (
		id TEXT PRIMARY KEY,
		subscriber_id TEXT NOT NULL,
		event_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		delivery TEXT NOT NULL,
		failure_reason TEXT NOT NULL,
		original_attempts INTEGER NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		last_result TEXT NOT NULL DEFAULT '',
		dead_lettered_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_dlq_at ON dlq_entries(dead_lettered_at)`,
	`CREATE TABLE IF NOT EXISTS resume_cursor (
		service TEXT PRIMARY KEY,
		token TEXT NOT NULL,
		history TEXT NOT NULL DEFAULT '[]',
		last_saved TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS events_ledger (
		id TEXT PRIMARY KEY,
		source_id TEXT NOT NULL,
		event_hash TEXT NOT NULL,
		event_type TEXT NOT NULL,
		workspace TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(source_id, event_hash)
	)`,
}
