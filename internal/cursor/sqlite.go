package cursor

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SQLiteBackend stores the cursor as a single row keyed by service identity.
type SQLiteBackend struct {
	db      *sql.DB
	service string
}

func NewSQLiteBackend(db *sql.DB, service string) *SQLiteBackend {
	return &SQLiteBackend{db: db, service: service}
}

func (b *SQLiteBackend) Load() (json.RawMessage, error) {
	var token string
	err := b.db.QueryRow(`SELECT token FROM resume_cursor WHERE service = ?`, b.service).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load cursor row: %w", err)
	}
	return json.RawMessage(token), nil
}

func (b *SQLiteBackend) Save(token json.RawMessage, history []json.RawMessage, at time.Time) error {
	hist, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("marshal cursor history: %w", err)
	}
	_, err = b.db.Exec(`
		INSERT INTO resume_cursor (service, token, history, last_saved)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(service) DO UPDATE SET
			token = excluded.token, history = excluded.history,
			last_saved = excluded.last_saved`,
		b.service, string(token), string(hist), at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save cursor row: %w", err)
	}
	return nil
}
