package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"hooktail"
)

// ErrNotFound is returned when a keyed row does not exist.
var ErrNotFound = errors.New("not found")

const timeLayout = time.RFC3339Nano

// PutSubscriber inserts or replaces a subscriber row.
func (s *Store) PutSubscriber(sub hooktail.Subscriber) error {
	events, _ := json.Marshal(sub.Events)
	collections, _ := json.Marshal(sub.Collections)
	headers, _ := json.Marshal(sub.Headers)
	retry, _ := json.Marshal(sub.Retry)
	var rateLimit, brk any
	if sub.RateLimit != nil {
		b, _ := json.Marshal(sub.RateLimit)
		rateLimit = string(b)
	}
	if sub.Breaker != nil {
		b, _ := json.Marshal(sub.Breaker)
		brk = string(b)
	}

	_, err := s.db.Exec(`
		INSERT INTO subscribers
			(id, name, url, secret, events, collections, filter, headers,
			 enabled, retry, rate_limit, breaker, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, url = excluded.url, secret = excluded.secret,
			events = excluded.events, collections = excluded.collections,
			filter = excluded.filter, headers = excluded.headers,
			enabled = excluded.enabled, retry = excluded.retry,
			rate_limit = excluded.rate_limit, breaker = excluded.breaker,
			updated_at = excluded.updated_at`,
		sub.ID, sub.Name, sub.URL, sub.Secret,
		string(events), string(collections), sub.Filter, string(headers),
		boolInt(sub.Enabled), string(retry), rateLimit, brk,
		sub.CreatedAt.UTC().Format(timeLayout), sub.UpdatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("put subscriber: %w", err)
	}
	return nil
}

// GetSubscriber loads one subscriber by id.
func (s *Store) GetSubscriber(id string) (hooktail.Subscriber, error) {
	row := s.db.QueryRow(`
		SELECT id, name, url, secret, events, collections, filter, headers,
		       enabled, retry, rate_limit, breaker, created_at, updated_at
		FROM subscribers WHERE id = ?`, id)
	sub, err := scanSubscriber(row)
	if errors.Is(err, sql.ErrNoRows) {
		return hooktail.Subscriber{}, ErrNotFound
	}
	return sub, err
}

// ListSubscribers returns every subscriber. The pipeline treats the result
// as a read-only snapshot.
func (s *Store) ListSubscribers() ([]hooktail.Subscriber, error) {
	rows, err := s.db.Query(`
		SELECT id, name, url, secret, events, collections, filter, headers,
		       enabled, retry, rate_limit, breaker, created_at, updated_at
		FROM subscribers ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	defer rows.Close()

	var out []hooktail.Subscriber
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// DeleteSubscriber removes a subscriber row.
func (s *Store) DeleteSubscriber(id string) error {
	res, err := s.db.Exec(`DELETE FROM subscribers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete subscriber: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscriber(row rowScanner) (hooktail.Subscriber, error) {
	var sub hooktail.Subscriber
	var events, collections, headers, retry, createdAt, updatedAt string
	var rateLimit, brk sql.NullString
	var enabled int
	err := row.Scan(&sub.ID, &sub.Name, &sub.URL, &sub.Secret,
		&events, &collections, &sub.Filter, &headers,
		&enabled, &retry, &rateLimit, &brk, &createdAt, &updatedAt)
	if err != nil {
		return sub, err
	}
	sub.Enabled = enabled != 0
	_ = json.Unmarshal([]byte(events), &sub.Events)
	_ = json.Unmarshal([]byte(collections), &sub.Collections)
	_ = json.Unmarshal([]byte(headers), &sub.Headers)
	_ = json.Unmarshal([]byte(retry), &sub.Retry)
	if rateLimit.Valid {
		sub.RateLimit = &hooktail.RateLimitPolicy{}
		_ = json.Unmarshal([]byte(rateLimit.String), sub.RateLimit)
	}
	if brk.Valid {
		sub.Breaker = &hooktail.BreakerPolicy{}
		_ = json.Unmarshal([]byte(brk.String), sub.Breaker)
	}
	sub.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	sub.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return sub, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
