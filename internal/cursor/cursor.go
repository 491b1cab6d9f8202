// Package cursor durably stores the last acknowledged change-feed position.
//
// Saves are buffered: a scheduled flush fires after the save interval, a
// background tick flushes pending writes, and shutdown flushes
// synchronously. The token history allows operational rollback.
package cursor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultSaveInterval batches cursor writes; losing up to this much
	// progress on crash only causes redelivery, never skips.
	DefaultSaveInterval = 5 * time.Second
	// periodicFlush is a safety net for a stuck flush timer.
	periodicFlush = 30 * time.Second
	// DefaultMaxHistory bounds the prior-position history.
	DefaultMaxHistory = 100
)

// Backend is one durable location for the cursor: a file or a database row.
type Backend interface {
	Load() (json.RawMessage, error)
	Save(token json.RawMessage, history []json.RawMessage, at time.Time) error
}

// Valid reports whether a token is well-formed: a non-empty object carrying
// an _data or _id attribute, or a non-empty string.
func Valid(token json.RawMessage) bool {
	if len(token) == 0 {
		return false
	}
	var v any
	if err := json.Unmarshal(token, &v); err != nil {
		return false
	}
	switch t := v.(type) {
	case string:
		return t != ""
	case map[string]any:
		if len(t) == 0 {
			return false
		}
		_, hasData := t["_data"]
		_, hasID := t["_id"]
		return hasData || hasID
	}
	return false
}

// Saver buffers cursor writes over a Backend.
type Saver struct {
	backend    Backend
	interval   time.Duration
	maxHistory int
	now        func() time.Time

	mu      sync.Mutex
	token   json.RawMessage
	history []json.RawMessage
	dirty   bool
	timer   *time.Timer
}

// NewSaver wraps backend with the default buffering policy.
func NewSaver(backend Backend) *Saver {
	return &Saver{
		backend:    backend,
		interval:   DefaultSaveInterval,
		maxHistory: DefaultMaxHistory,
		now:        time.Now,
	}
}

// Load returns the saved token, or nil for a fresh start. Malformed saved
// tokens are treated as absent.
func (s *Saver) Load() (json.RawMessage, error) {
	token, err := s.backend.Load()
	if err != nil {
		return nil, err
	}
	if token == nil {
		return nil, nil
	}
	if !Valid(token) {
		slog.Warn("Ignoring malformed saved resume token.")
		return nil, nil
	}
	return token, nil
}

// Save records the token. With force it flushes immediately; otherwise a
// flush is scheduled after the save interval.
func (s *Saver) Save(token json.RawMessage, force bool) error {
	if !Valid(token) {
		return fmt.Errorf("invalid resume token")
	}
	s.mu.Lock()
	if s.token != nil && !jsonEqual(s.token, token) {
		s.history = append(s.history, s.token)
		if len(s.history) > s.maxHistory {
			s.history = s.history[len(s.history)-s.maxHistory:]
		}
	}
	s.token = token
	s.dirty = true
	if force {
		s.mu.Unlock()
		return s.Flush()
	}
	if s.timer == nil {
		s.timer = time.AfterFunc(s.interval, func() {
			if err := s.Flush(); err != nil {
				slog.Error("Scheduled cursor flush failed.", "err", err)
			}
		})
	}
	s.mu.Unlock()
	return nil
}

// Flush writes any pending token synchronously. A failed flush keeps the
// token pending for the next attempt.
func (s *Saver) Flush() error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	token := s.token
	history := append([]json.RawMessage(nil), s.history...)
	s.mu.Unlock()

	if err := s.backend.Save(token, history, s.now()); err != nil {
		return fmt.Errorf("persist cursor: %w", err)
	}

	s.mu.Lock()
	if jsonEqual(s.token, token) {
		s.dirty = false
	}
	s.mu.Unlock()
	return nil
}

// Run flushes pending saves periodically until ctx is cancelled, then
// flushes one final time.
func (s *Saver) Run(ctx context.Context) {
	ticker := time.NewTicker(periodicFlush)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := s.Flush(); err != nil {
				slog.Error("Final cursor flush failed.", "err", err)
			}
			return
		case <-ticker.C:
			if err := s.Flush(); err != nil {
				slog.Error("Periodic cursor flush failed.", "err", err)
			}
		}
	}
}

func jsonEqual(a, b json.RawMessage) bool {
	return string(a) == string(b)
}
