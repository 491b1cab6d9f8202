package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"hooktail"
)

// EventHash is the deduplication key: sha256 over a canonical (sorted-key)
// JSON rendering of the event. The per-observation id is excluded so a
// redelivered change hashes equal to its first observation.
func EventHash(event hooktail.Event) string {
	var raw map[string]any
	b, _ := json.Marshal(event)
	_ = json.Unmarshal(b, &raw)
	delete(raw, "id")
	sum := sha256.Sum256([]byte(canonicalJSON(raw)))
	return hex.EncodeToString(sum[:])
}

// canonicalJSON renders a decoded JSON value with object keys sorted, so
// equal documents hash equally regardless of field order.
func canonicalJSON(v any) string {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			b.Write(kb)
			b.WriteByte(':')
			b.WriteString(canonicalJSON(t[k]))
		}
		b.WriteByte('}')
		return b.String()
	case []any:
		var b strings.Builder
		b.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(canonicalJSON(e))
		}
		b.WriteByte(']')
		return b.String()
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

// RecordEvent appends the event to the ledger. It reports false when an
// event with the same (sourceId, hash) already exists, along with the
// ledger's event id: the fresh event's own id, or the id of the first
// observation on a duplicate.
func (s *Store) RecordEvent(event hooktail.Event, sourceID string) (bool, string, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return false, "", fmt.Errorf("marshal event: %w", err)
	}
	hash := EventHash(event)
	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO events_ledger
			(id, source_id, event_hash, event_type, workspace, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ID, sourceID, hash, event.Type, event.Workspace,
		string(payload), time.Now().UTC().Format(timeLayout))
	if err != nil {
		return false, "", fmt.Errorf("record event: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, event.ID, nil
	}

	var existing string
	err = s.db.QueryRow(`
		SELECT id FROM events_ledger WHERE source_id = ? AND event_hash = ?`,
		sourceID, hash).Scan(&existing)
	if err != nil {
		return false, "", fmt.Errorf("load duplicate event: %w", err)
	}
	return false, existing, nil
}
