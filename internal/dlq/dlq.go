// Package dlq persists deliveries whose retry budget is exhausted and
// supports manual replay.
package dlq

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"hooktail"
	"hooktail/internal/store"
)

const (
	// DefaultMaxSize bounds the queue; the oldest entries are trimmed
	// (counted as purged) when it would grow past this.
	DefaultMaxSize = 10_000
	// DefaultRetention expires entries on the hourly sweep.
	DefaultRetention = 30 * 24 * time.Hour

	sweepEvery = time.Hour

	timeLayout = time.RFC3339Nano
)

// Entry statuses.
const (
	StatusDeadLettered = "dead_lettered"
	StatusRetrying     = "retrying"
)

// ErrNotFound is returned for unknown entry ids.
var ErrNotFound = errors.New("dlq entry not found")

// Entry is one dead-lettered delivery.
type Entry struct {
	ID               string            `json:"id"`
	SubscriberID     string            `json:"subscriberId"`
	EventID          string            `json:"eventId"`
	EventType        string            `json:"eventType"`
	Delivery         hooktail.Delivery `json:"delivery"`
	FailureReason    string            `json:"failureReason"`
	OriginalAttempts int               `json:"originalAttempts"`
	RetryCount       int               `json:"retryCount"`
	Status           string            `json:"status"`
	LastResult       string            `json:"lastResult,omitempty"`
	DeadLetteredAt   time.Time         `json:"deadLetteredAt"`
}

// Filter narrows List and RetryAll.
type Filter struct {
	SubscriberID string
	EventType    string
	Status       string
	From, To     time.Time
	Limit        int
	Offset       int
}

// Queue is the SQLite-backed dead-letter queue.
type Queue struct {
	store     *store.Store
	maxSize   int
	retention time.Duration
	now       func() time.Time

	mu     sync.Mutex
	notify func(Entry)
	purged int64
}

func New(st *store.Store) *Queue {
	return &Queue{
		store:     st,
		maxSize:   DefaultMaxSize,
		retention: DefaultRetention,
		now:       time.Now,
	}
}

// OnEntryAdded registers a notification callback invoked after each add.
func (q *Queue) OnEntryAdded(fn func(Entry)) {
	q.mu.Lock()
	q.notify = fn
	q.mu.Unlock()
}

// Add dead-letters a delivery. The tail is trimmed when the queue would
// exceed its maximum size; trimmed entries count as purged.
func (q *Queue) Add(delivery hooktail.Delivery, failureReason string, originalAttempts int) (Entry, error) {
	entry := Entry{
		ID:               uuid.NewString(),
		SubscriberID:     delivery.Subscriber.ID,
		EventID:          delivery.Event.ID,
		EventType:        delivery.Event.Type,
		Delivery:         delivery,
		FailureReason:    failureReason,
		OriginalAttempts: originalAttempts,
		Status:           StatusDeadLettered,
		DeadLetteredAt:   q.now().UTC(),
	}
	frozen, err := json.Marshal(delivery)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal delivery: %w", err)
	}
	_, err = q.store.DB().Exec(`
		INSERT INTO dlq_entries
			(id, subscriber_id, event_id, event_type, delivery, failure_reason,
			 original_attempts, retry_count, status, last_result, dead_lettered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, '', ?)`,
		entry.ID, entry.SubscriberID, entry.EventID, entry.EventType,
		string(frozen), entry.FailureReason, entry.OriginalAttempts,
		entry.Status, entry.DeadLetteredAt.Format(timeLayout))
	if err != nil {
		return Entry{}, fmt.Errorf("add dlq entry: %w", err)
	}

	if trimmed, err := q.trim(); err != nil {
		slog.Error("Failed to trim dead-letter queue.", "err", err)
	} else if trimmed > 0 {
		slog.Warn("Dead-letter queue trimmed.", "purged", trimmed)
	}

	q.mu.Lock()
	notify := q.notify
	q.mu.Unlock()
	if notify != nil {
		notify(entry)
	}
	return entry, nil
}

func (q *Queue) trim() (int64, error) {
	res, err := q.store.DB().Exec(`
		DELETE FROM dlq_entries WHERE id IN (
			SELECT id FROM dlq_entries
			ORDER BY dead_lettered_at DESC
			LIMIT -1 OFFSET ?
		)`, q.maxSize)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.mu.Lock()
		q.purged += n
		q.mu.Unlock()
	}
	return n, nil
}

// Retry marks an entry as retrying and returns the re-wrapped delivery.
// The dispatcher reports the final outcome through UpdateStatus.
func (q *Queue) Retry(entryID string) (hooktail.Delivery, error) {
	entry, err := q.get(entryID)
	if err != nil {
		return hooktail.Delivery{}, err
	}
	_, err = q.store.DB().Exec(`
		UPDATE dlq_entries SET status = ?, retry_count = retry_count + 1 WHERE id = ?`,
		StatusRetrying, entryID)
	if err != nil {
		return hooktail.Delivery{}, fmt.Errorf("mark dlq entry retrying: %w", err)
	}

	d := entry.Delivery
	d.Replay = true
	d.DLQEntryID = entry.ID
	return d, nil
}

// UpdateStatus records a replay outcome: success removes the entry, failure
// restores dead_lettered and stamps the result.
func (q *Queue) UpdateStatus(entryID string, success bool, lastResult string) error {
	if success {
		res, err := q.store.DB().Exec(`DELETE FROM dlq_entries WHERE id = ?`, entryID)
		if err != nil {
			return fmt.Errorf("remove dlq entry: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	}
	res, err := q.store.DB().Exec(`
		UPDATE dlq_entries SET status = ?, last_result = ? WHERE id = ?`,
		StatusDeadLettered, lastResult, entryID)
	if err != nil {
		return fmt.Errorf("restore dlq entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns entries matching the filter, newest first.
func (q *Queue) List(f Filter) ([]Entry, error) {
	query := `
		SELECT id, subscriber_id, event_id, event_type, delivery, failure_reason,
		       original_attempts, retry_count, status, last_result, dead_lettered_at
		FROM dlq_entries`
	var conds []string
	var args []any
	if f.SubscriberID != "" {
		conds = append(conds, "subscriber_id = ?")
		args = append(args, f.SubscriberID)
	}
	if f.EventType != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, f.EventType)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if !f.From.IsZero() {
		conds = append(conds, "dead_lettered_at >= ?")
		args = append(args, f.From.UTC().Format(timeLayout))
	}
	if !f.To.IsZero() {
		conds = append(conds, "dead_lettered_at <= ?")
		args = append(args, f.To.UTC().Format(timeLayout))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY dead_lettered_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, f.Offset)
		}
	} else if f.Offset > 0 {
		query += " LIMIT -1 OFFSET ?"
		args = append(args, f.Offset)
	}

	rows, err := q.store.DB().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dlq entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RetryAll re-wraps every matching entry for replay.
func (q *Queue) RetryAll(f Filter) ([]hooktail.Delivery, error) {
	entries, err := q.List(f)
	if err != nil {
		return nil, err
	}
	out := make([]hooktail.Delivery, 0, len(entries))
	for _, e := range entries {
		d, err := q.Retry(e.ID)
		if err != nil {
			slog.Error("Failed to mark dlq entry for retry.", "entry", e.ID, "err", err)
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// Clear removes every entry, returning the count.
func (q *Queue) Clear() (int64, error) {
	res, err := q.store.DB().Exec(`DELETE FROM dlq_entries`)
	if err != nil {
		return 0, fmt.Errorf("clear dlq: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Size returns the current number of entries.
func (q *Queue) Size() (int, error) {
	var n int
	if err := q.store.DB().QueryRow(`SELECT COUNT(*) FROM dlq_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count dlq entries: %w", err)
	}
	return n, nil
}

// Purged returns how many entries were dropped by trims and expiry.
func (q *Queue) Purged() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.purged
}

// Run expires entries past retention until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := q.expire(); err != nil {
				slog.Error("DLQ expiry sweep failed.", "err", err)
			} else if n > 0 {
				slog.Info("Expired dead-letter entries.", "count", n)
			}
		}
	}
}

func (q *Queue) expire() (int64, error) {
	cutoff := q.now().Add(-q.retention).UTC().Format(timeLayout)
	res, err := q.store.DB().Exec(`DELETE FROM dlq_entries WHERE dead_lettered_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.mu.Lock()
		q.purged += n
		q.mu.Unlock()
	}
	return n, nil
}

func (q *Queue) get(entryID string) (Entry, error) {
	row := q.store.DB().QueryRow(`
		SELECT id, subscriber_id, event_id, event_type, delivery, failure_reason,
		       original_attempts, retry_count, status, last_result, dead_lettered_at
		FROM dlq_entries WHERE id = ?`, entryID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var e Entry
	var delivery, at string
	err := row.Scan(&e.ID, &e.SubscriberID, &e.EventID, &e.EventType, &delivery,
		&e.FailureReason, &e.OriginalAttempts, &e.RetryCount, &e.Status,
		&e.LastResult, &at)
	if err != nil {
		return e, err
	}
	if err := json.Unmarshal([]byte(delivery), &e.Delivery); err != nil {
		return e, fmt.Errorf("decode frozen delivery: %w", err)
	}
	e.DeadLetteredAt, _ = time.Parse(timeLayout, at)
	return e, nil
}
