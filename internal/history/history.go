// Package history keeps a flattened, queryable record of every delivery
// attempt together with the event envelope that was sent.
package history

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"hooktail"
	"hooktail/internal/store"
)

const (
	// DefaultRetention bounds how far back history is kept.
	DefaultRetention = 90 * 24 * time.Hour

	// compressThreshold is the payload size above which the stored
	// envelope is gzipped.
	compressThreshold = 4 * 1024

	sweepEvery = time.Hour

	timeLayout = time.RFC3339Nano
)

// Record is one flattened attempt row.
type Record struct {
	ID           string                  `json:"id"`
	DeliveryID   string                  `json:"deliveryId"`
	SubscriberID string                  `json:"subscriberId"`
	EventID      string                  `json:"eventId"`
	EventType    string                  `json:"eventType"`
	Attempt      int                     `json:"attempt"`
	Status       hooktail.DeliveryStatus `json:"status"`
	HTTPStatus   int                     `json:"httpStatus,omitempty"`
	Error        string                  `json:"error,omitempty"`
	Duration     time.Duration           `json:"duration"`
	Payload      json.RawMessage         `json:"payload,omitempty"`
	At           time.Time               `json:"at"`
}

// Filter narrows Query results.
type Filter struct {
	SubscriberID string
	EventType    string
	Status       hooktail.DeliveryStatus
	From, To     time.Time
	Limit        int
	Offset       int
}

// Recorder writes and reads the delivery history table.
type Recorder struct {
	store     *store.Store
	retention time.Duration
	now       func() time.Time
}

func New(st *store.Store) *Recorder {
	return &Recorder{
		store:     st,
		retention: DefaultRetention,
		now:       time.Now,
	}
}

// Record appends one attempt row. The event envelope is stored alongside it
// so an operator can see exactly what was sent; large envelopes are gzipped.
func (r *Recorder) Record(attempt hooktail.DeliveryAttempt, eventType string, payload json.RawMessage) error {
	stored := string(payload)
	compressed := 0
	if len(payload) > compressThreshold {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(payload); err == nil && zw.Close() == nil {
			stored = base64.StdEncoding.EncodeToString(buf.Bytes())
			compressed = 1
		}
	}
	id := attempt.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := r.store.DB().Exec(`
		INSERT INTO delivery_history
			(id, delivery_id, subscriber_id, event_id, event_type, attempt,
			 status, http_status, error, duration_ms, payload, compressed, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		id, attempt.DeliveryID, attempt.SubscriberID, attempt.EventID, eventType,
		attempt.Attempt, string(attempt.Status), attempt.HTTPStatus, attempt.Error,
		attempt.Duration.Milliseconds(), stored, compressed,
		attempt.At.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("record history: %w", err)
	}
	return nil
}

// Query returns matching records newest first. Payloads are decompressed
// transparently.
func (r *Recorder) Query(f Filter) ([]Record, error) {
	query := `
		SELECT id, delivery_id, subscriber_id, event_id, event_type, attempt,
		       status, http_status, error, duration_ms, payload, compressed, at
		FROM delivery_history`
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
		args = append(args, string(f.Status))
	}
	if !f.From.IsZero() {
		conds = append(conds, "at >= ?")
		args = append(args, f.From.UTC().Format(timeLayout))
	}
	if !f.To.IsZero() {
		conds = append(conds, "at <= ?")
		args = append(args, f.To.UTC().Format(timeLayout))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, f.Offset)
		}
	}

	rows, err := r.store.DB().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var status, payload, at string
		var httpStatus sql.NullInt64
		var durationMS int64
		var compressed int
		err := rows.Scan(&rec.ID, &rec.DeliveryID, &rec.SubscriberID, &rec.EventID,
			&rec.EventType, &rec.Attempt, &status, &httpStatus, &rec.Error,
			&durationMS, &payload, &compressed, &at)
		if err != nil {
			return nil, err
		}
		rec.Status = hooktail.DeliveryStatus(status)
		rec.HTTPStatus = int(httpStatus.Int64)
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		rec.At, _ = time.Parse(timeLayout, at)
		rec.Payload = decodePayload(payload, compressed == 1)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func decodePayload(stored string, compressed bool) json.RawMessage {
	if !compressed {
		return json.RawMessage(stored)
	}
	raw, err := base64.StdEncoding.DecodeString(stored)
	if err != nil {
		return nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil
	}
	defer zr.Close()
	data, err := io.ReadAll(zr)
	if err != nil {
		return nil
	}
	return data
}

// Bucket is one aggregation interval.
type Bucket struct {
	Start     time.Time `json:"start"`
	Total     int       `json:"total"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	AvgMS     float64   `json:"avgMs"`
}

// Stats is an aggregated view over a time range.
type Stats struct {
	Total       int      `json:"total"`
	Succeeded   int      `json:"succeeded"`
	Failed      int      `json:"failed"`
	SuccessRate float64  `json:"successRate"`
	AvgMS       float64  `json:"avgMs"`
	Buckets     []Bucket `json:"buckets,omitempty"`
}

// Aggregate computes counts and latency over [from, to), bucketed by the
// given interval ("hour", "day", "week" or "month").
func (r *Recorder) Aggregate(subscriberID string, from, to time.Time, interval string) (Stats, error) {
	width, err := bucketWidth(interval)
	if err != nil {
		return Stats{}, err
	}

	query := `
		SELECT status, duration_ms, at FROM delivery_history
		WHERE at >= ? AND at < ?`
	args := []any{from.UTC().Format(timeLayout), to.UTC().Format(timeLayout)}
	if subscriberID != "" {
		query += " AND subscriber_id = ?"
		args = append(args, subscriberID)
	}
	rows, err := r.store.DB().Query(query, args...)
	if err != nil {
		return Stats{}, fmt.Errorf("aggregate history: %w", err)
	}
	defer rows.Close()

	var stats Stats
	var totalMS int64
	buckets := map[time.Time]*Bucket{}
	bucketMS := map[time.Time]int64{}
	for rows.Next() {
		var status, at string
		var durationMS int64
		if err := rows.Scan(&status, &durationMS, &at); err != nil {
			return Stats{}, err
		}
		ts, _ := time.Parse(timeLayout, at)
		stats.Total++
		totalMS += durationMS
		if hooktail.DeliveryStatus(status) == hooktail.DeliverySuccess {
			stats.Succeeded++
		} else {
			stats.Failed++
		}

		start := ts.UTC().Truncate(width)
		b := buckets[start]
		if b == nil {
			b = &Bucket{Start: start}
			buckets[start] = b
		}
		b.Total++
		if hooktail.DeliveryStatus(status) == hooktail.DeliverySuccess {
			b.Succeeded++
		} else {
			b.Failed++
		}
		bucketMS[start] += durationMS
	}
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}

	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Succeeded) / float64(stats.Total)
		stats.AvgMS = float64(totalMS) / float64(stats.Total)
	}
	for start := from.UTC().Truncate(width); start.Before(to); start = start.Add(width) {
		b := buckets[start]
		if b == nil {
			b = &Bucket{Start: start}
		} else if b.Total > 0 {
			b.AvgMS = float64(bucketMS[start]) / float64(b.Total)
		}
		stats.Buckets = append(stats.Buckets, *b)
	}
	return stats, nil
}

func bucketWidth(interval string) (time.Duration, error) {
	switch interval {
	case "hour", "":
		return time.Hour, nil
	case "day":
		return 24 * time.Hour, nil
	case "week":
		return 7 * 24 * time.Hour, nil
	case "month":
		return 30 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown aggregation interval %q", interval)
	}
}

// Trend compares the success rate of the current window against the one
// before it. Positive means improving.
func (r *Recorder) Trend(subscriberID string, window time.Duration) (float64, error) {
	now := r.now().UTC()
	cur, err := r.Aggregate(subscriberID, now.Add(-window), now, "hour")
	if err != nil {
		return 0, err
	}
	prev, err := r.Aggregate(subscriberID, now.Add(-2*window), now.Add(-window), "hour")
	if err != nil {
		return 0, err
	}
	return cur.SuccessRate - prev.SuccessRate, nil
}

// Run prunes expired rows until ctx is cancelled.
func (r *Recorder) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.prune(); err != nil {
				slog.Error("History retention sweep failed.", "err", err)
			} else if n > 0 {
				slog.Info("Pruned delivery history.", "rows", n)
			}
		}
	}
}

func (r *Recorder) prune() (int64, error) {
	cutoff := r.now().Add(-r.retention).UTC().Format(timeLayout)
	res, err := r.store.DB().Exec(`DELETE FROM delivery_history WHERE at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}
