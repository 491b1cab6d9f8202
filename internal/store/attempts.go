package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"hooktail"
)

// PutAttempt persists one delivery attempt transition.
func (s *Store) PutAttempt(a hooktail.DeliveryAttempt) error {
	headers, _ := json.Marshal(a.ResponseHeaders)
	var nextRetry any
	if !a.NextRetryAt.IsZero() {
		nextRetry = a.NextRetryAt.UTC().Format(timeLayout)
	}
	_, err := s.db.Exec(`
		INSERT INTO delivery_attempts
			(id, delivery_id, subscriber_id, event_id, attempt, status,
			 http_status, response_body, response_headers, error, duration_ms,
			 next_retry_at, final_attempt, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status, http_status = excluded.http_status,
			response_body = excluded.response_body,
			response_headers = excluded.response_headers,
			error = excluded.error, duration_ms = excluded.duration_ms,
			next_retry_at = excluded.next_retry_at,
			final_attempt = excluded.final_attempt, at = excluded.at`,
		a.ID, a.DeliveryID, a.SubscriberID, a.EventID, a.Attempt, string(a.Status),
		a.HTTPStatus, a.ResponseBody, string(headers), a.Error, a.Duration.Milliseconds(),
		nextRetry, boolInt(a.FinalAttempt), a.At.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("put attempt: %w", err)
	}
	return nil
}

// EventAttempted reports whether any delivery attempt was persisted for the
// event. A ledger duplicate with no attempts means the first observation
// never reached dispatch and must be redelivered.
func (s *Store) EventAttempted(eventID string) (bool, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM delivery_attempts WHERE event_id = ?`, eventID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count event attempts: %w", err)
	}
	return n > 0, nil
}

// AttemptsForDelivery lists the attempts of one delivery in attempt order.
func (s *Store) AttemptsForDelivery(deliveryID string) ([]hooktail.DeliveryAttempt, error) {
	rows, err := s.db.Query(`
		SELECT id, delivery_id, subscriber_id, event_id, attempt, status,
		       http_status, response_body, response_headers, error, duration_ms,
		       next_retry_at, final_attempt, at
		FROM delivery_attempts WHERE delivery_id = ? ORDER BY attempt`, deliveryID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var out []hooktail.DeliveryAttempt
	for rows.Next() {
		var a hooktail.DeliveryAttempt
		var headers, status, at string
		var httpStatus sql.NullInt64
		var nextRetry sql.NullString
		var durationMs int64
		var final int
		err := rows.Scan(&a.ID, &a.DeliveryID, &a.SubscriberID, &a.EventID,
			&a.Attempt, &status, &httpStatus, &a.ResponseBody, &headers,
			&a.Error, &durationMs, &nextRetry, &final, &at)
		if err != nil {
			return nil, err
		}
		a.Status = hooktail.DeliveryStatus(status)
		a.HTTPStatus = int(httpStatus.Int64)
		a.Duration = time.Duration(durationMs) * time.Millisecond
		a.FinalAttempt = final != 0
		_ = json.Unmarshal([]byte(headers), &a.ResponseHeaders)
		if nextRetry.Valid {
			a.NextRetryAt, _ = time.Parse(timeLayout, nextRetry.String)
		}
		a.At, _ = time.Parse(timeLayout, at)
		out = append(out, a)
	}
	return out, rows.Err()
}
