// Package dispatch delivers webhook events over HTTP: it signs the payload,
// sends it, classifies the outcome, retries with backoff, and records every
// transition. Exhausted and terminally failed deliveries are dead-lettered.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"hooktail"
	"hooktail/internal/breaker"
	"hooktail/internal/dlq"
	"hooktail/internal/history"
	"hooktail/internal/metrics"
	"hooktail/internal/ratelimit"
	"hooktail/internal/store"
)

const (
	// DefaultMaxResponseBytes caps how much of a subscriber's response body
	// is read; exceeding it aborts the transfer as terminal.
	DefaultMaxResponseBytes = 64 * 1024

	// storedBodyCap truncates the response body kept in attempt records.
	storedBodyCap = 4 * 1024

	defaultUserAgent = "hooktail/1.0"
)

// envelope is the wire body POSTed to subscribers.
type envelope struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp string         `json:"timestamp"`
	Workspace string         `json:"workspace"`
	Data      map[string]any `json:"data"`
	Changes   map[string]any `json:"changes,omitempty"`
}

// Dispatcher owns outbound delivery. Attempts for one delivery run strictly
// serially; distinct deliveries may run on concurrent goroutines.
type Dispatcher struct {
	client   *http.Client
	store    *store.Store
	history  *history.Recorder
	queue    *dlq.Queue
	limits   *ratelimit.Registry
	breakers *breaker.Registry
	metrics  *metrics.Metrics

	userAgent        string
	maxResponseBytes int64
	now              func() time.Time
	sleep            func(ctx context.Context, d time.Duration) error
}

// Options tune a Dispatcher beyond its collaborators.
type Options struct {
	Client           *http.Client
	UserAgent        string
	MaxResponseBytes int64
}

func New(st *store.Store, hist *history.Recorder, queue *dlq.Queue,
	limits *ratelimit.Registry, breakers *breaker.Registry, m *metrics.Metrics,
	opts Options) *Dispatcher {
	d := &Dispatcher{
		client:           opts.Client,
		store:            st,
		history:          hist,
		queue:            queue,
		limits:           limits,
		breakers:         breakers,
		metrics:          m,
		userAgent:        opts.UserAgent,
		maxResponseBytes: opts.MaxResponseBytes,
		now:              time.Now,
		sleep:            sleepCtx,
	}
	if d.client == nil {
		d.client = &http.Client{}
	}
	if d.userAgent == "" {
		d.userAgent = defaultUserAgent
	}
	if d.maxResponseBytes <= 0 {
		d.maxResponseBytes = DefaultMaxResponseBytes
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Dispatch runs one delivery to completion: admission, send, classify,
// retry with backoff, and terminal bookkeeping. It returns the terminal
// result; persistence failures along the way are logged, never surfaced.
func (d *Dispatcher) Dispatch(ctx context.Context, delivery hooktail.Delivery) hooktail.DeliveryResult {
	if delivery.ID == "" {
		delivery.ID = uuid.NewString()
	}
	sub := delivery.Subscriber
	policy := sub.Retry.Normalized()
	body, err := json.Marshal(envelope{
		ID:        delivery.Event.ID,
		Type:      delivery.Event.Type,
		Timestamp: delivery.Event.Timestamp.UTC().Format(time.RFC3339),
		Workspace: delivery.Event.Workspace,
		Data:      delivery.Event.Data,
		Changes:   delivery.Event.Changes,
	})
	if err != nil {
		return d.finish(delivery, hooktail.DeliveryResult{
			Error: fmt.Sprintf("marshal event: %v", err),
		}, 0)
	}

	if d.metrics != nil {
		d.metrics.InFlightDispatch.Inc()
		defer d.metrics.InFlightDispatch.Dec()
	}

	attempt := 1
	for {
		out := d.attempt(ctx, delivery, body, attempt)
		result := out.result

		// The delay is drawn once so the persisted retry hint matches the
		// pause actually taken.
		var delay time.Duration
		retrying := !result.Success && result.Retryable && attempt < policy.MaxAttempts
		if retrying {
			delay = policy.Delay(attempt)
			if result.RetryAfter > delay {
				delay = result.RetryAfter
			}
		}
		d.record(delivery, attempt, out, policy, delay, body)

		if !retrying {
			return d.finish(delivery, result, attempt)
		}
		if err := d.sleep(ctx, delay); err != nil {
			result.Error = errShutdown
			result.Retryable = true
			return d.finish(delivery, result, attempt)
		}
		attempt++
	}
}

// attemptOutcome pairs the classified result with the captured response.
type attemptOutcome struct {
	result          hooktail.DeliveryResult
	responseBody    string
	responseHeaders map[string]string
}

// attempt performs one admission check plus (when admitted) one HTTP send.
// Admission rejections consume the attempt: the delivery stays retryable and
// the rejection's retry-after hint stretches the backoff.
func (d *Dispatcher) attempt(ctx context.Context, delivery hooktail.Delivery, body []byte, attempt int) attemptOutcome {
	sub := delivery.Subscriber

	if d.limits != nil {
		if dec := d.limits.Admit(sub.ID, sub.RateLimit); !dec.Allowed {
			if d.metrics != nil {
				scope := "subscriber"
				if dec.Global {
					scope = "global"
				}
				d.metrics.RateLimited.WithLabelValues(scope).Inc()
			}
			return attemptOutcome{result: hooktail.DeliveryResult{
				Error:      errRateLimited,
				Retryable:  true,
				RetryAfter: dec.RetryAfter,
			}}
		}
	}

	var out attemptOutcome
	if d.breakers != nil {
		br := d.breakers.For(sub.ID, sub.Breaker)
		allowed, retryAfter, _ := br.Call(ctx, func(ctx context.Context) error {
			out = d.send(ctx, delivery, body)
			if out.result.Success {
				return nil
			}
			return fmt.Errorf("delivery failed: %s", out.result.Error)
		})
		if !allowed {
			if d.metrics != nil {
				d.metrics.CircuitOpen.Inc()
			}
			return attemptOutcome{result: hooktail.DeliveryResult{
				Error:      errCircuitOpen,
				Retryable:  true,
				RetryAfter: retryAfter,
			}}
		}
		return out
	}
	return d.send(ctx, delivery, body)
}

// send performs the HTTP POST and classifies the outcome.
func (d *Dispatcher) send(ctx context.Context, delivery hooktail.Delivery, body []byte) attemptOutcome {
	sub := delivery.Subscriber
	start := d.now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		// An unparseable URL can never succeed.
		return attemptOutcome{result: hooktail.DeliveryResult{
			Error: fmt.Sprintf("build request: %v", err),
		}}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.userAgent)
	req.Header.Set("X-Webhook-Id", sub.ID)
	req.Header.Set("X-Webhook-Event", delivery.Event.Type)
	req.Header.Set("X-Webhook-Timestamp", d.now().UTC().Format(time.RFC3339))
	req.Header.Set("X-Webhook-Delivery", delivery.ID)
	for k, v := range sub.Headers {
		if http.CanonicalHeaderKey(k) == "X-Webhook-Signature" {
			continue
		}
		req.Header.Set(k, v)
	}
	if sub.Secret != "" {
		req.Header.Set("X-Webhook-Signature", Sign(sub.Secret, body))
	}

	if d.metrics != nil {
		d.metrics.AttemptsTotal.Inc()
	}
	resp, err := d.client.Do(req)
	elapsed := d.now().Sub(start)
	if d.metrics != nil {
		d.metrics.DeliveryDuration.Observe(elapsed.Seconds())
	}
	if err != nil {
		kind := classifyTransport(err)
		if ctx.Err() == context.DeadlineExceeded {
			kind = errRequestTimeout
		}
		return attemptOutcome{result: hooktail.DeliveryResult{
			Error: kind, Retryable: true, Duration: elapsed,
		}}
	}
	defer resp.Body.Close()

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	respBody, overflow, readErr := readBounded(resp.Body, d.maxResponseBytes)
	if overflow {
		return attemptOutcome{
			result: hooktail.DeliveryResult{
				StatusCode: resp.StatusCode,
				Error:      errResponseTooLarge,
				Duration:   elapsed,
			},
			responseHeaders: headers,
		}
	}
	if readErr != nil {
		return attemptOutcome{
			result: hooktail.DeliveryResult{
				StatusCode: resp.StatusCode,
				Error:      fmt.Sprintf("read response: %v", readErr),
				Retryable:  true,
				Duration:   elapsed,
			},
			responseHeaders: headers,
		}
	}

	result := hooktail.DeliveryResult{
		StatusCode: resp.StatusCode,
		Duration:   elapsed,
	}
	switch {
	case success(resp.StatusCode):
		result.Success = true
	case retryable(resp.StatusCode):
		result.Retryable = true
		result.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
	default:
		result.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	stored := respBody
	if len(stored) > storedBodyCap {
		stored = stored[:storedBodyCap]
	}
	return attemptOutcome{
		result:          result,
		responseBody:    string(stored),
		responseHeaders: headers,
	}
}

// readBounded reads at most limit bytes; one byte past the limit means the
// response is over the cap.
func readBounded(r io.Reader, limit int64) (body []byte, overflow bool, err error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if int64(len(data)) > limit {
		return nil, true, nil
	}
	return data, false, err
}

// record persists the attempt transition and its history row. Failures are
// logged; the delivery outcome is the source of truth, history is best
// effort.
func (d *Dispatcher) record(delivery hooktail.Delivery, attempt int, out attemptOutcome, policy hooktail.RetryPolicy, delay time.Duration, body []byte) {
	result := out.result
	status := hooktail.DeliveryFailed
	final := true
	switch {
	case result.Success:
		status = hooktail.DeliverySuccess
	case result.Retryable && attempt < policy.MaxAttempts:
		status = hooktail.DeliveryRetry
		final = false
	}

	rec := hooktail.DeliveryAttempt{
		ID:              uuid.NewString(),
		DeliveryID:      delivery.ID,
		SubscriberID:    delivery.Subscriber.ID,
		EventID:         delivery.Event.ID,
		Attempt:         attempt,
		Status:          status,
		HTTPStatus:      result.StatusCode,
		ResponseBody:    out.responseBody,
		ResponseHeaders: out.responseHeaders,
		Error:           result.Error,
		Duration:        result.Duration,
		FinalAttempt:    final,
		At:              d.now().UTC(),
	}
	if status == hooktail.DeliveryRetry {
		rec.NextRetryAt = d.now().Add(delay).UTC()
	}
	if d.store != nil {
		if err := d.store.PutAttempt(rec); err != nil {
			slog.Error("Failed to persist delivery attempt.", "delivery", delivery.ID, "err", err)
		}
	}
	if d.history != nil {
		if err := d.history.Record(rec, delivery.Event.Type, body); err != nil {
			slog.Error("Failed to persist delivery history.", "delivery", delivery.ID, "err", err)
		}
	}
}

// finish handles terminal bookkeeping: metrics, DLQ entry or replay status.
func (d *Dispatcher) finish(delivery hooktail.Delivery, result hooktail.DeliveryResult, attempts int) hooktail.DeliveryResult {
	if d.metrics != nil {
		if result.Success {
			d.metrics.DeliveriesTotal.WithLabelValues("success").Inc()
		} else {
			d.metrics.DeliveriesTotal.WithLabelValues("failed").Inc()
		}
	}

	if delivery.Replay && delivery.DLQEntryID != "" {
		if d.queue != nil {
			if err := d.queue.UpdateStatus(delivery.DLQEntryID, result.Success, result.Error); err != nil {
				slog.Error("Failed to update DLQ replay status.", "entry", delivery.DLQEntryID, "err", err)
			}
		}
		return result
	}

	if !result.Success && d.queue != nil {
		reason := result.Error
		if result.Retryable && reason != errShutdown {
			reason = errMaxAttempts
		}
		if _, err := d.queue.Add(delivery, reason, attempts); err != nil {
			slog.Error("Failed to dead-letter delivery.", "delivery", delivery.ID, "err", err)
		} else if d.metrics != nil {
			d.metrics.DeadLettered.Inc()
		}
		slog.Warn("Delivery dead-lettered.",
			"delivery", delivery.ID, "subscriber", delivery.Subscriber.ID,
			"event", delivery.Event.ID, "reason", reason, "attempts", attempts)
	}
	return result
}
