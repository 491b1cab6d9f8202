// Package feed maintains a live tail over the upstream change feed and
// hands each record to the router in feed order.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"hooktail"
	"hooktail/internal/cursor"
	"hooktail/internal/metrics"
)

const (
	// DefaultMaxReconnectAttempts caps consecutive reconnects before the
	// feed is declared lost.
	DefaultMaxReconnectAttempts = 10

	defaultReconnectBase = time.Second
	defaultReconnectCap  = time.Minute
)

// ErrFeedLost is returned when the reconnect budget is exhausted; the
// orchestrator treats it as fatal.
var ErrFeedLost = errors.New("upstream change feed lost")

// ChangeFeed is one open tail over the upstream store.
type ChangeFeed interface {
	// Next blocks until a record is available or the feed fails.
	Next(ctx context.Context) (hooktail.ChangeRecord, error)
	Close(ctx context.Context) error
}

// OpenFunc opens a feed, resuming after the given token when non-nil.
type OpenFunc func(ctx context.Context, resumeAfter json.RawMessage) (ChangeFeed, error)

// Handler receives each change record, in feed order.
type Handler func(ctx context.Context, rec hooktail.ChangeRecord) error

// Status is the observer's snapshot for readiness and stats reporting.
type Status struct {
	Running    bool      `json:"running"`
	Processed  int64     `json:"processed"`
	LastEvent  time.Time `json:"lastEvent,omitempty"`
	Reconnects int       `json:"reconnects"`
}

// Observer tails the change feed from the saved cursor and routes records.
type Observer struct {
	open    OpenFunc
	saver   *cursor.Saver
	handler Handler
	metrics *metrics.Metrics

	maxReconnects int
	backoffBase   time.Duration
	backoffCap    time.Duration
	sleep         func(ctx context.Context, d time.Duration) error

	mu           sync.Mutex
	running      bool
	processed    int64
	progressMark int64
	lastEvent    time.Time
	reconnects   int
}

func NewObserver(open OpenFunc, saver *cursor.Saver, handler Handler, m *metrics.Metrics) *Observer {
	return &Observer{
		open:          open,
		saver:         saver,
		handler:       handler,
		metrics:       m,
		maxReconnects: DefaultMaxReconnectAttempts,
		backoffBase:   defaultReconnectBase,
		backoffCap:    defaultReconnectCap,
		sleep:         sleepCtx,
	}
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

// Run tails the feed until ctx is cancelled or the reconnect budget is
// exhausted. Reconnect delays grow exponentially; every successfully
// processed record resets the budget.
func (o *Observer) Run(ctx context.Context) error {
	o.setRunning(true)
	defer o.setRunning(false)

	resumeAfter, err := o.saver.Load()
	if err != nil {
		return fmt.Errorf("load resume cursor: %w", err)
	}
	if resumeAfter != nil {
		slog.Info("Resuming change feed from saved cursor.")
	} else {
		slog.Info("No saved cursor, tailing change feed from now.")
	}

	delays := backoff.NewExponentialBackOff()
	delays.InitialInterval = o.backoffBase
	delays.Multiplier = 2
	delays.RandomizationFactor = 0
	delays.MaxInterval = o.backoffCap
	delays.MaxElapsedTime = 0
	delays.Reset()
	attempts := 0

	for {
		feed, err := o.open(ctx, resumeAfter)
		if err == nil {
			var tok json.RawMessage
			tok, err = o.consume(ctx, feed)
			// A session that yielded no records returns no token; the
			// saved position still stands.
			if tok != nil {
				resumeAfter = tok
			}
			closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if cerr := feed.Close(closeCtx); cerr != nil {
				slog.Warn("Failed to close change feed cleanly.", "err", cerr)
			}
			cancel()
			if err == nil {
				// consume only returns cleanly on cancellation
				return nil
			}
		}
		if ctx.Err() != nil {
			return nil
		}

		// Any record processed since the last drop earns a fresh budget.
		if o.sawProgress() {
			delays.Reset()
			attempts = 0
		}
		attempts++
		if o.metrics != nil {
			o.metrics.FeedReconnects.Inc()
		}
		if attempts > o.maxReconnects {
			slog.Error("Change feed reconnect budget exhausted.", "attempts", attempts-1, "err", err)
			return fmt.Errorf("%w: %v", ErrFeedLost, err)
		}
		o.bumpReconnects()
		delay := delays.NextBackOff()
		slog.Warn("Change feed dropped, reconnecting.", "attempt", attempts, "delay", delay, "err", err)
		if err := o.sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

// consume reads the open feed until it fails or ctx is cancelled, returning
// the last acknowledged token for resumption.
func (o *Observer) consume(ctx context.Context, feed ChangeFeed) (json.RawMessage, error) {
	var last json.RawMessage
	for {
		rec, err := feed.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return last, nil
			}
			return last, err
		}

		// Handoff precedes the cursor save: on crash the record is
		// redelivered, never skipped. A handler failure leaves the cursor
		// behind the record so the reconnect replays it.
		if err := o.handler(ctx, rec); err != nil {
			if ctx.Err() != nil {
				return last, nil
			}
			return last, fmt.Errorf("handle change record: %w", err)
		}
		if cursor.Valid(rec.Token) {
			if err := o.saver.Save(rec.Token, false); err != nil {
				slog.Error("Failed to buffer cursor save.", "err", err)
			} else {
				last = rec.Token
			}
		}
		o.markProcessed(rec)
	}
}

// Status snapshots the observer's counters.
func (o *Observer) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Status{
		Running:    o.running,
		Processed:  o.processed,
		LastEvent:  o.lastEvent,
		Reconnects: o.reconnects,
	}
}

func (o *Observer) setRunning(v bool) {
	o.mu.Lock()
	o.running = v
	o.mu.Unlock()
}

func (o *Observer) markProcessed(rec hooktail.ChangeRecord) {
	o.mu.Lock()
	o.processed++
	if !rec.ClusterTime.IsZero() {
		o.lastEvent = rec.ClusterTime
	} else {
		o.lastEvent = time.Now()
	}
	lag := time.Since(o.lastEvent)
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.ChangesObserved.Inc()
		if lag > 0 {
			o.metrics.CursorLag.Set(lag.Seconds())
		}
	}
}

func (o *Observer) bumpReconnects() {
	o.mu.Lock()
	o.reconnects++
	o.mu.Unlock()
}

// sawProgress reports whether any record was processed since the last call.
func (o *Observer) sawProgress() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	seen := o.processed > o.progressMark
	o.progressMark = o.processed
	return seen
}
