package daemon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"hooktail"
	"hooktail/internal/breaker"
	"hooktail/internal/dispatch"
	"hooktail/internal/dlq"
	"hooktail/internal/filter"
	"hooktail/internal/history"
	"hooktail/internal/metrics"
	"hooktail/internal/ratelimit"
	"hooktail/internal/router"
	"hooktail/internal/store"
)

func newPipeline(t *testing.T) *Daemon {
	t.Helper()
	st, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	d := &Daemon{
		store:    st,
		queue:    dlq.New(st),
		recorder: history.New(st),
		limits:   ratelimit.NewRegistry(nil),
		breakers: breaker.NewRegistry(breaker.DefaultPolicy()),
		metrics:  metrics.NewUnregistered(),
		router:   router.New(filter.NewEngine()),
	}
	d.dispatchCtx, d.dispatchCancel = context.WithCancel(context.Background())
	t.Cleanup(d.dispatchCancel)
	d.dispatcher = dispatch.New(st, d.recorder, d.queue, d.limits, d.breakers,
		d.metrics, dispatch.Options{})
	return d
}

func issueRecord() hooktail.ChangeRecord {
	return hooktail.ChangeRecord{
		Operation:    hooktail.OpInsert,
		Namespace:    hooktail.Namespace{Database: "tracker", Collection: "Issue"},
		DocumentKey:  "ISSUE-1",
		FullDocument: map[string]any{"_id": "ISSUE-1", "title": "login broken"},
		ClusterTime:  time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC),
	}
}

func TestHandleRecordSuppressesDeliveredDuplicate(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := newPipeline(t)
	sub := hooktail.Subscriber{
		ID: "sub-1", URL: srv.URL, Events: []string{"issue.*"}, Enabled: true,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	if err := d.store.PutSubscriber(sub); err != nil {
		t.Fatalf("put subscriber: %v", err)
	}

	if err := d.handleRecord(context.Background(), issueRecord()); err != nil {
		t.Fatalf("first record: %v", err)
	}
	d.inflight.Wait()
	if got := hits.Load(); got != 1 {
		t.Fatalf("hits after first record = %d, want 1", got)
	}

	// The same change replayed (fresh observation id, same content) was
	// already delivered; it must not be dispatched again.
	if err := d.handleRecord(context.Background(), issueRecord()); err != nil {
		t.Fatalf("replayed record: %v", err)
	}
	d.inflight.Wait()
	if got := hits.Load(); got != 1 {
		t.Errorf("hits after replay = %d, want 1", got)
	}
}

func TestHandleRecordRedeliversUnattemptedDuplicate(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := newPipeline(t)
	sub := hooktail.Subscriber{
		ID: "sub-1", URL: srv.URL, Events: []string{"issue.*"}, Enabled: true,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	if err := d.store.PutSubscriber(sub); err != nil {
		t.Fatalf("put subscriber: %v", err)
	}

	// Simulate a crash after the ledger insert but before the dispatch
	// handoff: the event is in the ledger with zero attempts.
	rec := issueRecord()
	event := router.Transform(rec)
	fresh, ledgerID, err := d.store.RecordEvent(event, "tracker.Issue/ISSUE-1/insert")
	if err != nil || !fresh {
		t.Fatalf("seed ledger: fresh=%v err=%v", fresh, err)
	}

	if err := d.handleRecord(context.Background(), rec); err != nil {
		t.Fatalf("replayed record: %v", err)
	}
	d.inflight.Wait()

	if got := hits.Load(); got != 1 {
		t.Fatalf("hits = %d, want the interrupted event delivered once", got)
	}
	attempted, err := d.store.EventAttempted(ledgerID)
	if err != nil {
		t.Fatalf("check attempts: %v", err)
	}
	if !attempted {
		t.Error("redelivery left no attempts under the original event id")
	}
}
