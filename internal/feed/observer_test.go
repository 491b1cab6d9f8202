package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"hooktail"
	"hooktail/internal/cursor"
)

type memBackend struct {
	mu    sync.Mutex
	token json.RawMessage
}

func (m *memBackend) Load() (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token, nil
}

func (m *memBackend) Save(token json.RawMessage, _ []json.RawMessage, _ time.Time) error {
	m.mu.Lock()
	m.token = token
	m.mu.Unlock()
	return nil
}

// fakeFeed replays a scripted sequence of records and errors.
type fakeFeed struct {
	mu      sync.Mutex
	records []hooktail.ChangeRecord
	err     error
	closed  bool
}

func (f *fakeFeed) Next(ctx context.Context) (hooktail.ChangeRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.records) > 0 {
		rec := f.records[0]
		f.records = f.records[1:]
		return rec, nil
	}
	if f.err != nil {
		return hooktail.ChangeRecord{}, f.err
	}
	// Block like a live tail until cancelled.
	f.mu.Unlock()
	<-ctx.Done()
	f.mu.Lock()
	return hooktail.ChangeRecord{}, ctx.Err()
}

func (f *fakeFeed) Close(context.Context) error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func record(n int) hooktail.ChangeRecord {
	return hooktail.ChangeRecord{
		Token:       json.RawMessage(fmt.Sprintf(`{"_data":"tok-%d"}`, n)),
		Operation:   hooktail.OpInsert,
		Namespace:   hooktail.Namespace{Database: "tracker", Collection: "Issue"},
		DocumentKey: fmt.Sprintf("ISSUE-%d", n),
	}
}

func newTestObserver(open OpenFunc, backend cursor.Backend, handler Handler) *Observer {
	o := NewObserver(open, cursor.NewSaver(backend), handler, nil)
	o.sleep = func(context.Context, time.Duration) error { return nil }
	o.backoffBase = time.Millisecond
	return o
}

func TestHandoffPrecedesCursorSave(t *testing.T) {
	backend := &memBackend{}
	var order []string
	handler := func(_ context.Context, rec hooktail.ChangeRecord) error {
		backend.mu.Lock()
		saved := backend.token
		backend.mu.Unlock()
		order = append(order, fmt.Sprintf("handoff %s saved=%s", rec.DocumentKey, saved))
		return nil
	}

	feed := &fakeFeed{records: []hooktail.ChangeRecord{record(1)}}
	ctx, cancel := context.WithCancel(context.Background())
	o := newTestObserver(func(context.Context, json.RawMessage) (ChangeFeed, error) {
		return feed, nil
	}, backend, handler)

	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	waitFor(t, func() bool { return o.Status().Processed == 1 })
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	// At handoff time the new token was not yet persisted.
	if len(order) != 1 || order[0] != "handoff ISSUE-1 saved=" {
		t.Errorf("order = %v", order)
	}
}

func TestCursorFlushedOnShutdown(t *testing.T) {
	backend := &memBackend{}
	feed := &fakeFeed{records: []hooktail.ChangeRecord{record(1), record(2)}}
	ctx, cancel := context.WithCancel(context.Background())
	o := newTestObserver(func(context.Context, json.RawMessage) (ChangeFeed, error) {
		return feed, nil
	}, backend, func(context.Context, hooktail.ChangeRecord) error { return nil })

	saver := o.saver
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	waitFor(t, func() bool { return o.Status().Processed == 2 })
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if err := saver.Flush(); err != nil {
		t.Fatal(err)
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if string(backend.token) != `{"_data":"tok-2"}` {
		t.Errorf("flushed token = %s", backend.token)
	}
}

func TestResumesFromSavedCursor(t *testing.T) {
	backend := &memBackend{token: json.RawMessage(`{"_data":"saved"}`)}
	var gotResume json.RawMessage
	feed := &fakeFeed{}
	ctx, cancel := context.WithCancel(context.Background())
	o := newTestObserver(func(_ context.Context, resumeAfter json.RawMessage) (ChangeFeed, error) {
		gotResume = resumeAfter
		cancel()
		return feed, nil
	}, backend, func(context.Context, hooktail.ChangeRecord) error { return nil })

	if err := o.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if string(gotResume) != `{"_data":"saved"}` {
		t.Errorf("resumeAfter = %s", gotResume)
	}
}

func TestEmptySessionKeepsSavedCursor(t *testing.T) {
	backend := &memBackend{token: json.RawMessage(`{"_data":"saved"}`)}
	var resumes []string
	ctx, cancel := context.WithCancel(context.Background())
	o := newTestObserver(func(_ context.Context, resumeAfter json.RawMessage) (ChangeFeed, error) {
		resumes = append(resumes, string(resumeAfter))
		if len(resumes) == 1 {
			// First session drops before yielding a single record.
			return &fakeFeed{err: errors.New("stream reset")}, nil
		}
		cancel()
		return &fakeFeed{}, nil
	}, backend, func(context.Context, hooktail.ChangeRecord) error { return nil })

	if err := o.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if len(resumes) != 2 {
		t.Fatalf("opens = %d, want 2", len(resumes))
	}
	if resumes[1] != `{"_data":"saved"}` {
		t.Errorf("second open resumeAfter = %q, want the saved token", resumes[1])
	}
}

func TestHandlerFailureReplaysRecord(t *testing.T) {
	backend := &memBackend{}
	var handled []string
	handler := func(_ context.Context, rec hooktail.ChangeRecord) error {
		handled = append(handled, rec.DocumentKey)
		if len(handled) == 1 {
			return errors.New("subscriber snapshot unavailable")
		}
		return nil
	}

	opens := 0
	ctx, cancel := context.WithCancel(context.Background())
	o := newTestObserver(func(context.Context, json.RawMessage) (ChangeFeed, error) {
		opens++
		return &fakeFeed{records: []hooktail.ChangeRecord{record(1)}}, nil
	}, backend, handler)

	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	waitFor(t, func() bool { return o.Status().Processed == 1 })
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	// The failed handoff must not advance the cursor; the reconnect
	// redelivers the same record.
	if len(handled) != 2 || handled[0] != "ISSUE-1" || handled[1] != "ISSUE-1" {
		t.Fatalf("handled = %v, want ISSUE-1 twice", handled)
	}
	if opens != 2 {
		t.Errorf("opens = %d, want 2", opens)
	}
	if err := o.saver.Flush(); err != nil {
		t.Fatal(err)
	}
	backend.mu.Lock()
	defer backend.mu.Unlock()
	if string(backend.token) != `{"_data":"tok-1"}` {
		t.Errorf("flushed token = %s, want the acknowledged record's", backend.token)
	}
}

func TestReconnectBudgetExhaustion(t *testing.T) {
	backend := &memBackend{}
	opens := 0
	o := newTestObserver(func(context.Context, json.RawMessage) (ChangeFeed, error) {
		opens++
		return nil, errors.New("connection refused")
	}, backend, func(context.Context, hooktail.ChangeRecord) error { return nil })
	o.maxReconnects = 3

	err := o.Run(context.Background())
	if !errors.Is(err, ErrFeedLost) {
		t.Fatalf("err = %v, want ErrFeedLost", err)
	}
	if opens != 4 {
		t.Errorf("opens = %d, want 4 (initial + 3 retries)", opens)
	}
	if o.Status().Running {
		t.Error("observer must report not running after terminal failure")
	}
}

func TestProgressResetsReconnectBudget(t *testing.T) {
	backend := &memBackend{}
	opens := 0
	o := newTestObserver(func(context.Context, json.RawMessage) (ChangeFeed, error) {
		opens++
		if opens <= 4 {
			// Each connection yields one record then drops: the budget
			// must reset every time.
			return &fakeFeed{
				records: []hooktail.ChangeRecord{record(opens)},
				err:     errors.New("stream reset"),
			}, nil
		}
		return nil, errors.New("connection refused")
	}, backend, func(context.Context, hooktail.ChangeRecord) error { return nil })
	o.maxReconnects = 2

	err := o.Run(context.Background())
	if !errors.Is(err, ErrFeedLost) {
		t.Fatalf("err = %v", err)
	}
	if got := o.Status().Processed; got != 4 {
		t.Errorf("processed = %d, want 4", got)
	}
	// 4 productive opens, then 1 reset budget spent on pure failures.
	if opens != 4+2 {
		t.Errorf("opens = %d, want 6", opens)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
