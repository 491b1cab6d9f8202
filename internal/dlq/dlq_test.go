package dlq

import (
	"testing"
	"time"

	"hooktail"
	"hooktail/internal/store"
)

func testQueue(t *testing.T) *Queue {
	t.Helper()
	st, err := store.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st)
}

func testDelivery(id, sub, eventType string) hooktail.Delivery {
	return hooktail.Delivery{
		ID: id,
		Subscriber: hooktail.Subscriber{
			ID:  sub,
			URL: "https://example.test/hook",
		},
		Event: hooktail.Event{
			ID:        "evt-" + id,
			Type:      eventType,
			Timestamp: time.Now().UTC(),
			Data:      map[string]any{"id": id},
		},
	}
}

func TestAddAndList(t *testing.T) {
	q := testQueue(t)

	entry, err := q.Add(testDelivery("d1", "sub-a", "issue.created"), "max retry attempts exceeded", 3)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Status != StatusDeadLettered {
		t.Errorf("status = %s, want %s", entry.Status, StatusDeadLettered)
	}

	entries, err := q.List(Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	got := entries[0]
	if got.SubscriberID != "sub-a" || got.EventType != "issue.created" {
		t.Errorf("entry = %+v", got)
	}
	if got.OriginalAttempts != 3 {
		t.Errorf("originalAttempts = %d, want 3", got.OriginalAttempts)
	}
	if got.Delivery.Subscriber.URL != "https://example.test/hook" {
		t.Error("frozen delivery should round-trip the subscriber snapshot")
	}
}

func TestAddNotifies(t *testing.T) {
	q := testQueue(t)
	var notified []string
	q.OnEntryAdded(func(e Entry) { notified = append(notified, e.EventID) })

	if _, err := q.Add(testDelivery("d1", "sub-a", "issue.created"), "endpoint gone", 1); err != nil {
		t.Fatal(err)
	}
	if len(notified) != 1 || notified[0] != "evt-d1" {
		t.Errorf("notified = %v", notified)
	}
}

func TestRetryLeavesEntryUntilOutcome(t *testing.T) {
	q := testQueue(t)
	entry, err := q.Add(testDelivery("d1", "sub-a", "issue.created"), "max retry attempts exceeded", 3)
	if err != nil {
		t.Fatal(err)
	}

	d, err := q.Retry(entry.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Replay {
		t.Error("replayed delivery must be flagged")
	}
	if d.DLQEntryID != entry.ID {
		t.Errorf("DLQEntryID = %s, want %s", d.DLQEntryID, entry.ID)
	}

	// Entry stays, in retrying state, until the dispatcher reports back.
	entries, err := q.List(Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].Status != StatusRetrying {
		t.Errorf("status = %s, want %s", entries[0].Status, StatusRetrying)
	}
	if entries[0].RetryCount != 1 {
		t.Errorf("retryCount = %d, want 1", entries[0].RetryCount)
	}

	// Success removes exactly that entry.
	if err := q.UpdateStatus(entry.ID, true, ""); err != nil {
		t.Fatal(err)
	}
	n, err := q.Size()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("size after successful replay = %d, want 0", n)
	}
}

func TestFailedReplayRestoresEntry(t *testing.T) {
	q := testQueue(t)
	entry, err := q.Add(testDelivery("d1", "sub-a", "issue.created"), "max retry attempts exceeded", 3)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.Retry(entry.ID); err != nil {
		t.Fatal(err)
	}
	if err := q.UpdateStatus(entry.ID, false, "503 Service Unavailable"); err != nil {
		t.Fatal(err)
	}

	entries, err := q.List(Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if entries[0].Status != StatusDeadLettered {
		t.Errorf("status = %s, want %s", entries[0].Status, StatusDeadLettered)
	}
	if entries[0].LastResult != "503 Service Unavailable" {
		t.Errorf("lastResult = %s", entries[0].LastResult)
	}
}

func TestRetryUnknownEntry(t *testing.T) {
	q := testQueue(t)
	if _, err := q.Retry("missing"); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if err := q.UpdateStatus("missing", true, ""); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListFilters(t *testing.T) {
	q := testQueue(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	q.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}

	q.Add(testDelivery("d1", "sub-a", "issue.created"), "x", 3)
	q.Add(testDelivery("d2", "sub-b", "issue.deleted"), "x", 3)
	q.Add(testDelivery("d3", "sub-a", "comment.created"), "x", 3)

	bySub, err := q.List(Filter{SubscriberID: "sub-a"})
	if err != nil {
		t.Fatal(err)
	}
	if len(bySub) != 2 {
		t.Errorf("subscriber filter: got %d, want 2", len(bySub))
	}

	byType, err := q.List(Filter{EventType: "issue.deleted"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byType) != 1 || byType[0].EventID != "evt-d2" {
		t.Errorf("event type filter: %+v", byType)
	}

	// Newest first, limited.
	limited, err := q.List(Filter{Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 || limited[0].EventID != "evt-d3" {
		t.Errorf("limit: %+v", limited)
	}

	windowed, err := q.List(Filter{From: base.Add(90 * time.Second)})
	if err != nil {
		t.Fatal(err)
	}
	if len(windowed) != 2 {
		t.Errorf("time window: got %d, want 2", len(windowed))
	}
}

func TestTrimDropsOldest(t *testing.T) {
	q := testQueue(t)
	q.maxSize = 3
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	q.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}

	for _, id := range []string{"d1", "d2", "d3", "d4", "d5"} {
		if _, err := q.Add(testDelivery(id, "sub-a", "issue.created"), "x", 3); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := q.List(Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	// The newest three survive.
	if entries[0].EventID != "evt-d5" || entries[2].EventID != "evt-d3" {
		t.Errorf("kept entries: %s .. %s", entries[0].EventID, entries[2].EventID)
	}
	if q.Purged() != 2 {
		t.Errorf("purged = %d, want 2", q.Purged())
	}
}

func TestRetryAllAndClear(t *testing.T) {
	q := testQueue(t)
	q.Add(testDelivery("d1", "sub-a", "issue.created"), "x", 3)
	q.Add(testDelivery("d2", "sub-b", "issue.created"), "x", 3)

	replays, err := q.RetryAll(Filter{SubscriberID: "sub-a"})
	if err != nil {
		t.Fatal(err)
	}
	if len(replays) != 1 || !replays[0].Replay {
		t.Errorf("replays = %+v", replays)
	}

	n, err := q.Clear()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("cleared %d, want 2", n)
	}
}

func TestExpireSweepsOldEntries(t *testing.T) {
	q := testQueue(t)
	q.retention = time.Hour
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return base }

	q.Add(testDelivery("old", "sub-a", "issue.created"), "x", 3)

	q.now = func() time.Time { return base.Add(2 * time.Hour) }
	q.Add(testDelivery("new", "sub-a", "issue.created"), "x", 3)

	n, err := q.expire()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expired %d, want 1", n)
	}
	remaining, _ := q.List(Filter{})
	if len(remaining) != 1 || remaining[0].EventID != "evt-new" {
		t.Errorf("remaining = %+v", remaining)
	}
}
