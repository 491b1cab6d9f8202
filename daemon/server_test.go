package daemon

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"hooktail"
	"hooktail/internal/breaker"
	"hooktail/internal/cursor"
	"hooktail/internal/dlq"
	"hooktail/internal/feed"
	"hooktail/internal/history"
	"hooktail/internal/metrics"
	"hooktail/internal/store"
)

type serverFixture struct {
	server     *Server
	store      *store.Store
	queue      *dlq.Queue
	dispatched []hooktail.Delivery
}

func newServerFixture(t *testing.T, apiKey string) *serverFixture {
	t.Helper()
	st, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	queue := dlq.New(st)
	recorder := history.New(st)
	m := metrics.NewUnregistered()
	saver := cursor.NewSaver(cursor.NewFileBackend(
		filepath.Join(t.TempDir(), "cursor.json"), "test"))
	observer := feed.NewObserver(nil, saver, nil, m)
	breakers := breaker.NewRegistry(breaker.DefaultPolicy())

	f := &serverFixture{store: st, queue: queue}
	f.server = NewServer(st, queue, recorder, observer, breakers,
		prometheus.NewRegistry(), func(d hooktail.Delivery) {
			f.dispatched = append(f.dispatched, d)
		}, apiKey)
	return f
}

func (f *serverFixture) request(t *testing.T, method, path, apiKey string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	rec := httptest.NewRecorder()
	f.server.routes().ServeHTTP(rec, req)
	return rec
}

func TestAPIKeyGuardsControlEndpoints(t *testing.T) {
	f := newServerFixture(t, "secret")

	if rec := f.request(t, http.MethodGet, "/v1/subscribers", "", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("no key: status = %d, want 401", rec.Code)
	}
	if rec := f.request(t, http.MethodGet, "/v1/subscribers", "wrong", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d, want 401", rec.Code)
	}
	if rec := f.request(t, http.MethodGet, "/v1/subscribers", "secret", nil); rec.Code != http.StatusOK {
		t.Errorf("right key: status = %d, want 200", rec.Code)
	}
	// Health and metrics stay public.
	if rec := f.request(t, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Errorf("healthz: status = %d, want 200", rec.Code)
	}
	if rec := f.request(t, http.MethodGet, "/metrics", "", nil); rec.Code != http.StatusOK {
		t.Errorf("metrics: status = %d, want 200", rec.Code)
	}
}

func TestReadyRequiresRunningObserver(t *testing.T) {
	f := newServerFixture(t, "")

	if rec := f.request(t, http.MethodGet, "/readyz", "", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz before start: status = %d, want 503", rec.Code)
	}
}

func TestSubscriberLifecycle(t *testing.T) {
	f := newServerFixture(t, "")

	create := map[string]any{
		"name":   "ops",
		"url":    "https://hooks.example.com/ops",
		"events": []string{"issue.*"},
	}
	rec := f.request(t, http.MethodPost, "/v1/subscribers", "", create)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d, body %s", rec.Code, rec.Body)
	}
	var created hooktail.Subscriber
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created: %v", err)
	}
	if created.ID == "" || created.CreatedAt.IsZero() {
		t.Errorf("created = %+v, want generated id and timestamps", created)
	}

	update := created
	update.Name = "ops-eu"
	rec = f.request(t, http.MethodPut, "/v1/subscribers/"+created.ID, "", update)
	if rec.Code != http.StatusOK {
		t.Fatalf("update: status = %d, body %s", rec.Code, rec.Body)
	}
	var updated hooktail.Subscriber
	if err := json.Unmarshal(rec.Body.Bytes(), &updated); err != nil {
		t.Fatalf("decode updated: %v", err)
	}
	if updated.Name != "ops-eu" {
		t.Errorf("updated name = %q", updated.Name)
	}
	if !updated.CreatedAt.Equal(created.CreatedAt) {
		t.Errorf("update changed created at: %v -> %v", created.CreatedAt, updated.CreatedAt)
	}

	rec = f.request(t, http.MethodDelete, "/v1/subscribers/"+created.ID, "", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: status = %d", rec.Code)
	}
	rec = f.request(t, http.MethodGet, "/v1/subscribers/"+created.ID, "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete: status = %d, want 404", rec.Code)
	}
}

func TestCreateSubscriberRejectsIncomplete(t *testing.T) {
	f := newServerFixture(t, "")

	rec := f.request(t, http.MethodPost, "/v1/subscribers", "", map[string]any{"name": "no-url"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("create without url: status = %d, want 400", rec.Code)
	}
}

func TestDLQRetryDispatchesEntry(t *testing.T) {
	f := newServerFixture(t, "")

	delivery := hooktail.Delivery{
		ID:         "del-1",
		Subscriber: hooktail.Subscriber{ID: "sub-1", URL: "https://hooks.example.com"},
		Event:      hooktail.Event{ID: "evt-1", Type: "issue.updated"},
	}
	entry, err := f.queue.Add(delivery, "HTTP 500", 3)
	if err != nil {
		t.Fatalf("seed dlq: %v", err)
	}

	rec := f.request(t, http.MethodPost, "/v1/dlq/"+entry.ID+"/retry", "", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("retry: status = %d, body %s", rec.Code, rec.Body)
	}
	if len(f.dispatched) != 1 {
		t.Fatalf("dispatched %d deliveries, want 1", len(f.dispatched))
	}
	got := f.dispatched[0]
	if !got.Replay || got.DLQEntryID != entry.ID {
		t.Errorf("dispatched = replay %v entry %q, want replay of %q", got.Replay, got.DLQEntryID, entry.ID)
	}

	rec = f.request(t, http.MethodPost, "/v1/dlq/missing/retry", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("retry unknown: status = %d, want 404", rec.Code)
	}
}

func TestDLQClearReportsCount(t *testing.T) {
	f := newServerFixture(t, "")

	delivery := hooktail.Delivery{
		ID:         "del-1",
		Subscriber: hooktail.Subscriber{ID: "sub-1"},
		Event:      hooktail.Event{ID: "evt-1"},
	}
	if _, err := f.queue.Add(delivery, "HTTP 500", 3); err != nil {
		t.Fatalf("seed dlq: %v", err)
	}

	rec := f.request(t, http.MethodDelete, "/v1/dlq", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("clear: status = %d", rec.Code)
	}
	var resp struct {
		Cleared int64 `json:"cleared"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Cleared != 1 {
		t.Errorf("cleared = %d, want 1", resp.Cleared)
	}
}
