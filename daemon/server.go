package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hooktail"
	"hooktail/internal/breaker"
	"hooktail/internal/dlq"
	"hooktail/internal/feed"
	"hooktail/internal/history"
	"hooktail/internal/store"
)

// Server is the inbound control surface: health, stats, subscriber CRUD,
// DLQ inspection and replay, and the metrics endpoint.
type Server struct {
	store    *store.Store
	queue    *dlq.Queue
	recorder *history.Recorder
	observer *feed.Observer
	breakers *breaker.Registry
	registry *prometheus.Registry

	// dispatch submits a replayed delivery to the pipeline.
	dispatch func(hooktail.Delivery)
	apiKey   string
}

func NewServer(st *store.Store, queue *dlq.Queue, recorder *history.Recorder,
	observer *feed.Observer, breakers *breaker.Registry,
	registry *prometheus.Registry, dispatch func(hooktail.Delivery), apiKey string) *Server {
	return &Server{
		store:    st,
		queue:    queue,
		recorder: recorder,
		observer: observer,
		breakers: breakers,
		registry: registry,
		dispatch: dispatch,
		apiKey:   apiKey,
	}
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Method(http.MethodGet, "/metrics",
		promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(s.requireAPIKey)
		r.Get("/stats", s.handleStats)

		r.Route("/v1/subscribers", func(r chi.Router) {
			r.Get("/", s.handleListSubscribers)
			r.Post("/", s.handleCreateSubscriber)
			r.Get("/{id}", s.handleGetSubscriber)
			r.Put("/{id}", s.handleUpdateSubscriber)
			r.Delete("/{id}", s.handleDeleteSubscriber)
		})

		r.Route("/v1/dlq", func(r chi.Router) {
			r.Get("/", s.handleListDLQ)
			r.Post("/retry", s.handleRetryAllDLQ)
			r.Post("/{id}/retry", s.handleRetryDLQ)
			r.Delete("/", s.handleClearDLQ)
		})

		r.Get("/v1/history", s.handleHistory)
	})
	return r
}

// ListenAndServe serves the control API until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	slog.Info("Control API listening.", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown control api: %w", err)
		}
		return nil
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("control api: %w", err)
	}
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" && r.Header.Get("X-API-Key") != s.apiKey {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports ready iff the observer is running and the store is
// reachable.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.observer.Status().Running {
		writeError(w, http.StatusServiceUnavailable, "observer not running")
		return
	}
	if err := s.store.Ping(); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	dlqSize, err := s.queue.Size()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"observer": s.observer.Status(),
		"dlq": map[string]any{
			"size":   dlqSize,
			"purged": s.queue.Purged(),
		},
		"breakers": s.breakers.States(),
	})
}

func (s *Server) handleListSubscribers(w http.ResponseWriter, _ *http.Request) {
	subs, err := s.store.ListSubscribers()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if subs == nil {
		subs = []hooktail.Subscriber{}
	}
	writeJSON(w, http.StatusOK, subs)
}

func (s *Server) handleCreateSubscriber(w http.ResponseWriter, r *http.Request) {
	var sub hooktail.Subscriber
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if sub.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	if len(sub.Events) == 0 {
		writeError(w, http.StatusBadRequest, "at least one event pattern is required")
		return
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	sub.CreatedAt, sub.UpdatedAt = now, now
	if err := s.store.PutSubscriber(sub); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleGetSubscriber(w http.ResponseWriter, r *http.Request) {
	sub, err := s.store.GetSubscriber(chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "subscriber not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleUpdateSubscriber(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := s.store.GetSubscriber(id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "subscriber not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	var sub hooktail.Subscriber
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	// The id is immutable once created.
	sub.ID = id
	sub.CreatedAt = existing.CreatedAt
	sub.UpdatedAt = time.Now().UTC()
	if err := s.store.PutSubscriber(sub); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleDeleteSubscriber(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.DeleteSubscriber(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "subscriber not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.breakers.Drop(id)
	w.WriteHeader(http.StatusNoContent)
}

func dlqFilterFromQuery(r *http.Request) dlq.Filter {
	q := r.URL.Query()
	f := dlq.Filter{
		SubscriberID: q.Get("subscriber"),
		EventType:    q.Get("eventType"),
		Status:       q.Get("status"),
	}
	if v := q.Get("from"); v != "" {
		f.From, _ = time.Parse(time.RFC3339, v)
	}
	if v := q.Get("to"); v != "" {
		f.To, _ = time.Parse(time.RFC3339, v)
	}
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	f.Offset, _ = strconv.Atoi(q.Get("offset"))
	return f
}

func (s *Server) handleListDLQ(w http.ResponseWriter, r *http.Request) {
	entries, err := s.queue.List(dlqFilterFromQuery(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []dlq.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleRetryDLQ(w http.ResponseWriter, r *http.Request) {
	delivery, err := s.queue.Retry(chi.URLParam(r, "id"))
	if errors.Is(err, dlq.ErrNotFound) {
		writeError(w, http.StatusNotFound, "entry not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.dispatch(delivery)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "retrying"})
}

func (s *Server) handleRetryAllDLQ(w http.ResponseWriter, r *http.Request) {
	deliveries, err := s.queue.RetryAll(dlqFilterFromQuery(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for _, d := range deliveries {
		s.dispatch(d)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "retrying", "count": len(deliveries),
	})
}

func (s *Server) handleClearDLQ(w http.ResponseWriter, _ *http.Request) {
	n, err := s.queue.Clear()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"cleared": n})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("aggregate") != "" {
		to := time.Now().UTC()
		from := to.Add(-24 * time.Hour)
		if v := q.Get("from"); v != "" {
			from, _ = time.Parse(time.RFC3339, v)
		}
		if v := q.Get("to"); v != "" {
			to, _ = time.Parse(time.RFC3339, v)
		}
		stats, err := s.recorder.Aggregate(q.Get("subscriber"), from, to, q.Get("aggregate"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, stats)
		return
	}

	f := history.Filter{
		SubscriberID: q.Get("subscriber"),
		EventType:    q.Get("eventType"),
		Status:       hooktail.DeliveryStatus(q.Get("status")),
	}
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	if f.Limit <= 0 {
		f.Limit = 100
	}
	f.Offset, _ = strconv.Atoi(q.Get("offset"))
	records, err := s.recorder.Query(f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []history.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response.", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
