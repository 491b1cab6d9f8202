// Package daemon wires the delivery pipeline together and owns its
// lifecycle: startup, readiness notification, and graceful shutdown.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	systemd "github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"

	"hooktail"
	"hooktail/config"
	"hooktail/internal/breaker"
	"hooktail/internal/cursor"
	"hooktail/internal/dispatch"
	"hooktail/internal/dlq"
	"hooktail/internal/feed"
	"hooktail/internal/filter"
	"hooktail/internal/history"
	"hooktail/internal/metrics"
	"hooktail/internal/ratelimit"
	"hooktail/internal/router"
	"hooktail/internal/store"
)

// drainGrace bounds how long shutdown waits for in-flight deliveries.
const drainGrace = 30 * time.Second

// Daemon is the assembled pipeline.
type Daemon struct {
	cfg *config.Config

	store      *store.Store
	mongo      *mongo.Client
	saver      *cursor.Saver
	observer   *feed.Observer
	router     *router.Router
	dispatcher *dispatch.Dispatcher
	queue      *dlq.Queue
	recorder   *history.Recorder
	limits     *ratelimit.Registry
	breakers   *breaker.Registry
	metrics    *metrics.Metrics
	registry   *prometheus.Registry
	server     *Server

	// dispatchCtx outlives the run context so in-flight deliveries can
	// finish during the drain grace period.
	dispatchCtx    context.Context
	dispatchCancel context.CancelFunc
	inflight       sync.WaitGroup
}

// New opens the daemon's resources and wires the pipeline.
func New(ctx context.Context, cfg *config.Config) (*Daemon, error) {
	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Source.URI))
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("connect source: %w", err)
	}

	var backend cursor.Backend
	if cfg.Cursor.Mode == "file" {
		backend = cursor.NewFileBackend(cfg.Cursor.Path, cfg.Cursor.Service)
	} else {
		backend = cursor.NewSQLiteBackend(st.DB(), cfg.Cursor.Service)
	}
	saver := cursor.NewSaver(backend)

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	breakerDefaults := breaker.DefaultPolicy()
	if cfg.Breaker != nil {
		breakerDefaults = *cfg.Breaker
	}

	d := &Daemon{
		cfg:      cfg,
		store:    st,
		mongo:    client,
		saver:    saver,
		queue:    dlq.New(st),
		recorder: history.New(st),
		limits:   ratelimit.NewRegistry(cfg.RateLimit),
		breakers: breaker.NewRegistry(breakerDefaults),
		metrics:  m,
		registry: registry,
		router:   router.New(filter.NewEngine()),
	}
	d.dispatchCtx, d.dispatchCancel = context.WithCancel(context.Background())

	d.dispatcher = dispatch.New(st, d.recorder, d.queue, d.limits, d.breakers, m, dispatch.Options{
		Client:           &http.Client{Timeout: cfg.Delivery.Timeout},
		UserAgent:        cfg.Delivery.UserAgent,
		MaxResponseBytes: cfg.Delivery.MaxResponseBytes,
	})

	open := feed.OpenMongo(client, cfg.Source.Database, cfg.Source.Collections)
	d.observer = feed.NewObserver(open, saver, d.handleRecord, m)

	d.server = NewServer(st, d.queue, d.recorder, d.observer, d.breakers,
		registry, d.submit, cfg.Server.APIKey)

	d.queue.OnEntryAdded(func(dlq.Entry) {
		if size, err := d.queue.Size(); err == nil {
			m.DLQSize.Set(float64(size))
		}
	})
	return d, nil
}

// handleRecord routes one change record and fans deliveries out. Called by
// the observer before the cursor for the record is saved.
func (d *Daemon) handleRecord(_ context.Context, rec hooktail.ChangeRecord) error {
	subs, err := d.store.ListSubscribers()
	if err != nil {
		return fmt.Errorf("snapshot subscribers: %w", err)
	}

	event, matched := d.router.Route(rec, subs)

	sourceID := fmt.Sprintf("%s.%s/%s/%s",
		rec.Namespace.Database, rec.Namespace.Collection, rec.DocumentKey, rec.Operation)
	fresh, ledgerID, err := d.store.RecordEvent(event, sourceID)
	if err != nil {
		slog.Error("Failed to record event in ledger.", "event", event.ID, "err", err)
	} else if !fresh {
		// A duplicate whose first observation left no persisted attempts
		// means the process died between the ledger insert and the
		// dispatch handoff; redeliver under the original event id.
		redeliver := false
		if len(matched) > 0 {
			attempted, aerr := d.store.EventAttempted(ledgerID)
			if aerr != nil {
				slog.Error("Failed to check duplicate event attempts.", "event", ledgerID, "err", aerr)
			}
			redeliver = aerr == nil && !attempted
		}
		if !redeliver {
			slog.Debug("Suppressing duplicate event.", "source", sourceID, "type", event.Type)
			return nil
		}
		slog.Warn("Redelivering duplicate event with no recorded attempts.",
			"source", sourceID, "event", ledgerID)
		event.ID = ledgerID
	}

	if len(matched) == 0 {
		return nil
	}
	d.metrics.EventsRouted.Inc()

	for _, sub := range matched {
		d.submit(hooktail.Delivery{
			ID:         uuid.NewString(),
			Subscriber: sub,
			Event:      event,
		})
	}
	return nil
}

// submit runs one delivery on its own goroutine, tracked for draining.
func (d *Daemon) submit(delivery hooktail.Delivery) {
	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		d.dispatcher.Dispatch(d.dispatchCtx, delivery)
	}()
}

// Run starts every component and blocks until ctx is cancelled or the feed
// is lost. Shutdown closes the feed first, drains in-flight deliveries with
// a bounded grace period, then force-flushes the cursor.
func (d *Daemon) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return d.observer.Run(gctx) })
	g.Go(func() error { d.saver.Run(gctx); return nil })
	g.Go(func() error { d.queue.Run(gctx); return nil })
	g.Go(func() error { d.recorder.Run(gctx); return nil })
	g.Go(func() error { d.limits.Run(gctx); return nil })
	g.Go(func() error { return d.server.ListenAndServe(gctx, d.cfg.Server.Listen) })
	g.Go(func() error {
		d.notifyReady(gctx)
		return nil
	})

	err := g.Wait()

	slog.Info("Draining in-flight deliveries.", "grace", drainGrace)
	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainGrace):
		slog.Warn("Drain grace period elapsed with deliveries still in flight.")
	}
	d.dispatchCancel()

	if ferr := d.saver.Flush(); ferr != nil {
		slog.Error("Final cursor flush failed.", "err", ferr)
		if err == nil {
			err = fmt.Errorf("flush cursor: %w", ferr)
		}
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if derr := d.mongo.Disconnect(closeCtx); derr != nil {
		slog.Warn("Failed to disconnect from source.", "err", derr)
	}
	if cerr := d.store.Close(); cerr != nil {
		slog.Warn("Failed to close store.", "err", cerr)
	}
	return err
}

// notifyReady tells systemd the daemon is up once the observer is running.
func (d *Daemon) notifyReady(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if d.observer.Status().Running {
				if _, err := systemd.SdNotify(false, systemd.SdNotifyReady); err != nil {
					slog.Error("Failed to notify systemd that the daemon is ready.", "err", err)
				}
				return
			}
		}
	}
}
