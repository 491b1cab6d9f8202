// Package metrics exposes the pipeline's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the full collector set, registered once at daemon start.
type Metrics struct {
	ChangesObserved  prometheus.Counter
	FeedReconnects   prometheus.Counter
	EventsRouted     prometheus.Counter
	DeliveriesTotal  *prometheus.CounterVec
	DeliveryDuration prometheus.Histogram
	AttemptsTotal    prometheus.Counter
	RateLimited      *prometheus.CounterVec
	CircuitOpen      prometheus.Counter
	DeadLettered     prometheus.Counter
	DLQSize          prometheus.Gauge
	CursorLag        prometheus.Gauge
	InFlightDispatch prometheus.Gauge
}

// New builds and registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ChangesObserved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hooktail_changes_observed_total",
			Help: "Change records read from the upstream feed.",
		}),
		FeedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hooktail_feed_reconnects_total",
			Help: "Reconnect attempts against the upstream change feed.",
		}),
		EventsRouted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hooktail_events_routed_total",
			Help: "Events fanned out to at least one subscriber.",
		}),
		DeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hooktail_deliveries_total",
			Help: "Terminal delivery outcomes by result.",
		}, []string{"result"}),
		DeliveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hooktail_delivery_duration_seconds",
			Help:    "Wall time of individual delivery attempts.",
			Buckets: prometheus.DefBuckets,
		}),
		AttemptsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hooktail_delivery_attempts_total",
			Help: "Individual HTTP delivery attempts.",
		}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hooktail_rate_limited_total",
			Help: "Admissions rejected by the rate limiter.",
		}, []string{"scope"}),
		CircuitOpen: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hooktail_circuit_open_rejections_total",
			Help: "Attempts skipped because the subscriber circuit was open.",
		}),
		DeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hooktail_dead_lettered_total",
			Help: "Deliveries moved to the dead-letter queue.",
		}),
		DLQSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hooktail_dlq_size",
			Help: "Current number of dead-letter entries.",
		}),
		CursorLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hooktail_cursor_lag_seconds",
			Help: "Age of the last observed change record.",
		}),
		InFlightDispatch: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hooktail_dispatch_in_flight",
			Help: "Deliveries currently being attempted.",
		}),
	}
	reg.MustRegister(
		m.ChangesObserved, m.FeedReconnects, m.EventsRouted,
		m.DeliveriesTotal, m.DeliveryDuration, m.AttemptsTotal,
		m.RateLimited, m.CircuitOpen, m.DeadLettered,
		m.DLQSize, m.CursorLag, m.InFlightDispatch,
	)
	return m
}

// NewUnregistered builds the collector set on a private registry, for tests
// and for callers that do not scrape.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
