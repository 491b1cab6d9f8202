package hooktail

import (
	"encoding/json"
	"math/rand"
	"time"
)

// Operation is the kind of mutation observed on the upstream store.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Namespace identifies the database and collection a change belongs to.
type Namespace struct {
	Database   string
	Collection string
}

// UpdateDescription is the structured diff carried by an update change.
type UpdateDescription struct {
	Updated map[string]any
	Removed []string
}

// ChangeRecord is one mutation read from the upstream change feed.
// The Token is the opaque resume position for this record.
type ChangeRecord struct {
	Token        json.RawMessage
	Operation    Operation
	Namespace    Namespace
	DocumentKey  string
	FullDocument map[string]any
	Update       *UpdateDescription
	ClusterTime  time.Time
}

// Event is the domain message derived from one change and sent to subscribers.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Workspace string         `json:"workspace"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
	Changes   map[string]any `json:"changes,omitempty"`
	Source    EventSource    `json:"source"`
}

// EventSource records where an event came from.
type EventSource struct {
	Database   string    `json:"database"`
	Collection string    `json:"collection"`
	Operation  Operation `json:"operation"`
}

// RetryPolicy controls delivery retry pacing for a subscriber.
// A zero value means "use service defaults".
type RetryPolicy struct {
	MaxAttempts int           `json:"maxAttempts" yaml:"max-attempts"`
	BaseDelay   time.Duration `json:"baseDelay" yaml:"base-delay"`
	Multiplier  float64       `json:"multiplier" yaml:"multiplier"`
	MaxDelay    time.Duration `json:"maxDelay" yaml:"max-delay"`
	JitterMax   time.Duration `json:"jitterMax" yaml:"jitter-max"`
}

// DefaultRetryPolicy is applied when a subscriber has no override.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Multiplier:  2,
		MaxDelay:    5 * time.Minute,
		JitterMax:   time.Second,
	}
}

// Normalized fills zero fields from the defaults.
func (p RetryPolicy) Normalized() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.Multiplier <= 0 {
		p.Multiplier = def.Multiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.JitterMax < 0 {
		p.JitterMax = def.JitterMax
	}
	return p
}

// Delay returns the backoff before attempt k+1 given that attempt k failed:
// min(base * multiplier^(k-1), maxDelay) plus uniform jitter in [0, jitterMax).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	p = p.Normalized()
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxDelay) {
			break
		}
	}
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	delay := time.Duration(d)
	if p.JitterMax > 0 {
		delay += time.Duration(rand.Int63n(int64(p.JitterMax)))
	}
	return delay
}

// RateLimitAlgorithm selects the admission algorithm for a subscriber.
type RateLimitAlgorithm string

const (
	RateSlidingWindow RateLimitAlgorithm = "sliding_window"
	RateFixedWindow   RateLimitAlgorithm = "fixed_window"
	RateTokenBucket   RateLimitAlgorithm = "token_bucket"
)

// RateLimitPolicy is a per-subscriber or global rate limit.
type RateLimitPolicy struct {
	Algorithm   RateLimitAlgorithm `json:"algorithm" yaml:"algorithm"`
	MaxRequests int                `json:"maxRequests" yaml:"max-requests"`
	Window      time.Duration      `json:"window" yaml:"window"`
	BurstLimit  int                `json:"burstLimit" yaml:"burst-limit"`
	RefillRate  float64            `json:"refillRate" yaml:"refill-rate"`
}

// BreakerPolicy is a per-subscriber circuit breaker configuration.
type BreakerPolicy struct {
	FailureThreshold      int           `json:"failureThreshold" yaml:"failure-threshold"`
	SuccessThreshold      int           `json:"successThreshold" yaml:"success-threshold"`
	VolumeThreshold       int           `json:"volumeThreshold" yaml:"volume-threshold"`
	ErrorThreshold        float64       `json:"errorThreshold" yaml:"error-threshold"`
	SlowCallRateThreshold float64       `json:"slowCallRateThreshold" yaml:"slow-call-rate-threshold"`
	SlowCallThreshold     time.Duration `json:"slowCallThreshold" yaml:"slow-call-threshold"`
	MonitoringPeriod      time.Duration `json:"monitoringPeriod" yaml:"monitoring-period"`
	ResetTimeout          time.Duration `json:"resetTimeout" yaml:"reset-timeout"`
	Timeout               time.Duration `json:"timeout" yaml:"timeout"`
}

// Subscriber is a registered webhook endpoint. The pipeline consumes
// read-only snapshots; mutation happens through the registry.
type Subscriber struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	URL         string            `json:"url"`
	Secret      string            `json:"secret,omitempty"`
	Events      []string          `json:"events"`
	Collections []string          `json:"collections,omitempty"`
	Filter      string            `json:"filter,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Enabled     bool              `json:"enabled"`
	Retry       RetryPolicy       `json:"retry"`
	RateLimit   *RateLimitPolicy  `json:"rateLimit,omitempty"`
	Breaker     *BreakerPolicy    `json:"breaker,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// DeliveryStatus is the state of one delivery attempt.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySuccess DeliveryStatus = "success"
	DeliveryFailed  DeliveryStatus = "failed"
	DeliveryRetry   DeliveryStatus = "retry"
)

// DeliveryAttempt is one persisted attempt to POST an event to a subscriber.
type DeliveryAttempt struct {
	ID              string            `json:"id"`
	DeliveryID      string            `json:"deliveryId"`
	SubscriberID    string            `json:"subscriberId"`
	EventID         string            `json:"eventId"`
	Attempt         int               `json:"attempt"`
	Status          DeliveryStatus    `json:"status"`
	HTTPStatus      int               `json:"httpStatus,omitempty"`
	ResponseBody    string            `json:"responseBody,omitempty"`
	ResponseHeaders map[string]string `json:"responseHeaders,omitempty"`
	Error           string            `json:"error,omitempty"`
	Duration        time.Duration     `json:"duration"`
	NextRetryAt     time.Time         `json:"nextRetryAt,omitempty"`
	FinalAttempt    bool              `json:"finalAttempt"`
	At              time.Time         `json:"at"`
}

// Delivery is one (subscriber, event) unit of work. It carries a snapshot
// of the subscriber fields it needs rather than an owning pointer.
type Delivery struct {
	ID         string     `json:"id"`
	Subscriber Subscriber `json:"subscriber"`
	Event      Event      `json:"event"`
	Replay     bool       `json:"replay,omitempty"`
	DLQEntryID string     `json:"dlqEntryId,omitempty"`
}

// DeliveryResult is the structured outcome handed back to dispatcher callers.
type DeliveryResult struct {
	Success    bool          `json:"success"`
	StatusCode int           `json:"statusCode,omitempty"`
	Error      string        `json:"error,omitempty"`
	Retryable  bool          `json:"retryable"`
	RetryAfter time.Duration `json:"retryAfter,omitempty"`
	Duration   time.Duration `json:"durationMs"`
}
