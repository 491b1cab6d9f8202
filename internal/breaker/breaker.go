// Package breaker isolates failing subscriber endpoints with a per-key
// CLOSED / OPEN / HALF_OPEN state machine.
package breaker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"hooktail"
)

// State is the current circuit state.
type State uint8

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

// DefaultPolicy is applied when a subscriber has no breaker override.
func DefaultPolicy() hooktail.BreakerPolicy {
	return hooktail.BreakerPolicy{
		FailureThreshold:      5,
		SuccessThreshold:      2,
		VolumeThreshold:       10,
		ErrorThreshold:        50,
		SlowCallRateThreshold: 80,
		SlowCallThreshold:     5 * time.Second,
		MonitoringPeriod:      time.Minute,
		ResetTimeout:          30 * time.Second,
		Timeout:               30 * time.Second,
	}
}

func normalize(p hooktail.BreakerPolicy) hooktail.BreakerPolicy {
	def := DefaultPolicy()
	if p.FailureThreshold <= 0 {
		p.FailureThreshold = def.FailureThreshold
	}
	if p.SuccessThreshold <= 0 {
		p.SuccessThreshold = def.SuccessThreshold
	}
	if p.VolumeThreshold <= 0 {
		p.VolumeThreshold = def.VolumeThreshold
	}
	if p.ErrorThreshold <= 0 {
		p.ErrorThreshold = def.ErrorThreshold
	}
	if p.SlowCallRateThreshold <= 0 {
		p.SlowCallRateThreshold = def.SlowCallRateThreshold
	}
	if p.SlowCallThreshold <= 0 {
		p.SlowCallThreshold = def.SlowCallThreshold
	}
	if p.MonitoringPeriod <= 0 {
		p.MonitoringPeriod = def.MonitoringPeriod
	}
	if p.ResetTimeout <= 0 {
		p.ResetTimeout = def.ResetTimeout
	}
	if p.Timeout <= 0 {
		p.Timeout = def.Timeout
	}
	return p
}

// outcome is one recorded call in the monitoring window.
type outcome struct {
	at           time.Time
	success      bool
	responseTime time.Duration
	timeout      bool
}

func (o outcome) slow(threshold time.Duration) bool {
	return o.responseTime >= threshold
}

const outcomeRingCap = 256

// Breaker is the circuit state for one subscriber. In-memory only; it is
// reconstructed closed on restart.
type Breaker struct {
	policy hooktail.BreakerPolicy
	now    func() time.Time

	mu          sync.Mutex
	state       State
	failures    int // consecutive failures
	successes   int // consecutive successes in HALF_OPEN
	ring        []outcome
	ringStart   int
	ringLen     int
	nextAttempt time.Time
	transitions func(from, to State)
}

// New creates a breaker with the given policy (zero fields take defaults).
func New(policy hooktail.BreakerPolicy) *Breaker {
	return &Breaker{
		policy: normalize(policy),
		now:    time.Now,
		ring:   make([]outcome, outcomeRingCap),
	}
}

// Allow reports whether a call may proceed. In OPEN state it rejects with a
// retry-after hint of nextAttempt - now; an elapsed reset timeout moves the
// circuit to HALF_OPEN and allows the probe.
func (b *Breaker) Allow() (ok bool, retryAfter time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Closed, HalfOpen:
		return true, 0
	default:
		now := b.now()
		if !now.Before(b.nextAttempt) {
			b.transition(HalfOpen)
			return true, 0
		}
		return false, b.nextAttempt.Sub(now)
	}
}

// Record registers a completed call and drives state transitions.
func (b *Breaker) Record(success bool, responseTime time.Duration, timedOut bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if timedOut {
		success = false
	}
	b.push(outcome{at: now, success: success, responseTime: responseTime, timeout: timedOut})

	if success {
		b.failures = 0
		if b.state == HalfOpen {
			b.successes++
			if b.successes >= b.policy.SuccessThreshold {
				b.transition(Closed)
			}
		}
		return
	}

	b.failures++
	b.successes = 0
	switch b.state {
	case HalfOpen:
		// Any failure during the probe phase re-opens.
		b.open(now)
	case Closed:
		if b.shouldOpen(now) {
			b.open(now)
		}
	}
}

// Call wraps op with admission and the per-attempt timeout. It records the
// outcome; timeouts count as failures.
func (b *Breaker) Call(ctx context.Context, op func(ctx context.Context) error) (allowed bool, retryAfter time.Duration, err error) {
	ok, after := b.Allow()
	if !ok {
		return false, after, nil
	}
	callCtx, cancel := context.WithTimeout(ctx, b.policy.Timeout)
	defer cancel()

	start := b.now()
	err = op(callCtx)
	elapsed := b.now().Sub(start)
	timedOut := callCtx.Err() == context.DeadlineExceeded
	b.Record(err == nil && !timedOut, elapsed, timedOut)
	return true, 0, err
}

// State returns the current state for status reporting.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) open(now time.Time) {
	b.nextAttempt = now.Add(b.policy.ResetTimeout)
	b.transition(Open)
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if to == HalfOpen || to == Closed {
		b.successes = 0
	}
	if to == Closed {
		b.failures = 0
	}
	if b.transitions != nil {
		b.transitions(from, to)
	}
	slog.Info("Circuit breaker state changed.", "from", from.String(), "to", to.String())
}

// shouldOpen applies the volume gate plus the three trip conditions over the
// sliding monitoring window.
func (b *Breaker) shouldOpen(now time.Time) bool {
	recent := b.window(now)
	if len(recent) < b.policy.VolumeThreshold {
		return false
	}
	if b.failures >= b.policy.FailureThreshold {
		return true
	}
	var errs, slow int
	for _, o := range recent {
		if !o.success {
			errs++
		}
		if o.slow(b.policy.SlowCallThreshold) {
			slow++
		}
	}
	total := float64(len(recent))
	if float64(errs)/total*100 >= b.policy.ErrorThreshold {
		return true
	}
	if float64(slow)/total*100 >= b.policy.SlowCallRateThreshold {
		return true
	}
	return false
}

func (b *Breaker) push(o outcome) {
	idx := (b.ringStart + b.ringLen) % len(b.ring)
	b.ring[idx] = o
	if b.ringLen < len(b.ring) {
		b.ringLen++
	} else {
		b.ringStart = (b.ringStart + 1) % len(b.ring)
	}
}

func (b *Breaker) window(now time.Time) []outcome {
	cutoff := now.Add(-b.policy.MonitoringPeriod)
	out := make([]outcome, 0, b.ringLen)
	for i := 0; i < b.ringLen; i++ {
		o := b.ring[(b.ringStart+i)%len(b.ring)]
		if o.at.After(cutoff) {
			out = append(out, o)
		}
	}
	return out
}
