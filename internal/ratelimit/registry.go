package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"hooktail"
)

const (
	// idleReclaim is how long a keyed limiter may sit unused before the
	// background sweep drops it.
	idleReclaim = 24 * time.Hour
	sweepEvery  = time.Hour
)

// globalKey is the reserved key for the service-wide limiter.
const globalKey = "__global__"

// Registry owns all limiter state, keyed by subscriber id, plus one global
// limiter checked before any subscriber limiter.
type Registry struct {
	global *hooktail.RateLimitPolicy
	now    func() time.Time

	mu       sync.Mutex
	limiters map[string]limiter
}

// NewRegistry creates a registry. A nil global policy disables the global
// limiter.
func NewRegistry(global *hooktail.RateLimitPolicy) *Registry {
	return &Registry{
		global:   global,
		now:      time.Now,
		limiters: make(map[string]limiter),
	}
}

// Admit runs the global check first, then the subscriber's own policy when
// it has one. A global rejection short-circuits subscriber evaluation.
// Internal failures admit: a broken limiter must not stop deliveries.
func (r *Registry) Admit(subscriberID string, policy *hooktail.RateLimitPolicy) (d Decision) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Rate limiter panicked, failing open.", "subscriber", subscriberID, "panic", rec)
			d = allow
		}
	}()

	if r.global != nil {
		if g := r.admit(globalKey, *r.global); !g.Allowed {
			g.Global = true
			return g
		}
	}
	if policy == nil {
		return allow
	}
	return r.admit(subscriberID, *policy)
}

func (r *Registry) admit(key string, policy hooktail.RateLimitPolicy) Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[key]
	if !ok {
		l = newLimiter(policy)
		r.limiters[key] = l
	}
	return l.admit(r.now())
}

// Run sweeps idle limiters until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	cutoff := r.now().Add(-idleReclaim)
	r.mu.Lock()
	for key, l := range r.limiters {
		if key == globalKey {
			continue
		}
		if last := l.lastActivity(); !last.IsZero() && last.Before(cutoff) {
			delete(r.limiters, key)
		}
	}
	n := len(r.limiters)
	r.mu.Unlock()
	slog.Debug("Swept idle rate limiters.", "remaining", n)
}
