package breaker

import (
	"sync"
	"time"

	"hooktail"
)

// Registry keys breakers by subscriber id. Each key has a single owner
// breaker; cross-key access is independent.
type Registry struct {
	defaults hooktail.BreakerPolicy
	now      func() time.Time

	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewRegistry(defaults hooktail.BreakerPolicy) *Registry {
	return &Registry{
		defaults: normalize(defaults),
		now:      time.Now,
		breakers: make(map[string]*Breaker),
	}
}

// For returns the breaker for a subscriber, creating it with the
// subscriber's override or the registry defaults.
func (r *Registry) For(subscriberID string, override *hooktail.BreakerPolicy) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[subscriberID]; ok {
		return b
	}
	policy := r.defaults
	if override != nil {
		policy = normalize(*override)
	}
	b := New(policy)
	b.now = r.now
	r.breakers[subscriberID] = b
	return b
}

// States snapshots every breaker's state for status reporting.
func (r *Registry) States() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.breakers))
	for id, b := range r.breakers {
		out[id] = b.State().String()
	}
	return out
}

// Drop removes a subscriber's breaker, e.g. when the subscriber is deleted.
func (r *Registry) Drop(subscriberID string) {
	r.mu.Lock()
	delete(r.breakers, subscriberID)
	r.mu.Unlock()
}
