// Package ratelimit provides per-subscriber and global admission control.
//
// Three algorithms are selectable per subscriber: sliding window, fixed
// window, and token bucket. Rejections carry a retry-after hint; internal
// errors fail open so admission control is never a single point of failure.
package ratelimit

import (
	"math"
	"time"

	"hooktail"
)

// Decision is the outcome of one admission check. Global marks a rejection
// by the service-wide limiter rather than the subscriber's own.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Global     bool
}

var allow = Decision{Allowed: true}

// limiter is one keyed admission state. Implementations are not safe for
// concurrent use; the Registry serializes access per key.
type limiter interface {
	admit(now time.Time) Decision
	lastActivity() time.Time
}

func newLimiter(policy hooktail.RateLimitPolicy) limiter {
	switch policy.Algorithm {
	case hooktail.RateFixedWindow:
		return &fixedWindow{policy: policy}
	case hooktail.RateTokenBucket:
		return &tokenBucket{policy: policy, tokens: policy.BurstLimit}
	default:
		return &slidingWindow{policy: policy}
	}
}

// slidingWindow admits while fewer than MaxRequests landed in the trailing
// Window.
type slidingWindow struct {
	policy hooktail.RateLimitPolicy
	times  []time.Time
	seen   time.Time
}

func (s *slidingWindow) admit(now time.Time) Decision {
	s.seen = now
	cutoff := now.Add(-s.policy.Window)
	kept := s.times[:0]
	for _, t := range s.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.times = kept

	if len(s.times) < s.policy.MaxRequests || len(s.times) == 0 {
		// An empty window always admits its first request, even with
		// MaxRequests = 0.
		s.times = append(s.times, now)
		return allow
	}
	oldest := s.times[0]
	retry := oldest.Add(s.policy.Window).Sub(now)
	return Decision{RetryAfter: ceilSeconds(retry)}
}

func (s *slidingWindow) lastActivity() time.Time { return s.seen }

// fixedWindow counts requests per bucket of index floor(now/Window).
type fixedWindow struct {
	policy hooktail.RateLimitPolicy
	bucket int64
	count  int
	seen   time.Time
}

func (f *fixedWindow) admit(now time.Time) Decision {
	f.seen = now
	idx := now.UnixNano() / int64(f.policy.Window)
	if idx != f.bucket {
		f.bucket = idx
		f.count = 0
	}
	if f.count < f.policy.MaxRequests || f.count == 0 {
		f.count++
		return allow
	}
	next := time.Unix(0, (idx+1)*int64(f.policy.Window))
	return Decision{RetryAfter: ceilSeconds(next.Sub(now))}
}

func (f *fixedWindow) lastActivity() time.Time { return f.seen }

// tokenBucket holds up to BurstLimit integer tokens refilled at RefillRate
// tokens per second.
type tokenBucket struct {
	policy     hooktail.RateLimitPolicy
	tokens     int
	lastRefill time.Time
	seen       time.Time
}

func (b *tokenBucket) admit(now time.Time) Decision {
	b.seen = now
	if b.lastRefill.IsZero() {
		b.lastRefill = now
	}
	if b.policy.RefillRate > 0 {
		refill := int(now.Sub(b.lastRefill).Seconds() * b.policy.RefillRate)
		if refill > 0 {
			b.tokens = min(b.tokens+refill, b.policy.BurstLimit)
			b.lastRefill = now
		}
	}
	if b.tokens >= 1 {
		b.tokens--
		return allow
	}
	if b.policy.RefillRate <= 0 {
		return Decision{RetryAfter: time.Second}
	}
	wait := float64(1-b.tokens) / b.policy.RefillRate
	return Decision{RetryAfter: time.Duration(math.Ceil(wait)) * time.Second}
}

func (b *tokenBucket) lastActivity() time.Time { return b.seen }

func ceilSeconds(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Second
	}
	secs := math.Ceil(d.Seconds())
	return time.Duration(secs) * time.Second
}
