package breaker

import (
	"testing"
	"time"

	"hooktail"
)

func testBreaker(policy hooktail.BreakerPolicy) (*Breaker, *time.Time) {
	b := New(policy)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	b, _ := testBreaker(hooktail.BreakerPolicy{
		FailureThreshold: 5,
		VolumeThreshold:  10,
		ResetTimeout:     time.Second,
	})

	for i := 0; i < 9; i++ {
		b.Record(false, 10*time.Millisecond, false)
	}
	if b.State() != Closed {
		t.Fatal("below volume threshold the circuit stays closed")
	}
	b.Record(false, 10*time.Millisecond, false)
	if b.State() != Open {
		t.Fatalf("state = %v, want OPEN", b.State())
	}
}

func TestOpenRejectsWithRetryAfter(t *testing.T) {
	b, now := testBreaker(hooktail.BreakerPolicy{
		FailureThreshold: 5,
		VolumeThreshold:  10,
		ResetTimeout:     time.Second,
	})
	for i := 0; i < 10; i++ {
		b.Record(false, 10*time.Millisecond, false)
	}

	ok, retryAfter := b.Allow()
	if ok {
		t.Fatal("open circuit must reject")
	}
	if retryAfter != time.Second {
		t.Errorf("retryAfter = %v, want 1s", retryAfter)
	}

	// After the reset timeout a probe is allowed and the circuit half-opens.
	*now = now.Add(time.Second)
	ok, _ = b.Allow()
	if !ok {
		t.Fatal("probe after reset timeout must be allowed")
	}
	if b.State() != HalfOpen {
		t.Fatalf("state = %v, want HALF_OPEN", b.State())
	}

	// Two consecutive successes close the circuit.
	b.Record(true, 10*time.Millisecond, false)
	if b.State() != HalfOpen {
		t.Fatal("one success is not enough to close")
	}
	b.Record(true, 10*time.Millisecond, false)
	if b.State() != Closed {
		t.Fatalf("state = %v, want CLOSED", b.State())
	}
}

func TestHalfOpenReopensOnFailure(t *testing.T) {
	b, now := testBreaker(hooktail.BreakerPolicy{
		FailureThreshold: 5,
		VolumeThreshold:  10,
		ResetTimeout:     time.Second,
	})
	for i := 0; i < 10; i++ {
		b.Record(false, 10*time.Millisecond, false)
	}
	*now = now.Add(time.Second)
	if ok, _ := b.Allow(); !ok {
		t.Fatal("probe should be allowed")
	}
	b.Record(false, 10*time.Millisecond, false)
	if b.State() != Open {
		t.Fatalf("state = %v, want OPEN after probe failure", b.State())
	}
}

func TestOpensOnErrorRate(t *testing.T) {
	b, _ := testBreaker(hooktail.BreakerPolicy{
		FailureThreshold: 100, // unreachable; trip on rate instead
		VolumeThreshold:  10,
		ErrorThreshold:   50,
		ResetTimeout:     time.Second,
	})
	// Alternate success/failure: 50% error rate at volume 10.
	for i := 0; i < 10; i++ {
		b.Record(i%2 == 0, 10*time.Millisecond, false)
	}
	if b.State() != Open {
		t.Fatalf("state = %v, want OPEN at 50%% error rate", b.State())
	}
}

func TestOpensOnSlowCallRate(t *testing.T) {
	b, _ := testBreaker(hooktail.BreakerPolicy{
		FailureThreshold:      100,
		VolumeThreshold:       10,
		ErrorThreshold:        100,
		SlowCallRateThreshold: 80,
		SlowCallThreshold:     time.Second,
		ResetTimeout:          time.Second,
	})
	for i := 0; i < 9; i++ {
		b.Record(true, 2*time.Second, false)
	}
	// Nine slow successes then one slow failure: 100% slow rate.
	b.Record(false, 2*time.Second, false)
	if b.State() != Open {
		t.Fatalf("state = %v, want OPEN at slow-call rate", b.State())
	}
}

func TestTimeoutCountsAsFailure(t *testing.T) {
	b, _ := testBreaker(hooktail.BreakerPolicy{
		FailureThreshold: 5,
		VolumeThreshold:  5,
		ResetTimeout:     time.Second,
	})
	for i := 0; i < 5; i++ {
		b.Record(true, 10*time.Millisecond, true) // success flag overridden by timeout
	}
	if b.State() != Open {
		t.Fatalf("state = %v, want OPEN after timeouts", b.State())
	}
}

func TestWindowExpiryKeepsCircuitClosed(t *testing.T) {
	b, now := testBreaker(hooktail.BreakerPolicy{
		FailureThreshold: 100,
		VolumeThreshold:  10,
		ErrorThreshold:   50,
		MonitoringPeriod: time.Minute,
		ResetTimeout:     time.Second,
	})
	for i := 0; i < 9; i++ {
		b.Record(false, 10*time.Millisecond, false)
	}
	// The old failures age out of the monitoring window.
	*now = now.Add(2 * time.Minute)
	b.Record(false, 10*time.Millisecond, false)
	if b.State() != Closed {
		t.Fatalf("state = %v, want CLOSED once window expired", b.State())
	}
}

func TestRegistryUsesOverride(t *testing.T) {
	r := NewRegistry(hooktail.BreakerPolicy{FailureThreshold: 5})
	override := &hooktail.BreakerPolicy{FailureThreshold: 2, VolumeThreshold: 2, ResetTimeout: time.Second}
	b := r.For("sub-1", override)
	if b != r.For("sub-1", nil) {
		t.Fatal("registry must return the same breaker per key")
	}
	b.Record(false, time.Millisecond, false)
	b.Record(false, time.Millisecond, false)
	if b.State() != Open {
		t.Errorf("state = %v, want OPEN with override thresholds", b.State())
	}
}
