package broker

import (
	"testing"
	"time"
)

func TestBackoff_GrowsWithFailures(t *testing.T) {
	base := 100 * time.Millisecond
	max := 60 * time.Second

	// Below the ceiling the jittered delay for n failures lands in
	// [d/2, 1.5d) where d = base * 2^n.
	for failures := 0; failures < 5; failures++ {
		d := base * time.Duration(1<<uint(failures))
		got := Backoff(failures, base, max)
		if got < d/2 || got >= d+d/2 {
			t.Errorf("failures=%d: delay %v outside [%v, %v)", failures, got, d/2, d+d/2)
		}
	}
}

func TestBackoff_CapsAtMax(t *testing.T) {
	base := 1 * time.Second
	max := 5 * time.Second

	// The ceiling is absolute: jitter never pushes the delay past it.
	for i := 0; i < 2000; i++ {
		got := Backoff(30, base, max)
		if got > max {
			t.Fatalf("delay %v exceeds cap %v", got, max)
		}
		if got < max/2 {
			t.Fatalf("delay %v below jitter floor %v", got, max/2)
		}
	}
}

func TestBackoff_NegativeFailures(t *testing.T) {
	got := Backoff(-3, time.Second, time.Minute)
	if got <= 0 {
		t.Errorf("expected positive delay, got %v", got)
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := NewBreaker("test", 3)

	b.RecordFailure()
	b.RecordFailure()
	if b.State() != BreakerClosed {
		t.Error("should still be CLOSED after 2 failures")
	}
	if !b.Allow() {
		t.Error("closed breaker must allow attempts")
	}

	b.RecordFailure()
	if b.State() != BreakerOpen {
		t.Errorf("expected OPEN after 3 failures, got %s", b.State())
	}
	if b.Allow() {
		t.Error("open breaker must not allow attempts")
	}
}

func TestBreaker_StaysOpenWithoutProbe(t *testing.T) {
	b := NewBreaker("test", 1)
	b.RecordFailure()

	// No amount of waiting reopens the path; only an explicit probe
	// does.
	time.Sleep(20 * time.Millisecond)
	if b.Allow() {
		t.Error("open breaker must stay open until probed")
	}
	if b.State() != BreakerOpen {
		t.Errorf("expected OPEN, got %s", b.State())
	}
}

func TestBreaker_ProbeAndRecover(t *testing.T) {
	b := NewBreaker("test", 1)
	b.RecordFailure()

	if !b.Probe() {
		t.Fatal("probe on an open breaker must succeed")
	}
	if b.State() != BreakerHalfOpen {
		t.Fatalf("expected HALF_OPEN, got %s", b.State())
	}
	if !b.Allow() {
		t.Error("half-open breaker must allow the trial attempt")
	}

	b.RecordSuccess()
	if b.State() != BreakerClosed {
		t.Errorf("expected CLOSED after trial success, got %s", b.State())
	}
	if b.Failures() != 0 {
		t.Errorf("failure count %d after close", b.Failures())
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b := NewBreaker("test", 1)
	b.RecordFailure()
	b.Probe()

	b.RecordFailure()
	if b.State() != BreakerOpen {
		t.Errorf("expected re-OPEN after failed probe, got %s", b.State())
	}
	// Backoff restarts from its base after a failed probe.
	if b.Failures() != 0 {
		t.Errorf("failure count %d, want 0", b.Failures())
	}
}

func TestBreaker_ProbeOnClosedIsNoop(t *testing.T) {
	b := NewBreaker("test", 3)
	if b.Probe() {
		t.Error("probe on a closed breaker must return false")
	}
	if b.State() != BreakerClosed {
		t.Errorf("expected CLOSED, got %s", b.State())
	}
}
