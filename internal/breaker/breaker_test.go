package breaker

import (
	"errors"
	"testing"
	"time"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := New()
	b.Configure("test", Config{FailureThreshold: 3, RecoveryTimeout: 50 * time.Millisecond})

	for i := 0; i < 2; i++ {
		if err := b.Allow("test"); err != nil {
			t.Fatalf("unexpected reject before threshold: %v", err)
		}
		b.Report("test", false)
	}

	if err := b.Allow("test"); err != nil {
		t.Fatalf("breaker should still be closed on the 2nd failure: %v", err)
	}
	b.Report("test", false)

	if b.State("test") != Open {
		t.Fatalf("expected Open after %d consecutive failures, got %s", 3, b.State("test"))
	}

	var openErr *ErrOpen
	err := b.Allow("test")
	if !errors.As(err, &openErr) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	b := New()
	b.Configure("test", Config{FailureThreshold: 1, RecoveryTimeout: 10 * time.Millisecond})

	b.Allow("test")
	b.Report("test", false)
	if b.State("test") != Open {
		t.Fatalf("expected Open")
	}

	time.Sleep(15 * time.Millisecond)
	if err := b.Allow("test"); err != nil {
		t.Fatalf("expected half-open probe to be allowed: %v", err)
	}
	b.Report("test", true)
	if b.State("test") != Closed {
		t.Fatalf("expected Closed after successful probe, got %s", b.State("test"))
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := New()
	b.Configure("test", Config{FailureThreshold: 1, RecoveryTimeout: 10 * time.Millisecond})

	b.Allow("test")
	b.Report("test", false)
	time.Sleep(15 * time.Millisecond)
	b.Allow("test") // transitions to HalfOpen
	b.Report("test", false)

	if b.State("test") != Open {
		t.Fatalf("expected re-Open after half-open failure, got %s", b.State("test"))
	}
}

func TestBreakerResetForcesClosed(t *testing.T) {
	b := New()
	b.Configure("test", Config{FailureThreshold: 1, RecoveryTimeout: time.Hour})
	b.Allow("test")
	b.Report("test", false)
	if b.State("test") != Open {
		t.Fatalf("expected Open")
	}
	b.Reset("test")
	if b.State("test") != Closed {
		t.Fatalf("expected Closed after Reset, got %s", b.State("test"))
	}
}

func TestBreakerIndependentClasses(t *testing.T) {
	b := New()
	b.Configure("a", Config{FailureThreshold: 1, RecoveryTimeout: time.Hour})
	b.Configure("b", Config{FailureThreshold: 1, RecoveryTimeout: time.Hour})

	b.Allow("a")
	b.Report("a", false)

	if b.State("a") != Open {
		t.Fatalf("class a should be open")
	}
	if b.State("b") != Closed {
		t.Fatalf("class b should be unaffected, got %s", b.State("b"))
	}
}

func TestBreakerUnconfiguredClassUsesDefault(t *testing.T) {
	b := New()
	if b.State("never-configured") != Closed {
		t.Fatalf("expected Closed for a fresh, unconfigured class")
	}
}
