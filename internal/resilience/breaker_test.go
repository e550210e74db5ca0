package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTest = errors.New("provider down")

func TestBreakerDefaults(t *testing.T) {
	b := New(Config{Name: "llm"}, nil)
	if b.tripAfter != 5 || b.coolOff != 30*time.Second || b.probes != 3 {
		t.Errorf("defaults = %d/%v/%d", b.tripAfter, b.coolOff, b.probes)
	}
	if b.State() != Closed {
		t.Errorf("initial state = %v", b.State())
	}
}

func TestBreakerClosedForwards(t *testing.T) {
	b := New(Config{Name: "tts"}, nil)
	called := false
	if err := b.Do(func() error { called = true; return nil }); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !called {
		t.Fatal("fn not called")
	}
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	b := New(Config{Name: "tts", TripAfter: 3, CoolOff: time.Hour}, nil)
	for i := 0; i < 3; i++ {
		_ = b.Do(func() error { return errTest })
	}
	if b.State() != Open {
		t.Fatalf("state = %v, want open", b.State())
	}

	called := false
	err := b.Do(func() error { called = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("Do = %v, want ErrOpen", err)
	}
	if called {
		t.Fatal("fn called while open")
	}
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	b := New(Config{Name: "tts", TripAfter: 3}, nil)
	_ = b.Do(func() error { return errTest })
	_ = b.Do(func() error { return errTest })
	_ = b.Do(func() error { return nil })
	_ = b.Do(func() error { return errTest })
	_ = b.Do(func() error { return errTest })
	if b.State() != Closed {
		t.Errorf("state = %v after interleaved success", b.State())
	}
}

func TestBreakerIgnoresCancellation(t *testing.T) {
	b := New(Config{Name: "tts", TripAfter: 2, CoolOff: time.Hour}, nil)
	// Barge-in cancels synthesis constantly; that must not trip the breaker.
	for i := 0; i < 10; i++ {
		_ = b.Do(func() error { return context.Canceled })
	}
	if b.State() != Closed {
		t.Errorf("state = %v, cancellations tripped the breaker", b.State())
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := New(Config{Name: "llm", TripAfter: 1, CoolOff: 10 * time.Millisecond, Probes: 2}, nil)
	_ = b.Do(func() error { return errTest })
	if b.State() != Open {
		t.Fatalf("state = %v, want open", b.State())
	}

	time.Sleep(15 * time.Millisecond)
	if b.State() != HalfOpen {
		t.Fatalf("state = %v, want half-open after cool-off", b.State())
	}

	for i := 0; i < 2; i++ {
		if err := b.Do(func() error { return nil }); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	if b.State() != Closed {
		t.Errorf("state = %v after successful probes", b.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := New(Config{Name: "llm", TripAfter: 1, CoolOff: 10 * time.Millisecond}, nil)
	_ = b.Do(func() error { return errTest })
	time.Sleep(15 * time.Millisecond)

	_ = b.Do(func() error { return errTest })
	if b.State() != Open {
		t.Errorf("state = %v, want reopened", b.State())
	}
}

func TestBeginRecordsOnce(t *testing.T) {
	b := New(Config{Name: "llm", TripAfter: 1, CoolOff: time.Hour}, nil)
	done, err := b.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	done(errTest)
	done(errTest) // second call is a no-op
	if b.State() != Open {
		t.Fatalf("state = %v", b.State())
	}
	if _, err := b.Begin(); !errors.Is(err, ErrOpen) {
		t.Errorf("Begin while open = %v", err)
	}
}
