// Package resilience guards the external provider calls of the voice
// pipeline with a three-state circuit breaker (closed → open → half-open).
//
// Voice calls make a provider request every sentence; a provider outage
// without a breaker means every turn eats the full retry-and-timeout budget
// and the caller hears dead air. With the breaker tripped, turns fail fast
// and the fallback utterance plays immediately.
//
// Context cancellation never counts as a failure: barge-in cancels in-flight
// synthesis on every interruption, and a talkative caller must not trip the
// TTS breaker.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned without calling the provider while the breaker is open.
var ErrOpen = errors.New("resilience: breaker open")

// State is the breaker's operating mode.
type State int

const (
	// Closed forwards all calls.
	Closed State = iota

	// Open rejects calls until the cool-off elapses.
	Open

	// HalfOpen lets a bounded number of probes through to test recovery.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Config tunes a Breaker. Zero fields select defaults.
type Config struct {
	// Name labels the breaker in logs ("llm", "tts").
	Name string

	// TripAfter is the consecutive-failure count that opens the breaker.
	// Default 5.
	TripAfter int

	// CoolOff is how long the breaker stays open before probing. Default 30 s.
	CoolOff time.Duration

	// Probes is the half-open probe budget. Default 3.
	Probes int

	// Ignore reports errors that should not count against the breaker.
	// Defaults to context cancellation and deadline expiry.
	Ignore func(error) bool
}

// Breaker is a three-state circuit breaker. Safe for concurrent use.
type Breaker struct {
	name      string
	tripAfter int
	coolOff   time.Duration
	probes    int
	ignore    func(error) bool
	logger    *slog.Logger

	mu         sync.Mutex
	state      State
	failures   int
	openedAt   time.Time
	probeCalls int
	probeFails int
}

// New creates a Breaker from cfg.
func New(cfg Config, logger *slog.Logger) *Breaker {
	if cfg.TripAfter <= 0 {
		cfg.TripAfter = 5
	}
	if cfg.CoolOff <= 0 {
		cfg.CoolOff = 30 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 3
	}
	if cfg.Ignore == nil {
		cfg.Ignore = func(err error) bool {
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		name:      cfg.Name,
		tripAfter: cfg.TripAfter,
		coolOff:   cfg.CoolOff,
		probes:    cfg.Probes,
		ignore:    cfg.Ignore,
		logger:    logger,
	}
}

// Do runs fn if the breaker admits the call, then records the outcome.
// Returns ErrOpen without calling fn while the breaker is open.
func (b *Breaker) Do(fn func() error) error {
	done, err := b.Begin()
	if err != nil {
		return err
	}
	err = fn()
	done(err)
	return err
}

// Begin admits one call for two-phase use around streaming operations: the
// returned done func records the call's eventual outcome and must be called
// exactly once. Returns ErrOpen while the breaker is open.
func (b *Breaker) Begin() (done func(error), err error) {
	probe, err := b.admit()
	if err != nil {
		return nil, err
	}
	var once sync.Once
	return func(callErr error) {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			switch {
			case callErr == nil || b.ignore(callErr):
				b.onSuccess(probe)
			default:
				b.onFailure(probe)
			}
		})
	}, nil
}

// State returns the effective state; an elapsed cool-off reads as half-open
// even though the stored transition happens on the next Do.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && time.Since(b.openedAt) >= b.coolOff {
		return HalfOpen
	}
	return b.state
}

func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if time.Since(b.openedAt) < b.coolOff {
			return false, ErrOpen
		}
		b.state = HalfOpen
		b.probeCalls = 0
		b.probeFails = 0
		b.logger.Info("breaker probing", "name", b.name)

	case HalfOpen:
		if b.probeCalls >= b.probes {
			return false, ErrOpen
		}
	}

	if b.state == HalfOpen {
		b.probeCalls++
		return true, nil
	}
	return false, nil
}

// onSuccess and onFailure run with b.mu held.

func (b *Breaker) onSuccess(probe bool) {
	if probe {
		if b.probeCalls-b.probeFails >= b.probes {
			b.state = Closed
			b.failures = 0
			b.probeCalls = 0
			b.probeFails = 0
			b.logger.Info("breaker closed", "name", b.name)
		}
		return
	}
	b.failures = 0
}

func (b *Breaker) onFailure(probe bool) {
	if probe {
		b.probeFails++
		b.state = Open
		b.openedAt = time.Now()
		b.logger.Warn("breaker reopened by failed probe", "name", b.name)
		return
	}
	b.failures++
	if b.failures >= b.tripAfter {
		b.state = Open
		b.openedAt = time.Now()
		b.logger.Warn("breaker opened", "name", b.name, "failures", b.failures)
	}
}
