// Package breaker implements the per-operation-class circuit breaker from
// spec.md §4.6.
//
// Generalized from the teacher's EngineFailureTracker
// (engine_failure_tracker.go), which keys consecutive-failure state by
// container ID and has an implicit two-state (open/not-open) breaker per
// engine. Here the key is an operation class ("general_provisioning",
// "replacement_provisioning", ...) and the state machine is the explicit
// three-state CLOSED/OPEN/HALF_OPEN one spec.md calls for.
package breaker

import (
	"fmt"
	"sync"
	"time"
)

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Allow when the breaker rejects an operation.
type ErrOpen struct {
	Class       string
	RecoveryETA time.Duration
}

func (e *ErrOpen) Error() string {
	return fmt.Sprintf("circuit breaker open for %q, retry in %s", e.Class, e.RecoveryETA)
}

// Config tunes a single class's thresholds.
type Config struct {
	FailureThreshold int           // consecutive failures before OPEN
	RecoveryTimeout  time.Duration // OPEN -> HALF_OPEN after this elapses
}

var DefaultConfig = Config{FailureThreshold: 5, RecoveryTimeout: 300 * time.Second}

type classState struct {
	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	openedAt            time.Time
	cfg                 Config
}

// Breaker tracks independent circuit state per operation class.
type Breaker struct {
	mu      sync.Mutex
	classes map[string]*classState
	configs map[string]Config
}

// New creates a breaker. Per-class configs can be supplied via Configure;
// classes not explicitly configured fall back to DefaultConfig.
func New() *Breaker {
	return &Breaker{
		classes: make(map[string]*classState),
		configs: make(map[string]Config),
	}
}

// Configure sets the thresholds for a given operation class. Must be called
// before the class is first used, or it is a no-op for that class.
func (b *Breaker) Configure(class string, cfg Config) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.configs[class] = cfg
}

func (b *Breaker) getOrCreate(class string) *classState {
	b.mu.Lock()
	defer b.mu.Unlock()
	cs, ok := b.classes[class]
	if !ok {
		cfg, ok := b.configs[class]
		if !ok {
			cfg = DefaultConfig
		}
		cs = &classState{state: Closed, cfg: cfg}
		b.classes[class] = cs
	}
	return cs
}

// Allow reports whether an operation of the given class may proceed. When it
// returns an error, the operation must not be attempted; the caller should
// surface ErrOpen's RecoveryETA to its own caller (spec.md §6/§7).
func (b *Breaker) Allow(class string) error {
	cs := b.getOrCreate(class)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	switch cs.state {
	case Closed:
		return nil
	case Open:
		elapsed := time.Since(cs.openedAt)
		if elapsed >= cs.cfg.RecoveryTimeout {
			cs.state = HalfOpen
			return nil
		}
		return &ErrOpen{Class: class, RecoveryETA: cs.cfg.RecoveryTimeout - elapsed}
	case HalfOpen:
		// Every caller is let through while half-open; the number of
		// concurrent probes is not limited to one. The first Report either
		// closes or re-opens the breaker.
		return nil
	default:
		return nil
	}
}

// Report records the outcome of a gated operation. Every call to Allow that
// returned nil must be paired with exactly one Report call.
func (b *Breaker) Report(class string, success bool) {
	cs := b.getOrCreate(class)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if success {
		cs.consecutiveFailures = 0
		cs.state = Closed
		return
	}

	cs.consecutiveFailures++
	switch cs.state {
	case HalfOpen:
		cs.state = Open
		cs.openedAt = time.Now()
	case Closed:
		if cs.consecutiveFailures >= cs.cfg.FailureThreshold {
			cs.state = Open
			cs.openedAt = time.Now()
		}
	}
}

// State returns the current state of a class, for status reporting.
func (b *Breaker) State(class string) State {
	cs := b.getOrCreate(class)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.state == Open && time.Since(cs.openedAt) >= cs.cfg.RecoveryTimeout {
		return HalfOpen
	}
	return cs.state
}

// Reset forces a class back to CLOSED. Administrative action only
// (spec.md §4.6).
func (b *Breaker) Reset(class string) {
	cs := b.getOrCreate(class)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.state = Closed
	cs.consecutiveFailures = 0
}
