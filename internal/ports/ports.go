// Package ports implements the scope-partitioned port allocator (C2,
// spec.md §4.2). Scopes are configuration-defined ranges of host or
// internal ports; the allocator hands out the lowest free port in a scope
// and tracks releases idempotently.
package ports

import (
	"fmt"
	"sync"
)

// ErrNoFreePort is returned when a scope's range is exhausted.
var ErrNoFreePort = fmt.Errorf("no free port available")

// Range is an inclusive [Low, High] port range for one scope.
type Range struct {
	Low  int
	High int
}

type scopeState struct {
	mu     sync.Mutex
	rng    Range
	inUse  map[int]bool
}

// Allocator leases/releases ports from named scopes (e.g. "host",
// "internal-http", "internal-https", "vpn1-host", "vpn2-host").
type Allocator struct {
	mu     sync.RWMutex
	scopes map[string]*scopeState
}

// New builds an allocator from a scope->range configuration map.
func New(ranges map[string]Range) *Allocator {
	a := &Allocator{scopes: make(map[string]*scopeState)}
	for name, r := range ranges {
		a.scopes[name] = &scopeState{rng: r, inUse: make(map[int]bool)}
	}
	return a
}

func (a *Allocator) scope(name string) (*scopeState, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.scopes[name]
	if !ok {
		return nil, fmt.Errorf("unknown port scope %q", name)
	}
	return s, nil
}

// Lease returns the lowest free port in scope, marking it in-use. Port
// allocation is serialized per scope (spec.md §5): no two leases on the
// same scope can return the same port.
func (a *Allocator) Lease(scope string) (int, error) {
	s, err := a.scope(scope)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for p := s.rng.Low; p <= s.rng.High; p++ {
		if !s.inUse[p] {
			s.inUse[p] = true
			return p, nil
		}
	}
	return 0, ErrNoFreePort
}

// Release frees a port. Idempotent: releasing an already-free (or unknown)
// port is a no-op, never an error.
func (a *Allocator) Release(scope string, port int) {
	s, err := a.scope(scope)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inUse, port)
}

// MarkInUse records a port as in-use without leasing it through the normal
// path. Used by the reconciler (C9) to restore allocator state for ports
// discovered in a running container's labels.
func (a *Allocator) MarkInUse(scope string, port int) error {
	s, err := a.scope(scope)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inUse[port] = true
	return nil
}

// InUse reports whether a port is currently leased in a scope.
func (a *Allocator) InUse(scope string, port int) bool {
	s, err := a.scope(scope)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inUse[port]
}

// Snapshot returns a copy of the in-use ports for a scope, for diagnostics.
func (a *Allocator) Snapshot(scope string) []int {
	s, err := a.scope(scope)
	if err != nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.inUse))
	for p := range s.inUse {
		out = append(out, p)
	}
	return out
}
