// Package selector implements the engine selector (C13, spec.md §4.7):
// given a stream request, picks the least-loaded eligible engine and
// reserves a pending allocation slot on it.
package selector

import (
	"fmt"
	"sort"
	"sync"

	"github.com/krinkuto11/acestream-orchestrator/internal/state"
)

// ErrNoCapacity is returned when no engine has a free slot.
var ErrNoCapacity = fmt.Errorf("no capacity: all eligible engines at max_streams_per_engine")

// VPNHealthChecker reports whether an engine's assigned VPN (if any) is
// currently healthy. Engines with no VPN are always eligible on this axis.
type VPNHealthChecker func(vpnContainer string) bool

// Selection is the result handed back to the stream endpoint.
type Selection struct {
	EngineKey string // == container ID
	Host      string
	Port      int
}

// Selector tracks pending allocations separately from the state store,
// since a pending allocation exists only between selection and the
// stream_started event (spec.md §4.7 step 5).
type Selector struct {
	store            *state.Store
	maxStreamsPerEngine int
	vpnHealthy       VPNHealthChecker

	mu      sync.Mutex
	pending map[string]int // engineKey -> count
}

func New(store *state.Store, maxStreamsPerEngine int, vpnHealthy VPNHealthChecker) *Selector {
	return &Selector{
		store:            store,
		maxStreamsPerEngine: maxStreamsPerEngine,
		vpnHealthy:       vpnHealthy,
		pending:          make(map[string]int),
	}
}

func (s *Selector) pendingCount(engineKey string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending[engineKey]
}

// Select runs the §4.7 layer-fill algorithm and reserves a pending
// allocation on the winner. Callers MUST call ReleasePending(engineKey)
// once stream_started is recorded, or on failure.
func (s *Selector) Select() (Selection, error) {
	candidates := s.store.ListEngines(state.EngineFilter{})

	type scored struct {
		engine       state.Engine
		effectiveLoad int
	}
	eligible := make([]scored, 0, len(candidates))
	for _, e := range candidates {
		if e.HealthStatus == state.HealthUnhealthy {
			continue
		}
		if e.VPNContainer != "" && s.vpnHealthy != nil && !s.vpnHealthy(e.VPNContainer) {
			continue
		}
		load := e.EffectiveLoad() + s.pendingCount(e.ContainerID)
		if load >= s.maxStreamsPerEngine {
			continue
		}
		eligible = append(eligible, scored{engine: e, effectiveLoad: load})
	}
	if len(eligible) == 0 {
		return Selection{}, ErrNoCapacity
	}

	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.effectiveLoad != b.effectiveLoad {
			return a.effectiveLoad < b.effectiveLoad
		}
		if a.engine.Forwarded != b.engine.Forwarded {
			return a.engine.Forwarded // forwarded sorts first
		}
		return a.engine.LastStreamUsage.Before(b.engine.LastStreamUsage)
	})

	winner := eligible[0].engine

	s.mu.Lock()
	s.pending[winner.ContainerID]++
	s.mu.Unlock()

	return Selection{
		EngineKey: winner.ContainerID,
		Host:      winner.Host,
		Port:      winner.Port,
	}, nil
}

// ReleasePending removes one pending reservation for an engine. Idempotent
// against over-release (never goes negative).
func (s *Selector) ReleasePending(engineKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending[engineKey] > 0 {
		s.pending[engineKey]--
	}
	if s.pending[engineKey] == 0 {
		delete(s.pending, engineKey)
	}
}

// PendingFor reports the current pending-allocation count for an engine,
// used by the autoscaler's effective_load computation.
func (s *Selector) PendingFor(engineKey string) int {
	return s.pendingCount(engineKey)
}
