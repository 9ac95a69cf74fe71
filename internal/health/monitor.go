// Package health implements the health monitor and replacement policy
// (C5, spec.md §4.5): polls every running engine's status endpoint and
// decides when an unhealthy engine is safe to replace.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/krinkuto11/acestream-orchestrator/internal/engineapi"
	"github.com/krinkuto11/acestream-orchestrator/internal/state"
)

// Config tunes the monitor (spec.md §6 knobs).
type Config struct {
	CheckInterval      time.Duration // default 20-30s
	FailureThreshold   int           // default 3
	ReplacementCooldown time.Duration // default 60s
	MinHealthy         int           // min_healthy engines to retain post-replacement
}

func (c Config) withDefaults() Config {
	if c.CheckInterval == 0 {
		c.CheckInterval = 25 * time.Second
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 3
	}
	if c.ReplacementCooldown == 0 {
		c.ReplacementCooldown = 60 * time.Second
	}
	return c
}

// Replacer is implemented by the orchestrator wiring layer: starts a
// replacement engine and, once it is healthy, stops the unhealthy one via
// the provisioner (spec.md §4.5 replacement policy).
type Replacer interface {
	// CountHealthy returns the current number of healthy engines.
	CountHealthy() int
	// StartReplacement provisions a new engine matching the unhealthy one's
	// VPN assignment and blocks until it is healthy or ctx is done,
	// returning its container ID.
	StartReplacement(ctx context.Context, unhealthy state.Engine) (string, error)
	// Stop removes an engine via the provisioner.
	Stop(ctx context.Context, containerID string) error
}

// Monitor runs the health-check loop.
type Monitor struct {
	cfg      Config
	store    *state.Store
	eapi     *engineapi.Client
	statusURL func(state.Engine) string
	replacer Replacer
	log      *slog.Logger

	mu             sync.Mutex
	lastReplacement time.Time
}

func New(cfg Config, store *state.Store, eapi *engineapi.Client, statusURL func(state.Engine) string, replacer Replacer, log *slog.Logger) *Monitor {
	return &Monitor{
		cfg:       cfg.withDefaults(),
		store:     store,
		eapi:      eapi,
		statusURL: statusURL,
		replacer:  replacer,
		log:       log,
	}
}

// Run blocks, ticking at CheckInterval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	engines := m.store.ListEngines(state.EngineFilter{})
	for _, e := range engines {
		m.checkOne(ctx, e)
	}
}

func (m *Monitor) checkOne(ctx context.Context, e state.Engine) {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := m.eapi.GetStatus(probeCtx, m.statusURL(e))
	if err == nil {
		m.store.ResetFailures(e.ContainerID)
		m.store.SetHealth(e.ContainerID, state.HealthHealthy)
		return
	}

	fails := m.store.IncrementFailures(e.ContainerID)
	if fails < m.cfg.FailureThreshold {
		return
	}

	m.store.SetHealth(e.ContainerID, state.HealthUnhealthy)
	m.log.Warn("engine unhealthy, candidate for replacement", "container_id", e.ContainerID, "consecutive_failures", fails)
	m.maybeReplace(ctx, e)
}

// maybeReplace enforces spec.md §4.5's replacement policy: additive
// replacement, gated by cooldown and the retained-healthy-count invariant.
func (m *Monitor) maybeReplace(ctx context.Context, unhealthy state.Engine) {
	m.mu.Lock()
	if time.Since(m.lastReplacement) < m.cfg.ReplacementCooldown {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if m.replacer == nil {
		return
	}
	// (a) sufficient remaining healthy count after replacement completes:
	// current healthy count already excludes `unhealthy` since SetHealth
	// was applied before this call.
	if m.replacer.CountHealthy() < m.cfg.MinHealthy {
		m.log.Warn("deferring replacement: would drop below min_healthy", "container_id", unhealthy.ContainerID)
		return
	}

	m.mu.Lock()
	m.lastReplacement = time.Now()
	m.mu.Unlock()

	newID, err := m.replacer.StartReplacement(ctx, unhealthy)
	if err != nil {
		m.log.Error("replacement provisioning failed", "error", err)
		return
	}
	// (b) the new engine is healthy: StartReplacement blocks until healthy
	// or failure, per its contract.
	if err := m.replacer.Stop(ctx, unhealthy.ContainerID); err != nil {
		m.log.Error("failed to stop replaced engine", "container_id", unhealthy.ContainerID, "error", err)
		return
	}
	m.log.Info("replacement complete", "old", unhealthy.ContainerID, "new", newID)
}
