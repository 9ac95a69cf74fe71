// Package reconciler implements C9 (spec.md §4.9): periodically
// synchronizes the state store with the runtime's actual container list,
// without destroying information during transient runtime outages.
package reconciler

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/krinkuto11/acestream-orchestrator/internal/ports"
	"github.com/krinkuto11/acestream-orchestrator/internal/provisioner"
	"github.com/krinkuto11/acestream-orchestrator/internal/runtime"
	"github.com/krinkuto11/acestream-orchestrator/internal/state"
)

// Config tunes the reconciler.
type Config struct {
	Interval      time.Duration // default 10s
	StartupGrace  time.Duration // window during which a starting engine isn't pruned

	// VPN1Container/VPN2Container mirror provisioner.Config: which Gluetun
	// container backs the "vpn1-host"/"vpn2-host" port scope, so an adopted
	// or pruned engine's host port is marked in/released from the scope it
	// actually leased from (spec.md §4.2), not always "host".
	VPN1Container string
	VPN2Container string
}

func (c Config) withDefaults() Config {
	if c.Interval == 0 {
		c.Interval = 10 * time.Second
	}
	if c.StartupGrace == 0 {
		c.StartupGrace = 15 * time.Second
	}
	return c
}

// Reconciler keeps state in sync with the runtime.
type Reconciler struct {
	cfg   Config
	rt    runtime.Engine
	store *state.Store
	ports *ports.Allocator
	log   *slog.Logger

	runtimeUnavailable atomic.Bool
	firstReconcileDone  atomic.Bool

	mu         sync.Mutex
	transitioning map[string]time.Time // containerID -> started_at, for the startup-grace check
}

func New(cfg Config, rt runtime.Engine, store *state.Store, pa *ports.Allocator, log *slog.Logger) *Reconciler {
	return &Reconciler{
		cfg:           cfg.withDefaults(),
		rt:            rt,
		store:         store,
		ports:         pa,
		log:           log,
		transitioning: make(map[string]time.Time),
	}
}

// NoteTransitioning marks a container as mid-provisioning so the reconciler
// doesn't prune it before the runtime list catches up.
func (r *Reconciler) NoteTransitioning(containerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitioning[containerID] = time.Now()
}

// Run blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

// RuntimeUnavailable reports whether the last reconcile pass could not
// reach the runtime at all.
func (r *Reconciler) RuntimeUnavailable() bool { return r.runtimeUnavailable.Load() }

// FirstReconcileDone reports whether at least one successful reconcile has
// completed; downstream components gate their first iterations on this
// (spec.md §4.9 step 4).
func (r *Reconciler) FirstReconcileDone() bool { return r.firstReconcileDone.Load() }

func (r *Reconciler) tick(ctx context.Context) {
	containers, err := r.listWithRetry(ctx)
	if err != nil {
		r.runtimeUnavailable.Store(true)
		r.log.Warn("reconciler: runtime unavailable, preserving cached state", "error", err)
		return
	}
	r.runtimeUnavailable.Store(false)

	byID := make(map[string]runtime.Container, len(containers))
	for _, c := range containers {
		byID[c.ID] = c
	}

	for _, c := range containers {
		if _, known := r.store.GetEngine(c.ID); !known {
			r.adopt(c)
		}
	}

	for _, e := range r.store.ListEngines(state.EngineFilter{}) {
		if _, present := byID[e.ContainerID]; present {
			continue
		}
		if r.isTransitioning(e.ContainerID) {
			continue
		}
		r.prune(e)
	}

	r.firstReconcileDone.Store(true)
}

func (r *Reconciler) listWithRetry(ctx context.Context) ([]runtime.Container, error) {
	backoffs := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		listCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		list, err := r.rt.ListManaged(listCtx, provisioner.LabelManaged, provisioner.LabelManagedValue)
		cancel()
		if err == nil {
			return list, nil
		}
		lastErr = err
		if attempt < len(backoffs) {
			select {
			case <-time.After(backoffs[attempt]):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, lastErr
}

func (r *Reconciler) isTransitioning(containerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	startedAt, ok := r.transitioning[containerID]
	if !ok {
		return false
	}
	if time.Since(startedAt) > r.cfg.StartupGrace {
		delete(r.transitioning, containerID)
		return false
	}
	return true
}

// hostScope mirrors provisioner.Provisioner.hostScope: the port-leasing
// scope a VPN-routed engine's host port actually comes from.
func (r *Reconciler) hostScope(vpnContainer string) string {
	switch vpnContainer {
	case "":
		return "host"
	case r.cfg.VPN1Container:
		return "vpn1-host"
	case r.cfg.VPN2Container:
		return "vpn2-host"
	default:
		return "host"
	}
}

// adopt restores an Engine from a runtime container's labels (§4.9 step 3a).
func (r *Reconciler) adopt(c runtime.Container) {
	e := &state.Engine{
		ContainerID:   c.ID,
		ContainerName: c.Name,
		Host:          c.Name,
		Labels:        c.Labels,
		HealthStatus:  state.HealthUnknown,
	}
	if vpn, ok := c.Labels[provisioner.LabelVPNContainer]; ok {
		e.VPNContainer = vpn
		// A VPN-routed engine shares its VPN container's network namespace
		// and has no resolvable hostname of its own (see provisioner.doCreate).
		e.Host = vpn
	}
	if fwd, ok := c.Labels[provisioner.LabelForwarded]; ok && fwd == "true" {
		e.Forwarded = true
	}

	hostScope := r.hostScope(e.VPNContainer)
	if p, ok := intLabel(c.Labels, provisioner.LabelHTTPPort); ok {
		e.Port = p
		_ = r.ports.MarkInUse("internal-http", p)
	}
	if p, ok := intLabel(c.Labels, provisioner.LabelHTTPSPort); ok {
		e.HTTPSPort = p
		_ = r.ports.MarkInUse("internal-https", p)
	}
	if p, ok := intLabel(c.Labels, provisioner.LabelHostHTTP); ok {
		_ = r.ports.MarkInUse(hostScope, p)
	}
	if p, ok := intLabel(c.Labels, provisioner.LabelHostHTTPS); ok {
		_ = r.ports.MarkInUse(hostScope, p)
	}
	r.store.UpsertEngine(e)
	r.log.Info("reconciler: adopted untracked container", "container_id", c.ID)
}

// prune removes an Engine that is no longer present in the runtime and
// wasn't mid-provisioning (§4.9 step 3b) — the only path by which
// externally-removed containers leave state.
func (r *Reconciler) prune(e state.Engine) {
	hostScope := r.hostScope(e.VPNContainer)
	if p, ok := intLabel(e.Labels, provisioner.LabelHTTPPort); ok {
		r.ports.Release("internal-http", p)
	}
	if p, ok := intLabel(e.Labels, provisioner.LabelHostHTTP); ok {
		r.ports.Release(hostScope, p)
	}
	if p, ok := intLabel(e.Labels, provisioner.LabelHTTPSPort); ok {
		r.ports.Release("internal-https", p)
	}
	if p, ok := intLabel(e.Labels, provisioner.LabelHostHTTPS); ok {
		r.ports.Release(hostScope, p)
	}
	r.store.RemoveEngine(e.ContainerID)
	r.log.Info("reconciler: pruned orphaned engine", "container_id", e.ContainerID)
}

func intLabel(labels map[string]string, key string) (int, bool) {
	v, ok := labels[key]
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
