// Package autoscaler implements the pool controller (C8, spec.md §4.8):
// periodic and triggered scaling decisions across one or more VPNs.
package autoscaler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/krinkuto11/acestream-orchestrator/internal/provisioner"
	"github.com/krinkuto11/acestream-orchestrator/internal/state"
)

// Config tunes the autoscaler (spec.md §6 knobs).
type Config struct {
	Interval            time.Duration // default 30s
	MinFree             int           // MIN_FREE_REPLICAS
	MaxReplicas         int
	MaxStreamsPerEngine int
	GracePeriod         time.Duration // default 30s
	// LookaheadMargin is how many free slots below max_streams_per_engine
	// trigger provisioning ahead of saturation. Open Question decision
	// (SPEC_FULL.md): configurable, default 1 (i.e. trigger at
	// effective_load >= max_streams_per_engine - 1).
	LookaheadMargin int
}

func (c Config) withDefaults() Config {
	if c.Interval == 0 {
		c.Interval = 30 * time.Second
	}
	if c.GracePeriod == 0 {
		c.GracePeriod = 30 * time.Second
	}
	if c.LookaheadMargin == 0 {
		c.LookaheadMargin = 1
	}
	return c
}

// VPNInfo is one VPN's current status as seen by the autoscaler.
type VPNInfo struct {
	ID        string
	Healthy   bool
	InRecovery bool
}

// Deps are the collaborators the autoscaler drives; injected so this
// package never imports vpn/provisioner's wiring directly (unidirectional
// dependency, spec.md §9).
type Deps struct {
	Store       *state.Store
	Provisioner *provisioner.Provisioner
	ListVPNs    func() []VPNInfo // empty slice in no-VPN mode
	Image       string
	BaseEnv     []string
	PendingFor  func(engineKey string) int
}

// Autoscaler runs the §4.8 algorithm on a ticker and on explicit triggers.
type Autoscaler struct {
	cfg     Config
	deps    Deps
	log     *slog.Logger
	trigger chan struct{}

	mu          sync.Mutex
	idleSince   map[string]time.Time
}

func New(cfg Config, deps Deps, log *slog.Logger) *Autoscaler {
	return &Autoscaler{
		cfg:       cfg.withDefaults(),
		deps:      deps,
		log:       log,
		trigger:   make(chan struct{}, 1),
		idleSince: make(map[string]time.Time),
	}
}

// Trigger requests an out-of-band tick (VPN port change, replacement
// needed); non-blocking, coalesces bursts.
func (a *Autoscaler) Trigger() {
	select {
	case a.trigger <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled.
func (a *Autoscaler) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.tick(ctx)
		case <-a.trigger:
			a.tick(ctx)
		}
	}
}

func (a *Autoscaler) effectiveLoad(e state.Engine) int {
	load := e.EffectiveLoad()
	if a.deps.PendingFor != nil {
		load += a.deps.PendingFor(e.ContainerID)
	}
	return load
}

func (a *Autoscaler) tick(ctx context.Context) {
	engines := a.deps.Store.ListEngines(state.EngineFilter{})
	vpns := []VPNInfo{}
	if a.deps.ListVPNs != nil {
		vpns = a.deps.ListVPNs()
	}

	toProvision := a.planProvisions(engines, vpns)
	a.runProvisions(ctx, toProvision)
	a.runIdleCleanup(ctx, engines, vpns)
}

type provisionPlan struct {
	vpnID     string
	forwarded bool
	port      int
	class     string
}

// planProvisions implements §4.8 steps 1-6.
func (a *Autoscaler) planProvisions(engines []state.Engine, vpns []VPNInfo) []provisionPlan {
	lookahead := 0
	for _, e := range engines {
		if a.effectiveLoad(e) >= a.cfg.MaxStreamsPerEngine-a.cfg.LookaheadMargin {
			lookahead++
		}
	}

	free := 0
	for _, e := range engines {
		if a.effectiveLoad(e) == 0 && e.HealthStatus == state.HealthHealthy {
			free++
		}
	}
	needed := lookahead
	if deficit := a.cfg.MinFree - free; deficit > 0 {
		needed += deficit
	}

	cap := a.cfg.MaxReplicas - len(engines)
	if cap < 0 {
		cap = 0
	}
	if needed > cap {
		needed = cap
	}
	if needed <= 0 {
		return nil
	}

	plans := make([]provisionPlan, 0, needed)
	healthyVPNs := make([]VPNInfo, 0, len(vpns))
	for _, v := range vpns {
		if v.Healthy {
			healthyVPNs = append(healthyVPNs, v)
		}
	}

	if len(vpns) == 0 {
		hasForwarded := false
		for _, e := range engines {
			if e.Forwarded {
				hasForwarded = true
				break
			}
		}
		for i := 0; i < needed; i++ {
			plans = append(plans, provisionPlan{forwarded: !hasForwarded && i == 0, class: classFor(i)})
		}
		return plans
	}

	if len(healthyVPNs) == 0 {
		// Open Question decision (SPEC_FULL.md): both VPNs unhealthy in
		// redundant mode skips provisioning entirely, non-destructively.
		a.log.Warn("no healthy vpn available, skipping provisioning this tick")
		return nil
	}

	countByVPN := map[string]int{}
	forwardedByVPN := map[string]bool{}
	for _, e := range engines {
		countByVPN[e.VPNContainer]++
		if e.Forwarded {
			forwardedByVPN[e.VPNContainer] = true
		}
	}

	for i := 0; i < needed; i++ {
		sort.Slice(healthyVPNs, func(x, y int) bool {
			return countByVPN[healthyVPNs[x].ID] < countByVPN[healthyVPNs[y].ID]
		})
		v := healthyVPNs[0]
		forwarded := !forwardedByVPN[v.ID]
		plans = append(plans, provisionPlan{vpnID: v.ID, forwarded: forwarded, class: classFor(i)})
		countByVPN[v.ID]++
		if forwarded {
			forwardedByVPN[v.ID] = true
		}
	}
	return plans
}

func classFor(i int) string {
	return provisioner.ClassGeneral
}

func (a *Autoscaler) runProvisions(ctx context.Context, plans []provisionPlan) {
	for _, p := range plans {
		spec := provisioner.Spec{
			Image:   a.deps.Image,
			Env:     a.deps.BaseEnv,
			Forwarded: p.forwarded,
		}
		if p.vpnID != "" {
			spec.VPNContainer = p.vpnID
			spec.VPNNetworkMode = "container:" + p.vpnID
		}
		if _, err := a.deps.Provisioner.Provision(ctx, p.class, spec); err != nil {
			a.log.Warn("provisioning deferred", "error", err, "vpn", p.vpnID)
		}
	}
}

// runIdleCleanup implements §4.8 step 8.
func (a *Autoscaler) runIdleCleanup(ctx context.Context, engines []state.Engine, vpns []VPNInfo) {
	recovering := map[string]bool{}
	for _, v := range vpns {
		recovering[v.ID] = v.InRecovery
	}

	a.mu.Lock()
	for _, e := range engines {
		if a.effectiveLoad(e) == 0 && !e.Forwarded {
			if _, tracked := a.idleSince[e.ContainerID]; !tracked {
				a.idleSince[e.ContainerID] = time.Now()
			}
		} else {
			delete(a.idleSince, e.ContainerID)
		}
	}
	for id := range a.idleSince {
		stillExists := false
		for _, e := range engines {
			if e.ContainerID == id {
				stillExists = true
				break
			}
		}
		if !stillExists {
			delete(a.idleSince, id)
		}
	}
	snapshot := make(map[string]time.Time, len(a.idleSince))
	for k, v := range a.idleSince {
		snapshot[k] = v
	}
	a.mu.Unlock()

	for _, e := range engines {
		since, tracked := snapshot[e.ContainerID]
		if !tracked {
			continue
		}
		if recovering[e.VPNContainer] {
			continue
		}
		if time.Since(since) >= a.cfg.GracePeriod {
			if err := a.deps.Provisioner.Stop(ctx, e.ContainerID); err != nil {
				a.log.Warn("idle cleanup stop failed", "container_id", e.ContainerID, "error", err)
				continue
			}
			a.mu.Lock()
			delete(a.idleSince, e.ContainerID)
			a.mu.Unlock()
		}
	}
}

// ScaleTo implements the scale_to(n) API: selects removable engines
// preferring idle, non-forwarded, unhealthy ones first (spec.md §4.8).
func (a *Autoscaler) ScaleTo(ctx context.Context, n int) error {
	engines := a.deps.Store.ListEngines(state.EngineFilter{})
	if len(engines) <= n {
		return nil
	}
	removable := append([]state.Engine{}, engines...)
	sort.Slice(removable, func(i, j int) bool {
		a1, b1 := removable[i], removable[j]
		ai := a.effectiveLoad(a1) == 0
		bi := a.effectiveLoad(b1) == 0
		if ai != bi {
			return ai // idle first
		}
		if a1.Forwarded != b1.Forwarded {
			return !a1.Forwarded // non-forwarded first
		}
		return a1.HealthStatus == state.HealthUnhealthy && b1.HealthStatus != state.HealthUnhealthy
	})

	toRemove := len(engines) - n
	for i := 0; i < toRemove && i < len(removable); i++ {
		if err := a.deps.Provisioner.Stop(ctx, removable[i].ContainerID); err != nil {
			a.log.Warn("scale_to stop failed", "container_id", removable[i].ContainerID, "error", err)
		}
	}
	return nil
}
