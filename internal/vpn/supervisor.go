// Package vpn implements the VPN supervisor (C4, spec.md §4.4): one control
// loop per configured VPN container, classifying it healthy/unhealthy and
// detecting forwarded-port changes.
//
// Grounded on the teacher's per-resource control-loop shape (orchClient's
// cached status with a TTL, orchestrator_events.go) generalized from "poll
// a remote orchestrator" to "poll a runtime + a control API".
package vpn

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/krinkuto11/acestream-orchestrator/internal/engineapi"
	"github.com/krinkuto11/acestream-orchestrator/internal/runtime"
	"github.com/krinkuto11/acestream-orchestrator/internal/vpnapi"
)

// Status is the classification of one VPN container at a point in time.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// Transition is emitted to the autoscaler on every classification change
// or forwarded-port change (spec.md §4.4).
type Transition struct {
	VPNID          string
	OldStatus      Status
	NewStatus      Status
	ForwardedPort  int
	PortChanged    bool
}

// EngineConnectivityProbe reports whether a given engine, assigned to this
// VPN, currently has outbound connectivity — used for the double-check
// heuristic. Implemented by callers using internal/engineapi against each
// engine assigned to the VPN.
type EngineConnectivityProbe func(ctx context.Context, engineID string) (bool, error)

// Config tunes one VPN's supervisor loop.
type Config struct {
	VPNID               string
	ContainerID         string
	ControlAPIBaseURL   string
	CheckInterval       time.Duration // default 5s
	ForceRestartTimeout time.Duration // default 60s
	PortCacheTTL        time.Duration // default 60s
	RecoveryStabilize   time.Duration // default 2min
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.CheckInterval == 0 {
		out.CheckInterval = 5 * time.Second
	}
	if out.ForceRestartTimeout == 0 {
		out.ForceRestartTimeout = 60 * time.Second
	}
	if out.PortCacheTTL == 0 {
		out.PortCacheTTL = 60 * time.Second
	}
	if out.RecoveryStabilize == 0 {
		out.RecoveryStabilize = 2 * time.Minute
	}
	return out
}

// Supervisor runs the classification loop for a single VPN container.
type Supervisor struct {
	cfg     Config
	rt      runtime.Engine
	vapi    *vpnapi.Client
	eapi    *engineapi.Client
	onTrans func(Transition)
	engines func() []string // engine IDs currently assigned to this VPN
	probe   EngineConnectivityProbe
	log     *slog.Logger

	mu                  sync.Mutex
	status              Status
	unhealthySince       time.Time
	cachedPort           int
	portCachedAt         time.Time
	recoveryUntil        time.Time
}

// New builds a Supervisor. onTransition is called synchronously from the
// loop goroutine whenever a classification or port change occurs; keep it
// fast (spec.md's autoscaler trigger is a channel send / flag set).
func New(cfg Config, rt runtime.Engine, vapi *vpnapi.Client, eapi *engineapi.Client,
	assignedEngines func() []string, probe EngineConnectivityProbe, onTransition func(Transition), log *slog.Logger) *Supervisor {
	return &Supervisor{
		cfg:     cfg.withDefaults(),
		rt:      rt,
		vapi:    vapi,
		eapi:    eapi,
		onTrans: onTransition,
		engines: assignedEngines,
		probe:   probe,
		log:     log,
		status:  StatusUnknown,
	}
}

// Run blocks, ticking at CheckInterval until ctx is cancelled. In-flight
// classification passes are allowed to finish (spec.md §4.4 cancellation).
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Supervisor) tick(ctx context.Context) {
	newStatus, port, portChanged := s.classify(ctx)

	s.mu.Lock()
	old := s.status
	wasRecovering := old == StatusUnhealthy && newStatus == StatusHealthy
	s.status = newStatus
	if wasRecovering {
		s.recoveryUntil = time.Now().Add(s.cfg.RecoveryStabilize)
	}
	s.mu.Unlock()

	if old != newStatus || portChanged {
		s.log.Info("vpn classification", "vpn", s.cfg.VPNID, "old", old, "new", newStatus, "port", port, "port_changed", portChanged)
		s.onTrans(Transition{
			VPNID:         s.cfg.VPNID,
			OldStatus:     old,
			NewStatus:     newStatus,
			ForwardedPort: port,
			PortChanged:   portChanged,
		})
	}
}

// classify runs one iteration of the §4.4 algorithm.
func (s *Supervisor) classify(ctx context.Context) (status Status, port int, portChanged bool) {
	inspectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	c, err := s.rt.Inspect(inspectCtx, s.cfg.ContainerID)
	if err != nil || c.State != "running" {
		s.mu.Lock()
		if s.unhealthySince.IsZero() {
			s.unhealthySince = time.Now()
		}
		unhealthyFor := time.Since(s.unhealthySince)
		s.mu.Unlock()

		if unhealthyFor >= s.cfg.ForceRestartTimeout {
			s.log.Warn("vpn force-restart", "vpn", s.cfg.VPNID, "unhealthy_for", unhealthyFor)
			restartCtx, rcancel := context.WithTimeout(ctx, 30*time.Second)
			_ = s.rt.Stop(restartCtx, s.cfg.ContainerID, 10*time.Second)
			_ = s.rt.Start(restartCtx, s.cfg.ContainerID)
			rcancel()
			s.mu.Lock()
			s.unhealthySince = time.Time{}
			s.mu.Unlock()
		}
		return StatusUnhealthy, s.lastKnownPort(), false
	}

	s.mu.Lock()
	s.unhealthySince = time.Time{}
	s.mu.Unlock()

	// "running" alone doesn't rule out a dead tunnel: a container can stay
	// running while Docker's own HEALTHCHECK (Gluetun images ship one)
	// reports unhealthy. Only "unhealthy" is treated as a negative signal;
	// "" (no healthcheck configured), "starting" and "healthy" all pass.
	runtimeHealthy := c.Health != "unhealthy"

	if runtimeHealthy {
		port, portChanged = s.refreshForwardedPort(ctx)
		return StatusHealthy, port, portChanged
	}

	// Double-check via engine connectivity (§4.4 step 3): a failing
	// HEALTHCHECK can still leave outbound connectivity intact.
	if s.doubleCheck(ctx) {
		return StatusHealthy, s.lastKnownPort(), false
	}
	return StatusUnhealthy, s.lastKnownPort(), false
}

func (s *Supervisor) lastKnownPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cachedPort
}

func (s *Supervisor) refreshForwardedPort(ctx context.Context) (port int, changed bool) {
	s.mu.Lock()
	if time.Since(s.portCachedAt) < s.cfg.PortCacheTTL {
		p := s.cachedPort
		s.mu.Unlock()
		return p, false
	}
	s.mu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	p, err := s.vapi.PortForwarded(pctx)
	if err != nil {
		return s.lastKnownPort(), false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	changed = s.cachedPort != 0 && s.cachedPort != p
	s.cachedPort = p
	s.portCachedAt = time.Now()
	return p, changed
}

// doubleCheck implements §4.4 step 3: if any engine assigned to this VPN
// reports outbound connectivity, treat the VPN as healthy despite a
// negative runtime signal. Returns false (inconclusive treated as
// unhealthy) if there are no assigned engines to probe.
func (s *Supervisor) doubleCheck(ctx context.Context) bool {
	if s.engines == nil || s.probe == nil {
		return false
	}
	ids := s.engines()
	if len(ids) == 0 {
		return false
	}
	for _, id := range ids {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		connected, err := s.probe(pctx, id)
		cancel()
		if err == nil && connected {
			return true
		}
	}
	return false
}

// InRecovery reports whether this VPN is inside its post-recovery
// stabilization window; the autoscaler suspends grace-period cleanup for
// engines on this VPN while true (spec.md §4.4, §4.8).
func (s *Supervisor) InRecovery() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Now().Before(s.recoveryUntil)
}

// CurrentStatus returns the last classification.
func (s *Supervisor) CurrentStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}
