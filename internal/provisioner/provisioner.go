// Package provisioner implements C7 (spec.md §4.1 note in §2, table row
// C7): the only component allowed to create or stop managed containers,
// so that port release and label bookkeeping are never bypassed
// (invariant: "direct runtime.stop(container) is never called outside the
// provisioner's stop path", spec.md §8).
package provisioner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/krinkuto11/acestream-orchestrator/internal/breaker"
	"github.com/krinkuto11/acestream-orchestrator/internal/ports"
	"github.com/krinkuto11/acestream-orchestrator/internal/runtime"
	"github.com/krinkuto11/acestream-orchestrator/internal/state"
)

// Label keys owned by this package (spec.md §6).
const (
	LabelManaged      = "orchestrator.managed"
	LabelManagedValue = "acestream"
	LabelHTTPPort     = "acestream.http_port"
	LabelHTTPSPort    = "acestream.https_port"
	LabelHostHTTP     = "host.http_port"
	LabelHostHTTPS    = "host.https_port"
	LabelVPNContainer = "acestream.vpn_container"
	LabelForwarded    = "acestream.forwarded"
)

// Spec requests a new engine container.
type Spec struct {
	Image          string
	VPNContainer   string // "" if no-VPN mode
	VPNNetworkMode string // "container:<id>", "" if no-VPN mode
	Forwarded      bool
	ForwardedPort  int // passed as P2P_PORT env when Forwarded
	Env            []string
}

// Result is what the caller (autoscaler, API handler) gets back.
type Result struct {
	ContainerID      string
	ContainerName    string
	HostHTTPPort     int
	ContainerHTTPPort int
	ContainerHTTPSPort int
}

// ErrNoFreePort, *VPNUnhealthyError and *breaker.ErrOpen are the permanent/
// transient error kinds §7 names for this component.
var ErrNoFreePort = fmt.Errorf("no free port available")

// VPNUnhealthyError gates provisioning when the target VPN isn't healthy.
type VPNUnhealthyError struct{ VPN string }

func (e *VPNUnhealthyError) Error() string { return fmt.Sprintf("vpn %q is unhealthy", e.VPN) }

// Config tunes rate limiting (spec.md §4.8, §5).
type Config struct {
	MaxConcurrent       int           // default 5
	MinInterval         time.Duration // default 500ms
	StopTimeout         time.Duration // default 10s

	// VPN1Container/VPN2Container are the Gluetun container names backing
	// the "vpn1-host"/"vpn2-host" port scopes (internal/config.go's
	// PortRanges). Redundant-VPN mode gives each VPN its own host-port
	// range (spec.md §4.2); an engine routed through VPN1 must lease from
	// vpn1-host, not compete with VPN2's or no-VPN engines' ports.
	VPN1Container string
	VPN2Container string
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 5
	}
	if c.MinInterval <= 0 {
		c.MinInterval = 500 * time.Millisecond
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	return c
}

// VPNHealthChecker lets the provisioner gate creation on current VPN
// health without importing the vpn package (avoids an import cycle; the
// orchestrator wiring layer supplies this).
type VPNHealthChecker func(vpnContainer string) (healthy bool)

// Provisioner creates/stops engines, the only component permitted to touch
// the runtime's lifecycle for managed containers (spec.md §2 ownership
// note).
type Provisioner struct {
	cfg     Config
	rt      runtime.Engine
	ports   *ports.Allocator
	store   *state.Store
	breaker *breaker.Breaker
	vpnOK   VPNHealthChecker

	// sem bounds the number of in-flight creates, the same shape as
	// turtlefinder's workersem: a weighted semaphore sized to max_concurrent.
	sem       *semaphore.Weighted
	mu        sync.Mutex
	lastStart time.Time
}

func New(cfg Config, rt runtime.Engine, pa *ports.Allocator, store *state.Store, br *breaker.Breaker, vpnOK VPNHealthChecker) *Provisioner {
	cfg = cfg.withDefaults()
	return &Provisioner{
		cfg:     cfg,
		rt:      rt,
		ports:   pa,
		store:   store,
		breaker: br,
		vpnOK:   vpnOK,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}
}

// breakerClass selects which circuit-breaker class gates this call
// (spec.md §4.6: at minimum general_provisioning and replacement_provisioning).
const (
	ClassGeneral     = "general_provisioning"
	ClassReplacement = "replacement_provisioning"
)

// Provision creates one engine, gated by rate limits, VPN health, and the
// circuit breaker. class selects which breaker bucket to use.
func (p *Provisioner) Provision(ctx context.Context, class string, spec Spec) (Result, error) {
	if spec.VPNContainer != "" && p.vpnOK != nil && !p.vpnOK(spec.VPNContainer) {
		return Result{}, &VPNUnhealthyError{VPN: spec.VPNContainer}
	}
	if err := p.breaker.Allow(class); err != nil {
		return Result{}, err
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return Result{}, err
	}
	defer p.sem.Release(1)

	p.throttle()

	result, err := p.doCreate(ctx, spec)
	p.breaker.Report(class, err == nil)
	return result, err
}

func (p *Provisioner) throttle() {
	p.mu.Lock()
	wait := p.cfg.MinInterval - time.Since(p.lastStart)
	if wait > 0 {
		p.mu.Unlock()
		time.Sleep(wait)
		p.mu.Lock()
	}
	p.lastStart = time.Now()
	p.mu.Unlock()
}

// hostScope picks the port-leasing scope for an engine's host-side port:
// "vpn1-host"/"vpn2-host" when the engine is routed through the matching
// VPN container, "host" otherwise (spec.md §4.2).
func (p *Provisioner) hostScope(vpnContainer string) string {
	switch vpnContainer {
	case "":
		return "host"
	case p.cfg.VPN1Container:
		return "vpn1-host"
	case p.cfg.VPN2Container:
		return "vpn2-host"
	default:
		return "host"
	}
}

func (p *Provisioner) doCreate(ctx context.Context, spec Spec) (Result, error) {
	httpPort, err := p.ports.Lease("internal-http")
	if err != nil {
		return Result{}, ErrNoFreePort
	}
	hostScope := p.hostScope(spec.VPNContainer)
	hostHTTPPort, err := p.ports.Lease(hostScope)
	if err != nil {
		p.ports.Release("internal-http", httpPort)
		return Result{}, ErrNoFreePort
	}

	labels := map[string]string{
		LabelManaged:  LabelManagedValue,
		LabelHTTPPort: fmt.Sprintf("%d", httpPort),
		LabelHostHTTP: fmt.Sprintf("%d", hostHTTPPort),
	}
	if spec.VPNContainer != "" {
		labels[LabelVPNContainer] = spec.VPNContainer
	}
	if spec.Forwarded {
		labels[LabelForwarded] = "true"
	}

	env := append([]string{}, spec.Env...)
	if spec.Forwarded && spec.ForwardedPort != 0 {
		env = append(env, fmt.Sprintf("P2P_PORT=%d", spec.ForwardedPort))
	}

	// Name the container ourselves rather than let Docker assign a random
	// one: it becomes Engine.Host, the hostname other managed containers
	// resolve it by on the Docker network.
	name := fmt.Sprintf("acestream-%s", uuid.NewString()[:8])

	// A VPN-routed engine shares its VPN container's network namespace
	// (NetworkMode "container:<id>" below), so it has no IP or hostname of
	// its own — callers must reach it through the VPN container's name.
	host := name
	if spec.VPNContainer != "" {
		host = spec.VPNContainer
	}

	createSpec := runtime.CreateSpec{
		Name:   name,
		Image:  spec.Image,
		Env:    env,
		Labels: labels,
		Ports: []runtime.PortBinding{
			{ContainerPort: fmt.Sprintf("%d/tcp", httpPort), HostPort: hostHTTPPort},
		},
		NetworkMode: spec.VPNNetworkMode,
	}

	id, err := p.rt.Create(ctx, createSpec)
	if err != nil {
		p.ports.Release("internal-http", httpPort)
		p.ports.Release(hostScope, hostHTTPPort)
		return Result{}, err
	}
	if err := p.rt.Start(ctx, id); err != nil {
		p.ports.Release("internal-http", httpPort)
		p.ports.Release(hostScope, hostHTTPPort)
		return Result{}, err
	}

	p.store.UpsertEngine(&state.Engine{
		ContainerID:   id,
		ContainerName: name,
		Host:          host,
		Port:          httpPort,
		Labels:        labels,
		VPNContainer:  spec.VPNContainer,
		Forwarded:     spec.Forwarded,
		HealthStatus:  state.HealthUnknown,
	})

	return Result{
		ContainerID:       id,
		ContainerName:     name,
		HostHTTPPort:      hostHTTPPort,
		ContainerHTTPPort: httpPort,
	}, nil
}

// Stop stops and removes an engine, releasing its ports. This is the only
// sanctioned path to terminate a managed container (spec.md §8 invariant 7).
func (p *Provisioner) Stop(ctx context.Context, containerID string) error {
	engine, ok := p.store.GetEngine(containerID)
	if !ok {
		return fmt.Errorf("unknown engine %q", containerID)
	}

	stopCtx, cancel := context.WithTimeout(ctx, p.cfg.StopTimeout)
	defer cancel()
	if err := p.rt.Stop(stopCtx, containerID, p.cfg.StopTimeout); err != nil {
		return err
	}
	if err := p.rt.Remove(stopCtx, containerID); err != nil {
		return err
	}

	hostScope := p.hostScope(engine.VPNContainer)
	if httpPort, ok := portFromLabel(engine.Labels, LabelHTTPPort); ok {
		p.ports.Release("internal-http", httpPort)
	}
	if hostPort, ok := portFromLabel(engine.Labels, LabelHostHTTP); ok {
		p.ports.Release(hostScope, hostPort)
	}
	if httpsPort, ok := portFromLabel(engine.Labels, LabelHTTPSPort); ok {
		p.ports.Release("internal-https", httpsPort)
	}
	if hostHTTPSPort, ok := portFromLabel(engine.Labels, LabelHostHTTPS); ok {
		p.ports.Release(hostScope, hostHTTPSPort)
	}

	p.store.RemoveEngine(containerID)
	return nil
}

func portFromLabel(labels map[string]string, key string) (int, bool) {
	v, ok := labels[key]
	if !ok {
		return 0, false
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return 0, false
	}
	return n, true
}
