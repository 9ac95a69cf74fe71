// Package orchestrator wires every component (C1-C13) into a running
// process: the top-level composition root, analogous to main() in the
// teacher's proxy.go but scaled up from a single proxy to the full
// control plane.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/krinkuto11/acestream-orchestrator/internal/aceid"
	"github.com/krinkuto11/acestream-orchestrator/internal/autoscaler"
	"github.com/krinkuto11/acestream-orchestrator/internal/breaker"
	"github.com/krinkuto11/acestream-orchestrator/internal/collector"
	"github.com/krinkuto11/acestream-orchestrator/internal/config"
	"github.com/krinkuto11/acestream-orchestrator/internal/debug"
	"github.com/krinkuto11/acestream-orchestrator/internal/engineapi"
	"github.com/krinkuto11/acestream-orchestrator/internal/events"
	"github.com/krinkuto11/acestream-orchestrator/internal/health"
	"github.com/krinkuto11/acestream-orchestrator/internal/multiplexer"
	"github.com/krinkuto11/acestream-orchestrator/internal/ports"
	"github.com/krinkuto11/acestream-orchestrator/internal/provisioner"
	"github.com/krinkuto11/acestream-orchestrator/internal/reconciler"
	"github.com/krinkuto11/acestream-orchestrator/internal/runtime"
	"github.com/krinkuto11/acestream-orchestrator/internal/selector"
	"github.com/krinkuto11/acestream-orchestrator/internal/state"
	"github.com/krinkuto11/acestream-orchestrator/internal/vpn"
	"github.com/krinkuto11/acestream-orchestrator/internal/vpnapi"
)

// Orchestrator owns every component's lifecycle.
type Orchestrator struct {
	Config      config.Config
	Log         *slog.Logger
	Debug       *debug.Logger
	Runtime     runtime.Engine
	Ports       *ports.Allocator
	Store       *state.Store
	Breaker     *breaker.Breaker
	Provisioner *provisioner.Provisioner
	Selector    *selector.Selector
	Autoscaler  *autoscaler.Autoscaler
	Reconciler  *reconciler.Reconciler
	Health      *health.Monitor
	Collector   *collector.Collector
	Events      *events.Handlers
	Multiplexer *multiplexer.Multiplexer

	vpnSupervisors map[string]*vpn.Supervisor
	vpnMu          sync.RWMutex
}

// New constructs every component and wires their dependencies together.
// It does not start any background loop; call Run for that.
func New(cfg config.Config, log *slog.Logger) (*Orchestrator, error) {
	rt, err := runtime.NewDockerEngine()
	if err != nil {
		return nil, fmt.Errorf("init runtime: %w", err)
	}

	portRanges := make(map[string]ports.Range, len(cfg.PortRanges()))
	for k, v := range cfg.PortRanges() {
		portRanges[k] = v
	}
	pa := ports.New(portRanges)

	store, err := state.Open(cfg.StateDBPath)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	br := breaker.New()
	br.Configure(provisioner.ClassGeneral, breaker.Config{
		FailureThreshold: cfg.CircuitBreakerFailureThreshold,
		RecoveryTimeout:  secondsOrDefault(cfg.CircuitBreakerRecoveryTimeoutS, 300),
	})
	br.Configure(provisioner.ClassReplacement, breaker.Config{
		FailureThreshold: cfg.ReplacementBreakerFailureThreshold,
		RecoveryTimeout:  secondsOrDefault(cfg.ReplacementBreakerRecoveryTimeoutS, 300),
	})

	dbg := debug.New(cfg.DebugMode, cfg.DebugLogDir)

	o := &Orchestrator{
		Config:         cfg,
		Log:            log,
		Debug:          dbg,
		Runtime:        rt,
		Ports:          pa,
		Store:          store,
		Breaker:        br,
		vpnSupervisors: make(map[string]*vpn.Supervisor),
	}

	o.Provisioner = provisioner.New(provisioner.Config{
		MaxConcurrent: cfg.MaxConcurrentProvisions,
		VPN1Container: cfg.GluetunContainerName,
		VPN2Container: cfg.GluetunContainerName2,
	}, rt, pa, store, br, o.vpnHealthy)

	o.Selector = selector.New(store, cfg.MaxStreamsPerEngine, o.vpnHealthy)

	o.Autoscaler = autoscaler.New(autoscaler.Config{
		MinFree:             cfg.MinFreeReplicas,
		MaxReplicas:         cfg.MaxReplicas,
		MaxStreamsPerEngine: cfg.MaxStreamsPerEngine,
	}, autoscaler.Deps{
		Store:       store,
		Provisioner: o.Provisioner,
		ListVPNs:    o.listVPNInfo,
		Image:       cfg.EngineImage,
		PendingFor:  o.Selector.PendingFor,
	}, log)

	o.Reconciler = reconciler.New(reconciler.Config{
		VPN1Container: cfg.GluetunContainerName,
		VPN2Container: cfg.GluetunContainerName2,
	}, rt, store, pa, log)

	eapi := engineapi.New()
	o.Health = health.New(health.Config{
		FailureThreshold: cfg.HealthFailureThreshold,
		MinHealthy:       cfg.MinFreeReplicas,
	}, store, eapi, engineStatusURL, &replacerAdapter{o: o}, log)

	cacheCleaner := events.NewRuntimeCacheCleaner(rt, []string{"rm", "-rf", "/engine_cache"})
	o.Multiplexer = multiplexer.New(multiplexer.Config{
		ChunkSize: cfg.MultiplexerChunkSize,
	}, o.selectEngineForMultiplexer, o.emitStreamStarted, log)

	o.Events = &events.Handlers{
		Store:          store,
		Cleaner:        cacheCleaner,
		Multiplexer:    o.Multiplexer,
		ReleasePending: o.Selector.ReleasePending,
		Log:            log,
	}

	o.Collector = collector.New(collector.Config{}, store, eapi, func(ctx context.Context, streamID, reason string) {
		o.Events.StreamEnded(ctx, streamID, reason)
	}, log)

	if cfg.VPNMode != config.VPNModeDisabled {
		o.setupVPN(cfg, rt, eapi)
	}

	return o, nil
}

func secondsOrDefault(s int, def int) time.Duration {
	if s <= 0 {
		s = def
	}
	return time.Duration(s) * time.Second
}

// Run launches every background loop as a goroutine and returns
// immediately; call with a cancellable ctx for graceful shutdown.
func (o *Orchestrator) Run(ctx context.Context) {
	go o.Reconciler.Run(ctx)
	go o.Health.Run(ctx)
	go o.Autoscaler.Run(ctx)
	go o.Collector.Run(ctx)
	go o.Multiplexer.RunIdleGC(ctx)

	o.vpnMu.RLock()
	sups := make([]*vpn.Supervisor, 0, len(o.vpnSupervisors))
	for _, s := range o.vpnSupervisors {
		sups = append(sups, s)
	}
	o.vpnMu.RUnlock()
	for _, s := range sups {
		go s.Run(ctx)
	}
}

// Shutdown releases resources that outlive a single ctx cancellation (the
// bbolt handle).
func (o *Orchestrator) Shutdown() error {
	return o.Store.Close()
}

// VPNStatuses reports each configured VPN's last classification, for the
// orchestrator_status and /vpn/status endpoints.
func (o *Orchestrator) VPNStatuses() map[string]vpn.Status {
	o.vpnMu.RLock()
	defer o.vpnMu.RUnlock()
	out := make(map[string]vpn.Status, len(o.vpnSupervisors))
	for id, s := range o.vpnSupervisors {
		out[id] = s.CurrentStatus()
	}
	return out
}

// vpnHealthy is the VPNHealthChecker passed to the provisioner and
// selector. An engine with no VPN assignment (no-VPN mode) is always
// eligible on this axis.
func (o *Orchestrator) vpnHealthy(vpnContainer string) bool {
	if vpnContainer == "" {
		return true
	}
	o.vpnMu.RLock()
	sup, ok := o.vpnSupervisors[vpnContainer]
	o.vpnMu.RUnlock()
	if !ok {
		return false
	}
	return sup.CurrentStatus() == vpn.StatusHealthy
}

// listVPNInfo feeds the autoscaler's per-VPN distribution logic (spec.md
// §4.8). Empty in no-VPN mode.
func (o *Orchestrator) listVPNInfo() []autoscaler.VPNInfo {
	o.vpnMu.RLock()
	defer o.vpnMu.RUnlock()
	out := make([]autoscaler.VPNInfo, 0, len(o.vpnSupervisors))
	for id, s := range o.vpnSupervisors {
		out = append(out, autoscaler.VPNInfo{
			ID:         id,
			Healthy:    s.CurrentStatus() == vpn.StatusHealthy,
			InRecovery: s.InRecovery(),
		})
	}
	return out
}

// engineStatusURL and networkStatusURL build the two AceStream engine
// control-surface URLs named in spec.md §6.
func engineStatusURL(e state.Engine) string {
	return fmt.Sprintf("http://%s:%d/server/api?api_version=3&method=get_status", e.Host, e.Port)
}

func networkStatusURL(e state.Engine) string {
	return fmt.Sprintf("http://%s:%d/server/api?api_version=3&method=get_network_connection_status", e.Host, e.Port)
}

// probeEngineConnectivity backs the VPN supervisor's double-check
// heuristic (spec.md §4.4): does an engine assigned to this VPN actually
// have outbound connectivity.
func (o *Orchestrator) probeEngineConnectivity(ctx context.Context, engineID string) (bool, error) {
	e, ok := o.Store.GetEngine(engineID)
	if !ok {
		return false, fmt.Errorf("engine %q not found", engineID)
	}
	eapi := engineapi.New()
	return eapi.GetNetworkConnectionStatus(ctx, networkStatusURL(e))
}

// engineIDsForVPN lists the engines currently assigned to one VPN
// container, for that VPN's supervisor loop.
func (o *Orchestrator) engineIDsForVPN(vpnContainer string) []string {
	engines := o.Store.ListEngines(state.EngineFilter{VPNContainer: vpnContainer})
	ids := make([]string, 0, len(engines))
	for _, e := range engines {
		ids = append(ids, e.ContainerID)
	}
	return ids
}

// onVPNTransition is the VPN supervisor's transition callback: logs the
// change and nudges the autoscaler, since a VPN going unhealthy or regaining
// its forwarded port is exactly the kind of event that shouldn't wait for
// the next scheduled tick (spec.md §4.4, §4.8).
func (o *Orchestrator) onVPNTransition(vpnID string, t vpn.Transition) {
	o.Debug.LogVPNTransition(vpnID, string(t.OldStatus), string(t.NewStatus), t.ForwardedPort, t.PortChanged)
	o.Log.Info("vpn transition", "vpn", vpnID, "old_status", t.OldStatus, "new_status", t.NewStatus,
		"forwarded_port", t.ForwardedPort, "port_changed", t.PortChanged)
	o.Autoscaler.Trigger()
}

// setupVPN constructs one Supervisor per configured VPN container (single
// or redundant mode) and registers it, but does not start its loop; Run
// does that.
func (o *Orchestrator) setupVPN(cfg config.Config, rt runtime.Engine, eapi *engineapi.Client) {
	names := []string{cfg.GluetunContainerName}
	if cfg.VPNMode == config.VPNModeRedundant && cfg.GluetunContainerName2 != "" {
		names = append(names, cfg.GluetunContainerName2)
	}
	for _, name := range names {
		if name == "" {
			continue
		}
		name := name
		baseURL := fmt.Sprintf("http://%s:%d", name, cfg.GluetunAPIPort)
		vapi := vpnapi.New(baseURL)
		sup := vpn.New(vpn.Config{
			VPNID:               name,
			ContainerID:         name,
			ControlAPIBaseURL:   baseURL,
			CheckInterval:       secondsOrDefault(cfg.GluetunHealthCheckIntervalS, 5),
			ForceRestartTimeout: secondsOrDefault(cfg.VPNUnhealthyRestartTimeoutS, 60),
			PortCacheTTL:        secondsOrDefault(cfg.GluetunPortCacheTTLS, 60),
		}, rt, vapi, eapi,
			func() []string { return o.engineIDsForVPN(name) },
			o.probeEngineConnectivity,
			func(t vpn.Transition) { o.onVPNTransition(name, t) },
			o.Log)

		o.vpnMu.Lock()
		o.vpnSupervisors[name] = sup
		o.vpnMu.Unlock()
	}
}

// selectEngineForMultiplexer is the multiplexer's SelectEngineFunc: picks
// an engine via C13, then fetches real playback/stat/command URLs from it.
// Grounded on the teacher's Acexy.GetStream (lib/acexy/acexy.go): the
// playback URL is never derived, it is always obtained from the engine's
// own /ace/getstream middleware response (spec.md §6).
func (o *Orchestrator) selectEngineForMultiplexer(contentKey string) (multiplexer.EngineSelection, error) {
	sel, err := o.Selector.Select()
	if err != nil {
		return multiplexer.EngineSelection{}, err
	}

	eapi := engineapi.New()
	pb, err := eapi.FetchPlayback(context.Background(), "http", sel.Host, sel.Port, string(aceid.KeyTypeID), contentKey)
	if err != nil {
		o.Selector.ReleasePending(sel.EngineKey)
		return multiplexer.EngineSelection{}, fmt.Errorf("fetch playback for %q: %w", contentKey, err)
	}

	return multiplexer.EngineSelection{
		EngineKey:         sel.EngineKey,
		Host:              sel.Host,
		Port:              sel.Port,
		PlaybackURL:       pb.PlaybackURL,
		StatURL:           pb.StatURL,
		CommandURL:        pb.CommandURL,
		PlaybackSessionID: pb.PlaybackSessionID,
		IsLive:            pb.IsLive != 0,
	}, nil
}

// emitStreamStarted is the multiplexer's EmitStreamStartedFunc: records the
// stream in the state store exactly as if the proxy layer had posted
// /events/stream_started (spec.md §4.12 step 1), and releases the
// selector's pending allocation for this engine.
func (o *Orchestrator) emitStreamStarted(sel multiplexer.EngineSelection, contentKey, playbackSessionID string) {
	var evt state.StartedEvent
	evt.ContainerID = sel.EngineKey
	evt.Engine.Host = sel.Host
	evt.Engine.Port = sel.Port
	evt.Stream.KeyType = string(aceid.KeyTypeID)
	evt.Stream.Key = contentKey
	evt.Session.PlaybackSessionID = playbackSessionID
	evt.Session.StatURL = sel.StatURL
	evt.Session.CommandURL = sel.CommandURL
	if sel.IsLive {
		evt.Session.IsLive = 1
	}
	o.Events.StreamStarted(evt)
}

// replacerAdapter implements health.Replacer over the orchestrator's own
// provisioner and store, so the health package never imports provisioner
// directly (spec.md §9's unidirectional dependency rule).
type replacerAdapter struct{ o *Orchestrator }

func (r *replacerAdapter) CountHealthy() int {
	return len(r.o.Store.ListEngines(state.EngineFilter{HealthStatus: state.HealthHealthy}))
}

func (r *replacerAdapter) StartReplacement(ctx context.Context, unhealthy state.Engine) (string, error) {
	spec := provisioner.Spec{
		Image:        r.o.Config.EngineImage,
		VPNContainer: unhealthy.VPNContainer,
		Forwarded:    unhealthy.Forwarded,
	}
	if unhealthy.VPNContainer != "" {
		spec.VPNNetworkMode = "container:" + unhealthy.VPNContainer
	}

	res, err := r.o.Provisioner.Provision(ctx, provisioner.ClassReplacement, spec)
	if err != nil {
		return "", err
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return res.ContainerID, ctx.Err()
		case <-ticker.C:
			if e, ok := r.o.Store.GetEngine(res.ContainerID); ok && e.HealthStatus == state.HealthHealthy {
				return res.ContainerID, nil
			}
		}
	}
}

func (r *replacerAdapter) Stop(ctx context.Context, containerID string) error {
	return r.o.Provisioner.Stop(ctx, containerID)
}
