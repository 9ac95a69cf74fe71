package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/krinkuto11/acestream-orchestrator/internal/aceid"
	"github.com/krinkuto11/acestream-orchestrator/internal/autoscaler"
	"github.com/krinkuto11/acestream-orchestrator/internal/breaker"
	"github.com/krinkuto11/acestream-orchestrator/internal/config"
	"github.com/krinkuto11/acestream-orchestrator/internal/debug"
	"github.com/krinkuto11/acestream-orchestrator/internal/events"
	"github.com/krinkuto11/acestream-orchestrator/internal/multiplexer"
	"github.com/krinkuto11/acestream-orchestrator/internal/ports"
	"github.com/krinkuto11/acestream-orchestrator/internal/provisioner"
	"github.com/krinkuto11/acestream-orchestrator/internal/runtime"
	"github.com/krinkuto11/acestream-orchestrator/internal/selector"
	"github.com/krinkuto11/acestream-orchestrator/internal/state"
	"github.com/krinkuto11/acestream-orchestrator/internal/vpn"
	"github.com/krinkuto11/acestream-orchestrator/internal/vpnapi"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRuntime struct {
	mu      sync.Mutex
	state   string
	created []runtime.CreateSpec
	nextID  int
}

func (f *fakeRuntime) Create(ctx context.Context, spec runtime.CreateSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.created = append(f.created, spec)
	return "c" + itoa(f.nextID), nil
}
func (f *fakeRuntime) Start(ctx context.Context, id string) error {
	f.mu.Lock()
	f.state = "running"
	f.mu.Unlock()
	return nil
}
func (f *fakeRuntime) Stop(ctx context.Context, id string, timeout time.Duration) error { return nil }
func (f *fakeRuntime) Remove(ctx context.Context, id string) error                      { return nil }
func (f *fakeRuntime) Inspect(ctx context.Context, id string) (runtime.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return runtime.Container{ID: id, State: f.state}, nil
}
func (f *fakeRuntime) ListManaged(ctx context.Context, k, v string) ([]runtime.Container, error) {
	return nil, nil
}
func (f *fakeRuntime) Exec(ctx context.Context, id string, cmd []string) (string, error) {
	return "", nil
}
func (f *fakeRuntime) Close() error { return nil }

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf []byte
	for n > 0 {
		buf = append([]byte{byte('0' + n%10)}, buf...)
		n /= 10
	}
	return string(buf)
}

// newBareOrchestrator builds an Orchestrator by hand (skipping New, which
// requires a live Docker daemon via runtime.NewDockerEngine) with just the
// collaborators each test needs.
func newBareOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	st, err := state.Open("")
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	rt := &fakeRuntime{}
	pa := ports.New(map[string]ports.Range{
		"internal-http": {Low: 7000, High: 7010},
		"host":          {Low: 19000, High: 19010},
	})
	br := breaker.New()
	prov := provisioner.New(provisioner.Config{MinInterval: time.Millisecond}, rt, pa, st, br, nil)
	sel := selector.New(st, 2, nil)
	asc := autoscaler.New(autoscaler.Config{}, autoscaler.Deps{Store: st, Provisioner: prov}, discardLogger())

	o := &Orchestrator{
		Config:         config.Config{EngineImage: "img"},
		Log:            discardLogger(),
		Debug:          debug.New(false, ""),
		Runtime:        rt,
		Ports:          pa,
		Store:          st,
		Breaker:        br,
		Provisioner:    prov,
		Selector:       sel,
		Autoscaler:     asc,
		vpnSupervisors: make(map[string]*vpn.Supervisor),
	}
	o.Events = &events.Handlers{
		Store:          st,
		Cleaner:        noopCleaner{},
		Multiplexer:    noopStopper{},
		ReleasePending: sel.ReleasePending,
		Log:            discardLogger(),
	}
	return o
}

type noopCleaner struct{}

func (noopCleaner) CleanCache(ctx context.Context, containerID string) error { return nil }

type noopStopper struct{}

func (noopStopper) StopByContentKey(contentKey string) {}

func TestEngineStatusURLFormat(t *testing.T) {
	e := state.Engine{Host: "10.0.0.1", Port: 6878}
	got := engineStatusURL(e)
	want := "http://10.0.0.1:6878/server/api?api_version=3&method=get_status"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestNetworkStatusURLFormat(t *testing.T) {
	e := state.Engine{Host: "10.0.0.1", Port: 6878}
	got := networkStatusURL(e)
	want := "http://10.0.0.1:6878/server/api?api_version=3&method=get_network_connection_status"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestSecondsOrDefaultUsesValueWhenPositive(t *testing.T) {
	if got := secondsOrDefault(10, 300); got != 10*time.Second {
		t.Fatalf("got %v", got)
	}
}

func TestSecondsOrDefaultFallsBackWhenZeroOrNegative(t *testing.T) {
	if got := secondsOrDefault(0, 300); got != 300*time.Second {
		t.Fatalf("got %v", got)
	}
	if got := secondsOrDefault(-5, 300); got != 300*time.Second {
		t.Fatalf("got %v", got)
	}
}

func TestVPNHealthyNoVPNAlwaysTrue(t *testing.T) {
	o := newBareOrchestrator(t)
	if !o.vpnHealthy("") {
		t.Fatalf("expected no-VPN engines to always be eligible")
	}
}

func TestVPNHealthyUnknownVPNReturnsFalse(t *testing.T) {
	o := newBareOrchestrator(t)
	if o.vpnHealthy("nope") {
		t.Fatalf("expected an unregistered VPN container to be unhealthy")
	}
}

func TestVPNHealthyDelegatesToSupervisorStatus(t *testing.T) {
	o := newBareOrchestrator(t)
	rt := &fakeRuntime{state: "running"}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"port":12345}`))
	}))
	defer srv.Close()

	sup := vpn.New(vpn.Config{VPNID: "v1", ContainerID: "v1", CheckInterval: 5 * time.Millisecond},
		rt, vpnapi.New(srv.URL), nil, nil, nil, func(vpn.Transition) {}, discardLogger())
	o.vpnSupervisors["v1"] = sup

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	sup.Run(ctx)

	if !o.vpnHealthy("v1") {
		t.Fatalf("expected vpnHealthy(v1)=true once the supervisor classifies it healthy")
	}
}

func TestVPNStatusesReflectsAllSupervisors(t *testing.T) {
	o := newBareOrchestrator(t)
	rt := &fakeRuntime{}
	sup := vpn.New(vpn.Config{VPNID: "v1", ContainerID: "v1"}, rt, vpnapi.New("http://unused"), nil, nil, nil, func(vpn.Transition) {}, discardLogger())
	o.vpnSupervisors["v1"] = sup

	statuses := o.VPNStatuses()
	if len(statuses) != 1 {
		t.Fatalf("expected 1 vpn status, got %d", len(statuses))
	}
	if statuses["v1"] != vpn.StatusUnknown {
		t.Fatalf("expected the initial status to be unknown, got %s", statuses["v1"])
	}
}

func TestListVPNInfoReportsHealthAndRecovery(t *testing.T) {
	o := newBareOrchestrator(t)
	rt := &fakeRuntime{}
	sup := vpn.New(vpn.Config{VPNID: "v1", ContainerID: "v1"}, rt, vpnapi.New("http://unused"), nil, nil, nil, func(vpn.Transition) {}, discardLogger())
	o.vpnSupervisors["v1"] = sup

	infos := o.listVPNInfo()
	if len(infos) != 1 || infos[0].ID != "v1" {
		t.Fatalf("expected 1 VPNInfo for v1, got %v", infos)
	}
	if infos[0].Healthy {
		t.Fatalf("expected Healthy=false before any classification")
	}
}

func TestEngineIDsForVPNFiltersByAssignment(t *testing.T) {
	o := newBareOrchestrator(t)
	o.Store.UpsertEngine(&state.Engine{ContainerID: "e1", VPNContainer: "v1"})
	o.Store.UpsertEngine(&state.Engine{ContainerID: "e2", VPNContainer: "v2"})

	ids := o.engineIDsForVPN("v1")
	if len(ids) != 1 || ids[0] != "e1" {
		t.Fatalf("expected only e1 assigned to v1, got %v", ids)
	}
}

func TestOnVPNTransitionDoesNotPanicOrBlock(t *testing.T) {
	o := newBareOrchestrator(t)
	// onVPNTransition must not panic even with a disabled debug logger and
	// should not block; Trigger() is fire-and-forget.
	o.onVPNTransition("v1", vpn.Transition{OldStatus: vpn.StatusUnknown, NewStatus: vpn.StatusHealthy})
}

func TestProbeEngineConnectivityUnknownEngineErrors(t *testing.T) {
	o := newBareOrchestrator(t)
	_, err := o.probeEngineConnectivity(context.Background(), "nope")
	if err == nil {
		t.Fatalf("expected an error for an unregistered engine")
	}
}

func TestProbeEngineConnectivityDelegatesToEngineAPI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":{"connected":true}}`))
	}))
	defer srv.Close()
	host, port := splitHostPort(t, srv.URL)

	o := newBareOrchestrator(t)
	o.Store.UpsertEngine(&state.Engine{ContainerID: "e1", Host: host, Port: port})

	ok, err := o.probeEngineConnectivity(context.Background(), "e1")
	if err != nil {
		t.Fatalf("probeEngineConnectivity: %v", err)
	}
	if !ok {
		t.Fatalf("expected connected=true")
	}
}

func TestSelectEngineForMultiplexerFetchesPlayback(t *testing.T) {
	playback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"response":{"playback_url":"http://engine/play","stat_url":"http://engine/stat","command_url":"http://engine/cmd","is_live":1}}`))
	}))
	defer playback.Close()
	host, port := splitHostPort(t, playback.URL)

	o := newBareOrchestrator(t)
	o.Store.UpsertEngine(&state.Engine{ContainerID: "e1", Host: host, Port: port, HealthStatus: state.HealthHealthy})

	sel, err := o.selectEngineForMultiplexer("k1")
	if err != nil {
		t.Fatalf("selectEngineForMultiplexer: %v", err)
	}
	if sel.PlaybackURL != "http://engine/play" {
		t.Fatalf("expected the playback URL from the engine's own response, got %q", sel.PlaybackURL)
	}
	if !sel.IsLive {
		t.Fatalf("expected IsLive=true")
	}
}

func TestSelectEngineForMultiplexerNoCapacityPropagates(t *testing.T) {
	o := newBareOrchestrator(t)
	_, err := o.selectEngineForMultiplexer("k1")
	if err != selector.ErrNoCapacity {
		t.Fatalf("expected ErrNoCapacity with no engines registered, got %v", err)
	}
}

func TestSelectEngineForMultiplexerReleasesPendingOnFetchFailure(t *testing.T) {
	o := newBareOrchestrator(t)
	o.Store.UpsertEngine(&state.Engine{ContainerID: "e1", Host: "127.0.0.1", Port: 1, HealthStatus: state.HealthHealthy})

	_, err := o.selectEngineForMultiplexer("k1")
	if err == nil {
		t.Fatalf("expected an error when the engine is unreachable")
	}
	if o.Selector.PendingFor("e1") != 0 {
		t.Fatalf("expected the pending reservation to be released on fetch failure")
	}
}

func TestEmitStreamStartedRecordsStream(t *testing.T) {
	o := newBareOrchestrator(t)
	sel := multiplexer.EngineSelection{EngineKey: "e1", Host: "h", Port: 1, StatURL: "stat", CommandURL: "cmd", IsLive: true}
	o.emitStreamStarted(sel, "k1", "sess1")

	streams := o.Store.ListStreams(state.StreamFilter{})
	if len(streams) != 1 {
		t.Fatalf("expected 1 stream recorded, got %d", len(streams))
	}
	st := streams[0]
	if st.KeyType != string(aceid.KeyTypeID) || st.Key != "k1" {
		t.Fatalf("unexpected stream fields: %+v", st)
	}
	if !st.IsLive {
		t.Fatalf("expected IsLive=true")
	}
}

func TestReplacerAdapterCountHealthy(t *testing.T) {
	o := newBareOrchestrator(t)
	o.Store.UpsertEngine(&state.Engine{ContainerID: "e1", HealthStatus: state.HealthHealthy})
	o.Store.UpsertEngine(&state.Engine{ContainerID: "e2", HealthStatus: state.HealthUnhealthy})

	ra := &replacerAdapter{o: o}
	if ra.CountHealthy() != 1 {
		t.Fatalf("expected 1 healthy engine, got %d", ra.CountHealthy())
	}
}

func TestReplacerAdapterStopDelegatesToProvisioner(t *testing.T) {
	o := newBareOrchestrator(t)
	res, err := o.Provisioner.Provision(context.Background(), provisioner.ClassGeneral, provisioner.Spec{Image: "img"})
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	ra := &replacerAdapter{o: o}
	if err := ra.Stop(context.Background(), res.ContainerID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, ok := o.Store.GetEngine(res.ContainerID); ok {
		t.Fatalf("expected the engine removed after Stop")
	}
}

func TestReplacerAdapterStartReplacementReturnsOnceHealthy(t *testing.T) {
	o := newBareOrchestrator(t)
	ra := &replacerAdapter{o: o}

	done := make(chan struct{})
	var id string
	var startErr error
	go func() {
		id, startErr = ra.StartReplacement(context.Background(), state.Engine{})
		close(done)
	}()

	// Give Provision time to register the engine in the store, then mark it
	// healthy so StartReplacement's poll loop can return.
	var containerID string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		engines := o.Store.ListEngines(state.EngineFilter{})
		if len(engines) == 1 {
			containerID = engines[0].ContainerID
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if containerID == "" {
		t.Fatalf("expected an engine to be provisioned")
	}
	e, _ := o.Store.GetEngine(containerID)
	e.HealthStatus = state.HealthHealthy
	o.Store.UpsertEngine(&e)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("StartReplacement did not return after the engine turned healthy")
	}
	if startErr != nil {
		t.Fatalf("StartReplacement: %v", startErr)
	}
	if id != containerID {
		t.Fatalf("expected id %q, got %q", containerID, id)
	}
}

func splitHostPort(t *testing.T, rawURL string) (string, int) {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse %q: %v", rawURL, err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("split host:port %q: %v", u.Host, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port %q: %v", portStr, err)
	}
	return host, port
}
