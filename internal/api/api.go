// Package api exposes the orchestrator's HTTP surface (spec.md §6) on a
// bare http.ServeMux — routing frameworks are explicitly out of scope
// (spec.md §1's "DELIBERATELY OUT OF SCOPE" list). Request handling style
// (structured provisioning errors, explicit wire shapes) follows the
// teacher's proxy.go HandleStream/ServeHTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/krinkuto11/acestream-orchestrator/internal/autoscaler"
	"github.com/krinkuto11/acestream-orchestrator/internal/breaker"
	"github.com/krinkuto11/acestream-orchestrator/internal/events"
	"github.com/krinkuto11/acestream-orchestrator/internal/multiplexer"
	"github.com/krinkuto11/acestream-orchestrator/internal/provisioner"
	"github.com/krinkuto11/acestream-orchestrator/internal/selector"
	"github.com/krinkuto11/acestream-orchestrator/internal/state"
	"github.com/krinkuto11/acestream-orchestrator/internal/vpn"
)

// ProvisioningError is the structured 503 body spec.md §6 defines.
type ProvisioningError struct {
	Code               string `json:"code"`
	Message            string `json:"message"`
	RecoveryETASeconds int    `json:"recovery_eta_seconds,omitempty"`
	CanRetry           bool   `json:"can_retry"`
	ShouldWait         bool   `json:"should_wait"`
}

// Server wires every HTTP endpoint to its collaborator.
type Server struct {
	apiKey      string
	store       *state.Store
	provisioner *provisioner.Provisioner
	autoscaler  *autoscaler.Autoscaler
	selector    *selector.Selector
	mux         *multiplexer.Multiplexer
	breaker     *breaker.Breaker
	events      *events.Handlers
	vpnStatus   func() map[string]vpn.Status
	image       string
	log         *slog.Logger

	mux_ *http.ServeMux
}

type Deps struct {
	APIKey      string
	Store       *state.Store
	Provisioner *provisioner.Provisioner
	Autoscaler  *autoscaler.Autoscaler
	Selector    *selector.Selector
	Multiplexer *multiplexer.Multiplexer
	Breaker     *breaker.Breaker
	Events      *events.Handlers
	VPNStatus   func() map[string]vpn.Status
	EngineImage string
	Log         *slog.Logger
}

func New(d Deps) *Server {
	s := &Server{
		apiKey:      d.APIKey,
		store:       d.Store,
		provisioner: d.Provisioner,
		autoscaler:  d.Autoscaler,
		selector:    d.Selector,
		mux:         d.Multiplexer,
		breaker:     d.Breaker,
		events:      d.Events,
		vpnStatus:   d.VPNStatus,
		image:       d.EngineImage,
		log:         d.Log,
	}
	s.mux_ = http.NewServeMux()
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux_.ServeHTTP(w, r) }

func (s *Server) routes() {
	s.mux_.HandleFunc("/provision/acestream", s.requireAuth(s.handleProvision))
	s.mux_.HandleFunc("/events/stream_started", s.requireAuth(s.handleStreamStarted))
	s.mux_.HandleFunc("/events/stream_ended", s.requireAuth(s.handleStreamEnded))
	s.mux_.HandleFunc("/engines", s.handleEngines)
	s.mux_.HandleFunc("/streams", s.handleStreams)
	s.mux_.HandleFunc("/streams/", s.handleStreamStats)
	s.mux_.HandleFunc("/orchestrator/status", s.handleOrchestratorStatus)
	s.mux_.HandleFunc("/vpn/status", s.handleVPNStatus)
	s.mux_.HandleFunc("/scale/", s.requireAuth(s.handleScale))
	s.mux_.HandleFunc("/gc", s.requireAuth(s.handleGC))
	s.mux_.HandleFunc("/containers/", s.requireAuth(s.handleDeleteContainer))
	s.mux_.HandleFunc("/metrics", s.handleMetrics)
	s.mux_.HandleFunc("/ace/getstream", s.handleGetStream)
}

// requireAuth enforces the bearer token on protected endpoints (spec.md §6).
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" {
			next(w, r)
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if got == "" || got != s.apiKey {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	result, err := s.provisioner.Provision(ctx, provisioner.ClassGeneral, provisioner.Spec{Image: s.image})
	if err != nil {
		s.writeProvisionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"container_id":        result.ContainerID,
		"container_name":      result.ContainerName,
		"host_http_port":      result.HostHTTPPort,
		"container_http_port": result.ContainerHTTPPort,
		"container_https_port": result.ContainerHTTPSPort,
	})
}

func (s *Server) writeProvisionError(w http.ResponseWriter, err error) {
	var openErr *breaker.ErrOpen
	var vpnErr *provisioner.VPNUnhealthyError
	switch {
	case errors.As(err, &openErr):
		writeJSON(w, http.StatusServiceUnavailable, ProvisioningError{
			Code:               "circuit_breaker",
			Message:            err.Error(),
			RecoveryETASeconds: int(openErr.RecoveryETA.Seconds()),
			CanRetry:           false,
			ShouldWait:         true,
		})
	case errors.As(err, &vpnErr):
		writeJSON(w, http.StatusServiceUnavailable, ProvisioningError{
			Code:       "vpn_disconnected",
			Message:    err.Error(),
			CanRetry:   true,
			ShouldWait: true,
		})
	case errors.Is(err, provisioner.ErrNoFreePort):
		writeJSON(w, http.StatusInternalServerError, ProvisioningError{
			Code:    "max_capacity",
			Message: err.Error(),
		})
	default:
		writeJSON(w, http.StatusInternalServerError, ProvisioningError{
			Code:    "internal_error",
			Message: err.Error(),
		})
	}
}

func (s *Server) handleStreamStarted(w http.ResponseWriter, r *http.Request) {
	var evt state.StartedEvent
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	st := s.store.OnStreamStarted(evt)
	s.selector.ReleasePending(evt.ContainerID)
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleStreamEnded(w http.ResponseWriter, r *http.Request) {
	var evt state.EndedEvent
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if !s.events.StreamEnded(r.Context(), evt.StreamID, evt.Reason) {
		http.Error(w, "stream not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleEngines(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.ListEngines(state.EngineFilter{}))
}

func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	filter := state.StreamFilter{
		Status:      state.StreamStatus(r.URL.Query().Get("status")),
		ContainerID: r.URL.Query().Get("container_id"),
	}
	writeJSON(w, http.StatusOK, s.store.ListStreams(filter))
}

func (s *Server) handleStreamStats(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/streams/")
	id := strings.TrimSuffix(path, "/stats")
	if id == path {
		http.NotFound(w, r)
		return
	}
	since := time.Time{}
	if v := r.URL.Query().Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			since = t
		}
	}
	writeJSON(w, http.StatusOK, s.store.StatsSince(id, since))
}

// CompositeStatus is the /orchestrator/status response shape (spec.md §7).
type CompositeStatus struct {
	Overall            string         `json:"overall"`
	EngineCounts       map[string]int `json:"engine_counts"`
	CanProvision       bool           `json:"can_provision"`
	BlockedReason      string         `json:"blocked_reason,omitempty"`
}

func (s *Server) handleOrchestratorStatus(w http.ResponseWriter, r *http.Request) {
	engines := s.store.ListEngines(state.EngineFilter{})
	counts := map[string]int{"total": len(engines), "healthy": 0, "unhealthy": 0}
	for _, e := range engines {
		counts[string(e.HealthStatus)]++
	}

	overall := "healthy"
	blocked := ""
	canProvision := s.breaker.State(provisioner.ClassGeneral) != breaker.Open

	if counts["unhealthy"] > 0 || s.breaker.State(provisioner.ClassGeneral) == breaker.HalfOpen {
		overall = "degraded"
	}
	if !canProvision {
		overall = "degraded"
		blocked = "circuit_breaker"
	}
	if s.vpnStatus != nil {
		allDown := true
		for _, st := range s.vpnStatus() {
			if st == vpn.StatusHealthy {
				allDown = false
			}
		}
		if len(s.vpnStatus()) > 0 && allDown {
			overall = "unavailable"
			blocked = "vpn_disconnected"
			canProvision = false
		}
	}

	writeJSON(w, http.StatusOK, CompositeStatus{
		Overall:      overall,
		EngineCounts: counts,
		CanProvision: canProvision,
		BlockedReason: blocked,
	})
}

func (s *Server) handleVPNStatus(w http.ResponseWriter, r *http.Request) {
	if s.vpnStatus == nil {
		writeJSON(w, http.StatusOK, map[string]vpn.Status{})
		return
	}
	writeJSON(w, http.StatusOK, s.vpnStatus())
}

func (s *Server) handleScale(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	nStr := strings.TrimPrefix(r.URL.Path, "/scale/")
	n, err := strconv.Atoi(nStr)
	if err != nil {
		http.Error(w, "invalid n", http.StatusBadRequest)
		return
	}
	if err := s.autoscaler.ScaleTo(r.Context(), n); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleGC(w http.ResponseWriter, r *http.Request) {
	s.autoscaler.Trigger()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDeleteContainer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/containers/")
	if err := s.provisioner.Stop(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleMetrics is a minimal stub: Prometheus exposition is explicitly
// out of scope (spec.md §1 "DELIBERATELY OUT OF SCOPE"), so this endpoint
// exists to satisfy the §6 interface surface without pulling in a metrics
// client library.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	engines := s.store.ListEngines(state.EngineFilter{})
	_, _ = io.WriteString(w, "# orchestrator_engines_total\n")
	_, _ = io.WriteString(w, strconv.Itoa(len(engines))+"\n")
}

func (s *Server) handleGetStream(w http.ResponseWriter, r *http.Request) {
	contentKey := r.URL.Query().Get("id")
	if contentKey == "" {
		contentKey = r.URL.Query().Get("infohash")
	}
	if contentKey == "" {
		http.Error(w, "missing id or infohash", http.StatusBadRequest)
		return
	}

	sess, err := s.mux.GetOrCreateSession(r.Context(), contentKey)
	if err != nil {
		if errors.Is(err, selector.ErrNoCapacity) {
			writeJSON(w, http.StatusServiceUnavailable, ProvisioningError{
				Code:       "max_capacity",
				Message:    err.Error(),
				CanRetry:   true,
				ShouldWait: true,
			})
			return
		}
		s.writeProvisionError(w, err)
		return
	}

	clientID := r.RemoteAddr + "-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	stream, err := s.mux.StreamData(r.Context(), sess, clientID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "video/mp2t")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	for {
		data, err := stream.Next(r.Context())
		if err != nil {
			return
		}
		if _, werr := w.Write(data); werr != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}
