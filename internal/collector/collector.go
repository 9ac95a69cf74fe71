// Package collector implements C11 (spec.md §4.11): polls each active
// stream's stat_url, appends stat snapshots, and is the primary signal
// (not merely auxiliary) for stale-stream detection.
package collector

import (
	"context"
	"log/slog"
	"time"

	"github.com/krinkuto11/acestream-orchestrator/internal/engineapi"
	"github.com/krinkuto11/acestream-orchestrator/internal/state"
)

// StreamEndedFunc feeds a synthesized stream_ended event to C10.
type StreamEndedFunc func(ctx context.Context, streamID, reason string)

// Config tunes the collector (spec.md §6).
type Config struct {
	Interval   time.Duration // default 1-2s
	PollTimeout time.Duration // default 3s
}

func (c Config) withDefaults() Config {
	if c.Interval == 0 {
		c.Interval = 2 * time.Second
	}
	if c.PollTimeout == 0 {
		c.PollTimeout = 3 * time.Second
	}
	return c
}

// ReasonStaleStreamDetected is the reason recorded when the primary
// stale-detection signal fires (spec.md §4.11).
const ReasonStaleStreamDetected = "stale_stream_detected"

// Collector polls stat_url for every started stream.
type Collector struct {
	cfg         Config
	store       *state.Store
	eapi        *engineapi.Client
	streamEnded StreamEndedFunc
	log         *slog.Logger
}

func New(cfg Config, store *state.Store, eapi *engineapi.Client, streamEnded StreamEndedFunc, log *slog.Logger) *Collector {
	return &Collector{cfg: cfg.withDefaults(), store: store, eapi: eapi, streamEnded: streamEnded, log: log}
}

// Run blocks until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *Collector) tick(ctx context.Context) {
	streams := c.store.ListStreams(state.StreamFilter{Status: state.StreamStarted})
	for _, st := range streams {
		c.pollOne(ctx, st)
	}
}

func (c *Collector) pollOne(ctx context.Context, st state.Stream) {
	if st.StatURL == "" {
		return
	}
	pollCtx, cancel := context.WithTimeout(ctx, c.cfg.PollTimeout)
	defer cancel()

	payload, err := c.eapi.GetStat(pollCtx, st.StatURL)
	if err != nil {
		// Network errors are logged at debug level and do not trigger stale
		// detection; no error counter is kept. Nothing further this tick.
		c.log.Debug("stat poll failed", "stream_id", st.ID, "error", err)
		return
	}

	if payload.IsUnknownSession() {
		c.log.Info("stale stream detected", "stream_id", st.ID)
		c.streamEnded(ctx, st.ID, ReasonStaleStreamDetected)
		return
	}

	if payload.Response == nil {
		return
	}
	c.store.AppendStats(st.ID, state.StatSnapshot{
		Timestamp:  time.Now(),
		Peers:      payload.Response.Peers,
		SpeedDown:  payload.Response.SpeedDown,
		SpeedUp:    payload.Response.SpeedUp,
		Downloaded: payload.Response.Downloaded,
		Uploaded:   payload.Response.Uploaded,
	})
}
