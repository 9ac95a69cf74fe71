// Package events implements the stream_started/stream_ended handlers
// (C10, spec.md §4.10).
package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/krinkuto11/acestream-orchestrator/internal/runtime"
	"github.com/krinkuto11/acestream-orchestrator/internal/state"
)

// CacheCleaner execs a cache-clear command inside an idled engine's
// container (spec.md §4.10: "engine_became_idle" branch).
type CacheCleaner interface {
	CleanCache(ctx context.Context, containerID string) error
}

// runtimeCacheCleaner adapts runtime.Engine.Exec for cache cleanup.
type runtimeCacheCleaner struct {
	rt  runtime.Engine
	cmd []string
}

func NewRuntimeCacheCleaner(rt runtime.Engine, cmd []string) CacheCleaner {
	return &runtimeCacheCleaner{rt: rt, cmd: cmd}
}

func (c *runtimeCacheCleaner) CleanCache(ctx context.Context, containerID string) error {
	_, err := c.rt.Exec(ctx, containerID, c.cmd)
	return err
}

// MultiplexerStopper lets event handlers synchronize with the multiplexer
// (C12) without an import cycle.
type MultiplexerStopper interface {
	StopByContentKey(contentKey string)
}

// ReleasePendingFunc releases a selector's pending-allocation reservation.
type ReleasePendingFunc func(engineKey string)

// Handlers wires the event callbacks to their collaborators.
type Handlers struct {
	Store          *state.Store
	Cleaner        CacheCleaner
	Multiplexer    MultiplexerStopper
	ReleasePending ReleasePendingFunc
	Log            *slog.Logger
}

// StreamStarted implements the stream_started path (spec.md §4.10).
func (h *Handlers) StreamStarted(evt state.StartedEvent) *state.Stream {
	st := h.Store.OnStreamStarted(evt)
	if h.ReleasePending != nil {
		h.ReleasePending(evt.ContainerID)
	}
	return st
}

// StreamEnded implements the stream_ended path (spec.md §4.10). Reports
// whether streamID was a known stream, so HTTP callers can return 404.
func (h *Handlers) StreamEnded(ctx context.Context, streamID, reason string) bool {
	st, becameIdle, ok := h.Store.OnStreamEnded(streamID)
	if !ok {
		return false
	}

	if h.Multiplexer != nil {
		h.Multiplexer.StopByContentKey(st.Key)
	}

	if becameIdle && h.Cleaner != nil {
		go func() {
			cleanCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := h.Cleaner.CleanCache(cleanCtx, st.ContainerID); err != nil {
				h.Log.Warn("cache cleanup failed", "container_id", st.ContainerID, "error", err)
				return
			}
			h.Store.MarkCacheCleaned(st.ContainerID)
		}()
	}
	return true
}
