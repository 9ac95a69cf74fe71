package multiplexer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func chunkyUpstream(t *testing.T, chunks []string, pause time.Duration) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, _ := w.(http.Flusher)
		for _, c := range chunks {
			_, _ = io.WriteString(w, c)
			if flusher != nil {
				flusher.Flush()
			}
			if pause > 0 {
				time.Sleep(pause)
			}
		}
	}))
}

func TestGetOrCreateSessionSingleBroadcasterPerKey(t *testing.T) {
	up := chunkyUpstream(t, []string{"a", "b"}, time.Millisecond)
	defer up.Close()

	var calls int
	var mu sync.Mutex
	selectFn := func(contentKey string) (EngineSelection, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return EngineSelection{EngineKey: "e1", PlaybackURL: up.URL}, nil
	}

	m := New(Config{}, selectFn, nil, discardLogger())
	ctx := context.Background()

	var wg sync.WaitGroup
	sessions := make([]*Session, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			sess, err := m.GetOrCreateSession(ctx, "content-1")
			if err != nil {
				t.Errorf("GetOrCreateSession: %v", err)
				return
			}
			sessions[idx] = sess
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected exactly one engine selection for concurrent joiners of the same key, got %d", calls)
	}
	for _, s := range sessions {
		if s.broadcaster != sessions[0].broadcaster {
			t.Fatalf("expected a single shared broadcaster per content key")
		}
	}
}

func TestStreamDataDeliversChunksToMultipleClients(t *testing.T) {
	up := chunkyUpstream(t, []string{"chunk1", "chunk2", "chunk3"}, 2*time.Millisecond)
	defer up.Close()

	selectFn := func(contentKey string) (EngineSelection, error) {
		return EngineSelection{EngineKey: "e1", PlaybackURL: up.URL}, nil
	}
	m := New(Config{}, selectFn, nil, discardLogger())
	ctx := context.Background()

	sess, err := m.GetOrCreateSession(ctx, "content-2")
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}

	cs, err := m.StreamData(ctx, sess, "client-a")
	if err != nil {
		t.Fatalf("StreamData: %v", err)
	}
	defer cs.Close()

	var got []byte
	for {
		data, err := cs.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		got = append(got, data...)
	}
	if string(got) != "chunk1chunk2chunk3" {
		t.Fatalf("unexpected stream content: %q", got)
	}
}

func TestStreamDataLateJoinerGetsBackfill(t *testing.T) {
	up := chunkyUpstream(t, []string{"a", "b", "c", "d", "e"}, 5*time.Millisecond)
	defer up.Close()

	selectFn := func(contentKey string) (EngineSelection, error) {
		return EngineSelection{EngineKey: "e1", PlaybackURL: up.URL}, nil
	}
	m := New(Config{}, selectFn, nil, discardLogger())
	ctx := context.Background()

	sess, err := m.GetOrCreateSession(ctx, "content-3")
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}

	first, err := m.StreamData(ctx, sess, "first")
	if err != nil {
		t.Fatalf("StreamData (first): %v", err)
	}
	defer first.Close()
	// Let a couple of chunks go by before the second client joins.
	_, _ = first.Next(ctx)
	_, _ = first.Next(ctx)

	late, err := m.StreamData(ctx, sess, "late")
	if err != nil {
		t.Fatalf("StreamData (late): %v", err)
	}
	defer late.Close()

	data, err := late.Next(ctx)
	if err != nil {
		t.Fatalf("late joiner Next: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("expected the late joiner to receive backfilled data")
	}
}

func TestSelectEngineErrorPropagates(t *testing.T) {
	wantErr := fmt.Errorf("no capacity")
	selectFn := func(contentKey string) (EngineSelection, error) {
		return EngineSelection{}, wantErr
	}
	m := New(Config{}, selectFn, nil, discardLogger())

	_, err := m.GetOrCreateSession(context.Background(), "content-4")
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected selection error to propagate, got %v", err)
	}
}

func TestStopByContentKeyIsIdempotent(t *testing.T) {
	up := chunkyUpstream(t, []string{"a"}, 0)
	defer up.Close()
	selectFn := func(contentKey string) (EngineSelection, error) {
		return EngineSelection{EngineKey: "e1", PlaybackURL: up.URL}, nil
	}
	m := New(Config{}, selectFn, nil, discardLogger())
	ctx := context.Background()

	sess, err := m.GetOrCreateSession(ctx, "content-5")
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	if err := sess.broadcaster.waitConnected(ctx); err != nil {
		t.Fatalf("waitConnected: %v", err)
	}

	m.StopByContentKey("content-5")
	m.StopByContentKey("content-5") // must not panic on double-stop

	if sess.broadcaster.State() != StateStopped {
		t.Fatalf("expected broadcaster to be stopped")
	}
}

func TestSweepIdleStopsBroadcasterNotJustForgetsIt(t *testing.T) {
	up := chunkyUpstream(t, []string{"a", "b", "c"}, time.Millisecond)
	defer up.Close()
	selectFn := func(contentKey string) (EngineSelection, error) {
		return EngineSelection{EngineKey: "e1", PlaybackURL: up.URL}, nil
	}
	m := New(Config{IdleTimeout: time.Millisecond}, selectFn, nil, discardLogger())
	ctx := context.Background()

	sess, err := m.GetOrCreateSession(ctx, "content-idle")
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	if err := sess.broadcaster.waitConnected(ctx); err != nil {
		t.Fatalf("waitConnected: %v", err)
	}

	// No clients ever joined, so the broadcaster is idle from creation.
	time.Sleep(5 * time.Millisecond)
	m.sweepIdle()

	if sess.broadcaster.State() != StateStopped {
		t.Fatalf("expected idle-gc to stop the broadcaster, got state %v", sess.broadcaster.State())
	}

	m.mu.Lock()
	_, stillTracked := m.broadcasters["content-idle"]
	m.mu.Unlock()
	if stillTracked {
		t.Fatalf("expected idle-gc to remove the broadcaster from the map")
	}
}

func TestBroadcasterFailurePropagatesToWaitingClient(t *testing.T) {
	selectFn := func(contentKey string) (EngineSelection, error) {
		return EngineSelection{EngineKey: "e1", PlaybackURL: "http://127.0.0.1:0/definitely-not-listening"}, nil
	}
	m := New(Config{}, selectFn, nil, discardLogger())
	ctx := context.Background()

	sess, err := m.GetOrCreateSession(ctx, "content-6")
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	if _, err := m.StreamData(ctx, sess, "c1"); err == nil {
		t.Fatalf("expected StreamData to fail when upstream connect fails")
	}
}
