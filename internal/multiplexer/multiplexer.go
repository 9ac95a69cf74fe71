package multiplexer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EngineSelection is what C13 hands back for a new session.
type EngineSelection struct {
	EngineKey         string
	Host              string
	Port              int
	PlaybackURL       string
	StatURL           string
	CommandURL        string
	PlaybackSessionID string // from the engine's getstream response, when it reports one
	IsLive            bool
}

// SelectEngineFunc picks an engine and returns its playback details.
// Errors propagate as the selector's own typed errors (e.g. ErrNoCapacity).
type SelectEngineFunc func(contentKey string) (EngineSelection, error)

// EmitStreamStartedFunc notifies C10 that a stream has begun, so state and
// pending-allocation bookkeeping stay in sync (spec.md §4.12 step 1).
type EmitStreamStartedFunc func(sel EngineSelection, contentKey, playbackSessionID string)

// Session is a handle a caller uses to read from a broadcaster.
type Session struct {
	ContentKey string
	broadcaster *Broadcaster
}

// Multiplexer owns one Broadcaster per content key (spec.md §4.12).
type Multiplexer struct {
	cfg          Config
	log          *slog.Logger
	selectEngine SelectEngineFunc
	emitStarted  EmitStreamStartedFunc

	mu           sync.Mutex
	broadcasters map[string]*Broadcaster
}

func New(cfg Config, selectEngine SelectEngineFunc, emitStarted EmitStreamStartedFunc, log *slog.Logger) *Multiplexer {
	return &Multiplexer{
		cfg:          cfg.withDefaults(),
		log:          log,
		selectEngine: selectEngine,
		emitStarted:  emitStarted,
		broadcasters: make(map[string]*Broadcaster),
	}
}

// GetOrCreateSession implements the §4.12 get_or_create_session operation.
func (m *Multiplexer) GetOrCreateSession(ctx context.Context, contentKey string) (*Session, error) {
	// The lock is held through selection and registration so concurrent
	// joiners of one key select exactly one engine. Invariant (spec.md §8
	// #4): at most one live broadcaster per content key.
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.broadcasters[contentKey]; ok && b.State() != StateFailed && b.State() != StateStopped {
		return &Session{ContentKey: contentKey, broadcaster: b}, nil
	}

	sel, err := m.selectEngine(contentKey)
	if err != nil {
		return nil, err
	}

	playbackSessionID := sel.PlaybackSessionID
	if playbackSessionID == "" {
		playbackSessionID = uuid.NewString()
	}
	if m.emitStarted != nil {
		m.emitStarted(sel, contentKey, playbackSessionID)
	}

	b := newBroadcaster(contentKey, sel.PlaybackURL, m.cfg, m.log)
	m.broadcasters[contentKey] = b

	b.start(ctx)
	return &Session{ContentKey: contentKey, broadcaster: b}, nil
}

// StreamData implements the §4.12 stream_data operation: registers a
// client, waits for connection and first chunk, then returns a reader
// callers can pull chunks from via Next until io.EOF or error.
type ClientStream struct {
	client *client
	b      *Broadcaster
	id     string
}

// StreamData admits a client to session's broadcaster and blocks until the
// upstream connection and first chunk are ready, per the join contract.
func (m *Multiplexer) StreamData(ctx context.Context, sess *Session, clientID string) (*ClientStream, error) {
	b := sess.broadcaster

	if err := b.waitConnected(ctx); err != nil {
		return nil, fmt.Errorf("stream %q: %w", sess.ContentKey, err)
	}

	cl := b.addClient(clientID)

	if err := b.waitFirstChunk(ctx); err != nil {
		b.removeClient(clientID)
		return nil, fmt.Errorf("stream %q: %w", sess.ContentKey, err)
	}

	return &ClientStream{client: cl, b: b, id: clientID}, nil
}

// Next blocks for the next chunk of data, returning io.EOF when the stream
// ends normally or is stopped, the broadcaster's error if it fails, and
// ctx.Err() if ctx ends first.
func (cs *ClientStream) Next(ctx context.Context) ([]byte, error) {
	select {
	case c, ok := <-cs.client.queue:
		if !ok || c == nil {
			return nil, io.EOF
		}
		if c.err != nil {
			return nil, c.err
		}
		return c.data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close unregisters the client from its broadcaster. Idempotent.
func (cs *ClientStream) Close() {
	cs.b.removeClient(cs.id)
}

// StopByContentKey implements the §4.12 stop_by_content_key operation:
// idempotent no-op if no broadcaster exists for contentKey.
func (m *Multiplexer) StopByContentKey(contentKey string) {
	m.mu.Lock()
	b, ok := m.broadcasters[contentKey]
	if ok {
		delete(m.broadcasters, contentKey)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	b.stop()
}

// RunIdleGC stops broadcasters with zero clients for longer than
// IdleTimeout. Blocks until ctx is cancelled.
func (m *Multiplexer) RunIdleGC(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepIdle()
		}
	}
}

func (m *Multiplexer) sweepIdle() {
	m.mu.Lock()
	toStop := make(map[string]*Broadcaster)
	for key, b := range m.broadcasters {
		switch b.State() {
		case StateStopped, StateFailed:
			toStop[key] = b
		default:
			if since, idle := b.idleSince(); idle && since >= m.cfg.IdleTimeout {
				toStop[key] = b
			}
		}
	}
	for key := range toStop {
		delete(m.broadcasters, key)
	}
	m.mu.Unlock()

	for key, b := range toStop {
		b.stop()
		m.log.Debug("idle-gc stopping broadcaster", "content_key", key)
	}
}
