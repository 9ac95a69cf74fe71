// Package multiplexer implements the streaming fan-out (C12, spec.md
// §4.12): one broadcaster per content key, relaying a single upstream
// MPEG-TS HTTP response to N clients.
//
// Ring buffer and zero-copy chunk handling are grounded on
// sonroyaalmerol-m3u-stream-merger's StreamCoordinator
// (proxy/stream/shared_buffer.go): container/ring of
// bytebufferpool-backed chunks, an atomic int32 state machine, and a
// snapshot-under-lock/act-without-lock discipline for broadcast. The
// client-queue fan-out and race-free join/broadcast contracts below are
// generalized from that shape to spec.md's explicit per-client bounded
// queue model (rather than that example's single shared broadcast
// channel), since spec.md requires dropping individually slow clients
// without a global wakeup storm.
package multiplexer

import (
	"container/ring"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/bytebufferpool"
)

// State is the broadcaster lifecycle (spec.md §4.12 state machine).
type State int32

const (
	StateCreated State = iota
	StateConnecting
	StateStreaming
	StateFailed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config tunes ring size, client queue depth, and timeouts.
type Config struct {
	RecentChunksCapacity int           // default 100 (~6.4MiB at 64KiB chunks)
	ChunkSize            int           // default 64*1024
	ClientQueueCapacity  int           // default 64
	ConnectTimeout       time.Duration // default 30s
	ConnectWait          time.Duration // default 30s
	IdleTimeout          time.Duration // default 300s
}

func (c Config) withDefaults() Config {
	if c.RecentChunksCapacity == 0 {
		c.RecentChunksCapacity = 100
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = 64 * 1024
	}
	if c.ClientQueueCapacity == 0 {
		c.ClientQueueCapacity = 64
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.ConnectWait == 0 {
		c.ConnectWait = 30 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 300 * time.Second
	}
	return c
}

// chunk is one piece of body data (or an end-of-stream sentinel) queued to
// a client. A nil Data with non-nil Err means "stream over, see Err".
type chunk struct {
	data []byte
	err  error
}

// client is one subscriber's bounded delivery queue.
type client struct {
	id    string
	queue chan *chunk
}

// Broadcaster is a single content key's 1-to-N fan-out.
type Broadcaster struct {
	contentKey string
	playbackURL string
	cfg        Config
	log        *slog.Logger
	httpClient *http.Client

	state atomic.Int32
	err   atomic.Value // error

	connectOnce     sync.Once
	connectionEvent chan struct{}
	firstChunkOnce  sync.Once
	firstChunkEvent chan struct{}

	ring      *ring.Ring // recent_chunks, written by fetch task only
	ringMu    sync.Mutex

	clientsMu sync.Mutex
	clients   map[string]*client

	cancel context.CancelFunc
	resp   *http.Response
	respMu sync.Mutex

	lastClientGone atomic.Value // time.Time, for idle-GC
}

func newBroadcaster(contentKey, playbackURL string, cfg Config, log *slog.Logger) *Broadcaster {
	cfg = cfg.withDefaults()
	r := ring.New(cfg.RecentChunksCapacity)
	for i := 0; i < cfg.RecentChunksCapacity; i++ {
		r.Value = (*bytebufferpool.ByteBuffer)(nil)
		r = r.Next()
	}

	b := &Broadcaster{
		contentKey:      contentKey,
		playbackURL:     playbackURL,
		cfg:             cfg,
		log:             log,
		httpClient:      newUpstreamClient(cfg),
		connectionEvent: make(chan struct{}),
		firstChunkEvent: make(chan struct{}),
		ring:            r,
		clients:         make(map[string]*client),
	}
	b.state.Store(int32(StateCreated))
	// A broadcaster starts with zero clients, so its idle clock starts now.
	b.lastClientGone.Store(time.Now())
	return b
}

// newUpstreamClient builds an HTTP client matching spec.md §4.12's upstream
// fetch contract: finite connect timeout, unbounded read/write, a bounded
// connection pool, and no response-level deadline (streams can run
// indefinitely).
func newUpstreamClient(cfg Config) *http.Client {
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxConnsPerHost:       10,
		MaxIdleConnsPerHost:   10,
		ResponseHeaderTimeout: cfg.ConnectTimeout,
		DisableCompression:    true,
	}
	return &http.Client{
		Transport: transport,
		// No top-level Timeout: read/write must be unbounded per spec.
	}
}

func (b *Broadcaster) State() State { return State(b.state.Load()) }

func (b *Broadcaster) setState(s State) { b.state.Store(int32(s)) }

func (b *Broadcaster) setError(err error) {
	b.err.Store(err)
}

func (b *Broadcaster) Error() error {
	if v := b.err.Load(); v != nil {
		return v.(error)
	}
	return nil
}

func (b *Broadcaster) signalConnected() {
	b.connectOnce.Do(func() { close(b.connectionEvent) })
}

func (b *Broadcaster) signalFirstChunk() {
	b.firstChunkOnce.Do(func() { close(b.firstChunkEvent) })
}

// start spawns the upstream fetch task (created -> connecting).
func (b *Broadcaster) start(ctx context.Context) {
	fetchCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.setState(StateConnecting)
	go b.runFetch(fetchCtx)
}

// runFetch implements the §4.12 upstream fetch contract, with crash
// isolation: any exit path sets error (if any) and signals both events.
func (b *Broadcaster) runFetch(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			b.fail(fmt.Errorf("panic in upstream fetch: %v", r))
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.playbackURL, nil)
	if err != nil {
		b.fail(fmt.Errorf("build upstream request: %w", err))
		return
	}
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		b.fail(fmt.Errorf("upstream fetch failed: %w", err))
		return
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		b.fail(fmt.Errorf("upstream returned status %d", resp.StatusCode))
		return
	}

	b.respMu.Lock()
	b.resp = resp
	b.respMu.Unlock()
	defer resp.Body.Close()

	b.setState(StateStreaming)
	b.signalConnected()

	buf := make([]byte, b.cfg.ChunkSize)
	first := true
	for {
		select {
		case <-ctx.Done():
			b.stopped()
			return
		default:
		}

		n, err := resp.Body.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			b.appendRecent(data)
			b.broadcast(&chunk{data: data})
			if first {
				b.signalFirstChunk()
				first = false
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				b.broadcast(&chunk{err: io.EOF})
				b.signalFirstChunk() // unblock any joiner even on empty stream
				b.stopped()
				return
			}
			if ctx.Err() != nil {
				// stop() cancelled the fetch and closed the body: this read
				// error is the shutdown itself, not an upstream failure.
				b.stopped()
				return
			}
			b.fail(fmt.Errorf("upstream read failed: %w", err))
			return
		}
	}
}

// fail transitions to failed, guaranteeing both events unblock (spec.md
// §4.12, §7 "broadcaster guarantees failure always unblocks waiters").
func (b *Broadcaster) fail(err error) {
	b.setError(err)
	b.setState(StateFailed)
	b.signalConnected()
	b.signalFirstChunk()
	b.broadcast(&chunk{err: err})
}

func (b *Broadcaster) stopped() {
	b.setState(StateStopped)
}

// appendRecent writes one chunk into the ring buffer. Written only by the
// fetch task (spec.md §4.12 Ring buffer section).
func (b *Broadcaster) appendRecent(data []byte) {
	bb := bytebufferpool.Get()
	_, _ = bb.Write(data)

	b.ringMu.Lock()
	if old, ok := b.ring.Value.(*bytebufferpool.ByteBuffer); ok && old != nil {
		bytebufferpool.Put(old)
	}
	b.ring.Value = bb
	b.ring = b.ring.Next()
	b.ringMu.Unlock()
}

// recentSnapshot returns copies of all buffered chunks in write order,
// oldest first. Used by addClient's join contract.
func (b *Broadcaster) recentSnapshot() [][]byte {
	b.ringMu.Lock()
	defer b.ringMu.Unlock()

	out := make([][]byte, 0, b.cfg.RecentChunksCapacity)
	cur := b.ring
	for i := 0; i < b.cfg.RecentChunksCapacity; i++ {
		if bb, ok := cur.Value.(*bytebufferpool.ByteBuffer); ok && bb != nil && bb.Len() > 0 {
			cp := make([]byte, bb.Len())
			copy(cp, bb.Bytes())
			out = append(out, cp)
		}
		cur = cur.Next()
	}
	return out
}

// addClient implements the §4.12 race-free client join contract.
func (b *Broadcaster) addClient(id string) *client {
	snapshot := b.recentSnapshot()

	c := &client{id: id, queue: make(chan *chunk, b.cfg.ClientQueueCapacity)}
	b.clientsMu.Lock()
	b.clients[id] = c
	b.clientsMu.Unlock()

	for _, data := range snapshot {
		select {
		case c.queue <- &chunk{data: data}:
		default:
			// Backfill queue already full: drop remaining backfill rather
			// than block the joining client's own admission.
		}
	}
	return c
}

// removeClient drops a client's queue; idempotent.
func (b *Broadcaster) removeClient(id string) {
	b.clientsMu.Lock()
	delete(b.clients, id)
	remaining := len(b.clients)
	b.clientsMu.Unlock()
	if remaining == 0 {
		b.lastClientGone.Store(time.Now())
	}
}

func (b *Broadcaster) clientCount() int {
	b.clientsMu.Lock()
	defer b.clientsMu.Unlock()
	return len(b.clients)
}

// broadcast implements the §4.12 race-free broadcast contract: snapshot
// the client set under lock, release, then attempt non-blocking sends.
func (b *Broadcaster) broadcast(c *chunk) {
	b.clientsMu.Lock()
	targets := make([]*client, 0, len(b.clients))
	for _, cl := range b.clients {
		targets = append(targets, cl)
	}
	b.clientsMu.Unlock()

	var full []string
	for _, cl := range targets {
		select {
		case cl.queue <- c:
		default:
			full = append(full, cl.id)
		}
	}

	if len(full) == 0 {
		return
	}
	b.clientsMu.Lock()
	for _, id := range full {
		delete(b.clients, id)
	}
	remaining := len(b.clients)
	b.clientsMu.Unlock()
	if remaining == 0 {
		b.lastClientGone.Store(time.Now())
	}
	if len(full) > 0 {
		b.log.Warn("dropped slow client(s)", "content_key", b.contentKey, "count", len(full))
	}
}

// stop cancels the fetch task, transitions to stopped, and drains client
// queues with an end-of-stream sentinel. Idempotent.
func (b *Broadcaster) stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.respMu.Lock()
	if b.resp != nil {
		b.resp.Body.Close()
	}
	b.respMu.Unlock()

	b.setState(StateStopped)
	b.signalConnected()
	b.signalFirstChunk()

	b.clientsMu.Lock()
	for _, cl := range b.clients {
		select {
		case cl.queue <- &chunk{err: io.EOF}:
		default:
		}
	}
	b.clientsMu.Unlock()
}

// waitConnected blocks until the upstream connection resolves (success or
// error), bounded by connect_wait.
func (b *Broadcaster) waitConnected(ctx context.Context) error {
	select {
	case <-b.connectionEvent:
		if err := b.Error(); err != nil {
			return err
		}
		return nil
	case <-time.After(b.cfg.ConnectWait):
		return fmt.Errorf("timed out waiting for upstream connection for %q", b.contentKey)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Broadcaster) waitFirstChunk(ctx context.Context) error {
	select {
	case <-b.firstChunkEvent:
		if err := b.Error(); err != nil {
			return err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// idleSince reports how long this broadcaster has had zero clients (since
// creation if no client ever joined, else since the last one left);
// returns (0, false) if it currently has clients.
func (b *Broadcaster) idleSince() (time.Duration, bool) {
	if b.clientCount() > 0 {
		return 0, false
	}
	t, _ := b.lastClientGone.Load().(time.Time)
	if t.IsZero() {
		return 0, false
	}
	return time.Since(t), true
}
