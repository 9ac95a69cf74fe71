package state

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketStreams = []byte("streams")
	bucketStats   = []byte("stats")
)

// Store is the thread-safe engine/stream registry. Every mutating method
// acquires mu for its whole duration (spec.md §5): stream_started and
// stream_ended effects on the same stream id are serialized by this lock.
type Store struct {
	mu sync.Mutex

	engines map[string]*Engine // containerID -> engine
	streams map[string]*Stream // stream id -> stream

	db *bolt.DB // nil disables persistence (e.g. in tests)
}

// Open creates a Store. dbPath == "" disables durable persistence (streams
// and stats live in memory only, useful for tests).
func Open(dbPath string) (*Store, error) {
	s := &Store{
		engines: make(map[string]*Engine),
		streams: make(map[string]*Stream),
	}
	if dbPath == "" {
		return s, nil
	}
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketStreams); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketStats)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("init state db buckets: %w", err)
	}
	s.db = db
	if err := s.loadFromDisk(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) loadFromDisk() error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStreams)
		return b.ForEach(func(k, v []byte) error {
			var st Stream
			if err := json.Unmarshal(v, &st); err != nil {
				return nil // skip corrupt record rather than fail startup
			}
			s.streams[st.ID] = &st
			return nil
		})
	})
}

func (s *Store) persistStream(st *Stream) {
	if s.db == nil {
		return
	}
	b, err := json.Marshal(st)
	if err != nil {
		return
	}
	_ = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStreams).Put([]byte(st.ID), b)
	})
}

func (s *Store) persistStat(streamID string, snap StatSnapshot) {
	if s.db == nil {
		return
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return
	}
	key := fmt.Sprintf("%s|%d", streamID, snap.Timestamp.UnixNano())
	_ = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStats).Put([]byte(key), b)
	})
}

// UpsertEngine inserts or updates an engine record.
func (s *Store) UpsertEngine(e *Engine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.engines[e.ContainerID]; ok {
		if e.Streams == nil {
			e.Streams = existing.Streams
		}
		if e.FirstSeen.IsZero() {
			e.FirstSeen = existing.FirstSeen
		}
	}
	if e.Streams == nil {
		e.Streams = make(map[string]bool)
	}
	if e.FirstSeen.IsZero() {
		e.FirstSeen = time.Now()
	}
	e.LastSeen = time.Now()
	s.engines[e.ContainerID] = e
}

// RemoveEngine deletes an engine record (the provisioner's Stop path and the
// reconciler's prune path).
func (s *Store) RemoveEngine(containerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.engines, containerID)
}

func (s *Store) SetEngineVPN(containerID, vpn string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.engines[containerID]; ok {
		e.VPNContainer = vpn
	}
}

func (s *Store) SetForwarded(containerID string, forwarded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.engines[containerID]; ok {
		e.Forwarded = forwarded
	}
}

func (s *Store) SetHealth(containerID string, status HealthStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.engines[containerID]; ok {
		e.HealthStatus = status
		e.LastHealthCheck = time.Now()
	}
}

// IncrementFailures bumps the consecutive-failure counter and returns the
// new value.
func (s *Store) IncrementFailures(containerID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.engines[containerID]
	if !ok {
		return 0
	}
	e.ConsecutiveFails++
	return e.ConsecutiveFails
}

func (s *Store) ResetFailures(containerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.engines[containerID]; ok {
		e.ConsecutiveFails = 0
	}
}

// EngineFilter narrows ListEngines results; zero value matches everything.
type EngineFilter struct {
	VPNContainer string
	HealthStatus HealthStatus
	OnlyRunning  bool // reserved: runtime state is tracked by the reconciler
}

func (s *Store) ListEngines(filter EngineFilter) []Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Engine, 0, len(s.engines))
	for _, e := range s.engines {
		if filter.VPNContainer != "" && e.VPNContainer != filter.VPNContainer {
			continue
		}
		if filter.HealthStatus != "" && e.HealthStatus != filter.HealthStatus {
			continue
		}
		out = append(out, *e)
	}
	return out
}

func (s *Store) GetEngine(containerID string) (Engine, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.engines[containerID]
	if !ok {
		return Engine{}, false
	}
	return *e, true
}

// StreamFilter narrows ListStreams.
type StreamFilter struct {
	Status      StreamStatus
	ContainerID string
}

func (s *Store) ListStreams(filter StreamFilter) []Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Stream, 0, len(s.streams))
	for _, st := range s.streams {
		if filter.Status != "" && st.Status != filter.Status {
			continue
		}
		if filter.ContainerID != "" && st.ContainerID != filter.ContainerID {
			continue
		}
		out = append(out, *st)
	}
	return out
}

func (s *Store) GetStream(id string) (Stream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[id]
	if !ok {
		return Stream{}, false
	}
	return *st, true
}

// OnStreamStarted allocates (or idempotently returns) a Stream for evt,
// attaches it to the owning engine, and updates last_stream_usage.
// spec.md §4.3/§4.10.
func (s *Store) OnStreamStarted(evt StartedEvent) *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Stream identity is {content_key}|{playback_session_id} (spec.md §3), so
	// repeated stream_started events for the same playback session are
	// idempotent. A session ID is only missing for malformed events; fall
	// back to a generated suffix rather than colliding two different streams.
	sessionID := evt.Session.PlaybackSessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	id := evt.Stream.Key + "|" + sessionID
	if existing, ok := s.streams[id]; ok && existing.Status == StreamStarted {
		return existing
	}

	st := &Stream{
		ID:                id,
		KeyType:           evt.Stream.KeyType,
		Key:               evt.Stream.Key,
		ContainerID:       evt.ContainerID,
		PlaybackSessionID: evt.Session.PlaybackSessionID,
		StatURL:           evt.Session.StatURL,
		CommandURL:        evt.Session.CommandURL,
		IsLive:            evt.Session.IsLive != 0,
		Status:            StreamStarted,
		StartedAt:          time.Now(),
	}
	s.streams[id] = st
	s.persistStream(st)

	if e, ok := s.engines[evt.ContainerID]; ok {
		if e.Streams == nil {
			e.Streams = make(map[string]bool)
		}
		e.Streams[id] = true
		e.LastStreamUsage = time.Now()
	}
	return st
}

// OnStreamEnded marks a stream ended and reports whether its engine became
// idle as a result, so the caller (C10) can schedule cache cleanup.
// Ending an already-ended stream is a no-op (spec.md §8 idempotence).
func (s *Store) OnStreamEnded(streamID string) (stream *Stream, engineBecameIdle bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, exists := s.streams[streamID]
	if !exists {
		return nil, false, false
	}
	if st.Status == StreamEnded {
		return st, false, true // already-ended: no-op, not "newly idle"
	}

	now := time.Now()
	st.Status = StreamEnded
	st.EndedAt = &now
	s.persistStream(st)

	if e, ok := s.engines[st.ContainerID]; ok {
		delete(e.Streams, streamID)
		if len(e.Streams) == 0 {
			engineBecameIdle = true
		}
	}
	return st, engineBecameIdle, true
}

// AppendStats appends a stat snapshot to a stream's time-series.
func (s *Store) AppendStats(streamID string, snap StatSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[streamID]
	if !ok {
		return
	}
	st.Stats = append(st.Stats, snap)
	s.persistStat(streamID, snap)
}

// StatsSince returns stat snapshots for a stream at or after `since`.
func (s *Store) StatsSince(streamID string, since time.Time) []StatSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[streamID]
	if !ok {
		return nil
	}
	out := make([]StatSnapshot, 0, len(st.Stats))
	for _, snap := range st.Stats {
		if !snap.Timestamp.Before(since) {
			out = append(out, snap)
		}
	}
	return out
}

// MarkCacheCleaned records a cache-cleanup completion for an engine.
func (s *Store) MarkCacheCleaned(containerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.engines[containerID]; ok {
		e.LastCacheCleanup = time.Now()
	}
}

// Snapshot is a point-in-time copy for API reads (spec.md §4.3).
type Snapshot struct {
	Engines []Engine
	Streams []Stream
}

func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Engines: make([]Engine, 0, len(s.engines)),
		Streams: make([]Stream, 0, len(s.streams)),
	}
	for _, e := range s.engines {
		snap.Engines = append(snap.Engines, *e)
	}
	for _, st := range s.streams {
		snap.Streams = append(snap.Streams, *st)
	}
	return snap
}
