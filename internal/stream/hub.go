// Package stream manages the live output channels that carry login events
// back to waiting browsers. A channel's remote end can vanish without any
// notification; the only reliable signal is a failed write, so the hub probes
// every channel on a fixed schedule and evicts the dead ones.
package stream

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
)

// ErrClosed is returned by transports once torn down.
var ErrClosed = errors.New("stream: transport closed")

// Transport is the one-way wire a Stream writes to. Implementations must
// return an error from WriteEvent and WritePing once the remote end is gone.
type Transport interface {
	WriteEvent(id int64, name string, data []byte) error
	WritePing() error
	Close() error
}

// Stream is one live channel, keyed by login identifier. At most one stream
// per identifier is authoritative; opening a second replaces the first.
type Stream struct {
	loginID   string
	transport Transport
	createdAt time.Time

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// Done is closed when the stream is torn down, whichever side caused it.
// Handlers block on this to keep the HTTP response open.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// MarkClosed flags the stream as gone without touching the hub's storage; the
// next sweep removes it. Used when the request context ends client-side.
func (s *Stream) MarkClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *Stream) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	_ = s.transport.Close()
	close(s.done)
}

func (s *Stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// writeEvent serializes one event onto the transport. The error reports a
// dead remote end.
func (s *Stream) writeEvent(id int64, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.transport.WriteEvent(id, name, data)
}

func (s *Stream) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.transport.WritePing()
}

// Hub is the registry of live streams.
type Hub struct {
	mu      sync.Mutex
	streams map[string]*Stream

	maxStreams    int
	ttl           time.Duration
	sweepInterval time.Duration
	ids           *snowflake.Node
	logger        *zap.Logger
}

// NewHub builds a hub bounded by maxStreams entries, each living at most ttl.
func NewHub(maxStreams int, ttl, sweepInterval time.Duration, ids *snowflake.Node, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.L()
	}
	return &Hub{
		streams:       make(map[string]*Stream),
		maxStreams:    maxStreams,
		ttl:           ttl,
		sweepInterval: sweepInterval,
		ids:           ids,
		logger:        logger,
	}
}

// Open registers a new stream for the identifier, replacing and closing any
// prior one. When the hub is at capacity the oldest stream makes room.
func (h *Hub) Open(loginID string, t Transport) *Stream {
	s := &Stream{
		loginID:   loginID,
		transport: t,
		createdAt: time.Now(),
		done:      make(chan struct{}),
	}

	h.mu.Lock()
	if prior, ok := h.streams[loginID]; ok {
		delete(h.streams, loginID)
		defer prior.MarkClosed()
	} else if len(h.streams) >= h.maxStreams {
		h.evictOldestLocked()
	}
	h.streams[loginID] = s
	h.mu.Unlock()

	h.logger.Info("stream opened", zap.String("login_id", loginID))
	return s
}

// Send writes one structured event to the live stream for the identifier.
// It reports false when nobody is listening: absent stream, closed stream, or
// a write failure (which also tears the stream down). Best effort by contract.
func (h *Hub) Send(loginID, event string, payload any) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Warn("event payload not serializable", zap.String("login_id", loginID), zap.Error(err))
		return false
	}

	h.mu.Lock()
	s, ok := h.streams[loginID]
	h.mu.Unlock()
	if !ok || s.isClosed() {
		// whoever closed it should have removed it already; otherwise the
		// sweep will
		return false
	}

	if err := s.writeEvent(h.ids.Generate().Int64(), event, data); err != nil {
		h.logger.Info("event write failed, removing stream",
			zap.String("login_id", loginID), zap.String("event", event), zap.Error(err))
		h.Remove(loginID)
		return false
	}
	return true
}

// Remove tears the stream down and drops it from storage. Idempotent.
func (h *Hub) Remove(loginID string) {
	h.mu.Lock()
	s, ok := h.streams[loginID]
	if ok {
		delete(h.streams, loginID)
	}
	h.mu.Unlock()
	if ok {
		s.MarkClosed()
		h.logger.Debug("stream removed", zap.String("login_id", loginID))
	}
}

// Len reports the number of tracked streams.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.streams)
}

// Sweep probes every stream and removes the dead ones. Mark and sweep in two
// phases: probing must not be interleaved with mutation of the live set.
func (h *Hub) Sweep() {
	h.mu.Lock()
	candidates := make([]*Stream, 0, len(h.streams))
	for _, s := range h.streams {
		candidates = append(candidates, s)
	}
	h.mu.Unlock()

	var removable []string
	now := time.Now()
	for _, s := range candidates {
		if h.isRemovable(s, now) {
			removable = append(removable, s.loginID)
		}
	}

	if len(removable) > 0 {
		h.logger.Debug("sweep removing streams", zap.Int("count", len(removable)))
	}
	for _, id := range removable {
		h.Remove(id)
	}
}

// isRemovable reports whether the stream is dead from either end. The remote
// end never tells us it left, so a silent ping frame is written; a failure
// means the peer is gone.
func (h *Hub) isRemovable(s *Stream, now time.Time) bool {
	if s.isClosed() {
		return true
	}
	if h.ttl > 0 && now.Sub(s.createdAt) > h.ttl {
		h.logger.Info("stream outlived its ttl", zap.String("login_id", s.loginID))
		return true
	}
	if err := s.ping(); err != nil {
		h.logger.Info("ping failed, peer probably gone",
			zap.String("login_id", s.loginID), zap.Error(err))
		return true
	}
	return false
}

func (h *Hub) evictOldestLocked() {
	var oldest *Stream
	for _, s := range h.streams {
		if oldest == nil || s.createdAt.Before(oldest.createdAt) {
			oldest = s
		}
	}
	if oldest != nil {
		delete(h.streams, oldest.loginID)
		go oldest.MarkClosed()
		h.logger.Warn("stream capacity reached, evicted oldest", zap.String("login_id", oldest.loginID))
	}
}

// Run drives the periodic liveness sweep until ctx is done.
func (h *Hub) Run(done <-chan struct{}) {
	ticker := time.NewTicker(h.sweepInterval)
	defer ticker.Stop()
	h.logger.Info("stream sweeper running", zap.Duration("interval", h.sweepInterval))
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			h.Sweep()
		}
	}
}
