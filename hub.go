package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ErrSubscriberClosed reports a send to a subscriber whose socket is gone.
var ErrSubscriberClosed = errors.New("subscriber closed")

// ErrSlowClient reports a subscriber whose buffer could not absorb a critical
// message. The subscriber is closed before this is returned.
var ErrSlowClient = errors.New("subscriber too slow for critical message")

type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type outbound struct {
	data     []byte
	critical bool
}

// Subscriber is the write side of one client connection: a bounded outbound
// queue drained by a single write pump. Enqueueing never blocks; a full
// buffer coalesces state updates and refuses critical messages.
type Subscriber struct {
	handle string
	conn   wsConn

	mu     sync.Mutex
	send   chan outbound
	closed bool
}

// NewSubscriber wraps an upgraded connection. The caller must run the write
// pump via Run.
func NewSubscriber(handle string, conn wsConn) *Subscriber {
	return &Subscriber{
		handle: handle,
		conn:   conn,
		send:   make(chan outbound, sendBufferSize),
	}
}

// Handle returns the client handle this subscriber serves.
func (s *Subscriber) Handle() string { return s.handle }

// Send enqueues a message without blocking. When the buffer is full, a
// non-critical message evicts the oldest queued message if that one is
// non-critical; if the oldest is critical, it is requeued at the back and the
// new message is discarded instead. Both cases report dropped=true. A
// critical message that finds the buffer full closes the subscriber and
// returns ErrSlowClient.
func (s *Subscriber) Send(data []byte, critical bool) (dropped bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrSubscriberClosed
	}

	msg := outbound{data: data, critical: critical}
	select {
	case s.send <- msg:
		return false, nil
	default:
	}

	if !critical {
		// Coalesce: make room by dropping the oldest queued state update.
		// Only the enqueue path removes under the mutex, so re-adding a
		// critical head cannot block.
		select {
		case old := <-s.send:
			if old.critical {
				s.send <- old
				return true, nil
			}
		default:
		}
		select {
		case s.send <- msg:
		default:
		}
		return true, nil
	}

	s.closeLocked()
	return false, ErrSlowClient
}

// Run drains the outbound queue onto the socket until the subscriber closes
// or a write fails. It must run on its own goroutine.
func (s *Subscriber) Run() {
	for msg := range s.send {
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
			s.Close()
			return
		}
	}
}

// Close shuts the socket and the outbound queue. Safe to call more than once.
func (s *Subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *Subscriber) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	s.conn.Close()
	close(s.send)
}

// Publisher carries lobby broadcasts to every other node in the cluster.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

type lobbyEnvelope struct {
	Node     string          `json:"node"`
	Critical bool            `json:"critical,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

// Hub is the per-node fan-out for the single lobby topic. It tracks live
// subscribers and delivers every broadcast to each of them without
// head-of-line blocking. Cross-node propagation goes through the publisher;
// remote deliveries arrive via HandleRemote.
type Hub struct {
	mu          sync.Mutex
	subscribers map[string]*Subscriber

	nodeID    string
	publisher Publisher
	telemetry *TelemetryCounters
	logger    zerolog.Logger
}

// NewHub creates an empty lobby. publisher may be nil for single-node use.
func NewHub(nodeID string, publisher Publisher, telemetry *TelemetryCounters, logger zerolog.Logger) *Hub {
	if telemetry == nil {
		telemetry = NewTelemetryCounters()
	}
	return &Hub{
		subscribers: make(map[string]*Subscriber),
		nodeID:      nodeID,
		publisher:   publisher,
		telemetry:   telemetry,
		logger:      logger,
	}
}

// NodeID returns the hub's cluster-unique identity.
func (h *Hub) NodeID() string { return h.nodeID }

// Join registers a subscriber; subsequent broadcasts are delivered to it.
func (h *Hub) Join(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.subscribers[sub.handle]; ok {
		existing.Close()
	}
	h.subscribers[sub.handle] = sub
}

// Leave unregisters a subscriber and reports whether it was present. The
// caller owns closing the subscriber.
func (h *Hub) Leave(handle string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	_, ok := h.subscribers[handle]
	if ok {
		delete(h.subscribers, handle)
	}
	return ok
}

// Count returns the number of locally registered subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Broadcast delivers payload to every local subscriber and publishes it for
// the rest of the cluster.
func (h *Hub) Broadcast(ctx context.Context, payload []byte, critical bool) {
	h.deliver("", payload, critical)
	h.publish(ctx, payload, critical)
}

// BroadcastFrom is Broadcast minus one local subscriber, used when the
// originator is on this node and is updating its peers.
func (h *Hub) BroadcastFrom(ctx context.Context, exclude string, payload []byte, critical bool) {
	h.deliver(exclude, payload, critical)
	h.publish(ctx, payload, critical)
}

func (h *Hub) publish(ctx context.Context, payload []byte, critical bool) {
	if h.publisher == nil {
		return
	}
	env := lobbyEnvelope{Node: h.nodeID, Critical: critical, Payload: payload}
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal lobby envelope")
		return
	}
	if err := h.publisher.Publish(ctx, LobbyChannel, data); err != nil {
		h.logger.Warn().Err(err).Msg("lobby publish failed; remote nodes miss this broadcast")
	}
}

// HandleRemote processes one message from the cluster fan-out channel.
// Messages this node published are skipped; local delivery already happened.
func (h *Hub) HandleRemote(data []byte) {
	var env lobbyEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		h.logger.Warn().Err(err).Msg("discarding malformed lobby envelope")
		return
	}
	if env.Node == h.nodeID {
		return
	}
	h.deliver("", env.Payload, env.Critical)
}

func (h *Hub) deliver(exclude string, payload []byte, critical bool) {
	h.mu.Lock()
	subs := make([]*Subscriber, 0, len(h.subscribers))
	for handle, sub := range h.subscribers {
		if handle == exclude {
			continue
		}
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		dropped, err := sub.Send(payload, critical)
		if dropped {
			h.telemetry.RecordCoalescedDrop()
		}
		switch {
		case errors.Is(err, ErrSlowClient):
			h.telemetry.RecordSlowClientClose()
			h.logger.Warn().Str("handle", sub.handle).Msg("closing subscriber: buffer full on critical message")
			h.Leave(sub.handle)
		case errors.Is(err, ErrSubscriberClosed):
			h.Leave(sub.handle)
		default:
			h.telemetry.RecordBroadcast(len(payload), 1)
		}
	}
}
