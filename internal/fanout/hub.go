// Package fanout implements the real-time broadcast hub: session and event
// updates pushed to subscribed SSE and WebSocket clients, generalized from
// the teacher's task-scoped WebSocket hub into a session-scoped, dual
// transport broadcaster with per-subscriber backpressure.
package fanout

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/agentctrl/internal/common/logger"
	"github.com/kandev/agentctrl/internal/metrics"
	"github.com/kandev/agentctrl/internal/store"
)

// Frame types broadcast to subscribers.
const (
	FrameInit           = "init"
	FrameSessionCreated = "session_created"
	FrameSessionUpdated = "session_updated"
	FrameSessionDeleted = "session_deleted"
	FrameEvent          = "event"
)

// Frame is the envelope every subscriber receives, serialized verbatim.
type Frame struct {
	Type      string          `json:"type"`
	Sessions  []store.Session `json:"sessions,omitempty"`
	Session   *store.Session  `json:"session,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Data      *store.Event    `json:"data,omitempty"`
}

// sendQueueSize bounds each subscriber's outstanding frame backlog. A
// subscriber whose queue is full is disconnected rather than allowed to
// block the broadcaster.
const sendQueueSize = 256

// Subscriber is a single open SSE or WebSocket stream.
type Subscriber struct {
	id   string
	send chan []byte

	mu     sync.Mutex
	closed bool
}

func newSubscriber(id string) *Subscriber {
	return &Subscriber{id: id, send: make(chan []byte, sendQueueSize)}
}

// Recv returns the channel to drain for outbound frame bytes. Callers
// (the SSE writer loop, or a WebSocket write pump) range over this channel
// until it closes.
func (s *Subscriber) Recv() <-chan []byte { return s.send }

// enqueue makes one non-blocking delivery attempt under the subscriber's
// lock, so a close() racing with a send can never write to a closed channel.
func (s *Subscriber) enqueue(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
}

// SessionLister resolves the current session snapshot for a new
// subscriber's init frame.
type SessionLister interface {
	List(ctx context.Context) ([]store.Session, error)
}

// Hub tracks the active subscriber set and serializes/distributes frames.
type Hub struct {
	sessions SessionLister
	mirror   EventMirror
	log      *logger.Logger

	mu          sync.RWMutex
	subscribers map[*Subscriber]bool
}

// NewHub constructs a Hub with no cross-process mirroring.
func NewHub(sessions SessionLister, log *logger.Logger) *Hub {
	return NewHubWithMirror(sessions, noopMirror{}, log)
}

// NewHubWithMirror constructs a Hub that also publishes every broadcast
// frame onto the given EventMirror (typically a NATSMirror).
func NewHubWithMirror(sessions SessionLister, mirror EventMirror, log *logger.Logger) *Hub {
	return &Hub{
		sessions:    sessions,
		mirror:      mirror,
		log:         log.WithFields(zap.String("component", "fanout_hub")),
		subscribers: make(map[*Subscriber]bool),
	}
}

// Subscribe registers a new subscriber and sends it the init snapshot. The
// returned Subscriber must be passed to Unsubscribe when the connection ends.
func (h *Hub) Subscribe(ctx context.Context, id string) (*Subscriber, error) {
	sub := newSubscriber(id)

	sessions, err := h.sessions.List(ctx)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.subscribers[sub] = true
	count := len(h.subscribers)
	h.mu.Unlock()
	metrics.FanoutSubscribers.Set(float64(count))

	h.send(sub, Frame{Type: FrameInit, Sessions: sessions})
	return sub, nil
}

// Unsubscribe removes a subscriber and closes its send channel.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	delete(h.subscribers, sub)
	count := len(h.subscribers)
	h.mu.Unlock()
	metrics.FanoutSubscribers.Set(float64(count))
	sub.close()
}

// Count returns the number of active subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

func (h *Hub) broadcast(f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		h.log.Error("failed to marshal broadcast frame", zap.String("type", f.Type), zap.Error(err))
		return
	}

	h.mu.RLock()
	targets := make([]*Subscriber, 0, len(h.subscribers))
	for sub := range h.subscribers {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		h.deliver(sub, data)
	}
	h.mirror.Publish(broadcastSubject, data)
}

func (h *Hub) send(sub *Subscriber, f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		h.log.Error("failed to marshal frame", zap.String("type", f.Type), zap.Error(err))
		return
	}
	h.deliver(sub, data)
}

// deliver enqueues data for a subscriber, disconnecting it if its queue is
// already full -- a slow subscriber never stalls the broadcaster or other
// subscribers.
func (h *Hub) deliver(sub *Subscriber, data []byte) {
	if sub.enqueue(data) {
		return
	}
	h.log.Warn("subscriber send queue full, disconnecting", zap.String("subscriber_id", sub.id))
	h.Unsubscribe(sub)
}

// BroadcastSessionCreated announces a new session to all subscribers.
func (h *Hub) BroadcastSessionCreated(session *store.Session) {
	h.broadcast(Frame{Type: FrameSessionCreated, Session: session})
}

// BroadcastSessionUpdated announces a session status/field change.
func (h *Hub) BroadcastSessionUpdated(session *store.Session) {
	h.broadcast(Frame{Type: FrameSessionUpdated, Session: session})
}

// BroadcastSessionDeleted announces a session removal.
func (h *Hub) BroadcastSessionDeleted(sessionID string) {
	h.broadcast(Frame{Type: FrameSessionDeleted, SessionID: sessionID})
}

// BroadcastEvent announces a new event appended to a session's log.
func (h *Hub) BroadcastEvent(sessionID string, event *store.Event) {
	h.broadcast(Frame{Type: FrameEvent, SessionID: sessionID, Data: event})
}
