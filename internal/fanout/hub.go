package fanout

import (
	"sync"

	"github.com/google/uuid"

	"mwd-monitor-backend/internal/metrics"
)

// Event names delivered to viewers.
const (
	EventStateUpdate     = "state_update"
	EventDecoderState    = "decoder_state"
	EventWitsValues      = "wits_values"
	EventWitsmlData      = "witsml_data"
	EventIncAzmLogAppend = "incazm_log_append"
)

// DefaultBuffer is the per-subscriber queue depth.
const DefaultBuffer = 256

// Message is one event as sent to a viewer.
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Hub broadcasts events to every connected subscriber.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]*Subscription
	buffer  int
	closed  bool
	metrics *metrics.Registry
}

// Subscription is one viewer's queue. Messages arrive in emission order;
// a viewer that falls a full buffer behind loses messages rather than
// stalling producers.
type Subscription struct {
	ID        string
	ch        chan Message
	hub       *Hub
	closeOnce sync.Once
}

// NewHub creates a hub. A non-positive buffer uses DefaultBuffer.
func NewHub(buffer int, m *metrics.Registry) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		subs:    make(map[string]*Subscription),
		buffer:  buffer,
		metrics: m,
	}
}

// Subscribe registers a new viewer. The replay messages are queued for this
// viewer alone, ahead of any broadcast issued after registration.
func (h *Hub) Subscribe(replay []Message) *Subscription {
	size := h.buffer
	if len(replay) > size {
		size = len(replay)
	}
	sub := &Subscription{
		ID:  uuid.NewString(),
		ch:  make(chan Message, size),
		hub: h,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, m := range replay {
		sub.ch <- m
	}
	if h.closed {
		sub.close()
		return sub
	}
	h.subs[sub.ID] = sub
	h.metrics.Subscribers(len(h.subs))
	return sub
}

// Publish delivers an event to every current subscriber without blocking.
func (h *Hub) Publish(event string, data any) {
	msg := Message{Event: event, Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		select {
		case sub.ch <- msg:
		default:
			h.metrics.Dropped()
		}
	}
}

// Count returns the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close disconnects every subscriber. Later subscriptions are closed immediately.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		sub.close()
		delete(h.subs, id)
	}
	h.metrics.Subscribers(0)
}

// C returns the subscription's message channel. It is closed on Unsubscribe.
func (s *Subscription) C() <-chan Message {
	return s.ch
}

// Unsubscribe removes the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	h := s.hub
	h.mu.Lock()
	if _, ok := h.subs[s.ID]; ok {
		delete(h.subs, s.ID)
		h.metrics.Subscribers(len(h.subs))
	}
	h.mu.Unlock()
	s.close()
}

func (s *Subscription) close() {
	s.closeOnce.Do(func() {
		close(s.ch)
	})
}
