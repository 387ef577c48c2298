// Package hub is the relay's in-memory fan-out. Every published payload is
// offered to each current subscriber's bounded ring; a subscriber that falls
// behind loses its oldest buffered payloads instead of stalling the publisher.
package hub

import (
	"log/slog"
	"sync"
)

// DefaultDepth is the per-subscriber ring capacity.
const DefaultDepth = 128

// Hub is a concurrent broadcast point. The zero value is not usable; call New.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
	depth       int
	closed      bool
}

// New creates a hub whose subscribers each buffer up to depth payloads.
// A depth below 1 falls back to DefaultDepth.
func New(depth int) *Hub {
	if depth < 1 {
		depth = DefaultDepth
	}
	return &Hub{
		subscribers: make(map[*Subscriber]struct{}),
		depth:       depth,
	}
}

// Subscribe registers a new receiver. It only sees payloads published after
// this call returns. Subscribing to a closed hub yields an already-closed
// subscriber.
func (h *Hub) Subscribe() *Subscriber {
	s := newSubscriber(h.depth)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		s.close()
		return s
	}
	h.subscribers[s] = struct{}{}
	slog.Debug("Hub subscriber registered", "total_subscribers", len(h.subscribers))
	return s
}

// Unsubscribe removes s and closes it. Payloads still buffered in s remain
// readable; Recv reports ErrClosed once they are drained.
func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	_, ok := h.subscribers[s]
	delete(h.subscribers, s)
	remaining := len(h.subscribers)
	h.mu.Unlock()

	s.close()
	if ok {
		slog.Debug("Hub subscriber unregistered", "total_subscribers", remaining)
	}
}

// Publish offers payload to every current subscriber and returns how many
// received it. It never blocks on a slow subscriber.
func (h *Hub) Publish(payload []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for s := range h.subscribers {
		if s.push(payload) {
			slog.Debug("Hub subscriber lagging, dropped oldest payload")
		}
	}
	return len(h.subscribers)
}

// Len reports the number of current subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Close unsubscribes everyone. Later Subscribe calls return closed subscribers
// and Publish reaches no one.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subscribers
	h.subscribers = make(map[*Subscriber]struct{})
	h.closed = true
	h.mu.Unlock()

	for s := range subs {
		s.close()
	}
}
