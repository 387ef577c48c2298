package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned by Recv once the subscription is closed and drained.
var ErrClosed = errors.New("hub: subscription closed")

// LagError reports that a subscriber's ring overflowed and Missed payloads
// were discarded. The subscription stays usable; the next Recv continues
// with the oldest payload still buffered.
type LagError struct {
	Missed uint64
}

func (e *LagError) Error() string {
	return fmt.Sprintf("hub: subscriber lagged, %d payloads missed", e.Missed)
}

// Subscriber is one receiver's view of the hub: a fixed-size ring that drops
// its oldest entry when full.
type Subscriber struct {
	mu     sync.Mutex
	ring   [][]byte
	head   int
	size   int
	missed uint64
	closed bool

	// ready holds at most one wake-up token for a blocked Recv.
	ready chan struct{}
}

func newSubscriber(depth int) *Subscriber {
	return &Subscriber{
		ring:  make([][]byte, depth),
		ready: make(chan struct{}, 1),
	}
}

// push appends payload, evicting the oldest entry if the ring is full.
// It reports whether an eviction happened.
func (s *Subscriber) push(payload []byte) (evicted bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if s.size == len(s.ring) {
		s.ring[s.head] = nil
		s.head = (s.head + 1) % len(s.ring)
		s.size--
		s.missed++
		evicted = true
	}
	s.ring[(s.head+s.size)%len(s.ring)] = payload
	s.size++
	s.mu.Unlock()

	s.wake()
	return evicted
}

func (s *Subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wake()
}

func (s *Subscriber) wake() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Recv blocks until a payload is available, the subscription is closed, or
// ctx is done. A *LagError is returned once per overflow episode, before the
// surviving payloads are delivered.
func (s *Subscriber) Recv(ctx context.Context) ([]byte, error) {
	for {
		s.mu.Lock()
		if s.missed > 0 {
			missed := s.missed
			s.missed = 0
			s.mu.Unlock()
			return nil, &LagError{Missed: missed}
		}
		if s.size > 0 {
			payload := s.ring[s.head]
			s.ring[s.head] = nil
			s.head = (s.head + 1) % len(s.ring)
			s.size--
			s.mu.Unlock()
			return payload, nil
		}
		if s.closed {
			s.mu.Unlock()
			return nil, ErrClosed
		}
		s.mu.Unlock()

		select {
		case <-s.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Buffered reports how many payloads are waiting to be received.
func (s *Subscriber) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}
