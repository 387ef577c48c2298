// Package history holds the relay's append-only chat transcript. A Store is
// shared by every session; all reads and writes go through one mutex so that
// callers never observe a torn sequence.
package history

import (
	"sync"

	"github.com/nfrund/chatrelay/internal/message"
)

// ReplayDepth is how many trailing messages a newly joined client is sent.
const ReplayDepth = 25

// Store is an ordered, append-only log of messages.
type Store struct {
	mu   sync.Mutex
	msgs []message.Message
}

// NewStore returns a store seeded with initial, which is copied.
func NewStore(initial ...message.Message) *Store {
	msgs := make([]message.Message, len(initial))
	copy(msgs, initial)
	return &Store{msgs: msgs}
}

// Append adds m to the end of the log.
func (s *Store) Append(m message.Message) {
	s.AppendWith(m, nil)
}

// AppendWith adds m and then, still holding the store's lock, runs fn. It lets
// a caller make a side effect (such as a broadcast) atomic with the append.
// fn must not block or call back into the store.
func (s *Store) AppendWith(m message.Message, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, m)
	if fn != nil {
		fn()
	}
}

// Recent returns a copy of the last min(n, Len()) messages in arrival order.
func (s *Store) Recent(n int) []message.Message {
	return s.RecentWith(n, nil)
}

// RecentWith is Recent with fn run under the same lock after the copy is
// taken. Paired with AppendWith it gives callers an exact cut: anything
// appended later is not in the returned slice.
func (s *Store) RecentWith(n int, fn func()) []message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n < 0 {
		n = 0
	}
	if n > len(s.msgs) {
		n = len(s.msgs)
	}
	out := make([]message.Message, n)
	copy(out, s.msgs[len(s.msgs)-n:])
	if fn != nil {
		fn()
	}
	return out
}

// Snapshot returns a copy of the whole log.
func (s *Store) Snapshot() []message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]message.Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

// Len reports the number of messages in the log.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}
