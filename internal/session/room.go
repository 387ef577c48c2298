package session

import (
	"github.com/nfrund/chatrelay/internal/history"
	"github.com/nfrund/chatrelay/internal/hub"
	"github.com/nfrund/chatrelay/internal/message"
)

// Room is the single chat room: the shared history plus the hub that relays
// new messages. Appending and broadcasting happen under the history's lock,
// and so do replay snapshots and subscriptions, which gives every joining
// session an exact cut between what it replays and what it receives live.
type Room struct {
	history *history.Store
	hub     *hub.Hub
}

// NewRoom binds a history and a hub.
func NewRoom(h *history.Store, b *hub.Hub) *Room {
	return &Room{history: h, hub: b}
}

// Join returns the last depth messages and a subscription that receives
// everything posted after them.
func (r *Room) Join(depth int) ([]message.Message, *hub.Subscriber) {
	var sub *hub.Subscriber
	replay := r.history.RecentWith(depth, func() {
		sub = r.hub.Subscribe()
	})
	return replay, sub
}

// Leave drops a subscription obtained from Join.
func (r *Room) Leave(sub *hub.Subscriber) {
	r.hub.Unsubscribe(sub)
}

// Post appends m to the history and broadcasts its encoding to every current
// subscriber. It returns the number of subscribers reached.
func (r *Room) Post(m message.Message) int {
	payload := message.MustEncode(m)
	var reached int
	r.history.AppendWith(m, func() {
		reached = r.hub.Publish(payload)
	})
	return reached
}

// History exposes the underlying store for read-only callers.
func (r *Room) History() *history.Store {
	return r.history
}

// Subscribers reports how many sessions are currently receiving broadcasts.
func (r *Room) Subscribers() int {
	return r.hub.Len()
}
