package pubsub

import "time"

// SessionJoined is published once a session has completed its handshake.
type SessionJoined struct {
	SessionID  string    `json:"session_id"`
	Username   string    `json:"username"`
	RemoteAddr string    `json:"remote_addr"`
	At         time.Time `json:"at"`
}

// SessionLeft is published when a session reaches its closing state.
type SessionLeft struct {
	SessionID  string    `json:"session_id"`
	Username   string    `json:"username"`
	RemoteAddr string    `json:"remote_addr"`
	Reason     string    `json:"reason"`
	At         time.Time `json:"at"`
}

var (
	// TopicSessionJoined announces a new participant.
	TopicSessionJoined = NewEvent[SessionJoined]("chat.session.joined", "A client completed the handshake and joined the room")
	// TopicSessionLeft announces a participant's departure.
	TopicSessionLeft = NewEvent[SessionLeft]("chat.session.left", "A client's session ended")
)
