// Package message defines the chat event exchanged between the relay and its
// clients, and the single-line JSON encoding used on the wire and on disk.
package message

import (
	"strings"
	"time"
)

// Kind classifies who authored a message.
type Kind string

const (
	// UserMessage is a line typed by a connected client.
	UserMessage Kind = "UserMessage"
	// SystemMessage is a notice authored by the relay itself.
	SystemMessage Kind = "SystemMessage"
)

// SystemUsername is the fixed author of every SystemMessage.
const SystemUsername = "System"

// TimeLayout is the wall-clock format of Message.Timestamp (second resolution).
const TimeLayout = "15:04:05"

// Message is one chat event. Values are immutable once built; copy, don't mutate.
type Message struct {
	Username  string `json:"username"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	Kind      Kind   `json:"message_type"`
}

// New builds a message stamped with the current local time.
func New(username, content string, kind Kind) Message {
	return NewAt(username, content, kind, time.Now())
}

// NewAt builds a message stamped with t. A SystemMessage always carries
// SystemUsername regardless of the username passed in. Invalid UTF-8 in
// username or content is replaced with U+FFFD, so the message is exactly
// what its encoding decodes back to.
func NewAt(username, content string, kind Kind, t time.Time) Message {
	if kind == SystemMessage {
		username = SystemUsername
	}
	return Message{
		Username:  strings.ToValidUTF8(username, "\uFFFD"),
		Content:   strings.ToValidUTF8(content, "\uFFFD"),
		Timestamp: t.Format(TimeLayout),
		Kind:      kind,
	}
}

// System is shorthand for New("", content, SystemMessage).
func System(content string) Message {
	return New("", content, SystemMessage)
}

// IsSystem reports whether m was authored by the relay.
func (m Message) IsSystem() bool {
	return m.Kind == SystemMessage
}
