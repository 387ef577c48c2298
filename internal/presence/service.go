// Package presence keeps the roster of sessions currently connected to the
// relay. It learns about sessions only through lifecycle events on the bus,
// so it never touches a connection directly.
package presence

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nfrund/chatrelay/internal/pubsub"
)

// Entry is one connected session.
type Entry struct {
	SessionID  string    `json:"session_id"`
	Username   string    `json:"username"`
	RemoteAddr string    `json:"remote_addr"`
	Since      time.Time `json:"since"`
}

// Service tracks presence by username. Usernames are not unique, so a user
// may hold several sessions at once.
type Service struct {
	mu        sync.RWMutex
	presences map[string]map[string]Entry // username -> sessionID -> Entry
	sessions  map[string]string           // sessionID -> username (for leave lookup)
	logger    *slog.Logger
}

// NewService creates an empty roster. Call Start to feed it from the bus.
func NewService() *Service {
	return &Service{
		presences: make(map[string]map[string]Entry),
		sessions:  make(map[string]string),
		logger:    slog.Default().With("service", "presence"),
	}
}

// Start subscribes the roster to session lifecycle events until ctx is done.
func (s *Service) Start(ctx context.Context, sub pubsub.Subscriber) error {
	if err := pubsub.Subscribe(ctx, sub, pubsub.TopicSessionJoined, s.handleJoined); err != nil {
		return err
	}
	if err := pubsub.Subscribe(ctx, sub, pubsub.TopicSessionLeft, s.handleLeft); err != nil {
		return err
	}
	s.logger.Info("Presence service subscribed",
		"joined_topic", pubsub.TopicSessionJoined.Name(),
		"left_topic", pubsub.TopicSessionLeft.Name())
	return nil
}

func (s *Service) handleJoined(ctx context.Context, e pubsub.SessionJoined) error {
	s.add(Entry{
		SessionID:  e.SessionID,
		Username:   e.Username,
		RemoteAddr: e.RemoteAddr,
		Since:      e.At,
	})
	return nil
}

func (s *Service) handleLeft(ctx context.Context, e pubsub.SessionLeft) error {
	s.remove(e.SessionID)
	return nil
}

func (s *Service) add(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.presences[e.Username] == nil {
		s.presences[e.Username] = make(map[string]Entry)
		s.logger.Info("User came online", "username", e.Username, "session_id", e.SessionID)
	} else {
		s.logger.Debug("Adding additional session for user",
			"username", e.Username,
			"session_id", e.SessionID,
			"existing_sessions", len(s.presences[e.Username]))
	}
	s.presences[e.Username][e.SessionID] = e
	s.sessions[e.SessionID] = e.Username
}

func (s *Service) remove(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	username, ok := s.sessions[sessionID]
	if !ok {
		s.logger.Debug("Session not found in roster", "session_id", sessionID)
		return
	}
	delete(s.sessions, sessionID)

	sessions := s.presences[username]
	delete(sessions, sessionID)
	if len(sessions) == 0 {
		delete(s.presences, username)
		s.logger.Info("User went offline", "username", username)
	}
}

// Online returns every connected session, oldest first.
func (s *Service) Online() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, len(s.sessions))
	for _, sessions := range s.presences {
		for _, e := range sessions {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Since.Equal(out[j].Since) {
			return out[i].Since.Before(out[j].Since)
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

// Users returns the distinct usernames currently online, sorted.
func (s *Service) Users() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]string, 0, len(s.presences))
	for u := range s.presences {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// Count returns the number of connected sessions.
func (s *Service) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
