// Package session runs one client connection end to end: a one-line
// username handshake, a replay of recent history, and then two concurrent
// flows (socket to room, room to socket) until either side gives up.
package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nfrund/chatrelay/internal/history"
	"github.com/nfrund/chatrelay/internal/hub"
	"github.com/nfrund/chatrelay/internal/logging"
	"github.com/nfrund/chatrelay/internal/message"
	"github.com/nfrund/chatrelay/internal/pubsub"
)

// MaxLineBytes bounds a single inbound line, newline included.
const MaxLineBytes = 64 * 1024

// Options tune a session. The zero value is valid.
type Options struct {
	// ReplayDepth is how many history messages a new client is sent.
	// Zero means history.ReplayDepth.
	ReplayDepth int
	// IdleTimeout, when positive, ends the session if the client sends
	// nothing for that long.
	IdleTimeout time.Duration
	// Auth, when set, may reject a client after its handshake line.
	Auth Authenticator
	// Events receives joined/left lifecycle events. May be nil.
	Events pubsub.Publisher
}

// Session is the server side of one connection. It is not safe for use by
// more than one goroutine; Run owns it.
type Session struct {
	id       string
	conn     net.Conn
	reader   *bufio.Reader
	writer   *bufio.Writer
	room     *Room
	opts     Options
	addr     string
	username string
	logger   *slog.Logger
}

// New prepares a session for conn. Nothing is read or written until Run.
func New(conn net.Conn, room *Room, opts Options) *Session {
	if opts.ReplayDepth == 0 {
		opts.ReplayDepth = history.ReplayDepth
	}
	return &Session{
		id:     uuid.NewString(),
		conn:   conn,
		reader: bufio.NewReaderSize(conn, MaxLineBytes),
		writer: bufio.NewWriter(conn),
		room:   room,
		opts:   opts,
		addr:   conn.RemoteAddr().String(),
	}
}

// ID is the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Username is empty until the handshake line has been read.
func (s *Session) Username() string { return s.username }

// Run drives the session to completion and closes the connection. It returns
// nil when the client hung up cleanly and a *ConnectionError otherwise.
// Canceling ctx closes the connection, which ends the session the same way a
// dropped client would.
func (s *Session) Run(ctx context.Context) error {
	defer s.conn.Close()
	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()

	s.logger = logging.FromContext(ctx).With("session_id", s.id, "remote_addr", s.addr)

	if err := s.handshake(ctx); err != nil {
		return err
	}

	replay, sub := s.room.Join(s.opts.ReplayDepth)
	if err := s.sendReplay(replay); err != nil {
		s.room.Leave(sub)
		return err
	}

	joined := message.System(fmt.Sprintf("User \"%s\" (%s) has connected to the chatroom.", s.username, s.addr))
	s.room.Post(joined)
	s.logger.Info(joined.Content, "replayed", len(replay))
	s.publishJoined(ctx)

	flowCtx, cancel := context.WithCancel(ctx)
	outDone := make(chan error, 1)
	go func() {
		outDone <- s.outbound(flowCtx, sub)
	}()

	inErr := s.inbound()

	// Closing: stop relaying before announcing, so the departing client is
	// never written to again.
	s.room.Leave(sub)
	cancel()
	outErr := <-outDone

	// A failed write closes the socket, so the read error is only a symptom.
	err := outErr
	if err == nil {
		err = inErr
	}

	left := message.System(fmt.Sprintf("User \"%s\" (%s) was disconnected from the chatroom.", s.username, s.addr))
	s.room.Post(left)
	if err != nil {
		s.logger.Info(left.Content, "error", err)
	} else {
		s.logger.Info(left.Content)
	}
	s.publishLeft(err)

	return err
}

func (s *Session) handshake(ctx context.Context) error {
	line, err := s.readLine()
	if err != nil && line == "" {
		if errors.Is(err, io.EOF) {
			s.logger.Info("Client left before sending a username")
		}
		return &ConnectionError{Op: "handshake", Err: err}
	}

	s.username = strings.TrimSpace(line)
	s.logger = s.logger.With("username", s.username)

	if s.opts.Auth != nil {
		if err := s.opts.Auth.Authenticate(ctx, s.username, s.addr); err != nil {
			s.logger.Warn("Client rejected at handshake", "error", err)
			return fmt.Errorf("authenticate %q: %w", s.username, err)
		}
	}
	return nil
}

func (s *Session) sendReplay(replay []message.Message) error {
	for _, m := range replay {
		if err := s.writeFrame(message.MustEncode(m)); err != nil {
			return &ConnectionError{Op: "replay", Err: err}
		}
	}
	if err := s.writer.Flush(); err != nil {
		return &ConnectionError{Op: "replay", Err: err}
	}
	return nil
}

// inbound reads lines until the client hangs up or the socket fails.
func (s *Session) inbound() error {
	for {
		if s.opts.IdleTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
		}

		line, err := s.readLine()
		if errors.Is(err, ErrLineTooLong) {
			s.logger.Warn("Dropping over-long line", "limit", MaxLineBytes)
			continue
		}
		if line != "" {
			s.handleLine(line)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return &ConnectionError{Op: "read", Err: err}
		}
	}
}

// handleLine turns one client line into a posted UserMessage. A line that is
// a JSON object is taken as an encoded message and only its content is kept;
// the relay always re-stamps author, kind and time itself. Any other line,
// including one that merely starts with "{", is the content.
func (s *Session) handleLine(line string) {
	content := strings.TrimSpace(line)
	if content == "" {
		return
	}

	if strings.HasPrefix(content, "{") && json.Valid([]byte(content)) {
		m, err := message.Decode([]byte(content))
		if err != nil {
			s.logger.Warn("Dropping malformed frame", "error", err)
			return
		}
		content = m.Content
	}

	msg := message.New(s.username, content, message.UserMessage)
	s.room.Post(msg)
	s.logger.Info("Message relayed", "content", msg.Content)
}

// outbound copies broadcasts to the socket until ctx is canceled or a write
// fails. A failed write closes the connection so inbound notices too.
func (s *Session) outbound(ctx context.Context, sub *hub.Subscriber) error {
	for {
		payload, err := sub.Recv(ctx)
		var lag *hub.LagError
		switch {
		case errors.As(err, &lag):
			s.logger.Warn("Session lagged behind broadcasts", "missed", lag.Missed)
			continue
		case err != nil:
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}

		if err := s.send(payload); err != nil {
			s.conn.Close()
			return &ConnectionError{Op: "write", Err: err}
		}
	}
}

func (s *Session) send(payload []byte) error {
	if err := s.writeFrame(payload); err != nil {
		return err
	}
	return s.writer.Flush()
}

func (s *Session) writeFrame(payload []byte) error {
	if _, err := s.writer.Write(payload); err != nil {
		return err
	}
	return s.writer.WriteByte('\n')
}

// readLine returns the next line including its newline. A final line without
// a newline is returned together with io.EOF.
func (s *Session) readLine() (string, error) {
	tooLong := false
	for {
		frag, err := s.reader.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			tooLong = true
			continue
		}
		if tooLong {
			if err != nil {
				return "", err
			}
			return "", ErrLineTooLong
		}
		return string(frag), err
	}
}

func (s *Session) publishJoined(ctx context.Context) {
	if s.opts.Events == nil {
		return
	}
	err := pubsub.Publish(context.WithoutCancel(ctx), s.opts.Events, pubsub.TopicSessionJoined, s.id, pubsub.SessionJoined{
		SessionID:  s.id,
		Username:   s.username,
		RemoteAddr: s.addr,
		At:         time.Now(),
	})
	if err != nil {
		s.logger.Error("Failed to publish session joined event", "error", err)
	}
}

func (s *Session) publishLeft(cause error) {
	if s.opts.Events == nil {
		return
	}
	reason := "closed by client"
	if cause != nil {
		reason = cause.Error()
	}
	err := pubsub.Publish(context.Background(), s.opts.Events, pubsub.TopicSessionLeft, s.id, pubsub.SessionLeft{
		SessionID:  s.id,
		Username:   s.username,
		RemoteAddr: s.addr,
		Reason:     reason,
		At:         time.Now(),
	})
	if err != nil {
		s.logger.Error("Failed to publish session left event", "error", err)
	}
}
