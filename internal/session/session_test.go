package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nfrund/chatrelay/internal/history"
	"github.com/nfrund/chatrelay/internal/hub"
	"github.com/nfrund/chatrelay/internal/message"
	"github.com/nfrund/chatrelay/internal/pubsub"
	"github.com/nfrund/chatrelay/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type relay struct {
	room *Room
	addr string
	errs chan error
}

// startRelay accepts connections on a loopback listener and runs a session
// for each until the test ends.
func startRelay(t *testing.T, opts Options, seed ...message.Message) *relay {
	t.Helper()
	return startWrappedRelay(t, opts, nil, seed...)
}

// startWrappedRelay is startRelay with every accepted connection passed
// through wrap before its session starts.
func startWrappedRelay(t *testing.T, opts Options, wrap func(net.Conn) net.Conn, seed ...message.Message) *relay {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		ln.Close()
	})

	r := &relay{
		room: NewRoom(history.NewStore(seed...), hub.New(hub.DefaultDepth)),
		addr: ln.Addr().String(),
		errs: make(chan error, 16),
	}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			if wrap != nil {
				conn = wrap(conn)
			}
			go func() {
				r.errs <- New(conn, r.room, opts).Run(ctx)
			}()
		}
	}()
	return r
}

func (r *relay) sessionResult(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.errs:
		return err
	case <-time.After(testutils.ReadTimeout):
		t.Fatal("session did not finish")
		return nil
	}
}

func connected(username, addr string) string {
	return fmt.Sprintf("User \"%s\" (%s) has connected to the chatroom.", username, addr)
}

func disconnected(username, addr string) string {
	return fmt.Sprintf("User \"%s\" (%s) was disconnected from the chatroom.", username, addr)
}

// join dials and consumes the client's own join notice.
func join(t *testing.T, r *relay, username string) *testutils.LineClient {
	t.Helper()
	c := testutils.Dial(t, r.addr, username)
	m := c.Next()
	require.Equal(t, connected(username, c.LocalAddr()), m.Content)
	return c
}

func TestSession_JoinWithEmptyHistory(t *testing.T) {
	r := startRelay(t, Options{})

	alice := testutils.Dial(t, r.addr, "alice")
	m := alice.Next()

	assert.Equal(t, message.SystemMessage, m.Kind)
	assert.Equal(t, message.SystemUsername, m.Username)
	assert.Equal(t, connected("alice", alice.LocalAddr()), m.Content)
	alice.ExpectSilence(100 * time.Millisecond)

	assert.Equal(t, 1, r.room.History().Len())
	assert.Equal(t, 1, r.room.Subscribers())
}

func TestSession_JoinIsAnnouncedToOthers(t *testing.T) {
	r := startRelay(t, Options{})
	bob := join(t, r, "bob")

	alice := testutils.Dial(t, r.addr, "alice")
	// alice is replayed bob's join before her own arrives live.
	replayed := alice.Next()
	assert.Equal(t, connected("bob", bob.LocalAddr()), replayed.Content)
	assert.Equal(t, connected("alice", alice.LocalAddr()), alice.Next().Content)

	assert.Equal(t, connected("alice", alice.LocalAddr()), bob.Next().Content)
}

func TestSession_ReplaysMostRecentMessages(t *testing.T) {
	var seed []message.Message
	for i := range 30 {
		seed = append(seed, message.New("old", fmt.Sprintf("m%d", i), message.UserMessage))
	}
	r := startRelay(t, Options{}, seed...)

	c := testutils.Dial(t, r.addr, "late")
	replay := c.NextN(history.ReplayDepth)
	for i, m := range replay {
		assert.Equal(t, fmt.Sprintf("m%d", 5+i), m.Content)
		assert.Equal(t, "old", m.Username)
	}
	assert.Equal(t, connected("late", c.LocalAddr()), c.Next().Content)
}

func TestSession_ReplayDepthOption(t *testing.T) {
	seed := []message.Message{
		message.New("a", "one", message.UserMessage),
		message.New("a", "two", message.UserMessage),
		message.New("a", "three", message.UserMessage),
	}
	r := startRelay(t, Options{ReplayDepth: 2}, seed...)

	c := testutils.Dial(t, r.addr, "x")
	assert.Equal(t, "two", c.Next().Content)
	assert.Equal(t, "three", c.Next().Content)
	assert.Equal(t, connected("x", c.LocalAddr()), c.Next().Content)
}

func TestSession_RelaysMessagesToEveryone(t *testing.T) {
	r := startRelay(t, Options{})
	bob := join(t, r, "bob")
	carol := join(t, r, "carol")
	bob.Next() // carol's join

	before := r.room.History().Len()
	bob.Send("hello")

	got := carol.Next()
	assert.Equal(t, "bob", got.Username)
	assert.Equal(t, "hello", got.Content)
	assert.Equal(t, message.UserMessage, got.Kind)
	carol.ExpectSilence(100 * time.Millisecond)

	// The sender sees its own message too.
	assert.Equal(t, "hello", bob.Next().Content)
	assert.Equal(t, before+1, r.room.History().Len())
}

func TestSession_EncodedFramesKeepOnlyContent(t *testing.T) {
	r := startRelay(t, Options{})
	bob := join(t, r, "bob")

	bob.Send(`{"username":"mallory","content":"hi there","timestamp":"01:02:03","message_type":"UserMessage"}`)
	got := bob.Next()

	assert.Equal(t, "bob", got.Username)
	assert.Equal(t, "hi there", got.Content)
	assert.NotEqual(t, "01:02:03", got.Timestamp)
}

func TestSession_DropsMalformedAndBlankLines(t *testing.T) {
	r := startRelay(t, Options{})
	bob := join(t, r, "bob")
	before := r.room.History().Len()

	bob.Send(`{"username":"bob","content":"missing kind and time"}`)
	bob.Send(`{"username":"bob","content":"hi","timestamp":"12:00:00","message_type":"Shout"}`)
	bob.Send("   ")
	bob.Send("")
	bob.Send("after")

	assert.Equal(t, "after", bob.Next().Content)
	bob.ExpectSilence(100 * time.Millisecond)
	assert.Equal(t, before+1, r.room.History().Len())
}

func TestSession_BraceTextIsContent(t *testing.T) {
	r := startRelay(t, Options{})
	bob := join(t, r, "bob")

	bob.Send("{shrug}")
	bob.Send(`{"username":"bob","content":`)

	assert.Equal(t, "{shrug}", bob.Next().Content)
	assert.Equal(t, `{"username":"bob","content":`, bob.Next().Content)
}

func TestSession_InvalidUTF8MatchesHistory(t *testing.T) {
	r := startRelay(t, Options{})
	bob := join(t, r, "bob")

	bob.Send("caf\xe9")
	got := bob.Next()

	assert.Equal(t, "caf\uFFFD", got.Content)
	snapshot := r.room.History().Snapshot()
	assert.Equal(t, got, snapshot[len(snapshot)-1])
}

// brokenWriter is a connection whose writes start failing once broken is set.
type brokenWriter struct {
	net.Conn
	broken atomic.Bool
}

func (c *brokenWriter) Write(p []byte) (int, error) {
	if c.broken.Load() {
		return 0, errors.New("write: broken pipe")
	}
	return c.Conn.Write(p)
}

func TestSession_WriteFailureEndsSession(t *testing.T) {
	wrapped := make(chan *brokenWriter, 2)
	r := startWrappedRelay(t, Options{}, func(conn net.Conn) net.Conn {
		w := &brokenWriter{Conn: conn}
		wrapped <- w
		return w
	})

	victim := join(t, r, "victim")
	victimConn := <-wrapped
	bob := join(t, r, "bob")
	victim.Next() // bob's join
	require.Equal(t, 2, r.room.Subscribers())

	victimConn.broken.Store(true)
	bob.Send("hello")

	assert.Equal(t, "hello", bob.Next().Content)
	left := bob.Next()
	assert.Equal(t, message.SystemMessage, left.Kind)
	assert.Equal(t, disconnected("victim", victim.LocalAddr()), left.Content)

	var connErr *ConnectionError
	require.True(t, errors.As(r.sessionResult(t), &connErr))
	assert.Equal(t, "write", connErr.Op)
	assert.Equal(t, 1, r.room.Subscribers())
	victim.ExpectClosed()
}

func TestSession_DropsOverLongLines(t *testing.T) {
	r := startRelay(t, Options{})
	bob := join(t, r, "bob")

	bob.Send(strings.Repeat("x", MaxLineBytes+10))
	bob.Send("ok")

	got := bob.Next()
	assert.Equal(t, "ok", got.Content)
}

func TestSession_DisconnectIsAnnounced(t *testing.T) {
	r := startRelay(t, Options{})
	bob := join(t, r, "bob")
	carol := join(t, r, "carol")
	bob.Next() // carol's join

	carolAddr := carol.LocalAddr()
	require.NoError(t, carol.Close())

	got := bob.Next()
	assert.Equal(t, message.SystemMessage, got.Kind)
	assert.Equal(t, disconnected("carol", carolAddr), got.Content)

	assert.NoError(t, r.sessionResult(t), "a client hanging up is a clean end")
	assert.Equal(t, 1, r.room.Subscribers())
}

func TestSession_ClientLeavingBeforeHandshake(t *testing.T) {
	r := startRelay(t, Options{})

	c := testutils.Dial(t, r.addr, "")
	require.NoError(t, c.Close())

	var connErr *ConnectionError
	require.True(t, errors.As(r.sessionResult(t), &connErr))
	assert.Equal(t, "handshake", connErr.Op)
	assert.Equal(t, 0, r.room.History().Len())
}

func TestSession_AuthenticatorRejects(t *testing.T) {
	errBanned := errors.New("banned")
	auth := AuthenticatorFunc(func(_ context.Context, username, _ string) error {
		if username == "eve" {
			return errBanned
		}
		return nil
	})
	r := startRelay(t, Options{Auth: auth})

	eve := testutils.Dial(t, r.addr, "eve")
	eve.ExpectClosed()
	assert.ErrorIs(t, r.sessionResult(t), errBanned)
	assert.Equal(t, 0, r.room.History().Len())

	join(t, r, "alice")
}

func TestSession_IdleTimeoutEndsSession(t *testing.T) {
	r := startRelay(t, Options{IdleTimeout: 150 * time.Millisecond})
	idle := join(t, r, "idle")

	idle.ExpectClosed()

	var connErr *ConnectionError
	require.True(t, errors.As(r.sessionResult(t), &connErr))
	assert.Equal(t, "read", connErr.Op)
}

func TestSession_ContextCancelClosesConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	room := NewRoom(history.NewStore(), hub.New(hub.DefaultDepth))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			done <- err
			return
		}
		done <- New(conn, room, Options{}).Run(ctx)
	}()

	c := testutils.Dial(t, ln.Addr().String(), "alice")
	c.Next()
	cancel()
	c.ExpectClosed()

	select {
	case <-done:
	case <-time.After(testutils.ReadTimeout):
		t.Fatal("session ignored cancellation")
	}
	assert.Equal(t, 0, room.Subscribers())
}

func TestSession_PublishesLifecycleEvents(t *testing.T) {
	bus := pubsub.NewWatermillBridge()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	joined := make(chan pubsub.SessionJoined, 1)
	left := make(chan pubsub.SessionLeft, 1)
	require.NoError(t, pubsub.Subscribe(ctx, bus, pubsub.TopicSessionJoined, func(_ context.Context, e pubsub.SessionJoined) error {
		joined <- e
		return nil
	}))
	require.NoError(t, pubsub.Subscribe(ctx, bus, pubsub.TopicSessionLeft, func(_ context.Context, e pubsub.SessionLeft) error {
		left <- e
		return nil
	}))

	r := startRelay(t, Options{Events: bus})
	alice := join(t, r, "alice")
	addr := alice.LocalAddr()

	select {
	case e := <-joined:
		assert.Equal(t, "alice", e.Username)
		assert.Equal(t, addr, e.RemoteAddr)
		assert.NotEmpty(t, e.SessionID)
	case <-time.After(testutils.ReadTimeout):
		t.Fatal("no joined event")
	}

	require.NoError(t, alice.Close())
	select {
	case e := <-left:
		assert.Equal(t, "alice", e.Username)
		assert.Equal(t, "closed by client", e.Reason)
	case <-time.After(testutils.ReadTimeout):
		t.Fatal("no left event")
	}
}
