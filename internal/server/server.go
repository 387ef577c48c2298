// Package server owns the relay process: it loads the history, accepts
// connections, runs a session for each, and persists the history once when
// asked to stop.
package server

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/nfrund/chatrelay/internal/config"
	"github.com/nfrund/chatrelay/internal/history"
	"github.com/nfrund/chatrelay/internal/hub"
	"github.com/nfrund/chatrelay/internal/presence"
	"github.com/nfrund/chatrelay/internal/pubsub"
	"github.com/nfrund/chatrelay/internal/session"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel/trace"
)

// ErrServerStarted is returned by Serve when the server has already served.
var ErrServerStarted = errors.New("server: Serve already called")

// Options carries the collaborators a Server may be given. The zero value is
// valid.
type Options struct {
	// Fs holds the history file. Defaults to the OS filesystem.
	Fs afero.Fs
	// Fallback receives the history snapshot if saving it fails. Defaults
	// to os.Stdout.
	Fallback io.Writer
	// Auth gates the handshake of every session. Nil accepts everyone.
	Auth session.Authenticator
	// Tracer traces lifecycle event handling. Nil disables tracing.
	Tracer trace.Tracer
}

// Server holds the shared state of one relay process.
type Server struct {
	cfg      *config.Config
	fs       afero.Fs
	fallback io.Writer
	auth     session.Authenticator

	history  *history.Store
	hub      *hub.Hub
	room     *session.Room
	bus      *pubsub.WatermillBridge
	presence *presence.Service

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}
	started  atomic.Bool

	sessions sync.WaitGroup
	active   atomic.Int64
}

// New loads the history named by cfg and prepares a server around it. A
// history file that exists but cannot be read or parsed is returned as a
// *history.LoadError and the server must not start.
func New(cfg *config.Config, opts Options) (*Server, error) {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Fallback == nil {
		opts.Fallback = os.Stdout
	}

	store, err := history.Load(opts.Fs, cfg.HistoryPath)
	if err != nil {
		return nil, err
	}

	b := hub.New(hub.DefaultDepth)
	var bus *pubsub.WatermillBridge
	if opts.Tracer != nil {
		bus = pubsub.NewWatermillBridgeWithTracer(opts.Tracer)
	} else {
		bus = pubsub.NewWatermillBridge()
	}

	return &Server{
		cfg:      cfg,
		fs:       opts.Fs,
		fallback: opts.Fallback,
		auth:     opts.Auth,
		history:  store,
		hub:      b,
		room:     session.NewRoom(store, b),
		bus:      bus,
		presence: presence.NewService(),
		ready:    make(chan struct{}),
	}, nil
}

// Addr is the address the relay is listening on, or nil before Serve starts.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Ready is closed once the server is accepting connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// ActiveSessions reports how many sessions are still running.
func (s *Server) ActiveSessions() int {
	return int(s.active.Load())
}

// History is the shared history store.
func (s *Server) History() *history.Store {
	return s.history
}

// Presence is the roster of connected sessions.
func (s *Server) Presence() *presence.Service {
	return s.presence
}

// Close releases the event bus and the broadcast hub. Sessions still running
// lose their subscriptions and stop relaying.
func (s *Server) Close() error {
	s.hub.Close()
	return s.bus.Close()
}
