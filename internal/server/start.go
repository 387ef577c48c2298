package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/nfrund/chatrelay/internal/logging"
	"github.com/nfrund/chatrelay/internal/session"
	"github.com/nfrund/chatrelay/internal/status"
)

// ListenAndServe binds cfg.Addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is canceled, then stops
// accepting, persists the history and returns. Sessions already running are
// left to end on their own. A failure to save the history is reported and
// the snapshot dumped to the fallback writer, but it is not returned.
// A Server serves once; later calls close ln and return ErrServerStarted.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.started.Swap(true) {
		ln.Close()
		return ErrServerStarted
	}
	logger := logging.FromContext(ctx)

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	// Sessions and the roster outlive ctx: they end when their clients do.
	base := logging.WithLogger(context.WithoutCancel(ctx), logger)
	if err := s.presence.Start(base, s.bus); err != nil {
		ln.Close()
		return fmt.Errorf("start presence: %w", err)
	}

	var statusSrv *status.Server
	if s.cfg.StatusAddr != "" {
		h := status.NewHandler(s.history, s.presence, s.ActiveSessions)
		srv, err := status.Start(s.cfg.StatusAddr, h, logger)
		if err != nil {
			ln.Close()
			return fmt.Errorf("start status server: %w", err)
		}
		statusSrv = srv
	}

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	logger.Info("Chat relay listening",
		"addr", ln.Addr().String(),
		"history_path", s.cfg.HistoryPath,
		"history_len", s.history.Len())
	close(s.ready)

	acceptErr := s.acceptLoop(ctx, base, ln)

	s.shutdown(logger, statusSrv)
	return acceptErr
}

func (s *Server) acceptLoop(ctx, base context.Context, ln net.Listener) error {
	logger := logging.FromContext(base)
	var backoff time.Duration

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
				logger.Warn("Accept failed, retrying", "error", err, "backoff", backoff)
				time.Sleep(backoff)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		backoff = 0

		s.startSession(base, conn)
	}
}

func (s *Server) startSession(ctx context.Context, conn net.Conn) {
	sess := session.New(conn, s.room, session.Options{
		IdleTimeout: s.cfg.IdleTimeout,
		Auth:        s.auth,
		Events:      s.bus,
	})

	s.sessions.Add(1)
	s.active.Add(1)
	go func() {
		defer s.sessions.Done()
		defer s.active.Add(-1)

		if err := sess.Run(ctx); err != nil {
			logging.FromContext(ctx).Debug("Session ended with error",
				"session_id", sess.ID(),
				"username", sess.Username(),
				"error", err)
		}
	}()
}
