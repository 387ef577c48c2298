package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/nfrund/chatrelay/internal/status"
)

// shutdownTimeout bounds how long the status server may take to stop.
const shutdownTimeout = 10 * time.Second

// shutdown persists the history exactly once and stops the status server.
func (s *Server) shutdown(logger *slog.Logger, statusSrv *status.Server) {
	logger.Info("Shutting down, saving history",
		"path", s.cfg.HistoryPath,
		"messages", s.history.Len())

	if err := s.history.Persist(s.fs, s.cfg.HistoryPath, s.fallback); err != nil {
		logger.Error("History was not saved", "error", err)
	}

	if n := s.ActiveSessions(); n > 0 {
		logger.Info("Sessions still draining", "count", n)
	}

	if statusSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := statusSrv.Shutdown(ctx); err != nil {
			logger.Error("Status server shutdown failed", "error", err)
		}
	}
}

// WaitSessions blocks until every session has ended or ctx is done.
func (s *Server) WaitSessions(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
