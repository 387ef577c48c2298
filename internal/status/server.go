package status

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Server is a running status surface.
type Server struct {
	e      *echo.Echo
	ln     net.Listener
	done   chan error
	logger *slog.Logger
}

// NewEcho builds the echo instance with the status middleware and routes.
func NewEcho(h *Handler, logger *slog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(RequestLogger(logger))

	Register(e, h)
	return e
}

// Start listens on addr and serves the status routes in the background.
func Start(addr string, h *Handler, logger *slog.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	s := &Server{
		e:      NewEcho(h, logger),
		ln:     ln,
		done:   make(chan error, 1),
		logger: logger,
	}
	s.e.Listener = ln

	go func() {
		err := s.e.Start("")
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.done <- err
	}()

	logger.Info("Status server listening", "addr", ln.Addr().String())
	return s, nil
}

// Addr is the address the status server is bound to.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Shutdown stops the server, waiting for in-flight requests until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.e.Shutdown(ctx); err != nil {
		return err
	}
	if err := <-s.done; err != nil {
		s.logger.Error("Status server stopped with error", "error", err)
		return err
	}
	return nil
}
