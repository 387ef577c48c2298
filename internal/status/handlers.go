// Package status is the relay's optional HTTP surface for operators. It is
// read-only: health, a window of recent history, and who is online.
package status

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/nfrund/chatrelay/internal/history"
	"github.com/nfrund/chatrelay/internal/message"
	"github.com/nfrund/chatrelay/internal/presence"
)

// MaxHistoryWindow caps the n query parameter of GET /history.
const MaxHistoryWindow = 1000

// HistorySource is the part of the history store the handlers read.
type HistorySource interface {
	Recent(n int) []message.Message
	Len() int
}

// Roster is the part of the presence service the handlers read.
type Roster interface {
	Online() []presence.Entry
}

// Handler serves the status endpoints.
type Handler struct {
	history  HistorySource
	roster   Roster
	sessions func() int
}

// NewHandler creates a Handler. sessions reports the number of live sessions
// and may be nil.
func NewHandler(h HistorySource, r Roster, sessions func() int) *Handler {
	return &Handler{history: h, roster: r, sessions: sessions}
}

// Health reports liveness along with a few counters.
func (h *Handler) Health(c echo.Context) error {
	resp := map[string]any{
		"status":  "ok",
		"history": h.history.Len(),
	}
	if h.sessions != nil {
		resp["sessions"] = h.sessions()
	}
	return c.JSON(http.StatusOK, resp)
}

// History returns the last n messages (default 25) as a JSON array in the
// same encoding clients receive.
func (h *Handler) History(c echo.Context) error {
	n := history.ReplayDepth
	if raw := c.QueryParam("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error": "n must be a non-negative integer",
			})
		}
		n = min(parsed, MaxHistoryWindow)
	}

	msgs := h.history.Recent(n)
	if msgs == nil {
		msgs = []message.Message{}
	}
	return c.JSON(http.StatusOK, msgs)
}

// Who returns the sessions currently online.
func (h *Handler) Who(c echo.Context) error {
	if h.roster == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"error": "presence service not available",
		})
	}

	online := h.roster.Online()
	if online == nil {
		online = []presence.Entry{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"online": online,
		"count":  len(online),
	})
}

// Register mounts the status routes on e.
func Register(e *echo.Echo, h *Handler) {
	e.GET("/health", h.Health)
	e.GET("/history", h.History, RateLimiter())
	e.GET("/who", h.Who)
}
