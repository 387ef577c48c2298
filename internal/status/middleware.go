package status

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/nfrund/chatrelay/internal/logging"
)

// RequestLogger injects a request-scoped logger carrying the request ID into
// the request context and logs each completed request at Debug. It must run
// after middleware.RequestID.
func RequestLogger(base *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			reqID := c.Response().Header().Get(echo.HeaderXRequestID)
			logger := base.With("request_id", reqID)

			ctx := logging.WithLogger(c.Request().Context(), logger)
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if err != nil {
				c.Error(err)
			}
			logger.Debug("Status request",
				"method", c.Request().Method,
				"path", c.Path(),
				"status", c.Response().Status)
			return nil
		}
	}
}

// RateLimiter limits each client IP to 10 requests per second on the routes it
// guards. History windows can be large, so only /history uses it.
func RateLimiter() echo.MiddlewareFunc {
	config := middleware.RateLimiterConfig{
		Store: middleware.NewRateLimiterMemoryStore(10),
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			return c.JSON(http.StatusTooManyRequests, map[string]string{
				"error": "too many requests",
			})
		},
	}
	return middleware.RateLimiterWithConfig(config)
}
