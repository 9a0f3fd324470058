package http

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/example/recurring-scheduler/internal/logging"
)

const requestIDHeader = "X-Request-Id"

// RequestLogger attaches a request-scoped logger to the request context and
// logs each request's completion. An incoming X-Request-Id is kept;
// otherwise a process-local sequence number is assigned.
func RequestLogger(base zerolog.Logger) echo.MiddlewareFunc {
	var counter atomic.Uint64

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			id := req.Header.Get(requestIDHeader)
			if id == "" {
				id = strconv.FormatUint(counter.Add(1), 10)
			}
			c.Response().Header().Set(requestIDHeader, id)

			logger := base.With().
				Str("request_id", id).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Logger()
			c.SetRequest(req.WithContext(logging.ContextWithLogger(req.Context(), logger)))

			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			logger.Info().
				Int("status", c.Response().Status).
				Dur("duration", time.Since(start)).
				Msg("request completed")
			return nil
		}
	}
}
