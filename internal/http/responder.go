package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/example/recurring-scheduler/internal/logging"
)

var (
	errBadRequestBody = errors.New("malformed request body")
	errUnknownMethod  = errors.New("unknown rpc method")
)

type errorResponse struct {
	ErrorCode string `json:"error_code,omitempty"`
	Message   string `json:"message"`
}

type responder struct {
	logger zerolog.Logger
}

func newResponder(logger zerolog.Logger) responder {
	return responder{logger: logger}
}

func (r responder) writeJSON(c echo.Context, status int, payload any) error {
	if status == http.StatusNoContent || payload == nil {
		return c.NoContent(status)
	}
	return c.JSON(status, payload)
}

func (r responder) writeError(c echo.Context, status int, code string, err error) error {
	message := http.StatusText(status)
	if err != nil {
		message = err.Error()
		event := r.loggerFor(c).Warn()
		if status >= http.StatusInternalServerError {
			event = r.loggerFor(c).Error()
		}
		event.Err(err).Int("status", status).Msg("request failed")
	}
	return r.writeJSON(c, status, errorResponse{ErrorCode: code, Message: message})
}

// errorHandler renders echo's own errors (routing, panics recovered by
// middleware) in the same envelope as handler errors.
func (r responder) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status := http.StatusInternalServerError
	message := http.StatusText(status)
	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		if m, ok := he.Message.(string); ok {
			message = m
		}
	} else {
		r.loggerFor(c).Error().Err(err).Msg("unhandled error")
	}
	if werr := r.writeJSON(c, status, errorResponse{Message: message}); werr != nil {
		r.loggerFor(c).Error().Err(werr).Msg("failed to encode response")
	}
}

func (r responder) loggerFor(c echo.Context) *zerolog.Logger {
	if logger, ok := logging.FromContext(c.Request().Context()); ok {
		return &logger
	}
	return &r.logger
}
