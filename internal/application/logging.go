package application

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/example/recurring-scheduler/internal/logging"
)

func serviceLogger(ctx context.Context, base zerolog.Logger, serviceName, operation string) zerolog.Logger {
	logger, ok := logging.FromContext(ctx)
	if !ok {
		logger = base
	}
	lc := logger.With().Str("service", serviceName)
	if operation != "" {
		lc = lc.Str("operation", operation)
	}
	return lc.Logger()
}

// ErrorKind maps sentinel and validation errors to a stable logging label.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	}

	var vErr *ValidationError
	if errors.As(err, &vErr) {
		return "validation"
	}

	return "unexpected"
}

// logResult records the outcome of an operation at a level matching its error kind.
func logResult(log zerolog.Logger, err error, msg string) {
	if err == nil {
		log.Info().Msg(msg)
		return
	}
	kind := ErrorKind(err)
	event := log.Warn()
	if kind == "unexpected" {
		event = log.Error()
	}
	event.Err(err).Str("error_kind", kind).Msg(msg + " failed")
}
