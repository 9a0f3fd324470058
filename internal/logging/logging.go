// Package logging builds the process logger and carries it through contexts.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Options selects the level and encoding of the process logger.
type Options struct {
	Level  string
	Format string // "json" or "console"
	Out    io.Writer
}

// New constructs the root logger. The level is applied globally so SetLevel
// can change it at runtime for every derived logger.
func New(opts Options) (zerolog.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return zerolog.Nop(), err
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	zerolog.SetGlobalLevel(level)
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", "json":
		return zerolog.New(out).With().Timestamp().Logger(), nil
	case "console":
		cw := zerolog.ConsoleWriter{Out: out, TimeFormat: consoleTimeFormat}
		return zerolog.New(cw).With().Timestamp().Logger(), nil
	default:
		return zerolog.Nop(), fmt.Errorf("unknown log format %q", opts.Format)
	}
}

// ParseLevel maps a level name to a zerolog level. Empty means info.
func ParseLevel(value string) (zerolog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "":
		return zerolog.InfoLevel, nil
	case "TRACE":
		return zerolog.TraceLevel, nil
	case "DEBUG":
		return zerolog.DebugLevel, nil
	case "INFO":
		return zerolog.InfoLevel, nil
	case "WARN", "WARNING":
		return zerolog.WarnLevel, nil
	case "ERROR":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.NoLevel, fmt.Errorf("unknown log level %q", value)
	}
}

// SetLevel changes the global level.
func SetLevel(value string) error {
	level, err := ParseLevel(value)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(level)
	return nil
}

type contextKey struct{}

// ContextWithLogger returns a derived context that carries the provided logger.
func ContextWithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	if ctx == nil {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext extracts a logger previously attached to the context.
func FromContext(ctx context.Context) (zerolog.Logger, bool) {
	if ctx == nil {
		return zerolog.Nop(), false
	}
	logger, ok := ctx.Value(contextKey{}).(zerolog.Logger)
	return logger, ok
}
