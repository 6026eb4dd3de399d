// Package synclog wires zerolog into a small component-scoped logging
// helper: one base logger per process, child loggers per component, so the
// server, client engine and realtime layers never fight over a global.
package synclog

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Level mirrors the handful of levels the core actually distinguishes.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Config controls how the base logger is constructed.
type Config struct {
	Level  Level
	JSON   bool // false renders a human-readable console writer
	Output io.Writer
}

func (l Level) zerolog() zerolog.Level {
	switch strings.ToLower(string(l)) {
	case string(LevelDebug):
		return zerolog.DebugLevel
	case string(LevelWarn):
		return zerolog.WarnLevel
	case string(LevelError):
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// New builds a base logger from cfg. Callers derive component loggers from
// it with WithComponent rather than logging against the base directly.
func New(cfg Config) zerolog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if !cfg.JSON {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}
	return zerolog.New(out).Level(cfg.Level.zerolog()).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with a "component" field, the
// way every subsystem (sync engine, realtime server, store) should identify
// its log lines.
func WithComponent(base zerolog.Logger, component string) zerolog.Logger {
	return base.With().Str("component", component).Logger()
}

// WithClientID tags a child logger with the owning replica id.
func WithClientID(base zerolog.Logger, clientID string) zerolog.Logger {
	return base.With().Str("client_id", clientID).Logger()
}

// Nop returns a disabled logger, useful as a zero-value default in tests
// that don't care about log output.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
