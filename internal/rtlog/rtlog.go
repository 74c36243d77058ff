// Package rtlog is the structured-logging façade shared by every fiberrt
// package, built the same way the examples' eventloop package builds its
// own: a logiface.Logger backed by a slog handler.
package rtlog

import (
	"log/slog"
	"os"
	"sync"

	"github.com/joeycumines/logiface"
	islog "github.com/joeycumines/logiface-slog"
)

// Logger is the type every fiberrt package logs through.
type Logger = logiface.Logger[*islog.Event]

var (
	defaultOnce sync.Once
	defaultLog  *Logger
)

// Default returns the process-wide fallback logger, writing JSON to
// stderr at Info level. Components constructed without an explicit
// logger option fall back to this, matching the teacher's pattern of a
// package-level default plus per-instance overrides.
func Default() *Logger {
	defaultOnce.Do(func() {
		handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
		defaultLog = islog.L.New(islog.L.WithSlogHandler(handler))
	})
	return defaultLog
}

// New builds a logger writing to the given slog.Handler.
func New(handler slog.Handler) *Logger {
	return islog.L.New(islog.L.WithSlogHandler(handler))
}

// Named returns a child logger tagging every event with component=name,
// the way the teacher's HTTP-middleware example tags request metadata.
func Named(l *Logger, name string) *Logger {
	return l.Clone().Field("component", name).Logger()
}
