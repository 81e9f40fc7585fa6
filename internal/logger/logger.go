// Package logger wraps log/slog with relay-wide configuration. All packages
// log through the helpers here so the level and output are set exactly once
// at startup.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	mu      sync.RWMutex
	slogger = slog.New(slog.NewTextHandler(os.Stderr, nil))
)

// Setup configures the process-wide logger. level is one of
// debug|info|warn|error (case-insensitive); anything else falls back to info.
func Setup(level string, w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: parseLevel(level)})

	mu.Lock()
	slogger = slog.New(h)
	mu.Unlock()
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func get() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return slogger
}

// Debug logs at debug level with alternating key/value args.
func Debug(msg string, args ...any) { get().Debug(msg, args...) }

// Info logs at info level.
func Info(msg string, args ...any) { get().Info(msg, args...) }

// Warn logs at warn level.
func Warn(msg string, args ...any) { get().Warn(msg, args...) }

// Error logs at error level.
func Error(msg string, args ...any) { get().Error(msg, args...) }

// With returns a logger carrying the given attributes, for components that
// log many lines with the same context (e.g. a session id).
func With(args ...any) *slog.Logger { return get().With(args...) }
