// Package logging configures structured logging for the session router
// using log/slog.
package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
)

// Level is shared by every handler built here so the level can change at
// runtime.
var Level slog.LevelVar

// Setup installs the default logger from LOG_LEVEL (debug, info, warn,
// error; default info) and LOG_FORMAT (json, text; default json), and
// routes the stdlib "log" package through it.
func Setup() {
	SetupWithConfig(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"), os.Stderr)
}

// SetupWithConfig configures slog with explicit parameters.
func SetupWithConfig(levelStr, formatStr string, w io.Writer) *slog.Logger {
	Level.Set(ParseLevel(levelStr))
	logger := slog.New(NewHandler(formatStr, w))
	slog.SetDefault(logger)

	log.SetOutput(&stdlibWriter{logger: logger})
	log.SetFlags(0)
	return logger
}

// NewHandler builds a JSON or text handler bound to Level.
func NewHandler(formatStr string, w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: &Level}
	if strings.EqualFold(strings.TrimSpace(formatStr), "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// ParseLevel converts a string to slog.Level. Defaults to INFO.
func ParseLevel(s string) slog.Level {
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

// Component scopes a logger to a named subsystem.
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", name)
}

// Connection scopes a logger to one client connection.
func Connection(logger *slog.Logger, connID, role string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("connectionID", connID, "role", role)
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stdlibWriter struct {
	logger *slog.Logger
}

func (w *stdlibWriter) Write(p []byte) (int, error) {
	w.logger.Info(strings.TrimRight(string(p), "\n"), "source", "stdlib")
	return len(p), nil
}
