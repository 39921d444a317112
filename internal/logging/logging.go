// Package logging provides structured logging using slog.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
)

// Config holds logging configuration.
type Config struct {
	Format string // "json" | "text"
	Level  string // "debug" | "info" | "warn" | "error"
}

// New builds a logger writing to w. A nil w writes to stdout.
func New(cfg Config, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	}

	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// Setup builds the process logger on w and installs it as the slog default
// for third-party code that logs through the package-level functions.
func Setup(cfg Config, w io.Writer) *slog.Logger {
	log := New(cfg, w)
	slog.SetDefault(log)
	return log
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// parseLevel converts a string level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "critical":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// runIDKey is the context key for run IDs.
type runIDKey struct{}

// WithRunID adds a run ID to the context.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

// RunID retrieves the run ID from context.
func RunID(ctx context.Context) string {
	if id, ok := ctx.Value(runIDKey{}).(string); ok {
		return id
	}
	return ""
}

// NewRunID creates a new unique run ID.
func NewRunID() string {
	return uuid.NewString()
}

// RunLogger returns a logger carrying the run context fields.
func RunLogger(base *slog.Logger, runID, symbol string) *slog.Logger {
	return base.With(
		"run_id", runID,
		"symbol", symbol,
	)
}

// WindowLogger returns a logger carrying the window bounds.
func WindowLogger(base *slog.Logger, from, to uint64) *slog.Logger {
	return base.With(
		"window_from", from,
		"window_to", to,
	)
}

// Component returns a logger with a component name.
func Component(base *slog.Logger, name string) *slog.Logger {
	return base.With("component", name)
}

// Critical logs at error level with critical=true, for conditions that end
// the job.
func Critical(log *slog.Logger, msg string, args ...any) {
	log.Error(msg, append(args, "critical", true)...)
}
