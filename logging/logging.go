// Package logging builds the slog loggers shared by the chat components.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type ctxKey string

const ctxKeySessionID ctxKey = "session_id"

type Options struct {
	Level  string // debug, info, warn, error
	Format string // json or text
	Output io.Writer
}

// New returns a logger writing to opts.Output (stderr by default).
func New(opts Options) *slog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	hopts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}
	if strings.EqualFold(opts.Format, "text") {
		return slog.New(slog.NewTextHandler(out, hopts))
	}
	return slog.New(slog.NewJSONHandler(out, hopts))
}

// FromEnv reads LIVECHAT_LOG_LEVEL and LIVECHAT_LOG_FORMAT and writes to out.
func FromEnv(out io.Writer) *slog.Logger {
	return New(Options{
		Level:  os.Getenv("LIVECHAT_LOG_LEVEL"),
		Format: os.Getenv("LIVECHAT_LOG_FORMAT"),
		Output: out,
	})
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

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

// WithSessionID stores a chat session id in the context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, ctxKeySessionID, sessionID)
}

// FromContext adds session_id to base if ctx carries one.
func FromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = Discard()
	}
	id, _ := ctx.Value(ctxKeySessionID).(string)
	if id == "" {
		return base
	}
	return base.With("session_id", id)
}
