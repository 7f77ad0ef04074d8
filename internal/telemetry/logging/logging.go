// Package logging wraps log/slog with per-unit correlation.
package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// Logger is the correlation-aware logging surface used across the agent.
type Logger interface {
	InfoCtx(ctx context.Context, msg string, attrs ...any)
	WarnCtx(ctx context.Context, msg string, attrs ...any)
	ErrorCtx(ctx context.Context, msg string, attrs ...any)
}

type unitKey struct{}

// WithUnit returns a context carrying the given consus_id for correlation.
func WithUnit(ctx context.Context, consusID string) context.Context {
	return context.WithValue(ctx, unitKey{}, consusID)
}

func unitFrom(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(unitKey{}).(string)
	return v, ok && v != ""
}

type correlatedLogger struct{ base *slog.Logger }

// New builds a Logger from LOG_LEVEL and LOG_TO_STDOUT environment values.
// Both are optional per the agent's external configuration surface; an
// empty LOG_LEVEL defaults to info and LOG_TO_STDOUT defaults to JSON-to-file
// style output on stdout when unset (no file handler is opened here — the
// caller chooses the writer).
func New(levelStr string, toStdout bool, w *os.File) Logger {
	if w == nil {
		w = os.Stdout
	}
	level := parseLevel(levelStr)
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if toStdout {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return &correlatedLogger{base: slog.New(handler)}
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

func (l *correlatedLogger) attrs(ctx context.Context, attrs []any) []any {
	if unit, ok := unitFrom(ctx); ok {
		return append(attrs, slog.String("consus_id", unit))
	}
	return attrs
}

func (l *correlatedLogger) InfoCtx(ctx context.Context, msg string, attrs ...any) {
	l.base.InfoContext(ctx, msg, l.attrs(ctx, attrs)...)
}

func (l *correlatedLogger) WarnCtx(ctx context.Context, msg string, attrs ...any) {
	l.base.WarnContext(ctx, msg, l.attrs(ctx, attrs)...)
}

func (l *correlatedLogger) ErrorCtx(ctx context.Context, msg string, attrs ...any) {
	l.base.ErrorContext(ctx, msg, l.attrs(ctx, attrs)...)
}
