package logger

import (
	"context"
)

// Logger is the structured logging contract used by every raincheck component.
// Log methods take a message followed by key-value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	// With returns a child logger that adds the key-value pairs to every entry.
	With(args ...any) Logger

	// WithContext returns a child logger carrying correlation fields found in ctx.
	WithContext(ctx context.Context) Logger
}

type contextKey string

const rainCheckIDKey contextKey = "raincheck_id"

// ContextWithRainCheckID stores the rain-check id so WithContext can attach it to log entries.
func ContextWithRainCheckID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, rainCheckIDKey, id)
}

// RainCheckIDFromContext returns the rain-check id stored in ctx, if any.
func RainCheckIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(rainCheckIDKey).(string); ok {
		return id
	}
	return ""
}
