package daemon

import (
	"context"
	"log/slog"
)

type loggerKey struct{}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// Logger returns the logger stored in ctx, or the default logger.
func Logger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}

// WithRequest returns a context whose logger carries the session and
// request ids.
func WithRequest(ctx context.Context, sessionID, requestID string) context.Context {
	l := Logger(ctx)
	if sessionID != "" {
		l = l.With("session", sessionID)
	}
	if requestID != "" {
		l = l.With("request_id", requestID)
	}
	return WithLogger(ctx, l)
}

// ParseLevel maps a config string to a slog level. Unknown values are info.
func ParseLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
