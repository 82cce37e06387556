// Package log carries a request-scoped slog.Logger through contexts and
// provides a handler that narrows output to selected component groups.
package log

import (
	"context"
	"log/slog"
)

type ctxLoggerKey struct{}

// ContextWithLogger returns a context carrying logger.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxLoggerKey{}, logger)
}

// LoggerFromContext returns the logger stored with ContextWithLogger, falling
// back to slog.Default.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxLoggerKey{}).(*slog.Logger); ok && logger != nil {
		return logger
	}
	return slog.Default()
}
