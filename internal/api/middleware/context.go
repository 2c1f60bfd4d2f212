package middleware

import (
	"context"
	"net/http"

	"go.uber.org/zap"
)

type contextKey string

const loggerKey contextKey = "logger"

func SetLogger(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// GetLogger returns the request-scoped logger set by Logger, or a no-op logger.
func GetLogger(r *http.Request) *zap.Logger {
	if l, ok := r.Context().Value(loggerKey).(*zap.Logger); ok {
		return l
	}
	return zap.NewNop()
}
