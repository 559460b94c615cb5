package observe

import (
	"context"

	"go.uber.org/zap"
)

// loggerKey is the context key for the request-scoped logger.
type loggerKey struct{}

// NewLogger creates the structured logger for the given environment.
// Development mode gets human-readable console output; anything else
// gets the production JSON encoder.
func NewLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom retrieves the logger from context, or returns a no-op logger.
func LoggerFrom(ctx context.Context) *zap.Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok {
		return logger
	}
	return zap.NewNop()
}

// RequestLogger creates a logger with request-scoped fields pre-attached.
// All subsequent log calls include these fields automatically.
func RequestLogger(base *zap.Logger, method, path, clientIP, traceID string) *zap.Logger {
	return base.With(
		zap.String("method", method),
		zap.String("path", path),
		zap.String("client_ip", clientIP),
		zap.String("trace_id", traceID),
	)
}
