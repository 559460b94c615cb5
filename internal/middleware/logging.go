package middleware

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Logging logs each request as structured JSON with method, path, status,
// latency, client IP, and trace ID.
func Logging(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rc := NewResponseCapture(w)

			next.ServeHTTP(rc, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rc.StatusCode),
				zap.Int64("latency_ms", time.Since(start).Milliseconds()),
				zap.String("client_ip", r.RemoteAddr),
				zap.String("trace_id", TraceIDFrom(r.Context())),
				zap.String("backend", rc.BackendURL()),
			)
		})
	}
}
