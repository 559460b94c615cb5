package middleware

import (
	"context"
	"net/http"

	"github.com/regionfront/dispatchproxy/internal/observe"
)

// Tracing generates or propagates a trace ID for each request,
// delegating to internal/observe so the id-generation logic has one
// implementation (the teacher carried two nearly-identical copies of
// this middleware; see DESIGN.md).
func Tracing() Middleware {
	return func(next http.Handler) http.Handler {
		return observe.TracingMiddleware(next)
	}
}

// TraceIDFrom retrieves the trace ID from context.
func TraceIDFrom(ctx context.Context) string {
	return observe.TraceIDFrom(ctx)
}
