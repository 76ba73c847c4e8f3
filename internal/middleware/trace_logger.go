// Package middleware carries HTTP middleware shared by the ops surfaces.
package middleware

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type loggerKey struct{}

// WithTraceLogger binds a request-scoped logger into the context, tagged
// with the trace and span ids when the request carries a recorded span.
// Log lines written through it correlate with the trace backend.
func WithTraceLogger(base *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqLogger := base
			if sc := trace.SpanFromContext(r.Context()).SpanContext(); sc.IsValid() {
				reqLogger = base.With(
					zap.String("trace_id", sc.TraceID().String()),
					zap.String("span_id", sc.SpanID().String()),
				)
			}
			ctx := context.WithValue(r.Context(), loggerKey{}, reqLogger)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LoggerFromRequest returns the request-scoped logger installed by
// WithTraceLogger, or the fallback when the middleware did not run.
func LoggerFromRequest(r *http.Request, fallback *zap.Logger) *zap.Logger {
	if l, ok := r.Context().Value(loggerKey{}).(*zap.Logger); ok {
		return l
	}
	return fallback
}
