package middleware

import (
	"log/slog"
	"net/http"

	"github.com/phrazzld/genqueue/internal/api/shared"
	"github.com/phrazzld/genqueue/internal/platform/logger"
)

// NewTraceMiddleware adds a trace ID to the request context and echoes it in
// the X-Trace-Id response header. A trace ID sent by the caller in the same
// header is reused when it is short and plain. Handlers find a logger carrying trace_id in the context.
// This middleware should be applied early in the middleware chain.
func NewTraceMiddleware(base *slog.Logger) func(http.Handler) http.Handler {
	if base == nil {
		base = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			incoming := r.Header.Get(shared.TraceIDHeader)
			if !validTraceID(incoming) {
				incoming = ""
			}
			ctx := shared.SetTraceID(r.Context(), incoming)
			traceID := shared.GetTraceID(ctx)

			log := base.With(slog.String("trace_id", traceID))
			ctx = logger.WithContext(ctx, log)

			log.Debug("request started",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr))

			w.Header().Set(shared.TraceIDHeader, traceID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// validTraceID accepts up to 64 characters of [A-Za-z0-9_-].
func validTraceID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}
