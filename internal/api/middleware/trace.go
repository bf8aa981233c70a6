package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/videoai/orchestrator/internal/api/shared"
)

// TraceMiddleware stamps each request with a trace ID, echoes it back in
// the X-Trace-ID header, and logs the request outcome. Apply it before
// any handler that logs, so every line carries the trace ID.
func TraceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := shared.SetTraceID(r.Context())
		traceID := shared.GetTraceID(ctx)

		w.Header().Set("X-Trace-ID", traceID)

		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))

		slog.Debug("request handled",
			slog.String("trace_id", traceID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Duration("duration", time.Since(start)))
	})
}
