package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

const (
	traceHeader      = "X-Trace-ID"
	requestIDHeader  = "X-Request-ID"
	maxTraceIDLength = 128
)

// TraceMiddleware assigns each request a trace id, reusing an inbound
// X-Trace-ID or X-Request-ID when one is present and sane, and echoes it in
// the response.
func TraceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(traceHeader)
		if traceID == "" {
			traceID = r.Header.Get(requestIDHeader)
		}
		if traceID == "" || len(traceID) > maxTraceIDLength {
			traceID = uuid.NewString()
		}
		w.Header().Set(traceHeader, traceID)
		next.ServeHTTP(w, r.WithContext(contextWithTraceID(r.Context(), traceID)))
	})
}

func contextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceContextKey, traceID)
}
