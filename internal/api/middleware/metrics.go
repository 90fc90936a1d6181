package middleware

import (
	"net/http"
	"time"

	"github.com/ayo6706/sharded-wallet/internal/observability"
	"github.com/go-chi/chi/v5"
)

// unmatchedRoute labels requests that hit no route, keeping scanner traffic
// from creating a series per path.
const unmatchedRoute = "unmatched"

// MetricsMiddleware records request latency by method, route pattern and
// status.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		observability.ObserveHTTP(r.Method, routePattern(r), rw.status, time.Since(start))
	})
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if pattern := rc.RoutePattern(); pattern != "" && pattern != "/*" {
			return pattern
		}
	}
	return unmatchedRoute
}
