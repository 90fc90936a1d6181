package handler

import (
	"context"
	"net/http"
	"time"
)

// ReadinessCheck is one dependency probed by Ready.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthHandler exposes Kubernetes-style liveness and readiness endpoints.
type HealthHandler struct {
	checks []ReadinessCheck
}

func NewHealthHandler(checks ...ReadinessCheck) *HealthHandler {
	return &HealthHandler{checks: checks}
}

// Live always reports OK – if the process is up, it's live.
func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ready checks the master store, every shard and Redis.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	for _, c := range h.checks {
		if c.Check == nil {
			continue
		}
		if err := c.Check(ctx); err != nil {
			RespondError(w, r, http.StatusServiceUnavailable, "health/dependency-unavailable", c.Name+" unavailable")
			return
		}
	}

	RespondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
