package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
)

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// HealthCheckFunc adapts a plain function to the HealthChecker interface.
type HealthCheckFunc func(ctx context.Context) error

func (f HealthCheckFunc) Ping(ctx context.Context) error {
	return f(ctx)
}

// HealthHandler serves liveness and readiness probes. Dependency checks are
// registered by name before the server starts; readiness fails until SetReady
// is called and every check passes.
type HealthHandler struct {
	checkers map[string]HealthChecker
	ready    atomic.Bool
}

func NewHealthHandler() *HealthHandler {
	h := &HealthHandler{checkers: make(map[string]HealthChecker)}
	h.ready.Store(false)
	return h
}

// AddCheck registers a named dependency check. Not safe to call once the
// handler is serving.
func (h *HealthHandler) AddCheck(name string, checker HealthChecker) {
	h.checkers[name] = checker
}

func (h *HealthHandler) SetReady(ready bool) {
	h.ready.Store(ready)
}

type HealthResponse struct {
	Status string `json:"status"`
}

type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(HealthResponse{Status: "ok"})
}

func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	checks := make(map[string]string)
	allHealthy := true

	if !h.ready.Load() {
		checks["app"] = "not ready"
		allHealthy = false
	} else {
		checks["app"] = "ok"
	}

	for name, checker := range h.checkers {
		if err := checker.Ping(r.Context()); err != nil {
			checks[name] = err.Error()
			allHealthy = false
			LoggerFromContext(r.Context()).Warn("readiness check failed",
				"check", name,
				"error", err,
			)
		} else {
			checks[name] = "ok"
		}
	}

	status := "ok"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ReadyResponse{
		Status: status,
		Checks: checks,
	})
}
