package handler

import (
	"context"
	"net/http"
	"time"

	"moneypolicy/pkg/logger"
	"moneypolicy/pkg/validator"
)

// Check probes one dependency.
type Check func(ctx context.Context) error

// SystemHandler serves liveness and readiness.
type SystemHandler struct {
	responder
	checks    map[string]Check
	startTime time.Time
}

func NewSystemHandler(checks map[string]Check, log logger.Logger) *SystemHandler {
	return &SystemHandler{
		responder: responder{validator: validator.New(), logger: log},
		checks:    checks,
		startTime: time.Now(),
	}
}

type ServiceStatus struct {
	Name      string `json:"name"`
	Status    string `json:"status"` // operational, outage
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// Health reports that the process is up.
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(h.startTime).Seconds()),
	})
}

// Ready runs every dependency check and answers 503 if any of them fails.
func (h *SystemHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	services := make([]ServiceStatus, 0, len(h.checks))
	for name, check := range h.checks {
		start := time.Now()
		s := ServiceStatus{Name: name, Status: "operational"}
		if err := check(ctx); err != nil {
			s.Status = "outage"
			s.Error = err.Error()
			status = http.StatusServiceUnavailable
			h.logger.Warn("Readiness check failed", map[string]interface{}{"service": name, "error": err.Error()})
		}
		s.LatencyMs = time.Since(start).Milliseconds()
		services = append(services, s)
	}

	state := "ready"
	if status != http.StatusOK {
		state = "not_ready"
	}
	h.respondJSON(w, status, map[string]interface{}{
		"status":   state,
		"services": services,
	})
}
