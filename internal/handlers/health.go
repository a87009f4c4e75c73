package handlers

import (
	"net/http"
	"time"

	"github.com/craftlane/fulfillment/internal/platform/httpx"
	"github.com/craftlane/fulfillment/internal/services"
)

// HealthHandlers serves the liveness and readiness endpoints.
type HealthHandlers struct {
	system services.SystemService
	start  time.Time
}

// NewHealthHandlers constructs health handlers. A nil system service degrades
// readiness to the liveness payload.
func NewHealthHandlers(system services.SystemService) *HealthHandlers {
	return &HealthHandlers{
		system: system,
		start:  time.Now(),
	}
}

// Healthz reports process liveness without touching dependencies.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"uptime":    time.Since(h.start).String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Readyz checks dependencies through the system service and maps degraded or
// failing reports to 503.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.system == nil {
		h.Healthz(w, r)
		return
	}

	report, err := h.system.HealthReport(ctx)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("health_check_failed", "dependency checks failed", http.StatusServiceUnavailable))
		return
	}

	status := http.StatusOK
	if report.Status == "error" {
		status = http.StatusServiceUnavailable
	}

	checks := make(map[string]any, len(report.Checks))
	for name, check := range report.Checks {
		checks[name] = map[string]any{
			"status":     check.Status,
			"detail":     check.Detail,
			"latency_ms": check.Latency.Milliseconds(),
		}
	}

	writeJSONResponse(w, status, map[string]any{
		"status":       report.Status,
		"version":      report.Version,
		"environment":  report.Environment,
		"uptime":       report.Uptime.String(),
		"checks":       checks,
		"generated_at": formatTime(report.GeneratedAt),
	})
}
