package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"go.flowcatalyst.tech/dispatcher/internal/router/health"
)

// HealthCheckHandler serves the Kubernetes-style probes plus the plain
// GET /health infrastructure check
type HealthCheckHandler struct {
	infraHealth  *health.InfrastructureHealthService
	brokerHealth *health.BrokerHealthService
}

// NewHealthCheckHandler creates a health check handler
func NewHealthCheckHandler(
	infraHealth *health.InfrastructureHealthService,
	brokerHealth *health.BrokerHealthService,
) *HealthCheckHandler {
	return &HealthCheckHandler{
		infraHealth:  infraHealth,
		brokerHealth: brokerHealth,
	}
}

// RegisterRoutes mounts the health check routes
func (h *HealthCheckHandler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.Check)
	r.Get("/health/live", h.Liveness)
	r.Get("/health/ready", h.Readiness)
	r.Get("/health/startup", h.Startup)
}

// Check handles GET /health: 200 when the infrastructure is operational,
// 503 otherwise
func (h *HealthCheckHandler) Check(w http.ResponseWriter, r *http.Request) {
	result := h.infraHealth.CheckHealth()

	status := http.StatusOK
	if !result.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, result)
}

// Liveness handles GET /health/live. It never checks external dependencies;
// being able to respond means the process is not deadlocked.
func (h *HealthCheckHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, health.NewHealthyStatus("ALIVE"))
}

// Readiness handles GET /health/ready. Ready means the router machinery is
// operational and the broker is reachable.
func (h *HealthCheckHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	var issues []string

	if h.infraHealth != nil {
		if infraHealth := h.infraHealth.CheckHealth(); !infraHealth.Healthy {
			issues = append(issues, infraHealth.Issues...)
		}
	}

	if h.brokerHealth != nil {
		issues = append(issues, h.brokerHealth.CheckBrokerConnectivity()...)
	}

	if len(issues) == 0 {
		writeJSON(w, http.StatusOK, health.NewHealthyStatus("READY"))
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, health.NewUnhealthyStatus("NOT_READY", issues))
}

// Startup handles GET /health/startup. Same checks as readiness; the probe
// configuration provides the more lenient failure thresholds.
func (h *HealthCheckHandler) Startup(w http.ResponseWriter, r *http.Request) {
	h.Readiness(w, r)
}
