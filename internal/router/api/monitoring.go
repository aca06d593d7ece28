// Package api serves the router's monitoring surface: the aggregated health
// view, pool and queue statistics, warnings, circuit breaker controls and the
// HTML dashboard. Everything is mounted under /monitoring.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"go.flowcatalyst.tech/dispatcher/internal/router/health"
	"go.flowcatalyst.tech/dispatcher/internal/router/metrics"
	"go.flowcatalyst.tech/dispatcher/internal/router/warning"
)

// QueueStatsProvider supplies per-queue statistics
type QueueStatsProvider interface {
	AllStats() map[string]*metrics.QueueStats
}

// InFlightMessagesGetter provides in-flight message views
type InFlightMessagesGetter interface {
	GetInFlightMessages(limit int, messageID string) []*health.InFlightMessage
}

// StandbyStatusGetter provides the HA election view
type StandbyStatusGetter interface {
	IsEnabled() bool
	GetStatus() *health.StandbyStatus
}

// CircuitBreakerMutator provides circuit breaker controls
type CircuitBreakerMutator interface {
	GetCircuitBreakerState(name string) string
	ResetCircuitBreaker(name string) bool
	ResetAllCircuitBreakers()
}

// MonitoringHandler serves the /monitoring endpoints. Optional collaborators
// are nil-safe: endpoints for absent services return empty collections.
type MonitoringHandler struct {
	healthStatus    *health.HealthStatusService
	poolMetrics     health.PoolMetricsProvider
	queueMetrics    QueueStatsProvider
	warningHandler  *warning.Handler
	circuitBreakers health.CircuitBreakerGetter
	cbMutator       CircuitBreakerMutator
	inFlightGetter  InFlightMessagesGetter
	standbyService  StandbyStatusGetter
}

// NewMonitoringHandler creates a monitoring handler
func NewMonitoringHandler(
	healthStatus *health.HealthStatusService,
	poolMetrics health.PoolMetricsProvider,
) *MonitoringHandler {
	return &MonitoringHandler{
		healthStatus: healthStatus,
		poolMetrics:  poolMetrics,
	}
}

// SetQueueMetrics sets the queue statistics provider
func (h *MonitoringHandler) SetQueueMetrics(qm QueueStatsProvider) {
	h.queueMetrics = qm
}

// SetWarningService mounts the warning endpoints backed by the given service
func (h *MonitoringHandler) SetWarningService(ws warning.Service) {
	h.warningHandler = warning.NewHandler(ws)
}

// SetCircuitBreakerService sets the circuit breaker providers
func (h *MonitoringHandler) SetCircuitBreakerService(cb health.CircuitBreakerGetter, cbm CircuitBreakerMutator) {
	h.circuitBreakers = cb
	h.cbMutator = cbm
}

// SetInFlightGetter sets the in-flight messages provider
func (h *MonitoringHandler) SetInFlightGetter(ifg InFlightMessagesGetter) {
	h.inFlightGetter = ifg
}

// SetStandbyService sets the standby election provider
func (h *MonitoringHandler) SetStandbyService(ss StandbyStatusGetter) {
	h.standbyService = ss
}

// RegisterRoutes mounts all monitoring routes
func (h *MonitoringHandler) RegisterRoutes(r chi.Router) {
	r.Route("/monitoring", func(r chi.Router) {
		r.Get("/health", h.GetHealthStatus)
		r.Get("/queue-stats", h.GetQueueStats)
		r.Get("/pool-stats", h.GetPoolStats)
		r.Get("/in-flight-messages", h.GetInFlightMessages)
		r.Get("/standby-status", h.GetStandbyStatus)
		r.Get("/dashboard", h.GetDashboard)

		r.Route("/circuit-breakers", func(r chi.Router) {
			r.Get("/", h.GetCircuitBreakerStats)
			r.Post("/reset-all", h.ResetAllCircuitBreakers)
			r.Get("/{name}/state", h.GetCircuitBreakerState)
			r.Post("/{name}/reset", h.ResetCircuitBreaker)
		})

		if h.warningHandler != nil {
			h.warningHandler.RegisterRoutes(r)
		}
	})
}

// GetHealthStatus handles GET /monitoring/health
func (h *MonitoringHandler) GetHealthStatus(w http.ResponseWriter, r *http.Request) {
	if h.healthStatus == nil {
		http.Error(w, "Health status not available", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, h.healthStatus.GetHealthStatus())
}

// GetQueueStats handles GET /monitoring/queue-stats
func (h *MonitoringHandler) GetQueueStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]*metrics.QueueStats{}
	if h.queueMetrics != nil {
		stats = h.queueMetrics.AllStats()
	}
	writeJSON(w, http.StatusOK, stats)
}

// GetPoolStats handles GET /monitoring/pool-stats
func (h *MonitoringHandler) GetPoolStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]*metrics.PoolStats{}
	if h.poolMetrics != nil {
		stats = h.poolMetrics.AllStats()
	}
	writeJSON(w, http.StatusOK, stats)
}

// GetCircuitBreakerStats handles GET /monitoring/circuit-breakers
func (h *MonitoringHandler) GetCircuitBreakerStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]*health.CircuitBreakerStats{}
	if h.circuitBreakers != nil {
		stats = h.circuitBreakers.GetAllCircuitBreakerStats()
	}
	writeJSON(w, http.StatusOK, stats)
}

// GetCircuitBreakerState handles GET /monitoring/circuit-breakers/{name}/state
func (h *MonitoringHandler) GetCircuitBreakerState(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	state := "UNKNOWN"
	if h.cbMutator != nil {
		state = h.cbMutator.GetCircuitBreakerState(name)
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": name, "state": state})
}

// ResetCircuitBreaker handles POST /monitoring/circuit-breakers/{name}/reset
func (h *MonitoringHandler) ResetCircuitBreaker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if h.cbMutator != nil && h.cbMutator.ResetCircuitBreaker(name) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
		return
	}
	writeJSON(w, http.StatusNotFound, map[string]string{
		"status":  "error",
		"message": "Circuit breaker not found",
	})
}

// ResetAllCircuitBreakers handles POST /monitoring/circuit-breakers/reset-all
func (h *MonitoringHandler) ResetAllCircuitBreakers(w http.ResponseWriter, r *http.Request) {
	if h.cbMutator != nil {
		h.cbMutator.ResetAllCircuitBreakers()
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// GetInFlightMessages handles GET /monitoring/in-flight-messages?limit=100&messageId=xxx
func (h *MonitoringHandler) GetInFlightMessages(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
		if parsed, err := strconv.Atoi(limitParam); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	messageID := r.URL.Query().Get("messageId")

	messages := []*health.InFlightMessage{}
	if h.inFlightGetter != nil {
		messages = h.inFlightGetter.GetInFlightMessages(limit, messageID)
	}
	writeJSON(w, http.StatusOK, messages)
}

// GetStandbyStatus handles GET /monitoring/standby-status
func (h *MonitoringHandler) GetStandbyStatus(w http.ResponseWriter, r *http.Request) {
	if h.standbyService == nil || !h.standbyService.IsEnabled() {
		writeJSON(w, http.StatusOK, map[string]bool{"standbyEnabled": false})
		return
	}
	writeJSON(w, http.StatusOK, h.standbyService.GetStatus())
}

// GetDashboard handles GET /monitoring/dashboard
func (h *MonitoringHandler) GetDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(dashboardHTML))
}

// WarningCountAdapter exposes a warning service as a health.WarningGetter
type WarningCountAdapter struct {
	service warning.Service
}

// NewWarningCountAdapter wraps a warning service for health aggregation
func NewWarningCountAdapter(service warning.Service) *WarningCountAdapter {
	return &WarningCountAdapter{service: service}
}

// UnacknowledgedWarningCount returns the number of open warnings
func (a *WarningCountAdapter) UnacknowledgedWarningCount() int {
	return len(a.service.GetUnacknowledgedWarnings())
}

// QueueStatsAdapter exposes queue metrics as a health.QueueStatsGetter
type QueueStatsAdapter struct {
	service metrics.QueueMetricsService
}

// NewQueueStatsAdapter wraps a queue metrics service for health aggregation
func NewQueueStatsAdapter(service metrics.QueueMetricsService) *QueueStatsAdapter {
	return &QueueStatsAdapter{service: service}
}

// GetTotalQueueDepth sums the reported depth across queues
func (a *QueueStatsAdapter) GetTotalQueueDepth() int64 {
	var total int64
	for _, stats := range a.service.AllStats() {
		total += stats.CurrentSize
	}
	return total
}

// GetThroughput sums messages per second across queues
func (a *QueueStatsAdapter) GetThroughput() float64 {
	var total float64
	for _, stats := range a.service.AllStats() {
		total += stats.Throughput
	}
	return total
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
