package health

import (
	"sync"
	"time"
)

// CircuitBreakerGetter supplies circuit breaker statistics
type CircuitBreakerGetter interface {
	GetAllCircuitBreakerStats() map[string]*CircuitBreakerStats
	GetOpenCircuitBreakerCount() int
}

// WarningGetter supplies warning counts
type WarningGetter interface {
	UnacknowledgedWarningCount() int
}

// QueueStatsGetter supplies aggregate queue figures
type QueueStatsGetter interface {
	GetTotalQueueDepth() int64
	GetThroughput() float64
}

// HealthStatusService aggregates all health sources into the dashboard view
type HealthStatusService struct {
	mu sync.RWMutex

	startTime            time.Time
	infraHealthService   *InfrastructureHealthService
	brokerHealthService  *BrokerHealthService
	poolMetrics          PoolMetricsProvider
	circuitBreakerGetter CircuitBreakerGetter
	warningGetter        WarningGetter
	queueStatsGetter     QueueStatsGetter
}

// NewHealthStatusService creates a health status service
func NewHealthStatusService(
	infraHealth *InfrastructureHealthService,
	brokerHealth *BrokerHealthService,
	poolMetrics PoolMetricsProvider,
) *HealthStatusService {
	return &HealthStatusService{
		startTime:           time.Now(),
		infraHealthService:  infraHealth,
		brokerHealthService: brokerHealth,
		poolMetrics:         poolMetrics,
	}
}

// SetCircuitBreakerGetter sets the circuit breaker stats provider
func (s *HealthStatusService) SetCircuitBreakerGetter(getter CircuitBreakerGetter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.circuitBreakerGetter = getter
}

// SetWarningGetter sets the warning count provider
func (s *HealthStatusService) SetWarningGetter(getter WarningGetter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warningGetter = getter
}

// SetQueueStatsGetter sets the queue stats provider
func (s *HealthStatusService) SetQueueStatsGetter(getter QueueStatsGetter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queueStatsGetter = getter
}

// GetHealthStatus builds the aggregated dashboard view
func (s *HealthStatusService) GetHealthStatus() *HealthStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := &HealthStatus{
		Status:                  "UNKNOWN",
		UpSince:                 s.startTime,
		LastInfrastructureCheck: time.Now(),
	}

	if s.infraHealthService != nil {
		infraHealth := s.infraHealthService.CheckHealth()
		if infraHealth.Healthy {
			status.InfrastructureHealth = "HEALTHY"
		} else {
			status.InfrastructureHealth = "UNHEALTHY"
		}
		status.LastInfrastructureCheck = s.infraHealthService.GetLastHealthCheck()
	}

	if s.brokerHealthService != nil {
		status.BrokerType = string(s.brokerHealthService.GetBrokerType())
		status.BrokerConnected = s.brokerHealthService.IsAvailable()
	}

	if s.poolMetrics != nil {
		s.fillPoolHealth(status)
	}

	if s.circuitBreakerGetter != nil {
		status.CircuitBreakersOpen = s.circuitBreakerGetter.GetOpenCircuitBreakerCount()
	}

	if s.warningGetter != nil {
		status.UnacknowledgedWarnings = s.warningGetter.UnacknowledgedWarningCount()
	}

	if s.queueStatsGetter != nil {
		status.CurrentQueueDepth = s.queueStatsGetter.GetTotalQueueDepth()
		status.Throughput = s.queueStatsGetter.GetThroughput()
	}

	switch {
	case status.InfrastructureHealth != "HEALTHY" || !status.BrokerConnected:
		status.Status = "UNHEALTHY"
	case status.CircuitBreakersOpen > 0:
		status.Status = "DEGRADED"
	default:
		status.Status = "HEALTHY"
	}

	return status
}

func (s *HealthStatusService) fillPoolHealth(status *HealthStatus) {
	poolStats := s.poolMetrics.AllStats()
	status.ActivePoolCount = len(poolStats)

	var poolHealth []PoolHealth
	for poolCode, stats := range poolStats {
		status.TotalMessagesProcessed += stats.TotalProcessed
		status.TotalMessagesSucceeded += stats.TotalSucceeded
		status.TotalMessagesFailed += stats.TotalFailed
		status.TotalActiveWorkers += stats.ActiveWorkers

		ph := PoolHealth{
			PoolCode:      poolCode,
			Status:        "HEALTHY",
			ActiveWorkers: stats.ActiveWorkers,
			QueueSize:     stats.QueueSize,
		}

		if lastActivity := s.poolMetrics.LastActivity(poolCode); lastActivity != nil {
			ph.LastActivityAt = *lastActivity
			if time.Since(*lastActivity) > StallThreshold {
				ph.Status = "STALLED"
			}
		}

		poolHealth = append(poolHealth, ph)
	}

	status.PoolHealth = poolHealth
	if status.TotalMessagesProcessed > 0 {
		status.OverallSuccessRate = float64(status.TotalMessagesSucceeded) / float64(status.TotalMessagesProcessed)
	}
}

// GetUptime returns how long the service has been up
func (s *HealthStatusService) GetUptime() time.Duration {
	return time.Since(s.startTime)
}
