package health

import (
	"log/slog"
	"sync"
	"time"

	"go.flowcatalyst.tech/dispatcher/internal/router/metrics"
)

// StallThreshold is how long a pool may go without completing a message
// before it counts as stalled. Pools that have never processed anything are
// exempt; silence at startup is not a failure.
const StallThreshold = 2 * time.Minute

// InfrastructureHealthService reports whether the router's own machinery is
// working. It goes unhealthy only when the router itself is compromised,
// never because downstream mediation targets are failing.
type InfrastructureHealthService struct {
	mu sync.RWMutex

	enabled      bool
	poolMetrics  PoolMetricsProvider
	lastCheck    time.Time
	cachedHealth *InfrastructureHealth
}

// NewInfrastructureHealthService creates an infrastructure health service
func NewInfrastructureHealthService(enabled bool, poolMetrics PoolMetricsProvider) *InfrastructureHealthService {
	return &InfrastructureHealthService{
		enabled:     enabled,
		poolMetrics: poolMetrics,
	}
}

// CheckHealth evaluates the router infrastructure
func (s *InfrastructureHealthService) CheckHealth() *InfrastructureHealth {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastCheck = time.Now()

	// A disabled router is healthy: not running is not broken
	if !s.enabled {
		s.cachedHealth = &InfrastructureHealth{
			Healthy: true,
			Message: "Message router is disabled",
		}
		return s.cachedHealth
	}

	var issues []string

	if s.poolMetrics == nil {
		issues = append(issues, "QueueManager not initialized")
	} else {
		allStats := s.poolMetrics.AllStats()
		if len(allStats) == 0 {
			issues = append(issues, "No active process pools")
		}

		active, stalled := s.classifyPools(allStats)
		// Unhealthy only when EVERY pool that ever processed is stalled;
		// one healthy pool means the machinery still works
		if active > 0 && stalled == active {
			issues = append(issues, "All process pools appear stalled (no activity in 120s)")
		}
	}

	health := &InfrastructureHealth{
		Healthy: len(issues) == 0,
		Issues:  issues,
	}
	if health.Healthy {
		health.Message = "Infrastructure is operational"
	} else {
		health.Message = "Infrastructure issues detected"
	}

	s.cachedHealth = health
	return health
}

// classifyPools counts pools with any processing history and how many of
// those have gone quiet past the stall threshold
func (s *InfrastructureHealthService) classifyPools(allStats map[string]*metrics.PoolStats) (active, stalled int) {
	for poolCode := range allStats {
		if s.poolMetrics.LastActivity(poolCode) == nil {
			// Never processed anything: fine during startup or idle periods
			continue
		}
		active++
		if s.isStalled(poolCode) {
			stalled++
		}
	}
	return active, stalled
}

// GetLastHealthCheck returns the time of the last check
func (s *InfrastructureHealthService) GetLastHealthCheck() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastCheck
}

// GetCachedHealth returns the last check result
func (s *InfrastructureHealthService) GetCachedHealth() *InfrastructureHealth {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cachedHealth
}

func (s *InfrastructureHealthService) isStalled(poolCode string) bool {
	lastActivity := s.poolMetrics.LastActivity(poolCode)
	if lastActivity == nil {
		return false
	}
	if since := time.Since(*lastActivity); since > StallThreshold {
		slog.Warn("Pool has not processed messages recently",
			"pool", poolCode,
			"secondsSinceActivity", int64(since.Seconds()))
		return true
	}
	return false
}
