// Package health aggregates liveness, readiness and dashboard health views
// for the router: infrastructure checks (pools alive and not stalled),
// broker connectivity, and the combined status the monitoring API serves.
package health

import (
	"time"

	"go.flowcatalyst.tech/dispatcher/internal/router/metrics"
)

// InfrastructureHealth is the result of an infrastructure check
type InfrastructureHealth struct {
	Healthy bool     `json:"healthy"`
	Message string   `json:"message"`
	Issues  []string `json:"issues,omitempty"`
}

// ReadinessStatus is the Kubernetes liveness/readiness probe response
type ReadinessStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Issues    []string  `json:"issues,omitempty"`
}

// NewHealthyStatus creates a healthy readiness status
func NewHealthyStatus(status string) *ReadinessStatus {
	return &ReadinessStatus{
		Status:    status,
		Timestamp: time.Now(),
		Issues:    []string{},
	}
}

// NewUnhealthyStatus creates an unhealthy readiness status with issues
func NewUnhealthyStatus(status string, issues []string) *ReadinessStatus {
	return &ReadinessStatus{
		Status:    status,
		Timestamp: time.Now(),
		Issues:    issues,
	}
}

// HealthStatus is the detailed system view for the monitoring dashboard
type HealthStatus struct {
	Status                  string       `json:"status"`
	UpSince                 time.Time    `json:"upSince"`
	TotalMessagesProcessed  int64        `json:"totalMessagesProcessed"`
	TotalMessagesSucceeded  int64        `json:"totalMessagesSucceeded"`
	TotalMessagesFailed     int64        `json:"totalMessagesFailed"`
	OverallSuccessRate      float64      `json:"overallSuccessRate"`
	ActivePoolCount         int          `json:"activePoolCount"`
	TotalActiveWorkers      int          `json:"totalActiveWorkers"`
	CurrentQueueDepth       int64        `json:"currentQueueDepth"`
	Throughput              float64      `json:"throughput"`
	CircuitBreakersOpen     int          `json:"circuitBreakersOpen"`
	UnacknowledgedWarnings  int          `json:"unacknowledgedWarnings"`
	InfrastructureHealth    string       `json:"infrastructureHealth"`
	LastInfrastructureCheck time.Time    `json:"lastInfrastructureCheck"`
	BrokerType              string       `json:"brokerType"`
	BrokerConnected         bool         `json:"brokerConnected"`
	PoolHealth              []PoolHealth `json:"poolHealth,omitempty"`
}

// PoolHealth is the dashboard view of a single processing pool
type PoolHealth struct {
	PoolCode       string    `json:"poolCode"`
	Status         string    `json:"status"`
	ActiveWorkers  int       `json:"activeWorkers"`
	QueueSize      int       `json:"queueSize"`
	LastActivityAt time.Time `json:"lastActivityAt,omitempty"`
}

// CircuitBreakerStats is the dashboard view of one circuit breaker
type CircuitBreakerStats struct {
	Name            string  `json:"name"`
	State           string  `json:"state"`
	SuccessfulCalls int64   `json:"successfulCalls"`
	FailedCalls     int64   `json:"failedCalls"`
	RejectedCalls   int64   `json:"rejectedCalls"`
	FailureRate     float64 `json:"failureRate"`
}

// InFlightMessage is the dashboard view of a message being processed
type InFlightMessage struct {
	MessageID    string    `json:"messageId"`
	PoolCode     string    `json:"poolCode"`
	MessageGroup string    `json:"messageGroup,omitempty"`
	TargetURL    string    `json:"targetUrl"`
	StartedAt    time.Time `json:"startedAt"`
	DurationMs   int64     `json:"durationMs"`
}

// StandbyStatus is the HA election view served by the monitoring API
type StandbyStatus struct {
	StandbyEnabled        bool   `json:"standbyEnabled"`
	InstanceID            string `json:"instanceId,omitempty"`
	Role                  string `json:"role,omitempty"`
	RedisAvailable        bool   `json:"redisAvailable,omitempty"`
	CurrentLockHolder     string `json:"currentLockHolder,omitempty"`
	LastSuccessfulRefresh string `json:"lastSuccessfulRefresh,omitempty"`
	HasWarning            bool   `json:"hasWarning,omitempty"`
}

// PoolMetricsProvider supplies pool statistics for health checks
type PoolMetricsProvider interface {
	AllStats() map[string]*metrics.PoolStats
	LastActivity(poolCode string) *time.Time
}
