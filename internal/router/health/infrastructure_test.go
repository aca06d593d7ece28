package health

import (
	"testing"
	"time"

	"go.flowcatalyst.tech/dispatcher/internal/router/metrics"
)

// fakePoolMetrics implements PoolMetricsProvider with canned data
type fakePoolMetrics struct {
	stats    map[string]*metrics.PoolStats
	activity map[string]*time.Time
}

func (f *fakePoolMetrics) AllStats() map[string]*metrics.PoolStats {
	return f.stats
}

func (f *fakePoolMetrics) LastActivity(poolCode string) *time.Time {
	return f.activity[poolCode]
}

func ts(ago time.Duration) *time.Time {
	t := time.Now().Add(-ago)
	return &t
}

func TestInfrastructureHealthDisabled(t *testing.T) {
	svc := NewInfrastructureHealthService(false, nil)

	health := svc.CheckHealth()

	if !health.Healthy {
		t.Error("Disabled router should report healthy")
	}
	if health.Message != "Message router is disabled" {
		t.Errorf("Unexpected message: %s", health.Message)
	}
}

func TestInfrastructureHealthNoMetricsProvider(t *testing.T) {
	svc := NewInfrastructureHealthService(true, nil)

	health := svc.CheckHealth()

	if health.Healthy {
		t.Error("Expected unhealthy without a metrics provider")
	}
}

func TestInfrastructureHealthNoPools(t *testing.T) {
	provider := &fakePoolMetrics{
		stats:    map[string]*metrics.PoolStats{},
		activity: map[string]*time.Time{},
	}
	svc := NewInfrastructureHealthService(true, provider)

	health := svc.CheckHealth()

	if health.Healthy {
		t.Error("Expected unhealthy with no active pools")
	}
	if len(health.Issues) != 1 || health.Issues[0] != "No active process pools" {
		t.Errorf("Unexpected issues: %v", health.Issues)
	}
}

func TestInfrastructureHealthActivePool(t *testing.T) {
	provider := &fakePoolMetrics{
		stats: map[string]*metrics.PoolStats{
			"pool1": {PoolCode: "pool1"},
		},
		activity: map[string]*time.Time{
			"pool1": ts(10 * time.Second),
		},
	}
	svc := NewInfrastructureHealthService(true, provider)

	health := svc.CheckHealth()

	if !health.Healthy {
		t.Errorf("Expected healthy with recent activity, issues: %v", health.Issues)
	}
}

func TestInfrastructureHealthPoolNeverActive(t *testing.T) {
	// A pool that has never processed anything is not stalled; silence at
	// startup or during idle periods is normal
	provider := &fakePoolMetrics{
		stats: map[string]*metrics.PoolStats{
			"pool1": {PoolCode: "pool1"},
		},
		activity: map[string]*time.Time{},
	}
	svc := NewInfrastructureHealthService(true, provider)

	health := svc.CheckHealth()

	if !health.Healthy {
		t.Errorf("Expected healthy for never-active pool, issues: %v", health.Issues)
	}
}

func TestInfrastructureHealthAllPoolsStalled(t *testing.T) {
	provider := &fakePoolMetrics{
		stats: map[string]*metrics.PoolStats{
			"pool1": {PoolCode: "pool1"},
			"pool2": {PoolCode: "pool2"},
		},
		activity: map[string]*time.Time{
			"pool1": ts(3 * time.Minute),
			"pool2": ts(5 * time.Minute),
		},
	}
	svc := NewInfrastructureHealthService(true, provider)

	health := svc.CheckHealth()

	if health.Healthy {
		t.Error("Expected unhealthy when every active pool is stalled")
	}
}

func TestInfrastructureHealthOnePoolStillActive(t *testing.T) {
	// One live pool proves the machinery works; the stalled one may simply
	// have no traffic
	provider := &fakePoolMetrics{
		stats: map[string]*metrics.PoolStats{
			"pool1": {PoolCode: "pool1"},
			"pool2": {PoolCode: "pool2"},
		},
		activity: map[string]*time.Time{
			"pool1": ts(3 * time.Minute),
			"pool2": ts(5 * time.Second),
		},
	}
	svc := NewInfrastructureHealthService(true, provider)

	health := svc.CheckHealth()

	if !health.Healthy {
		t.Errorf("Expected healthy with one active pool, issues: %v", health.Issues)
	}
}

func TestInfrastructureHealthCaching(t *testing.T) {
	svc := NewInfrastructureHealthService(false, nil)

	if svc.GetCachedHealth() != nil {
		t.Error("Expected no cached health before first check")
	}

	first := svc.CheckHealth()

	if svc.GetCachedHealth() != first {
		t.Error("Expected cached health to match last check")
	}
	if svc.GetLastHealthCheck().IsZero() {
		t.Error("Expected last check timestamp to be set")
	}
}

func TestHealthStatusAggregation(t *testing.T) {
	provider := &fakePoolMetrics{
		stats: map[string]*metrics.PoolStats{
			"pool1": {
				PoolCode:       "pool1",
				TotalProcessed: 10,
				TotalSucceeded: 8,
				TotalFailed:    2,
				ActiveWorkers:  3,
			},
		},
		activity: map[string]*time.Time{
			"pool1": ts(time.Second),
		},
	}

	infra := NewInfrastructureHealthService(true, provider)
	broker := NewBrokerHealthService(true, QueueTypeEmbedded, nil)
	broker.CheckBrokerConnectivity()

	svc := NewHealthStatusService(infra, broker, provider)

	status := svc.GetHealthStatus()

	if status.Status != "HEALTHY" {
		t.Errorf("Expected HEALTHY, got %s", status.Status)
	}
	if status.TotalMessagesProcessed != 10 {
		t.Errorf("Expected 10 processed, got %d", status.TotalMessagesProcessed)
	}
	if status.OverallSuccessRate != 0.8 {
		t.Errorf("Expected success rate 0.8, got %f", status.OverallSuccessRate)
	}
	if status.ActivePoolCount != 1 {
		t.Errorf("Expected 1 pool, got %d", status.ActivePoolCount)
	}
	if !status.BrokerConnected {
		t.Error("Expected broker connected for embedded queue")
	}
}

func TestHealthStatusStalledPoolMarked(t *testing.T) {
	provider := &fakePoolMetrics{
		stats: map[string]*metrics.PoolStats{
			"pool1": {PoolCode: "pool1", TotalProcessed: 5, TotalSucceeded: 5},
		},
		activity: map[string]*time.Time{
			"pool1": ts(10 * time.Minute),
		},
	}

	broker := NewBrokerHealthService(true, QueueTypeEmbedded, nil)
	broker.CheckBrokerConnectivity()

	svc := NewHealthStatusService(nil, broker, provider)
	status := svc.GetHealthStatus()

	if len(status.PoolHealth) != 1 {
		t.Fatalf("Expected 1 pool health entry, got %d", len(status.PoolHealth))
	}
	if status.PoolHealth[0].Status != "STALLED" {
		t.Errorf("Expected STALLED pool status, got %s", status.PoolHealth[0].Status)
	}
}

func TestBrokerHealthEmbedded(t *testing.T) {
	svc := NewBrokerHealthService(true, QueueTypeEmbedded, nil)

	issues := svc.CheckBrokerConnectivity()

	if len(issues) != 0 {
		t.Errorf("Embedded broker should have no issues, got %v", issues)
	}
	if !svc.IsAvailable() {
		t.Error("Embedded broker should be available")
	}

	attempts, successes, failures := svc.GetMetrics()
	if attempts != 1 || successes != 1 || failures != 0 {
		t.Errorf("Unexpected metrics: %d/%d/%d", attempts, successes, failures)
	}
}

func TestBrokerHealthNoChecker(t *testing.T) {
	svc := NewBrokerHealthService(true, QueueTypeSQS, nil)

	issues := svc.CheckBrokerConnectivity()

	if len(issues) == 0 {
		t.Error("Expected issues for SQS without a checker")
	}
	if svc.IsAvailable() {
		t.Error("Broker should be unavailable without a checker")
	}
}

func TestBrokerHealthDisabled(t *testing.T) {
	svc := NewBrokerHealthService(false, QueueTypeSQS, nil)

	issues := svc.CheckBrokerConnectivity()

	if len(issues) != 0 {
		t.Errorf("Disabled service should report no issues, got %v", issues)
	}
}
