package metrics

import (
	"log/slog"
	"sync"
	"time"
)

// PoolStats is the monitoring view of one processing pool
type PoolStats struct {
	PoolCode                string  `json:"poolCode"`
	TotalProcessed          int64   `json:"totalProcessed"`
	TotalSucceeded          int64   `json:"totalSucceeded"`
	TotalFailed             int64   `json:"totalFailed"`
	TotalRateLimited        int64   `json:"totalRateLimited"`
	SuccessRate             float64 `json:"successRate"`
	ActiveWorkers           int     `json:"activeWorkers"`
	AvailablePermits        int     `json:"availablePermits"`
	MaxConcurrency          int     `json:"maxConcurrency"`
	QueueSize               int     `json:"queueSize"`
	MaxQueueCapacity        int     `json:"maxQueueCapacity"`
	AverageProcessingTimeMs float64 `json:"averageProcessingTimeMs"`
	// 5-minute rolling window
	TotalProcessed5min int64   `json:"totalProcessed5min"`
	Succeeded5min      int64   `json:"succeeded5min"`
	Failed5min         int64   `json:"failed5min"`
	SuccessRate5min    float64 `json:"successRate5min"`
	// 30-minute rolling window
	TotalProcessed30min int64   `json:"totalProcessed30min"`
	Succeeded30min      int64   `json:"succeeded30min"`
	Failed30min         int64   `json:"failed30min"`
	SuccessRate30min    float64 `json:"successRate30min"`
}

// EmptyPoolStats returns zeroed statistics for a pool with no history
func EmptyPoolStats(poolCode string) *PoolStats {
	return &PoolStats{
		PoolCode:         poolCode,
		SuccessRate:      1.0,
		SuccessRate5min:  1.0,
		SuccessRate30min: 1.0,
	}
}

// PoolMetricsService tracks processing pool statistics
type PoolMetricsService interface {
	RecordSubmitted(poolCode string)
	RecordSuccess(poolCode string, duration time.Duration)
	RecordFailure(poolCode string, duration time.Duration, errorType string)
	// RecordTransient counts a retryable failure without touching the
	// activity timestamp, so stall detection still fires when a pool only
	// produces connection errors
	RecordTransient(poolCode string, duration time.Duration)
	RecordRateLimited(poolCode string)
	SetCapacity(poolCode string, maxConcurrency, maxQueueCapacity int)
	SetGauges(poolCode string, activeWorkers, availablePermits, queueSize, messageGroupCount int)
	Stats(poolCode string) *PoolStats
	AllStats() map[string]*PoolStats
	LastActivity(poolCode string) *time.Time
	Remove(poolCode string)
}

type poolHolder struct {
	mu           sync.Mutex
	succeeded    int64
	failed       int64
	rateLimited  int64
	transient    int64
	totalTimeMs  int64
	lastActivity time.Time
	window       rollingWindow

	activeWorkers     int
	availablePermits  int
	queueSize         int
	messageGroupCount int
	maxConcurrency    int
	maxQueueCapacity  int
}

// InMemoryPoolMetricsService is the in-process PoolMetricsService
type InMemoryPoolMetricsService struct {
	mu    sync.RWMutex
	pools map[string]*poolHolder
}

// NewInMemoryPoolMetricsService creates a pool metrics service
func NewInMemoryPoolMetricsService() *InMemoryPoolMetricsService {
	return &InMemoryPoolMetricsService{pools: make(map[string]*poolHolder)}
}

func (s *InMemoryPoolMetricsService) holder(poolCode string) *poolHolder {
	s.mu.RLock()
	h, ok := s.pools[poolCode]
	s.mu.RUnlock()
	if ok {
		return h
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.pools[poolCode]; ok {
		return h
	}
	h = &poolHolder{}
	s.pools[poolCode] = h
	slog.Info("Tracking metrics for pool", "pool", poolCode)
	return h
}

func (s *InMemoryPoolMetricsService) RecordSubmitted(poolCode string) {
	// Submissions surface through queue size gauges; nothing to count here
	s.holder(poolCode)
}

func (s *InMemoryPoolMetricsService) RecordSuccess(poolCode string, duration time.Duration) {
	h := s.holder(poolCode)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.succeeded++
	h.totalTimeMs += duration.Milliseconds()
	h.lastActivity = time.Now()
	h.window.record(true)
}

func (s *InMemoryPoolMetricsService) RecordFailure(poolCode string, duration time.Duration, errorType string) {
	h := s.holder(poolCode)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failed++
	h.totalTimeMs += duration.Milliseconds()
	h.lastActivity = time.Now()
	h.window.record(false)
}

func (s *InMemoryPoolMetricsService) RecordTransient(poolCode string, duration time.Duration) {
	h := s.holder(poolCode)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.transient++
	h.totalTimeMs += duration.Milliseconds()
}

func (s *InMemoryPoolMetricsService) RecordRateLimited(poolCode string) {
	h := s.holder(poolCode)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rateLimited++
}

func (s *InMemoryPoolMetricsService) SetCapacity(poolCode string, maxConcurrency, maxQueueCapacity int) {
	h := s.holder(poolCode)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.maxConcurrency = maxConcurrency
	h.maxQueueCapacity = maxQueueCapacity
}

func (s *InMemoryPoolMetricsService) SetGauges(poolCode string, activeWorkers, availablePermits, queueSize, messageGroupCount int) {
	h := s.holder(poolCode)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.activeWorkers = activeWorkers
	h.availablePermits = availablePermits
	h.queueSize = queueSize
	h.messageGroupCount = messageGroupCount
}

func (s *InMemoryPoolMetricsService) Stats(poolCode string) *PoolStats {
	s.mu.RLock()
	h, ok := s.pools[poolCode]
	s.mu.RUnlock()
	if !ok {
		return EmptyPoolStats(poolCode)
	}
	return h.stats(poolCode)
}

func (s *InMemoryPoolMetricsService) AllStats() map[string]*PoolStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]*PoolStats, len(s.pools))
	for code, h := range s.pools {
		result[code] = h.stats(code)
	}
	return result
}

func (s *InMemoryPoolMetricsService) LastActivity(poolCode string) *time.Time {
	s.mu.RLock()
	h, ok := s.pools[poolCode]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lastActivity.IsZero() {
		return nil
	}
	ts := h.lastActivity
	return &ts
}

func (s *InMemoryPoolMetricsService) Remove(poolCode string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pools[poolCode]; ok {
		delete(s.pools, poolCode)
		slog.Info("Removed metrics for pool", "pool", poolCode)
	}
}

func (h *poolHolder) stats(poolCode string) *PoolStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	totalProcessed := h.succeeded + h.failed

	avgMs := 0.0
	if totalProcessed > 0 {
		avgMs = float64(h.totalTimeMs) / float64(totalProcessed)
	}

	succeeded5, failed5 := h.window.counts(5 * time.Minute)
	succeeded30, failed30 := h.window.counts(windowHorizon)

	return &PoolStats{
		PoolCode:                poolCode,
		TotalProcessed:          totalProcessed,
		TotalSucceeded:          h.succeeded,
		TotalFailed:             h.failed,
		TotalRateLimited:        h.rateLimited,
		SuccessRate:             successRate(h.succeeded, h.failed),
		ActiveWorkers:           h.activeWorkers,
		AvailablePermits:        h.availablePermits,
		MaxConcurrency:          h.maxConcurrency,
		QueueSize:               h.queueSize,
		MaxQueueCapacity:        h.maxQueueCapacity,
		AverageProcessingTimeMs: avgMs,
		TotalProcessed5min:      succeeded5 + failed5,
		Succeeded5min:           succeeded5,
		Failed5min:              failed5,
		SuccessRate5min:         successRate(succeeded5, failed5),
		TotalProcessed30min:     succeeded30 + failed30,
		Succeeded30min:          succeeded30,
		Failed30min:             failed30,
		SuccessRate30min:        successRate(succeeded30, failed30),
	}
}
