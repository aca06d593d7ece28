package metrics

import (
	"sync"
	"time"
)

// QueueStats is the monitoring view of one queue
type QueueStats struct {
	Name               string  `json:"name"`
	TotalMessages      int64   `json:"totalMessages"`
	TotalConsumed      int64   `json:"totalConsumed"`
	TotalFailed        int64   `json:"totalFailed"`
	SuccessRate        float64 `json:"successRate"`
	CurrentSize        int64   `json:"currentSize"`
	Throughput         float64 `json:"throughput"`
	PendingMessages    int64   `json:"pendingMessages"`
	MessagesNotVisible int64   `json:"messagesNotVisible"`
	// 5-minute rolling window
	TotalMessages5min int64   `json:"totalMessages5min"`
	Consumed5min      int64   `json:"consumed5min"`
	Failed5min        int64   `json:"failed5min"`
	SuccessRate5min   float64 `json:"successRate5min"`
	// 30-minute rolling window
	TotalMessages30min int64   `json:"totalMessages30min"`
	Consumed30min      int64   `json:"consumed30min"`
	Failed30min        int64   `json:"failed30min"`
	SuccessRate30min   float64 `json:"successRate30min"`
}

// EmptyQueueStats returns zeroed statistics for a queue with no history
func EmptyQueueStats(queueID string) *QueueStats {
	return &QueueStats{
		Name:             queueID,
		SuccessRate:      1.0,
		SuccessRate5min:  1.0,
		SuccessRate30min: 1.0,
	}
}

// QueueMetricsService tracks queue throughput, outcomes and backlog depth
type QueueMetricsService interface {
	RecordReceived(queueID string)
	RecordProcessed(queueID string, success bool)
	SetDepth(queueID string, depth int64)
	// SetBacklog records broker-reported backlog: messages waiting and
	// messages delivered but not yet acked
	SetBacklog(queueID string, pendingMessages, messagesNotVisible int64)
	Stats(queueID string) *QueueStats
	AllStats() map[string]*QueueStats
}

type queueHolder struct {
	mu         sync.Mutex
	received   int64
	consumed   int64
	failed     int64
	depth      int64
	pending    int64
	notVisible int64
	startTime  time.Time
	window     rollingWindow
}

// InMemoryQueueMetricsService is the in-process QueueMetricsService
type InMemoryQueueMetricsService struct {
	mu     sync.RWMutex
	queues map[string]*queueHolder
}

// NewInMemoryQueueMetricsService creates a queue metrics service
func NewInMemoryQueueMetricsService() *InMemoryQueueMetricsService {
	return &InMemoryQueueMetricsService{queues: make(map[string]*queueHolder)}
}

func (s *InMemoryQueueMetricsService) holder(queueID string) *queueHolder {
	s.mu.RLock()
	h, ok := s.queues[queueID]
	s.mu.RUnlock()
	if ok {
		return h
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.queues[queueID]; ok {
		return h
	}
	h = &queueHolder{startTime: time.Now()}
	s.queues[queueID] = h
	return h
}

func (s *InMemoryQueueMetricsService) RecordReceived(queueID string) {
	h := s.holder(queueID)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.received++
}

func (s *InMemoryQueueMetricsService) RecordProcessed(queueID string, success bool) {
	h := s.holder(queueID)
	h.mu.Lock()
	defer h.mu.Unlock()
	if success {
		h.consumed++
	} else {
		h.failed++
	}
	h.window.record(success)
}

func (s *InMemoryQueueMetricsService) SetDepth(queueID string, depth int64) {
	h := s.holder(queueID)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.depth = depth
}

func (s *InMemoryQueueMetricsService) SetBacklog(queueID string, pendingMessages, messagesNotVisible int64) {
	h := s.holder(queueID)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pending = pendingMessages
	h.notVisible = messagesNotVisible
}

func (s *InMemoryQueueMetricsService) Stats(queueID string) *QueueStats {
	s.mu.RLock()
	h, ok := s.queues[queueID]
	s.mu.RUnlock()
	if !ok {
		return EmptyQueueStats(queueID)
	}
	return h.stats(queueID)
}

func (s *InMemoryQueueMetricsService) AllStats() map[string]*QueueStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]*QueueStats, len(s.queues))
	for id, h := range s.queues {
		result[id] = h.stats(id)
	}
	return result
}

func (h *queueHolder) stats(queueID string) *QueueStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	throughput := 0.0
	if elapsed := time.Since(h.startTime).Seconds(); elapsed > 0 {
		throughput = float64(h.consumed) / elapsed
	}

	consumed5, failed5 := h.window.counts(5 * time.Minute)
	consumed30, failed30 := h.window.counts(windowHorizon)

	rate := 1.0
	if h.received > 0 {
		rate = float64(h.consumed) / float64(h.received)
	}

	return &QueueStats{
		Name:               queueID,
		TotalMessages:      h.received,
		TotalConsumed:      h.consumed,
		TotalFailed:        h.failed,
		SuccessRate:        rate,
		CurrentSize:        h.depth,
		Throughput:         throughput,
		PendingMessages:    h.pending,
		MessagesNotVisible: h.notVisible,
		TotalMessages5min:  consumed5 + failed5,
		Consumed5min:       consumed5,
		Failed5min:         failed5,
		SuccessRate5min:    successRate(consumed5, failed5),
		TotalMessages30min: consumed30 + failed30,
		Consumed30min:      consumed30,
		Failed30min:        failed30,
		SuccessRate30min:   successRate(consumed30, failed30),
	}
}
