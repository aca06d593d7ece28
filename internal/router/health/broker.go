package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// QueueType identifies the configured broker backend
type QueueType string

const (
	QueueTypeSQS      QueueType = "SQS"
	QueueTypeNATS     QueueType = "NATS"
	QueueTypeEmbedded QueueType = "EMBEDDED"
)

// BrokerConnectivityChecker provides broker-specific connectivity checks
type BrokerConnectivityChecker interface {
	// CheckConnectivity reports whether the broker is reachable
	CheckConnectivity(ctx context.Context) error
	// CheckQueueAccessible reports whether a specific queue is usable
	CheckQueueAccessible(ctx context.Context, queueName string) error
}

// BrokerHealthService checks connectivity to the external message broker
type BrokerHealthService struct {
	mu sync.RWMutex

	enabled    bool
	queueType  QueueType
	checker    BrokerConnectivityChecker
	lastCheck  time.Time
	lastResult bool
	lastIssues []string

	connectionAttempts  atomic.Int64
	connectionSuccesses atomic.Int64
	connectionFailures  atomic.Int64
	brokerAvailable     atomic.Bool
}

// NewBrokerHealthService creates a broker health service
func NewBrokerHealthService(enabled bool, queueType QueueType, checker BrokerConnectivityChecker) *BrokerHealthService {
	return &BrokerHealthService{
		enabled:   enabled,
		queueType: queueType,
		checker:   checker,
	}
}

// CheckBrokerConnectivity probes the broker. Returns found issues, empty
// when healthy. Embedded backends are local and always reachable.
func (s *BrokerHealthService) CheckBrokerConnectivity() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enabled {
		slog.Debug("Message router disabled, skipping broker connectivity check")
		return []string{}
	}

	s.connectionAttempts.Add(1)
	s.lastCheck = time.Now()

	var issues []string
	var connected bool

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch {
	case s.queueType == QueueTypeEmbedded:
		connected = true

	case s.checker == nil:
		slog.Warn("No broker connectivity checker configured", "queueType", string(s.queueType))
		issues = append(issues, fmt.Sprintf("%s broker checker not configured", s.queueType))

	default:
		if err := s.checker.CheckConnectivity(ctx); err != nil {
			slog.Error("Broker connectivity check failed", "error", err, "queueType", string(s.queueType))
			issues = append(issues, fmt.Sprintf("%s broker connectivity check failed: %v", s.queueType, err))
		} else {
			connected = true
		}
	}

	if connected {
		s.connectionSuccesses.Add(1)
		s.brokerAvailable.Store(true)
	} else {
		s.connectionFailures.Add(1)
		s.brokerAvailable.Store(false)
		if len(issues) == 0 {
			issues = append(issues, fmt.Sprintf("%s broker is not accessible", s.queueType))
		}
	}

	s.lastResult = connected
	s.lastIssues = issues
	return issues
}

// CheckQueueAccessible probes a specific queue
func (s *BrokerHealthService) CheckQueueAccessible(queueName string) []string {
	if !s.enabled || s.checker == nil {
		return []string{}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.checker.CheckQueueAccessible(ctx, queueName); err != nil {
		return []string{fmt.Sprintf("Cannot access queue [%s]: %v", queueName, err)}
	}
	return []string{}
}

// GetBrokerType returns the configured broker type
func (s *BrokerHealthService) GetBrokerType() QueueType {
	return s.queueType
}

// IsAvailable reports the result of the most recent connectivity check
func (s *BrokerHealthService) IsAvailable() bool {
	return s.brokerAvailable.Load()
}

// GetMetrics returns cumulative connectivity check counts
func (s *BrokerHealthService) GetMetrics() (attempts, successes, failures int64) {
	return s.connectionAttempts.Load(), s.connectionSuccesses.Load(), s.connectionFailures.Load()
}

// GetLastCheck returns the last check time, result and issues
func (s *BrokerHealthService) GetLastCheck() (time.Time, bool, []string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastCheck, s.lastResult, s.lastIssues
}

// SetChecker swaps the connectivity checker, used after consumer restarts
func (s *BrokerHealthService) SetChecker(checker BrokerConnectivityChecker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checker = checker
}
