package metrics

import (
	"testing"
	"time"
)

func TestNewInMemoryQueueMetricsService(t *testing.T) {
	svc := NewInMemoryQueueMetricsService()

	if svc == nil {
		t.Fatal("NewInMemoryQueueMetricsService returned nil")
	}
	if svc.queues == nil {
		t.Error("Queues map should be initialized")
	}
}

func TestQueueMetricsRecordReceived(t *testing.T) {
	svc := NewInMemoryQueueMetricsService()

	svc.RecordReceived("q1")
	svc.RecordReceived("q1")
	svc.RecordReceived("q1")

	stats := svc.Stats("q1")

	if stats.TotalMessages != 3 {
		t.Errorf("Expected 3 messages, got %d", stats.TotalMessages)
	}
}

func TestQueueMetricsRecordProcessed(t *testing.T) {
	svc := NewInMemoryQueueMetricsService()

	svc.RecordReceived("q1")
	svc.RecordReceived("q1")
	svc.RecordProcessed("q1", true)
	svc.RecordProcessed("q1", false)

	stats := svc.Stats("q1")

	if stats.TotalConsumed != 1 {
		t.Errorf("Expected 1 consumed, got %d", stats.TotalConsumed)
	}
	if stats.TotalFailed != 1 {
		t.Errorf("Expected 1 failed, got %d", stats.TotalFailed)
	}
	if stats.SuccessRate != 0.5 {
		t.Errorf("Expected success rate 0.5, got %f", stats.SuccessRate)
	}
}

func TestQueueMetricsDepthAndBacklog(t *testing.T) {
	svc := NewInMemoryQueueMetricsService()

	svc.SetDepth("q1", 42)
	svc.SetBacklog("q1", 30, 12)

	stats := svc.Stats("q1")

	if stats.CurrentSize != 42 {
		t.Errorf("Expected depth 42, got %d", stats.CurrentSize)
	}
	if stats.PendingMessages != 30 {
		t.Errorf("Expected 30 pending, got %d", stats.PendingMessages)
	}
	if stats.MessagesNotVisible != 12 {
		t.Errorf("Expected 12 not visible, got %d", stats.MessagesNotVisible)
	}
}

func TestQueueMetricsRollingWindows(t *testing.T) {
	svc := NewInMemoryQueueMetricsService()

	svc.RecordProcessed("q1", true)
	svc.RecordProcessed("q1", true)
	svc.RecordProcessed("q1", false)

	stats := svc.Stats("q1")

	if stats.TotalMessages5min != 3 {
		t.Errorf("Expected 3 in 5min window, got %d", stats.TotalMessages5min)
	}
	if stats.Consumed5min != 2 || stats.Failed5min != 1 {
		t.Errorf("Expected 2/1 in 5min window, got %d/%d", stats.Consumed5min, stats.Failed5min)
	}
	if stats.SuccessRate30min < 0.66 || stats.SuccessRate30min > 0.67 {
		t.Errorf("Expected ~0.67 success rate in 30min window, got %f", stats.SuccessRate30min)
	}
}

func TestQueueMetricsThroughput(t *testing.T) {
	svc := NewInMemoryQueueMetricsService()

	svc.RecordProcessed("q1", true)
	time.Sleep(10 * time.Millisecond)

	stats := svc.Stats("q1")

	if stats.Throughput <= 0 {
		t.Errorf("Expected positive throughput, got %f", stats.Throughput)
	}
}

func TestQueueMetricsUnknownQueue(t *testing.T) {
	svc := NewInMemoryQueueMetricsService()

	stats := svc.Stats("missing")

	if stats.Name != "missing" {
		t.Errorf("Expected name 'missing', got '%s'", stats.Name)
	}
	if stats.SuccessRate != 1.0 {
		t.Errorf("Expected neutral success rate, got %f", stats.SuccessRate)
	}
}

func TestQueueMetricsAllStats(t *testing.T) {
	svc := NewInMemoryQueueMetricsService()

	svc.RecordReceived("q1")
	svc.RecordReceived("q2")

	all := svc.AllStats()

	if len(all) != 2 {
		t.Fatalf("Expected 2 queues, got %d", len(all))
	}
}

func TestRollingWindowPrunes(t *testing.T) {
	w := &rollingWindow{}

	// Seed an outcome beyond the horizon, then a fresh one
	w.outcomes = append(w.outcomes, outcome{at: time.Now().Add(-2 * windowHorizon), success: true})
	w.record(true)

	if len(w.outcomes) != 1 {
		t.Errorf("Expected expired outcome pruned, got %d entries", len(w.outcomes))
	}

	succeeded, failed := w.counts(windowHorizon)
	if succeeded != 1 || failed != 0 {
		t.Errorf("Expected 1/0, got %d/%d", succeeded, failed)
	}
}
