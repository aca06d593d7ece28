package warning

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestAddWarning(t *testing.T) {
	svc := NewInMemoryService()

	svc.AddWarning(CategoryMediation, SeverityError, "endpoint unreachable", "HTTPMediator")

	warnings := svc.GetAllWarnings()
	if len(warnings) != 1 {
		t.Fatalf("Expected 1 warning, got %d", len(warnings))
	}

	w := warnings[0]
	if w.Category != CategoryMediation {
		t.Errorf("Expected category %s, got %s", CategoryMediation, w.Category)
	}
	if w.Severity != SeverityError {
		t.Errorf("Expected severity %s, got %s", SeverityError, w.Severity)
	}
	if w.Count != 1 {
		t.Errorf("Expected count 1, got %d", w.Count)
	}
	if w.ID == "" {
		t.Error("Expected warning ID to be set")
	}
}

func TestAddWarningCoalescesRepeats(t *testing.T) {
	svc := NewInMemoryService()

	for i := 0; i < 5; i++ {
		svc.AddWarning(CategoryQueueBacklog, SeverityWarning, "backlog above threshold", "QueueMonitor")
	}

	warnings := svc.GetAllWarnings()
	if len(warnings) != 1 {
		t.Fatalf("Expected 1 coalesced warning, got %d", len(warnings))
	}
	if warnings[0].Count != 5 {
		t.Errorf("Expected count 5, got %d", warnings[0].Count)
	}
}

func TestAddWarningAfterAcknowledgeCreatesNew(t *testing.T) {
	svc := NewInMemoryService()

	svc.AddWarning(CategoryHealth, SeverityWarning, "pool stalled", "HealthService")
	first := svc.GetAllWarnings()[0]

	if !svc.AcknowledgeWarning(first.ID) {
		t.Fatal("Expected acknowledge to succeed")
	}

	// An acknowledged warning does not swallow new occurrences
	svc.AddWarning(CategoryHealth, SeverityWarning, "pool stalled", "HealthService")

	warnings := svc.GetAllWarnings()
	if len(warnings) != 2 {
		t.Fatalf("Expected 2 warnings after re-occurrence, got %d", len(warnings))
	}
}

func TestGetWarningsBySeverity(t *testing.T) {
	svc := NewInMemoryService()

	svc.AddWarning(CategoryMediation, SeverityError, "a", "src")
	svc.AddWarning(CategoryHealth, SeverityWarning, "b", "src")
	svc.AddWarning(CategoryLeader, SeverityError, "c", "src")

	errors := svc.GetWarningsBySeverity("error")
	if len(errors) != 2 {
		t.Errorf("Expected 2 ERROR warnings (case-insensitive), got %d", len(errors))
	}
}

func TestGetUnacknowledgedWarnings(t *testing.T) {
	svc := NewInMemoryService()

	svc.AddWarning(CategoryMediation, SeverityError, "a", "src")
	svc.AddWarning(CategoryHealth, SeverityWarning, "b", "src")

	all := svc.GetAllWarnings()
	svc.AcknowledgeWarning(all[0].ID)

	unacked := svc.GetUnacknowledgedWarnings()
	if len(unacked) != 1 {
		t.Errorf("Expected 1 unacknowledged warning, got %d", len(unacked))
	}
}

func TestAcknowledgeUnknownWarning(t *testing.T) {
	svc := NewInMemoryService()

	if svc.AcknowledgeWarning("does-not-exist") {
		t.Error("Expected acknowledge of unknown ID to fail")
	}
}

func TestClearAllWarnings(t *testing.T) {
	svc := NewInMemoryService()

	svc.AddWarning(CategoryMediation, SeverityError, "a", "src")
	svc.AddWarning(CategoryHealth, SeverityWarning, "b", "src")

	svc.ClearAllWarnings()

	if svc.Count() != 0 {
		t.Errorf("Expected 0 warnings after clear, got %d", svc.Count())
	}

	// The dedup index must be cleared too
	svc.AddWarning(CategoryMediation, SeverityError, "a", "src")
	if svc.Count() != 1 {
		t.Errorf("Expected new warning after clear, got count %d", svc.Count())
	}
}

func TestClearOldWarnings(t *testing.T) {
	svc := NewInMemoryService()

	svc.AddWarning(CategoryMediation, SeverityError, "old", "src")

	// Backdate the warning past the threshold
	svc.mu.Lock()
	for _, w := range svc.byID {
		w.LastSeen = time.Now().Add(-48 * time.Hour)
	}
	svc.mu.Unlock()

	svc.AddWarning(CategoryHealth, SeverityWarning, "fresh", "src")
	svc.ClearOldWarnings(24)

	warnings := svc.GetAllWarnings()
	if len(warnings) != 1 {
		t.Fatalf("Expected 1 warning after clearing old, got %d", len(warnings))
	}
	if warnings[0].Message != "fresh" {
		t.Errorf("Expected 'fresh' to survive, got '%s'", warnings[0].Message)
	}
}

func TestWarningCapEvictsOldest(t *testing.T) {
	svc := NewInMemoryServiceWithLimit(3)

	for i := 0; i < 5; i++ {
		svc.AddWarning(CategoryMediation, SeverityInfo, fmt.Sprintf("warning %d", i), "src")
	}

	if svc.Count() != 3 {
		t.Errorf("Expected count capped at 3, got %d", svc.Count())
	}
}

func TestWarningsSortedNewestFirst(t *testing.T) {
	svc := NewInMemoryService()

	svc.AddWarning(CategoryMediation, SeverityInfo, "first", "src")
	time.Sleep(5 * time.Millisecond)
	svc.AddWarning(CategoryMediation, SeverityInfo, "second", "src")

	warnings := svc.GetAllWarnings()
	if len(warnings) != 2 {
		t.Fatalf("Expected 2 warnings, got %d", len(warnings))
	}
	if warnings[0].Message != "second" {
		t.Errorf("Expected newest first, got '%s'", warnings[0].Message)
	}
}

func TestWarningServiceConcurrentAccess(t *testing.T) {
	svc := NewInMemoryService()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				svc.AddWarning(CategoryHealth, SeverityInfo, fmt.Sprintf("w-%d-%d", n, j), "src")
				svc.GetAllWarnings()
			}
		}(i)
	}
	wg.Wait()

	if svc.Count() != 500 {
		t.Errorf("Expected 500 warnings, got %d", svc.Count())
	}
}
