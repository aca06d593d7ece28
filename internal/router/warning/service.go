package warning

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Service manages system warnings
type Service interface {
	// AddWarning records a warning; a repeat of an active warning with the
	// same category, source and message bumps its count instead of
	// creating a new entry
	AddWarning(category, severity, message, source string)

	// GetAllWarnings returns all warnings, newest first
	GetAllWarnings() []Warning

	// GetWarningsBySeverity returns warnings filtered by severity
	GetWarningsBySeverity(severity string) []Warning

	// GetUnacknowledgedWarnings returns unacknowledged warnings
	GetUnacknowledgedWarnings() []Warning

	// AcknowledgeWarning acknowledges a warning by ID
	AcknowledgeWarning(warningID string) bool

	// ClearAllWarnings removes all warnings
	ClearAllWarnings()

	// ClearOldWarnings removes warnings last seen more than hoursOld ago
	ClearOldWarnings(hoursOld int)
}

// DefaultMaxWarnings caps in-memory storage
const DefaultMaxWarnings = 1000

// InMemoryService stores warnings in memory, coalescing repeats
type InMemoryService struct {
	mu          sync.RWMutex
	byID        map[string]*Warning
	byDedupKey  map[string]*Warning
	maxWarnings int
}

// NewInMemoryService creates an in-memory warning service
func NewInMemoryService() *InMemoryService {
	return NewInMemoryServiceWithLimit(DefaultMaxWarnings)
}

// NewInMemoryServiceWithLimit creates a warning service with a custom cap
func NewInMemoryServiceWithLimit(maxWarnings int) *InMemoryService {
	return &InMemoryService{
		byID:        make(map[string]*Warning),
		byDedupKey:  make(map[string]*Warning),
		maxWarnings: maxWarnings,
	}
}

func dedupKey(category, source, message string) string {
	return category + "\x00" + source + "\x00" + message
}

// AddWarning records a warning, coalescing repeats of active warnings
func (s *InMemoryService) AddWarning(category, severity, message, source string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := dedupKey(category, source, message)
	if existing, ok := s.byDedupKey[key]; ok && !existing.Acknowledged {
		existing.Count++
		existing.LastSeen = time.Now()
		existing.Severity = severity
		return
	}

	if len(s.byID) >= s.maxWarnings {
		s.evictOldest()
	}

	now := time.Now()
	w := &Warning{
		ID:        uuid.New().String(),
		Category:  category,
		Severity:  severity,
		Message:   message,
		Source:    source,
		Timestamp: now,
		LastSeen:  now,
		Count:     1,
	}
	s.byID[w.ID] = w
	s.byDedupKey[key] = w

	slog.Info("Warning added",
		"severity", severity,
		"category", category,
		"source", source,
		"message", message)
}

// evictOldest removes the least recently seen warning. Caller holds the lock.
func (s *InMemoryService) evictOldest() {
	var oldest *Warning
	for _, w := range s.byID {
		if oldest == nil || w.LastSeen.Before(oldest.LastSeen) {
			oldest = w
		}
	}
	if oldest != nil {
		s.remove(oldest)
	}
}

// remove drops a warning from both indexes. Caller holds the lock.
func (s *InMemoryService) remove(w *Warning) {
	delete(s.byID, w.ID)
	key := dedupKey(w.Category, w.Source, w.Message)
	if s.byDedupKey[key] == w {
		delete(s.byDedupKey, key)
	}
}

// GetAllWarnings returns all warnings, newest first
func (s *InMemoryService) GetAllWarnings() []Warning {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sorted(nil)
}

// GetWarningsBySeverity returns warnings filtered by severity
func (s *InMemoryService) GetWarningsBySeverity(severity string) []Warning {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sorted(func(w *Warning) bool {
		return strings.EqualFold(w.Severity, severity)
	})
}

// GetUnacknowledgedWarnings returns unacknowledged warnings
func (s *InMemoryService) GetUnacknowledgedWarnings() []Warning {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sorted(func(w *Warning) bool {
		return !w.Acknowledged
	})
}

func (s *InMemoryService) sorted(filter func(*Warning) bool) []Warning {
	result := make([]Warning, 0, len(s.byID))
	for _, w := range s.byID {
		if filter == nil || filter(w) {
			result = append(result, *w)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].LastSeen.After(result[j].LastSeen)
	})
	return result
}

// AcknowledgeWarning acknowledges a warning by ID
func (s *InMemoryService) AcknowledgeWarning(warningID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, exists := s.byID[warningID]
	if !exists {
		return false
	}

	w.Acknowledged = true
	slog.Info("Warning acknowledged", "warningId", warningID)
	return true
}

// ClearAllWarnings removes all warnings
func (s *InMemoryService) ClearAllWarnings() {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := len(s.byID)
	s.byID = make(map[string]*Warning)
	s.byDedupKey = make(map[string]*Warning)
	slog.Info("Cleared all warnings", "count", count)
}

// ClearOldWarnings removes warnings last seen more than hoursOld ago
func (s *InMemoryService) ClearOldWarnings(hoursOld int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	threshold := time.Now().Add(-time.Duration(hoursOld) * time.Hour)
	removed := 0
	for _, w := range s.byID {
		if w.LastSeen.Before(threshold) {
			s.remove(w)
			removed++
		}
	}

	slog.Info("Cleared old warnings", "count", removed, "hoursOld", hoursOld)
}

// Count returns the current number of warnings
func (s *InMemoryService) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
