// Package warning collects operator-facing warnings raised by the router,
// the outbox processor and the dispatch scheduler, and serves them over the
// monitoring API. Repeated occurrences of the same warning coalesce into a
// single entry with an occurrence count.
package warning

import "time"

// Severity levels
const (
	SeverityCritical = "CRITICAL"
	SeverityError    = "ERROR"
	SeverityWarning  = "WARNING"
	SeverityInfo     = "INFO"
)

// Warning categories
const (
	CategoryQueueBacklog   = "QUEUE_BACKLOG"
	CategoryMediation      = "MEDIATION"
	CategoryConfiguration  = "CONFIGURATION"
	CategoryPoolLimit      = "POOL_LIMIT"
	CategoryCircuitBreaker = "CIRCUIT_BREAKER"
	CategoryHealth         = "HEALTH"
	CategoryLeader         = "LEADER_ELECTION"
	CategoryPipelineLeak   = "PIPELINE_MAP_LEAK"
	CategoryOutbox         = "OUTBOX"
	CategoryDispatch       = "DISPATCH"
)

// Warning is one coalesced operator-facing issue
type Warning struct {
	// ID is the unique warning identifier (UUID)
	ID string `json:"id"`

	Category string `json:"category"`

	// Severity is one of CRITICAL, ERROR, WARNING, INFO
	Severity string `json:"severity"`

	Message string `json:"message"`

	// Source is the component that raised the warning
	Source string `json:"source"`

	// Timestamp is the first occurrence, LastSeen the most recent one
	Timestamp time.Time `json:"timestamp"`
	LastSeen  time.Time `json:"lastSeen"`

	// Count is how many times this warning has occurred
	Count int `json:"count"`

	Acknowledged bool `json:"acknowledged"`
}
