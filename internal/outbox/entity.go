// Package outbox implements transactional-outbox processing: applications
// insert messages into an outbox table in the same transaction as their
// business writes, and the processor claims pending rows, delivers them to
// the core API in FIFO order per message group, and records the outcome.
//
// Architecture (claim-based):
//  1. The poller atomically claims a batch of PENDING rows (oldest first,
//     grouped by message group) and flips them to PROCESSING in one statement.
//  2. Claimed messages are distributed to per-group workers that preserve
//     FIFO order within each group.
//  3. Workers deliver micro-batches to the API and reconcile per-item
//     outcomes: COMPLETED, retry (back to PENDING with retryCount+1), or
//     FAILED once the retry ceiling is reached.
//  4. Rows stuck in PROCESSING longer than the processing timeout are
//     recovered back to PENDING on startup and periodically.
package outbox

import (
	"time"
)

// Status is the lifecycle state of an outbox message.
// Stored as an integer for compact, index-friendly storage.
type Status int

const (
	// StatusPending - message is waiting to be claimed
	StatusPending Status = 0

	// StatusProcessing - message is claimed by a processor instance
	StatusProcessing Status = 1

	// StatusCompleted - message was delivered successfully
	StatusCompleted Status = 2

	// StatusFailed - message exhausted its retries or failed permanently
	StatusFailed Status = 3
)

// String returns a human-readable status name
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusProcessing:
		return "PROCESSING"
	case StatusCompleted:
		return "COMPLETED"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// MessageType distinguishes the two outbox payload kinds
type MessageType string

const (
	// TypeEvent - a domain event to be routed through the message router
	TypeEvent MessageType = "EVENT"

	// TypeDispatchJob - a dispatch job creation request
	TypeDispatchJob MessageType = "DISPATCH_JOB"
)

// Valid reports whether the message type is one of the known kinds
func (t MessageType) Valid() bool {
	return t == TypeEvent || t == TypeDispatchJob
}

// DedupWindow is how long an idempotency key suppresses duplicate inserts
const DedupWindow = 5 * time.Minute

// Message is a single outbox row
type Message struct {
	// ID is a TSID assigned at insert time
	ID string `bson:"_id" json:"id"`

	// TenantID scopes the message to a tenant
	TenantID string `bson:"tenantId" json:"tenantId"`

	// MessageGroup is the FIFO ordering key. Messages sharing a group are
	// delivered in createdAt order.
	MessageGroup string `bson:"messageGroup" json:"messageGroup"`

	// Type is EVENT or DISPATCH_JOB
	Type MessageType `bson:"type" json:"type"`

	// Payload is the opaque JSON document handed to the API
	Payload string `bson:"payload" json:"payload"`

	// PayloadSize is len(Payload) in bytes, recorded at insert time
	PayloadSize int `bson:"payloadSize" json:"payloadSize"`

	// Status is the current lifecycle state
	Status Status `bson:"status" json:"status"`

	// RetryCount is how many delivery attempts have been scheduled
	RetryCount int `bson:"retryCount" json:"retryCount"`

	// CreatedAt is the insert timestamp (FIFO tiebreaker within a group)
	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`

	// ClaimedAt is when the row was last flipped to PROCESSING
	ClaimedAt *time.Time `bson:"claimedAt,omitempty" json:"claimedAt,omitempty"`

	// ProcessedAt is when the row reached a terminal status
	ProcessedAt *time.Time `bson:"processedAt,omitempty" json:"processedAt,omitempty"`

	// ErrorReason holds the last delivery error, if any
	ErrorReason string `bson:"errorReason,omitempty" json:"errorReason,omitempty"`
}

// StatusCounts is a snapshot of row counts per status, for monitoring
type StatusCounts struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
}

// Total returns the sum across all statuses
func (c StatusCounts) Total() int64 {
	return c.Pending + c.Processing + c.Completed + c.Failed
}
