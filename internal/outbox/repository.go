package outbox

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicate is returned by Insert when the idempotency key was already
// used within the dedup window. The insert is a no-op in that case.
var ErrDuplicate = errors.New("outbox: duplicate idempotency key")

// RepositoryConfig holds table/collection naming and claim tuning
type RepositoryConfig struct {
	// Table is the outbox table or collection name (default: outbox_messages)
	Table string

	// DedupTable is the idempotency-key table or collection name
	// (default: outbox_deduplication)
	DedupTable string

	// ProcessingTimeout is how long a row may sit in PROCESSING before
	// recovery considers it stuck (default: 300s)
	ProcessingTimeout time.Duration

	// MaxRetries is the retry ceiling; ScheduleRetry flips a row to FAILED
	// once retryCount reaches it (default: 3)
	MaxRetries int

	// RetryDelay is how long a retried row waits before it becomes
	// claimable again (default: 60s)
	RetryDelay time.Duration
}

// DefaultRepositoryConfig returns the standard repository settings
func DefaultRepositoryConfig() *RepositoryConfig {
	return &RepositoryConfig{
		Table:             "outbox_messages",
		DedupTable:        "outbox_deduplication",
		ProcessingTimeout: 300 * time.Second,
		MaxRetries:        3,
		RetryDelay:        60 * time.Second,
	}
}

func (c *RepositoryConfig) normalize() {
	if c.Table == "" {
		c.Table = "outbox_messages"
	}
	if c.DedupTable == "" {
		c.DedupTable = "outbox_deduplication"
	}
	if c.ProcessingTimeout <= 0 {
		c.ProcessingTimeout = 300 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 60 * time.Second
	}
}

// Repository is the outbox data-access contract. Claims are atomic: two
// concurrent processor instances never receive the same row.
type Repository interface {
	// Insert stores a new PENDING message. When idempotencyKey is non-empty
	// and was seen within the dedup window, Insert returns ErrDuplicate and
	// writes nothing.
	Insert(ctx context.Context, msg *Message, idempotencyKey string) error

	// ClaimPending atomically selects up to limit PENDING rows ordered by
	// (messageGroup, createdAt), flips them to PROCESSING, and returns them
	// in claim order.
	ClaimPending(ctx context.Context, limit int) ([]*Message, error)

	// MarkCompleted flips the given rows to COMPLETED with processedAt=now
	MarkCompleted(ctx context.Context, ids []string) error

	// MarkFailed flips the given rows to FAILED with the error reason
	MarkFailed(ctx context.Context, ids []string, reason string) error

	// ScheduleRetry increments retryCount and returns rows to PENDING with
	// a not-before timestamp of now+RetryDelay; rows at the retry ceiling
	// are marked FAILED instead.
	ScheduleRetry(ctx context.Context, ids []string, reason string) error

	// Release returns claimed rows to PENDING without touching retryCount.
	// Used when a whole API batch failed for reasons unrelated to the
	// individual messages (connectivity, 5xx on the batch endpoint).
	Release(ctx context.Context, ids []string) error

	// RecoverStuck returns rows stuck in PROCESSING longer than the
	// processing timeout back to PENDING. Returns how many were recovered.
	RecoverStuck(ctx context.Context) (int64, error)

	// CountByStatus returns row counts per status for monitoring
	CountByStatus(ctx context.Context) (StatusCounts, error)

	// CreateSchema creates the outbox tables/collections and indexes if
	// they do not exist. Idempotent.
	CreateSchema(ctx context.Context) error
}
