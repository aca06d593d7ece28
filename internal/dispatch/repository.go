package dispatch

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a job does not exist
var ErrNotFound = errors.New("dispatch: job not found")

// Repository defines dispatch job data access
type Repository interface {
	// FindByID loads a job, ErrNotFound when absent
	FindByID(ctx context.Context, id string) (*Job, error)

	// FindByIdempotencyKey loads the job created under the given key,
	// ErrNotFound when absent
	FindByIdempotencyKey(ctx context.Context, key string) (*Job, error)

	// Insert stores a new job. When the job carries an idempotency key that
	// already exists, Insert returns the existing job and no error.
	Insert(ctx context.Context, job *Job) (*Job, error)

	// ClaimDue atomically flips due PENDING jobs (scheduledFor <= now) to
	// IN_FLIGHT and returns them ordered by (messageGroup, sequence,
	// scheduledFor)
	ClaimDue(ctx context.Context, limit int) ([]*Job, error)

	// RecordAttempt appends an attempt and updates the attempt counters
	RecordAttempt(ctx context.Context, id string, attempt Attempt) error

	// MarkSucceeded finalizes the job after a successful delivery
	MarkSucceeded(ctx context.Context, id string, durationMillis int64) error

	// MarkFailed finalizes the job after retries are exhausted
	MarkFailed(ctx context.Context, id string, lastError string) error

	// MarkExpired finalizes a job found past its expiresAt
	MarkExpired(ctx context.Context, id string) error

	// ResetToPending returns an IN_FLIGHT job to PENDING with a new
	// scheduledFor, used for nack-with-delay retries
	ResetToPending(ctx context.Context, id string, scheduledFor time.Time) error

	// ExpireOverdue flips non-terminal jobs past their expiresAt to EXPIRED.
	// Returns how many were expired.
	ExpireOverdue(ctx context.Context) (int64, error)

	// RecoverStale returns IN_FLIGHT jobs older than threshold to PENDING.
	// Covers jobs whose queue message was lost.
	RecoverStale(ctx context.Context, threshold time.Duration) (int64, error)

	// CountByStatus returns the number of jobs in the given status
	CountByStatus(ctx context.Context, status Status) (int64, error)

	// EnsureIndexes creates the claim and idempotency indexes. Idempotent.
	EnsureIndexes(ctx context.Context) error
}
