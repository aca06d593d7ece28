package dispatch

import (
	"context"
	"time"

	"go.flowcatalyst.tech/dispatcher/internal/common/repository"
)

// instrumentedRepository wraps a Repository with metrics and logging
type instrumentedRepository struct {
	inner Repository
}

// NewInstrumentedRepository creates an instrumented wrapper around a Repository
func NewInstrumentedRepository(inner Repository) Repository {
	return &instrumentedRepository{inner: inner}
}

func (r *instrumentedRepository) FindByID(ctx context.Context, id string) (*Job, error) {
	return repository.Instrument(ctx, jobsCollection, "FindByID", func() (*Job, error) {
		return r.inner.FindByID(ctx, id)
	})
}

func (r *instrumentedRepository) FindByIdempotencyKey(ctx context.Context, key string) (*Job, error) {
	return repository.Instrument(ctx, jobsCollection, "FindByIdempotencyKey", func() (*Job, error) {
		return r.inner.FindByIdempotencyKey(ctx, key)
	})
}

func (r *instrumentedRepository) Insert(ctx context.Context, job *Job) (*Job, error) {
	return repository.Instrument(ctx, jobsCollection, "Insert", func() (*Job, error) {
		return r.inner.Insert(ctx, job)
	})
}

func (r *instrumentedRepository) ClaimDue(ctx context.Context, limit int) ([]*Job, error) {
	return repository.Instrument(ctx, jobsCollection, "ClaimDue", func() ([]*Job, error) {
		return r.inner.ClaimDue(ctx, limit)
	})
}

func (r *instrumentedRepository) RecordAttempt(ctx context.Context, id string, attempt Attempt) error {
	return repository.InstrumentVoid(ctx, jobsCollection, "RecordAttempt", func() error {
		return r.inner.RecordAttempt(ctx, id, attempt)
	})
}

func (r *instrumentedRepository) MarkSucceeded(ctx context.Context, id string, durationMillis int64) error {
	return repository.InstrumentVoid(ctx, jobsCollection, "MarkSucceeded", func() error {
		return r.inner.MarkSucceeded(ctx, id, durationMillis)
	})
}

func (r *instrumentedRepository) MarkFailed(ctx context.Context, id string, lastError string) error {
	return repository.InstrumentVoid(ctx, jobsCollection, "MarkFailed", func() error {
		return r.inner.MarkFailed(ctx, id, lastError)
	})
}

func (r *instrumentedRepository) MarkExpired(ctx context.Context, id string) error {
	return repository.InstrumentVoid(ctx, jobsCollection, "MarkExpired", func() error {
		return r.inner.MarkExpired(ctx, id)
	})
}

func (r *instrumentedRepository) ResetToPending(ctx context.Context, id string, scheduledFor time.Time) error {
	return repository.InstrumentVoid(ctx, jobsCollection, "ResetToPending", func() error {
		return r.inner.ResetToPending(ctx, id, scheduledFor)
	})
}

func (r *instrumentedRepository) ExpireOverdue(ctx context.Context) (int64, error) {
	return repository.Instrument(ctx, jobsCollection, "ExpireOverdue", func() (int64, error) {
		return r.inner.ExpireOverdue(ctx)
	})
}

func (r *instrumentedRepository) RecoverStale(ctx context.Context, threshold time.Duration) (int64, error) {
	return repository.Instrument(ctx, jobsCollection, "RecoverStale", func() (int64, error) {
		return r.inner.RecoverStale(ctx, threshold)
	})
}

func (r *instrumentedRepository) CountByStatus(ctx context.Context, status Status) (int64, error) {
	return repository.Instrument(ctx, jobsCollection, "CountByStatus", func() (int64, error) {
		return r.inner.CountByStatus(ctx, status)
	})
}

func (r *instrumentedRepository) EnsureIndexes(ctx context.Context) error {
	return repository.InstrumentVoid(ctx, jobsCollection, "EnsureIndexes", func() error {
		return r.inner.EnsureIndexes(ctx)
	})
}
