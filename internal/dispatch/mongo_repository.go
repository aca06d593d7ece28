package dispatch

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const jobsCollection = "dispatch_jobs"

// MongoRepository implements Repository on MongoDB
type MongoRepository struct {
	collection *mongo.Collection
}

// NewMongoRepository creates a MongoDB dispatch job repository
func NewMongoRepository(db *mongo.Database) *MongoRepository {
	return &MongoRepository{collection: db.Collection(jobsCollection)}
}

// FindByID loads a job by id
func (r *MongoRepository) FindByID(ctx context.Context, id string) (*Job, error) {
	var job Job
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&job)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find dispatch job: %w", err)
	}
	return &job, nil
}

// FindByIdempotencyKey loads a job by its idempotency key
func (r *MongoRepository) FindByIdempotencyKey(ctx context.Context, key string) (*Job, error) {
	var job Job
	err := r.collection.FindOne(ctx, bson.M{"idempotencyKey": key}).Decode(&job)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find dispatch job by key: %w", err)
	}
	return &job, nil
}

// Insert stores a new job; on an idempotency-key collision the existing
// aggregate is returned instead
func (r *MongoRepository) Insert(ctx context.Context, job *Job) (*Job, error) {
	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = StatusPending
	}
	if job.Protocol == "" {
		job.Protocol = ProtocolHTTPWebhook
	}
	if job.Sequence <= 0 {
		job.Sequence = DefaultSequence
	}

	_, err := r.collection.InsertOne(ctx, job)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) && job.IdempotencyKey != "" {
			existing, findErr := r.FindByIdempotencyKey(ctx, job.IdempotencyKey)
			if findErr != nil {
				return nil, fmt.Errorf("insert dispatch job: %w", err)
			}
			return existing, nil
		}
		return nil, fmt.Errorf("insert dispatch job: %w", err)
	}
	return job, nil
}

// ClaimDue atomically claims due PENDING jobs with a findOneAndUpdate loop,
// ordered by (messageGroup, sequence, scheduledFor)
func (r *MongoRepository) ClaimDue(ctx context.Context, limit int) ([]*Job, error) {
	now := time.Now()
	filter := bson.M{
		"status": StatusPending,
		"$or": []bson.M{
			{"scheduledFor": bson.M{"$lte": now}},
			{"scheduledFor": bson.M{"$exists": false}},
		},
	}
	update := bson.M{
		"$set": bson.M{
			"status":    StatusInFlight,
			"updatedAt": now,
		},
	}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{
			{Key: "messageGroup", Value: 1},
			{Key: "sequence", Value: 1},
			{Key: "scheduledFor", Value: 1},
		}).
		SetReturnDocument(options.After)

	var claimed []*Job
	for len(claimed) < limit {
		var job Job
		err := r.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&job)
		if err != nil {
			if err == mongo.ErrNoDocuments {
				break
			}
			return claimed, fmt.Errorf("claim due dispatch jobs: %w", err)
		}
		claimed = append(claimed, &job)
	}
	return claimed, nil
}

// RecordAttempt appends one attempt and bumps the attempt counters
func (r *MongoRepository) RecordAttempt(ctx context.Context, id string, attempt Attempt) error {
	now := time.Now()
	res, err := r.collection.UpdateByID(ctx, id, bson.M{
		"$push": bson.M{"attempts": attempt},
		"$inc":  bson.M{"attemptCount": 1},
		"$set": bson.M{
			"lastAttemptAt": attempt.AttemptedAt,
			"lastError":     attempt.ErrorMessage,
			"updatedAt":     now,
		},
	})
	if err != nil {
		return fmt.Errorf("record dispatch attempt: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkSucceeded finalizes a delivered job
func (r *MongoRepository) MarkSucceeded(ctx context.Context, id string, durationMillis int64) error {
	now := time.Now()
	res, err := r.collection.UpdateByID(ctx, id, bson.M{
		"$set": bson.M{
			"status":         StatusSucceeded,
			"completedAt":    now,
			"durationMillis": durationMillis,
			"updatedAt":      now,
		},
	})
	if err != nil {
		return fmt.Errorf("mark dispatch job succeeded: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed finalizes a job whose retries are exhausted
func (r *MongoRepository) MarkFailed(ctx context.Context, id string, lastError string) error {
	now := time.Now()
	res, err := r.collection.UpdateByID(ctx, id, bson.M{
		"$set": bson.M{
			"status":      StatusFailed,
			"completedAt": now,
			"lastError":   lastError,
			"updatedAt":   now,
		},
	})
	if err != nil {
		return fmt.Errorf("mark dispatch job failed: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkExpired finalizes a job found past its expiry deadline
func (r *MongoRepository) MarkExpired(ctx context.Context, id string) error {
	now := time.Now()
	res, err := r.collection.UpdateByID(ctx, id, bson.M{
		"$set": bson.M{
			"status":      StatusExpired,
			"completedAt": now,
			"updatedAt":   now,
		},
	})
	if err != nil {
		return fmt.Errorf("mark dispatch job expired: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetToPending schedules another attempt for an in-flight job
func (r *MongoRepository) ResetToPending(ctx context.Context, id string, scheduledFor time.Time) error {
	res, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": id, "status": StatusInFlight},
		bson.M{"$set": bson.M{
			"status":       StatusPending,
			"scheduledFor": scheduledFor,
			"updatedAt":    time.Now(),
		}})
	if err != nil {
		return fmt.Errorf("reset dispatch job to pending: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// ExpireOverdue flips non-terminal jobs past expiresAt to EXPIRED
func (r *MongoRepository) ExpireOverdue(ctx context.Context) (int64, error) {
	now := time.Now()
	res, err := r.collection.UpdateMany(ctx,
		bson.M{
			"status":    bson.M{"$in": []Status{StatusPending, StatusInFlight}},
			"expiresAt": bson.M{"$gt": time.Time{}, "$lt": now},
		},
		bson.M{"$set": bson.M{
			"status":      StatusExpired,
			"completedAt": now,
			"updatedAt":   now,
		}})
	if err != nil {
		return 0, fmt.Errorf("expire overdue dispatch jobs: %w", err)
	}
	return res.ModifiedCount, nil
}

// RecoverStale returns long-lived IN_FLIGHT jobs to PENDING
func (r *MongoRepository) RecoverStale(ctx context.Context, threshold time.Duration) (int64, error) {
	cutoff := time.Now().Add(-threshold)
	res, err := r.collection.UpdateMany(ctx,
		bson.M{
			"status":    StatusInFlight,
			"updatedAt": bson.M{"$lt": cutoff},
		},
		bson.M{"$set": bson.M{
			"status":    StatusPending,
			"updatedAt": time.Now(),
		}})
	if err != nil {
		return 0, fmt.Errorf("recover stale dispatch jobs: %w", err)
	}
	return res.ModifiedCount, nil
}

// CountByStatus counts jobs in a status
func (r *MongoRepository) CountByStatus(ctx context.Context, status Status) (int64, error) {
	count, err := r.collection.CountDocuments(ctx, bson.M{"status": status})
	if err != nil {
		return 0, fmt.Errorf("count dispatch jobs: %w", err)
	}
	return count, nil
}

// EnsureIndexes creates the claim index and the unique idempotency index
func (r *MongoRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "messageGroup", Value: 1},
				{Key: "sequence", Value: 1},
				{Key: "scheduledFor", Value: 1},
			},
			Options: options.Index().SetName("idx_claim_due"),
		},
		{
			Keys: bson.D{{Key: "idempotencyKey", Value: 1}},
			Options: options.Index().
				SetName("uniq_idempotency_key").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{
					"idempotencyKey": bson.M{"$type": "string"},
				}),
		},
		{
			Keys:    bson.D{{Key: "expiresAt", Value: 1}},
			Options: options.Index().SetName("idx_expires_at").SetSparse(true),
		},
	})
	if err != nil {
		return fmt.Errorf("create dispatch job indexes: %w", err)
	}
	return nil
}
