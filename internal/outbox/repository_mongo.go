package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoRepository implements Repository for MongoDB.
// MongoDB has no SKIP LOCKED equivalent, so claims run a findOneAndUpdate
// loop: each iteration atomically flips the oldest PENDING document to
// PROCESSING, which gives the same no-double-claim guarantee one document
// at a time.
type MongoRepository struct {
	db     *mongo.Database
	config *RepositoryConfig
}

// NewMongoRepository creates a MongoDB outbox repository
func NewMongoRepository(db *mongo.Database, config *RepositoryConfig) *MongoRepository {
	if config == nil {
		config = DefaultRepositoryConfig()
	}
	config.normalize()
	return &MongoRepository{db: db, config: config}
}

func (r *MongoRepository) messages() *mongo.Collection {
	return r.db.Collection(r.config.Table)
}

func (r *MongoRepository) dedup() *mongo.Collection {
	return r.db.Collection(r.config.DedupTable)
}

// Insert stores a new PENDING message, enforcing the dedup window when an
// idempotency key is supplied. The dedup collection carries a TTL index so
// expired keys are removed by the server.
func (r *MongoRepository) Insert(ctx context.Context, msg *Message, idempotencyKey string) error {
	if idempotencyKey != "" {
		_, err := r.dedup().InsertOne(ctx, bson.M{
			"_id":    idempotencyKey,
			"seenAt": time.Now(),
		})
		if err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("outbox dedup check: %w", err)
		}
	}

	doc := *msg
	doc.Status = StatusPending
	doc.RetryCount = 0
	doc.PayloadSize = len(msg.Payload)
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now()
	}

	if _, err := r.messages().InsertOne(ctx, &doc); err != nil {
		// Give the key back so a retry of the same ingest is not rejected
		// as a duplicate of a message that was never stored
		if idempotencyKey != "" {
			if _, delErr := r.dedup().DeleteOne(ctx, bson.M{"_id": idempotencyKey}); delErr != nil {
				slog.Warn("Failed to release dedup key after insert failure",
					"key", idempotencyKey, "error", delErr)
			}
		}
		return fmt.Errorf("outbox insert: %w", err)
	}
	return nil
}

// ClaimPending claims up to limit PENDING documents whose retry backoff has
// elapsed, ordered by (messageGroup, createdAt), one atomic
// findOneAndUpdate per document
func (r *MongoRepository) ClaimPending(ctx context.Context, limit int) ([]*Message, error) {
	now := time.Now()
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "messageGroup", Value: 1}, {Key: "createdAt", Value: 1}}).
		SetReturnDocument(options.After)

	filter := bson.M{
		"status": int(StatusPending),
		"$or": bson.A{
			bson.M{"retryAfter": bson.M{"$exists": false}},
			bson.M{"retryAfter": bson.M{"$lte": now}},
		},
	}

	update := bson.M{
		"$set": bson.M{
			"status":    int(StatusProcessing),
			"claimedAt": now,
		},
	}

	var claimed []*Message
	for len(claimed) < limit {
		var msg Message
		err := r.messages().
			FindOneAndUpdate(ctx, filter, update, opts).
			Decode(&msg)
		if err != nil {
			if err == mongo.ErrNoDocuments {
				break
			}
			return claimed, fmt.Errorf("outbox claim: %w", err)
		}
		claimed = append(claimed, &msg)
	}
	return claimed, nil
}

// MarkCompleted flips the given documents to COMPLETED
func (r *MongoRepository) MarkCompleted(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.messages().UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": ids}},
		bson.M{
			"$set":   bson.M{"status": int(StatusCompleted), "processedAt": time.Now()},
			"$unset": bson.M{"errorReason": ""},
		})
	if err != nil {
		return fmt.Errorf("outbox mark completed: %w", err)
	}
	return nil
}

// MarkFailed flips the given documents to FAILED with the error reason
func (r *MongoRepository) MarkFailed(ctx context.Context, ids []string, reason string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.messages().UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": ids}},
		bson.M{"$set": bson.M{
			"status":      int(StatusFailed),
			"processedAt": time.Now(),
			"errorReason": reason,
		}})
	if err != nil {
		return fmt.Errorf("outbox mark failed: %w", err)
	}
	return nil
}

// ScheduleRetry bumps retryCount and returns documents to PENDING with a
// retryAfter backoff; documents already at the ceiling are marked FAILED.
// Two updates because $inc and a conditional status flip cannot share one
// updateMany.
func (r *MongoRepository) ScheduleRetry(ctx context.Context, ids []string, reason string) error {
	if len(ids) == 0 {
		return nil
	}

	_, err := r.messages().UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": ids}},
		bson.M{
			"$inc": bson.M{"retryCount": 1},
			"$set": bson.M{
				"status":      int(StatusPending),
				"errorReason": reason,
				"retryAfter":  time.Now().Add(r.config.RetryDelay),
			},
			"$unset": bson.M{"claimedAt": ""},
		})
	if err != nil {
		return fmt.Errorf("outbox schedule retry: %w", err)
	}

	_, err = r.messages().UpdateMany(ctx,
		bson.M{
			"_id":        bson.M{"$in": ids},
			"retryCount": bson.M{"$gte": r.config.MaxRetries},
		},
		bson.M{
			"$set": bson.M{
				"status":      int(StatusFailed),
				"processedAt": time.Now(),
			},
			"$unset": bson.M{"retryAfter": ""},
		})
	if err != nil {
		return fmt.Errorf("outbox schedule retry ceiling: %w", err)
	}
	return nil
}

// Release returns claimed documents to PENDING without bumping retryCount
func (r *MongoRepository) Release(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.messages().UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": ids}, "status": int(StatusProcessing)},
		bson.M{
			"$set":   bson.M{"status": int(StatusPending)},
			"$unset": bson.M{"claimedAt": ""},
		})
	if err != nil {
		return fmt.Errorf("outbox release: %w", err)
	}
	return nil
}

// RecoverStuck returns documents stuck in PROCESSING past the timeout
func (r *MongoRepository) RecoverStuck(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-r.config.ProcessingTimeout)
	res, err := r.messages().UpdateMany(ctx,
		bson.M{
			"status":    int(StatusProcessing),
			"claimedAt": bson.M{"$lt": cutoff},
		},
		bson.M{
			"$set":   bson.M{"status": int(StatusPending)},
			"$unset": bson.M{"claimedAt": ""},
		})
	if err != nil {
		return 0, fmt.Errorf("outbox recover stuck: %w", err)
	}
	return res.ModifiedCount, nil
}

// CountByStatus returns document counts per status
func (r *MongoRepository) CountByStatus(ctx context.Context) (StatusCounts, error) {
	var counts StatusCounts

	cursor, err := r.messages().Aggregate(ctx, mongo.Pipeline{
		{{Key: "$group", Value: bson.M{
			"_id":   "$status",
			"count": bson.M{"$sum": 1},
		}}},
	})
	if err != nil {
		return counts, fmt.Errorf("outbox count by status: %w", err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var row struct {
			Status int   `bson:"_id"`
			Count  int64 `bson:"count"`
		}
		if err := cursor.Decode(&row); err != nil {
			return counts, fmt.Errorf("outbox count by status: %w", err)
		}
		switch Status(row.Status) {
		case StatusPending:
			counts.Pending = row.Count
		case StatusProcessing:
			counts.Processing = row.Count
		case StatusCompleted:
			counts.Completed = row.Count
		case StatusFailed:
			counts.Failed = row.Count
		}
	}
	return counts, cursor.Err()
}

// CreateSchema creates the claim index and the dedup TTL index
func (r *MongoRepository) CreateSchema(ctx context.Context) error {
	_, err := r.messages().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "messageGroup", Value: 1},
				{Key: "createdAt", Value: 1},
			},
			Options: options.Index().SetName("idx_claim_order"),
		},
		{
			Keys:    bson.D{{Key: "claimedAt", Value: 1}},
			Options: options.Index().SetName("idx_claimed_at").SetSparse(true),
		},
	})
	if err != nil {
		return fmt.Errorf("outbox create indexes: %w", err)
	}

	ttlSeconds := int32(DedupWindow / time.Second)
	_, err = r.dedup().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "seenAt", Value: 1}},
		Options: options.Index().
			SetExpireAfterSeconds(ttlSeconds).
			SetName("ttl_seenAt"),
	})
	if err != nil {
		return fmt.Errorf("outbox create dedup index: %w", err)
	}
	return nil
}
