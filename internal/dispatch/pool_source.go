package dispatch

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"go.flowcatalyst.tech/dispatcher/internal/router/manager"
)

const poolsCollection = "dispatch_pools"

// Pool is a dispatch pool definition as stored in MongoDB.
// Collection: dispatch_pools
type Pool struct {
	ID                 string    `bson:"_id" json:"id"`
	Code               string    `bson:"code" json:"code"`
	Name               string    `bson:"name,omitempty" json:"name,omitempty"`
	Concurrency        int       `bson:"concurrency" json:"concurrency"`
	QueueCapacity      int       `bson:"queueCapacity" json:"queueCapacity"`
	RateLimitPerMinute *int      `bson:"rateLimitPerMinute,omitempty" json:"rateLimitPerMinute,omitempty"`
	Enabled            bool      `bson:"enabled" json:"enabled"`
	CreatedAt          time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt          time.Time `bson:"updatedAt" json:"updatedAt"`
}

// MongoPoolSource reads enabled pool definitions for the router's config
// sync. Implements manager.PoolConfigSource.
type MongoPoolSource struct {
	collection *mongo.Collection
}

// NewMongoPoolSource creates a pool source over the dispatch_pools
// collection
func NewMongoPoolSource(db *mongo.Database) *MongoPoolSource {
	return &MongoPoolSource{collection: db.Collection(poolsCollection)}
}

// FindAllEnabled returns every enabled pool as a manager.PoolDefinition
func (s *MongoPoolSource) FindAllEnabled(ctx context.Context) ([]manager.PoolDefinition, error) {
	cursor, err := s.collection.Find(ctx, bson.M{"enabled": true})
	if err != nil {
		return nil, fmt.Errorf("find enabled dispatch pools: %w", err)
	}
	defer cursor.Close(ctx)

	var defs []manager.PoolDefinition
	for cursor.Next(ctx) {
		var pool Pool
		if err := cursor.Decode(&pool); err != nil {
			return nil, fmt.Errorf("decode dispatch pool: %w", err)
		}
		defs = append(defs, manager.PoolDefinition{
			Code:               pool.Code,
			Concurrency:        pool.Concurrency,
			QueueCapacity:      pool.QueueCapacity,
			RateLimitPerMinute: pool.RateLimitPerMinute,
		})
	}
	return defs, cursor.Err()
}
