// Package docstore implements the document store collaborator (§6) over
// MongoDB: contracts and analyses, with the array-append/atomic-counter/
// TTL-index/full-text-index surface the spec requires. The Store-owns-
// the-handle, repositories-are-thin-typed-wrappers idiom follows the
// teacher's internal/store/store.go; EnsureIndexes follows the explicit,
// versioned schema-setup idiom of internal/store/migrations.go, adapted
// to Mongo's index API since there is no relational schema to migrate.
package docstore

import (
	"context"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Store owns the Mongo client and database handle shared by all
// repositories.
type Store struct {
	client    *mongo.Client
	db        *mongo.Database
	closeOnce sync.Once

	Contracts *ContractRepository
	Analyses  *AnalysisRepository
}

// Config describes how to reach the document store.
type Config struct {
	URI      string
	Database string
}

// Open connects to Mongo and wires the repositories.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, err
	}
	db := client.Database(cfg.Database)
	s := &Store{client: client, db: db}
	s.Contracts = &ContractRepository{col: db.Collection("contracts")}
	s.Analyses = &AnalysisRepository{col: db.Collection("analyses")}
	return s, nil
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close disconnects the client. Safe to call more than once.
func (s *Store) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		err = s.client.Disconnect(ctx)
	})
	return err
}

// EnsureIndexes creates the TTL and full-text indexes named in §6. Safe to
// call on every startup; Mongo's createIndexes is idempotent for
// unchanged index specs.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	if _, err := s.db.Collection("auditlogs").Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "createdAt", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(int32((90 * 24 * time.Hour).Seconds())),
	}); err != nil {
		return err
	}
	if _, err := s.db.Collection("invitations").Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expiresAt", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	}); err != nil {
		return err
	}
	if _, err := s.db.Collection("notifications").Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "createdAt", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(int32((30 * 24 * time.Hour).Seconds())),
	}); err != nil {
		return err
	}
	_, err := s.db.Collection("contracts").Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "title", Value: "text"},
			{Key: "tags", Value: "text"},
			{Key: "body", Value: "text"},
		},
		Options: options.Index().SetWeights(bson.D{
			{Key: "title", Value: 10},
			{Key: "tags", Value: 5},
			{Key: "body", Value: 1},
		}),
	})
	return err
}
