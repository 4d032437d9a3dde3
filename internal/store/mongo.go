// Package store persists ingested records into the document store. All
// identity-bearing writes key on deterministic slugs so re-running an id
// updates documents in place instead of duplicating them.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"log/slog"
)

const (
	authorsCollection  = "authors"
	genresCollection   = "genres"
	booksCollection    = "books"
	usersCollection    = "users"
	reviewsCollection  = "reviews"
	actionsCollection  = "actions"
	progressCollection = "readingprogresses"
)

const (
	maxPoolSize            = 50
	serverSelectionTimeout = 5 * time.Second
)

// Store wraps the database handle and memoizes the system user used to
// attribute seeded social proof.
type Store struct {
	client *mongo.Client
	db     *mongo.Database

	systemUserOnce sync.Once
	systemUserID   string
	systemUserErr  error
}

// Connect dials the document store, verifies the connection and ensures
// the slug indexes the upserts depend on. Connection problems surface
// here, before any worker starts.
func Connect(ctx context.Context, uri, dbName string) (*Store, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(maxPoolSize).
		SetServerSelectionTimeout(serverSelectionTimeout)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connecting to document store: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("pinging document store: %w", err)
	}

	s := &Store{client: client, db: client.Database(dbName)}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	slog.Info("Document store connected", "database", dbName)
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// ensureIndexes creates the unique slug indexes that make every upsert
// race-safe across concurrent workers.
func (s *Store) ensureIndexes(ctx context.Context) error {
	for _, coll := range []string{authorsCollection, genresCollection, booksCollection} {
		_, err := s.db.Collection(coll).Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    bson.D{{Key: "slug", Value: 1}},
			Options: options.Index().SetUnique(true),
		})
		if err != nil {
			return fmt.Errorf("creating slug index on %s: %w", coll, err)
		}
	}
	return nil
}
