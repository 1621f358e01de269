// Path: internal/storage/mongo_storage.go
package storage

import (
	"context"

	"framecast/internal/domain"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoSessionStorage is the MongoDB implementation of the stream
// SessionStorage interface.
type MongoSessionStorage struct {
	collection *mongo.Collection
}

// NewMongoSessionStorage creates a new storage adapter for stream sessions.
func NewMongoSessionStorage(db *mongo.Database, collectionName string) *MongoSessionStorage {
	return &MongoSessionStorage{
		collection: db.Collection(collectionName),
	}
}

// EnsureIndexes creates the indexes the history queries rely on.
func (s *MongoSessionStorage) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "endedAt", Value: -1}}},
		{Keys: bson.D{{Key: "stream", Value: 1}, {Key: "endedAt", Value: -1}}},
	})
	return err
}

// RecordSession implements the SessionStorage interface.
func (s *MongoSessionStorage) RecordSession(ctx context.Context, session domain.StreamSession) error {
	opts := options.Replace().SetUpsert(true)
	filter := bson.M{"_id": session.ID}
	_, err := s.collection.ReplaceOne(ctx, filter, session, opts)
	return err
}

// RecentSessions implements the SessionStorage interface.
func (s *MongoSessionStorage) RecentSessions(ctx context.Context, limit int64) ([]domain.StreamSession, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "endedAt", Value: -1}}).
		SetLimit(limit)
	cursor, err := s.collection.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	sessions := make([]domain.StreamSession, 0)
	if err := cursor.All(ctx, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}
