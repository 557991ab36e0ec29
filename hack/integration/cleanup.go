package integration

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// DatabaseCleaner removes test data from a mongo-backed marketplace.
type DatabaseCleaner struct {
	client *mongo.Client
	db     *mongo.Database
}

func NewDatabaseCleaner(mongoURI, dbName string) (*DatabaseCleaner, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(mongoURI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &DatabaseCleaner{
		client: client,
		db:     client.Database(dbName),
	}, nil
}

func (d *DatabaseCleaner) Close(ctx context.Context) error {
	return d.client.Disconnect(ctx)
}

// CleanJobs removes the jobs with the given description together with their
// bids. Ledger records are kept so the ledger still reconciles.
func (d *DatabaseCleaner) CleanJobs(ctx context.Context, description string) error {
	cur, err := d.db.Collection("jobs").Find(ctx, bson.M{"description": description})
	if err != nil {
		return fmt.Errorf("find jobs: %w", err)
	}
	var ids []string
	for cur.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cur.Decode(&doc); err == nil {
			ids = append(ids, doc.ID)
		}
	}
	_ = cur.Close(ctx)
	if len(ids) == 0 {
		return nil
	}

	if _, err := d.db.Collection("bids").DeleteMany(ctx, bson.M{"job_id": bson.M{"$in": ids}}); err != nil {
		return fmt.Errorf("clean bids: %w", err)
	}
	if _, err := d.db.Collection("jobs").DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}}); err != nil {
		return fmt.Errorf("clean jobs: %w", err)
	}
	return nil
}
