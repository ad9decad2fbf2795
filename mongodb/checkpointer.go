// Package mongodb contains the MongoDB implementations of the
// checkpoint.Store and claim.Registry interfaces.
package mongodb

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"

	"github.com/get-eventually/go-eventually-dispatch/event"
	"github.com/get-eventually/go-eventually-dispatch/subscription/checkpoint"
)

const (
	// DefaultCheckpointsCollection is the collection a Checkpointer uses by default.
	DefaultCheckpointsCollection = "subscription_checkpoints"
	// DefaultClaimsCollection is the collection a ClaimRegistry uses by default.
	DefaultClaimsCollection = "domain_claims"
)

//nolint:exhaustruct // Only used for interface assertion.
var _ checkpoint.Store = Checkpointer{}

// collection returns the collection with majority reads and writes, so that
// checkpoints and claims are never lost on a replica set failover.
func collection(client *mongo.Client, database, name string) *mongo.Collection {
	return client.Database(database).Collection(name, &options.CollectionOptions{
		ReadConcern:    readconcern.Majority(),
		ReadPreference: readpref.Primary(),
		WriteConcern:   writeconcern.Majority(),
	})
}

type checkpointDocument struct {
	Endpoint string `bson:"_id"`
	Position int64  `bson:"position"`
}

// Checkpointer is a checkpoint.Store implementation where every endpoint
// has a document, updated with the $max operator so that saves never
// move a checkpoint backwards.
type Checkpointer struct {
	Client       *mongo.Client
	DatabaseName string

	// Collection defaults to DefaultCheckpointsCollection when empty.
	Collection string
}

func (c Checkpointer) collection() *mongo.Collection {
	name := c.Collection
	if name == "" {
		name = DefaultCheckpointsCollection
	}

	return collection(c.Client, c.DatabaseName, name)
}

// Load implements the checkpoint.Store interface.
func (c Checkpointer) Load(ctx context.Context, endpoint string) (event.Position, error) {
	var doc checkpointDocument

	err := c.collection().FindOne(ctx, bson.D{{Key: "_id", Value: endpoint}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return event.Start, nil
	}

	if err != nil {
		return 0, fmt.Errorf("mongodb.Checkpointer: failed to load checkpoint, %w", err)
	}

	return event.Position(doc.Position), nil
}

// Save implements the checkpoint.Store interface.
func (c Checkpointer) Save(ctx context.Context, endpoint string, position event.Position) error {
	_, err := c.collection().UpdateOne(ctx,
		bson.D{{Key: "_id", Value: endpoint}},
		bson.D{
			{Key: "$max", Value: bson.D{{Key: "position", Value: int64(position)}}}, //nolint:gosec // Positions fit in an int64.
			{Key: "$currentDate", Value: bson.D{{Key: "updated_at", Value: true}}},
		},
		options.Update().SetUpsert(true),
	)

	// Concurrent upserts of a missing document can race on the _id index:
	// the loser retries, finding the document this time.
	if mongo.IsDuplicateKeyError(err) {
		return c.Save(ctx, endpoint, position)
	}

	if err != nil {
		return fmt.Errorf("mongodb.Checkpointer: failed to save checkpoint, %w", err)
	}

	return nil
}
