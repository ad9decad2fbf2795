// Package eventuallyfirestore contains the Google Cloud Firestore
// implementations of the checkpoint.Store and claim.Registry interfaces.
package eventuallyfirestore

import (
	"context"
	"fmt"
	"net/url"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/get-eventually/go-eventually-dispatch/event"
	"github.com/get-eventually/go-eventually-dispatch/subscription/checkpoint"
)

// Default collection names.
const (
	DefaultCheckpointsCollection = "SubscriptionCheckpoints"
	DefaultClaimsCollection      = "DomainClaims"
)

//nolint:exhaustruct // Only used for interface assertion.
var _ checkpoint.Store = Checkpointer{}

// Checkpointer is a checkpoint.Store implementation storing one document
// per endpoint, updated transactionally so that it never moves backwards.
type Checkpointer struct {
	Client *firestore.Client

	// Collection defaults to DefaultCheckpointsCollection when empty.
	Collection string
}

func (c Checkpointer) doc(endpoint string) *firestore.DocumentRef {
	collection := c.Collection
	if collection == "" {
		collection = DefaultCheckpointsCollection
	}

	return c.Client.Collection(collection).Doc(url.PathEscape(endpoint))
}

func positionOf(doc *firestore.DocumentSnapshot) (event.Position, error) {
	v, err := doc.DataAt("position")
	if err != nil {
		return 0, err
	}

	position, ok := v.(int64)
	if !ok || position < 0 {
		return 0, fmt.Errorf("invalid position value %v", v)
	}

	return event.Position(position), nil
}

// Load implements the checkpoint.Store interface.
func (c Checkpointer) Load(ctx context.Context, endpoint string) (event.Position, error) {
	doc, err := c.doc(endpoint).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return event.Start, nil
	}

	if err != nil {
		return 0, fmt.Errorf("eventuallyfirestore.Checkpointer.Load: failed to get checkpoint, %w", err)
	}

	position, err := positionOf(doc)
	if err != nil {
		return 0, fmt.Errorf("eventuallyfirestore.Checkpointer.Load: failed to read checkpoint, %w", err)
	}

	return position, nil
}

// Save implements the checkpoint.Store interface.
func (c Checkpointer) Save(ctx context.Context, endpoint string, position event.Position) error {
	docRef := c.doc(endpoint)

	err := c.Client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(docRef)
		if err != nil && status.Code(err) != codes.NotFound {
			return fmt.Errorf("failed to get checkpoint, %w", err)
		}

		if err == nil {
			current, err := positionOf(doc)
			if err != nil {
				return fmt.Errorf("failed to read checkpoint, %w", err)
			}

			if current >= position {
				return nil
			}
		}

		return tx.Set(docRef, map[string]interface{}{
			"endpoint":   endpoint,
			"position":   int64(position), //nolint:gosec // Positions fit in int64.
			"updated_at": firestore.ServerTimestamp,
		})
	})
	if err != nil {
		return fmt.Errorf("eventuallyfirestore.Checkpointer.Save: failed to commit transaction, %w", err)
	}

	return nil
}
