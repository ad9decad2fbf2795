package eventuallynats

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/get-eventually/go-eventually-dispatch/event"
	"github.com/get-eventually/go-eventually-dispatch/subscription/checkpoint"
)

var _ checkpoint.Store = new(Checkpointer)

const (
	// DefaultCheckpointsBucket is the Key-Value bucket suggested for a Checkpointer.
	DefaultCheckpointsBucket = "eventually_checkpoints"
	// DefaultClaimsBucket is the Key-Value bucket suggested for a ClaimRegistry.
	DefaultClaimsBucket = "eventually_claims"
)

// Checkpointer is a checkpoint.Store implementation using a JetStream
// Key-Value bucket, keyed by endpoint.
//
// Saves are compare-and-swap updates on the key revision, retried until
// they either win or find a greater position already stored.
type Checkpointer struct {
	kv jetstream.KeyValue
}

// NewCheckpointer returns a Checkpointer using the Key-Value bucket.
func NewCheckpointer(kv jetstream.KeyValue) *Checkpointer {
	return &Checkpointer{kv: kv}
}

// Load implements the checkpoint.Store interface.
func (c *Checkpointer) Load(ctx context.Context, endpoint string) (event.Position, error) {
	position, _, err := c.get(ctx, endpoint)
	if err != nil {
		return 0, fmt.Errorf("eventuallynats.Checkpointer: failed to load checkpoint, %w", err)
	}

	return position, nil
}

func (c *Checkpointer) get(ctx context.Context, endpoint string) (event.Position, uint64, error) {
	entry, err := c.kv.Get(ctx, token(endpoint))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return event.Start, 0, nil
	}

	if err != nil {
		return 0, 0, err
	}

	position, err := strconv.ParseUint(string(entry.Value()), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid checkpoint value, %w", err)
	}

	return event.Position(position), entry.Revision(), nil
}

// Save implements the checkpoint.Store interface.
func (c *Checkpointer) Save(ctx context.Context, endpoint string, position event.Position) error {
	key, value := token(endpoint), []byte(position.String())

	for {
		current, revision, err := c.get(ctx, endpoint)
		if err != nil {
			return fmt.Errorf("eventuallynats.Checkpointer: failed to read checkpoint, %w", err)
		}

		if revision > 0 && current >= position {
			return nil
		}

		if revision == 0 {
			_, err = c.kv.Create(ctx, key, value)
		} else {
			_, err = c.kv.Update(ctx, key, value, revision)
		}

		switch {
		case err == nil:
			return nil
		case errors.Is(err, jetstream.ErrKeyExists), isWrongLastSequence(err):
			continue
		default:
			return fmt.Errorf("eventuallynats.Checkpointer: failed to save checkpoint, %w", err)
		}
	}
}
