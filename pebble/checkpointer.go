// Package eventuallypebble contains a checkpoint.Store backed by a local
// Pebble database, for subscribers running on a single node.
package eventuallypebble

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/get-eventually/go-eventually-dispatch/event"
	"github.com/get-eventually/go-eventually-dispatch/subscription/checkpoint"
)

var _ checkpoint.Store = new(Checkpointer)

// DefaultKeyPrefix prefixes the keys a Checkpointer manages.
const DefaultKeyPrefix = "checkpoint/"

// Checkpointer is a checkpoint.Store implementation storing the positions
// as big-endian integers in a Pebble database.
//
// Saves are serialized by the Checkpointer, so the database must not be
// shared with other Checkpointers writing to the same keys.
type Checkpointer struct {
	db     *pebble.DB
	prefix string
	mx     sync.Mutex
}

// NewCheckpointer returns a Checkpointer using the database.
func NewCheckpointer(db *pebble.DB) *Checkpointer {
	return &Checkpointer{db: db, prefix: DefaultKeyPrefix}
}

func (c *Checkpointer) key(endpoint string) []byte {
	return []byte(c.prefix + endpoint)
}

func (c *Checkpointer) get(endpoint string) (event.Position, error) {
	value, closer, err := c.db.Get(c.key(endpoint))
	if errors.Is(err, pebble.ErrNotFound) {
		return event.Start, nil
	}

	if err != nil {
		return 0, err
	}

	defer closer.Close()

	if len(value) != 8 { //nolint:mnd // uint64
		return 0, fmt.Errorf("invalid checkpoint of %d bytes", len(value))
	}

	return event.Position(binary.BigEndian.Uint64(value)), nil
}

// Load implements the checkpoint.Store interface.
func (c *Checkpointer) Load(_ context.Context, endpoint string) (event.Position, error) {
	position, err := c.get(endpoint)
	if err != nil {
		return 0, fmt.Errorf("eventuallypebble.Checkpointer: failed to load checkpoint, %w", err)
	}

	return position, nil
}

// Save implements the checkpoint.Store interface.
func (c *Checkpointer) Save(_ context.Context, endpoint string, position event.Position) error {
	c.mx.Lock()
	defer c.mx.Unlock()

	current, err := c.get(endpoint)
	if err != nil {
		return fmt.Errorf("eventuallypebble.Checkpointer: failed to read checkpoint, %w", err)
	}

	if position <= current {
		return nil
	}

	value := binary.BigEndian.AppendUint64(nil, uint64(position))

	if err := c.db.Set(c.key(endpoint), value, pebble.Sync); err != nil {
		return fmt.Errorf("eventuallypebble.Checkpointer: failed to save checkpoint, %w", err)
	}

	return nil
}
