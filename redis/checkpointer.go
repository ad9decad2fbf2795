package eventuallyredis

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/get-eventually/go-eventually-dispatch/event"
	"github.com/get-eventually/go-eventually-dispatch/subscription/checkpoint"
)

var _ checkpoint.Store = new(Checkpointer)

const (
	// DefaultCheckpointsPrefix prefixes the keys a Checkpointer manages.
	DefaultCheckpointsPrefix = "eventually:checkpoint:"
	// DefaultClaimsPrefix prefixes the keys a ClaimRegistry manages.
	DefaultClaimsPrefix = "eventually:claim:"
)

// saveMax stores ARGV[1] only if greater than the current value. Positions
// are compared as decimal strings, so the whole uint64 range is exact.
//
//nolint:gochecknoglobals // Scripts are safe for concurrent use.
var saveMax = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
local position = ARGV[1]
if current and (#current > #position or (#current == #position and current >= position)) then
	return 0
end
redis.call('SET', KEYS[1], position)
return 1
`)

// Checkpointer is a checkpoint.Store implementation using Redis strings,
// updated through a script so that saves never move a checkpoint backwards.
type Checkpointer struct {
	client redis.UniversalClient
	prefix string
}

// NewCheckpointer returns a Checkpointer using the client.
func NewCheckpointer(client redis.UniversalClient, options ...Option[*Checkpointer]) *Checkpointer {
	c := &Checkpointer{
		client: client,
		prefix: DefaultCheckpointsPrefix,
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Load implements the checkpoint.Store interface.
func (c *Checkpointer) Load(ctx context.Context, endpoint string) (event.Position, error) {
	value, err := c.client.Get(ctx, c.prefix+endpoint).Result()
	if errors.Is(err, redis.Nil) {
		return event.Start, nil
	}

	if err != nil {
		return 0, fmt.Errorf("eventuallyredis.Checkpointer: failed to load checkpoint, %w", err)
	}

	position, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("eventuallyredis.Checkpointer: invalid checkpoint, %w", err)
	}

	return event.Position(position), nil
}

// Save implements the checkpoint.Store interface.
func (c *Checkpointer) Save(ctx context.Context, endpoint string, position event.Position) error {
	if err := saveMax.Run(ctx, c.client, []string{c.prefix + endpoint}, position.String()).Err(); err != nil {
		return fmt.Errorf("eventuallyredis.Checkpointer: failed to save checkpoint, %w", err)
	}

	return nil
}
