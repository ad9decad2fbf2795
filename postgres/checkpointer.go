// Package postgres contains the PostgreSQL implementations of the
// checkpoint.Store and claim.Registry interfaces.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/get-eventually/go-eventually-dispatch/event"
	"github.com/get-eventually/go-eventually-dispatch/subscription/checkpoint"
)

var _ checkpoint.Store = new(Checkpointer)

// Checkpointer is a checkpoint.Store implementation targeted to PostgreSQL databases.
//
// Saves never move a checkpoint backwards: the stored position is the
// greatest of the saved ones, even under concurrent writers.
type Checkpointer struct {
	conn      *pgxpool.Pool
	tableName string
}

// NewCheckpointer returns a new Checkpointer using the connection pool.
func NewCheckpointer(conn *pgxpool.Pool, options ...Option[*Checkpointer]) *Checkpointer {
	c := &Checkpointer{
		conn:      conn,
		tableName: DefaultCheckpointsTableName,
	}

	for _, opt := range options {
		opt.apply(c)
	}

	return c
}

// Load implements the checkpoint.Store interface.
func (c *Checkpointer) Load(ctx context.Context, endpoint string) (event.Position, error) {
	var position int64

	err := c.conn.QueryRow(
		ctx,
		fmt.Sprintf(`SELECT position FROM %s WHERE endpoint = $1`, pgx.Identifier{c.tableName}.Sanitize()),
		endpoint,
	).Scan(&position)

	if errors.Is(err, pgx.ErrNoRows) {
		return event.Start, nil
	}

	if err != nil {
		return 0, fmt.Errorf("postgres.Checkpointer: failed to load checkpoint: %w", err)
	}

	return event.Position(position), nil
}

// Save implements the checkpoint.Store interface.
func (c *Checkpointer) Save(ctx context.Context, endpoint string, position event.Position) error {
	table := pgx.Identifier{c.tableName}.Sanitize()

	_, err := c.conn.Exec(
		ctx,
		fmt.Sprintf(`INSERT INTO %[1]s (endpoint, position, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (endpoint) DO UPDATE SET
			position = GREATEST(%[1]s.position, EXCLUDED.position),
			updated_at = NOW()`, table),
		endpoint, int64(position), //nolint:gosec // Positions fit in a BIGINT.
	)
	if err != nil {
		return fmt.Errorf("postgres.Checkpointer: failed to save checkpoint: %w", err)
	}

	return nil
}
