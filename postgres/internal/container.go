package internal

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Database is a disposable Postgres database holding the checkpoints
// and domain claims tables, for integration tests.
type Database struct {
	container *postgres.PostgresContainer

	// DSN connects to the database, with TLS disabled.
	DSN string
}

// StartDatabase runs a Postgres container and waits until it accepts connections.
func StartDatabase(ctx context.Context) (*Database, error) {
	container, err := postgres.Run(
		ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("eventually"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("notasecret"),
		testcontainers.WithWaitStrategy(
			//nolint:mnd // Postgres logs readiness twice, the first time before the restart.
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("internal.StartDatabase: failed to run container, %w", err)
	}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("internal.StartDatabase: failed to get connection string, %w", err)
	}

	return &Database{container: container, DSN: dsn}, nil
}

// Stop terminates the container, deleting all its data.
func (d *Database) Stop(ctx context.Context) error {
	if err := d.container.Terminate(ctx); err != nil {
		return fmt.Errorf("internal.Database: failed to terminate container, %w", err)
	}

	return nil
}
