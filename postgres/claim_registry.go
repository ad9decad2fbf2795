package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/get-eventually/go-eventually-dispatch/subscription/claim"
)

var _ claim.Registry = new(ClaimRegistry)

// ClaimRegistry is a claim.Registry implementation targeted to PostgreSQL databases,
// where the first endpoint inserting the claim row of a domain owns it.
type ClaimRegistry struct {
	conn      *pgxpool.Pool
	tableName string
}

// NewClaimRegistry returns a new ClaimRegistry using the connection pool.
func NewClaimRegistry(conn *pgxpool.Pool, options ...Option[*ClaimRegistry]) *ClaimRegistry {
	r := &ClaimRegistry{
		conn:      conn,
		tableName: DefaultClaimsTableName,
	}

	for _, opt := range options {
		opt.apply(r)
	}

	return r
}

// CheckOrSave implements the claim.Registry interface.
func (r *ClaimRegistry) CheckOrSave(ctx context.Context, endpoint, domain string) (bool, error) {
	var owner string

	table := pgx.Identifier{r.tableName}.Sanitize()

	txOpts := pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	}

	// The insert is a no-op when the domain is already claimed,
	// the select then returns the current owner.
	if err := pgx.BeginTxFunc(ctx, r.conn, txOpts, func(tx pgx.Tx) error {
		if _, err := tx.Exec(
			ctx,
			fmt.Sprintf(`INSERT INTO %s (domain, endpoint) VALUES ($1, $2) ON CONFLICT (domain) DO NOTHING`, table),
			domain, endpoint,
		); err != nil {
			return fmt.Errorf("failed to insert claim, %w", err)
		}

		if err := tx.QueryRow(
			ctx,
			fmt.Sprintf(`SELECT endpoint FROM %s WHERE domain = $1`, table),
			domain,
		).Scan(&owner); err != nil {
			return fmt.Errorf("failed to read claim, %w", err)
		}

		return nil
	}); err != nil {
		return false, fmt.Errorf("postgres.ClaimRegistry: failed to claim domain: %w", err)
	}

	return owner == endpoint, nil
}
