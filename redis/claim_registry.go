package eventuallyredis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/get-eventually/go-eventually-dispatch/subscription/claim"
)

var _ claim.Registry = new(ClaimRegistry)

// ClaimRegistry is a claim.Registry implementation where the first
// endpoint setting the domain key owns the domain.
type ClaimRegistry struct {
	client redis.UniversalClient
	prefix string
}

// NewClaimRegistry returns a ClaimRegistry using the client.
func NewClaimRegistry(client redis.UniversalClient, options ...Option[*ClaimRegistry]) *ClaimRegistry {
	r := &ClaimRegistry{
		client: client,
		prefix: DefaultClaimsPrefix,
	}

	for _, opt := range options {
		opt(r)
	}

	return r
}

// CheckOrSave implements the claim.Registry interface.
func (r *ClaimRegistry) CheckOrSave(ctx context.Context, endpoint, domain string) (bool, error) {
	key := r.prefix + domain

	created, err := r.client.SetNX(ctx, key, endpoint, 0).Result()
	if err != nil {
		return false, fmt.Errorf("eventuallyredis.ClaimRegistry: failed to create claim, %w", err)
	}

	if created {
		return true, nil
	}

	owner, err := r.client.Get(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("eventuallyredis.ClaimRegistry: failed to get claim, %w", err)
	}

	return owner == endpoint, nil
}
