package eventuallynats

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/get-eventually/go-eventually-dispatch/subscription/claim"
)

var _ claim.Registry = new(ClaimRegistry)

// ClaimRegistry is a claim.Registry implementation using a JetStream
// Key-Value bucket: the first endpoint creating the domain key owns it.
type ClaimRegistry struct {
	kv jetstream.KeyValue
}

// NewClaimRegistry returns a ClaimRegistry using the Key-Value bucket.
func NewClaimRegistry(kv jetstream.KeyValue) *ClaimRegistry {
	return &ClaimRegistry{kv: kv}
}

// CheckOrSave implements the claim.Registry interface.
func (r *ClaimRegistry) CheckOrSave(ctx context.Context, endpoint, domain string) (bool, error) {
	key := token(domain)

	_, err := r.kv.Create(ctx, key, []byte(endpoint))
	if err == nil {
		return true, nil
	}

	if !errors.Is(err, jetstream.ErrKeyExists) {
		return false, fmt.Errorf("eventuallynats.ClaimRegistry: failed to create claim, %w", err)
	}

	entry, err := r.kv.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("eventuallynats.ClaimRegistry: failed to get claim, %w", err)
	}

	return string(entry.Value()) == endpoint, nil
}
