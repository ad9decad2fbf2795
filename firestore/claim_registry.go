package eventuallyfirestore

import (
	"context"
	"fmt"
	"net/url"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/get-eventually/go-eventually-dispatch/subscription/claim"
)

//nolint:exhaustruct // Only used for interface assertion.
var _ claim.Registry = ClaimRegistry{}

// ClaimRegistry is a claim.Registry implementation where a domain is owned
// by the endpoint that created its document first.
type ClaimRegistry struct {
	Client *firestore.Client

	// Collection defaults to DefaultClaimsCollection when empty.
	Collection string
}

// CheckOrSave implements the claim.Registry interface.
func (r ClaimRegistry) CheckOrSave(ctx context.Context, endpoint, domain string) (bool, error) {
	collection := r.Collection
	if collection == "" {
		collection = DefaultClaimsCollection
	}

	docRef := r.Client.Collection(collection).Doc(url.PathEscape(domain))

	_, err := docRef.Create(ctx, map[string]interface{}{
		"domain":     domain,
		"endpoint":   endpoint,
		"claimed_at": firestore.ServerTimestamp,
	})
	if err == nil {
		return true, nil
	}

	if status.Code(err) != codes.AlreadyExists {
		return false, fmt.Errorf("eventuallyfirestore.ClaimRegistry: failed to create claim, %w", err)
	}

	doc, err := docRef.Get(ctx)
	if err != nil {
		return false, fmt.Errorf("eventuallyfirestore.ClaimRegistry: failed to get claim, %w", err)
	}

	owner, err := doc.DataAt("endpoint")
	if err != nil {
		return false, fmt.Errorf("eventuallyfirestore.ClaimRegistry: failed to read claim, %w", err)
	}

	return owner == endpoint, nil
}
