package mongodb

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/get-eventually/go-eventually-dispatch/subscription/claim"
)

//nolint:exhaustruct // Only used for interface assertion.
var _ claim.Registry = ClaimRegistry{}

type claimDocument struct {
	Domain    string    `bson:"_id"`
	Endpoint  string    `bson:"endpoint"`
	ClaimedAt time.Time `bson:"claimed_at"`
}

// ClaimRegistry is a claim.Registry implementation where a domain is owned
// by the endpoint that inserted its document first.
type ClaimRegistry struct {
	Client       *mongo.Client
	DatabaseName string

	// Collection defaults to DefaultClaimsCollection when empty.
	Collection string
}

// CheckOrSave implements the claim.Registry interface.
func (r ClaimRegistry) CheckOrSave(ctx context.Context, endpoint, domain string) (bool, error) {
	name := r.Collection
	if name == "" {
		name = DefaultClaimsCollection
	}

	claims := collection(r.Client, r.DatabaseName, name)

	_, err := claims.InsertOne(ctx, claimDocument{
		Domain:    domain,
		Endpoint:  endpoint,
		ClaimedAt: time.Now().UTC(),
	})
	if err == nil {
		return true, nil
	}

	if !mongo.IsDuplicateKeyError(err) {
		return false, fmt.Errorf("mongodb.ClaimRegistry: failed to insert claim, %w", err)
	}

	var doc claimDocument
	if err := claims.FindOne(ctx, bson.D{{Key: "_id", Value: domain}}).Decode(&doc); err != nil {
		return false, fmt.Errorf("mongodb.ClaimRegistry: failed to get claim, %w", err)
	}

	return doc.Endpoint == endpoint, nil
}
