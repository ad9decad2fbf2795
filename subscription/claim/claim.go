// Package claim exposes the Registry used by competing subscribers to
// agree on which endpoint owns the processing of a domain.
package claim

import (
	"context"

	"github.com/puzpuzpuz/xsync/v3"
)

// Registry records which endpoint has claimed each domain.
//
// The first endpoint claiming a domain wins it: subsequent claims from
// other endpoints are denied, while claims from the owner are granted again.
type Registry interface {
	CheckOrSave(ctx context.Context, endpoint, domain string) (bool, error)
}

// InMemory is a Registry shared by the subscribers of the same process.
type InMemory struct {
	owners *xsync.MapOf[string, string]
}

// NewInMemory returns an empty InMemory Registry.
func NewInMemory() *InMemory {
	return &InMemory{owners: xsync.NewMapOf[string, string]()}
}

// CheckOrSave implements the Registry interface.
func (r *InMemory) CheckOrSave(_ context.Context, endpoint, domain string) (bool, error) {
	owner, _ := r.owners.LoadOrStore(domain, endpoint)
	return owner == endpoint, nil
}

// Owner returns the endpoint that claimed the domain, if any.
func (r *InMemory) Owner(domain string) (string, bool) {
	return r.owners.Load(domain)
}
