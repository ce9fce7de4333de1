package budget

import "context"

// Store persists the §3 per-(tenant, project) monthly allocation caps.
// Get returning (nil, nil) is the documented "no budget configured" case,
// distinct from an error.
type Store interface {
	Get(ctx context.Context, tenantID, projectID string) (*Allocation, error)
	Put(ctx context.Context, alloc Allocation) error
	ListForTenant(ctx context.Context, tenantID string) ([]Allocation, error)
}
