// Package budget implements the §3 "Budget and Project Allocation" entity
// of the Entitlement Waterfall (component D, stage 2): per-(tenant,
// project) scope keys mapped to a configured monthly USD cap, read within
// the tenant+source lock alongside the rest of the waterfall inputs.
//
// The cap itself is the only state this package owns. Active usage is
// read live from the project-scoped cost collaborator on every lookup,
// the same "core never computes cost from raw telemetry, it only
// consumes precomputed totals" boundary the Computed Context Builder
// observes for tenant-level spend.
package budget

import (
	"time"

	"github.com/valdrix-ai/ecp/pkg/money"
)

// Allocation is the configured monthly USD cap for one (tenant, project)
// scope key. A missing Allocation (Store.Get returns nil, nil) means the
// project has no budget configured, which the waterfall's stage 2 treats
// as a pass-through (§4.D "no_budget_configured short-circuits this stage
// as pass"), not as an implicit zero cap.
type Allocation struct {
	TenantID      string
	ProjectID     string
	MonthlyCapUSD money.Amount
	UpdatedAt     time.Time
}
