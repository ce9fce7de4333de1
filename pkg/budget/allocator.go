package budget

import (
	"context"
	"time"

	"github.com/valdrix-ai/ecp/pkg/collab"
	"github.com/valdrix-ai/ecp/pkg/money"
)

// Allocator implements engine.ProjectAllocations: it answers the §4.D
// stage-2 lookup by pairing the configured monthly cap (this package's
// own Store) with live month-to-date spend read from the project-scoped
// cost collaborator.
type Allocator struct {
	store Store
	costs collab.ProjectCostReader
	clock func() time.Time
}

func NewAllocator(store Store, costs collab.ProjectCostReader) *Allocator {
	return &Allocator{store: store, costs: costs, clock: time.Now}
}

// WithClock overrides the clock used to compute the current month's
// boundaries, for deterministic tests.
func (a *Allocator) WithClock(clock func() time.Time) *Allocator {
	a.clock = clock
	return a
}

// ProjectAllocation satisfies engine.ProjectAllocations. configured=false
// with zero amounts means no allocation exists for this project — the
// waterfall treats that as a pass-through stage, not a zero-cap denial.
func (a *Allocator) ProjectAllocation(ctx context.Context, tenantID, projectID string) (allocationUSD money.Amount, activeUsageUSD money.Amount, configured bool, err error) {
	alloc, err := a.store.Get(ctx, tenantID, projectID)
	if err != nil {
		return money.Zero(), money.Zero(), false, err
	}
	if alloc == nil {
		return money.Zero(), money.Zero(), false, nil
	}

	now := a.clock().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	monthEnd := monthStart.AddDate(0, 1, 0)

	days, err := a.costs.ProjectDailyCosts(ctx, tenantID, projectID, monthStart, monthEnd)
	if err != nil {
		return money.Zero(), money.Zero(), false, err
	}

	usage := money.Zero()
	for _, d := range days {
		usage = usage.Add(d.AmountUSD)
	}
	return alloc.MonthlyCapUSD, usage, true, nil
}
