// Package usage implements the §4.D plan and enterprise active-usage
// lookups the Entitlement Waterfall needs at stages 1 and 5
// (engine.TenantUsage). It derives month-to-date spend from the same
// precomputed daily-cost collaborator the Computed Context Builder reads
// (pkg/context) rather than introducing a second source of truth.
package usage

import (
	"context"
	"time"

	"github.com/valdrix-ai/ecp/pkg/collab"
	"github.com/valdrix-ai/ecp/pkg/money"
)

// Reader answers engine.TenantUsage from a precomputed cost-history reader.
// Plan and enterprise usage both resolve to the tenant's month-to-date
// spend: the waterfall only consults whichever ceiling applies to the
// tenant's tier (pkg/tiers.Unlimited gates stage 5 for non-enterprise
// tenants), so a single MTD figure serves both stages.
type Reader struct {
	costs collab.CostReader
	clock func() time.Time
}

func NewReader(costs collab.CostReader) *Reader {
	return &Reader{costs: costs, clock: time.Now}
}

// WithClock overrides the clock used to compute the current month's
// boundaries, for deterministic tests.
func (r *Reader) WithClock(clock func() time.Time) *Reader {
	r.clock = clock
	return r
}

func (r *Reader) ActivePlanUsage(ctx context.Context, tenantID string) (money.Amount, error) {
	return r.monthToDateSpend(ctx, tenantID)
}

func (r *Reader) ActiveEnterpriseUsage(ctx context.Context, tenantID string) (money.Amount, error) {
	return r.monthToDateSpend(ctx, tenantID)
}

func (r *Reader) monthToDateSpend(ctx context.Context, tenantID string) (money.Amount, error) {
	now := r.clock().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	monthEnd := monthStart.AddDate(0, 1, 0)

	days, err := r.costs.DailyCosts(ctx, tenantID, monthStart, monthEnd)
	if err != nil {
		// The zero amount is never used as usage: EvaluateGate returns
		// the error before the waterfall runs, so an unreadable usage
		// source never yields unlimited headroom.
		return money.Zero(), err
	}

	total := money.Zero()
	for _, d := range days {
		total = total.Add(d.AmountUSD)
	}
	return total, nil
}
