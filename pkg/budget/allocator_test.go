package budget_test

import (
	"context"
	"testing"
	"time"

	"github.com/valdrix-ai/ecp/pkg/budget"
	"github.com/valdrix-ai/ecp/pkg/collab"
	"github.com/valdrix-ai/ecp/pkg/money"
)

type fakeProjectCosts struct {
	days map[string][]collab.DailyCost // keyed by tenantID+"/"+projectID
	err  error
}

func (f fakeProjectCosts) ProjectDailyCosts(ctx context.Context, tenantID, projectID string, from, to time.Time) ([]collab.DailyCost, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.days[tenantID+"/"+projectID], nil
}

func TestAllocatorNoAllocationIsNotConfigured(t *testing.T) {
	store := budget.NewMemStore()
	a := budget.NewAllocator(store, fakeProjectCosts{})

	cap, usage, configured, err := a.ProjectAllocation(context.Background(), "tenant-a", "proj-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if configured {
		t.Fatalf("expected unconfigured project allocation")
	}
	if !cap.IsZero() || !usage.IsZero() {
		t.Fatalf("expected zero amounts for unconfigured allocation, got cap=%s usage=%s", cap, usage)
	}
}

func TestAllocatorSumsMonthToDateProjectSpend(t *testing.T) {
	store := budget.NewMemStore()
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	if err := store.Put(context.Background(), budget.Allocation{
		TenantID:      "tenant-a",
		ProjectID:     "proj-1",
		MonthlyCapUSD: money.FromMicros(500_000000),
		UpdatedAt:     now,
	}); err != nil {
		t.Fatalf("put allocation: %v", err)
	}

	costs := fakeProjectCosts{days: map[string][]collab.DailyCost{
		"tenant-a/proj-1": {
			{Date: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), AmountUSD: money.FromMicros(100_000000)},
			{Date: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), AmountUSD: money.FromMicros(50_000000)},
		},
	}}
	a := budget.NewAllocator(store, costs).WithClock(func() time.Time { return now })

	cap, usage, configured, err := a.ProjectAllocation(context.Background(), "tenant-a", "proj-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !configured {
		t.Fatalf("expected configured allocation")
	}
	if cap.Cmp(money.FromMicros(500_000000)) != 0 {
		t.Fatalf("expected cap 500, got %s", cap)
	}
	if usage.Cmp(money.FromMicros(150_000000)) != 0 {
		t.Fatalf("expected usage 150, got %s", usage)
	}
}

func TestAllocatorScopesByProjectNotJustTenant(t *testing.T) {
	store := budget.NewMemStore()
	ctx := context.Background()
	now := time.Now().UTC()
	_ = store.Put(ctx, budget.Allocation{TenantID: "tenant-a", ProjectID: "proj-1", MonthlyCapUSD: money.FromMicros(1_000000), UpdatedAt: now})

	a := budget.NewAllocator(store, fakeProjectCosts{})
	_, _, configuredOther, err := a.ProjectAllocation(ctx, "tenant-a", "proj-2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if configuredOther {
		t.Fatalf("proj-2 should not inherit proj-1's allocation")
	}
}

func TestAllocatorFailsClosedOnCostReaderError(t *testing.T) {
	store := budget.NewMemStore()
	ctx := context.Background()
	now := time.Now().UTC()
	_ = store.Put(ctx, budget.Allocation{TenantID: "tenant-a", ProjectID: "proj-1", MonthlyCapUSD: money.FromMicros(1_000000), UpdatedAt: now})

	a := budget.NewAllocator(store, fakeProjectCosts{err: context.DeadlineExceeded})
	_, _, _, err := a.ProjectAllocation(ctx, "tenant-a", "proj-1")
	if err == nil {
		t.Fatalf("expected error to propagate from cost reader failure")
	}
}

func TestMemStoreListForTenantExcludesOtherTenants(t *testing.T) {
	store := budget.NewMemStore()
	ctx := context.Background()
	now := time.Now().UTC()
	_ = store.Put(ctx, budget.Allocation{TenantID: "tenant-a", ProjectID: "proj-1", MonthlyCapUSD: money.FromMicros(1_000000), UpdatedAt: now})
	_ = store.Put(ctx, budget.Allocation{TenantID: "tenant-b", ProjectID: "proj-1", MonthlyCapUSD: money.FromMicros(2_000000), UpdatedAt: now})

	allocs, err := store.ListForTenant(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(allocs) != 1 || allocs[0].TenantID != "tenant-a" {
		t.Fatalf("expected only tenant-a allocations, got %+v", allocs)
	}
}
