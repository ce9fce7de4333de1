package reservation

import (
	"context"
	"testing"
	"time"

	"github.com/valdrix-ai/ecp/pkg/money"
)

func grant(id, tenant string, pool PoolType, initial string, expires time.Time) CreditGrant {
	amt := money.MustParse(initial)
	return CreditGrant{
		ID:               id,
		TenantID:         tenant,
		PoolType:         pool,
		InitialAmountUSD: amt,
		RemainingUSD:     amt,
		ExpiresAt:        expires,
		CreatedAt:        time.Now(),
	}
}

func TestReserveDebitsGrantAndCreatesAllocation(t *testing.T) {
	l := NewMemLedger()
	l.PutGrant(grant("g1", "t1", PoolReserved, "1000", time.Now().Add(24*time.Hour)))

	ctx := context.Background()
	err := l.Reserve(ctx, nil, "d1", "t1", []PlannedAllocation{{GrantID: "g1", PoolType: PoolReserved, AmountUSD: money.MustParse("400")}})
	if err != nil {
		t.Fatal(err)
	}

	grants, err := l.ListActiveGrantsForUpdate(ctx, nil, "t1", PoolReserved)
	if err != nil {
		t.Fatal(err)
	}
	if len(grants) != 1 || grants[0].RemainingUSD.String() != "600.000000" {
		t.Fatalf("expected remaining=600, got %+v", grants)
	}

	allocs, err := l.ActiveAllocations(ctx, nil, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if len(allocs) != 1 || allocs[0].AmountUSD.String() != "400.000000" {
		t.Fatalf("unexpected allocations: %+v", allocs)
	}
}

func TestReserveInsufficientBalanceFails(t *testing.T) {
	l := NewMemLedger()
	l.PutGrant(grant("g1", "t1", PoolReserved, "100", time.Now().Add(time.Hour)))

	err := l.Reserve(context.Background(), nil, "d1", "t1", []PlannedAllocation{{GrantID: "g1", PoolType: PoolReserved, AmountUSD: money.MustParse("200")}})
	if err != ErrInsufficientBalance {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestListActiveGrantsOrderedByExpiryThenCreatedThenID(t *testing.T) {
	l := NewMemLedger()
	now := time.Now()
	g1 := grant("g-b", "t1", PoolReserved, "100", now.Add(2*time.Hour))
	g2 := grant("g-a", "t1", PoolReserved, "100", now.Add(1*time.Hour))
	g3 := grant("g-c", "t1", PoolReserved, "100", now.Add(1*time.Hour))
	g3.CreatedAt = now.Add(-time.Minute)
	g2.CreatedAt = now

	l.PutGrant(g1)
	l.PutGrant(g2)
	l.PutGrant(g3)

	grants, err := l.ListActiveGrantsForUpdate(context.Background(), nil, "t1", PoolReserved)
	if err != nil {
		t.Fatal(err)
	}
	if len(grants) != 3 {
		t.Fatalf("expected 3 grants, got %d", len(grants))
	}
	// g3 and g2 share expires_at=+1h; g3 was created earlier, so it sorts first.
	if grants[0].ID != "g-c" || grants[1].ID != "g-a" || grants[2].ID != "g-b" {
		t.Fatalf("unexpected order: %s, %s, %s", grants[0].ID, grants[1].ID, grants[2].ID)
	}
}

func TestSettleRefundsDifferenceToNewestAllocationFirst(t *testing.T) {
	l := NewMemLedger()
	l.PutGrant(grant("g1", "t1", PoolReserved, "1000", time.Now().Add(time.Hour)))

	ctx := context.Background()
	_ = l.Reserve(ctx, nil, "d1", "t1", []PlannedAllocation{{GrantID: "g1", PoolType: PoolReserved, AmountUSD: money.MustParse("500")}})

	if err := l.Settle(ctx, nil, "d1", money.MustParse("300")); err != nil {
		t.Fatal(err)
	}

	grants, _ := l.ListActiveGrantsForUpdate(ctx, nil, "t1", PoolReserved)
	// 1000 initial - 500 reserved + 200 refunded = 700 remaining
	if grants[0].RemainingUSD.String() != "700.000000" {
		t.Fatalf("expected remaining=700 after partial refund, got %s", grants[0].RemainingUSD.String())
	}
}

func TestRefundRestoresFullGrantBalance(t *testing.T) {
	l := NewMemLedger()
	l.PutGrant(grant("g1", "t1", PoolReserved, "1000", time.Now().Add(time.Hour)))

	ctx := context.Background()
	_ = l.Reserve(ctx, nil, "d1", "t1", []PlannedAllocation{{GrantID: "g1", PoolType: PoolReserved, AmountUSD: money.MustParse("500")}})
	if err := l.Refund(ctx, nil, "d1"); err != nil {
		t.Fatal(err)
	}

	grants, _ := l.ListActiveGrantsForUpdate(ctx, nil, "t1", PoolReserved)
	if grants[0].RemainingUSD.String() != "1000.000000" {
		t.Fatalf("expected full restore, got %s", grants[0].RemainingUSD.String())
	}
}

func TestReconcileIsIdempotentOnReplay(t *testing.T) {
	l := NewMemLedger()
	l.PutGrant(grant("g1", "t1", PoolReserved, "1000", time.Now().Add(time.Hour)))

	ctx := context.Background()
	_ = l.Reserve(ctx, nil, "d1", "t1", []PlannedAllocation{{GrantID: "g1", PoolType: PoolReserved, AmountUSD: money.MustParse("500")}})

	r1, err := l.Reconcile(ctx, nil, "d1", money.MustParse("400"), "key-1")
	if err != nil {
		t.Fatal(err)
	}
	r2, err := l.Reconcile(ctx, nil, "d1", money.MustParse("400"), "key-1")
	if err != nil {
		t.Fatal(err)
	}
	if r1.IdempotencyKey != r2.IdempotencyKey {
		t.Fatal("expected idempotent replay to return same key")
	}
}

func TestReconcileConflictsOnKeyMismatchAfterSettle(t *testing.T) {
	l := NewMemLedger()
	l.PutGrant(grant("g1", "t1", PoolReserved, "1000", time.Now().Add(time.Hour)))

	ctx := context.Background()
	_ = l.Reserve(ctx, nil, "d1", "t1", []PlannedAllocation{{GrantID: "g1", PoolType: PoolReserved, AmountUSD: money.MustParse("500")}})
	if _, err := l.Reconcile(ctx, nil, "d1", money.MustParse("400"), "key-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Reconcile(ctx, nil, "d1", money.MustParse("400"), "key-2"); err != ErrReconcileConflict {
		t.Fatalf("expected ErrReconcileConflict, got %v", err)
	}
}

// TestGrantInvariantRemainingNeverNegative exercises the universal property
// that a grant's remaining balance never drops below zero and never exceeds
// its initial amount, across a sequence of reserve/settle/refund calls.
func TestGrantInvariantRemainingNeverNegative(t *testing.T) {
	l := NewMemLedger()
	l.PutGrant(grant("g1", "t1", PoolReserved, "1000", time.Now().Add(time.Hour)))
	ctx := context.Background()

	decisions := []struct {
		id     string
		amount string
		actual string
	}{
		{"d1", "300", "250"},
		{"d2", "200", "200"},
		{"d3", "150", "0"},
	}

	for _, d := range decisions {
		if err := l.Reserve(ctx, nil, d.id, "t1", []PlannedAllocation{{GrantID: "g1", PoolType: PoolReserved, AmountUSD: money.MustParse(d.amount)}}); err != nil {
			t.Fatal(err)
		}
		if _, err := l.Reconcile(ctx, nil, d.id, money.MustParse(d.actual), "key-"+d.id); err != nil {
			t.Fatal(err)
		}
	}

	grants, _ := l.ListActiveGrantsForUpdate(ctx, nil, "t1", PoolReserved)
	remaining := grants[0].RemainingUSD
	if remaining.IsNegative() {
		t.Fatalf("remaining went negative: %s", remaining.String())
	}
	// initial 1000 - (250 + 200 + 0) settled = 550
	if remaining.String() != "550.000000" {
		t.Fatalf("expected remaining=550, got %s", remaining.String())
	}
}

func TestCreateGrantRejectsDuplicateID(t *testing.T) {
	l := NewMemLedger()
	ctx := context.Background()
	g := grant("g1", "t1", PoolReserved, "1000", time.Now().Add(24*time.Hour))

	if err := l.CreateGrant(ctx, g); err != nil {
		t.Fatalf("unexpected error creating grant: %v", err)
	}
	if err := l.CreateGrant(ctx, g); err == nil {
		t.Fatalf("expected error creating duplicate grant id")
	}

	grants, err := l.ListActiveGrantsForUpdate(ctx, nil, "t1", PoolReserved)
	if err != nil {
		t.Fatal(err)
	}
	if len(grants) != 1 || grants[0].RemainingUSD.String() != "1000.000000" {
		t.Fatalf("expected a single grant with full remaining balance, got %+v", grants)
	}
}
