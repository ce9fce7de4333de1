package engine

import (
	"context"
	"testing"
	"time"

	"github.com/valdrix-ai/ecp/pkg/collab"
	ctxbuilder "github.com/valdrix-ai/ecp/pkg/context"
	"github.com/valdrix-ai/ecp/pkg/config"
	"github.com/valdrix-ai/ecp/pkg/decisionledger"
	"github.com/valdrix-ai/ecp/pkg/failsafe"
	"github.com/valdrix-ai/ecp/pkg/money"
	"github.com/valdrix-ai/ecp/pkg/policy"
	"github.com/valdrix-ai/ecp/pkg/reservation"
	"github.com/valdrix-ai/ecp/pkg/tiers"
)

// fakeCostReader always reports no observed cost history, so the waterfall
// tests exercise plan-ceiling math in isolation from the risk-score path.
type fakeCostReader struct{}

func (fakeCostReader) DailyCosts(ctx context.Context, tenantID string, from, to time.Time) ([]collab.DailyCost, error) {
	return nil, nil
}

type fakeDirectory struct{ tier tiers.TierID }

func (f fakeDirectory) TenantTier(ctx context.Context, tenantID string) (tiers.TierID, error) {
	return f.tier, nil
}

type fakeProjects struct {
	allocation money.Amount
	usage      money.Amount
	configured bool
}

func (f fakeProjects) ProjectAllocation(ctx context.Context, tenantID, projectID string) (money.Amount, money.Amount, bool, error) {
	return f.allocation, f.usage, f.configured, nil
}

type fakeUsage struct {
	plan       money.Amount
	enterprise money.Amount
}

func (f fakeUsage) ActivePlanUsage(ctx context.Context, tenantID string) (money.Amount, error) {
	return f.plan, nil
}

func (f fakeUsage) ActiveEnterpriseUsage(ctx context.Context, tenantID string) (money.Amount, error) {
	return f.enterprise, nil
}

func testDoc(t *testing.T, store *policy.MemStore, tenantID string, rules []policy.RoutingRule) *policy.Document {
	t.Helper()
	doc := &policy.Document{
		SchemaVersion:               "1.0.0",
		TerraformModeProd:           policy.ModeHard,
		TerraformModeNonprod:        policy.ModeSoft,
		PlanMonthlyCeilingUSD:       money.MustParse("1000.000000"),
		EnterpriseMonthlyCeilingUSD: money.MustParse("5000.000000"),
		ApprovalRoutingRules:        rules,
		ActionMaxAttempts:           3,
		ActionRetryBackoffSeconds:   30,
		ActionLeaseTTLSeconds:       300,
	}
	if _, _, err := store.Put(context.Background(), tenantID, doc); err != nil {
		t.Fatalf("seed policy doc: %v", err)
	}
	got, err := store.GetActive(context.Background(), tenantID)
	if err != nil {
		t.Fatalf("get active policy doc: %v", err)
	}
	return got
}

type harness struct {
	engine       *Engine
	policies     *policy.MemStore
	reservations *reservation.MemLedger
}

func newHarness(t *testing.T, rules []policy.RoutingRule) *harness {
	t.Helper()
	policies := policy.NewMemStore()
	testDoc(t, policies, "tenant-1", rules)

	resolver := tiers.NewResolver(fakeDirectory{tier: tiers.Growth})
	contexts := ctxbuilder.NewBuilder(fakeCostReader{})
	projects := fakeProjects{configured: false}
	usage := fakeUsage{plan: money.Zero(), enterprise: money.Zero()}
	reservations := reservation.NewMemLedger()
	ledger := decisionledger.NewMemLedger()
	decisions := NewMemDecisionStore()
	lock := NewMemLock()

	cfg := config.Load()
	modeResolver := failsafe.NewResolver(cfg)

	e := NewEngine(nil, policies, resolver, contexts, projects, usage, reservations, ledger, decisions, lock, modeResolver,
		2*time.Second, 250*time.Millisecond, 8000)

	return &harness{engine: e, policies: policies, reservations: reservations}
}

func baseInput() GateInput {
	return GateInput{
		TenantID:                 "tenant-1",
		Source:                   decisionledger.SourceTerraform,
		Action:                   "aws_instance.create",
		ProjectID:                "proj-1",
		Environment:              "prod",
		ResourceRef:              "aws_instance.web",
		RequestFingerprint:       "fp-1",
		EstimatedMonthlyDeltaUSD: money.MustParse("100.000000"),
		EstimatedHourlyDeltaUSD:  money.MustParse("0.14"),
	}
}

func TestEvaluateGateAllowsWithinCeiling(t *testing.T) {
	h := newHarness(t, nil)
	d, err := h.engine.EvaluateGate(context.Background(), baseInput())
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != decisionledger.StatusAllow {
		t.Fatalf("expected ALLOW, got %s (%s)", d.Status, d.ReasonCode)
	}
}

func TestEvaluateGateDeniesOverPlanCeilingInHardMode(t *testing.T) {
	h := newHarness(t, nil)
	in := baseInput()
	in.EstimatedMonthlyDeltaUSD = money.MustParse("5000.000000")
	d, err := h.engine.EvaluateGate(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != decisionledger.StatusDeny {
		t.Fatalf("expected DENY, got %s", d.Status)
	}
	if d.ReasonCode != "over_plan_ceiling" {
		t.Fatalf("expected over_plan_ceiling, got %s", d.ReasonCode)
	}
}

func TestEvaluateGateRequiresApprovalOverPlanCeilingInSoftMode(t *testing.T) {
	h := newHarness(t, nil)
	in := baseInput()
	in.Environment = "staging"
	in.EstimatedMonthlyDeltaUSD = money.MustParse("5000.000000")
	d, err := h.engine.EvaluateGate(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != decisionledger.StatusRequireApproval {
		t.Fatalf("expected REQUIRE_APPROVAL, got %s", d.Status)
	}
}

func TestEvaluateGateRequiresApprovalViaRoutingRuleEvenWhenWaterfallPasses(t *testing.T) {
	rules := []policy.RoutingRule{
		{ID: "r1", Environment: "prod", MonthlyDeltaThreshold: money.MustParse("50.000000"), Quorum: 1},
	}
	h := newHarness(t, rules)
	h.reservations.PutGrant(reservation.CreditGrant{
		ID:               "g1",
		TenantID:         "tenant-1",
		PoolType:         reservation.PoolReserved,
		InitialAmountUSD: money.MustParse("500.000000"),
		RemainingUSD:     money.MustParse("500.000000"),
		ExpiresAt:        time.Now().Add(30 * 24 * time.Hour),
		CreatedAt:        time.Now(),
	})

	in := baseInput()
	in.EstimatedMonthlyDeltaUSD = money.MustParse("400.000000")
	d, err := h.engine.EvaluateGate(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != decisionledger.StatusRequireApproval {
		t.Fatalf("expected REQUIRE_APPROVAL via routing rule, got %s", d.Status)
	}

	// §4.F: REQUIRE_APPROVAL reserves credits on an optimistic-hold basis
	// even though the waterfall itself passed cleanly with no shortfall.
	allocs, err := h.reservations.ActiveAllocations(context.Background(), nil, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(allocs) != 1 {
		t.Fatalf("expected 1 active allocation, got %d", len(allocs))
	}
	if allocs[0].AmountUSD.Cmp(money.MustParse("400.000000")) != 0 {
		t.Fatalf("expected 400.00 held, got %s", allocs[0].AmountUSD)
	}

	grants, err := h.reservations.ListActiveGrantsForUpdate(context.Background(), nil, "tenant-1", reservation.PoolReserved)
	if err != nil {
		t.Fatal(err)
	}
	if len(grants) != 1 || grants[0].RemainingUSD.Cmp(money.MustParse("100.000000")) != 0 {
		t.Fatalf("expected grant g1 remaining 100.00, got %+v", grants)
	}
}

func TestEvaluateGateShadowModeAlwaysAllows(t *testing.T) {
	h := newHarness(t, nil)
	in := baseInput()
	in.Source = decisionledger.SourceGeneric
	in.Environment = "dev"
	in.EstimatedMonthlyDeltaUSD = money.MustParse("9000.000000")
	d, err := h.engine.EvaluateGate(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != decisionledger.StatusAllow {
		t.Fatalf("expected shadow-mode ALLOW override, got %s", d.Status)
	}
	if d.ReasonCode != "shadow_mode_allow" {
		t.Fatalf("expected shadow_mode_allow reason, got %s", d.ReasonCode)
	}
}

func TestEvaluateGateIdempotencyReplayReturnsStoredDecision(t *testing.T) {
	h := newHarness(t, nil)
	in := baseInput()
	in.IdempotencyKey = "fixed-key"

	first, err := h.engine.EvaluateGate(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.engine.EvaluateGate(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected replay to return the same decision, got %s vs %s", first.ID, second.ID)
	}
}

func TestEvaluateGateIdempotencyConflictOnFingerprintMismatch(t *testing.T) {
	h := newHarness(t, nil)
	in := baseInput()
	in.IdempotencyKey = "fixed-key"

	if _, err := h.engine.EvaluateGate(context.Background(), in); err != nil {
		t.Fatal(err)
	}
	in.RequestFingerprint = "fp-2"
	if _, err := h.engine.EvaluateGate(context.Background(), in); err == nil {
		t.Fatal("expected idempotency_conflict error on fingerprint mismatch")
	}
}

func TestEvaluateGateDrawsReservedCreditsOnProjectShortfall(t *testing.T) {
	policies := policy.NewMemStore()
	testDoc(t, policies, "tenant-1", nil)

	resolver := tiers.NewResolver(fakeDirectory{tier: tiers.Growth})
	contexts := ctxbuilder.NewBuilder(fakeCostReader{})
	projects := fakeProjects{
		allocation: money.MustParse("50.000000"),
		usage:      money.Zero(),
		configured: true,
	}
	usage := fakeUsage{plan: money.Zero(), enterprise: money.Zero()}
	reservations := reservation.NewMemLedger()
	reservations.PutGrant(reservation.CreditGrant{
		ID:               "grant-1",
		TenantID:         "tenant-1",
		PoolType:         reservation.PoolReserved,
		InitialAmountUSD: money.MustParse("200.000000"),
		RemainingUSD:     money.MustParse("200.000000"),
		ExpiresAt:        time.Now().Add(30 * 24 * time.Hour),
		CreatedAt:        time.Now(),
	})
	ledger := decisionledger.NewMemLedger()
	decisions := NewMemDecisionStore()
	lock := NewMemLock()
	cfg := config.Load()
	modeResolver := failsafe.NewResolver(cfg)

	e := NewEngine(nil, policies, resolver, contexts, projects, usage, reservations, ledger, decisions, lock, modeResolver,
		2*time.Second, 250*time.Millisecond, 8000)

	in := baseInput()
	in.EstimatedMonthlyDeltaUSD = money.MustParse("100.000000")

	d, err := e.EvaluateGate(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != decisionledger.StatusAllowWithCredits {
		t.Fatalf("expected ALLOW_WITH_CREDITS, got %s (%s)", d.Status, d.ReasonCode)
	}

	allocs, err := reservations.ActiveAllocations(context.Background(), nil, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(allocs) != 1 {
		t.Fatalf("expected 1 active allocation, got %d", len(allocs))
	}
}
