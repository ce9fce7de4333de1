package waterfall

import (
	"testing"
	"time"

	"github.com/valdrix-ai/ecp/pkg/money"
	"github.com/valdrix-ai/ecp/pkg/reservation"
)

func baseInput() Input {
	return Input{
		TenantID:                    "t1",
		ProjectID:                   "p1",
		RequestedMonthlyDeltaUSD:    money.MustParse("100"),
		ActivePlanUsageUSD:          money.MustParse("0"),
		PlanMonthlyCeilingUSD:       money.MustParse("5000"),
		NoBudgetConfigured:          true,
		EnterpriseMonthlyCeilingUSD: money.MustParse("25000"),
	}
}

func TestAllStagesPassOK(t *testing.T) {
	in := baseInput()
	res, err := Evaluate(in, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Pass || res.LimitingReason != ReasonOK {
		t.Fatalf("expected pass, got %+v", res)
	}
}

func TestOverPlanCeilingShortCircuits(t *testing.T) {
	in := baseInput()
	in.ActivePlanUsageUSD = money.MustParse("4950")
	in.RequestedMonthlyDeltaUSD = money.MustParse("100")

	res, err := Evaluate(in, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Pass {
		t.Fatal("expected failure")
	}
	if res.LimitingReason != ReasonOverPlanCeiling {
		t.Fatalf("expected over_plan_ceiling, got %s", res.LimitingReason)
	}
	if len(res.Stages) != 1 {
		t.Fatalf("expected short-circuit after stage 1, got %d stages", len(res.Stages))
	}
}

func TestProjectAllocationShortfallDrawsReservedCredits(t *testing.T) {
	in := baseInput()
	in.NoBudgetConfigured = false
	in.ProjectAllocationUSD = money.MustParse("50")
	in.ProjectActiveUsageUSD = money.MustParse("0")
	in.RequestedMonthlyDeltaUSD = money.MustParse("100") // shortfall = 50

	grants := []reservation.CreditGrant{
		{ID: "g1", PoolType: reservation.PoolReserved, RemainingUSD: money.MustParse("200"), ExpiresAt: time.Now().Add(time.Hour)},
	}

	res, err := Evaluate(in, grants, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Pass {
		t.Fatalf("expected pass via reserved credits, got %+v", res)
	}
	if len(res.CreditsReserved) != 1 || res.CreditsReserved[0].AmountUSD.String() != "50.000000" {
		t.Fatalf("expected 50 drawn from g1, got %+v", res.CreditsReserved)
	}
}

func TestReservedExhaustedFallsToEmergency(t *testing.T) {
	in := baseInput()
	in.NoBudgetConfigured = false
	in.ProjectAllocationUSD = money.MustParse("0")
	in.ProjectActiveUsageUSD = money.MustParse("0")
	in.RequestedMonthlyDeltaUSD = money.MustParse("100")

	reserved := []reservation.CreditGrant{{ID: "r1", PoolType: reservation.PoolReserved, RemainingUSD: money.MustParse("30")}}
	emergency := []reservation.CreditGrant{{ID: "e1", PoolType: reservation.PoolEmergency, RemainingUSD: money.MustParse("100")}}

	res, err := Evaluate(in, reserved, emergency)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Pass {
		t.Fatalf("expected pass via emergency credits, got %+v", res)
	}
	total := money.Zero()
	for _, c := range res.CreditsReserved {
		total = total.Add(c.AmountUSD)
	}
	if total.String() != "100.000000" {
		t.Fatalf("expected total credits drawn=100, got %s", total.String())
	}
}

func TestEmergencyExhaustedDeniesWithStableReason(t *testing.T) {
	in := baseInput()
	in.NoBudgetConfigured = false
	in.ProjectAllocationUSD = money.MustParse("0")
	in.RequestedMonthlyDeltaUSD = money.MustParse("100")

	reserved := []reservation.CreditGrant{{ID: "r1", PoolType: reservation.PoolReserved, RemainingUSD: money.MustParse("10")}}
	emergency := []reservation.CreditGrant{{ID: "e1", PoolType: reservation.PoolEmergency, RemainingUSD: money.MustParse("20")}}

	res, err := Evaluate(in, reserved, emergency)
	if err != nil {
		t.Fatal(err)
	}
	if res.Pass {
		t.Fatal("expected denial")
	}
	if res.LimitingReason != ReasonEmergencyCreditsExhausted {
		t.Fatalf("expected emergency_credits_exhausted, got %s", res.LimitingReason)
	}
}

func TestOverEnterpriseCeiling(t *testing.T) {
	in := baseInput()
	in.EnterpriseMonthlyCeilingUSD = money.MustParse("50")
	in.RequestedMonthlyDeltaUSD = money.MustParse("100")

	res, err := Evaluate(in, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Pass || res.LimitingReason != ReasonOverEnterpriseCeiling {
		t.Fatalf("expected over_enterprise_ceiling, got %+v", res)
	}
}

func TestEnterpriseUnlimitedSkipsCeilingCheck(t *testing.T) {
	in := baseInput()
	in.EnterpriseUnlimited = true
	in.EnterpriseMonthlyCeilingUSD = money.Zero()
	in.RequestedMonthlyDeltaUSD = money.MustParse("100000")
	in.PlanMonthlyCeilingUSD = money.MustParse("1000000")

	res, err := Evaluate(in, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Pass {
		t.Fatalf("expected pass for unlimited enterprise tier, got %+v", res)
	}
}

func TestNegativeThresholdFailsClosedWithInvariantViolation(t *testing.T) {
	in := baseInput()
	in.PlanMonthlyCeilingUSD = money.MustParse("-1")

	_, err := Evaluate(in, nil, nil)
	if err == nil {
		t.Fatal("expected invariant violation error")
	}
	if _, ok := err.(*ErrInvariantViolation); !ok {
		t.Fatalf("expected *ErrInvariantViolation, got %T", err)
	}
}

func TestCreditDrawOrderRespectsSuppliedGrantOrder(t *testing.T) {
	in := baseInput()
	in.NoBudgetConfigured = false
	in.ProjectAllocationUSD = money.MustParse("0")
	in.RequestedMonthlyDeltaUSD = money.MustParse("100")

	// Caller is responsible for supplying grants pre-sorted by
	// expires_at asc, created_at asc, id asc; the drawer must exhaust
	// them in that order.
	now := time.Now()
	reserved := []reservation.CreditGrant{
		{ID: "oldest", PoolType: reservation.PoolReserved, RemainingUSD: money.MustParse("40"), ExpiresAt: now.Add(time.Hour)},
		{ID: "newest", PoolType: reservation.PoolReserved, RemainingUSD: money.MustParse("100"), ExpiresAt: now.Add(2 * time.Hour)},
	}

	res, err := Evaluate(in, reserved, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Pass {
		t.Fatalf("expected pass, got %+v", res)
	}
	if res.CreditsReserved[0].GrantID != "oldest" || res.CreditsReserved[0].AmountUSD.String() != "40.000000" {
		t.Fatalf("expected oldest grant drawn first for 40, got %+v", res.CreditsReserved)
	}
	if res.CreditsReserved[1].GrantID != "newest" || res.CreditsReserved[1].AmountUSD.String() != "60.000000" {
		t.Fatalf("expected newest grant drawn for remaining 60, got %+v", res.CreditsReserved)
	}
}
