// Package waterfall implements the Entitlement Waterfall Evaluator (§4.D):
// a fixed sequence of five fail-closed stages that determines how much of a
// requested monthly delta a tenant is entitled to, and which credit grants
// back any shortfall.
package waterfall

import (
	"fmt"

	"github.com/valdrix-ai/ecp/pkg/money"
	"github.com/valdrix-ai/ecp/pkg/reservation"
)

// ReasonCode is one of the stable reason codes a stage can produce.
type ReasonCode string

const (
	ReasonOK                        ReasonCode = "ok"
	ReasonOverPlanCeiling           ReasonCode = "over_plan_ceiling"
	ReasonOverProjectAllocation     ReasonCode = "over_project_allocation"
	ReasonReservedCreditsExhausted  ReasonCode = "reserved_credits_exhausted"
	ReasonEmergencyCreditsExhausted ReasonCode = "emergency_credits_exhausted"
	ReasonOverEnterpriseCeiling     ReasonCode = "over_enterprise_ceiling"
)

// StageName identifies one of the five ordered stages.
type StageName string

const (
	StagePlanCeiling       StageName = "plan_ceiling"
	StageProjectAllocation StageName = "project_allocation"
	StageReservedCredits   StageName = "reserved_credits"
	StageEmergencyCredits  StageName = "emergency_credits"
	StageEnterpriseCeiling StageName = "enterprise_ceiling"
)

// CreditAllocation records one grant-backed portion of a stage's shortfall.
type CreditAllocation struct {
	GrantID   string
	PoolType  reservation.PoolType
	AmountUSD money.Amount
}

// StageResult is the per-stage waterfall output (§4.D).
type StageResult struct {
	Stage             StageName
	Pass              bool
	ReasonCode        ReasonCode
	ConsumedAmountUSD money.Amount
	RemainingUSD      money.Amount
	CreditAllocations []CreditAllocation
}

// Result is the full waterfall evaluation: all five stage results plus the
// first limiting stage's reason code, which becomes the decision's
// entitlement_reason_code.
type Result struct {
	Stages          []StageResult
	Pass            bool
	LimitingReason  ReasonCode
	LimitingStage   StageName
	CreditsReserved []CreditAllocation // every allocation drawn at stages 3 and 4, including the partial draw of a stage that did not cover its shortfall
}

// ErrInvariantViolation is returned when a negative threshold is supplied;
// per §4.D this must fail closed rather than be treated as infinite.
type ErrInvariantViolation struct {
	Stage  StageName
	Detail string
}

func (e *ErrInvariantViolation) Error() string {
	return fmt.Sprintf("waterfall: invariant violation at stage %s: %s", e.Stage, e.Detail)
}

// Input bundles everything a waterfall evaluation needs, gathered by the
// Decision Engine (§4.F) before calling Evaluate.
type Input struct {
	TenantID                   string
	ProjectID                  string
	RequestedMonthlyDeltaUSD   money.Amount
	ActivePlanUsageUSD         money.Amount
	PlanMonthlyCeilingUSD      money.Amount
	ProjectAllocationUSD       money.Amount // zero + NoBudgetConfigured=true means "not configured"
	NoBudgetConfigured         bool
	ProjectActiveUsageUSD      money.Amount
	EnterpriseMonthlyCeilingUSD money.Amount
	EnterpriseUnlimited        bool
	ActiveEnterpriseUsageUSD   money.Amount
}

func stageResult(stage StageName, pass bool, reason ReasonCode, consumed, remaining money.Amount, allocs []CreditAllocation) StageResult {
	return StageResult{
		Stage:             stage,
		Pass:              pass,
		ReasonCode:        reason,
		ConsumedAmountUSD: consumed,
		RemainingUSD:      remaining,
		CreditAllocations: allocs,
	}
}

// Evaluate runs the five ordered stages against the supplied grant pools
// (already fetched and locked by the caller, in §4.D tie-break order:
// expires_at ascending, created_at ascending, id ascending).
func Evaluate(in Input, reservedGrants, emergencyGrants []reservation.CreditGrant) (Result, error) {
	if in.RequestedMonthlyDeltaUSD.IsNegative() || in.PlanMonthlyCeilingUSD.IsNegative() {
		return Result{}, &ErrInvariantViolation{Stage: StagePlanCeiling, Detail: "negative requested delta or plan ceiling"}
	}

	var stages []StageResult
	var allCredits []CreditAllocation

	// Stage 1: plan ceiling.
	planTotal := in.ActivePlanUsageUSD.Add(in.RequestedMonthlyDeltaUSD)
	if planTotal.Cmp(in.PlanMonthlyCeilingUSD) <= 0 {
		stages = append(stages, stageResult(StagePlanCeiling, true, ReasonOK, in.RequestedMonthlyDeltaUSD, in.PlanMonthlyCeilingUSD.Sub(planTotal), nil))
	} else {
		stages = append(stages, stageResult(StagePlanCeiling, false, ReasonOverPlanCeiling, money.Zero(), money.Zero(), nil))
		return finish(stages, StagePlanCeiling, ReasonOverPlanCeiling, allCredits), nil
	}

	// Stage 2: project allocation. no_budget_configured short-circuits as pass.
	if in.NoBudgetConfigured {
		stages = append(stages, stageResult(StageProjectAllocation, true, ReasonOK, money.Zero(), money.Zero(), nil))
	} else {
		if in.ProjectAllocationUSD.IsNegative() {
			return Result{}, &ErrInvariantViolation{Stage: StageProjectAllocation, Detail: "negative project allocation"}
		}
		projectTotal := in.ProjectActiveUsageUSD.Add(in.RequestedMonthlyDeltaUSD)
		if projectTotal.Cmp(in.ProjectAllocationUSD) <= 0 {
			stages = append(stages, stageResult(StageProjectAllocation, true, ReasonOK, in.RequestedMonthlyDeltaUSD, in.ProjectAllocationUSD.Sub(projectTotal), nil))
		} else {
			shortfall := projectTotal.Sub(in.ProjectAllocationUSD)

			// Stage 3: reserved credits cover the shortfall, oldest-expiry first.
			reservedAllocs, reservedCovered, err := drawFromPool(reservedGrants, shortfall)
			if err != nil {
				return Result{}, err
			}
			if reservedCovered.Cmp(shortfall) >= 0 {
				stages = append(stages, stageResult(StageProjectAllocation, true, ReasonOK, in.RequestedMonthlyDeltaUSD, money.Zero(), nil))
				stages = append(stages, stageResult(StageReservedCredits, true, ReasonOK, reservedCovered, sumRemaining(reservedGrants, reservedAllocs), reservedAllocs))
				allCredits = append(allCredits, reservedAllocs...)
			} else {
				stages = append(stages, stageResult(StageProjectAllocation, true, ReasonOK, in.RequestedMonthlyDeltaUSD, money.Zero(), nil))
				stages = append(stages, stageResult(StageReservedCredits, false, ReasonReservedCreditsExhausted, reservedCovered, money.Zero(), reservedAllocs))
				allCredits = append(allCredits, reservedAllocs...)

				remainingShortfall := shortfall.Sub(reservedCovered)

				// Stage 4: emergency credits cover the remaining shortfall.
				emergencyAllocs, emergencyCovered, err := drawFromPool(emergencyGrants, remainingShortfall)
				if err != nil {
					return Result{}, err
				}
				if emergencyCovered.Cmp(remainingShortfall) >= 0 {
					stages = append(stages, stageResult(StageEmergencyCredits, true, ReasonOK, emergencyCovered, sumRemaining(emergencyGrants, emergencyAllocs), emergencyAllocs))
					allCredits = append(allCredits, emergencyAllocs...)
				} else {
					stages = append(stages, stageResult(StageEmergencyCredits, false, ReasonEmergencyCreditsExhausted, emergencyCovered, money.Zero(), emergencyAllocs))
					allCredits = append(allCredits, emergencyAllocs...)
					return finish(stages, StageEmergencyCredits, ReasonEmergencyCreditsExhausted, allCredits), nil
				}
			}
		}
	}

	// Stage 5: enterprise ceiling.
	if in.EnterpriseUnlimited {
		stages = append(stages, stageResult(StageEnterpriseCeiling, true, ReasonOK, money.Zero(), money.Zero(), nil))
		return finish(stages, "", ReasonOK, allCredits), nil
	}
	if in.EnterpriseMonthlyCeilingUSD.IsNegative() {
		return Result{}, &ErrInvariantViolation{Stage: StageEnterpriseCeiling, Detail: "negative enterprise ceiling"}
	}
	enterpriseTotal := in.ActiveEnterpriseUsageUSD.Add(in.RequestedMonthlyDeltaUSD)
	if enterpriseTotal.Cmp(in.EnterpriseMonthlyCeilingUSD) <= 0 {
		stages = append(stages, stageResult(StageEnterpriseCeiling, true, ReasonOK, in.RequestedMonthlyDeltaUSD, in.EnterpriseMonthlyCeilingUSD.Sub(enterpriseTotal), nil))
		return finish(stages, "", ReasonOK, allCredits), nil
	}
	stages = append(stages, stageResult(StageEnterpriseCeiling, false, ReasonOverEnterpriseCeiling, money.Zero(), money.Zero(), nil))
	return finish(stages, StageEnterpriseCeiling, ReasonOverEnterpriseCeiling, allCredits), nil
}

func finish(stages []StageResult, limitingStage StageName, limitingReason ReasonCode, credits []CreditAllocation) Result {
	return Result{
		Stages:          stages,
		Pass:            limitingReason == ReasonOK,
		LimitingReason:  limitingReason,
		LimitingStage:   limitingStage,
		CreditsReserved: credits,
	}
}

// drawFromPool draws up to `need` from grants in the order supplied (the
// caller is responsible for the expires_at/created_at/id tie-break), never
// drawing more than a grant's remaining balance.
func drawFromPool(grants []reservation.CreditGrant, need money.Amount) ([]CreditAllocation, money.Amount, error) {
	if need.IsNegative() {
		return nil, money.Zero(), &ErrInvariantViolation{Detail: "negative shortfall passed to drawFromPool"}
	}
	var allocs []CreditAllocation
	covered := money.Zero()
	for _, g := range grants {
		if covered.Cmp(need) >= 0 {
			break
		}
		remainingNeed := need.Sub(covered)
		draw := g.RemainingUSD
		if draw.Cmp(remainingNeed) > 0 {
			draw = remainingNeed
		}
		if draw.IsZero() {
			continue
		}
		allocs = append(allocs, CreditAllocation{GrantID: g.ID, PoolType: g.PoolType, AmountUSD: draw})
		covered = covered.Add(draw)
	}
	return allocs, covered, nil
}

func sumRemaining(grants []reservation.CreditGrant, allocs []CreditAllocation) money.Amount {
	drawn := map[string]money.Amount{}
	for _, a := range allocs {
		drawn[a.GrantID] = a.AmountUSD
	}
	total := money.Zero()
	for _, g := range grants {
		r := g.RemainingUSD
		if d, ok := drawn[g.ID]; ok {
			r = r.Sub(d)
		}
		total = total.Add(r)
	}
	return total
}
