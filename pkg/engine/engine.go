package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	ctxbuilder "github.com/valdrix-ai/ecp/pkg/context"
	"github.com/valdrix-ai/ecp/pkg/decisionledger"
	"github.com/valdrix-ai/ecp/pkg/failsafe"
	"github.com/valdrix-ai/ecp/pkg/money"
	"github.com/valdrix-ai/ecp/pkg/obs"
	"github.com/valdrix-ai/ecp/pkg/policy"
	"github.com/valdrix-ai/ecp/pkg/reservation"
	"github.com/valdrix-ai/ecp/pkg/tiers"
	"github.com/valdrix-ai/ecp/pkg/waterfall"
)

// ErrIdempotencyConflict is the §7 IdempotencyConflict kind: the same
// (tenant_id, source, idempotency_key) was replayed with a different
// request_fingerprint. Always wrapped with %w so callers (e.g. pkg/gateway)
// can match it with errors.Is regardless of the embedded key detail.
var ErrIdempotencyConflict = errors.New("engine: idempotency conflict")

// ProjectAllocations answers the §4.D stage-2 project-scoped budget
// lookup. NoBudgetConfigured short-circuits that stage as a pass.
type ProjectAllocations interface {
	ProjectAllocation(ctx context.Context, tenantID, projectID string) (allocationUSD money.Amount, activeUsageUSD money.Amount, configured bool, err error)
}

// TenantUsage answers the active plan/enterprise usage the waterfall
// needs for stages 1 and 5.
type TenantUsage interface {
	ActivePlanUsage(ctx context.Context, tenantID string) (money.Amount, error)
	ActiveEnterpriseUsage(ctx context.Context, tenantID string) (money.Amount, error)
}

// Engine wires together every collaborator named in §4.F.
type Engine struct {
	db            *sql.DB
	policies      policy.Store
	tenantTiers   *tiers.Resolver
	contexts      *ctxbuilder.Builder
	projects      ProjectAllocations
	usage         TenantUsage
	reservations  reservation.Ledger
	ledger        decisionledger.Ledger
	decisions     DecisionStore
	lock          TenantSourceLock
	modeResolver  *failsafe.Resolver
	gateTimeout   time.Duration
	lockWait      time.Duration
	riskThreshold int64 // basis points; risk >= threshold routes to REQUIRE_APPROVAL
	metrics       *obs.Provider
}

// WithMetrics attaches the §4.L observability provider. Every call to
// EvaluateGate then emits gate_decisions_total, gate_latency_seconds, and
// gate_lock_events_total. nil (the zero value) disables instrumentation,
// matching the pre-wiring default.
func (e *Engine) WithMetrics(metrics *obs.Provider) *Engine {
	e.metrics = metrics
	return e
}

// NewEngine assembles an Engine from its collaborators. db may be nil when
// every collaborator is an in-process implementation (tests/dev).
func NewEngine(
	db *sql.DB,
	policies policy.Store,
	tenantTiers *tiers.Resolver,
	contexts *ctxbuilder.Builder,
	projects ProjectAllocations,
	usage TenantUsage,
	reservations reservation.Ledger,
	ledger decisionledger.Ledger,
	decisions DecisionStore,
	lock TenantSourceLock,
	modeResolver *failsafe.Resolver,
	gateTimeout, lockWait time.Duration,
	riskThresholdBP int64,
) *Engine {
	return &Engine{
		db:            db,
		policies:      policies,
		tenantTiers:   tenantTiers,
		contexts:      contexts,
		projects:      projects,
		usage:         usage,
		reservations:  reservations,
		ledger:        ledger,
		decisions:     decisions,
		lock:          lock,
		modeResolver:  modeResolver,
		gateTimeout:   gateTimeout,
		lockWait:      lockWait,
		riskThreshold: riskThresholdBP,
	}
}

// EvaluateGate is the §4.F evaluate_gate(input) -> Decision contract.
func (e *Engine) EvaluateGate(ctx context.Context, in GateInput) (decisionledger.Decision, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.gateTimeout)
	defer cancel()

	decision, err := e.evaluateGate(ctx, in)
	e.recordMetrics(ctx, in, decision, err, time.Since(start))
	return decision, err
}

// recordMetrics emits §4.L's gate_decisions_total/gate_latency_seconds for
// every EvaluateGate call, success or idempotency-conflict alike. Lock
// events are recorded closer to the source in evaluateGate, since only
// that call site knows the attempted outcome before a decision exists.
func (e *Engine) recordMetrics(ctx context.Context, in GateInput, decision decisionledger.Decision, err error, elapsed time.Duration) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordGateLatency(ctx, elapsed, string(in.Source))
	status := string(decision.Status)
	reason := decision.ReasonCode
	if err != nil {
		status = "error"
		reason = "idempotency_conflict"
	}
	e.metrics.RecordGateDecision(ctx, string(in.Source), status, reason)
}

func (e *Engine) evaluateGate(ctx context.Context, in GateInput) (decisionledger.Decision, error) {
	if in.IdempotencyKey == "" {
		in.IdempotencyKey = defaultIdempotencyKey(in)
	}

	mode, modeScope := e.modeResolver.ModeFor(string(in.Source), in.Environment)

	// Idempotency check before acquiring the lock: a confirmed stored
	// decision can be returned without taking the lock at all.
	if existing, err := e.decisions.FindByIdempotencyKey(ctx, in.TenantID, in.Source, in.IdempotencyKey); err == nil && existing != nil {
		if existing.RequestFingerprint == in.RequestFingerprint {
			return *existing, nil
		}
		return decisionledger.Decision{}, fmt.Errorf("%w: fingerprint mismatch for %s/%s/%s", ErrIdempotencyConflict, in.TenantID, in.Source, in.IdempotencyKey)
	}

	release, err := e.lock.Acquire(ctx, in.TenantID, string(in.Source), e.lockWait)
	if err != nil {
		e.recordLockEvent(ctx, lockErrorOutcome(err))
		return e.failSafeDecision(ctx, in, mode, modeScope, lockErrorReason(err)), nil
	}
	e.recordLockEvent(ctx, obs.LockAcquired)
	defer release()

	if ctx.Err() != nil {
		return e.failSafeDecision(ctx, in, mode, modeScope, ReasonTimeout), nil
	}

	// Re-check idempotency now that we hold the lock.
	if existing, err := e.decisions.FindByIdempotencyKey(ctx, in.TenantID, in.Source, in.IdempotencyKey); err == nil && existing != nil {
		if existing.RequestFingerprint == in.RequestFingerprint {
			return *existing, nil
		}
		return decisionledger.Decision{}, fmt.Errorf("%w: fingerprint mismatch for %s/%s/%s", ErrIdempotencyConflict, in.TenantID, in.Source, in.IdempotencyKey)
	}

	decision, err := e.evaluateLocked(ctx, in, mode, modeScope)
	if err != nil {
		return e.failSafeDecision(ctx, in, mode, modeScope, ReasonInternalError), nil
	}
	return decision, nil
}

func (e *Engine) recordLockEvent(ctx context.Context, outcome obs.LockOutcome) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordLockEvent(ctx, outcome)
}

func lockErrorOutcome(err error) obs.LockOutcome {
	if err == ErrLockTimeout {
		return obs.LockTimeout
	}
	return obs.LockContended
}

func lockErrorReason(err error) string {
	if err == ErrLockTimeout {
		return ReasonLockTimeout
	}
	return ReasonLockContended
}

func (e *Engine) evaluateLocked(ctx context.Context, in GateInput, mode failsafe.Mode, modeScope string) (decisionledger.Decision, error) {
	doc, err := e.policies.GetActive(ctx, in.TenantID)
	if err != nil {
		return decisionledger.Decision{}, err
	}

	tierID, _ := e.tenantTiers.GetTenantTier(ctx, in.TenantID)
	tier, _ := tiers.Get(tierID)

	planCeiling := doc.PlanMonthlyCeilingUSD
	if planCeiling.IsZero() {
		planCeiling = tier.PlanMonthlyCeilingUSD
	}
	enterpriseCeiling := doc.EnterpriseMonthlyCeilingUSD
	if enterpriseCeiling.IsZero() {
		enterpriseCeiling = tier.EnterpriseCeilingUSD
	}

	computed, err := e.contexts.Build(ctx, in.TenantID, nowUTC(), planCeiling, in.EstimatedMonthlyDeltaUSD)
	if err != nil {
		return decisionledger.Decision{}, err
	}

	activePlanUsage, err := e.usage.ActivePlanUsage(ctx, in.TenantID)
	if err != nil {
		return decisionledger.Decision{}, err
	}
	activeEnterpriseUsage, err := e.usage.ActiveEnterpriseUsage(ctx, in.TenantID)
	if err != nil {
		return decisionledger.Decision{}, err
	}
	projectAllocation, projectUsage, configured, err := e.projects.ProjectAllocation(ctx, in.TenantID, in.ProjectID)
	if err != nil {
		return decisionledger.Decision{}, err
	}

	tx, err := e.beginTx(ctx)
	if err != nil {
		return decisionledger.Decision{}, err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	reservedGrants, err := e.reservations.ListActiveGrantsForUpdate(ctx, tx, in.TenantID, reservation.PoolReserved)
	if err != nil {
		return decisionledger.Decision{}, err
	}
	emergencyGrants, err := e.reservations.ListActiveGrantsForUpdate(ctx, tx, in.TenantID, reservation.PoolEmergency)
	if err != nil {
		return decisionledger.Decision{}, err
	}

	wfIn := waterfall.Input{
		TenantID:                    in.TenantID,
		ProjectID:                   in.ProjectID,
		RequestedMonthlyDeltaUSD:    in.EstimatedMonthlyDeltaUSD,
		ActivePlanUsageUSD:          activePlanUsage,
		PlanMonthlyCeilingUSD:       planCeiling,
		ProjectAllocationUSD:        projectAllocation,
		NoBudgetConfigured:          !configured,
		ProjectActiveUsageUSD:       projectUsage,
		EnterpriseMonthlyCeilingUSD: enterpriseCeiling,
		EnterpriseUnlimited:         tier.Unlimited,
		ActiveEnterpriseUsageUSD:    activeEnterpriseUsage,
	}

	wfResult, err := waterfall.Evaluate(wfIn, reservedGrants, emergencyGrants)
	if err != nil {
		return decisionledger.Decision{}, err
	}

	decision := decisionledger.Decision{
		ID:                          newDecisionID(in),
		TenantID:                    in.TenantID,
		Source:                      in.Source,
		Action:                      in.Action,
		ProjectID:                   in.ProjectID,
		Environment:                 in.Environment,
		ResourceRef:                 in.ResourceRef,
		IdempotencyKey:              in.IdempotencyKey,
		RequestFingerprint:          in.RequestFingerprint,
		EstimatedMonthlyDeltaUSD:    in.EstimatedMonthlyDeltaUSD,
		EstimatedHourlyDeltaUSD:     in.EstimatedHourlyDeltaUSD,
		PolicyVersion:               doc.PolicyVersion,
		PolicyDocumentSHA256:        doc.SHA256Hash,
		PolicyDocumentSchemaVersion: doc.SchemaVersion,
		ModeScope:                   modeScope,
		CreatedAt:                   nowUTC(),
	}

	routingRule := matchRoutingRule(doc.ApprovalRoutingRules, in, decision)
	isCeilingBreach := !wfResult.Pass && (wfResult.LimitingStage == waterfall.StagePlanCeiling || wfResult.LimitingStage == waterfall.StageEnterpriseCeiling)
	riskBreach := computed.RiskScoreBP >= e.riskThreshold

	switch {
	case mode == failsafe.ModeShadow:
		decision.Status = decisionledger.StatusAllow
		decision.ReasonCode = "shadow_mode_allow"
	case !wfResult.Pass && isCeilingBreach:
		decision.Status = failsafe.CeilingBreachOutcome(mode)
		decision.ReasonCode = string(wfResult.LimitingReason)
	case !wfResult.Pass:
		// Credit-pool exhaustion is not a ceiling breach and is always a
		// hard denial regardless of mode: there is no credit left to grant
		// approval against.
		decision.Status = decisionledger.StatusDeny
		decision.ReasonCode = string(wfResult.LimitingReason)
	case routingRule != nil || riskBreach:
		decision.Status = decisionledger.StatusRequireApproval
		decision.ReasonCode = "approval_required"
	case len(wfResult.CreditsReserved) > 0:
		decision.Status = decisionledger.StatusAllowWithCredits
		decision.ReasonCode = string(waterfall.ReasonOK)
	default:
		decision.Status = decisionledger.StatusAllow
		decision.ReasonCode = string(waterfall.ReasonOK)
	}

	decision.ComputedContext = computedToMap(computed)
	decision.EntitlementWaterfall = waterfallToMap(wfResult)

	switch {
	case decision.Status == decisionledger.StatusAllowWithCredits && len(wfResult.CreditsReserved) > 0:
		var planned []reservation.PlannedAllocation
		for _, c := range wfResult.CreditsReserved {
			planned = append(planned, reservation.PlannedAllocation{GrantID: c.GrantID, PoolType: c.PoolType, AmountUSD: c.AmountUSD})
		}
		if err := e.reservations.Reserve(ctx, tx, decision.ID, in.TenantID, planned); err != nil {
			return decisionledger.Decision{}, err
		}
	case decision.Status == decisionledger.StatusRequireApproval:
		var planned []reservation.PlannedAllocation
		if len(wfResult.CreditsReserved) > 0 {
			for _, c := range wfResult.CreditsReserved {
				planned = append(planned, reservation.PlannedAllocation{GrantID: c.GrantID, PoolType: c.PoolType, AmountUSD: c.AmountUSD})
			}
		} else {
			// §4.F: "reserve credits ... for REQUIRE_APPROVAL on
			// optimistic-hold basis" — a ceiling breach in SOFT mode, a
			// routing-rule match, or a risk threshold breach all reach
			// REQUIRE_APPROVAL without the waterfall itself needing to draw
			// credits to pass. Hold the requested delta against available
			// grants anyway so an eventual approval has funds already set
			// aside; drawing less than the full amount is not an error.
			planned = optimisticHoldPlanned(in.EstimatedMonthlyDeltaUSD, reservedGrants, emergencyGrants)
		}
		if len(planned) > 0 {
			if err := e.reservations.Reserve(ctx, tx, decision.ID, in.TenantID, planned); err != nil {
				return decisionledger.Decision{}, err
			}
		}
	}

	if err := e.decisions.Save(ctx, tx, decision); err != nil {
		return decisionledger.Decision{}, err
	}
	if _, err := e.ledger.Append(ctx, tx, in.TenantID, decisionledger.EventCreated, decision); err != nil {
		return decisionledger.Decision{}, err
	}

	if tx != nil {
		if err := tx.Commit(); err != nil {
			return decisionledger.Decision{}, err
		}
		tx = nil
	}

	return decision, nil
}

func (e *Engine) beginTx(ctx context.Context) (*sql.Tx, error) {
	if e.db == nil {
		return nil, nil
	}
	return e.db.BeginTx(ctx, nil)
}

// failSafeDecision produces and persists a FAIL_SAFE_* decision per §4.F,
// §4.M. Best-effort: if persistence itself fails, the caller still gets a
// correct in-memory decision to return to the gate caller.
func (e *Engine) failSafeDecision(ctx context.Context, in GateInput, mode failsafe.Mode, modeScope, reason string) decisionledger.Decision {
	decision := decisionledger.Decision{
		ID:                       newDecisionID(in),
		TenantID:                 in.TenantID,
		Source:                   in.Source,
		Action:                   in.Action,
		ProjectID:                in.ProjectID,
		Environment:              in.Environment,
		ResourceRef:              in.ResourceRef,
		IdempotencyKey:           in.IdempotencyKey,
		RequestFingerprint:       in.RequestFingerprint,
		EstimatedMonthlyDeltaUSD: in.EstimatedMonthlyDeltaUSD,
		EstimatedHourlyDeltaUSD:  in.EstimatedHourlyDeltaUSD,
		Status:                   failsafe.ErrorOutcome(mode),
		ReasonCode:               reason,
		ModeScope:                modeScope,
		CreatedAt:                nowUTC(),
	}
	bgCtx := context.Background()
	_ = e.decisions.Save(bgCtx, nil, decision)
	_, _ = e.ledger.Append(bgCtx, nil, in.TenantID, decisionledger.EventCreated, decision)
	return decision
}

// optimisticHoldPlanned draws reserved-pool grants first, then emergency-
// pool grants, up to amount — never more than a grant's remaining balance.
// Returns a partial (or empty) draw rather than an error when grants can't
// cover the full amount; the hold is advisory, not a gate on the decision.
func optimisticHoldPlanned(amount money.Amount, reservedGrants, emergencyGrants []reservation.CreditGrant) []reservation.PlannedAllocation {
	var planned []reservation.PlannedAllocation
	remaining := amount
	for _, pool := range [][]reservation.CreditGrant{reservedGrants, emergencyGrants} {
		for _, g := range pool {
			if remaining.IsZero() || remaining.IsNegative() {
				return planned
			}
			draw := g.RemainingUSD
			if draw.Cmp(remaining) > 0 {
				draw = remaining
			}
			if draw.IsZero() || draw.IsNegative() {
				continue
			}
			planned = append(planned, reservation.PlannedAllocation{GrantID: g.ID, PoolType: g.PoolType, AmountUSD: draw})
			remaining = remaining.Sub(draw)
		}
	}
	return planned
}

func newDecisionID(in GateInput) string {
	return fmt.Sprintf("dec_%s_%s_%d", in.TenantID, in.IdempotencyKey, nowUTC().UnixNano())
}

func computedToMap(c ctxbuilder.Computed) map[string]any {
	return map[string]any{
		"mtd_spend_usd":       c.MTDSpendUSD.String(),
		"burn_rate_daily_usd": c.BurnRateDailyUSD.String(),
		"forecast_eom_usd":    c.ForecastEOMUSD.String(),
		"risk_class":          string(c.RiskClass),
		"risk_score_bp":       c.RiskScoreBP,
		"anomaly_kind":        string(c.Anomaly.Kind),
		"data_source_mode":    string(c.DataSourceMode),
		"context_version":     c.ContextVersion,
		"generated_at":        c.GeneratedAt,
		"month_start":         c.MonthStart,
		"month_end":           c.MonthEnd,
	}
}

func waterfallToMap(r waterfall.Result) map[string]any {
	stages := make([]map[string]any, 0, len(r.Stages))
	for _, s := range r.Stages {
		stages = append(stages, map[string]any{
			"stage":              string(s.Stage),
			"pass":               s.Pass,
			"reason_code":        string(s.ReasonCode),
			"consumed_amount":    s.ConsumedAmountUSD.String(),
			"remaining_amount":   s.RemainingUSD.String(),
			"credit_allocations": s.CreditAllocations,
		})
	}
	return map[string]any{
		"stages":          stages,
		"pass":            r.Pass,
		"limiting_reason": string(r.LimitingReason),
		"limiting_stage":  string(r.LimitingStage),
	}
}

// matchRoutingRule returns the first routing rule whose action_prefix,
// environment, and monthly-delta threshold match (§4.D Open Question:
// first-configured-wins array order, see pkg/policy/types.go).
func matchRoutingRule(rules []policy.RoutingRule, in GateInput, d decisionledger.Decision) *policy.RoutingRule {
	for i := range rules {
		r := &rules[i]
		if r.Environment != "" && r.Environment != in.Environment {
			continue
		}
		if r.ActionPrefix != "" && !hasPrefix(in.Action, r.ActionPrefix) {
			continue
		}
		if d.EstimatedMonthlyDeltaUSD.Cmp(r.MonthlyDeltaThreshold) < 0 {
			continue
		}
		return r
	}
	return nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
