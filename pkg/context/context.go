// Package context implements the Computed Context Builder (§4.C): a
// deterministic snapshot of month-to-date spend, burn rate, end-of-month
// forecast, anomaly detection, and risk classification for a tenant at a
// given decision time.
//
// Named "context" to mirror the component's name in the specification; it
// does not define or alias the standard library context.Context — callers
// import it as ctxbuilder where that would be ambiguous.
package context

import (
	"context"
	"sort"
	"time"

	"github.com/valdrix-ai/ecp/pkg/collab"
	"github.com/valdrix-ai/ecp/pkg/money"
)

// ContextVersion identifies the computation ruleset (§4.C: "bumped on any
// formula change").
const ContextVersion = 1

type AnomalyKind string

const (
	AnomalyNone  AnomalyKind = "none"
	AnomalySpike AnomalyKind = "spike"
	AnomalyDrop  AnomalyKind = "drop"
)

type RiskClass string

const (
	RiskLow      RiskClass = "low"
	RiskMedium   RiskClass = "medium"
	RiskHigh     RiskClass = "high"
	RiskCritical RiskClass = "critical"
)

type DataSourceMode string

const (
	DataSourceNone      DataSourceMode = "none"
	DataSourcePartial   DataSourceMode = "partial"
	DataSourceAllStatus DataSourceMode = "all_status"
	DataSourceUnavailable DataSourceMode = "unavailable"
)

// Anomaly is the §4.C anomaly snapshot.
type Anomaly struct {
	Kind      AnomalyKind `json:"kind"`
	DeltaUSD  money.Amount `json:"delta_usd"`
	PercentBP int64       `json:"percent_bp"` // basis points (1/100 of a percent), avoids float in the hashed payload
}

// Computed is the full snapshot that becomes part of the decision payload
// and ledger row (§4.C: "All fields become part of the decision payload").
type Computed struct {
	MonthStart        time.Time      `json:"month_start"`
	MonthEnd          time.Time      `json:"month_end"`
	MonthElapsedDays   int            `json:"month_elapsed_days"`
	MonthTotalDays     int            `json:"month_total_days"`
	MTDSpendUSD        money.Amount   `json:"mtd_spend_usd"`
	ObservedCostDays   int            `json:"observed_cost_days"`
	BurnRateDailyUSD   money.Amount   `json:"burn_rate_daily_usd"`
	ForecastEOMUSD     money.Amount   `json:"forecast_eom_usd"`
	Anomaly            Anomaly        `json:"anomaly"`
	RiskClass          RiskClass      `json:"risk_class"`
	RiskScoreBP        int64          `json:"risk_score_bp"` // basis points of [0,1], i.e. 0-10000
	DataSourceMode     DataSourceMode `json:"data_source_mode"`
	ContextVersion     int            `json:"context_version"`
	GeneratedAt        time.Time      `json:"generated_at"`
}

// Builder computes Computed snapshots from the external cost-history reader.
type Builder struct {
	costs collab.CostReader
}

func NewBuilder(costs collab.CostReader) *Builder {
	return &Builder{costs: costs}
}

// Build computes the deterministic snapshot for (tenant, decisionTime) per
// §4.C. planCeiling is the tier/policy plan ceiling used in the risk-score
// formula; requestedDelta and the burn rate computed here feed the same formula.
func (b *Builder) Build(ctx context.Context, tenantID string, decisionTime time.Time, planCeiling, requestedDelta money.Amount) (Computed, error) {
	monthStart := time.Date(decisionTime.Year(), decisionTime.Month(), 1, 0, 0, 0, 0, decisionTime.UTC().Location())
	monthEnd := monthStart.AddDate(0, 1, 0)
	monthTotalDays := int(monthEnd.Sub(monthStart).Hours() / 24)
	monthElapsedDays := int(decisionTime.UTC().Sub(monthStart).Hours()/24) + 1
	if monthElapsedDays > monthTotalDays {
		monthElapsedDays = monthTotalDays
	}

	days, err := b.costs.DailyCosts(ctx, tenantID, monthStart, monthEnd)

	out := Computed{
		MonthStart:     monthStart,
		MonthEnd:       monthEnd,
		MonthElapsedDays: monthElapsedDays,
		MonthTotalDays:   monthTotalDays,
		ContextVersion:   ContextVersion,
		GeneratedAt:      decisionTime,
	}

	if err != nil {
		out.DataSourceMode = DataSourceUnavailable
		out.MTDSpendUSD = money.Zero()
		out.BurnRateDailyUSD = money.Zero()
		out.ForecastEOMUSD = money.Zero()
		out.Anomaly = Anomaly{Kind: AnomalyNone}
		out.RiskClass, out.RiskScoreBP = classify(out.ForecastEOMUSD, planCeiling, 0, requestedDelta, out.BurnRateDailyUSD)
		return out, nil
	}

	if len(days) == 0 {
		out.DataSourceMode = DataSourceNone
		out.MTDSpendUSD = money.Zero()
		out.BurnRateDailyUSD = money.Zero()
		out.ForecastEOMUSD = money.Zero()
		out.Anomaly = Anomaly{Kind: AnomalyNone}
		out.RiskClass, out.RiskScoreBP = classify(out.ForecastEOMUSD, planCeiling, 0, requestedDelta, out.BurnRateDailyUSD)
		return out, nil
	}

	sort.Slice(days, func(i, j int) bool { return days[i].Date.Before(days[j].Date) })

	mtd := money.Zero()
	for _, d := range days {
		mtd = mtd.Add(d.AmountUSD)
	}
	observedDays := len(days)
	out.MTDSpendUSD = mtd
	out.ObservedCostDays = observedDays
	out.BurnRateDailyUSD = mtd.MulRat(1, int64(maxInt(observedDays, 1)))

	remainingDays := int64(monthTotalDays - monthElapsedDays)
	out.ForecastEOMUSD = mtd.Add(out.BurnRateDailyUSD.MulRat(remainingDays, 1))

	if observedDays >= monthElapsedDays {
		out.DataSourceMode = DataSourceAllStatus
	} else {
		out.DataSourceMode = DataSourcePartial
	}

	out.Anomaly = detectAnomaly(days)
	out.RiskClass, out.RiskScoreBP = classify(out.ForecastEOMUSD, planCeiling, out.Anomaly.PercentBP, requestedDelta, out.BurnRateDailyUSD)

	return out, nil
}

// detectAnomaly compares the latest day against a trimmed mean (dropping
// the single highest and lowest values) of the preceding up-to-7 days.
// Ties on equal delta break to AnomalyNone per §4.C.
func detectAnomaly(days []collab.DailyCost) Anomaly {
	if len(days) < 2 {
		return Anomaly{Kind: AnomalyNone}
	}
	latest := days[len(days)-1]
	history := days[:len(days)-1]
	if len(history) > 7 {
		history = history[len(history)-7:]
	}
	if len(history) == 0 {
		return Anomaly{Kind: AnomalyNone}
	}

	trimmedMean := trimmedMeanAmount(history)
	delta := latest.AmountUSD.Sub(trimmedMean)
	if delta.IsZero() {
		return Anomaly{Kind: AnomalyNone, DeltaUSD: delta}
	}

	var percentBP int64
	if !trimmedMean.IsZero() {
		percentBP = int64(delta.Ratio(trimmedMean) * 10000)
		if percentBP < 0 {
			percentBP = -percentBP
		}
	}

	kind := AnomalySpike
	if delta.IsNegative() {
		kind = AnomalyDrop
	}
	return Anomaly{Kind: kind, DeltaUSD: delta, PercentBP: percentBP}
}

func trimmedMeanAmount(days []collab.DailyCost) money.Amount {
	if len(days) <= 2 {
		sum := money.Zero()
		for _, d := range days {
			sum = sum.Add(d.AmountUSD)
		}
		return sum.MulRat(1, int64(len(days)))
	}
	sorted := make([]collab.DailyCost, len(days))
	copy(sorted, days)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].AmountUSD.Cmp(sorted[j].AmountUSD) < 0 })
	trimmed := sorted[1 : len(sorted)-1]
	sum := money.Zero()
	for _, d := range trimmed {
		sum = sum.Add(d.AmountUSD)
	}
	return sum.MulRat(1, int64(len(trimmed)))
}

// classify derives risk_class/risk_score as a monotonic function of
// (forecast/ceiling, anomaly percent, requested_delta/burn_rate), per the
// documented thresholds in §4.C: "high if forecast >= 90% of ceiling OR
// anomaly.percent >= 50%".
func classify(forecast, ceiling money.Amount, anomalyPercentBP int64, requestedDelta, burnRate money.Amount) (RiskClass, int64) {
	var forecastRatioBP int64
	if !ceiling.IsZero() {
		forecastRatioBP = int64(forecast.Ratio(ceiling) * 10000)
	}

	var deltaBurnRatioBP int64
	if !burnRate.IsZero() {
		deltaBurnRatioBP = int64(requestedDelta.Ratio(burnRate) * 10000)
	}

	score := forecastRatioBP
	if anomalyPercentBP > score {
		score = anomalyPercentBP
	}
	if deltaBurnRatioBP/2 > score {
		score = deltaBurnRatioBP / 2
	}
	if score > 10000 {
		score = 10000
	}
	if score < 0 {
		score = 0
	}

	switch {
	// Critical: forecast has already blown past the ceiling, or the anomaly
	// is enormous relative to history.
	case forecastRatioBP >= 12000 || anomalyPercentBP >= 10000:
		return RiskCritical, score
	// High, per §4.C's documented example: "forecast >= 90% of ceiling OR
	// anomaly.percent >= 50%".
	case forecastRatioBP >= 9000 || anomalyPercentBP >= 5000:
		return RiskHigh, score
	case forecastRatioBP >= 5000 || anomalyPercentBP >= 1500:
		return RiskMedium, score
	default:
		return RiskLow, score
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
