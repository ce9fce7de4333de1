package context

import (
	"context"
	"testing"
	"time"

	"github.com/valdrix-ai/ecp/pkg/collab"
	"github.com/valdrix-ai/ecp/pkg/money"
)

type fakeCostReader struct {
	days []collab.DailyCost
	err  error
}

func (f *fakeCostReader) DailyCosts(ctx context.Context, tenantID string, from, to time.Time) ([]collab.DailyCost, error) {
	return f.days, f.err
}

func day(t time.Time, n int, usd string) collab.DailyCost {
	return collab.DailyCost{Date: t.AddDate(0, 0, n), AmountUSD: money.MustParse(usd)}
}

func TestBuildNoHistoryReturnsZerosAndModeNone(t *testing.T) {
	b := NewBuilder(&fakeCostReader{})
	decisionTime := time.Date(2026, 7, 15, 12, 0, 0, 0, time.UTC)

	out, err := b.Build(context.Background(), "t1", decisionTime, money.MustParse("5000"), money.MustParse("300"))
	if err != nil {
		t.Fatal(err)
	}
	if out.DataSourceMode != DataSourceNone {
		t.Fatalf("expected mode=none, got %s", out.DataSourceMode)
	}
	if !out.MTDSpendUSD.IsZero() || !out.ForecastEOMUSD.IsZero() {
		t.Fatal("expected zero spend/forecast with no history")
	}
}

func TestBuildDependencyUnavailable(t *testing.T) {
	b := NewBuilder(&fakeCostReader{err: context.DeadlineExceeded})
	out, err := b.Build(context.Background(), "t1", time.Now(), money.MustParse("5000"), money.MustParse("0"))
	if err != nil {
		t.Fatal(err)
	}
	if out.DataSourceMode != DataSourceUnavailable {
		t.Fatalf("expected unavailable, got %s", out.DataSourceMode)
	}
}

func TestBuildComputesForecastAndBurnRate(t *testing.T) {
	monthStart := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	decisionTime := time.Date(2026, 7, 10, 12, 0, 0, 0, time.UTC) // 10 elapsed days, 31 total
	var days []collab.DailyCost
	for i := 0; i < 9; i++ {
		days = append(days, day(monthStart, i, "100"))
	}
	b := NewBuilder(&fakeCostReader{days: days})

	out, err := b.Build(context.Background(), "t1", decisionTime, money.MustParse("5000"), money.MustParse("50"))
	if err != nil {
		t.Fatal(err)
	}
	if out.MTDSpendUSD.String() != "900.000000" {
		t.Fatalf("expected mtd=900, got %s", out.MTDSpendUSD.String())
	}
	if out.BurnRateDailyUSD.String() != "100.000000" {
		t.Fatalf("expected burn rate=100, got %s", out.BurnRateDailyUSD.String())
	}
	// forecast = 900 + 100 * (31-10) = 900 + 2100 = 3000
	if out.ForecastEOMUSD.String() != "3000.000000" {
		t.Fatalf("expected forecast=3000, got %s", out.ForecastEOMUSD.String())
	}
	if out.DataSourceMode != DataSourceAllStatus {
		t.Fatalf("expected all_status, got %s", out.DataSourceMode)
	}
}

func TestDetectAnomalySpike(t *testing.T) {
	monthStart := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	var days []collab.DailyCost
	for i := 0; i < 7; i++ {
		days = append(days, day(monthStart, i, "100"))
	}
	days = append(days, day(monthStart, 7, "1000")) // big spike on latest day

	anomaly := detectAnomaly(days)
	if anomaly.Kind != AnomalySpike {
		t.Fatalf("expected spike, got %s", anomaly.Kind)
	}
}

func TestRiskClassHighThresholdPerSpecExample(t *testing.T) {
	class, _ := classify(money.MustParse("4500"), money.MustParse("5000"), 0, money.Zero(), money.MustParse("10"))
	if class != RiskHigh {
		t.Fatalf("expected high risk at 90%% of ceiling, got %s", class)
	}
}
