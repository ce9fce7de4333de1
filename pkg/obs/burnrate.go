package obs

import (
	"sync"
	"time"
)

// observation is a single gate-decision outcome fed to the burn-rate
// tracker: whether it counted against the 99.9% error budget (a
// FAIL_SAFE_* decision, a lock timeout, or a dependency failure) or not.
type observation struct {
	timestamp time.Time
	bad       bool
}

// BurnRatios is the four-window snapshot named in §4.L.
type BurnRatios struct {
	Ratio5m  float64
	Ratio30m float64
	Ratio1h  float64
	Ratio6h  float64
}

// targetErrorRate is 1 - 99.9%, the error budget the burn ratios are
// computed against (§4.L's alert thresholds are defined relative to a
// 99.9% budget).
const targetErrorRate = 0.001

// BurnRateTracker computes the §4.L multi-window error-budget burn ratio
// over gate outcomes: how many multiples of the allowed error rate the
// observed bad-outcome rate represents in each window. A ratio of 1.0
// means the budget is being burned exactly on schedule; 14.4 means the
// budget would be exhausted in 1/14.4 of the SLO period.
type BurnRateTracker struct {
	mu           sync.Mutex
	observations []observation
	clock        func() time.Time
}

func NewBurnRateTracker() *BurnRateTracker {
	return &BurnRateTracker{clock: time.Now}
}

// WithClock overrides the clock, for deterministic tests.
func (t *BurnRateTracker) WithClock(clock func() time.Time) *BurnRateTracker {
	t.clock = clock
	return t
}

// Record records one gate outcome. bad is true for any outcome that counts
// against the error budget: FAIL_SAFE_*, LockTimeout, DependencyUnavailable.
func (t *BurnRateTracker) Record(bad bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock()
	t.observations = append(t.observations, observation{timestamp: now, bad: bad})

	cutoff := now.Add(-6 * time.Hour)
	i := 0
	for i < len(t.observations) && t.observations[i].timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		t.observations = t.observations[i:]
	}
}

func (t *BurnRateTracker) ratioForWindow(now time.Time, window time.Duration) float64 {
	start := now.Add(-window)
	var total, bad int
	for _, o := range t.observations {
		if o.timestamp.After(start) {
			total++
			if o.bad {
				bad++
			}
		}
	}
	if total == 0 {
		return 0
	}
	observedRate := float64(bad) / float64(total)
	return observedRate / targetErrorRate
}

// Ratios computes the current four-window burn ratio snapshot.
func (t *BurnRateTracker) Ratios() BurnRatios {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock()
	return BurnRatios{
		Ratio5m:  t.ratioForWindow(now, 5*time.Minute),
		Ratio30m: t.ratioForWindow(now, 30*time.Minute),
		Ratio1h:  t.ratioForWindow(now, time.Hour),
		Ratio6h:  t.ratioForWindow(now, 6*time.Hour),
	}
}

// Severity is the alert classification for a burn-rate breach.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert evaluates the current ratios against the §4.L multi-window
// thresholds: fast burn (1h window backed by the 5m window, 14.4x) is
// critical; slow burn (6h window backed by the 30m window, 6x) is warning.
// Both windows of a pair must breach together, the standard multi-window
// technique for suppressing single-window noise spikes.
func (t *BurnRateTracker) Alert() Severity {
	r := t.Ratios()
	if r.Ratio1h >= 14.4 && r.Ratio5m >= 14.4 {
		return SeverityCritical
	}
	if r.Ratio6h >= 6.0 && r.Ratio30m >= 6.0 {
		return SeverityWarning
	}
	return SeverityNone
}
