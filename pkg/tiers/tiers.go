// Package tiers defines the enforcement control plane's tenant tiers and
// their plan ceilings, and resolves a tenant's current tier through a
// bounded, concurrent-safe cache (§4.B).
package tiers

import "github.com/valdrix-ai/ecp/pkg/money"

// TierID identifies a tenant tier, per §3: {FREE, STARTER, GROWTH, PRO, ENTERPRISE}.
type TierID string

const (
	Free       TierID = "FREE"
	Starter    TierID = "STARTER"
	Growth     TierID = "GROWTH"
	Pro        TierID = "PRO"
	Enterprise TierID = "ENTERPRISE"
)

// Tier carries the ceilings the Entitlement Waterfall Evaluator (§4.D) reads
// at stages 1 (plan ceiling) and 5 (enterprise ceiling). PlanMonthlyCeiling
// and EnterpriseMonthlyCeiling are overridden per-tenant by the active
// Policy Document where one is configured; these are the tier defaults.
type Tier struct {
	ID                      TierID
	Name                    string
	PlanMonthlyCeilingUSD   money.Amount
	EnterpriseCeilingUSD    money.Amount
	Unlimited               bool
	Features                []string
}

var (
	TierFree = Tier{
		ID:                    Free,
		Name:                  "Free",
		PlanMonthlyCeilingUSD: money.MustParse("50.000000"),
		EnterpriseCeilingUSD:  money.MustParse("50.000000"),
		Features:              []string{"basic_gate"},
	}
	TierStarter = Tier{
		ID:                    Starter,
		Name:                  "Starter",
		PlanMonthlyCeilingUSD: money.MustParse("500.000000"),
		EnterpriseCeilingUSD:  money.MustParse("500.000000"),
		Features:              []string{"basic_gate", "reserved_credits"},
	}
	TierGrowth = Tier{
		ID:                    Growth,
		Name:                  "Growth",
		PlanMonthlyCeilingUSD: money.MustParse("5000.000000"),
		EnterpriseCeilingUSD:  money.MustParse("5000.000000"),
		Features:              []string{"basic_gate", "reserved_credits", "emergency_credits"},
	}
	TierPro = Tier{
		ID:                    Pro,
		Name:                  "Pro",
		PlanMonthlyCeilingUSD: money.MustParse("10000.000000"),
		EnterpriseCeilingUSD:  money.MustParse("25000.000000"),
		Features:              []string{"basic_gate", "reserved_credits", "emergency_credits", "approval_routing"},
	}
	TierEnterprise = Tier{
		ID:           Enterprise,
		Name:         "Enterprise",
		Unlimited:    true,
		Features:     []string{"basic_gate", "reserved_credits", "emergency_credits", "approval_routing", "custom_policy"},
	}

	// AllTiers indexes every tier by ID.
	AllTiers = map[TierID]Tier{
		Free:       TierFree,
		Starter:    TierStarter,
		Growth:     TierGrowth,
		Pro:        TierPro,
		Enterprise: TierEnterprise,
	}
)

// Get returns a tier by ID, or (zero, false) if unknown.
func Get(id TierID) (Tier, bool) {
	t, ok := AllTiers[id]
	return t, ok
}

// HasFeature checks if a tier has a specific feature.
func (t Tier) HasFeature(feature string) bool {
	for _, f := range t.Features {
		if f == feature {
			return true
		}
	}
	return false
}
