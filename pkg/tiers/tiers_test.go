package tiers_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/valdrix-ai/ecp/pkg/tiers"
)

func TestTiers_Get(t *testing.T) {
	tests := []struct {
		id       tiers.TierID
		expected string
	}{
		{tiers.Free, "Free"},
		{tiers.Starter, "Starter"},
		{tiers.Growth, "Growth"},
		{tiers.Pro, "Pro"},
		{tiers.Enterprise, "Enterprise"},
	}

	for _, tt := range tests {
		tier, ok := tiers.Get(tt.id)
		assert.True(t, ok)
		assert.Equal(t, tt.expected, tier.Name)
	}
}

func TestTiers_GetUnknown(t *testing.T) {
	_, ok := tiers.Get("unknown-tier")
	assert.False(t, ok)
}

func TestTiers_EnterpriseUnlimited(t *testing.T) {
	tier, _ := tiers.Get(tiers.Enterprise)
	assert.True(t, tier.Unlimited)
}

func TestTiers_PlanCeilingsAreOrdered(t *testing.T) {
	free, _ := tiers.Get(tiers.Free)
	starter, _ := tiers.Get(tiers.Starter)
	growth, _ := tiers.Get(tiers.Growth)
	pro, _ := tiers.Get(tiers.Pro)

	assert.True(t, free.PlanMonthlyCeilingUSD.Cmp(starter.PlanMonthlyCeilingUSD) < 0)
	assert.True(t, starter.PlanMonthlyCeilingUSD.Cmp(growth.PlanMonthlyCeilingUSD) < 0)
	assert.True(t, growth.PlanMonthlyCeilingUSD.Cmp(pro.PlanMonthlyCeilingUSD) < 0)
}

func TestTiers_HasFeature(t *testing.T) {
	assert.True(t, tiers.TierFree.HasFeature("basic_gate"))
	assert.False(t, tiers.TierFree.HasFeature("emergency_credits"))
	assert.True(t, tiers.TierGrowth.HasFeature("emergency_credits"))
	assert.True(t, tiers.TierEnterprise.HasFeature("custom_policy"))
}

func TestTiers_AllTiers(t *testing.T) {
	assert.Len(t, tiers.AllTiers, 5)
}
