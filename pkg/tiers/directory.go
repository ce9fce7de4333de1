package tiers

import (
	"context"
	"encoding/json"
	"os"
	"sync"
)

// StaticDirectory is the default Directory: a fixed in-memory tenant→tier
// map, seeded once at startup. Mirrors pkg/collab's
// StaticIdentityProvider/LoadStaticIdentityProviderFromFile pattern — a
// real deployment typically replaces this with an adapter over the actual
// tenant/billing system (§1: tenant directory is an external collaborator
// this core only consumes).
type StaticDirectory struct {
	mu    sync.RWMutex
	tiers map[string]TierID
}

func NewStaticDirectory(tiers map[string]TierID) *StaticDirectory {
	if tiers == nil {
		tiers = make(map[string]TierID)
	}
	return &StaticDirectory{tiers: tiers}
}

// LoadStaticDirectoryFromFile reads a JSON file of the shape
// {"tenant_id": "GROWTH", ...} into a StaticDirectory. A missing path is
// not an error: it returns an empty directory, under which every tenant
// resolves to the §4.B default of FREE.
func LoadStaticDirectoryFromFile(path string) (*StaticDirectory, error) {
	if path == "" {
		return NewStaticDirectory(nil), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewStaticDirectory(nil), nil
		}
		return nil, err
	}

	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	tiers := make(map[string]TierID, len(raw))
	for tenantID, v := range raw {
		tiers[tenantID] = TierID(v)
	}
	return NewStaticDirectory(tiers), nil
}

func (d *StaticDirectory) TenantTier(ctx context.Context, tenantID string) (TierID, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if tier, ok := d.tiers[tenantID]; ok {
		return tier, nil
	}
	return Free, nil
}

// SetTenantTier is how a plan-sync webhook would update this directory
// in a deployment that doesn't front it with a real tenant/billing
// system; callers must also invoke Resolver.ClearTenantTierCache after a
// write so the change is observed before the 60s TTL would otherwise
// expire it (§4.B).
func (d *StaticDirectory) SetTenantTier(tenantID string, tier TierID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tiers[tenantID] = tier
}
