package tiers

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeDirectory struct {
	tiers map[string]TierID
	calls int
}

func (f *fakeDirectory) TenantTier(ctx context.Context, tenantID string) (TierID, error) {
	f.calls++
	tier, ok := f.tiers[tenantID]
	if !ok {
		return "", errors.New("unknown tenant")
	}
	return tier, nil
}

func TestGetTenantTierCachesAndExpires(t *testing.T) {
	dir := &fakeDirectory{tiers: map[string]TierID{"t1": Growth}}
	r := NewResolver(dir)

	tier, found := r.GetTenantTier(context.Background(), "t1")
	if !found || tier != Growth {
		t.Fatalf("got tier=%s found=%v", tier, found)
	}
	if dir.calls != 1 {
		t.Fatalf("expected 1 directory call, got %d", dir.calls)
	}

	// Second call hits cache.
	tier, found = r.GetTenantTier(context.Background(), "t1")
	if !found || tier != Growth || dir.calls != 1 {
		t.Fatalf("expected cache hit, calls=%d", dir.calls)
	}
}

func TestGetTenantTierUnknownDefaultsFree(t *testing.T) {
	dir := &fakeDirectory{tiers: map[string]TierID{}}
	r := NewResolver(dir)

	tier, found := r.GetTenantTier(context.Background(), "ghost")
	if found {
		t.Fatal("expected found=false for unknown tenant")
	}
	if tier != Free {
		t.Fatalf("expected FREE default, got %s", tier)
	}
}

func TestClearTenantTierCacheForcesReload(t *testing.T) {
	dir := &fakeDirectory{tiers: map[string]TierID{"t1": Pro}}
	r := NewResolver(dir)

	r.GetTenantTier(context.Background(), "t1")
	r.ClearTenantTierCache("t1")
	dir.tiers["t1"] = Enterprise
	tier, _ := r.GetTenantTier(context.Background(), "t1")
	if tier != Enterprise {
		t.Fatalf("expected refreshed tier ENTERPRISE, got %s", tier)
	}
	if dir.calls != 2 {
		t.Fatalf("expected 2 directory calls after invalidation, got %d", dir.calls)
	}
}

func TestCacheCapacityEviction(t *testing.T) {
	dir := &fakeDirectory{tiers: map[string]TierID{}}
	for i := 0; i < CacheCapacity+10; i++ {
		dir.tiers[string(rune(i))] = Free
	}
	r := NewResolver(dir)
	for k := range dir.tiers {
		r.GetTenantTier(context.Background(), k)
	}
	if r.Len() > CacheCapacity {
		t.Fatalf("cache exceeded capacity: %d", r.Len())
	}
}

func TestCacheEntryExpiresAfterTTL(t *testing.T) {
	dir := &fakeDirectory{tiers: map[string]TierID{"t1": Growth}}
	r := NewResolver(dir)
	r.GetTenantTier(context.Background(), "t1")

	// Force expiry by rewriting the entry's expiry in the past.
	r.mu.Lock()
	el := r.entries["t1"]
	el.Value.(*cacheEntry).expiresAt = time.Now().Add(-time.Second)
	r.mu.Unlock()

	r.GetTenantTier(context.Background(), "t1")
	if dir.calls != 2 {
		t.Fatalf("expected reload after TTL expiry, calls=%d", dir.calls)
	}
}
