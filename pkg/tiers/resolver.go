package tiers

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"
)

// CacheTTL and CacheCapacity implement §4.B: "bounded TTL cache (60s, 4096
// entries, LRU eviction, concurrent-safe)".
const (
	CacheTTL      = 60 * time.Second
	CacheCapacity = 4096
)

// Directory is the external tenant→tier collaborator (§1: "a tenant
// directory (tenant→tier resolution)" is an external collaborator, out of
// scope for this core). The resolver wraps whatever directory is wired in
// with the bounded cache.
type Directory interface {
	TenantTier(ctx context.Context, tenantID string) (TierID, error)
}

type cacheEntry struct {
	tenantID  string
	tier      TierID
	expiresAt time.Time
}

// Resolver implements §4.B's `get_tenant_tier` contract: a single
// synchronous resolution path backed by a concurrent-safe, capacity- and
// TTL-bounded LRU cache. No third-party LRU library appears anywhere in the
// reference dependency set (none of the example repositories import one),
// so this bounded cache is hand-rolled on container/list + map — see
// DESIGN.md for the justification this is required to record.
type Resolver struct {
	dir Directory

	mu      sync.Mutex
	ll      *list.List // front = most recently used
	entries map[string]*list.Element
}

func NewResolver(dir Directory) *Resolver {
	return &Resolver{
		dir:     dir,
		ll:      list.New(),
		entries: make(map[string]*list.Element),
	}
}

// GetTenantTier resolves a tenant's tier. Unknown tenants default to FREE
// and the caller should record a warning metric (left to the HTTP layer so
// this package stays free of a metrics dependency).
func (r *Resolver) GetTenantTier(ctx context.Context, tenantID string) (TierID, bool) {
	if tier, ok := r.cacheGet(tenantID); ok {
		return tier, true
	}

	tier, err := r.dir.TenantTier(ctx, tenantID)
	if err != nil {
		slog.Warn("tiers: tenant directory lookup failed, defaulting to FREE", "tenant_id", tenantID, "error", err)
		return Free, false
	}
	if _, ok := Get(tier); !ok {
		slog.Warn("tiers: tenant directory returned unknown tier, defaulting to FREE", "tenant_id", tenantID, "tier", tier)
		tier = Free
	}
	r.cachePut(tenantID, tier)
	return tier, true
}

// ClearTenantTierCache invalidates a single tenant's cached entry, called
// after any plan sync per §4.B.
func (r *Resolver) ClearTenantTierCache(tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if el, ok := r.entries[tenantID]; ok {
		r.ll.Remove(el)
		delete(r.entries, tenantID)
	}
}

func (r *Resolver) cacheGet(tenantID string) (TierID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	el, ok := r.entries[tenantID]
	if !ok {
		return "", false
	}
	entry := el.Value.(*cacheEntry)
	if time.Now().After(entry.expiresAt) {
		r.ll.Remove(el)
		delete(r.entries, tenantID)
		return "", false
	}
	r.ll.MoveToFront(el)
	return entry.tier, true
}

func (r *Resolver) cachePut(tenantID string, tier TierID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if el, ok := r.entries[tenantID]; ok {
		el.Value.(*cacheEntry).tier = tier
		el.Value.(*cacheEntry).expiresAt = time.Now().Add(CacheTTL)
		r.ll.MoveToFront(el)
		return
	}

	el := r.ll.PushFront(&cacheEntry{
		tenantID:  tenantID,
		tier:      tier,
		expiresAt: time.Now().Add(CacheTTL),
	})
	r.entries[tenantID] = el

	for r.ll.Len() > CacheCapacity {
		oldest := r.ll.Back()
		if oldest == nil {
			break
		}
		r.ll.Remove(oldest)
		delete(r.entries, oldest.Value.(*cacheEntry).tenantID)
	}
}

// Len reports the current cache size, for tests and metrics.
func (r *Resolver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ll.Len()
}
