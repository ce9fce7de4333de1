package throttle

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemStoreAllowsWithinBurstThenRejects(t *testing.T) {
	store := NewMemStore()
	policy := Policy{PerMinuteCap: 60, Burst: 2}

	ok, err := store.Allow(context.Background(), "tenant-a", policy, 1)
	if err != nil || !ok {
		t.Fatalf("expected first request allowed, got ok=%v err=%v", ok, err)
	}
	ok, err = store.Allow(context.Background(), "tenant-a", policy, 1)
	if err != nil || !ok {
		t.Fatalf("expected second request allowed (burst=2), got ok=%v err=%v", ok, err)
	}
	ok, err = store.Allow(context.Background(), "tenant-a", policy, 1)
	if err != nil || ok {
		t.Fatalf("expected third request rejected once burst is exhausted, got ok=%v err=%v", ok, err)
	}
}

func TestMemStoreTracksActorsIndependently(t *testing.T) {
	store := NewMemStore()
	policy := Policy{PerMinuteCap: 60, Burst: 1}

	if ok, _ := store.Allow(context.Background(), "tenant-a", policy, 1); !ok {
		t.Fatalf("tenant-a should be allowed")
	}
	if ok, _ := store.Allow(context.Background(), "tenant-b", policy, 1); !ok {
		t.Fatalf("tenant-b should be allowed independently of tenant-a's exhausted bucket")
	}
}

func TestMemStoreEvictsStaleVisitors(t *testing.T) {
	store := NewMemStore()
	policy := Policy{PerMinuteCap: 60, Burst: 1}
	_, _ = store.Allow(context.Background(), "tenant-a", policy, 1)

	store.Evict(0)

	store.mu.Lock()
	_, exists := store.visitors["tenant-a"]
	store.mu.Unlock()
	if exists {
		t.Fatalf("expected stale visitor to be evicted")
	}
}

func TestGateRejectsOnTenantCapBeforeConsultingGlobal(t *testing.T) {
	tenantStore := NewMemStore()
	globalStore := NewMemStore()
	tenantPolicy := Policy{PerMinuteCap: 60, Burst: 1}
	globalPolicy := Policy{PerMinuteCap: 6000, Burst: 100}

	gate := NewGate(tenantStore, globalStore, tenantPolicy, globalPolicy, true)

	if err := gate.Allow(context.Background(), "tenant-a"); err != nil {
		t.Fatalf("first request should be allowed: %v", err)
	}

	err := gate.Allow(context.Background(), "tenant-a")
	var throttled *ErrThrottled
	if !errors.As(err, &throttled) {
		t.Fatalf("expected ErrThrottled, got %v", err)
	}
	if throttled.Reason != ReasonTenantCap {
		t.Fatalf("expected tenant cap rejection, got %s", throttled.Reason)
	}

	globalStore.mu.Lock()
	_, globalTouched := globalStore.visitors[globalActorID]
	globalStore.mu.Unlock()
	if globalTouched {
		t.Fatalf("global bucket should not be consulted once the tenant bucket rejects")
	}
}

func TestGateRejectsOnGlobalCapWhenGuardEnabled(t *testing.T) {
	tenantStore := NewMemStore()
	globalStore := NewMemStore()
	tenantPolicy := Policy{PerMinuteCap: 6000, Burst: 100}
	globalPolicy := Policy{PerMinuteCap: 60, Burst: 1}

	gate := NewGate(tenantStore, globalStore, tenantPolicy, globalPolicy, true)

	if err := gate.Allow(context.Background(), "tenant-a"); err != nil {
		t.Fatalf("first request should be allowed: %v", err)
	}

	err := gate.Allow(context.Background(), "tenant-b")
	var throttled *ErrThrottled
	if !errors.As(err, &throttled) {
		t.Fatalf("expected ErrThrottled from global bucket, got %v", err)
	}
	if throttled.Reason != ReasonGlobalCap {
		t.Fatalf("expected global cap rejection, got %s", throttled.Reason)
	}
}

func TestGateSkipsGlobalBucketWhenGuardDisabled(t *testing.T) {
	tenantStore := NewMemStore()
	globalStore := NewMemStore()
	tenantPolicy := Policy{PerMinuteCap: 6000, Burst: 100}
	globalPolicy := Policy{PerMinuteCap: 1, Burst: 1}

	gate := NewGate(tenantStore, globalStore, tenantPolicy, globalPolicy, false)

	for i := 0; i < 5; i++ {
		if err := gate.Allow(context.Background(), "tenant-a"); err != nil {
			t.Fatalf("request %d should be allowed with global guard disabled: %v", i, err)
		}
	}
}

func TestMemStoreRefillsOverTime(t *testing.T) {
	store := NewMemStore()
	policy := Policy{PerMinuteCap: 6000, Burst: 1}

	if ok, _ := store.Allow(context.Background(), "tenant-a", policy, 1); !ok {
		t.Fatalf("first request should be allowed")
	}
	time.Sleep(50 * time.Millisecond)
	if ok, _ := store.Allow(context.Background(), "tenant-a", policy, 1); !ok {
		t.Fatalf("expected bucket to have refilled at 100 tokens/sec after 50ms")
	}
}
