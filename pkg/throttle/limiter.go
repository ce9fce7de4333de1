// Package throttle implements the per-tenant and global gate limiter
// (§4.L): a token bucket per tenant, plus one global bucket across all
// tenants guarding ENFORCEMENT_GLOBAL_GATE_PER_MINUTE_CAP, so no single
// tenant can starve the rest.
package throttle

import (
	"context"
	"fmt"
)

// Policy is the token bucket shape for one limiter scope (a tenant or the
// global bucket): RPM tokens refill per minute up to Burst capacity.
type Policy struct {
	PerMinuteCap int
	Burst        int
}

// Store abstracts the bucket backend so the same Gate can run against an
// in-process map (single instance/tests) or Redis (multi-process).
type Store interface {
	// Allow reports whether actorID may spend cost tokens against policy
	// right now, consuming them if so.
	Allow(ctx context.Context, actorID string, policy Policy, cost int) (bool, error)
}

// globalActorID is the fixed bucket key for the cross-tenant global limiter
// (§4.L: "Additional global bucket across all tenants").
const globalActorID = "__global__"

// Gate combines a per-tenant Store and a global Store and enforces both:
// a request must pass its tenant's bucket AND the shared global bucket.
// Either breach returns a distinct reason so callers can emit the correct
// gate_decisions_total reason code (§4.L).
type Gate struct {
	perTenant    Store
	global       Store
	tenantPolicy Policy
	globalPolicy Policy
	globalGuard  bool // ENFORCEMENT_GLOBAL_ABUSE_GUARD_ENABLED
}

// NewGate builds a Gate. globalGuard mirrors
// ENFORCEMENT_GLOBAL_ABUSE_GUARD_ENABLED: when false, the global bucket is
// never consulted and only the per-tenant limit applies.
func NewGate(perTenant, global Store, tenantPolicy, globalPolicy Policy, globalGuard bool) *Gate {
	return &Gate{
		perTenant:    perTenant,
		global:       global,
		tenantPolicy: tenantPolicy,
		globalPolicy: globalPolicy,
		globalGuard:  globalGuard,
	}
}

// Reason identifies which bucket rejected a request.
type Reason string

const (
	ReasonTenantCap Reason = "tenant_per_minute_cap"
	ReasonGlobalCap Reason = "global_per_minute_cap"
)

// ErrThrottled is returned by Allow when either bucket rejects the request.
type ErrThrottled struct {
	Reason Reason
}

func (e *ErrThrottled) Error() string {
	return fmt.Sprintf("throttle: rejected by %s", e.Reason)
}

// Allow checks the per-tenant bucket first (cheapest, always consulted),
// then the global bucket if the abuse guard is enabled. A tenant-cap
// rejection never touches the global bucket, so a throttled tenant can't
// also drain shared capacity.
func (g *Gate) Allow(ctx context.Context, tenantID string) error {
	ok, err := g.perTenant.Allow(ctx, tenantID, g.tenantPolicy, 1)
	if err != nil {
		return fmt.Errorf("throttle: tenant bucket: %w", err)
	}
	if !ok {
		return &ErrThrottled{Reason: ReasonTenantCap}
	}

	if !g.globalGuard {
		return nil
	}

	ok, err = g.global.Allow(ctx, globalActorID, g.globalPolicy, 1)
	if err != nil {
		return fmt.Errorf("throttle: global bucket: %w", err)
	}
	if !ok {
		return &ErrThrottled{Reason: ReasonGlobalCap}
	}
	return nil
}
