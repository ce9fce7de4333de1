package reservation

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/valdrix-ai/ecp/pkg/money"
)

// MemLedger is an in-process Ledger used by tests and local/dev mode. It
// ignores the *sql.Tx argument entirely (present only to satisfy the Ledger
// interface shared with PostgresLedger) and serializes access with a mutex
// instead of row locks.
type MemLedger struct {
	mu              sync.Mutex
	grants          map[string]*CreditGrant
	allocations     map[string][]*Allocation // decisionID -> allocations
	idempotencyKeys map[string]string        // decisionID -> last reconcile key
}

func NewMemLedger() *MemLedger {
	return &MemLedger{
		grants:          make(map[string]*CreditGrant),
		allocations:     make(map[string][]*Allocation),
		idempotencyKeys: make(map[string]string),
	}
}

// PutGrant seeds or replaces a grant, for test setup.
func (l *MemLedger) PutGrant(g CreditGrant) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := g
	l.grants[g.ID] = &cp
}

// CreateGrant persists a new credit grant. Unlike PutGrant it rejects a
// duplicate ID rather than silently overwriting, matching the unique
// primary key PostgresLedger.CreateGrant enforces.
func (l *MemLedger) CreateGrant(ctx context.Context, g CreditGrant) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.grants[g.ID]; exists {
		return fmt.Errorf("reservation: grant %q already exists", g.ID)
	}
	cp := g
	l.grants[g.ID] = &cp
	return nil
}

// ListGrantsForTenant returns every grant for a tenant across both pools,
// regardless of remaining balance or expiry, ordered by created_at.
func (l *MemLedger) ListGrantsForTenant(ctx context.Context, tenantID string) ([]CreditGrant, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []CreditGrant
	for _, g := range l.grants {
		if g.TenantID == tenantID {
			out = append(out, *g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (l *MemLedger) ListActiveGrantsForUpdate(ctx context.Context, tx *sql.Tx, tenantID string, pool PoolType) ([]CreditGrant, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []CreditGrant
	for _, g := range l.grants {
		if g.TenantID == tenantID && g.PoolType == pool && !g.RemainingUSD.IsZero() && !g.RemainingUSD.IsNegative() {
			out = append(out, *g)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(out[j].ExpiresAt)
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (l *MemLedger) Reserve(ctx context.Context, tx *sql.Tx, decisionID, tenantID string, allocations []PlannedAllocation) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for _, alloc := range allocations {
		g, ok := l.grants[alloc.GrantID]
		if !ok || g.RemainingUSD.Cmp(alloc.AmountUSD) < 0 {
			return ErrInsufficientBalance
		}
	}
	for _, alloc := range allocations {
		g := l.grants[alloc.GrantID]
		g.RemainingUSD = g.RemainingUSD.Sub(alloc.AmountUSD)
		l.allocations[decisionID] = append(l.allocations[decisionID], &Allocation{
			DecisionID: decisionID,
			TenantID:   tenantID,
			GrantID:    alloc.GrantID,
			PoolType:   alloc.PoolType,
			AmountUSD:  alloc.AmountUSD,
			State:      StateReserved,
			ExpiresAt:  g.ExpiresAt,
			CreatedAt:  now,
		})
	}
	return nil
}

func (l *MemLedger) ActiveAllocations(ctx context.Context, tx *sql.Tx, decisionID string) ([]Allocation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Allocation
	for _, a := range l.allocations[decisionID] {
		if a.State == StateReserved {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (l *MemLedger) Settle(ctx context.Context, tx *sql.Tx, decisionID string, actualUSD money.Amount) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	active := l.activeLocked(decisionID)
	if len(active) == 0 {
		return ErrNoActiveReservation
	}

	reservedTotal := money.Zero()
	for _, a := range active {
		reservedTotal = reservedTotal.Add(a.AmountUSD)
	}
	for _, a := range active {
		a.State = StateSettled
	}

	if actualUSD.Cmp(reservedTotal) < 0 {
		remainder := reservedTotal.Sub(actualUSD)
		sort.Slice(active, func(i, j int) bool { return active[i].CreatedAt.After(active[j].CreatedAt) })
		for _, a := range active {
			if remainder.IsZero() {
				break
			}
			refundAmt := a.AmountUSD
			if refundAmt.Cmp(remainder) > 0 {
				refundAmt = remainder
			}
			if g, ok := l.grants[a.GrantID]; ok {
				g.RemainingUSD = g.RemainingUSD.Add(refundAmt)
			}
			remainder = remainder.Sub(refundAmt)
		}
	}
	return nil
}

func (l *MemLedger) Refund(ctx context.Context, tx *sql.Tx, decisionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	active := l.activeLocked(decisionID)
	if len(active) == 0 {
		return ErrNoActiveReservation
	}
	for _, a := range active {
		if g, ok := l.grants[a.GrantID]; ok {
			g.RemainingUSD = g.RemainingUSD.Add(a.AmountUSD)
		}
		a.State = StateRefunded
	}
	return nil
}

func (l *MemLedger) Reconcile(ctx context.Context, tx *sql.Tx, decisionID string, actualUSD money.Amount, idempotencyKey string) (ReconcileResult, error) {
	l.mu.Lock()
	all := l.allocations[decisionID]
	l.mu.Unlock()

	if len(all) == 0 {
		return ReconcileResult{}, ErrNoActiveReservation
	}

	l.mu.Lock()
	anyReserved := false
	for _, a := range all {
		if a.State == StateReserved {
			anyReserved = true
			break
		}
	}
	l.mu.Unlock()

	if !anyReserved {
		l.mu.Lock()
		key := l.idempotencyKeys[decisionID]
		l.mu.Unlock()
		if key == idempotencyKey {
			return ReconcileResult{DecisionID: decisionID, IdempotencyKey: idempotencyKey, Replayed: true}, nil
		}
		return ReconcileResult{}, ErrReconcileConflict
	}

	var err error
	if actualUSD.IsZero() {
		err = l.Refund(ctx, tx, decisionID)
	} else {
		err = l.Settle(ctx, tx, decisionID, actualUSD)
	}
	if err != nil {
		return ReconcileResult{}, err
	}

	l.mu.Lock()
	l.idempotencyKeys[decisionID] = idempotencyKey
	l.mu.Unlock()

	return ReconcileResult{DecisionID: decisionID, SettledUSD: actualUSD, IdempotencyKey: idempotencyKey}, nil
}

// AcquireNextOverdue finds the earliest-expiring decision with a reserved
// allocation past its expires_at and bumps that allocation's expiry forward
// as a claim marker, mirroring PostgresLedger's SKIP LOCKED claim without
// needing real row locks since the mutex already serializes access.
func (l *MemLedger) AcquireNextOverdue(ctx context.Context) (decisionID string, found bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	var claimed *Allocation
	for did, allocs := range l.allocations {
		for _, a := range allocs {
			if a.State != StateReserved || !a.ExpiresAt.Before(now) {
				continue
			}
			if claimed == nil || a.ExpiresAt.Before(claimed.ExpiresAt) {
				claimed = a
				decisionID = did
			}
		}
	}
	if claimed == nil {
		return "", false, nil
	}
	claimed.ExpiresAt = now.Add(30 * time.Second)
	return decisionID, true, nil
}

func (l *MemLedger) AllocationsForTenant(ctx context.Context, tenantID string, from, to time.Time) ([]Allocation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Allocation
	for _, allocs := range l.allocations {
		for _, a := range allocs {
			if a.TenantID == tenantID && !a.CreatedAt.Before(from) && a.CreatedAt.Before(to) {
				out = append(out, *a)
			}
		}
	}
	return out, nil
}

// activeLocked must be called with l.mu held.
func (l *MemLedger) activeLocked(decisionID string) []*Allocation {
	var out []*Allocation
	for _, a := range l.allocations[decisionID] {
		if a.State == StateReserved {
			out = append(out, a)
		}
	}
	return out
}
