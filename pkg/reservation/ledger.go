package reservation

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/valdrix-ai/ecp/pkg/money"
)

var (
	// ErrInsufficientBalance is returned by Reserve when a grant's remaining
	// balance cannot cover the requested allocation amount.
	ErrInsufficientBalance = errors.New("reservation: insufficient grant balance")
	// ErrReconcileConflict is returned by Reconcile when a decision's
	// allocations are already settled or refunded and the supplied
	// idempotency key differs from the persisted one. The amount is not
	// compared.
	ErrReconcileConflict = errors.New("reservation: reconcile idempotency conflict")
	// ErrNoActiveReservation is returned by Settle/Refund/Reconcile when the
	// decision has no active (state=reserved) allocations.
	ErrNoActiveReservation = errors.New("reservation: no active reservation for decision")
)

// ReconcileResult is the outcome of a reconcile call. A replay does not
// return the first call's result: it carries only DecisionID,
// IdempotencyKey and Replayed.
type ReconcileResult struct {
	DecisionID     string
	SettledUSD     money.Amount
	RefundedUSD    money.Amount
	IdempotencyKey string
	// Replayed is true when this call matched an already-reconciled
	// decision's idempotency key rather than performing a fresh
	// settle/refund, so callers (e.g. the Reconciliation Worker, §4.I) know
	// not to append a second ledger row for the same transition.
	Replayed bool
}

// Ledger implements §4.E's four atomic operations plus the overdue sweep.
// Every method that mutates state runs inside the supplied transaction,
// because the Decision Engine (§4.F) must reserve credits, write the
// decision, and append the ledger row (§4.G) inside one DB transaction
// (§5).
type Ledger interface {
	// ListActiveGrantsForUpdate returns a tenant's grants of the given pool
	// with remaining > 0, locked FOR UPDATE, ordered by expires_at
	// ascending, then created_at ascending, then id ascending (§4.D tie
	// break).
	ListActiveGrantsForUpdate(ctx context.Context, tx *sql.Tx, tenantID string, pool PoolType) ([]CreditGrant, error)

	// Reserve atomically debits each grant's remaining balance by the
	// planned amount and inserts one 'reserved' Allocation row per
	// allocation. All-or-nothing: if any UPDATE affects zero rows (pool
	// drained out from under us), the whole call fails and the caller
	// rolls back the transaction.
	Reserve(ctx context.Context, tx *sql.Tx, decisionID, tenantID string, allocations []PlannedAllocation) error

	// Settle converts a decision's 'reserved' allocations to 'settled'. If
	// actualUSD < reserved_total, the difference is refunded to the grant
	// backing the newest allocation first.
	Settle(ctx context.Context, tx *sql.Tx, decisionID string, actualUSD money.Amount) error

	// Refund reverses all of a decision's 'reserved' allocations, restoring
	// grant balances.
	Refund(ctx context.Context, tx *sql.Tx, decisionID string) error

	// Reconcile combines settle/refund behind an idempotency key. Once a
	// decision is reconciled, a call with the persisted key is a replay
	// whatever its actualUSD: the amount is not compared with the first
	// call's. A call with any other key is ErrReconcileConflict.
	Reconcile(ctx context.Context, tx *sql.Tx, decisionID string, actualUSD money.Amount, idempotencyKey string) (ReconcileResult, error)

	// ActiveAllocations returns all active ('reserved') allocations for a
	// decision, for tests and export.
	ActiveAllocations(ctx context.Context, tx *sql.Tx, decisionID string) ([]Allocation, error)

	// AcquireNextOverdue claims one decision with an expired active
	// allocation for the Reconciliation Worker (§4.I), so concurrent workers
	// each claim distinct decisions without blocking on each other. found is
	// false when there is nothing overdue to claim.
	AcquireNextOverdue(ctx context.Context) (decisionID string, found bool, err error)

	// AllocationsForTenant returns every allocation (any state) created
	// within [from, to) for a tenant, for the Export Parity bundle's
	// reservations.csv (§4.K).
	AllocationsForTenant(ctx context.Context, tenantID string, from, to time.Time) ([]Allocation, error)

	// CreateGrant persists a new credit grant with its full initial
	// balance as remaining. Called by the `POST /credits` admin endpoint;
	// grant IDs are caller-supplied and must be unique.
	CreateGrant(ctx context.Context, g CreditGrant) error

	// ListGrantsForTenant returns every grant for a tenant across both
	// pools, unlocked and regardless of remaining balance or expiry,
	// backing the read-only `GET /credits` admin endpoint. Unlike
	// ListActiveGrantsForUpdate, it takes no transaction: it is never part
	// of a reserve/settle decision, only an inspection.
	ListGrantsForTenant(ctx context.Context, tenantID string) ([]CreditGrant, error)
}
