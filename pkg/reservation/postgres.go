package reservation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	_ "github.com/lib/pq"

	"github.com/valdrix-ai/ecp/pkg/money"
)

// PostgresLedger is the SQL-backed Ledger, grounded on the row-locking
// idiom used by the reference tracker's Consume(): a SELECT ... FOR UPDATE
// within the caller-supplied transaction, followed by a conditional UPDATE
// that can never drive a grant's remaining balance negative.
type PostgresLedger struct {
	db *sql.DB
}

func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

const reservationSchema = `
CREATE TABLE IF NOT EXISTS credit_grants (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	pool_type TEXT NOT NULL,
	initial_amount_usd NUMERIC(20,6) NOT NULL,
	remaining_usd NUMERIC(20,6) NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_credit_grants_tenant_pool ON credit_grants (tenant_id, pool_type);

CREATE TABLE IF NOT EXISTS reservation_allocations (
	decision_id TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	grant_id TEXT NOT NULL REFERENCES credit_grants(id),
	pool_type TEXT NOT NULL,
	amount_usd NUMERIC(20,6) NOT NULL,
	state TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	idempotency_key TEXT,
	PRIMARY KEY (decision_id, grant_id)
);
CREATE INDEX IF NOT EXISTS idx_reservation_state_expiry ON reservation_allocations (state, expires_at);
CREATE INDEX IF NOT EXISTS idx_reservation_tenant_created ON reservation_allocations (tenant_id, created_at);
`

func (l *PostgresLedger) Init(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, reservationSchema)
	return err
}

// ListGrantsForTenant returns every grant for a tenant across both pools,
// unlocked, for the read-only `GET /credits` admin endpoint.
func (l *PostgresLedger) ListGrantsForTenant(ctx context.Context, tenantID string) ([]CreditGrant, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, tenant_id, pool_type, initial_amount_usd, remaining_usd, expires_at, created_at
		 FROM credit_grants
		 WHERE tenant_id = $1
		 ORDER BY created_at ASC`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("reservation: list grants for tenant: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var grants []CreditGrant
	for rows.Next() {
		var g CreditGrant
		var poolType string
		if err := rows.Scan(&g.ID, &g.TenantID, &poolType, &g.InitialAmountUSD, &g.RemainingUSD, &g.ExpiresAt, &g.CreatedAt); err != nil {
			return nil, err
		}
		g.PoolType = PoolType(poolType)
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

func (l *PostgresLedger) ListActiveGrantsForUpdate(ctx context.Context, tx *sql.Tx, tenantID string, pool PoolType) ([]CreditGrant, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, tenant_id, pool_type, initial_amount_usd, remaining_usd, expires_at, created_at
		 FROM credit_grants
		 WHERE tenant_id = $1 AND pool_type = $2 AND remaining_usd > 0
		 ORDER BY expires_at ASC, created_at ASC, id ASC
		 FOR UPDATE`,
		tenantID, string(pool))
	if err != nil {
		return nil, fmt.Errorf("reservation: list active grants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var grants []CreditGrant
	for rows.Next() {
		var g CreditGrant
		var poolType string
		if err := rows.Scan(&g.ID, &g.TenantID, &poolType, &g.InitialAmountUSD, &g.RemainingUSD, &g.ExpiresAt, &g.CreatedAt); err != nil {
			return nil, err
		}
		g.PoolType = PoolType(poolType)
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// Reserve debits each grant and inserts an allocation row. It relies on
// ListActiveGrantsForUpdate already holding row locks on the grants in this
// transaction; the UPDATE's WHERE clause is still guarded by remaining >=
// amount so a caller that reserves without first locking still cannot drive
// a balance negative.
func (l *PostgresLedger) Reserve(ctx context.Context, tx *sql.Tx, decisionID, tenantID string, allocations []PlannedAllocation) error {
	now := time.Now()
	for _, alloc := range allocations {
		res, err := tx.ExecContext(ctx,
			`UPDATE credit_grants SET remaining_usd = remaining_usd - $1
			 WHERE id = $2 AND remaining_usd >= $1`,
			alloc.AmountUSD, alloc.GrantID)
		if err != nil {
			return fmt.Errorf("reservation: debit grant %s: %w", alloc.GrantID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return fmt.Errorf("%w: grant %s", ErrInsufficientBalance, alloc.GrantID)
		}

		var expiresAt time.Time
		if err := tx.QueryRowContext(ctx, `SELECT expires_at FROM credit_grants WHERE id = $1`, alloc.GrantID).Scan(&expiresAt); err != nil {
			return fmt.Errorf("reservation: read grant expiry %s: %w", alloc.GrantID, err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO reservation_allocations (decision_id, tenant_id, grant_id, pool_type, amount_usd, state, expires_at, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			decisionID, tenantID, alloc.GrantID, string(alloc.PoolType), alloc.AmountUSD, string(StateReserved), expiresAt, now,
		); err != nil {
			return fmt.Errorf("reservation: insert allocation: %w", err)
		}
	}
	return nil
}

func (l *PostgresLedger) ActiveAllocations(ctx context.Context, tx *sql.Tx, decisionID string) ([]Allocation, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT decision_id, tenant_id, grant_id, pool_type, amount_usd, state, expires_at, created_at
		 FROM reservation_allocations WHERE decision_id = $1 AND state = $2 ORDER BY created_at ASC`,
		decisionID, string(StateReserved))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Allocation
	for rows.Next() {
		var a Allocation
		var poolType, state string
		if err := rows.Scan(&a.DecisionID, &a.TenantID, &a.GrantID, &poolType, &a.AmountUSD, &state, &a.ExpiresAt, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.PoolType = PoolType(poolType)
		a.State = AllocationState(state)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (l *PostgresLedger) AllocationsForTenant(ctx context.Context, tenantID string, from, to time.Time) ([]Allocation, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT decision_id, tenant_id, grant_id, pool_type, amount_usd, state, expires_at, created_at
		 FROM reservation_allocations WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3 ORDER BY created_at ASC`,
		tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("reservation: list allocations by tenant: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Allocation
	for rows.Next() {
		var a Allocation
		var poolType, state string
		if err := rows.Scan(&a.DecisionID, &a.TenantID, &a.GrantID, &poolType, &a.AmountUSD, &state, &a.ExpiresAt, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.PoolType = PoolType(poolType)
		a.State = AllocationState(state)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (l *PostgresLedger) CreateGrant(ctx context.Context, g CreditGrant) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO credit_grants (id, tenant_id, pool_type, initial_amount_usd, remaining_usd, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		g.ID, g.TenantID, string(g.PoolType), g.InitialAmountUSD, g.RemainingUSD, g.ExpiresAt, g.CreatedAt)
	if err != nil {
		return fmt.Errorf("reservation: create grant: %w", err)
	}
	return nil
}

func (l *PostgresLedger) Settle(ctx context.Context, tx *sql.Tx, decisionID string, actualUSD money.Amount) error {
	allocations, err := l.ActiveAllocations(ctx, tx, decisionID)
	if err != nil {
		return err
	}
	if len(allocations) == 0 {
		return ErrNoActiveReservation
	}

	reservedTotal := money.Zero()
	for _, a := range allocations {
		reservedTotal = reservedTotal.Add(a.AmountUSD)
	}

	// Settle every allocation as 'settled' first.
	for _, a := range allocations {
		if _, err := tx.ExecContext(ctx,
			`UPDATE reservation_allocations SET state = $1 WHERE decision_id = $2 AND grant_id = $3`,
			string(StateSettled), decisionID, a.GrantID,
		); err != nil {
			return fmt.Errorf("reservation: settle allocation: %w", err)
		}
	}

	// If actual < reserved, refund the difference to the newest allocation
	// first (§4.E).
	if actualUSD.Cmp(reservedTotal) < 0 {
		remainder := reservedTotal.Sub(actualUSD)
		sort.Slice(allocations, func(i, j int) bool { return allocations[i].CreatedAt.After(allocations[j].CreatedAt) })
		for _, a := range allocations {
			if remainder.IsZero() {
				break
			}
			refundAmt := a.AmountUSD
			if refundAmt.Cmp(remainder) > 0 {
				refundAmt = remainder
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE credit_grants SET remaining_usd = remaining_usd + $1 WHERE id = $2`,
				refundAmt, a.GrantID,
			); err != nil {
				return fmt.Errorf("reservation: refund remainder: %w", err)
			}
			remainder = remainder.Sub(refundAmt)
		}
	}
	return nil
}

func (l *PostgresLedger) Refund(ctx context.Context, tx *sql.Tx, decisionID string) error {
	allocations, err := l.ActiveAllocations(ctx, tx, decisionID)
	if err != nil {
		return err
	}
	if len(allocations) == 0 {
		return ErrNoActiveReservation
	}
	for _, a := range allocations {
		if _, err := tx.ExecContext(ctx,
			`UPDATE credit_grants SET remaining_usd = remaining_usd + $1 WHERE id = $2`,
			a.AmountUSD, a.GrantID,
		); err != nil {
			return fmt.Errorf("reservation: restore grant balance: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE reservation_allocations SET state = $1 WHERE decision_id = $2 AND grant_id = $3`,
			string(StateRefunded), decisionID, a.GrantID,
		); err != nil {
			return fmt.Errorf("reservation: mark refunded: %w", err)
		}
	}
	return nil
}

func (l *PostgresLedger) Reconcile(ctx context.Context, tx *sql.Tx, decisionID string, actualUSD money.Amount, idempotencyKey string) (ReconcileResult, error) {
	var priorKey sql.NullString
	var priorState string
	err := tx.QueryRowContext(ctx,
		`SELECT state, idempotency_key FROM reservation_allocations WHERE decision_id = $1 LIMIT 1`,
		decisionID,
	).Scan(&priorState, &priorKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ReconcileResult{}, ErrNoActiveReservation
		}
		return ReconcileResult{}, err
	}

	if priorState != string(StateReserved) {
		// Already inactive: idempotent replay check.
		if priorKey.Valid && priorKey.String == idempotencyKey {
			return ReconcileResult{DecisionID: decisionID, IdempotencyKey: idempotencyKey, Replayed: true}, nil
		}
		return ReconcileResult{}, ErrReconcileConflict
	}

	if actualUSD.IsZero() {
		if err := l.Refund(ctx, tx, decisionID); err != nil {
			return ReconcileResult{}, err
		}
	} else {
		if err := l.Settle(ctx, tx, decisionID, actualUSD); err != nil {
			return ReconcileResult{}, err
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE reservation_allocations SET idempotency_key = $1 WHERE decision_id = $2`,
		idempotencyKey, decisionID,
	); err != nil {
		return ReconcileResult{}, err
	}

	return ReconcileResult{DecisionID: decisionID, SettledUSD: actualUSD, IdempotencyKey: idempotencyKey}, nil
}

// AcquireNextOverdue claims one expired active reservation using
// SELECT ... FOR UPDATE SKIP LOCKED, so concurrent reconciliation workers
// each claim distinct rows without blocking on each other (§4.E, §4.I, §5).
func (l *PostgresLedger) AcquireNextOverdue(ctx context.Context) (decisionID string, found bool, err error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, err
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx,
		`SELECT decision_id FROM reservation_allocations
		 WHERE state = $1 AND expires_at < NOW()
		 ORDER BY expires_at ASC LIMIT 1 FOR UPDATE SKIP LOCKED`,
		string(StateReserved),
	).Scan(&decisionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}

	// Mark claimed by bumping expiry forward briefly, so another worker
	// racing us between this transaction's commit and the caller's own
	// reconcile call does not grab the same decision twice. The caller must
	// finish reconciliation under its own transaction promptly.
	if _, err := tx.ExecContext(ctx,
		`UPDATE reservation_allocations SET expires_at = NOW() + INTERVAL '30 seconds' WHERE decision_id = $1 AND state = $2`,
		decisionID, string(StateReserved),
	); err != nil {
		return "", false, err
	}
	if err := tx.Commit(); err != nil {
		return "", false, err
	}
	return decisionID, true, nil
}
