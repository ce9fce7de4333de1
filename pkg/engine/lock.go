package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrLockContended is returned when a (tenant, source) lease is already
// held by someone else and the claim attempt itself (not the wait) fails
// to win the row.
var ErrLockContended = errors.New("engine: tenant+source lock contended")

// ErrLockTimeout is returned when the caller waited up to lock_wait_ms for
// the lease and it never freed up.
var ErrLockTimeout = errors.New("engine: tenant+source lock wait timed out")

// TenantSourceLock enforces "at most one in-flight decision per
// (tenant_id, source)" (§5). Implementations do not need strict FIFO
// ticketing, only mutual exclusion.
type TenantSourceLock interface {
	// Acquire blocks up to waitFor for the lease; returns ErrLockContended
	// if the first claim attempt loses outright (row held, no wait
	// permitted by caller), or ErrLockTimeout if waitFor elapses.
	Acquire(ctx context.Context, tenantID, source string, waitFor time.Duration) (release func(), err error)
}

// PostgresLock leases a row per (tenant_id, source), adapting the
// reference ledger's AcquireLease idiom: a single conditional UPDATE that
// only succeeds if the lease is free or already expired.
type PostgresLock struct {
	db *sql.DB
}

func NewPostgresLock(db *sql.DB) *PostgresLock {
	return &PostgresLock{db: db}
}

const lockSchema = `
CREATE TABLE IF NOT EXISTS gate_locks (
	tenant_id TEXT NOT NULL,
	source TEXT NOT NULL,
	leased_until TIMESTAMPTZ,
	PRIMARY KEY (tenant_id, source)
);
`

func (l *PostgresLock) Init(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, lockSchema)
	return err
}

const leaseDuration = 5 * time.Second

func (l *PostgresLock) Acquire(ctx context.Context, tenantID, source string, waitFor time.Duration) (func(), error) {
	deadline := time.Now().Add(waitFor)
	for {
		acquired, err := l.tryAcquire(ctx, tenantID, source)
		if err != nil {
			return nil, err
		}
		if acquired {
			return func() { l.release(context.Background(), tenantID, source) }, nil
		}
		if waitFor <= 0 {
			return nil, ErrLockContended
		}
		if time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (l *PostgresLock) tryAcquire(ctx context.Context, tenantID, source string) (bool, error) {
	now := time.Now()
	leasedUntil := now.Add(leaseDuration)

	res, err := l.db.ExecContext(ctx,
		`INSERT INTO gate_locks (tenant_id, source, leased_until) VALUES ($1, $2, $3)
		 ON CONFLICT (tenant_id, source) DO UPDATE
		 SET leased_until = $3
		 WHERE gate_locks.leased_until IS NULL OR gate_locks.leased_until < $4`,
		tenantID, source, leasedUntil, now)
	if err != nil {
		return false, fmt.Errorf("engine: acquire lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l *PostgresLock) release(ctx context.Context, tenantID, source string) {
	_, _ = l.db.ExecContext(ctx, `UPDATE gate_locks SET leased_until = NULL WHERE tenant_id = $1 AND source = $2`, tenantID, source)
}

// MemLock is an in-process TenantSourceLock for tests and local/dev mode.
type MemLock struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewMemLock() *MemLock {
	return &MemLock{held: make(map[string]bool)}
}

func (l *MemLock) Acquire(ctx context.Context, tenantID, source string, waitFor time.Duration) (func(), error) {
	key := tenantID + "|" + source
	deadline := time.Now().Add(waitFor)

	for {
		l.mu.Lock()
		if !l.held[key] {
			l.held[key] = true
			l.mu.Unlock()
			return func() {
				l.mu.Lock()
				delete(l.held, key)
				l.mu.Unlock()
			}, nil
		}
		l.mu.Unlock()

		if waitFor <= 0 {
			return nil, ErrLockContended
		}
		if time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}
