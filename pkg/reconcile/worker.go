// Package reconcile implements the Reconciliation Worker (§4.I): a
// periodic sweep that settles or refunds reservations left dangling past
// their expires_at, plus the manual reconcile endpoint's idempotent
// replay semantics.
package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/valdrix-ai/ecp/pkg/decisionledger"
	"github.com/valdrix-ai/ecp/pkg/engine"
	"github.com/valdrix-ai/ecp/pkg/money"
	"github.com/valdrix-ai/ecp/pkg/obs"
	"github.com/valdrix-ai/ecp/pkg/reservation"
)

// ConsumedAmountSource answers "how much did this decision actually cost",
// the external signal §4.I settles reservations against. found is false
// on silent expiry (no signal ever arrived), in which case the worker
// reconciles with a zero actual amount, i.e. a full refund.
type ConsumedAmountSource interface {
	ConsumedAmount(ctx context.Context, decisionID string) (actualUSD money.Amount, found bool, err error)
}

// NoSignalSource is a ConsumedAmountSource that never has a signal, so
// every overdue reservation it backs is reconciled as a silent-expiry
// refund. Useful for gate sources (e.g. generic webhooks) with no
// downstream cost-actuals feed.
type NoSignalSource struct{}

func (NoSignalSource) ConsumedAmount(ctx context.Context, decisionID string) (money.Amount, bool, error) {
	return money.Zero(), false, nil
}

// Worker drains the overdue-reservation sweep and serves manual
// reconcile requests. Each sweep tick processes one decision per
// AcquireNextOverdue claim, under its own isolated transaction, so one
// tenant's failure never blocks another's (§4.I: "per-tenant isolated
// transaction").
type Worker struct {
	db           *sql.DB
	reservations reservation.Ledger
	ledger       decisionledger.Ledger
	decisions    engine.DecisionStore
	consumed     ConsumedAmountSource
	logger       *slog.Logger
	metrics      *obs.Provider
}

func NewWorker(db *sql.DB, reservations reservation.Ledger, ledger decisionledger.Ledger, decisions engine.DecisionStore, consumed ConsumedAmountSource, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{db: db, reservations: reservations, ledger: ledger, decisions: decisions, consumed: consumed, logger: logger}
}

// WithMetrics attaches the §4.L observability provider; every reconcile
// (sweep or manual) then emits reservation_reconciliations_total{trigger,
// status}. nil disables instrumentation.
func (w *Worker) WithMetrics(metrics *obs.Provider) *Worker {
	w.metrics = metrics
	return w
}

// Run sweeps on interval until ctx is cancelled, logging (not panicking)
// on a sweep error so one bad tick does not kill the worker loop.
func (w *Worker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reconciled, err := w.SweepOnce(ctx)
			if err != nil {
				w.logger.Error("reconcile sweep failed", "error", err)
				continue
			}
			if reconciled {
				w.logger.Info("reconcile sweep claimed an overdue reservation")
			}
		}
	}
}

// SweepOnce claims at most one overdue reservation and settles or refunds
// it. It returns false, nil when there is nothing overdue to claim.
func (w *Worker) SweepOnce(ctx context.Context) (bool, error) {
	decisionID, found, err := w.reservations.AcquireNextOverdue(ctx)
	if err != nil {
		return false, fmt.Errorf("reconcile: acquire next overdue: %w", err)
	}
	if !found {
		return false, nil
	}

	decision, err := w.decisions.FindByID(ctx, decisionID)
	if err != nil {
		return false, fmt.Errorf("reconcile: find decision %s: %w", decisionID, err)
	}
	if decision == nil {
		return false, fmt.Errorf("reconcile: decision %s has an overdue reservation but no stored decision", decisionID)
	}

	actualUSD, signalFound, err := w.consumed.ConsumedAmount(ctx, decisionID)
	if err != nil {
		return false, fmt.Errorf("reconcile: consumed amount for %s: %w", decisionID, err)
	}
	if !signalFound {
		actualUSD = money.Zero()
	}

	key := fmt.Sprintf("sweep:%s", decisionID)
	if _, err := w.reconcileOne(ctx, "auto", *decision, actualUSD, key); err != nil {
		return false, err
	}
	return true, nil
}

// ManualReconcile implements the manual reconcile endpoint (§4.I,§6): the
// header key takes precedence when both a header and a body key are
// present, and the two must agree. Replaying with the same key returns a
// Replayed result without a second ledger row, whatever the amount; a
// different key on an already-reconciled decision is a conflict.
func (w *Worker) ManualReconcile(ctx context.Context, decisionID string, actualUSD money.Amount, headerKey, bodyKey string) (reservation.ReconcileResult, error) {
	key, err := resolveIdempotencyKey(headerKey, bodyKey)
	if err != nil {
		return reservation.ReconcileResult{}, err
	}

	decision, err := w.decisions.FindByID(ctx, decisionID)
	if err != nil {
		return reservation.ReconcileResult{}, fmt.Errorf("reconcile: find decision %s: %w", decisionID, err)
	}
	if decision == nil {
		return reservation.ReconcileResult{}, fmt.Errorf("reconcile: unknown decision %s", decisionID)
	}

	return w.reconcileOne(ctx, "manual", *decision, actualUSD, key)
}

// ErrIdempotencyKeyMismatch is returned when a request supplies both an
// Idempotency-Key header and a body key and the two disagree.
var ErrIdempotencyKeyMismatch = errors.New("reconcile: header and body idempotency keys disagree")

// ErrIdempotencyKeyRequired is returned when neither a header nor a body
// key was supplied.
var ErrIdempotencyKeyRequired = errors.New("reconcile: idempotency key required")

func resolveIdempotencyKey(headerKey, bodyKey string) (string, error) {
	if headerKey != "" && bodyKey != "" && headerKey != bodyKey {
		return "", ErrIdempotencyKeyMismatch
	}
	if headerKey != "" {
		return headerKey, nil
	}
	if bodyKey != "" {
		return bodyKey, nil
	}
	return "", ErrIdempotencyKeyRequired
}

// reconcileOne runs Reconcile inside its own transaction and, only on a
// fresh (non-replayed) settle/refund, mirrors the outcome into the
// Decision Ledger as one EventReconciled row.
func (w *Worker) reconcileOne(ctx context.Context, trigger string, decision decisionledger.Decision, actualUSD money.Amount, idempotencyKey string) (reservation.ReconcileResult, error) {
	tx, err := w.beginTx(ctx)
	if err != nil {
		return reservation.ReconcileResult{}, err
	}
	committed := false
	defer func() {
		if tx != nil && !committed {
			_ = tx.Rollback()
		}
	}()

	result, err := w.reservations.Reconcile(ctx, tx, decision.ID, actualUSD, idempotencyKey)
	if err != nil {
		w.recordReconciliation(ctx, trigger, "error")
		return reservation.ReconcileResult{}, err
	}

	status := "replayed"
	if !result.Replayed {
		snapshot := decision
		if actualUSD.IsZero() {
			snapshot.ReasonCode = "reconciled_refund"
			status = "refund"
		} else {
			snapshot.ReasonCode = "reconciled_settled"
			status = "settle"
		}
		if _, err := w.ledger.Append(ctx, tx, decision.TenantID, decisionledger.EventReconciled, snapshot); err != nil {
			w.recordReconciliation(ctx, trigger, "error")
			return reservation.ReconcileResult{}, err
		}
	}

	if tx != nil {
		if err := tx.Commit(); err != nil {
			w.recordReconciliation(ctx, trigger, "error")
			return reservation.ReconcileResult{}, err
		}
		committed = true
	}
	w.recordReconciliation(ctx, trigger, status)
	return result, nil
}

func (w *Worker) recordReconciliation(ctx context.Context, trigger, status string) {
	if w.metrics == nil {
		return
	}
	w.metrics.RecordReconciliation(ctx, trigger, status)
}

func (w *Worker) beginTx(ctx context.Context) (*sql.Tx, error) {
	if w.db == nil {
		return nil, nil
	}
	return w.db.BeginTx(ctx, nil)
}
