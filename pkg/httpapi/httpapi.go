// Package httpapi wires the §6 admin/control endpoints that sit outside
// the Gate Protocol Adapters (pkg/gateway): approval review and queue,
// policy publish/read, project allocation and credit grant administration,
// manual reservation reconciliation, ledger inspection, and Export Parity
// bundle retrieval. Follows the same net/http.ServeMux method-prefixed
// route convention pkg/gateway.Handler.RegisterRoutes establishes.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/valdrix-ai/ecp/pkg/approval"
	"github.com/valdrix-ai/ecp/pkg/budget"
	"github.com/valdrix-ai/ecp/pkg/decisionledger"
	"github.com/valdrix-ai/ecp/pkg/engine"
	"github.com/valdrix-ai/ecp/pkg/export"
	"github.com/valdrix-ai/ecp/pkg/policy"
	"github.com/valdrix-ai/ecp/pkg/reservation"
)

// Handler wires every §6 admin endpoint not covered by pkg/gateway.
type Handler struct {
	approvals     *approval.Service
	approvalStore approval.Store
	policies      policy.Store
	allocations   budget.Store
	credits       reservation.Ledger
	decisions     engine.DecisionStore
	ledger        decisionledger.Ledger
	signer        *export.Signer
	sink          export.Sink
	clock         func() time.Time
}

func NewHandler(
	approvals *approval.Service,
	approvalStore approval.Store,
	policies policy.Store,
	allocations budget.Store,
	credits reservation.Ledger,
	decisions engine.DecisionStore,
	ledger decisionledger.Ledger,
	signer *export.Signer,
	sink export.Sink,
) *Handler {
	return &Handler{
		approvals:     approvals,
		approvalStore: approvalStore,
		policies:      policies,
		allocations:   allocations,
		credits:       credits,
		decisions:     decisions,
		ledger:        ledger,
		signer:        signer,
		sink:          sink,
		clock:         time.Now,
	}
}

// WithClock overrides the clock used to bound export windows, for
// deterministic tests.
func (h *Handler) WithClock(clock func() time.Time) *Handler {
	h.clock = clock
	return h
}

// RegisterRoutes registers every §6 admin endpoint on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/enforcement/approvals/{id}/approve", h.handleReview(true))
	mux.HandleFunc("POST /api/v1/enforcement/approvals/{id}/deny", h.handleReview(false))
	mux.HandleFunc("GET /approvals/queue", h.handleApprovalsQueue)
	mux.HandleFunc("POST /approvals/consume", h.handleApprovalsConsume)

	mux.HandleFunc("POST /policies", h.handlePoliciesPut)
	mux.HandleFunc("GET /policies", h.handlePoliciesGet)

	mux.HandleFunc("POST /budgets", h.handleBudgetsPut)
	mux.HandleFunc("GET /budgets", h.handleBudgetsGet)

	mux.HandleFunc("POST /credits", h.handleCreditsPost)
	mux.HandleFunc("GET /credits", h.handleCreditsGet)

	mux.HandleFunc("POST /reservations/reconcile", h.handleReconcile)

	mux.HandleFunc("GET /ledger", h.handleLedger)

	mux.HandleFunc("GET /exports/parity", h.handleExportParity)
	mux.HandleFunc("GET /exports/archive", h.handleExportArchive)
}

func reviewerID(r *http.Request) string {
	if id := r.Header.Get("X-Reviewer-ID"); id != "" {
		return id
	}
	return "anonymous"
}

// requestContext returns the caller's request context unchanged, so every
// handler's store and service calls are bounded by it; nothing is
// detached onto a background context.
func requestContext(r *http.Request) context.Context {
	return r.Context()
}
