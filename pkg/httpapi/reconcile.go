package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/valdrix-ai/ecp/pkg/apierr"
	"github.com/valdrix-ai/ecp/pkg/reservation"
)

type reconcileRequest struct {
	DecisionID     string `json:"decision_id"`
	ActualUSD      string `json:"actual_usd"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// handleReconcile is the manual counterpart of the periodic Reconciliation
// Worker sweep (§4.I): settle or refund a single decision's reservation.
// `Idempotency-Key` header and body `idempotency_key` must agree when both
// are present; the header takes precedence (§4.I).
func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	var req reconcileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteError(w, r, apierr.New(apierr.InvalidRequest, "malformed_json", "request body is not valid JSON"))
		return
	}
	if req.DecisionID == "" {
		apierr.WriteError(w, r, apierr.New(apierr.InvalidRequest, "missing_field", "decision_id is required"))
		return
	}

	key := req.IdempotencyKey
	if header := r.Header.Get("Idempotency-Key"); header != "" {
		if key != "" && key != header {
			apierr.WriteError(w, r, apierr.New(apierr.IdempotencyConflict, "idempotency_key_mismatch", "header and body idempotency_key disagree"))
			return
		}
		key = header
	}
	if key == "" {
		apierr.WriteError(w, r, apierr.New(apierr.InvalidRequest, "missing_field", "idempotency_key is required, via header or body"))
		return
	}

	actual, err := parseMoney(req.ActualUSD)
	if err != nil {
		apierr.WriteError(w, r, apierr.New(apierr.InvalidRequest, "invalid_amount", "actual_usd is not a valid amount"))
		return
	}

	result, err := h.credits.Reconcile(requestContext(r), nil, req.DecisionID, actual, key)
	if err != nil {
		switch {
		case errors.Is(err, reservation.ErrReconcileConflict):
			apierr.WriteError(w, r, apierr.Wrap(apierr.IdempotencyConflict, "reconcile_conflict", "idempotency key conflict on replay", err))
		case errors.Is(err, reservation.ErrNoActiveReservation):
			apierr.WriteError(w, r, apierr.Wrap(apierr.InvalidRequest, "no_active_reservation", "decision has no active reservation", err))
		default:
			apierr.WriteInternal(w, r, err)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}
