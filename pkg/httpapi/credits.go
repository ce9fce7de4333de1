package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/valdrix-ai/ecp/pkg/apierr"
	"github.com/valdrix-ai/ecp/pkg/reservation"
)

type creditGrantRequest struct {
	ID               string `json:"id"`
	TenantID         string `json:"tenant_id"`
	PoolType         string `json:"pool_type"`
	InitialAmountUSD string `json:"initial_amount_usd"`
	ExpiresAt        string `json:"expires_at"`
}

// handleCreditsPost issues a new credit grant (§3 credit pools): a
// caller-supplied, unique grant ID against one of the two pools.
func (h *Handler) handleCreditsPost(w http.ResponseWriter, r *http.Request) {
	var req creditGrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteError(w, r, apierr.New(apierr.InvalidRequest, "malformed_json", "request body is not valid JSON"))
		return
	}
	if req.ID == "" || req.TenantID == "" {
		apierr.WriteError(w, r, apierr.New(apierr.InvalidRequest, "missing_field", "id and tenant_id are required"))
		return
	}

	pool := reservation.PoolType(req.PoolType)
	if pool != reservation.PoolReserved && pool != reservation.PoolEmergency {
		apierr.WriteError(w, r, apierr.New(apierr.InvalidRequest, "invalid_pool_type", "pool_type must be reserved or emergency"))
		return
	}

	amount, err := parseMoney(req.InitialAmountUSD)
	if err != nil {
		apierr.WriteError(w, r, apierr.New(apierr.InvalidRequest, "invalid_amount", "initial_amount_usd is not a valid amount"))
		return
	}

	expiresAt, err := time.Parse(time.RFC3339, req.ExpiresAt)
	if err != nil {
		apierr.WriteError(w, r, apierr.New(apierr.InvalidRequest, "invalid_expires_at", "expires_at must be RFC3339"))
		return
	}

	grant := reservation.CreditGrant{
		ID:               req.ID,
		TenantID:         req.TenantID,
		PoolType:         pool,
		InitialAmountUSD: amount,
		RemainingUSD:     amount,
		ExpiresAt:        expiresAt,
		CreatedAt:        h.clock(),
	}

	if err := h.credits.CreateGrant(requestContext(r), grant); err != nil {
		apierr.WriteError(w, r, apierr.Wrap(apierr.IdempotencyConflict, "grant_already_exists", err.Error(), err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(grant)
}

// handleCreditsGet lists every grant for a tenant across both pools.
func (h *Handler) handleCreditsGet(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		apierr.WriteError(w, r, apierr.New(apierr.InvalidRequest, "missing_field", "tenant_id is required"))
		return
	}

	grants, err := h.credits.ListGrantsForTenant(requestContext(r), tenantID)
	if err != nil {
		apierr.WriteInternal(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"grants": grants})
}
