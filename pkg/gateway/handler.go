package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/valdrix-ai/ecp/pkg/apierr"
	"github.com/valdrix-ai/ecp/pkg/approval"
	"github.com/valdrix-ai/ecp/pkg/decisionledger"
	"github.com/valdrix-ai/ecp/pkg/engine"
	"github.com/valdrix-ai/ecp/pkg/policy"
	"github.com/valdrix-ai/ecp/pkg/throttle"
)

// Handler wires the Decision Engine and Approval Workflow behind every
// gate protocol adapter named in §4.J and registered in §6.
type Handler struct {
	engine    *engine.Engine
	approvals *approval.Service
	policies  policy.Store
	decisions engine.DecisionStore
	limiter   *throttle.Gate
}

func NewHandler(eng *engine.Engine, approvals *approval.Service, policies policy.Store, decisions engine.DecisionStore) *Handler {
	return &Handler{engine: eng, approvals: approvals, policies: policies, decisions: decisions}
}

// WithLimiter attaches the §4.L per-tenant/global gate limiter. Every
// adapter funnels through evaluate, so this wraps all of them at once —
// nil (the zero value) means no throttling, matching the pre-wiring
// default.
func (h *Handler) WithLimiter(limiter *throttle.Gate) *Handler {
	h.limiter = limiter
	return h
}

// RegisterRoutes registers every §6 gate/* endpoint on the given mux,
// following the reference credential handler's method-prefixed
// ServeMux.HandleFunc convention.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/enforcement/gate", h.handleGeneric)
	mux.HandleFunc("POST /gate", h.handleGeneric)
	mux.HandleFunc("POST /api/v1/enforcement/gate/terraform", h.handleTerraformV1)
	mux.HandleFunc("POST /gate/terraform", h.handleTerraformV1)
	mux.HandleFunc("POST /api/v1/enforcement/gate/terraform/preflight", h.handleTerraformPreflight)
	mux.HandleFunc("POST /gate/terraform/preflight", h.handleTerraformPreflight)
	mux.HandleFunc("POST /api/v1/enforcement/gate/k8s/admission", h.handleK8sLegacy)
	mux.HandleFunc("POST /gate/k8s/admission", h.handleK8sLegacy)
	mux.HandleFunc("POST /api/v1/enforcement/gate/k8s/admission/review", h.handleK8sAdmissionReview)
	mux.HandleFunc("POST /gate/k8s/admission/review", h.handleK8sAdmissionReview)
	mux.HandleFunc("POST /api/v1/enforcement/gate/cloud-event", h.handleCloudEvent)
	mux.HandleFunc("POST /gate/cloud-event", h.handleCloudEvent)
}

// requesterID extracts the acting identity from the request, following
// the reference credential handler's X-Operator-ID convention. A missing
// header falls back to an anonymous identity: only requests that reach
// REQUIRE_APPROVAL need a real requester, and the maker-checker check in
// pkg/approval will correctly refuse "anonymous" as a reviewer later.
func requesterID(r *http.Request) string {
	if id := r.Header.Get("X-Requester-ID"); id != "" {
		return id
	}
	return "anonymous"
}

// evaluate runs evaluate_gate and, when the outcome is REQUIRE_APPROVAL,
// opens the approval workflow and folds its approval_request_id back into
// both the returned decision and the persisted DecisionStore record, so a
// replayed idempotent gate call sees the same approval_request_id (§4.F,
// §4.H).
func (h *Handler) evaluate(ctx context.Context, in engine.GateInput, requester string) (decisionledger.Decision, error) {
	if h.limiter != nil {
		if err := h.limiter.Allow(ctx, in.TenantID); err != nil {
			return decisionledger.Decision{}, err
		}
	}
	decision, err := h.engine.EvaluateGate(ctx, in)
	if err != nil {
		return decisionledger.Decision{}, err
	}
	if decision.Status != decisionledger.StatusRequireApproval || decision.ApprovalRequestID != "" {
		return decision, nil
	}

	doc, err := h.policies.GetActive(ctx, in.TenantID)
	if err != nil {
		return decision, err
	}
	req, err := h.approvals.RequestApproval(ctx, decision, doc, requester)
	if err != nil {
		return decision, err
	}
	decision.ApprovalRequestID = req.ID
	if err := h.decisions.Save(ctx, nil, decision); err != nil {
		return decision, err
	}
	return decision, nil
}

func (h *Handler) handleGeneric(w http.ResponseWriter, r *http.Request) {
	var req GenericGateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteError(w, r, apierr.New(apierr.InvalidRequest, "malformed_json", "request body is not valid JSON"))
		return
	}
	if req.TenantID == "" || req.Environment == "" {
		apierr.WriteError(w, r, apierr.New(apierr.InvalidRequest, "missing_field", "tenant_id and environment are required"))
		return
	}

	fingerprint := req.RequestFingerprint
	if fingerprint == "" {
		fp, err := computeFingerprint(req.ResourceRef, req.Action, req.EstimatedMonthlyDeltaUSD, req.EstimatedHourlyDeltaUSD)
		if err != nil {
			apierr.WriteInternal(w, r, err)
			return
		}
		fingerprint = fp
	}

	in := engine.GateInput{
		TenantID:                 req.TenantID,
		Source:                   sourceFromString(req.Source),
		Action:                   req.Action,
		ProjectID:                req.ProjectID,
		Environment:              req.Environment,
		ResourceRef:              req.ResourceRef,
		IdempotencyKey:           req.IdempotencyKey,
		RequestFingerprint:       fingerprint,
		EstimatedMonthlyDeltaUSD: req.EstimatedMonthlyDeltaUSD,
		EstimatedHourlyDeltaUSD:  req.EstimatedHourlyDeltaUSD,
	}

	h.respondGateDecision(w, r, in)
}

func (h *Handler) respondGateDecision(w http.ResponseWriter, r *http.Request, in engine.GateInput) {
	decision, err := h.evaluate(r.Context(), in, requesterID(r))
	if err != nil {
		writeEvaluateError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(newGateDecisionResponse(decision))
}

// writeEvaluateError maps the handful of error conditions evaluate can
// return to their §7 HTTP encoding: idempotency conflicts are 409,
// throttle rejections are 429 with Retry-After, everything else is an
// opaque 500 (lock/dependency errors never reach here — the engine
// already converts those to FAIL_SAFE_* decisions per §7).
func writeEvaluateError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, engine.ErrIdempotencyConflict) {
		apierr.WriteError(w, r, apierr.Wrap(apierr.IdempotencyConflict, "idempotency_conflict", err.Error(), err))
		return
	}
	var thr *throttle.ErrThrottled
	if errors.As(err, &thr) {
		apierr.WriteTooManyRequests(w, r, 1, string(thr.Reason))
		return
	}
	apierr.WriteInternal(w, r, err)
}
