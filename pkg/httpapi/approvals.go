package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/valdrix-ai/ecp/pkg/apierr"
	"github.com/valdrix-ai/ecp/pkg/approval"
)

// reviewResponse is the `approve|deny` response (§6): the updated request
// plus the one-time token, present only on the transition that reaches
// quorum and issues it.
type reviewResponse struct {
	Request approval.Request `json:"request"`
	Token   string           `json:"token,omitempty"`
}

func (h *Handler) handleReview(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := r.PathValue("id")
		if requestID == "" {
			apierr.WriteError(w, r, apierr.New(apierr.InvalidRequest, "missing_field", "approval request id is required"))
			return
		}

		updated, token, err := h.approvals.Review(requestContext(r), requestID, reviewerID(r), approve)
		if err != nil {
			writeApprovalError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(reviewResponse{Request: updated, Token: token})
	}
}

func (h *Handler) handleApprovalsQueue(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		apierr.WriteError(w, r, apierr.New(apierr.InvalidRequest, "missing_field", "tenant_id is required"))
		return
	}
	queue, err := h.approvalStore.ListPending(requestContext(r), tenantID)
	if err != nil {
		apierr.WriteInternal(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"queue": queue})
}

type consumeRequest struct {
	Token                    string `json:"token"`
	TenantID                 string `json:"tenant_id"`
	ProjectID                string `json:"project_id,omitempty"`
	Environment              string `json:"environment"`
	Source                   string `json:"source"`
	RequestFingerprint       string `json:"request_fingerprint"`
	RequestedMonthlyDeltaUSD string `json:"requested_monthly_delta_usd"`
	RequestedHourlyDeltaUSD  string `json:"requested_hourly_delta_usd"`
}

func (h *Handler) handleApprovalsConsume(w http.ResponseWriter, r *http.Request) {
	var req consumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteError(w, r, apierr.New(apierr.InvalidRequest, "malformed_json", "request body is not valid JSON"))
		return
	}
	if req.Token == "" {
		apierr.WriteError(w, r, apierr.New(apierr.InvalidRequest, "missing_field", "token is required"))
		return
	}

	monthly, err := parseMoney(req.RequestedMonthlyDeltaUSD)
	if err != nil {
		apierr.WriteError(w, r, apierr.New(apierr.InvalidRequest, "invalid_amount", "requested_monthly_delta_usd is not a valid amount"))
		return
	}
	hourly, err := parseMoney(req.RequestedHourlyDeltaUSD)
	if err != nil {
		apierr.WriteError(w, r, apierr.New(apierr.InvalidRequest, "invalid_amount", "requested_hourly_delta_usd is not a valid amount"))
		return
	}

	binding := approval.ConsumeBinding{
		TenantID:                 req.TenantID,
		ProjectID:                req.ProjectID,
		Environment:              req.Environment,
		Source:                   req.Source,
		RequestFingerprint:       req.RequestFingerprint,
		RequestedMonthlyDeltaUSD: monthly,
		RequestedHourlyDeltaUSD:  hourly,
	}

	updated, err := h.approvals.ConsumeToken(requestContext(r), req.Token, binding)
	if err != nil {
		writeApprovalError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(updated)
}

// writeApprovalError maps the approval package's sentinel errors onto the
// §7 error taxonomy; anything unrecognized falls back to a 500.
func writeApprovalError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, approval.ErrNotFound):
		apierr.WriteError(w, r, apierr.Wrap(apierr.InvalidRequest, "not_found", "approval request not found", err))
	case errors.Is(err, approval.ErrNotPending):
		apierr.WriteError(w, r, apierr.Wrap(apierr.InvalidRequest, "not_pending", "approval request is not pending", err))
	case errors.Is(err, approval.ErrReviewerNotAuthorized):
		apierr.WriteError(w, r, apierr.Wrap(apierr.TokenBindingMismatch, "reviewer_not_authorized", "reviewer lacks authority for this request", err))
	case errors.Is(err, approval.ErrMakerChecker):
		apierr.WriteError(w, r, apierr.Wrap(apierr.TokenBindingMismatch, "maker_checker_violation", "requester and reviewer must differ in this environment", err))
	case errors.Is(err, approval.ErrAlreadyConsumed):
		apierr.WriteError(w, r, apierr.Wrap(apierr.IdempotencyConflict, "token_already_consumed", "approval token already consumed", err))
	case errors.Is(err, approval.ErrTokenBindingMismatch):
		apierr.WriteError(w, r, apierr.Wrap(apierr.TokenBindingMismatch, "token_binding_mismatch", "token binding does not match the decision being consumed", err))
	case errors.Is(err, approval.ErrTokenExpired):
		apierr.WriteError(w, r, apierr.Wrap(apierr.TokenInvalid, "token_expired", "approval token expired", err))
	case errors.Is(err, approval.ErrWrongTokenType):
		apierr.WriteError(w, r, apierr.Wrap(apierr.TokenInvalid, "wrong_token_type", "wrong token_type", err))
	case errors.Is(err, approval.ErrTokenInvalid):
		apierr.WriteError(w, r, apierr.Wrap(apierr.TokenInvalid, "token_invalid", "approval token signature invalid", err))
	default:
		apierr.WriteInternal(w, r, err)
	}
}
