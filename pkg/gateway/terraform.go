package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/valdrix-ai/ecp/pkg/apierr"
	"github.com/valdrix-ai/ecp/pkg/decisionledger"
	"github.com/valdrix-ai/ecp/pkg/engine"
	"github.com/valdrix-ai/ecp/pkg/money"
)

// TerraformV1Request is the legacy `/gate/terraform` preflight payload:
// no run/stage context, just the resource being planned.
type TerraformV1Request struct {
	TenantID                 string       `json:"tenant_id"`
	ResourceAddr             string       `json:"resource_addr"`
	Action                   string       `json:"action"`
	ProjectID                string       `json:"project_id"`
	Environment              string       `json:"environment"`
	EstimatedMonthlyDeltaUSD money.Amount `json:"estimated_cost_delta_usd_monthly"`
	EstimatedHourlyDeltaUSD  money.Amount `json:"estimated_cost_delta_usd_hourly"`
}

func (h *Handler) handleTerraformV1(w http.ResponseWriter, r *http.Request) {
	var req TerraformV1Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteError(w, r, apierr.New(apierr.InvalidRequest, "malformed_json", "request body is not valid JSON"))
		return
	}
	if req.TenantID == "" || req.Environment == "" || req.ProjectID == "" {
		apierr.WriteError(w, r, apierr.New(apierr.InvalidRequest, "missing_field", "tenant_id, project_id, and environment are required"))
		return
	}

	fingerprint, err := computeFingerprint(req.ResourceAddr, req.Action, req.EstimatedMonthlyDeltaUSD, req.EstimatedHourlyDeltaUSD)
	if err != nil {
		apierr.WriteInternal(w, r, err)
		return
	}

	in := engine.GateInput{
		TenantID:                 req.TenantID,
		Source:                   decisionledger.SourceTerraform,
		Action:                   req.Action,
		ProjectID:                req.ProjectID,
		Environment:              req.Environment,
		ResourceRef:              req.ResourceAddr,
		RequestFingerprint:       fingerprint,
		EstimatedMonthlyDeltaUSD: req.EstimatedMonthlyDeltaUSD,
		EstimatedHourlyDeltaUSD:  req.EstimatedHourlyDeltaUSD,
	}
	h.respondGateDecision(w, r, in)
}

// TerraformPreflightRequest is the `/gate/terraform/preflight` v2 payload
// (§4.J): run/stage context lets the idempotency key be the literal
// terraform:{run_id}:{stage} the spec names.
type TerraformPreflightRequest struct {
	TenantID                   string       `json:"tenant_id"`
	RunID                      string       `json:"run_id"`
	Stage                      string       `json:"stage"`
	ResourceAddr               string       `json:"resource_addr"`
	Action                     string       `json:"action"`
	ProjectID                  string       `json:"project_id"`
	Environment                string       `json:"environment"`
	EstimatedMonthlyDeltaUSD   money.Amount `json:"estimated_cost_delta_usd_monthly"`
	EstimatedHourlyDeltaUSD    money.Amount `json:"estimated_cost_delta_usd_hourly"`
	ExpectedRequestFingerprint string       `json:"expected_request_fingerprint,omitempty"`
}

// TerraformPreflightResponse adds the run-task-style continuation binding
// on top of the common decision fields (§4.J: "poll_url,
// approval_request_id?").
type TerraformPreflightResponse struct {
	DecisionID            string `json:"decision_id"`
	Status                string `json:"status"`
	ReasonCode            string `json:"reason_code"`
	RequiredApproval      bool   `json:"required_approval"`
	ApprovalTokenContract string `json:"approval_token_contract"`
	PollURL               string `json:"poll_url"`
	ApprovalRequestID     string `json:"approval_request_id,omitempty"`
}

func (h *Handler) handleTerraformPreflight(w http.ResponseWriter, r *http.Request) {
	var req TerraformPreflightRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteError(w, r, apierr.New(apierr.InvalidRequest, "malformed_json", "request body is not valid JSON"))
		return
	}
	if req.TenantID == "" || req.Environment == "" || req.ProjectID == "" {
		apierr.WriteError(w, r, apierr.New(apierr.InvalidRequest, "missing_field", "tenant_id, project_id, and environment are required"))
		return
	}
	if req.Stage != "plan" && req.Stage != "apply" {
		apierr.WriteError(w, r, apierr.New(apierr.InvalidRequest, "invalid_stage", "stage must be \"plan\" or \"apply\""))
		return
	}

	fingerprint, err := computeFingerprint(req.ResourceAddr, req.Action, req.EstimatedMonthlyDeltaUSD, req.EstimatedHourlyDeltaUSD)
	if err != nil {
		apierr.WriteInternal(w, r, err)
		return
	}
	if req.ExpectedRequestFingerprint != "" && req.ExpectedRequestFingerprint != fingerprint {
		apierr.WriteError(w, r, apierr.New(apierr.InvalidRequest, "fingerprint_assertion_failed", "expected_request_fingerprint does not match the computed fingerprint"))
		return
	}

	in := engine.GateInput{
		TenantID:                 req.TenantID,
		Source:                   decisionledger.SourceTerraform,
		Action:                   req.Action,
		ProjectID:                req.ProjectID,
		Environment:              req.Environment,
		ResourceRef:              req.ResourceAddr,
		RequestFingerprint:       fingerprint,
		EstimatedMonthlyDeltaUSD: req.EstimatedMonthlyDeltaUSD,
		EstimatedHourlyDeltaUSD:  req.EstimatedHourlyDeltaUSD,
		RunID:                    req.RunID,
		Stage:                    req.Stage,
	}

	decision, err := h.evaluate(r.Context(), in, requesterID(r))
	if err != nil {
		writeEvaluateError(w, r, err)
		return
	}

	resp := TerraformPreflightResponse{
		DecisionID:            decision.ID,
		Status:                string(decision.Status),
		ReasonCode:            decision.ReasonCode,
		RequiredApproval:      decision.Status == decisionledger.StatusRequireApproval,
		ApprovalTokenContract: approvalTokenContract,
		PollURL:               "/ledger?decision_id=" + decision.ID,
		ApprovalRequestID:     decision.ApprovalRequestID,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
