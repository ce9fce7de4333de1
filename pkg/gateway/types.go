// Package gateway implements the Gate Protocol Adapters (§4.J): one HTTP
// handler per wire protocol (Terraform preflight v1/v2, Kubernetes
// AdmissionReview, CloudEvents v1.0, generic), each converting its payload
// into the common engine.GateInput and rendering the decision back in its
// own protocol's shape.
package gateway

import (
	"github.com/valdrix-ai/ecp/pkg/decisionledger"
	"github.com/valdrix-ai/ecp/pkg/money"
)

// approvalTokenContract is always "approval_flow_only": gate responses
// never carry a token directly (§4.H, §6).
const approvalTokenContract = "approval_flow_only"

// GateDecisionResponse is the common `gate/*` JSON response shape (§6):
// every adapter that doesn't have its own native wire contract (Terraform,
// generic, CloudEvents) renders its decision this way.
type GateDecisionResponse struct {
	DecisionID             string         `json:"decision_id"`
	Status                 string         `json:"status"`
	ReasonCode             string         `json:"reason_code"`
	ComputedContext        map[string]any `json:"computed_context"`
	EntitlementWaterfall   map[string]any `json:"entitlement_waterfall"`
	ApprovalRequestID      string         `json:"approval_request_id,omitempty"`
	ApprovalTokenContract  string         `json:"approval_token_contract"`
	PolicyVersion          int            `json:"policy_version"`
	PolicyDocumentSHA256   string         `json:"policy_document_sha256"`
	ModeScope              string         `json:"mode_scope"`
}

func newGateDecisionResponse(d decisionledger.Decision) GateDecisionResponse {
	return GateDecisionResponse{
		DecisionID:            d.ID,
		Status:                string(d.Status),
		ReasonCode:            d.ReasonCode,
		ComputedContext:       d.ComputedContext,
		EntitlementWaterfall:  d.EntitlementWaterfall,
		ApprovalRequestID:     d.ApprovalRequestID,
		ApprovalTokenContract: approvalTokenContract,
		PolicyVersion:         d.PolicyVersion,
		PolicyDocumentSHA256:  d.PolicyDocumentSHA256,
		ModeScope:             d.ModeScope,
	}
}

// GenericGateRequest is the `POST /gate` / `/api/v1/enforcement/gate`
// payload, retained for tests and programmatic callers (§4.J).
type GenericGateRequest struct {
	TenantID                     string       `json:"tenant_id"`
	Source                       string       `json:"source"`
	Action                       string       `json:"action"`
	ProjectID                    string       `json:"project_id"`
	Environment                  string       `json:"environment"`
	ResourceRef                  string       `json:"resource_ref"`
	IdempotencyKey               string       `json:"idempotency_key,omitempty"`
	RequestFingerprint           string       `json:"request_fingerprint,omitempty"`
	EstimatedMonthlyDeltaUSD     money.Amount `json:"estimated_cost_delta_usd_monthly"`
	EstimatedHourlyDeltaUSD      money.Amount `json:"estimated_cost_delta_usd_hourly"`
}

func sourceFromString(s string) decisionledger.Source {
	switch decisionledger.Source(s) {
	case decisionledger.SourceTerraform, decisionledger.SourceK8sAdmission, decisionledger.SourceCloudEvent, decisionledger.SourceGeneric:
		return decisionledger.Source(s)
	default:
		return decisionledger.SourceGeneric
	}
}
