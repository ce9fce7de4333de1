// Package policy implements the Policy Document Store (§4.A): persistence
// of canonical, versioned, content-hashed policy documents.
package policy

import (
	"time"

	"github.com/valdrix-ai/ecp/pkg/money"
)

// RoutingRule is one entry of approval_routing_rules (§3). Rules are
// evaluated in document order; the first match wins (see DESIGN.md for the
// tie-break decision on the spec's open question).
type RoutingRule struct {
	ID                     string   `json:"id"`
	Environment            string   `json:"env"`
	ActionPrefix           string   `json:"action_prefix"`
	MonthlyDeltaThreshold  money.Amount `json:"monthly_delta_threshold"`
	RiskLevel              string   `json:"risk_level"`
	AllowedReviewerRoles   []string `json:"allowed_reviewer_roles"`
	Quorum                 int      `json:"quorum"`
}

// RequesterReviewerSeparation encodes whether maker-checker separation is
// required per environment.
type RequesterReviewerSeparation struct {
	Prod    bool `json:"prod"`
	Nonprod bool `json:"nonprod"`
}

// Mode is one of SHADOW/SOFT/HARD, duplicated here (rather than importing
// pkg/failsafe) to keep the policy document a pure, dependency-free data
// record — pkg/failsafe imports policy.Mode, not the reverse.
type Mode string

const (
	ModeShadow Mode = "SHADOW"
	ModeSoft   Mode = "SOFT"
	ModeHard   Mode = "HARD"
)

// Document is the Policy Document entity of §3. CanonicalPayload and
// SHA256Hash are computed by Store.Put from the other fields — put is
// authoritative per §4.A ("scalar fields materialize from the canonical
// payload, a single source of truth").
type Document struct {
	TenantID      string `json:"-"`
	SchemaVersion string `json:"schema_version"`
	PolicyVersion int    `json:"policy_version"`

	TerraformModeProd    Mode `json:"terraform_mode_prod"`
	TerraformModeNonprod Mode `json:"terraform_mode_nonprod"`
	K8sModeProd          Mode `json:"k8s_mode_prod"`
	K8sModeNonprod       Mode `json:"k8s_mode_nonprod"`

	PlanMonthlyCeilingUSD       money.Amount `json:"plan_monthly_ceiling_usd"`
	EnterpriseMonthlyCeilingUSD money.Amount `json:"enterprise_monthly_ceiling_usd"`

	ApprovalRoutingRules           []RoutingRule               `json:"approval_routing_rules"`
	RequesterReviewerSeparation    RequesterReviewerSeparation `json:"requester_reviewer_separation"`

	ActionMaxAttempts          int `json:"action_max_attempts"`
	ActionRetryBackoffSeconds  int `json:"action_retry_backoff_seconds"`
	ActionLeaseTTLSeconds      int `json:"action_lease_ttl_seconds"`

	// CanonicalPayload and SHA256Hash are derived, not author-supplied.
	CanonicalPayload []byte    `json:"-"`
	SHA256Hash       string    `json:"-"`
	CreatedAt        time.Time `json:"-"`
}

// canonicalView is the exact shape hashed by Put — it excludes TenantID,
// CanonicalPayload, SHA256Hash, and CreatedAt so the hash only ever depends
// on policy content, never on storage metadata.
type canonicalView struct {
	SchemaVersion string `json:"schema_version"`
	PolicyVersion int    `json:"policy_version"`

	TerraformModeProd    Mode `json:"terraform_mode_prod"`
	TerraformModeNonprod Mode `json:"terraform_mode_nonprod"`
	K8sModeProd          Mode `json:"k8s_mode_prod"`
	K8sModeNonprod       Mode `json:"k8s_mode_nonprod"`

	PlanMonthlyCeilingUSD       money.Amount `json:"plan_monthly_ceiling_usd"`
	EnterpriseMonthlyCeilingUSD money.Amount `json:"enterprise_monthly_ceiling_usd"`

	ApprovalRoutingRules        []RoutingRule               `json:"approval_routing_rules"`
	RequesterReviewerSeparation RequesterReviewerSeparation `json:"requester_reviewer_separation"`

	ActionMaxAttempts         int `json:"action_max_attempts"`
	ActionRetryBackoffSeconds int `json:"action_retry_backoff_seconds"`
	ActionLeaseTTLSeconds     int `json:"action_lease_ttl_seconds"`
}

func (d *Document) view() canonicalView {
	return canonicalView{
		SchemaVersion:               d.SchemaVersion,
		PolicyVersion:               d.PolicyVersion,
		TerraformModeProd:           d.TerraformModeProd,
		TerraformModeNonprod:        d.TerraformModeNonprod,
		K8sModeProd:                 d.K8sModeProd,
		K8sModeNonprod:              d.K8sModeNonprod,
		PlanMonthlyCeilingUSD:       d.PlanMonthlyCeilingUSD,
		EnterpriseMonthlyCeilingUSD: d.EnterpriseMonthlyCeilingUSD,
		ApprovalRoutingRules:        d.ApprovalRoutingRules,
		RequesterReviewerSeparation: d.RequesterReviewerSeparation,
		ActionMaxAttempts:           d.ActionMaxAttempts,
		ActionRetryBackoffSeconds:   d.ActionRetryBackoffSeconds,
		ActionLeaseTTLSeconds:       d.ActionLeaseTTLSeconds,
	}
}

// ModeScopeKey returns the policy-matrix field name the decision should
// record as mode_scope, e.g. "terraform_mode_prod".
func ModeScopeKey(source, environment string) string {
	prodSuffix := "nonprod"
	if environment == "prod" || environment == "production" {
		prodSuffix = "prod"
	}
	switch source {
	case "terraform":
		return "terraform_mode_" + prodSuffix
	case "k8s_admission":
		return "k8s_mode_" + prodSuffix
	default:
		return source + "_mode_" + prodSuffix
	}
}
