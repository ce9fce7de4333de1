// Package engine implements the Decision Engine (§4.F): the synchronous
// evaluate_gate contract that ties together the policy store, tier
// resolver, computed context builder, entitlement waterfall, reservation
// ledger, decision ledger, and fail-safe mode selector into one
// transaction per gate call.
package engine

import (
	"time"

	"github.com/valdrix-ai/ecp/pkg/decisionledger"
	"github.com/valdrix-ai/ecp/pkg/money"
)

// GateInput is the §4.F `input` contract, produced by a gate protocol
// adapter (component J) from a Terraform/K8s/CloudEvents/generic payload.
type GateInput struct {
	TenantID                 string
	Source                   decisionledger.Source
	Action                   string
	ProjectID                string
	Environment              string
	ResourceRef              string
	IdempotencyKey           string // optional; engine fills deterministic fallback if empty
	RequestFingerprint       string
	EstimatedMonthlyDeltaUSD money.Amount
	EstimatedHourlyDeltaUSD  money.Amount
	// RunID and Stage are populated by the Terraform preflight v2 adapter
	// (run/stage context); when set they take the literal
	// terraform:{run_id}:{stage} fallback shape instead of the
	// resource/action fallback used by adapters that don't carry them.
	RunID string
	Stage string
}

// ReasonTimeout, ReasonLockContended, ReasonLockTimeout, and
// ReasonInternalError are the stable FAIL_SAFE reason codes named in §4.F.
const (
	ReasonTimeout        = "timeout"
	ReasonLockContended  = "gate_lock_contended"
	ReasonLockTimeout    = "gate_lock_timeout"
	ReasonInternalError  = "internal_error"
	ReasonIdempotencyHit = "idempotency_replay"
)

// defaultIdempotencyKey implements the §4.F deterministic fallback:
// terraform:{run_id}:{stage}, cloudevent:{id}, etc. Since run_id/event id
// live inside ResourceRef/Action for sources that don't carry a distinct
// field, the fallback is derived from the fields the adapter did supply.
func defaultIdempotencyKey(in GateInput) string {
	switch in.Source {
	case decisionledger.SourceTerraform:
		if in.RunID != "" && in.Stage != "" {
			return "terraform:" + in.RunID + ":" + in.Stage
		}
		return "terraform:" + in.ResourceRef + ":" + in.Action
	case decisionledger.SourceCloudEvent:
		return "cloudevent:" + in.ResourceRef
	case decisionledger.SourceK8sAdmission:
		return "k8s_admission:" + in.ResourceRef
	default:
		return "generic:" + in.ResourceRef + ":" + in.Action
	}
}

func nowUTC() time.Time { return time.Now().UTC() }
