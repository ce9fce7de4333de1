// Package decisionledger implements the Immutable Decision Ledger (§4.G):
// an append-only, hash-chained log of every decision lifecycle event.
package decisionledger

import (
	"time"

	"github.com/valdrix-ai/ecp/pkg/money"
)

// Status is the Decision entity's lifecycle status (§3).
type Status string

const (
	StatusAllow                  Status = "ALLOW"
	StatusDeny                   Status = "DENY"
	StatusRequireApproval        Status = "REQUIRE_APPROVAL"
	StatusAllowWithCredits       Status = "ALLOW_WITH_CREDITS"
	StatusFailSafeAllow          Status = "FAIL_SAFE_ALLOW"
	StatusFailSafeDeny           Status = "FAIL_SAFE_DENY"
	StatusFailSafeRequireApprove Status = "FAIL_SAFE_REQUIRE_APPROVAL"
)

// Source identifies which gate protocol adapter produced the decision.
type Source string

const (
	SourceTerraform    Source = "terraform"
	SourceK8sAdmission Source = "k8s_admission"
	SourceCloudEvent   Source = "cloud_event"
	SourceGeneric      Source = "generic"
)

// EventType names the lifecycle transition that produced a ledger row.
type EventType string

const (
	EventCreated           EventType = "created"
	EventApprovalRequested EventType = "approval_requested"
	EventApproved          EventType = "approved"
	EventDenied            EventType = "denied"
	EventExpired           EventType = "expired"
	EventReconciled        EventType = "reconciled"
	EventTokenConsumed     EventType = "token_consumed"
)

// Decision is the §3 Decision entity: the unique key is
// (TenantID, Source, IdempotencyKey).
type Decision struct {
	ID                          string
	TenantID                    string
	Source                      Source
	Action                      string
	ProjectID                   string
	Environment                 string
	ResourceRef                 string
	IdempotencyKey              string
	RequestFingerprint          string
	Status                      Status
	ReasonCode                  string
	EstimatedMonthlyDeltaUSD    money.Amount
	EstimatedHourlyDeltaUSD     money.Amount
	ComputedContext             map[string]any
	EntitlementWaterfall        map[string]any
	PolicyVersion               int
	PolicyDocumentSHA256        string
	PolicyDocumentSchemaVersion string
	ModeScope                   string
	ApprovalRequestID           string
	CreatedAt                   time.Time
}

// Row is one immutable, hash-chained Decision Ledger row: a full snapshot
// of the decision at a lifecycle transition.
type Row struct {
	Sequence    uint64
	EventType   EventType
	DecisionID  string
	TenantID    string
	ContentHash string
	PrevHash    string
	Timestamp   time.Time
	Snapshot    Decision
}
