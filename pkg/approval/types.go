// Package approval implements the Approval Workflow & Token Service (§4.H):
// routing-rule-driven maker-checker review, quorum counting, and signed
// one-time approval tokens.
package approval

import (
	"time"

	"github.com/valdrix-ai/ecp/pkg/decisionledger"
	"github.com/valdrix-ai/ecp/pkg/money"
)

// Status is the Approval Request lifecycle (§3).
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusDenied   Status = "DENIED"
	StatusExpired  Status = "EXPIRED"
	StatusConsumed Status = "CONSUMED"
)

// RoutingTraceEntry records one routing rule considered while selecting the
// match for a request, per §4.H's "routing_trace (list of rule-IDs
// evaluated + decisions)".
type RoutingTraceEntry struct {
	RuleID  string `json:"rule_id"`
	Matched bool   `json:"matched"`
}

// Request is the §3 Approval Request entity. DecisionSnapshot is a
// denormalized copy of the Decision at request-creation time: the engine
// always has the fresh decision in hand when it calls RequestApproval, and
// every subsequent lifecycle transition mirrors its own update onto this
// copy before appending a ledger row, so the workflow never needs a second
// collaborator just to re-read the decision it already holds.
type Request struct {
	ID                          string
	DecisionID                  string
	TenantID                    string
	ProjectID                   string
	Environment                 string
	Source                      string
	RequesterID                 string
	Status                      Status
	RoutingRuleID               string
	RoutingTrace                []RoutingTraceEntry
	ReviewerID                  string
	ReviewedAt                  *time.Time
	ExpiresAt                   time.Time
	QuorumRequired              int
	QuorumCount                 int
	AllowedReviewerRoles        []string
	RequesterReviewerSeparation bool
	MaxMonthlyDeltaUSD          money.Amount
	MaxHourlyDeltaUSD           money.Amount
	RequestFingerprint          string
	DecisionSnapshot            decisionledger.Decision
	CreatedAt                   time.Time
}
