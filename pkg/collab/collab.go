// Package collab defines the external collaborator interfaces named in §1:
// peripheral concerns (dashboards, billing, licensing, LLM analyzers, cloud
// cost adapters) are out of scope for the enforcement control plane and are
// treated as boundaries the core only consumes through these interfaces.
//
// Concrete implementations (a real cost-telemetry pipeline, a real identity
// provider) live outside this module; this package exists so the core can
// be built, tested, and wired against in-memory or adapter implementations
// without ever depending on those external systems' internals.
package collab

import (
	"context"
	"time"

	"github.com/valdrix-ai/ecp/pkg/money"
)

// DailyCost is one day's precomputed cost total for a tenant, as read from
// the external cost-history reader (§1, §4.C). The core never computes cost
// from raw telemetry.
type DailyCost struct {
	Date      time.Time
	AmountUSD money.Amount
}

// CostReader is the external cost-history reader collaborator.
type CostReader interface {
	// DailyCosts returns each day with a recorded cost total in
	// [from, to), ordered by Date ascending. Days with no record are
	// simply absent, not zero-valued — the Computed Context Builder (§4.C)
	// distinguishes "no data" from "zero spend".
	DailyCosts(ctx context.Context, tenantID string, from, to time.Time) ([]DailyCost, error)
}

// ProjectCostReader is the project-scoped counterpart of CostReader, used
// by the §4.D stage-2 project allocation lookup. Kept as a distinct
// interface rather than an added CostReader method: a tenant-level cost
// pipeline and a project-level one are frequently different systems (the
// latter requires cost allocation tags/labels the former may not carry),
// and callers that only ever need tenant totals should not have to stub a
// method they never call.
type ProjectCostReader interface {
	// ProjectDailyCosts returns each day with a recorded cost total
	// attributed to projectID in [from, to), ordered by Date ascending.
	// Same "absent means no data" rule as CostReader.DailyCosts.
	ProjectDailyCosts(ctx context.Context, tenantID, projectID string, from, to time.Time) ([]DailyCost, error)
}

// NotificationsSink is the external audit-event + metric-emitter
// collaborator (§1).
type NotificationsSink interface {
	Notify(ctx context.Context, eventType string, payload map[string]any)
}

// ReviewerIdentity is the subset of identity-provider claims the Approval
// Workflow needs to authorize a review (§4.H). The identity provider itself
// is an external collaborator (§1); this is its output shape.
type ReviewerIdentity struct {
	ReviewerID string
	Roles      []string
	// Permissions already resolved from role/SCIM group mapping, e.g.
	// "remediation.approve.prod", "remediation.approve.nonprod".
	Permissions []string
}

// IdentityProvider resolves a reviewer's roles/permissions for the maker-
// checker check in §4.H.
type IdentityProvider interface {
	ReviewerIdentity(ctx context.Context, reviewerID string) (ReviewerIdentity, error)
}

// KeyProvider supplies the current signing secret and its rotation fallback
// set (§1, §4.H). Implementations read ENFORCEMENT_APPROVAL_TOKEN_SECRET /
// _FALLBACK_SECRETS (or an equivalent secrets-manager binding); the core
// only consumes this interface.
type KeyProvider interface {
	CurrentSecret() (kid string, secret []byte)
	FallbackSecrets() map[string][]byte // kid -> secret, deduplicated
}
