package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/valdrix-ai/ecp/pkg/collab"
	"github.com/valdrix-ai/ecp/pkg/decisionledger"
	"github.com/valdrix-ai/ecp/pkg/money"
	"github.com/valdrix-ai/ecp/pkg/obs"
	"github.com/valdrix-ai/ecp/pkg/policy"
	"github.com/valdrix-ai/ecp/pkg/reservation"
)

var (
	ErrNotPending            = errors.New("approval: request is not pending")
	ErrReviewerNotAuthorized = errors.New("approval: reviewer lacks authority for this request")
	ErrMakerChecker          = errors.New("approval: requester and reviewer must differ in this environment")
	ErrAlreadyConsumed       = errors.New("approval: token already consumed")
	ErrTokenBindingMismatch  = errors.New("approval: token binding does not match the decision being consumed")
	ErrTokenExpired          = errors.New("approval: token expired")
	ErrWrongTokenType        = errors.New("approval: wrong token_type")
)

// defaultExpiry is used when the policy document does not configure a
// lease TTL for approval requests.
const defaultExpiry = 24 * time.Hour

// Service implements request_approval / the reviewer authority check /
// consume_approval_token / deny_request / expire (§4.H).
type Service struct {
	store        Store
	tokens       *Signer
	identities   collab.IdentityProvider
	reservations reservation.Ledger
	ledger       decisionledger.Ledger
	metrics      *obs.Provider
}

func NewService(store Store, tokens *Signer, identities collab.IdentityProvider, reservations reservation.Ledger, ledger decisionledger.Ledger) *Service {
	return &Service{store: store, tokens: tokens, identities: identities, reservations: reservations, ledger: ledger}
}

// WithMetrics attaches the §4.L observability provider; the approval_queue_
// backlog gauge then tracks +1 on every RequestApproval and -1 on every
// terminal transition (approved, denied, expired). nil disables it.
func (s *Service) WithMetrics(metrics *obs.Provider) *Service {
	s.metrics = metrics
	return s
}

// RequestApproval selects the first matching routing rule (stable,
// deterministic document order — see pkg/policy's tie-break), persists the
// routing_rule_id and the full routing_trace, and sets quorum_required and
// expires_at (§4.H).
func (s *Service) RequestApproval(ctx context.Context, decision decisionledger.Decision, doc *policy.Document, requesterID string) (Request, error) {
	var matched *policy.RoutingRule
	trace := make([]RoutingTraceEntry, 0, len(doc.ApprovalRoutingRules))
	for i := range doc.ApprovalRoutingRules {
		r := &doc.ApprovalRoutingRules[i]
		isMatch := matched == nil && ruleMatches(r, decision)
		trace = append(trace, RoutingTraceEntry{RuleID: r.ID, Matched: isMatch})
		if isMatch {
			matched = r
		}
	}

	quorumRequired := 1
	var allowedRoles []string
	routingRuleID := ""
	if matched != nil {
		routingRuleID = matched.ID
		allowedRoles = matched.AllowedReviewerRoles
		if matched.Quorum == 1 || matched.Quorum == 2 {
			quorumRequired = matched.Quorum
		}
	}

	separation := doc.RequesterReviewerSeparation.Nonprod
	if decision.Environment == "prod" {
		separation = doc.RequesterReviewerSeparation.Prod
	}

	expiry := defaultExpiry
	if doc.ActionLeaseTTLSeconds > 0 {
		expiry = time.Duration(doc.ActionLeaseTTLSeconds) * time.Second
	}

	req := Request{
		ID:                          fmt.Sprintf("apr_%s", decision.ID),
		DecisionID:                  decision.ID,
		TenantID:                    decision.TenantID,
		ProjectID:                   decision.ProjectID,
		Environment:                 decision.Environment,
		Source:                      string(decision.Source),
		RequesterID:                 requesterID,
		Status:                      StatusPending,
		RoutingRuleID:               routingRuleID,
		RoutingTrace:                trace,
		ExpiresAt:                   time.Now().UTC().Add(expiry),
		QuorumRequired:              quorumRequired,
		AllowedReviewerRoles:        allowedRoles,
		RequesterReviewerSeparation: separation,
		MaxMonthlyDeltaUSD:          decision.EstimatedMonthlyDeltaUSD,
		MaxHourlyDeltaUSD:           decision.EstimatedHourlyDeltaUSD,
		RequestFingerprint:          decision.RequestFingerprint,
		DecisionSnapshot:            decision,
		CreatedAt:                   time.Now().UTC(),
	}

	if err := s.store.Save(ctx, nil, req); err != nil {
		return Request{}, err
	}
	req.DecisionSnapshot.ApprovalRequestID = req.ID
	req.DecisionSnapshot.Status = decisionledger.StatusRequireApproval
	if _, err := s.ledger.Append(ctx, nil, decision.TenantID, decisionledger.EventApprovalRequested, req.DecisionSnapshot); err != nil {
		return Request{}, err
	}
	if s.metrics != nil {
		s.metrics.SetApprovalBacklog(ctx, 1)
	}
	return req, nil
}

func ruleMatches(r *policy.RoutingRule, d decisionledger.Decision) bool {
	if r.Environment != "" && r.Environment != d.Environment {
		return false
	}
	if r.ActionPrefix != "" && (len(d.Action) < len(r.ActionPrefix) || d.Action[:len(r.ActionPrefix)] != r.ActionPrefix) {
		return false
	}
	if d.EstimatedMonthlyDeltaUSD.Cmp(r.MonthlyDeltaThreshold) < 0 {
		return false
	}
	return true
}

// Review implements the reviewer authority check plus the approve/deny
// state transition (§4.H). On reaching quorum, it issues the one-time
// token; on deny, it refunds any reservations held against the decision.
func (s *Service) Review(ctx context.Context, requestID, reviewerID string, approve bool) (Request, string, error) {
	identity, err := s.identities.ReviewerIdentity(ctx, reviewerID)
	if err != nil {
		return Request{}, "", err
	}

	var issuedToken string
	updated, err := s.store.CASUpdate(ctx, nil, requestID, func(r *Request) error {
		if r.Status != StatusPending {
			return ErrNotPending
		}
		if len(r.AllowedReviewerRoles) > 0 && !hasAny(identity.Roles, r.AllowedReviewerRoles) {
			return ErrReviewerNotAuthorized
		}
		requiredPermission := "remediation.approve.nonprod"
		if r.Environment == "prod" {
			requiredPermission = "remediation.approve.prod"
		}
		if !hasString(identity.Permissions, requiredPermission) {
			return ErrReviewerNotAuthorized
		}
		if r.RequesterReviewerSeparation && reviewerID == r.RequesterID {
			return ErrMakerChecker
		}

		now := time.Now().UTC()
		if !approve {
			r.Status = StatusDenied
			r.ReviewerID = reviewerID
			r.ReviewedAt = &now
			return nil
		}

		r.QuorumCount++
		r.ReviewerID = reviewerID
		if r.QuorumCount >= r.QuorumRequired {
			r.Status = StatusApproved
			r.ReviewedAt = &now
		}
		return nil
	})
	if err != nil {
		return Request{}, "", err
	}

	switch updated.Status {
	case StatusApproved:
		token, err := s.tokens.Issue(updated)
		if err != nil {
			return updated, "", err
		}
		issuedToken = token
		snapshot := updated.DecisionSnapshot
		snapshot.Status = decisionledger.StatusAllow
		snapshot.ReasonCode = "approved"
		if _, err := s.ledger.Append(ctx, nil, updated.TenantID, decisionledger.EventApproved, snapshot); err != nil {
			return updated, issuedToken, err
		}
		if s.metrics != nil {
			s.metrics.SetApprovalBacklog(ctx, -1)
		}
	case StatusDenied:
		if err := s.refundAndDeny(ctx, updated); err != nil {
			return updated, "", err
		}
		if s.metrics != nil {
			s.metrics.SetApprovalBacklog(ctx, -1)
		}
	}

	return updated, issuedToken, nil
}

func (s *Service) refundAndDeny(ctx context.Context, r Request) error {
	if err := s.reservations.Refund(ctx, nil, r.DecisionID); err != nil && !errors.Is(err, reservation.ErrNoActiveReservation) {
		return err
	}
	snapshot := r.DecisionSnapshot
	snapshot.Status = decisionledger.StatusDeny
	snapshot.ReasonCode = "approval_denied"
	_, err := s.ledger.Append(ctx, nil, r.TenantID, decisionledger.EventDenied, snapshot)
	return err
}

// ExpireOverdue transitions a PENDING request past its expires_at to
// EXPIRED, refunding any reservations and appending a ledger row, per
// §4.H's "deny_request or expire: refund reservations, append ledger row".
func (s *Service) ExpireOverdue(ctx context.Context, requestID string) (Request, error) {
	updated, err := s.store.CASUpdate(ctx, nil, requestID, func(r *Request) error {
		if r.Status != StatusPending {
			return ErrNotPending
		}
		if time.Now().UTC().Before(r.ExpiresAt) {
			return fmt.Errorf("approval: request %s has not yet expired", r.ID)
		}
		r.Status = StatusExpired
		return nil
	})
	if err != nil {
		return Request{}, err
	}
	if err := s.reservations.Refund(ctx, nil, updated.DecisionID); err != nil && !errors.Is(err, reservation.ErrNoActiveReservation) {
		return updated, err
	}
	snapshot := updated.DecisionSnapshot
	snapshot.Status = decisionledger.StatusDeny
	snapshot.ReasonCode = "approval_expired"
	if _, err := s.ledger.Append(ctx, nil, updated.TenantID, decisionledger.EventExpired, snapshot); err != nil {
		return updated, err
	}
	if s.metrics != nil {
		s.metrics.SetApprovalBacklog(ctx, -1)
	}
	return updated, nil
}

// ConsumeBinding is the set of fields the caller (e.g. the Actions
// Orchestrator boundary) asks the token to authorize. Every field must
// match the token's own claims; the two delta fields are ceilings, not
// equalities: the requested amount must not exceed the token's bound max.
type ConsumeBinding struct {
	TenantID                 string
	ProjectID                string
	Environment              string
	Source                   string
	RequestFingerprint       string
	RequestedMonthlyDeltaUSD money.Amount
	RequestedHourlyDeltaUSD  money.Amount
}

// ConsumeToken implements consume_approval_token(token, expected_project_id?):
// verifies the signature (current secret, then each rotation fallback),
// validates token_type/expiry/every binding claim against the decision
// being consumed, and atomically transitions APPROVED -> CONSUMED. A second
// consume attempt returns ErrAlreadyConsumed (§4.H).
func (s *Service) ConsumeToken(ctx context.Context, token string, binding ConsumeBinding) (Request, error) {
	claims, err := s.tokens.Parse(token)
	if err != nil {
		return Request{}, err
	}
	if claims.TokenType != TokenType {
		return Request{}, ErrWrongTokenType
	}
	if claims.ExpiresAt == nil || claims.ExpiresAt.Before(time.Now().UTC()) {
		return Request{}, ErrTokenExpired
	}
	if claims.TenantID != binding.TenantID ||
		claims.Environment != binding.Environment ||
		claims.Source != binding.Source ||
		claims.Fingerprint != binding.RequestFingerprint ||
		(binding.ProjectID != "" && claims.ProjectID != binding.ProjectID) {
		return Request{}, ErrTokenBindingMismatch
	}
	if binding.RequestedMonthlyDeltaUSD.Cmp(claims.MaxMonthlyDeltaUSD) > 0 ||
		binding.RequestedHourlyDeltaUSD.Cmp(claims.MaxHourlyDeltaUSD) > 0 {
		return Request{}, ErrTokenBindingMismatch
	}

	return s.store.CASUpdate(ctx, nil, claims.ApprovalID, func(r *Request) error {
		if r.Status == StatusConsumed {
			return ErrAlreadyConsumed
		}
		if r.Status != StatusApproved {
			return fmt.Errorf("approval: request %s is not approved", r.ID)
		}
		if r.DecisionID != claims.DecisionID {
			return ErrTokenBindingMismatch
		}
		r.Status = StatusConsumed
		return nil
	})
}

func hasAny(have, want []string) bool {
	for _, h := range have {
		for _, w := range want {
			if h == w {
				return true
			}
		}
	}
	return false
}

func hasString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
