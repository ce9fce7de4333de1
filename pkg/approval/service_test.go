package approval

import (
	"context"
	"testing"
	"time"

	"github.com/valdrix-ai/ecp/pkg/collab"
	"github.com/valdrix-ai/ecp/pkg/decisionledger"
	"github.com/valdrix-ai/ecp/pkg/money"
	"github.com/valdrix-ai/ecp/pkg/policy"
	"github.com/valdrix-ai/ecp/pkg/reservation"
)

type fakeKeyProvider struct {
	kid      string
	secret   []byte
	fallback map[string][]byte
}

func (f fakeKeyProvider) CurrentSecret() (string, []byte) { return f.kid, f.secret }
func (f fakeKeyProvider) FallbackSecrets() map[string][]byte { return f.fallback }

type fakeIdentities struct {
	byReviewer map[string]collab.ReviewerIdentity
}

func (f fakeIdentities) ReviewerIdentity(ctx context.Context, reviewerID string) (collab.ReviewerIdentity, error) {
	return f.byReviewer[reviewerID], nil
}

func sampleDecision() decisionledger.Decision {
	return decisionledger.Decision{
		ID:                       "dec-1",
		TenantID:                 "t1",
		Source:                   decisionledger.SourceTerraform,
		Action:                   "aws_instance.create",
		ProjectID:                "proj-1",
		Environment:              "prod",
		ResourceRef:              "aws_instance.web",
		RequestFingerprint:       "fp-1",
		Status:                   decisionledger.StatusRequireApproval,
		EstimatedMonthlyDeltaUSD: money.MustParse("600.000000"),
		EstimatedHourlyDeltaUSD:  money.MustParse("0.80"),
		CreatedAt:                time.Now().UTC(),
	}
}

func testDoc(quorum int, requireSeparation bool) *policy.Document {
	return &policy.Document{
		ApprovalRoutingRules: []policy.RoutingRule{
			{ID: "r0", Environment: "nonprod", MonthlyDeltaThreshold: money.Zero(), Quorum: 1},
			{ID: "r1", Environment: "prod", MonthlyDeltaThreshold: money.MustParse("500.000000"), Quorum: quorum, AllowedReviewerRoles: []string{"sre"}},
		},
		RequesterReviewerSeparation: policy.RequesterReviewerSeparation{Prod: requireSeparation, Nonprod: false},
		ActionLeaseTTLSeconds:       3600,
	}
}

func newService(t *testing.T) (*Service, *MemStore, *reservation.MemLedger, *decisionledger.MemLedger) {
	t.Helper()
	store := NewMemStore()
	reservations := reservation.NewMemLedger()
	ledger := decisionledger.NewMemLedger()
	identities := fakeIdentities{byReviewer: map[string]collab.ReviewerIdentity{
		"reviewer-1": {ReviewerID: "reviewer-1", Roles: []string{"sre"}, Permissions: []string{"remediation.approve.prod", "remediation.approve.nonprod"}},
		"requester-1": {ReviewerID: "requester-1", Roles: []string{"sre"}, Permissions: []string{"remediation.approve.prod"}},
		"no-role": {ReviewerID: "no-role", Roles: []string{"viewer"}, Permissions: nil},
	}}
	keys := fakeKeyProvider{kid: "k1", secret: []byte("current-secret"), fallback: map[string][]byte{"k0": []byte("old-secret")}}
	tokens := NewSigner(keys)
	svc := NewService(store, tokens, identities, reservations, ledger)
	return svc, store, reservations, ledger
}

func TestRequestApprovalSelectsFirstMatchingRuleAndRecordsTrace(t *testing.T) {
	svc, _, _, ledger := newService(t)
	doc := testDoc(2, true)
	req, err := svc.RequestApproval(context.Background(), sampleDecision(), doc, "requester-1")
	if err != nil {
		t.Fatal(err)
	}
	if req.RoutingRuleID != "r1" {
		t.Fatalf("expected rule r1 to match, got %q", req.RoutingRuleID)
	}
	if req.QuorumRequired != 2 {
		t.Fatalf("expected quorum 2, got %d", req.QuorumRequired)
	}
	if len(req.RoutingTrace) != 2 || req.RoutingTrace[0].Matched || !req.RoutingTrace[1].Matched {
		t.Fatalf("unexpected routing trace: %+v", req.RoutingTrace)
	}

	history, err := ledger.History(context.Background(), "dec-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].EventType != decisionledger.EventApprovalRequested {
		t.Fatalf("expected one approval_requested ledger row, got %v", history)
	}
}

func TestReviewRejectsUnauthorizedReviewer(t *testing.T) {
	svc, _, _, _ := newService(t)
	doc := testDoc(1, false)
	req, err := svc.RequestApproval(context.Background(), sampleDecision(), doc, "requester-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := svc.Review(context.Background(), req.ID, "no-role", true); err != ErrReviewerNotAuthorized {
		t.Fatalf("expected ErrReviewerNotAuthorized, got %v", err)
	}
}

func TestReviewEnforcesMakerCheckerSeparation(t *testing.T) {
	svc, _, _, _ := newService(t)
	doc := testDoc(1, true)
	req, err := svc.RequestApproval(context.Background(), sampleDecision(), doc, "reviewer-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := svc.Review(context.Background(), req.ID, "reviewer-1", true); err != ErrMakerChecker {
		t.Fatalf("expected ErrMakerChecker, got %v", err)
	}
}

func TestReviewIssuesTokenOnlyAtQuorum(t *testing.T) {
	svc, _, _, ledger := newService(t)
	doc := testDoc(2, false)
	req, err := svc.RequestApproval(context.Background(), sampleDecision(), doc, "requester-1")
	if err != nil {
		t.Fatal(err)
	}

	updated, token, err := svc.Review(context.Background(), req.ID, "reviewer-1", true)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != StatusPending || token != "" {
		t.Fatalf("expected first approve to stay pending with no token, got status=%s token=%q", updated.Status, token)
	}

	// A second distinct reviewer approving should not be blocked by
	// maker-checker (requester_reviewer_separation is false here).
	doc.RequesterReviewerSeparation.Prod = false
	updated2, token2, err := svc.Review(context.Background(), req.ID, "requester-1", true)
	if err != nil {
		t.Fatal(err)
	}
	if updated2.Status != StatusApproved || token2 == "" {
		t.Fatalf("expected APPROVED with an issued token at quorum, got status=%s token=%q", updated2.Status, token2)
	}

	history, err := ledger.History(context.Background(), "dec-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 ledger rows (requested, approved), got %d", len(history))
	}
}

func TestReviewDenyRefundsReservations(t *testing.T) {
	svc, _, reservations, ledger := newService(t)
	doc := testDoc(1, false)
	decision := sampleDecision()

	reservations.PutGrant(reservation.CreditGrant{
		ID:               "grant-1",
		TenantID:         "t1",
		PoolType:         reservation.PoolReserved,
		InitialAmountUSD: money.MustParse("100.000000"),
		RemainingUSD:     money.MustParse("100.000000"),
		ExpiresAt:        time.Now().Add(30 * 24 * time.Hour),
		CreatedAt:        time.Now(),
	})
	if err := reservations.Reserve(context.Background(), nil, decision.ID, "t1", []reservation.PlannedAllocation{
		{GrantID: "grant-1", PoolType: reservation.PoolReserved, AmountUSD: money.MustParse("40.000000")},
	}); err != nil {
		t.Fatal(err)
	}

	req, err := svc.RequestApproval(context.Background(), decision, doc, "requester-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := svc.Review(context.Background(), req.ID, "reviewer-1", false); err != nil {
		t.Fatal(err)
	}

	allocs, err := reservations.ActiveAllocations(context.Background(), nil, decision.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(allocs) != 0 {
		t.Fatalf("expected deny to refund all active allocations, got %d", len(allocs))
	}

	history, _ := ledger.History(context.Background(), decision.ID)
	if len(history) != 2 || history[1].EventType != decisionledger.EventDenied {
		t.Fatalf("expected (requested, denied) ledger rows, got %v", history)
	}
}

func TestConsumeTokenTransitionsApprovedToConsumedOnce(t *testing.T) {
	svc, _, _, _ := newService(t)
	doc := testDoc(1, false)
	decision := sampleDecision()
	req, err := svc.RequestApproval(context.Background(), decision, doc, "requester-1")
	if err != nil {
		t.Fatal(err)
	}
	_, token, err := svc.Review(context.Background(), req.ID, "reviewer-1", true)
	if err != nil {
		t.Fatal(err)
	}
	if token == "" {
		t.Fatal("expected a token to be issued")
	}

	binding := ConsumeBinding{
		TenantID:                 decision.TenantID,
		ProjectID:                decision.ProjectID,
		Environment:              decision.Environment,
		Source:                   string(decision.Source),
		RequestFingerprint:       decision.RequestFingerprint,
		RequestedMonthlyDeltaUSD: decision.EstimatedMonthlyDeltaUSD,
		RequestedHourlyDeltaUSD:  decision.EstimatedHourlyDeltaUSD,
	}

	consumed, err := svc.ConsumeToken(context.Background(), token, binding)
	if err != nil {
		t.Fatal(err)
	}
	if consumed.Status != StatusConsumed {
		t.Fatalf("expected CONSUMED, got %s", consumed.Status)
	}

	if _, err := svc.ConsumeToken(context.Background(), token, binding); err != ErrAlreadyConsumed {
		t.Fatalf("expected ErrAlreadyConsumed on replay, got %v", err)
	}
}

func TestConsumeTokenRejectsBindingMismatch(t *testing.T) {
	svc, _, _, _ := newService(t)
	doc := testDoc(1, false)
	decision := sampleDecision()
	req, err := svc.RequestApproval(context.Background(), decision, doc, "requester-1")
	if err != nil {
		t.Fatal(err)
	}
	_, token, err := svc.Review(context.Background(), req.ID, "reviewer-1", true)
	if err != nil {
		t.Fatal(err)
	}

	binding := ConsumeBinding{
		TenantID:                 decision.TenantID,
		ProjectID:                decision.ProjectID,
		Environment:              "nonprod", // mismatched
		Source:                   string(decision.Source),
		RequestFingerprint:       decision.RequestFingerprint,
		RequestedMonthlyDeltaUSD: decision.EstimatedMonthlyDeltaUSD,
		RequestedHourlyDeltaUSD:  decision.EstimatedHourlyDeltaUSD,
	}
	if _, err := svc.ConsumeToken(context.Background(), token, binding); err != ErrTokenBindingMismatch {
		t.Fatalf("expected ErrTokenBindingMismatch, got %v", err)
	}
}

func TestExpireOverdueRefundsAndAppendsLedgerRow(t *testing.T) {
	svc, store, reservations, ledger := newService(t)
	doc := testDoc(1, false)
	decision := sampleDecision()
	req, err := svc.RequestApproval(context.Background(), decision, doc, "requester-1")
	if err != nil {
		t.Fatal(err)
	}

	// Force expiry into the past.
	stored, _ := store.Get(context.Background(), req.ID)
	stored.ExpiresAt = time.Now().Add(-time.Minute)
	_ = store.Save(context.Background(), nil, stored)

	updated, err := svc.ExpireOverdue(context.Background(), req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != StatusExpired {
		t.Fatalf("expected EXPIRED, got %s", updated.Status)
	}

	history, _ := ledger.History(context.Background(), decision.ID)
	if len(history) != 2 || history[1].EventType != decisionledger.EventExpired {
		t.Fatalf("expected (requested, expired) ledger rows, got %v", history)
	}
	_ = reservations
}
