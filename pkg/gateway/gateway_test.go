package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/valdrix-ai/ecp/pkg/approval"
	"github.com/valdrix-ai/ecp/pkg/collab"
	"github.com/valdrix-ai/ecp/pkg/config"
	ctxbuilder "github.com/valdrix-ai/ecp/pkg/context"
	"github.com/valdrix-ai/ecp/pkg/decisionledger"
	"github.com/valdrix-ai/ecp/pkg/engine"
	"github.com/valdrix-ai/ecp/pkg/failsafe"
	"github.com/valdrix-ai/ecp/pkg/money"
	"github.com/valdrix-ai/ecp/pkg/policy"
	"github.com/valdrix-ai/ecp/pkg/reservation"
	"github.com/valdrix-ai/ecp/pkg/tiers"
)

type fakeCostReader struct{}

func (fakeCostReader) DailyCosts(ctx context.Context, tenantID string, from, to time.Time) ([]collab.DailyCost, error) {
	return nil, nil
}

type fakeDirectory struct{}

func (fakeDirectory) TenantTier(ctx context.Context, tenantID string) (tiers.TierID, error) {
	return tiers.Growth, nil
}

type fakeProjects struct{}

func (fakeProjects) ProjectAllocation(ctx context.Context, tenantID, projectID string) (money.Amount, money.Amount, bool, error) {
	return money.Zero(), money.Zero(), false, nil
}

type fakeUsage struct{}

func (fakeUsage) ActivePlanUsage(ctx context.Context, tenantID string) (money.Amount, error) {
	return money.Zero(), nil
}
func (fakeUsage) ActiveEnterpriseUsage(ctx context.Context, tenantID string) (money.Amount, error) {
	return money.Zero(), nil
}

type fakeKeyProvider struct{}

func (fakeKeyProvider) CurrentSecret() (string, []byte)       { return "k1", []byte("secret") }
func (fakeKeyProvider) FallbackSecrets() map[string][]byte    { return nil }

type fakeIdentities struct{}

func (fakeIdentities) ReviewerIdentity(ctx context.Context, reviewerID string) (collab.ReviewerIdentity, error) {
	return collab.ReviewerIdentity{ReviewerID: reviewerID, Roles: []string{"sre"}, Permissions: []string{"remediation.approve.prod", "remediation.approve.nonprod"}}, nil
}

func newTestHandler(t *testing.T) *Handler {
	t.Helper()

	policies := policy.NewMemStore()
	doc := &policy.Document{
		SchemaVersion:               "1",
		PlanMonthlyCeilingUSD:       money.MustParse("1000.000000"),
		EnterpriseMonthlyCeilingUSD: money.MustParse("5000.000000"),
		ActionLeaseTTLSeconds:       3600,
	}
	if _, _, err := policies.Put(context.Background(), "tenant-1", doc); err != nil {
		t.Fatal(err)
	}

	reservations := reservation.NewMemLedger()
	ledger := decisionledger.NewMemLedger()
	decisions := engine.NewMemDecisionStore()
	lock := engine.NewMemLock()
	tenantTiers := tiers.NewResolver(fakeDirectory{})
	contexts := ctxbuilder.NewBuilder(fakeCostReader{})
	modeResolver := failsafe.NewResolver(config.Load())

	eng := engine.NewEngine(nil, policies, tenantTiers, contexts, fakeProjects{}, fakeUsage{}, reservations, ledger, decisions, lock, modeResolver, 2*time.Second, 250*time.Millisecond, 8000)

	approvals := approval.NewService(approval.NewMemStore(), approval.NewSigner(fakeKeyProvider{}), fakeIdentities{}, reservations, ledger)

	return NewHandler(eng, approvals, policies, decisions)
}

func TestHandleGenericAllowsWithinCeiling(t *testing.T) {
	h := newTestHandler(t)

	body, _ := json.Marshal(GenericGateRequest{
		TenantID:                 "tenant-1",
		Source:                   "generic",
		Action:                   "create",
		ProjectID:                "proj-1",
		Environment:              "prod",
		ResourceRef:              "widget-1",
		EstimatedMonthlyDeltaUSD: money.MustParse("100.000000"),
		EstimatedHourlyDeltaUSD:  money.MustParse("0.14"),
	})
	req := httptest.NewRequest("POST", "/gate", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.handleGeneric(w, req)

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp GateDecisionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != string(decisionledger.StatusAllow) {
		t.Fatalf("expected ALLOW, got %s", resp.Status)
	}
	if resp.ApprovalTokenContract != approvalTokenContract {
		t.Fatalf("expected approval_token_contract %q, got %q", approvalTokenContract, resp.ApprovalTokenContract)
	}
}

func TestHandleTerraformPreflightOverCeilingInSoftModeRequiresApproval(t *testing.T) {
	h := newTestHandler(t)

	body, _ := json.Marshal(TerraformPreflightRequest{
		TenantID:                 "tenant-1",
		RunID:                    "run-123",
		Stage:                    "plan",
		ResourceAddr:             "aws_instance.web",
		Action:                   "aws_instance.create",
		ProjectID:                "proj-1",
		Environment:              "staging",
		EstimatedMonthlyDeltaUSD: money.MustParse("5000.000000"),
		EstimatedHourlyDeltaUSD:  money.MustParse("7.00"),
	})
	req := httptest.NewRequest("POST", "/gate/terraform/preflight", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.handleTerraformPreflight(w, req)

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp TerraformPreflightResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.RequiredApproval {
		t.Fatalf("expected required_approval, got %+v", resp)
	}
	if resp.ApprovalRequestID == "" {
		t.Fatal("expected an approval_request_id to be populated")
	}
}

func TestHandleTerraformPreflightRejectsInvalidStage(t *testing.T) {
	h := newTestHandler(t)
	body, _ := json.Marshal(TerraformPreflightRequest{
		TenantID: "tenant-1", RunID: "run-1", Stage: "destroy", ProjectID: "proj-1", Environment: "prod",
	})
	req := httptest.NewRequest("POST", "/gate/terraform/preflight", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.handleTerraformPreflight(w, req)
	if w.Code != 422 {
		t.Fatalf("expected 422, got %d", w.Code)
	}
}

func TestHandleK8sAdmissionReviewEchoesRequestUID(t *testing.T) {
	h := newTestHandler(t)

	object := map[string]any{
		"metadata": map[string]any{
			"namespace": "prod-a",
			"name":      "web",
			"annotations": map[string]string{
				annotationTenantID:    "tenant-1",
				annotationMonthlyCost: "50",
			},
		},
	}
	objectBytes, _ := json.Marshal(object)
	review := AdmissionReview{
		APIVersion: "admission.k8s.io/v1",
		Kind:       "AdmissionReview",
		Request: &AdmissionRequest{
			UID:       "uid-1",
			Operation: "CREATE",
			Resource:  AdmissionGVR{Group: "apps", Version: "v1", Resource: "deployments"},
			Namespace: "prod-a",
			Name:      "web",
			Object:    objectBytes,
		},
	}
	body, _ := json.Marshal(review)
	req := httptest.NewRequest("POST", "/gate/k8s/admission/review", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.handleK8sAdmissionReview(w, req)

	if w.Code != 200 {
		t.Fatalf("expected 200 (AdmissionReview envelope always 200), got %d: %s", w.Code, w.Body.String())
	}
	var resp AdmissionReview
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Response.UID != "uid-1" {
		t.Fatalf("expected echoed uid, got %q", resp.Response.UID)
	}
}

func TestHandleK8sAdmissionReviewRejectsInvalidDecimalAnnotation(t *testing.T) {
	h := newTestHandler(t)

	object := map[string]any{
		"metadata": map[string]any{
			"namespace": "prod-a",
			"name":      "web",
			"annotations": map[string]string{
				annotationTenantID:    "tenant-1",
				annotationMonthlyCost: "not-a-decimal",
			},
		},
	}
	objectBytes, _ := json.Marshal(object)
	review := AdmissionReview{
		Request: &AdmissionRequest{UID: "uid-2", Operation: "CREATE", Namespace: "prod-a", Object: objectBytes},
	}
	body, _ := json.Marshal(review)
	req := httptest.NewRequest("POST", "/gate/k8s/admission/review", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.handleK8sAdmissionReview(w, req)

	var resp AdmissionReview
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Response.Allowed {
		t.Fatal("expected allowed=false for an invalid decimal annotation")
	}
	if resp.Response.Status.Code != 422 {
		t.Fatalf("expected status.code 422, got %d", resp.Response.Status.Code)
	}
}

func TestHandleCloudEventDefaultsIdempotencyKeyToEventID(t *testing.T) {
	h := newTestHandler(t)

	data, _ := json.Marshal(cloudEventGateData{
		TenantID: "tenant-1", Action: "scale", ProjectID: "proj-1", Environment: "prod",
		ResourceRef: "svc-1", EstimatedMonthlyDeltaUSD: money.MustParse("10.000000"),
	})
	event := CloudEvent{ID: "evt-1", Source: "billing", SpecVersion: "1.0", Type: "cost.delta", Data: data}
	body, _ := json.Marshal(event)
	req := httptest.NewRequest("POST", "/gate/cloud-event", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.handleCloudEvent(w, req)

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	req2 := httptest.NewRequest("POST", "/gate/cloud-event", bytes.NewReader(body))
	w2 := httptest.NewRecorder()
	h.handleCloudEvent(w2, req2)
	if w2.Code != 200 {
		t.Fatalf("expected replay to return 200 via idempotency, got %d: %s", w2.Code, w2.Body.String())
	}

	var first, second struct {
		GateDecisionResponse
		CloudEventDataSHA256 string `json:"cloud_event_data_sha256"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &first)
	_ = json.Unmarshal(w2.Body.Bytes(), &second)
	if first.DecisionID != second.DecisionID {
		t.Fatalf("expected the replay to return the same decision_id, got %q vs %q", first.DecisionID, second.DecisionID)
	}
	if first.CloudEventDataSHA256 == "" {
		t.Fatal("expected cloud_event_data_sha256 to be populated")
	}
}
