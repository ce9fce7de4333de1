package export

import (
	"context"
	"testing"
	"time"

	"github.com/valdrix-ai/ecp/pkg/approval"
	"github.com/valdrix-ai/ecp/pkg/decisionledger"
	"github.com/valdrix-ai/ecp/pkg/engine"
	"github.com/valdrix-ai/ecp/pkg/money"
	"github.com/valdrix-ai/ecp/pkg/reservation"
)

type fakeKeyProvider struct {
	kid    string
	secret []byte
}

func (f fakeKeyProvider) CurrentSecret() (string, []byte)    { return f.kid, f.secret }
func (f fakeKeyProvider) FallbackSecrets() map[string][]byte { return nil }

func seedDecisions(t *testing.T, store *engine.MemDecisionStore, tenantID string, created time.Time) {
	t.Helper()
	d := decisionledger.Decision{
		ID:                       "dec-1",
		TenantID:                 tenantID,
		Source:                   decisionledger.SourceGeneric,
		Action:                   "create",
		Environment:              "prod",
		Status:                   decisionledger.StatusAllow,
		ReasonCode:               "within_ceiling",
		PolicyVersion:            3,
		PolicyDocumentSHA256:     "policyhash1",
		EstimatedMonthlyDeltaUSD: money.FromMicros(100_000000),
		EstimatedHourlyDeltaUSD:  money.FromMicros(1_000000),
		ComputedContext: map[string]any{
			"context_version":  2,
			"data_source_mode": "live",
			"month_start":      created,
			"month_end":        created.AddDate(0, 1, 0),
			"generated_at":     created,
		},
		ResourceRef:    "res-1",
		IdempotencyKey: "idem-1",
		CreatedAt:      created,
	}
	if err := store.Save(context.Background(), nil, d); err != nil {
		t.Fatalf("seed decision: %v", err)
	}

	d2 := d
	d2.ID = "dec-2"
	d2.IdempotencyKey = "idem-2"
	d2.PolicyVersion = 3
	d2.PolicyDocumentSHA256 = "policyhash1"
	d2.CreatedAt = created.Add(time.Minute)
	if err := store.Save(context.Background(), nil, d2); err != nil {
		t.Fatalf("seed decision 2: %v", err)
	}
}

func seedApprovals(t *testing.T, store *approval.MemStore, tenantID string, created time.Time) {
	t.Helper()
	r := approval.Request{
		ID:              "appr-1",
		DecisionID:      "dec-1",
		TenantID:        tenantID,
		ProjectID:       "proj-1",
		Environment:     "prod",
		Source:          "generic",
		RequesterID:     "user-1",
		Status:          approval.StatusApproved,
		ReviewerID:      "user-2",
		ExpiresAt:       created.Add(time.Hour),
		QuorumRequired:  1,
		QuorumCount:     1,
		CreatedAt:       created,
	}
	if err := store.Save(context.Background(), nil, r); err != nil {
		t.Fatalf("seed approval: %v", err)
	}
}

func seedReservations(t *testing.T, ledger *reservation.MemLedger, tenantID string, created time.Time) {
	t.Helper()
	ledger.PutGrant(reservation.CreditGrant{
		ID:               "grant-1",
		TenantID:         tenantID,
		PoolType:         reservation.PoolReserved,
		InitialAmountUSD: money.FromMicros(500_000000),
		RemainingUSD:     money.FromMicros(500_000000),
		ExpiresAt:        created.AddDate(0, 1, 0),
		CreatedAt:        created,
	})
	err := ledger.Reserve(context.Background(), nil, "dec-1", tenantID, []reservation.PlannedAllocation{
		{GrantID: "grant-1", PoolType: reservation.PoolReserved, AmountUSD: money.FromMicros(100_000000)},
	})
	if err != nil {
		t.Fatalf("seed reservation: %v", err)
	}
}

func seedLedger(t *testing.T, ledger *decisionledger.MemLedger, tenantID string, created time.Time) {
	t.Helper()
	snapshot := decisionledger.Decision{ID: "dec-1", TenantID: tenantID, CreatedAt: created}
	if _, err := ledger.Append(context.Background(), nil, tenantID, decisionledger.EventCreated, snapshot); err != nil {
		t.Fatalf("seed ledger row: %v", err)
	}
}

func buildTestBundle(t *testing.T) (*Bundle, time.Time, time.Time) {
	t.Helper()
	tenantID := "tenant-export"
	created := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	from := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	decisions := engine.NewMemDecisionStore()
	approvals := approval.NewMemStore()
	reservations := reservation.NewMemLedger()
	ledger := decisionledger.NewMemLedger()

	seedDecisions(t, decisions, tenantID, created)
	seedApprovals(t, approvals, tenantID, created)
	seedReservations(t, reservations, tenantID, created)
	seedLedger(t, ledger, tenantID, created)

	signer := NewSigner(fakeKeyProvider{kid: "k1", secret: []byte("export-secret")})

	b, err := Build(context.Background(), tenantID, from, to, decisions, approvals, reservations, ledger, signer, created.Add(time.Hour))
	if err != nil {
		t.Fatalf("build bundle: %v", err)
	}
	return b, from, to
}

func TestBuildBundleIsDeterministicAcrossRuns(t *testing.T) {
	b1, _, _ := buildTestBundle(t)
	b2, _, _ := buildTestBundle(t)

	if string(b1.DecisionsCSV) != string(b2.DecisionsCSV) {
		t.Fatalf("decisions.csv differs across identical builds")
	}
	if string(b1.ApprovalsCSV) != string(b2.ApprovalsCSV) {
		t.Fatalf("approvals.csv differs across identical builds")
	}
	if string(b1.ReservationsCSV) != string(b2.ReservationsCSV) {
		t.Fatalf("reservations.csv differs across identical builds")
	}
	if string(b1.LedgerCSV) != string(b2.LedgerCSV) {
		t.Fatalf("ledger.csv differs across identical builds")
	}
	if b1.Manifest.PolicyLineageSHA256 != b2.Manifest.PolicyLineageSHA256 {
		t.Fatalf("policy lineage hash differs across identical builds")
	}
	if b1.Manifest.ComputedContextLineageSHA256 != b2.Manifest.ComputedContextLineageSHA256 {
		t.Fatalf("computed context lineage hash differs across identical builds")
	}
}

func TestBuildBundleManifestSignatureVerifies(t *testing.T) {
	b, _, _ := buildTestBundle(t)

	if !Verify([]byte("export-secret"), b.ManifestCanonical, b.ManifestSignature) {
		t.Fatalf("manifest signature did not verify with the signing secret")
	}
	if Verify([]byte("wrong-secret"), b.ManifestCanonical, b.ManifestSignature) {
		t.Fatalf("manifest signature verified with the wrong secret")
	}
}

func TestBuildBundleFailsClosedWithoutSigningKey(t *testing.T) {
	tenantID := "tenant-export"
	created := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	from := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	decisions := engine.NewMemDecisionStore()
	approvals := approval.NewMemStore()
	reservations := reservation.NewMemLedger()
	ledger := decisionledger.NewMemLedger()
	seedDecisions(t, decisions, tenantID, created)

	signer := NewSigner(fakeKeyProvider{kid: "", secret: nil})
	_, err := Build(context.Background(), tenantID, from, to, decisions, approvals, reservations, ledger, signer, created)
	if err == nil {
		t.Fatalf("expected build to fail closed without a signing key")
	}
}

func TestPolicyLineageCountsGroupByVersionAndHash(t *testing.T) {
	b, _, _ := buildTestBundle(t)

	if len(b.Manifest.PolicyLineageEntries) != 1 {
		t.Fatalf("expected one policy lineage entry for two same-version same-hash decisions, got %d", len(b.Manifest.PolicyLineageEntries))
	}
	entry := b.Manifest.PolicyLineageEntries[0]
	if entry.DecisionCount != 2 {
		t.Fatalf("expected decision_count 2, got %d", entry.DecisionCount)
	}
}

func TestLocalSinkPublishesAllBundleEntries(t *testing.T) {
	b, _, _ := buildTestBundle(t)
	sink := NewLocalSink(t.TempDir())

	if err := Publish(context.Background(), sink, b); err != nil {
		t.Fatalf("publish: %v", err)
	}
}
