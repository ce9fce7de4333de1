// Package export builds the Export Parity bundle (§4.K): a deterministic,
// tenant-and-window-scoped CSV snapshot of decisions, approvals,
// reservations, and ledger rows, plus a signed canonical manifest binding
// them together with anti-tamper lineage digests.
package export

import (
	"context"
	"fmt"
	"time"

	"github.com/valdrix-ai/ecp/pkg/approval"
	"github.com/valdrix-ai/ecp/pkg/canonicalize"
	"github.com/valdrix-ai/ecp/pkg/decisionledger"
	"github.com/valdrix-ai/ecp/pkg/engine"
	"github.com/valdrix-ai/ecp/pkg/reservation"
)

// Bundle is one built export: the four CSV payloads plus the manifest and
// its signature, ready to be handed to a Sink or returned inline over
// GET /exports/parity.
type Bundle struct {
	TenantID   string
	WindowFrom time.Time
	WindowTo   time.Time

	DecisionsCSV    []byte
	ApprovalsCSV    []byte
	ReservationsCSV []byte
	LedgerCSV       []byte

	Manifest           Manifest
	ManifestCanonical  []byte
	ManifestSHA256     string
	ManifestSignature  string
	ManifestKeyID      string
}

// Entries returns the bundle as a set of (object key -> bytes) pairs, in
// the layout a Sink publishes them under.
func (b *Bundle) Entries() map[string][]byte {
	return map[string][]byte{
		"decisions.csv":          b.DecisionsCSV,
		"approvals.csv":          b.ApprovalsCSV,
		"reservations.csv":       b.ReservationsCSV,
		"ledger.csv":             b.LedgerCSV,
		"manifest.canonical.json": b.ManifestCanonical,
		"manifest.sha256":        []byte(b.ManifestSHA256),
		"manifest.sig":           []byte(b.ManifestSignature),
	}
}

// Build assembles a Bundle for tenantID over [from, to) by querying the
// four persistence collaborators, rendering their CSVs, computing the
// lineage digests, and signing the resulting manifest. It never mutates
// any of its inputs (§8 property 6: two Build calls over unchanged data
// produce byte-identical CSVs and a manifest that differs only in
// generated_at/signature).
func Build(
	ctx context.Context,
	tenantID string,
	from, to time.Time,
	decisions engine.DecisionStore,
	approvals approval.Store,
	reservations reservation.Ledger,
	ledger decisionledger.Ledger,
	signer *Signer,
	now time.Time,
) (*Bundle, error) {
	decisionRows, err := decisions.ListByTenantAndWindow(ctx, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("export: list decisions: %w", err)
	}
	approvalRows, err := approvals.ListByTenantAndWindow(ctx, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("export: list approvals: %w", err)
	}
	allocationRows, err := reservations.AllocationsForTenant(ctx, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("export: list reservations: %w", err)
	}
	ledgerRows, err := ledger.RowsForTenant(ctx, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("export: list ledger rows: %w", err)
	}

	decisionsCSVBytes, err := decisionsCSV(decisionRows)
	if err != nil {
		return nil, fmt.Errorf("export: render decisions.csv: %w", err)
	}
	approvalsCSVBytes, err := approvalsCSV(approvalRows)
	if err != nil {
		return nil, fmt.Errorf("export: render approvals.csv: %w", err)
	}
	reservationsCSVBytes, err := reservationsCSV(allocationRows)
	if err != nil {
		return nil, fmt.Errorf("export: render reservations.csv: %w", err)
	}
	ledgerCSVBytes, err := ledgerCSV(ledgerRows)
	if err != nil {
		return nil, fmt.Errorf("export: render ledger.csv: %w", err)
	}

	policyEntries, policyHash, err := buildPolicyLineage(decisionRows)
	if err != nil {
		return nil, err
	}
	ctxEntries, ctxHash, err := buildComputedContextLineage(decisionRows)
	if err != nil {
		return nil, err
	}

	manifest := Manifest{
		TenantID:                      tenantID,
		WindowFrom:                    from,
		WindowTo:                      to,
		DecisionCount:                 len(decisionRows),
		ApprovalCount:                 len(approvalRows),
		ReservationAllocationCount:    len(allocationRows),
		LedgerRowCount:                len(ledgerRows),
		PolicyLineageSHA256:           policyHash,
		PolicyLineageEntries:          policyEntries,
		ComputedContextLineageSHA256:  ctxHash,
		ComputedContextLineageEntries: ctxEntries,
		GeneratedAt:                   now,
	}

	canonicalJSON, err := canonicalize.JCS(manifest)
	if err != nil {
		return nil, fmt.Errorf("export: canonicalize manifest: %w", err)
	}
	sha256Hex := canonicalize.HashBytes(canonicalJSON)

	kid, signature, err := signer.Sign(canonicalJSON)
	if err != nil {
		return nil, fmt.Errorf("export: sign manifest: %w", err)
	}

	return &Bundle{
		TenantID:          tenantID,
		WindowFrom:        from,
		WindowTo:          to,
		DecisionsCSV:      decisionsCSVBytes,
		ApprovalsCSV:      approvalsCSVBytes,
		ReservationsCSV:   reservationsCSVBytes,
		LedgerCSV:         ledgerCSVBytes,
		Manifest:          manifest,
		ManifestCanonical: canonicalJSON,
		ManifestSHA256:    sha256Hex,
		ManifestSignature: signature,
		ManifestKeyID:     kid,
	}, nil
}

// Publish writes every bundle entry to sink under a
// tenant/window-scoped key prefix, e.g.
// "<tenantID>/<from>_<to>/decisions.csv" with both times in UTC
// RFC3339Nano form.
func Publish(ctx context.Context, sink Sink, b *Bundle) error {
	prefix := b.TenantID + "/" + rfc3339(b.WindowFrom) + "_" + rfc3339(b.WindowTo) + "/"
	for name, data := range b.Entries() {
		if err := sink.Put(ctx, prefix+name, data); err != nil {
			return fmt.Errorf("export: publish %s: %w", name, err)
		}
	}
	return nil
}
