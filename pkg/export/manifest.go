package export

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/valdrix-ai/ecp/pkg/canonicalize"
	"github.com/valdrix-ai/ecp/pkg/collab"
	"github.com/valdrix-ai/ecp/pkg/decisionledger"
)

// PolicyLineageEntry is one (policy_version, policy_document_sha256,
// decision_count) tuple contributing to policy_lineage_sha256 (§4.K).
type PolicyLineageEntry struct {
	PolicyVersion        int    `json:"policy_version"`
	PolicyDocumentSHA256 string `json:"policy_document_sha256"`
	DecisionCount        int    `json:"decision_count_in_window"`
}

// ComputedContextLineageEntry is one (context_version, month_window,
// data_source_mode) bucket contributing to computed_context_lineage_sha256.
type ComputedContextLineageEntry struct {
	ContextVersion int    `json:"context_version"`
	MonthWindow    string `json:"month_window"`
	DataSourceMode string `json:"data_source_mode"`
	Count          int    `json:"count"`
}

// Manifest is the canonicalized metadata describing one export bundle
// (§4.K): counts, window, and the two anti-tamper lineage digests.
type Manifest struct {
	TenantID                        string                        `json:"tenant_id"`
	WindowFrom                      time.Time                     `json:"window_from"`
	WindowTo                        time.Time                     `json:"window_to"`
	DecisionCount                   int                           `json:"decision_count"`
	ApprovalCount                   int                           `json:"approval_count"`
	ReservationAllocationCount      int                           `json:"reservation_allocation_count"`
	LedgerRowCount                  int                           `json:"ledger_row_count"`
	PolicyLineageSHA256             string                        `json:"policy_lineage_sha256"`
	PolicyLineageEntries            []PolicyLineageEntry          `json:"policy_lineage_entries"`
	ComputedContextLineageSHA256    string                        `json:"computed_context_lineage_sha256"`
	ComputedContextLineageEntries   []ComputedContextLineageEntry `json:"computed_context_lineage_entries"`
	GeneratedAt                     time.Time                     `json:"generated_at"`
}

func buildPolicyLineage(decisions []decisionledger.Decision) ([]PolicyLineageEntry, string, error) {
	counts := make(map[[2]string]int)
	for _, d := range decisions {
		key := [2]string{itoa(d.PolicyVersion), d.PolicyDocumentSHA256}
		counts[key]++
	}
	entries := make([]PolicyLineageEntry, 0, len(counts))
	for key, count := range counts {
		var version int
		_, _ = fmt.Sscanf(key[0], "%d", &version)
		entries = append(entries, PolicyLineageEntry{
			PolicyVersion:        version,
			PolicyDocumentSHA256: key[1],
			DecisionCount:        count,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].PolicyVersion != entries[j].PolicyVersion {
			return entries[i].PolicyVersion < entries[j].PolicyVersion
		}
		return entries[i].PolicyDocumentSHA256 < entries[j].PolicyDocumentSHA256
	})
	hash, err := canonicalize.CanonicalHash(entries)
	if err != nil {
		return nil, "", fmt.Errorf("export: hash policy lineage: %w", err)
	}
	return entries, hash, nil
}

func buildComputedContextLineage(decisions []decisionledger.Decision) ([]ComputedContextLineageEntry, string, error) {
	type bucketKey struct {
		version     string
		window      string
		sourceMode  string
	}
	counts := make(map[bucketKey]int)
	for _, d := range decisions {
		key := bucketKey{
			version:    stringField(d.ComputedContext, "context_version"),
			window:     timeField(d.ComputedContext, "month_start") + "/" + timeField(d.ComputedContext, "month_end"),
			sourceMode: stringField(d.ComputedContext, "data_source_mode"),
		}
		counts[key]++
	}
	entries := make([]ComputedContextLineageEntry, 0, len(counts))
	for key, count := range counts {
		var version int
		_, _ = fmt.Sscanf(key.version, "%d", &version)
		entries = append(entries, ComputedContextLineageEntry{
			ContextVersion: version,
			MonthWindow:    key.window,
			DataSourceMode: key.sourceMode,
			Count:          count,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].ContextVersion != entries[j].ContextVersion {
			return entries[i].ContextVersion < entries[j].ContextVersion
		}
		if entries[i].MonthWindow != entries[j].MonthWindow {
			return entries[i].MonthWindow < entries[j].MonthWindow
		}
		return entries[i].DataSourceMode < entries[j].DataSourceMode
	})
	hash, err := canonicalize.CanonicalHash(entries)
	if err != nil {
		return nil, "", fmt.Errorf("export: hash computed context lineage: %w", err)
	}
	return entries, hash, nil
}

// Signer HMAC-signs an export manifest, following the same
// current-secret/kid pattern as the approval token Signer (§4.H), adapted
// here to a detached HMAC-SHA-256 signature rather than a JWT.
type Signer struct {
	keys collab.KeyProvider
}

func NewSigner(keys collab.KeyProvider) *Signer {
	return &Signer{keys: keys}
}

// ErrSigningKeyNotConfigured is returned when no export signing secret is
// configured, following the reference evidence exporter's fail-closed
// behavior rather than emitting an unsigned manifest.
var ErrSigningKeyNotConfigured = errors.New("export: signing key not configured")

// Sign returns (kid, signature_hex) over the manifest's canonical JSON
// bytes. The caller persists manifest.canonical.json, manifest.sha256, and
// manifest.sig as three sibling bundle entries (§4.K).
func (s *Signer) Sign(canonicalJSON []byte) (kid string, signatureHex string, err error) {
	kid, secret := s.keys.CurrentSecret()
	if len(secret) == 0 {
		return "", "", ErrSigningKeyNotConfigured
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(canonicalJSON)
	return kid, hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify recomputes the HMAC over canonicalJSON using secret and reports
// whether it matches signatureHex, using constant-time comparison.
func Verify(secret []byte, canonicalJSON []byte, signatureHex string) bool {
	mac := hmac.New(sha256.New, secret)
	mac.Write(canonicalJSON)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signatureHex))
}
