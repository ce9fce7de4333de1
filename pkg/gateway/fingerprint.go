package gateway

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/valdrix-ai/ecp/pkg/canonicalize"
	"github.com/valdrix-ai/ecp/pkg/money"
)

// computeFingerprint implements §4.J's "fingerprint = SHA-256 of
// canonicalized resource_addr + action + estimates", reusing the same
// JCS canonicalization the Policy Store hashes documents with (§4.A) so
// the fingerprint is stable across field ordering and whitespace.
func computeFingerprint(resourceRef, action string, monthlyUSD, hourlyUSD money.Amount) (string, error) {
	payload := map[string]any{
		"resource_ref":                   resourceRef,
		"action":                         action,
		"estimated_cost_delta_usd_monthly": monthlyUSD.String(),
		"estimated_cost_delta_usd_hourly":  hourlyUSD.String(),
	}
	canon, err := canonicalize.JCS(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// sha256Hex hashes arbitrary bytes, used for cloud_event_data_sha256 (§4.J).
func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
