// Package canonicalize produces RFC 8785 (JSON Canonicalization Scheme)
// output used for policy-document hashing, request fingerprints, and export
// manifest signing across the enforcement control plane.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// v is first marshaled with the standard encoder (so struct tags, omitempty,
// and custom MarshalJSON methods are respected), then handed to the JCS
// transform, which sorts object keys and normalizes number/string
// representations per RFC 8785. HTML escaping from the intermediate marshal
// is irrelevant: the transform re-serializes every string itself.
func JCS(v interface{}) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal: %w", err)
	}
	canonical, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform: %w", err)
	}
	return canonical, nil
}

// JCSString returns the JCS canonical form as a string.
func JCSString(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical JSON
// representation of v. This is the basis for policy_document_sha256 and
// request_fingerprint throughout the decision engine.
func CanonicalHash(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 hex digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Equal reports whether two values produce byte-identical canonical JSON,
// used by idempotency-replay checks that must distinguish a retried request
// from one whose payload actually changed.
func Equal(a, b interface{}) (bool, error) {
	ca, err := JCS(a)
	if err != nil {
		return false, err
	}
	cb, err := JCS(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ca, cb), nil
}
