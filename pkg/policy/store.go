package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/valdrix-ai/ecp/pkg/canonicalize"
)

// SupportedSchemaConstraint bounds the schema_version a policy document may
// declare. Loosened only by a deliberate code change, never by config, so
// the canonicalization contract can't silently drift.
const SupportedSchemaConstraint = "^1.0.0"

// Store exposes the two operations of §4.A: get_active and put.
type Store interface {
	GetActive(ctx context.Context, tenantID string) (*Document, error)
	Put(ctx context.Context, tenantID string, doc *Document) (policyVersion int, sha256Hash string, err error)

	// GetVersion fetches a specific historical version, used by the export
	// lineage builder (§4.K) and the `GET /policies?version=` admin
	// endpoint to read a tenant's policy even after it's no longer active.
	GetVersion(ctx context.Context, tenantID string, version int) (*Document, error)
}

// ErrNotFound is returned by GetActive when a tenant has no policy document.
var ErrNotFound = fmt.Errorf("policy: no active policy document for tenant")

// Canonicalize computes the canonical payload bytes and SHA-256 hash for a
// document, per §4.A: "sort object keys lexicographically; normalize
// whitespace; encode as UTF-8 JSON; hash with SHA-256." JCS performs both
// the sorting and whitespace normalization; CanonicalHash adds the digest.
func Canonicalize(doc *Document) (payload []byte, sha256Hash string, err error) {
	payload, err = canonicalize.JCS(doc.view())
	if err != nil {
		return nil, "", fmt.Errorf("policy: canonicalize: %w", err)
	}
	return payload, canonicalize.HashBytes(payload), nil
}

func validateSchemaVersion(v string) error {
	ver, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("policy: invalid schema_version %q: %w", v, err)
	}
	constraint, err := semver.NewConstraint(SupportedSchemaConstraint)
	if err != nil {
		return fmt.Errorf("policy: internal: bad constraint: %w", err)
	}
	if !constraint.Check(ver) {
		return fmt.Errorf("policy: schema_version %q does not satisfy %s", v, SupportedSchemaConstraint)
	}
	return nil
}

// MemStore is an in-memory Store, used by tests and the generic-gate dev
// workflow. PolicyVersion increments monotonically per tenant.
type MemStore struct {
	mu   sync.Mutex
	docs map[string][]*Document // append-only version history, latest last
}

func NewMemStore() *MemStore {
	return &MemStore{docs: make(map[string][]*Document)}
}

func (s *MemStore) GetActive(ctx context.Context, tenantID string) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.docs[tenantID]
	if len(versions) == 0 {
		return nil, ErrNotFound
	}
	return versions[len(versions)-1], nil
}

func (s *MemStore) Put(ctx context.Context, tenantID string, doc *Document) (int, string, error) {
	if err := validateSchemaVersion(doc.SchemaVersion); err != nil {
		return 0, "", err
	}
	if err := validateDocumentShape(doc); err != nil {
		return 0, "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.docs[tenantID]
	doc.PolicyVersion = len(versions) + 1
	doc.TenantID = tenantID
	doc.CreatedAt = time.Now()

	payload, hash, err := Canonicalize(doc)
	if err != nil {
		return 0, "", err
	}
	doc.CanonicalPayload = payload
	doc.SHA256Hash = hash

	s.docs[tenantID] = append(versions, doc)
	return doc.PolicyVersion, hash, nil
}

func (s *MemStore) GetVersion(ctx context.Context, tenantID string, version int) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.docs[tenantID]
	if version < 1 || version > len(versions) {
		return nil, ErrNotFound
	}
	return versions[version-1], nil
}
