package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore persists policy documents as an append-only version history,
// one row per policy_version. Appending rather than updating in place keeps
// "oldest referenced by any decision cannot be garbage-collected" (§3)
// trivially true: rows are never deleted.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const policySchema = `
CREATE TABLE IF NOT EXISTS policy_documents (
	tenant_id TEXT NOT NULL,
	policy_version INT NOT NULL,
	schema_version TEXT NOT NULL,
	canonical_payload BYTEA NOT NULL,
	sha256_hash TEXT NOT NULL,
	document JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, policy_version)
);
`

func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, policySchema)
	return err
}

func (s *PostgresStore) GetActive(ctx context.Context, tenantID string) (*Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT policy_version, schema_version, canonical_payload, sha256_hash, document, created_at
		 FROM policy_documents WHERE tenant_id = $1 ORDER BY policy_version DESC LIMIT 1`,
		tenantID)

	var version int
	var schemaVersion, hash string
	var payload []byte
	var docJSON []byte
	var createdAt time.Time
	if err := row.Scan(&version, &schemaVersion, &payload, &hash, &docJSON, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("policy: get active: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(docJSON, &doc); err != nil {
		return nil, fmt.Errorf("policy: corrupt document row: %w", err)
	}
	doc.TenantID = tenantID
	doc.PolicyVersion = version
	doc.SchemaVersion = schemaVersion
	doc.CanonicalPayload = payload
	doc.SHA256Hash = hash
	doc.CreatedAt = createdAt
	return &doc, nil
}

// Put computes the next policy_version and canonical hash, then inserts a
// new append-only row. The insert is wrapped in a transaction that locks the
// tenant's existing rows (SELECT ... FOR UPDATE) to serialize concurrent
// puts for the same tenant.
func (s *PostgresStore) Put(ctx context.Context, tenantID string, doc *Document) (int, string, error) {
	if err := validateSchemaVersion(doc.SchemaVersion); err != nil {
		return 0, "", err
	}
	if err := validateDocumentShape(doc); err != nil {
		return 0, "", err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, "", fmt.Errorf("policy: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var maxVersion sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(policy_version) FROM policy_documents WHERE tenant_id = $1 FOR UPDATE`,
		tenantID,
	).Scan(&maxVersion); err != nil {
		return 0, "", fmt.Errorf("policy: lock version sequence: %w", err)
	}

	doc.TenantID = tenantID
	doc.PolicyVersion = int(maxVersion.Int64) + 1
	doc.CreatedAt = time.Now()

	payload, hash, err := Canonicalize(doc)
	if err != nil {
		return 0, "", err
	}
	doc.CanonicalPayload = payload
	doc.SHA256Hash = hash

	docJSON, err := json.Marshal(doc)
	if err != nil {
		return 0, "", fmt.Errorf("policy: marshal document: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO policy_documents (tenant_id, policy_version, schema_version, canonical_payload, sha256_hash, document, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		tenantID, doc.PolicyVersion, doc.SchemaVersion, payload, hash, docJSON, doc.CreatedAt,
	); err != nil {
		return 0, "", fmt.Errorf("policy: insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, "", fmt.Errorf("policy: commit: %w", err)
	}
	return doc.PolicyVersion, hash, nil
}

// GetVersion fetches a specific historical version, used by the export
// lineage builder (§4.K) which reports policy_version per decision in the
// export window even when a tenant's active policy has since moved on.
func (s *PostgresStore) GetVersion(ctx context.Context, tenantID string, version int) (*Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT schema_version, canonical_payload, sha256_hash, document, created_at
		 FROM policy_documents WHERE tenant_id = $1 AND policy_version = $2`,
		tenantID, version)

	var schemaVersion, hash string
	var payload, docJSON []byte
	var createdAt time.Time
	if err := row.Scan(&schemaVersion, &payload, &hash, &docJSON, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("policy: get version: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(docJSON, &doc); err != nil {
		return nil, fmt.Errorf("policy: corrupt document row: %w", err)
	}
	doc.TenantID = tenantID
	doc.PolicyVersion = version
	doc.SchemaVersion = schemaVersion
	doc.CanonicalPayload = payload
	doc.SHA256Hash = hash
	doc.CreatedAt = createdAt
	return &doc, nil
}
