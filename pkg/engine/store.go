package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/valdrix-ai/ecp/pkg/decisionledger"
)

// DecisionStore persists Decisions and answers the idempotency lookup
// keyed by (tenant_id, source, idempotency_key), per §3 and §4.F.
type DecisionStore interface {
	FindByIdempotencyKey(ctx context.Context, tenantID string, source decisionledger.Source, idempotencyKey string) (*decisionledger.Decision, error)
	// FindByID looks up a decision by its primary key, used by the
	// Reconciliation Worker (§4.I) to recover the tenant and snapshot a
	// SKIP LOCKED sweep claim only returns a decision_id for.
	FindByID(ctx context.Context, decisionID string) (*decisionledger.Decision, error)
	Save(ctx context.Context, tx *sql.Tx, d decisionledger.Decision) error

	// ListByTenantAndWindow returns every decision created within
	// [from, to) for a tenant, for the Export Parity bundle's
	// decisions.csv and its lineage digests (§4.K).
	ListByTenantAndWindow(ctx context.Context, tenantID string, from, to time.Time) ([]decisionledger.Decision, error)
}

// PostgresDecisionStore is the SQL-backed DecisionStore, using the same
// ON CONFLICT upsert idiom as the reference idempotency store for the
// unique (tenant_id, source, idempotency_key) key.
type PostgresDecisionStore struct {
	db *sql.DB
}

func NewPostgresDecisionStore(db *sql.DB) *PostgresDecisionStore {
	return &PostgresDecisionStore{db: db}
}

const decisionSchema = `
CREATE TABLE IF NOT EXISTS decisions (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	source TEXT NOT NULL,
	idempotency_key TEXT NOT NULL,
	request_fingerprint TEXT NOT NULL,
	document JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE (tenant_id, source, idempotency_key)
);
`

func (s *PostgresDecisionStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, decisionSchema)
	return err
}

func (s *PostgresDecisionStore) FindByIdempotencyKey(ctx context.Context, tenantID string, source decisionledger.Source, idempotencyKey string) (*decisionledger.Decision, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM decisions WHERE tenant_id = $1 AND source = $2 AND idempotency_key = $3`,
		tenantID, string(source), idempotencyKey,
	).Scan(&doc)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	var d decisionledger.Decision
	if err := json.Unmarshal(doc, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *PostgresDecisionStore) FindByID(ctx context.Context, decisionID string) (*decisionledger.Decision, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT document FROM decisions WHERE id = $1`, decisionID).Scan(&doc)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	var d decisionledger.Decision
	if err := json.Unmarshal(doc, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *PostgresDecisionStore) ListByTenantAndWindow(ctx context.Context, tenantID string, from, to time.Time) ([]decisionledger.Decision, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT document FROM decisions WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3 ORDER BY created_at ASC`,
		tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("engine: list decisions by tenant: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []decisionledger.Decision
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var d decisionledger.Decision
		if err := json.Unmarshal(doc, &d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresDecisionStore) Save(ctx context.Context, tx *sql.Tx, d decisionledger.Decision) error {
	doc, err := json.Marshal(d)
	if err != nil {
		return err
	}
	const query = `INSERT INTO decisions (id, tenant_id, source, idempotency_key, request_fingerprint, document, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (tenant_id, source, idempotency_key) DO UPDATE
		 SET document = $6, request_fingerprint = $5`
	args := []any{d.ID, d.TenantID, string(d.Source), d.IdempotencyKey, d.RequestFingerprint, doc, d.CreatedAt}

	if tx != nil {
		_, err = tx.ExecContext(ctx, query, args...)
	} else {
		_, err = s.db.ExecContext(ctx, query, args...)
	}
	if err != nil {
		return fmt.Errorf("engine: save decision: %w", err)
	}
	return nil
}

// MemDecisionStore is an in-process DecisionStore for tests and local/dev
// mode.
type MemDecisionStore struct {
	mu   sync.Mutex
	docs map[string]decisionledger.Decision
}

func NewMemDecisionStore() *MemDecisionStore {
	return &MemDecisionStore{docs: make(map[string]decisionledger.Decision)}
}

func decisionKey(tenantID string, source decisionledger.Source, idempotencyKey string) string {
	return tenantID + "|" + string(source) + "|" + idempotencyKey
}

func (s *MemDecisionStore) FindByIdempotencyKey(ctx context.Context, tenantID string, source decisionledger.Source, idempotencyKey string) (*decisionledger.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[decisionKey(tenantID, source, idempotencyKey)]
	if !ok {
		return nil, nil
	}
	cp := d
	return &cp, nil
}

func (s *MemDecisionStore) FindByID(ctx context.Context, decisionID string) (*decisionledger.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.docs {
		if d.ID == decisionID {
			cp := d
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemDecisionStore) Save(ctx context.Context, tx *sql.Tx, d decisionledger.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[decisionKey(d.TenantID, d.Source, d.IdempotencyKey)] = d
	return nil
}

func (s *MemDecisionStore) ListByTenantAndWindow(ctx context.Context, tenantID string, from, to time.Time) ([]decisionledger.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []decisionledger.Decision
	for _, d := range s.docs {
		if d.TenantID == tenantID && !d.CreatedAt.Before(from) && d.CreatedAt.Before(to) {
			out = append(out, d)
		}
	}
	return out, nil
}
