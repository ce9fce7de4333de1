package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when a requested Approval Request does not exist.
var ErrNotFound = errors.New("approval: request not found")

// Store persists Approval Requests and provides the single locking
// primitive every lifecycle transition needs: load-lock-mutate-save. The
// decide-then-persist logic itself (quorum counting, reviewer authority,
// token issuance) stays in this package; the store only guarantees that two
// concurrent reviews of the same request serialize.
type Store interface {
	Save(ctx context.Context, tx *sql.Tx, r Request) error
	Get(ctx context.Context, id string) (Request, error)

	// CASUpdate loads the row (locked, where the backing store supports
	// row locks), calls mutate on a copy, and persists the result only if
	// mutate returns nil. mutate is responsible for rejecting invalid
	// transitions by returning an error, in which case nothing is written.
	CASUpdate(ctx context.Context, tx *sql.Tx, id string, mutate func(*Request) error) (Request, error)

	// ListByTenantAndWindow returns every request created within [from, to)
	// for a tenant, for the Export Parity bundle's approvals.csv (§4.K).
	ListByTenantAndWindow(ctx context.Context, tenantID string, from, to time.Time) ([]Request, error)

	// ListPending returns every PENDING request for a tenant, oldest first,
	// backing `GET /approvals/queue` (§6).
	ListPending(ctx context.Context, tenantID string) ([]Request, error)
}

// PostgresStore is the SQL-backed Store.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const approvalSchema = `
CREATE TABLE IF NOT EXISTS approval_requests (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	decision_id TEXT NOT NULL,
	document JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_approval_requests_decision ON approval_requests (decision_id);
`

func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, approvalSchema)
	return err
}

func (s *PostgresStore) Save(ctx context.Context, tx *sql.Tx, r Request) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return err
	}
	const query = `INSERT INTO approval_requests (id, tenant_id, decision_id, document)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET document = $4`
	args := []any{r.ID, r.TenantID, r.DecisionID, doc}
	if tx != nil {
		_, err = tx.ExecContext(ctx, query, args...)
	} else {
		_, err = s.db.ExecContext(ctx, query, args...)
	}
	if err != nil {
		return fmt.Errorf("approval: save request: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Request, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT document FROM approval_requests WHERE id = $1`, id).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, err
	}
	var r Request
	if err := json.Unmarshal(doc, &r); err != nil {
		return Request{}, err
	}
	return r, nil
}

func (s *PostgresStore) CASUpdate(ctx context.Context, tx *sql.Tx, id string, mutate func(*Request) error) (Request, error) {
	ownTx := tx == nil
	if ownTx {
		var err error
		tx, err = s.db.BeginTx(ctx, nil)
		if err != nil {
			return Request{}, err
		}
		defer func() { _ = tx.Rollback() }()
	}

	var doc []byte
	err := tx.QueryRowContext(ctx, `SELECT document FROM approval_requests WHERE id = $1 FOR UPDATE`, id).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, err
	}
	var r Request
	if err := json.Unmarshal(doc, &r); err != nil {
		return Request{}, err
	}

	if err := mutate(&r); err != nil {
		return Request{}, err
	}

	updated, err := json.Marshal(r)
	if err != nil {
		return Request{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE approval_requests SET document = $2 WHERE id = $1`, id, updated); err != nil {
		return Request{}, fmt.Errorf("approval: persist transition: %w", err)
	}

	if ownTx {
		if err := tx.Commit(); err != nil {
			return Request{}, err
		}
	}
	return r, nil
}

func (s *PostgresStore) ListByTenantAndWindow(ctx context.Context, tenantID string, from, to time.Time) ([]Request, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT document FROM approval_requests WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("approval: list by tenant: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Request
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var r Request
		if err := json.Unmarshal(doc, &r); err != nil {
			return nil, err
		}
		if !r.CreatedAt.Before(from) && r.CreatedAt.Before(to) {
			out = append(out, r)
		}
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListPending(ctx context.Context, tenantID string) ([]Request, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT document FROM approval_requests WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("approval: list pending: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Request
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var r Request
		if err := json.Unmarshal(doc, &r); err != nil {
			return nil, err
		}
		if r.Status == StatusPending {
			out = append(out, r)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// MemStore is an in-process Store for tests and local/dev mode.
type MemStore struct {
	mu   sync.Mutex
	docs map[string]Request
}

func NewMemStore() *MemStore {
	return &MemStore{docs: make(map[string]Request)}
}

func (s *MemStore) Save(ctx context.Context, tx *sql.Tx, r Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[r.ID] = r
	return nil
}

func (s *MemStore) Get(ctx context.Context, id string) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.docs[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	return r, nil
}

func (s *MemStore) CASUpdate(ctx context.Context, tx *sql.Tx, id string, mutate func(*Request) error) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.docs[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	if err := mutate(&r); err != nil {
		return Request{}, err
	}
	s.docs[id] = r
	return r, nil
}

func (s *MemStore) ListByTenantAndWindow(ctx context.Context, tenantID string, from, to time.Time) ([]Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Request
	for _, r := range s.docs {
		if r.TenantID == tenantID && !r.CreatedAt.Before(from) && r.CreatedAt.Before(to) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemStore) ListPending(ctx context.Context, tenantID string) ([]Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Request
	for _, r := range s.docs {
		if r.TenantID == tenantID && r.Status == StatusPending {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
