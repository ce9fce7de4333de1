package budget

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/valdrix-ai/ecp/pkg/money"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Init creates the project_allocations table if it does not already exist.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS project_allocations (
			tenant_id        TEXT NOT NULL,
			project_id       TEXT NOT NULL,
			monthly_cap_usd  BIGINT NOT NULL,
			updated_at       TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (tenant_id, project_id)
		)
	`)
	if err != nil {
		return fmt.Errorf("budget: init schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, tenantID, projectID string) (*Allocation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, project_id, monthly_cap_usd, updated_at
		 FROM project_allocations WHERE tenant_id = $1 AND project_id = $2`,
		tenantID, projectID)

	var a Allocation
	var capMicros int64
	err := row.Scan(&a.TenantID, &a.ProjectID, &capMicros, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("budget: get allocation: %w", err)
	}
	a.MonthlyCapUSD = money.FromMicros(capMicros)
	return &a, nil
}

func (s *PostgresStore) Put(ctx context.Context, a Allocation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_allocations (tenant_id, project_id, monthly_cap_usd, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, project_id) DO UPDATE SET
			monthly_cap_usd = EXCLUDED.monthly_cap_usd,
			updated_at = EXCLUDED.updated_at
	`, a.TenantID, a.ProjectID, a.MonthlyCapUSD.Micros(), a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("budget: put allocation: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListForTenant(ctx context.Context, tenantID string) ([]Allocation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id, project_id, monthly_cap_usd, updated_at
		 FROM project_allocations WHERE tenant_id = $1 ORDER BY project_id`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("budget: list allocations: %w", err)
	}
	defer rows.Close()

	var out []Allocation
	for rows.Next() {
		var a Allocation
		var capMicros int64
		if err := rows.Scan(&a.TenantID, &a.ProjectID, &capMicros, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("budget: scan allocation: %w", err)
		}
		a.MonthlyCapUSD = money.FromMicros(capMicros)
		out = append(out, a)
	}
	return out, rows.Err()
}
