package decisionledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresLedger is the SQL-backed Ledger. It enforces append-only at two
// layers, per §4.G: a DB trigger rejects UPDATE/DELETE outright, and this
// type itself exposes no update/delete method at all — the ORM-guard layer
// the spec calls for when the database-level trigger isn't supported.
type PostgresLedger struct {
	db *sql.DB
}

func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

const decisionLedgerSchema = `
CREATE TABLE IF NOT EXISTS decision_ledger_rows (
	tenant_id TEXT NOT NULL,
	sequence BIGINT NOT NULL,
	event_type TEXT NOT NULL,
	decision_id TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL,
	snapshot JSONB NOT NULL,
	PRIMARY KEY (tenant_id, sequence)
);
CREATE INDEX IF NOT EXISTS idx_decision_ledger_decision ON decision_ledger_rows (decision_id);

CREATE OR REPLACE FUNCTION decision_ledger_forbid_mutation() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'decision_ledger_rows is append-only: % not permitted', TG_OP;
END;
$$ LANGUAGE plpgsql;

DO $$
BEGIN
	IF NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'decision_ledger_no_update') THEN
		CREATE TRIGGER decision_ledger_no_update
			BEFORE UPDATE OR DELETE ON decision_ledger_rows
			FOR EACH ROW EXECUTE FUNCTION decision_ledger_forbid_mutation();
	END IF;
END
$$;
`

func (l *PostgresLedger) Init(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, decisionLedgerSchema)
	return err
}

func (l *PostgresLedger) Append(ctx context.Context, tx *sql.Tx, tenantID string, eventType EventType, snapshot Decision) (Row, error) {
	ownTx := tx == nil
	if ownTx {
		var err error
		tx, err = l.db.BeginTx(ctx, nil)
		if err != nil {
			return Row{}, err
		}
		defer func() { _ = tx.Rollback() }()
	}

	var prevHash sql.NullString
	var lastSeq sql.NullInt64
	err := tx.QueryRowContext(ctx,
		`SELECT content_hash, sequence FROM decision_ledger_rows WHERE tenant_id = $1 ORDER BY sequence DESC LIMIT 1 FOR UPDATE`,
		tenantID,
	).Scan(&prevHash, &lastSeq)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Row{}, fmt.Errorf("decisionledger: read head: %w", err)
	}

	head := GenesisHash
	if prevHash.Valid {
		head = prevHash.String
	}
	seq := uint64(1)
	if lastSeq.Valid {
		seq = uint64(lastSeq.Int64) + 1
	}

	contentHash, err := computeHash(seq, eventType, head, snapshot)
	if err != nil {
		return Row{}, err
	}

	snapshotJSON, err := marshalSnapshot(snapshot)
	if err != nil {
		return Row{}, err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO decision_ledger_rows (tenant_id, sequence, event_type, decision_id, content_hash, prev_hash, occurred_at, snapshot)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		tenantID, int64(seq), string(eventType), snapshot.ID, contentHash, head, snapshot.CreatedAt, snapshotJSON,
	); err != nil {
		return Row{}, fmt.Errorf("decisionledger: insert row: %w", err)
	}

	if ownTx {
		if err := tx.Commit(); err != nil {
			return Row{}, err
		}
	}

	return Row{
		Sequence:    seq,
		EventType:   eventType,
		DecisionID:  snapshot.ID,
		TenantID:    tenantID,
		ContentHash: contentHash,
		PrevHash:    head,
		Timestamp:   snapshot.CreatedAt,
		Snapshot:    snapshot,
	}, nil
}

func (l *PostgresLedger) History(ctx context.Context, decisionID string) ([]Row, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT tenant_id, sequence, event_type, decision_id, content_hash, prev_hash, occurred_at, snapshot
		 FROM decision_ledger_rows WHERE decision_id = $1 ORDER BY occurred_at ASC`,
		decisionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Row
	for rows.Next() {
		var r Row
		var eventType string
		var seq int64
		var snapshotJSON []byte
		if err := rows.Scan(&r.TenantID, &seq, &eventType, &r.DecisionID, &r.ContentHash, &r.PrevHash, &r.Timestamp, &snapshotJSON); err != nil {
			return nil, err
		}
		r.Sequence = uint64(seq)
		r.EventType = EventType(eventType)
		snapshot, err := unmarshalSnapshot(snapshotJSON)
		if err != nil {
			return nil, err
		}
		r.Snapshot = snapshot
		out = append(out, r)
	}
	return out, rows.Err()
}

func (l *PostgresLedger) RowsForTenant(ctx context.Context, tenantID string, from, to time.Time) ([]Row, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT tenant_id, sequence, event_type, decision_id, content_hash, prev_hash, occurred_at, snapshot
		 FROM decision_ledger_rows WHERE tenant_id = $1 AND occurred_at >= $2 AND occurred_at < $3 ORDER BY sequence ASC`,
		tenantID, from, to)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Row
	for rows.Next() {
		var r Row
		var eventType string
		var seq int64
		var snapshotJSON []byte
		if err := rows.Scan(&r.TenantID, &seq, &eventType, &r.DecisionID, &r.ContentHash, &r.PrevHash, &r.Timestamp, &snapshotJSON); err != nil {
			return nil, err
		}
		r.Sequence = uint64(seq)
		r.EventType = EventType(eventType)
		snapshot, err := unmarshalSnapshot(snapshotJSON)
		if err != nil {
			return nil, err
		}
		r.Snapshot = snapshot
		out = append(out, r)
	}
	return out, rows.Err()
}

func (l *PostgresLedger) Verify(ctx context.Context, tenantID string) (bool, string) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT tenant_id, sequence, event_type, decision_id, content_hash, prev_hash, occurred_at, snapshot
		 FROM decision_ledger_rows WHERE tenant_id = $1 ORDER BY sequence ASC`,
		tenantID)
	if err != nil {
		return false, err.Error()
	}
	defer func() { _ = rows.Close() }()

	var all []Row
	for rows.Next() {
		var r Row
		var eventType string
		var seq int64
		var snapshotJSON []byte
		if err := rows.Scan(&r.TenantID, &seq, &eventType, &r.DecisionID, &r.ContentHash, &r.PrevHash, &r.Timestamp, &snapshotJSON); err != nil {
			return false, err.Error()
		}
		r.Sequence = uint64(seq)
		r.EventType = EventType(eventType)
		snapshot, err := unmarshalSnapshot(snapshotJSON)
		if err != nil {
			return false, err.Error()
		}
		r.Snapshot = snapshot
		all = append(all, r)
	}
	if err := rows.Err(); err != nil {
		return false, err.Error()
	}
	return verifyChain(all)
}
