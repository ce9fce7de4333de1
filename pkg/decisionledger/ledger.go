package decisionledger

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/valdrix-ai/ecp/pkg/canonicalize"
)

// GenesisHash seeds the chain for a tenant with no prior rows.
const GenesisHash = "genesis"

// ErrMutationForbidden names the append-only rule for ledger rows (§4.G,
// §3). No Ledger method returns it: none offers an update or delete path,
// and the Postgres trigger rejects such statements with its own error.
var ErrMutationForbidden = errors.New("decisionledger: rows are append-only, update/delete forbidden")

// Ledger is the append-only, hash-chained Decision Ledger. Implementations
// must never expose an update or delete path for existing rows.
type Ledger interface {
	// Append writes the next ledger row for a decision and returns it with
	// its sequence number and computed hash populated. The chain is scoped
	// per-tenant so concurrent tenants never contend on a shared hash head.
	// tx, when non-nil, is the caller's outer transaction (§5: decision
	// write, credit reservation, and ledger append run in one DB
	// transaction per gate call); implementations that don't need SQL
	// transactionality (e.g. an in-process ledger) ignore it.
	Append(ctx context.Context, tx *sql.Tx, tenantID string, eventType EventType, snapshot Decision) (Row, error)

	// History returns every ledger row for a decision, oldest first.
	History(ctx context.Context, decisionID string) ([]Row, error)

	// Verify recomputes every row's content hash and chain linkage for a
	// tenant and reports the first break, if any.
	Verify(ctx context.Context, tenantID string) (ok bool, detail string)

	// RowsForTenant returns every row in a tenant's chain with a timestamp
	// within [from, to), oldest first, for the Export Parity bundle's
	// ledger.csv (§4.K).
	RowsForTenant(ctx context.Context, tenantID string, from, to time.Time) ([]Row, error)
}

// hashInput mirrors the fields that participate in a row's content hash —
// deliberately a subset of Row (excludes the hash fields themselves).
type hashInput struct {
	Sequence  uint64    `json:"sequence"`
	EventType EventType `json:"event_type"`
	PrevHash  string    `json:"prev_hash"`
	Snapshot  Decision  `json:"snapshot"`
}

func computeHash(seq uint64, eventType EventType, prevHash string, snapshot Decision) (string, error) {
	payload, err := canonicalize.JCS(hashInput{Sequence: seq, EventType: eventType, PrevHash: prevHash, Snapshot: snapshot})
	if err != nil {
		return "", fmt.Errorf("decisionledger: canonicalize row: %w", err)
	}
	sum := sha256.Sum256(payload)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// verifyChain recomputes hashes across an ordered slice of rows belonging
// to one tenant and reports the first break.
func verifyChain(rows []Row) (bool, string) {
	prevHash := GenesisHash
	for i, row := range rows {
		if row.PrevHash != prevHash {
			return false, fmt.Sprintf("chain broken at sequence %d: expected prev %s, got %s", row.Sequence, prevHash, row.PrevHash)
		}
		computed, err := computeHash(row.Sequence, row.EventType, row.PrevHash, row.Snapshot)
		if err != nil {
			return false, fmt.Sprintf("sequence %d: %v", row.Sequence, err)
		}
		if computed != row.ContentHash {
			return false, fmt.Sprintf("hash mismatch at sequence %d", row.Sequence)
		}
		prevHash = row.ContentHash
	}
	return true, "chain verified"
}

// marshalSnapshot is used by SQL-backed implementations to persist the
// Decision snapshot as JSONB.
func marshalSnapshot(d Decision) ([]byte, error) {
	return json.Marshal(d)
}

func unmarshalSnapshot(data []byte) (Decision, error) {
	var d Decision
	err := json.Unmarshal(data, &d)
	return d, err
}
