// Package reservation implements the Reservation & Credit Ledger (§4.E):
// atomic debit/settle/refund of credit grants, and per-decision allocations.
package reservation

import (
	"time"

	"github.com/valdrix-ai/ecp/pkg/money"
)

// PoolType is one of the two credit pools (§3, Glossary): reserved credits
// are consumed first; emergency credits are intended for incident
// overrides.
type PoolType string

const (
	PoolReserved  PoolType = "reserved"
	PoolEmergency PoolType = "emergency"
)

// AllocationState is the lifecycle of one Reservation Allocation (§3).
type AllocationState string

const (
	StateReserved AllocationState = "reserved"
	StateSettled  AllocationState = "settled"
	StateRefunded AllocationState = "refunded"
)

// CreditGrant is the §3 Credit Grant entity. Invariant: 0 <= Remaining <= Initial.
type CreditGrant struct {
	ID               string
	TenantID         string
	PoolType         PoolType
	InitialAmountUSD money.Amount
	RemainingUSD     money.Amount
	ExpiresAt        time.Time
	CreatedAt        time.Time
}

// Allocation is the §3 Reservation Allocation entity.
type Allocation struct {
	DecisionID string
	TenantID   string
	GrantID    string
	PoolType   PoolType
	AmountUSD  money.Amount
	State      AllocationState
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

// PlannedAllocation is what the waterfall evaluator proposes to reserve
// against a specific grant; Reserve() turns these into Allocation rows.
type PlannedAllocation struct {
	GrantID   string
	PoolType  PoolType
	AmountUSD money.Amount
}
