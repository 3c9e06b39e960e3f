/*
Package ledger implements the loyalty-miles ledger engine.

PURPOSE:
  Tracks, per (tenant, program, owner), a running balance of loyalty miles
  and its weighted-average cost basis, and records every balance-changing
  event as an immutable fact. Three mutation kinds exist, each with its own
  cost semantics:
  - Purchase: +miles, +cost basis, average cost recomputed
  - Bonus:    +miles, cost basis unchanged (dilutes the average cost)
  - Sale:     -miles, cost basis reduced proportionally, profit computed

KEY CONCEPTS IN THIS FILE (types.go):
  - Account: immutable snapshot of one program account's balance and cost
  - Entry:   append-only fact describing one mutation
  - EntryKind: PURCHASE / BONUS / SALE

DESIGN PRINCIPLES:
  1. Immutability: transitions return new snapshots, entries are never edited
  2. Precision: decimal.Decimal for all monetary math (2-decimal money,
     6-decimal average cost), never float64
  3. Explicit tenancy: every operation takes the tenant id as a parameter;
     there is no ambient tenant state
  4. Auditability: the entry history explains how an account reached its
     current snapshot, but the snapshot itself is the source of truth for
     balance queries

SEE ALSO:
  - account.go:  state transitions (purchase/bonus/sell)
  - entry.go:    entry factories and construction-time validation
  - mutation.go: orchestration, atomic persist, optimistic retry
  - query.go:    read-only aggregation and history queries
*/
package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// SCALES AND UNITS
// =============================================================================

const (
	// Milheiro is the pricing unit for loyalty miles: prices are quoted
	// per 1,000 miles.
	Milheiro = 1000

	// MoneyScale is the scale of monetary amounts (cost basis, prices).
	MoneyScale = 2

	// AvgCostScale is the scale of the derived average cost per thousand.
	AvgCostScale = 6

	// QuoteScale is the scale of one-off milheiro quotes (PricePerThousand).
	QuoteScale = 4
)

// =============================================================================
// ENTRY KIND
// =============================================================================

// EntryKind identifies the mutation semantics of an entry.
type EntryKind string

const (
	KindPurchase EntryKind = "PURCHASE" // +miles, +cost basis
	KindBonus    EntryKind = "BONUS"    // +miles, zero cost
	KindSale     EntryKind = "SALE"     // -miles, proportional cost removal
)

// Valid reports whether k is one of the three known kinds.
func (k EntryKind) Valid() bool {
	switch k {
	case KindPurchase, KindBonus, KindSale:
		return true
	}
	return false
}

// =============================================================================
// ACCOUNT - Immutable balance/cost snapshot for one (tenant, program, owner)
// =============================================================================

// Account is the aggregate snapshot for one (tenant, program, owner) tuple.
//
// INVARIANTS:
//   - BalanceMiles >= 0 and CostBasisTotal >= 0
//   - BalanceMiles == 0 implies CostBasisTotal == 0
//   - AvgCostPerThousand is always derived from balance and cost basis,
//     never set directly
//
// Accounts are value snapshots: transitions return a new Account and leave
// the receiver untouched. Version is the optimistic-lock counter owned by
// the store; transitions carry it through unchanged.
type Account struct {
	ID          uuid.UUID
	TenantID    uuid.UUID
	ProgramID   uuid.UUID
	ProgramName string
	Owner       string

	BalanceMiles       int64
	CostBasisTotal     decimal.Decimal
	AvgCostPerThousand decimal.Decimal

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// ENTRY - Append-only mutation fact
// =============================================================================

// Entry records one balance-changing event. Entries are written once and
// never updated or deleted; corrections happen through new mutations.
type Entry struct {
	ID         uuid.UUID
	AccountID  uuid.UUID
	Kind       EntryKind
	Miles      int64
	Amount     decimal.Decimal // purchase: price paid, bonus: 0, sale: price received
	Source     string
	Note       string
	EventTime  time.Time
	RecordedAt time.Time
}

// =============================================================================
// SALE RESULT
// =============================================================================

// SaleResult carries the outcome of a sale transition: the updated snapshot,
// the cost basis removed by this sale, and the realized profit.
type SaleResult struct {
	Account     Account
	RemovedCost decimal.Decimal
	Profit      decimal.Decimal
}

// =============================================================================
// HELPERS
// =============================================================================

// PricePerThousand quotes a single lot of miles in milheiros: the monetary
// amount divided by (miles / 1000), at 4-decimal scale. Used for log context
// when registering purchases; it is not the account's average cost.
func PricePerThousand(miles int64, amount decimal.Decimal) decimal.Decimal {
	if miles <= 0 {
		return decimal.Zero
	}
	milheiros := decimal.NewFromInt(miles).
		DivRound(decimal.NewFromInt(Milheiro), AvgCostScale)
	return amount.DivRound(milheiros, QuoteScale)
}
