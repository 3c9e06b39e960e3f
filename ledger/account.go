/*
account.go - Pure state transitions for program accounts

PURPOSE:
  All mutation logic lives here as pure functions on immutable snapshots:
  given the current Account and the mutation parameters, each transition
  returns a new Account (plus removed cost and profit for sales). Nothing
  here touches storage.

COST MODEL (weighted average cost):
  - Purchase raises the cost basis by the price paid.
  - Bonus adds miles at zero cost, diluting the average.
  - Sale removes cost proportionally to the fraction of the balance sold:
      removedCost = round6(miles / balance) * costBasis, rounded to cents.
    Selling the entire balance removes the exact remaining cost basis
    instead, so no rounding dust survives a full liquidation.

INVARIANTS MAINTAINED:
  - balance == 0  =>  cost basis == 0 (forced after a liquidating sale)
  - balance and cost basis never go negative; an oversized sale fails with
    InsufficientBalanceError and leaves the snapshot untouched
*/
package ledger

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// NewAccount creates a zero-balance account snapshot for a tuple that has
// never held miles. Called implicitly on the first purchase or bonus.
func NewAccount(tenantID, programID uuid.UUID, programName, owner string) (Account, error) {
	programName = strings.TrimSpace(programName)
	owner = strings.TrimSpace(owner)

	if tenantID == uuid.Nil {
		return Account{}, &ValidationError{Field: "tenantId", Message: "must not be empty"}
	}
	if programID == uuid.Nil {
		return Account{}, &ValidationError{Field: "programId", Message: "must not be empty"}
	}
	if programName == "" {
		return Account{}, &ValidationError{Field: "programName", Message: "must not be blank"}
	}
	if owner == "" {
		return Account{}, &ValidationError{Field: "owner", Message: "must not be blank"}
	}

	now := time.Now().UTC()
	return Account{
		ID:                 uuid.New(),
		TenantID:           tenantID,
		ProgramID:          programID,
		ProgramName:        programName,
		Owner:              owner,
		BalanceMiles:       0,
		CostBasisTotal:     decimal.Zero,
		AvgCostPerThousand: decimal.Zero,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// ApplyPurchase returns a snapshot with miles and cost basis increased and
// the average cost recomputed.
func (a Account) ApplyPurchase(miles int64, amount decimal.Decimal) (Account, error) {
	if miles <= 0 {
		return Account{}, &ValidationError{Field: "miles", Message: "must be positive for a purchase"}
	}
	if amount.IsNegative() {
		return Account{}, &ValidationError{Field: "amount", Message: "must not be negative"}
	}

	balance := a.BalanceMiles + miles
	costBasis := a.CostBasisTotal.Add(amount)

	next := a
	next.BalanceMiles = balance
	next.CostBasisTotal = costBasis
	next.AvgCostPerThousand = averageCost(balance, costBasis)
	next.UpdatedAt = time.Now().UTC()
	return next, nil
}

// ApplyBonus returns a snapshot with miles increased at zero cost. The cost
// basis is unchanged, so the average cost per thousand drops.
func (a Account) ApplyBonus(miles int64) (Account, error) {
	if miles <= 0 {
		return Account{}, &ValidationError{Field: "miles", Message: "must be positive for a bonus"}
	}

	balance := a.BalanceMiles + miles

	next := a
	next.BalanceMiles = balance
	next.AvgCostPerThousand = averageCost(balance, a.CostBasisTotal)
	next.UpdatedAt = time.Now().UTC()
	return next, nil
}

// ApplySale returns the post-sale snapshot plus the cost removed and the
// realized profit (saleAmount - removedCost). Fails with
// InsufficientBalanceError if miles exceed the balance; the receiver is
// never modified.
func (a Account) ApplySale(miles int64, saleAmount decimal.Decimal) (SaleResult, error) {
	if miles <= 0 {
		return SaleResult{}, &ValidationError{Field: "miles", Message: "must be positive for a sale"}
	}
	if saleAmount.IsNegative() {
		return SaleResult{}, &ValidationError{Field: "saleAmount", Message: "must not be negative"}
	}
	if miles > a.BalanceMiles {
		return SaleResult{}, &InsufficientBalanceError{
			ProgramID: a.ProgramID,
			Balance:   a.BalanceMiles,
			Requested: miles,
		}
	}

	var removedCost decimal.Decimal
	if miles == a.BalanceMiles {
		// Full liquidation removes the exact remaining cost basis. Using the
		// ratio formula here could leave rounding dust behind a zero balance.
		removedCost = a.CostBasisTotal
	} else {
		ratio := decimal.NewFromInt(miles).
			DivRound(decimal.NewFromInt(a.BalanceMiles), AvgCostScale)
		removedCost = ratio.Mul(a.CostBasisTotal).Round(MoneyScale)
	}

	balance := a.BalanceMiles - miles
	costBasis := a.CostBasisTotal.Sub(removedCost)
	if balance == 0 {
		// Guard against rounding residue: an empty position carries no cost.
		costBasis = decimal.Zero
	}

	next := a
	next.BalanceMiles = balance
	next.CostBasisTotal = costBasis
	next.AvgCostPerThousand = averageCost(balance, costBasis)
	next.UpdatedAt = time.Now().UTC()

	return SaleResult{
		Account:     next,
		RemovedCost: removedCost,
		Profit:      saleAmount.Sub(removedCost),
	}, nil
}

// =============================================================================
// QUERY HELPERS
// =============================================================================

// HasBalance reports whether the account currently holds any miles.
func (a Account) HasBalance() bool { return a.BalanceMiles > 0 }

// CanWithdraw reports whether a sale of the given miles would succeed.
func (a Account) CanWithdraw(miles int64) bool {
	return miles > 0 && miles <= a.BalanceMiles
}

// averageCost derives the weighted average cost per thousand miles:
// costBasis / (balance / 1000), both division steps at 6-decimal HALF-UP.
// Zero balance or zero cost basis yields zero.
func averageCost(balance int64, costBasis decimal.Decimal) decimal.Decimal {
	if balance == 0 || costBasis.IsZero() {
		return decimal.Zero
	}
	milheiros := decimal.NewFromInt(balance).
		DivRound(decimal.NewFromInt(Milheiro), AvgCostScale)
	return costBasis.DivRound(milheiros, AvgCostScale)
}
