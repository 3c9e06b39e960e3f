// entry.go - Factories for append-only ledger entries.
//
// One factory per kind, validating at construction time: miles must be
// positive, the account id must be set, and a bonus always carries a zero
// monetary amount. Entries are never edited after creation.

package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// NewPurchaseEntry records a purchase of miles for the given price.
func NewPurchaseEntry(accountID uuid.UUID, miles int64, amount decimal.Decimal, source, note string, eventTime time.Time) (Entry, error) {
	return newEntry(accountID, KindPurchase, miles, amount, source, note, eventTime)
}

// NewBonusEntry records bonus miles (promotions, cashback, transfers in).
// The monetary amount is always zero: bonuses carry no cost.
func NewBonusEntry(accountID uuid.UUID, miles int64, source, note string, eventTime time.Time) (Entry, error) {
	return newEntry(accountID, KindBonus, miles, decimal.Zero, source, note, eventTime)
}

// NewSaleEntry records a sale of miles for the given price received.
// Sales have no source; the note carries any free-form context.
func NewSaleEntry(accountID uuid.UUID, miles int64, saleAmount decimal.Decimal, note string, eventTime time.Time) (Entry, error) {
	return newEntry(accountID, KindSale, miles, saleAmount, "", note, eventTime)
}

func newEntry(accountID uuid.UUID, kind EntryKind, miles int64, amount decimal.Decimal, source, note string, eventTime time.Time) (Entry, error) {
	if accountID == uuid.Nil {
		return Entry{}, &ValidationError{Field: "accountId", Message: "must not be empty"}
	}
	if miles <= 0 {
		return Entry{}, &ValidationError{Field: "miles", Message: "must be positive"}
	}
	if amount.IsNegative() {
		return Entry{}, &ValidationError{Field: "amount", Message: "must not be negative"}
	}

	now := time.Now().UTC()
	if eventTime.IsZero() {
		eventTime = now
	}

	return Entry{
		ID:         uuid.New(),
		AccountID:  accountID,
		Kind:       kind,
		Miles:      miles,
		Amount:     amount,
		Source:     source,
		Note:       note,
		EventTime:  eventTime,
		RecordedAt: now,
	}, nil
}
