/*
mutation.go - Mutation orchestration with optimistic concurrency

PURPOSE:
  MutationService is the write-side entry point. Each command follows the
  same protocol: validate, load (or synthesize) the account, apply the pure
  transition, persist (snapshot, entry) atomically, return the result.

CONCURRENCY:
  The persist step is a compare-and-swap on the account's version. A lost
  swap means someone else committed between our load and our write; the
  service reloads the fresh snapshot, reapplies the transition, and tries
  again, up to maxAttempts with a short backoff between rounds. Exhaustion
  surfaces ConcurrencyConflictError. Mutations on different accounts never
  contend with each other.

VALIDATION:
  Commands are checked (validator tags plus decimal checks) before any
  persistence call; a rejected command never creates a partial entry or
  touches the account. Tenant identity is an explicit command field on
  every call - the service trusts it and performs no authorization.
*/
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	// maxAttempts bounds the optimistic retry loop per command.
	maxAttempts = 4

	// conflictBackoff is the pause between retry rounds. Conflicts on a
	// single tuple resolve in well under this on any storage backend.
	conflictBackoff = 10 * time.Millisecond
)

// =============================================================================
// COMMANDS
// =============================================================================

// PurchaseCommand registers bought miles: balance and cost basis both grow.
type PurchaseCommand struct {
	TenantID    uuid.UUID `validate:"required"`
	ProgramID   uuid.UUID `validate:"required"`
	ProgramName string    `validate:"required"`
	Owner       string    `validate:"required"`
	Miles       int64     `validate:"gt=0"`
	Amount      decimal.Decimal
	Source      string
	Note        string
	EventTime   time.Time
}

// BonusCommand registers miles earned at zero cost.
type BonusCommand struct {
	TenantID    uuid.UUID `validate:"required"`
	ProgramID   uuid.UUID `validate:"required"`
	ProgramName string    `validate:"required"`
	Owner       string    `validate:"required"`
	Miles       int64     `validate:"gt=0"`
	Source      string
	Note        string
	EventTime   time.Time
}

// SaleCommand registers sold miles against an existing account.
type SaleCommand struct {
	TenantID   uuid.UUID `validate:"required"`
	ProgramID  uuid.UUID `validate:"required"`
	Owner      string    `validate:"required"`
	Miles      int64     `validate:"gt=0"`
	SaleAmount decimal.Decimal
	Note       string
	EventTime  time.Time
}

// MutationResult is returned by purchase and bonus registrations.
type MutationResult struct {
	Entry   Entry
	Account Account
}

// SaleMutationResult additionally carries the removed cost and the profit.
type SaleMutationResult struct {
	Entry       Entry
	Account     Account
	RemovedCost decimal.Decimal
	Profit      decimal.Decimal
}

// =============================================================================
// MUTATION SERVICE
// =============================================================================

// MutationService orchestrates balance-changing commands against a Store.
type MutationService struct {
	store    Store
	validate *validator.Validate
	log      *slog.Logger
}

// NewMutationService creates the write-side service. A nil logger falls
// back to slog.Default().
func NewMutationService(store Store, log *slog.Logger) *MutationService {
	if log == nil {
		log = slog.Default()
	}
	return &MutationService{
		store:    store,
		validate: validator.New(),
		log:      log,
	}
}

// RegisterPurchase applies a purchase, creating the account on first use.
func (s *MutationService) RegisterPurchase(ctx context.Context, cmd PurchaseCommand) (*MutationResult, error) {
	if err := s.checkCommand(cmd); err != nil {
		return nil, err
	}
	if !cmd.Amount.IsPositive() {
		return nil, &ValidationError{Field: "amount", Message: "must be positive for a purchase"}
	}

	result, err := s.mutate(ctx, cmd.TenantID, cmd.ProgramID, cmd.Owner, true,
		func(acct Account) (Account, error) {
			return acct.ApplyPurchase(cmd.Miles, cmd.Amount)
		},
		func(acct Account) (Entry, error) {
			return NewPurchaseEntry(acct.ID, cmd.Miles, cmd.Amount, cmd.Source, cmd.Note, cmd.EventTime)
		},
		cmd.ProgramName,
	)
	if err != nil {
		return nil, err
	}

	s.log.InfoContext(ctx, "purchase registered",
		"tenant", cmd.TenantID,
		"program", cmd.ProgramName,
		"owner", cmd.Owner,
		"miles", cmd.Miles,
		"amount", cmd.Amount,
		"pricePerThousand", PricePerThousand(cmd.Miles, cmd.Amount),
		"newBalance", result.Account.BalanceMiles,
	)
	return result, nil
}

// RegisterBonus applies a bonus, creating the account on first use.
func (s *MutationService) RegisterBonus(ctx context.Context, cmd BonusCommand) (*MutationResult, error) {
	if err := s.checkCommand(cmd); err != nil {
		return nil, err
	}

	result, err := s.mutate(ctx, cmd.TenantID, cmd.ProgramID, cmd.Owner, true,
		func(acct Account) (Account, error) {
			return acct.ApplyBonus(cmd.Miles)
		},
		func(acct Account) (Entry, error) {
			return NewBonusEntry(acct.ID, cmd.Miles, cmd.Source, cmd.Note, cmd.EventTime)
		},
		cmd.ProgramName,
	)
	if err != nil {
		return nil, err
	}

	s.log.InfoContext(ctx, "bonus registered",
		"tenant", cmd.TenantID,
		"program", cmd.ProgramName,
		"owner", cmd.Owner,
		"miles", cmd.Miles,
		"source", cmd.Source,
		"newBalance", result.Account.BalanceMiles,
	)
	return result, nil
}

// RegisterSale applies a sale against an existing account. There is no
// implicit creation: selling from a tuple that never held miles fails with
// AccountNotFoundError.
func (s *MutationService) RegisterSale(ctx context.Context, cmd SaleCommand) (*SaleMutationResult, error) {
	if err := s.checkCommand(cmd); err != nil {
		return nil, err
	}
	if !cmd.SaleAmount.IsPositive() {
		return nil, &ValidationError{Field: "saleAmount", Message: "must be positive for a sale"}
	}

	var removedCost, profit decimal.Decimal
	result, err := s.mutate(ctx, cmd.TenantID, cmd.ProgramID, cmd.Owner, false,
		func(acct Account) (Account, error) {
			sale, err := acct.ApplySale(cmd.Miles, cmd.SaleAmount)
			if err != nil {
				return Account{}, err
			}
			removedCost, profit = sale.RemovedCost, sale.Profit
			return sale.Account, nil
		},
		func(acct Account) (Entry, error) {
			return NewSaleEntry(acct.ID, cmd.Miles, cmd.SaleAmount, cmd.Note, cmd.EventTime)
		},
		"",
	)
	if err != nil {
		return nil, err
	}

	s.log.InfoContext(ctx, "sale registered",
		"tenant", cmd.TenantID,
		"program", cmd.ProgramID,
		"owner", cmd.Owner,
		"miles", cmd.Miles,
		"saleAmount", cmd.SaleAmount,
		"profit", profit,
		"newBalance", result.Account.BalanceMiles,
	)
	return &SaleMutationResult{
		Entry:       result.Entry,
		Account:     result.Account,
		RemovedCost: removedCost,
		Profit:      profit,
	}, nil
}

// =============================================================================
// INTERNALS
// =============================================================================

// mutate runs the load -> transition -> persist protocol with the optimistic
// retry loop. createIfMissing distinguishes purchase/bonus (which synthesize
// a zero-balance account on first use) from sale (which must find one).
func (s *MutationService) mutate(
	ctx context.Context,
	tenantID, programID uuid.UUID,
	owner string,
	createIfMissing bool,
	transition func(Account) (Account, error),
	makeEntry func(Account) (Entry, error),
	programName string,
) (*MutationResult, error) {
	// Accounts store trimmed owners; look them up the same way.
	owner = strings.TrimSpace(owner)

	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(conflictBackoff):
			}
		}

		current, err := s.store.FindAccount(ctx, tenantID, programID, owner)
		if err != nil {
			return nil, fmt.Errorf("loading account: %w", err)
		}

		var acct Account
		switch {
		case current != nil:
			acct = *current
		case createIfMissing:
			acct, err = NewAccount(tenantID, programID, programName, owner)
			if err != nil {
				return nil, err
			}
		default:
			return nil, &AccountNotFoundError{TenantID: tenantID, ProgramID: programID, Owner: owner}
		}

		next, err := transition(acct)
		if err != nil {
			return nil, err
		}

		entry, err := makeEntry(next)
		if err != nil {
			return nil, err
		}

		err = s.store.SaveMutation(ctx, next, entry)
		if err == nil {
			// The store bumped the committed version past the snapshot's.
			next.Version = acct.Version + 1
			return &MutationResult{Entry: entry, Account: next}, nil
		}
		if !IsRetryable(err) {
			return nil, fmt.Errorf("persisting mutation: %w", err)
		}

		lastErr = err
		s.log.DebugContext(ctx, "optimistic write lost, retrying",
			"tenant", tenantID, "program", programID, "owner", owner, "attempt", attempt)
	}

	s.log.WarnContext(ctx, "mutation abandoned after retry budget",
		"tenant", tenantID, "program", programID, "owner", owner,
		"attempts", maxAttempts, "err", lastErr)
	return nil, &ConcurrencyConflictError{
		TenantID:  tenantID,
		ProgramID: programID,
		Owner:     owner,
		Attempts:  maxAttempts,
	}
}

// checkCommand maps validator failures onto the domain's ValidationError.
func (s *MutationService) checkCommand(cmd any) error {
	err := s.validate.Struct(cmd)
	if err == nil {
		return nil
	}
	if fields, ok := err.(validator.ValidationErrors); ok && len(fields) > 0 {
		f := fields[0]
		msg := "must not be empty"
		if f.Tag() == "gt" {
			msg = "must be positive"
		}
		return &ValidationError{Field: fieldName(f.Field()), Message: msg}
	}
	return &ValidationError{Field: "command", Message: err.Error()}
}

// fieldName maps a Go struct field to the camelCase form the hand-written
// validations use: "TenantID" -> "tenantId", "SaleAmount" -> "saleAmount".
func fieldName(field string) string {
	if field == "" {
		return field
	}
	name := strings.ToLower(field[:1]) + field[1:]
	if strings.HasSuffix(name, "ID") {
		name = strings.TrimSuffix(name, "ID") + "Id"
	}
	return name
}
