/*
errors.go - Centralized error types for the ledger engine

PURPOSE:
  All domain errors in one place. Callers match with errors.Is/errors.As;
  structured types carry the context a caller needs to react (current
  balance, requested miles, retry attempts).

ERROR CATEGORIES:
  1. Validation errors   - malformed commands, rejected before any state change
  2. Domain-rule errors  - insufficient balance, account not found
  3. Concurrency errors  - optimistic write collision after retry exhaustion

Infrastructure failures (storage timeouts, I/O errors) are NOT part of this
taxonomy: stores wrap and return them as plain errors so callers can tell a
broken rule from a broken disk.

SEE ALSO:
  - account.go:  returns validation and insufficient-balance errors
  - mutation.go: returns not-found and concurrency-conflict errors
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned when a command or transition argument is
	// malformed (non-positive miles, negative amount, blank required field).
	ErrValidation = errors.New("validation failed")

	// ErrInsufficientBalance is returned when a sale requests more miles
	// than the account holds.
	ErrInsufficientBalance = errors.New("insufficient miles balance")

	// ErrAccountNotFound is returned when a sale targets a
	// (tenant, program, owner) tuple that has no account.
	ErrAccountNotFound = errors.New("program account not found")

	// ErrConcurrencyConflict is returned by stores when an optimistic write
	// loses the version check, and by the mutation service once the retry
	// budget is exhausted.
	ErrConcurrencyConflict = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError reports a malformed command field. It is always returned
// before any persistence call: a failed validation never creates a partial
// entry or touches the account.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// InsufficientBalanceError reports a sale exceeding the current balance.
// The account is unchanged; the caller may retry with fewer miles.
type InsufficientBalanceError struct {
	ProgramID uuid.UUID
	Balance   int64
	Requested int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient miles in program %s: balance %d, requested %d (deficit %d)",
		e.ProgramID, e.Balance, e.Requested, e.Deficit())
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// Deficit returns how many miles are missing.
func (e *InsufficientBalanceError) Deficit() int64 { return e.Requested - e.Balance }

// AccountNotFoundError reports a sale against a tuple that never held miles.
// Selling into a position that does not exist is always an error; sales never
// create accounts implicitly.
type AccountNotFoundError struct {
	TenantID  uuid.UUID
	ProgramID uuid.UUID
	Owner     string
}

func (e *AccountNotFoundError) Error() string {
	return fmt.Sprintf("no account for program %s and owner %q", e.ProgramID, e.Owner)
}

func (e *AccountNotFoundError) Unwrap() error { return ErrAccountNotFound }

// ConcurrencyConflictError reports an optimistic write collision that
// survived the whole retry budget. Surfaced distinctly from domain errors so
// callers can decide to resubmit.
type ConcurrencyConflictError struct {
	TenantID  uuid.UUID
	ProgramID uuid.UUID
	Owner     string
	Attempts  int
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("write conflict on program %s owner %q after %d attempts",
		e.ProgramID, e.Owner, e.Attempts)
}

func (e *ConcurrencyConflictError) Unwrap() error { return ErrConcurrencyConflict }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if resubmitting the same command might succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrAccountNotFound)
}

// IsNotFound returns true if the error indicates a missing account.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound)
}
