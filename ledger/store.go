/*
store.go - Persistence port for accounts and entries

PURPOSE:
  Defines the interface between the ledger engine and storage. Implementations
  exist for SQLite (store/sqlite) and in-memory (ledger/store).

ATOMICITY CONTRACT:
  SaveMutation persists one account snapshot and one entry as a single unit:
  either both land or neither does. The account write is a compare-and-swap
  on the snapshot's Version; a lost swap returns ErrConcurrencyConflict so
  the caller can reload and retry. The first insert for a tuple races on the
  unique (tenant, program, owner) index and maps to the same sentinel.

READ SIDE:
  Lookup methods return (nil, nil) when nothing matches, never a not-found
  error - absence is a domain decision made by the services, not by storage.
  Entry listings are ordered by event time descending, ties broken by
  recording time descending.
*/
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// STORE - Mutation-path persistence
// =============================================================================

// Store is the minimal port the mutation service needs.
type Store interface {
	// FindAccount returns the account for (tenant, program, owner),
	// or (nil, nil) if the tuple has no account.
	FindAccount(ctx context.Context, tenantID, programID uuid.UUID, owner string) (*Account, error)

	// SaveMutation atomically persists the new account snapshot and the
	// entry describing the mutation. The account is inserted when
	// snapshot.Version == 0 and updated via version compare-and-swap
	// otherwise; a lost swap (or a lost insert race) returns an error
	// wrapping ErrConcurrencyConflict.
	SaveMutation(ctx context.Context, snapshot Account, entry Entry) error
}

// =============================================================================
// QUERY STORE - Read-only aggregation and history access
// =============================================================================

// QueryStore extends Store with the read side. Queries run under ordinary
// read-committed isolation and never block the mutation path.
type QueryStore interface {
	Store

	// GetAccount returns the account by id within a tenant, or (nil, nil).
	GetAccount(ctx context.Context, tenantID, accountID uuid.UUID) (*Account, error)

	// ListAccounts returns every account in the tenant.
	ListAccounts(ctx context.Context, tenantID uuid.UUID) ([]Account, error)

	// ListByOwner returns the tenant's accounts held by one owner.
	ListByOwner(ctx context.Context, tenantID uuid.UUID, owner string) ([]Account, error)

	// TotalMiles sums BalanceMiles across the tenant's accounts.
	TotalMiles(ctx context.Context, tenantID uuid.UUID) (int64, error)

	// TotalsByOwner groups BalanceMiles sums by owner.
	TotalsByOwner(ctx context.Context, tenantID uuid.UUID) (map[string]int64, error)

	// TotalsByProgram groups BalanceMiles sums by program name.
	TotalsByProgram(ctx context.Context, tenantID uuid.UUID) (map[string]int64, error)

	// EntriesByAccount returns the account's full history, newest first.
	EntriesByAccount(ctx context.Context, accountID uuid.UUID) ([]Entry, error)

	// EntriesInRange returns entries with start <= EventTime <= end,
	// newest first.
	EntriesInRange(ctx context.Context, accountID uuid.UUID, start, end time.Time) ([]Entry, error)

	// EntriesByKind filters the history by kind, newest first.
	EntriesByKind(ctx context.Context, accountID uuid.UUID, kind EntryKind) ([]Entry, error)
}
