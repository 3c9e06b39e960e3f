/*
query.go - Read-only aggregation and history queries

PURPOSE:
  QueryService is the read-side entry point: account lookups, tenant-wide
  totals, and entry history with filters. It holds no state beyond the store
  and takes no locks - queries run concurrently with mutations under the
  storage layer's ordinary read isolation.

Balance queries read the account snapshot directly; the entry history is the
audit trail, not the source of truth, and is never replayed at read time.
*/
package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// QueryService answers read-only questions about accounts and entries.
type QueryService struct {
	store QueryStore
}

// NewQueryService creates the read-side service.
func NewQueryService(store QueryStore) *QueryService {
	return &QueryService{store: store}
}

// =============================================================================
// ACCOUNT QUERIES
// =============================================================================

// GetAccount returns the account for (tenant, program, owner), or (nil, nil)
// when the tuple has never held miles.
func (s *QueryService) GetAccount(ctx context.Context, tenantID, programID uuid.UUID, owner string) (*Account, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, &ValidationError{Field: "owner", Message: "must not be blank"}
	}
	return s.store.FindAccount(ctx, tenantID, programID, owner)
}

// GetAccountByID returns the account by id within a tenant, or (nil, nil).
func (s *QueryService) GetAccountByID(ctx context.Context, tenantID, accountID uuid.UUID) (*Account, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	return s.store.GetAccount(ctx, tenantID, accountID)
}

// ListAccounts returns every account in the tenant.
func (s *QueryService) ListAccounts(ctx context.Context, tenantID uuid.UUID) ([]Account, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	return s.store.ListAccounts(ctx, tenantID)
}

// ListByOwner returns the tenant's accounts held by one owner.
func (s *QueryService) ListByOwner(ctx context.Context, tenantID uuid.UUID, owner string) ([]Account, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, &ValidationError{Field: "owner", Message: "must not be blank"}
	}
	return s.store.ListByOwner(ctx, tenantID, owner)
}

// =============================================================================
// TOTALS
// =============================================================================

// TotalMiles sums balances across all of the tenant's accounts.
func (s *QueryService) TotalMiles(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	if err := requireTenant(tenantID); err != nil {
		return 0, err
	}
	return s.store.TotalMiles(ctx, tenantID)
}

// TotalsByOwner groups balance sums by owner.
func (s *QueryService) TotalsByOwner(ctx context.Context, tenantID uuid.UUID) (map[string]int64, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	return s.store.TotalsByOwner(ctx, tenantID)
}

// TotalsByProgram groups balance sums by program name.
func (s *QueryService) TotalsByProgram(ctx context.Context, tenantID uuid.UUID) (map[string]int64, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	return s.store.TotalsByProgram(ctx, tenantID)
}

// =============================================================================
// ENTRY HISTORY
// =============================================================================

// ListEntries returns the full history of an account, newest first.
func (s *QueryService) ListEntries(ctx context.Context, accountID uuid.UUID) ([]Entry, error) {
	if accountID == uuid.Nil {
		return nil, &ValidationError{Field: "accountId", Message: "must not be empty"}
	}
	return s.store.EntriesByAccount(ctx, accountID)
}

// ListEntriesInRange returns entries with start <= eventTime <= end,
// newest first.
func (s *QueryService) ListEntriesInRange(ctx context.Context, accountID uuid.UUID, start, end time.Time) ([]Entry, error) {
	if accountID == uuid.Nil {
		return nil, &ValidationError{Field: "accountId", Message: "must not be empty"}
	}
	if end.Before(start) {
		return nil, &ValidationError{Field: "range", Message: "end must not precede start"}
	}
	return s.store.EntriesInRange(ctx, accountID, start, end)
}

// ListEntriesByKind filters the history by kind, newest first.
func (s *QueryService) ListEntriesByKind(ctx context.Context, accountID uuid.UUID, kind EntryKind) ([]Entry, error) {
	if accountID == uuid.Nil {
		return nil, &ValidationError{Field: "accountId", Message: "must not be empty"}
	}
	if !kind.Valid() {
		return nil, &ValidationError{Field: "kind", Message: "must be PURCHASE, BONUS or SALE"}
	}
	return s.store.EntriesByKind(ctx, accountID, kind)
}

func requireTenant(tenantID uuid.UUID) error {
	if tenantID == uuid.Nil {
		return &ValidationError{Field: "tenantId", Message: "must not be empty"}
	}
	return nil
}
