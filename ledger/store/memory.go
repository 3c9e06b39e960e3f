// Package store provides an in-memory ledger.Store implementation for
// testing and embedding. It honors the same compare-and-swap semantics as
// the SQLite store: SaveMutation fails with ledger.ErrConcurrencyConflict
// when the snapshot's version no longer matches the stored account.
package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voyagehq/miles-ledger/ledger"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

type Memory struct {
	mu       sync.RWMutex
	accounts map[tupleKey]ledger.Account
	byID     map[uuid.UUID]tupleKey
	entries  map[uuid.UUID][]ledger.Entry
}

type tupleKey struct {
	TenantID  uuid.UUID
	ProgramID uuid.UUID
	Owner     string
}

func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[tupleKey]ledger.Account),
		byID:     make(map[uuid.UUID]tupleKey),
		entries:  make(map[uuid.UUID][]ledger.Entry),
	}
}

// Compile-time check that Memory satisfies the full read/write port.
var _ ledger.QueryStore = (*Memory)(nil)

// =============================================================================
// MUTATION PATH (ledger.Store)
// =============================================================================

func (m *Memory) FindAccount(_ context.Context, tenantID, programID uuid.UUID, owner string) (*ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[tupleKey{tenantID, programID, strings.TrimSpace(owner)}]
	if !ok {
		return nil, nil
	}
	out := acct
	return &out, nil
}

// SaveMutation inserts or swaps the account snapshot and appends the entry
// under one lock, mirroring the one-transaction guarantee of the SQL store.
func (m *Memory) SaveMutation(_ context.Context, snapshot ledger.Account, entry ledger.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := tupleKey{snapshot.TenantID, snapshot.ProgramID, snapshot.Owner}
	stored, exists := m.accounts[key]

	if snapshot.Version == 0 {
		if exists {
			// Lost the first-insert race; caller reloads and retries.
			return fmt.Errorf("account already exists for %s/%s: %w",
				snapshot.ProgramID, snapshot.Owner, ledger.ErrConcurrencyConflict)
		}
	} else {
		if !exists || stored.Version != snapshot.Version {
			return fmt.Errorf("version check failed for %s/%s: %w",
				snapshot.ProgramID, snapshot.Owner, ledger.ErrConcurrencyConflict)
		}
	}

	committed := snapshot
	committed.Version = snapshot.Version + 1
	m.accounts[key] = committed
	m.byID[committed.ID] = key
	m.entries[entry.AccountID] = append(m.entries[entry.AccountID], entry)
	return nil
}

// =============================================================================
// READ SIDE (ledger.QueryStore)
// =============================================================================

func (m *Memory) GetAccount(_ context.Context, tenantID, accountID uuid.UUID) (*ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key, ok := m.byID[accountID]
	if !ok || key.TenantID != tenantID {
		return nil, nil
	}
	acct := m.accounts[key]
	return &acct, nil
}

func (m *Memory) ListAccounts(_ context.Context, tenantID uuid.UUID) ([]ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []ledger.Account
	for key, acct := range m.accounts {
		if key.TenantID == tenantID {
			result = append(result, acct)
		}
	}
	sortAccounts(result)
	return result, nil
}

func (m *Memory) ListByOwner(_ context.Context, tenantID uuid.UUID, owner string) ([]ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	owner = strings.TrimSpace(owner)
	var result []ledger.Account
	for key, acct := range m.accounts {
		if key.TenantID == tenantID && key.Owner == owner {
			result = append(result, acct)
		}
	}
	sortAccounts(result)
	return result, nil
}

func (m *Memory) TotalMiles(_ context.Context, tenantID uuid.UUID) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total int64
	for key, acct := range m.accounts {
		if key.TenantID == tenantID {
			total += acct.BalanceMiles
		}
	}
	return total, nil
}

func (m *Memory) TotalsByOwner(_ context.Context, tenantID uuid.UUID) (map[string]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totals := make(map[string]int64)
	for key, acct := range m.accounts {
		if key.TenantID == tenantID {
			totals[key.Owner] += acct.BalanceMiles
		}
	}
	return totals, nil
}

func (m *Memory) TotalsByProgram(_ context.Context, tenantID uuid.UUID) (map[string]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totals := make(map[string]int64)
	for key, acct := range m.accounts {
		if key.TenantID == tenantID {
			totals[acct.ProgramName] += acct.BalanceMiles
		}
	}
	return totals, nil
}

func (m *Memory) EntriesByAccount(_ context.Context, accountID uuid.UUID) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]ledger.Entry, len(m.entries[accountID]))
	copy(result, m.entries[accountID])
	sortEntries(result)
	return result, nil
}

func (m *Memory) EntriesInRange(_ context.Context, accountID uuid.UUID, start, end time.Time) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []ledger.Entry
	for _, e := range m.entries[accountID] {
		if !e.EventTime.Before(start) && !e.EventTime.After(end) {
			result = append(result, e)
		}
	}
	sortEntries(result)
	return result, nil
}

func (m *Memory) EntriesByKind(_ context.Context, accountID uuid.UUID, kind ledger.EntryKind) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []ledger.Entry
	for _, e := range m.entries[accountID] {
		if e.Kind == kind {
			result = append(result, e)
		}
	}
	sortEntries(result)
	return result, nil
}

// =============================================================================
// ORDERING
// =============================================================================

// sortEntries orders newest first by event time, then recording time.
func sortEntries(entries []ledger.Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].EventTime.Equal(entries[j].EventTime) {
			return entries[i].EventTime.After(entries[j].EventTime)
		}
		return entries[i].RecordedAt.After(entries[j].RecordedAt)
	})
}

// sortAccounts keeps listings deterministic across map iteration order.
func sortAccounts(accounts []ledger.Account) {
	sort.Slice(accounts, func(i, j int) bool {
		if accounts[i].Owner != accounts[j].Owner {
			return accounts[i].Owner < accounts[j].Owner
		}
		return accounts[i].ProgramName < accounts[j].ProgramName
	})
}
