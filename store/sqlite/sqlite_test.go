/*
sqlite_test.go - Tests for the SQLite store

Runs the real driver against a temp-file database for the contract tests
(round-trips, compare-and-swap, aggregation queries) and a driver-level
fake for failure paths the real driver will not produce on demand.
*/
package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voyagehq/miles-ledger/ledger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := New(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newSnapshot(t *testing.T, tenantID, programID uuid.UUID, owner string) ledger.Account {
	t.Helper()
	acct, err := ledger.NewAccount(tenantID, programID, "Smiles", owner)
	require.NoError(t, err)
	return acct
}

func purchased(t *testing.T, acct ledger.Account, miles int64, amount string) ledger.Account {
	t.Helper()
	next, err := acct.ApplyPurchase(miles, dec(amount))
	require.NoError(t, err)
	return next
}

func purchaseEntry(t *testing.T, acct ledger.Account, miles int64, amount string) ledger.Entry {
	t.Helper()
	e, err := ledger.NewPurchaseEntry(acct.ID, miles, dec(amount), "", "", time.Time{})
	require.NoError(t, err)
	return e
}

// =============================================================================
// ROUND-TRIPS
// =============================================================================

func TestSaveAndFindAccount(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	tenant, program := uuid.New(), uuid.New()

	t.Run("FindAccount returns nil before the first mutation", func(t *testing.T) {
		acct, err := st.FindAccount(ctx, tenant, program, "ana@example.com")

		require.NoError(t, err)
		assert.Nil(t, acct)
	})

	t.Run("first mutation inserts account and entry", func(t *testing.T) {
		// GIVEN a fresh version-0 snapshot with a purchase applied
		acct := purchased(t, newSnapshot(t, tenant, program, "ana@example.com"), 10_000, "350.00")
		entry := purchaseEntry(t, acct, 10_000, "350.00")

		// WHEN saving the mutation
		err := st.SaveMutation(ctx, acct, entry)

		// THEN the account reads back at version 1 with exact decimals
		require.NoError(t, err)
		stored, err := st.FindAccount(ctx, tenant, program, "ana@example.com")
		require.NoError(t, err)
		require.NotNil(t, stored)
		assert.Equal(t, acct.ID, stored.ID)
		assert.Equal(t, int64(10_000), stored.BalanceMiles)
		assert.True(t, stored.CostBasisTotal.Equal(dec("350.00")))
		assert.True(t, stored.AvgCostPerThousand.Equal(dec("35")))
		assert.Equal(t, int64(1), stored.Version)

		entries, err := st.EntriesByAccount(ctx, acct.ID)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, ledger.KindPurchase, entries[0].Kind)
		assert.True(t, entries[0].Amount.Equal(dec("350.00")))
	})

	t.Run("GetAccount by id is tenant-scoped", func(t *testing.T) {
		stored, err := st.FindAccount(ctx, tenant, program, "ana@example.com")
		require.NoError(t, err)
		require.NotNil(t, stored)

		byID, err := st.GetAccount(ctx, tenant, stored.ID)
		require.NoError(t, err)
		require.NotNil(t, byID)
		assert.Equal(t, stored.ID, byID.ID)

		other, err := st.GetAccount(ctx, uuid.New(), stored.ID)
		require.NoError(t, err)
		assert.Nil(t, other)
	})
}

// =============================================================================
// COMPARE-AND-SWAP
// =============================================================================

func TestOptimisticConcurrency(t *testing.T) {
	ctx := context.Background()

	t.Run("stale version loses the swap", func(t *testing.T) {
		st := newTestStore(t)
		tenant, program := uuid.New(), uuid.New()

		base := purchased(t, newSnapshot(t, tenant, program, "ana@example.com"), 1_000, "35.00")
		require.NoError(t, st.SaveMutation(ctx, base, purchaseEntry(t, base, 1_000, "35.00")))

		// Two writers load version 1.
		first, err := st.FindAccount(ctx, tenant, program, "ana@example.com")
		require.NoError(t, err)
		second, err := st.FindAccount(ctx, tenant, program, "ana@example.com")
		require.NoError(t, err)

		// The first swap wins.
		next1 := purchased(t, *first, 2_000, "70.00")
		require.NoError(t, st.SaveMutation(ctx, next1, purchaseEntry(t, next1, 2_000, "70.00")))

		// The second swap carries the stale version and must fail.
		next2 := purchased(t, *second, 3_000, "105.00")
		err = st.SaveMutation(ctx, next2, purchaseEntry(t, next2, 3_000, "105.00"))

		require.Error(t, err)
		assert.True(t, errors.Is(err, ledger.ErrConcurrencyConflict))

		// The losing entry was rolled back with the account write.
		entries, err := st.EntriesByAccount(ctx, first.ID)
		require.NoError(t, err)
		assert.Len(t, entries, 2)
	})

	t.Run("losing the first-insert race maps to the conflict sentinel", func(t *testing.T) {
		st := newTestStore(t)
		tenant, program := uuid.New(), uuid.New()

		winner := purchased(t, newSnapshot(t, tenant, program, "bob@example.com"), 1_000, "35.00")
		require.NoError(t, st.SaveMutation(ctx, winner, purchaseEntry(t, winner, 1_000, "35.00")))

		// A second version-0 snapshot for the same tuple hits the unique index.
		loser := purchased(t, newSnapshot(t, tenant, program, "bob@example.com"), 2_000, "70.00")
		err := st.SaveMutation(ctx, loser, purchaseEntry(t, loser, 2_000, "70.00"))

		require.Error(t, err)
		assert.True(t, errors.Is(err, ledger.ErrConcurrencyConflict))
	})

	t.Run("service retry converges on the store", func(t *testing.T) {
		// End to end: the mutation service resolves a conflict by reloading.
		st := newTestStore(t)
		tenant, program := uuid.New(), uuid.New()
		svc := ledger.NewMutationService(st, nil)

		for _, amount := range []string{"35.00", "45.00", "55.00"} {
			_, err := svc.RegisterPurchase(ctx, ledger.PurchaseCommand{
				TenantID: tenant, ProgramID: program,
				ProgramName: "Smiles", Owner: "ana@example.com",
				Miles: 1_000, Amount: dec(amount),
			})
			require.NoError(t, err)
		}

		acct, err := st.FindAccount(ctx, tenant, program, "ana@example.com")
		require.NoError(t, err)
		require.NotNil(t, acct)
		assert.Equal(t, int64(3_000), acct.BalanceMiles)
		assert.True(t, acct.CostBasisTotal.Equal(dec("135.00")))
		assert.Equal(t, int64(3), acct.Version)
	})
}

// =============================================================================
// READ SIDE
// =============================================================================

func TestAggregations(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	tenant := uuid.New()
	svc := ledger.NewMutationService(st, nil)

	programA, programB := uuid.New(), uuid.New()
	seed := []ledger.PurchaseCommand{
		{TenantID: tenant, ProgramID: programA, ProgramName: "Smiles", Owner: "ana@example.com", Miles: 10_000, Amount: dec("350.00")},
		{TenantID: tenant, ProgramID: programB, ProgramName: "Latam Pass", Owner: "ana@example.com", Miles: 3_000, Amount: dec("120.00")},
		{TenantID: tenant, ProgramID: programA, ProgramName: "Smiles", Owner: "bob@example.com", Miles: 2_000, Amount: dec("70.00")},
	}
	for _, cmd := range seed {
		_, err := svc.RegisterPurchase(ctx, cmd)
		require.NoError(t, err)
	}

	t.Run("ListAccounts orders by owner then program", func(t *testing.T) {
		accounts, err := st.ListAccounts(ctx, tenant)

		require.NoError(t, err)
		require.Len(t, accounts, 3)
		assert.Equal(t, "Latam Pass", accounts[0].ProgramName)
		assert.Equal(t, "Smiles", accounts[1].ProgramName)
		assert.Equal(t, "bob@example.com", accounts[2].Owner)
	})

	t.Run("ListByOwner filters", func(t *testing.T) {
		accounts, err := st.ListByOwner(ctx, tenant, "ana@example.com")

		require.NoError(t, err)
		assert.Len(t, accounts, 2)
	})

	t.Run("TotalMiles sums the tenant", func(t *testing.T) {
		total, err := st.TotalMiles(ctx, tenant)

		require.NoError(t, err)
		assert.Equal(t, int64(15_000), total)
	})

	t.Run("TotalMiles handles an empty tenant", func(t *testing.T) {
		total, err := st.TotalMiles(ctx, uuid.New())

		require.NoError(t, err)
		assert.Equal(t, int64(0), total)
	})

	t.Run("TotalsByOwner", func(t *testing.T) {
		totals, err := st.TotalsByOwner(ctx, tenant)

		require.NoError(t, err)
		assert.Equal(t, map[string]int64{
			"ana@example.com": 13_000,
			"bob@example.com": 2_000,
		}, totals)
	})

	t.Run("TotalsByProgram", func(t *testing.T) {
		totals, err := st.TotalsByProgram(ctx, tenant)

		require.NoError(t, err)
		assert.Equal(t, map[string]int64{
			"Smiles":     12_000,
			"Latam Pass": 3_000,
		}, totals)
	})
}

func TestEntryHistory(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	tenant, program := uuid.New(), uuid.New()

	acct := newSnapshot(t, tenant, program, "ana@example.com")
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Three mutations with explicit, out-of-order event times.
	times := []time.Time{base.Add(2 * time.Hour), base, base.Add(time.Hour)}
	snapshot := acct
	for _, et := range times {
		next, err := snapshot.ApplyPurchase(1_000, dec("35.00"))
		require.NoError(t, err)
		entry, err := ledger.NewPurchaseEntry(acct.ID, 1_000, dec("35.00"), "", "", et)
		require.NoError(t, err)
		require.NoError(t, st.SaveMutation(ctx, next, entry))

		reloaded, err := st.FindAccount(ctx, tenant, program, "ana@example.com")
		require.NoError(t, err)
		snapshot = *reloaded
	}

	t.Run("EntriesByAccount returns newest event first", func(t *testing.T) {
		entries, err := st.EntriesByAccount(ctx, acct.ID)

		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.True(t, entries[0].EventTime.Equal(base.Add(2*time.Hour)))
		assert.True(t, entries[1].EventTime.Equal(base.Add(time.Hour)))
		assert.True(t, entries[2].EventTime.Equal(base))
	})

	t.Run("EntriesInRange bounds inclusively", func(t *testing.T) {
		entries, err := st.EntriesInRange(ctx, acct.ID, base, base.Add(time.Hour))

		require.NoError(t, err)
		assert.Len(t, entries, 2)
	})

	t.Run("EntriesByKind filters", func(t *testing.T) {
		purchases, err := st.EntriesByKind(ctx, acct.ID, ledger.KindPurchase)
		require.NoError(t, err)
		assert.Len(t, purchases, 3)

		sales, err := st.EntriesByKind(ctx, acct.ID, ledger.KindSale)
		require.NoError(t, err)
		assert.Empty(t, sales)
	})
}

func TestMixedPrecisionEventTimes(t *testing.T) {
	// Whole-second event times (date pickers, imports) coexist with
	// defaulted nanosecond ones. The stored text form must still order
	// and range-filter chronologically across the precision boundary.
	ctx := context.Background()
	st := newTestStore(t)
	tenant, program := uuid.New(), uuid.New()

	acct := newSnapshot(t, tenant, program, "ana@example.com")
	whole := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fractional := whole.Add(500 * time.Millisecond)

	snapshot := acct
	for _, et := range []time.Time{whole, fractional} {
		next, err := snapshot.ApplyPurchase(1_000, dec("35.00"))
		require.NoError(t, err)
		entry, err := ledger.NewPurchaseEntry(acct.ID, 1_000, dec("35.00"), "", "", et)
		require.NoError(t, err)
		require.NoError(t, st.SaveMutation(ctx, next, entry))

		reloaded, err := st.FindAccount(ctx, tenant, program, "ana@example.com")
		require.NoError(t, err)
		snapshot = *reloaded
	}

	t.Run("fractional event sorts after the whole second", func(t *testing.T) {
		entries, err := st.EntriesByAccount(ctx, acct.ID)

		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.True(t, entries[0].EventTime.Equal(fractional),
			"newest-first violated: got %s first", entries[0].EventTime)
		assert.True(t, entries[1].EventTime.Equal(whole))
	})

	t.Run("range starting at the fractional instant excludes the earlier whole second", func(t *testing.T) {
		entries, err := st.EntriesInRange(ctx, acct.ID, fractional, fractional.Add(time.Second))

		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.True(t, entries[0].EventTime.Equal(fractional))
	})

	t.Run("range ending at the whole second excludes the later fractional", func(t *testing.T) {
		entries, err := st.EntriesInRange(ctx, acct.ID, whole.Add(-time.Second), whole)

		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.True(t, entries[0].EventTime.Equal(whole))
	})
}

// =============================================================================
// FAILURE PATHS (driver-level fake)
// =============================================================================

func TestSaveMutationFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("begin failure surfaces as a wrapped error", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectBegin().WillReturnError(errors.New("database is locked"))

		st := NewWithDB(db)
		acct := purchased(t, newSnapshot(t, uuid.New(), uuid.New(), "ana@example.com"), 1_000, "35.00")

		err = st.SaveMutation(ctx, acct, purchaseEntry(t, acct, 1_000, "35.00"))

		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to begin transaction")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("entry insert failure rolls the account back", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO accounts").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO entries").
			WillReturnError(errors.New("disk I/O error"))
		mock.ExpectRollback()

		st := NewWithDB(db)
		acct := purchased(t, newSnapshot(t, uuid.New(), uuid.New(), "ana@example.com"), 1_000, "35.00")

		err = st.SaveMutation(ctx, acct, purchaseEntry(t, acct, 1_000, "35.00"))

		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to insert entry")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("zero rows affected on the swap maps to the conflict sentinel", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE accounts").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		st := NewWithDB(db)
		acct := purchased(t, newSnapshot(t, uuid.New(), uuid.New(), "ana@example.com"), 1_000, "35.00")
		acct.Version = 7

		err = st.SaveMutation(ctx, acct, purchaseEntry(t, acct, 1_000, "35.00"))

		require.Error(t, err)
		assert.True(t, errors.Is(err, ledger.ErrConcurrencyConflict))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}