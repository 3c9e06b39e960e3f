/*
Package sqlite provides the SQLite-backed implementation of the ledger's
persistence port.

PURPOSE:
  Implements ledger.Store and ledger.QueryStore using database/sql with the
  mattn/go-sqlite3 driver. In production, the same patterns apply to
  PostgreSQL - only minor SQL dialect differences.

KEY TABLES:
  accounts: one row per (tenant, program, owner) - the current snapshot plus
            an optimistic-lock version column
  entries:  immutable mutation facts; no UPDATE or DELETE statement exists
            for this table

CONCURRENCY:
  SaveMutation runs in one BEGIN..COMMIT. The account write is a
  compare-and-swap: UPDATE ... WHERE id = ? AND version = ?. Zero rows
  affected means another mutation committed first; the call returns an
  error wrapping ledger.ErrConcurrencyConflict and the service layer
  reloads and retries. A first insert losing the race on the unique
  (tenant_id, program_id, owner) index maps to the same sentinel.

STORAGE FORMATS:
  Decimals as TEXT (exact, no float round-trips), timestamps as fixed-width
  UTC RFC3339 with all nine fractional digits so TEXT comparison orders
  chronologically, UUIDs in canonical text form.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) so readers never block
  the single writer.

USAGE:
  st, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer st.Close()

  mutations := ledger.NewMutationService(st, nil)
  queries := ledger.NewQueryService(st)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - ledger/store.go:        port definition and atomicity contract
  - ledger/store/memory.go: in-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/voyagehq/miles-ledger/ledger"
)

// sortableTime is a fixed-width timestamp layout: always UTC ("Z" offset)
// and always nine fractional digits, so lexicographic TEXT comparison in
// ORDER BY and range predicates matches chronological order. RFC3339Nano
// would not work here: it trims trailing fractional zeros, and a
// whole-second value then compares greater than a later fractional one
// ('Z' sorts after '.').
const sortableTime = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(sortableTime)
}

// Store implements ledger.QueryStore on SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at the given path and migrates the
// schema. Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// NewWithDB wraps an existing connection without migrating. Intended for
// tests that need to inject a driver-level fake.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Compile-time check that Store satisfies the full read/write port.
var _ ledger.QueryStore = (*Store)(nil)

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Current account snapshots, one row per (tenant, program, owner)
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		program_id TEXT NOT NULL,
		program_name TEXT NOT NULL,
		owner TEXT NOT NULL,
		balance_miles INTEGER NOT NULL DEFAULT 0,
		cost_basis_total TEXT NOT NULL DEFAULT '0',
		avg_cost_per_thousand TEXT NOT NULL DEFAULT '0',
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- CRITICAL: one account per tuple; concurrent first purchases race here
	CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_tuple
		ON accounts(tenant_id, program_id, owner);

	CREATE INDEX IF NOT EXISTS idx_accounts_tenant_owner
		ON accounts(tenant_id, owner);

	-- Entries (append-only: no UPDATE, no DELETE)
	CREATE TABLE IF NOT EXISTS entries (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		kind TEXT NOT NULL,
		miles INTEGER NOT NULL,
		amount TEXT NOT NULL,
		source TEXT,
		note TEXT,
		event_time TEXT NOT NULL,
		recorded_at TEXT NOT NULL
	);

	-- History reads walk this index newest-first (hot path)
	CREATE INDEX IF NOT EXISTS idx_entries_account_event
		ON entries(account_id, event_time DESC);

	CREATE INDEX IF NOT EXISTS idx_entries_kind
		ON entries(account_id, kind);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// MUTATION PATH (ledger.Store)
// =============================================================================

// FindAccount returns the snapshot for (tenant, program, owner), or
// (nil, nil) when the tuple has no account.
func (s *Store) FindAccount(ctx context.Context, tenantID, programID uuid.UUID, owner string) (*ledger.Account, error) {
	query := selectAccount + ` WHERE tenant_id = ? AND program_id = ? AND owner = ?`
	return s.queryAccount(ctx, query, tenantID.String(), programID.String(), strings.TrimSpace(owner))
}

// SaveMutation persists the snapshot and its entry in one transaction.
// Version 0 snapshots are inserted (committing as version 1); existing
// accounts are swapped with UPDATE ... WHERE version = ?.
func (s *Store) SaveMutation(ctx context.Context, snapshot ledger.Account, entry ledger.Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if snapshot.Version == 0 {
		err = insertAccount(ctx, tx, snapshot)
	} else {
		err = swapAccount(ctx, tx, snapshot)
	}
	if err != nil {
		return err
	}

	if err := insertEntry(ctx, tx, entry); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit mutation: %w", err)
	}
	return nil
}

func insertAccount(ctx context.Context, tx *sql.Tx, a ledger.Account) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO accounts
		(id, tenant_id, program_id, program_name, owner, balance_miles,
		 cost_basis_total, avg_cost_per_thousand, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		a.ID.String(),
		a.TenantID.String(),
		a.ProgramID.String(),
		a.ProgramName,
		a.Owner,
		a.BalanceMiles,
		a.CostBasisTotal.String(),
		a.AvgCostPerThousand.String(),
		formatTime(a.CreatedAt),
		formatTime(a.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			// Another mutation created the tuple first.
			return fmt.Errorf("account already exists for %s/%s: %w",
				a.ProgramID, a.Owner, ledger.ErrConcurrencyConflict)
		}
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return nil
}

func swapAccount(ctx context.Context, tx *sql.Tx, a ledger.Account) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance_miles = ?, cost_basis_total = ?, avg_cost_per_thousand = ?,
		    version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		a.BalanceMiles,
		a.CostBasisTotal.String(),
		a.AvgCostPerThousand.String(),
		formatTime(a.UpdatedAt),
		a.ID.String(),
		a.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("version check failed for account %s: %w",
			a.ID, ledger.ErrConcurrencyConflict)
	}
	return nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, e ledger.Entry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO entries
		(id, account_id, kind, miles, amount, source, note, event_time, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(),
		e.AccountID.String(),
		string(e.Kind),
		e.Miles,
		e.Amount.String(),
		nullString(e.Source),
		nullString(e.Note),
		formatTime(e.EventTime),
		formatTime(e.RecordedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert entry: %w", err)
	}
	return nil
}

// =============================================================================
// READ SIDE (ledger.QueryStore)
// =============================================================================

const selectAccount = `
	SELECT id, tenant_id, program_id, program_name, owner, balance_miles,
	       cost_basis_total, avg_cost_per_thousand, version, created_at, updated_at
	FROM accounts`

func (s *Store) GetAccount(ctx context.Context, tenantID, accountID uuid.UUID) (*ledger.Account, error) {
	query := selectAccount + ` WHERE tenant_id = ? AND id = ?`
	return s.queryAccount(ctx, query, tenantID.String(), accountID.String())
}

func (s *Store) ListAccounts(ctx context.Context, tenantID uuid.UUID) ([]ledger.Account, error) {
	query := selectAccount + ` WHERE tenant_id = ? ORDER BY owner, program_name`
	return s.queryAccounts(ctx, query, tenantID.String())
}

func (s *Store) ListByOwner(ctx context.Context, tenantID uuid.UUID, owner string) ([]ledger.Account, error) {
	query := selectAccount + ` WHERE tenant_id = ? AND owner = ? ORDER BY owner, program_name`
	return s.queryAccounts(ctx, query, tenantID.String(), strings.TrimSpace(owner))
}

func (s *Store) TotalMiles(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(balance_miles) FROM accounts WHERE tenant_id = ?`,
		tenantID.String(),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum miles: %w", err)
	}
	return total.Int64, nil
}

func (s *Store) TotalsByOwner(ctx context.Context, tenantID uuid.UUID) (map[string]int64, error) {
	return s.queryTotals(ctx, `
		SELECT owner, SUM(balance_miles)
		FROM accounts WHERE tenant_id = ?
		GROUP BY owner`, tenantID)
}

func (s *Store) TotalsByProgram(ctx context.Context, tenantID uuid.UUID) (map[string]int64, error) {
	return s.queryTotals(ctx, `
		SELECT program_name, SUM(balance_miles)
		FROM accounts WHERE tenant_id = ?
		GROUP BY program_name`, tenantID)
}

const selectEntry = `
	SELECT id, account_id, kind, miles, amount, source, note, event_time, recorded_at
	FROM entries`

const entryOrder = ` ORDER BY event_time DESC, recorded_at DESC`

func (s *Store) EntriesByAccount(ctx context.Context, accountID uuid.UUID) ([]ledger.Entry, error) {
	query := selectEntry + ` WHERE account_id = ?` + entryOrder
	return s.queryEntries(ctx, query, accountID.String())
}

func (s *Store) EntriesInRange(ctx context.Context, accountID uuid.UUID, start, end time.Time) ([]ledger.Entry, error) {
	query := selectEntry + ` WHERE account_id = ? AND event_time >= ? AND event_time <= ?` + entryOrder
	return s.queryEntries(ctx, query, accountID.String(),
		formatTime(start), formatTime(end))
}

func (s *Store) EntriesByKind(ctx context.Context, accountID uuid.UUID, kind ledger.EntryKind) ([]ledger.Entry, error) {
	query := selectEntry + ` WHERE account_id = ? AND kind = ?` + entryOrder
	return s.queryEntries(ctx, query, accountID.String(), string(kind))
}

// =============================================================================
// SCANNING HELPERS
// =============================================================================

func (s *Store) queryAccount(ctx context.Context, query string, args ...any) (*ledger.Account, error) {
	accounts, err := s.queryAccounts(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, nil
	}
	return &accounts[0], nil
}

func (s *Store) queryAccounts(ctx context.Context, query string, args ...any) ([]ledger.Account, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []ledger.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acct)
	}
	return accounts, rows.Err()
}

func scanAccount(rows *sql.Rows) (ledger.Account, error) {
	var (
		a                       ledger.Account
		id, tenantID, programID string
		costBasis, avgCost      string
		createdAt, updatedAt    string
	)

	err := rows.Scan(&id, &tenantID, &programID, &a.ProgramName, &a.Owner,
		&a.BalanceMiles, &costBasis, &avgCost, &a.Version, &createdAt, &updatedAt)
	if err != nil {
		return a, fmt.Errorf("failed to scan account: %w", err)
	}

	if a.ID, err = uuid.Parse(id); err != nil {
		return a, fmt.Errorf("bad account id %q: %w", id, err)
	}
	if a.TenantID, err = uuid.Parse(tenantID); err != nil {
		return a, fmt.Errorf("bad tenant id %q: %w", tenantID, err)
	}
	if a.ProgramID, err = uuid.Parse(programID); err != nil {
		return a, fmt.Errorf("bad program id %q: %w", programID, err)
	}
	if a.CostBasisTotal, err = decimal.NewFromString(costBasis); err != nil {
		return a, fmt.Errorf("bad cost basis %q: %w", costBasis, err)
	}
	if a.AvgCostPerThousand, err = decimal.NewFromString(avgCost); err != nil {
		return a, fmt.Errorf("bad average cost %q: %w", avgCost, err)
	}
	a.CreatedAt, _ = time.Parse(sortableTime, createdAt)
	a.UpdatedAt, _ = time.Parse(sortableTime, updatedAt)
	return a, nil
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]ledger.Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(rows *sql.Rows) (ledger.Entry, error) {
	var (
		e                     ledger.Entry
		id, accountID         string
		kind, amount          string
		source, note          sql.NullString
		eventTime, recordedAt string
	)

	err := rows.Scan(&id, &accountID, &kind, &e.Miles, &amount,
		&source, &note, &eventTime, &recordedAt)
	if err != nil {
		return e, fmt.Errorf("failed to scan entry: %w", err)
	}

	if e.ID, err = uuid.Parse(id); err != nil {
		return e, fmt.Errorf("bad entry id %q: %w", id, err)
	}
	if e.AccountID, err = uuid.Parse(accountID); err != nil {
		return e, fmt.Errorf("bad entry account id %q: %w", accountID, err)
	}
	if e.Amount, err = decimal.NewFromString(amount); err != nil {
		return e, fmt.Errorf("bad entry amount %q: %w", amount, err)
	}
	e.Kind = ledger.EntryKind(kind)
	e.Source = source.String
	e.Note = note.String
	e.EventTime, _ = time.Parse(sortableTime, eventTime)
	e.RecordedAt, _ = time.Parse(sortableTime, recordedAt)
	return e, nil
}

func (s *Store) queryTotals(ctx context.Context, query string, tenantID uuid.UUID) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, query, tenantID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query totals: %w", err)
	}
	defer rows.Close()

	totals := make(map[string]int64)
	for rows.Next() {
		var key string
		var sum int64
		if err := rows.Scan(&key, &sum); err != nil {
			return nil, fmt.Errorf("failed to scan totals: %w", err)
		}
		totals[key] = sum
	}
	return totals, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
