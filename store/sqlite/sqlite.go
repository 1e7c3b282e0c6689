/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

INTERFACES IMPLEMENTED:
  wallet.TxStore: wallets, address sequences, transaction log
  bf.TxStore:     users, funds, members, cases, contributions

Both run on the same database, so WithFundTx hands the workflow one
transaction that covers its own rows and the ledger movement it makes.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on transactions or contributions
  - DELETE only on contributions, as part of a fund cascade
  - Wallet history is read from the transactions table by address

KEY TABLES:
  wallets:          one row per wallet, balance + optimistic-lock version
  transactions:     immutable log of every Credit and Debit
  wallet_sequences: per-scope address counters
  users, funds, fund_members, cases, contributions

INDEXES:
  - wallets(address) PK and idx_wallets_owner UNIQUE: address and
    one-wallet-per-owner uniqueness, enforced by the database
  - idx_transactions_wallet: history lookups (hot path)
  - idx_funds_group UNIQUE: one fund per community group

CONCURRENCY:
  A single connection and a store mutex serialise writers. Code running
  inside WithTx/WithFundTx must only use the executor it was handed; going
  back to the Store from inside a transaction waits for the connection
  held by that transaction.

USAGE:
  store, err := sqlite.New("./data/bf.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := wallet.NewLedger(store, wallet.Options{})
  workflow := bf.NewWorkflow(store, ledger, bf.Options{})

SEE ALSO:
  - wallet/store.go, bf/store.go: interface definitions
  - wallet/store/memory.go: in-memory wallet store for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/twezimbe/bf-ledger/bf"
	"github.com/twezimbe/bf-ledger/wallet"
)

// querier is the part of *sql.DB and *sql.Tx the store uses.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// executor implements wallet.Store and bf.Store over a querier.
type executor struct {
	q querier
}

// Store implements all storage interfaces using SQLite.
type Store struct {
	executor
	db *sql.DB
	mu sync.Mutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: required for ":memory:" and serialises writers.
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(0)
	db.SetConnMaxLifetime(0)

	store := &Store{executor: executor{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Wallets
	CREATE TABLE IF NOT EXISTS wallets (
		address TEXT PRIMARY KEY,
		owner_type TEXT NOT NULL,
		owner_ref TEXT NOT NULL,
		balance TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- One wallet per owner
	CREATE UNIQUE INDEX IF NOT EXISTS idx_wallets_owner
		ON wallets(owner_type, owner_ref);

	-- Transactions (append-only log)
	CREATE TABLE IF NOT EXISTS transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		wallet_address TEXT NOT NULL,
		tx_type TEXT NOT NULL,
		amount TEXT NOT NULL,
		actor TEXT NOT NULL,
		counterparty TEXT,
		reference TEXT,
		balance_after TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_wallet
		ON transactions(wallet_address, seq);
	CREATE INDEX IF NOT EXISTS idx_transactions_actor
		ON transactions(actor);
	CREATE INDEX IF NOT EXISTS idx_transactions_reference
		ON transactions(reference) WHERE reference IS NOT NULL;

	-- Address counters, keyed by DDMM + owner code
	CREATE TABLE IF NOT EXISTS wallet_sequences (
		scope TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);

	-- User directory
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT,
		created_at TEXT NOT NULL
	);

	-- Funds
	CREATE TABLE IF NOT EXISTS funds (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		details TEXT,
		account_type TEXT NOT NULL,
		account_info TEXT,
		wallet_address TEXT NOT NULL UNIQUE,
		group_id TEXT,
		created_by TEXT NOT NULL,
		settings_json TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_funds_group
		ON funds(group_id) WHERE group_id IS NOT NULL AND group_id <> '';

	-- Fund members
	CREATE TABLE IF NOT EXISTS fund_members (
		fund_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		roles_json TEXT NOT NULL,
		joined_at TEXT NOT NULL,
		PRIMARY KEY (fund_id, user_id)
	);

	-- Cases
	CREATE TABLE IF NOT EXISTS cases (
		id TEXT PRIMARY KEY,
		fund_id TEXT NOT NULL,
		principal TEXT NOT NULL,
		affected_person TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT,
		status TEXT NOT NULL,
		contribution_status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		closed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_cases_fund
		ON cases(fund_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_cases_status
		ON cases(status);

	-- Contributions (append-only)
	CREATE TABLE IF NOT EXISTS contributions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		case_id TEXT NOT NULL,
		fund_id TEXT NOT NULL,
		wallet_address TEXT NOT NULL,
		contributor TEXT NOT NULL,
		amount TEXT NOT NULL,
		source_wallet TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_contributions_case
		ON contributions(case_id, seq);
	CREATE INDEX IF NOT EXISTS idx_contributions_fund
		ON contributions(fund_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
func (s *Store) WithTx(ctx context.Context, fn func(wallet.Store) error) error {
	return s.withTx(ctx, func(e *executor) error { return fn(e) })
}

// WithFundTx executes fn within a transaction.
func (s *Store) WithFundTx(ctx context.Context, fn func(bf.Tx) error) error {
	return s.withTx(ctx, func(e *executor) error { return fn(e) })
}

func (s *Store) withTx(ctx context.Context, fn func(*executor) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&executor{q: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SyncSequences raises every stored counter to the highest number in use
// and returns the resulting floors. Run it at startup, before any other
// sequencer is seeded from this database.
func (s *Store) SyncSequences(ctx context.Context, codeWidth int) (map[string]int64, error) {
	var floors map[string]int64
	err := s.withTx(ctx, func(e *executor) error {
		var err error
		if floors, err = e.SequenceFloors(ctx, codeWidth); err != nil {
			return err
		}
		for scope, n := range floors {
			if _, err := e.Seed(ctx, scope, n); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return floors, nil
}

// =============================================================================
// WALLETS (wallet.Store)
// =============================================================================

// Next increments and returns the counter for scope.
func (e *executor) Next(ctx context.Context, scope string) (int64, error) {
	var n int64
	err := e.q.QueryRowContext(ctx, `
		INSERT INTO wallet_sequences (scope, value) VALUES (?, 1)
		ON CONFLICT(scope) DO UPDATE SET value = value + 1
		RETURNING value
	`, scope).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to advance sequence %s: %w", scope, err)
	}
	return n, nil
}

// Seed raises the counter for scope to at least floor and never lowers it.
func (e *executor) Seed(ctx context.Context, scope string, floor int64) (int64, error) {
	var n int64
	err := e.q.QueryRowContext(ctx, `
		INSERT INTO wallet_sequences (scope, value) VALUES (?, ?)
		ON CONFLICT(scope) DO UPDATE SET value = MAX(value, excluded.value)
		RETURNING value
	`, scope, floor).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to seed sequence %s: %w", scope, err)
	}
	return n, nil
}

// SequenceFloors returns the highest sequence number in use per scope. It
// covers live wallets, addresses that only survive in the log because
// their wallet was deleted, and the stored counters.
func (e *executor) SequenceFloors(ctx context.Context, codeWidth int) (map[string]int64, error) {
	floors := make(map[string]int64)
	raise := func(scope string, n int64) {
		if n > floors[scope] {
			floors[scope] = n
		}
	}

	addrs, err := e.scanStrings(ctx, `
		SELECT address FROM wallets
		UNION
		SELECT wallet_address FROM transactions`)
	if err != nil {
		return nil, fmt.Errorf("failed to read addresses: %w", err)
	}
	for _, a := range addrs {
		scope, n, err := wallet.SplitAddress(wallet.Address(a), codeWidth)
		if err != nil {
			continue
		}
		raise(scope, n)
	}

	rows, err := e.q.QueryContext(ctx, `SELECT scope, value FROM wallet_sequences`)
	if err != nil {
		return nil, fmt.Errorf("failed to read sequences: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			scope string
			n     int64
		)
		if err := rows.Scan(&scope, &n); err != nil {
			return nil, err
		}
		raise(scope, n)
	}
	return floors, rows.Err()
}

func (e *executor) scanStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := e.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (e *executor) InsertWallet(ctx context.Context, w wallet.Wallet) error {
	_, err := e.q.ExecContext(ctx, `
		INSERT INTO wallets (address, owner_type, owner_ref, balance, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		string(w.Address),
		string(w.OwnerType),
		w.OwnerRef,
		w.Balance.String(),
		w.Version,
		formatTime(w.CreatedAt),
		formatTime(w.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			if strings.Contains(err.Error(), "wallets.owner") {
				return fmt.Errorf("%w: %s %s", wallet.ErrDuplicateWallet, w.OwnerType, w.OwnerRef)
			}
			return fmt.Errorf("%w: %s", wallet.ErrDuplicateAddress, w.Address)
		}
		return fmt.Errorf("failed to insert wallet: %w", err)
	}
	return nil
}

const walletColumns = `address, owner_type, owner_ref, balance, version, created_at, updated_at`

func (e *executor) GetWallet(ctx context.Context, address wallet.Address) (*wallet.Wallet, error) {
	row := e.q.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM wallets WHERE address = ?`, string(address))
	w, err := scanWallet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", wallet.ErrWalletNotFound, address)
	}
	return w, err
}

func (e *executor) GetWalletByOwner(ctx context.Context, ownerType wallet.OwnerType, ownerRef string) (*wallet.Wallet, error) {
	row := e.q.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM wallets WHERE owner_type = ? AND owner_ref = ?`,
		string(ownerType), ownerRef)
	w, err := scanWallet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: owner %s %s", wallet.ErrWalletNotFound, ownerType, ownerRef)
	}
	return w, err
}

func (e *executor) ListWallets(ctx context.Context) ([]wallet.Wallet, error) {
	rows, err := e.q.QueryContext(ctx, `SELECT `+walletColumns+` FROM wallets ORDER BY created_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("failed to list wallets: %w", err)
	}
	defer rows.Close()

	var out []wallet.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

// UpdateBalance is conditional on version; it never blindly overwrites.
func (e *executor) UpdateBalance(ctx context.Context, address wallet.Address, balance decimal.Decimal, expectedVersion int64) error {
	res, err := e.q.ExecContext(ctx, `
		UPDATE wallets SET balance = ?, version = version + 1, updated_at = ?
		WHERE address = ? AND version = ?
	`, balance.String(), formatTime(time.Now()), string(address), expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var version int64
	err = e.q.QueryRowContext(ctx, `SELECT version FROM wallets WHERE address = ?`, string(address)).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", wallet.ErrWalletNotFound, address)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s at version %d, expected %d",
		wallet.ErrConcurrentModification, address, version, expectedVersion)
}

func (e *executor) AppendTransaction(ctx context.Context, tx wallet.Transaction) error {
	_, err := e.q.ExecContext(ctx, `
		INSERT INTO transactions (id, wallet_address, tx_type, amount, actor, counterparty, reference, balance_after, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(tx.ID),
		string(tx.WalletAddress),
		string(tx.Type),
		tx.Amount.String(),
		tx.Actor,
		nullString(string(tx.Counterparty)),
		nullString(tx.Reference),
		tx.BalanceAfter.String(),
		formatTime(tx.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

const txColumns = `id, wallet_address, tx_type, amount, actor, counterparty, reference, balance_after, created_at`

func (e *executor) History(ctx context.Context, address wallet.Address) ([]wallet.Transaction, error) {
	return e.queryTransactions(ctx, `SELECT `+txColumns+` FROM transactions WHERE wallet_address = ? ORDER BY seq`, string(address))
}

func (e *executor) Transactions(ctx context.Context, f wallet.TxFilter) ([]wallet.Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM transactions WHERE 1 = 1`
	var args []any
	if f.Wallet != "" {
		query += ` AND wallet_address = ?`
		args = append(args, string(f.Wallet))
	}
	if f.Actor != "" {
		query += ` AND actor = ?`
		args = append(args, f.Actor)
	}
	query += ` ORDER BY seq`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return e.queryTransactions(ctx, query, args...)
}

func (e *executor) DeleteWallet(ctx context.Context, address wallet.Address) error {
	res, err := e.q.ExecContext(ctx, `DELETE FROM wallets WHERE address = ?`, string(address))
	if err != nil {
		return fmt.Errorf("failed to delete wallet: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", wallet.ErrWalletNotFound, address)
	}
	return nil
}

func (e *executor) queryTransactions(ctx context.Context, query string, args ...any) ([]wallet.Transaction, error) {
	rows, err := e.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	out := []wallet.Transaction{}
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// =============================================================================
// USERS (bf.Store)
// =============================================================================

func (e *executor) SaveUser(ctx context.Context, u bf.User) error {
	_, err := e.q.ExecContext(ctx, `
		INSERT INTO users (id, name, email, created_at) VALUES (?, ?, ?, ?)
	`, u.ID, u.Name, nullString(u.Email), formatTime(u.CreatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: user %s", bf.ErrAlreadyExists, u.ID)
		}
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

func (e *executor) GetUser(ctx context.Context, id string) (*bf.User, error) {
	var (
		u         bf.User
		email     sql.NullString
		createdAt string
	)
	err := e.q.QueryRowContext(ctx, `SELECT id, name, email, created_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Name, &email, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", bf.ErrUserNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u.Email = email.String
	u.CreatedAt = parseTime(createdAt)
	return &u, nil
}

// =============================================================================
// FUNDS (bf.Store)
// =============================================================================

func (e *executor) InsertFund(ctx context.Context, f bf.Fund) error {
	settings, err := json.Marshal(f.Settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	_, err = e.q.ExecContext(ctx, `
		INSERT INTO funds (id, name, details, account_type, account_info, wallet_address, group_id, created_by, settings_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		f.ID,
		f.Name,
		nullString(f.Details),
		string(f.AccountType),
		nullString(f.AccountInfo),
		string(f.WalletAddress),
		nullString(f.GroupID),
		f.CreatedBy,
		string(settings),
		formatTime(f.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: fund for group %q", bf.ErrAlreadyExists, f.GroupID)
		}
		return fmt.Errorf("failed to insert fund: %w", err)
	}
	return nil
}

func (e *executor) GetFund(ctx context.Context, id string) (*bf.Fund, error) {
	return e.getFund(ctx, "id", id)
}

// GetFundByGroup returns the fund of a community group.
func (e *executor) GetFundByGroup(ctx context.Context, groupID string) (*bf.Fund, error) {
	return e.getFund(ctx, "group_id", groupID)
}

func (e *executor) getFund(ctx context.Context, column, value string) (*bf.Fund, error) {
	var (
		f                                 bf.Fund
		details, accountInfo, groupID     sql.NullString
		accountType, address, settingsRaw string
		createdAt                         string
	)
	err := e.q.QueryRowContext(ctx, `
		SELECT id, name, details, account_type, account_info, wallet_address, group_id, created_by, settings_json, created_at
		FROM funds WHERE `+column+` = ?
	`, value).Scan(&f.ID, &f.Name, &details, &accountType, &accountInfo, &address, &groupID, &f.CreatedBy, &settingsRaw, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s %s", bf.ErrFundNotFound, column, value)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fund: %w", err)
	}
	if err := json.Unmarshal([]byte(settingsRaw), &f.Settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}
	f.Details = details.String
	f.AccountType = bf.AccountType(accountType)
	f.AccountInfo = accountInfo.String
	f.WalletAddress = wallet.Address(address)
	f.GroupID = groupID.String
	f.CreatedAt = parseTime(createdAt)
	return &f, nil
}

func (e *executor) UpdateFundSettings(ctx context.Context, id string, s bf.FundSettings) error {
	settings, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	res, err := e.q.ExecContext(ctx, `UPDATE funds SET settings_json = ? WHERE id = ?`, string(settings), id)
	if err != nil {
		return fmt.Errorf("failed to update fund settings: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", bf.ErrFundNotFound, id)
	}
	return nil
}

func (e *executor) DeleteFund(ctx context.Context, id string) error {
	for _, q := range []string{
		`DELETE FROM contributions WHERE fund_id = ?`,
		`DELETE FROM cases WHERE fund_id = ?`,
		`DELETE FROM fund_members WHERE fund_id = ?`,
	} {
		if _, err := e.q.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("failed to delete fund data: %w", err)
		}
	}
	res, err := e.q.ExecContext(ctx, `DELETE FROM funds WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete fund: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", bf.ErrFundNotFound, id)
	}
	return nil
}

// =============================================================================
// MEMBERS (bf.Store)
// =============================================================================

func (e *executor) InsertMember(ctx context.Context, m bf.Member) error {
	roles, err := json.Marshal(m.Roles)
	if err != nil {
		return fmt.Errorf("failed to marshal roles: %w", err)
	}
	_, err = e.q.ExecContext(ctx, `
		INSERT INTO fund_members (fund_id, user_id, roles_json, joined_at) VALUES (?, ?, ?, ?)
	`, m.FundID, m.UserID, string(roles), formatTime(m.JoinedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s is already a member of %s", bf.ErrAlreadyExists, m.UserID, m.FundID)
		}
		return fmt.Errorf("failed to insert member: %w", err)
	}
	return nil
}

func (e *executor) GetMember(ctx context.Context, fundID, userID string) (*bf.Member, error) {
	row := e.q.QueryRowContext(ctx, `
		SELECT fund_id, user_id, roles_json, joined_at FROM fund_members WHERE fund_id = ? AND user_id = ?
	`, fundID, userID)
	m, err := scanMember(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s in %s", bf.ErrMemberNotFound, userID, fundID)
	}
	return m, err
}

func (e *executor) ListMembers(ctx context.Context, fundID string) ([]bf.Member, error) {
	rows, err := e.q.QueryContext(ctx, `
		SELECT fund_id, user_id, roles_json, joined_at FROM fund_members
		WHERE fund_id = ? ORDER BY joined_at, rowid
	`, fundID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	out := []bf.Member{}
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// =============================================================================
// CASES (bf.Store)
// =============================================================================

const caseColumns = `id, fund_id, principal, affected_person, name, description, status, contribution_status, created_at, closed_at`

func (e *executor) InsertCase(ctx context.Context, c bf.Case) error {
	_, err := e.q.ExecContext(ctx, `
		INSERT INTO cases (`+caseColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.ID,
		c.FundID,
		c.Principal,
		c.AffectedPerson,
		c.Name,
		nullString(c.Description),
		string(c.Status),
		string(c.ContributionStatus),
		formatTime(c.CreatedAt),
		nullTime(c.ClosedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert case: %w", err)
	}
	return nil
}

func (e *executor) GetCase(ctx context.Context, id string) (*bf.Case, error) {
	row := e.q.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id = ?`, id)
	c, err := scanCase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", bf.ErrCaseNotFound, id)
	}
	return c, err
}

func (e *executor) UpdateCase(ctx context.Context, c bf.Case) error {
	res, err := e.q.ExecContext(ctx, `
		UPDATE cases SET status = ?, contribution_status = ?, closed_at = ? WHERE id = ?
	`, string(c.Status), string(c.ContributionStatus), nullTime(c.ClosedAt), c.ID)
	if err != nil {
		return fmt.Errorf("failed to update case: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", bf.ErrCaseNotFound, c.ID)
	}
	return nil
}

func (e *executor) ListCases(ctx context.Context, fundID string) ([]bf.Case, error) {
	return e.queryCases(ctx, `SELECT `+caseColumns+` FROM cases WHERE fund_id = ? ORDER BY created_at, rowid`, fundID)
}

func (e *executor) ListOpenCases(ctx context.Context) ([]bf.Case, error) {
	return e.queryCases(ctx, `SELECT `+caseColumns+` FROM cases WHERE status = ? ORDER BY created_at, rowid`, string(bf.CaseOpen))
}

func (e *executor) queryCases(ctx context.Context, query string, args ...any) ([]bf.Case, error) {
	rows, err := e.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query cases: %w", err)
	}
	defer rows.Close()

	out := []bf.Case{}
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// =============================================================================
// CONTRIBUTIONS (bf.Store)
// =============================================================================

func (e *executor) InsertContribution(ctx context.Context, c bf.Contribution) error {
	_, err := e.q.ExecContext(ctx, `
		INSERT INTO contributions (id, case_id, fund_id, wallet_address, contributor, amount, source_wallet, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.ID,
		c.CaseID,
		c.FundID,
		string(c.WalletAddress),
		c.Contributor,
		c.Amount.String(),
		nullString(string(c.SourceWallet)),
		formatTime(c.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: contribution %s", bf.ErrAlreadyExists, c.ID)
		}
		return fmt.Errorf("failed to insert contribution: %w", err)
	}
	return nil
}

func (e *executor) ListContributions(ctx context.Context, caseID string) ([]bf.Contribution, error) {
	rows, err := e.q.QueryContext(ctx, `
		SELECT id, case_id, fund_id, wallet_address, contributor, amount, source_wallet, created_at
		FROM contributions WHERE case_id = ? ORDER BY seq
	`, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list contributions: %w", err)
	}
	defer rows.Close()

	out := []bf.Contribution{}
	for rows.Next() {
		var (
			c                   bf.Contribution
			address, amount, at string
			source              sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.CaseID, &c.FundID, &address, &c.Contributor, &amount, &source, &at); err != nil {
			return nil, err
		}
		if c.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("corrupt contribution amount %q: %w", amount, err)
		}
		c.WalletAddress = wallet.Address(address)
		c.SourceWallet = wallet.Address(source.String)
		c.CreatedAt = parseTime(at)
		out = append(out, c)
	}
	return out, rows.Err()
}

// =============================================================================
// SCANNING
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanWallet(row scanner) (*wallet.Wallet, error) {
	var (
		w                                        wallet.Wallet
		address, ownerType, balance, created, up string
	)
	if err := row.Scan(&address, &ownerType, &w.OwnerRef, &balance, &w.Version, &created, &up); err != nil {
		return nil, err
	}
	bal, err := decimal.NewFromString(balance)
	if err != nil {
		return nil, fmt.Errorf("corrupt balance %q for %s: %w", balance, address, err)
	}
	w.Address = wallet.Address(address)
	w.OwnerType = wallet.OwnerType(ownerType)
	w.Balance = bal
	w.CreatedAt = parseTime(created)
	w.UpdatedAt = parseTime(up)
	return &w, nil
}

func scanTransaction(row scanner) (wallet.Transaction, error) {
	var (
		tx                                  wallet.Transaction
		id, address, typ, amount, after, at string
		counterparty, reference             sql.NullString
	)
	if err := row.Scan(&id, &address, &typ, &amount, &tx.Actor, &counterparty, &reference, &after, &at); err != nil {
		return tx, err
	}
	var err error
	if tx.Amount, err = decimal.NewFromString(amount); err != nil {
		return tx, fmt.Errorf("corrupt amount %q: %w", amount, err)
	}
	if tx.BalanceAfter, err = decimal.NewFromString(after); err != nil {
		return tx, fmt.Errorf("corrupt balance %q: %w", after, err)
	}
	tx.ID = wallet.TransactionID(id)
	tx.WalletAddress = wallet.Address(address)
	tx.Type = wallet.TxType(typ)
	tx.Counterparty = wallet.Address(counterparty.String)
	tx.Reference = reference.String
	tx.CreatedAt = parseTime(at)
	return tx, nil
}

func scanMember(row scanner) (*bf.Member, error) {
	var (
		m             bf.Member
		roles, joined string
	)
	if err := row.Scan(&m.FundID, &m.UserID, &roles, &joined); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(roles), &m.Roles); err != nil {
		return nil, fmt.Errorf("corrupt roles for %s: %w", m.UserID, err)
	}
	m.JoinedAt = parseTime(joined)
	return &m, nil
}

func scanCase(row scanner) (*bf.Case, error) {
	var (
		c                         bf.Case
		description, closedAt     sql.NullString
		status, contribStatus, at string
	)
	if err := row.Scan(&c.ID, &c.FundID, &c.Principal, &c.AffectedPerson, &c.Name,
		&description, &status, &contribStatus, &at, &closedAt); err != nil {
		return nil, err
	}
	c.Description = description.String
	c.Status = bf.CaseStatus(status)
	c.ContributionStatus = bf.ContributionStatus(contribStatus)
	c.CreatedAt = parseTime(at)
	if closedAt.Valid {
		t := parseTime(closedAt.String)
		c.ClosedAt = &t
	}
	return &c, nil
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

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
