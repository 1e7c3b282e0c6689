/*
store.go - Persistence interfaces for wallets and the transaction log

KEY INTERFACES:
  Sequencer: per-scope atomic counter used for address sequence numbers
  SequenceSeeder: optional, raises a counter to a floor
  Store:     wallet records, conditional balance updates, transaction log
  TxStore:   Store plus WithTx for atomic multi-write operations

ATOMICITY:
  Every ledger operation runs inside WithTx. UpdateBalance is conditional
  on the version read in the same transaction; AppendTransaction writes the
  log entry in that transaction. If fn returns an error nothing is kept.

IMPLEMENTATIONS:
  - wallet/store/memory.go: in-memory, for tests
  - store/sqlite/sqlite.go: SQLite, production
  - store/redis: Redis-backed Sequencer only
*/
package wallet

import (
	"context"

	"github.com/shopspring/decimal"
)

// Sequencer hands out strictly increasing numbers per scope, starting at 1.
type Sequencer interface {
	Next(ctx context.Context, scope string) (int64, error)
}

// SequenceSeeder is implemented by stores and sequencers whose counters can
// be raised to a floor. Seed never lowers a counter.
type SequenceSeeder interface {
	Seed(ctx context.Context, scope string, floor int64) (int64, error)
}

// Store handles persistence of wallets and their transactions.
// The transaction log is APPEND-ONLY.
type Store interface {
	Sequencer

	// InsertWallet persists a new wallet. Returns ErrDuplicateAddress if the
	// address is taken and ErrDuplicateWallet if the owner has one.
	InsertWallet(ctx context.Context, w Wallet) error

	// GetWallet returns the wallet without history, or ErrWalletNotFound.
	GetWallet(ctx context.Context, address Address) (*Wallet, error)

	// GetWalletByOwner returns the owner's wallet, or ErrWalletNotFound.
	GetWalletByOwner(ctx context.Context, ownerType OwnerType, ownerRef string) (*Wallet, error)

	// ListWallets returns all wallets ordered by creation.
	ListWallets(ctx context.Context) ([]Wallet, error)

	// UpdateBalance sets the balance if the stored version still equals
	// expectedVersion, and bumps the version. Returns
	// ErrConcurrentModification on version mismatch.
	UpdateBalance(ctx context.Context, address Address, balance decimal.Decimal, expectedVersion int64) error

	// AppendTransaction adds an entry to the log.
	AppendTransaction(ctx context.Context, tx Transaction) error

	// History returns the wallet's log entries in insertion order.
	History(ctx context.Context, address Address) ([]Transaction, error)

	// Transactions queries the log across wallets.
	Transactions(ctx context.Context, filter TxFilter) ([]Transaction, error)

	// DeleteWallet removes the wallet record. Log entries are kept.
	DeleteWallet(ctx context.Context, address Address) error
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// TxFilter narrows a log query. Zero values match everything.
type TxFilter struct {
	Wallet Address
	Actor  string
	Limit  int
}
