/*
store.go - Persistence interfaces for funds, cases and contributions

Tx combines Store with wallet.Store so one database transaction covers the
contribution record and the ledger movement it triggers. store/sqlite
implements both TxStore and wallet.TxStore over the same database.
*/
package bf

import (
	"context"

	"github.com/twezimbe/bf-ledger/wallet"
)

type Store interface {
	// SaveUser inserts a directory user. ErrAlreadyExists on duplicate id.
	SaveUser(ctx context.Context, u User) error
	// GetUser returns ErrUserNotFound for unknown ids.
	GetUser(ctx context.Context, id string) (*User, error)

	// InsertFund returns ErrAlreadyExists if the group already has a fund.
	InsertFund(ctx context.Context, f Fund) error
	GetFund(ctx context.Context, id string) (*Fund, error)
	// GetFundByGroup returns ErrFundNotFound if the group has no fund.
	GetFundByGroup(ctx context.Context, groupID string) (*Fund, error)
	UpdateFundSettings(ctx context.Context, id string, s FundSettings) error
	// DeleteFund removes the fund with its members, cases and contributions.
	DeleteFund(ctx context.Context, id string) error

	// InsertMember returns ErrAlreadyExists on duplicate membership.
	InsertMember(ctx context.Context, m Member) error
	GetMember(ctx context.Context, fundID, userID string) (*Member, error)
	ListMembers(ctx context.Context, fundID string) ([]Member, error)

	InsertCase(ctx context.Context, c Case) error
	GetCase(ctx context.Context, id string) (*Case, error)
	// UpdateCase writes status, contribution status and closed time.
	UpdateCase(ctx context.Context, c Case) error
	ListCases(ctx context.Context, fundID string) ([]Case, error)
	ListOpenCases(ctx context.Context) ([]Case, error)

	InsertContribution(ctx context.Context, c Contribution) error
	ListContributions(ctx context.Context, caseID string) ([]Contribution, error)
}

// Tx is a Store and a wallet.Store bound to one database transaction.
type Tx interface {
	Store
	wallet.Store
}

type TxStore interface {
	Store

	// WithFundTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	WithFundTx(ctx context.Context, fn func(Tx) error) error
}
