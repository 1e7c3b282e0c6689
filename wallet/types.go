/*
Package wallet provides the ledger core for the bereavement-fund platform.

PURPOSE:
  Wallets are ledger accounts identified by a generated address. Every
  balance change goes through a Ledger operation (credit, debit, transfer)
  that updates the wallet balance and appends to the transaction log inside
  one store transaction. The wallet's history is the log filtered by
  address, so balance and history cannot drift apart.

KEY CONCEPTS IN THIS FILE (types.go):
  - Address: DDMM + owner code + zero-padded sequence (see address.go)
  - Wallet: balance, optimistic-lock version and derived history
  - Transaction: one Credit or Debit movement, amount always positive
  - OwnerType: User or Fund, one wallet per owner

INVARIANTS:
  1. balance == sum(signed amounts in history), always
  2. amounts are positive; direction lives in the transaction type
  3. the log is append-only; history order is insertion order

SEE ALSO:
  - address.go: address generation
  - ledger.go: balance-changing operations
  - store.go: persistence interfaces
*/
package wallet

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// Address is a wallet's globally unique, immutable identifier.
type Address string

// TransactionID identifies one entry of the transaction log.
type TransactionID string

// =============================================================================
// OWNER
// =============================================================================

type OwnerType string

const (
	OwnerUser OwnerType = "User"
	OwnerFund OwnerType = "Fund"
)

// Owner codes embedded in generated addresses.
const (
	CodeUser = "US"
	CodeFund = "BF"
)

func (t OwnerType) Valid() bool {
	return t == OwnerUser || t == OwnerFund
}

// Code returns the address code for the owner type.
func (t OwnerType) Code() string {
	if t == OwnerFund {
		return CodeFund
	}
	return CodeUser
}

// ParseOwnerType accepts "User", "Fund" and the legacy "Bf" spelling,
// case-insensitively. An empty string means User.
func ParseOwnerType(s string) (OwnerType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "user":
		return OwnerUser, nil
	case "fund", "bf":
		return OwnerFund, nil
	}
	return "", fmt.Errorf("%w: owner type %q", ErrInvalidOwner, s)
}

// =============================================================================
// TRANSACTION
// =============================================================================

type TxType string

const (
	TxCredit TxType = "Credit"
	TxDebit  TxType = "Debit"
)

// Transaction is one immutable balance movement on one wallet.
// A transfer produces two: a Debit on the source and a Credit on the
// destination, sharing the same Reference.
type Transaction struct {
	ID            TransactionID
	WalletAddress Address
	Type          TxType
	Amount        decimal.Decimal // always positive
	Actor         string          // user who initiated or benefited
	Counterparty  Address         // other side of a transfer, if any
	Reference     string          // transfer or contribution id
	BalanceAfter  decimal.Decimal
	CreatedAt     time.Time
}

// Signed returns the amount with the direction applied.
func (t Transaction) Signed() decimal.Decimal {
	if t.Type == TxDebit {
		return t.Amount.Neg()
	}
	return t.Amount
}

// SumHistory returns the net effect of a sequence of transactions.
func SumHistory(txs []Transaction) decimal.Decimal {
	total := decimal.Zero
	for _, tx := range txs {
		total = total.Add(tx.Signed())
	}
	return total
}

// =============================================================================
// WALLET
// =============================================================================

type Wallet struct {
	Address   Address
	OwnerType OwnerType
	OwnerRef  string
	Balance   decimal.Decimal
	Version   int64 // bumped on every balance change
	History   []Transaction
	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// AMOUNTS
// =============================================================================

// MinorUnitPlaces is the number of fraction digits an amount may carry.
const MinorUnitPlaces = 2

// ValidateAmount rejects non-positive amounts and amounts finer than
// minor units.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s must be positive", ErrInvalidAmount, amount)
	}
	if !amount.Equal(amount.Truncate(MinorUnitPlaces)) {
		return fmt.Errorf("%w: %s has more than %d decimal places", ErrInvalidAmount, amount, MinorUnitPlaces)
	}
	return nil
}

// ParseAmount parses a decimal string and validates it.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q is not a number", ErrInvalidAmount, s)
	}
	if err := ValidateAmount(d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// Discrepancy reports a wallet whose stored balance disagrees with its log.
type Discrepancy struct {
	Address Address
	Balance decimal.Decimal
	LogSum  decimal.Decimal
}
