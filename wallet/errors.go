/*
errors.go - Error types for the wallet ledger

ERROR CATEGORIES:
  1. Not found - unknown address or owner
  2. Client errors - invalid amount, overdraft, duplicates
  3. Store errors - generation conflicts, concurrent modification

Callers match with errors.Is; InsufficientFundsError carries detail and
unwraps to ErrInsufficientFunds.
*/
package wallet

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrWalletNotFound is returned when an address (or owner) has no wallet.
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrInvalidAmount is returned for non-positive or non-numeric amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInsufficientFunds is returned when a debit would overdraw a wallet.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrDuplicateWallet is returned when the owner already has a wallet.
	ErrDuplicateWallet = errors.New("owner already has a wallet")

	// ErrDuplicateAddress is returned by stores when an address is taken.
	// The ledger retries generation on it; callers never see it.
	ErrDuplicateAddress = errors.New("wallet address already exists")

	// ErrGenerationConflict is returned when no free address was found
	// within the retry budget.
	ErrGenerationConflict = errors.New("wallet address generation conflict")

	// ErrConcurrentModification is returned when a wallet changed between
	// read and conditional update.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrSameWallet is returned for transfers where source equals destination.
	ErrSameWallet = errors.New("cannot transfer to the same wallet")

	// ErrInvalidOwner is returned for unknown owner types or empty owner refs.
	ErrInvalidOwner = errors.New("invalid wallet owner")

	// ErrInvalidOwnerCode is returned when an address code is malformed.
	ErrInvalidOwnerCode = errors.New("invalid owner code")

	// ErrMissingActor is returned when a movement has no initiating user.
	ErrMissingActor = errors.New("actor is required")

	// ErrWalletNotEmpty is returned when deleting a wallet with a balance.
	ErrWalletNotEmpty = errors.New("wallet balance is not zero")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// InsufficientFundsError provides details about a rejected debit.
type InsufficientFundsError struct {
	Address   Address
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds in %s: available %s, requested %s",
		e.Address, e.Available, e.Requested)
}

func (e *InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsNotFound returns true if the error indicates a missing wallet.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrWalletNotFound)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidOwner) ||
		errors.Is(err, ErrInvalidOwnerCode) ||
		errors.Is(err, ErrMissingActor) ||
		errors.Is(err, ErrSameWallet)
}

// IsConflict returns true if the request conflicts with current state.
func IsConflict(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrDuplicateWallet) ||
		errors.Is(err, ErrWalletNotEmpty)
}
