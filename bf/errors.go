/*
errors.go - Error types for the case workflow

Wallet errors (insufficient funds, invalid amount, unknown wallet) pass
through unchanged from the ledger; callers can match either set with
errors.Is.
*/
package bf

import (
	"errors"

	"github.com/twezimbe/bf-ledger/wallet"
)

var (
	ErrFundNotFound        = errors.New("fund not found")
	ErrPrincipalNotFound   = errors.New("principal not found")
	ErrCaseNotFound        = errors.New("case not found")
	ErrContributorNotFound = errors.New("contributor not found")
	ErrUserNotFound        = errors.New("user not found")
	ErrMemberNotFound      = errors.New("member not found")

	// ErrAlreadyExists is returned for duplicate users, memberships and
	// funds within one group.
	ErrAlreadyExists = errors.New("already exists")

	// ErrCaseClosed is returned when contributing to or closing a closed case.
	ErrCaseClosed = errors.New("case is closed")

	// ErrWalletMismatch is returned when a contribution names a wallet that
	// is not the case fund's wallet.
	ErrWalletMismatch = errors.New("wallet does not belong to the case fund")

	// ErrFundNotEmpty is returned when deleting a fund whose wallet holds money.
	ErrFundNotEmpty = errors.New("fund wallet balance is not zero")

	// ErrBeneficiaryLimit is returned when a fund already has the maximum
	// number of beneficiaries.
	ErrBeneficiaryLimit = errors.New("beneficiary limit reached")

	ErrInvalidFund = errors.New("invalid fund")
	ErrInvalidCase = errors.New("invalid case")
	ErrInvalidRole = errors.New("invalid role")
	ErrInvalidUser = errors.New("invalid user")

	// ErrUnauthorized is returned when the actor does not own the wallet it
	// is spending from, or lacks the role an action needs.
	ErrUnauthorized = errors.New("unauthorized")
)

// IsNotFound returns true for any missing fund, case, user or wallet.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrFundNotFound) ||
		errors.Is(err, ErrPrincipalNotFound) ||
		errors.Is(err, ErrCaseNotFound) ||
		errors.Is(err, ErrContributorNotFound) ||
		errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrMemberNotFound) ||
		wallet.IsNotFound(err)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidFund) ||
		errors.Is(err, ErrInvalidCase) ||
		errors.Is(err, ErrInvalidRole) ||
		errors.Is(err, ErrInvalidUser) ||
		errors.Is(err, ErrWalletMismatch) ||
		wallet.IsClientError(err)
}

// IsConflict returns true if the request conflicts with current state.
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, ErrCaseClosed) ||
		errors.Is(err, ErrFundNotEmpty) ||
		errors.Is(err, ErrBeneficiaryLimit) ||
		wallet.IsConflict(err)
}
