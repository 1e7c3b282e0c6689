/*
Package bf implements the bereavement-fund case and contribution workflow.

PURPOSE:
  A Fund owns a wallet and a set of members. Members file Cases on behalf
  of an affected person; anyone in the user directory can Contribute to an
  open case. Every contribution moves money into the fund wallet through
  the wallet ledger, in the same store transaction that records the
  Contribution, so case totals and the fund balance agree.

KEY CONCEPTS IN THIS FILE (types.go):
  - Fund, FundSettings: account details, per-case contribution target
  - Member: user in a fund with one or more roles (see roles.go)
  - Case: Open -> Closed; ContributionStatus is derived from totals
  - Contribution: immutable record of one payment into a case

CASE STATE MACHINE:
  Open --(contributions reach target)--> Open + Complete
  Open --(admin closes)--> Closed (terminal)

SEE ALSO:
  - workflow.go: operations
  - store.go: persistence interfaces
  - wallet/ledger.go: balance movements
*/
package bf

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/twezimbe/bf-ledger/wallet"
)

// =============================================================================
// USER DIRECTORY
// =============================================================================

// User is the directory record the workflow resolves principals,
// contributors and email recipients against.
type User struct {
	ID        string
	Name      string
	Email     string
	CreatedAt time.Time
}

// =============================================================================
// FUND
// =============================================================================

type AccountType string

const (
	AccountBank   AccountType = "bank"
	AccountMobile AccountType = "mobile"
	AccountWallet AccountType = "wallet"
)

func (a AccountType) Valid() bool {
	return a == AccountBank || a == AccountMobile || a == AccountWallet
}

// FundSettings configures a fund. A zero ContributionTarget means cases
// have no target and stay Incomplete.
type FundSettings struct {
	ContributionTarget decimal.Decimal `json:"contribution_target"`
	MinBeneficiaries   int             `json:"min_beneficiaries"`
	MaxBeneficiaries   int             `json:"max_beneficiaries"`
}

func DefaultFundSettings() FundSettings {
	return FundSettings{ContributionTarget: decimal.Zero, MinBeneficiaries: 0, MaxBeneficiaries: 1}
}

func (s FundSettings) Validate() error {
	if s.ContributionTarget.IsNegative() {
		return fmt.Errorf("%w: contribution target cannot be negative", ErrInvalidFund)
	}
	if !s.ContributionTarget.Equal(s.ContributionTarget.Truncate(wallet.MinorUnitPlaces)) {
		return fmt.Errorf("%w: contribution target has more than %d decimal places", ErrInvalidFund, wallet.MinorUnitPlaces)
	}
	if s.MinBeneficiaries < 0 {
		return fmt.Errorf("%w: min beneficiaries cannot be negative", ErrInvalidFund)
	}
	if s.MaxBeneficiaries < 1 || s.MaxBeneficiaries < s.MinBeneficiaries {
		return fmt.Errorf("%w: max beneficiaries must be at least 1 and not below min", ErrInvalidFund)
	}
	return nil
}

type Fund struct {
	ID            string
	Name          string
	Details       string
	AccountType   AccountType
	AccountInfo   string // bank or mobile account number
	WalletAddress wallet.Address
	GroupID       string // community group, at most one fund per group
	CreatedBy     string
	Settings      FundSettings
	CreatedAt     time.Time
}

// FundInput is what CreateFund needs from the caller.
type FundInput struct {
	Name        string
	Details     string
	AccountType AccountType
	AccountInfo string
	GroupID     string
	CreatedBy   string
	Settings    FundSettings
}

func (in *FundInput) normalize() error {
	in.Name = strings.TrimSpace(in.Name)
	in.AccountInfo = strings.TrimSpace(in.AccountInfo)
	in.CreatedBy = strings.TrimSpace(in.CreatedBy)
	if in.AccountType == "" {
		in.AccountType = AccountWallet
	}
	if in.Settings.MaxBeneficiaries == 0 {
		in.Settings.MaxBeneficiaries = DefaultFundSettings().MaxBeneficiaries
	}

	if in.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidFund)
	}
	if in.CreatedBy == "" {
		return fmt.Errorf("%w: creator is required", ErrInvalidFund)
	}
	if !in.AccountType.Valid() {
		return fmt.Errorf("%w: account type %q", ErrInvalidFund, in.AccountType)
	}
	if in.AccountType != AccountWallet && in.AccountInfo == "" {
		return fmt.Errorf("%w: account info is required for %s accounts", ErrInvalidFund, in.AccountType)
	}
	return in.Settings.Validate()
}

// Member links a user to a fund.
type Member struct {
	FundID   string
	UserID   string
	Roles    Roles
	JoinedAt time.Time
}

// =============================================================================
// CASE
// =============================================================================

type CaseStatus string

const (
	CaseOpen   CaseStatus = "Open"
	CaseClosed CaseStatus = "Closed"
)

type ContributionStatus string

const (
	ContributionComplete   ContributionStatus = "Complete"
	ContributionIncomplete ContributionStatus = "Incomplete"
)

// StatusFor derives the contribution status of a case from its total.
func StatusFor(total, target decimal.Decimal) ContributionStatus {
	if target.IsPositive() && total.GreaterThanOrEqual(target) {
		return ContributionComplete
	}
	return ContributionIncomplete
}

type Case struct {
	ID                 string
	FundID             string
	Principal          string
	AffectedPerson     string
	Name               string
	Description        string
	Status             CaseStatus
	ContributionStatus ContributionStatus
	CreatedAt          time.Time
	ClosedAt           *time.Time
}

// CaseInput is what FileCase needs. AffectedPerson defaults to Principal.
type CaseInput struct {
	FundID         string
	Principal      string
	AffectedPerson string
	Name           string
	Description    string
}

// =============================================================================
// CONTRIBUTION
// =============================================================================

type Contribution struct {
	ID            string
	CaseID        string
	FundID        string
	WalletAddress wallet.Address // fund wallet credited
	Contributor   string
	Amount        decimal.Decimal
	SourceWallet  wallet.Address // contributor wallet debited, if any
	CreatedAt     time.Time
}

// ContributionInput is what Contribute needs. WalletAddress, when set,
// must be the case fund's wallet. SourceWallet, when set, must belong to
// the contributor.
type ContributionInput struct {
	CaseID        string
	Contributor   string
	Amount        decimal.Decimal
	WalletAddress wallet.Address
	SourceWallet  wallet.Address
}

// CaseTotals aggregates a case's contributions.
type CaseTotals struct {
	Case          Case
	Contributions []Contribution
	Total         decimal.Decimal
}

func totalOf(cs []Contribution) decimal.Decimal {
	total := decimal.Zero
	for _, c := range cs {
		total = total.Add(c.Amount)
	}
	return total
}

// Transfer moves money between two wallets on behalf of Actor, who must
// own From.
type Transfer struct {
	From      wallet.Address
	To        wallet.Address
	Actor     string
	Amount    decimal.Decimal
	Reference string
}

// BalanceUpdate is a direct deposit into a wallet, outside any case.
// With Counterpart set the money comes out of that wallet, which must
// belong to Actor.
type BalanceUpdate struct {
	Address     wallet.Address
	Actor       string
	Amount      decimal.Decimal
	Counterpart wallet.Address
}
