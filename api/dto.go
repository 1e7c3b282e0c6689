/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the wallet and bf domain types from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry go-playground/validator tags; handlers run them
  through Handler.decode before calling the domain. Amount rules (positive,
  two decimal places) are enforced by the wallet package, not here.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/fund.go: FundJSON request body for POST /api/bf
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/twezimbe/bf-ledger/bf"
	"github.com/twezimbe/bf-ledger/factory"
	"github.com/twezimbe/bf-ledger/wallet"
)

// =============================================================================
// WALLETS
// =============================================================================

type CreateWalletRequest struct {
	OwnerID   string `json:"ownerId" validate:"required"`
	OwnerType string `json:"ownerType"`
}

type WalletCreatedResponse struct {
	WalletAddress string `json:"walletAddress"`
}

type WalletDTO struct {
	Address   string           `json:"walletAddress"`
	OwnerType string           `json:"ownerType"`
	OwnerID   string           `json:"ownerId"`
	Balance   decimal.Decimal  `json:"balance"`
	Version   int64            `json:"version"`
	History   []TransactionDTO `json:"history"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

type TransactionDTO struct {
	ID            string          `json:"id"`
	WalletAddress string          `json:"walletAddress"`
	Type          string          `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceAfter  decimal.Decimal `json:"balanceAfter"`
	Counterparty  string          `json:"counterparty,omitempty"`
	Actor         string          `json:"actor"`
	Reference     string          `json:"reference,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// UpdateBalanceRequest deposits into WalletAddress. With Wallet set, the
// money is transferred out of that wallet, which must belong to UserID.
type UpdateBalanceRequest struct {
	WalletAddress string          `json:"walletAddress" validate:"required"`
	UserID        string          `json:"userId"`
	Amount        decimal.Decimal `json:"amount"`
	Wallet        string          `json:"wallet"`
}

type TransferRequest struct {
	From      string          `json:"from" validate:"required"`
	To        string          `json:"to" validate:"required"`
	UserID    string          `json:"userId"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
}

type TransferResponse struct {
	From WalletDTO `json:"from"`
	To   WalletDTO `json:"to"`
}

// =============================================================================
// USERS
// =============================================================================

type CreateUserRequest struct {
	ID    string `json:"id"`
	Name  string `json:"name" validate:"required"`
	Email string `json:"email" validate:"omitempty,email"`
}

type UserDTO struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// =============================================================================
// FUNDS & MEMBERS
// =============================================================================

type FundDTO struct {
	ID            string          `json:"id"`
	Name          string          `json:"fund_name"`
	Details       string          `json:"fund_details,omitempty"`
	AccountType   string          `json:"account_type"`
	AccountInfo   string          `json:"account_info,omitempty"`
	WalletAddress string          `json:"walletAddress"`
	GroupID       string          `json:"group_id,omitempty"`
	CreatedBy     string          `json:"created_by"`
	Settings      bf.FundSettings `json:"settings"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// CreateFundRequest is the factory schema; created_by defaults to the
// authenticated user.
type CreateFundRequest = factory.FundJSON

type AddMemberRequest struct {
	FundID string   `json:"fundId" validate:"required"`
	UserID string   `json:"userId" validate:"required"`
	Roles  bf.Roles `json:"roles"`
}

type MemberDTO struct {
	FundID   string    `json:"fundId"`
	UserID   string    `json:"userId"`
	Roles    bf.Roles  `json:"roles"`
	JoinedAt time.Time `json:"joinedAt"`
}

// =============================================================================
// CASES & CONTRIBUTIONS
// =============================================================================

type FileCaseRequest struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description"`
	PrincipalID string `json:"principalId"`
	AffectedID  string `json:"affectedId"`
}

type CloseCaseRequest struct {
	UserID string `json:"userId"`
}

type ContributeRequest struct {
	WalletAddress string          `json:"walletAddress"`
	Contributor   string          `json:"contributor"`
	Amount        decimal.Decimal `json:"amount"`
	CaseID        string          `json:"contribute_case" validate:"required"`
	Wallet        string          `json:"wallet"`
}

type ContributionDTO struct {
	ID            string          `json:"id"`
	CaseID        string          `json:"caseId"`
	FundID        string          `json:"fundId"`
	WalletAddress string          `json:"walletAddress"`
	Contributor   string          `json:"contributor"`
	Amount        decimal.Decimal `json:"amount"`
	SourceWallet  string          `json:"wallet,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

type CaseDTO struct {
	ID                 string            `json:"id"`
	FundID             string            `json:"fundId"`
	Name               string            `json:"name"`
	Description        string            `json:"description,omitempty"`
	Principal          string            `json:"principalId"`
	AffectedPerson     string            `json:"affectedId"`
	Status             string            `json:"status"`
	ContributionStatus string            `json:"contributionStatus"`
	TotalContributions decimal.Decimal   `json:"totalContributions"`
	Contributions      []ContributionDTO `json:"contributions,omitempty"`
	CreatedAt          time.Time         `json:"createdAt"`
	ClosedAt           *time.Time        `json:"closedAt,omitempty"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is returned for all errors. Details is a string, or the
// list of field messages for validation failures.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toWalletDTO(w *wallet.Wallet) WalletDTO {
	return WalletDTO{
		Address:   string(w.Address),
		OwnerType: string(w.OwnerType),
		OwnerID:   w.OwnerRef,
		Balance:   w.Balance,
		Version:   w.Version,
		History:   toTransactionDTOs(w.History),
		CreatedAt: w.CreatedAt,
		UpdatedAt: w.UpdatedAt,
	}
}

func toTransactionDTOs(txs []wallet.Transaction) []TransactionDTO {
	out := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		out[i] = TransactionDTO{
			ID:            string(tx.ID),
			WalletAddress: string(tx.WalletAddress),
			Type:          string(tx.Type),
			Amount:        tx.Amount,
			BalanceAfter:  tx.BalanceAfter,
			Counterparty:  string(tx.Counterparty),
			Actor:         tx.Actor,
			Reference:     tx.Reference,
			CreatedAt:     tx.CreatedAt,
		}
	}
	return out
}

func toUserDTO(u *bf.User) UserDTO {
	return UserDTO{ID: u.ID, Name: u.Name, Email: u.Email, CreatedAt: u.CreatedAt}
}

func toFundDTO(f *bf.Fund) FundDTO {
	return FundDTO{
		ID:            f.ID,
		Name:          f.Name,
		Details:       f.Details,
		AccountType:   string(f.AccountType),
		AccountInfo:   f.AccountInfo,
		WalletAddress: string(f.WalletAddress),
		GroupID:       f.GroupID,
		CreatedBy:     f.CreatedBy,
		Settings:      f.Settings,
		CreatedAt:     f.CreatedAt,
	}
}

func toMemberDTO(m bf.Member) MemberDTO {
	return MemberDTO{FundID: m.FundID, UserID: m.UserID, Roles: m.Roles, JoinedAt: m.JoinedAt}
}

func toContributionDTO(c bf.Contribution) ContributionDTO {
	return ContributionDTO{
		ID:            c.ID,
		CaseID:        c.CaseID,
		FundID:        c.FundID,
		WalletAddress: string(c.WalletAddress),
		Contributor:   c.Contributor,
		Amount:        c.Amount,
		SourceWallet:  string(c.SourceWallet),
		CreatedAt:     c.CreatedAt,
	}
}

func toCaseDTO(c bf.Case, total decimal.Decimal, contributions []bf.Contribution) CaseDTO {
	dto := CaseDTO{
		ID:                 c.ID,
		FundID:             c.FundID,
		Name:               c.Name,
		Description:        c.Description,
		Principal:          c.Principal,
		AffectedPerson:     c.AffectedPerson,
		Status:             string(c.Status),
		ContributionStatus: string(c.ContributionStatus),
		TotalContributions: total,
		CreatedAt:          c.CreatedAt,
		ClosedAt:           c.ClosedAt,
	}
	for _, k := range contributions {
		dto.Contributions = append(dto.Contributions, toContributionDTO(k))
	}
	return dto
}
