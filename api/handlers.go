/*
handlers.go - HTTP API handlers for the wallet ledger and bereavement funds

PURPOSE:
  Exposes wallet.Ledger and bf.Workflow via REST. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Wallets:
    POST   /api/wallets                      Create wallet {ownerId, ownerType}
    GET    /api/wallets/{address}            Wallet with balance and history
    GET    /api/wallets/{address}/transactions
    POST   /api/wallets/transfer             Move money between wallets
    GET    /api/transactions?wallet=&actor=&limit=

  Users:
    POST   /api/users                        Register directory user
    GET    /api/users/{id}

  Funds:
    POST   /api/bf                           Create fund (factory schema)
    GET    /api/bf/{fundId}
    DELETE /api/bf/{fundId}
    PUT    /api/bf/update-wallet-balance     Direct deposit
    POST   /api/bf/members                   Add member
    GET    /api/bf/members/{fundId}

  Cases:
    POST   /api/bf/cases/{fundId}            File case
    GET    /api/bf/cases/{fundId}            Cases with totalContributions
    GET    /api/bf/case/{caseId}             Case with contributions
    POST   /api/bf/case/{caseId}/close
    POST   /api/bf/contribute

REQUEST FLOW:
  1. Decode and validate body (validator tags on DTOs)
  2. Resolve the acting user (body field, or token subject with auth on)
  3. Call ledger / workflow
  4. Serialize response

ERROR HANDLING:
  Errors are returned as JSON {error, details} with status from statusFor:
  - 400: Validation errors, invalid amounts
  - 401: Token problems, acting on someone else's wallet, non-admin close
  - 404: Wallet, fund, case, user not found
  - 409: Duplicates, insufficient funds, closed case, non-empty fund
  - 500: Everything else

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/twezimbe/bf-ledger/bf"
	"github.com/twezimbe/bf-ledger/factory"
	"github.com/twezimbe/bf-ledger/notify"
	"github.com/twezimbe/bf-ledger/wallet"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger      *wallet.Ledger
	Workflow    *bf.Workflow
	FundFactory *factory.FundFactory

	// Hub serves websocket balance streams. Nil disables the route.
	Hub *notify.Hub

	logger   *zap.Logger
	validate *validator.Validate
}

func NewHandler(workflow *bf.Workflow, hub *notify.Hub, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Ledger:      workflow.Ledger(),
		Workflow:    workflow,
		FundFactory: factory.NewFundFactory(),
		Hub:         hub,
		logger:      logger,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

// =============================================================================
// WALLET HANDLERS
// =============================================================================

// CreateWallet allocates a wallet for an owner.
func (h *Handler) CreateWallet(w http.ResponseWriter, r *http.Request) {
	var req CreateWalletRequest
	if !h.decode(w, r, &req) {
		return
	}
	ownerType, err := wallet.ParseOwnerType(req.OwnerType)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	created, err := h.Ledger.CreateWallet(r.Context(), ownerType, req.OwnerID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, WalletCreatedResponse{WalletAddress: string(created.Address)})
}

func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	wal, err := h.Ledger.GetWallet(r.Context(), wallet.Address(chi.URLParam(r, "address")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWalletDTO(wal))
}

func (h *Handler) GetWalletTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.Ledger.GetHistory(r.Context(), wallet.Address(chi.URLParam(r, "address")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// ListTransactions returns the ledger log filtered by wallet and/or actor.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := wallet.TxFilter{
		Wallet: wallet.Address(q.Get("wallet")),
		Actor:  q.Get("actor"),
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		filter.Limit = n
	}

	txs, err := h.Ledger.Transactions(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if !h.decode(w, r, &req) {
		return
	}
	actor, err := resolveActor(r, req.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	from, to, err := h.Workflow.Transfer(r.Context(), bf.Transfer{
		From:      wallet.Address(req.From),
		To:        wallet.Address(req.To),
		Actor:     actor,
		Amount:    req.Amount,
		Reference: req.Reference,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, TransferResponse{From: toWalletDTO(from), To: toWalletDTO(to)})
}

// UpdateWalletBalance deposits into a wallet outside any case.
func (h *Handler) UpdateWalletBalance(w http.ResponseWriter, r *http.Request) {
	var req UpdateBalanceRequest
	if !h.decode(w, r, &req) {
		return
	}
	actor, err := resolveActor(r, req.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	updated, err := h.Workflow.UpdateWalletBalance(r.Context(), bf.BalanceUpdate{
		Address:     wallet.Address(req.WalletAddress),
		Actor:       actor,
		Amount:      req.Amount,
		Counterpart: wallet.Address(req.Wallet),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWalletDTO(updated))
}

// WalletStream upgrades to a websocket that receives the wallet's balance
// events.
func (h *Handler) WalletStream(w http.ResponseWriter, r *http.Request) {
	addr := wallet.Address(chi.URLParam(r, "address"))
	if _, err := h.Ledger.GetBalance(r.Context(), addr); err != nil {
		h.fail(w, r, err)
		return
	}
	h.Hub.ServeWS(w, r, string(addr))
}

// =============================================================================
// USER HANDLERS
// =============================================================================

func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if !h.decode(w, r, &req) {
		return
	}
	u, err := h.Workflow.RegisterUser(r.Context(), bf.User{ID: req.ID, Name: req.Name, Email: req.Email})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserDTO(u))
}

func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.Workflow.GetUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(u))
}

// =============================================================================
// FUND HANDLERS
// =============================================================================

func (h *Handler) CreateFund(w http.ResponseWriter, r *http.Request) {
	var req CreateFundRequest
	if !h.decode(w, r, &req) {
		return
	}
	creator, err := resolveActor(r, req.CreatedBy)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	req.CreatedBy = creator

	in, err := h.FundFactory.FromJSON(req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	f, err := h.Workflow.CreateFund(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toFundDTO(f))
}

func (h *Handler) GetFund(w http.ResponseWriter, r *http.Request) {
	f, err := h.Workflow.GetFund(r.Context(), chi.URLParam(r, "fundId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toFundDTO(f))
}

// GetGroupFund returns the fund of a community group.
func (h *Handler) GetGroupFund(w http.ResponseWriter, r *http.Request) {
	f, err := h.Workflow.GetFundByGroup(r.Context(), chi.URLParam(r, "groupId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toFundDTO(f))
}

func (h *Handler) DeleteFund(w http.ResponseWriter, r *http.Request) {
	if err := h.Workflow.DeleteFund(r.Context(), chi.URLParam(r, "fundId")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) AddMember(w http.ResponseWriter, r *http.Request) {
	var req AddMemberRequest
	if !h.decode(w, r, &req) {
		return
	}
	m, err := h.Workflow.AddMember(r.Context(), req.FundID, req.UserID, req.Roles)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMemberDTO(*m))
}

func (h *Handler) ListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := h.Workflow.ListMembers(r.Context(), chi.URLParam(r, "fundId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]MemberDTO, len(members))
	for i, m := range members {
		dtos[i] = toMemberDTO(m)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// CASE HANDLERS
// =============================================================================

func (h *Handler) FileCase(w http.ResponseWriter, r *http.Request) {
	var req FileCaseRequest
	if !h.decode(w, r, &req) {
		return
	}
	principal, err := resolveActor(r, req.PrincipalID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	c, err := h.Workflow.FileCase(r.Context(), bf.CaseInput{
		FundID:         chi.URLParam(r, "fundId"),
		Principal:      principal,
		AffectedPerson: req.AffectedID,
		Name:           req.Name,
		Description:    req.Description,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCaseDTO(*c, decimal.Zero, nil))
}

// ListCases returns every case of a fund with its contribution total.
func (h *Handler) ListCases(w http.ResponseWriter, r *http.Request) {
	cases, err := h.Workflow.ListCases(r.Context(), chi.URLParam(r, "fundId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]CaseDTO, len(cases))
	for i, c := range cases {
		dtos[i] = toCaseDTO(c.Case, c.Total, nil)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetCase(w http.ResponseWriter, r *http.Request) {
	totals, err := h.Workflow.GetCaseTotals(r.Context(), chi.URLParam(r, "caseId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCaseDTO(totals.Case, totals.Total, totals.Contributions))
}

func (h *Handler) CloseCase(w http.ResponseWriter, r *http.Request) {
	var req CloseCaseRequest
	// The body is optional when the token names the actor.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	actor, err := resolveActor(r, req.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	c, err := h.Workflow.CloseCase(r.Context(), chi.URLParam(r, "caseId"), actor)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCaseDTO(*c, decimal.Zero, nil))
}

// Contribute records a contribution to an open case.
func (h *Handler) Contribute(w http.ResponseWriter, r *http.Request) {
	var req ContributeRequest
	if !h.decode(w, r, &req) {
		return
	}
	contributor, err := resolveActor(r, req.Contributor)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	c, err := h.Workflow.Contribute(r.Context(), bf.ContributionInput{
		CaseID:        req.CaseID,
		Contributor:   contributor,
		Amount:        req.Amount,
		WalletAddress: wallet.Address(req.WalletAddress),
		SourceWallet:  wallet.Address(req.Wallet),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toContributionDTO(*c))
}

// =============================================================================
// HEALTH
// =============================================================================

type pinger interface {
	Ping(ctx context.Context) error
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Ledger.Store().(pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Database unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads a JSON body into v and validates it. It writes the 400
// response itself and reports whether the handler should continue.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{
				Error:   "Validation failed",
				Details: formatValidationError(verrs),
			})
			return false
		}
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func formatValidationError(verrs validator.ValidationErrors) []string {
	out := make([]string, 0, len(verrs))
	for _, e := range verrs {
		field := e.Field()
		switch e.Tag() {
		case "required":
			out = append(out, fmt.Sprintf("%s is required", field))
		case "email":
			out = append(out, fmt.Sprintf("%s must be a valid email", field))
		case "oneof":
			out = append(out, fmt.Sprintf("%s must be one of: %s", field, e.Param()))
		default:
			out = append(out, fmt.Sprintf("%s is invalid (%s)", field, e.Tag()))
		}
	}
	return out
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, bf.ErrUnauthorized):
		return http.StatusUnauthorized
	case bf.IsNotFound(err):
		return http.StatusNotFound
	case bf.IsClientError(err):
		return http.StatusBadRequest
	case bf.IsConflict(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeError(w, status, "Internal error", err)
		return
	}
	writeError(w, status, http.StatusText(status), err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
