package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twezimbe/bf-ledger/bf"
	"github.com/twezimbe/bf-ledger/notify"
	"github.com/twezimbe/bf-ledger/store/sqlite"
	"github.com/twezimbe/bf-ledger/wallet"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// syncNotifier delivers straight to its sinks so tests need no dispatcher.
type syncNotifier []notify.Sink

func (n syncNotifier) Notify(ctx context.Context, e notify.Event) {
	for _, s := range n {
		_ = s.Send(ctx, e)
	}
}

type testAPI struct {
	t        *testing.T
	srv      *httptest.Server
	workflow *bf.Workflow
	hub      *notify.Hub
	token    string
}

func jan1() time.Time {
	return time.Date(2025, time.January, 1, 12, 0, 0, 0, time.UTC)
}

func newTestAPI(t *testing.T, opts RouterOptions) *testAPI {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	hub := notify.NewHub(nil)
	ledger := wallet.NewLedger(store, wallet.Options{Now: jan1, Notifier: syncNotifier{hub}})
	workflow := bf.NewWorkflow(store, ledger, bf.Options{Now: jan1, Notifier: syncNotifier{hub}})

	srv := httptest.NewServer(NewRouter(NewHandler(workflow, hub, nil), opts))
	t.Cleanup(srv.Close)
	return &testAPI{t: t, srv: srv, workflow: workflow, hub: hub}
}

// do sends body as JSON and decodes the response into out when non-nil.
func (a *testAPI) do(method, path string, body any, out any) int {
	a.t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(a.t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, a.srv.URL+path, r)
	require.NoError(a.t, err)
	req.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(a.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(a.t, json.NewDecoder(resp.Body).Decode(out), "%s %s", method, path)
	}
	return resp.StatusCode
}

func (a *testAPI) seedUsers() {
	a.t.Helper()
	for _, u := range []CreateUserRequest{
		{ID: "admin", Name: "Grace", Email: "grace@example.com"},
		{ID: "member", Name: "Joseph"},
		{ID: "donor", Name: "Ruth"},
	} {
		require.Equal(a.t, http.StatusCreated, a.do("POST", "/api/users", u, nil))
	}
}

func (a *testAPI) createFund(target string) FundDTO {
	a.t.Helper()
	var f FundDTO
	body := map[string]any{
		"fund_name":  "Staff Welfare",
		"created_by": "admin",
		"settings":   map[string]any{"contribution_target": target},
	}
	require.Equal(a.t, http.StatusCreated, a.do("POST", "/api/bf", body, &f))
	require.Equal(a.t, http.StatusCreated, a.do("POST", "/api/bf/members",
		AddMemberRequest{FundID: f.ID, UserID: "member"}, nil))
	return f
}

func (a *testAPI) fileCase(fundID string) CaseDTO {
	a.t.Helper()
	var c CaseDTO
	require.Equal(a.t, http.StatusCreated, a.do("POST", "/api/bf/cases/"+fundID,
		FileCaseRequest{Name: "Funeral support", Description: "father", PrincipalID: "member"}, &c))
	return c
}

func amt(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

// =============================================================================
// SCENARIO
// =============================================================================

func TestAPI_FundScenario(t *testing.T) {
	// GIVEN: a fund created on 1 January
	// WHEN: 50000 is deposited, a case filed and 20000 contributed
	// THEN: the case shows 20000 and the fund wallet 70000 with two entries
	a := newTestAPI(t, RouterOptions{})
	a.seedUsers()
	f := a.createFund("0")
	assert.Equal(t, "0101BF00001", f.WalletAddress)

	var w WalletDTO
	status := a.do("PUT", "/api/bf/update-wallet-balance",
		UpdateBalanceRequest{WalletAddress: f.WalletAddress, UserID: "admin", Amount: amt("50000")}, &w)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, amt("50000").Equal(w.Balance))

	c := a.fileCase(f.ID)
	assert.Equal(t, "Open", c.Status)
	assert.Equal(t, "Incomplete", c.ContributionStatus)
	assert.Equal(t, "member", c.AffectedPerson)

	var contribution ContributionDTO
	status = a.do("POST", "/api/bf/contribute", ContributeRequest{
		WalletAddress: f.WalletAddress, Contributor: "donor", Amount: amt("20000"), CaseID: c.ID,
	}, &contribution)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, f.ID, contribution.FundID)

	var cases []CaseDTO
	require.Equal(t, http.StatusOK, a.do("GET", "/api/bf/cases/"+f.ID, nil, &cases))
	require.Len(t, cases, 1)
	assert.True(t, amt("20000").Equal(cases[0].TotalContributions))

	var detail CaseDTO
	require.Equal(t, http.StatusOK, a.do("GET", "/api/bf/case/"+c.ID, nil, &detail))
	require.Len(t, detail.Contributions, 1)
	assert.Equal(t, "donor", detail.Contributions[0].Contributor)

	require.Equal(t, http.StatusOK, a.do("GET", "/api/wallets/"+f.WalletAddress, nil, &w))
	assert.True(t, amt("70000").Equal(w.Balance))
	require.Len(t, w.History, 2)
	assert.True(t, amt("70000").Equal(w.History[1].BalanceAfter))

	var txs []TransactionDTO
	require.Equal(t, http.StatusOK, a.do("GET", "/api/transactions?actor=donor", nil, &txs))
	require.Len(t, txs, 1)
	assert.Equal(t, contribution.ID, txs[0].Reference)
}

// =============================================================================
// WALLETS
// =============================================================================

func TestAPI_CreateWallet(t *testing.T) {
	a := newTestAPI(t, RouterOptions{})

	var created WalletCreatedResponse
	require.Equal(t, http.StatusCreated, a.do("POST", "/api/wallets", CreateWalletRequest{OwnerID: "u1"}, &created))
	assert.Equal(t, "0101US00001", created.WalletAddress)

	var e ErrorResponse
	assert.Equal(t, http.StatusConflict, a.do("POST", "/api/wallets", CreateWalletRequest{OwnerID: "u1"}, &e))
	assert.Contains(t, e.Details, "u1")

	assert.Equal(t, http.StatusBadRequest,
		a.do("POST", "/api/wallets", CreateWalletRequest{OwnerID: "u2", OwnerType: "alien"}, nil))

	e = ErrorResponse{}
	require.Equal(t, http.StatusBadRequest, a.do("POST", "/api/wallets", map[string]string{}, &e))
	assert.Equal(t, "Validation failed", e.Error)
	assert.Equal(t, []any{"OwnerID is required"}, e.Details)

	var w WalletDTO
	require.Equal(t, http.StatusOK, a.do("GET", "/api/wallets/0101US00001", nil, &w))
	assert.True(t, w.Balance.IsZero())
	assert.Empty(t, w.History)
	assert.Equal(t, "u1", w.OwnerID)

	assert.Equal(t, http.StatusNotFound, a.do("GET", "/api/wallets/0101US09999", nil, nil))
	assert.Equal(t, http.StatusNotFound, a.do("GET", "/api/wallets/0101US09999/transactions", nil, nil))
}

func TestAPI_Transfer(t *testing.T) {
	a := newTestAPI(t, RouterOptions{})
	ctx := context.Background()
	ledger := a.workflow.Ledger()
	src, err := ledger.CreateWallet(ctx, wallet.OwnerUser, "u1")
	require.NoError(t, err)
	dst, err := ledger.CreateWallet(ctx, wallet.OwnerUser, "u2")
	require.NoError(t, err)
	_, err = ledger.Credit(ctx, src.Address, amt("100"), "u1")
	require.NoError(t, err)

	var out TransferResponse
	status := a.do("POST", "/api/wallets/transfer", TransferRequest{
		From: string(src.Address), To: string(dst.Address), UserID: "u1", Amount: amt("40"), Reference: "gift",
	}, &out)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, amt("60").Equal(out.From.Balance))
	assert.True(t, amt("40").Equal(out.To.Balance))
	assert.Equal(t, "gift", out.To.History[0].Reference)

	var e ErrorResponse
	status = a.do("POST", "/api/wallets/transfer", TransferRequest{
		From: string(src.Address), To: string(dst.Address), UserID: "u1", Amount: amt("61"),
	}, &e)
	assert.Equal(t, http.StatusConflict, status)
	assert.Contains(t, e.Details, "insufficient")

	assert.Equal(t, http.StatusBadRequest, a.do("POST", "/api/wallets/transfer", TransferRequest{
		From: string(src.Address), To: string(src.Address), UserID: "u1", Amount: amt("1"),
	}, nil))
	assert.Equal(t, http.StatusBadRequest, a.do("POST", "/api/wallets/transfer", TransferRequest{
		From: string(src.Address), To: string(dst.Address), UserID: "u1", Amount: amt("0.001"),
	}, nil))

	var txs []TransactionDTO
	require.Equal(t, http.StatusOK, a.do("GET", "/api/transactions?wallet="+string(src.Address)+"&limit=1", nil, &txs))
	assert.Len(t, txs, 1)
	assert.Equal(t, http.StatusBadRequest, a.do("GET", "/api/transactions?limit=lots", nil, nil))
}

func TestAPI_TransferRequiresOwnership(t *testing.T) {
	// GIVEN: auth on, a victim wallet holding 100 and a fund wallet holding 50
	a := newTestAPI(t, RouterOptions{JWTSecret: "s3cret"})
	ctx := context.Background()
	ledger := a.workflow.Ledger()
	victim, err := ledger.CreateWallet(ctx, wallet.OwnerUser, "victim")
	require.NoError(t, err)
	thief, err := ledger.CreateWallet(ctx, wallet.OwnerUser, "thief")
	require.NoError(t, err)
	_, err = ledger.Credit(ctx, victim.Address, amt("100"), "victim")
	require.NoError(t, err)
	fundWallet, err := ledger.CreateWallet(ctx, wallet.OwnerFund, "fund-1")
	require.NoError(t, err)
	_, err = ledger.Credit(ctx, fundWallet.Address, amt("50"), "victim")
	require.NoError(t, err)

	// WHEN: thief moves money out of wallets they do not own
	a.token = signToken(t, "s3cret", jwt.MapClaims{"sub": "thief"})
	var e ErrorResponse
	status := a.do("POST", "/api/wallets/transfer", TransferRequest{
		From: string(victim.Address), To: string(thief.Address), Amount: amt("100"),
	}, &e)

	// THEN: refused with 401 and no balance moves
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Contains(t, e.Details, "does not belong to thief")
	assert.Equal(t, http.StatusUnauthorized, a.do("POST", "/api/wallets/transfer", TransferRequest{
		From: string(fundWallet.Address), To: string(thief.Address), Amount: amt("50"),
	}, nil))

	balance, err := ledger.GetBalance(ctx, victim.Address)
	require.NoError(t, err)
	assert.True(t, amt("100").Equal(balance))
	balance, err = ledger.GetBalance(ctx, fundWallet.Address)
	require.NoError(t, err)
	assert.True(t, amt("50").Equal(balance))
	balance, err = ledger.GetBalance(ctx, thief.Address)
	require.NoError(t, err)
	assert.True(t, balance.IsZero())

	// AND: the owner can still move their own money
	a.token = signToken(t, "s3cret", jwt.MapClaims{"sub": "victim"})
	assert.Equal(t, http.StatusOK, a.do("POST", "/api/wallets/transfer", TransferRequest{
		From: string(victim.Address), To: string(thief.Address), Amount: amt("10"),
	}, nil))
}

// =============================================================================
// FUNDS & CASES
// =============================================================================

func TestAPI_FundErrors(t *testing.T) {
	a := newTestAPI(t, RouterOptions{})
	a.seedUsers()
	f := a.createFund("100")

	assert.Equal(t, http.StatusBadRequest, a.do("POST", "/api/bf",
		map[string]any{"fund_name": "X", "created_by": "admin", "account_type": "cash"}, nil))
	assert.Equal(t, http.StatusNotFound, a.do("POST", "/api/bf",
		map[string]any{"fund_name": "X", "created_by": "ghost"}, nil))
	assert.Equal(t, http.StatusNotFound, a.do("GET", "/api/bf/missing", nil, nil))
	assert.Equal(t, http.StatusConflict, a.do("POST", "/api/bf/members",
		AddMemberRequest{FundID: f.ID, UserID: "member"}, nil))

	var members []MemberDTO
	require.Equal(t, http.StatusOK, a.do("GET", "/api/bf/members/"+f.ID, nil, &members))
	require.Len(t, members, 2)
	assert.True(t, members[0].Roles.Has(bf.RoleAdmin))

	// principal not a member
	assert.Equal(t, http.StatusNotFound, a.do("POST", "/api/bf/cases/"+f.ID,
		FileCaseRequest{Name: "x", PrincipalID: "donor"}, nil))
	assert.Equal(t, http.StatusNotFound, a.do("POST", "/api/bf/cases/missing",
		FileCaseRequest{Name: "x", PrincipalID: "member"}, nil))

	c := a.fileCase(f.ID)
	assert.Equal(t, http.StatusNotFound, a.do("POST", "/api/bf/contribute",
		ContributeRequest{Contributor: "ghost", Amount: amt("1"), CaseID: c.ID}, nil))
	assert.Equal(t, http.StatusNotFound, a.do("POST", "/api/bf/contribute",
		ContributeRequest{Contributor: "donor", Amount: amt("1"), CaseID: "missing"}, nil))
	assert.Equal(t, http.StatusBadRequest, a.do("POST", "/api/bf/contribute",
		ContributeRequest{Contributor: "donor", Amount: amt("-5"), CaseID: c.ID}, nil))
	assert.Equal(t, http.StatusBadRequest, a.do("POST", "/api/bf/contribute",
		ContributeRequest{Contributor: "donor", Amount: amt("5"), CaseID: c.ID, WalletAddress: "0101BF00777"}, nil))

	// Target reached.
	require.Equal(t, http.StatusCreated, a.do("POST", "/api/bf/contribute",
		ContributeRequest{Contributor: "donor", Amount: amt("100"), CaseID: c.ID}, nil))
	var detail CaseDTO
	require.Equal(t, http.StatusOK, a.do("GET", "/api/bf/case/"+c.ID, nil, &detail))
	assert.Equal(t, "Complete", detail.ContributionStatus)

	// Only admins close; closed cases take no money; funds with money stay.
	assert.Equal(t, http.StatusUnauthorized, a.do("POST", "/api/bf/case/"+c.ID+"/close", CloseCaseRequest{UserID: "member"}, nil))
	require.Equal(t, http.StatusOK, a.do("POST", "/api/bf/case/"+c.ID+"/close", CloseCaseRequest{UserID: "admin"}, &detail))
	assert.Equal(t, "Closed", detail.Status)
	assert.NotNil(t, detail.ClosedAt)
	assert.Equal(t, http.StatusConflict, a.do("POST", "/api/bf/contribute",
		ContributeRequest{Contributor: "donor", Amount: amt("1"), CaseID: c.ID}, nil))
	assert.Equal(t, http.StatusConflict, a.do("DELETE", "/api/bf/"+f.ID, nil, nil))
}

func TestAPI_GetGroupFund(t *testing.T) {
	a := newTestAPI(t, RouterOptions{})
	a.seedUsers()

	var created FundDTO
	require.Equal(t, http.StatusCreated, a.do("POST", "/api/bf", map[string]any{
		"fund_name": "Village Welfare", "created_by": "admin", "group_id": "kampala-office",
	}, &created))

	var got FundDTO
	require.Equal(t, http.StatusOK, a.do("GET", "/api/bf/group/kampala-office", nil, &got))
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, created.WalletAddress, got.WalletAddress)

	assert.Equal(t, http.StatusNotFound, a.do("GET", "/api/bf/group/nowhere", nil, nil))
}

func TestAPI_DeleteEmptyFund(t *testing.T) {
	a := newTestAPI(t, RouterOptions{})
	a.seedUsers()
	f := a.createFund("0")

	assert.Equal(t, http.StatusNoContent, a.do("DELETE", "/api/bf/"+f.ID, nil, nil))
	assert.Equal(t, http.StatusNotFound, a.do("GET", "/api/bf/"+f.ID, nil, nil))
	assert.Equal(t, http.StatusNotFound, a.do("DELETE", "/api/bf/"+f.ID, nil, nil))
}

func TestAPI_Users(t *testing.T) {
	a := newTestAPI(t, RouterOptions{})

	var u UserDTO
	require.Equal(t, http.StatusCreated, a.do("POST", "/api/users", CreateUserRequest{Name: "Anon"}, &u))
	assert.NotEmpty(t, u.ID)
	require.Equal(t, http.StatusOK, a.do("GET", "/api/users/"+u.ID, nil, &u))
	assert.Equal(t, "Anon", u.Name)

	assert.Equal(t, http.StatusBadRequest, a.do("POST", "/api/users", CreateUserRequest{Name: "X", Email: "not-an-email"}, nil))
	assert.Equal(t, http.StatusConflict, a.do("POST", "/api/users", CreateUserRequest{ID: u.ID, Name: "Again"}, nil))
	assert.Equal(t, http.StatusNotFound, a.do("GET", "/api/users/nobody", nil, nil))
}

// =============================================================================
// AUTH
// =============================================================================

func TestAPI_Auth(t *testing.T) {
	a := newTestAPI(t, RouterOptions{JWTSecret: "s3cret"})

	assert.Equal(t, http.StatusUnauthorized, a.do("POST", "/api/users", CreateUserRequest{ID: "admin", Name: "Grace"}, nil))

	a.token = signToken(t, "wrong", jwt.MapClaims{"sub": "admin"})
	assert.Equal(t, http.StatusUnauthorized, a.do("POST", "/api/users", CreateUserRequest{ID: "admin", Name: "Grace"}, nil))

	a.token = signToken(t, "s3cret", jwt.MapClaims{"_id": "admin", "exp": time.Now().Add(time.Hour).Unix()})
	require.Equal(t, http.StatusCreated, a.do("POST", "/api/users", CreateUserRequest{ID: "admin", Name: "Grace"}, nil))

	// created_by and userId default to the token subject
	var f FundDTO
	require.Equal(t, http.StatusCreated, a.do("POST", "/api/bf", map[string]any{"fund_name": "F"}, &f))
	assert.Equal(t, "admin", f.CreatedBy)

	var w WalletDTO
	require.Equal(t, http.StatusOK, a.do("PUT", "/api/bf/update-wallet-balance",
		UpdateBalanceRequest{WalletAddress: f.WalletAddress, Amount: amt("10")}, &w))
	assert.Equal(t, "admin", w.History[0].Actor)

	// acting as someone else is refused
	assert.Equal(t, http.StatusUnauthorized, a.do("PUT", "/api/bf/update-wallet-balance",
		UpdateBalanceRequest{WalletAddress: f.WalletAddress, UserID: "mallory", Amount: amt("10")}, nil))

	a.token = signToken(t, "s3cret", jwt.MapClaims{"sub": "admin", "exp": time.Now().Add(-time.Minute).Unix()})
	assert.Equal(t, http.StatusUnauthorized, a.do("GET", "/api/bf/"+f.ID, nil, nil))

	// health and metrics stay public
	a.token = ""
	assert.Equal(t, http.StatusOK, a.do("GET", "/healthz", nil, nil))
}

// =============================================================================
// WEBSOCKET, HEALTH, METRICS
// =============================================================================

func TestAPI_WalletStream(t *testing.T) {
	a := newTestAPI(t, RouterOptions{})
	ctx := context.Background()
	ledger := a.workflow.Ledger()
	w, err := ledger.CreateWallet(ctx, wallet.OwnerUser, "u1")
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(a.srv.URL, "http") + "/api/ws/wallets/" + string(w.Address)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return a.hub.Subscribers(string(w.Address)) == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err = ledger.Credit(ctx, w.Address, amt("15.50"), "u1")
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var e notify.Event
	require.NoError(t, conn.ReadJSON(&e))
	assert.Equal(t, notify.KindBalanceChanged, e.Kind)
	assert.True(t, amt("15.50").Equal(e.Balance))

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(a.srv.URL, "http")+"/api/ws/wallets/0101US09999", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_HealthAndMetrics(t *testing.T) {
	a := newTestAPI(t, RouterOptions{})

	var body map[string]string
	require.Equal(t, http.StatusOK, a.do("GET", "/healthz", nil, &body))
	assert.Equal(t, "ok", body["status"])

	resp, err := http.Get(a.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{wallet.ErrWalletNotFound, http.StatusNotFound},
		{bf.ErrCaseNotFound, http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", bf.ErrPrincipalNotFound), http.StatusNotFound},
		{wallet.ErrInvalidAmount, http.StatusBadRequest},
		{bf.ErrWalletMismatch, http.StatusBadRequest},
		{&wallet.InsufficientFundsError{Address: "a", Available: amt("1"), Requested: amt("2")}, http.StatusConflict},
		{wallet.ErrDuplicateWallet, http.StatusConflict},
		{bf.ErrCaseClosed, http.StatusConflict},
		{bf.ErrFundNotEmpty, http.StatusConflict},
		{bf.ErrUnauthorized, http.StatusUnauthorized},
		{wallet.ErrGenerationConflict, http.StatusInternalServerError},
		{wallet.ErrConcurrentModification, http.StatusInternalServerError},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}
