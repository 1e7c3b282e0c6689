package wallet_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twezimbe/bf-ledger/notify"
	"github.com/twezimbe/bf-ledger/wallet"
	"github.com/twezimbe/bf-ledger/wallet/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestLedger(opts wallet.Options) (*wallet.Ledger, *store.TxMemory) {
	mem := store.NewTxMemory()
	if opts.Now == nil {
		opts.Now = fixedClock(2025, time.January, 1)
	}
	return wallet.NewLedger(mem, opts), mem
}

func amt(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func mustWallet(t *testing.T, l *wallet.Ledger, ownerType wallet.OwnerType, ref string) *wallet.Wallet {
	t.Helper()
	w, err := l.CreateWallet(context.Background(), ownerType, ref)
	require.NoError(t, err)
	return w
}

// flakyStore fails the first n transactions with ErrConcurrentModification.
type flakyStore struct {
	*store.TxMemory
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyStore) WithTx(ctx context.Context, fn func(wallet.Store) error) error {
	f.mu.Lock()
	f.calls++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return wallet.ErrConcurrentModification
	}
	return f.TxMemory.WithTx(ctx, fn)
}

// =============================================================================
// SCENARIO
// =============================================================================

func TestLedger_FundWalletScenario(t *testing.T) {
	// GIVEN: clock at 1 January
	// WHEN: a fund wallet is created, credited, topped up and drained
	// THEN: address, balances and history follow each step
	ctx := context.Background()
	l, _ := newTestLedger(wallet.Options{})

	fund := mustWallet(t, l, wallet.OwnerFund, "fund-1")
	assert.Equal(t, wallet.Address("0101BF00001"), fund.Address)
	assert.True(t, fund.Balance.IsZero())
	assert.Empty(t, fund.History)

	w, err := l.Credit(ctx, fund.Address, amt("50000"), "user-1")
	require.NoError(t, err)
	assert.True(t, amt("50000").Equal(w.Balance))
	require.Len(t, w.History, 1)
	assert.Equal(t, wallet.TxCredit, w.History[0].Type)
	assert.Equal(t, "user-1", w.History[0].Actor)

	w, err = l.Credit(ctx, fund.Address, amt("20000"), "user-2", wallet.WithReference("contribution-1"))
	require.NoError(t, err)
	assert.True(t, amt("70000").Equal(w.Balance))
	assert.Equal(t, "contribution-1", w.History[1].Reference)

	w, err = l.Debit(ctx, fund.Address, amt("70000"), "user-1")
	require.NoError(t, err)
	assert.True(t, w.Balance.IsZero())
	require.Len(t, w.History, 3)
	assert.Equal(t, wallet.TxDebit, w.History[2].Type)
	assert.True(t, w.History[2].BalanceAfter.IsZero())
}

// =============================================================================
// CREATE WALLET
// =============================================================================

func TestLedger_CreateWallet_ParallelAddressesAreUnique(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(wallet.Options{})

	const n = 50
	addrs := make([]wallet.Address, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w, err := l.CreateWallet(ctx, wallet.OwnerUser, fmt.Sprintf("user-%d", i))
			errs[i] = err
			if w != nil {
				addrs[i] = w.Address
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[wallet.Address]bool)
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.False(t, seen[addrs[i]], "duplicate address %s", addrs[i])
		seen[addrs[i]] = true
	}
	assert.Len(t, seen, n)
}

func TestLedger_CreateWallet_OneWalletPerOwner(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(wallet.Options{})
	mustWallet(t, l, wallet.OwnerUser, "user-1")

	_, err := l.CreateWallet(ctx, wallet.OwnerUser, "user-1")
	assert.ErrorIs(t, err, wallet.ErrDuplicateWallet)

	// Same ref under the other owner type is a different owner.
	_, err = l.CreateWallet(ctx, wallet.OwnerFund, "user-1")
	assert.NoError(t, err)
}

func TestLedger_CreateWallet_InvalidOwner(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(wallet.Options{})

	_, err := l.CreateWallet(ctx, wallet.OwnerUser, "  ")
	assert.ErrorIs(t, err, wallet.ErrInvalidOwner)

	_, err = l.CreateWallet(ctx, wallet.OwnerType("Group"), "g-1")
	assert.ErrorIs(t, err, wallet.ErrInvalidOwner)
}

func TestLedger_CreateWallet_SkipsTakenAddress(t *testing.T) {
	// GIVEN: 0101BF00001 already exists but the counter does not know it
	// WHEN: creating a fund wallet
	// THEN: the ledger retries and takes 0101BF00002
	ctx := context.Background()
	l, mem := newTestLedger(wallet.Options{})
	require.NoError(t, mem.InsertWallet(ctx, wallet.Wallet{
		Address: "0101BF00001", OwnerType: wallet.OwnerFund, OwnerRef: "imported",
	}))

	w, err := l.CreateWallet(ctx, wallet.OwnerFund, "fund-1")
	require.NoError(t, err)
	assert.Equal(t, wallet.Address("0101BF00002"), w.Address)
}

func TestLedger_CreateWallet_GenerationConflictAfterRetries(t *testing.T) {
	ctx := context.Background()
	l, mem := newTestLedger(wallet.Options{GenerationAttempts: 2})
	for i, addr := range []wallet.Address{"0101BF00001", "0101BF00002"} {
		require.NoError(t, mem.InsertWallet(ctx, wallet.Wallet{
			Address: addr, OwnerType: wallet.OwnerFund, OwnerRef: fmt.Sprintf("imported-%d", i),
		}))
	}

	_, err := l.CreateWallet(ctx, wallet.OwnerFund, "fund-1")
	assert.ErrorIs(t, err, wallet.ErrGenerationConflict)

	_, err = l.GetWalletByOwner(ctx, wallet.OwnerFund, "fund-1")
	assert.ErrorIs(t, err, wallet.ErrWalletNotFound)
}

func TestLedger_CreateWallet_ExternalSequencer(t *testing.T) {
	ctx := context.Background()
	seq := store.NewMemory()
	seq.SetSequence("0101US", 41)
	l, _ := newTestLedger(wallet.Options{Sequencer: seq})

	w, err := l.CreateWallet(ctx, wallet.OwnerUser, "user-1")
	require.NoError(t, err)
	assert.Equal(t, wallet.Address("0101US00042"), w.Address)
}

// =============================================================================
// MOVEMENTS
// =============================================================================

func TestLedger_Debit_InsufficientFunds(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(wallet.Options{})
	w := mustWallet(t, l, wallet.OwnerUser, "user-1")
	_, err := l.Credit(ctx, w.Address, amt("100"), "user-1")
	require.NoError(t, err)

	_, err = l.Debit(ctx, w.Address, amt("100.01"), "user-1")
	require.ErrorIs(t, err, wallet.ErrInsufficientFunds)

	var ife *wallet.InsufficientFundsError
	require.True(t, errors.As(err, &ife))
	assert.True(t, amt("100").Equal(ife.Available))
	assert.True(t, amt("100.01").Equal(ife.Requested))

	bal, err := l.GetBalance(ctx, w.Address)
	require.NoError(t, err)
	assert.True(t, amt("100").Equal(bal))
}

func TestLedger_Debit_OverdraftWhenAllowed(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(wallet.Options{AllowOverdraft: true})
	w := mustWallet(t, l, wallet.OwnerUser, "user-1")

	got, err := l.Debit(ctx, w.Address, amt("25"), "user-1")
	require.NoError(t, err)
	assert.True(t, amt("-25").Equal(got.Balance))
}

func TestLedger_InvalidAmounts(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(wallet.Options{})
	w := mustWallet(t, l, wallet.OwnerUser, "user-1")

	for _, a := range []string{"0", "-5", "0.001"} {
		_, err := l.Credit(ctx, w.Address, amt(a), "user-1")
		assert.ErrorIs(t, err, wallet.ErrInvalidAmount, a)
	}

	_, err := l.Credit(ctx, w.Address, amt("1"), "")
	assert.ErrorIs(t, err, wallet.ErrMissingActor)

	hist, err := l.GetHistory(ctx, w.Address)
	require.NoError(t, err)
	assert.Empty(t, hist)
}

func TestLedger_UnknownWallet(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(wallet.Options{})

	_, err := l.Credit(ctx, "0101US99999", amt("1"), "user-1")
	assert.True(t, wallet.IsNotFound(err))

	_, err = l.GetHistory(ctx, "0101US99999")
	assert.True(t, wallet.IsNotFound(err))
}

func TestLedger_Transfer_MovesBothSides(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(wallet.Options{})
	a := mustWallet(t, l, wallet.OwnerUser, "user-1")
	b := mustWallet(t, l, wallet.OwnerFund, "fund-1")
	_, err := l.Credit(ctx, a.Address, amt("300"), "user-1")
	require.NoError(t, err)

	src, dst, err := l.Transfer(ctx, a.Address, b.Address, amt("120.50"), "user-1")
	require.NoError(t, err)
	assert.True(t, amt("179.50").Equal(src.Balance))
	assert.True(t, amt("120.50").Equal(dst.Balance))

	debit := src.History[len(src.History)-1]
	credit := dst.History[len(dst.History)-1]
	assert.Equal(t, b.Address, debit.Counterparty)
	assert.Equal(t, a.Address, credit.Counterparty)
	assert.NotEmpty(t, debit.Reference)
	assert.Equal(t, debit.Reference, credit.Reference)
}

func TestLedger_Transfer_SameWallet(t *testing.T) {
	l, _ := newTestLedger(wallet.Options{})
	a := mustWallet(t, l, wallet.OwnerUser, "user-1")

	_, _, err := l.Transfer(context.Background(), a.Address, a.Address, amt("1"), "user-1")
	assert.ErrorIs(t, err, wallet.ErrSameWallet)
}

func TestLedger_Transfer_RollsBackOnFailure(t *testing.T) {
	// GIVEN: the log rejects the credit half of a transfer
	// WHEN: transferring
	// THEN: neither wallet changes and no log entry is kept
	ctx := context.Background()
	l, mem := newTestLedger(wallet.Options{})
	a := mustWallet(t, l, wallet.OwnerUser, "user-1")
	b := mustWallet(t, l, wallet.OwnerUser, "user-2")
	_, err := l.Credit(ctx, a.Address, amt("100"), "user-1")
	require.NoError(t, err)

	boom := errors.New("disk full")
	mem.InjectFailure(func(tx wallet.Transaction) error {
		if tx.Type == wallet.TxCredit {
			return boom
		}
		return nil
	})
	_, _, err = l.Transfer(ctx, a.Address, b.Address, amt("40"), "user-1")
	require.ErrorIs(t, err, boom)
	mem.InjectFailure(nil)

	srcBal, _ := l.GetBalance(ctx, a.Address)
	dstBal, _ := l.GetBalance(ctx, b.Address)
	assert.True(t, amt("100").Equal(srcBal))
	assert.True(t, dstBal.IsZero())

	all, err := l.Transactions(ctx, wallet.TxFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestLedger_ConcurrentCreditsAllApplied(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(wallet.Options{})
	w := mustWallet(t, l, wallet.OwnerFund, "fund-1")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Credit(ctx, w.Address, amt("10"), "user-1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := l.GetWallet(ctx, w.Address)
	require.NoError(t, err)
	assert.True(t, amt("200").Equal(got.Balance))
	assert.Len(t, got.History, 20)
	assert.EqualValues(t, 20, got.Version)
}

func TestLedger_RetriesConcurrentModification(t *testing.T) {
	ctx := context.Background()
	mem := store.NewTxMemory()
	flaky := &flakyStore{TxMemory: mem}
	l := wallet.NewLedger(flaky, wallet.Options{MaxRetries: 2, Now: fixedClock(2025, time.January, 1)})
	w := mustWallet(t, l, wallet.OwnerUser, "user-1")

	flaky.failures = 2
	_, err := l.Credit(ctx, w.Address, amt("5"), "user-1")
	require.NoError(t, err)

	flaky.failures = 3
	_, err = l.Credit(ctx, w.Address, amt("5"), "user-1")
	assert.ErrorIs(t, err, wallet.ErrConcurrentModification)

	bal, _ := l.GetBalance(ctx, w.Address)
	assert.True(t, amt("5").Equal(bal))
}

// =============================================================================
// READS & INVARIANTS
// =============================================================================

func TestLedger_ReadsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(wallet.Options{})
	w := mustWallet(t, l, wallet.OwnerUser, "user-1")
	_, err := l.Credit(ctx, w.Address, amt("12.34"), "user-1")
	require.NoError(t, err)

	first, err := l.GetWallet(ctx, w.Address)
	require.NoError(t, err)
	second, err := l.GetWallet(ctx, w.Address)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	byOwner, err := l.GetWalletByOwner(ctx, wallet.OwnerUser, "user-1")
	require.NoError(t, err)
	assert.Equal(t, first, byOwner)
}

func TestLedger_BalanceEqualsHistorySum(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(wallet.Options{})
	a := mustWallet(t, l, wallet.OwnerUser, "user-1")
	b := mustWallet(t, l, wallet.OwnerUser, "user-2")

	_, err := l.Credit(ctx, a.Address, amt("500"), "user-1")
	require.NoError(t, err)
	_, err = l.Debit(ctx, a.Address, amt("75.25"), "user-1")
	require.NoError(t, err)
	_, _, err = l.Transfer(ctx, a.Address, b.Address, amt("100"), "user-1")
	require.NoError(t, err)
	_, err = l.Debit(ctx, a.Address, amt("1000"), "user-1")
	require.Error(t, err)

	for _, addr := range []wallet.Address{a.Address, b.Address} {
		w, err := l.GetWallet(ctx, addr)
		require.NoError(t, err)
		assert.True(t, wallet.SumHistory(w.History).Equal(w.Balance), addr)
	}

	diffs, err := l.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, diffs)
}

func TestLedger_Reconcile_ReportsDrift(t *testing.T) {
	ctx := context.Background()
	l, mem := newTestLedger(wallet.Options{})
	w := mustWallet(t, l, wallet.OwnerUser, "user-1")
	_, err := l.Credit(ctx, w.Address, amt("10"), "user-1")
	require.NoError(t, err)

	// Bypass the ledger.
	require.NoError(t, mem.UpdateBalance(ctx, w.Address, amt("11"), 1))

	diffs, err := l.Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, diffs, 1)
	assert.Equal(t, w.Address, diffs[0].Address)
	assert.True(t, amt("10").Equal(diffs[0].LogSum))
}

func TestLedger_Transactions_Filter(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(wallet.Options{})
	a := mustWallet(t, l, wallet.OwnerUser, "user-1")
	b := mustWallet(t, l, wallet.OwnerUser, "user-2")
	_, _ = l.Credit(ctx, a.Address, amt("1"), "user-1")
	_, _ = l.Credit(ctx, b.Address, amt("2"), "user-2")
	_, _ = l.Credit(ctx, a.Address, amt("3"), "user-2")

	byWallet, err := l.Transactions(ctx, wallet.TxFilter{Wallet: a.Address})
	require.NoError(t, err)
	assert.Len(t, byWallet, 2)

	byActor, err := l.Transactions(ctx, wallet.TxFilter{Actor: "user-2"})
	require.NoError(t, err)
	assert.Len(t, byActor, 2)

	limited, err := l.Transactions(ctx, wallet.TxFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestLedger_DeleteWallet(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(wallet.Options{})
	w := mustWallet(t, l, wallet.OwnerUser, "user-1")
	_, err := l.Credit(ctx, w.Address, amt("10"), "user-1")
	require.NoError(t, err)

	assert.ErrorIs(t, l.DeleteWallet(ctx, w.Address), wallet.ErrWalletNotEmpty)

	_, err = l.Debit(ctx, w.Address, amt("10"), "user-1")
	require.NoError(t, err)
	require.NoError(t, l.DeleteWallet(ctx, w.Address))

	_, err = l.GetWallet(ctx, w.Address)
	assert.True(t, wallet.IsNotFound(err))

	// The log outlives the wallet record.
	txs, err := l.Transactions(ctx, wallet.TxFilter{Wallet: w.Address})
	require.NoError(t, err)
	assert.Len(t, txs, 2)
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

func TestLedger_EmitsBalanceEvents(t *testing.T) {
	ctx := context.Background()
	rec := notify.NewRecorder(10)
	l, _ := newTestLedger(wallet.Options{Notifier: rec})
	a := mustWallet(t, l, wallet.OwnerUser, "user-1")
	b := mustWallet(t, l, wallet.OwnerUser, "user-2")

	_, err := l.Credit(ctx, a.Address, amt("10"), "user-1")
	require.NoError(t, err)
	_, _, err = l.Transfer(ctx, a.Address, b.Address, amt("4"), "user-1")
	require.NoError(t, err)
	_, err = l.Debit(ctx, a.Address, amt("1000"), "user-1")
	require.Error(t, err)

	events := rec.Events()
	require.Len(t, events, 3)
	assert.Equal(t, notify.KindBalanceChanged, events[0].Kind)
	assert.True(t, amt("10").Equal(events[0].Balance))
	assert.Equal(t, string(b.Address), events[2].WalletAddress)
	assert.True(t, amt("4").Equal(events[2].Balance))
}

func TestLedger_BoundLedgerBuffersEvents(t *testing.T) {
	ctx := context.Background()
	rec := notify.NewRecorder(10)
	l, mem := newTestLedger(wallet.Options{Notifier: rec})
	w := mustWallet(t, l, wallet.OwnerUser, "user-1")
	rec.Events()

	var outbox []notify.Event
	err := mem.WithTx(ctx, func(s wallet.Store) error {
		_, err := l.Bind(s, &outbox).Credit(ctx, w.Address, amt("7"), "user-1")
		return err
	})
	require.NoError(t, err)

	assert.Empty(t, rec.Events())
	require.Len(t, outbox, 1)
	assert.Equal(t, string(w.Address), outbox[0].WalletAddress)
}
