/*
ledger.go - Balance-changing operations over a TxStore

PURPOSE:
  Ledger is the only writer of wallet balances. Each operation runs inside
  one store transaction that reads the wallet, applies the movement,
  performs a version-conditional balance update and appends the log entry.
  Either all of it is kept or none of it.

OPERATIONS:
  CreateWallet  allocate an address, one wallet per owner
  Credit        add funds
  Debit         remove funds, overdraft rejected unless AllowOverdraft
  Transfer      debit + credit in one transaction, shared reference
  DeleteWallet  remove an empty wallet record, the log is kept

RETRIES:
  ErrConcurrentModification is retried up to MaxRetries times by re-running
  the whole transaction. A ledger bound to an outer transaction (Bind) never
  retries; the outer owner decides.

NOTIFICATIONS:
  Events are built from the committed result and handed to the Notifier
  after the transaction returns. A bound ledger appends them to the outbox
  instead, so the outer owner can emit them after its own commit.
*/
package wallet

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/twezimbe/bf-ledger/metrics"
	"github.com/twezimbe/bf-ledger/notify"
)

const (
	DefaultGenerationAttempts = 5
	DefaultMaxRetries         = 3
)

type Options struct {
	// AllowOverdraft lets debits take a balance below zero.
	AllowOverdraft bool

	// GenerationAttempts bounds address allocation retries on duplicates.
	GenerationAttempts int

	// MaxRetries bounds re-runs after ErrConcurrentModification.
	MaxRetries int

	// Sequencer overrides the store's own counter (e.g. Redis INCR).
	Sequencer Sequencer

	Generator *AddressGenerator
	Notifier  notify.Notifier
	Logger    *zap.Logger
	Now       func() time.Time
}

type Ledger struct {
	store TxStore
	opts  Options

	// Set by Bind.
	bound  Store
	outbox *[]notify.Event
}

func NewLedger(store TxStore, opts Options) *Ledger {
	if opts.GenerationAttempts <= 0 {
		opts.GenerationAttempts = DefaultGenerationAttempts
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	} else if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Generator == nil {
		opts.Generator = NewAddressGenerator()
		opts.Generator.Now = opts.Now
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Ledger{store: store, opts: opts}
}

// Bind returns a ledger that runs directly on s, an already open
// transaction. Events are appended to outbox rather than sent.
func (l *Ledger) Bind(s Store, outbox *[]notify.Event) *Ledger {
	return &Ledger{store: l.store, opts: l.opts, bound: s, outbox: outbox}
}

// Store returns the underlying store.
func (l *Ledger) Store() TxStore { return l.store }

// =============================================================================
// WALLET LIFECYCLE
// =============================================================================

// CreateWallet allocates an address for the owner and persists an empty
// wallet. Returns ErrDuplicateWallet if the owner already has one and
// ErrGenerationConflict if no free address was found.
func (l *Ledger) CreateWallet(ctx context.Context, ownerType OwnerType, ownerRef string) (*Wallet, error) {
	start := time.Now()
	w, err := l.createWallet(ctx, ownerType, ownerRef)
	metrics.ObserveOperation("create_wallet", start, err)
	if err != nil {
		return nil, err
	}
	l.opts.Logger.Info("wallet created",
		zap.String("address", string(w.Address)),
		zap.String("owner_type", string(w.OwnerType)),
		zap.String("owner_ref", w.OwnerRef))
	return w, nil
}

func (l *Ledger) createWallet(ctx context.Context, ownerType OwnerType, ownerRef string) (*Wallet, error) {
	if !ownerType.Valid() {
		return nil, fmt.Errorf("%w: owner type %q", ErrInvalidOwner, ownerType)
	}
	ownerRef = strings.TrimSpace(ownerRef)
	if ownerRef == "" {
		return nil, fmt.Errorf("%w: owner reference is empty", ErrInvalidOwner)
	}

	var created Wallet
	err := l.run(ctx, func(s Store) error {
		if _, err := s.GetWalletByOwner(ctx, ownerType, ownerRef); err == nil {
			return fmt.Errorf("%w: %s %s", ErrDuplicateWallet, ownerType, ownerRef)
		} else if !IsNotFound(err) {
			return err
		}

		seq := l.opts.Sequencer
		if seq == nil {
			seq = s
		}
		now := l.opts.Now().UTC()
		for attempt := 1; attempt <= l.opts.GenerationAttempts; attempt++ {
			addr, err := l.opts.Generator.Generate(ctx, seq, ownerType.Code())
			if err != nil {
				return err
			}
			w := Wallet{
				Address:   addr,
				OwnerType: ownerType,
				OwnerRef:  ownerRef,
				Balance:   decimal.Zero,
				CreatedAt: now,
				UpdatedAt: now,
			}
			err = s.InsertWallet(ctx, w)
			if err == nil {
				created = w
				return l.recordSequence(ctx, s, addr)
			}
			if !errors.Is(err, ErrDuplicateAddress) {
				return err
			}
			metrics.AddressConflicts.Inc()
			l.opts.Logger.Warn("generated wallet address already taken",
				zap.String("address", string(addr)),
				zap.Int("attempt", attempt))
		}
		return fmt.Errorf("%w: no free address after %d attempts", ErrGenerationConflict, l.opts.GenerationAttempts)
	})
	if err != nil {
		return nil, err
	}
	created.History = []Transaction{}
	return &created, nil
}

// recordSequence writes a number drawn from an external sequencer back to
// the store's own counter, so the store can take over allocation later.
func (l *Ledger) recordSequence(ctx context.Context, s Store, addr Address) error {
	if l.opts.Sequencer == nil {
		return nil
	}
	seeder, ok := s.(SequenceSeeder)
	if !ok {
		return nil
	}
	scope, n, err := SplitAddress(addr, l.opts.Generator.codeWidth())
	if err != nil {
		return err
	}
	_, err = seeder.Seed(ctx, scope, n)
	return err
}

// DeleteWallet removes a wallet with a zero balance. Its log entries stay.
func (l *Ledger) DeleteWallet(ctx context.Context, address Address) error {
	start := time.Now()
	err := l.run(ctx, func(s Store) error {
		w, err := s.GetWallet(ctx, address)
		if err != nil {
			return err
		}
		if !w.Balance.IsZero() {
			return fmt.Errorf("%w: %s holds %s", ErrWalletNotEmpty, address, w.Balance)
		}
		return s.DeleteWallet(ctx, address)
	})
	metrics.ObserveOperation("delete_wallet", start, err)
	return err
}

// =============================================================================
// MOVEMENTS
// =============================================================================

// PostOption customises a single movement.
type PostOption func(*posting)

type posting struct {
	reference string
}

// WithReference tags the log entries with an external reference such as a
// contribution id.
func WithReference(ref string) PostOption {
	return func(p *posting) { p.reference = ref }
}

func (l *Ledger) Credit(ctx context.Context, address Address, amount decimal.Decimal, actor string, opts ...PostOption) (*Wallet, error) {
	return l.post(ctx, "credit", address, TxCredit, amount, actor, opts)
}

func (l *Ledger) Debit(ctx context.Context, address Address, amount decimal.Decimal, actor string, opts ...PostOption) (*Wallet, error) {
	return l.post(ctx, "debit", address, TxDebit, amount, actor, opts)
}

func (l *Ledger) post(ctx context.Context, op string, address Address, typ TxType, amount decimal.Decimal, actor string, opts []PostOption) (*Wallet, error) {
	start := time.Now()
	p := newPosting(opts)

	var w *Wallet
	err := validateMovement(amount, actor)
	if err == nil {
		err = l.run(ctx, func(s Store) error {
			var err error
			w, _, err = l.apply(ctx, s, address, typ, amount, actor, "", p.reference)
			if err != nil {
				return err
			}
			w.History, err = s.History(ctx, address)
			return err
		})
	}
	metrics.ObserveOperation(op, start, err)
	if err != nil {
		return nil, err
	}

	l.emit(ctx, balanceEvent(w, typ, amount, actor, p.reference, l.opts.Now()))
	return w, nil
}

// Transfer moves amount from one wallet to another atomically. Both log
// entries share a reference; one is generated when none is given.
func (l *Ledger) Transfer(ctx context.Context, from, to Address, amount decimal.Decimal, actor string, opts ...PostOption) (*Wallet, *Wallet, error) {
	start := time.Now()
	p := newPosting(opts)
	if p.reference == "" {
		p.reference = "TRF-" + string(newTransactionID(l.opts.Now()))
	}

	var src, dst *Wallet
	err := validateMovement(amount, actor)
	if err == nil && from == to {
		err = fmt.Errorf("%w: %s", ErrSameWallet, from)
	}
	if err == nil {
		err = l.run(ctx, func(s Store) error {
			var err error
			if src, _, err = l.apply(ctx, s, from, TxDebit, amount, actor, to, p.reference); err != nil {
				return err
			}
			if dst, _, err = l.apply(ctx, s, to, TxCredit, amount, actor, from, p.reference); err != nil {
				return err
			}
			if src.History, err = s.History(ctx, from); err != nil {
				return err
			}
			dst.History, err = s.History(ctx, to)
			return err
		})
	}
	metrics.ObserveOperation("transfer", start, err)
	if err != nil {
		return nil, nil, err
	}

	now := l.opts.Now()
	l.emit(ctx,
		balanceEvent(src, TxDebit, amount, actor, p.reference, now),
		balanceEvent(dst, TxCredit, amount, actor, p.reference, now))
	return src, dst, nil
}

// apply performs one movement on one wallet inside s.
func (l *Ledger) apply(ctx context.Context, s Store, address Address, typ TxType, amount decimal.Decimal, actor string, counterparty Address, reference string) (*Wallet, Transaction, error) {
	w, err := s.GetWallet(ctx, address)
	if err != nil {
		return nil, Transaction{}, err
	}

	next := w.Balance.Add(amount)
	if typ == TxDebit {
		next = w.Balance.Sub(amount)
		if next.IsNegative() && !l.opts.AllowOverdraft {
			return nil, Transaction{}, &InsufficientFundsError{
				Address:   address,
				Available: w.Balance,
				Requested: amount,
			}
		}
	}

	if err := s.UpdateBalance(ctx, address, next, w.Version); err != nil {
		return nil, Transaction{}, err
	}

	now := l.opts.Now().UTC()
	tx := Transaction{
		ID:            newTransactionID(now),
		WalletAddress: address,
		Type:          typ,
		Amount:        amount,
		Actor:         actor,
		Counterparty:  counterparty,
		Reference:     reference,
		BalanceAfter:  next,
		CreatedAt:     now,
	}
	if err := s.AppendTransaction(ctx, tx); err != nil {
		return nil, Transaction{}, err
	}

	w.Balance = next
	w.Version++
	w.UpdatedAt = now
	return w, tx, nil
}

// =============================================================================
// READS
// =============================================================================

// GetWallet returns the wallet with its history.
func (l *Ledger) GetWallet(ctx context.Context, address Address) (*Wallet, error) {
	s := l.reader()
	w, err := s.GetWallet(ctx, address)
	if err != nil {
		return nil, err
	}
	if w.History, err = s.History(ctx, address); err != nil {
		return nil, err
	}
	return w, nil
}

// GetWalletByOwner returns the owner's wallet with its history.
func (l *Ledger) GetWalletByOwner(ctx context.Context, ownerType OwnerType, ownerRef string) (*Wallet, error) {
	w, err := l.reader().GetWalletByOwner(ctx, ownerType, strings.TrimSpace(ownerRef))
	if err != nil {
		return nil, err
	}
	return l.GetWallet(ctx, w.Address)
}

func (l *Ledger) GetBalance(ctx context.Context, address Address) (decimal.Decimal, error) {
	w, err := l.reader().GetWallet(ctx, address)
	if err != nil {
		return decimal.Zero, err
	}
	return w.Balance, nil
}

// GetHistory returns the wallet's log entries in insertion order.
func (l *Ledger) GetHistory(ctx context.Context, address Address) ([]Transaction, error) {
	s := l.reader()
	if _, err := s.GetWallet(ctx, address); err != nil {
		return nil, err
	}
	return s.History(ctx, address)
}

// Transactions queries the log across wallets.
func (l *Ledger) Transactions(ctx context.Context, filter TxFilter) ([]Transaction, error) {
	return l.reader().Transactions(ctx, filter)
}

// Reconcile checks every wallet's balance against the sum of its log.
func (l *Ledger) Reconcile(ctx context.Context) ([]Discrepancy, error) {
	s := l.reader()
	wallets, err := s.ListWallets(ctx)
	if err != nil {
		return nil, err
	}

	var out []Discrepancy
	for _, w := range wallets {
		txs, err := s.History(ctx, w.Address)
		if err != nil {
			return nil, err
		}
		sum := SumHistory(txs)
		if !sum.Equal(w.Balance) {
			out = append(out, Discrepancy{Address: w.Address, Balance: w.Balance, LogSum: sum})
			l.opts.Logger.Error("wallet balance disagrees with transaction log",
				zap.String("address", string(w.Address)),
				zap.String("balance", w.Balance.String()),
				zap.String("log_sum", sum.String()))
		}
	}
	metrics.ReconcileDiscrepancies.Set(float64(len(out)))
	return out, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (l *Ledger) run(ctx context.Context, fn func(Store) error) error {
	if l.bound != nil {
		return fn(l.bound)
	}
	var err error
	for attempt := 0; attempt <= l.opts.MaxRetries; attempt++ {
		err = l.store.WithTx(ctx, fn)
		if !IsRetryable(err) {
			return err
		}
		l.opts.Logger.Debug("retrying after concurrent modification", zap.Int("attempt", attempt+1))
	}
	return err
}

func (l *Ledger) reader() Store {
	if l.bound != nil {
		return l.bound
	}
	return l.store
}

func (l *Ledger) emit(ctx context.Context, events ...notify.Event) {
	if l.outbox != nil {
		*l.outbox = append(*l.outbox, events...)
		return
	}
	if l.bound != nil {
		return
	}
	for _, e := range events {
		l.opts.Notifier.Notify(ctx, e)
	}
}

func newPosting(opts []PostOption) posting {
	var p posting
	for _, o := range opts {
		o(&p)
	}
	return p
}

func validateMovement(amount decimal.Decimal, actor string) error {
	if err := ValidateAmount(amount); err != nil {
		return err
	}
	if strings.TrimSpace(actor) == "" {
		return ErrMissingActor
	}
	return nil
}

func balanceEvent(w *Wallet, typ TxType, amount decimal.Decimal, actor, reference string, at time.Time) notify.Event {
	e := notify.NewEvent(notify.KindBalanceChanged, at)
	e.WalletAddress = string(w.Address)
	e.Actor = actor
	e.TxType = string(typ)
	e.Reference = reference
	e.Amount = amount
	e.Balance = w.Balance
	return e
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

func newTransactionID(t time.Time) TransactionID {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return TransactionID(ulid.MustNew(ulid.Timestamp(t), entropy).String())
}
