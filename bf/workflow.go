/*
workflow.go - Fund, case and contribution operations

TRANSACTIONS:
  Every write runs inside TxStore.WithFundTx. Balance movements go through
  a wallet.Ledger bound to that same transaction, so a contribution record
  never exists without its ledger entry (and vice versa). The bound ledger
  buffers its balance events; they are published together with the
  workflow's own events after commit.

NOTIFICATIONS:
  case.filed            emailed to every fund member with an address
  contribution.received emailed to the case principal
  case.closed           emailed to the case principal
  Delivery is asynchronous and best-effort (see notify.Dispatcher).

CONTRIBUTION STATUS:
  Recomputed from the sum of contributions against the fund's target after
  every contribution and settings change, and periodically by
  RefreshContributionStatus. It is never set by hand.
*/
package bf

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/twezimbe/bf-ledger/metrics"
	"github.com/twezimbe/bf-ledger/notify"
	"github.com/twezimbe/bf-ledger/wallet"
)

type Options struct {
	Notifier   notify.Notifier
	Logger     *zap.Logger
	Now        func() time.Time
	MaxRetries int
}

type Workflow struct {
	store  TxStore
	ledger *wallet.Ledger
	opts   Options
}

// NewWorkflow builds a workflow over store. ledger must write to the same
// database; it is re-bound to each workflow transaction.
func NewWorkflow(store TxStore, ledger *wallet.Ledger, opts Options) *Workflow {
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = wallet.DefaultMaxRetries
	}
	return &Workflow{store: store, ledger: ledger, opts: opts}
}

func (w *Workflow) Ledger() *wallet.Ledger { return w.ledger }

// =============================================================================
// USERS
// =============================================================================

// RegisterUser adds a directory user. An id is generated when empty.
func (w *Workflow) RegisterUser(ctx context.Context, u User) (*User, error) {
	u.ID = strings.TrimSpace(u.ID)
	u.Name = strings.TrimSpace(u.Name)
	u.Email = strings.TrimSpace(u.Email)
	if u.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidUser)
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.CreatedAt = w.now()
	if err := w.store.SaveUser(ctx, u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (w *Workflow) GetUser(ctx context.Context, id string) (*User, error) {
	return w.store.GetUser(ctx, id)
}

// =============================================================================
// FUNDS
// =============================================================================

// CreateFund persists a fund, allocates its wallet and makes the creator
// an admin member, all in one transaction.
func (w *Workflow) CreateFund(ctx context.Context, in FundInput) (*Fund, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}
	now := w.now()
	f := Fund{
		ID:          uuid.NewString(),
		Name:        in.Name,
		Details:     in.Details,
		AccountType: in.AccountType,
		AccountInfo: in.AccountInfo,
		GroupID:     in.GroupID,
		CreatedBy:   in.CreatedBy,
		Settings:    in.Settings,
		CreatedAt:   now,
	}

	events, err := w.inTx(ctx, func(tx Tx, led *wallet.Ledger) error {
		if _, err := tx.GetUser(ctx, in.CreatedBy); err != nil {
			return err
		}
		wal, err := led.CreateWallet(ctx, wallet.OwnerFund, f.ID)
		if err != nil {
			return err
		}
		f.WalletAddress = wal.Address
		if err := tx.InsertFund(ctx, f); err != nil {
			return err
		}
		return tx.InsertMember(ctx, Member{
			FundID:   f.ID,
			UserID:   in.CreatedBy,
			Roles:    SingleRole(RoleAdmin),
			JoinedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}
	w.publish(ctx, events...)

	w.opts.Logger.Info("fund created",
		zap.String("fund_id", f.ID),
		zap.String("wallet", string(f.WalletAddress)),
		zap.String("created_by", f.CreatedBy))
	return &f, nil
}

func (w *Workflow) GetFund(ctx context.Context, id string) (*Fund, error) {
	return w.store.GetFund(ctx, id)
}

// GetFundByGroup looks a fund up by its community group.
func (w *Workflow) GetFundByGroup(ctx context.Context, groupID string) (*Fund, error) {
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return nil, fmt.Errorf("%w: group id is empty", ErrFundNotFound)
	}
	return w.store.GetFundByGroup(ctx, groupID)
}

// UpdateFundSettings replaces the fund settings and recomputes the status
// of the fund's open cases against the new target.
func (w *Workflow) UpdateFundSettings(ctx context.Context, fundID string, s FundSettings) (*Fund, error) {
	if s.MaxBeneficiaries == 0 {
		s.MaxBeneficiaries = DefaultFundSettings().MaxBeneficiaries
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}

	var f *Fund
	_, err := w.inTx(ctx, func(tx Tx, _ *wallet.Ledger) error {
		var err error
		if f, err = tx.GetFund(ctx, fundID); err != nil {
			return err
		}
		if err := tx.UpdateFundSettings(ctx, fundID, s); err != nil {
			return err
		}
		f.Settings = s

		cases, err := tx.ListCases(ctx, fundID)
		if err != nil {
			return err
		}
		for _, c := range cases {
			if c.Status != CaseOpen {
				continue
			}
			if _, _, err := refreshCase(ctx, tx, c, s.ContributionTarget); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// DeleteFund removes a fund, its wallet record, members, cases and
// contributions. The transaction log is kept. Refused while the fund
// wallet holds money.
func (w *Workflow) DeleteFund(ctx context.Context, fundID string) error {
	_, err := w.inTx(ctx, func(tx Tx, led *wallet.Ledger) error {
		f, err := tx.GetFund(ctx, fundID)
		if err != nil {
			return err
		}
		if err := led.DeleteWallet(ctx, f.WalletAddress); err != nil {
			if errors.Is(err, wallet.ErrWalletNotEmpty) {
				return fmt.Errorf("%w: %s", ErrFundNotEmpty, f.WalletAddress)
			}
			if !wallet.IsNotFound(err) {
				return err
			}
		}
		return tx.DeleteFund(ctx, fundID)
	})
	if err == nil {
		w.opts.Logger.Info("fund deleted", zap.String("fund_id", fundID))
	}
	return err
}

// =============================================================================
// MEMBERS
// =============================================================================

// AddMember adds an existing user to a fund. Zero roles means principal.
func (w *Workflow) AddMember(ctx context.Context, fundID, userID string, roles Roles) (*Member, error) {
	if roles.IsZero() {
		roles = DefaultRoles()
	}
	if err := roles.Validate(); err != nil {
		return nil, err
	}
	m := Member{FundID: fundID, UserID: strings.TrimSpace(userID), Roles: roles, JoinedAt: w.now()}

	_, err := w.inTx(ctx, func(tx Tx, _ *wallet.Ledger) error {
		f, err := tx.GetFund(ctx, fundID)
		if err != nil {
			return err
		}
		if _, err := tx.GetUser(ctx, m.UserID); err != nil {
			return err
		}
		if roles.Has(RoleBeneficiary) {
			members, err := tx.ListMembers(ctx, fundID)
			if err != nil {
				return err
			}
			n := 0
			for _, existing := range members {
				if existing.Roles.Has(RoleBeneficiary) {
					n++
				}
			}
			if n >= f.Settings.MaxBeneficiaries {
				return fmt.Errorf("%w: fund allows %d", ErrBeneficiaryLimit, f.Settings.MaxBeneficiaries)
			}
		}
		return tx.InsertMember(ctx, m)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (w *Workflow) ListMembers(ctx context.Context, fundID string) ([]Member, error) {
	if _, err := w.store.GetFund(ctx, fundID); err != nil {
		return nil, err
	}
	return w.store.ListMembers(ctx, fundID)
}

// =============================================================================
// CASES
// =============================================================================

// FileCase opens a case on a fund. The principal must be a fund member;
// every member with an email address is notified.
func (w *Workflow) FileCase(ctx context.Context, in CaseInput) (*Case, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Principal = strings.TrimSpace(in.Principal)
	in.AffectedPerson = strings.TrimSpace(in.AffectedPerson)
	if in.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidCase)
	}
	if in.Principal == "" {
		return nil, fmt.Errorf("%w: principal is required", ErrPrincipalNotFound)
	}
	if in.AffectedPerson == "" {
		in.AffectedPerson = in.Principal
	}

	c := Case{
		ID:                 uuid.NewString(),
		FundID:             in.FundID,
		Principal:          in.Principal,
		AffectedPerson:     in.AffectedPerson,
		Name:               in.Name,
		Description:        strings.TrimSpace(in.Description),
		Status:             CaseOpen,
		ContributionStatus: ContributionIncomplete,
		CreatedAt:          w.now(),
	}

	var (
		fundName   string
		recipients []string
	)
	_, err := w.inTx(ctx, func(tx Tx, _ *wallet.Ledger) error {
		f, err := tx.GetFund(ctx, in.FundID)
		if err != nil {
			return err
		}
		fundName = f.Name
		if _, err := tx.GetUser(ctx, c.Principal); err != nil {
			if errors.Is(err, ErrUserNotFound) {
				return fmt.Errorf("%w: %s", ErrPrincipalNotFound, c.Principal)
			}
			return err
		}
		if _, err := tx.GetMember(ctx, f.ID, c.Principal); err != nil {
			if errors.Is(err, ErrMemberNotFound) {
				return fmt.Errorf("%w: %s is not a member of %s", ErrPrincipalNotFound, c.Principal, f.ID)
			}
			return err
		}
		if c.AffectedPerson != c.Principal {
			if _, err := tx.GetUser(ctx, c.AffectedPerson); err != nil {
				return err
			}
		}
		if err := tx.InsertCase(ctx, c); err != nil {
			return err
		}
		recipients, err = memberEmails(ctx, tx, f.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	e := notify.NewEvent(notify.KindCaseFiled, c.CreatedAt)
	e.FundID = c.FundID
	e.CaseID = c.ID
	e.Actor = c.Principal
	e.Recipients = recipients
	e.Subject = fmt.Sprintf("New bereavement case in %s", fundName)
	e.Body = fmt.Sprintf("A new case %q has been filed in %s.\n\n%s\n", c.Name, fundName, c.Description)
	w.publish(ctx, e)

	w.opts.Logger.Info("case filed",
		zap.String("case_id", c.ID),
		zap.String("fund_id", c.FundID),
		zap.String("principal", c.Principal),
		zap.Int("recipients", len(recipients)))
	return &c, nil
}

// CloseCase moves an open case to Closed. Only fund admins may close.
func (w *Workflow) CloseCase(ctx context.Context, caseID, actor string) (*Case, error) {
	var (
		c     *Case
		email string
	)
	_, err := w.inTx(ctx, func(tx Tx, _ *wallet.Ledger) error {
		var err error
		if c, err = tx.GetCase(ctx, caseID); err != nil {
			return err
		}
		if c.Status == CaseClosed {
			return fmt.Errorf("%w: %s", ErrCaseClosed, caseID)
		}
		m, err := tx.GetMember(ctx, c.FundID, actor)
		if err != nil {
			if errors.Is(err, ErrMemberNotFound) {
				return fmt.Errorf("%w: %s is not a member of %s", ErrUnauthorized, actor, c.FundID)
			}
			return err
		}
		if !m.Roles.Has(RoleAdmin) {
			return fmt.Errorf("%w: %s is not a fund admin", ErrUnauthorized, actor)
		}

		now := w.now()
		c.Status = CaseClosed
		c.ClosedAt = &now
		if err := tx.UpdateCase(ctx, *c); err != nil {
			return err
		}
		if p, err := tx.GetUser(ctx, c.Principal); err == nil {
			email = p.Email
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e := notify.NewEvent(notify.KindCaseClosed, *c.ClosedAt)
	e.FundID = c.FundID
	e.CaseID = c.ID
	e.Actor = actor
	if email != "" {
		e.Recipients = []string{email}
		e.Subject = fmt.Sprintf("Case %q closed", c.Name)
		e.Body = fmt.Sprintf("Your case %q has been closed.\n", c.Name)
	}
	w.publish(ctx, e)
	return c, nil
}

// GetCaseTotals returns the case with its contributions and their sum.
func (w *Workflow) GetCaseTotals(ctx context.Context, caseID string) (*CaseTotals, error) {
	c, err := w.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	cs, err := w.store.ListContributions(ctx, caseID)
	if err != nil {
		return nil, err
	}
	return &CaseTotals{Case: *c, Contributions: cs, Total: totalOf(cs)}, nil
}

// ListCases returns every case of a fund with its totals.
func (w *Workflow) ListCases(ctx context.Context, fundID string) ([]CaseTotals, error) {
	if _, err := w.store.GetFund(ctx, fundID); err != nil {
		return nil, err
	}
	cases, err := w.store.ListCases(ctx, fundID)
	if err != nil {
		return nil, err
	}
	out := make([]CaseTotals, 0, len(cases))
	for _, c := range cases {
		cs, err := w.store.ListContributions(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, CaseTotals{Case: c, Contributions: cs, Total: totalOf(cs)})
	}
	return out, nil
}

// RefreshContributionStatus recomputes the status of every open case and
// returns how many changed.
func (w *Workflow) RefreshContributionStatus(ctx context.Context) (int, error) {
	changed := 0
	_, err := w.inTx(ctx, func(tx Tx, _ *wallet.Ledger) error {
		changed = 0
		cases, err := tx.ListOpenCases(ctx)
		if err != nil {
			return err
		}
		targets := make(map[string]decimal.Decimal)
		for _, c := range cases {
			target, ok := targets[c.FundID]
			if !ok {
				f, err := tx.GetFund(ctx, c.FundID)
				if err != nil {
					return err
				}
				target = f.Settings.ContributionTarget
				targets[c.FundID] = target
			}
			_, updated, err := refreshCase(ctx, tx, c, target)
			if err != nil {
				return err
			}
			if updated {
				changed++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if changed > 0 {
		w.opts.Logger.Info("contribution status refreshed", zap.Int("cases", changed))
	}
	return changed, nil
}

// =============================================================================
// MONEY
// =============================================================================

// Contribute records a contribution to an open case and moves the money
// into the fund wallet: a transfer from SourceWallet when given, otherwise
// a credit.
func (w *Workflow) Contribute(ctx context.Context, in ContributionInput) (*Contribution, error) {
	start := time.Now()
	contribution, err := w.contribute(ctx, in)
	metrics.ObserveOperation("contribute", start, err)
	return contribution, err
}

func (w *Workflow) contribute(ctx context.Context, in ContributionInput) (*Contribution, error) {
	if err := wallet.ValidateAmount(in.Amount); err != nil {
		return nil, err
	}
	in.Contributor = strings.TrimSpace(in.Contributor)

	contribution := Contribution{
		ID:           uuid.NewString(),
		CaseID:       in.CaseID,
		Contributor:  in.Contributor,
		Amount:       in.Amount,
		SourceWallet: in.SourceWallet,
		CreatedAt:    w.now(),
	}

	var (
		kase    Case
		balance decimal.Decimal
		email   string
	)
	events, err := w.inTx(ctx, func(tx Tx, led *wallet.Ledger) error {
		c, err := tx.GetCase(ctx, in.CaseID)
		if err != nil {
			return err
		}
		if c.Status == CaseClosed {
			return fmt.Errorf("%w: %s", ErrCaseClosed, c.ID)
		}
		if _, err := tx.GetUser(ctx, in.Contributor); err != nil {
			if errors.Is(err, ErrUserNotFound) {
				return fmt.Errorf("%w: %s", ErrContributorNotFound, in.Contributor)
			}
			return err
		}
		f, err := tx.GetFund(ctx, c.FundID)
		if err != nil {
			return err
		}
		if in.WalletAddress != "" && in.WalletAddress != f.WalletAddress {
			return fmt.Errorf("%w: %s is not the wallet of fund %s", ErrWalletMismatch, in.WalletAddress, f.ID)
		}
		contribution.FundID = f.ID
		contribution.WalletAddress = f.WalletAddress

		var fundWallet *wallet.Wallet
		ref := wallet.WithReference(contribution.ID)
		if in.SourceWallet != "" {
			if err := ownedBy(ctx, tx, in.SourceWallet, in.Contributor); err != nil {
				return err
			}
			_, fundWallet, err = led.Transfer(ctx, in.SourceWallet, f.WalletAddress, in.Amount, in.Contributor, ref)
		} else {
			fundWallet, err = led.Credit(ctx, f.WalletAddress, in.Amount, in.Contributor, ref)
		}
		if err != nil {
			return err
		}
		balance = fundWallet.Balance

		if err := tx.InsertContribution(ctx, contribution); err != nil {
			return err
		}
		if kase, _, err = refreshCase(ctx, tx, *c, f.Settings.ContributionTarget); err != nil {
			return err
		}
		if p, err := tx.GetUser(ctx, c.Principal); err == nil {
			email = p.Email
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	source := "direct"
	if in.SourceWallet != "" {
		source = "wallet"
	}
	metrics.Contributions.WithLabelValues(source).Inc()

	e := notify.NewEvent(notify.KindContributionReceived, contribution.CreatedAt)
	e.WalletAddress = string(contribution.WalletAddress)
	e.FundID = contribution.FundID
	e.CaseID = contribution.CaseID
	e.Actor = contribution.Contributor
	e.Reference = contribution.ID
	e.Amount = contribution.Amount
	e.Balance = balance
	if email != "" {
		e.Recipients = []string{email}
		e.Subject = fmt.Sprintf("New contribution to %q", kase.Name)
		e.Body = fmt.Sprintf("A contribution of %s was made to case %q. Status: %s.\n",
			contribution.Amount.StringFixed(wallet.MinorUnitPlaces), kase.Name, kase.ContributionStatus)
	}
	w.publish(ctx, append(events, e)...)

	w.opts.Logger.Info("contribution recorded",
		zap.String("contribution_id", contribution.ID),
		zap.String("case_id", contribution.CaseID),
		zap.String("contributor", contribution.Contributor),
		zap.String("amount", contribution.Amount.String()),
		zap.String("source", source))
	return &contribution, nil
}

// UpdateWalletBalance deposits into a wallet outside any case: a credit,
// or a transfer out of the actor's Counterpart wallet.
func (w *Workflow) UpdateWalletBalance(ctx context.Context, in BalanceUpdate) (*wallet.Wallet, error) {
	if err := wallet.ValidateAmount(in.Amount); err != nil {
		return nil, err
	}
	in.Actor = strings.TrimSpace(in.Actor)
	if in.Actor == "" {
		return nil, wallet.ErrMissingActor
	}

	var out *wallet.Wallet
	events, err := w.inTx(ctx, func(tx Tx, led *wallet.Ledger) error {
		if _, err := tx.GetUser(ctx, in.Actor); err != nil {
			return err
		}
		var err error
		if in.Counterpart != "" {
			if err := ownedBy(ctx, tx, in.Counterpart, in.Actor); err != nil {
				return err
			}
			_, out, err = led.Transfer(ctx, in.Counterpart, in.Address, in.Amount, in.Actor)
			return err
		}
		out, err = led.Credit(ctx, in.Address, in.Amount, in.Actor)
		return err
	})
	if err != nil {
		return nil, err
	}
	w.publish(ctx, events...)
	return out, nil
}

// Transfer moves money out of a wallet the actor owns. Fund wallets have
// no user owner, so they can only be drawn on through the fund workflow.
func (w *Workflow) Transfer(ctx context.Context, in Transfer) (*wallet.Wallet, *wallet.Wallet, error) {
	in.Actor = strings.TrimSpace(in.Actor)
	if in.Actor == "" {
		return nil, nil, wallet.ErrMissingActor
	}

	var opts []wallet.PostOption
	if in.Reference != "" {
		opts = append(opts, wallet.WithReference(in.Reference))
	}

	var from, to *wallet.Wallet
	events, err := w.inTx(ctx, func(tx Tx, led *wallet.Ledger) error {
		if err := ownedBy(ctx, tx, in.From, in.Actor); err != nil {
			return err
		}
		var err error
		from, to, err = led.Transfer(ctx, in.From, in.To, in.Amount, in.Actor, opts...)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	w.publish(ctx, events...)
	return from, to, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// inTx runs fn in a fund transaction with a ledger bound to it and returns
// the events the ledger buffered. Concurrent modification reruns fn.
func (w *Workflow) inTx(ctx context.Context, fn func(Tx, *wallet.Ledger) error) ([]notify.Event, error) {
	var (
		outbox []notify.Event
		err    error
	)
	for attempt := 0; attempt <= w.opts.MaxRetries; attempt++ {
		outbox = nil
		err = w.store.WithFundTx(ctx, func(tx Tx) error {
			return fn(tx, w.ledger.Bind(tx, &outbox))
		})
		if !wallet.IsRetryable(err) {
			break
		}
	}
	if err != nil {
		return nil, err
	}
	return outbox, nil
}

func (w *Workflow) publish(ctx context.Context, events ...notify.Event) {
	for _, e := range events {
		w.opts.Notifier.Notify(ctx, e)
	}
}

func (w *Workflow) now() time.Time {
	return w.opts.Now().UTC()
}

// refreshCase recomputes c's contribution status and persists it if it
// changed.
func refreshCase(ctx context.Context, s Store, c Case, target decimal.Decimal) (Case, bool, error) {
	cs, err := s.ListContributions(ctx, c.ID)
	if err != nil {
		return c, false, err
	}
	status := StatusFor(totalOf(cs), target)
	if status == c.ContributionStatus {
		return c, false, nil
	}
	c.ContributionStatus = status
	return c, true, s.UpdateCase(ctx, c)
}

// ownedBy checks that addr is the wallet of user userID.
func ownedBy(ctx context.Context, s wallet.Store, addr wallet.Address, userID string) error {
	wal, err := s.GetWallet(ctx, addr)
	if err != nil {
		return err
	}
	if wal.OwnerType != wallet.OwnerUser || wal.OwnerRef != userID {
		return fmt.Errorf("%w: wallet %s does not belong to %s", ErrUnauthorized, addr, userID)
	}
	return nil
}

func memberEmails(ctx context.Context, s Store, fundID string) ([]string, error) {
	members, err := s.ListMembers(ctx, fundID)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, m := range members {
		u, err := s.GetUser(ctx, m.UserID)
		if err != nil {
			if errors.Is(err, ErrUserNotFound) {
				continue
			}
			return nil, err
		}
		if u.Email != "" {
			out = append(out, u.Email)
		}
	}
	return out, nil
}
