// Package settlement records partial payments against an account's locked
// share and maintains the balances they move.
//
// Every mutating operation runs under the account-scoped lock and follows
// the same shape: load, bring the cycle up to date, validate, mutate,
// commit. Display reads take no lock and never persist.
//
// All money is int64 in the smallest currency unit.
package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/share-settlement/internal/cycle"
	"github.com/atmx/share-settlement/internal/lock"
	"github.com/atmx/share-settlement/internal/metrics"
	"github.com/atmx/share-settlement/internal/model"
	"github.com/atmx/share-settlement/internal/share"
	"github.com/atmx/share-settlement/internal/store"
)

// Publisher receives events after a mutation has been committed.
// Failures are logged and never undo the commit.
type Publisher interface {
	Publish(ctx context.Context, ev model.Event) error
}

// Service handles account balances and settlements.
type Service struct {
	store      store.Store
	locker     lock.Locker
	cycles     *cycle.Manager
	publishers []Publisher
	now        func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithPublisher adds an event sink. May be given more than once.
func WithPublisher(p Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.publishers = append(s.publishers, p)
		}
	}
}

// WithClock overrides the time source used for cycle starts and records.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a settlement service. A nil cycle manager means any
// magnitude reduction resets the cycle.
func NewService(st store.Store, locker lock.Locker, cycles *cycle.Manager, opts ...Option) *Service {
	if cycles == nil {
		cycles = cycle.NewManager(0)
	}
	s := &Service{
		store:  st,
		locker: locker,
		cycles: cycles,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Receipt describes a committed settlement.
type Receipt struct {
	Settlement    model.Settlement `json:"settlement"`
	SignedAmount  int64            `json:"signed_amount"`
	MaskedCapital int64            `json:"masked_capital"`
	PnLBefore     int64            `json:"pnl_before"`
	Direction     string           `json:"direction"`
	Balance       cycle.Balance    `json:"balance"`
	Transitions   []string         `json:"transitions,omitempty"`
	Account       model.Account    `json:"account"`
}

// RecordSettlement records a payment of amount share units against the
// account's locked share.
//
// The direction comes from the PnL before the balance is touched: a client
// in loss pays the operator (+amount, funding shrinks), an operator owing a
// client in profit pays out (-amount, exchange balance shrinks). Either way
// the balance moves by the masked capital, not by amount.
func (s *Service) RecordSettlement(ctx context.Context, accountID string, amount int64, notes string) (*Receipt, error) {
	start := time.Now()
	defer metrics.ObserveSince(metrics.SettlementLatency, start)

	if amount <= 0 {
		return nil, s.reject(accountID, fmt.Errorf("%w: amount must be positive, got %d", ErrInvalidAmount, amount))
	}

	var (
		receipt *Receipt
		fired   []cycle.Transition
	)
	err := s.locker.WithLock(ctx, accountID, func(ctx context.Context) error {
		var err error
		receipt, fired, err = s.settle(ctx, accountID, amount, notes)
		return err
	})
	if err != nil {
		return nil, s.reject(accountID, translate(err))
	}

	s.recordTransitions(accountID, fired)
	metrics.SettlementsTotal.WithLabelValues(receipt.Direction).Inc()
	metrics.SettledShareUnits.WithLabelValues(receipt.Direction).Add(float64(amount))

	slog.Info("settlement recorded",
		"settlement_id", receipt.Settlement.ID,
		"account", accountID,
		"amount", amount,
		"signed_amount", receipt.SignedAmount,
		"masked_capital", receipt.MaskedCapital,
		"pnl_before", receipt.PnLBefore,
		"remaining", receipt.Balance.Remaining,
	)

	s.publish(ctx, model.Event{
		Type:          model.EventSettlementRecorded,
		AccountID:     accountID,
		Amount:        amount,
		SignedAmount:  receipt.SignedAmount,
		MaskedCapital: receipt.MaskedCapital,
		Remaining:     receipt.Balance.Remaining,
		LockedShare:   receipt.Balance.LockedShare,
		Transitions:   receipt.Transitions,
		Timestamp:     receipt.Settlement.Timestamp,
	})
	return receipt, nil
}

// settle runs with the account lock held.
func (s *Service) settle(ctx context.Context, accountID string, amount int64, notes string) (*Receipt, []cycle.Transition, error) {
	now := s.now()
	acct, settlements, err := s.load(ctx, accountID)
	if err != nil {
		return nil, nil, err
	}

	fired := s.cycles.Refresh(acct, settlements, now)
	bal := cycle.Remaining(acct, settlements)
	pnl := share.AccountPnL(acct)

	if bal.LockedShare <= 0 {
		return nil, nil, fmt.Errorf("%w: account %s has no locked share", ErrNothingToSettle, accountID)
	}
	if pnl == 0 {
		return nil, nil, fmt.Errorf("%w: account %s", ErrAlreadyFlat, accountID)
	}
	if share.Sign(pnl) != share.Sign(acct.Lock.PnL) {
		return nil, nil, fmt.Errorf("%w: pnl %d and locked pnl %d differ in sign", ErrNothingToSettle, pnl, acct.Lock.PnL)
	}
	if amount > bal.Remaining {
		return nil, nil, fmt.Errorf("%w: requested %d, remaining %d", ErrOverSettlement, amount, bal.Remaining)
	}

	masked, err := share.MaskedCapital(amount, acct.Lock.PnL, acct.Lock.Share)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrNothingToSettle, err)
	}

	signed := amount
	var balanceAfter int64
	if pnl < 0 {
		if masked > acct.Funding {
			return nil, nil, fmt.Errorf("%w: funding %d, masked capital %d", ErrBalanceWouldGoNegative, acct.Funding, masked)
		}
		acct.Funding -= masked
		acct.Lock.Funding -= masked
		balanceAfter = acct.Funding
	} else {
		signed = -amount
		if masked > acct.ExchangeBalance {
			return nil, nil, fmt.Errorf("%w: exchange balance %d, masked capital %d", ErrBalanceWouldGoNegative, acct.ExchangeBalance, masked)
		}
		acct.ExchangeBalance -= masked
		balanceAfter = acct.ExchangeBalance
	}
	acct.Lock.SettledCapital += masked

	st := &model.Settlement{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Amount:    amount,
		Timestamp: now,
		Notes:     notes,
	}
	entry := &model.LedgerEntry{
		ID:           uuid.New().String(),
		AccountID:    accountID,
		Kind:         model.KindRecordPayment,
		SignedAmount: signed,
		Timestamp:    now,
		BalanceAfter: balanceAfter,
		Notes:        notes,
	}
	if err := s.store.CommitSettlement(ctx, acct, st, entry); err != nil {
		return nil, nil, err
	}

	bal.TotalSettled += amount
	bal.Remaining -= amount
	return &Receipt{
		Settlement:    *st,
		SignedAmount:  signed,
		MaskedCapital: masked,
		PnLBefore:     pnl,
		Direction:     direction(pnl),
		Balance:       bal,
		Transitions:   names(fired),
		Account:       *acct,
	}, fired, nil
}

// CreateAccountRequest is the JSON body for account creation.
type CreateAccountRequest struct {
	ClientName          string `json:"client_name"`
	ExchangeName        string `json:"exchange_name"`
	Funding             int64  `json:"funding"`
	ExchangeBalance     int64  `json:"exchange_balance"`
	DefaultSharePercent int    `json:"default_share_percent"`
	LossSharePercent    *int   `json:"loss_share_percent,omitempty"`
	ProfitSharePercent  *int   `json:"profit_share_percent,omitempty"`
}

func (r CreateAccountRequest) validate() error {
	switch {
	case strings.TrimSpace(r.ClientName) == "":
		return fmt.Errorf("%w: client_name is required", ErrInvalidAccount)
	case strings.TrimSpace(r.ExchangeName) == "":
		return fmt.Errorf("%w: exchange_name is required", ErrInvalidAccount)
	case r.Funding < 0 || r.ExchangeBalance < 0:
		return fmt.Errorf("%w: balances must be non-negative", ErrInvalidAccount)
	case r.DefaultSharePercent < 0 || r.DefaultSharePercent > 100:
		return fmt.Errorf("%w: default_share_percent must be within 0..100", ErrInvalidAccount)
	}
	for name, p := range map[string]*int{
		"loss_share_percent":   r.LossSharePercent,
		"profit_share_percent": r.ProfitSharePercent,
	} {
		if p != nil && (*p < 1 || *p > 100) {
			return fmt.Errorf("%w: %s must be unset or within 1..100", ErrInvalidAccount, name)
		}
	}
	return nil
}

// CreateAccount validates and stores a new account. An account created
// with exposure opens its first cycle immediately.
func (s *Service) CreateAccount(ctx context.Context, req CreateAccountRequest) (*model.Account, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	now := s.now()
	acct := &model.Account{
		ID:                  uuid.New().String(),
		ClientName:          strings.TrimSpace(req.ClientName),
		ExchangeName:        strings.TrimSpace(req.ExchangeName),
		Funding:             req.Funding,
		ExchangeBalance:     req.ExchangeBalance,
		LossSharePercent:    req.LossSharePercent,
		ProfitSharePercent:  req.ProfitSharePercent,
		DefaultSharePercent: req.DefaultSharePercent,
		CreatedAt:           now,
	}
	fired := s.cycles.Refresh(acct, nil, now)
	if err := s.store.CreateAccount(ctx, acct); err != nil {
		return nil, translate(err)
	}
	s.recordTransitions(acct.ID, fired)

	slog.Info("account created",
		"account", acct.ID,
		"client", acct.ClientName,
		"exchange", acct.ExchangeName,
		"funding", acct.Funding,
		"exchange_balance", acct.ExchangeBalance,
	)
	return acct, nil
}

// AddFunding gives the client more capital. The capital lands on the
// exchange, so both funding and exchange balance grow by amount; PnL is
// unchanged but the funding change closes the current cycle.
func (s *Service) AddFunding(ctx context.Context, accountID string, amount int64, notes string) (*model.Account, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: funding amount must be positive, got %d", ErrInvalidAmount, amount)
	}
	return s.mutate(ctx, accountID, model.EventFundingAdded, func(acct *model.Account, now time.Time) *model.LedgerEntry {
		acct.Funding += amount
		acct.ExchangeBalance += amount
		return &model.LedgerEntry{
			ID:           uuid.New().String(),
			AccountID:    accountID,
			Kind:         model.KindFunding,
			SignedAmount: amount,
			Timestamp:    now,
			BalanceAfter: acct.Funding,
			Notes:        notes,
		}
	})
}

// UpdateExchangeBalance records a new exchange balance. The ledger entry
// carries the signed difference; kind is TRADE, FEE or ADJUSTMENT and
// defaults to ADJUSTMENT.
func (s *Service) UpdateExchangeBalance(ctx context.Context, accountID string, newBalance int64, kind, notes string) (*model.Account, error) {
	if newBalance < 0 {
		return nil, fmt.Errorf("%w: exchange balance must be non-negative, got %d", ErrInvalidAmount, newBalance)
	}
	kind = strings.ToUpper(strings.TrimSpace(kind))
	switch kind {
	case "":
		kind = model.KindAdjustment
	case model.KindTrade, model.KindFee, model.KindAdjustment:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	return s.mutate(ctx, accountID, model.EventBalanceUpdated, func(acct *model.Account, now time.Time) *model.LedgerEntry {
		diff := newBalance - acct.ExchangeBalance
		acct.ExchangeBalance = newBalance
		return &model.LedgerEntry{
			ID:           uuid.New().String(),
			AccountID:    accountID,
			Kind:         kind,
			SignedAmount: diff,
			Timestamp:    now,
			BalanceAfter: newBalance,
			Notes:        notes,
		}
	})
}

// mutate applies a balance change under the account lock, brings the cycle
// up to date and persists both with the ledger entry.
func (s *Service) mutate(ctx context.Context, accountID, eventType string, apply func(*model.Account, time.Time) *model.LedgerEntry) (*model.Account, error) {
	var (
		result *model.Account
		fired  []cycle.Transition
		bal    cycle.Balance
	)
	err := s.locker.WithLock(ctx, accountID, func(ctx context.Context) error {
		now := s.now()
		acct, settlements, err := s.load(ctx, accountID)
		if err != nil {
			return err
		}
		entry := apply(acct, now)
		fired = s.cycles.Refresh(acct, settlements, now)
		bal = cycle.Remaining(acct, settlements)
		if err := s.store.SaveAccount(ctx, acct, entry); err != nil {
			return err
		}
		result = acct
		return nil
	})
	if err != nil {
		return nil, translate(err)
	}

	s.recordTransitions(accountID, fired)
	slog.Info("account balance updated",
		"account", accountID,
		"event", eventType,
		"funding", result.Funding,
		"exchange_balance", result.ExchangeBalance,
		"pnl", share.AccountPnL(result),
	)
	s.publish(ctx, model.Event{
		Type:        eventType,
		AccountID:   accountID,
		Remaining:   bal.Remaining,
		LockedShare: bal.LockedShare,
		Transitions: names(fired),
		Timestamp:   result.UpdatedAt,
	})
	return result, nil
}

// --- Reads ---

// GetAccount returns the stored account.
func (s *Service) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, translate(err)
	}
	return acct, nil
}

// ListAccounts returns all accounts ordered by client then exchange.
func (s *Service) ListAccounts(ctx context.Context) ([]model.Account, error) {
	return s.store.ListAccounts(ctx)
}

// ListSettlements returns every settlement of the account, across cycles.
func (s *Service) ListSettlements(ctx context.Context, accountID string) ([]model.Settlement, error) {
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return s.store.ListSettlements(ctx, accountID, nil)
}

// Ledger returns the account's audit trail.
func (s *Service) Ledger(ctx context.Context, accountID string) ([]model.LedgerEntry, error) {
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return s.store.ListLedgerEntries(ctx, accountID)
}

// PendingView projects what is owed on the account right now. The values
// may be about to change; nothing is locked or persisted.
func (s *Service) PendingView(ctx context.Context, accountID string) (*model.PendingView, error) {
	acct, settlements, err := s.load(ctx, accountID)
	if err != nil {
		return nil, translate(err)
	}
	v := s.view(acct, settlements)
	return &v, nil
}

// PendingSummary splits all accounts with exposure into those whose client
// owes the operator and those the operator owes.
func (s *Service) PendingSummary(ctx context.Context) (*model.PendingSummary, error) {
	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}

	sum := &model.PendingSummary{
		ClientsOweYou: []model.PendingItem{},
		YouOweClients: []model.PendingItem{},
	}
	for i := range accounts {
		acct := &accounts[i]
		settlements, err := s.store.ListSettlements(ctx, acct.ID, cycle.Since(acct))
		if err != nil {
			return nil, fmt.Errorf("list settlements for %s: %w", acct.ID, err)
		}
		v := s.view(acct, settlements)
		item := model.PendingItem{Account: *acct, View: v}
		switch {
		case v.PnL < 0:
			sum.ClientsOweYou = append(sum.ClientsOweYou, item)
			sum.TotalClientsOwe += share.Abs(v.PnL)
			sum.TotalShareClientsOwe += v.Remaining
		case v.PnL > 0:
			sum.YouOweClients = append(sum.YouOweClients, item)
			sum.TotalYouOwe += v.PnL
			sum.TotalShareYouOwe += v.Remaining
		}
	}
	return sum, nil
}

// view evaluates the cycle on a copy of acct.
func (s *Service) view(acct *model.Account, settlements []model.Settlement) model.PendingView {
	c := acct.Clone()
	s.cycles.Refresh(c, settlements, s.now())

	r := share.Compute(c)
	b := cycle.Remaining(c, settlements)
	v := model.PendingView{
		AccountID:         c.ID,
		PnL:               r.PnL,
		Direction:         direction(r.PnL),
		Percent:           r.Percent,
		ExactShare:        r.Exact,
		FinalShare:        r.Final,
		LockedShare:       b.LockedShare,
		TotalSettled:      b.TotalSettled,
		Remaining:         b.Remaining,
		Overpaid:          b.Overpaid,
		ShowNotApplicable: b.LockedShare == 0,
	}
	if c.Lock != nil {
		start := c.Lock.CycleStart
		v.CycleStart = &start
	}
	return v
}

// --- Helpers ---

// load reads the account and the settlements that can still count toward
// its current cycle.
func (s *Service) load(ctx context.Context, accountID string) (*model.Account, []model.Settlement, error) {
	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, nil, err
	}
	settlements, err := s.store.ListSettlements(ctx, accountID, cycle.Since(acct))
	if err != nil {
		return nil, nil, fmt.Errorf("list settlements: %w", err)
	}
	return acct, settlements, nil
}

func (s *Service) reject(accountID string, err error) error {
	kind := Kind(err)
	metrics.SettlementRejections.WithLabelValues(kind).Inc()
	slog.Info("settlement rejected", "account", accountID, "kind", kind, "err", err)
	return err
}

func (s *Service) recordTransitions(accountID string, fired []cycle.Transition) {
	for _, t := range fired {
		metrics.CycleTransitions.WithLabelValues(t.String()).Inc()
		slog.Info("cycle transition", "account", accountID, "transition", t.String())
	}
}

func (s *Service) publish(ctx context.Context, ev model.Event) {
	for _, p := range s.publishers {
		if err := p.Publish(ctx, ev); err != nil {
			slog.Warn("event publish failed", "type", ev.Type, "account", ev.AccountID, "err", err)
		}
	}
}

func direction(pnl int64) string {
	switch {
	case pnl < 0:
		return model.DirectionClientOwes
	case pnl > 0:
		return model.DirectionOperatorOwes
	}
	return model.DirectionFlat
}

func names(ts []cycle.Transition) []string {
	if len(ts) == 0 {
		return nil
	}
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.String()
	}
	return out
}
