// Package model defines the core domain types shared across the settlement
// engine. All money is int64 in the smallest currency unit, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Ledger entry kinds. The settlement processor only writes KindRecordPayment;
// the others come from balance maintenance.
const (
	KindFunding       = "FUNDING"
	KindTrade         = "TRADE"
	KindFee           = "FEE"
	KindAdjustment    = "ADJUSTMENT"
	KindRecordPayment = "RECORD_PAYMENT"
)

// Account is one client × exchange pair and the aggregate root of the
// settlement engine.
type Account struct {
	ID           string `json:"id" db:"id"`
	ClientName   string `json:"client_name" db:"client_name"`
	ExchangeName string `json:"exchange_name" db:"exchange_name"`

	// Funding is the capital nominally given to the client.
	Funding int64 `json:"funding" db:"funding"`
	// ExchangeBalance is the current value on the exchange.
	ExchangeBalance int64 `json:"exchange_balance" db:"exchange_balance"`

	// Directional overrides. Nil means "not configured" and falls back to
	// DefaultSharePercent.
	LossSharePercent    *int `json:"loss_share_percent,omitempty" db:"loss_share_percent"`
	ProfitSharePercent  *int `json:"profit_share_percent,omitempty" db:"profit_share_percent"`
	DefaultSharePercent int  `json:"default_share_percent" db:"default_share_percent"`

	// Lock is the frozen snapshot of the current settlement cycle, nil when
	// no cycle is open.
	Lock *CycleLock `json:"lock,omitempty"`

	// SettledThrough is the instant the last cycle was closed by a reset.
	SettledThrough *time.Time `json:"settled_through,omitempty" db:"settled_through"`

	// Version is bumped by the store on every save.
	Version   int64     `json:"version" db:"version"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// CycleLock freezes the share of one settlement cycle. A lock only changes
// by being replaced wholesale when a new cycle opens.
type CycleLock struct {
	Share      int64     `json:"share"`
	Percent    int       `json:"percent"`
	PnL        int64     `json:"pnl"`
	Funding    int64     `json:"funding"`
	CycleStart time.Time `json:"cycle_start"`
	// SettledCapital is the masked capital already moved by settlements
	// of this cycle.
	SettledCapital int64 `json:"settled_capital"`
}

// Clone returns a deep copy so callers can evaluate transitions without
// touching stored state.
func (a *Account) Clone() *Account {
	c := *a
	if a.LossSharePercent != nil {
		v := *a.LossSharePercent
		c.LossSharePercent = &v
	}
	if a.ProfitSharePercent != nil {
		v := *a.ProfitSharePercent
		c.ProfitSharePercent = &v
	}
	if a.Lock != nil {
		l := *a.Lock
		c.Lock = &l
	}
	if a.SettledThrough != nil {
		t := *a.SettledThrough
		c.SettledThrough = &t
	}
	return &c
}

// Settlement is an immutable partial-payment record, in share units.
type Settlement struct {
	ID        string    `json:"id" db:"id"`
	AccountID string    `json:"account_id" db:"account_id"`
	Amount    int64     `json:"amount" db:"amount"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
	Notes     string    `json:"notes" db:"notes"`
}

// LedgerEntry is an immutable, write-only audit record. The sign of
// SignedAmount carries the direction of money.
type LedgerEntry struct {
	ID           string    `json:"id" db:"id"`
	AccountID    string    `json:"account_id" db:"account_id"`
	Kind         string    `json:"kind" db:"kind"`
	SignedAmount int64     `json:"signed_amount" db:"signed_amount"`
	Timestamp    time.Time `json:"timestamp" db:"timestamp"`
	BalanceAfter int64     `json:"balance_after" db:"balance_after"`
	Notes        string    `json:"notes" db:"notes"`
}

// Direction of what is owed, derived from the sign of PnL.
const (
	DirectionClientOwes   = "client_owes"   // pnl < 0
	DirectionOperatorOwes = "operator_owes" // pnl > 0
	DirectionFlat         = "flat"
)

// PendingView is the read-only projection of an account's settlement state.
type PendingView struct {
	AccountID         string          `json:"account_id"`
	PnL               int64           `json:"pnl"`
	Direction         string          `json:"direction"`
	Percent           int             `json:"percent"`
	ExactShare        decimal.Decimal `json:"exact_share"`
	FinalShare        int64           `json:"final_share"`
	LockedShare       int64           `json:"locked_share"`
	TotalSettled      int64           `json:"total_settled"`
	Remaining         int64           `json:"remaining"`
	Overpaid          int64           `json:"overpaid"`
	ShowNotApplicable bool            `json:"show_not_applicable"`
	CycleStart        *time.Time      `json:"cycle_start,omitempty"`
}

// PendingItem pairs an account with its pending view in a summary.
type PendingItem struct {
	Account Account     `json:"account"`
	View    PendingView `json:"view"`
}

// PendingSummary splits accounts by who owes whom.
type PendingSummary struct {
	ClientsOweYou        []PendingItem `json:"clients_owe_you"`
	YouOweClients        []PendingItem `json:"you_owe_clients"`
	TotalClientsOwe      int64         `json:"total_clients_owe"`       // Σ |pnl|
	TotalShareClientsOwe int64         `json:"total_share_clients_owe"` // Σ remaining
	TotalYouOwe          int64         `json:"total_you_owe"`
	TotalShareYouOwe     int64         `json:"total_share_you_owe"`
}

// Event types published after a committed mutation.
const (
	EventSettlementRecorded = "settlement_recorded"
	EventFundingAdded       = "funding_added"
	EventBalanceUpdated     = "balance_updated"
)

// Event is the message fanned out to WebSocket clients and the event bus.
type Event struct {
	Type          string    `json:"type"`
	AccountID     string    `json:"account_id"`
	Amount        int64     `json:"amount,omitempty"`
	SignedAmount  int64     `json:"signed_amount,omitempty"`
	MaskedCapital int64     `json:"masked_capital,omitempty"`
	Remaining     int64     `json:"remaining"`
	LockedShare   int64     `json:"locked_share"`
	Transitions   []string  `json:"transitions,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}
