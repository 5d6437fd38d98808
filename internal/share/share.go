// Package share implements the pure arithmetic of the settlement engine:
// profit/loss, the operator's percentage share, and the masked-capital
// re-projection of a share payment back onto account balances.
//
// Money is int64 in the smallest currency unit. Products are formed with
// math/big so |pnl| × percent and payment × |pnl| cannot overflow, and the
// exact share is exposed as a shopspring/decimal value. Flooring the exact
// share is the only rounding step anywhere in the engine.
package share

import (
	"errors"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/atmx/share-settlement/internal/model"
)

var (
	// ErrZeroShare is returned by MaskedCapital when the locked share is
	// zero; the re-projection is undefined there.
	ErrZeroShare = errors.New("share: locked share is zero")

	// ErrNegativePayment is returned by MaskedCapital for payment < 0.
	ErrNegativePayment = errors.New("share: payment must not be negative")
)

var hundred = big.NewInt(100)

// PnL returns exchangeBalance − funding. Positive means the client is in
// profit (operator owes client), negative means the client is in loss
// (client owes operator).
func PnL(funding, exchangeBalance int64) int64 {
	return exchangeBalance - funding
}

// AccountPnL is PnL applied to an account's stored balances.
func AccountPnL(a *model.Account) int64 {
	return PnL(a.Funding, a.ExchangeBalance)
}

// Abs returns |v|.
func Abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// Sign returns -1, 0 or +1.
func Sign(v int64) int {
	switch {
	case v < 0:
		return -1
	case v > 0:
		return 1
	}
	return 0
}

// SelectPercent picks the percentage for a PnL. A directional override
// applies when configured; otherwise the fallback is used. Flat PnL uses 0.
func SelectPercent(pnl int64, loss, profit *int, fallback int) int {
	switch {
	case pnl < 0:
		if loss != nil && *loss > 0 {
			return *loss
		}
		return fallback
	case pnl > 0:
		if profit != nil && *profit > 0 {
			return *profit
		}
		return fallback
	}
	return 0
}

// Exact returns |pnl| × percent / 100 with full precision. The divisor is
// 100, so the decimal result is exact.
func Exact(pnl int64, percent int) decimal.Decimal {
	return decimal.NewFromBigInt(numerator(pnl, percent), -2)
}

// Final returns floor(|pnl| × percent / 100). Operands are non-negative,
// so truncating division is the floor.
func Final(pnl int64, percent int) int64 {
	return new(big.Int).Quo(numerator(pnl, percent), hundred).Int64()
}

func numerator(pnl int64, percent int) *big.Int {
	if percent <= 0 {
		return new(big.Int)
	}
	n := new(big.Int).Abs(big.NewInt(pnl))
	return n.Mul(n, big.NewInt(int64(percent)))
}

// Result is the full share computation for one account state.
type Result struct {
	PnL     int64           `json:"pnl"`
	Percent int             `json:"percent"`
	Exact   decimal.Decimal `json:"exact"`
	Final   int64           `json:"final"`
}

// Compute derives PnL, percentage, exact and final share for an account.
func Compute(a *model.Account) Result {
	pnl := AccountPnL(a)
	pct := SelectPercent(pnl, a.LossSharePercent, a.ProfitSharePercent, a.DefaultSharePercent)
	return Result{
		PnL:     pnl,
		Percent: pct,
		Exact:   Exact(pnl, pct),
		Final:   Final(pnl, pct),
	}
}

// MaskedCapital maps a payment in share units onto balance units:
//
//	floor(payment × |lockedPnL| / lockedShare)
//
// Paying the whole locked share maps to exactly |lockedPnL|, so the
// percentage is never applied twice.
func MaskedCapital(payment, lockedPnL, lockedShare int64) (int64, error) {
	if lockedShare <= 0 {
		return 0, ErrZeroShare
	}
	if payment < 0 {
		return 0, ErrNegativePayment
	}
	n := new(big.Int).Mul(big.NewInt(payment), new(big.Int).Abs(big.NewInt(lockedPnL)))
	n.Quo(n, big.NewInt(lockedShare))
	return n.Int64(), nil
}
