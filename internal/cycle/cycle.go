// Package cycle owns the locked-share state machine of an account and the
// remaining-amount arithmetic of the current cycle.
//
// States: no lock (NoCycle) and an open lock (CycleOpen). A lock is created
// on the first non-zero PnL with a positive share, survives any number of
// partial settlements, and is replaced wholesale or cleared when one of the
// reset conditions fires. Settlements recorded before the lock's
// CycleStart belong to a closed cycle and are never counted again.
package cycle

import (
	"fmt"
	"time"

	"github.com/atmx/share-settlement/internal/model"
	"github.com/atmx/share-settlement/internal/share"
)

// Transition names the single state change fired by one Evaluate call.
type Transition int

const (
	None Transition = iota
	MagnitudeReset
	FundingReset
	SignFlipRollover
	FirstLock
	FullSettlementReset
	SignFlipReset
)

func (t Transition) String() string {
	switch t {
	case None:
		return "none"
	case MagnitudeReset:
		return "magnitude_reset"
	case FundingReset:
		return "funding_reset"
	case SignFlipRollover:
		return "sign_flip_rollover"
	case FirstLock:
		return "first_lock"
	case FullSettlementReset:
		return "full_settlement_reset"
	case SignFlipReset:
		return "sign_flip_reset"
	}
	return fmt.Sprintf("transition(%d)", int(t))
}

// IsReset reports whether the transition cleared the lock.
func (t Transition) IsReset() bool {
	switch t {
	case MagnitudeReset, FundingReset, FullSettlementReset, SignFlipReset:
		return true
	}
	return false
}

// maxPasses bounds Refresh. A reset can be followed by a first lock; after
// that the state is stable.
const maxPasses = 4

// Manager evaluates cycle transitions.
type Manager struct {
	// ReductionThreshold is the percentage by which |pnl| must drop below
	// the cycle's expected exposure before a magnitude reset fires.
	// Zero means any reduction.
	ReductionThreshold int
}

// NewManager creates a manager with the given magnitude-reduction threshold
// (0..99). Out-of-range values are clamped.
func NewManager(reductionThreshold int) *Manager {
	if reductionThreshold < 0 {
		reductionThreshold = 0
	}
	if reductionThreshold > 99 {
		reductionThreshold = 99
	}
	return &Manager{ReductionThreshold: reductionThreshold}
}

// Evaluate fires at most one transition on acct, in precedence order:
// magnitude reset, funding reset, sign-flip rollover, full settlement
// reset, first lock. Calling it when nothing needs to change is a no-op.
//
// A sign flip whose fresh share is 0 clears the lock instead of rolling
// it over. A lock whose share is fully paid closes whatever PnL is left:
// floored masked capital can leave a residue of a few units, and trading
// after the last payment is exposure of a new cycle.
//
// settlements may include records from closed cycles; only those inside the
// current cycle are counted.
func (m *Manager) Evaluate(acct *model.Account, settlements []model.Settlement, now time.Time) Transition {
	pnl := share.AccountPnL(acct)
	lock := acct.Lock

	if lock != nil {
		if pnl != 0 && m.reduced(pnl, lock) {
			resetLock(acct, now)
			return MagnitudeReset
		}
		if acct.Funding != lock.Funding {
			resetLock(acct, now)
			return FundingReset
		}
		if pnl != 0 && share.Sign(pnl) != share.Sign(lock.PnL) {
			if open(acct, now) {
				return SignFlipRollover
			}
			resetLock(acct, now)
			return SignFlipReset
		}
		if Remaining(acct, settlements).Remaining == 0 {
			resetLock(acct, now)
			return FullSettlementReset
		}
		return None
	}

	if pnl != 0 && open(acct, now) {
		return FirstLock
	}
	return None
}

// Refresh calls Evaluate until the state is stable and returns the
// transitions that fired, so a reset is immediately followed by a fresh
// lock on the current PnL.
func (m *Manager) Refresh(acct *model.Account, settlements []model.Settlement, now time.Time) []Transition {
	var fired []Transition
	for i := 0; i < maxPasses; i++ {
		t := m.Evaluate(acct, settlements, now)
		if t == None {
			break
		}
		fired = append(fired, t)
	}
	return fired
}

// reduced reports whether |pnl| dropped below what the cycle still expects.
// Settlements of this cycle shrink |pnl| by the capital they moved, so that
// part is not counted as a reduction.
func (m *Manager) reduced(pnl int64, lock *model.CycleLock) bool {
	expected := share.Abs(lock.PnL) - lock.SettledCapital
	current := share.Abs(pnl)
	if current >= expected {
		return false
	}
	drop := expected - current
	return drop*100 > expected*int64(m.ReductionThreshold)
}

// open replaces the lock with a fresh snapshot if the current share is
// positive. It reports whether a lock was written.
func open(acct *model.Account, now time.Time) bool {
	r := share.Compute(acct)
	if r.Final <= 0 {
		return false
	}
	acct.Lock = &model.CycleLock{
		Share:      r.Final,
		Percent:    r.Percent,
		PnL:        r.PnL,
		Funding:    acct.Funding,
		CycleStart: now,
	}
	return true
}

func resetLock(acct *model.Account, now time.Time) {
	acct.Lock = nil
	closed := now
	acct.SettledThrough = &closed
}

// Balance is the settlement position of the current cycle. Remaining and
// Overpaid are never negative; direction is applied by presentation code.
type Balance struct {
	LockedShare  int64 `json:"locked_share"`
	TotalSettled int64 `json:"total_settled"`
	Remaining    int64 `json:"remaining"`
	Overpaid     int64 `json:"overpaid"`
}

// Remaining sums the settlements of the current cycle against the locked
// share. Without a lock the share is 0 and the lower bound is the instant
// the last cycle closed; an account that never had a cycle counts every
// settlement.
func Remaining(acct *model.Account, settlements []model.Settlement) Balance {
	var b Balance
	var since *time.Time
	if acct.Lock != nil {
		b.LockedShare = acct.Lock.Share
		start := acct.Lock.CycleStart
		since = &start
	} else if acct.SettledThrough != nil {
		since = acct.SettledThrough
	}

	for _, s := range settlements {
		if s.AccountID != "" && s.AccountID != acct.ID {
			continue
		}
		if since != nil && s.Timestamp.Before(*since) {
			continue
		}
		b.TotalSettled += s.Amount
	}

	if b.LockedShare > b.TotalSettled {
		b.Remaining = b.LockedShare - b.TotalSettled
	} else {
		b.Overpaid = b.TotalSettled - b.LockedShare
	}
	return b
}

// Since returns the lower timestamp bound of the current cycle's
// settlements, or nil when every settlement counts. Stores use it to avoid
// loading closed cycles.
func Since(acct *model.Account) *time.Time {
	if acct.Lock != nil {
		start := acct.Lock.CycleStart
		return &start
	}
	if acct.SettledThrough != nil {
		t := *acct.SettledThrough
		return &t
	}
	return nil
}
