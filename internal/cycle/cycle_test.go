package cycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/share-settlement/internal/model"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func pct(v int) *int { return &v }

func account(funding, balance int64) *model.Account {
	return &model.Account{
		ID:                  "acct-1",
		Funding:             funding,
		ExchangeBalance:     balance,
		LossSharePercent:    pct(10),
		ProfitSharePercent:  pct(20),
		DefaultSharePercent: 5,
	}
}

func settled(amount int64, at time.Time) model.Settlement {
	return model.Settlement{AccountID: "acct-1", Amount: amount, Timestamp: at}
}

func TestEvaluate_FirstLock(t *testing.T) {
	m := NewManager(0)
	a := account(1000, 700)

	tr := m.Evaluate(a, nil, t0)

	assert.Equal(t, FirstLock, tr)
	require.NotNil(t, a.Lock)
	assert.Equal(t, int64(30), a.Lock.Share)
	assert.Equal(t, 10, a.Lock.Percent)
	assert.Equal(t, int64(-300), a.Lock.PnL)
	assert.Equal(t, int64(1000), a.Lock.Funding)
	assert.Equal(t, t0, a.Lock.CycleStart)
}

func TestEvaluate_IsIdempotent(t *testing.T) {
	m := NewManager(0)
	a := account(1000, 700)
	m.Evaluate(a, nil, t0)
	before := *a.Lock

	tr := m.Evaluate(a, nil, t0.Add(time.Hour))

	assert.Equal(t, None, tr)
	assert.Equal(t, before, *a.Lock)
}

func TestEvaluate_ZeroShareStaysUnlocked(t *testing.T) {
	m := NewManager(0)
	a := account(100, 102)
	a.ProfitSharePercent = nil
	a.DefaultSharePercent = 10

	assert.Equal(t, None, m.Evaluate(a, nil, t0))
	assert.Nil(t, a.Lock)
}

func TestEvaluate_FlatWithoutLockIsNoop(t *testing.T) {
	m := NewManager(0)
	a := account(500, 500)

	assert.Equal(t, None, m.Evaluate(a, nil, t0))
	assert.Nil(t, a.Lock)
	assert.Nil(t, a.SettledThrough)
}

func TestEvaluate_GrowingExposureNeverRecomputes(t *testing.T) {
	m := NewManager(0)
	a := account(1000, 700)
	m.Evaluate(a, nil, t0)

	a.ExchangeBalance = 100 // pnl -900
	assert.Equal(t, None, m.Evaluate(a, nil, t0.Add(time.Minute)))
	assert.Equal(t, int64(30), a.Lock.Share)
	assert.Equal(t, int64(-300), a.Lock.PnL)
}

func TestEvaluate_MagnitudeReductionResets(t *testing.T) {
	m := NewManager(0)
	a := account(1000, 700)
	m.Evaluate(a, nil, t0)

	a.ExchangeBalance = 800 // pnl -200, trading reduced exposure
	at := t0.Add(time.Minute)
	tr := m.Evaluate(a, nil, at)

	assert.Equal(t, MagnitudeReset, tr)
	assert.Nil(t, a.Lock)
	require.NotNil(t, a.SettledThrough)
	assert.Equal(t, at, *a.SettledThrough)
}

func TestEvaluate_ReductionExplainedBySettlementsDoesNotReset(t *testing.T) {
	m := NewManager(0)
	a := account(1000, 700)
	m.Evaluate(a, nil, t0)

	// A loss-side payment of 10 share units moved 100 of capital.
	a.Funding -= 100
	a.Lock.Funding -= 100
	a.Lock.SettledCapital += 100

	tr := m.Evaluate(a, []model.Settlement{settled(10, t0)}, t0.Add(time.Minute))
	assert.Equal(t, None, tr)
	assert.Equal(t, int64(30), a.Lock.Share)
}

func TestEvaluate_ReductionThreshold(t *testing.T) {
	m := NewManager(50)
	a := account(1000, 700)
	m.Evaluate(a, nil, t0)

	a.ExchangeBalance = 800 // 33% reduction
	assert.Equal(t, None, m.Evaluate(a, nil, t0.Add(time.Minute)))
	require.NotNil(t, a.Lock)

	a.ExchangeBalance = 900 // 66% reduction
	assert.Equal(t, MagnitudeReset, m.Evaluate(a, nil, t0.Add(2*time.Minute)))
}

func TestEvaluate_FundingChangeResets(t *testing.T) {
	m := NewManager(0)
	a := account(1000, 700)
	m.Evaluate(a, nil, t0)

	a.Funding += 50
	a.ExchangeBalance += 50 // funding intake, pnl unchanged

	assert.Equal(t, FundingReset, m.Evaluate(a, nil, t0.Add(time.Minute)))
	assert.Nil(t, a.Lock)
}

func TestEvaluate_MagnitudeResetTakesPrecedenceOverFunding(t *testing.T) {
	m := NewManager(0)
	a := account(1000, 700)
	m.Evaluate(a, nil, t0)

	a.Funding = 900 // funding changed and |pnl| shrank to 200

	assert.Equal(t, MagnitudeReset, m.Evaluate(a, nil, t0.Add(time.Minute)))
}

func TestEvaluate_SignFlipRollover(t *testing.T) {
	m := NewManager(0)
	a := account(1000, 700)
	m.Evaluate(a, nil, t0)

	a.ExchangeBalance = 1500 // pnl +500, |500| > |300| so no magnitude reset
	at := t0.Add(time.Hour)
	tr := m.Evaluate(a, nil, at)

	assert.Equal(t, SignFlipRollover, tr)
	require.NotNil(t, a.Lock)
	assert.Equal(t, int64(100), a.Lock.Share) // 500 × 20%
	assert.Equal(t, 20, a.Lock.Percent)
	assert.Equal(t, int64(500), a.Lock.PnL)
	assert.Equal(t, at, a.Lock.CycleStart)
}

func TestEvaluate_FullSettlementReset(t *testing.T) {
	m := NewManager(0)
	a := account(1000, 700)
	m.Evaluate(a, nil, t0)

	a.Funding = 700
	a.Lock.Funding = 700
	a.Lock.SettledCapital = 300

	tr := m.Evaluate(a, []model.Settlement{settled(30, t0)}, t0.Add(time.Minute))
	assert.Equal(t, FullSettlementReset, tr)
	assert.Nil(t, a.Lock)
}

func TestEvaluate_SignFlipWithZeroShareClearsLock(t *testing.T) {
	m := NewManager(0)
	a := account(1000, 700)
	a.ProfitSharePercent = nil
	a.DefaultSharePercent = 0
	m.Evaluate(a, nil, t0)
	require.NotNil(t, a.Lock)

	a.ExchangeBalance = 1500 // pnl +500, no profit share
	at := t0.Add(time.Hour)

	assert.Equal(t, SignFlipReset, m.Evaluate(a, nil, at))
	assert.Nil(t, a.Lock)
	require.NotNil(t, a.SettledThrough)
	assert.Equal(t, at, *a.SettledThrough)
	assert.Equal(t, None, m.Evaluate(a, nil, at))
}

func TestEvaluate_PaidCycleWithResidueCloses(t *testing.T) {
	m := NewManager(0)
	a := account(1000, 905) // pnl -95, share 9
	m.Evaluate(a, nil, t0)
	require.Equal(t, int64(9), a.Lock.Share)

	// 4 and 5 units moved 42 and 52 of capital, one unit short of 95.
	a.Funding -= 94
	a.Lock.Funding -= 94
	a.Lock.SettledCapital = 94
	paid := []model.Settlement{settled(4, t0), settled(5, t0.Add(time.Second))}

	assert.Equal(t, FullSettlementReset, m.Evaluate(a, paid, t0.Add(time.Minute)))
	assert.Nil(t, a.Lock)
}

func TestRefresh_PaidCycleRelocksOnNewExposure(t *testing.T) {
	m := NewManager(0)
	a := account(1000, 905)
	m.Evaluate(a, nil, t0)
	a.Funding -= 94
	a.Lock.Funding -= 94
	a.Lock.SettledCapital = 94
	paid := []model.Settlement{settled(4, t0), settled(5, t0.Add(time.Second))}

	a.ExchangeBalance -= 500 // pnl -501
	at := t0.Add(time.Hour)
	fired := m.Refresh(a, paid, at)

	assert.Equal(t, []Transition{FullSettlementReset, FirstLock}, fired)
	require.NotNil(t, a.Lock)
	assert.Equal(t, int64(50), a.Lock.Share)
	assert.Equal(t, int64(-501), a.Lock.PnL)
	assert.Equal(t, Balance{LockedShare: 50, Remaining: 50}, Remaining(a, paid))
}

func TestEvaluate_FlatWithPendingShareKeepsLock(t *testing.T) {
	m := NewManager(0)
	a := account(1000, 700)
	m.Evaluate(a, nil, t0)

	a.ExchangeBalance = 1000 // flat by trading, nothing settled yet

	assert.Equal(t, None, m.Evaluate(a, nil, t0.Add(time.Minute)))
	require.NotNil(t, a.Lock)
	assert.Equal(t, int64(30), a.Lock.Share)
}

func TestRefresh_ResetThenRelock(t *testing.T) {
	m := NewManager(0)
	a := account(1000, 910) // pnl -90
	m.Evaluate(a, nil, t0)
	require.Equal(t, int64(9), a.Lock.Share)

	old := []model.Settlement{settled(4, t0.Add(time.Minute))}
	a.ExchangeBalance = 1060 // pnl +60
	at := t0.Add(time.Hour)

	fired := m.Refresh(a, old, at)

	assert.Equal(t, []Transition{MagnitudeReset, FirstLock}, fired)
	require.NotNil(t, a.Lock)
	assert.Equal(t, int64(12), a.Lock.Share) // 60 × 20%
	assert.Equal(t, at, a.Lock.CycleStart)

	b := Remaining(a, old)
	assert.Equal(t, int64(0), b.TotalSettled)
	assert.Equal(t, int64(12), b.Remaining)
}

func TestRefresh_StableStateFiresNothing(t *testing.T) {
	m := NewManager(0)
	a := account(500, 500)
	assert.Empty(t, m.Refresh(a, nil, t0))
}

// --- Remaining ---

func TestRemaining_NoLock(t *testing.T) {
	a := account(500, 500)
	b := Remaining(a, nil)
	assert.Equal(t, Balance{}, b)
}

func TestRemaining_LegacySumsEverything(t *testing.T) {
	a := account(500, 500)
	b := Remaining(a, []model.Settlement{settled(3, t0), settled(4, t0.Add(time.Hour))})
	assert.Equal(t, int64(7), b.TotalSettled)
	assert.Equal(t, int64(7), b.Overpaid)
	assert.Equal(t, int64(0), b.Remaining)
}

func TestRemaining_ClosedCycleExcludedAfterReset(t *testing.T) {
	a := account(500, 500)
	closed := t0.Add(time.Hour)
	a.SettledThrough = &closed
	b := Remaining(a, []model.Settlement{settled(3, t0), settled(4, t0.Add(30*time.Minute))})
	assert.Equal(t, int64(0), b.TotalSettled)
	assert.Equal(t, int64(0), b.Overpaid)
}

func TestRemaining_CycleIsolation(t *testing.T) {
	a := account(1000, 700)
	a.Lock = &model.CycleLock{Share: 30, Percent: 10, PnL: -300, Funding: 1000, CycleStart: t0}

	b := Remaining(a, []model.Settlement{
		settled(100, t0.Add(-time.Minute)), // previous cycle
		settled(10, t0),
		settled(5, t0.Add(time.Minute)),
	})
	assert.Equal(t, int64(15), b.TotalSettled)
	assert.Equal(t, int64(15), b.Remaining)
	assert.Equal(t, int64(0), b.Overpaid)
}

func TestRemaining_Overpaid(t *testing.T) {
	a := account(1000, 700)
	a.Lock = &model.CycleLock{Share: 30, Percent: 10, PnL: -300, Funding: 1000, CycleStart: t0}

	b := Remaining(a, []model.Settlement{settled(35, t0)})
	assert.Equal(t, int64(0), b.Remaining)
	assert.Equal(t, int64(5), b.Overpaid)
}

func TestRemaining_Conservation(t *testing.T) {
	a := account(1000, 700)
	a.Lock = &model.CycleLock{Share: 30, Percent: 10, PnL: -300, Funding: 1000, CycleStart: t0}

	var ss []model.Settlement
	prev := int64(30)
	for i, amt := range []int64{7, 11, 2, 10} {
		ss = append(ss, settled(amt, t0.Add(time.Duration(i)*time.Minute)))
		b := Remaining(a, ss)
		assert.Equal(t, a.Lock.Share, b.Remaining+b.TotalSettled)
		assert.LessOrEqual(t, b.Remaining, prev)
		assert.GreaterOrEqual(t, b.Remaining, int64(0))
		prev = b.Remaining
	}
}

func TestSince(t *testing.T) {
	a := account(1000, 700)
	assert.Nil(t, Since(a))

	closed := t0
	a.SettledThrough = &closed
	require.NotNil(t, Since(a))
	assert.Equal(t, t0, *Since(a))

	a.Lock = &model.CycleLock{Share: 1, CycleStart: t0.Add(time.Hour)}
	assert.Equal(t, t0.Add(time.Hour), *Since(a))
}

func TestTransitionString(t *testing.T) {
	assert.Equal(t, "sign_flip_rollover", SignFlipRollover.String())
	assert.Equal(t, "sign_flip_reset", SignFlipReset.String())
	assert.True(t, FundingReset.IsReset())
	assert.True(t, SignFlipReset.IsReset())
	assert.False(t, FirstLock.IsReset())
}
