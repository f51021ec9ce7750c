package position

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func TestScaledEntryAveraging(t *testing.T) {
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	p := New("u1", "KRW-BTC", now)

	// 30,000 at 100, 30,000 at 98.5, 40,000 at 97.5.
	require.NoError(t, p.ApplyEntryLeg(d(100), d(300), decimal.Zero, now))
	require.NoError(t, p.ApplyEntryLeg(d(98.5), d(30000).Div(d(98.5)), decimal.Zero, now.Add(time.Minute)))
	require.NoError(t, p.ApplyEntryLeg(d(97.5), d(40000).Div(d(97.5)), decimal.Zero, now.Add(2*time.Minute)))

	assert.Equal(t, 3, p.EntryPhase)
	assert.Equal(t, StatusEntering, p.Status)

	avg, _ := p.AvgEntryPrice.Float64()
	assert.InDelta(t, 98.54, avg, 0.01)

	invested, _ := p.TotalInvested.Float64()
	assert.InDelta(t, 100000, invested, 0.5)
}

func TestPartialTakeProfit(t *testing.T) {
	now := time.Now().UTC()
	p := New("u1", "KRW-ETH", now)
	require.NoError(t, p.ApplyEntryLeg(d(100), d(1000), decimal.Zero, now))
	require.NoError(t, p.MarkActive(now))

	require.NoError(t, p.ApplyPartialExit(d(102.5), d(500), decimal.Zero, now.Add(time.Hour)))

	assert.Equal(t, StatusExiting, p.Status)
	assert.Equal(t, 1, p.ExitPhase)
	assert.True(t, p.RemainingQuantity().Equal(d(500)), "remaining = %s", p.RemainingQuantity())

	pnl, _ := p.RealizedPnL.Float64()
	assert.InDelta(t, 2.5*500, pnl, 1e-9)
}

func TestTrailingStopArmAndFire(t *testing.T) {
	now := time.Now().UTC()
	p := New("u1", "KRW-BTC", now)
	require.NoError(t, p.ApplyEntryLeg(d(100), d(10), decimal.Zero, now))
	require.NoError(t, p.MarkActive(now))
	// Partial take-profit already done; the remainder rides the trail.
	require.NoError(t, p.ApplyPartialExit(d(102.5), d(5), decimal.Zero, now.Add(5*time.Minute)))

	params := DefaultParams()

	// 103: arms at 103 * (1 - 0.015) = 101.455.
	act := Evaluate(p, d(103), 0, params, now.Add(10*time.Minute))
	assert.Equal(t, ActionNone, act.Kind)
	require.True(t, p.TrailingArmed)
	stop, _ := p.TrailingStopPrice.Float64()
	assert.InDelta(t, 101.455, stop, 1e-9)

	// 104: high and stop ratchet up.
	act = Evaluate(p, d(104), 0, params, now.Add(11*time.Minute))
	assert.Equal(t, ActionNone, act.Kind)
	stop, _ = p.TrailingStopPrice.Float64()
	assert.InDelta(t, 102.44, stop, 1e-9)

	// Retrace to the stop: final exit with TRAILING_STOP.
	act = Evaluate(p, d(102.44), 0, params, now.Add(12*time.Minute))
	assert.Equal(t, ActionFinalExit, act.Kind)
	assert.Equal(t, ExitTrailingStop, act.Reason)
}

func TestTrailingHighNeverDecreases(t *testing.T) {
	now := time.Now().UTC()
	p := New("u1", "KRW-BTC", now)
	require.NoError(t, p.ApplyEntryLeg(d(100), d(10), decimal.Zero, now))
	require.NoError(t, p.MarkActive(now))

	prices := []float64{101, 105, 103, 104, 99, 106, 100}
	prevHigh := decimal.Zero
	for i, px := range prices {
		_ = p.ObservePrice(d(px), now.Add(time.Duration(i)*time.Minute))
		require.True(t, p.TrailingHighPrice.GreaterThanOrEqual(prevHigh),
			"high regressed at step %d: %s < %s", i, p.TrailingHighPrice, prevHigh)
		prevHigh = p.TrailingHighPrice
	}
	high, _ := p.TrailingHighPrice.Float64()
	assert.Equal(t, 106.0, high)
}

func TestScaledEntryLegTriggers(t *testing.T) {
	now := time.Now().UTC()
	params := DefaultParams()
	p := New("u1", "KRW-BTC", now)
	require.NoError(t, p.ApplyEntryLeg(d(100), d(300), decimal.Zero, now))

	// 1.0% drop: not enough for leg 2.
	act := Evaluate(p, d(99), 0, params, now.Add(time.Minute))
	assert.Equal(t, ActionNone, act.Kind)

	// 1.5% drop fires leg 2 with ratio 0.30.
	act = Evaluate(p, d(98.5), 0, params, now.Add(2*time.Minute))
	assert.Equal(t, ActionEnterLeg2, act.Kind)
	assert.Equal(t, 0.30, act.FundsRatio)

	require.NoError(t, p.ApplyEntryLeg(d(98.5), d(304), decimal.Zero, now.Add(2*time.Minute)))

	// 2.5% drop vs leg 1 fires leg 3 with ratio 0.40.
	act = Evaluate(p, d(97.5), 0, params, now.Add(3*time.Minute))
	assert.Equal(t, ActionEnterLeg3, act.Kind)
	assert.Equal(t, 0.40, act.FundsRatio)
}

func TestStopLossWaitsForMinHold(t *testing.T) {
	now := time.Now().UTC()
	params := DefaultParams()
	p := New("u1", "KRW-BTC", now)
	require.NoError(t, p.ApplyEntryLeg(d(100), d(10), decimal.Zero, now))
	require.NoError(t, p.MarkActive(now))
	p.StopLossPrice = d(98)

	// Below stop one minute in: min hold (3 candles) not yet reached.
	act := Evaluate(p, d(97), 0, params, now.Add(time.Minute))
	assert.Equal(t, ActionNone, act.Kind)

	act = Evaluate(p, d(97), 0, params, now.Add(3*time.Minute))
	assert.Equal(t, ActionFinalExit, act.Kind)
	assert.Equal(t, ExitStopLossFixed, act.Reason)
}

func TestClosedPositionIsImmutable(t *testing.T) {
	now := time.Now().UTC()
	p := New("u1", "KRW-BTC", now)
	require.NoError(t, p.ApplyEntryLeg(d(100), d(10), d(5), now))
	require.NoError(t, p.MarkActive(now))
	require.NoError(t, p.ApplyFinalExit(d(105), d(5), ExitTakeProfit, now.Add(time.Hour)))

	assert.Equal(t, StatusClosed, p.Status)
	assert.True(t, p.RemainingQuantity().IsZero())

	assert.ErrorIs(t, p.ApplyEntryLeg(d(100), d(1), decimal.Zero, now), ErrClosed)
	assert.ErrorIs(t, p.ApplyPartialExit(d(100), d(1), decimal.Zero, now), ErrClosed)
	assert.ErrorIs(t, p.ApplyFinalExit(d(100), decimal.Zero, ExitTimeout, now), ErrClosed)
	assert.ErrorIs(t, p.ObservePrice(d(200), now), ErrClosed)
}

func TestRealizedPnLAccounting(t *testing.T) {
	now := time.Now().UTC()
	p := New("u1", "KRW-BTC", now)
	require.NoError(t, p.ApplyEntryLeg(d(100), d(1000), d(30), now))
	require.NoError(t, p.MarkActive(now))
	require.NoError(t, p.ApplyPartialExit(d(102.5), d(500), d(25), now.Add(time.Hour)))
	require.NoError(t, p.ApplyFinalExit(d(101), d(24), ExitTrailingStop, now.Add(2*time.Hour)))

	// (102.5-100)*500 + (101-100)*500 = 1250 + 500, gross of fees.
	pnl, _ := p.RealizedPnL.Float64()
	assert.InDelta(t, 1750, pnl, 1e-9)
	fees, _ := p.TotalFees.Float64()
	assert.InDelta(t, 79, fees, 1e-9)
	net, _ := p.NetRealizedPnL().Float64()
	assert.InDelta(t, 1671, net, 1e-9)
}

func TestNetRealizedPnLCountsFeeOnlyLoss(t *testing.T) {
	// A flat round trip loses exactly its fees.
	now := time.Now().UTC()
	p := New("u1", "KRW-BTC", now)
	require.NoError(t, p.ApplyEntryLeg(d(100), d(1000), d(50), now))
	require.NoError(t, p.MarkActive(now))
	require.NoError(t, p.ApplyFinalExit(d(100), d(50), ExitSignalInvalid, now.Add(time.Hour)))

	assert.True(t, p.RealizedPnL.IsZero(), "gross pnl is flat")
	assert.True(t, p.NetRealizedPnL().IsNegative(), "net of fees it is a loss")
}

func TestLeaseMapExclusive(t *testing.T) {
	leases := NewLeaseMap()

	require.True(t, leases.TryAcquire("u1", "KRW-BTC"))
	assert.False(t, leases.TryAcquire("u1", "KRW-BTC"), "second acquire must be dropped")

	// Other pairs are independent.
	assert.True(t, leases.TryAcquire("u1", "KRW-ETH"))
	assert.True(t, leases.TryAcquire("u2", "KRW-BTC"))

	leases.Release("u1", "KRW-BTC")
	assert.True(t, leases.TryAcquire("u1", "KRW-BTC"))
}
