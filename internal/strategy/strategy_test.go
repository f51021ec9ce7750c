package strategy

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"upbit-trading-bot/internal/indicator"
	"upbit-trading-bot/internal/position"
	"upbit-trading-bot/internal/upbit"
)

// candlesFromChronological builds a newest-first window from closes
// listed oldest to newest. Each candle opens at the previous close so
// candle direction matches the price move.
func candlesFromChronological(closes []float64) []upbit.Candle {
	n := len(closes)
	candles := make([]upbit.Candle, n)
	for i := 0; i < n; i++ {
		c := closes[n-1-i]
		open := c
		if n-1-i > 0 {
			open = closes[n-2-i]
		}
		hi, lo := c, c
		if open > hi {
			hi = open
		}
		if open < lo {
			lo = open
		}
		candles[i] = upbit.Candle{
			Market:         "KRW-BTC",
			OpeningPrice:   open,
			HighPrice:      hi * 1.001,
			LowPrice:       lo * 0.999,
			TradePrice:     c,
			AccTradeVolume: 100,
		}
	}
	return candles
}

func flatWith(n int, base float64, newest float64) []upbit.Candle {
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = base
	}
	closes[n-1] = newest
	return candlesFromChronological(closes)
}

func TestRSIOversoldReversal(t *testing.T) {
	// Chronological closes engineered so RSI(14) sits at 24 one candle
	// back and recovers past 28 on the latest bullish candle.
	loss := 7.6 / 13.0
	closes := []float64{100, 100 - loss}
	closes = append(closes, closes[1]+2.4)
	for i := 0; i < 12; i++ {
		closes = append(closes, closes[len(closes)-1]-loss)
	}
	closes = append(closes, closes[len(closes)-1]+0.35)
	candles := candlesFromChronological(closes)

	prev, err := indicator.RSI(candles[1:], 14)
	require.NoError(t, err)
	curr, err := indicator.RSI(candles, 14)
	require.NoError(t, err)
	require.InDelta(t, 24, prev, 0.2, "test data must sit oversold one candle back")
	require.GreaterOrEqual(t, curr, 28.0, "test data must recover past the threshold")
	require.Greater(t, candles[0].TradePrice, candles[0].OpeningPrice)

	s := NewRSIStrategy(NewMapParams())
	sig, err := s.AnalyzeForBacktest("KRW-BTC", candles, PositionView{})
	require.NoError(t, err)
	assert.Equal(t, Buy, sig.Action)
	assert.Greater(t, sig.TargetPrice, candles[0].TradePrice)
	assert.Less(t, sig.StopLossPrice, candles[0].TradePrice)
}

func TestRSIHoldsWithoutRecovery(t *testing.T) {
	// Straight decline: oversold but still falling, no entry.
	closes := make([]float64, 20)
	for i := range closes {
		closes[i] = 120 - float64(i)
	}
	candles := candlesFromChronological(closes)

	s := NewRSIStrategy(NewMapParams())
	sig, err := s.AnalyzeForBacktest("KRW-BTC", candles, PositionView{})
	require.NoError(t, err)
	assert.Equal(t, Hold, sig.Action)
}

func TestGoldenCrossBuyAndDeathCrossSell(t *testing.T) {
	s := NewGoldenCrossStrategy(NewMapParams())

	up := flatWith(62, 100, 130)
	sig, err := s.AnalyzeForBacktest("KRW-BTC", up, PositionView{})
	require.NoError(t, err)
	assert.Equal(t, Buy, sig.Action, "short SMA jumping over long SMA should buy")

	down := flatWith(62, 100, 70)
	sig, err = s.AnalyzeForBacktest("KRW-BTC", down, PositionView{Holding: true, BuyPrice: 100})
	require.NoError(t, err)
	assert.Equal(t, Sell, sig.Action)
	assert.Equal(t, position.ExitSignalInvalid, sig.ExitReason)
}

func TestBollingerBandMeanReversion(t *testing.T) {
	s := NewBollingerBandStrategy(NewMapParams())

	dip := flatWith(25, 100, 90)
	sig, err := s.AnalyzeForBacktest("KRW-BTC", dip, PositionView{})
	require.NoError(t, err)
	require.Equal(t, Buy, sig.Action)
	assert.Greater(t, sig.TargetPrice, 90.0, "target hint is the middle band")

	flat := flatWith(25, 100, 100)
	sig, err = s.AnalyzeForBacktest("KRW-BTC", flat, PositionView{Holding: true, BuyPrice: 95})
	require.NoError(t, err)
	assert.Equal(t, Sell, sig.Action)
	assert.Equal(t, position.ExitTakeProfit, sig.ExitReason)
}

func TestMACDCrossings(t *testing.T) {
	// V-shaped series: long decline then a strong recovery. Walking the
	// window forward in time must produce a bullish histogram cross, and
	// the strategy must buy exactly where the indicator crosses.
	var closes []float64
	px := 200.0
	for i := 0; i < 60; i++ {
		px -= 1
		closes = append(closes, px)
	}
	for i := 0; i < 40; i++ {
		px += 3
		closes = append(closes, px)
	}
	candles := candlesFromChronological(closes)

	s := NewMACDStrategy(NewMapParams())
	sawBuy := false
	for off := 50; off >= 0; off-- {
		win := candles[off:]
		now, err := indicator.MACD(win, 12, 26, 9)
		require.NoError(t, err)
		prev, err := indicator.MACD(win[1:], 12, 26, 9)
		require.NoError(t, err)

		sig, err := s.AnalyzeForBacktest("KRW-BTC", win, PositionView{})
		require.NoError(t, err)
		if prev.Histogram <= 0 && now.Histogram > 0 {
			assert.Equal(t, Buy, sig.Action, "offset %d", off)
			sawBuy = true
		} else {
			assert.Equal(t, Hold, sig.Action, "offset %d", off)
		}
	}
	assert.True(t, sawBuy, "recovery leg must contain a bullish cross")
}

func TestTrendFollowing(t *testing.T) {
	// One step up, smaller step back: steady trend with RSI in the
	// healthy band instead of pegged at 100.
	var closes []float64
	px := 100.0
	for i := 0; i < 30; i++ {
		px += 1
		closes = append(closes, px)
		px -= 0.6
		closes = append(closes, px)
	}
	px += 1
	closes = append(closes, px)
	candles := candlesFromChronological(closes)

	s := NewTrendFollowingStrategy(NewMapParams())
	sig, err := s.AnalyzeForBacktest("KRW-BTC", candles, PositionView{})
	require.NoError(t, err)
	assert.Equal(t, Buy, sig.Action)
	assert.Greater(t, sig.StopLossPrice, 0.0)

	// Holding into the target: take profit wins.
	buy := candles[0].TradePrice / 1.06
	sig, err = s.AnalyzeForBacktest("KRW-BTC", candles, PositionView{Holding: true, BuyPrice: buy})
	require.NoError(t, err)
	assert.Equal(t, Sell, sig.Action)
	assert.Equal(t, position.ExitTakeProfit, sig.ExitReason)
}

func TestMomentumScalping(t *testing.T) {
	closes := make([]float64, 12)
	for i := range closes {
		closes[i] = 100
	}
	closes[11] = 101.5
	candles := candlesFromChronological(closes)
	candles[0].AccTradeVolume = 250

	s := NewMomentumScalpingStrategy(NewMapParams())
	sig, err := s.AnalyzeForBacktest("KRW-BTC", candles, PositionView{})
	require.NoError(t, err)
	assert.Equal(t, Buy, sig.Action)

	sig, err = s.AnalyzeForBacktest("KRW-BTC", candles, PositionView{Holding: true, BuyPrice: 100})
	require.NoError(t, err)
	assert.Equal(t, Sell, sig.Action)
	assert.Equal(t, position.ExitTakeProfit, sig.ExitReason)
}

func TestVolatilityBreakout(t *testing.T) {
	s := NewVolatilityBreakoutStrategy(NewMapParams())

	candles := candlesFromChronological([]float64{100, 105})
	candles[1].HighPrice = 110
	candles[1].LowPrice = 100
	candles[0].OpeningPrice = 100

	// 105 clears 100 + 0.5 * 10.
	sig, err := s.AnalyzeForBacktest("KRW-BTC", candles, PositionView{})
	require.NoError(t, err)
	assert.Equal(t, Buy, sig.Action)

	// Time stop after the hold window.
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	ctx := &Context{UserID: "u1", Now: now}
	held := PositionView{Holding: true, BuyPrice: 100, BuyTime: now.Add(-25 * time.Hour)}
	sig, err = s.evaluate("u1", "KRW-BTC", candles, held, ctx.Now)
	require.NoError(t, err)
	assert.Equal(t, Sell, sig.Action)
	assert.Equal(t, position.ExitTimeout, sig.ExitReason)
}

func TestScaledTradingLifecycleVotes(t *testing.T) {
	s := NewScaledTradingStrategy(NewMapParams())
	candles := flatWith(20, 100, 100)

	cases := []struct {
		name   string
		view   PositionView
		price  float64
		action int
		reason position.ExitReason
	}{
		{"hard stop", PositionView{Holding: true, BuyPrice: 100, HighestPrice: 100}, 96.9, Sell, position.ExitStopLossFixed},
		{"trailing stop", PositionView{Holding: true, BuyPrice: 100, HighestPrice: 104}, 102.4, Sell, position.ExitTrailingStop},
		{"take profit", PositionView{Holding: true, BuyPrice: 100, HighestPrice: 105.1}, 105.1, Sell, position.ExitTakeProfit},
		{"riding", PositionView{Holding: true, BuyPrice: 100, HighestPrice: 102}, 101, Hold, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			window := make([]upbit.Candle, len(candles))
			copy(window, candles)
			window[0].TradePrice = tc.price
			sig, err := s.AnalyzeForBacktest("KRW-BTC", window, tc.view)
			require.NoError(t, err)
			assert.Equal(t, tc.action, sig.Action)
			if tc.action == Sell {
				assert.Equal(t, tc.reason, sig.ExitReason)
			}
		})
	}
}

func TestScaledTradingDipEntry(t *testing.T) {
	// Decline with a bullish latest candle: RSI well under 30.
	closes := make([]float64, 20)
	for i := range closes {
		closes[i] = 120 - float64(i)
	}
	closes[19] = closes[18] + 0.3
	candles := candlesFromChronological(closes)

	s := NewScaledTradingStrategy(NewMapParams())
	sig, err := s.AnalyzeForBacktest("KRW-BTC", candles, PositionView{})
	require.NoError(t, err)
	assert.Equal(t, Buy, sig.Action)
	assert.Greater(t, sig.StopLossPrice, 0.0)
}

func TestVolumeBreakout(t *testing.T) {
	closes := make([]float64, 22)
	for i := range closes {
		closes[i] = 99
	}
	closes[21] = 101
	candles := candlesFromChronological(closes)
	for i := 1; i < len(candles); i++ {
		candles[i].HighPrice = 100
	}
	candles[0].AccTradeVolume = 250

	s := NewVolumeBreakoutStrategy(NewMapParams())
	sig, err := s.AnalyzeForBacktest("KRW-BTC", candles, PositionView{})
	require.NoError(t, err)
	assert.Equal(t, Buy, sig.Action)

	// Participation drying up forces the exit.
	candles[0].AccTradeVolume = 20
	sig, err = s.AnalyzeForBacktest("KRW-BTC", candles, PositionView{Holding: true, BuyPrice: 100})
	require.NoError(t, err)
	assert.Equal(t, Sell, sig.Action)
	assert.Equal(t, position.ExitVolumeDrop, sig.ExitReason)
}

func TestVolumeImpulse(t *testing.T) {
	closes := make([]float64, 22)
	for i := range closes {
		closes[i] = 100
	}
	closes[21] = 105
	candles := candlesFromChronological(closes)
	candles[0].OpeningPrice = 100
	candles[0].HighPrice = 105.5
	candles[0].LowPrice = 99.5
	candles[0].AccTradeVolume = 400

	s := NewVolumeImpulseStrategy(NewMapParams())
	sig, err := s.AnalyzeForBacktest("KRW-BTC", candles, PositionView{})
	require.NoError(t, err)
	assert.Equal(t, Buy, sig.Action)

	sig, err = s.AnalyzeForBacktest("KRW-BTC", candles, PositionView{Holding: true, BuyPrice: 96})
	require.NoError(t, err)
	assert.Equal(t, Sell, sig.Action)
	assert.Equal(t, position.ExitOverheated, sig.ExitReason)
}

type panickingStrategy struct{}

func (panickingStrategy) Name() string { return "PANIC" }
func (panickingStrategy) Analyze(string, []upbit.Candle, *Context) (*Signal, error) {
	panic("boom")
}
func (panickingStrategy) AnalyzeForBacktest(string, []upbit.Candle, PositionView) (*Signal, error) {
	return nil, errors.New("unused")
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	for _, s := range NewAll(NewMapParams()) {
		require.NoError(t, r.Register(s))
	}
	assert.Len(t, r.Names(), 10)

	_, ok := r.Get(NameScaledTrading)
	assert.True(t, ok)

	err := r.Register(NewRSIStrategy(NewMapParams()))
	assert.Error(t, err, "duplicate registration must fail")

	sig := r.SafeAnalyze(panickingStrategy{}, "KRW-BTC", nil, &Context{})
	assert.Equal(t, Hold, sig.Action, "panics collapse to HOLD")
}

func TestParamResolutionOrder(t *testing.T) {
	p := NewMapParams()
	assert.Equal(t, 14, p.Int("u1", NameRSI, "period", 14), "default when unset")

	p.Set("", NameRSI, "period", "10")
	assert.Equal(t, 10, p.Int("u1", NameRSI, "period", 14), "global beats default")

	p.Set("u1", NameRSI, "period", "7")
	assert.Equal(t, 7, p.Int("u1", NameRSI, "period", 14), "user override beats global")
	assert.Equal(t, 10, p.Int("u2", NameRSI, "period", 14), "other users keep the global")

	bound := BindUser(p, "u1")
	assert.Equal(t, 7, bound.Int("ignored", NameRSI, "period", 14))
}
