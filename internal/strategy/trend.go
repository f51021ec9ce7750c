package strategy

import (
	"fmt"

	"upbit-trading-bot/internal/indicator"
	"upbit-trading-bot/internal/position"
	"upbit-trading-bot/internal/upbit"
)

// Strategy names for the trend family.
const (
	NameGoldenCross    = "GOLDEN_CROSS"
	NameMACD           = "MACD"
	NameTrendFollowing = "TREND_FOLLOWING"
)

// GoldenCrossStrategy trades the short/long SMA crossover: a golden
// cross buys, a death cross sells.
type GoldenCrossStrategy struct {
	params Params
}

func NewGoldenCrossStrategy(params Params) *GoldenCrossStrategy {
	return &GoldenCrossStrategy{params: params}
}

func (s *GoldenCrossStrategy) Name() string { return NameGoldenCross }

func (s *GoldenCrossStrategy) Analyze(market string, candles []upbit.Candle, ctx *Context) (*Signal, error) {
	return s.evaluate(ctx.UserID, market, candles, ViewOf(ctx.Position))
}

func (s *GoldenCrossStrategy) AnalyzeForBacktest(market string, candles []upbit.Candle, view PositionView) (*Signal, error) {
	return s.evaluate("", market, candles, view)
}

func (s *GoldenCrossStrategy) evaluate(userID, market string, candles []upbit.Candle, view PositionView) (*Signal, error) {
	short := s.params.Int(userID, NameGoldenCross, "short_period", 20)
	long := s.params.Int(userID, NameGoldenCross, "long_period", 60)
	if len(candles) < long+2 {
		return HoldSignal(), nil
	}

	shortNow, err := indicator.SMA(candles, short)
	if err != nil {
		return HoldSignal(), nil
	}
	longNow, err := indicator.SMA(candles, long)
	if err != nil {
		return HoldSignal(), nil
	}
	shortPrev, err := indicator.SMA(candles[1:], short)
	if err != nil {
		return HoldSignal(), nil
	}
	longPrev, err := indicator.SMA(candles[1:], long)
	if err != nil {
		return HoldSignal(), nil
	}

	crossedUp := shortPrev <= longPrev && shortNow > longNow
	crossedDown := shortPrev >= longPrev && shortNow < longNow

	if !view.Holding && crossedUp {
		price := candles[0].TradePrice
		stopRate := s.params.Float(userID, NameGoldenCross, "stop_loss_rate", 0.03)
		return &Signal{
			Action:        Buy,
			StopLossPrice: price * (1 - stopRate),
			Reason:        fmt.Sprintf("golden cross SMA%d over SMA%d", short, long),
		}, nil
	}
	if view.Holding && crossedDown {
		return &Signal{
			Action:     Sell,
			ExitReason: position.ExitSignalInvalid,
			Reason:     fmt.Sprintf("death cross SMA%d under SMA%d", short, long),
		}, nil
	}
	return HoldSignal(), nil
}

// MACDStrategy trades histogram zero crossings.
type MACDStrategy struct {
	params Params
}

func NewMACDStrategy(params Params) *MACDStrategy {
	return &MACDStrategy{params: params}
}

func (s *MACDStrategy) Name() string { return NameMACD }

func (s *MACDStrategy) Analyze(market string, candles []upbit.Candle, ctx *Context) (*Signal, error) {
	return s.evaluate(ctx.UserID, market, candles, ViewOf(ctx.Position))
}

func (s *MACDStrategy) AnalyzeForBacktest(market string, candles []upbit.Candle, view PositionView) (*Signal, error) {
	return s.evaluate("", market, candles, view)
}

func (s *MACDStrategy) evaluate(userID, market string, candles []upbit.Candle, view PositionView) (*Signal, error) {
	fast := s.params.Int(userID, NameMACD, "fast_period", 12)
	slow := s.params.Int(userID, NameMACD, "slow_period", 26)
	signalPeriod := s.params.Int(userID, NameMACD, "signal_period", 9)
	if len(candles) < slow+signalPeriod+2 {
		return HoldSignal(), nil
	}

	now, err := indicator.MACD(candles, fast, slow, signalPeriod)
	if err != nil {
		return HoldSignal(), nil
	}
	prev, err := indicator.MACD(candles[1:], fast, slow, signalPeriod)
	if err != nil {
		return HoldSignal(), nil
	}

	if !view.Holding && prev.Histogram <= 0 && now.Histogram > 0 {
		price := candles[0].TradePrice
		stopRate := s.params.Float(userID, NameMACD, "stop_loss_rate", 0.03)
		return &Signal{
			Action:        Buy,
			StopLossPrice: price * (1 - stopRate),
			Reason:        fmt.Sprintf("MACD histogram crossed positive (%.4f)", now.Histogram),
		}, nil
	}
	if view.Holding && prev.Histogram >= 0 && now.Histogram < 0 {
		return &Signal{
			Action:     Sell,
			ExitReason: position.ExitSignalInvalid,
			Reason:     fmt.Sprintf("MACD histogram crossed negative (%.4f)", now.Histogram),
		}, nil
	}
	return HoldSignal(), nil
}

// TrendFollowingStrategy rides established uptrends: fast EMA above
// slow EMA, price above the fast EMA, RSI in the healthy band. Exits on
// a close under the slow EMA or at the profit target.
type TrendFollowingStrategy struct {
	params Params
}

func NewTrendFollowingStrategy(params Params) *TrendFollowingStrategy {
	return &TrendFollowingStrategy{params: params}
}

func (s *TrendFollowingStrategy) Name() string { return NameTrendFollowing }

func (s *TrendFollowingStrategy) Analyze(market string, candles []upbit.Candle, ctx *Context) (*Signal, error) {
	return s.evaluate(ctx.UserID, market, candles, ViewOf(ctx.Position))
}

func (s *TrendFollowingStrategy) AnalyzeForBacktest(market string, candles []upbit.Candle, view PositionView) (*Signal, error) {
	return s.evaluate("", market, candles, view)
}

func (s *TrendFollowingStrategy) evaluate(userID, market string, candles []upbit.Candle, view PositionView) (*Signal, error) {
	fastPeriod := s.params.Int(userID, NameTrendFollowing, "ema_fast", 10)
	slowPeriod := s.params.Int(userID, NameTrendFollowing, "ema_slow", 30)
	if len(candles) < slowPeriod+1 {
		return HoldSignal(), nil
	}

	emaFast, err := indicator.EMA(candles, fastPeriod)
	if err != nil {
		return HoldSignal(), nil
	}
	emaSlow, err := indicator.EMA(candles, slowPeriod)
	if err != nil {
		return HoldSignal(), nil
	}
	price := candles[0].TradePrice

	if view.Holding {
		targetRate := s.params.Float(userID, NameTrendFollowing, "target_rate", 0.05)
		if view.BuyPrice > 0 && price >= view.BuyPrice*(1+targetRate) {
			return &Signal{
				Action:     Sell,
				ExitReason: position.ExitTakeProfit,
				Reason:     "trend target reached",
			}, nil
		}
		if price < emaSlow {
			return &Signal{
				Action:     Sell,
				ExitReason: position.ExitSignalInvalid,
				Reason:     fmt.Sprintf("price %.2f closed under EMA%d %.2f", price, slowPeriod, emaSlow),
			}, nil
		}
		return HoldSignal(), nil
	}

	rsi, err := indicator.RSI(candles, s.params.Int(userID, NameTrendFollowing, "rsi_period", 14))
	if err != nil {
		return HoldSignal(), nil
	}
	rsiFloor := s.params.Float(userID, NameTrendFollowing, "rsi_floor", 50)
	rsiCeil := s.params.Float(userID, NameTrendFollowing, "rsi_ceiling", 70)

	if emaFast > emaSlow && price > emaFast && rsi >= rsiFloor && rsi <= rsiCeil {
		stop := price * (1 - s.params.Float(userID, NameTrendFollowing, "stop_loss_rate", 0.03))
		if atr, err := indicator.ATR(candles, 14); err == nil {
			atrMult := s.params.Float(userID, NameTrendFollowing, "atr_multiplier", 2)
			if atrStop := price - atrMult*atr; atrStop > stop {
				stop = atrStop
			}
		}
		return &Signal{
			Action:        Buy,
			StopLossPrice: stop,
			Reason:        fmt.Sprintf("uptrend EMA%d>EMA%d, RSI %.1f", fastPeriod, slowPeriod, rsi),
		}, nil
	}
	return HoldSignal(), nil
}
