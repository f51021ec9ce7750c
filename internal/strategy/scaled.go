package strategy

import (
	"fmt"

	"upbit-trading-bot/internal/indicator"
	"upbit-trading-bot/internal/position"
	"upbit-trading-bot/internal/upbit"
)

// NameScaledTrading identifies the scaled-entry dip strategy. In
// SCALED_TRADING mode it is the only strategy the voting layer
// consults; its buy opens leg 1 and the position lifecycle drives the
// remaining legs and exits.
const NameScaledTrading = "SCALED_TRADING"

// ScaledTradingStrategy enters on oversold dips and, when it owns the
// exit decision (backtests, or votes while holding), mirrors the
// lifecycle rules: hard stop, trailing stop off the high-water mark,
// and a take-profit target.
type ScaledTradingStrategy struct {
	params Params
}

func NewScaledTradingStrategy(params Params) *ScaledTradingStrategy {
	return &ScaledTradingStrategy{params: params}
}

func (s *ScaledTradingStrategy) Name() string { return NameScaledTrading }

func (s *ScaledTradingStrategy) Analyze(market string, candles []upbit.Candle, ctx *Context) (*Signal, error) {
	return s.evaluate(ctx.UserID, market, candles, ViewOf(ctx.Position))
}

func (s *ScaledTradingStrategy) AnalyzeForBacktest(market string, candles []upbit.Candle, view PositionView) (*Signal, error) {
	return s.evaluate("", market, candles, view)
}

func (s *ScaledTradingStrategy) evaluate(userID, market string, candles []upbit.Candle, view PositionView) (*Signal, error) {
	rsiPeriod := s.params.Int(userID, NameScaledTrading, "rsi_period", 14)
	if len(candles) < rsiPeriod+2 {
		return HoldSignal(), nil
	}
	price := candles[0].TradePrice

	if view.Holding {
		if view.BuyPrice <= 0 {
			return HoldSignal(), nil
		}
		pnl := price/view.BuyPrice - 1

		maxLoss := s.params.Float(userID, NameScaledTrading, "max_stop_loss_rate", 0.03)
		if pnl <= -maxLoss {
			return &Signal{
				Action:     Sell,
				ExitReason: position.ExitStopLossFixed,
				Reason:     fmt.Sprintf("loss %.2f%% hit the hard stop", pnl*100),
			}, nil
		}

		armRate := s.params.Float(userID, NameScaledTrading, "trailing_activation", 0.03)
		trailRate := s.params.Float(userID, NameScaledTrading, "trailing_stop_rate", 0.015)
		high := view.HighestPrice
		if high < price {
			high = price
		}
		armed := view.BuyPrice > 0 && high >= view.BuyPrice*(1+armRate)
		if armed && price <= high*(1-trailRate) {
			return &Signal{
				Action:     Sell,
				ExitReason: position.ExitTrailingStop,
				Reason:     fmt.Sprintf("retraced %.2f%% off high %.2f", trailRate*100, high),
			}, nil
		}

		takeRate := s.params.Float(userID, NameScaledTrading, "take_profit_rate", 0.05)
		if pnl >= takeRate {
			return &Signal{
				Action:     Sell,
				ExitReason: position.ExitTakeProfit,
				Reason:     fmt.Sprintf("gain %.2f%% reached the target", pnl*100),
			}, nil
		}
		return HoldSignal(), nil
	}

	rsi, err := indicator.RSI(candles, rsiPeriod)
	if err != nil {
		return HoldSignal(), nil
	}
	oversold := s.params.Float(userID, NameScaledTrading, "oversold", 30)
	bullish := candles[0].TradePrice > candles[0].OpeningPrice

	if rsi < oversold && bullish {
		stopRate := s.params.Float(userID, NameScaledTrading, "max_stop_loss_rate", 0.03)
		takeRate := s.params.Float(userID, NameScaledTrading, "take_profit_rate", 0.05)
		return &Signal{
			Action:        Buy,
			TargetPrice:   price * (1 + takeRate),
			StopLossPrice: price * (1 - stopRate),
			Reason:        fmt.Sprintf("dip entry, RSI %.1f under %.0f with bullish close", rsi, oversold),
		}, nil
	}
	return HoldSignal(), nil
}
