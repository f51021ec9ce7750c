package strategy

import (
	"fmt"

	"upbit-trading-bot/internal/indicator"
	"upbit-trading-bot/internal/position"
	"upbit-trading-bot/internal/upbit"
)

// NameRSI identifies the RSI mean-reversion strategy.
const NameRSI = "RSI"

// RSIStrategy buys oversold reversals and sells overbought rollovers.
// A buy needs the RSI to have been under the oversold floor, to have
// recovered past the recovery level, and the latest candle to close
// bullish.
type RSIStrategy struct {
	params Params
}

func NewRSIStrategy(params Params) *RSIStrategy {
	return &RSIStrategy{params: params}
}

func (s *RSIStrategy) Name() string { return NameRSI }

func (s *RSIStrategy) Analyze(market string, candles []upbit.Candle, ctx *Context) (*Signal, error) {
	return s.evaluate(ctx.UserID, market, candles, ViewOf(ctx.Position))
}

func (s *RSIStrategy) AnalyzeForBacktest(market string, candles []upbit.Candle, view PositionView) (*Signal, error) {
	return s.evaluate("", market, candles, view)
}

func (s *RSIStrategy) evaluate(userID, market string, candles []upbit.Candle, view PositionView) (*Signal, error) {
	period := s.params.Int(userID, NameRSI, "period", 14)
	if len(candles) < period+2 {
		return HoldSignal(), nil
	}

	curr, err := indicator.RSI(candles, period)
	if err != nil {
		return HoldSignal(), nil
	}
	prev, err := indicator.RSI(candles[1:], period)
	if err != nil {
		return HoldSignal(), nil
	}

	price := candles[0].TradePrice

	if view.Holding {
		overbought := s.params.Float(userID, NameRSI, "overbought", 70)
		if curr >= overbought && curr < prev {
			return &Signal{
				Action:     Sell,
				ExitReason: position.ExitTakeProfit,
				Reason:     fmt.Sprintf("RSI %.1f rolling over above %.0f", curr, overbought),
			}, nil
		}
		return HoldSignal(), nil
	}

	oversold := s.params.Float(userID, NameRSI, "oversold", 25)
	recovery := s.params.Float(userID, NameRSI, "recovery", 28)
	bullish := candles[0].TradePrice > candles[0].OpeningPrice

	if prev < oversold && curr >= recovery && curr > prev && bullish {
		stopRate := s.params.Float(userID, NameRSI, "stop_loss_rate", 0.03)
		targetRate := s.params.Float(userID, NameRSI, "target_rate", 0.05)
		return &Signal{
			Action:        Buy,
			TargetPrice:   price * (1 + targetRate),
			StopLossPrice: price * (1 - stopRate),
			Reason:        fmt.Sprintf("RSI recovered %.1f -> %.1f from oversold", prev, curr),
		}, nil
	}
	return HoldSignal(), nil
}
