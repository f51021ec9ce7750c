package strategy

import (
	"fmt"

	"upbit-trading-bot/internal/indicator"
	"upbit-trading-bot/internal/position"
	"upbit-trading-bot/internal/upbit"
)

// NameBollingerBand identifies the Bollinger band mean-reversion strategy.
const NameBollingerBand = "BOLLINGER_BAND"

// BollingerBandStrategy buys closes under the lower band and takes
// profit when price reverts to the middle band or tags the upper band.
type BollingerBandStrategy struct {
	params Params
}

func NewBollingerBandStrategy(params Params) *BollingerBandStrategy {
	return &BollingerBandStrategy{params: params}
}

func (s *BollingerBandStrategy) Name() string { return NameBollingerBand }

func (s *BollingerBandStrategy) Analyze(market string, candles []upbit.Candle, ctx *Context) (*Signal, error) {
	return s.evaluate(ctx.UserID, market, candles, ViewOf(ctx.Position))
}

func (s *BollingerBandStrategy) AnalyzeForBacktest(market string, candles []upbit.Candle, view PositionView) (*Signal, error) {
	return s.evaluate("", market, candles, view)
}

func (s *BollingerBandStrategy) evaluate(userID, market string, candles []upbit.Candle, view PositionView) (*Signal, error) {
	period := s.params.Int(userID, NameBollingerBand, "period", 20)
	mult := s.params.Float(userID, NameBollingerBand, "multiplier", 2)
	if len(candles) < period+1 {
		return HoldSignal(), nil
	}

	bb, err := indicator.BollingerBands(candles, period, mult)
	if err != nil {
		return HoldSignal(), nil
	}
	price := candles[0].TradePrice

	if view.Holding {
		if price >= bb.Middle {
			return &Signal{
				Action:     Sell,
				ExitReason: position.ExitTakeProfit,
				Reason:     fmt.Sprintf("price %.2f reverted to middle band %.2f", price, bb.Middle),
			}, nil
		}
		return HoldSignal(), nil
	}

	if price <= bb.Lower {
		stopRate := s.params.Float(userID, NameBollingerBand, "stop_loss_rate", 0.03)
		return &Signal{
			Action:        Buy,
			TargetPrice:   bb.Middle,
			StopLossPrice: price * (1 - stopRate),
			Reason:        fmt.Sprintf("price %.2f under lower band %.2f", price, bb.Lower),
		}, nil
	}
	return HoldSignal(), nil
}
