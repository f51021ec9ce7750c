package strategy

import (
	"fmt"

	"upbit-trading-bot/internal/position"
	"upbit-trading-bot/internal/upbit"
)

// NameMomentumScalping identifies the short-horizon momentum strategy.
const NameMomentumScalping = "MOMENTUM_SCALPING"

// MomentumScalpingStrategy takes small, quick profits on short bursts
// of momentum backed by above-average volume.
type MomentumScalpingStrategy struct {
	params Params
}

func NewMomentumScalpingStrategy(params Params) *MomentumScalpingStrategy {
	return &MomentumScalpingStrategy{params: params}
}

func (s *MomentumScalpingStrategy) Name() string { return NameMomentumScalping }

func (s *MomentumScalpingStrategy) Analyze(market string, candles []upbit.Candle, ctx *Context) (*Signal, error) {
	return s.evaluate(ctx.UserID, market, candles, ViewOf(ctx.Position))
}

func (s *MomentumScalpingStrategy) AnalyzeForBacktest(market string, candles []upbit.Candle, view PositionView) (*Signal, error) {
	return s.evaluate("", market, candles, view)
}

func (s *MomentumScalpingStrategy) evaluate(userID, market string, candles []upbit.Candle, view PositionView) (*Signal, error) {
	lookback := s.params.Int(userID, NameMomentumScalping, "lookback", 5)
	volWindow := s.params.Int(userID, NameMomentumScalping, "volume_window", 10)
	need := lookback + 1
	if volWindow+1 > need {
		need = volWindow + 1
	}
	if len(candles) < need {
		return HoldSignal(), nil
	}

	price := candles[0].TradePrice
	base := candles[lookback].TradePrice
	if base <= 0 {
		return HoldSignal(), nil
	}
	momentum := price/base - 1

	if view.Holding {
		takeRate := s.params.Float(userID, NameMomentumScalping, "take_profit_rate", 0.008)
		if view.BuyPrice > 0 && price >= view.BuyPrice*(1+takeRate) {
			return &Signal{
				Action:     Sell,
				ExitReason: position.ExitTakeProfit,
				Reason:     fmt.Sprintf("scalp target %.2f%% hit", takeRate*100),
			}, nil
		}
		reversal := s.params.Float(userID, NameMomentumScalping, "reversal_rate", 0.005)
		if momentum <= -reversal {
			return &Signal{
				Action:     Sell,
				ExitReason: position.ExitSignalInvalid,
				Reason:     fmt.Sprintf("momentum reversed %.2f%%", momentum*100),
			}, nil
		}
		return HoldSignal(), nil
	}

	avgVolume := 0.0
	for _, c := range candles[1 : volWindow+1] {
		avgVolume += c.AccTradeVolume
	}
	avgVolume /= float64(volWindow)

	minMomentum := s.params.Float(userID, NameMomentumScalping, "min_momentum", 0.01)
	volMult := s.params.Float(userID, NameMomentumScalping, "volume_multiplier", 1.5)
	if momentum >= minMomentum && avgVolume > 0 && candles[0].AccTradeVolume >= avgVolume*volMult {
		stopRate := s.params.Float(userID, NameMomentumScalping, "stop_loss_rate", 0.01)
		takeRate := s.params.Float(userID, NameMomentumScalping, "take_profit_rate", 0.008)
		return &Signal{
			Action:        Buy,
			TargetPrice:   price * (1 + takeRate),
			StopLossPrice: price * (1 - stopRate),
			Reason:        fmt.Sprintf("momentum %.2f%% over %d candles on expanding volume", momentum*100, lookback),
		}, nil
	}
	return HoldSignal(), nil
}
