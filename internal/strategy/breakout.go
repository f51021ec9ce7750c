package strategy

import (
	"fmt"
	"time"

	"upbit-trading-bot/internal/position"
	"upbit-trading-bot/internal/upbit"
)

// Strategy names for the breakout family.
const (
	NameVolatilityBreakout = "VOLATILITY_BREAKOUT"
	NameVolumeBreakout     = "VOLUME_BREAKOUT"
	NameVolumeImpulse      = "VOLUME_IMPULSE"
)

// VolatilityBreakoutStrategy is the Larry Williams range breakout: buy
// when price clears the current open plus k times the previous candle
// range, exit on a time stop.
type VolatilityBreakoutStrategy struct {
	params Params
}

func NewVolatilityBreakoutStrategy(params Params) *VolatilityBreakoutStrategy {
	return &VolatilityBreakoutStrategy{params: params}
}

func (s *VolatilityBreakoutStrategy) Name() string { return NameVolatilityBreakout }

func (s *VolatilityBreakoutStrategy) Analyze(market string, candles []upbit.Candle, ctx *Context) (*Signal, error) {
	return s.evaluate(ctx.UserID, market, candles, ViewOf(ctx.Position), ctx.Now)
}

func (s *VolatilityBreakoutStrategy) AnalyzeForBacktest(market string, candles []upbit.Candle, view PositionView) (*Signal, error) {
	return s.evaluate("", market, candles, view, candles[0].Time())
}

func (s *VolatilityBreakoutStrategy) evaluate(userID, market string, candles []upbit.Candle, view PositionView, now time.Time) (*Signal, error) {
	if len(candles) < 2 {
		return HoldSignal(), nil
	}
	price := candles[0].TradePrice

	if view.Holding {
		holdMinutes := s.params.Int(userID, NameVolatilityBreakout, "hold_minutes", 1440)
		if !view.BuyTime.IsZero() && now.Sub(view.BuyTime) >= time.Duration(holdMinutes)*time.Minute {
			return &Signal{
				Action:     Sell,
				ExitReason: position.ExitTimeout,
				Reason:     fmt.Sprintf("held past %d minute window", holdMinutes),
			}, nil
		}
		return HoldSignal(), nil
	}

	k := s.params.Float(userID, NameVolatilityBreakout, "k", 0.5)
	prevRange := candles[1].HighPrice - candles[1].LowPrice
	target := candles[0].OpeningPrice + k*prevRange
	if prevRange > 0 && price >= target {
		stopRate := s.params.Float(userID, NameVolatilityBreakout, "stop_loss_rate", 0.02)
		return &Signal{
			Action:        Buy,
			StopLossPrice: target * (1 - stopRate),
			Reason:        fmt.Sprintf("breakout above %.2f (open + %.2f*range)", target, k),
		}, nil
	}
	return HoldSignal(), nil
}

// VolumeBreakoutStrategy buys a new lookback high confirmed by volume
// expansion, and bails out when participation dries up.
type VolumeBreakoutStrategy struct {
	params Params
}

func NewVolumeBreakoutStrategy(params Params) *VolumeBreakoutStrategy {
	return &VolumeBreakoutStrategy{params: params}
}

func (s *VolumeBreakoutStrategy) Name() string { return NameVolumeBreakout }

func (s *VolumeBreakoutStrategy) Analyze(market string, candles []upbit.Candle, ctx *Context) (*Signal, error) {
	return s.evaluate(ctx.UserID, market, candles, ViewOf(ctx.Position))
}

func (s *VolumeBreakoutStrategy) AnalyzeForBacktest(market string, candles []upbit.Candle, view PositionView) (*Signal, error) {
	return s.evaluate("", market, candles, view)
}

func (s *VolumeBreakoutStrategy) evaluate(userID, market string, candles []upbit.Candle, view PositionView) (*Signal, error) {
	lookback := s.params.Int(userID, NameVolumeBreakout, "lookback", 20)
	if len(candles) < lookback+1 {
		return HoldSignal(), nil
	}

	resistance := 0.0
	avgVolume := 0.0
	for _, c := range candles[1 : lookback+1] {
		if c.HighPrice > resistance {
			resistance = c.HighPrice
		}
		avgVolume += c.AccTradeVolume
	}
	avgVolume /= float64(lookback)

	price := candles[0].TradePrice
	volume := candles[0].AccTradeVolume

	if view.Holding {
		dryMult := s.params.Float(userID, NameVolumeBreakout, "volume_drop_multiplier", 0.3)
		if avgVolume > 0 && volume <= avgVolume*dryMult {
			return &Signal{
				Action:     Sell,
				ExitReason: position.ExitVolumeDrop,
				Reason:     fmt.Sprintf("volume %.2f collapsed under %.0f%% of average", volume, dryMult*100),
			}, nil
		}
		targetRate := s.params.Float(userID, NameVolumeBreakout, "target_rate", 0.04)
		if view.BuyPrice > 0 && price >= view.BuyPrice*(1+targetRate) {
			return &Signal{
				Action:     Sell,
				ExitReason: position.ExitTakeProfit,
				Reason:     "breakout target reached",
			}, nil
		}
		return HoldSignal(), nil
	}

	volMult := s.params.Float(userID, NameVolumeBreakout, "volume_multiplier", 2)
	if price > resistance && avgVolume > 0 && volume >= avgVolume*volMult {
		stopRate := s.params.Float(userID, NameVolumeBreakout, "stop_loss_rate", 0.03)
		return &Signal{
			Action:        Buy,
			StopLossPrice: resistance * (1 - stopRate),
			Reason:        fmt.Sprintf("new %d-candle high %.2f on %.1fx volume", lookback, price, volume/avgVolume),
		}, nil
	}
	return HoldSignal(), nil
}

// VolumeImpulseStrategy chases a single outsized bullish candle and
// sells into the overheat that usually follows.
type VolumeImpulseStrategy struct {
	params Params
}

func NewVolumeImpulseStrategy(params Params) *VolumeImpulseStrategy {
	return &VolumeImpulseStrategy{params: params}
}

func (s *VolumeImpulseStrategy) Name() string { return NameVolumeImpulse }

func (s *VolumeImpulseStrategy) Analyze(market string, candles []upbit.Candle, ctx *Context) (*Signal, error) {
	return s.evaluate(ctx.UserID, market, candles, ViewOf(ctx.Position))
}

func (s *VolumeImpulseStrategy) AnalyzeForBacktest(market string, candles []upbit.Candle, view PositionView) (*Signal, error) {
	return s.evaluate("", market, candles, view)
}

func (s *VolumeImpulseStrategy) evaluate(userID, market string, candles []upbit.Candle, view PositionView) (*Signal, error) {
	lookback := s.params.Int(userID, NameVolumeImpulse, "lookback", 20)
	if len(candles) < lookback+1 {
		return HoldSignal(), nil
	}

	avgVolume := 0.0
	for _, c := range candles[1 : lookback+1] {
		avgVolume += c.AccTradeVolume
	}
	avgVolume /= float64(lookback)

	latest := candles[0]
	price := latest.TradePrice
	impulse := avgVolume > 0 && latest.AccTradeVolume >= avgVolume*s.params.Float(userID, NameVolumeImpulse, "impulse_multiplier", 3)

	if view.Holding {
		overheat := s.params.Float(userID, NameVolumeImpulse, "overheat_rate", 0.08)
		if view.BuyPrice > 0 && price >= view.BuyPrice*(1+overheat) {
			return &Signal{
				Action:     Sell,
				ExitReason: position.ExitOverheated,
				Reason:     fmt.Sprintf("gain past %.0f%% overheat line", overheat*100),
			}, nil
		}
		if impulse && price < latest.OpeningPrice {
			return &Signal{
				Action:     Sell,
				ExitReason: position.ExitSignalInvalid,
				Reason:     "bearish impulse candle against the position",
			}, nil
		}
		return HoldSignal(), nil
	}

	candleRange := latest.HighPrice - latest.LowPrice
	body := price - latest.OpeningPrice
	minBody := s.params.Float(userID, NameVolumeImpulse, "min_body_ratio", 0.5)
	if impulse && candleRange > 0 && body > 0 && body >= candleRange*minBody {
		stopRate := s.params.Float(userID, NameVolumeImpulse, "stop_loss_rate", 0.03)
		return &Signal{
			Action:        Buy,
			StopLossPrice: price * (1 - stopRate),
			Reason:        fmt.Sprintf("bullish impulse %.1fx average volume", latest.AccTradeVolume/avgVolume),
		}, nil
	}
	return HoldSignal(), nil
}
