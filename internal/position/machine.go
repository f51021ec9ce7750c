package position

import (
	"time"

	"github.com/shopspring/decimal"
)

// Params are the tunables of the scaled lifecycle. Values are fractions
// (0.015 = 1.5%) except MinHoldCandles.
type Params struct {
	EntryRatio1 float64 // share of allotted funds for leg 1
	EntryRatio2 float64
	EntryRatio3 float64

	Entry2DropThreshold float64 // drop vs leg-1 price that triggers leg 2
	Entry3DropThreshold float64 // drop vs leg-1 price that triggers leg 3

	PartialTakeProfitRate float64 // unrealized pnl that triggers the partial exit
	PartialExitRatio      float64 // share of quantity sold at the partial exit

	TrailingActivationThreshold float64 // unrealized pnl that arms the trailing stop
	TrailingStopRate            float64 // retrace from the high that fires the stop
	TrailingATRMultiplier       float64 // when > 0 and ATR known, stop distance = k*ATR

	MaxStopLossRate float64 // hard stop clamp below avg entry
	MinHoldCandles  int     // candles to hold before the stop loss arms
	CandleUnit      time.Duration
}

// DefaultParams mirrors the configured defaults.
func DefaultParams() Params {
	return Params{
		EntryRatio1:                 0.30,
		EntryRatio2:                 0.30,
		EntryRatio3:                 0.40,
		Entry2DropThreshold:         0.015,
		Entry3DropThreshold:         0.025,
		PartialTakeProfitRate:       0.025,
		PartialExitRatio:            0.50,
		TrailingActivationThreshold: 0.030,
		TrailingStopRate:            0.015,
		TrailingATRMultiplier:       0,
		MaxStopLossRate:             0.03,
		MinHoldCandles:              3,
		CandleUnit:                  time.Minute,
	}
}

// ActionKind is what the lifecycle wants done next.
type ActionKind int

const (
	ActionNone ActionKind = iota
	ActionEnterLeg2
	ActionEnterLeg3
	ActionPartialExit
	ActionFinalExit
)

// Action is the outcome of one lifecycle evaluation. FinalExit actions
// carry the reason; entry actions carry the funds ratio for the leg.
type Action struct {
	Kind       ActionKind
	Reason     ExitReason
	FundsRatio float64
}

// Evaluate inspects an open position against the current price and
// returns the next lifecycle action. atr may be zero when unknown. It
// also maintains the trailing high/stop as a side effect; callers hold
// the pair lease for the duration of the tick, so this is the single
// writer.
func Evaluate(p *Position, price decimal.Decimal, atr float64, params Params, now time.Time) Action {
	if p == nil || !p.IsOpen() {
		return Action{Kind: ActionNone}
	}

	_ = p.ObservePrice(price, now)

	// Scaled entry legs fire on drops measured against the first leg.
	if p.Status == StatusEntering && len(p.EntryLegs) > 0 && p.ExitPhase == 0 {
		leg1 := p.EntryLegs[0].Price
		drop := leg1.Sub(price).Div(leg1).InexactFloat64()
		switch p.EntryPhase {
		case 1:
			if drop >= params.Entry2DropThreshold {
				return Action{Kind: ActionEnterLeg2, FundsRatio: params.EntryRatio2}
			}
		case 2:
			if drop >= params.Entry3DropThreshold {
				return Action{Kind: ActionEnterLeg3, FundsRatio: params.EntryRatio3}
			}
		}
	}

	pnl := p.UnrealizedPnLRate(price)

	// Arm or tighten the trailing stop once the activation profit is hit.
	if pnl >= params.TrailingActivationThreshold || p.TrailingArmed {
		distance := p.TrailingHighPrice.Mul(decimal.NewFromFloat(params.TrailingStopRate))
		if params.TrailingATRMultiplier > 0 && atr > 0 {
			distance = decimal.NewFromFloat(params.TrailingATRMultiplier * atr)
		}
		if p.TrailingHighPrice.IsPositive() {
			_ = p.ArmTrailing(p.TrailingHighPrice.Sub(distance), now)
		}
	}

	// Exits, most urgent first.
	if p.TrailingArmed && price.LessThanOrEqual(p.TrailingStopPrice) {
		return Action{Kind: ActionFinalExit, Reason: ExitTrailingStop}
	}

	held := p.HoldingDuration(now)
	minHold := time.Duration(params.MinHoldCandles) * params.CandleUnit
	if held >= minHold {
		if p.StopLossPrice.IsPositive() && price.LessThanOrEqual(p.StopLossPrice) {
			return Action{Kind: ActionFinalExit, Reason: ExitStopLossFixed}
		}
		if params.MaxStopLossRate > 0 && pnl <= -params.MaxStopLossRate {
			return Action{Kind: ActionFinalExit, Reason: ExitStopLossATR}
		}
	}

	if p.Status == StatusActive && p.ExitPhase == 0 && pnl >= params.PartialTakeProfitRate {
		return Action{Kind: ActionPartialExit, FundsRatio: params.PartialExitRatio}
	}

	return Action{Kind: ActionNone}
}
