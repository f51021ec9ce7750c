// Package voting combines per-strategy signals for one market into a
// single trade decision. The combination is deterministic given the
// same inputs.
package voting

import (
	"upbit-trading-bot/internal/position"
	"upbit-trading-bot/internal/strategy"
	"upbit-trading-bot/internal/upbit"
)

// Mode selects how strategy outputs are combined.
type Mode string

const (
	// ModeDefault requires a strict majority of the consulted
	// strategies to agree before emitting a decision.
	ModeDefault Mode = "DEFAULT"
	// ModeScaledTrading delegates entirely to the scaled strategy.
	ModeScaledTrading Mode = "SCALED_TRADING"
)

// Decision is the combined outcome for one (user, market) evaluation.
type Decision struct {
	Action         int
	SignalStrength float64 // max(buy,sell)/N * 100
	Agreeing       []string
	TargetPrice    float64
	StopLossPrice  float64
	ExitReason     position.ExitReason
	Reason         string
}

// HoldDecision is the neutral outcome.
func HoldDecision() *Decision { return &Decision{Action: strategy.Hold} }

// Voter runs the consulted strategy set and tallies their signals.
type Voter struct {
	registry *strategy.Registry
}

// NewVoter wires the voter to the strategy registry.
func NewVoter(registry *strategy.Registry) *Voter {
	return &Voter{registry: registry}
}

// Threshold is the strict-majority bar for n consulted strategies.
func Threshold(n int) int { return n/2 + 1 }

// Decide combines the named strategies' signals. names is the user's
// enabled set (already defaulted by the caller); pos may be nil.
func (v *Voter) Decide(mode Mode, names []string, market string, candles []upbit.Candle, ctx *strategy.Context) *Decision {
	if mode == ModeScaledTrading {
		return v.decideScaled(market, candles, ctx)
	}
	return v.decideMajority(names, market, candles, ctx)
}

func (v *Voter) decideScaled(market string, candles []upbit.Candle, ctx *strategy.Context) *Decision {
	s, ok := v.registry.Get(strategy.NameScaledTrading)
	if !ok {
		return HoldDecision()
	}
	sig := v.registry.SafeAnalyze(s, market, candles, ctx)
	if sig.Action == strategy.Hold {
		return HoldDecision()
	}
	return &Decision{
		Action:         sig.Action,
		SignalStrength: 100,
		Agreeing:       []string{s.Name()},
		TargetPrice:    sig.TargetPrice,
		StopLossPrice:  sig.StopLossPrice,
		ExitReason:     sig.ExitReason,
		Reason:         sig.Reason,
	}
}

type vote struct {
	name string
	sig  *strategy.Signal
}

func (v *Voter) decideMajority(names []string, market string, candles []upbit.Candle, ctx *strategy.Context) *Decision {
	var buys, sells []vote
	consulted := 0
	for _, name := range names {
		s, ok := v.registry.Get(name)
		if !ok {
			continue
		}
		consulted++
		sig := v.registry.SafeAnalyze(s, market, candles, ctx)
		switch sig.Action {
		case strategy.Buy:
			buys = append(buys, vote{name, sig})
		case strategy.Sell:
			sells = append(sells, vote{name, sig})
		}
	}
	if consulted == 0 {
		return HoldDecision()
	}

	threshold := Threshold(consulted)
	holding := ctx != nil && ctx.Position != nil && ctx.Position.IsOpen()

	// Exit votes outrank entry votes on a tie.
	if len(sells) >= threshold && holding {
		return tally(strategy.Sell, sells, consulted)
	}
	if len(buys) >= threshold && !holding {
		return tally(strategy.Buy, buys, consulted)
	}
	return HoldDecision()
}

func tally(action int, votes []vote, consulted int) *Decision {
	d := &Decision{
		Action:         action,
		SignalStrength: float64(len(votes)) / float64(consulted) * 100,
	}
	for _, v := range votes {
		d.Agreeing = append(d.Agreeing, v.name)
		// First non-zero hint wins; agreeing strategies rarely disagree
		// on direction of the hint and the engine treats it as advisory.
		if d.TargetPrice == 0 && v.sig.TargetPrice > 0 {
			d.TargetPrice = v.sig.TargetPrice
		}
		if d.StopLossPrice == 0 && v.sig.StopLossPrice > 0 {
			d.StopLossPrice = v.sig.StopLossPrice
		}
		if d.ExitReason == "" && v.sig.ExitReason != "" {
			d.ExitReason = v.sig.ExitReason
		}
		if d.Reason == "" {
			d.Reason = v.sig.Reason
		}
	}
	return d
}
