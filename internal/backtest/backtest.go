// Package backtest replays a strategy over historical candles with a
// simulated wallet. Runs are pure functions of their inputs, so the
// same request over the same candles always yields the same report.
package backtest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"upbit-trading-bot/internal/position"
	"upbit-trading-bot/internal/strategy"
	"upbit-trading-bot/internal/upbit"
	"upbit-trading-bot/internal/voting"
)

// StrategyCombined runs every registered strategy through majority
// voting instead of a single one.
const StrategyCombined = "COMBINED"

// Request describes one simulation.
type Request struct {
	Markets        []string `json:"markets"`
	StrategyName   string   `json:"strategy_name"`
	CandleUnit     int      `json:"candle_unit"`
	CandleCount    int      `json:"candle_count"`
	InitialBalance float64  `json:"initial_balance"`
	UserID         string   `json:"-"`
}

// Validate rejects requests the engine cannot run.
func (r *Request) Validate() error {
	if len(r.Markets) == 0 {
		return fmt.Errorf("backtest: no markets")
	}
	if r.InitialBalance <= 0 {
		return fmt.Errorf("backtest: initial balance must be positive")
	}
	if r.CandleCount <= strategy.MinWindow {
		return fmt.Errorf("backtest: need more than %d candles", strategy.MinWindow)
	}
	return nil
}

// Trade is one simulated fill.
type Trade struct {
	Market     string              `json:"market"`
	Side       string              `json:"side"` // bid or ask
	Time       time.Time           `json:"time"`
	Price      float64             `json:"price"`
	Volume     float64             `json:"volume"`
	Amount     float64             `json:"amount"`
	Fee        float64             `json:"fee"`
	ProfitRate float64             `json:"profit_rate,omitempty"` // asks only
	ExitReason position.ExitReason `json:"exit_reason,omitempty"` // asks only
	Reason     string              `json:"reason,omitempty"`
}

// Result is the per-market simulation report. FinalTotalAsset is always
// FinalBalance + FinalCoinBalance*LastPrice, computed from the same
// terms it is reported next to.
type Result struct {
	Market           string                      `json:"market"`
	StrategyName     string                      `json:"strategy_name"`
	CandleUnit       int                         `json:"candle_unit"`
	CandleCount      int                         `json:"candle_count"`
	InitialBalance   float64                     `json:"initial_balance"`
	FinalBalance     float64                     `json:"final_balance"`
	FinalCoinBalance float64                     `json:"final_coin_balance"`
	LastPrice        float64                     `json:"last_price"`
	FinalTotalAsset  float64                     `json:"final_total_asset"`
	TotalProfitRate  float64                     `json:"total_profit_rate"`
	BuyAndHoldRate   float64                     `json:"buy_and_hold_rate"`
	MaxTotalAsset    float64                     `json:"max_total_asset"`
	MinTotalAsset    float64                     `json:"min_total_asset"`
	BuyCount         int                         `json:"buy_count"`
	SellCount        int                         `json:"sell_count"`
	WinCount         int                         `json:"win_count"`
	LossCount        int                         `json:"loss_count"`
	WinRate          float64                     `json:"win_rate"`
	ExitReasons      map[position.ExitReason]int `json:"exit_reasons"`
	Trades           []Trade                     `json:"trades"`
}

// Report bundles every market of one request.
type Report struct {
	Results []*Result `json:"results"`
}

// Engine replays candle history. feeRate applies to both sides of a
// round trip; spendRatio is the share of cash committed per buy.
type Engine struct {
	params     strategy.Params
	feeRate    float64
	spendRatio float64
	warmup     int
	factory    func(userID string) []strategy.Strategy
}

// NewEngine wires an engine over the built-in strategy set.
func NewEngine(params strategy.Params) *Engine {
	return &Engine{
		params:     params,
		feeRate:    0.0005,
		spendRatio: 0.99,
		warmup:     strategy.MinWindow,
		factory: func(userID string) []strategy.Strategy {
			return strategy.NewAll(strategy.BindUser(params, userID))
		},
	}
}

// holding is the simulated wallet's open lot.
type holding struct {
	open     bool
	buyPrice float64
	highest  float64
	target   float64
	volume   float64
	buyCost  float64 // cash spent including fee
	buyTime  time.Time
	reason   string
}

func (h *holding) view() strategy.PositionView {
	if !h.open {
		return strategy.PositionView{}
	}
	return strategy.PositionView{
		Holding:      true,
		BuyPrice:     h.buyPrice,
		HighestPrice: h.highest,
		TargetPrice:  h.target,
		Quantity:     h.volume,
		BuyTime:      h.buyTime,
	}
}

// Run replays one market. candles arrive newest first, exactly as the
// exchange serves them. ticked, when non-nil, is called once per
// evaluated candle.
func (e *Engine) Run(ctx context.Context, req Request, market string, candles []upbit.Candle, ticked func()) (*Result, error) {
	n := len(candles)
	if n <= e.warmup {
		return nil, fmt.Errorf("backtest: %s: %d candles, need more than %d", market, n, e.warmup)
	}

	strats, err := e.selectStrategies(req)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Market:         market,
		StrategyName:   req.StrategyName,
		CandleUnit:     req.CandleUnit,
		CandleCount:    n,
		InitialBalance: req.InitialBalance,
		MinTotalAsset:  req.InitialBalance,
		MaxTotalAsset:  req.InitialBalance,
		ExitReasons:    make(map[position.ExitReason]int),
	}

	balance := req.InitialBalance
	var lot holding
	firstPrice := candles[n-1-e.warmup].TradePrice

	// The feed is newest first, so the as-of-now view at chronological
	// step i is the suffix candles[n-1-i:]. Each window is a subslice
	// of the original backing array; no per-step copying.
	for i := e.warmup; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		window := candles[n-1-i:]
		now := window[0]
		price := now.TradePrice
		if price <= 0 {
			continue
		}

		if lot.open && price > lot.highest {
			lot.highest = price
		}

		sig := e.decide(strats, market, window, lot.view())

		switch {
		case sig.Action == strategy.Sell && lot.open:
			proceeds := lot.volume * price
			fee := proceeds * e.feeRate
			net := proceeds - fee
			balance += net

			reason := sig.ExitReason
			if reason == "" {
				if net >= lot.buyCost {
					reason = position.ExitTakeProfit
				} else {
					reason = position.ExitStopLossFixed
				}
			}
			profitRate := 0.0
			if lot.buyCost > 0 {
				profitRate = (net - lot.buyCost) / lot.buyCost * 100
			}
			if net >= lot.buyCost {
				res.WinCount++
			} else {
				res.LossCount++
			}
			res.SellCount++
			res.ExitReasons[reason]++
			res.Trades = append(res.Trades, Trade{
				Market: market, Side: upbit.SideAsk, Time: now.Time(),
				Price: price, Volume: lot.volume, Amount: proceeds, Fee: fee,
				ProfitRate: profitRate, ExitReason: reason, Reason: sig.Reason,
			})
			lot = holding{}

		case sig.Action == strategy.Buy && !lot.open && balance > 0:
			spend := balance * e.spendRatio
			fee := spend * e.feeRate
			volume := (spend - fee) / price
			if volume <= 0 {
				break
			}
			balance -= spend
			lot = holding{
				open: true, buyPrice: price, highest: price,
				target: sig.TargetPrice, volume: volume,
				buyCost: spend, buyTime: now.Time(), reason: sig.Reason,
			}
			res.BuyCount++
			res.Trades = append(res.Trades, Trade{
				Market: market, Side: upbit.SideBid, Time: now.Time(),
				Price: price, Volume: volume, Amount: spend - fee, Fee: fee,
				Reason: sig.Reason,
			})
		}

		total := balance + lot.volume*price
		if total > res.MaxTotalAsset {
			res.MaxTotalAsset = total
		}
		if total < res.MinTotalAsset {
			res.MinTotalAsset = total
		}
		if ticked != nil {
			ticked()
		}
	}

	lastPrice := candles[0].TradePrice
	res.FinalBalance = balance
	res.FinalCoinBalance = lot.volume
	res.LastPrice = lastPrice
	res.FinalTotalAsset = res.FinalBalance + res.FinalCoinBalance*lastPrice
	res.TotalProfitRate = (res.FinalTotalAsset - req.InitialBalance) / req.InitialBalance * 100
	if firstPrice > 0 {
		res.BuyAndHoldRate = (lastPrice - firstPrice) / firstPrice * 100
	}
	if res.SellCount > 0 {
		res.WinRate = float64(res.WinCount) / float64(res.SellCount) * 100
	}
	return res, nil
}

// selectStrategies resolves the request's strategy list: one named
// strategy, or the full set for combined voting.
func (e *Engine) selectStrategies(req Request) ([]strategy.Strategy, error) {
	all := e.factory(req.UserID)
	if req.StrategyName == StrategyCombined {
		return all, nil
	}
	for _, s := range all {
		if s.Name() == req.StrategyName {
			return []strategy.Strategy{s}, nil
		}
	}
	return nil, fmt.Errorf("backtest: unknown strategy %q", req.StrategyName)
}

// decide evaluates the strategy set over one window. A single strategy
// speaks for itself; the combined set needs a strict majority, with
// exit votes taking precedence while a lot is open.
func (e *Engine) decide(strats []strategy.Strategy, market string, window []upbit.Candle, view strategy.PositionView) *strategy.Signal {
	if len(strats) == 1 {
		sig, err := strats[0].AnalyzeForBacktest(market, window, view)
		if err != nil || sig == nil {
			return strategy.HoldSignal()
		}
		return sig
	}

	var buys, sells []*strategy.Signal
	for _, s := range strats {
		sig, err := s.AnalyzeForBacktest(market, window, view)
		if err != nil || sig == nil {
			continue
		}
		switch sig.Action {
		case strategy.Buy:
			buys = append(buys, sig)
		case strategy.Sell:
			sells = append(sells, sig)
		}
	}

	need := voting.Threshold(len(strats))
	if view.Holding && len(sells) >= need {
		return sells[0]
	}
	if !view.Holding && len(buys) >= need {
		return buys[0]
	}
	return strategy.HoldSignal()
}

// sortResults orders a report by market code.
func sortResults(results []*Result) {
	sort.Slice(results, func(i, j int) bool { return results[i].Market < results[j].Market })
}
