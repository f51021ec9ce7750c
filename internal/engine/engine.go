// Package engine drives one evaluation pass per user and market:
// candles in, strategy vote, risk gate, order out. All position
// mutation happens here or below, under the per-pair lease.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"upbit-trading-bot/internal/apikeys"
	"upbit-trading-bot/internal/clock"
	"upbit-trading-bot/internal/database"
	"upbit-trading-bot/internal/events"
	"upbit-trading-bot/internal/execution"
	"upbit-trading-bot/internal/indicator"
	"upbit-trading-bot/internal/position"
	"upbit-trading-bot/internal/risk"
	"upbit-trading-bot/internal/strategy"
	"upbit-trading-bot/internal/upbit"
	"upbit-trading-bot/internal/voting"
)

// Exchange is the signed, per-user API surface.
type Exchange interface {
	GetAccounts(ctx context.Context) ([]upbit.Account, error)
	SubmitOrder(ctx context.Context, req upbit.OrderRequest) (*upbit.Order, error)
	GetOrder(ctx context.Context, uuid string) (*upbit.Order, error)
}

// ExchangeFactory builds a signed client from decrypted credentials.
type ExchangeFactory func(creds apikeys.Credentials) Exchange

// MarketData serves candle windows, newest first.
type MarketData interface {
	Candles(ctx context.Context, market string, unit, count int) ([]upbit.Candle, error)
}

// PositionStore persists positions and the pending-order marker.
type PositionStore interface {
	Save(ctx context.Context, p *position.Position) error
	GetOpen(ctx context.Context, userID, market string) (*position.Position, error)
	CountOpenByUser(ctx context.Context, userID string) (int, error)
	PendingOrder(ctx context.Context, userID, market string) (string, error)
	SetPendingOrder(ctx context.Context, userID, market, orderUUID string) error
}

// TradeLedger reads trade history for the risk gate.
type TradeLedger interface {
	Append(ctx context.Context, rec *database.TradeRecord) error
	TodayRealizedLoss(ctx context.Context, userID string, now time.Time, loc *time.Location) (decimal.Decimal, error)
	LastLossAt(ctx context.Context, userID, market string) (time.Time, error)
}

// StrategySelector lists the user's enabled strategy names.
type StrategySelector interface {
	EnabledStrategies(ctx context.Context, userID string) ([]string, error)
}

// CredentialSource unseals a user's exchange keys.
type CredentialSource interface {
	Unseal(user *database.User) (*apikeys.Credentials, error)
}

// UserAdmin flips per-user flags the engine must enforce.
type UserAdmin interface {
	SetAutoTrading(ctx context.Context, userID string, enabled bool) error
}

// Config tunes the evaluation pass.
type Config struct {
	CandleUnit    int // minutes
	CandleCount   int
	MarketWorkers int     // markets evaluated concurrently per user
	TotalCostRate float64 // round-trip fees plus slippage headroom
	MinProfitRate float64 // net profit under this suppresses take-profit sells
	Lifecycle     position.Params
	Execution     execution.Config
	Timezone      *time.Location // daily loss accounting day boundary
}

// DefaultConfig mirrors the shipped defaults. Daily loss accounting
// follows exchange local time.
func DefaultConfig() Config {
	kst := time.FixedZone("KST", 9*60*60)
	return Config{
		CandleUnit:    5,
		CandleCount:   100,
		MarketWorkers: 8,
		TotalCostRate: 0.002,
		MinProfitRate: 0.006,
		Lifecycle:     position.DefaultParams(),
		Execution:     execution.DefaultConfig(),
		Timezone:      kst,
	}
}

// Engine evaluates users against the market.
type Engine struct {
	voter      *voting.Voter
	registry   *strategy.Registry
	risk       *risk.Manager
	data       MarketData
	store      PositionStore
	ledger     TradeLedger
	selector   StrategySelector
	creds      CredentialSource
	admin      UserAdmin
	factory    ExchangeFactory
	leases     *position.LeaseMap
	bus        *events.Bus
	clock      clock.Clock
	config     Config
	riskConfig risk.Config
	log        zerolog.Logger
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Voter      *voting.Voter
	Registry   *strategy.Registry
	Risk       *risk.Manager
	RiskConfig risk.Config
	Data       MarketData
	Store      PositionStore
	Ledger     TradeLedger
	Selector   StrategySelector
	Creds      CredentialSource
	Admin      UserAdmin
	Factory    ExchangeFactory
	Bus        *events.Bus
	Clock      clock.Clock
	Log        zerolog.Logger
}

// New wires an engine.
func New(deps Deps, config Config) *Engine {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if config.Timezone == nil {
		config.Timezone = time.UTC
	}
	return &Engine{
		voter:      deps.Voter,
		registry:   deps.Registry,
		risk:       deps.Risk,
		riskConfig: deps.RiskConfig,
		data:       deps.Data,
		store:      deps.Store,
		ledger:     deps.Ledger,
		selector:   deps.Selector,
		creds:      deps.Creds,
		admin:      deps.Admin,
		factory:    deps.Factory,
		leases:     position.NewLeaseMap(),
		bus:        deps.Bus,
		clock:      deps.Clock,
		config:     config,
		log:        deps.Log,
	}
}

// TickUser runs one evaluation pass over the user's working set. A
// credential failure disables auto trading for the user; per-market
// failures are logged and do not stop the remaining markets.
func (e *Engine) TickUser(ctx context.Context, user *database.User, markets []string) error {
	creds, err := e.creds.Unseal(user)
	if err != nil {
		if errors.Is(err, apikeys.ErrDecryptFailed) || errors.Is(err, apikeys.ErrNoCredentials) {
			e.log.Warn().Err(err).Str("user", user.ID).Msg("disabling auto trading, credentials unusable")
			if offErr := e.admin.SetAutoTrading(ctx, user.ID, false); offErr != nil {
				e.log.Error().Err(offErr).Str("user", user.ID).Msg("failed to disable auto trading")
			}
			e.bus.PublishError(user.ID, "credentials", err)
		}
		return err
	}

	gateway := e.factory(*creds)
	balance, err := e.krwBalance(ctx, gateway)
	if err != nil {
		return fmt.Errorf("engine: accounts for %s: %w", user.ID, err)
	}

	// Markets run through a bounded pool; the per-pair lease keeps the
	// pairs independent. One failing market never stops the others.
	workers := e.config.MarketWorkers
	if workers <= 0 {
		workers = 1
	}
	var (
		g        errgroup.Group
		mu       sync.Mutex
		firstErr error
	)
	g.SetLimit(workers)
	for _, market := range markets {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return nil
			}
			if err := e.processPair(ctx, user, gateway, market, balance); err != nil {
				e.log.Error().Err(err).Str("user", user.ID).Str("market", market).Msg("pair evaluation failed")
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return firstErr
}

func (e *Engine) krwBalance(ctx context.Context, gateway Exchange) (decimal.Decimal, error) {
	accounts, err := gateway.GetAccounts(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	for _, a := range accounts {
		if a.Currency == "KRW" {
			return decimal.NewFromFloat(a.BalanceFloat()), nil
		}
	}
	return decimal.Zero, nil
}

// processPair evaluates one (user, market) pair under its lease. At
// most one order is placed per pair per tick.
func (e *Engine) processPair(ctx context.Context, user *database.User, gateway Exchange, market string, balance decimal.Decimal) error {
	if !e.leases.TryAcquire(user.ID, market) {
		e.log.Debug().Str("user", user.ID).Str("market", market).Msg("pair busy, skipping")
		return nil
	}
	defer e.leases.Release(user.ID, market)

	candles, err := e.data.Candles(ctx, market, e.config.CandleUnit, e.config.CandleCount)
	if err != nil {
		return fmt.Errorf("engine: candles: %w", err)
	}
	if len(candles) < strategy.MinWindow {
		return nil
	}
	now := e.clock.Now()
	price := decimal.NewFromFloat(candles[0].TradePrice)
	if !price.IsPositive() {
		return nil
	}

	pos, err := e.store.GetOpen(ctx, user.ID, market)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return fmt.Errorf("engine: load position: %w", err)
	}

	exec := execution.NewService(gateway, e.ledger, e.store, e.config.Execution, e.log)

	// A marker left by an earlier confirmation timeout is settled before
	// anything new happens. Settling consumes the pair's order slot for
	// this tick; a still-open order keeps the pair blocked.
	if pos != nil {
		res, err := exec.ResolvePending(ctx, pos, price, now)
		if err != nil {
			return fmt.Errorf("engine: resolve pending: %w", err)
		}
		if res != nil {
			e.publishOutcome(pos, res.Side, res, nil)
			return nil
		}
	}

	// Lifecycle transitions of an open position run before any new vote.
	if pos != nil && pos.IsOpen() {
		handled, err := e.runLifecycle(ctx, exec, pos, candles, price, balance, now)
		if err != nil || handled {
			return err
		}
	}

	decision := e.decide(ctx, user, market, candles, pos, now)
	switch decision.Action {
	case strategy.Sell:
		if pos == nil || !pos.IsOpen() {
			return nil
		}
		return e.executeExit(ctx, exec, pos, decision, price, now)
	case strategy.Buy:
		if pos != nil && pos.IsOpen() {
			// Inventory already building or unwinding; entries wait.
			return nil
		}
		return e.tryEnter(ctx, exec, user, market, decision, price, balance, candles[0], now)
	}
	return nil
}

// runLifecycle applies the scaled-position state machine. Returns true
// when an order was placed (or blocked), ending the pair's tick.
func (e *Engine) runLifecycle(ctx context.Context, exec *execution.Service, pos *position.Position, candles []upbit.Candle, price decimal.Decimal, balance decimal.Decimal, now time.Time) (bool, error) {
	atr, _ := indicator.ATR(candles, 14)
	action := position.Evaluate(pos, price, atr, e.config.Lifecycle, now)

	switch action.Kind {
	case position.ActionEnterLeg2, position.ActionEnterLeg3:
		funds := e.legFunds(pos, action.FundsRatio)
		if funds.GreaterThan(balance) {
			funds = balance
		}
		if funds.LessThan(e.riskConfig.MinOrderAmount) {
			return false, nil
		}
		res, err := exec.Execute(ctx, pos, execution.Intent{
			Kind:         execution.IntentEnterLeg,
			Funds:        funds,
			StrategyName: pos.StrategyName,
		}, price, now)
		e.publishOutcome(pos, upbit.SideBid, res, err)
		return true, err

	case position.ActionPartialExit:
		res, err := exec.Execute(ctx, pos, execution.Intent{
			Kind:         execution.IntentPartialExit,
			ExitRatio:    action.FundsRatio,
			StrategyName: pos.StrategyName,
		}, price, now)
		e.publishOutcome(pos, upbit.SideAsk, res, err)
		return true, err

	case position.ActionFinalExit:
		res, err := exec.Execute(ctx, pos, execution.Intent{
			Kind:         execution.IntentFinalExit,
			ExitReason:   action.Reason,
			StrategyName: pos.StrategyName,
		}, price, now)
		e.publishOutcome(pos, upbit.SideAsk, res, err)
		return true, err
	}

	// An entering position that filled all legs, or one already in
	// profit, graduates to ACTIVE.
	if pos.Status == position.StatusEntering {
		pnl := pos.UnrealizedPnLRate(price)
		if pos.EntryPhase >= 3 || pnl >= e.config.Lifecycle.PartialTakeProfitRate {
			if err := pos.MarkActive(now); err == nil {
				if err := e.store.Save(ctx, pos); err != nil {
					return false, fmt.Errorf("engine: promote position: %w", err)
				}
			}
		}
	}
	return false, nil
}

// legFunds recovers the original allotment from leg 1 and applies the
// configured ratio for the next leg.
func (e *Engine) legFunds(pos *position.Position, ratio float64) decimal.Decimal {
	if e.config.Lifecycle.EntryRatio1 <= 0 || len(pos.EntryLegs) == 0 {
		return decimal.Zero
	}
	leg1 := pos.EntryLegs[0].Price.Mul(pos.EntryLegs[0].Quantity)
	base := leg1.Div(decimal.NewFromFloat(e.config.Lifecycle.EntryRatio1))
	return base.Mul(decimal.NewFromFloat(ratio)).RoundDown(0)
}

func (e *Engine) decide(ctx context.Context, user *database.User, market string, candles []upbit.Candle, pos *position.Position, now time.Time) *voting.Decision {
	mode := voting.ModeDefault
	if user.StrategyMode == string(voting.ModeScaledTrading) {
		mode = voting.ModeScaledTrading
	}

	names, err := e.selector.EnabledStrategies(ctx, user.ID)
	if err != nil || len(names) == 0 {
		names = e.registry.Names()
	}

	return e.voter.Decide(mode, names, market, candles, &strategy.Context{
		UserID:   user.ID,
		Position: pos,
		Now:      now,
	})
}

func (e *Engine) executeExit(ctx context.Context, exec *execution.Service, pos *position.Position, decision *voting.Decision, price decimal.Decimal, now time.Time) error {
	// A take profit that cannot clear costs is noise, not profit.
	if decision.ExitReason == position.ExitTakeProfit {
		net := execution.EstimatedNetProfitRate(pos.AvgEntryPrice, price, e.config.TotalCostRate)
		if net < e.config.MinProfitRate {
			e.log.Debug().Str("user", pos.UserID).Str("market", pos.Market).
				Float64("net_rate", net).Msg("take profit below minimum, holding")
			return nil
		}
	}

	res, err := exec.Execute(ctx, pos, execution.Intent{
		Kind:         execution.IntentFinalExit,
		ExitReason:   decision.ExitReason,
		StrategyName: pos.StrategyName,
	}, price, now)
	e.publishOutcome(pos, upbit.SideAsk, res, err)
	return err
}

func (e *Engine) tryEnter(ctx context.Context, exec *execution.Service, user *database.User, market string, decision *voting.Decision, price decimal.Decimal, balance decimal.Decimal, current upbit.Candle, now time.Time) error {
	snap, err := e.riskSnapshot(ctx, user.ID, market, balance, current, now)
	if err != nil {
		return err
	}

	allotted := e.risk.PositionSize(balance, decision.SignalStrength)
	legFunds := allotted.Mul(decimal.NewFromFloat(e.config.Lifecycle.EntryRatio1)).RoundDown(0)

	if err := e.risk.ApproveBuy(*snap, decision.SignalStrength, legFunds, now); err != nil {
		var rej *risk.Rejection
		if errors.As(err, &rej) {
			e.log.Info().Str("user", user.ID).Str("market", market).
				Str("code", rej.Code).Str("detail", rej.Detail).Msg("entry vetoed")
			e.bus.PublishRiskRejected(user.ID, market, rej.Code, rej.Detail)
			return nil
		}
		return err
	}

	pos := position.New(user.ID, market, now)
	strategyName := ""
	if len(decision.Agreeing) > 0 {
		strategyName = decision.Agreeing[0]
	}
	res, err := exec.Execute(ctx, pos, execution.Intent{
		Kind:           execution.IntentEnterLeg,
		Funds:          legFunds,
		StrategyName:   strategyName,
		SignalStrength: decision.SignalStrength,
		TargetPrice:    decimal.NewFromFloat(decision.TargetPrice),
		StopLossPrice:  decimal.NewFromFloat(decision.StopLossPrice),
	}, price, now)
	e.publishOutcome(pos, upbit.SideBid, res, err)
	return err
}

func (e *Engine) riskSnapshot(ctx context.Context, userID, market string, balance decimal.Decimal, current upbit.Candle, now time.Time) (*risk.Snapshot, error) {
	open, err := e.store.CountOpenByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("engine: open positions: %w", err)
	}
	loss, err := e.ledger.TodayRealizedLoss(ctx, userID, now, e.config.Timezone)
	if err != nil {
		return nil, fmt.Errorf("engine: today loss: %w", err)
	}
	lastLoss, err := e.ledger.LastLossAt(ctx, userID, market)
	if err != nil {
		return nil, fmt.Errorf("engine: last loss: %w", err)
	}
	return &risk.Snapshot{
		OpenPositions:     open,
		TodayRealizedLoss: loss,
		KRWBalance:        balance,
		LastLossAt:        lastLoss,
		SlippageEstimate:  estimateSlippage(current),
	}, nil
}

// estimateSlippage proxies expected market-order slippage with half the
// current candle's range relative to its close.
func estimateSlippage(c upbit.Candle) float64 {
	if c.TradePrice <= 0 || c.HighPrice < c.LowPrice {
		return 0
	}
	return (c.HighPrice - c.LowPrice) / c.TradePrice / 2
}

func (e *Engine) publishOutcome(pos *position.Position, side string, res *execution.Result, err error) {
	if err != nil || res == nil {
		if err != nil {
			e.bus.PublishError(pos.UserID, "execution", err)
		}
		return
	}
	// A recovered order's settled side wins over the caller's intent.
	if res.Side != "" {
		side = res.Side
	}
	switch res.Outcome {
	case execution.OutcomeFilled, execution.OutcomePartial:
		price, _ := res.FilledPrice.Float64()
		vol, _ := res.FilledVol.Float64()
		fee, _ := res.Fee.Float64()
		e.bus.PublishTrade(pos.UserID, pos.Market, side, price, vol, fee)
		if pos.Status == position.StatusClosed {
			pnl, _ := pos.RealizedPnL.Float64()
			e.bus.PublishPositionClosed(pos.UserID, pos.Market, string(pos.CloseReason), pnl)
		}
	}
}
