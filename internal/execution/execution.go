// Package execution turns a trade intent into an exchange order and
// reconciles the fill back into the journal and the position record.
// Callers hold the per-(user, market) lease for the whole call.
package execution

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"upbit-trading-bot/internal/database"
	"upbit-trading-bot/internal/position"
	"upbit-trading-bot/internal/upbit"
)

// Outcome classifies one Execute call.
type Outcome string

const (
	OutcomeFilled       Outcome = "FILLED"
	OutcomePartial      Outcome = "PARTIAL"
	OutcomeFailed       Outcome = "FAILED"
	OutcomePendingPrior Outcome = "PENDING_PRIOR"
)

// IntentKind is what the engine wants done.
type IntentKind int

const (
	IntentEnterLeg IntentKind = iota
	IntentPartialExit
	IntentFinalExit
)

// Intent is one concrete order the decision pipeline settled on.
type Intent struct {
	Kind           IntentKind
	Funds          decimal.Decimal // KRW, entry legs only
	ExitRatio      float64         // share of quantity sold on a partial exit
	ExitReason     position.ExitReason
	StrategyName   string
	SignalStrength float64
	TargetPrice    decimal.Decimal
	StopLossPrice  decimal.Decimal
}

// Result reports what happened. Side is the exchange side of the
// settled order; a recovered order's side can differ from the intent
// the caller passed in.
type Result struct {
	Outcome     Outcome
	OrderUUID   string
	Side        string
	FilledPrice decimal.Decimal
	FilledVol   decimal.Decimal
	Fee         decimal.Decimal
	Slippage    decimal.Decimal // KRW difference vs the decision price
}

// Gateway is the order side of the exchange.
type Gateway interface {
	SubmitOrder(ctx context.Context, req upbit.OrderRequest) (*upbit.Order, error)
	GetOrder(ctx context.Context, uuid string) (*upbit.Order, error)
}

// Journal is the append-only trade history.
type Journal interface {
	Append(ctx context.Context, rec *database.TradeRecord) error
}

// Store persists positions and the pending-order idempotency marker.
type Store interface {
	Save(ctx context.Context, p *position.Position) error
	PendingOrder(ctx context.Context, userID, market string) (string, error)
	SetPendingOrder(ctx context.Context, userID, market, orderUUID string) error
}

// Config tunes confirmation polling and volume precision.
type Config struct {
	ConfirmTimeout  time.Duration
	PollInterval    time.Duration
	VolumePrecision int32 // exchange lot precision for ask volumes
}

// DefaultConfig returns the shipped polling settings.
func DefaultConfig() Config {
	return Config{
		ConfirmTimeout:  10 * time.Second,
		PollInterval:    500 * time.Millisecond,
		VolumePrecision: 8,
	}
}

// Service executes intents for one user at a time.
type Service struct {
	gateway Gateway
	journal Journal
	store   Store
	config  Config
	log     zerolog.Logger
}

// NewService wires the execution dependencies.
func NewService(gateway Gateway, journal Journal, store Store, config Config, log zerolog.Logger) *Service {
	return &Service{gateway: gateway, journal: journal, store: store, config: config, log: log}
}

// Execute carries out one intent against the open position. pos must be
// the committed record for the pair; for the first entry leg it is a
// fresh PENDING position. now is the decision time.
func (s *Service) Execute(ctx context.Context, pos *position.Position, intent Intent, decisionPrice decimal.Decimal, now time.Time) (*Result, error) {
	// A prior submission blocks the new intent until it is accounted
	// for. If it went terminal since the last tick, settle it now; the
	// new intent waits for the next tick against the settled state.
	pending, err := s.store.PendingOrder(ctx, pos.UserID, pos.Market)
	if err != nil {
		return nil, fmt.Errorf("execution: pending check: %w", err)
	}
	if pending != "" {
		return s.recoverOrder(ctx, pos, pending, decisionPrice, now)
	}

	req, err := s.buildRequest(pos, intent, now)
	if err != nil {
		return nil, err
	}

	order, err := s.gateway.SubmitOrder(ctx, req)
	if err != nil {
		return &Result{Outcome: OutcomeFailed}, fmt.Errorf("execution: submit: %w", err)
	}

	confirmed, err := s.awaitFill(ctx, order.UUID)
	if err != nil {
		// Leave the marker so the next tick resumes instead of
		// double-ordering.
		if markErr := s.store.SetPendingOrder(ctx, pos.UserID, pos.Market, order.UUID); markErr != nil {
			s.log.Error().Err(markErr).Str("order", order.UUID).Msg("failed to mark pending order")
		}
		return &Result{Outcome: OutcomePendingPrior, OrderUUID: order.UUID}, nil
	}

	return s.settle(ctx, pos, intent, confirmed, decisionPrice, now)
}

// ResolvePending checks the pair's marked in-flight order and settles it
// if it reached a terminal state since the last tick. Returns nil when
// nothing is pending. Settling counts as the pair's order for the tick.
func (s *Service) ResolvePending(ctx context.Context, pos *position.Position, decisionPrice decimal.Decimal, now time.Time) (*Result, error) {
	pending, err := s.store.PendingOrder(ctx, pos.UserID, pos.Market)
	if err != nil {
		return nil, fmt.Errorf("execution: pending check: %w", err)
	}
	if pending == "" {
		return nil, nil
	}
	return s.recoverOrder(ctx, pos, pending, decisionPrice, now)
}

// recoverOrder looks up a previously submitted order. Still open keeps
// the marker and the block; terminal settles the fill against the
// position and clears the marker.
func (s *Service) recoverOrder(ctx context.Context, pos *position.Position, orderUUID string, decisionPrice decimal.Decimal, now time.Time) (*Result, error) {
	order, err := s.gateway.GetOrder(ctx, orderUUID)
	if err != nil {
		s.log.Warn().Err(err).Str("user", pos.UserID).Str("market", pos.Market).
			Str("order", orderUUID).Msg("pending order lookup failed, retrying next tick")
		return &Result{Outcome: OutcomePendingPrior, OrderUUID: orderUUID}, nil
	}
	if !order.IsTerminal() {
		s.log.Debug().Str("user", pos.UserID).Str("market", pos.Market).
			Str("order", orderUUID).Msg("prior order still open, skipping")
		return &Result{Outcome: OutcomePendingPrior, OrderUUID: orderUUID}, nil
	}

	res, err := s.settle(ctx, pos, s.recoveredIntent(pos, order), order, decisionPrice, now)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetPendingOrder(ctx, pos.UserID, pos.Market, ""); err != nil {
		return nil, fmt.Errorf("execution: clear pending order: %w", err)
	}
	s.log.Info().Str("user", pos.UserID).Str("market", pos.Market).
		Str("order", orderUUID).Str("outcome", string(res.Outcome)).
		Msg("pending order recovered")
	return res, nil
}

// recoveredIntent reconstructs what a marked order was for from its side
// and size. Bids are entry legs; asks selling the full remainder are the
// final exit, anything smaller the partial. The exit reason is inferred
// from the fill price against the average entry.
func (s *Service) recoveredIntent(pos *position.Position, order *upbit.Order) Intent {
	if order.Side == upbit.SideBid {
		return Intent{
			Kind:           IntentEnterLeg,
			StrategyName:   pos.StrategyName,
			SignalStrength: pos.SignalStrength,
		}
	}

	execVolume := decimal.NewFromFloat(order.ExecutedVolumeFloat())
	execFunds := decimal.NewFromFloat(order.ExecutedFundsFloat())
	if execVolume.IsPositive() && execVolume.LessThan(pos.RemainingQuantity()) {
		return Intent{Kind: IntentPartialExit, StrategyName: pos.StrategyName}
	}

	reason := position.ExitTakeProfit
	if execVolume.IsPositive() && execFunds.Div(execVolume).LessThan(pos.AvgEntryPrice) {
		reason = position.ExitStopLossFixed
	}
	return Intent{Kind: IntentFinalExit, ExitReason: reason, StrategyName: pos.StrategyName}
}

func (s *Service) buildRequest(pos *position.Position, intent Intent, now time.Time) (upbit.OrderRequest, error) {
	switch intent.Kind {
	case IntentEnterLeg:
		if !intent.Funds.IsPositive() {
			return upbit.OrderRequest{}, fmt.Errorf("execution: entry leg needs positive funds")
		}
		// The token is stable across retries within the same minute, so
		// a resubmission after a timeout maps to the same order.
		token := fmt.Sprintf("%s-%s-leg%d-%d",
			pos.UserID, pos.Market, pos.EntryPhase+1, now.Truncate(time.Minute).Unix())
		return upbit.OrderRequest{
			Market:     pos.Market,
			Side:       upbit.SideBid,
			OrdType:    upbit.OrdTypePrice,
			Price:      intent.Funds.String(),
			Identifier: token,
		}, nil

	case IntentPartialExit, IntentFinalExit:
		var volume decimal.Decimal
		if intent.Kind == IntentPartialExit {
			ratio := intent.ExitRatio
			if ratio <= 0 || ratio >= 1 {
				ratio = 0.5
			}
			volume = pos.TotalQuantity.Mul(decimal.NewFromFloat(ratio)).RoundDown(s.config.VolumePrecision)
		} else {
			volume = pos.RemainingQuantity().RoundDown(s.config.VolumePrecision)
		}
		if !volume.IsPositive() {
			return upbit.OrderRequest{}, fmt.Errorf("execution: nothing to sell for %s/%s", pos.UserID, pos.Market)
		}
		return upbit.OrderRequest{
			Market:  pos.Market,
			Side:    upbit.SideAsk,
			OrdType: upbit.OrdTypeMarket,
			Volume:  volume.String(),
		}, nil
	}
	return upbit.OrderRequest{}, fmt.Errorf("execution: unknown intent kind %d", intent.Kind)
}

// awaitFill polls until the order reaches a terminal state or the
// confirmation window closes.
func (s *Service) awaitFill(ctx context.Context, uuid string) (*upbit.Order, error) {
	deadline := time.NewTimer(s.config.ConfirmTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(s.config.PollInterval)
	defer tick.Stop()

	for {
		order, err := s.gateway.GetOrder(ctx, uuid)
		if err == nil && order.IsTerminal() {
			return order, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("execution: confirmation timeout for %s", uuid)
		case <-tick.C:
		}
	}
}

func (s *Service) settle(ctx context.Context, pos *position.Position, intent Intent, order *upbit.Order, decisionPrice decimal.Decimal, now time.Time) (*Result, error) {
	execVolume := decimal.NewFromFloat(order.ExecutedVolumeFloat())
	execFunds := decimal.NewFromFloat(order.ExecutedFundsFloat())
	fee := decimal.NewFromFloat(order.PaidFeeFloat())

	if !execVolume.IsPositive() {
		// Cancelled with nothing filled.
		return &Result{Outcome: OutcomeFailed, OrderUUID: order.UUID, Side: order.Side}, nil
	}

	fillPrice := execFunds.Div(execVolume)
	slippage := fillPrice.Sub(decisionPrice).Abs().Mul(execVolume)

	rec := &database.TradeRecord{
		UserID:       pos.UserID,
		Market:       pos.Market,
		Side:         order.Side,
		ExecutedAt:   now,
		Amount:       execFunds,
		Volume:       execVolume,
		Price:        fillPrice,
		Fee:          fee,
		OrderUUID:    order.UUID,
		StrategyName: intent.StrategyName,
		TargetPrice:  intent.TargetPrice,
		HighestPrice: pos.TrailingHighPrice,
		HalfSold:     intent.Kind == IntentPartialExit,
		StopLoss:     intent.ExitReason == position.ExitStopLossFixed || intent.ExitReason == position.ExitStopLossATR,
		ExitReason:   string(intent.ExitReason),
	}
	if err := s.journal.Append(ctx, rec); err != nil {
		return nil, fmt.Errorf("execution: journal: %w", err)
	}

	switch intent.Kind {
	case IntentEnterLeg:
		if err := pos.ApplyEntryLeg(fillPrice, execVolume, fee, now); err != nil {
			return nil, fmt.Errorf("execution: apply entry leg: %w", err)
		}
		pos.TotalSlippage = pos.TotalSlippage.Add(slippage)
		if pos.StrategyName == "" {
			pos.StrategyName = intent.StrategyName
		}
		if pos.SignalStrength == 0 {
			pos.SignalStrength = intent.SignalStrength
		}
		if intent.TargetPrice.IsPositive() {
			pos.TargetPrice = intent.TargetPrice
		}
		if intent.StopLossPrice.IsPositive() {
			pos.StopLossPrice = intent.StopLossPrice
		}
	case IntentPartialExit:
		if err := pos.ApplyPartialExit(fillPrice, execVolume, fee, now); err != nil {
			return nil, fmt.Errorf("execution: apply partial exit: %w", err)
		}
		pos.TotalSlippage = pos.TotalSlippage.Add(slippage)
	case IntentFinalExit:
		if err := pos.ApplyFinalExit(fillPrice, fee, intent.ExitReason, now); err != nil {
			return nil, fmt.Errorf("execution: apply final exit: %w", err)
		}
		pos.TotalSlippage = pos.TotalSlippage.Add(slippage)
	}

	if err := s.store.Save(ctx, pos); err != nil {
		return nil, fmt.Errorf("execution: save position: %w", err)
	}

	outcome := OutcomeFilled
	if order.State == upbit.OrderStateCancel && order.RemainingVolume != "" {
		if remaining, err := strconv.ParseFloat(order.RemainingVolume, 64); err == nil && remaining > 0 {
			outcome = OutcomePartial
		}
	}

	s.log.Info().Str("user", pos.UserID).Str("market", pos.Market).
		Str("side", order.Side).Str("order", order.UUID).
		Str("price", fillPrice.String()).Str("volume", execVolume.String()).
		Str("outcome", string(outcome)).Msg("order settled")

	return &Result{
		Outcome:     outcome,
		OrderUUID:   order.UUID,
		Side:        order.Side,
		FilledPrice: fillPrice,
		FilledVol:   execVolume,
		Fee:         fee,
		Slippage:    slippage,
	}, nil
}

// EstimatedNetProfitRate is the profit estimate used to suppress
// tiny-profit round trips: the sell is only worth it when the projected
// gain clears fees and slippage headroom.
func EstimatedNetProfitRate(avgEntry, price decimal.Decimal, totalCostRate float64) float64 {
	if !avgEntry.IsPositive() {
		return 0
	}
	effective := price.Mul(decimal.NewFromFloat(1 - totalCostRate))
	rate, _ := effective.Sub(avgEntry).Div(avgEntry).Float64()
	return rate
}
