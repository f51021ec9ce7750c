// Package position holds the per-user, per-market scaled position record
// and its lifecycle rules. A position moves through PENDING, ENTERING,
// ACTIVE, EXITING and CLOSED; money and volume are kept as fixed-precision
// decimals so fee and PnL accounting never drifts.
package position

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle phase of a position.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusEntering Status = "ENTERING"
	StatusActive   Status = "ACTIVE"
	StatusExiting  Status = "EXITING"
	StatusClosed   Status = "CLOSED"
)

// ExitReason labels why a position was closed. Every close carries one.
type ExitReason string

const (
	ExitStopLossFixed ExitReason = "STOP_LOSS_FIXED"
	ExitStopLossATR   ExitReason = "STOP_LOSS_ATR"
	ExitTakeProfit    ExitReason = "TAKE_PROFIT"
	ExitTrailingStop  ExitReason = "TRAILING_STOP"
	ExitSignalInvalid ExitReason = "SIGNAL_INVALID"
	ExitOverheated    ExitReason = "OVERHEATED"
	ExitVolumeDrop    ExitReason = "VOLUME_DROP"
	ExitTimeout       ExitReason = "TIMEOUT"
)

// ErrClosed is returned by every mutator once a position reached CLOSED.
var ErrClosed = errors.New("position: closed positions are immutable")

// Leg is one fill: an entry leg or an exit leg.
type Leg struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Time     time.Time       `json:"time"`
}

// Position is the scaled-entry record for one (user, market) pair.
// Only the execution path mutates it, under the per-pair lease.
type Position struct {
	UserID string `json:"user_id"`
	Market string `json:"market"`

	Status     Status `json:"status"`
	EntryPhase int    `json:"entry_phase"` // 0..3
	ExitPhase  int    `json:"exit_phase"`  // 0..2

	EntryLegs   []Leg `json:"entry_legs"`
	PartialExit *Leg  `json:"partial_exit,omitempty"`
	FinalExit   *Leg  `json:"final_exit,omitempty"`

	TotalQuantity decimal.Decimal `json:"total_quantity"`
	TotalInvested decimal.Decimal `json:"total_invested"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`

	StopLossPrice     decimal.Decimal `json:"stop_loss_price"`
	TargetPrice       decimal.Decimal `json:"target_price"`
	TrailingHighPrice decimal.Decimal `json:"trailing_high_price"`
	TrailingStopPrice decimal.Decimal `json:"trailing_stop_price"`
	TrailingArmed     bool            `json:"trailing_armed"`

	// RealizedPnL is gross of fees; TotalFees accumulates separately.
	// Net figures come from NetRealizedPnL.
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	TotalFees     decimal.Decimal `json:"total_fees"`
	TotalSlippage decimal.Decimal `json:"total_slippage"`

	StrategyName   string     `json:"strategy_name"`
	SignalStrength float64    `json:"signal_strength"`
	CloseReason    ExitReason `json:"close_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New returns a PENDING position for the pair.
func New(userID, market string, now time.Time) *Position {
	return &Position{
		UserID:    userID,
		Market:    market,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IsOpen reports whether the position holds (or is building) inventory.
func (p *Position) IsOpen() bool {
	return p.Status == StatusEntering || p.Status == StatusActive || p.Status == StatusExiting
}

// RemainingQuantity is the quantity still held.
func (p *Position) RemainingQuantity() decimal.Decimal {
	sold := decimal.Zero
	if p.PartialExit != nil {
		sold = sold.Add(p.PartialExit.Quantity)
	}
	if p.FinalExit != nil {
		sold = sold.Add(p.FinalExit.Quantity)
	}
	return p.TotalQuantity.Sub(sold)
}

// NetRealizedPnL is the realized result after fees. Loss accounting
// uses this figure.
func (p *Position) NetRealizedPnL() decimal.Decimal {
	return p.RealizedPnL.Sub(p.TotalFees)
}

// HoldingDuration is the time since the first entry leg filled.
func (p *Position) HoldingDuration(now time.Time) time.Duration {
	if len(p.EntryLegs) == 0 {
		return 0
	}
	return now.Sub(p.EntryLegs[0].Time)
}

// ApplyEntryLeg records a filled entry leg and advances the entry phase.
// The first leg moves PENDING to ENTERING. fee is added to the running
// fee total; price and quantity are the effective fill values.
func (p *Position) ApplyEntryLeg(price, quantity, fee decimal.Decimal, now time.Time) error {
	if p.Status == StatusClosed {
		return ErrClosed
	}
	if p.EntryPhase >= 3 {
		return fmt.Errorf("position %s/%s: all entry legs already filled", p.UserID, p.Market)
	}
	if p.Status != StatusPending && p.Status != StatusEntering && p.Status != StatusActive {
		return fmt.Errorf("position %s/%s: cannot add entry leg in %s", p.UserID, p.Market, p.Status)
	}
	if p.ExitPhase != 0 {
		return fmt.Errorf("position %s/%s: cannot add entry leg after partial exit", p.UserID, p.Market)
	}

	leg := Leg{Price: price, Quantity: quantity, Time: now}
	p.EntryLegs = append(p.EntryLegs, leg)
	p.EntryPhase = len(p.EntryLegs)
	p.TotalQuantity = p.TotalQuantity.Add(quantity)
	p.TotalInvested = p.TotalInvested.Add(price.Mul(quantity))
	if p.TotalQuantity.IsPositive() {
		p.AvgEntryPrice = p.TotalInvested.Div(p.TotalQuantity)
	}
	p.TotalFees = p.TotalFees.Add(fee)
	p.Status = StatusEntering
	p.UpdatedAt = now
	return nil
}

// MarkActive marks entry as complete: no more legs are queued.
func (p *Position) MarkActive(now time.Time) error {
	if p.Status == StatusClosed {
		return ErrClosed
	}
	if p.Status != StatusEntering || p.EntryPhase == 0 {
		return fmt.Errorf("position %s/%s: cannot activate from %s phase %d", p.UserID, p.Market, p.Status, p.EntryPhase)
	}
	p.Status = StatusActive
	p.UpdatedAt = now
	return nil
}

// ApplyPartialExit records the partial take-profit fill and moves the
// position to EXITING with exit phase 1.
func (p *Position) ApplyPartialExit(price, quantity, fee decimal.Decimal, now time.Time) error {
	if p.Status == StatusClosed {
		return ErrClosed
	}
	if p.Status != StatusActive {
		return fmt.Errorf("position %s/%s: partial exit requires ACTIVE, have %s", p.UserID, p.Market, p.Status)
	}
	if quantity.GreaterThanOrEqual(p.TotalQuantity) {
		return fmt.Errorf("position %s/%s: partial exit quantity %s >= held %s", p.UserID, p.Market, quantity, p.TotalQuantity)
	}
	p.PartialExit = &Leg{Price: price, Quantity: quantity, Time: now}
	p.ExitPhase = 1
	p.Status = StatusExiting
	p.RealizedPnL = p.RealizedPnL.Add(price.Sub(p.AvgEntryPrice).Mul(quantity))
	p.TotalFees = p.TotalFees.Add(fee)
	p.UpdatedAt = now
	return nil
}

// ApplyFinalExit records the closing fill, finalizes realized PnL and
// freezes the position.
func (p *Position) ApplyFinalExit(price, fee decimal.Decimal, reason ExitReason, now time.Time) error {
	if p.Status == StatusClosed {
		return ErrClosed
	}
	if p.Status != StatusActive && p.Status != StatusExiting {
		return fmt.Errorf("position %s/%s: final exit requires ACTIVE or EXITING, have %s", p.UserID, p.Market, p.Status)
	}
	remaining := p.RemainingQuantity()
	if !remaining.IsPositive() {
		return fmt.Errorf("position %s/%s: nothing left to exit", p.UserID, p.Market)
	}
	p.FinalExit = &Leg{Price: price, Quantity: remaining, Time: now}
	p.ExitPhase = 2
	p.RealizedPnL = p.RealizedPnL.Add(price.Sub(p.AvgEntryPrice).Mul(remaining))
	p.TotalFees = p.TotalFees.Add(fee)
	p.CloseReason = reason
	p.Status = StatusClosed
	p.UpdatedAt = now
	return nil
}

// ObservePrice updates the trailing high-water mark. The high only ever
// moves up while the position is ACTIVE or EXITING.
func (p *Position) ObservePrice(price decimal.Decimal, now time.Time) error {
	if p.Status == StatusClosed {
		return ErrClosed
	}
	if p.Status != StatusActive && p.Status != StatusExiting {
		return nil
	}
	if price.GreaterThan(p.TrailingHighPrice) {
		p.TrailingHighPrice = price
		p.UpdatedAt = now
	}
	return nil
}

// ArmTrailing activates the trailing stop at the given stop price. The
// stop may only tighten toward the current price, never loosen.
func (p *Position) ArmTrailing(stopPrice decimal.Decimal, now time.Time) error {
	if p.Status == StatusClosed {
		return ErrClosed
	}
	if p.TrailingArmed && stopPrice.LessThanOrEqual(p.TrailingStopPrice) {
		return nil
	}
	p.TrailingArmed = true
	p.TrailingStopPrice = stopPrice
	p.UpdatedAt = now
	return nil
}

// UnrealizedPnLRate is (price − avg entry) / avg entry, as a fraction.
func (p *Position) UnrealizedPnLRate(price decimal.Decimal) float64 {
	if !p.AvgEntryPrice.IsPositive() {
		return 0
	}
	rate, _ := price.Sub(p.AvgEntryPrice).Div(p.AvgEntryPrice).Float64()
	return rate
}
