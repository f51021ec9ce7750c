// Package risk is the pre-trade gate every BUY passes through, plus
// position sizing. It holds no state of its own; the caller gathers the
// per-user snapshot and the gate is a pure check over it.
package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Rejection codes.
const (
	CodeMaxPositions        = "MAX_POSITIONS"
	CodeDailyLossLimit      = "DAILY_LOSS_LIMIT"
	CodeWeakSignal          = "WEAK_SIGNAL"
	CodeMinOrder            = "MIN_ORDER"
	CodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	CodeLossCooldown        = "LOSS_COOLDOWN"
	CodeSlippage            = "SLIPPAGE"
)

// Rejection explains why a BUY was blocked.
type Rejection struct {
	Code   string
	Detail string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("risk: %s: %s", r.Code, r.Detail)
}

// Config holds the gate thresholds.
type Config struct {
	MaxConcurrentPositions  int
	DailyLossLimit          decimal.Decimal // KRW of realized loss per day
	MinSignalStrength       float64
	MinOrderAmount          decimal.Decimal // KRW
	MaxSlippageRate         float64
	StopLossCooldownCandles int
	CandleUnit              time.Duration
	InvestmentRatio         float64 // share of KRW balance committed per position
}

// DefaultConfig mirrors the shipped defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentPositions:  5,
		DailyLossLimit:          decimal.NewFromInt(50000),
		MinSignalStrength:       50,
		MinOrderAmount:          decimal.NewFromInt(6000),
		MaxSlippageRate:         0.003,
		StopLossCooldownCandles: 10,
		CandleUnit:              time.Minute,
		InvestmentRatio:         0.3,
	}
}

// Snapshot is the per-(user, market) state the gate judges. The caller
// assembles it while holding the pair lease.
type Snapshot struct {
	OpenPositions     int
	TodayRealizedLoss decimal.Decimal // positive number of KRW lost today
	KRWBalance        decimal.Decimal
	LastLossAt        time.Time // last losing SELL on this market, zero when none
	SlippageEstimate  float64   // fraction, from order book depth or spread
}

// Manager applies the gate and sizes positions.
type Manager struct {
	config Config
}

// NewManager creates a manager with the given thresholds.
func NewManager(config Config) *Manager {
	return &Manager{config: config}
}

// ApproveBuy returns nil when the order may proceed, or a *Rejection
// naming the first failed gate.
func (m *Manager) ApproveBuy(snap Snapshot, signalStrength float64, orderFunds decimal.Decimal, now time.Time) error {
	if snap.OpenPositions >= m.config.MaxConcurrentPositions {
		return &Rejection{Code: CodeMaxPositions,
			Detail: fmt.Sprintf("%d open of %d allowed", snap.OpenPositions, m.config.MaxConcurrentPositions)}
	}
	if m.config.DailyLossLimit.IsPositive() && snap.TodayRealizedLoss.GreaterThanOrEqual(m.config.DailyLossLimit) {
		return &Rejection{Code: CodeDailyLossLimit,
			Detail: fmt.Sprintf("lost %s of %s today", snap.TodayRealizedLoss, m.config.DailyLossLimit)}
	}
	if signalStrength < m.config.MinSignalStrength {
		return &Rejection{Code: CodeWeakSignal,
			Detail: fmt.Sprintf("strength %.1f under %.1f", signalStrength, m.config.MinSignalStrength)}
	}
	if orderFunds.LessThan(m.config.MinOrderAmount) {
		return &Rejection{Code: CodeMinOrder,
			Detail: fmt.Sprintf("funds %s under minimum %s", orderFunds, m.config.MinOrderAmount)}
	}
	if snap.KRWBalance.LessThan(orderFunds) {
		return &Rejection{Code: CodeInsufficientBalance,
			Detail: fmt.Sprintf("balance %s under funds %s", snap.KRWBalance, orderFunds)}
	}
	if !snap.LastLossAt.IsZero() && m.config.StopLossCooldownCandles > 0 {
		cooldown := time.Duration(m.config.StopLossCooldownCandles) * m.config.CandleUnit
		if elapsed := now.Sub(snap.LastLossAt); elapsed < cooldown {
			return &Rejection{Code: CodeLossCooldown,
				Detail: fmt.Sprintf("losing exit %s ago, cooldown %s", elapsed.Round(time.Second), cooldown)}
		}
	}
	if snap.SlippageEstimate > m.config.MaxSlippageRate {
		return &Rejection{Code: CodeSlippage,
			Detail: fmt.Sprintf("estimated %.3f%% over cap %.3f%%", snap.SlippageEstimate*100, m.config.MaxSlippageRate*100)}
	}
	return nil
}

// PositionSize converts the user's balance and the vote strength into
// order funds: investment_ratio of the balance, scaled monotonically
// from 75% at the minimum strength to 100% at full agreement.
func (m *Manager) PositionSize(balance decimal.Decimal, signalStrength float64) decimal.Decimal {
	if !balance.IsPositive() {
		return decimal.Zero
	}
	if signalStrength > 100 {
		signalStrength = 100
	}
	if signalStrength < 0 {
		signalStrength = 0
	}
	scale := 0.5 + signalStrength/200
	return balance.
		Mul(decimal.NewFromFloat(m.config.InvestmentRatio)).
		Mul(decimal.NewFromFloat(scale)).
		RoundDown(0)
}
