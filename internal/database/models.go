package database

import (
	"time"

	"github.com/shopspring/decimal"
)

// User is one tenant. Exchange credentials are stored encrypted and
// never leave this struct in plaintext.
type User struct {
	ID                 string    `json:"id"`
	Email              string    `json:"email"`
	PasswordHash       string    `json:"-"`
	AccessKeyEncrypted string    `json:"-"`
	SecretKeyEncrypted string    `json:"-"`
	AutoTradingEnabled bool      `json:"auto_trading_enabled"`
	StrategyMode       string    `json:"strategy_mode"`
	TargetMarkets      []string  `json:"target_markets"`
	ExcludedMarkets    []string  `json:"excluded_markets"`
	AutoSelectTop      int       `json:"auto_select_top"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// HasCredentials reports whether both exchange keys are present.
func (u *User) HasCredentials() bool {
	return u.AccessKeyEncrypted != "" && u.SecretKeyEncrypted != ""
}

// RefreshToken is one opaque refresh credential.
type RefreshToken struct {
	Token     string
	UserID    string
	ExpiresAt time.Time
}

// TradeRecord is one filled side of a trade, append-only.
type TradeRecord struct {
	ID           int64           `json:"id"`
	UserID       string          `json:"user_id"`
	Market       string          `json:"market"`
	Side         string          `json:"side"` // bid / ask
	ExecutedAt   time.Time       `json:"executed_at"`
	Amount       decimal.Decimal `json:"amount"` // KRW
	Volume       decimal.Decimal `json:"volume"` // coin
	Price        decimal.Decimal `json:"price"`
	Fee          decimal.Decimal `json:"fee"`
	OrderUUID    string          `json:"order_uuid"`
	StrategyName string          `json:"strategy_name"`
	TargetPrice  decimal.Decimal `json:"target_price"`
	HighestPrice decimal.Decimal `json:"highest_price"`
	HalfSold     bool            `json:"half_sold"`
	StopLoss     bool            `json:"stop_loss"`
	ExitReason   string          `json:"exit_reason,omitempty"`
}

// StrategyParameter is one tunable row. UserID empty means global.
type StrategyParameter struct {
	StrategyName string    `json:"strategy_name"`
	UserID       string    `json:"user_id,omitempty"`
	Key          string    `json:"key"`
	Value        string    `json:"value"`
	Type         string    `json:"type"` // INT, DOUBLE, BOOL, STRING
	UpdatedAt    time.Time `json:"updated_at"`
}

// SimulationTask tracks one backtest request through its lifecycle.
type SimulationTask struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Status    string          `json:"status"` // PENDING, RUNNING, COMPLETED, FAILED, CANCELLED
	Request   []byte          `json:"-"`      // raw JSON of the submitted request
	Progress  float64         `json:"progress"`
	Result    []byte          `json:"-"` // raw JSON of the BacktestResult
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Simulation task states.
const (
	TaskPending   = "PENDING"
	TaskRunning   = "RUNNING"
	TaskCompleted = "COMPLETED"
	TaskFailed    = "FAILED"
	TaskCancelled = "CANCELLED"
)
