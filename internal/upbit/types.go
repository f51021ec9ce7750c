package upbit

import (
	"strconv"
	"time"
)

// Market is one tradable pair as returned by GET /v1/market/all.
type Market struct {
	Market        string `json:"market"`
	KoreanName    string `json:"korean_name"`
	EnglishName   string `json:"english_name"`
	MarketWarning string `json:"market_warning,omitempty"` // NONE or CAUTION
}

// Candle is a single OHLCV aggregate. The exchange returns candles newest
// first, and every consumer in this codebase keeps that convention:
// index 0 is the most recent candle.
type Candle struct {
	Market             string  `json:"market"`
	CandleDateTimeUTC  string  `json:"candle_date_time_utc"`
	CandleDateTimeKST  string  `json:"candle_date_time_kst"`
	OpeningPrice       float64 `json:"opening_price"`
	HighPrice          float64 `json:"high_price"`
	LowPrice           float64 `json:"low_price"`
	TradePrice         float64 `json:"trade_price"`
	Timestamp          int64   `json:"timestamp"`
	AccTradePrice      float64 `json:"candle_acc_trade_price"`
	AccTradeVolume     float64 `json:"candle_acc_trade_volume"`
	Unit               int     `json:"unit,omitempty"`
}

// Time parses the UTC candle timestamp.
func (c Candle) Time() time.Time {
	t, err := time.Parse("2006-01-02T15:04:05", c.CandleDateTimeUTC)
	if err != nil {
		return time.UnixMilli(c.Timestamp).UTC()
	}
	return t
}

// Ticker is the current snapshot for one market.
type Ticker struct {
	Market             string  `json:"market"`
	TradePrice         float64 `json:"trade_price"`
	SignedChangeRate   float64 `json:"signed_change_rate"`
	AccTradePrice24h   float64 `json:"acc_trade_price_24h"`
	AccTradeVolume24h  float64 `json:"acc_trade_volume_24h"`
	Timestamp          int64   `json:"timestamp"`
}

// Account is one currency balance. The exchange serializes all numerics
// as strings; the helpers below convert at the read site.
type Account struct {
	Currency     string `json:"currency"`
	Balance      string `json:"balance"`
	Locked       string `json:"locked"`
	AvgBuyPrice  string `json:"avg_buy_price"`
	UnitCurrency string `json:"unit_currency"`
}

// BalanceFloat returns the available balance as a float64.
func (a Account) BalanceFloat() float64 {
	v, _ := strconv.ParseFloat(a.Balance, 64)
	return v
}

// LockedFloat returns the reserved balance as a float64.
func (a Account) LockedFloat() float64 {
	v, _ := strconv.ParseFloat(a.Locked, 64)
	return v
}

// AvgBuyPriceFloat returns the average buy price as a float64.
func (a Account) AvgBuyPriceFloat() float64 {
	v, _ := strconv.ParseFloat(a.AvgBuyPrice, 64)
	return v
}

// Order sides.
const (
	SideBid = "bid" // buy
	SideAsk = "ask" // sell
)

// Order types. A market buy is ord_type=price (spend KRW), a market sell
// is ord_type=market (sell volume).
const (
	OrdTypeLimit  = "limit"
	OrdTypePrice  = "price"
	OrdTypeMarket = "market"
)

// Order states.
const (
	OrderStateWait   = "wait"
	OrderStateWatch  = "watch"
	OrderStateDone   = "done"
	OrderStateCancel = "cancel"
)

// Order is an exchange order. Created by POST /v1/orders; mutated only by
// exchange-side confirmation, never by this process.
type Order struct {
	UUID            string `json:"uuid"`
	Side            string `json:"side"`
	OrdType         string `json:"ord_type"`
	Price           string `json:"price,omitempty"`
	State           string `json:"state"`
	Market          string `json:"market"`
	CreatedAt       string `json:"created_at"`
	Volume          string `json:"volume,omitempty"`
	RemainingVolume string `json:"remaining_volume,omitempty"`
	ExecutedVolume  string `json:"executed_volume"`
	ExecutedFunds   string `json:"executed_funds,omitempty"`
	PaidFee         string `json:"paid_fee"`
	TradesCount     int    `json:"trades_count"`
	Identifier      string `json:"identifier,omitempty"`
}

// IsTerminal reports whether the order reached a final state.
func (o Order) IsTerminal() bool {
	return o.State == OrderStateDone || o.State == OrderStateCancel
}

// ExecutedVolumeFloat returns the filled volume as a float64.
func (o Order) ExecutedVolumeFloat() float64 {
	v, _ := strconv.ParseFloat(o.ExecutedVolume, 64)
	return v
}

// ExecutedFundsFloat returns the filled funds (KRW) as a float64.
func (o Order) ExecutedFundsFloat() float64 {
	v, _ := strconv.ParseFloat(o.ExecutedFunds, 64)
	return v
}

// PaidFeeFloat returns the paid fee as a float64.
func (o Order) PaidFeeFloat() float64 {
	v, _ := strconv.ParseFloat(o.PaidFee, 64)
	return v
}

// OrderRequest is the payload for POST /v1/orders.
type OrderRequest struct {
	Market     string // e.g. KRW-BTC
	Side       string // bid / ask
	OrdType    string // limit / price / market
	Volume     string // required for limit and market(ask)
	Price      string // required for limit and price(bid)
	Identifier string // client-generated idempotency token
}
