// Package strategy defines the trading-strategy contract, the registry
// the engine dispatches through, and the built-in strategy set. Analysis
// is CPU-bound and never blocks: candle windows are passed in whole and
// parameters come from an in-memory resolver.
package strategy

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"upbit-trading-bot/internal/position"
	"upbit-trading-bot/internal/upbit"
)

// Signal actions.
const (
	Buy  = 1
	Hold = 0
	Sell = -1
)

// Signal is the full output of one analysis call. Price hints and the
// exit reason travel with the signal instead of side-channel state, so
// concurrent runs cannot leak context into each other.
type Signal struct {
	Action        int
	TargetPrice   float64             // 0 when the strategy has no target hint
	StopLossPrice float64             // 0 when the strategy has no stop hint
	ExitReason    position.ExitReason // set on every Sell
	Reason        string              // human-readable audit note
}

// HoldSignal is the neutral result.
func HoldSignal() *Signal { return &Signal{Action: Hold} }

// PositionView is the synthetic position handed to AnalyzeForBacktest
// and derived from the live Position for Analyze. It is the only
// position state a strategy may read.
type PositionView struct {
	Holding      bool
	BuyPrice     float64
	HighestPrice float64
	TargetPrice  float64
	Quantity     float64
	BuyTime      time.Time
}

// ViewOf projects a live position into the strategy-visible view.
func ViewOf(p *position.Position) PositionView {
	if p == nil || !p.IsOpen() {
		return PositionView{}
	}
	buy, _ := p.AvgEntryPrice.Float64()
	high, _ := p.TrailingHighPrice.Float64()
	target, _ := p.TargetPrice.Float64()
	qty, _ := p.RemainingQuantity().Float64()
	var buyTime time.Time
	if len(p.EntryLegs) > 0 {
		buyTime = p.EntryLegs[0].Time
	}
	return PositionView{
		Holding:      true,
		BuyPrice:     buy,
		HighestPrice: high,
		TargetPrice:  target,
		Quantity:     qty,
		BuyTime:      buyTime,
	}
}

// Context carries the per-call inputs for live analysis.
type Context struct {
	UserID   string
	Position *position.Position // read-only snapshot, may be nil
	Now      time.Time
}

// Params resolves tunables for a (user, strategy, key) triple, falling
// back from the user override to the global value to the supplied
// default. Implementations are in-memory reads and never block.
type Params interface {
	Int(userID, strategyName, key string, def int) int
	Float(userID, strategyName, key string, def float64) float64
	Bool(userID, strategyName, key string, def bool) bool
	String(userID, strategyName, key string, def string) string
}

// Strategy is the capability set every trading strategy implements.
// Candle windows are newest first.
type Strategy interface {
	// Name returns the stable identifier used in registry lookups,
	// user selections and trade records.
	Name() string

	// Analyze evaluates the live candle window for one user.
	Analyze(market string, candles []upbit.Candle, ctx *Context) (*Signal, error)

	// AnalyzeForBacktest runs the same decision logic against an
	// explicitly supplied synthetic position. Sell signals carry an
	// ExitReason so simulations can tally why trades closed.
	AnalyzeForBacktest(market string, candles []upbit.Candle, view PositionView) (*Signal, error)
}

// MinWindow is the smallest candle window any strategy is evaluated on.
const MinWindow = 30

// Registry holds the registered strategies. Registration happens at
// startup; lookups afterwards are read-only.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]Strategy)}
}

// Register adds a strategy. Duplicate names are a programming error.
func (r *Registry) Register(s Strategy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.strategies[s.Name()]; exists {
		return fmt.Errorf("strategy %q already registered", s.Name())
	}
	r.strategies[s.Name()] = s
	return nil
}

// MustRegister registers and panics on a duplicate. Startup only.
func (r *Registry) MustRegister(s Strategy) {
	if err := r.Register(s); err != nil {
		panic(err)
	}
}

// Get looks a strategy up by name.
func (r *Registry) Get(name string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[name]
	return s, ok
}

// Names returns all registered names, sorted for determinism.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SafeAnalyze runs Analyze and converts both errors and panics into
// HOLD. A misbehaving strategy must never take a tick down.
func (r *Registry) SafeAnalyze(s Strategy, market string, candles []upbit.Candle, ctx *Context) (sig *Signal) {
	defer func() {
		if rec := recover(); rec != nil {
			sig = HoldSignal()
		}
	}()
	out, err := s.Analyze(market, candles, ctx)
	if err != nil || out == nil {
		return HoldSignal()
	}
	return out
}

// MapParams is an in-memory Params implementation keyed by
// (user, strategy, key) with "" as the global user. Backtests and tests
// use it directly; the live resolver in the database package satisfies
// the same interface.
type MapParams struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMapParams creates an empty resolver.
func NewMapParams() *MapParams {
	return &MapParams{values: make(map[string]string)}
}

// Set stores a value. Pass userID "" for a global entry.
func (m *MapParams) Set(userID, strategyName, key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[userID+"|"+strategyName+"|"+key] = value
}

func (m *MapParams) lookup(userID, strategyName, key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if v, ok := m.values[userID+"|"+strategyName+"|"+key]; ok {
		return v, true
	}
	v, ok := m.values["|"+strategyName+"|"+key]
	return v, ok
}

// Int resolves an integer parameter.
func (m *MapParams) Int(userID, strategyName, key string, def int) int {
	if v, ok := m.lookup(userID, strategyName, key); ok {
		var parsed int
		if _, err := fmt.Sscanf(v, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return def
}

// Float resolves a float parameter.
func (m *MapParams) Float(userID, strategyName, key string, def float64) float64 {
	if v, ok := m.lookup(userID, strategyName, key); ok {
		var parsed float64
		if _, err := fmt.Sscanf(v, "%g", &parsed); err == nil {
			return parsed
		}
	}
	return def
}

// Bool resolves a boolean parameter.
func (m *MapParams) Bool(userID, strategyName, key string, def bool) bool {
	if v, ok := m.lookup(userID, strategyName, key); ok {
		return v == "true" || v == "1"
	}
	return def
}

// String resolves a string parameter.
func (m *MapParams) String(userID, strategyName, key string, def string) string {
	if v, ok := m.lookup(userID, strategyName, key); ok {
		return v
	}
	return def
}
