package voting

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"upbit-trading-bot/internal/position"
	"upbit-trading-bot/internal/strategy"
	"upbit-trading-bot/internal/upbit"
)

type stub struct {
	name string
	sig  *strategy.Signal
}

func (s stub) Name() string { return s.name }
func (s stub) Analyze(string, []upbit.Candle, *strategy.Context) (*strategy.Signal, error) {
	return s.sig, nil
}
func (s stub) AnalyzeForBacktest(string, []upbit.Candle, strategy.PositionView) (*strategy.Signal, error) {
	return s.sig, nil
}

// registryOf registers buy/sell/hold stubs and returns the consulted
// name list in registration order.
func registryOf(t *testing.T, buy, sell, hold int) (*Voter, []string) {
	t.Helper()
	r := strategy.NewRegistry()
	var names []string
	add := func(prefix string, n int, sig *strategy.Signal) {
		for i := 0; i < n; i++ {
			name := fmt.Sprintf("%s_%d", prefix, i)
			require.NoError(t, r.Register(stub{name: name, sig: sig}))
			names = append(names, name)
		}
	}
	add("BUYER", buy, &strategy.Signal{Action: strategy.Buy, TargetPrice: 110, StopLossPrice: 95})
	add("SELLER", sell, &strategy.Signal{Action: strategy.Sell, ExitReason: position.ExitSignalInvalid})
	add("FENCE", hold, strategy.HoldSignal())
	return NewVoter(r), names
}

func openPosition(t *testing.T) *position.Position {
	t.Helper()
	now := time.Now().UTC()
	p := position.New("u1", "KRW-BTC", now)
	require.NoError(t, p.ApplyEntryLeg(decimal.NewFromInt(100), decimal.NewFromInt(10), decimal.Zero, now))
	require.NoError(t, p.MarkActive(now))
	return p
}

func TestMajorityBuy(t *testing.T) {
	v, names := registryOf(t, 6, 1, 3)
	d := v.Decide(ModeDefault, names, "KRW-BTC", nil, &strategy.Context{UserID: "u1"})

	assert.Equal(t, strategy.Buy, d.Action)
	assert.InDelta(t, 60, d.SignalStrength, 1e-9)
	assert.Len(t, d.Agreeing, 6)
	assert.Equal(t, 110.0, d.TargetPrice)
	assert.Equal(t, 95.0, d.StopLossPrice)
}

func TestMajorityAbstainsBelowThreshold(t *testing.T) {
	// 5 of 10 buying is short of the strict majority of 6.
	v, names := registryOf(t, 5, 3, 2)
	d := v.Decide(ModeDefault, names, "KRW-BTC", nil, &strategy.Context{UserID: "u1"})
	assert.Equal(t, strategy.Hold, d.Action)
}

func TestThreshold(t *testing.T) {
	assert.Equal(t, 6, Threshold(10))
	assert.Equal(t, 4, Threshold(7))
	assert.Equal(t, 1, Threshold(1))
}

func TestBuyRequiresNoOpenPosition(t *testing.T) {
	v, names := registryOf(t, 7, 0, 3)
	ctx := &strategy.Context{UserID: "u1", Position: openPosition(t)}
	d := v.Decide(ModeDefault, names, "KRW-BTC", nil, ctx)
	assert.Equal(t, strategy.Hold, d.Action, "a buy majority cannot stack onto an open position")
}

func TestSellRequiresOpenPosition(t *testing.T) {
	v, names := registryOf(t, 0, 7, 3)
	d := v.Decide(ModeDefault, names, "KRW-BTC", nil, &strategy.Context{UserID: "u1"})
	assert.Equal(t, strategy.Hold, d.Action, "nothing to sell when flat")

	ctx := &strategy.Context{UserID: "u1", Position: openPosition(t)}
	d = v.Decide(ModeDefault, names, "KRW-BTC", nil, ctx)
	assert.Equal(t, strategy.Sell, d.Action)
	assert.Equal(t, position.ExitSignalInvalid, d.ExitReason)
	assert.InDelta(t, 70, d.SignalStrength, 1e-9)
}

func TestExitVotesCheckedFirst(t *testing.T) {
	// Sells sit exactly at the threshold with dissenting buys present;
	// the exit still fires while a position is open.
	v, names := registryOf(t, 3, 5, 0)
	require.Len(t, names, 8)
	ctx := &strategy.Context{UserID: "u1", Position: openPosition(t)}
	d := v.Decide(ModeDefault, names, "KRW-BTC", nil, ctx)
	assert.Equal(t, strategy.Sell, d.Action)
	assert.Len(t, d.Agreeing, 5)
}

func TestUnknownNamesAreSkipped(t *testing.T) {
	v, names := registryOf(t, 2, 0, 1)
	names = append(names, "NOT_REGISTERED")
	// 2 of 3 consulted buys clears the threshold of 2.
	d := v.Decide(ModeDefault, names, "KRW-BTC", nil, &strategy.Context{UserID: "u1"})
	assert.Equal(t, strategy.Buy, d.Action)
}

func TestScaledModeDelegates(t *testing.T) {
	r := strategy.NewRegistry()
	require.NoError(t, r.Register(stub{name: "OTHER", sig: &strategy.Signal{Action: strategy.Sell}}))
	require.NoError(t, r.Register(stub{
		name: strategy.NameScaledTrading,
		sig:  &strategy.Signal{Action: strategy.Buy, StopLossPrice: 97, Reason: "dip entry"},
	}))
	v := NewVoter(r)

	d := v.Decide(ModeScaledTrading, []string{"OTHER"}, "KRW-BTC", nil, &strategy.Context{UserID: "u1"})
	assert.Equal(t, strategy.Buy, d.Action, "only the scaled strategy is consulted")
	assert.Equal(t, []string{strategy.NameScaledTrading}, d.Agreeing)
	assert.Equal(t, 100.0, d.SignalStrength)
	assert.Equal(t, 97.0, d.StopLossPrice)
}

func TestDeterministic(t *testing.T) {
	v, names := registryOf(t, 6, 2, 2)
	ctx := &strategy.Context{UserID: "u1"}
	first := v.Decide(ModeDefault, names, "KRW-BTC", nil, ctx)
	for i := 0; i < 5; i++ {
		again := v.Decide(ModeDefault, names, "KRW-BTC", nil, ctx)
		assert.Equal(t, first, again)
	}
}
