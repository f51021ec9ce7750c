package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"upbit-trading-bot/internal/database"
	"upbit-trading-bot/internal/position"
	"upbit-trading-bot/internal/upbit"
)

type fakeGateway struct {
	mu        sync.Mutex
	submitted []upbit.OrderRequest
	fill      *upbit.Order
	submitErr error
	neverFill bool
}

func (g *fakeGateway) SubmitOrder(_ context.Context, req upbit.OrderRequest) (*upbit.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.submitErr != nil {
		return nil, g.submitErr
	}
	g.submitted = append(g.submitted, req)
	return &upbit.Order{UUID: "ord-1", Side: req.Side, State: upbit.OrderStateWait, Market: req.Market}, nil
}

func (g *fakeGateway) GetOrder(_ context.Context, uuid string) (*upbit.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.neverFill {
		return &upbit.Order{UUID: uuid, State: upbit.OrderStateWait}, nil
	}
	return g.fill, nil
}

type fakeJournal struct {
	records []*database.TradeRecord
}

func (j *fakeJournal) Append(_ context.Context, rec *database.TradeRecord) error {
	j.records = append(j.records, rec)
	return nil
}

type fakeStore struct {
	saved   []*position.Position
	pending map[string]string
}

func newFakeStore() *fakeStore { return &fakeStore{pending: make(map[string]string)} }

func (s *fakeStore) Save(_ context.Context, p *position.Position) error {
	s.saved = append(s.saved, p)
	return nil
}

func (s *fakeStore) PendingOrder(_ context.Context, userID, market string) (string, error) {
	return s.pending[userID+"|"+market], nil
}

func (s *fakeStore) SetPendingOrder(_ context.Context, userID, market, uuid string) error {
	if uuid == "" {
		delete(s.pending, userID+"|"+market)
	} else {
		s.pending[userID+"|"+market] = uuid
	}
	return nil
}

func testConfig() Config {
	return Config{ConfirmTimeout: 50 * time.Millisecond, PollInterval: 5 * time.Millisecond, VolumePrecision: 8}
}

func filledBid(funds, volume, fee float64) *upbit.Order {
	return &upbit.Order{
		UUID:           "ord-1",
		Side:           upbit.SideBid,
		State:          upbit.OrderStateDone,
		ExecutedVolume: fmt.Sprintf("%f", volume),
		ExecutedFunds:  fmt.Sprintf("%f", funds),
		PaidFee:        fmt.Sprintf("%f", fee),
	}
}

func TestExecuteEntryLeg(t *testing.T) {
	gw := &fakeGateway{fill: filledBid(100000, 999.5, 50)}
	journal := &fakeJournal{}
	store := newFakeStore()
	svc := NewService(gw, journal, store, testConfig(), zerolog.Nop())

	now := time.Now().UTC()
	pos := position.New("u1", "KRW-BTC", now)
	intent := Intent{
		Kind:           IntentEnterLeg,
		Funds:          decimal.NewFromInt(100000),
		StrategyName:   "RSI",
		SignalStrength: 70,
		StopLossPrice:  decimal.NewFromInt(97),
	}

	res, err := svc.Execute(context.Background(), pos, intent, decimal.NewFromInt(100), now)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFilled, res.Outcome)

	// Effective fill price = executed funds / executed volume.
	wantPrice := decimal.NewFromInt(100000).Div(decimal.NewFromFloat(999.5))
	assert.True(t, res.FilledPrice.Sub(wantPrice).Abs().LessThan(decimal.NewFromFloat(1e-6)),
		"fill price %s want %s", res.FilledPrice, wantPrice)

	require.Len(t, journal.records, 1)
	rec := journal.records[0]
	assert.Equal(t, upbit.SideBid, rec.Side)
	assert.Equal(t, "RSI", rec.StrategyName)

	require.Len(t, store.saved, 1)
	assert.Equal(t, position.StatusEntering, pos.Status)
	assert.Equal(t, 1, pos.EntryPhase)
	assert.True(t, pos.StopLossPrice.Equal(decimal.NewFromInt(97)))

	// Journal write precedes the position save.
	require.Len(t, gw.submitted, 1)
	assert.Equal(t, upbit.OrdTypePrice, gw.submitted[0].OrdType)
	assert.NotEmpty(t, gw.submitted[0].Identifier, "entry legs carry an idempotency token")
}

func TestExecuteBlocksOnPendingPrior(t *testing.T) {
	// The marked order is still open on the exchange.
	gw := &fakeGateway{neverFill: true}
	store := newFakeStore()
	store.pending["u1|KRW-BTC"] = "stale-ord"
	svc := NewService(gw, &fakeJournal{}, store, testConfig(), zerolog.Nop())

	pos := position.New("u1", "KRW-BTC", time.Now())
	res, err := svc.Execute(context.Background(), pos, Intent{Kind: IntentEnterLeg, Funds: decimal.NewFromInt(10000)},
		decimal.NewFromInt(100), time.Now())
	require.NoError(t, err)
	assert.Equal(t, OutcomePendingPrior, res.Outcome)
	assert.Equal(t, "stale-ord", res.OrderUUID)
	assert.Empty(t, gw.submitted, "no new order while one is pending")
	assert.Equal(t, "stale-ord", store.pending["u1|KRW-BTC"], "an open order keeps its marker")
}

func TestExecuteSettlesPriorOrderOnceTerminal(t *testing.T) {
	// The marked entry leg filled after the confirmation window closed.
	gw := &fakeGateway{fill: filledBid(100000, 1000, 50)}
	journal := &fakeJournal{}
	store := newFakeStore()
	store.pending["u1|KRW-BTC"] = "ord-1"
	svc := NewService(gw, journal, store, testConfig(), zerolog.Nop())

	now := time.Now().UTC()
	pos := position.New("u1", "KRW-BTC", now)
	pos.StrategyName = "RSI"
	res, err := svc.Execute(context.Background(), pos, Intent{Kind: IntentEnterLeg, Funds: decimal.NewFromInt(10000)},
		decimal.NewFromInt(100), now)
	require.NoError(t, err)

	assert.Equal(t, OutcomeFilled, res.Outcome)
	assert.Equal(t, upbit.SideBid, res.Side)
	assert.Empty(t, gw.submitted, "settling the prior fill is the call's one order")
	assert.Empty(t, store.pending["u1|KRW-BTC"], "settlement clears the marker")
	assert.Equal(t, position.StatusEntering, pos.Status)
	assert.Equal(t, 1, pos.EntryPhase)
	require.Len(t, journal.records, 1)
	assert.Equal(t, "RSI", journal.records[0].StrategyName)
}

func TestTimedOutOrderRecoversOnLaterTick(t *testing.T) {
	gw := &fakeGateway{neverFill: true}
	journal := &fakeJournal{}
	store := newFakeStore()
	svc := NewService(gw, journal, store, testConfig(), zerolog.Nop())

	now := time.Now().UTC()
	pos := position.New("u1", "KRW-BTC", now)
	intent := Intent{Kind: IntentEnterLeg, Funds: decimal.NewFromInt(100000), StrategyName: "RSI"}

	// Tick 1: the order never confirms inside the window.
	res, err := svc.Execute(context.Background(), pos, intent, decimal.NewFromInt(100), now)
	require.NoError(t, err)
	require.Equal(t, OutcomePendingPrior, res.Outcome)
	require.Equal(t, "ord-1", store.pending["u1|KRW-BTC"])

	// Tick 2: the fill landed on the exchange in the meantime.
	gw.mu.Lock()
	gw.neverFill = false
	gw.fill = filledBid(100000, 999.5, 50)
	gw.mu.Unlock()

	res, err = svc.Execute(context.Background(), pos, intent, decimal.NewFromInt(100), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFilled, res.Outcome)
	assert.Empty(t, store.pending["u1|KRW-BTC"])
	assert.Equal(t, 1, pos.EntryPhase)
	require.Len(t, journal.records, 1)
	require.Len(t, store.saved, 1)

	// Tick 3: the pair is unblocked and submits fresh orders again.
	_, err = svc.Execute(context.Background(), pos, intent, decimal.NewFromInt(100), now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Len(t, gw.submitted, 2, "a settled recovery no longer blocks the pair")
}

func TestResolvePendingInfersExitIntent(t *testing.T) {
	now := time.Now().UTC()
	pos := position.New("u1", "KRW-ETH", now)
	require.NoError(t, pos.ApplyEntryLeg(decimal.NewFromInt(100), decimal.NewFromInt(1000), decimal.Zero, now))
	require.NoError(t, pos.MarkActive(now))

	// A full-volume ask below the average entry settles as a stop loss.
	gw := &fakeGateway{fill: &upbit.Order{
		UUID: "ord-9", Side: upbit.SideAsk, State: upbit.OrderStateDone,
		ExecutedVolume: "1000", ExecutedFunds: "97000", PaidFee: "48",
	}}
	journal := &fakeJournal{}
	store := newFakeStore()
	store.pending["u1|KRW-ETH"] = "ord-9"
	svc := NewService(gw, journal, store, testConfig(), zerolog.Nop())

	res, err := svc.ResolvePending(context.Background(), pos, decimal.NewFromInt(97), now.Add(time.Hour))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, OutcomeFilled, res.Outcome)
	assert.Equal(t, upbit.SideAsk, res.Side)
	assert.Equal(t, position.StatusClosed, pos.Status)
	assert.Equal(t, position.ExitStopLossFixed, pos.CloseReason)
	assert.Empty(t, store.pending["u1|KRW-ETH"])
}

func TestResolvePendingNoMarkerIsNoOp(t *testing.T) {
	svc := NewService(&fakeGateway{}, &fakeJournal{}, newFakeStore(), testConfig(), zerolog.Nop())
	pos := position.New("u1", "KRW-BTC", time.Now())

	res, err := svc.ResolvePending(context.Background(), pos, decimal.NewFromInt(100), time.Now())
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestExecuteConfirmationTimeoutMarksPending(t *testing.T) {
	gw := &fakeGateway{neverFill: true}
	store := newFakeStore()
	svc := NewService(gw, &fakeJournal{}, store, testConfig(), zerolog.Nop())

	now := time.Now().UTC()
	pos := position.New("u1", "KRW-BTC", now)
	res, err := svc.Execute(context.Background(), pos, Intent{Kind: IntentEnterLeg, Funds: decimal.NewFromInt(10000)},
		decimal.NewFromInt(100), now)
	require.NoError(t, err)
	assert.Equal(t, OutcomePendingPrior, res.Outcome)
	assert.Equal(t, "ord-1", store.pending["u1|KRW-BTC"], "timeout leaves the idempotency marker")
	assert.Equal(t, position.StatusPending, pos.Status, "state unchanged on timeout")
}

func TestExecuteSubmitErrorSurfaces(t *testing.T) {
	gw := &fakeGateway{submitErr: errors.New("insufficient funds")}
	svc := NewService(gw, &fakeJournal{}, newFakeStore(), testConfig(), zerolog.Nop())

	pos := position.New("u1", "KRW-BTC", time.Now())
	res, err := svc.Execute(context.Background(), pos, Intent{Kind: IntentEnterLeg, Funds: decimal.NewFromInt(10000)},
		decimal.NewFromInt(100), time.Now())
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
}

func TestExecutePartialThenFinalExit(t *testing.T) {
	now := time.Now().UTC()
	pos := position.New("u1", "KRW-ETH", now)
	require.NoError(t, pos.ApplyEntryLeg(decimal.NewFromInt(100), decimal.NewFromInt(1000), decimal.Zero, now))
	require.NoError(t, pos.MarkActive(now))

	// Partial exit: half the quantity at 102.5.
	gw := &fakeGateway{fill: &upbit.Order{
		UUID: "ord-1", Side: upbit.SideAsk, State: upbit.OrderStateDone,
		ExecutedVolume: "500", ExecutedFunds: "51250", PaidFee: "25",
	}}
	journal := &fakeJournal{}
	store := newFakeStore()
	svc := NewService(gw, journal, store, testConfig(), zerolog.Nop())

	res, err := svc.Execute(context.Background(), pos,
		Intent{Kind: IntentPartialExit, ExitRatio: 0.5, StrategyName: "RSI"},
		decimal.NewFromFloat(102.5), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFilled, res.Outcome)
	assert.Equal(t, position.StatusExiting, pos.Status)
	require.Len(t, journal.records, 1)
	assert.True(t, journal.records[0].HalfSold)

	// Final exit at 101 with a stop reason.
	gw.fill = &upbit.Order{
		UUID: "ord-2", Side: upbit.SideAsk, State: upbit.OrderStateDone,
		ExecutedVolume: "500", ExecutedFunds: "50500", PaidFee: "25",
	}
	res, err = svc.Execute(context.Background(), pos,
		Intent{Kind: IntentFinalExit, ExitReason: position.ExitTrailingStop, StrategyName: "RSI"},
		decimal.NewFromInt(101), now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFilled, res.Outcome)
	assert.Equal(t, position.StatusClosed, pos.Status)
	assert.Equal(t, position.ExitTrailingStop, pos.CloseReason)

	require.Len(t, journal.records, 2)
	assert.Equal(t, string(position.ExitTrailingStop), journal.records[1].ExitReason)

	// Ask volumes use the remaining quantity.
	require.Len(t, gw.submitted, 2)
	assert.Equal(t, upbit.OrdTypeMarket, gw.submitted[1].OrdType)
	assert.Equal(t, "500", gw.submitted[1].Volume)
}

func TestEstimatedNetProfitRate(t *testing.T) {
	avg := decimal.NewFromInt(100)

	// 0.5% gross at 0.2% cost is under the 0.6% floor.
	got := EstimatedNetProfitRate(avg, decimal.NewFromFloat(100.5), 0.002)
	assert.Less(t, got, 0.006)

	// 1.0% gross clears it.
	got = EstimatedNetProfitRate(avg, decimal.NewFromFloat(101), 0.002)
	assert.Greater(t, got, 0.006)
}
