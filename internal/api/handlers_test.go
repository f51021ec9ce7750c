package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"upbit-trading-bot/internal/apikeys"
	"upbit-trading-bot/internal/auth"
	"upbit-trading-bot/internal/backtest"
	"upbit-trading-bot/internal/database"
	"upbit-trading-bot/internal/events"
	"upbit-trading-bot/internal/position"
	"upbit-trading-bot/internal/strategy"
	"upbit-trading-bot/internal/upbit"
)

type fakeUsers struct {
	users map[string]*database.User
}

func (f *fakeUsers) GetByID(_ context.Context, id string) (*database.User, error) {
	if u, ok := f.users[id]; ok {
		return u, nil
	}
	return nil, database.ErrNotFound
}

func (f *fakeUsers) UpdateTradingSettings(_ context.Context, u *database.User) error {
	f.users[u.ID] = u
	return nil
}

func (f *fakeUsers) SetAutoTrading(_ context.Context, id string, enabled bool) error {
	u, ok := f.users[id]
	if !ok {
		return database.ErrNotFound
	}
	u.AutoTradingEnabled = enabled
	return nil
}

type fakePositions struct{ list []*position.Position }

func (f *fakePositions) ListOpenByUser(context.Context, string) ([]*position.Position, error) {
	return f.list, nil
}

type fakeTrades struct{ list []*database.TradeRecord }

func (f *fakeTrades) ListByUser(context.Context, string, int) ([]*database.TradeRecord, error) {
	return f.list, nil
}

type fakeStrategies struct {
	enabled map[string]bool
	params  []*database.StrategyParameter
}

func (f *fakeStrategies) EnabledStrategies(context.Context, string) ([]string, error) {
	var out []string
	for name, on := range f.enabled {
		if on {
			out = append(out, name)
		}
	}
	return out, nil
}

func (f *fakeStrategies) SetStrategyEnabled(_ context.Context, _, name string, enabled bool) error {
	if f.enabled == nil {
		f.enabled = make(map[string]bool)
	}
	f.enabled[name] = enabled
	return nil
}

func (f *fakeStrategies) ListParameters(context.Context, string, string) ([]*database.StrategyParameter, error) {
	return f.params, nil
}

func (f *fakeStrategies) SetParameter(_ context.Context, p *database.StrategyParameter) error {
	f.params = append(f.params, p)
	return nil
}

func (f *fakeStrategies) DeleteParameter(context.Context, string, string, string) error {
	return nil
}

type fakeSimulations struct {
	submitted []backtest.Request
	cancelled []string
	running   bool
}

func (f *fakeSimulations) Submit(_ context.Context, userID string, req backtest.Request) (*database.SimulationTask, error) {
	f.submitted = append(f.submitted, req)
	return &database.SimulationTask{ID: "task-1", UserID: userID, Status: database.TaskPending}, nil
}

func (f *fakeSimulations) Cancel(id string) bool {
	f.cancelled = append(f.cancelled, id)
	return f.running
}

type fakeTasks struct{ tasks map[string]*database.SimulationTask }

func (f *fakeTasks) Get(_ context.Context, id string) (*database.SimulationTask, error) {
	if t, ok := f.tasks[id]; ok {
		return t, nil
	}
	return nil, database.ErrNotFound
}

func (f *fakeTasks) ListByUser(context.Context, string, int) ([]*database.SimulationTask, error) {
	var out []*database.SimulationTask
	for _, t := range f.tasks {
		out = append(out, t)
	}
	return out, nil
}

type fakeCredStore struct{ stored map[string]apikeys.Credentials }

func (f *fakeCredStore) Store(_ context.Context, userID string, creds apikeys.Credentials) error {
	if f.stored == nil {
		f.stored = make(map[string]apikeys.Credentials)
	}
	f.stored[userID] = creds
	return nil
}

type fakeMarkets struct{}

func (fakeMarkets) Tradable(context.Context, []string) ([]upbit.Market, error) {
	return []upbit.Market{{Market: "KRW-BTC"}}, nil
}

type fakeUnsealer struct{ creds apikeys.Credentials }

func (f *fakeUnsealer) Unseal(u *database.User) (*apikeys.Credentials, error) {
	if !u.HasCredentials() {
		return nil, apikeys.ErrNoCredentials
	}
	out := f.creds
	return &out, nil
}

type fakeExchangeClient struct {
	submitted []upbit.OrderRequest
	cancelled []string
	open      []upbit.Order
	closed    []upbit.Order
}

func (f *fakeExchangeClient) GetAccounts(context.Context) ([]upbit.Account, error) {
	return []upbit.Account{{Currency: "KRW", Balance: "500000"}}, nil
}

func (f *fakeExchangeClient) SubmitOrder(_ context.Context, req upbit.OrderRequest) (*upbit.Order, error) {
	f.submitted = append(f.submitted, req)
	return &upbit.Order{UUID: "ord-1", Side: req.Side, State: upbit.OrderStateWait, Market: req.Market}, nil
}

func (f *fakeExchangeClient) GetOrder(_ context.Context, uuid string) (*upbit.Order, error) {
	return &upbit.Order{UUID: uuid, State: upbit.OrderStateDone}, nil
}

func (f *fakeExchangeClient) CancelOrder(_ context.Context, uuid string) (*upbit.Order, error) {
	f.cancelled = append(f.cancelled, uuid)
	return &upbit.Order{UUID: uuid, State: upbit.OrderStateCancel}, nil
}

func (f *fakeExchangeClient) GetOpenOrders(context.Context, string) ([]upbit.Order, error) {
	return f.open, nil
}

func (f *fakeExchangeClient) GetClosedOrders(context.Context, string) ([]upbit.Order, error) {
	return f.closed, nil
}

type fakeTicker struct {
	ticked [][]string
	err    error
}

func (f *fakeTicker) TickUser(_ context.Context, _ *database.User, markets []string) error {
	f.ticked = append(f.ticked, markets)
	return f.err
}

type fakeResolver struct{ markets []string }

func (f *fakeResolver) WorkingSet(context.Context, []string, int, []string) ([]string, error) {
	return f.markets, nil
}

type fakeQuotes struct{ tickers []upbit.Ticker }

func (f *fakeQuotes) GetTickers(context.Context, []string) ([]upbit.Ticker, error) {
	return f.tickers, nil
}

type fakeCandles struct{ candles []upbit.Candle }

func (f *fakeCandles) Candles(context.Context, string, int, int) ([]upbit.Candle, error) {
	return f.candles, nil
}

type fakeArchive struct {
	ranged  []string // "from..to" of each call
	candles []upbit.Candle
}

func (f *fakeArchive) Range(_ context.Context, _ string, _ int, from, to string) ([]upbit.Candle, error) {
	f.ranged = append(f.ranged, from+".."+to)
	return f.candles, nil
}

type apiFixture struct {
	server   *Server
	jwt      *auth.JWTManager
	users    *fakeUsers
	sims     *fakeSimulations
	tasks    *fakeTasks
	creds    *fakeCredStore
	exchange *fakeExchangeClient
	ticker   *fakeTicker
	archive  *fakeArchive
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	registry := strategy.NewRegistry()
	for _, s := range strategy.NewAll(strategy.NewMapParams()) {
		registry.MustRegister(s)
	}

	jwt := auth.NewJWTManager("test-secret", 15*time.Minute, time.Hour)
	f := &apiFixture{
		jwt: jwt,
		users: &fakeUsers{users: map[string]*database.User{
			"u1": {ID: "u1", Email: "trader@example.com", StrategyMode: "DEFAULT"},
		}},
		sims:     &fakeSimulations{running: true},
		tasks:    &fakeTasks{tasks: make(map[string]*database.SimulationTask)},
		creds:    &fakeCredStore{},
		exchange: &fakeExchangeClient{},
		ticker:   &fakeTicker{},
		archive:  &fakeArchive{},
	}
	f.server = NewServer(Deps{
		JWT:         jwt,
		Users:       f.users,
		Positions:   &fakePositions{},
		Trades:      &fakeTrades{},
		Strategies:  &fakeStrategies{},
		Registry:    registry,
		Simulations: f.sims,
		Tasks:       f.tasks,
		Credentials: f.creds,
		Unsealer:    &fakeUnsealer{creds: apikeys.Credentials{AccessKey: "AK", SecretKey: "SK"}},
		Exchange:    func(apikeys.Credentials) ExchangeClient { return f.exchange },
		Engine:      f.ticker,
		Resolver:    &fakeResolver{markets: []string{"KRW-BTC", "KRW-ETH"}},
		Quotes:      &fakeQuotes{tickers: []upbit.Ticker{{Market: "KRW-BTC", TradePrice: 100}}},
		Candles:     &fakeCandles{candles: []upbit.Candle{{Market: "KRW-BTC", TradePrice: 100}}},
		Archive:     f.archive,
		Markets:     fakeMarkets{},
		Bus:         events.NewBus(),
		Log:         zerolog.Nop(),
	}, DefaultConfig())
	return f
}

// withCredentials marks the fixture user as having stored keys.
func (f *apiFixture) withCredentials() {
	f.users.users["u1"].AccessKeyEncrypted = "enc-ak"
	f.users.users["u1"].SecretKeyEncrypted = "enc-sk"
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if authed {
		token, err := f.jwt.GenerateAccessToken("u1", "trader@example.com", time.Now())
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.server.Router().ServeHTTP(w, req)
	return w
}

func TestSecuredRoutesRequireToken(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(t, http.MethodGet, "/api/v1/positions", nil, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(t, http.MethodGet, "/health", nil, false)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestListStrategies(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(t, http.MethodGet, "/api/v1/strategies", nil, true)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Strategies []struct {
			Name    string `json:"name"`
			Enabled bool   `json:"enabled"`
		} `json:"strategies"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Len(t, body.Strategies, 10)
	for _, s := range body.Strategies {
		assert.True(t, s.Enabled, "no explicit selection enables everything")
	}
}

func TestSetParameterUnknownStrategy(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(t, http.MethodPut, "/api/v1/strategies/NOPE/parameters",
		gin.H{"key": "period", "value": "14", "type": "INT"}, true)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAutoTradingRequiresCredentials(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/me/auto-trading", gin.H{"enabled": true}, true)
	assert.Equal(t, http.StatusConflict, w.Code)

	// Store keys, then enabling works.
	w = f.do(t, http.MethodPut, "/api/v1/me/credentials",
		gin.H{"access_key": "AK", "secret_key": "SK"}, true)
	require.Equal(t, http.StatusOK, w.Code)
	f.users.users["u1"].AccessKeyEncrypted = "enc-ak"
	f.users.users["u1"].SecretKeyEncrypted = "enc-sk"

	w = f.do(t, http.MethodPost, "/api/v1/me/auto-trading", gin.H{"enabled": true}, true)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, f.users.users["u1"].AutoTradingEnabled)
}

func TestUpdateSettingsValidatesMode(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(t, http.MethodPut, "/api/v1/me/settings", gin.H{"strategy_mode": "YOLO"}, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPut, "/api/v1/me/settings",
		gin.H{"strategy_mode": "SCALED_TRADING", "target_markets": []string{"KRW-BTC"}}, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "SCALED_TRADING", f.users.users["u1"].StrategyMode)
}

func TestSubmitBacktest(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/backtests", gin.H{
		"markets": []string{"KRW-BTC"}, "strategy_name": "RSI",
		"candle_unit": 5, "candle_count": 200, "initial_balance": 1000000,
	}, true)
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, f.sims.submitted, 1)
	assert.Equal(t, "RSI", f.sims.submitted[0].StrategyName)

	// An unrunnable request never reaches the manager.
	w = f.do(t, http.MethodPost, "/api/v1/backtests", gin.H{
		"markets": []string{}, "strategy_name": "RSI",
		"candle_unit": 5, "candle_count": 200, "initial_balance": 1000000,
	}, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Len(t, f.sims.submitted, 1)
}

func TestGetBacktestScopedToOwner(t *testing.T) {
	f := newAPIFixture(t)
	f.tasks.tasks["mine"] = &database.SimulationTask{ID: "mine", UserID: "u1", Status: database.TaskRunning}
	f.tasks.tasks["theirs"] = &database.SimulationTask{ID: "theirs", UserID: "u2", Status: database.TaskRunning}

	w := f.do(t, http.MethodGet, "/api/v1/backtests/mine", nil, true)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/backtests/theirs", nil, true)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodDelete, "/api/v1/backtests/mine", nil, true)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"mine"}, f.sims.cancelled)
}

func TestTradingExecuteRunsWorkingSet(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/trading/execute", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, f.ticker.ticked, 1)
	assert.Equal(t, []string{"KRW-BTC", "KRW-ETH"}, f.ticker.ticked[0])
}

func TestTradingExecuteSurfacesCredentialFailure(t *testing.T) {
	f := newAPIFixture(t)
	f.ticker.err = apikeys.ErrNoCredentials

	w := f.do(t, http.MethodPost, "/api/v1/trading/execute", nil, true)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestTradingStatus(t *testing.T) {
	f := newAPIFixture(t)
	f.users.users["u1"].AutoTradingEnabled = true

	w := f.do(t, http.MethodGet, "/api/v1/trading/status", nil, true)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		AutoTradingEnabled bool `json:"auto_trading_enabled"`
		OpenPositions      int  `json:"open_positions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.AutoTradingEnabled)
	assert.Zero(t, body.OpenPositions)
}

func TestManualOrdersRequireStoredCredentials(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/orders/buy",
		gin.H{"market": "KRW-BTC", "funds": 10000}, true)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Empty(t, f.exchange.submitted)
}

func TestManualBuyAndSellOrders(t *testing.T) {
	f := newAPIFixture(t)
	f.withCredentials()

	w := f.do(t, http.MethodPost, "/api/v1/orders/buy",
		gin.H{"market": "KRW-BTC", "funds": 10000}, true)
	require.Equal(t, http.StatusCreated, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/orders/sell",
		gin.H{"market": "KRW-BTC", "volume": 0.5}, true)
	require.Equal(t, http.StatusCreated, w.Code)

	require.Len(t, f.exchange.submitted, 2)
	buy, sell := f.exchange.submitted[0], f.exchange.submitted[1]
	assert.Equal(t, upbit.SideBid, buy.Side)
	assert.Equal(t, upbit.OrdTypePrice, buy.OrdType)
	assert.Equal(t, "10000", buy.Price)
	assert.Equal(t, upbit.SideAsk, sell.Side)
	assert.Equal(t, upbit.OrdTypeMarket, sell.OrdType)
	assert.Equal(t, "0.5", sell.Volume)

	// A zero amount never reaches the exchange.
	w = f.do(t, http.MethodPost, "/api/v1/orders/buy",
		gin.H{"market": "KRW-BTC", "funds": 0}, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Len(t, f.exchange.submitted, 2)
}

func TestCancelOrderProxies(t *testing.T) {
	f := newAPIFixture(t)
	f.withCredentials()

	w := f.do(t, http.MethodDelete, "/api/v1/orders/ord-7", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"ord-7"}, f.exchange.cancelled)
}

func TestAccountProxy(t *testing.T) {
	f := newAPIFixture(t)
	f.withCredentials()

	w := f.do(t, http.MethodGet, "/api/v1/account", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "KRW")
}

func TestTickerProxy(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(t, http.MethodGet, "/api/v1/markets/KRW-BTC/ticker", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "KRW-BTC")
}

func TestCandleProxyValidatesUnit(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/markets/KRW-BTC/candles?unit=7", nil, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/markets/KRW-BTC/candles?unit=5&count=50", nil, true)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCandleProxyRangeReadsArchive(t *testing.T) {
	f := newAPIFixture(t)
	f.archive.candles = []upbit.Candle{{Market: "KRW-BTC", TradePrice: 99}}

	w := f.do(t, http.MethodGet,
		"/api/v1/markets/KRW-BTC/candles?unit=5&from=2024-03-01T00:00:00&to=2024-03-02T00:00:00", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"2024-03-01T00:00:00..2024-03-02T00:00:00"}, f.archive.ranged)

	// A half-open range is rejected.
	w = f.do(t, http.MethodGet, "/api/v1/markets/KRW-BTC/candles?from=2024-03-01T00:00:00", nil, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDashboardSummary(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(t, http.MethodGet, "/api/v1/dashboard", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "recent_trades")
}
