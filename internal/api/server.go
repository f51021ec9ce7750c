// Package api is the REST and websocket surface. Handlers stay thin:
// bind, call a service, map the error.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"upbit-trading-bot/internal/apikeys"
	"upbit-trading-bot/internal/auth"
	"upbit-trading-bot/internal/backtest"
	"upbit-trading-bot/internal/database"
	"upbit-trading-bot/internal/events"
	"upbit-trading-bot/internal/position"
	"upbit-trading-bot/internal/strategy"
	"upbit-trading-bot/internal/upbit"
)

// UserStore is the account surface the handlers need.
type UserStore interface {
	GetByID(ctx context.Context, id string) (*database.User, error)
	UpdateTradingSettings(ctx context.Context, u *database.User) error
	SetAutoTrading(ctx context.Context, userID string, enabled bool) error
}

// PositionReader lists a user's open positions.
type PositionReader interface {
	ListOpenByUser(ctx context.Context, userID string) ([]*position.Position, error)
}

// TradeReader lists a user's trade history.
type TradeReader interface {
	ListByUser(ctx context.Context, userID string, limit int) ([]*database.TradeRecord, error)
}

// StrategyStore reads and writes per-user strategy settings.
type StrategyStore interface {
	EnabledStrategies(ctx context.Context, userID string) ([]string, error)
	SetStrategyEnabled(ctx context.Context, userID, name string, enabled bool) error
	ListParameters(ctx context.Context, strategyName, userID string) ([]*database.StrategyParameter, error)
	SetParameter(ctx context.Context, p *database.StrategyParameter) error
	DeleteParameter(ctx context.Context, strategyName, userID, key string) error
}

// Simulations runs and tracks backtests.
type Simulations interface {
	Submit(ctx context.Context, userID string, req backtest.Request) (*database.SimulationTask, error)
	Cancel(taskID string) bool
}

// SimulationStore reads task rows.
type SimulationStore interface {
	Get(ctx context.Context, id string) (*database.SimulationTask, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*database.SimulationTask, error)
}

// CredentialStore seals exchange keys.
type CredentialStore interface {
	Store(ctx context.Context, userID string, creds apikeys.Credentials) error
}

// CredentialUnsealer decrypts a user's stored exchange keys.
type CredentialUnsealer interface {
	Unseal(user *database.User) (*apikeys.Credentials, error)
}

// ExchangeClient is the signed, per-user surface the manual trading and
// order endpoints proxy.
type ExchangeClient interface {
	GetAccounts(ctx context.Context) ([]upbit.Account, error)
	SubmitOrder(ctx context.Context, req upbit.OrderRequest) (*upbit.Order, error)
	GetOrder(ctx context.Context, uuid string) (*upbit.Order, error)
	CancelOrder(ctx context.Context, uuid string) (*upbit.Order, error)
	GetOpenOrders(ctx context.Context, market string) ([]upbit.Order, error)
	GetClosedOrders(ctx context.Context, market string) ([]upbit.Order, error)
}

// ExchangeFactory builds a signed client from decrypted credentials.
type ExchangeFactory func(creds apikeys.Credentials) ExchangeClient

// Ticker runs one on-demand evaluation pass for a user.
type Ticker interface {
	TickUser(ctx context.Context, user *database.User, markets []string) error
}

// WorkingSetResolver turns a user's market settings into the concrete
// market list.
type WorkingSetResolver interface {
	WorkingSet(ctx context.Context, targets []string, topN int, excluded []string) ([]string, error)
}

// Quotes serves public ticker snapshots.
type Quotes interface {
	GetTickers(ctx context.Context, markets []string) ([]upbit.Ticker, error)
}

// CandleReader serves candle windows, newest first.
type CandleReader interface {
	Candles(ctx context.Context, market string, unit, count int) ([]upbit.Candle, error)
}

// CandleArchive reads archived candle ranges by KST timestamp.
type CandleArchive interface {
	Range(ctx context.Context, market string, unit int, from, to string) ([]upbit.Candle, error)
}

// MarketLister previews the tradable universe.
type MarketLister interface {
	Tradable(ctx context.Context, excluded []string) ([]upbit.Market, error)
}

// CacheInvalidator drops market caches after a settings change.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, markets ...string)
}

// Config tunes the HTTP server.
type Config struct {
	Addr           string
	AllowedOrigins []string
	RateLimit      rate.Limit // requests per second per client IP
	RateBurst      int
}

// DefaultConfig mirrors the shipped settings.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		AllowedOrigins: []string{"http://localhost:3000"},
		RateLimit:      20,
		RateBurst:      40,
	}
}

// Deps bundles the server's collaborators.
type Deps struct {
	Auth        *auth.Service
	JWT         *auth.JWTManager
	Users       UserStore
	Positions   PositionReader
	Trades      TradeReader
	Strategies  StrategyStore
	Registry    *strategy.Registry
	Simulations Simulations
	Tasks       SimulationStore
	Credentials CredentialStore
	Unsealer    CredentialUnsealer
	Exchange    ExchangeFactory
	Engine      Ticker
	Resolver    WorkingSetResolver
	Quotes      Quotes
	Candles     CandleReader
	Archive     CandleArchive
	Markets     MarketLister
	Cache       CacheInvalidator
	Bus         *events.Bus
	Log         zerolog.Logger
}

// Server hosts the REST API and the websocket hub.
type Server struct {
	router *gin.Engine
	http   *http.Server
	hub    *Hub
	deps   Deps
	config Config
	log    zerolog.Logger

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// NewServer builds the router. Call Run to serve.
func NewServer(deps Deps, config Config) *Server {
	s := &Server{
		hub:      NewHub(deps.Log),
		deps:     deps,
		config:   config,
		log:      deps.Log,
		limiters: make(map[string]*rate.Limiter),
	}
	s.router = s.buildRouter()
	if deps.Bus != nil {
		deps.Bus.SubscribeAll(s.hub.Deliver)
	}
	return s
}

func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLog(), s.rateLimit())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     s.config.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")
	{
		authGroup := v1.Group("/auth")
		authGroup.POST("/register", s.handleRegister)
		authGroup.POST("/login", s.handleLogin)
		authGroup.POST("/refresh", s.handleRefresh)

		secured := v1.Group("", auth.Middleware(s.deps.JWT))
		secured.GET("/me", s.handleGetMe)
		secured.PUT("/me/settings", s.handleUpdateSettings)
		secured.PUT("/me/credentials", s.handleSetCredentials)
		secured.POST("/me/auto-trading", s.handleSetAutoTrading)

		secured.GET("/positions", s.handleListPositions)
		secured.GET("/trades", s.handleListTrades)

		secured.GET("/strategies", s.handleListStrategies)
		secured.PUT("/strategies/:name", s.handleSetStrategyEnabled)
		secured.GET("/strategies/:name/parameters", s.handleListParameters)
		secured.PUT("/strategies/:name/parameters", s.handleSetParameter)
		secured.DELETE("/strategies/:name/parameters/:key", s.handleDeleteParameter)

		secured.GET("/markets", s.handleListMarkets)
		secured.GET("/markets/:market/ticker", s.handleTicker)
		secured.GET("/markets/:market/candles", s.handleCandles)

		secured.POST("/trading/execute", s.handleTradingExecute)
		secured.GET("/trading/status", s.handleTradingStatus)
		secured.GET("/dashboard", s.handleDashboard)

		secured.GET("/account", s.handleGetAccount)
		secured.POST("/orders/buy", s.handleBuyOrder)
		secured.POST("/orders/sell", s.handleSellOrder)
		secured.GET("/orders/open", s.handleListOpenOrders)
		secured.GET("/orders/closed", s.handleListClosedOrders)
		secured.GET("/orders/:uuid", s.handleGetOrder)
		secured.DELETE("/orders/:uuid", s.handleCancelOrder)

		secured.POST("/backtests", s.handleSubmitBacktest)
		secured.GET("/backtests", s.handleListBacktests)
		secured.GET("/backtests/:id", s.handleGetBacktest)
		secured.DELETE("/backtests/:id", s.handleCancelBacktest)

		secured.GET("/ws", s.handleWebsocket)
	}
	return router
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}

// rateLimit throttles per client IP.
func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.limiterMu.Lock()
		limiter, ok := s.limiters[c.ClientIP()]
		if !ok {
			limiter = rate.NewLimiter(s.config.RateLimit, s.config.RateBurst)
			s.limiters[c.ClientIP()] = limiter
		}
		s.limiterMu.Unlock()

		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// Run serves until the context is cancelled, then drains.
func (s *Server) Run(ctx context.Context) error {
	go s.hub.Run(ctx)

	s.http = &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.config.Addr).Msg("api listening")
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("api: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

// Router exposes the handler tree for tests.
func (s *Server) Router() http.Handler { return s.router }
