package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"upbit-trading-bot/config"
	"upbit-trading-bot/internal/api"
	"upbit-trading-bot/internal/apikeys"
	"upbit-trading-bot/internal/auth"
	"upbit-trading-bot/internal/backtest"
	"upbit-trading-bot/internal/clock"
	"upbit-trading-bot/internal/database"
	"upbit-trading-bot/internal/engine"
	"upbit-trading-bot/internal/events"
	"upbit-trading-bot/internal/logging"
	"upbit-trading-bot/internal/market"
	"upbit-trading-bot/internal/risk"
	"upbit-trading-bot/internal/scheduler"
	"upbit-trading-bot/internal/strategy"
	"upbit-trading-bot/internal/upbit"
	"upbit-trading-bot/internal/voting"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := logging.New(logging.Config{Level: cfg.Logging.Level, Pretty: cfg.Logging.Pretty})
	log.Info().Msg("starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewDB(database.Config{
		URL:          cfg.Database.URL,
		MaxConns:     cfg.Database.MaxConns,
		MinConns:     cfg.Database.MinConns,
		ConnLifetime: cfg.Database.ConnLifetime,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.RunMigrations(migrateCtx); err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	defer rdb.Close()

	userRepo := database.NewUserRepository(db)
	tradeRepo := database.NewTradeRepository(db)
	positionRepo := database.NewPositionRepository(db)
	candleRepo := database.NewCandleRepository(db)
	strategyRepo := database.NewStrategyRepository(db)
	simRepo := database.NewSimulationRepository(db)

	// The public client serves market data; signed clients are built per
	// user from their decrypted keys.
	public := upbit.NewClient("", "", cfg.Upbit.BaseURL, cfg.Upbit.RequestsPerSec)
	cache := market.NewCache(public, rdb, logging.Component(log, "market"))
	selector := market.NewSelector(public)
	archiver := market.NewArchiver(cache, candleRepo, logging.Component(log, "market"))

	registry := strategy.NewRegistry()
	for _, s := range strategy.NewAll(strategyRepo) {
		registry.MustRegister(s)
	}
	voter := voting.NewVoter(registry)

	riskConfig := risk.Config{
		MaxConcurrentPositions:  cfg.Trading.MaxPositions,
		DailyLossLimit:          decimal.NewFromFloat(cfg.Trading.DailyLossLimitKRW),
		MinSignalStrength:       cfg.Trading.MinSignalStrength,
		MinOrderAmount:          decimal.NewFromFloat(cfg.Trading.MinOrderAmountKRW),
		MaxSlippageRate:         cfg.Trading.MaxSlippageRate,
		StopLossCooldownCandles: cfg.Trading.LossCooldownCount,
		CandleUnit:              time.Duration(cfg.Trading.CandleUnit) * time.Minute,
		InvestmentRatio:         cfg.Trading.InvestmentRatio,
	}

	creds := apikeys.NewService(userRepo, cfg.Encryption.MasterSecret)
	bus := events.NewBus()

	engineConfig := engine.DefaultConfig()
	engineConfig.CandleUnit = cfg.Trading.CandleUnit
	engineConfig.CandleCount = cfg.Trading.CandleCount
	engineConfig.MarketWorkers = cfg.Trading.MarketWorkers
	engineConfig.TotalCostRate = cfg.Trading.TotalCostRate
	engineConfig.MinProfitRate = cfg.Trading.MinNetProfitRate
	engineConfig.Lifecycle = cfg.Trading.LifecycleParams()

	eng := engine.New(engine.Deps{
		Voter:      voter,
		Registry:   registry,
		Risk:       risk.NewManager(riskConfig),
		RiskConfig: riskConfig,
		Data:       archiver,
		Store:      positionRepo,
		Ledger:     tradeRepo,
		Selector:   strategyRepo,
		Creds:      creds,
		Admin:      userRepo,
		Factory: func(c apikeys.Credentials) engine.Exchange {
			return upbit.NewClient(c.AccessKey, c.SecretKey, cfg.Upbit.BaseURL, cfg.Upbit.RequestsPerSec)
		},
		Bus:   bus,
		Clock: clock.Real{},
		Log:   logging.Component(log, "engine"),
	}, engineConfig)

	// Simulations longer than one exchange request read from the candle
	// archive the archiver has been filling.
	history := market.NewHistory(archiver, candleRepo, logging.Component(log, "market"))
	backtester := backtest.NewManager(
		simRepo,
		backtest.NewEngine(strategyRepo),
		history,
		cfg.Backtest.MaxConcurrentTasks,
		cfg.Backtest.MarketWorkers,
		logging.Component(log, "backtest"),
	)

	jwt := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.AccessLifetime, cfg.Auth.RefreshLifetime)
	authService := auth.NewService(userRepo, jwt, logging.Component(log, "auth"))

	server := api.NewServer(api.Deps{
		Auth:        authService,
		JWT:         jwt,
		Users:       userRepo,
		Positions:   positionRepo,
		Trades:      tradeRepo,
		Strategies:  strategyRepo,
		Registry:    registry,
		Simulations: backtester,
		Tasks:       simRepo,
		Credentials: creds,
		Unsealer:    creds,
		Exchange: func(c apikeys.Credentials) api.ExchangeClient {
			return upbit.NewClient(c.AccessKey, c.SecretKey, cfg.Upbit.BaseURL, cfg.Upbit.RequestsPerSec)
		},
		Engine:   eng,
		Resolver: selector,
		Quotes:   public,
		Candles:  archiver,
		Archive:  candleRepo,
		Markets:  selector,
		Cache:    cache,
		Bus:      bus,
		Log:      logging.Component(log, "api"),
	}, api.Config{
		Addr:           cfg.Server.Addr,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RateLimit:      rate.Limit(cfg.Server.RateLimit),
		RateBurst:      cfg.Server.RateBurst,
	})

	schedConfig := scheduler.DefaultConfig()
	schedConfig.TickSpec = cfg.Scheduler.TickSpec
	schedConfig.StatusSpec = cfg.Scheduler.StatusSpec
	schedConfig.CleanupSpec = cfg.Scheduler.CleanupSpec
	schedConfig.UserWorkers = cfg.Scheduler.UserWorkers

	sched := scheduler.New(userRepo, selector, eng, candleRepo, simRepo, tradeRepo,
		strategyRepo, bus, clock.Real{}, schedConfig, logging.Component(log, "scheduler"))
	if err := sched.Start(); err != nil {
		return err
	}
	defer sched.Stop()

	if err := server.Run(ctx); err != nil {
		return err
	}

	log.Info().Msg("shutdown complete")
	return nil
}
