// Package config loads runtime settings from the environment, with an
// optional .env file for local development. Exchange credentials are
// never read here: they are per-user and live encrypted in the database.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"upbit-trading-bot/internal/position"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Upbit      UpbitConfig
	Auth       AuthConfig
	Encryption EncryptionConfig
	Trading    TradingConfig
	Scheduler  SchedulerConfig
	Backtest   BacktestConfig
	Logging    LoggingConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
	RateLimit      float64 // requests per second per client IP
	RateBurst      int
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL          string
	MaxConns     int
	MinConns     int
	ConnLifetime time.Duration
}

// RedisConfig holds cache connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// UpbitConfig holds public exchange API settings.
type UpbitConfig struct {
	BaseURL        string
	RequestsPerSec int
}

// AuthConfig holds token issuance settings.
type AuthConfig struct {
	JWTSecret       string
	AccessLifetime  time.Duration
	RefreshLifetime time.Duration
}

// EncryptionConfig holds the master secret protecting stored exchange keys.
type EncryptionConfig struct {
	MasterSecret string
}

// TradingConfig holds engine and risk settings shared by all users.
type TradingConfig struct {
	CandleUnit        int
	CandleCount       int
	MarketWorkers     int
	MaxPositions      int
	InvestmentRatio   float64
	DailyLossLimitKRW float64
	MinSignalStrength float64
	MinOrderAmountKRW float64
	LossCooldownCount int
	MaxSlippageRate   float64
	TotalCostRate     float64
	MinNetProfitRate  float64

	// Scaled lifecycle tunables.
	EntryRatio1           float64
	EntryRatio2           float64
	EntryRatio3           float64
	Entry2DropThreshold   float64
	Entry3DropThreshold   float64
	PartialTakeProfitRate float64
	PartialExitRatio      float64
	TrailingArmThreshold  float64
	TrailingStopRate      float64
	TrailingATRMultiplier float64
	MaxStopLossRate       float64
	MinHoldCandles        int
}

// LifecycleParams maps the trading keys onto the scaled-lifecycle
// tunables the engine evaluates positions with.
func (t TradingConfig) LifecycleParams() position.Params {
	return position.Params{
		EntryRatio1:                 t.EntryRatio1,
		EntryRatio2:                 t.EntryRatio2,
		EntryRatio3:                 t.EntryRatio3,
		Entry2DropThreshold:         t.Entry2DropThreshold,
		Entry3DropThreshold:         t.Entry3DropThreshold,
		PartialTakeProfitRate:       t.PartialTakeProfitRate,
		PartialExitRatio:            t.PartialExitRatio,
		TrailingActivationThreshold: t.TrailingArmThreshold,
		TrailingStopRate:            t.TrailingStopRate,
		TrailingATRMultiplier:       t.TrailingATRMultiplier,
		MaxStopLossRate:             t.MaxStopLossRate,
		MinHoldCandles:              t.MinHoldCandles,
		CandleUnit:                  time.Duration(t.CandleUnit) * time.Minute,
	}
}

// SchedulerConfig holds cron specs and worker limits.
type SchedulerConfig struct {
	TickSpec    string
	StatusSpec  string
	CleanupSpec string
	UserWorkers int
}

// BacktestConfig bounds concurrent simulation work.
type BacktestConfig struct {
	MaxConcurrentTasks int
	MarketWorkers      int
}

// LoggingConfig selects level and format.
type LoggingConfig struct {
	Level  string
	Pretty bool
}

// Load reads .env when present, then the environment. It fails fast on
// the secrets the process cannot run without.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Addr:           getEnvOrDefault("SERVER_ADDR", ":8080"),
			AllowedOrigins: splitList(getEnvOrDefault("SERVER_ALLOWED_ORIGINS", "http://localhost:3000")),
			RateLimit:      getEnvFloatOrDefault("SERVER_RATE_LIMIT", 20),
			RateBurst:      getEnvIntOrDefault("SERVER_RATE_BURST", 40),
		},
		Database: DatabaseConfig{
			URL:          os.Getenv("DATABASE_URL"),
			MaxConns:     getEnvIntOrDefault("DATABASE_MAX_CONNS", 10),
			MinConns:     getEnvIntOrDefault("DATABASE_MIN_CONNS", 2),
			ConnLifetime: getEnvDurationOrDefault("DATABASE_CONN_LIFETIME", time.Hour),
		},
		Redis: RedisConfig{
			Addr:     getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getEnvIntOrDefault("REDIS_DB", 0),
			PoolSize: getEnvIntOrDefault("REDIS_POOL_SIZE", 10),
		},
		Upbit: UpbitConfig{
			BaseURL:        getEnvOrDefault("UPBIT_BASE_URL", "https://api.upbit.com"),
			RequestsPerSec: getEnvIntOrDefault("UPBIT_REQUESTS_PER_SEC", 8),
		},
		Auth: AuthConfig{
			JWTSecret:       os.Getenv("AUTH_JWT_SECRET"),
			AccessLifetime:  getEnvDurationOrDefault("AUTH_ACCESS_TOKEN_DURATION", 15*time.Minute),
			RefreshLifetime: getEnvDurationOrDefault("AUTH_REFRESH_TOKEN_DURATION", 7*24*time.Hour),
		},
		Encryption: EncryptionConfig{
			MasterSecret: os.Getenv("ENCRYPTION_MASTER_SECRET"),
		},
		Trading: TradingConfig{
			CandleUnit:        getEnvIntOrDefault("TRADING_CANDLE_UNIT", 5),
			CandleCount:       getEnvIntOrDefault("TRADING_CANDLE_COUNT", 100),
			MarketWorkers:     getEnvIntOrDefault("TRADING_MARKET_WORKERS", 8),
			MaxPositions:      getEnvIntOrDefault("TRADING_MAX_POSITIONS", 5),
			InvestmentRatio:   getEnvFloatOrDefault("TRADING_INVESTMENT_RATIO", 0.3),
			DailyLossLimitKRW: getEnvFloatOrDefault("TRADING_DAILY_LOSS_LIMIT", 50000),
			MinSignalStrength: getEnvFloatOrDefault("TRADING_MIN_SIGNAL_STRENGTH", 50),
			MinOrderAmountKRW: getEnvFloatOrDefault("TRADING_MIN_ORDER_AMOUNT", 6000),
			LossCooldownCount: getEnvIntOrDefault("TRADING_LOSS_COOLDOWN_CANDLES", 10),
			MaxSlippageRate:   getEnvFloatOrDefault("TRADING_MAX_SLIPPAGE_RATE", 0.003),
			TotalCostRate:     getEnvFloatOrDefault("TRADING_TOTAL_COST_RATE", 0.002),
			MinNetProfitRate:  getEnvFloatOrDefault("TRADING_MIN_NET_PROFIT_RATE", 0.006),

			EntryRatio1:           getEnvFloatOrDefault("TRADING_ENTRY_RATIO_1", 0.30),
			EntryRatio2:           getEnvFloatOrDefault("TRADING_ENTRY_RATIO_2", 0.30),
			EntryRatio3:           getEnvFloatOrDefault("TRADING_ENTRY_RATIO_3", 0.40),
			Entry2DropThreshold:   getEnvFloatOrDefault("TRADING_ENTRY2_DROP_THRESHOLD", 0.015),
			Entry3DropThreshold:   getEnvFloatOrDefault("TRADING_ENTRY3_DROP_THRESHOLD", 0.025),
			PartialTakeProfitRate: getEnvFloatOrDefault("TRADING_PARTIAL_TP_RATE", 0.025),
			PartialExitRatio:      getEnvFloatOrDefault("TRADING_PARTIAL_EXIT_RATIO", 0.50),
			TrailingArmThreshold:  getEnvFloatOrDefault("TRADING_TRAILING_ARM_THRESHOLD", 0.030),
			TrailingStopRate:      getEnvFloatOrDefault("TRADING_TRAILING_STOP_RATE", 0.015),
			TrailingATRMultiplier: getEnvFloatOrDefault("TRADING_TRAILING_ATR_MULT", 0),
			MaxStopLossRate:       getEnvFloatOrDefault("TRADING_MAX_STOP_LOSS_RATE", 0.03),
			MinHoldCandles:        getEnvIntOrDefault("TRADING_MIN_HOLD_CANDLES", 3),
		},
		Scheduler: SchedulerConfig{
			TickSpec:    getEnvOrDefault("SCHEDULER_TICK_SPEC", "@every 1m"),
			StatusSpec:  getEnvOrDefault("SCHEDULER_STATUS_SPEC", "0 * * * *"),
			CleanupSpec: getEnvOrDefault("SCHEDULER_CLEANUP_SPEC", "10 4 * * *"),
			UserWorkers: getEnvIntOrDefault("SCHEDULER_USER_WORKERS", 8),
		},
		Backtest: BacktestConfig{
			MaxConcurrentTasks: getEnvIntOrDefault("BACKTEST_MAX_TASKS", 2),
			MarketWorkers:      getEnvIntOrDefault("BACKTEST_MARKET_WORKERS", 4),
		},
		Logging: LoggingConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Pretty: getEnvOrDefault("LOG_PRETTY", "false") == "true",
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("config: AUTH_JWT_SECRET is required")
	}
	if len(c.Encryption.MasterSecret) < 16 {
		return fmt.Errorf("config: ENCRYPTION_MASTER_SECRET must be at least 16 characters")
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
