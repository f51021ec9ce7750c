// Package database owns the PostgreSQL schema and the raw-SQL
// repositories over it. Money and volume columns are NUMERIC and load
// into decimals; indicator math never touches the database.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// DB wraps the PostgreSQL connection pool.
type DB struct {
	Pool *pgxpool.Pool
}

// Config holds database connection settings.
type Config struct {
	URL          string // postgres:// connection string
	MaxConns     int
	MinConns     int
	ConnLifetime time.Duration
}

// NewDB opens the pool and verifies connectivity.
func NewDB(cfg Config) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = int32(cfg.MinConns)
	}
	if cfg.ConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnLifetime
	}
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")

	return &DB{Pool: pool}, nil
}

// Close releases the pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		log.Info().Msg("database connection closed")
	}
}

// RunMigrations applies the schema. Every statement is idempotent.
func (db *DB) RunMigrations(ctx context.Context) error {
	log.Info().Msg("running database migrations")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id UUID PRIMARY KEY,
			email VARCHAR(255) NOT NULL UNIQUE,
			password_hash VARCHAR(255) NOT NULL,
			access_key_encrypted TEXT,
			secret_key_encrypted TEXT,
			auto_trading_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			strategy_mode VARCHAR(20) NOT NULL DEFAULT 'DEFAULT',
			target_markets TEXT[] NOT NULL DEFAULT '{}',
			excluded_markets TEXT[] NOT NULL DEFAULT '{}',
			auto_select_top INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS refresh_tokens (
			token VARCHAR(255) PRIMARY KEY,
			user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			expires_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_refresh_tokens_user ON refresh_tokens(user_id)`,

		`CREATE TABLE IF NOT EXISTS trade_history (
			id BIGSERIAL PRIMARY KEY,
			user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			market VARCHAR(20) NOT NULL,
			side VARCHAR(4) NOT NULL,
			executed_at TIMESTAMPTZ NOT NULL,
			amount NUMERIC(24, 8) NOT NULL,
			volume NUMERIC(24, 8) NOT NULL,
			price NUMERIC(24, 8) NOT NULL,
			fee NUMERIC(24, 8) NOT NULL DEFAULT 0,
			order_uuid VARCHAR(64),
			strategy_name VARCHAR(50),
			target_price NUMERIC(24, 8),
			highest_price NUMERIC(24, 8),
			half_sold BOOLEAN NOT NULL DEFAULT FALSE,
			stop_loss BOOLEAN NOT NULL DEFAULT FALSE,
			exit_reason VARCHAR(30),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_history_user_market ON trade_history(user_id, market)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_history_executed_at ON trade_history(executed_at)`,

		`CREATE TABLE IF NOT EXISTS positions (
			id BIGSERIAL PRIMARY KEY,
			user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			market VARCHAR(20) NOT NULL,
			status VARCHAR(10) NOT NULL,
			entry_phase INTEGER NOT NULL DEFAULT 0,
			exit_phase INTEGER NOT NULL DEFAULT 0,
			entry_legs JSONB NOT NULL DEFAULT '[]',
			partial_exit JSONB,
			final_exit JSONB,
			total_quantity NUMERIC(24, 8) NOT NULL DEFAULT 0,
			total_invested NUMERIC(24, 8) NOT NULL DEFAULT 0,
			avg_entry_price NUMERIC(24, 8) NOT NULL DEFAULT 0,
			stop_loss_price NUMERIC(24, 8) NOT NULL DEFAULT 0,
			target_price NUMERIC(24, 8) NOT NULL DEFAULT 0,
			trailing_high_price NUMERIC(24, 8) NOT NULL DEFAULT 0,
			trailing_stop_price NUMERIC(24, 8) NOT NULL DEFAULT 0,
			trailing_armed BOOLEAN NOT NULL DEFAULT FALSE,
			realized_pnl NUMERIC(24, 8) NOT NULL DEFAULT 0,
			total_fees NUMERIC(24, 8) NOT NULL DEFAULT 0,
			total_slippage NUMERIC(24, 8) NOT NULL DEFAULT 0,
			strategy_name VARCHAR(50),
			signal_strength DOUBLE PRECISION NOT NULL DEFAULT 0,
			close_reason VARCHAR(30),
			pending_order_uuid VARCHAR(64),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_open_pair
			ON positions(user_id, market) WHERE status <> 'CLOSED'`,
		`CREATE INDEX IF NOT EXISTS idx_positions_user_status ON positions(user_id, status)`,

		`CREATE TABLE IF NOT EXISTS candle_data (
			market VARCHAR(20) NOT NULL,
			unit INTEGER NOT NULL,
			candle_date_time_kst VARCHAR(19) NOT NULL,
			candle_date_time_utc VARCHAR(19) NOT NULL,
			opening_price DOUBLE PRECISION NOT NULL,
			high_price DOUBLE PRECISION NOT NULL,
			low_price DOUBLE PRECISION NOT NULL,
			trade_price DOUBLE PRECISION NOT NULL,
			acc_trade_price DOUBLE PRECISION NOT NULL DEFAULT 0,
			acc_trade_volume DOUBLE PRECISION NOT NULL DEFAULT 0,
			ts BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (market, unit, candle_date_time_kst)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_candle_data_market_kst ON candle_data(market, candle_date_time_kst)`,

		`CREATE TABLE IF NOT EXISTS user_strategies (
			user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			strategy_name VARCHAR(50) NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (user_id, strategy_name)
		)`,

		`CREATE TABLE IF NOT EXISTS strategy_parameters (
			id BIGSERIAL PRIMARY KEY,
			strategy_name VARCHAR(50) NOT NULL,
			user_id UUID REFERENCES users(id) ON DELETE CASCADE,
			param_key VARCHAR(64) NOT NULL,
			param_value TEXT NOT NULL,
			param_type VARCHAR(10) NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_strategy_parameters_key
			ON strategy_parameters(strategy_name, COALESCE(user_id, '00000000-0000-0000-0000-000000000000'::uuid), param_key)`,

		`CREATE TABLE IF NOT EXISTS simulation_tasks (
			id UUID PRIMARY KEY,
			user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			status VARCHAR(12) NOT NULL DEFAULT 'PENDING',
			request JSONB NOT NULL,
			progress DOUBLE PRECISION NOT NULL DEFAULT 0,
			result JSONB,
			error_message TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_simulation_tasks_user ON simulation_tasks(user_id, created_at)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}

	log.Info().Int("statements", len(migrations)).Msg("migrations complete")
	return nil
}
