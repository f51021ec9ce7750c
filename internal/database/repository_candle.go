package database

import (
	"context"
	"fmt"
	"time"

	"upbit-trading-bot/internal/upbit"
)

// CandleRepository is the local candle store backtests draw from when
// they need more history than the exchange returns per request.
type CandleRepository struct {
	db *DB
}

func NewCandleRepository(db *DB) *CandleRepository {
	return &CandleRepository{db: db}
}

// Upsert stores a batch of candles, replacing rows for the same
// (market, unit, KST timestamp).
func (r *CandleRepository) Upsert(ctx context.Context, unit int, candles []upbit.Candle) error {
	for _, c := range candles {
		_, err := r.db.Pool.Exec(ctx, `
			INSERT INTO candle_data (market, unit, candle_date_time_kst, candle_date_time_utc,
				opening_price, high_price, low_price, trade_price,
				acc_trade_price, acc_trade_volume, ts)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (market, unit, candle_date_time_kst) DO UPDATE SET
				opening_price = EXCLUDED.opening_price,
				high_price = EXCLUDED.high_price,
				low_price = EXCLUDED.low_price,
				trade_price = EXCLUDED.trade_price,
				acc_trade_price = EXCLUDED.acc_trade_price,
				acc_trade_volume = EXCLUDED.acc_trade_volume,
				ts = EXCLUDED.ts`,
			c.Market, unit, c.CandleDateTimeKST, c.CandleDateTimeUTC,
			c.OpeningPrice, c.HighPrice, c.LowPrice, c.TradePrice,
			c.AccTradePrice, c.AccTradeVolume, c.Timestamp)
		if err != nil {
			return fmt.Errorf("upsert candle %s %s: %w", c.Market, c.CandleDateTimeKST, err)
		}
	}
	return nil
}

// Recent returns up to count candles for the market, newest first.
func (r *CandleRepository) Recent(ctx context.Context, market string, unit, count int) ([]upbit.Candle, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT market, candle_date_time_kst, candle_date_time_utc,
			opening_price, high_price, low_price, trade_price,
			acc_trade_price, acc_trade_volume, ts
		FROM candle_data
		WHERE market = $1 AND unit = $2
		ORDER BY candle_date_time_kst DESC
		LIMIT $3`, market, unit, count)
	if err != nil {
		return nil, fmt.Errorf("recent candles: %w", err)
	}
	defer rows.Close()

	var candles []upbit.Candle
	for rows.Next() {
		c := upbit.Candle{Unit: unit}
		err := rows.Scan(&c.Market, &c.CandleDateTimeKST, &c.CandleDateTimeUTC,
			&c.OpeningPrice, &c.HighPrice, &c.LowPrice, &c.TradePrice,
			&c.AccTradePrice, &c.AccTradeVolume, &c.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		candles = append(candles, c)
	}
	return candles, rows.Err()
}

// Range returns candles between from and to (KST timestamps, inclusive),
// newest first.
func (r *CandleRepository) Range(ctx context.Context, market string, unit int, from, to string) ([]upbit.Candle, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT market, candle_date_time_kst, candle_date_time_utc,
			opening_price, high_price, low_price, trade_price,
			acc_trade_price, acc_trade_volume, ts
		FROM candle_data
		WHERE market = $1 AND unit = $2
			AND candle_date_time_kst >= $3 AND candle_date_time_kst <= $4
		ORDER BY candle_date_time_kst DESC`, market, unit, from, to)
	if err != nil {
		return nil, fmt.Errorf("candle range: %w", err)
	}
	defer rows.Close()

	var candles []upbit.Candle
	for rows.Next() {
		c := upbit.Candle{Unit: unit}
		err := rows.Scan(&c.Market, &c.CandleDateTimeKST, &c.CandleDateTimeUTC,
			&c.OpeningPrice, &c.HighPrice, &c.LowPrice, &c.TradePrice,
			&c.AccTradePrice, &c.AccTradeVolume, &c.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		candles = append(candles, c)
	}
	return candles, rows.Err()
}

// PruneBefore drops candle rows older than the cutoff KST timestamp.
func (r *CandleRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	kst := cutoff.In(time.FixedZone("KST", 9*3600)).Format("2006-01-02T15:04:05")
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM candle_data WHERE candle_date_time_kst < $1`, kst)
	if err != nil {
		return 0, fmt.Errorf("prune candles: %w", err)
	}
	return tag.RowsAffected(), nil
}
