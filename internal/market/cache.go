// Package market resolves the tradable working set and caches exchange
// reads so a tick over many users does not hammer the REST API.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"upbit-trading-bot/internal/upbit"
)

// Source is the exchange read surface the cache fronts.
type Source interface {
	GetMarkets(ctx context.Context) ([]upbit.Market, error)
	GetTickers(ctx context.Context, markets []string) ([]upbit.Ticker, error)
	GetMinuteCandles(ctx context.Context, market string, unit, count int) ([]upbit.Candle, error)
}

// CandleTTL is half the candle granularity with a 15 second floor, so a
// cached window goes stale well before the next candle closes.
func CandleTTL(unit int) time.Duration {
	ttl := time.Duration(unit) * time.Minute / 2
	if ttl < 15*time.Second {
		return 15 * time.Second
	}
	return ttl
}

// TickerTTL is the snapshot lifetime.
const TickerTTL = 10 * time.Second

// Cache is a Redis read-through over the exchange public API.
type Cache struct {
	source Source
	rdb    *redis.Client
	log    zerolog.Logger
}

// NewCache wires the cache.
func NewCache(source Source, rdb *redis.Client, log zerolog.Logger) *Cache {
	return &Cache{source: source, rdb: rdb, log: log}
}

func candleKey(market string, unit, count int) string {
	return fmt.Sprintf("candles:%s:%d:%d", market, unit, count)
}

func tickerKey(market string) string {
	return fmt.Sprintf("ticker:%s", market)
}

// Candles returns the newest-first candle window, from Redis when warm.
// Cache failures degrade to a direct exchange read.
func (c *Cache) Candles(ctx context.Context, market string, unit, count int) ([]upbit.Candle, error) {
	key := candleKey(market, unit, count)
	if raw, err := c.rdb.Get(ctx, key).Bytes(); err == nil {
		var candles []upbit.Candle
		if err := json.Unmarshal(raw, &candles); err == nil {
			return candles, nil
		}
	}

	candles, err := c.source.GetMinuteCandles(ctx, market, unit, count)
	if err != nil {
		return nil, err
	}

	if raw, err := json.Marshal(candles); err == nil {
		if err := c.rdb.Set(ctx, key, raw, CandleTTL(unit)).Err(); err != nil {
			c.log.Warn().Err(err).Str("key", key).Msg("candle cache write failed")
		}
	}
	return candles, nil
}

// Ticker returns the current snapshot for one market.
func (c *Cache) Ticker(ctx context.Context, market string) (*upbit.Ticker, error) {
	key := tickerKey(market)
	if raw, err := c.rdb.Get(ctx, key).Bytes(); err == nil {
		var t upbit.Ticker
		if err := json.Unmarshal(raw, &t); err == nil {
			return &t, nil
		}
	}

	tickers, err := c.source.GetTickers(ctx, []string{market})
	if err != nil {
		return nil, err
	}
	if len(tickers) == 0 {
		return nil, fmt.Errorf("market: no ticker for %s", market)
	}

	if raw, err := json.Marshal(tickers[0]); err == nil {
		if err := c.rdb.Set(ctx, key, raw, TickerTTL).Err(); err != nil {
			c.log.Warn().Err(err).Str("key", key).Msg("ticker cache write failed")
		}
	}
	return &tickers[0], nil
}

// Invalidate drops cached entries for the given markets. Called when a
// user changes the working-set configuration.
func (c *Cache) Invalidate(ctx context.Context, markets ...string) {
	for _, m := range markets {
		iter := c.rdb.Scan(ctx, 0, fmt.Sprintf("candles:%s:*", m), 0).Iterator()
		for iter.Next(ctx) {
			c.rdb.Del(ctx, iter.Val())
		}
		c.rdb.Del(ctx, tickerKey(m))
	}
}
