package market

import (
	"context"

	"github.com/rs/zerolog"

	"upbit-trading-bot/internal/upbit"
)

// CandleSink persists candle windows for offline use (history pruning,
// restarts, ad hoc analysis).
type CandleSink interface {
	Upsert(ctx context.Context, unit int, candles []upbit.Candle) error
}

// CandleReader is the serve side of Archiver.
type CandleReader interface {
	Candles(ctx context.Context, market string, unit, count int) ([]upbit.Candle, error)
}

// Archiver is a write-through layer over the candle read path: every
// fetched window is also upserted into the database. Archive failures
// never fail the read.
type Archiver struct {
	inner CandleReader
	sink  CandleSink
	log   zerolog.Logger
}

// NewArchiver wires the write-through.
func NewArchiver(inner CandleReader, sink CandleSink, log zerolog.Logger) *Archiver {
	return &Archiver{inner: inner, sink: sink, log: log}
}

// Candles reads through the inner source and archives the result.
func (a *Archiver) Candles(ctx context.Context, market string, unit, count int) ([]upbit.Candle, error) {
	candles, err := a.inner.Candles(ctx, market, unit, count)
	if err != nil {
		return nil, err
	}
	if err := a.sink.Upsert(ctx, unit, candles); err != nil {
		a.log.Warn().Err(err).Str("market", market).Msg("candle archive failed")
	}
	return candles, nil
}
