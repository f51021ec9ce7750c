package market

import (
	"context"

	"github.com/rs/zerolog"

	"upbit-trading-bot/internal/upbit"
)

// ExchangeCandleCap is the most candles one exchange request returns.
const ExchangeCandleCap = 200

// ArchiveReader reads previously archived candles, newest first.
type ArchiveReader interface {
	Recent(ctx context.Context, market string, unit, count int) ([]upbit.Candle, error)
}

// History serves candle windows of any size. Requests within the
// exchange cap go to the live reader; larger ones come from the
// archive, which the write-through layer has been filling tick by tick.
// An empty archive falls back to the capped live window so a fresh
// deployment can still run short simulations.
type History struct {
	live    CandleReader
	archive ArchiveReader
	log     zerolog.Logger
}

// NewHistory wires the long-window read path.
func NewHistory(live CandleReader, archive ArchiveReader, log zerolog.Logger) *History {
	return &History{live: live, archive: archive, log: log}
}

// Candles returns up to count candles for the market, newest first.
func (h *History) Candles(ctx context.Context, market string, unit, count int) ([]upbit.Candle, error) {
	if count <= ExchangeCandleCap {
		return h.live.Candles(ctx, market, unit, count)
	}

	candles, err := h.archive.Recent(ctx, market, unit, count)
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		h.log.Warn().Str("market", market).Int("count", count).
			Msg("no archived candles, serving the capped live window")
		return h.live.Candles(ctx, market, unit, ExchangeCandleCap)
	}
	if len(candles) < count {
		h.log.Debug().Str("market", market).Int("want", count).Int("got", len(candles)).
			Msg("archive shorter than requested window")
	}
	return candles, nil
}
