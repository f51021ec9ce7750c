package market

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"upbit-trading-bot/internal/upbit"
)

type stubReader struct {
	calls   int
	lastCnt int
	candles []upbit.Candle
}

func (r *stubReader) Candles(_ context.Context, _ string, _, count int) ([]upbit.Candle, error) {
	r.calls++
	r.lastCnt = count
	return r.candles, nil
}

type stubArchive struct {
	calls   int
	candles []upbit.Candle
}

func (a *stubArchive) Recent(_ context.Context, _ string, _, count int) ([]upbit.Candle, error) {
	a.calls++
	if len(a.candles) > count {
		return a.candles[:count], nil
	}
	return a.candles, nil
}

func flatCandles(n int) []upbit.Candle {
	out := make([]upbit.Candle, n)
	for i := range out {
		out[i] = upbit.Candle{Market: "KRW-BTC", TradePrice: 100}
	}
	return out
}

func TestHistorySmallWindowStaysLive(t *testing.T) {
	live := &stubReader{candles: flatCandles(100)}
	archive := &stubArchive{candles: flatCandles(500)}
	h := NewHistory(live, archive, zerolog.Nop())

	got, err := h.Candles(context.Background(), "KRW-BTC", 5, 100)
	require.NoError(t, err)
	assert.Len(t, got, 100)
	assert.Equal(t, 1, live.calls)
	assert.Zero(t, archive.calls, "windows within the cap never hit the archive")
}

func TestHistoryLargeWindowReadsArchive(t *testing.T) {
	live := &stubReader{candles: flatCandles(ExchangeCandleCap)}
	archive := &stubArchive{candles: flatCandles(500)}
	h := NewHistory(live, archive, zerolog.Nop())

	got, err := h.Candles(context.Background(), "KRW-BTC", 5, 400)
	require.NoError(t, err)
	assert.Len(t, got, 400)
	assert.Equal(t, 1, archive.calls)
	assert.Zero(t, live.calls, "long windows come from the archive")
}

func TestHistoryEmptyArchiveFallsBackToLiveCap(t *testing.T) {
	live := &stubReader{candles: flatCandles(ExchangeCandleCap)}
	h := NewHistory(live, &stubArchive{}, zerolog.Nop())

	got, err := h.Candles(context.Background(), "KRW-BTC", 5, 1000)
	require.NoError(t, err)
	assert.Len(t, got, ExchangeCandleCap)
	assert.Equal(t, ExchangeCandleCap, live.lastCnt, "the fallback request is capped")
}
