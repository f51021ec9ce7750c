// Package indicator provides pure technical-analysis functions over candle
// sequences. Candles are ordered newest first: index 0 is the most recent
// candle, increasing index is older. All functions are stateless and
// deterministic for a given input.
package indicator

import (
	"errors"
	"math"

	"upbit-trading-bot/internal/upbit"
)

// ErrInsufficientData is returned when the candle window is shorter than
// the indicator requires.
var ErrInsufficientData = errors.New("indicator: insufficient candle data")

// epsilon guards divisions by standard deviations and ranges.
const epsilon = 1e-9

// SMA returns the arithmetic mean of close prices over the most recent
// period candles.
func SMA(candles []upbit.Candle, period int) (float64, error) {
	if period <= 0 || len(candles) < period {
		return 0, ErrInsufficientData
	}
	sum := 0.0
	for i := 0; i < period; i++ {
		sum += candles[i].TradePrice
	}
	return sum / float64(period), nil
}

// EMA returns the exponential moving average over the window, seeded with
// the SMA of the oldest period candles and iterated forward to index 0.
func EMA(candles []upbit.Candle, period int) (float64, error) {
	if period <= 0 || len(candles) < period {
		return 0, ErrInsufficientData
	}
	// Seed from the oldest period candles in the window.
	seedStart := len(candles) - period
	seed := 0.0
	for i := seedStart; i < len(candles); i++ {
		seed += candles[i].TradePrice
	}
	ema := seed / float64(period)

	multiplier := 2.0 / float64(period+1)
	for i := seedStart - 1; i >= 0; i-- {
		ema = candles[i].TradePrice*multiplier + ema*(1-multiplier)
	}
	return ema, nil
}

// RSI returns the Relative Strength Index over the most recent period
// price differences. When the window has no losses the result is 100.
func RSI(candles []upbit.Candle, period int) (float64, error) {
	if period <= 0 || len(candles) < period+1 {
		return 0, ErrInsufficientData
	}
	gains, losses := 0.0, 0.0
	for i := 0; i < period; i++ {
		change := candles[i].TradePrice - candles[i+1].TradePrice
		if change > 0 {
			gains += change
		} else {
			losses -= change
		}
	}
	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	if avgLoss == 0 {
		return 100, nil
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), nil
}

// BollingerBandsResult holds the three band values.
type BollingerBandsResult struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// BollingerBands returns middle=SMA and upper/lower at k population
// standard deviations over the same window.
func BollingerBands(candles []upbit.Candle, period int, k float64) (*BollingerBandsResult, error) {
	middle, err := SMA(candles, period)
	if err != nil {
		return nil, err
	}
	variance := 0.0
	for i := 0; i < period; i++ {
		diff := candles[i].TradePrice - middle
		variance += diff * diff
	}
	sigma := math.Sqrt(variance / float64(period))
	return &BollingerBandsResult{
		Upper:  middle + k*sigma,
		Middle: middle,
		Lower:  middle - k*sigma,
	}, nil
}

// ATR returns the mean true range over the most recent period candles.
func ATR(candles []upbit.Candle, period int) (float64, error) {
	if period <= 0 || len(candles) < period+1 {
		return 0, ErrInsufficientData
	}
	sum := 0.0
	for i := 0; i < period; i++ {
		high := candles[i].HighPrice
		low := candles[i].LowPrice
		prevClose := candles[i+1].TradePrice
		tr := math.Max(high-low, math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
		sum += tr
	}
	return sum / float64(period), nil
}

// MACDResult holds the MACD line, signal line and histogram.
type MACDResult struct {
	MACD      float64
	Signal    float64
	Histogram float64
}

// MACD returns EMA(fast)−EMA(slow), an EMA(signalPeriod) of the MACD
// history, and their difference.
func MACD(candles []upbit.Candle, fast, slow, signalPeriod int) (*MACDResult, error) {
	if fast <= 0 || slow <= fast || signalPeriod <= 0 {
		return nil, ErrInsufficientData
	}
	if len(candles) < slow+signalPeriod {
		return nil, ErrInsufficientData
	}

	// MACD value as of each of the most recent signalPeriod candles,
	// newest first, each computed on the suffix window starting there.
	macdSeries := make([]float64, signalPeriod)
	for i := 0; i < signalPeriod; i++ {
		window := candles[i:]
		fastEMA, err := EMA(window, fast)
		if err != nil {
			return nil, err
		}
		slowEMA, err := EMA(window, slow)
		if err != nil {
			return nil, err
		}
		macdSeries[i] = fastEMA - slowEMA
	}

	signal := emaOfSeries(macdSeries, signalPeriod)
	macd := macdSeries[0]
	return &MACDResult{
		MACD:      macd,
		Signal:    signal,
		Histogram: macd - signal,
	}, nil
}

// StochRSIResult holds the %K and %D lines.
type StochRSIResult struct {
	K float64
	D float64
}

// StochRSI returns the stochastic oscillator applied to the RSI series.
// %D is the 3-sample mean of %K. A flat RSI range yields 0.
func StochRSI(candles []upbit.Candle, rsiPeriod, stochPeriod int) (*StochRSIResult, error) {
	const dSmoothing = 3
	if rsiPeriod <= 0 || stochPeriod <= 0 {
		return nil, ErrInsufficientData
	}
	need := rsiPeriod + stochPeriod + dSmoothing
	if len(candles) < need {
		return nil, ErrInsufficientData
	}

	kAt := func(offset int) (float64, error) {
		low, high := math.MaxFloat64, -math.MaxFloat64
		var current float64
		for i := 0; i < stochPeriod; i++ {
			v, err := RSI(candles[offset+i:], rsiPeriod)
			if err != nil {
				return 0, err
			}
			if i == 0 {
				current = v
			}
			low = math.Min(low, v)
			high = math.Max(high, v)
		}
		spread := high - low
		if spread < epsilon {
			return 0, nil
		}
		return (current - low) / (spread + epsilon) * 100, nil
	}

	kSum := 0.0
	var k0 float64
	for i := 0; i < dSmoothing; i++ {
		k, err := kAt(i)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			k0 = k
		}
		kSum += k
	}
	return &StochRSIResult{K: k0, D: kSum / dSmoothing}, nil
}

// emaOfSeries computes an EMA over a newest-first float series, seeded
// with the mean of the oldest seedLen values.
func emaOfSeries(series []float64, seedLen int) float64 {
	if len(series) == 0 {
		return 0
	}
	if seedLen > len(series) {
		seedLen = len(series)
	}
	seedStart := len(series) - seedLen
	seed := 0.0
	for i := seedStart; i < len(series); i++ {
		seed += series[i]
	}
	ema := seed / float64(seedLen)
	multiplier := 2.0 / float64(seedLen+1)
	for i := seedStart - 1; i >= 0; i-- {
		ema = series[i]*multiplier + ema*(1-multiplier)
	}
	return ema
}
