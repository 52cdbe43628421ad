package agents

import (
	"context"
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alphadeskhq/alphadesk/internal/agent/fault"
	"github.com/alphadeskhq/alphadesk/internal/market"
)

// barsFromCloses builds a daily series where each bar brackets its close.
func barsFromCloses(closes []float64) []market.Bar {
	bars := make([]market.Bar, len(closes))
	ts := int64(1700000000000)
	for i, c := range closes {
		bars[i] = market.Bar{
			Timestamp: ts + int64(i)*86400000,
			Open:      decimal.NewFromFloat(c * 0.995),
			High:      decimal.NewFromFloat(c * 1.01),
			Low:       decimal.NewFromFloat(c * 0.99),
			Close:     decimal.NewFromFloat(c),
			Volume:    decimal.NewFromInt(10000),
		}
	}
	return bars
}

func trendingCloses(n int, start, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		// Gentle uptrend with a small oscillation so indicators have texture.
		out[i] = start + step*float64(i) + 2*math.Sin(float64(i)/3)
	}
	return out
}

func TestQuantRejectsShortSeries(t *testing.T) {
	q := NewQuant()
	_, err := q.Analyze(context.Background(), map[string]any{
		"ticker": "AAPL",
		"ohlcv":  barsFromCloses(trendingCloses(49, 100, 0.5)),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrValidation)
}

func TestQuantComputesIndicators(t *testing.T) {
	q := NewQuant()
	bars := barsFromCloses(trendingCloses(80, 100, 0.5))

	out, err := q.Analyze(context.Background(), map[string]any{"ticker": "AAPL", "ohlcv": bars})
	require.NoError(t, err)

	data, ok := out["quant"].(*market.QuantData)
	require.True(t, ok)

	assert.Equal(t, "AAPL", data.Ticker)
	assert.Greater(t, data.RSI, 0.0)
	assert.Less(t, data.RSI, 100.0)
	assert.NotZero(t, data.BBands.Middle)
	assert.Greater(t, data.BBands.Upper, data.BBands.Lower)
	assert.Contains(t, []market.Signal{
		market.SignalBuy, market.SignalSell, market.SignalHold, market.SignalNeutral,
	}, data.Signal)
}

func TestQuantSupportResistanceBracketClose(t *testing.T) {
	q := NewQuant()

	for name, closes := range map[string][]float64{
		"uptrend":   trendingCloses(60, 100, 0.8),
		"downtrend": trendingCloses(60, 200, -1.2),
		"flat":      trendingCloses(60, 150, 0),
	} {
		t.Run(name, func(t *testing.T) {
			bars := barsFromCloses(closes)
			out, err := q.Analyze(context.Background(), map[string]any{"ticker": "TSLA", "ohlcv": bars})
			require.NoError(t, err)

			data := out["quant"].(*market.QuantData)
			lastClose := bars[len(bars)-1].Close
			assert.True(t, data.Support.LessThanOrEqual(lastClose),
				"support %s must not exceed close %s", data.Support, lastClose)
			assert.True(t, data.Resistance.GreaterThanOrEqual(lastClose),
				"resistance %s must not be below close %s", data.Resistance, lastClose)
		})
	}
}

func TestQuantIsDeterministic(t *testing.T) {
	q := NewQuant()
	input := map[string]any{"ticker": "VOD.L", "ohlcv": barsFromCloses(trendingCloses(70, 90, 0.3))}

	first, err := q.Analyze(context.Background(), input)
	require.NoError(t, err)
	second, err := q.Analyze(context.Background(), input)
	require.NoError(t, err)

	assert.Equal(t, first["quant"].(*market.QuantData), second["quant"].(*market.QuantData))
}

func TestQuantCacheKey(t *testing.T) {
	q := NewQuant()
	assert.Equal(t, "QuantAgent:AAPL", q.CacheKey(map[string]any{"ticker": "aapl"}))
	assert.Empty(t, q.CacheKey(map[string]any{}))
}
