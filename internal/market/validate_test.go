package market

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func barsAround(t *testing.T, closes ...string) []Bar {
	t.Helper()
	base := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	bars := make([]Bar, len(closes))
	for i, c := range closes {
		d, err := decimal.NewFromString(c)
		require.NoError(t, err)
		bars[i] = Bar{
			Timestamp: base.Add(time.Duration(i) * 24 * time.Hour).UnixMilli(),
			Open:      d,
			High:      d,
			Low:       d,
			Close:     d,
			Volume:    decimal.NewFromInt(1000),
		}
	}
	return bars
}

func TestValidateUnitConsistencyPenceQuote(t *testing.T) {
	// Pence quote against a pounds series: 15234 vs median ~152.
	p := &PriceData{
		Ticker:       "VOD.L",
		CurrentPrice: decimal.NewFromInt(15234),
		Series:       barsAround(t, "150.10", "152.00", "153.40"),
	}

	adjusted := ValidateUnitConsistency(p)

	require.True(t, adjusted)
	assert.Equal(t, "152.34", p.CurrentPrice.StringFixed(2))

	ratio := MedianClose(p.Series).Div(p.CurrentPrice).InexactFloat64()
	assert.GreaterOrEqual(t, ratio, 0.5)
	assert.LessOrEqual(t, ratio, 2.0)
}

func TestValidateUnitConsistencyPoundQuote(t *testing.T) {
	// Pounds quote against a pence series: 80.49 vs median ~8050.
	p := &PriceData{
		Ticker:       "SGLN.L",
		CurrentPrice: decimal.RequireFromString("80.49"),
		Series:       barsAround(t, "8020", "8050", "8090"),
	}

	adjusted := ValidateUnitConsistency(p)

	require.True(t, adjusted)
	assert.Equal(t, "8049.00", p.CurrentPrice.StringFixed(2))
}

func TestValidateUnitConsistencyNoAdjustment(t *testing.T) {
	tests := []struct {
		name  string
		price string
	}{
		{"aligned", "152.00"},
		{"double but in range", "300.00"},
		{"factor 50 outside windows", "7600.00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &PriceData{
				Ticker:       "AAPL",
				CurrentPrice: decimal.RequireFromString(tt.price),
				Series:       barsAround(t, "150.10", "152.00", "153.40"),
			}
			before := p.CurrentPrice
			assert.False(t, ValidateUnitConsistency(p))
			assert.True(t, p.CurrentPrice.Equal(before))
		})
	}
}

func TestValidateUnitConsistencyDegenerateInputs(t *testing.T) {
	assert.False(t, ValidateUnitConsistency(nil))
	assert.False(t, ValidateUnitConsistency(&PriceData{Ticker: "AAPL"}))
	assert.False(t, ValidateUnitConsistency(&PriceData{
		Ticker: "AAPL",
		Series: barsAround(t, "150"),
	}), "zero current price is left alone")
}

func TestSanitizeBarsMixedUnits(t *testing.T) {
	// One pence bar spliced into a pounds series.
	bars := barsAround(t, "150.00", "151.00", "15200", "153.00", "154.00")

	adjusted := SanitizeBars("VOD.L", bars)

	assert.Equal(t, 1, adjusted)
	assert.Equal(t, "152.00", bars[2].Close.StringFixed(2))
	assert.Equal(t, "152.00", bars[2].Open.StringFixed(2), "all OHLC fields rescale together")
}

func TestSanitizeBarsCleanSeriesUntouched(t *testing.T) {
	bars := barsAround(t, "150.00", "151.00", "152.00")
	assert.Equal(t, 0, SanitizeBars("AAPL", bars))
	assert.Equal(t, "151.00", bars[1].Close.StringFixed(2))

	assert.Equal(t, 0, SanitizeBars("AAPL", barsAround(t, "150", "151")), "short series skipped")
}

func TestMedianClose(t *testing.T) {
	assert.True(t, MedianClose(nil).IsZero())

	odd := MedianClose(barsAround(t, "3", "1", "2"))
	assert.Equal(t, "2", odd.String())

	even := MedianClose(barsAround(t, "1", "2", "3", "4"))
	assert.Equal(t, "2.5", even.String())
}
