package market

import (
	"sort"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/alphadeskhq/alphadesk/internal/metrics"
)

// Unit mismatch detection windows. A quote 80x to 120x its history median
// is pence against a pounds series; the inverse window is pounds against a
// pence series. LSE feeds mix GBX and GBP quotes for the same instrument.
const (
	penceFactorLow  = 80.0
	penceFactorHigh = 120.0
	poundFactorLow  = 0.008
	poundFactorHigh = 0.012
)

// MedianClose returns the exact median of the series closes, or zero for
// an empty series.
func MedianClose(bars []Bar) decimal.Decimal {
	if len(bars) == 0 {
		return decimal.Zero
	}
	closes := make([]decimal.Decimal, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	sort.Slice(closes, func(i, j int) bool { return closes[i].LessThan(closes[j]) })

	mid := len(closes) / 2
	if len(closes)%2 == 1 {
		return closes[mid]
	}
	return closes[mid-1].Add(closes[mid]).Div(decimal.NewFromInt(2))
}

// ValidateUnitConsistency reconciles a quote against its history series.
// When the current price is ~100x the series median it is divided by 100
// (pence against pounds); when it is ~1/100x it is multiplied by 100. The
// adjustment is logged and counted. Returns true if the price was adjusted.
func ValidateUnitConsistency(p *PriceData) bool {
	if p == nil || len(p.Series) == 0 || p.CurrentPrice.IsZero() {
		return false
	}
	median := MedianClose(p.Series)
	if median.IsZero() {
		return false
	}

	factor := p.CurrentPrice.Div(median).InexactFloat64()
	original := p.CurrentPrice

	switch {
	case factor >= penceFactorLow && factor <= penceFactorHigh:
		p.CurrentPrice = p.CurrentPrice.Div(hundred)
		metrics.RecordUnitCorrection("scaled_down")
	case factor >= poundFactorLow && factor <= poundFactorHigh:
		p.CurrentPrice = p.CurrentPrice.Mul(hundred)
		metrics.RecordUnitCorrection("scaled_up")
	default:
		return false
	}

	log.Warn().
		Str("ticker", p.Ticker).
		Str("original_price", original.String()).
		Str("adjusted_price", p.CurrentPrice.String()).
		Str("series_median", median.String()).
		Float64("factor", factor).
		Msg("Unit mismatch corrected between quote and history")
	return true
}

// SanitizeBars rescales individual bars whose close deviates from the
// series median by a pence/pounds factor. Mixed-unit series occur when a
// history feed splices GBX and GBP quotes. Returns the number of bars
// adjusted; the input slice is modified in place.
func SanitizeBars(ticker string, bars []Bar) int {
	if len(bars) < 3 {
		return 0
	}
	median := MedianClose(bars)
	if median.IsZero() {
		return 0
	}

	adjusted := 0
	for i := range bars {
		if bars[i].Close.IsZero() {
			continue
		}
		factor := bars[i].Close.Div(median).InexactFloat64()
		switch {
		case factor >= penceFactorLow && factor <= penceFactorHigh:
			bars[i] = scaleBar(bars[i], func(d decimal.Decimal) decimal.Decimal { return d.Div(hundred) })
			adjusted++
		case factor >= poundFactorLow && factor <= poundFactorHigh:
			bars[i] = scaleBar(bars[i], func(d decimal.Decimal) decimal.Decimal { return d.Mul(hundred) })
			adjusted++
		}
	}

	if adjusted > 0 {
		log.Warn().
			Str("ticker", ticker).
			Int("bars_adjusted", adjusted).
			Int("series_len", len(bars)).
			Msg("Mixed-unit bars rescaled in history series")
	}
	return adjusted
}

func scaleBar(b Bar, scale func(decimal.Decimal) decimal.Decimal) Bar {
	b.Open = scale(b.Open)
	b.High = scale(b.High)
	b.Low = scale(b.Low)
	b.Close = scale(b.Close)
	return b
}
