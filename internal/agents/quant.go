package agents

import (
	"context"
	"time"

	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"
	"github.com/cinar/indicator/v2/volatility"
	"github.com/shopspring/decimal"

	"github.com/alphadeskhq/alphadesk/internal/agent/fault"
	"github.com/alphadeskhq/alphadesk/internal/market"
)

// Indicator periods. Standard settings; deliberately not configurable —
// a knob nobody turns is a knob that rots.
const (
	rsiPeriod        = 14
	macdFast         = 12
	macdSlow         = 26
	macdSignalPeriod = 9
	bbandsPeriod     = 20

	rsiOversold   = 30
	rsiOverbought = 70
)

// Quant computes RSI, MACD, Bollinger Bands and pivot-based support and
// resistance over a daily OHLCV series, then derives a composite signal
// from fixed weighted rules. Everything is deterministic: same bars in,
// same signal out.
type Quant struct{}

// NewQuant creates the technical analysis specialist.
func NewQuant() *Quant { return &Quant{} }

func (q *Quant) Name() string            { return NameQuant }
func (q *Quant) Timeout() time.Duration  { return 0 }
func (q *Quant) CacheTTL() time.Duration { return 0 }

func (q *Quant) CacheKey(input map[string]any) string {
	return cacheKey(NameQuant, input)
}

// Analyze computes the indicator set at the last bar.
func (q *Quant) Analyze(_ context.Context, input map[string]any) (map[string]any, error) {
	ticker, err := tickerInput(input)
	if err != nil {
		return nil, err
	}
	bars, err := barsInput(input)
	if err != nil {
		return nil, err
	}
	if len(bars) < MinBars {
		return nil, fault.Wrap(fault.ErrValidation, "need at least %d bars for %s, got %d", MinBars, ticker, len(bars))
	}

	closes := market.ClosePrices(bars)

	rsi := lastOf(momentum.NewRsiWithPeriod[float64](rsiPeriod).Compute(sliceChan(closes)))

	macdLine, signalLine := trend.NewMacdWithPeriod[float64](macdFast, macdSlow, macdSignalPeriod).Compute(sliceChan(closes))
	macdVal, signalVal := lastOfPair(macdLine, signalLine)

	upperC, middleC, lowerC := volatility.NewBollingerBandsWithPeriod[float64](bbandsPeriod).Compute(sliceChan(closes))
	upper, middle, lower := lastOfTriple(upperC, middleC, lowerC)

	last := bars[len(bars)-1]
	support, resistance := pivotLevels(last)

	data := &market.QuantData{
		Ticker: ticker,
		RSI:    rsi,
		MACD: market.MACD{
			Value:     macdVal,
			Signal:    signalVal,
			Histogram: macdVal - signalVal,
		},
		BBands: market.BollingerBands{
			Upper:  upper,
			Middle: middle,
			Lower:  lower,
		},
		Support:    support,
		Resistance: resistance,
	}
	data.Signal = compositeSignal(data, closes[len(closes)-1])

	return map[string]any{"quant": data}, nil
}

// pivotLevels derives classic floor-trader support and resistance from the
// last bar, clamped so support ≤ close ≤ resistance always holds.
func pivotLevels(last market.Bar) (support, resistance decimal.Decimal) {
	two := decimal.NewFromInt(2)
	three := decimal.NewFromInt(3)

	pivot := last.High.Add(last.Low).Add(last.Close).Div(three)
	support = two.Mul(pivot).Sub(last.High)
	resistance = two.Mul(pivot).Sub(last.Low)

	if support.GreaterThan(last.Close) {
		support = last.Close
	}
	if resistance.LessThan(last.Close) {
		resistance = last.Close
	}
	return support.Round(4), resistance.Round(4)
}

// compositeSignal scores the three indicators at the last bar. Each votes
// -1, 0 or +1; the sum maps to the signal. Band extremes and RSI extremes
// carry the same weight as a MACD crossover state.
func compositeSignal(d *market.QuantData, lastClose float64) market.Signal {
	score := 0

	switch {
	case d.RSI < rsiOversold:
		score++
	case d.RSI > rsiOverbought:
		score--
	}

	switch {
	case d.MACD.Histogram > 0:
		score++
	case d.MACD.Histogram < 0:
		score--
	}

	switch {
	case lastClose <= d.BBands.Lower:
		score++
	case lastClose >= d.BBands.Upper:
		score--
	}

	switch {
	case score >= 2:
		return market.SignalBuy
	case score <= -2:
		return market.SignalSell
	case score == 0:
		return market.SignalNeutral
	default:
		return market.SignalHold
	}
}

// sliceChan feeds a slice into the channel API the indicator library uses.
func sliceChan(values []float64) chan float64 {
	ch := make(chan float64, len(values))
	for _, v := range values {
		ch <- v
	}
	close(ch)
	return ch
}

func lastOf(ch <-chan float64) float64 {
	var last float64
	for v := range ch {
		last = v
	}
	return last
}

func lastOfPair(a, b <-chan float64) (float64, float64) {
	var la, lb float64
	for {
		va, aok := <-a
		vb, bok := <-b
		if !aok || !bok {
			return la, lb
		}
		la, lb = va, vb
	}
}

func lastOfTriple(a, b, c <-chan float64) (float64, float64, float64) {
	var la, lb, lc float64
	for {
		va, aok := <-a
		vb, bok := <-b
		vc, cok := <-c
		if !aok || !bok || !cok {
			return la, lb, lc
		}
		la, lb, lc = va, vb, vc
	}
}
