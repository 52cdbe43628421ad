package agents

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/alphadeskhq/alphadesk/internal/agent/fault"
	"github.com/alphadeskhq/alphadesk/internal/config"
	"github.com/alphadeskhq/alphadesk/internal/market"
)

// Forecast horizon and sanity limits.
const (
	MaxForecastSteps = 96
	maxSaneMove      = 0.30 // primary model predictions beyond ±30% are rejected

	holtAlpha   = 0.5
	holtBeta    = 0.3
	holtDamping = 0.9
)

// ForecastModel is the port to an external prediction model. A nil model
// routes every request straight to the deterministic fallback.
type ForecastModel interface {
	Name() string
	Predict(ctx context.Context, ticker string, closes []float64, steps int) ([]float64, error)
}

// Forecaster produces short-horizon price forecasts. The primary model is
// consulted first; if it is missing, fails, or predicts a move beyond the
// sanity bound, a dampened Holt double-exponential smoothing takes over
// and the result is flagged as a fallback.
type Forecaster struct {
	model ForecastModel
	log   zerolog.Logger
}

// NewForecaster creates the forecasting specialist. model may be nil.
func NewForecaster(model ForecastModel) *Forecaster {
	return &Forecaster{model: model, log: config.NewAgentLogger(NameForecast)}
}

func (f *Forecaster) Name() string            { return NameForecast }
func (f *Forecaster) Timeout() time.Duration  { return 30 * time.Second }
func (f *Forecaster) CacheTTL() time.Duration { return 0 }

func (f *Forecaster) CacheKey(input map[string]any) string {
	return cacheKey(NameForecast, input)
}

// Analyze forecasts up to MaxForecastSteps ahead from a sanitized series.
func (f *Forecaster) Analyze(ctx context.Context, input map[string]any) (map[string]any, error) {
	ticker, err := tickerInput(input)
	if err != nil {
		return nil, err
	}
	bars, err := barsInput(input)
	if err != nil {
		return nil, err
	}

	series := make([]market.Bar, len(bars))
	copy(series, bars)
	if fixed := market.SanitizeBars(ticker, series); fixed > 0 {
		f.log.Warn().Str("ticker", ticker).Int("bars_rescaled", fixed).Msg("Unit-mismatched bars sanitized before forecasting")
	}
	if len(series) < MinBars {
		return nil, fault.Wrap(fault.ErrValidation, "need at least %d bars for %s, got %d", MinBars, ticker, len(series))
	}

	timeframe := stringInput(input, "timeframe", "1d")
	stepsPerDay := 1
	if timeframe == "1h" {
		stepsPerDay = 24
	}
	steps := intInput(input, "days", 1) * stepsPerDay
	if steps < 1 {
		steps = 1
	}
	if steps > MaxForecastSteps {
		steps = MaxForecastSteps
	}

	closes := market.ClosePrices(series)
	lastClose := closes[len(closes)-1]

	predicted, algorithm, isFallback := f.predict(ctx, ticker, closes, steps)

	data := &market.ForecastData{
		Ticker:     ticker,
		Algorithm:  algorithm,
		IsFallback: isFallback,
		Confidence: confidenceFor(isFallback, steps),
		Trend:      trendOf(lastClose, predicted[len(predicted)-1]),
	}
	data.Forecast24h = horizonValue(predicted, stepsPerDay)
	if steps >= 2*stepsPerDay {
		data.Forecast48h = horizonValue(predicted, 2*stepsPerDay)
	}
	if steps >= 7*stepsPerDay {
		data.Forecast7d = horizonValue(predicted, 7*stepsPerDay)
	}

	return map[string]any{"forecast": data}, nil
}

// predict tries the primary model and falls back to dampened Holt on
// failure or an implausible prediction.
func (f *Forecaster) predict(ctx context.Context, ticker string, closes []float64, steps int) ([]float64, string, bool) {
	lastClose := closes[len(closes)-1]

	if f.model != nil {
		predicted, err := f.model.Predict(ctx, ticker, closes, steps)
		switch {
		case err != nil:
			f.log.Warn().Err(err).Str("ticker", ticker).Msg("Primary forecast model failed, using fallback")
		case len(predicted) < steps:
			f.log.Warn().Str("ticker", ticker).Int("got", len(predicted)).Int("want", steps).Msg("Primary forecast too short, using fallback")
		case !saneMove(lastClose, predicted[steps-1]):
			f.log.Warn().Str("ticker", ticker).Float64("predicted", predicted[steps-1]).Float64("last_close", lastClose).Msg("Primary forecast failed sanity check, using fallback")
		default:
			return predicted[:steps], f.model.Name(), false
		}
	}

	return holtForecast(closes, steps), "holt_damped", true
}

func saneMove(lastClose, predicted float64) bool {
	if lastClose == 0 {
		return false
	}
	return math.Abs(predicted-lastClose)/lastClose <= maxSaneMove
}

// holtForecast is dampened double-exponential smoothing: level and trend
// are fitted over the full series, then the trend contribution decays
// geometrically over the horizon so long-range forecasts flatten instead
// of running away.
func holtForecast(closes []float64, steps int) []float64 {
	level := closes[0]
	trend := closes[1] - closes[0]

	for _, y := range closes[1:] {
		prevLevel := level
		level = holtAlpha*y + (1-holtAlpha)*(prevLevel+holtDamping*trend)
		trend = holtBeta*(level-prevLevel) + (1-holtBeta)*holtDamping*trend
	}

	out := make([]float64, steps)
	damp := holtDamping
	cumulative := 0.0
	for h := 0; h < steps; h++ {
		cumulative += damp
		out[h] = level + cumulative*trend
		damp *= holtDamping
	}
	return out
}

func confidenceFor(isFallback bool, steps int) float64 {
	base := 0.7
	if isFallback {
		base = 0.5
	}
	// Confidence decays with horizon length.
	return math.Max(0.2, base-0.002*float64(steps))
}

func trendOf(lastClose, predicted float64) market.SentimentLabel {
	if lastClose == 0 {
		return market.SentimentNeutral
	}
	change := (predicted - lastClose) / lastClose
	switch {
	case change > 0.005:
		return market.SentimentBullish
	case change < -0.005:
		return market.SentimentBearish
	default:
		return market.SentimentNeutral
	}
}

func horizonValue(predicted []float64, step int) decimal.Decimal {
	idx := step - 1
	if idx >= len(predicted) {
		idx = len(predicted) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return decimal.NewFromFloat(predicted[idx]).Round(4)
}
