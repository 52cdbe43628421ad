// Package agents holds the specialist implementations that run inside the
// execution envelope: technical analysis, forecasting, portfolio state,
// sentiment leaves and the sandboxed math generator. Each specialist does
// exactly one analytical job; resilience, caching and lifecycle events
// belong to the envelope.
package agents

import (
	"fmt"
	"strings"

	"github.com/alphadeskhq/alphadesk/internal/agent/fault"
	"github.com/alphadeskhq/alphadesk/internal/market"
)

// Specialist names as they appear on the bus, in config and in telemetry.
const (
	NameQuant     = "QuantAgent"
	NameForecast  = "ForecastingAgent"
	NamePortfolio = "PortfolioAgent"
	NameResearch  = "ResearchAgent"
	NameSocial    = "SocialAgent"
	NameWhale     = "WhaleAgent"
	NameGoal      = "GoalPlannerAgent"
	NameMathGen   = "MathGeneratorAgent"
)

// MinBars is the minimum OHLCV series length for indicator and forecast
// math. Shorter series produce junk indicators, so they are rejected
// outright instead of silently degrading.
const MinBars = 50

func tickerInput(input map[string]any) (string, error) {
	raw, ok := input["ticker"]
	if !ok {
		return "", fault.Wrap(fault.ErrValidation, "missing ticker")
	}
	ticker, ok := raw.(string)
	if !ok || strings.TrimSpace(ticker) == "" {
		return "", fault.Wrap(fault.ErrValidation, "ticker must be a non-empty string, got %T", raw)
	}
	return market.NormalizeTicker(ticker), nil
}

func barsInput(input map[string]any) ([]market.Bar, error) {
	raw, ok := input["ohlcv"]
	if !ok {
		return nil, fault.Wrap(fault.ErrValidation, "missing ohlcv series")
	}
	bars, ok := raw.([]market.Bar)
	if !ok {
		return nil, fault.Wrap(fault.ErrValidation, "ohlcv must be a bar series, got %T", raw)
	}
	return bars, nil
}

func intInput(input map[string]any, key string, def int) int {
	switch v := input[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

func stringInput(input map[string]any, key, def string) string {
	if v, ok := input[key].(string); ok && v != "" {
		return v
	}
	return def
}

func floatInput(input map[string]any, key string, def float64) float64 {
	switch v := input[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return def
	}
}

// cacheKey builds "<agent>:<ticker>" keys; no ticker means no caching.
func cacheKey(agent string, input map[string]any) string {
	ticker, ok := input["ticker"].(string)
	if !ok || ticker == "" {
		return ""
	}
	return fmt.Sprintf("%s:%s", agent, market.NormalizeTicker(ticker))
}
