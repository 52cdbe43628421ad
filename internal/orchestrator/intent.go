package orchestrator

import (
	"context"
	"strings"

	"github.com/alphadeskhq/alphadesk/internal/agents"
	"github.com/alphadeskhq/alphadesk/internal/llm"
	"github.com/alphadeskhq/alphadesk/internal/market"
)

// maxRouterQuery bounds what the routing model sees.
const maxRouterQuery = 500

// Need tags the router may request. Each maps to one specialist.
const (
	NeedQuant     = "quant"
	NeedForecast  = "forecast"
	NeedPortfolio = "portfolio"
	NeedResearch  = "research"
	NeedSocial    = "social"
	NeedWhale     = "whale"
	NeedGoal      = "goal"
)

// needSpecialists maps need tags to specialist names on the bus.
var needSpecialists = map[string]string{
	NeedQuant:     agents.NameQuant,
	NeedForecast:  agents.NameForecast,
	NeedPortfolio: agents.NamePortfolio,
	NeedResearch:  agents.NameResearch,
	NeedSocial:    agents.NameSocial,
	NeedWhale:     agents.NameWhale,
	NeedGoal:      agents.NameGoal,
}

// defaultNeeds is the fixed intent-to-specialists table applied when the
// router does not name needs explicitly.
var defaultNeeds = map[string][]string{
	market.IntentPriceCheck:      {},
	market.IntentMarketAnalysis:  {NeedQuant, NeedForecast, NeedPortfolio},
	market.IntentPortfolioQuery:  {NeedPortfolio},
	market.IntentForecastRequest: {NeedForecast},
	market.IntentGoalPlanning:    {NeedPortfolio, NeedGoal},
	market.IntentEducational:     {},
}

// Intent is the routed request shape: which kind of question this is, which
// instrument it concerns, and which specialists should run.
type Intent struct {
	Type   string   `json:"type"`
	Ticker string   `json:"ticker,omitempty"`
	Needs  []string `json:"needs"`
	Reason string   `json:"reason,omitempty"`
}

const routerSystemPrompt = `You are an intent router for a financial assistant.
Classify the user query into exactly one intent type:
  price_check      - current price of one instrument
  market_analysis  - full analysis of one instrument
  portfolio_query  - the user's holdings or performance
  forecast_request - future price prediction
  goal_planning    - saving or investment goal math
  educational      - concept explanation, no live data needed

Respond with JSON only:
{"type": "<intent>", "ticker": "<symbol or empty>",
 "needs": ["quant"|"forecast"|"portfolio"|"research"|"social"|"whale"|"goal"],
 "reason": "<one sentence>"}`

// defaultIntent is the deterministic fallback applied whenever routing
// fails: assume the broadest analysis so the answer errs toward more data.
func defaultIntent(ticker string) Intent {
	return Intent{
		Type:   market.IntentMarketAnalysis,
		Ticker: ticker,
		Needs:  append([]string(nil), defaultNeeds[market.IntentMarketAnalysis]...),
		Reason: "routing unavailable, defaulting to market analysis",
	}
}

// route classifies the query with the routing model. Any failure, parse
// included, falls back to the market_analysis default; routing never errors.
func (o *Orchestrator) route(ctx context.Context, query, ticker string) Intent {
	if o.router == nil {
		return defaultIntent(ticker)
	}

	trimmed := query
	if len(trimmed) > maxRouterQuery {
		trimmed = trimmed[:maxRouterQuery]
	}

	content, err := o.router.CompleteWithSystem(ctx, routerSystemPrompt, trimmed)
	if err != nil {
		o.log.Warn().Err(err).Msg("Routing model unavailable, using default intent")
		return defaultIntent(ticker)
	}

	var reply Intent
	if err := llm.ParseJSON(o.router.Model(), content, &reply); err != nil {
		o.log.Warn().Err(err).Msg("Routing reply unparseable, using default intent")
		return defaultIntent(ticker)
	}

	reply.Type = strings.ToLower(strings.TrimSpace(reply.Type))
	if _, known := defaultNeeds[reply.Type]; !known {
		return defaultIntent(ticker)
	}
	if reply.Needs == nil {
		reply.Needs = append([]string(nil), defaultNeeds[reply.Type]...)
	}
	reply.Needs = validNeeds(reply.Needs)

	if reply.Ticker == "" {
		reply.Ticker = ticker
	}
	reply.Ticker = market.NormalizeTicker(reply.Ticker)
	return reply
}

// validNeeds drops tags with no registered meaning, preserving order.
func validNeeds(needs []string) []string {
	out := needs[:0]
	for _, n := range needs {
		n = strings.ToLower(strings.TrimSpace(n))
		if _, ok := needSpecialists[n]; ok {
			out = append(out, n)
		}
	}
	return out
}
