package orchestrator

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alphadeskhq/alphadesk/internal/agent"
	"github.com/alphadeskhq/alphadesk/internal/agent/fault"
	"github.com/alphadeskhq/alphadesk/internal/audit"
	"github.com/alphadeskhq/alphadesk/internal/llm"
	"github.com/alphadeskhq/alphadesk/internal/market"
	"github.com/alphadeskhq/alphadesk/internal/metrics"
	"github.com/alphadeskhq/alphadesk/internal/resilience"
	"github.com/alphadeskhq/alphadesk/internal/sandbox"
)

// recoveryThreshold is the minimum similarity an instrument-search
// candidate needs before the resolved ticker is committed.
const recoveryThreshold = 0.6

// recoverySearchTimeout bounds the instrument lookup during tier-2
// recovery. A stalled search degrades to "no candidates" so the ladder
// can move on to tier-3.
const recoverySearchTimeout = 3 * time.Second

// swarm fans the needed specialists out concurrently and merges their
// results into the context by field. No specialist failure aborts the run.
func (o *Orchestrator) swarm(ctx context.Context, mc *market.MarketContext, intent Intent, req Request) {
	if o.registry == nil {
		return
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, need := range intent.Needs {
		name := needSpecialists[need]
		env, ok := o.registry.Get(name)
		if !ok {
			o.log.Debug().Str("specialist", name).Msg("Specialist not registered, skipping")
			continue
		}
		input, ok := o.specialistInput(need, mc, req)
		if !ok {
			o.log.Debug().Str("specialist", name).Msg("Precondition unmet, skipping")
			continue
		}

		g.Go(func() error {
			resp := o.executeWithRecovery(gctx, env, input)

			mu.Lock()
			defer mu.Unlock()
			if resp.Success {
				mergeResponse(mc, resp)
				mc.MarkExecuted(name)
			} else {
				mc.MarkFailed(name)
			}
			if resp.Telemetry != nil {
				mc.Telemetry = append(mc.Telemetry, *resp.Telemetry)
			}
			return nil
		})
	}
	_ = g.Wait() // every branch returns nil; failures land in agents_failed
}

// specialistInput builds the input map for one need tag, or reports that
// the precondition is unmet (e.g. indicator math without a bar series).
func (o *Orchestrator) specialistInput(need string, mc *market.MarketContext, req Request) (map[string]any, bool) {
	switch need {
	case NeedQuant:
		if mc.Price == nil || len(mc.Price.Series) == 0 {
			return nil, false
		}
		return map[string]any{"ticker": mc.Ticker, "ohlcv": mc.Price.Series}, true
	case NeedForecast:
		if mc.Price == nil || len(mc.Price.Series) == 0 {
			return nil, false
		}
		input := map[string]any{"ticker": mc.Ticker, "ohlcv": mc.Price.Series}
		if days, ok := req.UserContext["forecast_days"]; ok {
			input["days"] = days
		}
		return input, true
	case NeedPortfolio:
		return map[string]any{"account_scope": string(req.AccountScope)}, true
	case NeedResearch:
		input := map[string]any{"ticker": mc.Ticker}
		if mc.Research != nil {
			input["research"] = mc.Research
		}
		return input, mc.Ticker != ""
	case NeedSocial:
		input := map[string]any{"ticker": mc.Ticker}
		if mc.Social != nil {
			input["social"] = mc.Social
		}
		return input, mc.Ticker != ""
	case NeedWhale:
		input := map[string]any{"ticker": mc.Ticker}
		if mc.Whale != nil {
			input["whale"] = mc.Whale
		}
		return input, mc.Ticker != ""
	case NeedGoal:
		if _, ok := req.UserContext["target_amount"]; !ok {
			return nil, false
		}
		input := make(map[string]any, len(req.UserContext))
		for k, v := range req.UserContext {
			input[k] = v
		}
		return input, true
	}
	return nil, false
}

// executeWithRecovery runs one envelope call under the per-specialist
// deadline and climbs the recovery ladder on resolvable failures.
func (o *Orchestrator) executeWithRecovery(ctx context.Context, env *agent.Envelope, input map[string]any) *agent.Response {
	if d := o.cfg.Orchestrator.SpecialistTimeout(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	resp := env.Execute(ctx, input)
	if resp.Success {
		return resp
	}

	// Tier 1 is the ticker normalization already applied upstream. The
	// ladder only climbs for instrument-resolution failures.
	kind := errorKind(resp.Error)
	if kind != fault.ErrNotFound.Error() && kind != fault.ErrDelisted.Error() {
		return resp
	}

	if resolved, ok := o.searchRecover(ctx, inputTicker(input)); ok {
		retry := cloneInput(input)
		retry["ticker"] = resolved
		r := env.Execute(ctx, retry)
		metrics.RecordRecovery("tier2", r.Success)
		if r.Success {
			o.log.Info().Str("specialist", env.Name()).Str("resolved", resolved).Msg("Tier-2 recovery succeeded")
			return r
		}
		resp = r
	} else {
		metrics.RecordRecovery("tier2", false)
	}

	if repaired, ok := o.repairInput(ctx, env.Name(), input, resp.Error); ok {
		r := env.Execute(ctx, repaired)
		metrics.RecordRecovery("tier3", r.Success)
		if r.Success {
			o.log.Info().Str("specialist", env.Name()).Msg("Tier-3 recovery succeeded")
			return r
		}
		resp = r
	}
	return resp
}

// searchRecover resolves a failed ticker through instrument search,
// scoring candidates by ticker and name similarity.
func (o *Orchestrator) searchRecover(ctx context.Context, ticker string) (string, bool) {
	if o.searcher == nil || ticker == "" {
		return "", false
	}
	candidates := resilience.WithTimeout(ctx, recoverySearchTimeout, nil,
		func(ctx context.Context) ([]market.Instrument, error) {
			return o.searcher.Search(ctx, ticker)
		})
	if len(candidates) == 0 {
		return "", false
	}

	best := ""
	bestScore := 0.0
	for _, c := range candidates {
		score := market.LCSRatio(ticker, c.Ticker)
		if s := market.LCSRatio(ticker, c.Name); s > score {
			score = s
		}
		if score > bestScore {
			bestScore = score
			best = c.Ticker
		}
	}
	if bestScore < recoveryThreshold {
		return "", false
	}
	return market.NormalizeTicker(best), true
}

const repairSystemPrompt = `A financial analysis agent failed. Derive a corrected input for a retry.

Respond with JSON only: {"reasoning": "<one sentence>", "code": "<expression>"}

The expression must produce the new input object. The expression language
supports: string and number literals, + - * /, object literals with string
keys, input["key"] access on the original input, and the helpers upper(),
lower(), trim(), replace(), regex_replace(), abs(), round(), str().
Example: {"ticker": upper(input["ticker"]) + ".L", "ohlcv": input["ohlcv"]}`

// repairInput asks the reasoning model for a restricted repair expression
// and evaluates it in the sandbox. A sandbox denial is audited and never
// retried.
func (o *Orchestrator) repairInput(ctx context.Context, specialist string, input map[string]any, failure string) (map[string]any, bool) {
	if o.reasoner == nil {
		return nil, false
	}

	desc, err := json.Marshal(input)
	if err != nil {
		desc = []byte("{}")
	}
	prompt := "Agent: " + specialist + "\nInput: " + string(desc) + "\nError: " + failure
	content, err := o.reasoner.CompleteWithSystem(ctx, repairSystemPrompt, prompt)
	if err != nil {
		o.log.Warn().Err(err).Str("specialist", specialist).Msg("Repair model unavailable")
		return nil, false
	}

	var reply struct {
		Reasoning string `json:"reasoning"`
		Code      string `json:"code"`
	}
	if err := llm.ParseJSON(o.reasoner.Model(), content, &reply); err != nil || reply.Code == "" {
		return nil, false
	}

	repaired, err := sandbox.EvalInput(ctx, reply.Code, input)
	if err != nil {
		if fault.Kind(err) == fault.ErrSandboxDenied {
			o.auditRecord(ctx, audit.ActionSandboxDenied, map[string]any{
				"specialist": specialist,
				"code":       reply.Code,
				"error":      err.Error(),
			})
		}
		o.log.Warn().Err(err).Str("specialist", specialist).Msg("Repair expression rejected")
		return nil, false
	}
	return repaired, true
}

// mergeResponse lands specialist data in its fixed context field, so the
// merged shape is independent of completion order.
func mergeResponse(mc *market.MarketContext, resp *agent.Response) {
	for key, value := range resp.Data {
		switch key {
		case "quant":
			if d, ok := value.(*market.QuantData); ok {
				mc.Quant = d
			}
		case "forecast":
			if d, ok := value.(*market.ForecastData); ok {
				mc.Forecast = d
			}
		case "portfolio":
			if d, ok := value.(*market.PortfolioData); ok {
				mc.Portfolio = d
			}
		case "research":
			if d, ok := value.(*market.ResearchData); ok {
				mc.Research = d
			}
		case "social":
			if d, ok := value.(*market.SocialData); ok {
				mc.Social = d
			}
		case "whale":
			if d, ok := value.(*market.WhaleData); ok {
				mc.Whale = d
			}
		case "goal":
			if d, ok := value.(*market.GoalData); ok {
				mc.Goal = d
			}
		}
	}
}

// errorKind extracts the error kind prefix stamped by the envelope.
func errorKind(msg string) string {
	if msg == "timeout" {
		return "timeout"
	}
	if i := strings.IndexByte(msg, ':'); i > 0 {
		return msg[:i]
	}
	return msg
}

func inputTicker(input map[string]any) string {
	t, _ := input["ticker"].(string)
	return t
}

func cloneInput(input map[string]any) map[string]any {
	out := make(map[string]any, len(input))
	for k, v := range input {
		out[k] = v
	}
	return out
}
