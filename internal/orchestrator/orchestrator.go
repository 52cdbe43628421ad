// Package orchestrator runs the request lifecycle: route the query to an
// intent, fabricate market context, fan specialists out through their
// envelopes, reason over the merged context, put the draft through an
// adversarial risk debate, and finalize with a robustness score. No stage
// failure aborts a run; every stage degrades to whatever data survives.
package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/alphadeskhq/alphadesk/internal/agent"
	"github.com/alphadeskhq/alphadesk/internal/agent/fault"
	"github.com/alphadeskhq/alphadesk/internal/alpha"
	"github.com/alphadeskhq/alphadesk/internal/audit"
	"github.com/alphadeskhq/alphadesk/internal/bus"
	"github.com/alphadeskhq/alphadesk/internal/config"
	"github.com/alphadeskhq/alphadesk/internal/llm"
	"github.com/alphadeskhq/alphadesk/internal/market"
	"github.com/alphadeskhq/alphadesk/internal/metrics"
	"github.com/alphadeskhq/alphadesk/internal/risk"
)

// Name identifies the orchestrator on the bus.
const Name = "OrchestratorAgent"

// Request is one user interaction handed to the orchestrator.
type Request struct {
	Query         string
	Ticker        string
	AccountScope  market.AccountScope
	History       []string // prior chat messages, oldest first
	RecentTrades  []risk.RecentTrade
	UserContext   map[string]any
	CorrelationID string
}

// FinalAnswer is what Run returns: the finished answer text plus the full
// context trace behind it.
type FinalAnswer struct {
	Content       string                `json:"content"`
	CorrelationID string                `json:"correlation_id"`
	Context       *market.MarketContext `json:"context"`
	Verdict       *risk.Verdict         `json:"verdict,omitempty"`
	DebateTrace   []risk.DebateTurn     `json:"debate_trace,omitempty"`
	ACEScore      float64               `json:"ace_score"`
	Label         string                `json:"label"`
}

// Orchestrator wires the lifecycle stages together. It holds only narrow
// ports; the runtime that constructs it owns every component.
type Orchestrator struct {
	cfg        *config.Config
	registry   *agent.Registry
	fabricator *market.Fabricator
	router     llm.Completer
	reasoner   llm.Completer
	critic     *risk.Manager
	ace        *risk.Evaluator
	sender     bus.Sender
	store      alpha.Store
	attributor *alpha.Attributor
	auditLog   *audit.Log
	searcher   market.InstrumentSearcher
	tools      map[string]Tool
	log        zerolog.Logger
	now        func() time.Time
}

// Options carries the orchestrator's collaborators. Nil entries disable
// the stage they serve: a nil critic skips debate, a nil store skips the
// alpha lookup, a nil attributor skips the post-run audit job.
type Options struct {
	Config     *config.Config
	Registry   *agent.Registry
	Fabricator *market.Fabricator
	Router     llm.Completer
	Reasoner   llm.Completer
	Critic     *risk.Manager
	Evaluator  *risk.Evaluator
	Sender     bus.Sender
	Store      alpha.Store
	Attributor *alpha.Attributor
	AuditLog   *audit.Log
	Searcher   market.InstrumentSearcher
	Tools      map[string]Tool
}

// New assembles an orchestrator.
func New(opts Options) *Orchestrator {
	if opts.Config == nil {
		opts.Config = &config.Config{}
	}
	if opts.Evaluator == nil {
		opts.Evaluator = risk.NewEvaluator(opts.Config.ACE)
	}
	return &Orchestrator{
		cfg:        opts.Config,
		registry:   opts.Registry,
		fabricator: opts.Fabricator,
		router:     opts.Router,
		reasoner:   opts.Reasoner,
		critic:     opts.Critic,
		ace:        opts.Evaluator,
		sender:     opts.Sender,
		store:      opts.Store,
		attributor: opts.Attributor,
		auditLog:   opts.AuditLog,
		searcher:   opts.Searcher,
		tools:      opts.Tools,
		log:        config.NewAgentLogger(Name),
		now:        time.Now,
	}
}

// Run executes the full lifecycle for one request.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*FinalAnswer, error) {
	if o.reasoner == nil {
		return nil, fault.Wrap(fault.ErrValidation, "no reasoning model configured")
	}

	start := o.now()
	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	ctx = agent.WithCorrelationID(ctx, correlationID)
	if d := o.cfg.Orchestrator.Timeout(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	o.emit(ctx, bus.SubjectAgentStarted, correlationID, map[string]any{"agent": Name})
	o.auditRecord(ctx, audit.ActionSessionStarted, map[string]any{
		"correlation_id": correlationID,
		"query_length":   len(req.Query),
	})

	intent, mc := o.prepare(ctx, req, correlationID)

	if len(intent.Needs) > 0 {
		o.emit(ctx, bus.SubjectSwarmStarted, correlationID, map[string]any{"needs": intent.Needs})
		o.swarm(ctx, mc, intent, req)
	}

	detectContradictions(mc)

	o.emit(ctx, bus.SubjectReasoningStarted, correlationID, map[string]any{"model": o.reasoner.Model()})
	draft, err := o.reason(ctx, req.Query, mc)
	if err != nil {
		metrics.RecordOrchestratorRun(intent.Type, "error", float64(o.now().Sub(start).Milliseconds()))
		return nil, err
	}

	content := o.toolLoop(ctx, correlationID, req.Query, mc, draft)

	verdict := &risk.Verdict{Status: risk.StatusApproved, Confidence: 1}
	var trace []risk.DebateTurn
	if o.critic != nil && intent.Type != market.IntentEducational {
		content, verdict, trace = o.debate(ctx, correlationID, req, mc, content)
	}
	content = o.rewriteSensitive(ctx, content)

	score := o.ace.Score(trace, verdict.Status)
	label := risk.Label(score)
	content = o.finalize(ctx, content, req, verdict, score, label)

	mc.TotalLatencyMS = o.now().Sub(start).Milliseconds()
	o.emit(ctx, bus.SubjectAgentComplete, correlationID, map[string]any{
		"success":    true,
		"latency_ms": mc.TotalLatencyMS,
		"ace_score":  score,
	})
	o.recordTelemetry(ctx, correlationID, mc.TotalLatencyMS)
	o.auditRecord(ctx, audit.ActionSessionCompleted, map[string]any{
		"correlation_id": correlationID,
		"status":         string(verdict.Status),
		"ace_score":      score,
	})
	metrics.RecordOrchestratorRun(intent.Type, "success", float64(mc.TotalLatencyMS))

	if o.attributor != nil && mc.Ticker != "" {
		o.attributor.Schedule(context.WithoutCancel(ctx), correlationID, start)
	}

	return &FinalAnswer{
		Content:       content,
		CorrelationID: correlationID,
		Context:       mc,
		Verdict:       verdict,
		DebateTrace:   trace,
		ACEScore:      score,
		Label:         label,
	}, nil
}

// prepare runs the shared front half of the lifecycle: routing, ticker
// resolution from history, fabrication, and the historical alpha lookup.
func (o *Orchestrator) prepare(ctx context.Context, req Request, correlationID string) (Intent, *market.MarketContext) {
	intent := o.route(ctx, req.Query, market.NormalizeTicker(req.Ticker))
	if intent.Ticker == "" {
		intent.Ticker = market.TickerFromText(req.Query)
	}
	if intent.Ticker == "" && len(req.History) > 0 {
		window := req.History
		if n := o.cfg.Orchestrator.HistoryWindow; n > 0 && len(window) > n {
			window = window[len(window)-n:]
		}
		intent.Ticker = market.TickerFromHistory(window)
	}
	o.emit(ctx, bus.SubjectIntentClassified, correlationID, map[string]any{
		"type":   intent.Type,
		"ticker": intent.Ticker,
		"needs":  intent.Needs,
	})

	var mc *market.MarketContext
	if o.fabricator != nil {
		mc = o.fabricator.Fabricate(ctx, market.FabricateRequest{
			Intent:       intent.Type,
			Ticker:       intent.Ticker,
			AccountScope: req.AccountScope,
			UserContext:  req.UserContext,
		})
	} else {
		mc = market.NewMarketContext(intent.Type, intent.Ticker)
		for k, v := range req.UserContext {
			mc.UserContext[k] = v
		}
	}
	if len(req.RecentTrades) > 0 {
		mc.UserContext["recent_trades"] = req.RecentTrades
	}
	o.attachAlpha(ctx, mc)
	o.emit(ctx, bus.SubjectContextFabricated, correlationID, map[string]any{
		"ticker": mc.Ticker,
		"intent": mc.Intent,
	})
	return intent, mc
}

// attachAlpha looks up historical attribution for the ticker so the
// reasoning model can weigh specialists by past accuracy.
func (o *Orchestrator) attachAlpha(ctx context.Context, mc *market.MarketContext) {
	if o.store == nil || mc.Ticker == "" {
		return
	}
	m, err := o.store.AgentAlphaMetrics(ctx, mc.Ticker)
	if err != nil {
		o.log.Warn().Err(err).Str("ticker", mc.Ticker).Msg("Alpha lookup failed")
		return
	}
	if m.TotalSessions > 0 {
		mc.UserContext["historical_alpha"] = m
	}
}

// reason calls the main model over the assembled prompt, splits out any
// private chain-of-thought into the context, and returns the visible draft.
func (o *Orchestrator) reason(ctx context.Context, query string, mc *market.MarketContext) (string, error) {
	content, err := o.reasoner.CompleteWithSystem(ctx, reasonerSystemPrompt, buildPrompt(query, mc))
	if err != nil {
		return "", err
	}
	visible, thought := llm.SplitReasoning(content)
	if thought != "" {
		mc.Reasoning = thought
	}
	return visible, nil
}

// debate runs the adversarial loop: review the draft, and when the critic
// objects, give the reasoning model exactly one chance to address the
// refutation before the verdict stands.
func (o *Orchestrator) debate(ctx context.Context, correlationID string, req Request, mc *market.MarketContext, draft string) (string, *risk.Verdict, []risk.DebateTurn) {
	o.emit(ctx, bus.SubjectRiskReviewStarted, correlationID, map[string]any{})

	proposal := o.buildProposal(req, mc, draft)
	verdict := o.critic.Review(ctx, mc, proposal)
	trace := []risk.DebateTurn{{Turn: 1, Status: verdict.Status, Refutation: verdict.DebateRefutation}}

	if verdict.Status == risk.StatusApproved {
		return draft, verdict, trace
	}

	rewritten, err := o.reasoner.CompleteWithSystem(ctx, reasonerSystemPrompt,
		rewritePrompt(req.Query, draft, verdict.DebateRefutation))
	if err != nil {
		o.log.Warn().Err(err).Msg("Rebuttal rewrite unavailable, verdict stands")
		o.auditVerdict(ctx, verdict)
		return draft, verdict, trace
	}
	visible, thought := llm.SplitReasoning(rewritten)
	if thought != "" {
		mc.Reasoning = strings.TrimSpace(mc.Reasoning + "\n\n" + thought)
	}

	proposal.Text = visible
	verdict = o.critic.Review(ctx, mc, proposal)
	trace = append(trace, risk.DebateTurn{Turn: 2, Status: verdict.Status, Refutation: verdict.DebateRefutation})
	o.auditVerdict(ctx, verdict)
	return visible, verdict, trace
}

// buildProposal packages the draft with whatever structured trade context
// the request carries so the deterministic gates can fire.
func (o *Orchestrator) buildProposal(req Request, mc *market.MarketContext, text string) risk.Proposal {
	p := risk.Proposal{Text: text, RecentTrades: req.RecentTrades}
	if trades, ok := mc.UserContext["recent_trades"].([]risk.RecentTrade); ok {
		p.RecentTrades = trades
	}
	if trade := extractTrade(req.Query, mc); trade != nil {
		p.Trade = trade
	}
	return p
}

var tradeIntentPattern = regexp.MustCompile(
	`(?i)\b(buy|sell)\b\s+(\d+(?:\.\d+)?)\s*(?:shares?\s+(?:of\s+)?)?\$?([A-Za-z]{1,6}(?:\.[A-Za-z]{1,2})?)\b`)

// extractTrade parses an explicit "buy N TICKER" style instruction from
// the query. Absent a parseable trade the gates that need numbers skip.
func extractTrade(query string, mc *market.MarketContext) *risk.TradeIntent {
	m := tradeIntentPattern.FindStringSubmatch(query)
	if m == nil {
		return nil
	}
	qty, err := decimal.NewFromString(m[2])
	if err != nil || qty.LessThanOrEqual(decimal.Zero) {
		return nil
	}
	trade := &risk.TradeIntent{
		Ticker: market.NormalizeTicker(m[3]),
		Side:   strings.ToLower(m[1]),
		Qty:    qty,
	}
	if mc != nil && mc.Price != nil {
		trade.Price = mc.Price.CurrentPrice
	}
	return trade
}

// finalize prepends the robustness header and appends risk warnings and
// action sentinels where the verdict demands them.
func (o *Orchestrator) finalize(ctx context.Context, content string, req Request, verdict *risk.Verdict, score float64, label string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "ACE Score: %.2f (%s)\n\n", score, label)
	b.WriteString(content)

	if verdict.Status != risk.StatusApproved {
		fmt.Fprintf(&b, "\n\n⚠️ Risk review: %s.", verdict.Status)
		if verdict.RiskAssessment != "" {
			fmt.Fprintf(&b, " %s", verdict.RiskAssessment)
		}
		if trade := extractTrade(req.Query, nil); trade != nil {
			b.WriteString("\n[ACTION_REQUIRED:TRADE_APPROVAL]")
			o.auditRecord(ctx, audit.ActionTradeProposed, map[string]any{
				"ticker": trade.Ticker,
				"side":   trade.Side,
				"qty":    trade.Qty.String(),
				"status": string(verdict.Status),
			})
		}
	}
	return b.String()
}

// recordTelemetry writes the orchestrator's own execution record so alpha
// aggregation can separate session latency from specialist latency.
func (o *Orchestrator) recordTelemetry(ctx context.Context, correlationID string, latencyMS int64) {
	if o.store == nil {
		return
	}
	row := alpha.TelemetryRow{
		ID:            uuid.New().String(),
		CorrelationID: correlationID,
		AgentName:     alpha.OrchestratorName,
		Subject:       bus.SubjectAgentComplete,
		PayloadJSON:   fmt.Sprintf(`{"latency_ms":%d}`, latencyMS),
		Timestamp:     o.now(),
	}
	if err := o.store.SaveTelemetry(ctx, []alpha.TelemetryRow{row}); err != nil {
		o.log.Warn().Err(err).Msg("Session telemetry write failed")
	}
}

func (o *Orchestrator) auditVerdict(ctx context.Context, v *risk.Verdict) {
	switch v.Status {
	case risk.StatusFlagged:
		o.auditRecord(ctx, audit.ActionVerdictFlagged, map[string]any{"assessment": v.RiskAssessment})
	case risk.StatusBlocked:
		o.auditRecord(ctx, audit.ActionVerdictBlocked, map[string]any{"assessment": v.RiskAssessment})
	}
}

func (o *Orchestrator) auditRecord(ctx context.Context, action audit.Action, details map[string]any) {
	if o.auditLog == nil {
		return
	}
	if _, err := o.auditLog.Record(ctx, action, Name, details); err != nil {
		o.log.Error().Err(err).Str("action", string(action)).Msg("Audit write failed")
	}
}

// emit publishes a lifecycle event. Governance denials and bus errors are
// logged, never propagated; visibility must not affect the run.
func (o *Orchestrator) emit(ctx context.Context, subject, correlationID string, payload map[string]any) {
	if o.sender == nil {
		return
	}
	msg := bus.NewMessage(Name, bus.Broadcast, subject, payload).WithCorrelationID(correlationID)
	if err := o.sender.Send(ctx, msg); err != nil {
		o.log.Warn().Err(err).Str("subject", subject).Msg("Lifecycle event dropped")
	}
}
