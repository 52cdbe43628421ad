package risk

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/alphadeskhq/alphadesk/internal/config"
	"github.com/alphadeskhq/alphadesk/internal/llm"
	"github.com/alphadeskhq/alphadesk/internal/market"
	"github.com/alphadeskhq/alphadesk/internal/metrics"
)

// AgentName identifies the risk critic on the bus and in telemetry.
const AgentName = "RiskManagerAgent"

const criticSystemPrompt = `You are a contrarian risk manager reviewing an investment strategy.
Your job is to find what is wrong with it: concentration, timing, liquidity,
regulatory exposure, wishful thinking. Argue against the strategy.

Respond with JSON only:
{
  "status": "Approved" | "Flagged" | "Blocked",
  "confidence": 0.0-1.0,
  "risk_assessment": "<your critique>",
  "compliance_notes": "<regulatory concerns, if any>",
  "debate_refutation": "<the single strongest objection>",
  "requires_human_approval": true | false
}`

var tradeKeywordPattern = regexp.MustCompile(`(?i)\b(buy|sell|purchase|liquidate|order|trade|invest|rebalance|short)\b`)

// Manager reviews proposals with a contrarian critic model and runs the
// deterministic gates that apply whether or not the model objects.
type Manager struct {
	client llm.Completer
	cfg    config.RiskConfig
	log    zerolog.Logger
	now    func() time.Time
}

// NewManager creates the risk reviewer.
func NewManager(client llm.Completer, cfg config.RiskConfig) *Manager {
	if cfg.PositionSizeLimitPct <= 0 {
		cfg.PositionSizeLimitPct = 5
	}
	if cfg.WashSaleWindowDays <= 0 {
		cfg.WashSaleWindowDays = 30
	}
	return &Manager{
		client: client,
		cfg:    cfg,
		log:    config.NewAgentLogger(AgentName),
		now:    time.Now,
	}
}

// Review produces a verdict for one proposal. The critic model goes
// first; the gates then escalate its answer where policy demands. A
// failed or unparseable critic yields a conservative Flagged verdict
// rather than an error, because review must never silently approve.
func (m *Manager) Review(ctx context.Context, mc *market.MarketContext, proposal Proposal) *Verdict {
	verdict := m.critique(ctx, mc, proposal)

	if tradeKeywordPattern.MatchString(proposal.Text) {
		verdict.RequiresHumanApproval = true
	}

	m.applyPositionSizeGate(verdict, mc, proposal)
	m.applyWashSaleGate(verdict, proposal)

	metrics.RecordRiskVerdict(string(verdict.Status))
	m.log.Info().Str("status", string(verdict.Status)).
		Bool("requires_human_approval", verdict.RequiresHumanApproval).
		Msg("Risk review complete")
	return verdict
}

func (m *Manager) critique(ctx context.Context, mc *market.MarketContext, proposal Proposal) *Verdict {
	if m.client == nil {
		return &Verdict{
			Status:                StatusFlagged,
			Confidence:            0.5,
			RiskAssessment:        "risk model unavailable; defaulting to manual review",
			RequiresHumanApproval: true,
		}
	}

	content, err := m.client.CompleteWithSystem(ctx, criticSystemPrompt, m.contextBlock(mc, proposal))
	if err != nil {
		m.log.Warn().Err(err).Msg("Risk critic unavailable, flagging for manual review")
		return &Verdict{
			Status:                StatusFlagged,
			Confidence:            0.5,
			RiskAssessment:        "risk model unavailable; defaulting to manual review",
			RequiresHumanApproval: true,
		}
	}

	var reply struct {
		Status                string  `json:"status"`
		Confidence            float64 `json:"confidence"`
		RiskAssessment        string  `json:"risk_assessment"`
		ComplianceNotes       string  `json:"compliance_notes"`
		DebateRefutation      string  `json:"debate_refutation"`
		RequiresHumanApproval bool    `json:"requires_human_approval"`
	}
	if err := llm.ParseJSON(m.client.Model(), content, &reply); err != nil {
		m.log.Warn().Err(err).Msg("Risk critic reply unparseable, flagging for manual review")
		return &Verdict{
			Status:                StatusFlagged,
			Confidence:            0.5,
			RiskAssessment:        "risk critique unparseable; defaulting to manual review",
			RequiresHumanApproval: true,
		}
	}

	confidence := reply.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	return &Verdict{
		Status:                ParseStatus(reply.Status),
		Confidence:            confidence,
		RiskAssessment:        reply.RiskAssessment,
		ComplianceNotes:       reply.ComplianceNotes,
		DebateRefutation:      reply.DebateRefutation,
		RequiresHumanApproval: reply.RequiresHumanApproval,
	}
}

// contextBlock serializes what the critic needs: holdings, cash, the
// instrument and the strategy under review.
func (m *Manager) contextBlock(mc *market.MarketContext, proposal Proposal) string {
	var b strings.Builder

	if mc != nil {
		if mc.Ticker != "" {
			fmt.Fprintf(&b, "Ticker: %s\n", mc.Ticker)
		}
		if mc.Portfolio != nil {
			fmt.Fprintf(&b, "Portfolio value: %s\n", mc.Portfolio.TotalValue.StringFixed(2))
			fmt.Fprintf(&b, "Free cash: %s\n", mc.Portfolio.Cash.Free.StringFixed(2))
			if pos := mc.Portfolio.FindPosition(mc.Ticker); pos != nil {
				fmt.Fprintf(&b, "Existing position: %s shares, value %s\n",
					pos.Quantity.String(), pos.Value.StringFixed(2))
			}
		}
		if mc.Price != nil {
			fmt.Fprintf(&b, "Current price: %s %s\n", mc.Price.CurrentPrice.String(), mc.Price.Currency)
		}
	}
	if proposal.Trade != nil {
		fmt.Fprintf(&b, "Proposed trade: %s %s %s @ %s\n",
			proposal.Trade.Side, proposal.Trade.Qty.String(), proposal.Trade.Ticker, proposal.Trade.Price.String())
	}

	fmt.Fprintf(&b, "\nProposed strategy:\n%s\n", proposal.Text)
	return b.String()
}

// applyPositionSizeGate escalates to at least Flagged when the implied
// position exceeds the configured share of portfolio value.
func (m *Manager) applyPositionSizeGate(v *Verdict, mc *market.MarketContext, proposal Proposal) {
	if proposal.Trade == nil || mc == nil || mc.Portfolio == nil {
		return
	}
	total := mc.Portfolio.TotalValue
	if total.LessThanOrEqual(decimal.Zero) {
		return
	}

	limit := total.Mul(decimal.NewFromFloat(m.cfg.PositionSizeLimitPct)).Div(decimal.NewFromInt(100))
	value := proposal.Trade.Value()
	if value.LessThanOrEqual(limit) {
		return
	}

	v.Status = Escalate(v.Status, StatusFlagged)
	v.RequiresHumanApproval = true
	note := fmt.Sprintf("Position size gate: %s is %.1f%% of portfolio, above the %.1f%% limit.",
		value.StringFixed(2),
		value.Div(total).InexactFloat64()*100,
		m.cfg.PositionSizeLimitPct)
	v.RiskAssessment = joinNotes(v.RiskAssessment, note)
	m.log.Warn().Str("value", value.StringFixed(2)).Msg("Position size gate tripped")
}

// applyWashSaleGate blocks buys of a ticker sold at a loss within the
// configured window.
func (m *Manager) applyWashSaleGate(v *Verdict, proposal Proposal) {
	if proposal.Trade == nil || !strings.EqualFold(proposal.Trade.Side, "buy") {
		return
	}

	cutoff := m.now().AddDate(0, 0, -m.cfg.WashSaleWindowDays)
	for _, trade := range proposal.RecentTrades {
		if !strings.EqualFold(trade.Side, "sell") {
			continue
		}
		if !strings.EqualFold(trade.Ticker, proposal.Trade.Ticker) {
			continue
		}
		if trade.PnL.GreaterThanOrEqual(decimal.Zero) || trade.Timestamp.Before(cutoff) {
			continue
		}

		v.Status = StatusBlocked
		v.RequiresHumanApproval = true
		note := fmt.Sprintf("Wash sale gate: %s was sold at a loss on %s, within the %d-day window.",
			trade.Ticker, trade.Timestamp.Format("2006-01-02"), m.cfg.WashSaleWindowDays)
		v.RiskAssessment = joinNotes(v.RiskAssessment, note)
		m.log.Warn().Str("ticker", trade.Ticker).Msg("Wash sale gate tripped")
		return
	}
}

func joinNotes(existing, note string) string {
	if existing == "" {
		return note
	}
	return existing + " " + note
}
