package orchestrator

import (
	"fmt"
	"strings"

	"github.com/alphadeskhq/alphadesk/internal/alpha"
	"github.com/alphadeskhq/alphadesk/internal/market"
)

const reasonerSystemPrompt = `You are a careful financial analyst. Answer the user's question using
only the data context provided. Attribute claims to their sources, state
uncertainty where sources disagree or are missing, and never invent
prices or holdings. This is decision support, not financial advice; say
so when recommending action.

You may call tools by emitting markers of the form [TOOL:<name>(<json-args>)].`

// maxPromptSection caps any single serialized section so small reasoning
// models are not drowned by one verbose source.
const maxPromptSection = 2000

// buildPrompt assembles the reasoning prompt: the query, a compact lossy
// serialization of the context with source attribution, the debate
// section, and the historical alpha table.
func buildPrompt(query string, mc *market.MarketContext) string {
	var b strings.Builder

	fmt.Fprintf(&b, "USER QUERY:\n%s\n", query)

	fmt.Fprintf(&b, "\nDATA CONTEXT: Executed: [%s], Failed: [%s]\n",
		strings.Join(mc.AgentsExecuted, ", "), strings.Join(mc.AgentsFailed, ", "))

	if mc.Ticker != "" {
		fmt.Fprintf(&b, "Instrument: %s\n", mc.Ticker)
	}
	if mc.Price != nil {
		fmt.Fprintf(&b, "Price (%s): %s %s\n",
			mc.Price.Source, mc.Price.CurrentPrice.String(), mc.Price.Currency)
	}
	if mc.Quant != nil {
		fmt.Fprintf(&b, "Technicals: signal=%s RSI=%.1f MACD_hist=%.4f support=%s resistance=%s\n",
			mc.Quant.Signal, mc.Quant.RSI, mc.Quant.MACD.Histogram,
			mc.Quant.Support.String(), mc.Quant.Resistance.String())
	}
	if mc.Forecast != nil {
		fmt.Fprintf(&b, "Forecast (%s%s): 24h=%s trend=%s confidence=%.2f\n",
			mc.Forecast.Algorithm, fallbackNote(mc.Forecast.IsFallback),
			mc.Forecast.Forecast24h.String(), mc.Forecast.Trend, mc.Forecast.Confidence)
	}
	if mc.Portfolio != nil {
		fmt.Fprintf(&b, "Portfolio: value=%s free_cash=%s positions=%d\n",
			mc.Portfolio.TotalValue.StringFixed(2), mc.Portfolio.Cash.Free.StringFixed(2),
			len(mc.Portfolio.Positions))
		for i, pos := range mc.Portfolio.Positions {
			if i >= 20 {
				fmt.Fprintf(&b, "  ... %d more positions\n", len(mc.Portfolio.Positions)-i)
				break
			}
			fmt.Fprintf(&b, "  %s: qty=%s value=%s pnl=%s\n",
				pos.Ticker, pos.Quantity.String(), pos.Value.StringFixed(2), pos.PnL.StringFixed(2))
		}
	}
	if mc.Research != nil {
		fmt.Fprintf(&b, "News sentiment: %s (%.2f) from %d articles\n",
			mc.Research.SentimentLabel, mc.Research.SentimentScore, len(mc.Research.Articles))
		for i, a := range mc.Research.Articles {
			if i >= 5 {
				break
			}
			fmt.Fprintf(&b, "  [%s] %s\n", a.Source, capLine(a.Title))
		}
	}
	if mc.Social != nil {
		fmt.Fprintf(&b, "Social sentiment: %s (%.2f) across %d mentions\n",
			mc.Social.SentimentLabel, mc.Social.SentimentScore, mc.Social.Mentions)
	}
	if mc.Whale != nil {
		fmt.Fprintf(&b, "Institutional flow: %s net_flow=%s\n",
			mc.Whale.Impact, mc.Whale.NetFlow.String())
	}
	if mc.Goal != nil {
		fmt.Fprintf(&b, "Goal plan: target=%s over %d months, projected=%s. %s\n",
			mc.Goal.TargetAmount.StringFixed(2), mc.Goal.HorizonMonths,
			mc.Goal.ProjectedValue.StringFixed(2), mc.Goal.Notes)
	}

	if contradictions, ok := mc.UserContext["contradictions"].([]string); ok && len(contradictions) > 0 {
		b.WriteString("\nDEBATE: the sources disagree. Address each point explicitly:\n")
		for _, c := range contradictions {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}

	if m, ok := mc.UserContext["historical_alpha"].(*alpha.Metrics); ok {
		b.WriteString("\nHISTORICAL ALPHA (forward returns after past sessions on this instrument):\n")
		fmt.Fprintf(&b, "overall: avg_1d=%+.4f avg_5d=%+.4f sessions=%d\n",
			m.Avg1D, m.Avg5D, m.TotalSessions)
		for name, s := range m.Specialists {
			fmt.Fprintf(&b, "%s: avg_1d=%+.4f avg_5d=%+.4f sessions=%d\n",
				name, s.Avg1D, s.Avg5D, s.TotalSessions)
		}
	}

	return b.String()
}

// rewritePrompt asks the model to address the critic's strongest objection
// without restarting the analysis.
func rewritePrompt(query, draft, refutation string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "USER QUERY:\n%s\n", query)
	fmt.Fprintf(&b, "\nYOUR PREVIOUS DRAFT:\n%s\n", capSection(draft))
	fmt.Fprintf(&b, "\nA risk reviewer raised this objection:\n%s\n", refutation)
	b.WriteString("\nRewrite the answer so the objection is addressed directly. " +
		"Keep what was correct; change what the objection invalidates.")
	return b.String()
}

func fallbackNote(isFallback bool) string {
	if isFallback {
		return ", fallback"
	}
	return ""
}

func capLine(s string) string {
	if len(s) > 120 {
		return s[:120]
	}
	return s
}

func capSection(s string) string {
	if len(s) > maxPromptSection {
		return s[:maxPromptSection] + "\n[truncated]"
	}
	return s
}
