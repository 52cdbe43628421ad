// Package risk reviews proposed strategies before they reach the user: a
// contrarian critic model argues against the draft, deterministic gates
// enforce position-size and wash-sale policy regardless of what the model
// thinks, and the ACE evaluator turns the debate into a robustness score.
package risk

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the review outcome, ordered by severity.
type Status string

const (
	StatusApproved Status = "Approved"
	StatusFlagged  Status = "Flagged"
	StatusBlocked  Status = "Blocked"
)

// severity ranks statuses so gates can only ever escalate.
func severity(s Status) int {
	switch s {
	case StatusBlocked:
		return 2
	case StatusFlagged:
		return 1
	default:
		return 0
	}
}

// Escalate returns the more severe of two statuses.
func Escalate(current, proposed Status) Status {
	if severity(proposed) > severity(current) {
		return proposed
	}
	return current
}

// ParseStatus normalizes a model-emitted status string. Anything
// unrecognized reads as Flagged; an unparseable critic never approves.
func ParseStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "approved", "approve":
		return StatusApproved
	case "blocked", "block", "rejected", "reject":
		return StatusBlocked
	default:
		return StatusFlagged
	}
}

// Verdict is one structured review of a proposed strategy.
type Verdict struct {
	Status                Status  `json:"status"`
	Confidence            float64 `json:"confidence"`
	RiskAssessment        string  `json:"risk_assessment"`
	ComplianceNotes       string  `json:"compliance_notes,omitempty"`
	DebateRefutation      string  `json:"debate_refutation,omitempty"`
	RequiresHumanApproval bool    `json:"requires_human_approval"`
}

// TradeIntent is the concrete trade a proposal implies, when one could be
// extracted. Gates that need numbers skip silently when it is absent.
type TradeIntent struct {
	Ticker string          `json:"ticker"`
	Side   string          `json:"side"` // "buy" or "sell"
	Qty    decimal.Decimal `json:"qty"`
	Price  decimal.Decimal `json:"price"`
}

// Value returns the implied position size.
func (t *TradeIntent) Value() decimal.Decimal {
	return t.Qty.Mul(t.Price)
}

// RecentTrade is one historical fill relevant to the wash-sale gate.
type RecentTrade struct {
	Ticker    string          `json:"ticker"`
	Side      string          `json:"side"`
	PnL       decimal.Decimal `json:"pnl"`
	Timestamp time.Time       `json:"timestamp"`
}

// Proposal is the unit of review: the draft text plus whatever structured
// trade context the orchestrator could supply.
type Proposal struct {
	Text         string
	Trade        *TradeIntent
	RecentTrades []RecentTrade
}

// DebateTurn records one round of the adversarial debate.
type DebateTurn struct {
	Turn       int    `json:"turn"`
	Status     Status `json:"status"`
	Refutation string `json:"refutation"`
}
