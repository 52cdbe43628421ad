package risk

import (
	"regexp"

	"github.com/alphadeskhq/alphadesk/internal/config"
	"github.com/alphadeskhq/alphadesk/internal/metrics"
)

// Robustness labels by ACE score threshold.
const (
	LabelBattleTested = "Battle-Tested"
	LabelVerified     = "Verified"
	LabelCautionary   = "Cautionary"
	LabelHighEntropy  = "High-Entropy"
)

var (
	resolutionPattern = regexp.MustCompile(`\b(addressed|resolved|fixed)\b`)
	negationPattern   = regexp.MustCompile(`\b(not|never|un|failed to)\b`)
)

// Evaluator computes the adversarial confidence estimate: a strategy that
// survived debate unscathed scores high, one that needed rebuttals or
// ended Flagged or Blocked scores progressively lower, and refutations
// that were genuinely resolved claw a little credit back.
type Evaluator struct {
	cfg config.ACEConfig
}

// NewEvaluator creates an ACE evaluator; zero-valued factors take the
// standard defaults.
func NewEvaluator(cfg config.ACEConfig) *Evaluator {
	if cfg.TurnPenalty <= 0 {
		cfg.TurnPenalty = 0.1
	}
	if cfg.BlockFactor <= 0 {
		cfg.BlockFactor = 0.2
	}
	if cfg.FlagFactor <= 0 {
		cfg.FlagFactor = 0.6
	}
	if cfg.ResolutionBonus <= 0 {
		cfg.ResolutionBonus = 0.05
	}
	return &Evaluator{cfg: cfg}
}

// Score computes the ACE score in [0, 1] from a debate trace and the
// final status.
func (e *Evaluator) Score(trace []DebateTurn, final Status) float64 {
	if len(trace) == 0 {
		if final == StatusApproved {
			return 1.0
		}
		return 0.5
	}

	score := 1.0
	// Every turn after the opening review is a rebuttal.
	rebuttals := len(trace) - 1
	if rebuttals > 0 {
		score -= e.cfg.TurnPenalty * float64(rebuttals)
	}

	switch final {
	case StatusBlocked:
		score *= e.cfg.BlockFactor
	case StatusFlagged:
		score *= e.cfg.FlagFactor
	}

	for _, turn := range trace {
		if resolutionPattern.MatchString(turn.Refutation) && !negationPattern.MatchString(turn.Refutation) {
			score += e.cfg.ResolutionBonus
		}
	}

	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	metrics.RecordConsensusScore(score)
	return score
}

// Label maps an ACE score to its robustness label.
func Label(score float64) string {
	switch {
	case score >= 0.85:
		return LabelBattleTested
	case score >= 0.70:
		return LabelVerified
	case score >= 0.50:
		return LabelCautionary
	default:
		return LabelHighEntropy
	}
}
