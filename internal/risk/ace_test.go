package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alphadeskhq/alphadesk/internal/config"
)

func TestACEEmptyTrace(t *testing.T) {
	e := NewEvaluator(config.ACEConfig{})

	assert.Equal(t, 1.0, e.Score(nil, StatusApproved))
	assert.Equal(t, 0.5, e.Score(nil, StatusFlagged))
	assert.Equal(t, 0.5, e.Score(nil, StatusBlocked))
}

func TestACEScoring(t *testing.T) {
	e := NewEvaluator(config.ACEConfig{
		TurnPenalty: 0.1, BlockFactor: 0.2, FlagFactor: 0.6, ResolutionBonus: 0.05,
	})

	tests := []struct {
		name  string
		trace []DebateTurn
		final Status
		want  float64
	}{
		{
			name:  "single turn approved",
			trace: []DebateTurn{{Turn: 1, Status: StatusApproved}},
			final: StatusApproved,
			want:  1.0,
		},
		{
			name: "one rebuttal resolved",
			trace: []DebateTurn{
				{Turn: 1, Status: StatusFlagged, Refutation: "concentration is too high"},
				{Turn: 2, Status: StatusApproved, Refutation: "concentration concern addressed by halving the position"},
			},
			final: StatusApproved,
			want:  0.95, // 1.0 - 0.1 + 0.05
		},
		{
			name: "one rebuttal still flagged",
			trace: []DebateTurn{
				{Turn: 1, Status: StatusFlagged, Refutation: "liquidity risk"},
				{Turn: 2, Status: StatusFlagged, Refutation: "liquidity risk remains"},
			},
			final: StatusFlagged,
			want:  0.54, // (1.0 - 0.1) * 0.6
		},
		{
			name: "blocked after rebuttal",
			trace: []DebateTurn{
				{Turn: 1, Status: StatusFlagged, Refutation: "wash sale exposure"},
				{Turn: 2, Status: StatusBlocked, Refutation: "wash sale confirmed"},
			},
			final: StatusBlocked,
			want:  0.18, // (1.0 - 0.1) * 0.2
		},
		{
			name: "negated resolution earns no bonus",
			trace: []DebateTurn{
				{Turn: 1, Status: StatusFlagged, Refutation: "sizing"},
				{Turn: 2, Status: StatusApproved, Refutation: "the sizing concern was not addressed"},
			},
			final: StatusApproved,
			want:  0.9, // 1.0 - 0.1, no bonus
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, e.Score(tt.trace, tt.final), 1e-9)
		})
	}
}

func TestACEClamping(t *testing.T) {
	e := NewEvaluator(config.ACEConfig{TurnPenalty: 0.9, BlockFactor: 0.2, FlagFactor: 0.6, ResolutionBonus: 0.05})

	trace := []DebateTurn{
		{Turn: 1, Status: StatusFlagged},
		{Turn: 2, Status: StatusFlagged},
		{Turn: 3, Status: StatusBlocked},
	}
	score := e.Score(trace, StatusBlocked)
	assert.GreaterOrEqual(t, score, 0.0)
	assert.LessOrEqual(t, score, 1.0)
}

func TestACELabels(t *testing.T) {
	assert.Equal(t, LabelBattleTested, Label(0.95))
	assert.Equal(t, LabelBattleTested, Label(0.85))
	assert.Equal(t, LabelVerified, Label(0.75))
	assert.Equal(t, LabelCautionary, Label(0.55))
	assert.Equal(t, LabelHighEntropy, Label(0.2))
}
