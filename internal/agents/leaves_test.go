package agents

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alphadeskhq/alphadesk/internal/agent/fault"
	"github.com/alphadeskhq/alphadesk/internal/market"
)

type stubNews struct {
	data  *market.ResearchData
	calls int
}

func (s *stubNews) Name() string { return "stub_news" }

func (s *stubNews) News(_ context.Context, _ string) (*market.ResearchData, error) {
	s.calls++
	return s.data, nil
}

func TestResearchPrefersPrefetchedData(t *testing.T) {
	provider := &stubNews{data: &market.ResearchData{Ticker: "AAPL", SentimentLabel: market.SentimentBullish}}
	r := NewResearch(provider)

	prefetched := &market.ResearchData{Ticker: "AAPL", SentimentLabel: market.SentimentBearish}
	out, err := r.Analyze(context.Background(), map[string]any{
		"ticker":   "AAPL",
		"research": prefetched,
	})
	require.NoError(t, err)
	assert.Same(t, prefetched, out["research"])
	assert.Zero(t, provider.calls, "prefetched sentiment must not trigger a vendor call")
}

func TestResearchCallsProvider(t *testing.T) {
	provider := &stubNews{data: &market.ResearchData{Ticker: "AAPL", SentimentScore: 0.4, SentimentLabel: market.SentimentBullish}}
	r := NewResearch(provider)

	out, err := r.Analyze(context.Background(), map[string]any{"ticker": "AAPL"})
	require.NoError(t, err)
	assert.Equal(t, 0.4, out["research"].(*market.ResearchData).SentimentScore)
	assert.Equal(t, 1, provider.calls)
}

func TestLeavesWithoutProviders(t *testing.T) {
	input := map[string]any{"ticker": "AAPL"}
	ctx := context.Background()

	_, err := NewResearch(nil).Analyze(ctx, input)
	assert.ErrorIs(t, err, fault.ErrUpstreamUnavailable)

	_, err = NewSocial(nil).Analyze(ctx, input)
	assert.ErrorIs(t, err, fault.ErrUpstreamUnavailable)

	_, err = NewWhale(nil).Analyze(ctx, input)
	assert.ErrorIs(t, err, fault.ErrUpstreamUnavailable)
}

type failingNews struct{ err error }

func (f *failingNews) Name() string { return "failing_news" }

func (f *failingNews) News(context.Context, string) (*market.ResearchData, error) {
	return nil, f.err
}

func TestLeavesClassifyUnknownProviderErrors(t *testing.T) {
	ctx := context.Background()
	input := map[string]any{"ticker": "AAPL"}

	r := NewResearch(&failingNews{err: errors.New("dial tcp 10.0.0.1:443: i/o timeout")})
	_, err := r.Analyze(ctx, input)
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrUpstreamUnavailable, "unclassified vendor errors fall back to upstream_unavailable")
	assert.NotContains(t, err.Error(), "%!w", "wrap target is always a sentinel")

	kinded := NewResearch(&failingNews{err: fault.Wrap(fault.ErrNotFound, "no such instrument")})
	_, err = kinded.Analyze(ctx, input)
	assert.ErrorIs(t, err, fault.ErrNotFound, "carried kinds pass through unchanged")
}

func TestLeavesRequireTicker(t *testing.T) {
	provider := &stubNews{data: &market.ResearchData{}}
	_, err := NewResearch(provider).Analyze(context.Background(), map[string]any{})
	assert.ErrorIs(t, err, fault.ErrValidation)
}

func TestGoalPlannerOnTrack(t *testing.T) {
	g := NewGoalPlanner()
	out, err := g.Analyze(context.Background(), map[string]any{
		"name":                 "house deposit",
		"target_amount":        10000.0,
		"horizon_months":       24,
		"monthly_contribution": 500.0,
	})
	require.NoError(t, err)

	data := out["goal"].(*market.GoalData)
	assert.Equal(t, "house deposit", data.Name)
	assert.Equal(t, 24, data.HorizonMonths)
	// 24 months of 500 at 7%/yr comfortably clears 10k.
	assert.True(t, data.ProjectedValue.GreaterThan(data.TargetAmount))
	assert.Contains(t, data.Notes, "On track")
}

func TestGoalPlannerShortfall(t *testing.T) {
	g := NewGoalPlanner()
	out, err := g.Analyze(context.Background(), map[string]any{
		"target_amount":        100000.0,
		"horizon_months":       12,
		"monthly_contribution": 100.0,
	})
	require.NoError(t, err)
	assert.Contains(t, out["goal"].(*market.GoalData).Notes, "Shortfall")
}

func TestGoalPlannerValidation(t *testing.T) {
	g := NewGoalPlanner()
	_, err := g.Analyze(context.Background(), map[string]any{
		"target_amount":  0.0,
		"horizon_months": 12,
	})
	assert.ErrorIs(t, err, fault.ErrValidation)
}
