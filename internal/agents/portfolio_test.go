package agents

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alphadeskhq/alphadesk/internal/agent/fault"
	"github.com/alphadeskhq/alphadesk/internal/cache"
	"github.com/alphadeskhq/alphadesk/internal/market"
)

type stubBroker struct {
	snapshot *market.PortfolioData
	err      error
	calls    int
}

func (b *stubBroker) Name() string { return "stub_broker" }

func (b *stubBroker) Snapshot(_ context.Context, _ market.AccountScope) (*market.PortfolioData, error) {
	b.calls++
	if b.err != nil {
		return nil, b.err
	}
	return b.snapshot, nil
}

func testSnapshot() *market.PortfolioData {
	return &market.PortfolioData{
		Cash: market.CashBalance{
			Total: decimal.NewFromInt(10000),
			Free:  decimal.NewFromInt(10000),
		},
		Positions: []market.Position{
			{
				Ticker:       "AAPL",
				Quantity:     decimal.NewFromInt(10),
				AveragePrice: decimal.NewFromInt(150),
				CurrentPrice: decimal.NewFromInt(160),
				Value:        decimal.NewFromInt(1600),
			},
		},
	}
}

func TestPortfolioAnalyzeCachesSnapshot(t *testing.T) {
	broker := &stubBroker{snapshot: testSnapshot()}
	c := cache.NewMemory()
	p := NewPortfolio(broker, c)

	ctx := context.Background()
	out, err := p.Analyze(ctx, map[string]any{"account_scope": "ISA"})
	require.NoError(t, err)

	snapshot, ok := out["portfolio"].(*market.PortfolioData)
	require.True(t, ok)
	assert.Len(t, snapshot.Positions, 1)

	cached, ok := c.Get(ctx, PortfolioCacheKey)
	require.True(t, ok, "snapshot must land under the shared cache key")
	assert.Same(t, snapshot, cached.(*market.PortfolioData))
}

func TestPortfolioNoProvider(t *testing.T) {
	p := NewPortfolio(nil, cache.NewMemory())
	_, err := p.Analyze(context.Background(), map[string]any{})
	assert.ErrorIs(t, err, fault.ErrUpstreamUnavailable)
}

func TestUpdateLocalBuyExisting(t *testing.T) {
	c := cache.NewMemory()
	p := NewPortfolio(&stubBroker{snapshot: testSnapshot()}, c)
	ctx := context.Background()
	_, err := p.Analyze(ctx, map[string]any{})
	require.NoError(t, err)

	err = p.UpdateLocal(ctx, "AAPL", decimal.NewFromInt(10), decimal.NewFromInt(170), "buy")
	require.NoError(t, err)

	snapshot, err := p.Snapshot(ctx)
	require.NoError(t, err)

	pos := snapshot.FindPosition("AAPL")
	require.NotNil(t, pos)
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(20)))
	// (10*150 + 10*170) / 20 = 160
	assert.True(t, pos.AveragePrice.Equal(decimal.NewFromInt(160)), "got avg %s", pos.AveragePrice)
	// Cash down by 1700.
	assert.True(t, snapshot.Cash.Free.Equal(decimal.NewFromInt(8300)), "got free %s", snapshot.Cash.Free)
}

func TestUpdateLocalBuyNewPosition(t *testing.T) {
	c := cache.NewMemory()
	p := NewPortfolio(&stubBroker{snapshot: testSnapshot()}, c)
	ctx := context.Background()
	_, err := p.Analyze(ctx, map[string]any{})
	require.NoError(t, err)

	err = p.UpdateLocal(ctx, "vod.l", decimal.NewFromInt(100), decimal.NewFromFloat(0.72), "buy")
	require.NoError(t, err)

	snapshot, err := p.Snapshot(ctx)
	require.NoError(t, err)
	pos := snapshot.FindPosition("VOD.L")
	require.NotNil(t, pos, "ticker must be normalized before the position lookup")
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(100)))
}

func TestUpdateLocalSell(t *testing.T) {
	c := cache.NewMemory()
	p := NewPortfolio(&stubBroker{snapshot: testSnapshot()}, c)
	ctx := context.Background()
	_, err := p.Analyze(ctx, map[string]any{})
	require.NoError(t, err)

	err = p.UpdateLocal(ctx, "AAPL", decimal.NewFromInt(4), decimal.NewFromInt(160), "sell")
	require.NoError(t, err)

	snapshot, err := p.Snapshot(ctx)
	require.NoError(t, err)
	pos := snapshot.FindPosition("AAPL")
	require.NotNil(t, pos)
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(6)))
	assert.True(t, snapshot.Cash.Free.Equal(decimal.NewFromInt(10640)))
}

func TestUpdateLocalSellEntirePositionRemovesIt(t *testing.T) {
	c := cache.NewMemory()
	p := NewPortfolio(&stubBroker{snapshot: testSnapshot()}, c)
	ctx := context.Background()
	_, err := p.Analyze(ctx, map[string]any{})
	require.NoError(t, err)

	err = p.UpdateLocal(ctx, "AAPL", decimal.NewFromInt(10), decimal.NewFromInt(160), "sell")
	require.NoError(t, err)

	snapshot, err := p.Snapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, snapshot.FindPosition("AAPL"))
}

func TestUpdateLocalRejections(t *testing.T) {
	c := cache.NewMemory()
	p := NewPortfolio(&stubBroker{snapshot: testSnapshot()}, c)
	ctx := context.Background()
	_, err := p.Analyze(ctx, map[string]any{})
	require.NoError(t, err)

	tests := []struct {
		name   string
		ticker string
		qty    int64
		side   string
		kind   error
	}{
		{"unknown position", "MSFT", 5, "sell", fault.ErrNotFound},
		{"oversell", "AAPL", 50, "sell", fault.ErrValidation},
		{"bad side", "AAPL", 5, "short", fault.ErrValidation},
		{"zero qty", "AAPL", 0, "buy", fault.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.UpdateLocal(ctx, tt.ticker, decimal.NewFromInt(tt.qty), decimal.NewFromInt(100), tt.side)
			assert.ErrorIs(t, err, tt.kind)
		})
	}
}

func TestUpdateLocalWithoutSnapshot(t *testing.T) {
	p := NewPortfolio(&stubBroker{snapshot: testSnapshot()}, cache.NewMemory())
	err := p.UpdateLocal(context.Background(), "AAPL", decimal.NewFromInt(1), decimal.NewFromInt(100), "buy")
	assert.ErrorIs(t, err, fault.ErrNotFound)
}
