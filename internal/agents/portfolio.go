package agents

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/alphadeskhq/alphadesk/internal/agent/fault"
	"github.com/alphadeskhq/alphadesk/internal/cache"
	"github.com/alphadeskhq/alphadesk/internal/config"
	"github.com/alphadeskhq/alphadesk/internal/market"
)

// PortfolioCacheKey is where the latest snapshot lives. The fabricator and
// the broker-position price fallback read the same key.
const (
	PortfolioCacheKey = "current_portfolio"
	portfolioCacheTTL = 3600 * time.Second
)

// Portfolio fetches broker account snapshots and maintains the shared
// cached copy. UpdateLocal applies optimistic post-trade adjustments to
// that copy without waiting for broker confirmation; a later snapshot
// refresh reconciles any drift. There is deliberately no rollback.
type Portfolio struct {
	provider market.PortfolioProvider
	cache    cache.Cache
	log      zerolog.Logger

	mu sync.Mutex // serializes UpdateLocal read-modify-write
}

// NewPortfolio creates the portfolio specialist.
func NewPortfolio(provider market.PortfolioProvider, c cache.Cache) *Portfolio {
	return &Portfolio{provider: provider, cache: c, log: config.NewAgentLogger(NamePortfolio)}
}

func (p *Portfolio) Name() string            { return NamePortfolio }
func (p *Portfolio) Timeout() time.Duration  { return 0 }
func (p *Portfolio) CacheTTL() time.Duration { return 0 }

// CacheKey is empty: the specialist manages the shared snapshot key itself
// so other components read typed data rather than an envelope response.
func (p *Portfolio) CacheKey(map[string]any) string { return "" }

// Analyze fetches a fresh snapshot and republishes it under the shared key.
func (p *Portfolio) Analyze(ctx context.Context, input map[string]any) (map[string]any, error) {
	if p.provider == nil {
		return nil, fault.Wrap(fault.ErrUpstreamUnavailable, "no portfolio provider configured")
	}

	scope := market.AccountScope(stringInput(input, "account_scope", string(market.ScopeAll)))
	snapshot, err := p.provider.Snapshot(ctx, scope)
	if err != nil {
		return nil, fault.Wrap(fault.KindOr(err, fault.ErrUpstreamUnavailable), "portfolio snapshot (%s): %v", scope, err)
	}

	p.cache.Set(ctx, PortfolioCacheKey, snapshot, portfolioCacheTTL)
	return map[string]any{"portfolio": snapshot}, nil
}

// Snapshot returns the cached snapshot if present, fetching otherwise.
func (p *Portfolio) Snapshot(ctx context.Context) (*market.PortfolioData, error) {
	if value, ok := p.cache.Get(ctx, PortfolioCacheKey); ok {
		if snapshot, ok := value.(*market.PortfolioData); ok {
			return snapshot, nil
		}
	}
	data, err := p.Analyze(ctx, map[string]any{})
	if err != nil {
		return nil, err
	}
	return data["portfolio"].(*market.PortfolioData), nil
}

// UpdateLocal applies an optimistic fill to the cached snapshot. Side is
// "buy" or "sell". Missing snapshot or unknown position on a sell is an
// error; the broker remains the source of truth either way.
func (p *Portfolio) UpdateLocal(ctx context.Context, ticker string, qty, price decimal.Decimal, side string) error {
	ticker = market.NormalizeTicker(ticker)
	if qty.LessThanOrEqual(decimal.Zero) || price.LessThanOrEqual(decimal.Zero) {
		return fault.Wrap(fault.ErrValidation, "qty and price must be positive")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	value, ok := p.cache.Get(ctx, PortfolioCacheKey)
	if !ok {
		return fault.Wrap(fault.ErrNotFound, "no cached portfolio to update")
	}
	snapshot, ok := value.(*market.PortfolioData)
	if !ok {
		return fault.Wrap(fault.ErrFatalInternal, "cached portfolio has unexpected shape %T", value)
	}

	cost := qty.Mul(price)
	switch strings.ToLower(side) {
	case "buy":
		p.applyBuy(snapshot, ticker, qty, price, cost)
	case "sell":
		if err := p.applySell(snapshot, ticker, qty, cost); err != nil {
			return err
		}
	default:
		return fault.Wrap(fault.ErrValidation, "side must be buy or sell, got %q", side)
	}

	recomputeTotals(snapshot)
	p.cache.Set(ctx, PortfolioCacheKey, snapshot, portfolioCacheTTL)

	p.log.Info().Str("ticker", ticker).Str("side", side).
		Str("qty", qty.String()).Str("price", price.String()).
		Msg("Optimistic local portfolio update applied")
	return nil
}

func (p *Portfolio) applyBuy(snapshot *market.PortfolioData, ticker string, qty, price, cost decimal.Decimal) {
	snapshot.Cash.Free = snapshot.Cash.Free.Sub(cost)
	snapshot.Cash.Total = snapshot.Cash.Total.Sub(cost)

	if pos := snapshot.FindPosition(ticker); pos != nil {
		newQty := pos.Quantity.Add(qty)
		pos.AveragePrice = pos.AveragePrice.Mul(pos.Quantity).Add(cost).Div(newQty)
		pos.Quantity = newQty
		pos.CurrentPrice = price
		pos.Value = newQty.Mul(price)
		return
	}
	snapshot.Positions = append(snapshot.Positions, market.Position{
		Ticker:       ticker,
		Quantity:     qty,
		AveragePrice: price,
		CurrentPrice: price,
		Value:        cost,
	})
}

func (p *Portfolio) applySell(snapshot *market.PortfolioData, ticker string, qty, proceeds decimal.Decimal) error {
	pos := snapshot.FindPosition(ticker)
	if pos == nil {
		return fault.Wrap(fault.ErrNotFound, "no position in %s to sell", ticker)
	}
	if qty.GreaterThan(pos.Quantity) {
		return fault.Wrap(fault.ErrValidation, "sell qty %s exceeds position %s", qty, pos.Quantity)
	}

	snapshot.Cash.Free = snapshot.Cash.Free.Add(proceeds)
	snapshot.Cash.Total = snapshot.Cash.Total.Add(proceeds)

	pos.Quantity = pos.Quantity.Sub(qty)
	if pos.Quantity.IsZero() {
		kept := snapshot.Positions[:0]
		for _, existing := range snapshot.Positions {
			if existing.Ticker != ticker {
				kept = append(kept, existing)
			}
		}
		snapshot.Positions = kept
		return nil
	}
	pos.Value = pos.Quantity.Mul(pos.CurrentPrice)
	return nil
}

func recomputeTotals(snapshot *market.PortfolioData) {
	total := snapshot.Cash.Total
	invested := decimal.Zero
	pnl := decimal.Zero

	for i := range snapshot.Positions {
		pos := &snapshot.Positions[i]
		pos.Value = pos.Quantity.Mul(pos.CurrentPrice)
		pos.PnL = pos.Value.Sub(pos.Quantity.Mul(pos.AveragePrice))
		if basis := pos.Quantity.Mul(pos.AveragePrice); !basis.IsZero() {
			pos.PnLPercent = pos.PnL.Div(basis).InexactFloat64() * 100
		}
		total = total.Add(pos.Value)
		invested = invested.Add(pos.Quantity.Mul(pos.AveragePrice))
		pnl = pnl.Add(pos.PnL)
	}

	snapshot.TotalValue = total
	snapshot.TotalInvested = invested
	snapshot.TotalPnL = pnl
	if !invested.IsZero() {
		snapshot.PnLPercent = pnl.Div(invested).InexactFloat64() * 100
	}
}
