package agents

import (
	"context"
	"time"

	"github.com/alphadeskhq/alphadesk/internal/agent/fault"
	"github.com/alphadeskhq/alphadesk/internal/market"
)

// Whale summarizes institutional flow for one instrument.
type Whale struct {
	provider market.WhaleProvider
}

// NewWhale creates the institutional flow specialist.
func NewWhale(provider market.WhaleProvider) *Whale {
	return &Whale{provider: provider}
}

func (w *Whale) Name() string            { return NameWhale }
func (w *Whale) Timeout() time.Duration  { return 0 }
func (w *Whale) CacheTTL() time.Duration { return 0 }

func (w *Whale) CacheKey(input map[string]any) string {
	return cacheKey(NameWhale, input)
}

func (w *Whale) Analyze(ctx context.Context, input map[string]any) (map[string]any, error) {
	if prefetched, ok := input["whale"].(*market.WhaleData); ok && prefetched != nil {
		return map[string]any{"whale": prefetched}, nil
	}

	ticker, err := tickerInput(input)
	if err != nil {
		return nil, err
	}
	if w.provider == nil {
		return nil, fault.Wrap(fault.ErrUpstreamUnavailable, "no whale flow provider configured")
	}

	data, err := w.provider.Whales(ctx, ticker)
	if err != nil {
		return nil, fault.Wrap(fault.KindOr(err, fault.ErrUpstreamUnavailable), "whale flow for %s: %v", ticker, err)
	}
	return map[string]any{"whale": data}, nil
}
