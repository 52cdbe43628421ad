package agents

import (
	"context"
	"time"

	"github.com/alphadeskhq/alphadesk/internal/agent/fault"
	"github.com/alphadeskhq/alphadesk/internal/market"
)

// Research reports news sentiment for one instrument. When the fabricator
// already fetched sentiment for this request, the pre-fetched value is
// served without a second vendor call.
type Research struct {
	provider market.NewsProvider
}

// NewResearch creates the news sentiment specialist.
func NewResearch(provider market.NewsProvider) *Research {
	return &Research{provider: provider}
}

func (r *Research) Name() string            { return NameResearch }
func (r *Research) Timeout() time.Duration  { return 0 }
func (r *Research) CacheTTL() time.Duration { return 0 }

func (r *Research) CacheKey(input map[string]any) string {
	return cacheKey(NameResearch, input)
}

func (r *Research) Analyze(ctx context.Context, input map[string]any) (map[string]any, error) {
	if prefetched, ok := input["research"].(*market.ResearchData); ok && prefetched != nil {
		return map[string]any{"research": prefetched}, nil
	}

	ticker, err := tickerInput(input)
	if err != nil {
		return nil, err
	}
	if r.provider == nil {
		return nil, fault.Wrap(fault.ErrUpstreamUnavailable, "no news provider configured")
	}

	data, err := r.provider.News(ctx, ticker)
	if err != nil {
		return nil, fault.Wrap(fault.KindOr(err, fault.ErrUpstreamUnavailable), "news sentiment for %s: %v", ticker, err)
	}
	return map[string]any{"research": data}, nil
}
