package agents

import (
	"context"
	"time"

	"github.com/alphadeskhq/alphadesk/internal/agent/fault"
	"github.com/alphadeskhq/alphadesk/internal/market"
)

// Social reports retail social-media sentiment for one instrument.
type Social struct {
	provider market.SocialProvider
}

// NewSocial creates the social sentiment specialist.
func NewSocial(provider market.SocialProvider) *Social {
	return &Social{provider: provider}
}

func (s *Social) Name() string            { return NameSocial }
func (s *Social) Timeout() time.Duration  { return 0 }
func (s *Social) CacheTTL() time.Duration { return 0 }

func (s *Social) CacheKey(input map[string]any) string {
	return cacheKey(NameSocial, input)
}

func (s *Social) Analyze(ctx context.Context, input map[string]any) (map[string]any, error) {
	if prefetched, ok := input["social"].(*market.SocialData); ok && prefetched != nil {
		return map[string]any{"social": prefetched}, nil
	}

	ticker, err := tickerInput(input)
	if err != nil {
		return nil, err
	}
	if s.provider == nil {
		return nil, fault.Wrap(fault.ErrUpstreamUnavailable, "no social provider configured")
	}

	data, err := s.provider.Social(ctx, ticker)
	if err != nil {
		return nil, fault.Wrap(fault.KindOr(err, fault.ErrUpstreamUnavailable), "social sentiment for %s: %v", ticker, err)
	}
	return map[string]any{"social": data}, nil
}
