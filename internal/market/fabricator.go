package market

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/alphadeskhq/alphadesk/internal/cache"
	"github.com/alphadeskhq/alphadesk/internal/config"
	"github.com/alphadeskhq/alphadesk/internal/metrics"
	"github.com/alphadeskhq/alphadesk/internal/resilience"
)

// Intent types the router emits. The fabricator maps each to the raw IO it
// launches; specialist analyses run later through the orchestrator swarm.
const (
	IntentPriceCheck      = "price_check"
	IntentMarketAnalysis  = "market_analysis"
	IntentPortfolioQuery  = "portfolio_query"
	IntentForecastRequest = "forecast_request"
	IntentGoalPlanning    = "goal_planning"
	IntentEducational     = "educational"
)

// ioPlan lists which raw fetches an intent needs.
type ioPlan struct {
	price     bool
	news      bool
	social    bool
	whales    bool
	portfolio bool
}

// ioTable is the fixed intent to IO mapping.
var ioTable = map[string]ioPlan{
	IntentPriceCheck:      {price: true},
	IntentMarketAnalysis:  {price: true, news: true, social: true, whales: true},
	IntentPortfolioQuery:  {portfolio: true},
	IntentForecastRequest: {price: true},
	IntentGoalPlanning:    {portfolio: true},
	IntentEducational:     {},
}

// FabricateRequest carries the routed inputs for context construction.
type FabricateRequest struct {
	Intent       string
	Ticker       string
	AccountScope AccountScope
	UserContext  map[string]any
}

// Fabricator assembles a MarketContext from raw provider IO. Each concern
// runs behind a fallback chain with per-provider circuit breakers; all
// chosen fetches run concurrently and merge into the context in a fixed
// field order, so the produced structure is deterministic for the same
// provider responses.
type Fabricator struct {
	providers ProviderSet
	breakers  *resilience.Registry
	cache     cache.Cache
	log       zerolog.Logger

	timeframe string
	barsLimit int
	priceTTL  time.Duration
	portTTL   time.Duration
	now       func() time.Time
}

// NewFabricator wires a fabricator from its dependencies.
func NewFabricator(providers ProviderSet, breakers *resilience.Registry, c cache.Cache, cfg *config.Config) *Fabricator {
	return &Fabricator{
		providers: providers,
		breakers:  breakers,
		cache:     c,
		log:       config.NewLogger("fabricator"),
		timeframe: "1Day",
		barsLimit: 500,
		priceTTL:  cfg.Cache.TTLFor("price"),
		portTTL:   cfg.Cache.TTLFor("portfolio"),
		now:       time.Now,
	}
}

// Fabricate builds the MarketContext for a routed intent. Individual fetch
// failures degrade the context instead of failing it; the returned context
// is always usable by reasoning.
func (f *Fabricator) Fabricate(ctx context.Context, req FabricateRequest) *MarketContext {
	start := f.now()
	ticker := NormalizeTicker(req.Ticker)

	mc := NewMarketContext(req.Intent, ticker)
	for k, v := range req.UserContext {
		mc.UserContext[k] = v
	}

	plan, ok := ioTable[req.Intent]
	if !ok {
		// Unknown intents degrade to a price fetch when a ticker exists.
		plan = ioPlan{price: ticker != ""}
	}
	if ticker == "" {
		plan.price = false
		plan.news = false
		plan.social = false
		plan.whales = false
	}

	var (
		price     *PriceData
		research  *ResearchData
		social    *SocialData
		whale     *WhaleData
		portfolio *PortfolioData
	)

	g, gctx := errgroup.WithContext(ctx)
	if plan.price {
		g.Go(func() error {
			price = f.fetchPrice(gctx, ticker)
			return nil
		})
	}
	if plan.news {
		g.Go(func() error {
			research = f.fetchNews(gctx, ticker)
			return nil
		})
	}
	if plan.social {
		g.Go(func() error {
			social = f.fetchSocial(gctx, ticker)
			return nil
		})
	}
	if plan.whales {
		g.Go(func() error {
			whale = f.fetchWhales(gctx, ticker)
			return nil
		})
	}
	if plan.portfolio {
		g.Go(func() error {
			portfolio = f.fetchPortfolio(gctx, req.AccountScope)
			return nil
		})
	}
	_ = g.Wait() // fetches record their own failures; none aborts the group

	// Merge in fixed field order regardless of completion order.
	mc.Price = price
	mc.Research = research
	mc.Social = social
	mc.Whale = whale
	mc.Portfolio = portfolio
	mc.TotalLatencyMS = f.now().Sub(start).Milliseconds()

	metrics.FabricationDuration.Observe(float64(mc.TotalLatencyMS))
	f.log.Debug().
		Str("intent", req.Intent).
		Str("ticker", ticker).
		Int64("latency_ms", mc.TotalLatencyMS).
		Bool("has_price", mc.Price != nil).
		Bool("has_portfolio", mc.Portfolio != nil).
		Msg("Market context fabricated")
	return mc
}

// fetchPrice runs the quote chain and the bars chain, reconciles units and
// caches the result. On total quote failure it falls back to a stale cache
// read.
func (f *Fabricator) fetchPrice(ctx context.Context, ticker string) *PriceData {
	priceKey := cache.Key("price_data", ticker)

	quoteChain := resilience.NewChain("quote", f.breakers,
		func(p *PriceData) bool { return p == nil || p.CurrentPrice.IsZero() },
		quoteProviders(f.providers.Quotes, ticker)...)

	price, source, err := quoteChain.Execute(ctx)
	metrics.RecordProviderCall("quote", source, err)
	if err != nil {
		value, found, expired := f.cache.GetWithExpiry(ctx, priceKey)
		if !found {
			f.log.Warn().Str("ticker", ticker).Err(err).Msg("Quote unavailable and no cached price")
			return nil
		}
		cached, ok := value.(*PriceData)
		if !ok {
			return nil
		}
		metrics.RecordCacheLookup("price_data", metrics.CacheStale)
		f.log.Warn().
			Str("ticker", ticker).
			Bool("expired", expired).
			Msg("Quote providers down, serving cached price")
		price = cached
	} else {
		price.Source = source
	}
	price.Ticker = ticker
	if price.Currency == "" && IsPenceExchange(ticker) {
		price.Currency = CurrencyGBX
	}

	if bars, barSource := f.fetchBars(ctx, ticker); len(bars) > 0 {
		price.Series = bars
		if barSource == "synthetic" {
			f.log.Warn().Str("ticker", ticker).Msg("History series is synthetic")
		}
		ValidateUnitConsistency(price)
	}

	f.cache.Set(ctx, priceKey, price, f.priceTTL)
	return price
}

func (f *Fabricator) fetchBars(ctx context.Context, ticker string) ([]Bar, string) {
	barsKey := cache.Key("bars", ticker, f.timeframe)

	chain := resilience.NewChain("bars", f.breakers,
		func(bars []Bar) bool { return len(bars) == 0 },
		barsProviders(f.providers.Bars, ticker, f.timeframe, f.barsLimit)...)

	bars, source, err := chain.Execute(ctx)
	metrics.RecordProviderCall("bars", source, err)
	if err != nil {
		value, found, _ := f.cache.GetWithExpiry(ctx, barsKey)
		if cached, ok := value.([]Bar); found && ok {
			metrics.RecordCacheLookup("bars", metrics.CacheStale)
			return cached, "cache"
		}
		return nil, ""
	}
	f.cache.Set(ctx, barsKey, bars, f.priceTTL)
	return bars, source
}

func (f *Fabricator) fetchNews(ctx context.Context, ticker string) *ResearchData {
	chain := resilience.NewChain("news", f.breakers,
		func(r *ResearchData) bool { return r == nil },
		newsProviders(f.providers.News, ticker)...)

	research, source, err := chain.Execute(ctx)
	metrics.RecordProviderCall("news", source, err)
	if err != nil {
		return nil
	}
	research.Ticker = ticker
	return research
}

func (f *Fabricator) fetchSocial(ctx context.Context, ticker string) *SocialData {
	chain := resilience.NewChain("social", f.breakers,
		func(s *SocialData) bool { return s == nil },
		socialProviders(f.providers.Social, ticker)...)

	social, source, err := chain.Execute(ctx)
	metrics.RecordProviderCall("social", source, err)
	if err != nil {
		return nil
	}
	social.Ticker = ticker
	return social
}

func (f *Fabricator) fetchWhales(ctx context.Context, ticker string) *WhaleData {
	chain := resilience.NewChain("whales", f.breakers,
		func(w *WhaleData) bool { return w == nil },
		whaleProviders(f.providers.Whales, ticker)...)

	whale, source, err := chain.Execute(ctx)
	metrics.RecordProviderCall("whales", source, err)
	if err != nil {
		return nil
	}
	whale.Ticker = ticker
	return whale
}

func (f *Fabricator) fetchPortfolio(ctx context.Context, scope AccountScope) *PortfolioData {
	if scope == "" {
		scope = ScopeAll
	}
	chain := resilience.NewChain("portfolio", f.breakers,
		func(p *PortfolioData) bool { return p == nil },
		portfolioProviders(f.providers.Portfolio, scope)...)

	snapshot, source, err := chain.Execute(ctx)
	metrics.RecordProviderCall("portfolio", source, err)
	if err != nil {
		value, found, expired := f.cache.GetWithExpiry(ctx, "current_portfolio")
		if cached, ok := value.(*PortfolioData); found && ok {
			metrics.RecordCacheLookup("portfolio", metrics.CacheStale)
			f.log.Warn().Bool("expired", expired).Msg("Broker down, serving cached portfolio")
			return cached
		}
		return nil
	}
	f.cache.Set(ctx, "current_portfolio", snapshot, f.portTTL)
	return snapshot
}

// Chain adapters binding per-call arguments into resilience providers.

func quoteProviders(providers []QuoteProvider, ticker string) []resilience.Provider[*PriceData] {
	out := make([]resilience.Provider[*PriceData], len(providers))
	for i, p := range providers {
		p := p
		out[i] = resilience.Provider[*PriceData]{
			Name:  p.Name(),
			Fetch: func(ctx context.Context) (*PriceData, error) { return p.Quote(ctx, ticker) },
		}
	}
	return out
}

func barsProviders(providers []BarsProvider, ticker, timeframe string, limit int) []resilience.Provider[[]Bar] {
	out := make([]resilience.Provider[[]Bar], len(providers))
	for i, p := range providers {
		p := p
		out[i] = resilience.Provider[[]Bar]{
			Name:  p.Name(),
			Fetch: func(ctx context.Context) ([]Bar, error) { return p.Bars(ctx, ticker, timeframe, limit) },
		}
	}
	return out
}

func newsProviders(providers []NewsProvider, ticker string) []resilience.Provider[*ResearchData] {
	out := make([]resilience.Provider[*ResearchData], len(providers))
	for i, p := range providers {
		p := p
		out[i] = resilience.Provider[*ResearchData]{
			Name:  p.Name(),
			Fetch: func(ctx context.Context) (*ResearchData, error) { return p.News(ctx, ticker) },
		}
	}
	return out
}

func socialProviders(providers []SocialProvider, ticker string) []resilience.Provider[*SocialData] {
	out := make([]resilience.Provider[*SocialData], len(providers))
	for i, p := range providers {
		p := p
		out[i] = resilience.Provider[*SocialData]{
			Name:  p.Name(),
			Fetch: func(ctx context.Context) (*SocialData, error) { return p.Social(ctx, ticker) },
		}
	}
	return out
}

func whaleProviders(providers []WhaleProvider, ticker string) []resilience.Provider[*WhaleData] {
	out := make([]resilience.Provider[*WhaleData], len(providers))
	for i, p := range providers {
		p := p
		out[i] = resilience.Provider[*WhaleData]{
			Name:  p.Name(),
			Fetch: func(ctx context.Context) (*WhaleData, error) { return p.Whales(ctx, ticker) },
		}
	}
	return out
}

func portfolioProviders(providers []PortfolioProvider, scope AccountScope) []resilience.Provider[*PortfolioData] {
	out := make([]resilience.Provider[*PortfolioData], len(providers))
	for i, p := range providers {
		p := p
		out[i] = resilience.Provider[*PortfolioData]{
			Name:  p.Name(),
			Fetch: func(ctx context.Context) (*PortfolioData, error) { return p.Snapshot(ctx, scope) },
		}
	}
	return out
}
