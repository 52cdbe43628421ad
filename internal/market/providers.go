package market

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/alphadeskhq/alphadesk/internal/agent/fault"
	"github.com/alphadeskhq/alphadesk/internal/cache"
)

// Provider ports. Concrete implementations live at the edges (broker and
// data vendor adapters); the fabricator consumes these interfaces only.

// QuoteProvider fetches the live quote for one instrument.
type QuoteProvider interface {
	Name() string
	Quote(ctx context.Context, ticker string) (*PriceData, error)
}

// BarsProvider fetches OHLCV history for one instrument.
type BarsProvider interface {
	Name() string
	Bars(ctx context.Context, ticker string, timeframe string, limit int) ([]Bar, error)
}

// NewsProvider fetches news sentiment for one instrument.
type NewsProvider interface {
	Name() string
	News(ctx context.Context, ticker string) (*ResearchData, error)
}

// SocialProvider fetches retail social sentiment for one instrument.
type SocialProvider interface {
	Name() string
	Social(ctx context.Context, ticker string) (*SocialData, error)
}

// WhaleProvider fetches institutional flow for one instrument.
type WhaleProvider interface {
	Name() string
	Whales(ctx context.Context, ticker string) (*WhaleData, error)
}

// PortfolioProvider fetches an account snapshot from the broker.
type PortfolioProvider interface {
	Name() string
	Snapshot(ctx context.Context, scope AccountScope) (*PortfolioData, error)
}

// Instrument is one instrument-search candidate.
type Instrument struct {
	Ticker   string `json:"ticker"`
	Name     string `json:"name"`
	Exchange string `json:"exchange,omitempty"`
	Currency string `json:"currency,omitempty"`
}

// InstrumentSearcher resolves free-text queries to instrument candidates.
type InstrumentSearcher interface {
	Search(ctx context.Context, query string) ([]Instrument, error)
}

// ProviderSet is the ordered provider inventory the fabricator draws from.
// Slice order is fallback priority: index 0 is primary.
type ProviderSet struct {
	Quotes    []QuoteProvider
	Bars      []BarsProvider
	News      []NewsProvider
	Social    []SocialProvider
	Whales    []WhaleProvider
	Portfolio []PortfolioProvider
	Search    InstrumentSearcher
}

// Throttle holds one token bucket per provider name.
type Throttle struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewThrottle creates a throttle applying rps/burst to each provider.
func NewThrottle(rps float64, burst int) *Throttle {
	return &Throttle{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

// Wait blocks until the provider's bucket grants a token or ctx expires.
func (t *Throttle) Wait(ctx context.Context, provider string) error {
	t.mu.Lock()
	limiter, ok := t.limiters[provider]
	if !ok {
		limiter = rate.NewLimiter(t.rps, t.burst)
		t.limiters[provider] = limiter
	}
	t.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		return fault.Wrap(fault.ErrTimeout, "rate limit wait for %s: %v", provider, err)
	}
	return nil
}

// ThrottledQuotes wraps quote providers with a shared throttle.
func ThrottledQuotes(t *Throttle, providers ...QuoteProvider) []QuoteProvider {
	out := make([]QuoteProvider, len(providers))
	for i, p := range providers {
		out[i] = &throttledQuote{inner: p, throttle: t}
	}
	return out
}

type throttledQuote struct {
	inner    QuoteProvider
	throttle *Throttle
}

func (p *throttledQuote) Name() string { return p.inner.Name() }

func (p *throttledQuote) Quote(ctx context.Context, ticker string) (*PriceData, error) {
	if err := p.throttle.Wait(ctx, p.inner.Name()); err != nil {
		return nil, err
	}
	return p.inner.Quote(ctx, ticker)
}

// ThrottledBars wraps bars providers with a shared throttle.
func ThrottledBars(t *Throttle, providers ...BarsProvider) []BarsProvider {
	out := make([]BarsProvider, len(providers))
	for i, p := range providers {
		out[i] = &throttledBars{inner: p, throttle: t}
	}
	return out
}

type throttledBars struct {
	inner    BarsProvider
	throttle *Throttle
}

func (p *throttledBars) Name() string { return p.inner.Name() }

func (p *throttledBars) Bars(ctx context.Context, ticker, timeframe string, limit int) ([]Bar, error) {
	if err := p.throttle.Wait(ctx, p.inner.Name()); err != nil {
		return nil, err
	}
	return p.inner.Bars(ctx, ticker, timeframe, limit)
}

// BrokerPositionPrice is the last quote fallback: it reads the cached
// portfolio snapshot and answers with the position's broker-side price.
type BrokerPositionPrice struct {
	cache cache.Cache
}

// NewBrokerPositionPrice creates the broker-position quote fallback.
func NewBrokerPositionPrice(c cache.Cache) *BrokerPositionPrice {
	return &BrokerPositionPrice{cache: c}
}

func (p *BrokerPositionPrice) Name() string { return "broker_position" }

// Quote serves the cached position price, stale or not. A stale price from
// the broker beats no price at all when every live provider is down.
func (p *BrokerPositionPrice) Quote(ctx context.Context, ticker string) (*PriceData, error) {
	value, found, _ := p.cache.GetWithExpiry(ctx, "current_portfolio")
	if !found {
		return nil, fault.Wrap(fault.ErrNotFound, "no cached portfolio for position price")
	}
	snapshot, ok := value.(*PortfolioData)
	if !ok {
		return nil, fault.Wrap(fault.ErrNotFound, "cached portfolio has unexpected shape")
	}
	pos := snapshot.FindPosition(ticker)
	if pos == nil {
		return nil, fault.Wrap(fault.ErrNotFound, "no position for %s", ticker)
	}
	return &PriceData{
		Ticker:       ticker,
		CurrentPrice: pos.CurrentPrice,
		Currency:     pos.Currency,
		Source:       p.Name(),
	}, nil
}

// SyntheticBars is the last bars fallback. It generates a deterministic
// random walk seeded from the ticker so downstream indicator math has
// something to chew on; consumers must treat the series as synthetic.
type SyntheticBars struct {
	interval time.Duration
	now      func() time.Time
}

// NewSyntheticBars creates the synthetic bars fallback with daily bars.
func NewSyntheticBars() *SyntheticBars {
	return &SyntheticBars{interval: 24 * time.Hour, now: time.Now}
}

func (p *SyntheticBars) Name() string { return "synthetic" }

func (p *SyntheticBars) Bars(_ context.Context, ticker, _ string, limit int) ([]Bar, error) {
	if limit <= 0 {
		limit = 100
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(ticker))
	// Deterministic per ticker; not used for anything security sensitive.
	rng := rand.New(rand.NewSource(int64(h.Sum64()))) // #nosec G404

	price := 50.0 + rng.Float64()*150.0
	start := p.now().Add(-time.Duration(limit) * p.interval).Truncate(p.interval)

	bars := make([]Bar, 0, limit)
	for i := 0; i < limit; i++ {
		drift := (rng.Float64() - 0.5) * 0.04 * price
		open := price
		close := price + drift
		high := open
		if close > high {
			high = close
		}
		high += rng.Float64() * 0.01 * price
		low := open
		if close < low {
			low = close
		}
		low -= rng.Float64() * 0.01 * price

		bars = append(bars, Bar{
			Timestamp: start.Add(time.Duration(i) * p.interval).UnixMilli(),
			Open:      decimal.NewFromFloat(open).Round(4),
			High:      decimal.NewFromFloat(high).Round(4),
			Low:       decimal.NewFromFloat(low).Round(4),
			Close:     decimal.NewFromFloat(close).Round(4),
			Volume:    decimal.NewFromInt(int64(1000 + rng.Intn(100000))),
		})
		price = close
	}
	return bars, nil
}

// StaticQuotes is a fixture-backed quote provider for offline mode and
// tests.
type StaticQuotes struct {
	name   string
	quotes map[string]PriceData
}

// NewStaticQuotes creates a fixture quote provider.
func NewStaticQuotes(name string, quotes map[string]PriceData) *StaticQuotes {
	return &StaticQuotes{name: name, quotes: quotes}
}

func (p *StaticQuotes) Name() string { return p.name }

func (p *StaticQuotes) Quote(_ context.Context, ticker string) (*PriceData, error) {
	q, ok := p.quotes[ticker]
	if !ok {
		return nil, fault.Wrap(fault.ErrNotFound, "%s has no quote for %s", p.name, ticker)
	}
	q.Source = p.name
	return &q, nil
}

// StaticBars is a fixture-backed bars provider for offline mode and tests.
type StaticBars struct {
	name   string
	series map[string][]Bar
}

// NewStaticBars creates a fixture bars provider.
func NewStaticBars(name string, series map[string][]Bar) *StaticBars {
	return &StaticBars{name: name, series: series}
}

func (p *StaticBars) Name() string { return p.name }

func (p *StaticBars) Bars(_ context.Context, ticker, _ string, limit int) ([]Bar, error) {
	bars, ok := p.series[ticker]
	if !ok {
		return nil, fault.Wrap(fault.ErrNotFound, "%s has no bars for %s", p.name, ticker)
	}
	if limit > 0 && len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	out := make([]Bar, len(bars))
	copy(out, bars)
	return out, nil
}

// staticSearcher resolves instrument queries from a fixture table.
type staticSearcher struct {
	instruments []Instrument
}

// NewStaticSearcher creates a fixture instrument searcher.
func NewStaticSearcher(instruments []Instrument) InstrumentSearcher {
	return &staticSearcher{instruments: instruments}
}

func (s *staticSearcher) Search(_ context.Context, query string) ([]Instrument, error) {
	var out []Instrument
	for _, inst := range s.instruments {
		if LCSRatio(query, inst.Ticker) >= 0.5 || LCSRatio(query, inst.Name) >= 0.5 {
			out = append(out, inst)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no instruments match %q", query)
	}
	return out, nil
}
