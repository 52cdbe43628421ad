// Package market defines the shared market data model: the MarketContext
// aggregate passed between fabrication, specialists and reasoning, plus
// ticker and currency normalization applied at every ingress.
package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountScope selects which broker accounts a request covers.
type AccountScope string

const (
	ScopeInvest AccountScope = "Invest"
	ScopeISA    AccountScope = "ISA"
	ScopeAll    AccountScope = "All"
)

// Signal represents a technical trading signal
type Signal string

const (
	SignalBuy     Signal = "Buy"
	SignalSell    Signal = "Sell"
	SignalHold    Signal = "Hold"
	SignalNeutral Signal = "Neutral"
)

// SentimentLabel classifies sentiment and trend direction
type SentimentLabel string

const (
	SentimentBullish SentimentLabel = "Bullish"
	SentimentBearish SentimentLabel = "Bearish"
	SentimentNeutral SentimentLabel = "Neutral"
)

// Bar represents one OHLCV candle. Timestamp is unix milliseconds.
// Series are ordered ascending by timestamp.
type Bar struct {
	Timestamp int64           `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// Time returns the bar timestamp as time.Time.
func (b Bar) Time() time.Time {
	return time.UnixMilli(b.Timestamp)
}

// PriceData holds the live quote for one instrument
type PriceData struct {
	Ticker       string          `json:"ticker"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	Currency     string          `json:"currency"`
	Source       string          `json:"source"`
	Series       []Bar           `json:"series,omitempty"`
}

// MACD holds the moving average convergence divergence triple
type MACD struct {
	Value     float64 `json:"value"`
	Signal    float64 `json:"signal"`
	Histogram float64 `json:"histogram"`
}

// BollingerBands holds the three band levels
type BollingerBands struct {
	Upper  float64 `json:"upper"`
	Middle float64 `json:"middle"`
	Lower  float64 `json:"lower"`
}

// QuantData is the technical analysis result for one instrument
type QuantData struct {
	Ticker     string          `json:"ticker"`
	RSI        float64         `json:"rsi"`
	MACD       MACD            `json:"macd"`
	BBands     BollingerBands  `json:"bbands"`
	Signal     Signal          `json:"signal"`
	Support    decimal.Decimal `json:"support"`
	Resistance decimal.Decimal `json:"resistance"`
}

// ForecastData is the price forecast result for one instrument
type ForecastData struct {
	Ticker      string          `json:"ticker"`
	Forecast24h decimal.Decimal `json:"forecast_24h"`
	Forecast48h decimal.Decimal `json:"forecast_48h,omitempty"`
	Forecast7d  decimal.Decimal `json:"forecast_7d,omitempty"`
	Confidence  float64         `json:"confidence"`
	Trend       SentimentLabel  `json:"trend"`
	Algorithm   string          `json:"algorithm"`
	IsFallback  bool            `json:"is_fallback"`
	Series      []Bar           `json:"series,omitempty"`
}

// Position represents one holding in a portfolio
type Position struct {
	Ticker       string          `json:"ticker"`
	Quantity     decimal.Decimal `json:"quantity"`
	AveragePrice decimal.Decimal `json:"average_price"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	Value        decimal.Decimal `json:"value"`
	PnL          decimal.Decimal `json:"pnl"`
	PnLPercent   float64         `json:"pnl_percent"`
	Currency     string          `json:"currency"`
}

// CashBalance holds total and free cash
type CashBalance struct {
	Total decimal.Decimal `json:"total"`
	Free  decimal.Decimal `json:"free"`
}

// PortfolioData is a snapshot of account holdings
type PortfolioData struct {
	TotalValue    decimal.Decimal            `json:"total_value"`
	TotalInvested decimal.Decimal            `json:"total_invested"`
	TotalPnL      decimal.Decimal            `json:"total_pnl"`
	PnLPercent    float64                    `json:"pnl_percent"`
	Cash          CashBalance                `json:"cash"`
	Positions     []Position                 `json:"positions"`
	Accounts      map[string]decimal.Decimal `json:"accounts,omitempty"`
}

// FindPosition returns the position for a ticker, or nil.
func (p *PortfolioData) FindPosition(ticker string) *Position {
	for i := range p.Positions {
		if p.Positions[i].Ticker == ticker {
			return &p.Positions[i]
		}
	}
	return nil
}

// Article is one news item attached to research sentiment
type Article struct {
	Title       string    `json:"title"`
	Source      string    `json:"source"`
	URL         string    `json:"url,omitempty"`
	PublishedAt time.Time `json:"published_at"`
	Summary     string    `json:"summary,omitempty"`
}

// ResearchData is news sentiment for one instrument
type ResearchData struct {
	Ticker         string         `json:"ticker"`
	SentimentScore float64        `json:"sentiment_score"` // [-1, 1]
	SentimentLabel SentimentLabel `json:"sentiment_label"`
	Articles       []Article      `json:"articles,omitempty"`
}

// SocialData is retail social sentiment for one instrument
type SocialData struct {
	Ticker         string         `json:"ticker"`
	SentimentScore float64        `json:"sentiment_score"`
	SentimentLabel SentimentLabel `json:"sentiment_label"`
	Mentions       int            `json:"mentions"`
}

// WhaleTransaction is one large institutional trade
type WhaleTransaction struct {
	Ticker    string          `json:"ticker"`
	Side      string          `json:"side"`
	Value     decimal.Decimal `json:"value"`
	Timestamp time.Time       `json:"timestamp"`
}

// WhaleData summarizes institutional flow for one instrument
type WhaleData struct {
	Ticker       string             `json:"ticker"`
	Impact       SentimentLabel     `json:"impact"`
	NetFlow      decimal.Decimal    `json:"net_flow"`
	Transactions []WhaleTransaction `json:"transactions,omitempty"`
}

// GoalData is the output of goal planning
type GoalData struct {
	Name                string          `json:"name"`
	TargetAmount        decimal.Decimal `json:"target_amount"`
	HorizonMonths       int             `json:"horizon_months"`
	MonthlyContribution decimal.Decimal `json:"monthly_contribution"`
	ProjectedValue      decimal.Decimal `json:"projected_value"`
	Notes               string          `json:"notes,omitempty"`
}

// Telemetry records one agent execution for the alpha store
type Telemetry struct {
	AgentName     string    `json:"agent_name"`
	ModelVersion  string    `json:"model_version,omitempty"`
	LatencyMS     int64     `json:"latency_ms"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Cached        bool      `json:"cached"`
	TokensUsed    int       `json:"tokens_used,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// MarketContext is the aggregate carrier passed between fabrication, the
// specialist swarm and reasoning. The fabricator creates it, the
// orchestrator mutates it while merging specialist results, and after the
// merge it is read-only.
type MarketContext struct {
	Intent string `json:"intent"`
	Ticker string `json:"ticker,omitempty"`

	Price     *PriceData     `json:"price,omitempty"`
	Quant     *QuantData     `json:"quant,omitempty"`
	Forecast  *ForecastData  `json:"forecast,omitempty"`
	Portfolio *PortfolioData `json:"portfolio,omitempty"`
	Research  *ResearchData  `json:"research,omitempty"`
	Social    *SocialData    `json:"social,omitempty"`
	Whale     *WhaleData     `json:"whale,omitempty"`
	Goal      *GoalData      `json:"goal,omitempty"`

	AgentsExecuted []string       `json:"agents_executed,omitempty"`
	AgentsFailed   []string       `json:"agents_failed,omitempty"`
	Telemetry      []Telemetry    `json:"telemetry,omitempty"`
	TotalLatencyMS int64          `json:"total_latency_ms"`
	UserContext    map[string]any `json:"user_context,omitempty"`
	Reasoning      string         `json:"reasoning,omitempty"`
}

// NewMarketContext initializes an empty context for an intent.
func NewMarketContext(intent, ticker string) *MarketContext {
	return &MarketContext{
		Intent:      intent,
		Ticker:      ticker,
		UserContext: make(map[string]any),
	}
}

// MarkExecuted records a specialist as successfully merged.
func (mc *MarketContext) MarkExecuted(name string) {
	for _, n := range mc.AgentsExecuted {
		if n == name {
			return
		}
	}
	mc.AgentsExecuted = append(mc.AgentsExecuted, name)
}

// MarkFailed records a specialist failure unless it already succeeded.
func (mc *MarketContext) MarkFailed(name string) {
	for _, n := range mc.AgentsExecuted {
		if n == name {
			return
		}
	}
	for _, n := range mc.AgentsFailed {
		if n == name {
			return
		}
	}
	mc.AgentsFailed = append(mc.AgentsFailed, name)
}

// ClosePrices extracts the close series as floats for indicator math.
func ClosePrices(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close.InexactFloat64()
	}
	return out
}
