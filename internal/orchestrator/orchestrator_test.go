package orchestrator

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alphadeskhq/alphadesk/internal/audit"
	"github.com/alphadeskhq/alphadesk/internal/bus"
	"github.com/alphadeskhq/alphadesk/internal/config"
	"github.com/alphadeskhq/alphadesk/internal/llm"
	"github.com/alphadeskhq/alphadesk/internal/market"
	"github.com/alphadeskhq/alphadesk/internal/risk"
)

// scriptedModel replays canned replies in order, repeating the last one
// when the script runs out.
type scriptedModel struct {
	mu      sync.Mutex
	replies []string
	err     error
	calls   int
	prompts []string
}

func (s *scriptedModel) next(userPrompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.prompts = append(s.prompts, userPrompt)
	if s.err != nil {
		return "", s.err
	}
	if len(s.replies) == 0 {
		return "", nil
	}
	reply := s.replies[0]
	if len(s.replies) > 1 {
		s.replies = s.replies[1:]
	}
	return reply, nil
}

func (s *scriptedModel) Complete(_ context.Context, messages []llm.ChatMessage) (*llm.ChatResponse, error) {
	content, err := s.next(messages[len(messages)-1].Content)
	if err != nil {
		return nil, err
	}
	return chatResponse(content), nil
}

func (s *scriptedModel) CompleteWithSystem(_ context.Context, _, userPrompt string) (string, error) {
	return s.next(userPrompt)
}

func (s *scriptedModel) Model() string { return "scripted" }

func chatResponse(content string) *llm.ChatResponse {
	var r llm.ChatResponse
	err := json.Unmarshal([]byte(`{"choices":[{"message":{"role":"assistant","content":""}}]}`), &r)
	if err != nil {
		panic(err)
	}
	r.Choices[0].Message.Content = content
	return &r
}

const approvedVerdict = `{"status":"Approved","confidence":0.9,"risk_assessment":"Sound.","debate_refutation":"","requires_human_approval":false}`

func TestRunEducationalNoDataNoDebate(t *testing.T) {
	router := &scriptedModel{replies: []string{`{"type":"educational","ticker":"","needs":[],"reason":"concept question"}`}}
	reasoner := &scriptedModel{replies: []string{"A Sharpe ratio measures excess return per unit of volatility."}}
	// The critic would flag everything; educational runs must never consult it.
	critic := risk.NewManager(&scriptedModel{replies: []string{`{"status":"Flagged","risk_assessment":"nope"}`}}, config.RiskConfig{})

	o := New(Options{
		Config:   &config.Config{},
		Router:   router,
		Reasoner: reasoner,
		Critic:   critic,
	})

	ans, err := o.Run(context.Background(), Request{Query: "Explain what a Sharpe ratio is"})
	require.NoError(t, err)

	assert.Equal(t, 1.0, ans.ACEScore)
	assert.Equal(t, risk.LabelBattleTested, ans.Label)
	assert.Contains(t, ans.Content, "ACE Score: 1.00 (Battle-Tested)")
	assert.Contains(t, ans.Content, "Sharpe ratio")
	assert.NotContains(t, ans.Content, "[ACTION_REQUIRED")
	assert.Empty(t, ans.Context.AgentsExecuted)
	assert.Empty(t, ans.Context.AgentsFailed)
	assert.Equal(t, 1, reasoner.calls, "reasoning model called exactly once")
}

func TestRunResolvesTickerFromHistory(t *testing.T) {
	router := &scriptedModel{replies: []string{`{"type":"price_check","ticker":"","needs":[],"reason":"price"}`}}
	reasoner := &scriptedModel{replies: []string{"It last traded around the prior close."}}

	o := New(Options{Config: &config.Config{}, Router: router, Reasoner: reasoner})

	ans, err := o.Run(context.Background(), Request{
		Query:   "What is it trading at now?",
		History: []string{"thinking about tech", "I bought $TSLA last week"},
	})
	require.NoError(t, err)
	assert.Equal(t, "TSLA", ans.Context.Ticker)
}

func TestRunNoModelConfigured(t *testing.T) {
	o := New(Options{Config: &config.Config{}})
	_, err := o.Run(context.Background(), Request{Query: "anything"})
	require.Error(t, err)
}

func TestRunSensitiveToolInterception(t *testing.T) {
	router := &scriptedModel{replies: []string{`{"type":"price_check","ticker":"AAPL","needs":[],"reason":"price"}`}}
	reasoner := &scriptedModel{replies: []string{
		`Placing the order now. [TOOL:place_market_order({"ticker":"AAPL","qty":10})]`,
	}}

	b := bus.New()
	defer b.Close()
	auditPath := filepath.Join(t.TempDir(), "audit.log")
	log, err := audit.Open(auditPath)
	require.NoError(t, err)
	defer log.Close()

	o := New(Options{
		Config:   &config.Config{},
		Router:   router,
		Reasoner: reasoner,
		Sender:   b,
		AuditLog: log,
	})

	ans, err := o.Run(context.Background(), Request{Query: "Place a market order for 10 AAPL", CorrelationID: "corr-tool"})
	require.NoError(t, err)

	assert.Contains(t, ans.Content, `[ACTION_REQUIRED:place_market_order] Parameters: {"ticker":"AAPL","qty":10}`)
	assert.NotContains(t, ans.Content, "[TOOL:")

	for _, msg := range b.History("corr-tool") {
		assert.NotEqual(t, bus.SubjectToolCall, msg.Subject, "sensitive tool must never reach the bus")
	}

	entries, err := audit.Read(auditPath)
	require.NoError(t, err)
	var intercepted bool
	for _, e := range entries {
		if e.Action == audit.ActionToolIntercepted {
			intercepted = true
		}
	}
	assert.True(t, intercepted, "interception is audited")
}

func TestRunExecutableToolRound(t *testing.T) {
	router := &scriptedModel{replies: []string{`{"type":"price_check","ticker":"LLOY.L","needs":[],"reason":"price"}`}}
	reasoner := &scriptedModel{replies: []string{
		`Let me check the listing. [TOOL:search_instruments({"query":"LLOY"})]`,
		"LLOY trades on the LSE as LLOY.L.",
	}}

	var toolCalls int
	b := bus.New()
	defer b.Close()

	o := New(Options{
		Config:   &config.Config{},
		Router:   router,
		Reasoner: reasoner,
		Sender:   b,
		Tools: map[string]Tool{
			"search_instruments": func(_ context.Context, args map[string]any) (string, error) {
				toolCalls++
				assert.Equal(t, "LLOY", args["query"])
				return `[{"ticker":"LLOY.L","name":"Lloyds Banking Group"}]`, nil
			},
		},
	})

	ans, err := o.Run(context.Background(), Request{Query: "Where does LLOY trade?", CorrelationID: "corr-exec"})
	require.NoError(t, err)

	assert.Equal(t, 1, toolCalls)
	assert.Contains(t, ans.Content, "LLOY trades on the LSE")

	subjects := make(map[string]bool)
	for _, msg := range b.History("corr-exec") {
		subjects[msg.Subject] = true
	}
	assert.True(t, subjects[bus.SubjectToolCall])
	assert.True(t, subjects[bus.SubjectToolResult])
}

func TestRunInterceptsMarkerFromFinalToolRound(t *testing.T) {
	// The marker arrives in the last resubmission, after the tool loop has
	// spent its rounds; the final pass must still rewrite it.
	router := &scriptedModel{replies: []string{`{"type":"price_check","ticker":"AAPL","needs":[],"reason":"price"}`}}
	reasoner := &scriptedModel{replies: []string{
		`Checking the quote. [TOOL:get_quote({"ticker":"AAPL"})]`,
		`Cross-checking. [TOOL:get_quote({"ticker":"AAPL"})]`,
		`One more look. [TOOL:get_quote({"ticker":"AAPL"})]`,
		`Order placed. [TOOL:place_market_order({"ticker":"AAPL","qty":10})]`,
	}}

	o := New(Options{
		Config:   &config.Config{},
		Router:   router,
		Reasoner: reasoner,
		Tools: map[string]Tool{
			"get_quote": func(context.Context, map[string]any) (string, error) { return "151.20", nil },
		},
	})

	ans, err := o.Run(context.Background(), Request{Query: "What is AAPL trading at?"})
	require.NoError(t, err)

	assert.Contains(t, ans.Content, `[ACTION_REQUIRED:place_market_order] Parameters: {"ticker":"AAPL","qty":10}`)
	assert.NotContains(t, ans.Content, "[TOOL:")
}

func TestRunInterceptsMarkerFromRebuttalRewrite(t *testing.T) {
	router := &scriptedModel{replies: []string{`{"type":"market_analysis","ticker":"AAPL","needs":[],"reason":"analysis"}`}}
	reasoner := &scriptedModel{replies: []string{
		"AAPL looks attractive at this level.",
		`Concern addressed. Submitting: [TOOL:place_market_order({"ticker":"AAPL","qty":5})]`,
	}}
	critic := risk.NewManager(&scriptedModel{replies: []string{
		`{"status":"Flagged","confidence":0.6,"risk_assessment":"Thesis is one-sided.","debate_refutation":"No downside case.","requires_human_approval":false}`,
		approvedVerdict,
	}}, config.RiskConfig{})

	o := New(Options{Config: &config.Config{}, Router: router, Reasoner: reasoner, Critic: critic})

	ans, err := o.Run(context.Background(), Request{Query: "Is AAPL a good entry here?"})
	require.NoError(t, err)

	assert.Contains(t, ans.Content, `[ACTION_REQUIRED:place_market_order] Parameters: {"ticker":"AAPL","qty":5}`)
	assert.NotContains(t, ans.Content, "[TOOL:")
}

func TestRunWashSaleBlocksAndScoresLow(t *testing.T) {
	router := &scriptedModel{replies: []string{`{"type":"market_analysis","ticker":"AAPL","needs":[],"reason":"trade request"}`}}
	reasoner := &scriptedModel{replies: []string{
		"You could buy 10 AAPL at market.",
		"Rewritten: consider waiting out the wash-sale window before buying AAPL.",
	}}
	critic := risk.NewManager(&scriptedModel{replies: []string{approvedVerdict}}, config.RiskConfig{})

	o := New(Options{
		Config:   &config.Config{},
		Router:   router,
		Reasoner: reasoner,
		Critic:   critic,
	})

	ans, err := o.Run(context.Background(), Request{
		Query: "Buy 10 AAPL",
		RecentTrades: []risk.RecentTrade{{
			Ticker:    "AAPL",
			Side:      "sell",
			PnL:       decimal.NewFromInt(-50),
			Timestamp: time.Now().AddDate(0, 0, -10),
		}},
	})
	require.NoError(t, err)

	assert.Equal(t, risk.StatusBlocked, ans.Verdict.Status)
	assert.Contains(t, ans.Content, "⚠️")
	assert.Contains(t, ans.Content, "[ACTION_REQUIRED:TRADE_APPROVAL]")
	assert.LessOrEqual(t, ans.ACEScore, 0.2)
	assert.Len(t, ans.DebateTrace, 2, "one rebuttal turn was spent")
}

func TestRunDebateResolvedOnRebuttal(t *testing.T) {
	router := &scriptedModel{replies: []string{`{"type":"market_analysis","ticker":"MSFT","needs":[],"reason":"analysis"}`}}
	reasoner := &scriptedModel{replies: []string{
		"Concentrate the portfolio into MSFT.",
		"Diversified plan: cap MSFT at a reasonable weight.",
	}}
	critic := risk.NewManager(&scriptedModel{replies: []string{
		`{"status":"Flagged","confidence":0.6,"risk_assessment":"Concentration risk.","debate_refutation":"Single-name concentration is excessive.","requires_human_approval":false}`,
		`{"status":"Approved","confidence":0.8,"risk_assessment":"Concern addressed by the cap.","debate_refutation":"concentration concern addressed","requires_human_approval":false}`,
	}}, config.RiskConfig{})

	o := New(Options{Config: &config.Config{}, Router: router, Reasoner: reasoner, Critic: critic})

	ans, err := o.Run(context.Background(), Request{Query: "How should I allocate to MSFT?"})
	require.NoError(t, err)

	assert.Equal(t, risk.StatusApproved, ans.Verdict.Status)
	require.Len(t, ans.DebateTrace, 2)
	// 1.0 - 0.1 turn penalty + 0.05 resolution bonus.
	assert.InDelta(t, 0.95, ans.ACEScore, 1e-9)
	assert.Contains(t, ans.Content, "Diversified plan")
}

func TestExtractTrade(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  *risk.TradeIntent
	}{
		{"simple buy", "Buy 10 AAPL", &risk.TradeIntent{Ticker: "AAPL", Side: "buy", Qty: decimal.NewFromInt(10)}},
		{"sell with shares of", "please sell 2.5 shares of TSLA today", &risk.TradeIntent{Ticker: "TSLA", Side: "sell", Qty: decimal.NewFromFloat(2.5)}},
		{"dollar marker", "buy 3 $VOD", &risk.TradeIntent{Ticker: "VOD.L", Side: "buy", Qty: decimal.NewFromInt(3)}},
		{"no trade", "What's AAPL trading at?", nil},
		{"no quantity", "should I buy AAPL?", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := extractTrade(tt.query, nil)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.want.Ticker, got.Ticker)
			assert.Equal(t, tt.want.Side, got.Side)
			assert.True(t, tt.want.Qty.Equal(got.Qty))
		})
	}
}

func TestExtractTradePriceFromContext(t *testing.T) {
	mc := market.NewMarketContext(market.IntentMarketAnalysis, "AAPL")
	mc.Price = &market.PriceData{Ticker: "AAPL", CurrentPrice: decimal.NewFromInt(150)}

	got := extractTrade("Buy 100 AAPL", mc)
	require.NotNil(t, got)
	assert.True(t, decimal.NewFromInt(15000).Equal(got.Value()))
}
