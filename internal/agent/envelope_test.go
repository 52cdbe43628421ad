package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alphadeskhq/alphadesk/internal/agent/fault"
	"github.com/alphadeskhq/alphadesk/internal/bus"
	"github.com/alphadeskhq/alphadesk/internal/cache"
	"github.com/alphadeskhq/alphadesk/internal/config"
	"github.com/alphadeskhq/alphadesk/internal/market"
)

// stubSpecialist is a configurable fake specialist.
type stubSpecialist struct {
	name    string
	timeout time.Duration
	ttl     time.Duration
	key     string
	analyze func(ctx context.Context, input map[string]any) (map[string]any, error)

	mu    sync.Mutex
	calls int
}

func (s *stubSpecialist) Name() string                   { return s.name }
func (s *stubSpecialist) Timeout() time.Duration         { return s.timeout }
func (s *stubSpecialist) CacheTTL() time.Duration        { return s.ttl }
func (s *stubSpecialist) CacheKey(map[string]any) string { return s.key }
func (s *stubSpecialist) callCount() int                 { s.mu.Lock(); defer s.mu.Unlock(); return s.calls }
func (s *stubSpecialist) Analyze(ctx context.Context, input map[string]any) (map[string]any, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.analyze(ctx, input)
}

// recordingSink captures telemetry records.
type recordingSink struct {
	mu      sync.Mutex
	records []market.Telemetry
}

func (s *recordingSink) RecordTelemetry(_ context.Context, t market.Telemetry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, t)
}

func (s *recordingSink) all() []market.Telemetry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]market.Telemetry(nil), s.records...)
}

func testBus(t *testing.T) (*bus.Bus, func(correlationID string) []*bus.Message) {
	t.Helper()
	b := bus.New()
	t.Cleanup(b.Close)
	return b, b.History
}

func TestEnvelopeSuccessEmitsLifecycle(t *testing.T) {
	b, history := testBus(t)
	sink := &recordingSink{}
	spec := &stubSpecialist{
		name: "QuantAgent",
		key:  "QuantAgent:AAPL",
		analyze: func(context.Context, map[string]any) (map[string]any, error) {
			return map[string]any{"signal": "Buy"}, nil
		},
	}

	env := NewEnvelope(spec, cache.NewMemory(), b, sink, nil)
	ctx := WithCorrelationID(context.Background(), "corr-1")
	resp := env.Execute(ctx, map[string]any{"ticker": "AAPL"})

	require.True(t, resp.Success)
	assert.Equal(t, "QuantAgent", resp.AgentName)
	assert.Equal(t, "Buy", resp.Data["signal"])
	assert.False(t, resp.Cached)
	assert.GreaterOrEqual(t, resp.LatencyMS, int64(0))
	require.NotNil(t, resp.Telemetry)
	assert.Equal(t, "corr-1", resp.Telemetry.CorrelationID)

	require.Len(t, sink.all(), 1)

	msgs := history("corr-1")
	require.Len(t, msgs, 2)
	assert.Equal(t, bus.SubjectAgentStarted, msgs[0].Subject)
	assert.Equal(t, bus.SubjectAgentComplete, msgs[1].Subject)
	assert.Equal(t, true, msgs[1].Payload["success"])
}

func TestEnvelopeCacheHitSkipsAnalyze(t *testing.T) {
	b, _ := testBus(t)
	spec := &stubSpecialist{
		name: "QuantAgent",
		key:  "QuantAgent:AAPL",
		analyze: func(context.Context, map[string]any) (map[string]any, error) {
			return map[string]any{"signal": "Buy"}, nil
		},
	}

	env := NewEnvelope(spec, cache.NewMemory(), b, nil, nil)
	ctx := context.Background()

	first := env.Execute(ctx, map[string]any{"ticker": "AAPL"})
	require.True(t, first.Success)
	assert.False(t, first.Cached)

	second := env.Execute(ctx, map[string]any{"ticker": "AAPL"})
	require.True(t, second.Success)
	assert.True(t, second.Cached)
	assert.Equal(t, "Buy", second.Data["signal"])
	assert.Equal(t, 1, spec.callCount(), "cache hit must not re-run the specialist")
}

func TestEnvelopeTimeout(t *testing.T) {
	b, _ := testBus(t)
	spec := &stubSpecialist{
		name:    "ForecastingAgent",
		timeout: 30 * time.Millisecond,
		analyze: func(ctx context.Context, _ map[string]any) (map[string]any, error) {
			select {
			case <-time.After(time.Second):
				return map[string]any{}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}

	env := NewEnvelope(spec, cache.NewMemory(), b, nil, nil)
	resp := env.Execute(context.Background(), map[string]any{})

	require.False(t, resp.Success)
	assert.Equal(t, "timeout", resp.Error)
}

func TestEnvelopeContainsPanic(t *testing.T) {
	b, history := testBus(t)
	spec := &stubSpecialist{
		name: "MathGeneratorAgent",
		analyze: func(context.Context, map[string]any) (map[string]any, error) {
			panic("division by zero")
		},
	}

	env := NewEnvelope(spec, cache.NewMemory(), b, nil, nil)
	ctx := WithCorrelationID(context.Background(), "corr-panic")
	resp := env.Execute(ctx, map[string]any{})

	require.False(t, resp.Success)
	assert.Contains(t, resp.Error, "fatal_internal")

	msgs := history("corr-panic")
	require.Len(t, msgs, 2, "agent_complete still emitted after a panic")
	assert.Equal(t, false, msgs[1].Payload["success"])
}

func TestEnvelopeDisabledByConfig(t *testing.T) {
	b, _ := testBus(t)
	spec := &stubSpecialist{
		name: "SocialAgent",
		analyze: func(context.Context, map[string]any) (map[string]any, error) {
			return map[string]any{}, nil
		},
	}

	cfg := &config.Config{Agents: map[string]config.AgentConfig{
		"SocialAgent": {Enabled: false},
	}}
	env := NewEnvelope(spec, cache.NewMemory(), b, nil, cfg)
	resp := env.Execute(context.Background(), map[string]any{})

	require.False(t, resp.Success)
	assert.Equal(t, "disabled", resp.Error)
	assert.Equal(t, 0, spec.callCount())
}

func TestEnvelopeCacheTTLFromConfigDomain(t *testing.T) {
	cfg := &config.Config{Cache: config.CacheConfig{TTL: map[string]int{
		"quant":   60,
		"default": 300,
	}}}

	quant := NewEnvelope(&stubSpecialist{name: "QuantAgent"}, cache.NewMemory(), nil, nil, cfg)
	assert.Equal(t, 60*time.Second, quant.cacheTTL, "quant domain TTL comes from config")

	social := NewEnvelope(&stubSpecialist{name: "SocialAgent"}, cache.NewMemory(), nil, nil, cfg)
	assert.Equal(t, 300*time.Second, social.cacheTTL, "unlisted domains fall back to default")

	// A declared TTL and a per-agent override both beat the domain table.
	declared := NewEnvelope(&stubSpecialist{name: "QuantAgent", ttl: 2 * time.Minute}, cache.NewMemory(), nil, nil, cfg)
	assert.Equal(t, 2*time.Minute, declared.cacheTTL)

	cfg.Agents = map[string]config.AgentConfig{"QuantAgent": {Enabled: true, CacheTTLS: 120}}
	overridden := NewEnvelope(&stubSpecialist{name: "QuantAgent"}, cache.NewMemory(), nil, nil, cfg)
	assert.Equal(t, 120*time.Second, overridden.cacheTTL)
}

func TestEnvelopeErrorBecomesTypedResult(t *testing.T) {
	b, _ := testBus(t)
	spec := &stubSpecialist{
		name: "QuantAgent",
		analyze: func(context.Context, map[string]any) (map[string]any, error) {
			return nil, fault.Wrap(fault.ErrValidation, "need at least 50 bars, got 49")
		},
	}

	env := NewEnvelope(spec, cache.NewMemory(), b, nil, nil)
	resp := env.Execute(context.Background(), map[string]any{})

	require.False(t, resp.Success)
	assert.Contains(t, resp.Error, "validation_error")
	assert.NotEmpty(t, resp.Error, "failed responses always carry a non-empty error")
}

func TestRegistry(t *testing.T) {
	b, _ := testBus(t)
	mk := func(name string) *Envelope {
		return NewEnvelope(&stubSpecialist{
			name: name,
			analyze: func(context.Context, map[string]any) (map[string]any, error) {
				return map[string]any{}, nil
			},
		}, cache.NewMemory(), b, nil, nil)
	}

	r := NewRegistry().Add(mk("QuantAgent")).Add(mk("ForecastingAgent"))

	got, ok := r.Get("QuantAgent")
	require.True(t, ok)
	assert.Equal(t, "QuantAgent", got.Name())

	_, ok = r.Get("MissingAgent")
	assert.False(t, ok)

	assert.Equal(t, []string{"QuantAgent", "ForecastingAgent"}, r.Names())
}
