package alpha

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alphadeskhq/alphadesk/internal/bus"
	"github.com/alphadeskhq/alphadesk/internal/market"
)

func barAt(t time.Time, close float64) market.Bar {
	return market.Bar{
		Timestamp: t.UnixMilli(),
		Open:      decimal.NewFromFloat(close),
		High:      decimal.NewFromFloat(close),
		Low:       decimal.NewFromFloat(close),
		Close:     decimal.NewFromFloat(close),
		Volume:    decimal.NewFromInt(1000),
	}
}

func TestMemoryStoreBarUpserts(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	t0 := time.Date(2025, 6, 2, 16, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveBars(ctx, "AAPL", []market.Bar{barAt(t0, 150)}))
	// Same timestamp again replaces, it does not duplicate.
	require.NoError(t, s.SaveBars(ctx, "AAPL", []market.Bar{barAt(t0, 151)}))

	price, ok, err := s.LatestCloseAtOrBefore(ctx, "AAPL", t0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 151.0, price)

	_, ok, err = s.LatestCloseAtOrBefore(ctx, "AAPL", t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	price, ok, err = s.FirstCloseAtOrAfter(ctx, "AAPL", t0.Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 151.0, price)
}

func TestAttributionScoresForwardReturns(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	t0 := time.Date(2025, 6, 2, 16, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveBars(ctx, "AAPL", []market.Bar{
		barAt(t0, 150),
		barAt(t0.Add(24*time.Hour), 160),
		barAt(t0.Add(5*24*time.Hour), 180),
	}))

	history := func(correlationID string) []*bus.Message {
		return []*bus.Message{
			bus.NewMessage("Orchestrator", bus.Broadcast, bus.SubjectContextFabricated,
				map[string]any{"ticker": "AAPL"}).WithCorrelationID(correlationID),
		}
	}

	a := NewAttributor(s, history, time.Millisecond)
	require.NoError(t, a.Run(ctx, "corr-1", t0))

	row, ok := s.Performance("corr-1")
	require.True(t, ok)
	assert.Equal(t, "AAPL", row.Ticker)
	assert.Equal(t, 150.0, row.EntryPrice)
	assert.InDelta(t, 0.0667, row.Return1D, 0.001)
	assert.InDelta(t, 0.20, row.Return5D, 0.0001)
}

func TestAttributionWithoutFabricationEvent(t *testing.T) {
	s := NewMemoryStore()
	a := NewAttributor(s, func(string) []*bus.Message { return nil }, time.Millisecond)
	err := a.Run(context.Background(), "corr-x", time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "context_fabricated")
}

func TestAgentAlphaMetricsAggregates(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.SaveTelemetry(ctx, []TelemetryRow{
		{ID: "1", CorrelationID: "corr-1", AgentName: "QuantAgent", Subject: "agent_complete", Timestamp: now},
		{ID: "2", CorrelationID: "corr-1", AgentName: "ForecastingAgent", Subject: "agent_complete", Timestamp: now},
		{ID: "3", CorrelationID: "corr-1", AgentName: OrchestratorName, Subject: "agent_complete", Timestamp: now},
		{ID: "4", CorrelationID: "corr-2", AgentName: "QuantAgent", Subject: "agent_complete", Timestamp: now},
	}))

	require.NoError(t, s.UpsertPerformance(ctx, PerformanceRow{
		CorrelationID: "corr-1", Ticker: "AAPL", EntryPrice: 150, Return1D: 0.0667, Return5D: 0.20, Timestamp: now,
	}))
	require.NoError(t, s.UpsertPerformance(ctx, PerformanceRow{
		CorrelationID: "corr-2", Ticker: "TSLA", EntryPrice: 200, Return1D: -0.01, Return5D: 0.05, Timestamp: now,
	}))

	all, err := s.AgentAlphaMetrics(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, all.TotalSessions)
	assert.InDelta(t, (0.0667-0.01)/2, all.Avg1D, 0.0001)
	assert.NotContains(t, all.Specialists, OrchestratorName)

	quant := all.Specialists["QuantAgent"]
	assert.Equal(t, 2, quant.TotalSessions)
	forecast := all.Specialists["ForecastingAgent"]
	assert.Equal(t, 1, forecast.TotalSessions)
	assert.InDelta(t, 0.0667, forecast.Avg1D, 0.0001)

	aapl, err := s.AgentAlphaMetrics(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 1, aapl.TotalSessions)
	assert.InDelta(t, 0.0667, aapl.Avg1D, 0.0001)
	assert.InDelta(t, 0.20, aapl.Avg5D, 0.0001)
}

func TestTelemetryWriterFlushesBySize(t *testing.T) {
	s := NewMemoryStore()
	w := NewTelemetryWriter(s, 3, time.Hour)
	defer w.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		w.RecordTelemetry(ctx, market.Telemetry{
			AgentName:     "QuantAgent",
			CorrelationID: "corr-1",
			LatencyMS:     int64(i),
			Timestamp:     time.Now(),
		})
	}

	require.Eventually(t, func() bool { return s.TelemetryCount() == 3 },
		time.Second, 10*time.Millisecond)
}

func TestTelemetryWriterFlushesOnClose(t *testing.T) {
	s := NewMemoryStore()
	w := NewTelemetryWriter(s, 100, time.Hour)

	w.RecordTelemetry(context.Background(), market.Telemetry{
		AgentName: "QuantAgent", CorrelationID: "corr-1", Timestamp: time.Now(),
	})
	require.NoError(t, w.Close())
	assert.Equal(t, 1, s.TelemetryCount())
}
