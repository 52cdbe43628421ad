package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/alphadeskhq/alphadesk/internal/agent/fault"
)

func TestRecordAgentRun(t *testing.T) {
	tests := []struct {
		name       string
		agent      string
		status     string
		durationMs float64
	}{
		{"quant success", "QuantAgent", RunStatusSuccess, 320.5},
		{"forecast timeout", "ForecastAgent", RunStatusTimeout, 10000},
		{"portfolio cached", "PortfolioAgent", RunStatusCached, 1.2},
		{"disabled agent", "WhaleAgent", RunStatusDisabled, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				RecordAgentRun(tt.agent, tt.status, tt.durationMs)
			})
		})
	}
}

func TestRecordProviderCallMapsFaultKind(t *testing.T) {
	before := testutil.ToFloat64(ProviderCalls.WithLabelValues("quote", "primary", "timeout"))

	RecordProviderCall("quote", "primary", fault.Wrap(fault.ErrTimeout, "deadline hit"))

	after := testutil.ToFloat64(ProviderCalls.WithLabelValues("quote", "primary", "timeout"))
	assert.Equal(t, before+1, after)
}

func TestRecordErrorBoundedKinds(t *testing.T) {
	before := testutil.ToFloat64(Errors.WithLabelValues("error", "fabricator"))

	// Unclassified errors collapse into the generic bucket.
	RecordError("fabricator", errors.New("something odd"))

	after := testutil.ToFloat64(Errors.WithLabelValues("error", "fabricator"))
	assert.Equal(t, before+1, after)

	assert.NotPanics(t, func() { RecordError("fabricator", nil) })
}

func TestRecordCacheLookupHitRate(t *testing.T) {
	assert.NotPanics(t, func() {
		RecordCacheLookup("quote", CacheHit)
		RecordCacheLookup("quote", CacheMiss)
		RecordCacheLookup("fundamentals", CacheStale)
	})

	rate := testutil.ToFloat64(CacheHitRate)
	assert.Greater(t, rate, 0.0)
	assert.LessOrEqual(t, rate, 1.0)
}

func TestRecordRecovery(t *testing.T) {
	before := testutil.ToFloat64(RecoveryAttempts.WithLabelValues(RecoveryTierSearch, "recovered"))

	RecordRecovery(RecoveryTierSearch, true)
	RecordRecovery(RecoveryTierRepair, false)

	after := testutil.ToFloat64(RecoveryAttempts.WithLabelValues(RecoveryTierSearch, "recovered"))
	assert.Equal(t, before+1, after)
}

func TestRecordToolCallDisposition(t *testing.T) {
	before := testutil.ToFloat64(ToolCalls.WithLabelValues("execute_trade", "intercepted"))

	RecordToolCall("execute_trade", true)
	RecordToolCall("get_stock_quote", false)

	after := testutil.ToFloat64(ToolCalls.WithLabelValues("execute_trade", "intercepted"))
	assert.Equal(t, before+1, after)
}

func TestRecordTelemetryFlush(t *testing.T) {
	writesBefore := testutil.ToFloat64(TelemetryWrites)

	RecordTelemetryFlush(25, nil)
	RecordTelemetryFlush(10, errors.New("connection refused"))

	writesAfter := testutil.ToFloat64(TelemetryWrites)
	assert.Equal(t, writesBefore+25, writesAfter, "failed flushes do not count rows")
}

func TestRecordHelpersDoNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		SetAgentConfidence("QuantAgent", 0.85)
		RecordLLMRequest("qwen2.5-3b-instruct", "routing", 150)
		RecordLLMParseFailure("qwen2.5-3b-instruct")
		RecordBusMessage("agent_started")
		RecordBusDrop(DropUnknownRecipient)
		RecordUnitCorrection("scaled_down")
		RecordRiskVerdict("Flagged")
		RecordConsensusScore(0.72)
		RecordOrchestratorRun("market_analysis", RunStatusSuccess, 4200)
		RecordAttribution(nil)
		RecordStoreQuery("upsert_ohlcv", 12.5)
		RecordAuditRecord("final_recommendation", true, 3.1)
	})
}
