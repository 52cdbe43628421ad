package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/alphadeskhq/alphadesk/internal/agent/fault"
)

// Bounded cardinality constants for metric labels.
// These ensure metrics don't have unbounded label values which can cause memory issues.
const (
	// Agent run outcomes (bounded set)
	RunStatusSuccess  = "success"
	RunStatusCached   = "cached"
	RunStatusTimeout  = "timeout"
	RunStatusError    = "error"
	RunStatusDisabled = "disabled"

	// Cache lookup outcomes (bounded set)
	CacheHit   = "hit"
	CacheMiss  = "miss"
	CacheStale = "stale"

	// Bus drop reasons (bounded set)
	DropUnknownRecipient = "unknown_recipient"
	DropGovernanceDenied = "governance_denied"
	DropBusClosed        = "bus_closed"

	// Recovery ladder tiers (bounded set)
	RecoveryTierNormalize = "normalize"
	RecoveryTierSearch    = "instrument_search"
	RecoveryTierRepair    = "llm_repair"
)

// Agent Activity Metrics
var (
	// Agent runs by outcome
	AgentRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alphadesk_agent_runs_total",
		Help: "Total number of agent runs by agent and outcome",
	}, []string{"agent", "status"})

	// Agent processing duration
	AgentDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "alphadesk_agent_duration_ms",
		Help:    "Agent analysis duration in milliseconds",
		Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
	}, []string{"agent"})

	// Agents currently executing
	ActiveAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "alphadesk_active_agents",
		Help: "Number of agents currently executing an analysis",
	})

	// Latest confidence reported per agent (0.0 to 1.0)
	AgentConfidence = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "alphadesk_agent_confidence",
		Help: "Latest agent confidence level (0.0 to 1.0)",
	}, []string{"agent"})
)

// LLM Metrics
var (
	// LLM requests by model and purpose
	LLMRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alphadesk_llm_requests_total",
		Help: "Total number of LLM requests by model and purpose",
	}, []string{"model", "purpose"})

	// LLM request duration
	LLMRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "alphadesk_llm_request_duration_ms",
		Help:    "LLM request duration in milliseconds",
		Buckets: []float64{100, 250, 500, 1000, 2500, 5000, 10000, 30000},
	})

	// LLM responses that failed structured parsing
	LLMParseFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alphadesk_llm_parse_failures_total",
		Help: "Total number of LLM responses that failed structured parsing",
	}, []string{"model"})
)

// Message Bus Metrics
var (
	// Messages accepted by the bus, by subject
	BusMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alphadesk_bus_messages_total",
		Help: "Total number of messages accepted by the bus, by subject",
	}, []string{"subject"})

	// Messages dropped before delivery
	BusDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alphadesk_bus_dropped_total",
		Help: "Total number of messages dropped before delivery, by reason",
	}, []string{"reason"})

	// Messages mirrored to NATS
	NATSMessagesMirrored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alphadesk_nats_messages_mirrored_total",
		Help: "Total number of bus messages mirrored to NATS",
	})
)

// Data Fabrication Metrics
var (
	// Provider fetches by chain, provider and outcome
	ProviderCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alphadesk_provider_calls_total",
		Help: "Total number of data provider fetches by chain, provider and outcome",
	}, []string{"chain", "provider", "status"})

	// Unit mismatches corrected during validation
	UnitCorrections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alphadesk_unit_corrections_total",
		Help: "Total number of unit mismatches corrected during cross-source validation",
	}, []string{"direction"})

	// Context fabrication latency
	FabricationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "alphadesk_fabrication_duration_ms",
		Help:    "Market context fabrication duration in milliseconds",
		Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000},
	})
)

// Risk and Consensus Metrics
var (
	// Risk verdicts by type
	RiskVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alphadesk_risk_verdicts_total",
		Help: "Total number of risk verdicts by type",
	}, []string{"verdict"})

	// Consensus entropy score distribution
	ConsensusScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "alphadesk_consensus_score",
		Help:    "Adjusted consensus entropy score distribution (0.0 to 1.0)",
		Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
	})

	// Debate rebuttal rounds
	DebateRebuttals = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alphadesk_debate_rebuttals_total",
		Help: "Total number of debate rebuttal rounds",
	})
)

// Orchestrator Metrics
var (
	// Completed runs by intent and outcome
	OrchestratorRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alphadesk_orchestrator_runs_total",
		Help: "Total number of orchestrator runs by intent and outcome",
	}, []string{"intent", "status"})

	// End-to-end run latency
	OrchestratorRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "alphadesk_orchestrator_run_duration_ms",
		Help:    "End-to-end orchestrator run duration in milliseconds",
		Buckets: []float64{500, 1000, 2500, 5000, 10000, 15000, 30000, 60000},
	})

	// Recovery ladder attempts by tier and outcome
	RecoveryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alphadesk_recovery_attempts_total",
		Help: "Total number of failure recovery attempts by tier and outcome",
	}, []string{"tier", "outcome"})

	// Tool invocations requested by the reasoning model
	ToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alphadesk_tool_calls_total",
		Help: "Total number of tool invocations by tool and disposition",
	}, []string{"tool", "disposition"})
)

// Alpha Store Metrics
var (
	// Telemetry rows accepted for persistence
	TelemetryWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alphadesk_telemetry_writes_total",
		Help: "Total number of telemetry rows accepted for persistence",
	})

	// Batch flushes by outcome
	TelemetryFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alphadesk_telemetry_flushes_total",
		Help: "Total number of telemetry batch flushes by outcome",
	}, []string{"status"})

	// Alpha attribution jobs by outcome
	AttributionRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alphadesk_attribution_runs_total",
		Help: "Total number of alpha attribution jobs by outcome",
	}, []string{"status"})

	// Store query duration
	StoreQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "alphadesk_store_query_duration_ms",
		Help:    "Alpha store query duration in milliseconds",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
	}, []string{"query_type"})
)

// Audit Metrics
var (
	// Audit records by event type and status
	AuditRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alphadesk_audit_records_total",
		Help: "Total number of audit records by event type and status",
	}, []string{"event_type", "status"})

	// Audit append latency
	AuditLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "alphadesk_audit_latency_ms",
		Help:    "Audit append latency in milliseconds",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
	})
)

// Cache Metrics
var (
	// Cache lookups by domain and outcome
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alphadesk_cache_lookups_total",
		Help: "Total number of cache lookups by key domain and outcome",
	}, []string{"domain", "outcome"})

	// Overall cache hit rate
	CacheHitRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "alphadesk_cache_hit_rate",
		Help: "Cache hit rate as a ratio (0.0 to 1.0)",
	})

	cacheHits   atomic.Int64
	cacheMisses atomic.Int64
)

// Errors by fault kind and component
var Errors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "alphadesk_errors_total",
	Help: "Total number of errors by fault kind and component",
}, []string{"kind", "component"})

// Helper functions to update metrics

// RecordAgentRun records a completed agent run
func RecordAgentRun(agent, status string, durationMs float64) {
	AgentRuns.WithLabelValues(agent, status).Inc()
	AgentDuration.WithLabelValues(agent).Observe(durationMs)
}

// SetAgentConfidence sets the latest confidence reported by an agent
func SetAgentConfidence(agent string, confidence float64) {
	AgentConfidence.WithLabelValues(agent).Set(confidence)
}

// RecordLLMRequest records an LLM request with duration
func RecordLLMRequest(model, purpose string, durationMs float64) {
	LLMRequests.WithLabelValues(model, purpose).Inc()
	LLMRequestDuration.Observe(durationMs)
}

// RecordLLMParseFailure records an LLM response that failed structured parsing
func RecordLLMParseFailure(model string) {
	LLMParseFailures.WithLabelValues(model).Inc()
}

// RecordBusMessage records a message accepted by the bus
func RecordBusMessage(subject string) {
	BusMessages.WithLabelValues(subject).Inc()
}

// RecordBusDrop records a message dropped before delivery
func RecordBusDrop(reason string) {
	BusDropped.WithLabelValues(reason).Inc()
}

// RecordProviderCall records a data provider fetch
func RecordProviderCall(chain, provider string, err error) {
	status := "success"
	if err != nil {
		status = fault.KindString(err)
	}
	if provider == "" {
		provider = "none"
	}
	ProviderCalls.WithLabelValues(chain, provider, status).Inc()
}

// RecordUnitCorrection records a corrected unit mismatch
func RecordUnitCorrection(direction string) {
	UnitCorrections.WithLabelValues(direction).Inc()
}

// RecordRiskVerdict records a risk verdict
func RecordRiskVerdict(verdict string) {
	RiskVerdicts.WithLabelValues(verdict).Inc()
}

// RecordConsensusScore records an adjusted consensus entropy score
func RecordConsensusScore(score float64) {
	ConsensusScore.Observe(score)
}

// RecordOrchestratorRun records a completed orchestrator run
func RecordOrchestratorRun(intent, status string, durationMs float64) {
	OrchestratorRuns.WithLabelValues(intent, status).Inc()
	OrchestratorRunDuration.Observe(durationMs)
}

// RecordRecovery records a failure recovery attempt
func RecordRecovery(tier string, recovered bool) {
	outcome := "failed"
	if recovered {
		outcome = "recovered"
	}
	RecoveryAttempts.WithLabelValues(tier, outcome).Inc()
}

// RecordToolCall records a tool invocation and whether it was intercepted
func RecordToolCall(tool string, intercepted bool) {
	disposition := "executed"
	if intercepted {
		disposition = "intercepted"
	}
	ToolCalls.WithLabelValues(tool, disposition).Inc()
}

// RecordTelemetryFlush records a telemetry batch flush
func RecordTelemetryFlush(rows int, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	TelemetryFlushes.WithLabelValues(status).Inc()
	if err == nil {
		TelemetryWrites.Add(float64(rows))
	}
}

// RecordAttribution records an alpha attribution job
func RecordAttribution(err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	AttributionRuns.WithLabelValues(status).Inc()
}

// RecordStoreQuery records an alpha store query
func RecordStoreQuery(queryType string, durationMs float64) {
	StoreQueryDuration.WithLabelValues(queryType).Observe(durationMs)
}

// RecordAuditRecord records an audit append
func RecordAuditRecord(eventType string, success bool, durationMs float64) {
	status := "success"
	if !success {
		status = "failure"
	}
	AuditRecords.WithLabelValues(eventType, status).Inc()
	AuditLatency.Observe(durationMs)
}

// RecordCacheLookup records a cache lookup and updates the hit rate
func RecordCacheLookup(domain, outcome string) {
	CacheLookups.WithLabelValues(domain, outcome).Inc()
	switch outcome {
	case CacheHit, CacheStale:
		cacheHits.Add(1)
	case CacheMiss:
		cacheMisses.Add(1)
	}
	hits, misses := cacheHits.Load(), cacheMisses.Load()
	if total := hits + misses; total > 0 {
		CacheHitRate.Set(float64(hits) / float64(total))
	}
}

// RecordError records an error with its bounded fault kind
func RecordError(component string, err error) {
	if err == nil {
		return
	}
	Errors.WithLabelValues(fault.KindString(err), component).Inc()
}
