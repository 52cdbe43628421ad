// Package alpha persists specialist telemetry and scores it against
// forward returns: every reasoning session is attributed the 1-day and
// 5-day return of the instrument it analyzed, so specialist value can be
// measured instead of assumed.
package alpha

import (
	"context"
	"time"

	"github.com/alphadeskhq/alphadesk/internal/market"
)

// OrchestratorName is excluded from specialist aggregation; it fronts the
// session rather than contributing analysis.
const OrchestratorName = "Orchestrator"

// TelemetryRow is one persisted agent event.
type TelemetryRow struct {
	ID            string    `db:"id"`
	CorrelationID string    `db:"correlation_id"`
	AgentName     string    `db:"agent_name"`
	Subject       string    `db:"subject"`
	PayloadJSON   string    `db:"payload_json"`
	Timestamp     time.Time `db:"timestamp"`
}

// PerformanceRow is the forward-return attribution of one session.
type PerformanceRow struct {
	CorrelationID string    `db:"correlation_id"`
	Ticker        string    `db:"ticker"`
	EntryPrice    float64   `db:"entry_price"`
	Return1D      float64   `db:"return_1d"`
	Return5D      float64   `db:"return_5d"`
	Timestamp     time.Time `db:"timestamp"`
}

// SpecialistAlpha aggregates attributed returns for one specialist.
type SpecialistAlpha struct {
	Avg1D         float64 `json:"avg_1d"`
	Avg5D         float64 `json:"avg_5d"`
	TotalSessions int     `json:"total_sessions"`
}

// Metrics is the answer to "which agents are worth their latency".
type Metrics struct {
	Avg1D         float64                    `json:"avg_1d"`
	Avg5D         float64                    `json:"avg_5d"`
	TotalSessions int                        `json:"total_sessions"`
	Specialists   map[string]SpecialistAlpha `json:"specialists"`
}

// Store is the append-only OLAP contract. ClickHouseStore is the
// production implementation; MemoryStore serves tests and store-less
// deployments.
type Store interface {
	// Migrate creates the tables if they do not exist.
	Migrate(ctx context.Context) error

	// SaveBars upserts OHLCV history keyed (ticker, timestamp).
	SaveBars(ctx context.Context, ticker string, bars []market.Bar) error

	// LatestCloseAtOrBefore returns the most recent close at or before t.
	LatestCloseAtOrBefore(ctx context.Context, ticker string, t time.Time) (float64, bool, error)

	// FirstCloseAtOrAfter returns the earliest close at or after t.
	FirstCloseAtOrAfter(ctx context.Context, ticker string, t time.Time) (float64, bool, error)

	// SaveTelemetry appends agent telemetry rows.
	SaveTelemetry(ctx context.Context, rows []TelemetryRow) error

	// UpsertPerformance writes one attribution row keyed by correlation ID.
	UpsertPerformance(ctx context.Context, row PerformanceRow) error

	// AgentAlphaMetrics aggregates attributed returns, optionally filtered
	// by ticker (empty means all).
	AgentAlphaMetrics(ctx context.Context, ticker string) (*Metrics, error)

	// Close releases the underlying connections.
	Close() error
}
