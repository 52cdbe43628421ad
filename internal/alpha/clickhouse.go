package alpha

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2" // clickhouse driver
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/alphadeskhq/alphadesk/internal/config"
	"github.com/alphadeskhq/alphadesk/internal/market"
	"github.com/alphadeskhq/alphadesk/internal/metrics"
)

// ClickHouseStore persists the alpha tables in ClickHouse. ReplacingMergeTree
// gives engine-native upserts on the sort key, which is exactly the
// append-mostly access pattern attribution has.
type ClickHouseStore struct {
	db  *sqlx.DB
	log zerolog.Logger
}

// NewClickHouseStore connects to ClickHouse and pings it.
func NewClickHouseStore(dsn string) (*ClickHouseStore, error) {
	db, err := sqlx.Open("clickhouse", dsn)
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	return &ClickHouseStore{db: db, log: config.NewLogger("alpha_store")}, nil
}

// Close releases the connection pool.
func (s *ClickHouseStore) Close() error { return s.db.Close() }

// Migrate creates the three alpha tables if absent.
func (s *ClickHouseStore) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ohlcv_history (
			ticker    String,
			timestamp DateTime64(3),
			open      Float64,
			high      Float64,
			low       Float64,
			close     Float64,
			volume    Float64
		) ENGINE = ReplacingMergeTree
		ORDER BY (ticker, timestamp)`,

		`CREATE TABLE IF NOT EXISTS agent_telemetry (
			id             String,
			correlation_id String,
			agent_name     String,
			subject        String,
			payload_json   String,
			timestamp      DateTime64(3)
		) ENGINE = MergeTree
		ORDER BY (correlation_id, timestamp)`,

		`CREATE TABLE IF NOT EXISTS agent_performance (
			correlation_id String,
			ticker         String,
			entry_price    Float64,
			return_1d      Float64,
			return_5d      Float64,
			timestamp      DateTime64(3)
		) ENGINE = ReplacingMergeTree(timestamp)
		ORDER BY correlation_id`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate alpha store: %w", err)
		}
	}
	s.log.Info().Msg("Alpha store tables ready")
	return nil
}

// SaveBars upserts OHLCV history in one prepared batch.
func (s *ClickHouseStore) SaveBars(ctx context.Context, ticker string, bars []market.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	ticker = market.NormalizeTicker(ticker)
	start := time.Now()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin bars batch: %w", err)
	}

	stmt, err := tx.Preparex(`
		INSERT INTO ohlcv_history
		(ticker, timestamp, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare bars insert: %w", err)
	}
	defer stmt.Close()

	for _, b := range bars {
		_, err = stmt.ExecContext(ctx,
			ticker,
			b.Time(),
			b.Open.InexactFloat64(),
			b.High.InexactFloat64(),
			b.Low.InexactFloat64(),
			b.Close.InexactFloat64(),
			b.Volume.InexactFloat64(),
		)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("insert bar: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit bars batch: %w", err)
	}
	metrics.RecordStoreQuery("save_bars", float64(time.Since(start).Milliseconds()))
	s.log.Debug().Str("ticker", ticker).Int("count", len(bars)).Msg("Saved bars")
	return nil
}

func (s *ClickHouseStore) LatestCloseAtOrBefore(ctx context.Context, ticker string, t time.Time) (float64, bool, error) {
	var price float64
	err := s.db.GetContext(ctx, &price, `
		SELECT close FROM ohlcv_history
		WHERE ticker = ? AND timestamp <= ?
		ORDER BY timestamp DESC
		LIMIT 1
	`, market.NormalizeTicker(ticker), t)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("latest close: %w", err)
	}
	return price, true, nil
}

func (s *ClickHouseStore) FirstCloseAtOrAfter(ctx context.Context, ticker string, t time.Time) (float64, bool, error) {
	var price float64
	err := s.db.GetContext(ctx, &price, `
		SELECT close FROM ohlcv_history
		WHERE ticker = ? AND timestamp >= ?
		ORDER BY timestamp ASC
		LIMIT 1
	`, market.NormalizeTicker(ticker), t)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("first close: %w", err)
	}
	return price, true, nil
}

// SaveTelemetry appends telemetry rows in one prepared batch.
func (s *ClickHouseStore) SaveTelemetry(ctx context.Context, rows []TelemetryRow) error {
	if len(rows) == 0 {
		return nil
	}
	start := time.Now()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin telemetry batch: %w", err)
	}

	stmt, err := tx.Preparex(`
		INSERT INTO agent_telemetry
		(id, correlation_id, agent_name, subject, payload_json, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare telemetry insert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		_, err = stmt.ExecContext(ctx,
			row.ID,
			row.CorrelationID,
			row.AgentName,
			row.Subject,
			row.PayloadJSON,
			row.Timestamp,
		)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("insert telemetry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit telemetry batch: %w", err)
	}
	metrics.RecordStoreQuery("save_telemetry", float64(time.Since(start).Milliseconds()))
	return nil
}

// UpsertPerformance writes one attribution row; ReplacingMergeTree keyed on
// correlation_id collapses repeat writes to the latest timestamp.
func (s *ClickHouseStore) UpsertPerformance(ctx context.Context, row PerformanceRow) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_performance
		(correlation_id, ticker, entry_price, return_1d, return_5d, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, row.CorrelationID, row.Ticker, row.EntryPrice, row.Return1D, row.Return5D, row.Timestamp)
	if err != nil {
		return fmt.Errorf("upsert performance: %w", err)
	}
	metrics.RecordStoreQuery("upsert_performance", float64(time.Since(start).Milliseconds()))
	return nil
}

// AgentAlphaMetrics joins telemetry with attribution and aggregates, once
// overall and once per specialist.
func (s *ClickHouseStore) AgentAlphaMetrics(ctx context.Context, ticker string) (*Metrics, error) {
	start := time.Now()
	filter := ""
	args := []any{}
	if ticker != "" {
		filter = "WHERE p.ticker = ?"
		args = append(args, market.NormalizeTicker(ticker))
	}

	out := &Metrics{Specialists: make(map[string]SpecialistAlpha)}

	var overall struct {
		Avg1D    float64 `db:"avg_1d"`
		Avg5D    float64 `db:"avg_5d"`
		Sessions uint64  `db:"total_sessions"`
	}
	err := s.db.GetContext(ctx, &overall, fmt.Sprintf(`
		SELECT
			avg(p.return_1d) AS avg_1d,
			avg(p.return_5d) AS avg_5d,
			count()          AS total_sessions
		FROM agent_performance FINAL AS p
		%s
	`, filter), args...)
	if err != nil {
		return nil, fmt.Errorf("aggregate performance: %w", err)
	}
	out.Avg1D = overall.Avg1D
	out.Avg5D = overall.Avg5D
	out.TotalSessions = int(overall.Sessions)
	if out.TotalSessions == 0 {
		out.Avg1D, out.Avg5D = 0, 0
		return out, nil
	}

	perFilter := "WHERE t.subject = 'agent_complete' AND t.agent_name != ?"
	perArgs := []any{OrchestratorName}
	if ticker != "" {
		perFilter += " AND p.ticker = ?"
		perArgs = append(perArgs, market.NormalizeTicker(ticker))
	}

	type specialistRow struct {
		AgentName string  `db:"agent_name"`
		Avg1D     float64 `db:"avg_1d"`
		Avg5D     float64 `db:"avg_5d"`
		Sessions  uint64  `db:"total_sessions"`
	}
	var rows []specialistRow
	err = s.db.SelectContext(ctx, &rows, fmt.Sprintf(`
		SELECT
			t.agent_name                    AS agent_name,
			avg(p.return_1d)                AS avg_1d,
			avg(p.return_5d)                AS avg_5d,
			count(DISTINCT t.correlation_id) AS total_sessions
		FROM agent_performance FINAL AS p
		INNER JOIN agent_telemetry AS t ON t.correlation_id = p.correlation_id
		%s
		GROUP BY t.agent_name
	`, perFilter), perArgs...)
	if err != nil {
		return nil, fmt.Errorf("aggregate specialists: %w", err)
	}

	for _, row := range rows {
		out.Specialists[row.AgentName] = SpecialistAlpha{
			Avg1D:         row.Avg1D,
			Avg5D:         row.Avg5D,
			TotalSessions: int(row.Sessions),
		}
	}
	metrics.RecordStoreQuery("alpha_metrics", float64(time.Since(start).Milliseconds()))
	return out, nil
}
