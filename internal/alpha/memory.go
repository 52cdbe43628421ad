package alpha

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alphadeskhq/alphadesk/internal/market"
)

// MemoryStore keeps the alpha tables in process memory with the same
// semantics as the ClickHouse store: (ticker, timestamp) upserts for bars,
// correlation-ID upserts for performance.
type MemoryStore struct {
	mu          sync.RWMutex
	bars        map[string][]market.Bar // sorted ascending by timestamp
	telemetry   []TelemetryRow
	performance map[string]PerformanceRow
}

// NewMemoryStore creates an empty in-memory alpha store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bars:        make(map[string][]market.Bar),
		performance: make(map[string]PerformanceRow),
	}
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }
func (s *MemoryStore) Close() error                  { return nil }

func (s *MemoryStore) SaveBars(_ context.Context, ticker string, bars []market.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	ticker = market.NormalizeTicker(ticker)

	s.mu.Lock()
	defer s.mu.Unlock()

	byTS := make(map[int64]market.Bar, len(s.bars[ticker])+len(bars))
	for _, b := range s.bars[ticker] {
		byTS[b.Timestamp] = b
	}
	for _, b := range bars {
		byTS[b.Timestamp] = b
	}

	merged := make([]market.Bar, 0, len(byTS))
	for _, b := range byTS {
		merged = append(merged, b)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Timestamp < merged[j].Timestamp })
	s.bars[ticker] = merged
	return nil
}

func (s *MemoryStore) LatestCloseAtOrBefore(_ context.Context, ticker string, t time.Time) (float64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := t.UnixMilli()
	series := s.bars[market.NormalizeTicker(ticker)]
	for i := len(series) - 1; i >= 0; i-- {
		if series[i].Timestamp <= cutoff {
			return series[i].Close.InexactFloat64(), true, nil
		}
	}
	return 0, false, nil
}

func (s *MemoryStore) FirstCloseAtOrAfter(_ context.Context, ticker string, t time.Time) (float64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := t.UnixMilli()
	for _, b := range s.bars[market.NormalizeTicker(ticker)] {
		if b.Timestamp >= cutoff {
			return b.Close.InexactFloat64(), true, nil
		}
	}
	return 0, false, nil
}

func (s *MemoryStore) SaveTelemetry(_ context.Context, rows []TelemetryRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.telemetry = append(s.telemetry, rows...)
	return nil
}

func (s *MemoryStore) UpsertPerformance(_ context.Context, row PerformanceRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.performance[row.CorrelationID] = row
	return nil
}

// TelemetryCount reports stored telemetry rows; used by flush tests.
func (s *MemoryStore) TelemetryCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.telemetry)
}

// Performance returns the attribution row for a correlation ID.
func (s *MemoryStore) Performance(correlationID string) (PerformanceRow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.performance[correlationID]
	return row, ok
}

func (s *MemoryStore) AgentAlphaMetrics(_ context.Context, ticker string) (*Metrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if ticker != "" {
		ticker = market.NormalizeTicker(ticker)
	}

	// Specialists seen per session, from agent_complete telemetry.
	sessionAgents := make(map[string]map[string]bool)
	for _, row := range s.telemetry {
		if row.Subject != "agent_complete" || row.AgentName == OrchestratorName {
			continue
		}
		if sessionAgents[row.CorrelationID] == nil {
			sessionAgents[row.CorrelationID] = make(map[string]bool)
		}
		sessionAgents[row.CorrelationID][row.AgentName] = true
	}

	out := &Metrics{Specialists: make(map[string]SpecialistAlpha)}
	perAgent := make(map[string]*struct {
		sum1, sum5 float64
		sessions   int
	})

	for correlationID, row := range s.performance {
		if ticker != "" && row.Ticker != ticker {
			continue
		}
		out.Avg1D += row.Return1D
		out.Avg5D += row.Return5D
		out.TotalSessions++

		for agent := range sessionAgents[correlationID] {
			acc := perAgent[agent]
			if acc == nil {
				acc = &struct {
					sum1, sum5 float64
					sessions   int
				}{}
				perAgent[agent] = acc
			}
			acc.sum1 += row.Return1D
			acc.sum5 += row.Return5D
			acc.sessions++
		}
	}

	if out.TotalSessions > 0 {
		out.Avg1D /= float64(out.TotalSessions)
		out.Avg5D /= float64(out.TotalSessions)
	}
	for agent, acc := range perAgent {
		out.Specialists[agent] = SpecialistAlpha{
			Avg1D:         acc.sum1 / float64(acc.sessions),
			Avg5D:         acc.sum5 / float64(acc.sessions),
			TotalSessions: acc.sessions,
		}
	}
	return out, nil
}
