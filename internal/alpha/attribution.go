package alpha

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/alphadeskhq/alphadesk/internal/bus"
	"github.com/alphadeskhq/alphadesk/internal/config"
	"github.com/alphadeskhq/alphadesk/internal/metrics"
)

// DefaultAttributionDelay gives the telemetry batch writer time to land
// the session's rows before attribution reads them.
const DefaultAttributionDelay = 2 * time.Second

// History resolves the bus messages recorded for one correlation ID.
type History func(correlationID string) []*bus.Message

// Attributor scores finished sessions against forward returns: entry is
// the latest close at or before the session start, returns are taken from
// the first closes one and five days out.
type Attributor struct {
	store   Store
	history History
	delay   time.Duration
	log     zerolog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewAttributor creates the attribution job runner. delay <= 0 selects the
// default.
func NewAttributor(store Store, history History, delay time.Duration) *Attributor {
	if delay <= 0 {
		delay = DefaultAttributionDelay
	}
	return &Attributor{
		store:   store,
		history: history,
		delay:   delay,
		log:     config.NewLogger("attribution"),
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Schedule runs attribution for one session in the background after the
// configured delay. t0 is the orchestrator start time.
func (a *Attributor) Schedule(ctx context.Context, correlationID string, t0 time.Time) {
	go func() {
		if err := a.sleep(ctx, a.delay); err != nil {
			return
		}
		err := a.Run(ctx, correlationID, t0)
		metrics.RecordAttribution(err)
		if err != nil {
			a.log.Warn().Err(err).Str("correlation_id", correlationID).Msg("Attribution failed")
		}
	}()
}

// Run performs one attribution synchronously.
func (a *Attributor) Run(ctx context.Context, correlationID string, t0 time.Time) error {
	ticker := a.tickerFor(correlationID)
	if ticker == "" {
		return fmt.Errorf("no context_fabricated event for %s", correlationID)
	}

	entry, ok, err := a.store.LatestCloseAtOrBefore(ctx, ticker, t0)
	if err != nil {
		return err
	}
	if !ok || entry == 0 {
		return fmt.Errorf("no entry price for %s at %s", ticker, t0)
	}

	p1, ok1, err := a.store.FirstCloseAtOrAfter(ctx, ticker, t0.Add(24*time.Hour))
	if err != nil {
		return err
	}
	p5, ok5, err := a.store.FirstCloseAtOrAfter(ctx, ticker, t0.Add(5*24*time.Hour))
	if err != nil {
		return err
	}

	row := PerformanceRow{
		CorrelationID: correlationID,
		Ticker:        ticker,
		EntryPrice:    entry,
		Timestamp:     time.Now().UTC(),
	}
	if ok1 {
		row.Return1D = (p1 - entry) / entry
	}
	if ok5 {
		row.Return5D = (p5 - entry) / entry
	}

	if err := a.store.UpsertPerformance(ctx, row); err != nil {
		return err
	}
	a.log.Debug().Str("ticker", ticker).Str("correlation_id", correlationID).
		Float64("entry", entry).Float64("return_1d", row.Return1D).Float64("return_5d", row.Return5D).
		Msg("Session attributed")
	return nil
}

// tickerFor reads the ticker from the session's context_fabricated event.
func (a *Attributor) tickerFor(correlationID string) string {
	if a.history == nil {
		return ""
	}
	for _, msg := range a.history(correlationID) {
		if msg.Subject != bus.SubjectContextFabricated {
			continue
		}
		if ticker, ok := msg.Payload["ticker"].(string); ok && ticker != "" {
			return ticker
		}
	}
	return ""
}
