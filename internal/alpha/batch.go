package alpha

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/alphadeskhq/alphadesk/internal/config"
	"github.com/alphadeskhq/alphadesk/internal/market"
	"github.com/alphadeskhq/alphadesk/internal/metrics"
)

// Batch writer defaults.
const (
	DefaultBatchSize     = 100
	DefaultFlushInterval = 5 * time.Second
	flushTimeout         = 30 * time.Second
)

// TelemetryWriter buffers envelope telemetry and writes it to the store in
// batches, by size or by interval, whichever comes first. Recording never
// blocks the analysis hot path; a flush failure drops the batch and is
// surfaced through logs and metrics only.
type TelemetryWriter struct {
	store Store
	log   zerolog.Logger

	mu     sync.Mutex
	buffer []TelemetryRow

	maxBatch int
	ticker   *time.Ticker
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewTelemetryWriter starts a batch writer flushing to store.
func NewTelemetryWriter(store Store, maxBatch int, interval time.Duration) *TelemetryWriter {
	if maxBatch <= 0 {
		maxBatch = DefaultBatchSize
	}
	if interval <= 0 {
		interval = DefaultFlushInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &TelemetryWriter{
		store:    store,
		log:      config.NewLogger("telemetry_writer"),
		buffer:   make([]TelemetryRow, 0, maxBatch),
		maxBatch: maxBatch,
		ticker:   time.NewTicker(interval),
		cancel:   cancel,
	}

	w.wg.Add(1)
	go w.autoFlush(ctx)
	return w
}

// RecordTelemetry buffers one envelope execution record. Satisfies the
// envelope's telemetry sink.
func (w *TelemetryWriter) RecordTelemetry(_ context.Context, t market.Telemetry) {
	payload, err := json.Marshal(t)
	if err != nil {
		w.log.Warn().Err(err).Str("agent", t.AgentName).Msg("Telemetry record not serializable, dropped")
		return
	}

	row := TelemetryRow{
		ID:            uuid.NewString(),
		CorrelationID: t.CorrelationID,
		AgentName:     t.AgentName,
		Subject:       "agent_complete",
		PayloadJSON:   string(payload),
		Timestamp:     t.Timestamp,
	}

	w.mu.Lock()
	w.buffer = append(w.buffer, row)
	shouldFlush := len(w.buffer) >= w.maxBatch
	w.mu.Unlock()

	if shouldFlush {
		w.flush()
	}
}

func (w *TelemetryWriter) autoFlush(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-w.ticker.C:
			w.flush()
		case <-ctx.Done():
			w.flush()
			return
		}
	}
}

func (w *TelemetryWriter) flush() {
	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return
	}
	toWrite := make([]TelemetryRow, len(w.buffer))
	copy(toWrite, w.buffer)
	w.buffer = w.buffer[:0]
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	err := w.store.SaveTelemetry(ctx, toWrite)
	metrics.RecordTelemetryFlush(len(toWrite), err)
	if err != nil {
		w.log.Error().Err(err).Int("rows", len(toWrite)).Msg("Telemetry flush failed, batch dropped")
		return
	}
	w.log.Debug().Int("rows", len(toWrite)).Msg("Telemetry flushed")
}

// Close stops the writer after a final flush.
func (w *TelemetryWriter) Close() error {
	w.ticker.Stop()
	w.cancel()
	w.wg.Wait()
	return nil
}
