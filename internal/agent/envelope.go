package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/alphadeskhq/alphadesk/internal/agent/fault"
	"github.com/alphadeskhq/alphadesk/internal/bus"
	"github.com/alphadeskhq/alphadesk/internal/cache"
	"github.com/alphadeskhq/alphadesk/internal/config"
	"github.com/alphadeskhq/alphadesk/internal/market"
	"github.com/alphadeskhq/alphadesk/internal/metrics"
)

// Envelope defaults applied when a specialist declares no override.
const (
	DefaultTimeout  = 10 * time.Second
	DefaultCacheTTL = 300 * time.Second
)

// Specialist is the single capability every analysis agent satisfies.
// Composition replaces inheritance: the envelope holds the specialist and
// is the only place that wraps it.
type Specialist interface {
	// Name identifies the specialist on the bus and in telemetry.
	Name() string

	// Timeout bounds one Analyze call. Zero means the envelope default.
	Timeout() time.Duration

	// CacheTTL bounds cached results. Zero means the envelope default.
	CacheTTL() time.Duration

	// CacheKey derives the cache key from the input. Empty disables
	// caching for that input.
	CacheKey(input map[string]any) string

	// Analyze performs the specialist's single analytical concern.
	Analyze(ctx context.Context, input map[string]any) (map[string]any, error)
}

// Response is the typed result every envelope execution produces.
// Failures never escape as errors or panics; they land here.
type Response struct {
	AgentName string            `json:"agent_name"`
	Success   bool              `json:"success"`
	Data      map[string]any    `json:"data,omitempty"`
	Error     string            `json:"error,omitempty"`
	LatencyMS int64             `json:"latency_ms"`
	Cached    bool              `json:"cached"`
	Telemetry *market.Telemetry `json:"telemetry,omitempty"`
}

// TelemetrySink receives one record per envelope execution. The alpha
// store's batch writer satisfies it; a nil sink is skipped.
type TelemetrySink interface {
	RecordTelemetry(ctx context.Context, t market.Telemetry)
}

// Envelope wraps one specialist with the uniform execution contract:
// disabled check, cache lookup, timed call, telemetry, bus events.
type Envelope struct {
	specialist Specialist
	cache      cache.Cache
	sender     bus.Sender
	sink       TelemetrySink
	log        zerolog.Logger

	enabled  bool
	timeout  time.Duration
	cacheTTL time.Duration
	now      func() time.Time
}

// NewEnvelope wraps a specialist. Config overrides beat the specialist's
// declared timeout and TTL; both fall back to envelope defaults. A missing
// config section leaves the specialist enabled.
func NewEnvelope(s Specialist, c cache.Cache, sender bus.Sender, sink TelemetrySink, cfg *config.Config) *Envelope {
	enabled := true
	timeout := s.Timeout()
	ttl := s.CacheTTL()

	if cfg != nil {
		if ac, ok := cfg.Agents[s.Name()]; ok {
			enabled = ac.Enabled
			if ac.TimeoutS > 0 {
				timeout = time.Duration(ac.TimeoutS) * time.Second
			}
			if ac.CacheTTLS > 0 {
				ttl = time.Duration(ac.CacheTTLS) * time.Second
			}
		}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if ttl <= 0 && cfg != nil {
		ttl = cfg.Cache.TTLFor(cacheDomain(s.Name()))
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}

	return &Envelope{
		specialist: s,
		cache:      c,
		sender:     sender,
		sink:       sink,
		log:        config.NewAgentLogger(s.Name()),
		enabled:    enabled,
		timeout:    timeout,
		cacheTTL:   ttl,
		now:        time.Now,
	}
}

// cacheDomain derives the cache.ttl config domain from a specialist name:
// "QuantAgent" becomes "quant". Domains without an entry fall through to
// the config's default TTL.
func cacheDomain(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, "Agent"))
}

// Name returns the wrapped specialist's name.
func (e *Envelope) Name() string { return e.specialist.Name() }

// Execute runs the specialist under the envelope contract. It never
// panics and never returns an error; every outcome is a Response.
func (e *Envelope) Execute(ctx context.Context, input map[string]any) *Response {
	if !e.enabled {
		metrics.RecordAgentRun(e.Name(), metrics.RunStatusDisabled, 0)
		return &Response{AgentName: e.Name(), Success: false, Error: "disabled"}
	}

	start := e.now()
	correlationID := CorrelationID(ctx)
	e.emit(ctx, bus.SubjectAgentStarted, correlationID, map[string]any{})

	metrics.ActiveAgents.Inc()
	defer metrics.ActiveAgents.Dec()

	key := e.specialist.CacheKey(input)
	if key != "" {
		if value, ok := e.cache.Get(ctx, key); ok {
			if data, ok := value.(map[string]any); ok {
				metrics.RecordCacheLookup(e.Name(), metrics.CacheHit)
				resp := e.finish(ctx, start, correlationID, data, true, nil)
				return resp
			}
		}
		metrics.RecordCacheLookup(e.Name(), metrics.CacheMiss)
	}

	data, err := e.analyze(ctx, input)
	if err == nil && key != "" {
		e.cache.Set(ctx, key, data, e.cacheTTL)
	}
	return e.finish(ctx, start, correlationID, data, false, err)
}

// analyze runs the specialist under its deadline with panic containment.
func (e *Envelope) analyze(ctx context.Context, input map[string]any) (data map[string]any, err error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fault.Wrap(fault.ErrFatalInternal, "panic in %s: %v", e.Name(), r)
			e.log.Error().Interface("panic", r).Msg("Specialist panicked, contained by envelope")
		}
	}()

	type outcome struct {
		data map[string]any
		err  error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fault.Wrap(fault.ErrFatalInternal, "panic in %s: %v", e.Name(), r)}
			}
		}()
		d, aerr := e.specialist.Analyze(ctx, input)
		ch <- outcome{data: d, err: aerr}
	}()

	select {
	case <-ctx.Done():
		return nil, fault.Wrap(fault.ErrTimeout, "%s exceeded %s deadline", e.Name(), e.timeout)
	case out := <-ch:
		return out.data, out.err
	}
}

// finish assembles the response, records telemetry, and emits the
// agent_complete event.
func (e *Envelope) finish(ctx context.Context, start time.Time, correlationID string, data map[string]any, cached bool, err error) *Response {
	latency := e.now().Sub(start).Milliseconds()

	tel := market.Telemetry{
		AgentName:     e.Name(),
		LatencyMS:     latency,
		CorrelationID: correlationID,
		Cached:        cached,
		Timestamp:     e.now(),
	}
	if e.sink != nil {
		e.sink.RecordTelemetry(ctx, tel)
	}

	resp := &Response{
		AgentName: e.Name(),
		Success:   err == nil,
		Data:      data,
		LatencyMS: latency,
		Cached:    cached,
		Telemetry: &tel,
	}

	payload := map[string]any{
		"success":    resp.Success,
		"latency_ms": latency,
		"cached":     cached,
	}

	status := metrics.RunStatusSuccess
	switch {
	case err != nil:
		resp.Error = fmt.Sprintf("%s: %v", fault.KindString(err), err)
		payload["error"] = resp.Error
		status = metrics.RunStatusError
		if fault.Kind(err) == fault.ErrTimeout {
			resp.Error = "timeout"
			payload["error"] = "timeout"
			status = metrics.RunStatusTimeout
		}
		metrics.RecordError(e.Name(), err)
		e.log.Warn().Err(err).Int64("latency_ms", latency).Msg("Analysis failed")
	case cached:
		status = metrics.RunStatusCached
	default:
		e.log.Debug().Int64("latency_ms", latency).Msg("Analysis complete")
	}

	metrics.RecordAgentRun(e.Name(), status, float64(latency))
	e.emit(ctx, bus.SubjectAgentComplete, correlationID, payload)
	return resp
}

// emit publishes a lifecycle event. Bus failures are logged and ignored;
// lifecycle visibility never blocks analysis.
func (e *Envelope) emit(ctx context.Context, subject, correlationID string, payload map[string]any) {
	if e.sender == nil {
		return
	}
	msg := bus.NewMessage(e.Name(), bus.Broadcast, subject, payload).WithCorrelationID(correlationID)
	if err := e.sender.Send(ctx, msg); err != nil {
		e.log.Warn().Err(err).Str("subject", subject).Msg("Lifecycle event dropped")
	}
}

// Registry resolves specialists by name for the orchestrator swarm.
type Registry struct {
	envelopes map[string]*Envelope
	order     []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{envelopes: make(map[string]*Envelope)}
}

// Add registers an envelope under its specialist name.
func (r *Registry) Add(e *Envelope) *Registry {
	if _, exists := r.envelopes[e.Name()]; !exists {
		r.order = append(r.order, e.Name())
	}
	r.envelopes[e.Name()] = e
	return r
}

// Get returns the envelope for a specialist name.
func (r *Registry) Get(name string) (*Envelope, bool) {
	e, ok := r.envelopes[name]
	return e, ok
}

// Names returns the registered specialist names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
