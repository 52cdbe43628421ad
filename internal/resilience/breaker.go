package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/alphadeskhq/alphadesk/internal/agent/fault"
	"github.com/alphadeskhq/alphadesk/internal/config"
)

// Metric result labels
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Settings holds circuit breaker configuration for a single resource
type Settings struct {
	FailureThreshold uint32        // consecutive failures before tripping
	RecoveryTimeout  time.Duration // how long the circuit stays open
	HalfOpenMaxCalls uint32        // admission cap and close threshold in half-open
}

// DefaultSettings returns the breaker settings used when a resource has no
// dedicated configuration.
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// SettingsFromConfig converts a config section into breaker settings.
func SettingsFromConfig(c config.BreakerConfig) Settings {
	s := DefaultSettings()
	if c.FailureThreshold > 0 {
		s.FailureThreshold = uint32(c.FailureThreshold)
	}
	if c.RecoveryTimeoutS > 0 {
		s.RecoveryTimeout = time.Duration(c.RecoveryTimeoutS) * time.Second
	}
	if c.HalfOpenMaxCalls > 0 {
		s.HalfOpenMaxCalls = uint32(c.HalfOpenMaxCalls)
	}
	return s
}

// breakerMetrics holds Prometheus metrics shared by all registries
type breakerMetrics struct {
	state    *prometheus.GaugeVec
	requests *prometheus.CounterVec
	failures *prometheus.CounterVec
}

var (
	globalBreakerMetrics *breakerMetrics
	breakerMetricsOnce   sync.Once
)

// initBreakerMetrics registers the metrics exactly once
func initBreakerMetrics() {
	breakerMetricsOnce.Do(func() {
		globalBreakerMetrics = &breakerMetrics{
			state: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "circuit_breaker_state",
					Help: "Circuit breaker state (0=closed, 1=open, 2=half_open)",
				},
				[]string{"resource"},
			),
			requests: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "circuit_breaker_requests_total",
					Help: "Total number of requests through circuit breakers",
				},
				[]string{"resource", "result"},
			),
			failures: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "circuit_breaker_failures_total",
					Help: "Total number of failures tracked by circuit breakers",
				},
				[]string{"resource"},
			),
		}
	})
}

// Registry hands out one circuit breaker per named resource. Breakers are
// created lazily with per-resource settings and live for the process
// lifetime.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.TwoStepCircuitBreaker
	lookup   func(resource string) Settings
	metrics  *breakerMetrics
	log      zerolog.Logger
}

// NewRegistry creates a registry resolving per-resource settings through
// lookup. A nil lookup applies DefaultSettings to every resource.
func NewRegistry(lookup func(resource string) Settings) *Registry {
	initBreakerMetrics()
	if lookup == nil {
		lookup = func(string) Settings { return DefaultSettings() }
	}
	return &Registry{
		breakers: make(map[string]*gobreaker.TwoStepCircuitBreaker),
		lookup:   lookup,
		metrics:  globalBreakerMetrics,
		log:      config.NewLogger("resilience"),
	}
}

// NewRegistryFromConfig creates a registry backed by the circuit_breaker
// config sections.
func NewRegistryFromConfig(cfg *config.Config) *Registry {
	return NewRegistry(func(resource string) Settings {
		return SettingsFromConfig(cfg.BreakerFor(resource))
	})
}

// NewPassthroughRegistry creates a registry whose breakers never trip.
// Useful in tests exercising other components.
func NewPassthroughRegistry() *Registry {
	initBreakerMetrics()
	return &Registry{
		breakers: make(map[string]*gobreaker.TwoStepCircuitBreaker),
		lookup: func(string) Settings {
			return Settings{FailureThreshold: 0, RecoveryTimeout: time.Millisecond, HalfOpenMaxCalls: 1000}
		},
		metrics: globalBreakerMetrics,
		log:     config.NewLogger("resilience"),
	}
}

// get returns the breaker for a resource, creating it on first use.
func (r *Registry) get(resource string) *gobreaker.TwoStepCircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[resource]; ok {
		return cb
	}

	s := r.lookup(resource)
	cb := gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        resource,
		MaxRequests: s.HalfOpenMaxCalls,
		Timeout:     s.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if s.FailureThreshold == 0 {
				return false // passthrough
			}
			return counts.ConsecutiveFailures >= s.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.log.Warn().
				Str("resource", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state change")
			r.metrics.state.WithLabelValues(name).Set(stateValue(to))
		},
	})
	r.breakers[resource] = cb
	r.metrics.state.WithLabelValues(resource).Set(stateValue(cb.State()))
	return cb
}

// Allow asks the resource's breaker for admission. On success it returns a
// done callback that must be called exactly once with the call outcome. A
// refused call returns a circuit_open error.
func (r *Registry) Allow(resource string) (func(success bool), error) {
	done, err := r.get(resource).Allow()
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fault.Wrap(fault.ErrCircuitOpen, "resource %s: %v", resource, err)
		}
		return nil, err
	}
	return func(success bool) {
		done(success)
		result := ResultSuccess
		if !success {
			result = ResultFailure
			r.metrics.failures.WithLabelValues(resource).Inc()
		}
		r.metrics.requests.WithLabelValues(resource, result).Inc()
	}, nil
}

// Do runs op under the resource's breaker, recording the outcome.
func (r *Registry) Do(resource string, op func() error) error {
	done, err := r.Allow(resource)
	if err != nil {
		return err
	}
	err = op()
	done(err == nil)
	return err
}

// State returns the current state of a resource's breaker.
func (r *Registry) State(resource string) gobreaker.State {
	return r.get(resource).State()
}

func stateValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	}
	return -1
}
