package resilience

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/alphadeskhq/alphadesk/internal/agent/fault"
	"github.com/alphadeskhq/alphadesk/internal/config"
)

// Provider is one entry in a fallback chain. Fetch returns the value or an
// error; a nil error with an empty value still counts as a failure so the
// chain can advance past providers that answer with nothing.
type Provider[T any] struct {
	Name  string
	Fetch func(ctx context.Context) (T, error)
}

// Chain executes providers in priority order, each behind its own circuit
// breaker. Each fetch runs under the chain's retry policy; retry exhaustion
// counts as a single failure (one breaker mark, one advance), not one per
// attempt. The first provider returning a non-empty value wins.
type Chain[T any] struct {
	name      string
	providers []Provider[T]
	breakers  *Registry
	isEmpty   func(T) bool
	retry     RetryConfig
	log       zerolog.Logger
}

// NewChain builds a fallback chain. Providers are tried in the given order
// (descending priority). isEmpty may be nil when the zero check is not
// meaningful for T.
func NewChain[T any](name string, breakers *Registry, isEmpty func(T) bool, providers ...Provider[T]) *Chain[T] {
	return &Chain[T]{
		name:      name,
		providers: providers,
		breakers:  breakers,
		isEmpty:   isEmpty,
		retry:     DefaultRetryConfig(),
		log:       config.NewLogger("chain").With().Str("chain", name).Logger(),
	}
}

// WithRetry replaces the per-fetch retry policy.
func (c *Chain[T]) WithRetry(cfg RetryConfig) *Chain[T] {
	c.retry = cfg
	return c
}

// Execute walks the chain. Providers whose breaker refuses the call are
// skipped without counting a failure. Exhaustion returns the zero value and
// an upstream_unavailable error; the caller decides escalation.
func (c *Chain[T]) Execute(ctx context.Context) (T, string, error) {
	var zero T
	for _, p := range c.providers {
		select {
		case <-ctx.Done():
			return zero, "", fault.Wrap(fault.ErrTimeout, "chain %s: %v", c.name, ctx.Err())
		default:
		}

		done, err := c.breakers.Allow(c.name + ":" + p.Name)
		if err != nil {
			c.log.Debug().
				Str("provider", p.Name).
				Msg("Provider skipped, circuit open")
			continue
		}

		var v T
		err = Retry(ctx, c.retry, func() error {
			var ferr error
			v, ferr = p.Fetch(ctx)
			return ferr
		})
		if err != nil {
			done(false)
			c.log.Warn().
				Err(err).
				Str("provider", p.Name).
				Msg("Provider failed, advancing chain")
			continue
		}
		if c.isEmpty != nil && c.isEmpty(v) {
			done(false)
			c.log.Warn().
				Str("provider", p.Name).
				Msg("Provider returned empty result, advancing chain")
			continue
		}

		done(true)
		return v, p.Name, nil
	}

	return zero, "", fmt.Errorf("%w: chain %s: all providers failed or skipped", fault.ErrUpstreamUnavailable, c.name)
}
