package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/alphadeskhq/alphadesk/internal/agent/fault"
)

// minRetryDelay is the floor applied to every computed backoff.
const minRetryDelay = 100 * time.Millisecond

// RetryConfig configures retry behavior for transient failures
type RetryConfig struct {
	MaxAttempts     int           // total attempts, including the first
	BaseDelay       time.Duration // delay before the first retry
	MaxDelay        time.Duration // backoff ceiling
	ExponentialBase float64       // multiplier per attempt
	Jitter          time.Duration // uniform jitter, applied as +/- Jitter

	// IsRetryable decides whether an error is worth another attempt.
	// Nil defaults to fault.Retryable.
	IsRetryable func(error) bool

	// rng allows deterministic jitter in tests.
	rng *rand.Rand
}

// DefaultRetryConfig returns default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     3,
		BaseDelay:       500 * time.Millisecond,
		MaxDelay:        5 * time.Second,
		ExponentialBase: 2.0,
		Jitter:          100 * time.Millisecond,
	}
}

// backoffDelay computes the delay after attempt i (0-based):
// min(base * exp^i, max) +/- jitter, floored at minRetryDelay.
func (c RetryConfig) backoffDelay(attempt int) time.Duration {
	d := time.Duration(float64(c.BaseDelay) * math.Pow(c.ExponentialBase, float64(attempt)))
	if c.MaxDelay > 0 && d > c.MaxDelay {
		d = c.MaxDelay
	}
	if c.Jitter > 0 {
		span := int64(2 * c.Jitter)
		var n int64
		if c.rng != nil {
			n = c.rng.Int63n(span) // #nosec G404 -- jitter needs no cryptographic randomness
		} else {
			n = rand.Int63n(span) // #nosec G404 -- jitter needs no cryptographic randomness
		}
		d += time.Duration(n) - c.Jitter
	}
	if d < minRetryDelay {
		d = minRetryDelay
	}
	return d
}

// Retry executes op with exponential backoff. Only errors the config deems
// retryable trigger another attempt; the last error is propagated wrapped.
func Retry(ctx context.Context, cfg RetryConfig, op func() error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	retryable := cfg.IsRetryable
	if retryable == nil {
		retryable = fault.Retryable
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: retry cancelled: %v", fault.ErrTimeout, ctx.Err())
		default:
		}

		err := op()
		if err == nil {
			if attempt > 0 {
				log.Info().
					Int("attempt", attempt+1).
					Msg("Operation succeeded after retry")
			}
			return nil
		}

		lastErr = err

		if !retryable(err) {
			log.Debug().
				Err(err).
				Msg("Error is not retryable, aborting")
			return err
		}

		// Don't sleep after the last attempt
		if attempt == cfg.MaxAttempts-1 {
			break
		}

		backoff := cfg.backoffDelay(attempt)
		log.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("max_attempts", cfg.MaxAttempts).
			Dur("backoff", backoff).
			Msg("Operation failed, retrying with backoff")

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: retry cancelled during backoff: %v", fault.ErrTimeout, ctx.Err())
		case <-time.After(backoff):
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}
