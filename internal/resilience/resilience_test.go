package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alphadeskhq/alphadesk/internal/agent/fault"
)

func testRegistry(threshold uint32, recovery time.Duration, halfOpen uint32) *Registry {
	return NewRegistry(func(string) Settings {
		return Settings{
			FailureThreshold: threshold,
			RecoveryTimeout:  recovery,
			HalfOpenMaxCalls: halfOpen,
		}
	})
}

func TestBreakerOpensOnThirdConsecutiveFailure(t *testing.T) {
	reg := testRegistry(3, time.Minute, 1)

	for i := 0; i < 2; i++ {
		done, err := reg.Allow("quotes")
		require.NoError(t, err)
		done(false)
		assert.Equal(t, gobreaker.StateClosed, reg.State("quotes"), "still closed after %d failures", i+1)
	}

	done, err := reg.Allow("quotes")
	require.NoError(t, err)
	done(false)
	assert.Equal(t, gobreaker.StateOpen, reg.State("quotes"), "opens exactly on the 3rd consecutive failure")
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	reg := testRegistry(3, time.Minute, 1)

	for i := 0; i < 2; i++ {
		done, err := reg.Allow("quotes")
		require.NoError(t, err)
		done(false)
	}
	done, err := reg.Allow("quotes")
	require.NoError(t, err)
	done(true)

	// The streak restarted; two more failures must not trip it.
	for i := 0; i < 2; i++ {
		done, err := reg.Allow("quotes")
		require.NoError(t, err)
		done(false)
	}
	assert.Equal(t, gobreaker.StateClosed, reg.State("quotes"))
}

func TestBreakerOpenRefusesAllCalls(t *testing.T) {
	reg := testRegistry(1, time.Minute, 1)

	done, err := reg.Allow("quotes")
	require.NoError(t, err)
	done(false)
	require.Equal(t, gobreaker.StateOpen, reg.State("quotes"))

	for i := 0; i < 5; i++ {
		_, err := reg.Allow("quotes")
		require.Error(t, err)
		assert.True(t, errors.Is(err, fault.ErrCircuitOpen))
	}
}

func TestBreakerHalfOpenAdmissionAndClose(t *testing.T) {
	reg := testRegistry(1, 50*time.Millisecond, 2)

	done, err := reg.Allow("quotes")
	require.NoError(t, err)
	done(false)
	require.Equal(t, gobreaker.StateOpen, reg.State("quotes"))

	time.Sleep(80 * time.Millisecond)

	// Recovery elapsed: at most half_open_max_calls admitted.
	done1, err := reg.Allow("quotes")
	require.NoError(t, err)
	require.Equal(t, gobreaker.StateHalfOpen, reg.State("quotes"))
	done2, err := reg.Allow("quotes")
	require.NoError(t, err)

	_, err = reg.Allow("quotes")
	require.Error(t, err, "third concurrent half-open call must be refused")
	assert.True(t, errors.Is(err, fault.ErrCircuitOpen))

	done1(true)
	done2(true)
	assert.Equal(t, gobreaker.StateClosed, reg.State("quotes"))
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	reg := testRegistry(1, 50*time.Millisecond, 2)

	done, err := reg.Allow("quotes")
	require.NoError(t, err)
	done(false)

	time.Sleep(80 * time.Millisecond)

	done, err = reg.Allow("quotes")
	require.NoError(t, err)
	done(false)
	assert.Equal(t, gobreaker.StateOpen, reg.State("quotes"))
}

func TestRetrySingleAttemptPropagates(t *testing.T) {
	cfg := DefaultRetryConfig()
	cfg.MaxAttempts = 1

	calls := 0
	err := Retry(context.Background(), cfg, func() error {
		calls++
		return fault.Wrap(fault.ErrUpstreamUnavailable, "boom")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls, "max_attempts=1 means no retries")
	assert.True(t, errors.Is(err, fault.ErrUpstreamUnavailable))
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	cfg := DefaultRetryConfig()
	cfg.MaxAttempts = 5

	calls := 0
	err := Retry(context.Background(), cfg, func() error {
		calls++
		return fault.Wrap(fault.ErrValidation, "bad input")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, errors.Is(err, fault.ErrValidation))
}

func TestRetryEventuallySucceeds(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts:     4,
		BaseDelay:       time.Millisecond,
		MaxDelay:        5 * time.Millisecond,
		ExponentialBase: 2.0,
	}

	calls := 0
	err := Retry(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return fault.Wrap(fault.ErrUpstreamUnavailable, "flaky")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestBackoffDelayClampedToFloor(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts:     3,
		BaseDelay:       time.Millisecond,
		MaxDelay:        time.Second,
		ExponentialBase: 2.0,
		Jitter:          50 * time.Millisecond,
	}

	for attempt := 0; attempt < 5; attempt++ {
		d := cfg.backoffDelay(attempt)
		assert.GreaterOrEqual(t, d, minRetryDelay, "attempt %d", attempt)
	}
}

func TestBackoffDelayCappedAtMax(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts:     10,
		BaseDelay:       time.Second,
		MaxDelay:        2 * time.Second,
		ExponentialBase: 3.0,
	}

	d := cfg.backoffDelay(6)
	assert.LessOrEqual(t, d, 2*time.Second)
}

func TestChainFailsOver(t *testing.T) {
	reg := testRegistry(3, time.Minute, 1)

	chain := NewChain("price", reg, func(v float64) bool { return v == 0 },
		Provider[float64]{
			Name: "primary",
			Fetch: func(ctx context.Context) (float64, error) {
				return 0, fmt.Errorf("http 500")
			},
		},
		Provider[float64]{
			Name: "secondary",
			Fetch: func(ctx context.Context) (float64, error) {
				return 152.34, nil
			},
		},
	).WithRetry(RetryConfig{MaxAttempts: 1})

	v, source, err := chain.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 152.34, v)
	assert.Equal(t, "secondary", source)

	// The primary took one failure but is below its threshold.
	assert.Equal(t, gobreaker.StateClosed, reg.State("price:primary"))
}

func TestChainRetriesTransientErrorsInPlace(t *testing.T) {
	reg := testRegistry(2, time.Minute, 1)

	attempts := 0
	chain := NewChain("price", reg, nil,
		Provider[float64]{
			Name: "flaky",
			Fetch: func(ctx context.Context) (float64, error) {
				attempts++
				return 0, fmt.Errorf("http 503")
			},
		},
	).WithRetry(RetryConfig{
		MaxAttempts:     2,
		BaseDelay:       time.Millisecond,
		MaxDelay:        5 * time.Millisecond,
		ExponentialBase: 2.0,
	})

	_, _, err := chain.Execute(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrUpstreamUnavailable))
	assert.Equal(t, 2, attempts, "transient errors are re-fetched before advancing")

	// Exhaustion marked the breaker once, not once per attempt; a threshold
	// of 2 would already be open under per-attempt counting.
	assert.Equal(t, gobreaker.StateClosed, reg.State("price:flaky"))

	_, _, err = chain.Execute(context.Background())
	require.Error(t, err)
	assert.Equal(t, gobreaker.StateOpen, reg.State("price:flaky"), "second exhaustion is the second mark")
}

func TestChainTreatsEmptyAsFailure(t *testing.T) {
	reg := testRegistry(3, time.Minute, 1)

	chain := NewChain("news", reg, func(v []string) bool { return len(v) == 0 },
		Provider[[]string]{
			Name:  "empty",
			Fetch: func(ctx context.Context) ([]string, error) { return nil, nil },
		},
		Provider[[]string]{
			Name:  "full",
			Fetch: func(ctx context.Context) ([]string, error) { return []string{"headline"}, nil },
		},
	)

	v, source, err := chain.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"headline"}, v)
	assert.Equal(t, "full", source)
}

func TestChainExhaustionReturnsUpstreamUnavailable(t *testing.T) {
	reg := testRegistry(3, time.Minute, 1)

	chain := NewChain("price", reg, nil,
		Provider[float64]{
			Name:  "only",
			Fetch: func(ctx context.Context) (float64, error) { return 0, fmt.Errorf("down") },
		},
	)

	_, _, err := chain.Execute(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrUpstreamUnavailable))
}

func TestChainSkipsOpenBreaker(t *testing.T) {
	reg := testRegistry(1, time.Minute, 1)

	primaryCalls := 0
	chain := NewChain("price", reg, nil,
		Provider[float64]{
			Name: "primary",
			Fetch: func(ctx context.Context) (float64, error) {
				primaryCalls++
				return 0, fmt.Errorf("down")
			},
		},
		Provider[float64]{
			Name:  "secondary",
			Fetch: func(ctx context.Context) (float64, error) { return 99.0, nil },
		},
	)

	// First run trips the primary breaker (threshold 1).
	v, _, err := chain.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 99.0, v)
	require.Equal(t, 1, primaryCalls)

	// Second run must skip the primary entirely.
	v, source, err := chain.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 99.0, v)
	assert.Equal(t, "secondary", source)
	assert.Equal(t, 1, primaryCalls, "open breaker skips the provider")
}

func TestWithTimeoutReturnsDefaultOnExpiry(t *testing.T) {
	got := WithTimeout(context.Background(), 20*time.Millisecond, "fallback", func(ctx context.Context) (string, error) {
		select {
		case <-time.After(time.Second):
			return "late", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
	assert.Equal(t, "fallback", got)
}

func TestWithTimeoutReturnsValue(t *testing.T) {
	got := WithTimeout(context.Background(), time.Second, 0, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	assert.Equal(t, 42, got)
}
