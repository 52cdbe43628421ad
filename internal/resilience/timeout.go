package resilience

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// WithTimeout runs op with a deadline and returns def if the deadline
// expires first. The abandoned op keeps running until it observes its
// context; its late result is discarded.
func WithTimeout[T any](ctx context.Context, d time.Duration, def T, op func(context.Context) (T, error)) T {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type outcome struct {
		v   T
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		v, err := op(ctx)
		ch <- outcome{v, err}
	}()

	select {
	case <-ctx.Done():
		log.Warn().
			Dur("timeout", d).
			Msg("Operation exceeded deadline, returning default")
		return def
	case out := <-ch:
		if out.err != nil {
			log.Warn().
				Err(out.err).
				Msg("Operation failed, returning default")
			return def
		}
		return out.v
	}
}
