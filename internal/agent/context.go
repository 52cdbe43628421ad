// Package agent provides the uniform execution envelope wrapped around
// every specialist: cache lookup, timed analysis, telemetry, and lifecycle
// events on the message bus.
package agent

import "context"

type correlationKey struct{}

// WithCorrelationID returns a context carrying the request correlation ID.
// The ID rides the context through every downstream call and is stamped
// onto bus messages and telemetry explicitly.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the correlation ID carried by ctx, or "".
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}
