// Package cache provides the keyed TTL store used by agent envelopes and
// the data fabricator. Reads distinguish fresh, stale, and missing entries
// so callers can fall back to a stale value when a provider is unavailable.
package cache

import (
	"context"
	"strings"
	"time"
)

// Cache is the keyed TTL store contract.
type Cache interface {
	// Get returns the value when present and fresh.
	Get(ctx context.Context, key string) (any, bool)

	// GetWithExpiry returns the value even when its TTL has elapsed,
	// reporting staleness through expired. A missing key returns
	// found=false.
	GetWithExpiry(ctx context.Context, key string) (value any, found bool, expired bool)

	// Set stores value under key for ttl.
	Set(ctx context.Context, key string, value any, ttl time.Duration)

	// Clear removes every entry.
	Clear(ctx context.Context)
}

// Key joins cache key parts with the <domain>:<entity>[:<qualifier>] grammar.
func Key(domain, entity string, qualifiers ...string) string {
	parts := append([]string{domain, entity}, qualifiers...)
	return strings.Join(parts, ":")
}
