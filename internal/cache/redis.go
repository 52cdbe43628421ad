package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/alphadeskhq/alphadesk/internal/config"
)

// keyPrefix namespaces every physical Redis key this cache writes.
const keyPrefix = "alphadesk:cache:"

// staleRetention is how long an entry stays readable past its logical TTL.
const staleRetention = time.Hour

// Entries are gob-encoded so cached values come back as the concrete types
// that were stored, not as decoded JSON maps. Packages whose types cross
// this boundary register them with encoding/gob at init.
type redisEnvelope struct {
	Value     any
	ExpiresAt time.Time
}

func init() {
	gob.Register(map[string]any{})
	gob.Register([]any{})
}

// Redis is the shared cache backend. The logical TTL lives inside the
// stored envelope; the physical Redis TTL is padded by staleRetention so
// GetWithExpiry can serve stale reads after expiry.
type Redis struct {
	client *redis.Client
	log    zerolog.Logger
	now    func() time.Time
}

// NewRedis wraps an existing Redis client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{
		client: client,
		log:    config.NewLogger("cache"),
		now:    time.Now,
	}
}

// Get returns the value when present and fresh.
func (r *Redis) Get(ctx context.Context, key string) (any, bool) {
	v, found, expired := r.GetWithExpiry(ctx, key)
	if !found || expired {
		return nil, false
	}
	return v, true
}

// GetWithExpiry returns the value even when stale, with an expired flag.
func (r *Redis) GetWithExpiry(ctx context.Context, key string) (any, bool, bool) {
	raw, err := r.client.Get(ctx, keyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, false
	}
	if err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("Redis error during cache lookup")
		return nil, false, false
	}

	var env redisEnvelope
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&env); err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("Failed to decode cached entry")
		return nil, false, false
	}
	return env.Value, true, r.now().After(env.ExpiresAt)
}

// Set stores value under key for ttl. The write is synchronous so a
// following Get observes it.
func (r *Redis) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(redisEnvelope{
		Value:     value,
		ExpiresAt: r.now().Add(ttl),
	})
	if err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("Failed to encode entry for cache")
		return
	}

	if err := r.client.Set(ctx, keyPrefix+key, buf.Bytes(), ttl+staleRetention).Err(); err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("Failed to cache entry")
	}
}

// Clear removes every entry this cache wrote.
func (r *Redis) Clear(ctx context.Context) {
	iter := r.client.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()
	count := 0
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			r.log.Warn().
				Err(err).
				Str("key", iter.Val()).
				Msg("Failed to delete cache key")
		} else {
			count++
		}
	}
	if err := iter.Err(); err != nil {
		r.log.Warn().Err(err).Msg("Cache clear failed")
		return
	}

	r.log.Info().
		Int("keys_deleted", count).
		Msg("Cache cleared")
}

var _ Cache = (*Redis)(nil)
