package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kindlyrobotics/dnaclient/internal/dht"
)

// TokenCache is an optional fast-path lookaside for active listen
// tokens, so a second process (or a restarted one) can discover which
// base keys already have a live subscription without re-deriving it
// from in-process state. A Driver works correctly with no TokenCache
// at all; it is purely a diagnostic/coordination aid.
type TokenCache interface {
	Set(ctx context.Context, baseKey string, token dht.ListenToken) error
	Get(ctx context.Context, baseKey string) (dht.ListenToken, bool, error)
	Delete(ctx context.Context, baseKey string) error
}

// RedisTokenCache is the production TokenCache. Redis is a cache
// here, never a source of truth: every failure logs and falls back to
// in-process bookkeeping.
type RedisTokenCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisTokenCache wraps an already-connected redis.Client. entries
// expire after ttl so a crashed process's stale tokens age out instead
// of lingering forever.
func NewRedisTokenCache(client *redis.Client, ttl time.Duration) *RedisTokenCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisTokenCache{client: client, ttl: ttl}
}

func redisKey(baseKey string) string { return "dna:listen_token:" + baseKey }

func (r *RedisTokenCache) Set(ctx context.Context, baseKey string, token dht.ListenToken) error {
	if err := r.client.Set(ctx, redisKey(baseKey), uint64(token), r.ttl).Err(); err != nil {
		return fmt.Errorf("sync: caching listen token for %s: %w", baseKey, err)
	}
	return nil
}

func (r *RedisTokenCache) Get(ctx context.Context, baseKey string) (dht.ListenToken, bool, error) {
	v, err := r.client.Get(ctx, redisKey(baseKey)).Uint64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("sync: reading cached listen token for %s: %w", baseKey, err)
	}
	return dht.ListenToken(v), true, nil
}

func (r *RedisTokenCache) Delete(ctx context.Context, baseKey string) error {
	if err := r.client.Del(ctx, redisKey(baseKey)).Err(); err != nil {
		return fmt.Errorf("sync: evicting cached listen token for %s: %w", baseKey, err)
	}
	return nil
}
