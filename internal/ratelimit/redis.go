package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stratos-labs/ai-gateway/internal/store"
)

// RedisBackend keeps window counters in Redis so multiple gateway replicas
// share one quota pool. Keys are
// "rl:{key}:{kind}:{window-start-unix}:{counter}", where counter is "r"
// (requests) or "t" (tokens), with a TTL of twice the window span.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend creates a backend from a Redis URL
// (redis://[user:pass@]host:port/db).
func NewRedisBackend(url string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisBackend{client: redis.NewClient(opts)}, nil
}

// NewRedisBackendFromClient wraps an existing client (used by tests).
func NewRedisBackendFromClient(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func redisKey(keyID string, kind store.WindowKind, start time.Time, counter string) string {
	return fmt.Sprintf("rl:%s:%s:%d:%s", keyID, kind, start.Unix(), counter)
}

// Windows implements Backend.
func (b *RedisBackend) Windows(ctx context.Context, keyID string, now time.Time) (map[store.WindowKind]store.RateWindow, error) {
	pipe := b.client.Pipeline()
	type pair struct {
		kind     store.WindowKind
		start    time.Time
		requests *redis.StringCmd
		tokens   *redis.StringCmd
	}
	var pairs []pair
	for _, kind := range []store.WindowKind{store.WindowMinute, store.WindowHour, store.WindowDay} {
		start := kind.Truncate(now)
		pairs = append(pairs, pair{
			kind:     kind,
			start:    start,
			requests: pipe.Get(ctx, redisKey(keyID, kind, start, "r")),
			tokens:   pipe.Get(ctx, redisKey(keyID, kind, start, "t")),
		})
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("redis windows: %w", err)
	}

	out := make(map[store.WindowKind]store.RateWindow, 3)
	for _, p := range pairs {
		w := store.RateWindow{KeyID: keyID, Kind: p.kind, Start: p.start}
		if v, err := p.requests.Int64(); err == nil {
			w.Requests = v
		}
		if v, err := p.tokens.Int64(); err == nil {
			w.Tokens = v
		}
		out[p.kind] = w
	}
	return out, nil
}

// Add implements Backend. INCRBY linearizes concurrent writers; TTLs reap
// stale windows.
func (b *RedisBackend) Add(ctx context.Context, keyID string, now time.Time, requests, tokens int64) error {
	pipe := b.client.Pipeline()
	for _, kind := range []store.WindowKind{store.WindowMinute, store.WindowHour, store.WindowDay} {
		start := kind.Truncate(now)
		ttl := 2 * kind.Duration()
		if requests != 0 {
			key := redisKey(keyID, kind, start, "r")
			pipe.IncrBy(ctx, key, requests)
			pipe.Expire(ctx, key, ttl)
		}
		if tokens != 0 {
			key := redisKey(keyID, kind, start, "t")
			pipe.IncrBy(ctx, key, tokens)
			pipe.Expire(ctx, key, ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis add: %w", err)
	}
	return nil
}
