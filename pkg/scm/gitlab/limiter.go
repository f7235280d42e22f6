package gitlab

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter gates request dispatch. The local implementation is a token
// bucket per (base_url, tenant); the Redis implementation shares one bucket
// across processes.
type Limiter interface {
	Wait(ctx context.Context, key string) error
}

// LocalLimiter keeps one rate.Limiter per key.
type LocalLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	perSec  rate.Limit
	burst   int
}

// NewLocalLimiter creates an in-process limiter.
func NewLocalLimiter(perSecond float64, burst int) *LocalLimiter {
	return &LocalLimiter{
		buckets: make(map[string]*rate.Limiter),
		perSec:  rate.Limit(perSecond),
		burst:   burst,
	}
}

func (l *LocalLimiter) Wait(ctx context.Context, key string) error {
	l.mu.Lock()
	bucket, ok := l.buckets[key]
	if !ok {
		bucket = rate.NewLimiter(l.perSec, l.burst)
		l.buckets[key] = bucket
	}
	l.mu.Unlock()
	return bucket.Wait(ctx)
}

// inflightGate bounds concurrent requests per key with one slot channel per
// (base_url, tenant). Acquisition honors ctx cancellation; the gate is held
// only for the request itself, never across backoff sleeps.
type inflightGate struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
	limit int
}

func newInflightGate(limit int) *inflightGate {
	return &inflightGate{slots: make(map[string]chan struct{}), limit: limit}
}

func (g *inflightGate) acquire(ctx context.Context, key string) (release func(), err error) {
	g.mu.Lock()
	ch, ok := g.slots[key]
	if !ok {
		ch = make(chan struct{}, g.limit)
		g.slots[key] = ch
	}
	g.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// redisTokenBucketScript refills and consumes atomically inside Redis.
// KEYS[1] bucket key; ARGV: rate, capacity, cost, now (unix seconds).
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return allowed
`)

// RedisLimiter shares a token bucket across workers via Redis. Denied
// acquisitions poll with a short sleep rather than busy-spinning.
type RedisLimiter struct {
	client *redis.Client
	perSec float64
	burst  int
}

// NewRedisLimiter creates a Redis-backed limiter.
func NewRedisLimiter(client *redis.Client, perSecond float64, burst int) *RedisLimiter {
	return &RedisLimiter{client: client, perSec: perSecond, burst: burst}
}

func (l *RedisLimiter) Wait(ctx context.Context, key string) error {
	for {
		now := float64(time.Now().UnixMicro()) / 1e6
		allowed, err := redisTokenBucketScript.Run(ctx, l.client,
			[]string{"rate_limit:gitlab:" + key},
			l.perSec, l.burst, 1, now,
		).Int()
		if err != nil {
			return fmt.Errorf("redis limiter: %w", err)
		}
		if allowed == 1 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}
