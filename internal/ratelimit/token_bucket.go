// Package ratelimit throttles uploads per tenant with a Redis token bucket.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Remaining float64
	// RetryAfter estimates when the next token is available; zero when Allowed.
	RetryAfter time.Duration
}

// TokenBucket is a token bucket shared by every API replica through Redis.
type TokenBucket struct {
	client   *redis.Client
	prefix   string
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// NewTokenBucket returns a bucket holding up to capacity tokens and gaining
// refillPerSecond tokens per second. Idle buckets expire after ttl.
func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		prefix:   "invoices:ratelimit:",
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Allow takes one token from the tenant's bucket if one is available.
func (b *TokenBucket) Allow(ctx context.Context, tenant string) (Decision, error) {
	if b.capacity <= 0 {
		return Decision{Allowed: true, Remaining: math.Inf(1)}, nil
	}
	res, err := bucketScript.Run(ctx, b.client, []string{b.prefix + tenant},
		b.capacity, b.refill, b.now().UnixMilli(), b.ttl.Milliseconds()).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("token bucket %s: %w", tenant, err)
	}
	if len(res) < 2 {
		return Decision{}, fmt.Errorf("token bucket %s: unexpected reply %v", tenant, res)
	}

	d := Decision{Allowed: toFloat(res[0]) == 1, Remaining: toFloat(res[1]) / 1000}
	if !d.Allowed && b.refill > 0 {
		missing := 1 - d.Remaining
		d.RetryAfter = time.Duration(missing / b.refill * float64(time.Second))
		if d.RetryAfter < time.Second {
			d.RetryAfter = time.Second
		}
	}
	return d, nil
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case int64:
		return float64(t)
	case float64:
		return t
	default:
		return 0
	}
}

// Tokens are returned scaled by 1000 because Redis truncates Lua numbers to
// integers on the way out.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, math.floor(tokens * 1000)}
`)
