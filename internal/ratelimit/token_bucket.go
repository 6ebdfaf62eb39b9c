// Package ratelimit throttles audio uploads per company with a Redis token bucket.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenBucket is a distributed token bucket. State lives in one Redis hash
// per key and is updated atomically by a Lua script.
type TokenBucket struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	prefix   string
	now      func() time.Time
}

func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	if ttl <= 0 && refillPerSecond > 0 {
		// Long enough for an idle bucket to refill completely.
		ttl = time.Duration(float64(capacity)/refillPerSecond*float64(time.Second)) + time.Minute
	}
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		prefix:   "interviews:ratelimit:upload:",
		now:      time.Now,
	}
}

// AllowUpload consumes one upload token for the company.
func (b *TokenBucket) AllowUpload(ctx context.Context, companyID string) (bool, error) {
	allowed, _, err := b.Allow(ctx, b.prefix+companyID)
	return allowed, err
}

// Allow consumes a single token for key if available and returns the
// remaining token count.
func (b *TokenBucket) Allow(ctx context.Context, key string) (bool, float64, error) {
	res, err := bucketScript.Run(ctx, b.client, []string{key}, b.capacity, b.refill, b.now().UnixMilli(), b.ttl.Milliseconds()).Slice()
	if err != nil {
		return false, 0, err
	}
	if len(res) < 2 {
		return false, 0, fmt.Errorf("unexpected bucket reply %v", res)
	}
	allowed, _ := res[0].(int64)
	var tokens float64
	switch v := res[1].(type) {
	case int64:
		tokens = float64(v)
	case string:
		tokens, err = strconv.ParseFloat(v, 64)
		if err != nil {
			return false, 0, fmt.Errorf("parse bucket tokens %q: %w", v, err)
		}
	default:
		return false, 0, fmt.Errorf("unexpected bucket tokens type %T", v)
	}
	return allowed == 1, tokens, nil
}

// Lua numbers returned to Redis are truncated to integers, so tokens is
// returned as a string to keep the fraction.
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

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens)}
`)
