package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeScript refills and consumes one token atomically. Bucket state is a
// hash {tokens, ts} with ts in milliseconds; the key expires once a full
// refill would have happened anyway.
var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1]) or capacity
local ts = tonumber(state[2]) or now

local elapsed = math.max(0, now - ts) / 1000
tokens = math.min(capacity, tokens + elapsed * rate)

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end
redis.call('HSET', KEYS[1], 'tokens', tokens, 'ts', now)
local ttl = 60
if rate > 0 then ttl = math.ceil(capacity / rate) + 1 end
redis.call('EXPIRE', KEYS[1], ttl)
return {allowed, tostring(tokens)}
`)

// RedisStore shares buckets between chatstreamd instances through Redis. The
// client is owned by the caller.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisStore keys buckets as "<prefix>:ratelimit:<key>".
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "chatstream"
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisStore) key(k string) string { return s.prefix + ":ratelimit:" + k }

func (s *RedisStore) Take(ctx context.Context, key string, capacity, refillRate float64) (Decision, error) {
	res, err := takeScript.Run(ctx, s.client, []string{s.key(key)}, capacity, refillRate, s.now().UnixMilli()).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: redis take %s: %w", key, err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("ratelimit: redis take %s: unexpected reply %v", key, res)
	}
	allowed, _ := res[0].(int64)
	raw, _ := res[1].(string)
	remaining, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: redis take %s: parse tokens: %w", key, err)
	}
	d := Decision{Allowed: allowed == 1, Limit: capacity, Remaining: remaining}
	if !d.Allowed && refillRate > 0 {
		d.RetryAfter = time.Duration((1 - remaining) / refillRate * float64(time.Second))
	}
	return d, nil
}

func (s *RedisStore) Reset(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("ratelimit: redis reset %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Close() error { return nil }
