package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// checkScript performs the window check-and-increment atomically. KEYS[1]
// is the counter hash, ARGV[1] the limit, ARGV[2] the window in ms and
// ARGV[3] now in ms. Returns 1 when allowed.
var checkScript = redis.NewScript(`
local ws = redis.call('HGET', KEYS[1], 'ws')
local count = redis.call('HGET', KEYS[1], 'count')
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
if not ws or (now - tonumber(ws)) >= window then
  redis.call('HSET', KEYS[1], 'ws', now, 'count', 1)
  redis.call('PEXPIRE', KEYS[1], window * 2)
  return 1
end
if tonumber(count) < limit then
  redis.call('HINCRBY', KEYS[1], 'count', 1)
  return 1
end
return 0
`)

// RedisStore backs windows with a Redis hash per key so multiple control
// plane replicas share counters.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to addr and verifies it with a ping.
func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return &RedisStore{client: client}, nil
}

// Check implements Store.
func (s *RedisStore) Check(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (bool, error) {
	res, err := checkScript.Run(ctx, s.client,
		[]string{"ratelimit:" + key},
		limit, window.Milliseconds(), now.UnixMilli()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to run rate-limit script: %w", err)
	}
	return res == 1, nil
}

// Close releases the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
