package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// allowScript prunes expired entries, counts the window, and records the
// request only when it is under the limit, all in one atomic step. It
// returns {allowed, count, oldest} where oldest is the nanosecond
// timestamp of the earliest surviving request (0 when the set is empty).
var allowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local cutoff = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, 0, cutoff)
local count = redis.call('ZCARD', key)
if count >= limit then
	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	return {0, count, tonumber(oldest[2])}
end

redis.call('ZADD', key, now, now)
redis.call('PEXPIRE', key, ARGV[4])
return {1, count + 1, 0}
`)

// RedisRateLimiter shares one sliding window across gateway replicas.
type RedisRateLimiter struct {
	client *redis.Client
}

func NewRedisRateLimiter(redisURL string) (*RedisRateLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisRateLimiter{client: client}, nil
}

func (r *RedisRateLimiter) Allow(ctx context.Context, userID string, limit int) (bool, int, time.Time, error) {
	now := time.Now()
	cutoff := now.Add(-window)

	res, err := allowScript.Run(ctx, r.client,
		[]string{"ratelimit:" + userID},
		now.UnixNano(),
		cutoff.UnixNano(),
		limit,
		window.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return false, 0, time.Time{}, err
	}

	allowed := res[0] == 1
	count := int(res[1])

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}

	if !allowed {
		oldest := time.Unix(0, res[2])
		return false, remaining, oldest.Add(window), nil
	}
	return true, remaining, now.Add(window), nil
}

func (r *RedisRateLimiter) Close() error {
	return r.client.Close()
}
