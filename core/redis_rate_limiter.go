package core

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

var rateScript = redis.NewScript(`
	local current = redis.call("GET", KEYS[1])
	if current == false then
		redis.call("SET", KEYS[1], 1, "PX", ARGV[2])
		return 1
	end
	if tonumber(current) >= tonumber(ARGV[1]) then
		return 0
	end
	redis.call("INCR", KEYS[1])
	return 1
`)

type RedisRateLimiter struct {
	client    *redis.Client
	keyPrefix string
}

func NewRedisRateLimiter(client *redis.Client, keyPrefix string) *RedisRateLimiter {
	if keyPrefix == "" {
		keyPrefix = "paygate:rate:"
	}
	return &RedisRateLimiter{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

func (r *RedisRateLimiter) CheckAndIncrement(ctx context.Context, key string, limit int, window time.Duration) error {
	result, err := rateScript.Run(ctx, r.client, []string{r.keyPrefix + key}, limit, window.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if result == 0 {
		return ErrRateLimitExceeded
	}
	return nil
}
