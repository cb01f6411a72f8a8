package sequence

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

var (
	// Returns false (nil reply) when the counter does not exist yet.
	nextScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return redis.call('INCR', KEYS[1])
end
return false
`)

	bootstrapScript = redis.NewScript(`
if redis.call('SETNX', KEYS[1], ARGV[1]) == 1 then
	return tonumber(ARGV[1])
end
return redis.call('INCR', KEYS[1])
`)

	observeScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current < tonumber(ARGV[1]) then
	redis.call('SET', KEYS[1], ARGV[1])
end
return 1
`)
)

const redisKeyPrefix = "fdbilling:seq:"

// RedisStore keeps counters in Redis using server side scripts for atomicity.
type RedisStore struct {
	client redis.Scripter
}

// NewRedisStore constructs a RedisStore.
func NewRedisStore(client redis.Scripter) *RedisStore {
	return &RedisStore{client: client}
}

func redisKey(key Key) string {
	return fmt.Sprintf("%s%s:%s:%s", redisKeyPrefix, key.Kind, key.Period, key.Variant)
}

// Next implements CounterStore.
func (s *RedisStore) Next(ctx context.Context, key Key, bootstrap func(context.Context) (int, error)) (int, error) {
	rk := redisKey(key)
	v, err := nextScript.Run(ctx, s.client, []string{rk}).Int()
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, redis.Nil) {
		return 0, err
	}
	first, err := bootstrap(ctx)
	if err != nil {
		return 0, err
	}
	return bootstrapScript.Run(ctx, s.client, []string{rk}, first).Int()
}

// Observe implements CounterStore.
func (s *RedisStore) Observe(ctx context.Context, key Key, value int) error {
	return observeScript.Run(ctx, s.client, []string{redisKey(key)}, value).Err()
}
