package ratelimit

import (
	"context"
	"errors"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/faucetdb/keyward/internal/kvstore"
)

// incrementIfBelowScript checks all windows before touching any of them so a
// rejected request never consumes quota.
// KEYS[i] = window key
// ARGV[2i-1] = limit, ARGV[2i] = expiration in seconds
var incrementIfBelowScript = redis.NewScript(`
	for i = 1, #KEYS do
		local current = tonumber(redis.call('GET', KEYS[i]) or '0')
		if current >= tonumber(ARGV[2 * i - 1]) then
			return 0
		end
	end
	for i = 1, #KEYS do
		local current = redis.call('INCR', KEYS[i])
		if current == 1 then
			redis.call('EXPIRE', KEYS[i], ARGV[2 * i])
		end
	end
	return 1
`)

// RedisCounter implements CounterStore on Redis. All calls go through the
// client's guard, so failures surface as kvstore.ErrUnavailable.
type RedisCounter struct {
	client *kvstore.Client
}

// NewRedisCounter creates a RedisCounter.
func NewRedisCounter(client *kvstore.Client) *RedisCounter {
	return &RedisCounter{client: client}
}

// IncrementIfBelow implements CounterStore.
func (r *RedisCounter) IncrementIfBelow(ctx context.Context, windows []Window) (bool, error) {
	if len(windows) == 0 {
		return true, nil
	}
	keys := make([]string, len(windows))
	args := make([]interface{}, 0, 2*len(windows))
	for i, w := range windows {
		keys[i] = r.client.Key(w.Key)
		ttl := int64(w.TTL.Seconds())
		if ttl < 1 {
			ttl = 1
		}
		args = append(args, w.Limit, ttl)
	}

	var allowed int64
	err := r.client.Do(ctx, func(ctx context.Context, rdb *redis.Client) error {
		var err error
		allowed, err = incrementIfBelowScript.Run(ctx, rdb, keys, args...).Int64()
		return err
	})
	if err != nil {
		return false, err
	}
	return allowed == 1, nil
}

// Get implements CounterStore.
func (r *RedisCounter) Get(ctx context.Context, keys []string) ([]int64, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = r.client.Key(k)
	}

	var vals []interface{}
	err := r.client.Do(ctx, func(ctx context.Context, rdb *redis.Client) error {
		var err error
		vals, err = rdb.MGet(ctx, prefixed...).Result()
		return err
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	out := make([]int64, len(keys))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err == nil {
			out[i] = n
		}
	}
	return out, nil
}
