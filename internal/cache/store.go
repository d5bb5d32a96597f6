// Package cache keeps short-lived snapshots of API key records so the hot
// validation path can skip the database.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/redis/go-redis/v9"

	"github.com/faucetdb/keyward/internal/kvstore"
)

// ErrMiss is returned by Store.Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Store is a byte-oriented cache with per-entry TTL.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetIfAbsent writes value only when key holds nothing, and reports
	// whether it did.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
}

// RedisStore implements Store on the shared Redis client.
type RedisStore struct {
	client *kvstore.Client
}

// NewRedisStore creates a RedisStore.
func NewRedisStore(client *kvstore.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	var val []byte
	err := s.client.Do(ctx, func(ctx context.Context, rdb *redis.Client) error {
		var err error
		val, err = rdb.Get(ctx, s.client.Key(key)).Bytes()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	return val, err
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Do(ctx, func(ctx context.Context, rdb *redis.Client) error {
		return rdb.Set(ctx, s.client.Key(key), value, ttl).Err()
	})
}

// SetIfAbsent implements Store with SETNX.
func (s *RedisStore) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var stored bool
	err := s.client.Do(ctx, func(ctx context.Context, rdb *redis.Client) error {
		var err error
		stored, err = rdb.SetNX(ctx, s.client.Key(key), value, ttl).Result()
		return err
	})
	return stored, err
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Do(ctx, func(ctx context.Context, rdb *redis.Client) error {
		return rdb.Del(ctx, s.client.Key(key)).Err()
	})
}

// LocalStore implements Store in process memory with ristretto. Entries are
// not shared between keyward instances.
type LocalStore struct {
	// mu orders writers so SetIfAbsent's check and write act as one step.
	mu    sync.Mutex
	cache *ristretto.Cache[string, []byte]
}

// NewLocalStore creates a LocalStore bounded to maxBytes of values.
func NewLocalStore(maxBytes int64) (*LocalStore, error) {
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: 1e6,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &LocalStore{cache: c}, nil
}

// Get implements Store.
func (s *LocalStore) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := s.cache.Get(key)
	if !ok {
		return nil, ErrMiss
	}
	return v, nil
}

// Set implements Store. The write is visible to Get when Set returns.
func (s *LocalStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set(key, value, ttl)
	return nil
}

// SetIfAbsent implements Store.
func (s *LocalStore) SetIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cache.Get(key); ok {
		return false, nil
	}
	return s.set(key, value, ttl), nil
}

func (s *LocalStore) set(key string, value []byte, ttl time.Duration) bool {
	ok := s.cache.SetWithTTL(key, value, int64(len(value)), ttl)
	s.cache.Wait()
	return ok
}

// Delete implements Store.
func (s *LocalStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Del(key)
	s.cache.Wait()
	return nil
}

// Close stops ristretto's background goroutines.
func (s *LocalStore) Close() {
	s.cache.Close()
}
