// Package kvstore owns the Redis connection shared by the rate-limit counter
// store and the key cache.
package kvstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/faucetdb/keyward/internal/config"
)

// Config holds the resolved Redis settings.
type Config struct {
	Address         string
	Password        string
	DB              int
	Prefix          string
	Timeout         time.Duration
	BreakerFailures int
	BreakerCooldown time.Duration
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Address:         "localhost:6379",
		Prefix:          "keyward:",
		Timeout:         250 * time.Millisecond,
		BreakerFailures: 5,
		BreakerCooldown: 10 * time.Second,
	}
}

// ConfigFromYAML converts the file representation into a Config, parsing
// duration strings. Empty values keep their defaults.
func ConfigFromYAML(rc config.RedisConfig) (Config, error) {
	cfg := DefaultConfig()
	if rc.Address != "" {
		cfg.Address = rc.Address
	}
	cfg.Password = rc.Password
	cfg.DB = rc.DB
	if rc.Prefix != "" {
		cfg.Prefix = rc.Prefix
	}
	if rc.BreakerFailures > 0 {
		cfg.BreakerFailures = rc.BreakerFailures
	}
	if rc.Timeout != "" {
		d, err := time.ParseDuration(rc.Timeout)
		if err != nil {
			return Config{}, fmt.Errorf("redis.timeout: %w", err)
		}
		cfg.Timeout = d
	}
	if rc.BreakerCooldown != "" {
		d, err := time.ParseDuration(rc.BreakerCooldown)
		if err != nil {
			return Config{}, fmt.Errorf("redis.breaker_cooldown: %w", err)
		}
		cfg.BreakerCooldown = d
	}
	return cfg, nil
}

// Client is a Redis client with a key prefix and a Guard applied to every
// call made through Do.
type Client struct {
	rdb    *redis.Client
	prefix string
	guard  *Guard
}

// Connect creates a client and verifies the server answers PING.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	c := New(cfg, logger)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.rdb.Ping(pingCtx).Err(); err != nil {
		c.rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Address, err)
	}
	return c, nil
}

// New creates a client without contacting the server.
func New(cfg Config, logger *slog.Logger) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})
	return &Client{
		rdb:    rdb,
		prefix: cfg.Prefix,
		guard: NewGuard(GuardConfig{
			Name:     "redis",
			Timeout:  cfg.Timeout,
			Failures: cfg.BreakerFailures,
			Cooldown: cfg.BreakerCooldown,
		}, logger),
	}
}

// Redis returns the underlying client.
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// Key returns k with the configured prefix.
func (c *Client) Key(k string) string {
	return c.prefix + k
}

// Do runs fn through the guard.
func (c *Client) Do(ctx context.Context, fn func(ctx context.Context, rdb *redis.Client) error) error {
	return c.guard.Do(ctx, func(ctx context.Context) error {
		return fn(ctx, c.rdb)
	})
}

// Ping checks connectivity through the guard.
func (c *Client) Ping(ctx context.Context) error {
	return c.Do(ctx, func(ctx context.Context, rdb *redis.Client) error {
		return rdb.Ping(ctx).Err()
	})
}

// BreakerState reports the guard's breaker state.
func (c *Client) BreakerState() string {
	return c.guard.State()
}

// Close closes the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}
