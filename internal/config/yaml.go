package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/faucetdb/keyward/internal/model"
)

// YAMLConfig represents the top-level keyward configuration file. The
// mapstructure tags let viper unmarshal the same schema from file, env and
// flags.
type YAMLConfig struct {
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Auth    AuthConfig    `yaml:"auth" mapstructure:"auth"`
	Store   StoreConfig   `yaml:"store" mapstructure:"store"`
	Redis   RedisConfig   `yaml:"redis" mapstructure:"redis"`
	Cache   CacheConfig   `yaml:"cache" mapstructure:"cache"`
	APIKeys APIKeysConfig `yaml:"apikeys" mapstructure:"apikeys"`
	Sweeper SweeperConfig `yaml:"sweeper" mapstructure:"sweeper"`
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
}

// ServerConfig controls the HTTP server behavior.
type ServerConfig struct {
	Host            string     `yaml:"host" mapstructure:"host"`
	Port            int        `yaml:"port" mapstructure:"port"`
	ShutdownTimeout string     `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	LoginRateLimit  int        `yaml:"login_rate_limit" mapstructure:"login_rate_limit"`
	CORS            CORSConfig `yaml:"cors" mapstructure:"cors"`
}

// CORSConfig controls cross-origin resource sharing settings.
type CORSConfig struct {
	Origins []string `yaml:"origins" mapstructure:"origins"`
}

// AuthConfig controls admin authentication.
type AuthConfig struct {
	JWTSecret     string `yaml:"jwt_secret" mapstructure:"jwt_secret"`
	JWTExpiry     string `yaml:"jwt_expiry" mapstructure:"jwt_expiry"`
	RefreshExpiry string `yaml:"refresh_expiry" mapstructure:"refresh_expiry"`
}

// RedisConfig controls the Redis instance used for rate-limit counters and,
// when cache.backend is redis, the key cache.
type RedisConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	Address         string `yaml:"address" mapstructure:"address"`
	Password        string `yaml:"password" mapstructure:"password"`
	DB              int    `yaml:"db" mapstructure:"db"`
	Prefix          string `yaml:"prefix" mapstructure:"prefix"`
	Timeout         string `yaml:"timeout" mapstructure:"timeout"`
	BreakerFailures int    `yaml:"breaker_failures" mapstructure:"breaker_failures"`
	BreakerCooldown string `yaml:"breaker_cooldown" mapstructure:"breaker_cooldown"`
}

// CacheConfig selects the key cache backend: redis, local or none.
type CacheConfig struct {
	Backend string `yaml:"backend" mapstructure:"backend"`
	TTL     string `yaml:"ttl" mapstructure:"ttl"`
}

// APIKeysConfig controls key generation defaults and which request paths
// require an API key.
type APIKeysConfig struct {
	KeyTag              string              `yaml:"key_tag" mapstructure:"key_tag"`
	DefaultRateLimits   model.RateLimits    `yaml:"default_rate_limits" mapstructure:"default_rate_limits"`
	DefaultRotationDays int                 `yaml:"default_rotation_days" mapstructure:"default_rotation_days"`
	ProtectedPaths      []string            `yaml:"protected_paths" mapstructure:"protected_paths"`
	ScopeRequirements   map[string][]string `yaml:"scope_requirements" mapstructure:"scope_requirements"`
}

// SweeperConfig controls the periodic expiry sweep.
type SweeperConfig struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	Schedule string `yaml:"schedule" mapstructure:"schedule"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// LoadYAMLConfig reads and parses a YAML configuration file on top of the
// defaults. Environment variables referenced as ${VAR_NAME} in the file are
// expanded before parsing.
func LoadYAMLConfig(path string) (*YAMLConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables: ${VAR_NAME}
	content := os.ExpandEnv(string(data))

	cfg := DefaultYAMLConfig()
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// DefaultProtectedPaths are the path prefixes that require an API key when
// the configuration does not list any.
func DefaultProtectedPaths() []string {
	return []string{
		"/api/v1/admin/",
		"/api/v1/webhooks/",
		"/api/v1/external/",
		"/api/v1/payments/",
		"/api/v1/bills/",
		"/api/v1/users/",
	}
}

// DefaultScopeRequirements maps protected path prefixes to the scopes a key
// must hold.
func DefaultScopeRequirements() map[string][]string {
	return map[string][]string{
		"/api/v1/admin/":    {string(model.ScopeAdmin)},
		"/api/v1/payments/": {string(model.ScopePayment)},
		"/api/v1/bills/":    {string(model.ScopeBilling)},
		"/api/v1/webhooks/": {string(model.ScopeWebhook)},
		"/api/v1/users/":    {string(model.ScopeUserManagement)},
	}
}

// DefaultYAMLConfig returns a YAMLConfig pre-filled with sensible defaults.
func DefaultYAMLConfig() *YAMLConfig {
	return &YAMLConfig{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: "30s",
			LoginRateLimit:  10,
			CORS: CORSConfig{
				Origins: []string{"*"},
			},
		},
		Auth: AuthConfig{
			JWTExpiry:     "15m",
			RefreshExpiry: "168h",
		},
		Store: StoreConfig{
			Driver:  DriverSQLite,
			Timeout: "2s",
		},
		Redis: RedisConfig{
			Enabled:         false,
			Address:         "localhost:6379",
			Prefix:          "keyward:",
			Timeout:         "250ms",
			BreakerFailures: 5,
			BreakerCooldown: "10s",
		},
		Cache: CacheConfig{
			Backend: "local",
			TTL:     "5m",
		},
		APIKeys: APIKeysConfig{
			KeyTag:              "kw",
			DefaultRateLimits:   model.DefaultRateLimits(),
			DefaultRotationDays: 90,
			ProtectedPaths:      DefaultProtectedPaths(),
			ScopeRequirements:   DefaultScopeRequirements(),
		},
		Sweeper: SweeperConfig{
			Enabled:  true,
			Schedule: "@every 5m",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// WriteDefaultConfig writes the default configuration to a YAML file.
func WriteDefaultConfig(path string) error {
	cfg := DefaultYAMLConfig()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
