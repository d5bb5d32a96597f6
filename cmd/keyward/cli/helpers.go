package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/faucetdb/keyward/internal/config"
	"github.com/faucetdb/keyward/internal/service"
)

// dataDir holds the --data-dir persistent flag value (set on root command).
var dataDir string

// resolveDataDir returns the data directory from --data-dir flag,
// store.data_dir config (or KEYWARD_STORE_DATA_DIR), or ~/.keyward as
// fallback.
func resolveDataDir() string {
	if dataDir != "" {
		return dataDir
	}
	if dir := viper.GetString("store.data_dir"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".keyward")
}

// loadConfig merges defaults, the config file and KEYWARD_* environment
// variables into a YAMLConfig.
func loadConfig() (*config.YAMLConfig, error) {
	cfg := config.DefaultYAMLConfig()
	if viper.IsSet("apikeys.scope_requirements") {
		cfg.APIKeys.ScopeRequirements = nil
	}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Store.Driver == "" || cfg.Store.Driver == config.DriverSQLite {
		if cfg.Store.DSN == "" {
			cfg.Store.DataDir = resolveDataDir()
		}
	}
	return cfg, nil
}

// openConfigStore opens the key store described by the loaded config,
// defaulting to SQLite under ~/.keyward.
func openConfigStore() (*config.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return config.NewStore(cfg.Store)
}

// newManager builds a Manager over store for one-shot CLI commands. It has
// no cache or limiter; a running server holding a cache sees CLI changes
// once its cache TTL lapses.
func newManager(store *config.Store, cfg *config.YAMLConfig, logger *slog.Logger) (*service.Manager, error) {
	mcfg, err := managerConfig(cfg)
	if err != nil {
		return nil, err
	}
	return service.NewManager(store, mcfg, service.WithLogger(logger)), nil
}

func managerConfig(cfg *config.YAMLConfig) (service.ManagerConfig, error) {
	timeout, err := parseDuration("store.timeout", cfg.Store.Timeout, 2*time.Second)
	if err != nil {
		return service.ManagerConfig{}, err
	}
	return service.ManagerConfig{
		KeyTag:              cfg.APIKeys.KeyTag,
		DefaultLimits:       cfg.APIKeys.DefaultRateLimits,
		DefaultRotationDays: cfg.APIKeys.DefaultRotationDays,
		StoreTimeout:        timeout,
	}, nil
}

// parseDuration parses a duration setting, returning def when it is empty.
func parseDuration(name, value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return d, nil
}

// newLogger builds the process logger from the logging section.
func newLogger(lc config.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(lc.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(lc.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// cliLogger is used by one-shot commands; only warnings reach the terminal.
func cliLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// --- PID file management ---

func pidFilePath() string {
	return filepath.Join(resolveDataDir(), "keyward.pid")
}

func writePID(pid int) error {
	dir := resolveDataDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(pidFilePath(), []byte(strconv.Itoa(pid)), 0644)
}

func readPID() (int, error) {
	data, err := os.ReadFile(pidFilePath())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePID() {
	os.Remove(pidFilePath())
}

func logFilePath() string {
	return filepath.Join(resolveDataDir(), "keyward.log")
}

// versionString returns a display version string.
func versionString() string {
	if appVersion == "" || appVersion == "dev" {
		return "dev"
	}
	if strings.HasPrefix(appVersion, "v") {
		return appVersion
	}
	return "v" + appVersion
}
