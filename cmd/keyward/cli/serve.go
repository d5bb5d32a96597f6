package cli

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/faucetdb/keyward/internal/cache"
	"github.com/faucetdb/keyward/internal/config"
	"github.com/faucetdb/keyward/internal/kvstore"
	"github.com/faucetdb/keyward/internal/ratelimit"
	"github.com/faucetdb/keyward/internal/server"
	"github.com/faucetdb/keyward/internal/server/middleware"
	"github.com/faucetdb/keyward/internal/service"
	"github.com/faucetdb/keyward/internal/telemetry"
)

const banner = `
 _  __               _____      ___ ___ ___
| |/ /___ _  _ __ __/ /_\ \    / /_\ | _ \   \
| ' </ -_) || |\ V  V / _ \ \/\/ / _ \|   / |) |
|_|\_\___|\_, | \_/\_/_/ \_\_/\_/_/ \_\_|_\___/
          |__/
`

func newServeCmd() *cobra.Command {
	var daemon, dev bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Keyward API server",
		Long: `Start the HTTP server that validates API keys on protected paths and
exposes the admin API for key management.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if daemon {
				return runDaemon()
			}
			return runServe(dev)
		},
	}

	cmd.Flags().IntP("port", "p", 8080, "HTTP listen port")
	cmd.Flags().String("host", "0.0.0.0", "HTTP listen host")
	cmd.Flags().BoolVar(&dev, "dev", false, "Development mode (debug logging)")
	cmd.Flags().BoolVarP(&daemon, "daemon", "d", false, "Run in the background, logging to the data directory")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))

	return cmd
}

// runDaemon re-executes serve detached from the terminal.
func runDaemon() error {
	if pid, err := readPID(); err == nil && isProcessRunning(pid) {
		return fmt.Errorf("server already running (PID %d)", pid)
	}

	args := make([]string, 0, len(os.Args))
	for _, a := range os.Args[1:] {
		if a == "--daemon" || a == "-d" {
			continue
		}
		args = append(args, a)
	}

	if err := os.MkdirAll(resolveDataDir(), 0755); err != nil {
		return err
	}
	logFile, err := os.OpenFile(logFilePath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	child := exec.Command(os.Args[0], args...)
	child.Stdout = logFile
	child.Stderr = logFile
	setSysProcAttr(child)
	if err := child.Start(); err != nil {
		return fmt.Errorf("start background server: %w", err)
	}

	fmt.Printf("Keyward started in the background (PID %d)\n", child.Process.Pid)
	fmt.Printf("  Logs: %s\n", logFilePath())
	fmt.Println("  Stop with: keyward stop")
	return child.Process.Release()
}

func runServe(dev bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if dev {
		cfg.Logging.Level = "debug"
	}

	fmt.Print(banner)
	fmt.Println()

	logger := newLogger(cfg.Logging, os.Stderr)
	ctx := context.Background()

	// 1. Key store
	store, err := config.NewStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("init key store: %w", err)
	}
	defer store.Close()
	logger.Info("key store initialized", "driver", store.Driver())

	metrics := telemetry.New()

	// 2. Redis (optional): rate-limit counters and, optionally, the key cache
	var kv *kvstore.Client
	if cfg.Redis.Enabled {
		kcfg, err := kvstore.ConfigFromYAML(cfg.Redis)
		if err != nil {
			return err
		}
		kv, err = kvstore.Connect(ctx, kcfg, logger)
		if err != nil {
			return err
		}
		defer kv.Close()
		logger.Info("redis connected", "addr", kcfg.Address)
	}

	var counter ratelimit.CounterStore
	if kv != nil {
		counter = ratelimit.NewRedisCounter(kv)
	} else {
		counter = ratelimit.NewMemoryCounter(nil)
		logger.Warn("redis disabled, rate-limit counters are local to this process")
	}
	limiter := ratelimit.New(counter, logger, ratelimit.WithMetrics(metrics))

	// 3. Key cache
	keyCache, closeCache, err := buildKeyCache(cfg, kv, logger, metrics)
	if err != nil {
		return err
	}
	defer closeCache()

	// 4. Services
	mcfg, err := managerConfig(cfg)
	if err != nil {
		return err
	}
	opts := []service.ManagerOption{
		service.WithLimiter(limiter),
		service.WithLogger(logger),
		service.WithMetrics(metrics),
	}
	if keyCache != nil {
		opts = append(opts, service.WithCache(keyCache))
	}
	manager := service.NewManager(store, mcfg, opts...)

	authSvc, err := buildAuthService(cfg, store, logger)
	if err != nil {
		return err
	}

	hasAdmin, err := store.HasAnyAdmin(ctx)
	if err != nil {
		logger.Warn("failed to check for admin", "error", err)
	}
	if !hasAdmin {
		logger.Warn("no admin account found - run: keyward admin create")
	}

	// 5. API-key policy, reloaded when the config file changes
	policy, err := middleware.NewPolicy(cfg.APIKeys.ProtectedPaths, cfg.APIKeys.ScopeRequirements)
	if err != nil {
		return err
	}
	apiKeyAuth := middleware.NewAPIKeyAuth(manager, policy, logger)
	watchPolicy(apiKeyAuth, logger)

	// 6. Background jobs
	if cfg.Sweeper.Enabled {
		sweeper := service.NewSweeper(manager, cfg.Sweeper.Schedule, logger)
		if err := sweeper.Start(ctx); err != nil {
			return err
		}
		defer sweeper.Stop()
	}

	poller := telemetry.NewPoller(metrics, func(ctx context.Context) (map[string]int, error) {
		counts, err := store.CountAPIKeysByStatus(ctx)
		if err != nil {
			return nil, err
		}
		out := make(map[string]int, len(counts))
		for status, n := range counts {
			out[string(status)] = n
		}
		return out, nil
	}, time.Minute)
	poller.Start()
	defer poller.Shutdown()

	// 7. HTTP server
	shutdown, err := parseDuration("server.shutdown_timeout", cfg.Server.ShutdownTimeout, 30*time.Second)
	if err != nil {
		return err
	}
	srvCfg := server.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ShutdownTimeout: shutdown,
		CORSOrigins:     cfg.Server.CORS.Origins,
		LoginRateLimit:  cfg.Server.LoginRateLimit,
		ProtectedPaths:  cfg.APIKeys.ProtectedPaths,
		Version:         versionString(),
	}
	srv := server.New(srvCfg, server.Deps{
		Store:      store,
		Manager:    manager,
		AuthSvc:    authSvc,
		APIKeyAuth: apiKeyAuth,
		KV:         kv,
		Metrics:    metrics,
		Logger:     logger,
	})

	if err := writePID(os.Getpid()); err != nil {
		logger.Warn("failed to write PID file", "error", err)
	}
	defer removePID()

	fmt.Printf("→ Keyward %s\n", versionString())
	fmt.Printf("→ Listening on http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("→ OpenAPI:    http://%s:%d/openapi.json\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("→ Health:     http://%s:%d/healthz\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("→ Protected:  %d path prefixes\n", len(cfg.APIKeys.ProtectedPaths))
	fmt.Println()

	return srv.ListenAndServe(ctx)
}

// buildKeyCache returns the configured key cache, or nil for backend none.
// The returned func releases local cache resources.
func buildKeyCache(cfg *config.YAMLConfig, kv *kvstore.Client, logger *slog.Logger, metrics *telemetry.Metrics) (*cache.KeyCache, func(), error) {
	noop := func() {}
	ttl, err := parseDuration("cache.ttl", cfg.Cache.TTL, cache.DefaultTTL)
	if err != nil {
		return nil, noop, err
	}

	switch cfg.Cache.Backend {
	case "none", "":
		logger.Info("key cache disabled")
		return nil, noop, nil
	case "redis":
		if kv == nil {
			return nil, noop, fmt.Errorf("cache.backend redis requires redis.enabled")
		}
		logger.Info("key cache enabled", "backend", "redis", "ttl", ttl)
		return cache.NewKeyCache(cache.NewRedisStore(kv), ttl, logger, metrics), noop, nil
	case "local":
		local, err := cache.NewLocalStore(0)
		if err != nil {
			return nil, noop, err
		}
		logger.Info("key cache enabled", "backend", "local", "ttl", ttl)
		return cache.NewKeyCache(local, ttl, logger, metrics), local.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown cache.backend %q (want redis, local or none)", cfg.Cache.Backend)
	}
}

func buildAuthService(cfg *config.YAMLConfig, store *config.Store, logger *slog.Logger) (*service.AuthService, error) {
	access, err := parseDuration("auth.jwt_expiry", cfg.Auth.JWTExpiry, 15*time.Minute)
	if err != nil {
		return nil, err
	}
	refresh, err := parseDuration("auth.refresh_expiry", cfg.Auth.RefreshExpiry, 7*24*time.Hour)
	if err != nil {
		return nil, err
	}

	secret := cfg.Auth.JWTSecret
	if secret == "" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("generate jwt secret: %w", err)
		}
		secret = hex.EncodeToString(buf)
		logger.Warn("auth.jwt_secret not set, using a random secret; admin sessions end on restart")
	}

	return service.NewAuthService(store, service.AuthConfig{
		JWTSecret:  secret,
		AccessTTL:  access,
		RefreshTTL: refresh,
	}), nil
}

// watchPolicy swaps the API-key policy whenever the config file changes.
// Routes are not remounted: newly protected prefixes are guarded but only
// serve 404s until restart.
func watchPolicy(auth *middleware.APIKeyAuth, logger *slog.Logger) {
	if viper.ConfigFileUsed() == "" {
		return
	}
	viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := loadConfig()
		if err != nil {
			logger.Error("config reload failed", "file", e.Name, "error", err)
			return
		}
		policy, err := middleware.NewPolicy(cfg.APIKeys.ProtectedPaths, cfg.APIKeys.ScopeRequirements)
		if err != nil {
			logger.Error("config reload failed", "file", e.Name, "error", err)
			return
		}
		auth.SetPolicy(policy)
		logger.Info("api key policy reloaded", "file", e.Name, "protected_paths", len(cfg.APIKeys.ProtectedPaths))
	})
	viper.WatchConfig()
}
