package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/faucetdb/keyward/internal/config"
	"github.com/faucetdb/keyward/internal/keygen"
	"github.com/faucetdb/keyward/internal/model"
	"github.com/faucetdb/keyward/internal/service"
)

// resetConfig clears global CLI state and points the data dir at a temp dir.
func resetConfig(t *testing.T, file string) {
	t.Helper()
	viper.Reset()
	cfgFile = file
	dataDir = t.TempDir()
	t.Cleanup(func() {
		viper.Reset()
		cfgFile = ""
		dataDir = ""
	})
	initConfig()
}

func TestLoadConfig_Defaults(t *testing.T) {
	resetConfig(t, filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.APIKeys.DefaultRateLimits != model.DefaultRateLimits() {
		t.Errorf("default limits = %+v", cfg.APIKeys.DefaultRateLimits)
	}
	if len(cfg.APIKeys.ScopeRequirements) != len(config.DefaultScopeRequirements()) {
		t.Errorf("scope requirements = %v", cfg.APIKeys.ScopeRequirements)
	}
	if cfg.Store.DataDir != dataDir {
		t.Errorf("data dir = %q, want %q", cfg.Store.DataDir, dataDir)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("KEYWARD_SERVER_PORT", "9191")
	t.Setenv("KEYWARD_APIKEYS_DEFAULT_RATE_LIMITS_PER_MINUTE", "5")
	t.Setenv("KEYWARD_CACHE_BACKEND", "none")
	resetConfig(t, filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Server.Port != 9191 {
		t.Errorf("port = %d, want 9191", cfg.Server.Port)
	}
	if cfg.APIKeys.DefaultRateLimits.PerMinute != 5 {
		t.Errorf("per_minute = %d, want 5", cfg.APIKeys.DefaultRateLimits.PerMinute)
	}
	if cfg.Cache.Backend != "none" {
		t.Errorf("cache backend = %q", cfg.Cache.Backend)
	}
}

func TestLoadConfig_FileReplacesScopeRequirements(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyward.yaml")
	content := `
server:
  port: 7070
apikeys:
  protected_paths:
    - /api/v1/partners/
  scope_requirements:
    /api/v1/partners/:
      - read_only
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	resetConfig(t, path)

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("port = %d, want 7070", cfg.Server.Port)
	}
	if len(cfg.APIKeys.ProtectedPaths) != 1 || cfg.APIKeys.ProtectedPaths[0] != "/api/v1/partners/" {
		t.Errorf("protected paths = %v", cfg.APIKeys.ProtectedPaths)
	}
	want := map[string][]string{"/api/v1/partners/": {"read_only"}}
	if len(cfg.APIKeys.ScopeRequirements) != 1 || cfg.APIKeys.ScopeRequirements["/api/v1/partners/"][0] != want["/api/v1/partners/"][0] {
		t.Errorf("scope requirements = %v, want %v", cfg.APIKeys.ScopeRequirements, want)
	}
	if cfg.Server.LoginRateLimit != 10 {
		t.Errorf("unset fields should keep defaults, login_rate_limit = %d", cfg.Server.LoginRateLimit)
	}
}

func TestConfigInit_WritesLoadableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyward.yaml")
	if err := runConfigInit(path, false); err != nil {
		t.Fatalf("runConfigInit: %v", err)
	}
	if err := runConfigInit(path, false); err == nil {
		t.Error("expected error when file exists without --force")
	}
	if err := runConfigInit(path, true); err != nil {
		t.Errorf("runConfigInit --force: %v", err)
	}

	resetConfig(t, path)
	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Sweeper.Schedule != "@every 5m" {
		t.Errorf("schedule = %q", cfg.Sweeper.Schedule)
	}
}

func TestParseDuration(t *testing.T) {
	d, err := parseDuration("x", "", 3)
	if err != nil || d != 3 {
		t.Errorf("empty value: got %v, %v", d, err)
	}
	if _, err := parseDuration("cache.ttl", "soon", 0); err == nil || !strings.Contains(err.Error(), "cache.ttl") {
		t.Errorf("expected named parse error, got %v", err)
	}
}

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), buf.String())
	}
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("not JSON: %v", err)
	}
	if entry["msg"] != "shown" || entry["k"] != "v" {
		t.Errorf("unexpected entry %v", entry)
	}
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd("1.2.3", "abc", "today")
	want := []string{"serve", "status", "stop", "version", "key", "admin", "openapi", "benchmark", "config"}
	for _, name := range want {
		if cmd, _, err := root.Find([]string{name}); err != nil || cmd.Name() != name {
			t.Errorf("missing subcommand %q", name)
		}
	}
	for _, sub := range []string{"create", "list", "rotate", "suspend", "reactivate", "revoke", "stats"} {
		if cmd, _, err := root.Find([]string{"key", sub}); err != nil || cmd.Name() != sub {
			t.Errorf("missing key subcommand %q", sub)
		}
	}
}

func TestVersionCommand_JSON(t *testing.T) {
	cmd := newVersionCmd("1.2.3", "abc", "today")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--json"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info["version"] != "1.2.3" || info["commit"] != "abc" {
		t.Errorf("unexpected info %v", info)
	}
	if info["key_tag"] != keygen.DefaultTag {
		t.Errorf("key_tag = %q", info["key_tag"])
	}
}

func TestKeyCommands_AgainstStore(t *testing.T) {
	resetConfig(t, filepath.Join(t.TempDir(), "missing.yaml"))

	var issued *service.IssuedKey
	err := withManager(func(ctx context.Context, m *service.Manager) error {
		var err error
		issued, err = m.Generate(ctx, service.GenerateRequest{Name: "cli"})
		return err
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	// Keys persist across store openings and resolve by prefix.
	err = withManager(func(ctx context.Context, m *service.Manager) error {
		key, err := resolveKey(ctx, m, issued.Key.KeyPrefix)
		if err != nil {
			return err
		}
		if key.ID != issued.Key.ID {
			t.Errorf("resolved %s, want %s", key.ID, issued.Key.ID)
		}
		if _, err := resolveKey(ctx, m, "zz_nothing"); err == nil {
			t.Error("expected error for unknown reference")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	root := newRootCmd("dev", "none", "unknown")
	root.SetArgs([]string{"--data-dir", dataDir, "key", "revoke", issued.Key.ID})
	if err := root.Execute(); err != nil {
		t.Fatalf("key revoke: %v", err)
	}

	err = withManager(func(ctx context.Context, m *service.Manager) error {
		key, err := m.Get(ctx, issued.Key.ID)
		if err != nil {
			return err
		}
		if key.Status != model.StatusRevoked {
			t.Errorf("status = %q, want revoked", key.Status)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
}

func TestPrintKeys(t *testing.T) {
	var buf bytes.Buffer
	if err := printKeys(&buf, nil, false); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "No API keys found") {
		t.Errorf("unexpected output %q", buf.String())
	}

	buf.Reset()
	keys := []model.APIKey{{ID: "id-1", KeyPrefix: "kw_abcde", Name: "one", Status: model.StatusActive,
		Scopes: []model.Scope{model.ScopeReadOnly}, TotalRequests: 7}}
	if err := printKeys(&buf, keys, false); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"id-1", "kw_abcde", "read_only", "7"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("output missing %q: %s", want, buf.String())
		}
	}
}

func TestRunBenchmark_InMemory(t *testing.T) {
	resetConfig(t, filepath.Join(t.TempDir(), "missing.yaml"))

	res, err := runBenchmark(context.Background(), benchOptions{
		duration:    200 * time.Millisecond,
		concurrency: 2,
		keys:        3,
	}, false)
	if err != nil {
		t.Fatalf("runBenchmark: %v", err)
	}
	if res.total == 0 {
		t.Error("expected some successful validations")
	}
	if res.errors != 0 {
		t.Errorf("errors = %d, want 0", res.errors)
	}
	if len(res.latencies) != int(res.total) {
		t.Errorf("latencies = %d, total = %d", len(res.latencies), res.total)
	}

	if _, err := runBenchmark(context.Background(), benchOptions{keys: 0, concurrency: 1}, false); err == nil {
		t.Error("expected error for zero keys")
	}
}

func TestPercentile(t *testing.T) {
	sorted := []time.Duration{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	if got := percentile(sorted, 50); got != 6 {
		t.Errorf("p50 = %v, want 6", got)
	}
	if got := percentile(sorted, 100); got != 10 {
		t.Errorf("p100 = %v, want 10", got)
	}
	if got := percentile(nil, 99); got != 0 {
		t.Errorf("empty = %v", got)
	}
}
