// ABOUTME: Tests for config parsing, defaults, environment overrides and hot reload.
// ABOUTME: Uses temp files and a cleared environment for each case.

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/2389/stromwissen/internal/keymanager"
	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
)

const sampleYAML = `
server:
  port: 9100
  admin_token: ${TEST_ADMIN_TOKEN}
logging:
  level: debug
  format: console
quota:
  limits:
    daily: 100
    minute: 5
  backoff: [500ms, 1s]
  retries: 3
  metrics:
    backend: sqlite
providers:
  free:
    kind: gemini
    model: gemini-2.0-flash-lite
  paid:
    kind: openai
    api_key_env: PAID_KEY
    temperature: 0.2
plugins:
  block: [upload-audit]
  hook_timeout: 3s
  config:
    export-ui:
      delimiter: ";"
`

func clearEnv(t *testing.T) {
	t.Helper()
	for _, env := range []string{
		"STROMWISSEN_HOST", "STROMWISSEN_PORT", "STROMWISSEN_DB_PATH", "STROMWISSEN_LOG_LEVEL",
		"STROMWISSEN_LOG_FORMAT", "STROMWISSEN_METRICS_BACKEND", "STROMWISSEN_METRICS_PATH",
		"STROMWISSEN_PLUGINS_DIR", "ADMIN_TOKEN", "GEMINI_API_KEY", "MISTRAL_API_KEY", "OPENAI_API_KEY",
	} {
		t.Setenv(env, "")
	}
}

func TestParse(t *testing.T) {
	clearEnv(t)
	t.Setenv("TEST_ADMIN_TOKEN", "s3cret")
	t.Setenv("GEMINI_API_KEY", "free-key")
	t.Setenv("PAID_KEY", "paid-key")

	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Server.Addr() != "0.0.0.0:9100" || cfg.Server.AdminToken != "s3cret" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Quota.Limits != (keymanager.Limits{Daily: 100, Minute: 5}) {
		t.Errorf("limits = %+v", cfg.Quota.Limits)
	}
	if diff := cmp.Diff([]time.Duration{500 * time.Millisecond, time.Second}, cfg.Quota.Backoff); diff != "" {
		t.Errorf("backoff mismatch:\n%s", diff)
	}
	if cfg.Quota.RetryCount() != 3 || cfg.Quota.Metrics.Backend != BackendSQLite {
		t.Errorf("quota = %+v", cfg.Quota)
	}
	if cfg.Providers.Free.APIKey != "free-key" || cfg.Providers.Paid.APIKey != "paid-key" {
		t.Errorf("provider keys = %q %q", cfg.Providers.Free.APIKey, cfg.Providers.Paid.APIKey)
	}
	if opts := cfg.Providers.Paid.ModelOptions(); opts.Temperature != 0.2 {
		t.Errorf("paid model options = %+v", opts)
	}
	if cfg.Plugins.HookTimeout != 3*time.Second || cfg.Plugins.Block[0] != "upload-audit" {
		t.Errorf("plugins = %+v", cfg.Plugins)
	}
	if cfg.Plugins.Settings["export-ui"]["delimiter"] != ";" {
		t.Errorf("plugin settings = %v", cfg.Plugins.Settings)
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("MISTRAL_API_KEY", "m-key")

	cfg := Default()
	if cfg.Server.Port != 8080 || cfg.Database.Path != "stromwissen.db" {
		t.Errorf("server/database defaults = %+v %+v", cfg.Server, cfg.Database)
	}
	if cfg.Quota.Limits != keymanager.DefaultLimits {
		t.Errorf("limits = %+v", cfg.Quota.Limits)
	}
	if cfg.Quota.RetryCount() != 1 || cfg.Quota.FlushEvery != keymanager.DefaultFlushEvery {
		t.Errorf("quota defaults = %+v", cfg.Quota)
	}
	if cfg.Quota.CostPer1000 != keymanager.DefaultCostPer1000 || cfg.Quota.Metrics.Backend != BackendFile {
		t.Errorf("quota defaults = %+v", cfg.Quota)
	}
	if cfg.Providers.Free.Kind != "gemini" || cfg.Providers.Paid.Kind != "mistral" || cfg.Providers.Paid.APIKey != "m-key" {
		t.Errorf("providers = %+v", cfg.Providers)
	}
	if cfg.Plugins.HookTimeout != 10*time.Second {
		t.Errorf("hook timeout = %v", cfg.Plugins.HookTimeout)
	}

	// Backoff defaults must not alias the package-level slice.
	cfg.Quota.Backoff[0] = time.Hour
	if keymanager.DefaultBackoff[0] == time.Hour {
		t.Error("default backoff slice was aliased")
	}
}

func TestRetriesZeroIsHonored(t *testing.T) {
	clearEnv(t)
	cfg, err := Parse([]byte("quota:\n  retries: 0\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Quota.RetryCount() != 0 {
		t.Errorf("RetryCount() = %d, want 0", cfg.Quota.RetryCount())
	}
}

func TestZeroLimitsAreHonored(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name string
		yaml string
		want keymanager.Limits
	}{
		{"daily off", "quota:\n  limits:\n    daily: 0\n", keymanager.Limits{Daily: 0, Minute: keymanager.DefaultLimits.Minute}},
		{"minute off", "quota:\n  limits:\n    minute: 0\n", keymanager.Limits{Daily: keymanager.DefaultLimits.Daily, Minute: 0}},
		{"both off", "quota:\n  limits:\n    daily: 0\n    minute: 0\n", keymanager.Limits{}},
		{"unset", "quota:\n  retries: 2\n", keymanager.DefaultLimits},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tt.yaml))
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if cfg.Quota.Limits != tt.want {
				t.Errorf("limits = %+v, want %+v", cfg.Quota.Limits, tt.want)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("STROMWISSEN_PORT", "7000")
	t.Setenv("STROMWISSEN_DB_PATH", "/tmp/x.db")
	t.Setenv("STROMWISSEN_LOG_LEVEL", "warn")
	t.Setenv("STROMWISSEN_METRICS_BACKEND", "sqlite")
	t.Setenv("ADMIN_TOKEN", "env-token")

	cfg, err := Parse([]byte("server:\n  port: 9100\n  admin_token: file-token\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Server.Port != 7000 || cfg.Server.AdminToken != "env-token" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Database.Path != "/tmp/x.db" || cfg.Logging.Level != "warn" || cfg.Quota.Metrics.Backend != BackendSQLite {
		t.Errorf("overrides not applied: %+v", cfg)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad port", "server:\n  port: 70000\n", "server.port"},
		{"bad level", "logging:\n  level: loud\n", "logging.level"},
		{"bad format", "logging:\n  format: xml\n", "logging.format"},
		{"negative limit", "quota:\n  limits:\n    daily: -1\n", "quota.limits"},
		{"zero backoff step", "quota:\n  backoff: [1s, 0s]\n", "quota.backoff[1]"},
		{"negative retries", "quota:\n  retries: -2\n", "quota.retries"},
		{"bad backend", "quota:\n  metrics:\n    backend: redis\n", "quota.metrics.backend"},
		{"allowed and blocked", "plugins:\n  allow: [a]\n  block: [a]\n", "both allowed and blocked"},
		{"bad yaml", "server: [", "parse config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			_, err := Parse([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Parse() error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoadWithFallback(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	cfg, err := LoadWithFallback(filepath.Join(dir, "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadWithFallback() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("fallback port = %d", cfg.Server.Port)
	}

	path := filepath.Join(dir, "stromwissen.yaml")
	os.WriteFile(path, []byte("server:\n  port: 9200\n"), 0o644)
	cfg, err = LoadWithFallback(path)
	if err != nil {
		t.Fatalf("LoadWithFallback() error = %v", err)
	}
	if cfg.Server.Port != 9200 {
		t.Errorf("file port = %d", cfg.Server.Port)
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("Load() of a missing file should fail")
	}
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	os.WriteFile(envFile, []byte("STROMWISSEN_TEST_DOTENV=from-file\n"), 0o644)
	t.Setenv("STROMWISSEN_TEST_DOTENV", "")
	os.Unsetenv("STROMWISSEN_TEST_DOTENV")

	if err := LoadDotEnv(filepath.Join(dir, "absent.env"), envFile); err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}
	if got := os.Getenv("STROMWISSEN_TEST_DOTENV"); got != "from-file" {
		t.Errorf("STROMWISSEN_TEST_DOTENV = %q", got)
	}
}

func TestHolderReload(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "stromwissen.yaml")
	os.WriteFile(path, []byte("quota:\n  limits:\n    daily: 10\n    minute: 2\n"), 0o644)

	var observed []error
	h, err := NewHolder(path, zerolog.Nop(), WithReloadObserver(func(err error) { observed = append(observed, err) }))
	if err != nil {
		t.Fatalf("NewHolder() error = %v", err)
	}
	defer h.Stop()

	var got keymanager.Limits
	h.OnChange(func(cfg *Config) { got = cfg.Quota.Limits })

	os.WriteFile(path, []byte("quota:\n  limits:\n    daily: 20\n    minute: 4\n"), 0o644)
	if err := h.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if got != (keymanager.Limits{Daily: 20, Minute: 4}) || h.Get().Quota.Limits != got {
		t.Errorf("limits after reload = %+v / %+v", got, h.Get().Quota.Limits)
	}

	os.WriteFile(path, []byte("quota:\n  metrics:\n    backend: redis\n"), 0o644)
	if err := h.Reload(); err == nil {
		t.Fatal("Reload() of invalid file should fail")
	}
	if h.Get().Quota.Limits.Daily != 20 {
		t.Error("failed reload replaced the config")
	}
	if len(observed) != 2 || observed[0] != nil || observed[1] == nil {
		t.Errorf("observed = %v", observed)
	}
}

// Listeners see every reload, including ones added by a listener while a
// reload is being delivered.
func TestHolderReloadListeners(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "stromwissen.yaml")
	os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o644)

	h, err := NewHolder(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewHolder() error = %v", err)
	}
	defer h.Stop()

	var first, late int
	h.OnChange(func(cfg *Config) {
		first++
		if first == 1 {
			h.OnChange(func(cfg *Config) { late++ })
		}
	})

	for i := 0; i < 2; i++ {
		if err := h.Reload(); err != nil {
			t.Fatalf("Reload() error = %v", err)
		}
	}
	if first != 2 || late != 1 {
		t.Errorf("listener calls = %d/%d, want 2/1", first, late)
	}
}

func TestHolderWatchFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "stromwissen.yaml")
	os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o644)

	h, err := NewHolder(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewHolder() error = %v", err)
	}
	changed := make(chan string, 8)
	h.OnChange(func(cfg *Config) {
		select {
		case changed <- cfg.Logging.Level:
		default:
		}
	})

	if err := h.WatchFile(); err != nil {
		t.Fatalf("WatchFile() error = %v", err)
	}
	defer h.Stop()

	os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o644)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case level := <-changed:
			if level == "debug" {
				return
			}
		case <-deadline:
			t.Fatal("config change was not picked up")
		}
	}
}

func TestHolderWatchMissingFile(t *testing.T) {
	clearEnv(t)
	h, err := NewHolder(filepath.Join(t.TempDir(), "none.yaml"), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewHolder() error = %v", err)
	}
	if err := h.WatchFile(); err == nil {
		t.Error("WatchFile() on a missing file should fail")
	}
	h.Stop()
	h.Stop()
}
