// ABOUTME: Configuration loading from stromwissen.yaml, .env files and environment overrides.
// ABOUTME: Applies defaults and validates before the config reaches the application.

// Package config loads stromwissen.yaml, .env files and environment
// overrides, and hot-reloads the file while the server runs.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/2389/stromwissen/internal/keymanager"
	"github.com/2389/stromwissen/internal/provider"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file looked up when none is given.
const DefaultPath = "stromwissen.yaml"

// Metrics backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Logging   LoggingConfig   `yaml:"logging"`
	Quota     QuotaConfig     `yaml:"quota"`
	Providers ProvidersConfig `yaml:"providers"`
	Plugins   PluginsConfig   `yaml:"plugins"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// AdminToken guards /admin. Empty disables the admin surface.
	AdminToken string `yaml:"admin_token"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + strconv.Itoa(s.Port)
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"
}

// QuotaConfig drives the key manager.
type QuotaConfig struct {
	Limits      keymanager.Limits `yaml:"limits"`
	Backoff     []time.Duration   `yaml:"backoff"`
	Retries     *int              `yaml:"retries"`
	CostPer1000 float64           `yaml:"cost_per_1000"`
	FlushEvery  int               `yaml:"flush_every"`
	Metrics     MetricsBackend    `yaml:"metrics"`
}

// RetryCount is the configured retry count, 1 when unset.
func (q QuotaConfig) RetryCount() int {
	if q.Retries == nil {
		return 1
	}
	return *q.Retries
}

// MetricsBackend selects where usage metrics are persisted.
type MetricsBackend struct {
	Backend string `yaml:"backend"` // "file" or "sqlite"
	Path    string `yaml:"path"`    // file backend only
}

type ProvidersConfig struct {
	Free ProviderConfig `yaml:"free"`
	Paid ProviderConfig `yaml:"paid"`
}

// ProviderConfig describes one model factory.
type ProviderConfig struct {
	Kind      string `yaml:"kind"`
	Model     string `yaml:"model"`
	BaseURL   string `yaml:"base_url"`
	APIKey    string `yaml:"api_key"`
	APIKeyEnv string `yaml:"api_key_env"`

	SystemPrompt string  `yaml:"system_prompt"`
	Temperature  float32 `yaml:"temperature"`
	MaxTokens    int     `yaml:"max_tokens"`
}

// Factory builds the provider factory this entry describes.
func (p ProviderConfig) Factory() (provider.Factory, error) {
	return provider.New(provider.Config{
		Kind:    p.Kind,
		APIKey:  p.APIKey,
		BaseURL: p.BaseURL,
		Model:   p.Model,
	})
}

// ModelOptions are the per-request options for this provider.
func (p ProviderConfig) ModelOptions() provider.ModelOptions {
	return provider.ModelOptions{
		Model:        p.Model,
		SystemPrompt: p.SystemPrompt,
		Temperature:  p.Temperature,
		MaxTokens:    p.MaxTokens,
	}
}

type PluginsConfig struct {
	Allow        []string                  `yaml:"allow"`
	Block        []string                  `yaml:"block"`
	HookTimeout  time.Duration             `yaml:"hook_timeout"`
	ManifestsDir string                    `yaml:"manifests_dir"`
	Settings     map[string]map[string]any `yaml:"config"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := newConfig()
	setDefaults(cfg)
	return cfg
}

// newConfig presets the fields where zero is a meaningful setting, so only
// keys missing from the file take the default.
func newConfig() *Config {
	return &Config{Quota: QuotaConfig{Limits: keymanager.DefaultLimits}}
}

// LoadDotEnv loads .env files, ignoring missing ones. Variables already set
// in the environment win.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, expands ${VAR} references, applies environment
// overrides and defaults, then validates.
func Parse(data []byte) (*Config, error) {
	data = []byte(os.ExpandEnv(string(data)))

	cfg := newConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(cfg)
	setDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// LoadWithFallback loads path when it exists and otherwise builds the
// configuration from defaults and the environment.
func LoadWithFallback(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return Parse(nil)
}

// applyEnvOverrides applies STROMWISSEN_* and provider key variables.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("STROMWISSEN_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("STROMWISSEN_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("STROMWISSEN_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("STROMWISSEN_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("STROMWISSEN_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("STROMWISSEN_METRICS_BACKEND"); v != "" {
		cfg.Quota.Metrics.Backend = v
	}
	if v := os.Getenv("STROMWISSEN_METRICS_PATH"); v != "" {
		cfg.Quota.Metrics.Path = v
	}
	if v := os.Getenv("STROMWISSEN_PLUGINS_DIR"); v != "" {
		cfg.Plugins.ManifestsDir = v
	}
	if v := os.Getenv("ADMIN_TOKEN"); v != "" {
		cfg.Server.AdminToken = v
	}

	resolveKey(&cfg.Providers.Free)
	resolveKey(&cfg.Providers.Paid)
}

func resolveKey(p *ProviderConfig) {
	if p.APIKey != "" {
		return
	}
	env := p.APIKeyEnv
	if env == "" && p.Kind != "" && p.Kind != provider.KindStatic {
		env = strings.ToUpper(p.Kind) + "_API_KEY"
	}
	if env != "" {
		p.APIKey = os.Getenv(env)
	}
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 2 * time.Minute
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}

	if cfg.Database.Path == "" {
		cfg.Database.Path = "stromwissen.db"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if len(cfg.Quota.Backoff) == 0 {
		cfg.Quota.Backoff = slices.Clone(keymanager.DefaultBackoff)
	}
	if cfg.Quota.CostPer1000 == 0 {
		cfg.Quota.CostPer1000 = keymanager.DefaultCostPer1000
	}
	if cfg.Quota.FlushEvery == 0 {
		cfg.Quota.FlushEvery = keymanager.DefaultFlushEvery
	}
	if cfg.Quota.Metrics.Backend == "" {
		cfg.Quota.Metrics.Backend = BackendFile
	}
	if cfg.Quota.Metrics.Path == "" {
		cfg.Quota.Metrics.Path = "data/usage-metrics.json"
	}

	if cfg.Providers.Free.Kind == "" {
		cfg.Providers.Free.Kind = provider.KindGemini
		resolveKey(&cfg.Providers.Free)
	}
	if cfg.Providers.Paid.Kind == "" {
		cfg.Providers.Paid.Kind = provider.KindMistral
		resolveKey(&cfg.Providers.Paid)
	}

	if cfg.Plugins.HookTimeout == 0 {
		cfg.Plugins.HookTimeout = 10 * time.Second
	}
	if cfg.Plugins.ManifestsDir == "" {
		cfg.Plugins.ManifestsDir = "plugins"
	}
}

func validate(cfg *Config) error {
	var errs []error

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", cfg.Server.Port))
	}
	if lvl, err := zerolog.ParseLevel(strings.ToLower(cfg.Logging.Level)); err != nil || lvl == zerolog.NoLevel {
		errs = append(errs, fmt.Errorf("logging.level %q is invalid", cfg.Logging.Level))
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "json", "console", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q is invalid", cfg.Logging.Format))
	}

	if cfg.Quota.Limits.Daily < 0 || cfg.Quota.Limits.Minute < 0 {
		errs = append(errs, errors.New("quota.limits must not be negative"))
	}
	for i, d := range cfg.Quota.Backoff {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("quota.backoff[%d] must be positive", i))
		}
	}
	if cfg.Quota.RetryCount() < 0 {
		errs = append(errs, errors.New("quota.retries must not be negative"))
	}
	if cfg.Quota.CostPer1000 < 0 {
		errs = append(errs, errors.New("quota.cost_per_1000 must not be negative"))
	}
	if cfg.Quota.FlushEvery < 1 {
		errs = append(errs, errors.New("quota.flush_every must be at least 1"))
	}
	switch cfg.Quota.Metrics.Backend {
	case BackendFile, BackendSQLite:
	default:
		errs = append(errs, fmt.Errorf("quota.metrics.backend %q must be %q or %q",
			cfg.Quota.Metrics.Backend, BackendFile, BackendSQLite))
	}

	if cfg.Plugins.HookTimeout < 0 {
		errs = append(errs, errors.New("plugins.hook_timeout must not be negative"))
	}
	for _, name := range cfg.Plugins.Block {
		if slices.Contains(cfg.Plugins.Allow, name) {
			errs = append(errs, fmt.Errorf("plugin %q is both allowed and blocked", name))
		}
	}

	return errors.Join(errs...)
}
