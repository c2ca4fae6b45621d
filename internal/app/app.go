// ABOUTME: Process wiring: one store, key manager, plugin registry and job runner.
// ABOUTME: Builds the HTTP surface and owns startup and graceful shutdown ordering.

package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/2389/stromwissen/internal/admin"
	"github.com/2389/stromwissen/internal/auth"
	"github.com/2389/stromwissen/internal/config"
	apierrors "github.com/2389/stromwissen/internal/errors"
	"github.com/2389/stromwissen/internal/jobs"
	"github.com/2389/stromwissen/internal/keymanager"
	"github.com/2389/stromwissen/internal/logging"
	"github.com/2389/stromwissen/internal/metrics"
	"github.com/2389/stromwissen/internal/store"
	"github.com/2389/stromwissen/plugins/core"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Host services handed to plugins through the plugin context.
const (
	UsageService      = "usage"
	RegistererService = "prometheus"
)

// Options override parts of the wiring, mostly for tests.
type Options struct {
	// Plugins replaces the compiled-in catalog.
	Plugins []core.Plugin

	FreeFactory keymanager.ModelFactory
	PaidFactory keymanager.ModelFactory

	Clock keymanager.Clock
	Sleep keymanager.SleepFunc
}

// App is the application context. There is exactly one key manager and one
// plugin registry per App.
type App struct {
	cfg       *config.Config
	logger    zerolog.Logger
	store     *store.Store
	collector *metrics.Collector
	km        *keymanager.KeyManager
	registry  *core.Registry
	runner    *jobs.Runner
	handler   http.Handler

	unsubscribe []func()
}

// New opens the store, builds the key manager and registers every plugin.
// A plugin that fails to register stops startup.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts Options) (*App, error) {
	st, err := store.New(cfg.Database.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", cfg.Database.Path, err)
	}

	a := &App{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		collector: metrics.New(),
	}

	km, err := a.newKeyManager(ctx, opts)
	if err != nil {
		st.Close()
		return nil, err
	}
	a.km = km

	pc := core.NewContext(logger,
		core.WithDB(st.DB()),
		core.WithPluginConfig(cfg.Plugins.Settings),
		core.WithService(UsageService, km),
		core.WithService(RegistererService, a.collector.Registerer()),
	)
	a.registry = core.NewRegistry(core.RegistryConfig{
		AllowList:   cfg.Plugins.Allow,
		BlockList:   cfg.Plugins.Block,
		HookTimeout: cfg.Plugins.HookTimeout,
	}, pc, core.NewAPI())
	a.runner = jobs.NewRunner(a.registry.API(), logger)

	bus := pc.Events()
	a.unsubscribe = append(a.unsubscribe,
		bus.Subscribe("*", func(ctx context.Context, ev core.BusEvent) error {
			a.collector.SetActivePlugins(len(a.registry.ActivePlugins()))
			return nil
		}),
		bus.Subscribe(core.EventPluginActivated, a.syncJobs),
		bus.Subscribe(core.EventPluginDeactivated, a.syncJobs),
	)

	plugins := opts.Plugins
	if plugins == nil {
		plugins = core.Builtins()
	}
	a.checkManifests(plugins)

	ordered, err := core.SortByDependencies(plugins)
	if err != nil {
		a.closeStorage(ctx)
		return nil, fmt.Errorf("order plugins: %w", err)
	}
	for _, p := range ordered {
		if err := a.registry.Register(ctx, p); err != nil {
			a.closeStorage(ctx)
			return nil, fmt.Errorf("register plugin: %w", err)
		}
	}

	a.handler = a.routes()
	return a, nil
}

func (a *App) newKeyManager(ctx context.Context, opts Options) (*keymanager.KeyManager, error) {
	free, paid := opts.FreeFactory, opts.PaidFactory
	if free == nil {
		f, err := a.cfg.Providers.Free.Factory()
		if err != nil {
			return nil, fmt.Errorf("free provider: %w", err)
		}
		free = f
	}
	if paid == nil {
		f, err := a.cfg.Providers.Paid.Factory()
		if err != nil {
			return nil, fmt.Errorf("paid provider: %w", err)
		}
		paid = f
	}

	var ms keymanager.MetricsStore
	switch a.cfg.Quota.Metrics.Backend {
	case config.BackendSQLite:
		ms = a.store.MetricsStore()
	default:
		ms = keymanager.NewFileStore(a.cfg.Quota.Metrics.Path)
	}

	q := a.cfg.Quota
	kmOpts := []keymanager.Option{
		keymanager.WithLogger(a.logger),
		keymanager.WithCollector(a.collector),
		keymanager.WithLimits(q.Limits),
		keymanager.WithBackoff(q.Backoff),
		keymanager.WithRetries(q.RetryCount()),
		keymanager.WithFlushEvery(q.FlushEvery),
		keymanager.WithCostPer1000(q.CostPer1000),
	}
	if opts.Clock != nil {
		kmOpts = append(kmOpts, keymanager.WithClock(opts.Clock))
	}
	if opts.Sleep != nil {
		kmOpts = append(kmOpts, keymanager.WithSleep(opts.Sleep))
	}
	return keymanager.New(ctx, free, paid, ms, kmOpts...), nil
}

// checkManifests compares the compiled-in plugins against the manifests
// directory. Mismatches are logged, never fatal.
func (a *App) checkManifests(plugins []core.Plugin) {
	dir := a.cfg.Plugins.ManifestsDir
	if dir == "" {
		return
	}
	if _, err := os.Stat(dir); err != nil {
		a.logger.Debug().Str("dir", dir).Msg("no plugin manifests directory")
		return
	}
	manifests, err := core.ScanPlugins(dir)
	if err != nil {
		a.logger.Warn().Err(err).Str("dir", dir).Msg("failed to scan plugin manifests")
		return
	}

	byName := make(map[string]core.Metadata, len(manifests))
	for _, m := range manifests {
		byName[m.Name] = m
	}
	for _, p := range plugins {
		meta := p.Metadata()
		m, ok := byName[meta.Name]
		if !ok {
			a.logger.Warn().Str("plugin", meta.Name).Msg("plugin has no manifest")
			continue
		}
		if m.Version != meta.Version {
			a.logger.Warn().
				Str("plugin", meta.Name).
				Str("manifest_version", m.Version).
				Str("version", meta.Version).
				Msg("plugin manifest version differs from compiled plugin")
		}
		delete(byName, meta.Name)
	}
	for name := range byName {
		a.logger.Warn().Str("plugin", name).Msg("manifest names a plugin that is not compiled in")
	}
}

func (a *App) syncJobs(ctx context.Context, ev core.BusEvent) error {
	a.runner.Sync()
	return nil
}

func (a *App) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(auth.Middleware)
	r.Use(logging.Middleware(a.store, a.logger, a.collector))

	r.Get("/healthz", a.healthz)
	r.Method(http.MethodGet, "/metrics", a.collector.Handler())

	admin.NewHandlers(admin.Deps{
		Quota:        a.km,
		Plugins:      a.registry,
		Hooks:        a.ExecuteHook,
		Logs:         a.store,
		Token:        a.cfg.Server.AdminToken,
		ModelOptions: a.cfg.Providers.Free.ModelOptions(),
		Logger:       a.logger,
	}).RegisterRoutes(r)

	r.Mount(core.RoutePrefix, http.StripPrefix(core.RoutePrefix, a.registry.API()))
	return r
}

func (a *App) healthz(w http.ResponseWriter, r *http.Request) {
	if err := a.store.Ping(r.Context()); err != nil {
		apierrors.WriteError(w, http.StatusServiceUnavailable, apierrors.CodeServiceUnavailable, "database unreachable")
		return
	}
	apierrors.WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// Start activates every registered plugin and starts their jobs. Plugins
// that fail to activate are logged and left registered.
func (a *App) Start(ctx context.Context) {
	if err := a.registry.ActivateAll(ctx); err != nil {
		a.logger.Error().Err(err).Msg("some plugins failed to activate")
	}
	a.runner.Start(ctx)
	a.collector.SetActivePlugins(len(a.registry.ActivePlugins()))
	a.logger.Info().Int("active", len(a.registry.ActivePlugins())).Msg("plugins started")
}

// ExecuteHook fans ev out to active plugins and counts failures per plugin.
func (a *App) ExecuteHook(ctx context.Context, ev core.Event) error {
	err := a.registry.ExecuteHook(ctx, ev)
	var hookErr *core.HookError
	if errors.As(err, &hookErr) {
		for plugin := range hookErr.Failures {
			a.collector.ObserveHookFailure(string(hookErr.Hook), plugin)
		}
	}
	return err
}

// ApplyConfig takes over the settings that can change without a restart.
func (a *App) ApplyConfig(cfg *config.Config) {
	a.km.SetLimits(cfg.Quota.Limits)
}

// Shutdown stops jobs, deactivates plugins dependents first, flushes usage
// metrics and closes the database.
func (a *App) Shutdown(ctx context.Context) error {
	a.runner.Stop()
	var errs []error
	if err := a.registry.DeactivateAll(ctx); err != nil {
		errs = append(errs, err)
	}
	for _, unsub := range a.unsubscribe {
		unsub()
	}
	if err := a.closeStorage(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) closeStorage(ctx context.Context) error {
	var errs []error
	if a.km != nil {
		if err := a.km.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush usage metrics: %w", err))
		}
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}

func (a *App) Handler() http.Handler              { return a.handler }
func (a *App) KeyManager() *keymanager.KeyManager { return a.km }
func (a *App) Registry() *core.Registry           { return a.registry }
func (a *App) Collector() *metrics.Collector      { return a.collector }
func (a *App) Runner() *jobs.Runner               { return a.runner }
