// ABOUTME: Plugin registry owning plugin instances and the active set.
// ABOUTME: Enforces version and dependency constraints and drives lifecycle transitions and hooks.

package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/mod/semver"
)

// DefaultHostAPIVersion is the plugin API version this host implements.
const DefaultHostAPIVersion = "1.0.0"

// DefaultHookTimeout bounds a single plugin's hook or health check.
const DefaultHookTimeout = 10 * time.Second

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// HostAPIVersion is compared by major version against Metadata.APIVersion.
	HostAPIVersion string

	// AllowList, when non-empty, is the only set of names that may register.
	AllowList []string

	// BlockList names plugins that may never register.
	BlockList []string

	// HookTimeout bounds each plugin's hook and health check call. Zero
	// means DefaultHookTimeout, negative disables the bound.
	HookTimeout time.Duration
}

// PluginInfo is a read-only view of a registered plugin.
type PluginInfo struct {
	Metadata Metadata `json:"metadata"`
	State    string   `json:"state"`
}

// Registry owns registered plugins and tracks which of them are active.
// Lifecycle operations are serialized; hooks and health checks run
// concurrently across plugins.
type Registry struct {
	cfg    RegistryConfig
	pc     *Context
	api    *API
	logger zerolog.Logger

	// opMu serializes Register, Activate, Deactivate and Unregister.
	opMu sync.Mutex

	mu         sync.RWMutex
	registered map[string]Plugin
	order      []string // registration order; dependencies precede dependents
	active     map[string]bool
}

// NewRegistry creates a registry that hands pc and api to every plugin.
func NewRegistry(cfg RegistryConfig, pc *Context, api *API) *Registry {
	if cfg.HostAPIVersion == "" {
		cfg.HostAPIVersion = DefaultHostAPIVersion
	}
	if cfg.HookTimeout == 0 {
		cfg.HookTimeout = DefaultHookTimeout
	}
	if pc == nil {
		pc = NewContext(zerolog.Nop())
	}
	if api == nil {
		api = NewAPI()
	}
	return &Registry{
		cfg:        cfg,
		pc:         pc,
		api:        api,
		logger:     pc.logger.With().Str("component", "plugin-registry").Logger(),
		registered: make(map[string]Plugin),
		active:     make(map[string]bool),
	}
}

// Context returns the shared plugin context.
func (r *Registry) Context() *Context { return r.pc }

// API returns the shared plugin API.
func (r *Registry) API() *API { return r.api }

// Register validates p, initializes it and stores it. On any error the
// registry is left unchanged, including registrations p made on the API.
func (r *Registry) Register(ctx context.Context, p Plugin) error {
	meta := p.Metadata()
	name := meta.Name
	if name == "" {
		return fmt.Errorf("register: name is required: %w", ErrInvalidMetadata)
	}

	r.opMu.Lock()
	defer r.opMu.Unlock()

	if err := r.checkCompatible(meta); err != nil {
		return pluginErr(name, "register", err)
	}
	if contains(r.cfg.BlockList, name) {
		return pluginErr(name, "register", ErrBlocked)
	}
	if len(r.cfg.AllowList) > 0 && !contains(r.cfg.AllowList, name) {
		return pluginErr(name, "register", ErrNotAllowed)
	}

	r.mu.RLock()
	_, exists := r.registered[name]
	var missing []string
	for _, dep := range meta.Dependencies {
		if _, ok := r.registered[dep]; !ok {
			missing = append(missing, dep)
		}
	}
	r.mu.RUnlock()

	if exists {
		return pluginErr(name, "register", ErrAlreadyRegistered)
	}
	if len(missing) > 0 {
		return pluginErr(name, "register", fmt.Errorf("%w: %s", ErrMissingDependency, strings.Join(missing, ", ")))
	}

	before := r.api.snapshot()
	if err := r.safeCall(func() error { return p.Initialize(ctx, r.pc, r.api) }); err != nil {
		r.api.rollback(before)
		return pluginErr(name, "initialize", err)
	}

	r.mu.Lock()
	r.registered[name] = p
	r.order = append(r.order, name)
	r.mu.Unlock()

	r.logger.Info().
		Str("plugin", name).
		Str("version", meta.Version).
		Strs("dependencies", meta.Dependencies).
		Msg("plugin registered")
	r.pc.events.Publish(ctx, BusEvent{Name: EventPluginRegistered, Plugin: name})
	return nil
}

// Activate activates a registered plugin whose dependencies are all active.
// Activating an active plugin is a no-op.
func (r *Registry) Activate(ctx context.Context, name string) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	return r.activateLocked(ctx, name)
}

func (r *Registry) activateLocked(ctx context.Context, name string) error {
	r.mu.RLock()
	p, ok := r.registered[name]
	isActive := r.active[name]
	var inactive []string
	if ok {
		for _, dep := range p.Metadata().Dependencies {
			if !r.active[dep] {
				inactive = append(inactive, dep)
			}
		}
	}
	r.mu.RUnlock()

	switch {
	case !ok:
		return pluginErr(name, "activate", ErrNotRegistered)
	case isActive:
		return nil
	case len(inactive) > 0:
		return pluginErr(name, "activate", fmt.Errorf("%w: %s", ErrDependencyInactive, strings.Join(inactive, ", ")))
	}

	if err := r.safeCall(func() error { return p.Activate(ctx) }); err != nil {
		return pluginErr(name, "activate", err)
	}

	r.mu.Lock()
	r.active[name] = true
	r.mu.Unlock()

	// The plugin sees itself active in OnActivate before anyone else hears about it.
	if h, ok := p.(ActivateHook); ok {
		if err := r.safeCall(func() error { return h.OnActivate(ctx, r.pc) }); err != nil {
			r.mu.Lock()
			delete(r.active, name)
			r.mu.Unlock()
			if derr := r.safeCall(func() error { return p.Deactivate(ctx) }); derr != nil {
				r.logger.Warn().Err(derr).Str("plugin", name).Msg("deactivate after failed onActivate")
			}
			return pluginErr(name, "onActivate", err)
		}
	}

	r.logger.Info().Str("plugin", name).Msg("plugin activated")
	r.pc.events.Publish(ctx, BusEvent{Name: EventPluginActivated, Plugin: name})
	return nil
}

// Deactivate deactivates an active plugin. It fails without side effects
// while another active plugin depends on it.
func (r *Registry) Deactivate(ctx context.Context, name string) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	return r.deactivateLocked(ctx, name)
}

func (r *Registry) deactivateLocked(ctx context.Context, name string) error {
	r.mu.RLock()
	p, ok := r.registered[name]
	isActive := r.active[name]
	dependents := r.activeDependentsLocked(name)
	r.mu.RUnlock()

	switch {
	case !ok:
		return pluginErr(name, "deactivate", ErrNotRegistered)
	case !isActive:
		return pluginErr(name, "deactivate", ErrNotActive)
	case len(dependents) > 0:
		return pluginErr(name, "deactivate", fmt.Errorf("%w: %s", ErrHasDependents, strings.Join(dependents, ", ")))
	}

	if h, ok := p.(DeactivateHook); ok {
		if err := r.safeCall(func() error { return h.OnDeactivate(ctx, r.pc) }); err != nil {
			r.logger.Warn().Err(err).Str("plugin", name).Msg("onDeactivate failed, continuing")
		}
	}

	if err := r.safeCall(func() error { return p.Deactivate(ctx) }); err != nil {
		return pluginErr(name, "deactivate", err)
	}

	r.mu.Lock()
	delete(r.active, name)
	r.mu.Unlock()

	r.logger.Info().Str("plugin", name).Msg("plugin deactivated")
	r.pc.events.Publish(ctx, BusEvent{Name: EventPluginDeactivated, Plugin: name})
	return nil
}

// Unregister removes a plugin, deactivating it first if needed.
func (r *Registry) Unregister(ctx context.Context, name string) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.RLock()
	_, ok := r.registered[name]
	isActive := r.active[name]
	r.mu.RUnlock()

	if !ok {
		return pluginErr(name, "unregister", ErrNotRegistered)
	}
	if isActive {
		if err := r.deactivateLocked(ctx, name); err != nil {
			return err
		}
	}

	r.mu.Lock()
	delete(r.registered, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	r.logger.Info().Str("plugin", name).Msg("plugin unregistered")
	r.pc.events.Publish(ctx, BusEvent{Name: EventPluginUnregistered, Plugin: name})
	return nil
}

// ActivateAll activates every registered plugin in registration order,
// which is dependency order. Failures are collected, not fatal to the rest.
func (r *Registry) ActivateAll(ctx context.Context) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	var errs []error
	for _, name := range r.orderSnapshot() {
		if err := r.activateLocked(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DeactivateAll deactivates active plugins, dependents first.
func (r *Registry) DeactivateAll(ctx context.Context) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	names := r.orderSnapshot()
	var errs []error
	for i := len(names) - 1; i >= 0; i-- {
		if !r.IsActive(names[i]) {
			continue
		}
		if err := r.deactivateLocked(ctx, names[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ExecuteHook delivers ev concurrently to every active plugin handling it
// and waits for all of them. A failing, panicking or timed out plugin does
// not affect the others; all failures are returned as a *HookError.
func (r *Registry) ExecuteHook(ctx context.Context, ev Event) error {
	type call struct {
		name string
		fn   func(context.Context) error
	}

	var calls []call
	for _, p := range r.ActivePlugins() {
		if fn := hookFunc(p, ev); fn != nil {
			calls = append(calls, call{name: p.Metadata().Name, fn: fn})
		}
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures = make(map[string]error)
	)
	for _, c := range calls {
		wg.Add(1)
		go func(c call) {
			defer wg.Done()
			if err := r.bounded(ctx, c.fn); err != nil {
				mu.Lock()
				failures[c.name] = err
				mu.Unlock()
				r.logger.Error().
					Err(err).
					Str("plugin", c.name).
					Str("hook", string(ev.Hook())).
					Msg("plugin hook failed")
			}
		}(c)
	}
	wg.Wait()

	r.logger.Debug().
		Str("hook", string(ev.Hook())).
		Int("invoked", len(calls)).
		Int("failed", len(failures)).
		Msg("hook executed")

	if len(failures) > 0 {
		return &HookError{Hook: ev.Hook(), Failures: failures}
	}
	return nil
}

// HealthCheck polls every active plugin concurrently. Plugins without a
// HealthChecker are healthy; errors, panics and timeouts are unhealthy.
func (r *Registry) HealthCheck(ctx context.Context) HealthReport {
	active := r.ActivePlugins()
	results := make([]error, len(active))

	var wg sync.WaitGroup
	for i, p := range active {
		checker, ok := p.(HealthChecker)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(i int, checker HealthChecker) {
			defer wg.Done()
			results[i] = r.bounded(ctx, checker.HealthCheck)
		}(i, checker)
	}
	wg.Wait()

	report := HealthReport{Healthy: []string{}, Unhealthy: map[string]string{}}
	for i, p := range active {
		name := p.Metadata().Name
		if results[i] != nil {
			report.Unhealthy[name] = results[i].Error()
			continue
		}
		report.Healthy = append(report.Healthy, name)
	}
	return report
}

// Plugin returns a registered plugin.
func (r *Registry) Plugin(name string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.registered[name]
	return p, ok
}

// Plugins returns all registered plugins in registration order.
func (r *Registry) Plugins() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Plugin, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.registered[name])
	}
	return out
}

// ActivePlugins returns active plugins in registration order.
func (r *Registry) ActivePlugins() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Plugin, 0, len(r.active))
	for _, name := range r.order {
		if r.active[name] {
			out = append(out, r.registered[name])
		}
	}
	return out
}

// IsActive reports whether name is in the active set.
func (r *Registry) IsActive(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active[name]
}

// State returns the lifecycle state of name.
func (r *Registry) State(name string) State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch {
	case r.active[name]:
		return StateActive
	case r.registered[name] != nil:
		return StateRegistered
	default:
		return StateUnregistered
	}
}

// Infos lists every registered plugin with its state.
func (r *Registry) Infos() []PluginInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PluginInfo, 0, len(r.order))
	for _, name := range r.order {
		state := StateRegistered
		if r.active[name] {
			state = StateActive
		}
		out = append(out, PluginInfo{Metadata: r.registered[name].Metadata(), State: state.String()})
	}
	return out
}

func (r *Registry) checkCompatible(meta Metadata) error {
	host := canonicalVersion(r.cfg.HostAPIVersion)
	want := canonicalVersion(meta.APIVersion)
	if !semver.IsValid(want) {
		return fmt.Errorf("%w: invalid apiVersion %q", ErrIncompatibleAPI, meta.APIVersion)
	}
	if semver.Major(host) != semver.Major(want) {
		return fmt.Errorf("%w: plugin wants %s, host provides %s", ErrIncompatibleAPI, meta.APIVersion, r.cfg.HostAPIVersion)
	}
	return nil
}

// activeDependentsLocked returns active plugins declaring name as a
// dependency. Caller holds r.mu.
func (r *Registry) activeDependentsLocked(name string) []string {
	var out []string
	for _, n := range r.order {
		if r.active[n] && r.registered[n].Metadata().DependsOn(name) {
			out = append(out, n)
		}
	}
	return out
}

func (r *Registry) orderSnapshot() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// bounded runs fn with the per-plugin timeout and converts panics to errors.
func (r *Registry) bounded(ctx context.Context, fn func(context.Context) error) error {
	if r.cfg.HookTimeout < 0 {
		return r.safeCall(func() error { return fn(ctx) })
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.HookTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- r.safeCall(func() error { return fn(ctx) })
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("timed out after %s: %w", r.cfg.HookTimeout, ctx.Err())
	}
}

func (r *Registry) safeCall(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn()
}

func canonicalVersion(v string) string {
	v = strings.TrimSpace(v)
	if v != "" && !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

func contains(list []string, name string) bool {
	for _, s := range list {
		if s == name {
			return true
		}
	}
	return false
}
