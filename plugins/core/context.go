// ABOUTME: Shared plugin context handed to every plugin on initialize and lifecycle hooks.
// ABOUTME: Gives access to the logger, event bus, shared services, per-plugin config and the database.

package core

import (
	"database/sql"
	"sync"

	"github.com/rs/zerolog"
)

// Context is the handle plugins use to reach host services. One Context is
// shared by all plugins of a registry.
type Context struct {
	logger zerolog.Logger
	events *EventBus
	db     *sql.DB

	mu       sync.RWMutex
	services map[string]any
	config   map[string]map[string]any
}

// ContextOption customizes a Context.
type ContextOption func(*Context)

// WithDB exposes a database handle to plugins.
func WithDB(db *sql.DB) ContextOption {
	return func(c *Context) { c.db = db }
}

// WithPluginConfig sets the configuration section handed to each plugin.
func WithPluginConfig(cfg map[string]map[string]any) ContextOption {
	return func(c *Context) {
		for name, section := range cfg {
			c.config[name] = section
		}
	}
}

// WithService pre-registers a host service.
func WithService(name string, svc any) ContextOption {
	return func(c *Context) { c.services[name] = svc }
}

// NewContext creates a plugin context.
func NewContext(logger zerolog.Logger, opts ...ContextOption) *Context {
	c := &Context{
		logger:   logger,
		services: make(map[string]any),
		config:   make(map[string]map[string]any),
	}
	c.events = NewEventBus(logger)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Logger returns a logger tagged with the plugin name.
func (c *Context) Logger(plugin string) zerolog.Logger {
	return c.logger.With().Str("plugin", plugin).Logger()
}

// Events returns the shared event bus.
func (c *Context) Events() *EventBus {
	return c.events
}

// DB returns the shared database handle, or nil if the host has none.
func (c *Context) DB() *sql.DB {
	return c.db
}

// Config returns the configuration section for a plugin. Never nil.
func (c *Context) Config(plugin string) map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if section, ok := c.config[plugin]; ok {
		return section
	}
	return map[string]any{}
}

// ProvideService publishes a service under name, replacing any previous value.
func (c *Context) ProvideService(name string, svc any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.services[name] = svc
}

// RemoveService withdraws a published service.
func (c *Context) RemoveService(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.services, name)
}

// Service looks up a published service.
func (c *Context) Service(name string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	svc, ok := c.services[name]
	return svc, ok
}

// ServiceAs looks up a service and asserts its type.
func ServiceAs[T any](c *Context, name string) (T, bool) {
	var zero T
	svc, ok := c.Service(name)
	if !ok {
		return zero, false
	}
	typed, ok := svc.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}
