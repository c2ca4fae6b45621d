// ABOUTME: Plugin API: the capability surface plugins use to contribute routes, widgets and jobs.
// ABOUTME: Registrations are global per registry, keyed by unique ids; duplicates are rejected.

package core

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

// RoutePrefix is where the host mounts the API.
const RoutePrefix = "/api/plugins"

// Route is an HTTP endpoint served under RoutePrefix.
type Route struct {
	ID          string       `json:"id"`
	Plugin      string       `json:"plugin"`
	Method      string       `json:"method"`
	Path        string       `json:"path"`
	Description string       `json:"description,omitempty"`
	Handler     http.Handler `json:"-"`
}

// Widget is a dashboard tile contributed by a plugin.
type Widget struct {
	ID          string   `json:"id"`
	Plugin      string   `json:"plugin"`
	Title       string   `json:"title"`
	Component   string   `json:"component"`
	Position    string   `json:"position,omitempty"` // "dashboard", "sidebar", "admin"
	Size        string   `json:"size,omitempty"`     // "small", "medium", "large"
	Permissions []string `json:"permissions,omitempty"`
}

// SettingsPage is a plugin configuration form.
type SettingsPage struct {
	ID     string        `json:"id"`
	Plugin string        `json:"plugin"`
	Title  string        `json:"title"`
	Path   string        `json:"path"`
	Fields []FieldSchema `json:"fields"`
}

// MenuItem is a navigation entry.
type MenuItem struct {
	ID     string `json:"id"`
	Plugin string `json:"plugin"`
	Label  string `json:"label"`
	Path   string `json:"path"`
	Icon   string `json:"icon,omitempty"`
	Parent string `json:"parent,omitempty"`
	Order  int    `json:"order"`
}

// ScheduledJob runs Run every Interval while registered.
type ScheduledJob struct {
	ID         string                          `json:"id"`
	Plugin     string                          `json:"plugin"`
	Interval   time.Duration                   `json:"interval"`
	RunOnStart bool                            `json:"runOnStart"`
	Run        func(ctx context.Context) error `json:"-"`
}

// Worker is a long running function. It must return when ctx is done.
type Worker struct {
	ID     string                          `json:"id"`
	Plugin string                          `json:"plugin"`
	Run    func(ctx context.Context) error `json:"-"`
}

// API holds every registration made by plugins of one registry.
type API struct {
	mu       sync.RWMutex
	routes   collection[Route]
	widgets  collection[Widget]
	settings collection[SettingsPage]
	menu     collection[MenuItem]
	jobs     collection[ScheduledJob]
	workers  collection[Worker]

	router http.Handler // rebuilt lazily, nil when routes changed
}

// NewAPI creates an empty API.
func NewAPI() *API {
	return &API{
		routes:   newCollection[Route]("route"),
		widgets:  newCollection[Widget]("widget"),
		settings: newCollection[SettingsPage]("settings page"),
		menu:     newCollection[MenuItem]("menu item"),
		jobs:     newCollection[ScheduledJob]("scheduled job"),
		workers:  newCollection[Worker]("worker"),
	}
}

var validMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// AddRoute registers an HTTP route. Path is relative to RoutePrefix.
func (a *API) AddRoute(r Route) error {
	r.Method = strings.ToUpper(r.Method)
	switch {
	case r.ID == "":
		return invalid("route", "id is required")
	case !validMethods[r.Method]:
		return invalid("route", fmt.Sprintf("%s: unsupported method %q", r.ID, r.Method))
	case !strings.HasPrefix(r.Path, "/"):
		return invalid("route", fmt.Sprintf("%s: path must start with /", r.ID))
	case r.Handler == nil:
		return invalid("route", fmt.Sprintf("%s: handler is required", r.ID))
	}
	if err := checkPattern(r.Method, r.Path); err != nil {
		return invalid("route", fmt.Sprintf("%s: %v", r.ID, err))
	}

	shape := routeShape(r.Path)
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, existing := range a.routes.list() {
		if existing.Method == r.Method && routeShape(existing.Path) == shape {
			return invalid("route", fmt.Sprintf("%s: %s %s already served by %s", r.ID, r.Method, r.Path, existing.ID))
		}
	}
	if err := a.routes.add(r.ID, r); err != nil {
		return err
	}
	a.router = nil
	return nil
}

// RemoveRoute removes a route and reports whether it existed.
func (a *API) RemoveRoute(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.routes.remove(id) {
		return false
	}
	a.router = nil
	return true
}

// AddWidget registers a dashboard widget.
func (a *API) AddWidget(w Widget) error {
	switch {
	case w.ID == "":
		return invalid("widget", "id is required")
	case w.Title == "":
		return invalid("widget", fmt.Sprintf("%s: title is required", w.ID))
	case w.Component == "":
		return invalid("widget", fmt.Sprintf("%s: component is required", w.ID))
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.widgets.add(w.ID, w)
}

func (a *API) RemoveWidget(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.widgets.remove(id)
}

// AddSettingsPage registers a settings form.
func (a *API) AddSettingsPage(p SettingsPage) error {
	switch {
	case p.ID == "":
		return invalid("settings page", "id is required")
	case p.Title == "":
		return invalid("settings page", fmt.Sprintf("%s: title is required", p.ID))
	}
	seen := make(map[string]bool, len(p.Fields))
	for _, f := range p.Fields {
		if f.Name == "" || !validFieldTypes[f.Type] {
			return invalid("settings page", fmt.Sprintf("%s: field %q has invalid name or type %q", p.ID, f.Name, f.Type))
		}
		if seen[f.Name] {
			return invalid("settings page", fmt.Sprintf("%s: field %q declared twice", p.ID, f.Name))
		}
		seen[f.Name] = true
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.settings.add(p.ID, p)
}

func (a *API) RemoveSettingsPage(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.settings.remove(id)
}

// AddMenuItem registers a navigation entry.
func (a *API) AddMenuItem(m MenuItem) error {
	switch {
	case m.ID == "":
		return invalid("menu item", "id is required")
	case m.Label == "":
		return invalid("menu item", fmt.Sprintf("%s: label is required", m.ID))
	case m.Path == "":
		return invalid("menu item", fmt.Sprintf("%s: path is required", m.ID))
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.menu.add(m.ID, m)
}

func (a *API) RemoveMenuItem(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.menu.remove(id)
}

// AddScheduledJob registers a periodic job.
func (a *API) AddScheduledJob(j ScheduledJob) error {
	switch {
	case j.ID == "":
		return invalid("scheduled job", "id is required")
	case j.Interval <= 0:
		return invalid("scheduled job", fmt.Sprintf("%s: interval must be positive", j.ID))
	case j.Run == nil:
		return invalid("scheduled job", fmt.Sprintf("%s: run function is required", j.ID))
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.jobs.add(j.ID, j)
}

func (a *API) RemoveScheduledJob(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.jobs.remove(id)
}

// AddWorker registers a background worker.
func (a *API) AddWorker(w Worker) error {
	switch {
	case w.ID == "":
		return invalid("worker", "id is required")
	case w.Run == nil:
		return invalid("worker", fmt.Sprintf("%s: run function is required", w.ID))
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.workers.add(w.ID, w)
}

func (a *API) RemoveWorker(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.workers.remove(id)
}

// ClearAll drops every registration of every kind.
func (a *API) ClearAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.routes.clear()
	a.widgets.clear()
	a.settings.clear()
	a.menu.clear()
	a.jobs.clear()
	a.workers.clear()
	a.router = nil
}

// ClearPlugin drops every registration tagged with the plugin name.
func (a *API) ClearPlugin(plugin string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.routes.removeWhere(func(r Route) bool { return r.Plugin == plugin })
	a.widgets.removeWhere(func(w Widget) bool { return w.Plugin == plugin })
	a.settings.removeWhere(func(p SettingsPage) bool { return p.Plugin == plugin })
	a.menu.removeWhere(func(m MenuItem) bool { return m.Plugin == plugin })
	a.jobs.removeWhere(func(j ScheduledJob) bool { return j.Plugin == plugin })
	a.workers.removeWhere(func(w Worker) bool { return w.Plugin == plugin })
	a.router = nil
}

func (a *API) Routes() []Route {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.routes.list()
}

func (a *API) Widgets() []Widget {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.widgets.list()
}

func (a *API) SettingsPages() []SettingsPage {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.settings.list()
}

// MenuItems returns menu entries sorted by Order, ties in registration order.
func (a *API) MenuItems() []MenuItem {
	a.mu.RLock()
	items := a.menu.list()
	a.mu.RUnlock()

	sort.SliceStable(items, func(i, j int) bool { return items[i].Order < items[j].Order })
	return items
}

func (a *API) ScheduledJobs() []ScheduledJob {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.jobs.list()
}

func (a *API) Workers() []Worker {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.workers.list()
}

// ServeHTTP dispatches to the currently registered routes. Mount it under
// RoutePrefix.
func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.handler().ServeHTTP(w, r)
}

func (a *API) handler() http.Handler {
	a.mu.RLock()
	h := a.router
	a.mu.RUnlock()
	if h != nil {
		return h
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.router == nil {
		r := chi.NewRouter()
		for _, route := range a.routes.list() {
			r.Method(route.Method, route.Path, route.Handler)
		}
		a.router = r
	}
	return a.router
}

// checkPattern mounts the route on a throwaway router so a pattern chi
// rejects fails here instead of on the next request.
func checkPattern(method, path string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("bad pattern %q: %v", path, r)
		}
	}()
	chi.NewRouter().Method(method, path, http.NotFoundHandler())
	return nil
}

// routeShape drops param names so /x/{id} and /x/{name} compare equal.
// Regexp constraints are kept since chi routes them separately.
func routeShape(path string) string {
	var b strings.Builder
	for {
		start := strings.IndexByte(path, '{')
		if start < 0 {
			b.WriteString(path)
			return b.String()
		}
		end := strings.IndexByte(path[start:], '}')
		if end < 0 {
			b.WriteString(path)
			return b.String()
		}
		param := path[start+1 : start+end]
		b.WriteString(path[:start])
		b.WriteByte('{')
		if i := strings.IndexByte(param, ':'); i >= 0 {
			b.WriteString(param[i:])
		}
		b.WriteByte('}')
		path = path[start+end+1:]
	}
}

func invalid(kind, msg string) error {
	return fmt.Errorf("%s: %s: %w", kind, msg, ErrInvalidRegistration)
}

// collection keeps registrations in insertion order with unique ids.
// Callers hold API.mu.
type collection[T any] struct {
	kind  string
	order []string
	items map[string]T
}

func newCollection[T any](kind string) collection[T] {
	return collection[T]{kind: kind, items: make(map[string]T)}
}

func (c *collection[T]) add(id string, item T) error {
	if _, exists := c.items[id]; exists {
		return fmt.Errorf("%s %q: %w", c.kind, id, ErrDuplicateID)
	}
	c.items[id] = item
	c.order = append(c.order, id)
	return nil
}

func (c *collection[T]) remove(id string) bool {
	if _, exists := c.items[id]; !exists {
		return false
	}
	delete(c.items, id)
	for i, existing := range c.order {
		if existing == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return true
}

func (c *collection[T]) removeWhere(match func(T) bool) {
	kept := c.order[:0]
	for _, id := range c.order {
		if match(c.items[id]) {
			delete(c.items, id)
			continue
		}
		kept = append(kept, id)
	}
	c.order = kept
}

func (c *collection[T]) list() []T {
	out := make([]T, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.items[id])
	}
	return out
}

func (c *collection[T]) clear() {
	c.order = nil
	c.items = make(map[string]T)
}

// apiSnapshot records registration ids per kind.
type apiSnapshot map[string]map[string]bool

func (a *API) snapshot() apiSnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return apiSnapshot{
		a.routes.kind:   a.routes.ids(),
		a.widgets.kind:  a.widgets.ids(),
		a.settings.kind: a.settings.ids(),
		a.menu.kind:     a.menu.ids(),
		a.jobs.kind:     a.jobs.ids(),
		a.workers.kind:  a.workers.ids(),
	}
}

// rollback removes every registration added since s was taken.
func (a *API) rollback(s apiSnapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.routes.keepOnly(s[a.routes.kind])
	a.widgets.keepOnly(s[a.widgets.kind])
	a.settings.keepOnly(s[a.settings.kind])
	a.menu.keepOnly(s[a.menu.kind])
	a.jobs.keepOnly(s[a.jobs.kind])
	a.workers.keepOnly(s[a.workers.kind])
	a.router = nil
}

func (c *collection[T]) ids() map[string]bool {
	out := make(map[string]bool, len(c.order))
	for _, id := range c.order {
		out[id] = true
	}
	return out
}

func (c *collection[T]) keepOnly(ids map[string]bool) {
	kept := c.order[:0]
	for _, id := range c.order {
		if !ids[id] {
			delete(c.items, id)
			continue
		}
		kept = append(kept, id)
	}
	c.order = kept
}
