// ABOUTME: Process-wide catalog of built-in plugin constructors.
// ABOUTME: Plugin packages add themselves from init; the host instantiates them per registry.

package core

import (
	"fmt"
	"sort"
	"sync"
)

var (
	catalogMu sync.RWMutex
	catalog   = make(map[string]func() Plugin)
)

// RegisterBuiltin makes a plugin constructor available to hosts. It panics
// on duplicate names, like the database/sql driver registry.
func RegisterBuiltin(name string, newPlugin func() Plugin) {
	catalogMu.Lock()
	defer catalogMu.Unlock()

	if newPlugin == nil {
		panic(fmt.Sprintf("plugin %q: nil constructor", name))
	}
	if _, exists := catalog[name]; exists {
		panic(fmt.Sprintf("plugin %q already registered", name))
	}
	catalog[name] = newPlugin
}

// Builtins returns a fresh instance of every cataloged plugin, sorted by name.
// Pass the result through SortByDependencies before registering.
func Builtins() []Plugin {
	catalogMu.RLock()
	defer catalogMu.RUnlock()

	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)

	plugins := make([]Plugin, 0, len(names))
	for _, name := range names {
		plugins = append(plugins, catalog[name]())
	}
	return plugins
}
