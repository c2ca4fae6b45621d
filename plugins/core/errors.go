// ABOUTME: Error values returned by the plugin registry and plugin API.
// ABOUTME: Registration errors are fatal to startup; hook errors are aggregated per plugin.

package core

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrAlreadyRegistered   = errors.New("plugin already registered")
	ErrNotRegistered       = errors.New("plugin not registered")
	ErrIncompatibleAPI     = errors.New("incompatible plugin api version")
	ErrBlocked             = errors.New("plugin is blocked")
	ErrNotAllowed          = errors.New("plugin is not in allow list")
	ErrMissingDependency   = errors.New("dependency not registered")
	ErrDependencyInactive  = errors.New("dependency not active")
	ErrHasDependents       = errors.New("plugin has active dependents")
	ErrNotActive           = errors.New("plugin not active")
	ErrInvalidMetadata     = errors.New("invalid plugin metadata")
	ErrDependencyCycle     = errors.New("plugin dependency cycle")
	ErrDuplicateID         = errors.New("duplicate registration id")
	ErrInvalidRegistration = errors.New("invalid registration")
)

// PluginError names the plugin and the constraint it violated.
type PluginError struct {
	Plugin string
	Op     string
	Err    error
}

func (e *PluginError) Error() string {
	return fmt.Sprintf("plugin %q: %s: %v", e.Plugin, e.Op, e.Err)
}

func (e *PluginError) Unwrap() error { return e.Err }

func pluginErr(name, op string, err error) error {
	return &PluginError{Plugin: name, Op: op, Err: err}
}

// HookError aggregates the failures of one ExecuteHook call. Every active
// plugin handling the hook was still invoked.
type HookError struct {
	Hook     HookName
	Failures map[string]error
}

func (e *HookError) Error() string {
	names := make([]string, 0, len(e.Failures))
	for name := range e.Failures {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %v", name, e.Failures[name]))
	}
	return fmt.Sprintf("hook %s failed in %d plugin(s): %s", e.Hook, len(names), strings.Join(parts, "; "))
}

func (e *HookError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, err := range e.Failures {
		errs = append(errs, err)
	}
	return errs
}
