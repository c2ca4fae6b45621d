// ABOUTME: Core plugin interface for the stromwissen plugin system.
// ABOUTME: Defines the contract all plugins implement plus the optional lifecycle and health hooks.

package core

import "context"

// Metadata identifies a plugin and declares what it needs from the host.
type Metadata struct {
	Name         string   `yaml:"name" json:"name"`
	Version      string   `yaml:"version" json:"version"`
	Description  string   `yaml:"description" json:"description"`
	Author       string   `yaml:"author,omitempty" json:"author,omitempty"`
	Dependencies []string `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	APIVersion   string   `yaml:"apiVersion" json:"apiVersion"`
}

// DependsOn reports whether name is one of the declared dependencies.
func (m Metadata) DependsOn(name string) bool {
	for _, dep := range m.Dependencies {
		if dep == name {
			return true
		}
	}
	return false
}

// Plugin defines the interface that all plugins must implement.
// The registry only ever depends on this interface, never on concrete types.
type Plugin interface {
	Metadata() Metadata

	// Initialize is called once during registration. Returning an error
	// aborts the registration.
	Initialize(ctx context.Context, pc *Context, api *API) error

	Activate(ctx context.Context) error
	Deactivate(ctx context.Context) error
}

// ActivateHook is implemented by plugins that want a callback after they
// became active but before listeners are told about it.
type ActivateHook interface {
	OnActivate(ctx context.Context, pc *Context) error
}

// DeactivateHook is implemented by plugins that release resources while
// still nominally active.
type DeactivateHook interface {
	OnDeactivate(ctx context.Context, pc *Context) error
}

// HealthChecker is an optional interface. Plugins without it count as healthy.
// A non-nil error marks the plugin unhealthy with the error message as reason.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// State is the lifecycle state of a plugin inside a registry.
type State int

const (
	StateUnregistered State = iota
	StateRegistered
	StateActive
)

func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateRegistered:
		return "registered"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// HealthReport partitions active plugins by health check outcome.
type HealthReport struct {
	Healthy   []string          `json:"healthy"`
	Unhealthy map[string]string `json:"unhealthy"`
}

// OK reports whether every polled plugin was healthy.
func (h HealthReport) OK() bool {
	return len(h.Unhealthy) == 0
}
