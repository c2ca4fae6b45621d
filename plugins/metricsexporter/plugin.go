// ABOUTME: Metrics exporter plugin publishing AI usage statistics.
// ABOUTME: Serves the usage snapshot as JSON, exposes it as prometheus gauges and offers it as a service.

package metricsexporter

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	apierrors "github.com/2389/stromwissen/internal/errors"
	"github.com/2389/stromwissen/internal/keymanager"
	"github.com/2389/stromwissen/plugins/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const (
	Name = "metrics-exporter"

	// ServiceName is the service other plugins use to read usage.
	ServiceName = "metrics-exporter"

	// UsageService and RegistererService are provided by the host.
	UsageService      = "usage"
	RegistererService = "prometheus"
)

func init() {
	core.RegisterBuiltin(Name, func() core.Plugin { return New() })
}

// UsageSource reports quota usage. *keymanager.KeyManager satisfies it.
type UsageSource interface {
	UsageMetrics() keymanager.Snapshot
}

// Exporter is the service published while the plugin is active.
type Exporter struct {
	src UsageSource
}

// Snapshot returns the current usage.
func (e *Exporter) Snapshot() keymanager.Snapshot {
	return e.src.UsageMetrics()
}

type Plugin struct {
	pc        *core.Context
	api       *core.API
	logger    zerolog.Logger
	exporter  *Exporter
	collector *usageCollector
	reg       prometheus.Registerer
}

func New() *Plugin {
	return &Plugin{}
}

func (p *Plugin) Metadata() core.Metadata {
	return core.Metadata{
		Name:        Name,
		Version:     "1.0.0",
		Description: "Exports free and paid tier usage as JSON and prometheus metrics",
		Author:      "stromwissen",
		APIVersion:  "1.0.0",
	}
}

func (p *Plugin) Initialize(ctx context.Context, pc *core.Context, api *core.API) error {
	src, ok := core.ServiceAs[UsageSource](pc, UsageService)
	if !ok {
		return fmt.Errorf("host service %q is not available", UsageService)
	}

	p.pc = pc
	p.api = api
	p.logger = pc.Logger(Name)
	p.exporter = &Exporter{src: src}
	p.collector = newUsageCollector(src)
	if reg, ok := core.ServiceAs[prometheus.Registerer](pc, RegistererService); ok {
		p.reg = reg
	}
	return nil
}

func (p *Plugin) Activate(ctx context.Context) error {
	if err := p.register(); err != nil {
		p.unregister()
		return err
	}
	p.logger.Info().Msg("usage export enabled")
	return nil
}

func (p *Plugin) Deactivate(ctx context.Context) error {
	p.unregister()
	return nil
}

const (
	routeID  = "metrics-exporter.usage"
	widgetID = "metrics-exporter.usage"
)

func (p *Plugin) register() error {
	if err := p.api.AddRoute(core.Route{
		ID:          routeID,
		Plugin:      Name,
		Method:      http.MethodGet,
		Path:        "/metrics-exporter/usage",
		Description: "Usage snapshot for both tiers",
		Handler:     http.HandlerFunc(p.handleUsage),
	}); err != nil {
		return err
	}
	if err := p.api.AddWidget(core.Widget{
		ID:        widgetID,
		Plugin:    Name,
		Title:     "AI usage",
		Component: "UsageChart",
		Position:  "dashboard",
		Size:      "medium",
	}); err != nil {
		return err
	}
	if p.reg != nil {
		if err := p.reg.Register(p.collector); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return fmt.Errorf("register collector: %w", err)
			}
		}
	}
	p.pc.ProvideService(ServiceName, p.exporter)
	return nil
}

func (p *Plugin) unregister() {
	p.pc.RemoveService(ServiceName)
	if p.reg != nil {
		p.reg.Unregister(p.collector)
	}
	p.api.RemoveRoute(routeID)
	p.api.RemoveWidget(widgetID)
}

func (p *Plugin) handleUsage(w http.ResponseWriter, r *http.Request) {
	apierrors.WriteJSON(w, http.StatusOK, p.exporter.Snapshot())
}
