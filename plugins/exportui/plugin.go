// ABOUTME: Export UI plugin offering usage downloads in the dashboard.
// ABOUTME: Adds a CSV export route, widget, menu entry and settings page while active.

package exportui

import (
	"context"
	"encoding/csv"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"unicode/utf8"

	apierrors "github.com/2389/stromwissen/internal/errors"
	"github.com/2389/stromwissen/internal/keymanager"
	"github.com/2389/stromwissen/plugins/core"
	"github.com/2389/stromwissen/plugins/metricsexporter"
	"github.com/rs/zerolog"
)

const Name = "export-ui"

func init() {
	core.RegisterBuiltin(Name, func() core.Plugin { return New() })
}

type Plugin struct {
	pc     *core.Context
	api    *core.API
	logger zerolog.Logger
}

func New() *Plugin {
	return &Plugin{}
}

func (p *Plugin) Metadata() core.Metadata {
	return core.Metadata{
		Name:         Name,
		Version:      "1.0.0",
		Description:  "Usage export for the admin dashboard",
		Author:       "stromwissen",
		Dependencies: []string{metricsexporter.Name},
		APIVersion:   "1.0.0",
	}
}

func (p *Plugin) Initialize(ctx context.Context, pc *core.Context, api *core.API) error {
	p.pc = pc
	p.api = api
	p.logger = pc.Logger(Name)
	return nil
}

// Activate adds the UI registrations. They exist only while the plugin is
// active.
func (p *Plugin) Activate(ctx context.Context) error {
	if err := p.register(); err != nil {
		p.unregister()
		return err
	}
	return nil
}

func (p *Plugin) Deactivate(ctx context.Context) error {
	p.unregister()
	return nil
}

const (
	routeID    = "export-ui.usage-csv"
	widgetID   = "export-ui.download"
	menuID     = "export-ui.menu"
	settingsID = "export-ui.settings"
)

func (p *Plugin) unregister() {
	p.api.RemoveRoute(routeID)
	p.api.RemoveWidget(widgetID)
	p.api.RemoveMenuItem(menuID)
	p.api.RemoveSettingsPage(settingsID)
}

func (p *Plugin) register() error {
	if err := p.api.AddRoute(core.Route{
		ID:          routeID,
		Plugin:      Name,
		Method:      http.MethodGet,
		Path:        "/export-ui/usage.csv",
		Description: "Daily usage per tier as CSV",
		Handler:     http.HandlerFunc(p.handleCSV),
	}); err != nil {
		return err
	}
	if err := p.api.AddWidget(core.Widget{
		ID:        widgetID,
		Plugin:    Name,
		Title:     "Export usage",
		Component: "ExportButton",
		Position:  "admin",
		Size:      "small",
	}); err != nil {
		return err
	}
	if err := p.api.AddMenuItem(core.MenuItem{
		ID:     menuID,
		Plugin: Name,
		Label:  "Export",
		Path:   core.RoutePrefix + "/export-ui/usage.csv",
		Icon:   "download",
		Order:  50,
	}); err != nil {
		return err
	}
	return p.api.AddSettingsPage(core.SettingsPage{
		ID:     settingsID,
		Plugin: Name,
		Title:  "Export settings",
		Path:   "/settings/export-ui",
		Fields: []core.FieldSchema{
			{Name: "delimiter", Type: "select", Display: "Column delimiter", Default: ",", Options: []string{",", ";", "\t"}},
			{Name: "includeProviders", Type: "boolean", Display: "Include per-provider totals", Default: true},
		},
	})
}

func (p *Plugin) handleCSV(w http.ResponseWriter, r *http.Request) {
	exp, ok := core.ServiceAs[*metricsexporter.Exporter](p.pc, metricsexporter.ServiceName)
	if !ok {
		apierrors.WriteError(w, http.StatusServiceUnavailable, apierrors.CodeServiceUnavailable,
			"metrics-exporter service is not available")
		return
	}

	settings := p.settings()
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="usage.csv"`)

	cw := csv.NewWriter(w)
	cw.Comma = settings.delimiter
	if err := writeUsage(cw, exp.Snapshot(), settings.includeProviders); err != nil {
		p.logger.Error().Err(err).Msg("failed to write usage export")
	}
}

type settings struct {
	delimiter        rune
	includeProviders bool
}

func (p *Plugin) settings() settings {
	s := settings{delimiter: ',', includeProviders: true}
	cfg := p.pc.Config(Name)
	if d, ok := cfg["delimiter"].(string); ok && utf8.RuneCountInString(d) == 1 {
		s.delimiter, _ = utf8.DecodeRuneInString(d)
	}
	if inc, ok := cfg["includeProviders"].(bool); ok {
		s.includeProviders = inc
	}
	return s
}

// writeUsage writes one row per tier and day, then provider totals.
func writeUsage(cw *csv.Writer, s keymanager.Snapshot, includeProviders bool) error {
	if err := cw.Write([]string{"scope", "name", "date", "requests"}); err != nil {
		return err
	}

	for _, tier := range []struct {
		name  string
		usage keymanager.TierUsage
	}{{"free", s.Free}, {"paid", s.Paid}} {
		days := make([]string, 0, len(tier.usage.Daily))
		for day := range tier.usage.Daily {
			days = append(days, day)
		}
		sort.Strings(days)
		for _, day := range days {
			row := []string{"tier", tier.name, day, strconv.FormatInt(tier.usage.Daily[day], 10)}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
		if err := cw.Write([]string{"tier", tier.name, "total", strconv.FormatInt(tier.usage.Total, 10)}); err != nil {
			return err
		}
	}

	if includeProviders {
		names := make([]string, 0, len(s.Providers))
		for name := range s.Providers {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if err := cw.Write([]string{"provider", name, "total", strconv.FormatInt(s.Providers[name].Total, 10)}); err != nil {
				return err
			}
		}
	}

	cw.Write([]string{"savings", "usd", "total", fmt.Sprintf("%.4f", s.CostSavingsUSD)})
	cw.Flush()
	return cw.Error()
}
