// ABOUTME: Admin routes for plugin lifecycle, health and UI extension points.
// ABOUTME: Also lets operators fire domain hooks by name with a JSON payload.

package admin

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/2389/stromwissen/internal/auth"
	apierrors "github.com/2389/stromwissen/internal/errors"
	"github.com/2389/stromwissen/plugins/core"
	"github.com/go-chi/chi/v5"
)

const (
	maxHookBody   = 1 << 20
	trafficWindow = 24 * time.Hour
)

func (h *Handlers) listPlugins(w http.ResponseWriter, r *http.Request) {
	apierrors.WriteJSON(w, http.StatusOK, map[string]any{"plugins": h.plugins.Infos()})
}

func (h *Handlers) pluginHealth(w http.ResponseWriter, r *http.Request) {
	report := h.plugins.HealthCheck(r.Context())
	if report.Healthy == nil {
		report.Healthy = []string{}
	}
	if report.Unhealthy == nil {
		report.Unhealthy = map[string]string{}
	}
	status := http.StatusOK
	if !report.OK() {
		status = http.StatusServiceUnavailable
	}
	apierrors.WriteJSON(w, status, report)
}

type trafficResponse struct {
	Plugin       string    `json:"plugin"`
	Since        time.Time `json:"since"`
	Requests     int       `json:"requests"`
	ErrorRatePct float64   `json:"errorRatePct"`
}

// pluginTraffic summarizes the logged requests of one plugin over a window,
// 24h unless ?window= names another duration.
func (h *Handlers) pluginTraffic(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !h.known(name) {
		apierrors.WriteErr(w, &core.PluginError{Plugin: name, Op: "traffic", Err: core.ErrNotRegistered})
		return
	}
	window := trafficWindow
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			apierrors.WriteErrorWithField(w, http.StatusBadRequest, apierrors.CodeValidationFailed,
				"window must be a positive duration", "window")
			return
		}
		window = d
	}
	since := h.now().Add(-window)

	count, err := h.logs.GetPluginRequestCount(r.Context(), name, since)
	if err != nil {
		h.trafficFailed(w, name, err)
		return
	}
	rate, err := h.logs.GetPluginErrorRate(r.Context(), name, since)
	if err != nil {
		h.trafficFailed(w, name, err)
		return
	}
	apierrors.WriteJSON(w, http.StatusOK, trafficResponse{
		Plugin:       name,
		Since:        since.UTC(),
		Requests:     count,
		ErrorRatePct: rate,
	})
}

func (h *Handlers) trafficFailed(w http.ResponseWriter, name string, err error) {
	h.logger.Error().Err(err).Str("plugin", name).Msg("failed to read plugin traffic")
	apierrors.WriteError(w, http.StatusInternalServerError, apierrors.CodeDatabaseError, "failed to read plugin traffic")
}

func (h *Handlers) known(name string) bool {
	for _, info := range h.plugins.Infos() {
		if info.Metadata.Name == name {
			return true
		}
	}
	return false
}

func (h *Handlers) activatePlugin(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.plugins.Activate(r.Context(), name); err != nil {
		apierrors.WriteErr(w, err)
		return
	}
	h.logger.Info().Str("plugin", name).Str("user", auth.UserFromContext(r.Context())).Msg("plugin activated via admin")
	apierrors.WriteJSON(w, http.StatusOK, map[string]any{"plugin": name, "state": core.StateActive.String()})
}

func (h *Handlers) deactivatePlugin(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.plugins.Deactivate(r.Context(), name); err != nil {
		apierrors.WriteErr(w, err)
		return
	}
	h.logger.Info().Str("plugin", name).Str("user", auth.UserFromContext(r.Context())).Msg("plugin deactivated via admin")
	apierrors.WriteJSON(w, http.StatusOK, map[string]any{"plugin": name, "state": core.StateRegistered.String()})
}

type uiExtensions struct {
	Widgets       []core.Widget       `json:"widgets"`
	MenuItems     []core.MenuItem     `json:"menuItems"`
	SettingsPages []core.SettingsPage `json:"settingsPages"`
	Routes        []core.Route        `json:"routes"`
	ScheduledJobs []core.ScheduledJob `json:"scheduledJobs"`
}

// uiExtensions lists what plugins contributed for a frontend to render.
func (h *Handlers) uiExtensions(w http.ResponseWriter, r *http.Request) {
	api := h.plugins.API()
	apierrors.WriteJSON(w, http.StatusOK, uiExtensions{
		Widgets:       nonNil(api.Widgets()),
		MenuItems:     nonNil(api.MenuItems()),
		SettingsPages: nonNil(api.SettingsPages()),
		Routes:        nonNil(api.Routes()),
		ScheduledJobs: nonNil(api.ScheduledJobs()),
	})
}

type hookResponse struct {
	Hook     core.HookName     `json:"hook"`
	Failures map[string]string `json:"failures"`
}

// fireHook delivers the request body as the named hook. Plugin failures do
// not fail the request; they are listed in the response.
func (h *Handlers) fireHook(w http.ResponseWriter, r *http.Request) {
	name := core.HookName(chi.URLParam(r, "hook"))
	body, err := io.ReadAll(io.LimitReader(r.Body, maxHookBody))
	if err != nil {
		apierrors.WriteError(w, http.StatusBadRequest, apierrors.CodeInvalidBody, "failed to read body")
		return
	}

	ev, err := decodeEvent(name, body)
	if err != nil {
		apierrors.WriteErrorWithDetails(w, http.StatusBadRequest, apierrors.CodeInvalidBody, "invalid hook payload", err.Error())
		return
	}

	resp := hookResponse{Hook: name, Failures: map[string]string{}}
	if err := h.hooks(r.Context(), ev); err != nil {
		var hookErr *core.HookError
		if !errors.As(err, &hookErr) {
			apierrors.WriteErr(w, err)
			return
		}
		for plugin, ferr := range hookErr.Failures {
			resp.Failures[plugin] = ferr.Error()
		}
	}
	apierrors.WriteJSON(w, http.StatusOK, resp)
}

func decodeEvent(name core.HookName, body []byte) (core.Event, error) {
	if len(body) == 0 {
		body = []byte("{}")
	}
	switch name {
	case core.HookUserCreated:
		return decodeAs[core.UserCreated](body)
	case core.HookDocumentUploaded:
		return decodeAs[core.DocumentUploaded](body)
	case core.HookChatMessage:
		return decodeAs[core.ChatMessage](body)
	case core.HookQuizCompleted:
		return decodeAs[core.QuizCompleted](body)
	}
	ev := core.Custom{Name: name}
	if err := json.Unmarshal(body, &ev.Data); err != nil {
		return nil, err
	}
	return ev, nil
}

func decodeAs[T core.Event](body []byte) (core.Event, error) {
	var ev T
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, err
	}
	return ev, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
