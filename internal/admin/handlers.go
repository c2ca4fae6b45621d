// ABOUTME: Admin reporting endpoints for quota usage, plugins and request logs.
// ABOUTME: Everything under /admin answers JSON and requires the admin bearer token.

package admin

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/stromwissen/internal/auth"
	apierrors "github.com/2389/stromwissen/internal/errors"
	"github.com/2389/stromwissen/internal/keymanager"
	"github.com/2389/stromwissen/internal/provider"
	"github.com/2389/stromwissen/internal/store"
	"github.com/2389/stromwissen/plugins/core"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// Quota is the key manager surface the admin endpoints use.
type Quota interface {
	UsageMetrics() keymanager.Snapshot
	ResetMetrics(ctx context.Context, tier keymanager.Tier) error
	AcquireModel(ctx context.Context, opts provider.ModelOptions) (*keymanager.Handle, error)
	Limits() keymanager.Limits
}

// Plugins is the registry surface the admin endpoints use.
type Plugins interface {
	Infos() []core.PluginInfo
	HealthCheck(ctx context.Context) core.HealthReport
	Activate(ctx context.Context, name string) error
	Deactivate(ctx context.Context, name string) error
	API() *core.API
}

// RequestLogs reads stored request logs.
type RequestLogs interface {
	GetRequestLogs(ctx context.Context, q *store.RequestLogQuery) ([]*store.RequestLog, error)
	GetRequestLogStats(ctx context.Context, now time.Time) (*store.RequestLogStats, error)
	GetTopEndpoints(ctx context.Context, limit int) ([]store.EndpointCount, error)
	GetPluginRequestCount(ctx context.Context, pluginName string, since time.Time) (int, error)
	GetPluginErrorRate(ctx context.Context, pluginName string, since time.Time) (float64, error)
}

// HookFunc delivers a domain event to active plugins.
type HookFunc func(ctx context.Context, ev core.Event) error

type Deps struct {
	Quota        Quota
	Plugins      Plugins
	Hooks        HookFunc
	Logs         RequestLogs
	Token        string
	ModelOptions provider.ModelOptions
	Logger       zerolog.Logger
}

type Handlers struct {
	quota   Quota
	plugins Plugins
	hooks   HookFunc
	logs    RequestLogs
	token   string
	opts    provider.ModelOptions
	logger  zerolog.Logger
	now     func() time.Time
}

func NewHandlers(d Deps) *Handlers {
	return &Handlers{
		quota:   d.Quota,
		plugins: d.Plugins,
		hooks:   d.Hooks,
		logs:    d.Logs,
		token:   d.Token,
		opts:    d.ModelOptions,
		logger:  d.Logger.With().Str("component", "admin").Logger(),
		now:     time.Now,
	}
}

func (h *Handlers) RegisterRoutes(r chi.Router) {
	r.Route("/admin", func(r chi.Router) {
		r.Use(auth.RequireToken(h.token))

		r.Get("/usage", h.usage)
		r.Post("/usage/reset", h.resetUsage)
		r.Get("/quota", h.quotaLimits)
		r.Post("/models/acquire", h.acquireModel)

		r.Get("/plugins", h.listPlugins)
		r.Get("/plugins/health", h.pluginHealth)
		r.Get("/plugins/{name}/traffic", h.pluginTraffic)
		r.Post("/plugins/{name}/activate", h.activatePlugin)
		r.Post("/plugins/{name}/deactivate", h.deactivatePlugin)
		r.Get("/ui", h.uiExtensions)
		r.Post("/hooks/{hook}", h.fireHook)

		r.Get("/requests", h.listRequests)
		r.Get("/requests/stats", h.requestStats)
	})
}

func (h *Handlers) usage(w http.ResponseWriter, r *http.Request) {
	apierrors.WriteJSON(w, http.StatusOK, h.quota.UsageMetrics())
}

func (h *Handlers) resetUsage(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("tier")
	if raw == "" {
		raw = string(keymanager.TierAll)
	}
	tier, err := keymanager.ParseTier(raw)
	if err != nil {
		apierrors.WriteErrorWithField(w, http.StatusBadRequest, apierrors.CodeValidationFailed, err.Error(), "tier")
		return
	}
	if err := h.quota.ResetMetrics(r.Context(), tier); err != nil {
		apierrors.WriteErr(w, err)
		return
	}
	h.logger.Info().Str("tier", string(tier)).Str("user", auth.UserFromContext(r.Context())).Msg("usage metrics reset")
	apierrors.WriteJSON(w, http.StatusOK, h.quota.UsageMetrics())
}

func (h *Handlers) quotaLimits(w http.ResponseWriter, r *http.Request) {
	apierrors.WriteJSON(w, http.StatusOK, h.quota.Limits())
}

type acquireResponse struct {
	Tier     keymanager.Tier `json:"tier"`
	Provider string          `json:"provider"`
	Model    string          `json:"model"`
}

// acquireModel reserves a model the way a chat request would and reports
// which tier served it. It consumes quota.
func (h *Handlers) acquireModel(w http.ResponseWriter, r *http.Request) {
	handle, err := h.quota.AcquireModel(r.Context(), h.opts)
	if err != nil {
		h.logger.Error().Err(err).Msg("model acquisition failed")
		apierrors.WriteErrorWithDetails(w, http.StatusBadGateway, apierrors.CodeServiceUnavailable,
			"no model available", err.Error())
		return
	}
	apierrors.WriteJSON(w, http.StatusOK, acquireResponse{
		Tier:     handle.Tier,
		Provider: handle.Provider,
		Model:    handle.Model.Name(),
	})
}

func (h *Handlers) listRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := &store.RequestLogQuery{
		PluginName: q.Get("plugin"),
		Method:     q.Get("method"),
		PathPrefix: q.Get("path"),
	}
	for _, p := range []struct {
		name string
		dst  *int
	}{{"limit", &query.Limit}, {"offset", &query.Offset}, {"status", &query.StatusCode}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			apierrors.WriteErrorWithField(w, http.StatusBadRequest, apierrors.CodeValidationFailed,
				p.name+" must be a non-negative integer", p.name)
			return
		}
		*p.dst = n
	}

	logs, err := h.logs.GetRequestLogs(r.Context(), query)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to read request logs")
		apierrors.WriteError(w, http.StatusInternalServerError, apierrors.CodeDatabaseError, "failed to read request logs")
		return
	}
	if logs == nil {
		logs = []*store.RequestLog{}
	}
	apierrors.WriteJSON(w, http.StatusOK, map[string]any{"requests": logs})
}

func (h *Handlers) requestStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.logs.GetRequestLogStats(r.Context(), h.now())
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to read request stats")
		apierrors.WriteError(w, http.StatusInternalServerError, apierrors.CodeDatabaseError, "failed to read request stats")
		return
	}
	top, err := h.logs.GetTopEndpoints(r.Context(), 10)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to read top endpoints")
		apierrors.WriteError(w, http.StatusInternalServerError, apierrors.CodeDatabaseError, "failed to read top endpoints")
		return
	}
	apierrors.WriteJSON(w, http.StatusOK, map[string]any{"stats": stats, "topEndpoints": top})
}
