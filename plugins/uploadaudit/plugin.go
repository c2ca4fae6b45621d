// ABOUTME: Upload audit plugin recording document uploads and new users.
// ABOUTME: Writes hook payloads to SQLite, serves them over HTTP and prunes old rows on a schedule.

package uploadaudit

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	apierrors "github.com/2389/stromwissen/internal/errors"
	"github.com/2389/stromwissen/plugins/core"
	"github.com/rs/zerolog"
)

const (
	Name = "upload-audit"

	DefaultRetention     = 90 * 24 * time.Hour
	DefaultPruneInterval = time.Hour
)

func init() {
	core.RegisterBuiltin(Name, func() core.Plugin { return New() })
}

type Plugin struct {
	pc     *core.Context
	api    *core.API
	store  *AuditStore
	logger zerolog.Logger
	now    func() time.Time

	retention     time.Duration
	pruneInterval time.Duration
}

func New() *Plugin {
	return &Plugin{
		now:           time.Now,
		retention:     DefaultRetention,
		pruneInterval: DefaultPruneInterval,
	}
}

func (p *Plugin) Metadata() core.Metadata {
	return core.Metadata{
		Name:        Name,
		Version:     "1.0.0",
		Description: "Audit trail of document uploads and account creation",
		Author:      "stromwissen",
		APIVersion:  "1.0.0",
	}
}

func (p *Plugin) Initialize(ctx context.Context, pc *core.Context, api *core.API) error {
	if pc.DB() == nil {
		return errors.New("a database is required")
	}
	store, err := NewAuditStore(ctx, pc.DB())
	if err != nil {
		return err
	}

	p.pc = pc
	p.api = api
	p.store = store
	p.logger = pc.Logger(Name)
	p.configure(pc.Config(Name))
	return nil
}

// configure reads retentionDays and pruneInterval ("30m", "2h").
func (p *Plugin) configure(cfg map[string]any) {
	switch days := cfg["retentionDays"].(type) {
	case int:
		if days > 0 {
			p.retention = time.Duration(days) * 24 * time.Hour
		}
	case float64:
		if days > 0 {
			p.retention = time.Duration(days * float64(24*time.Hour))
		}
	}
	if s, ok := cfg["pruneInterval"].(string); ok {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			p.pruneInterval = d
		} else {
			p.logger.Warn().Str("pruneInterval", s).Msg("ignoring invalid prune interval")
		}
	}
}

func (p *Plugin) Activate(ctx context.Context) error {
	err := p.api.AddRoute(core.Route{
		ID:          "upload-audit.events",
		Plugin:      Name,
		Method:      http.MethodGet,
		Path:        "/upload-audit/events",
		Description: "Recent audit entries, newest first",
		Handler:     http.HandlerFunc(p.handleEvents),
	})
	if err == nil {
		err = p.api.AddScheduledJob(core.ScheduledJob{
			ID:         "upload-audit.prune",
			Plugin:     Name,
			Interval:   p.pruneInterval,
			RunOnStart: true,
			Run:        p.prune,
		})
	}
	if err != nil {
		p.api.ClearPlugin(Name)
	}
	return err
}

func (p *Plugin) Deactivate(ctx context.Context) error {
	p.api.ClearPlugin(Name)
	return nil
}

func (p *Plugin) OnDocumentUploaded(ctx context.Context, ev core.DocumentUploaded) error {
	return p.store.Insert(ctx, &Entry{
		Event:      string(core.HookDocumentUploaded),
		UserID:     ev.UserID,
		DocumentID: ev.DocumentID,
		Filename:   ev.Filename,
		MimeType:   ev.MimeType,
		SizeBytes:  ev.SizeBytes,
		OccurredAt: orNow(ev.UploadedAt, p.now),
	})
}

func (p *Plugin) OnUserCreated(ctx context.Context, ev core.UserCreated) error {
	return p.store.Insert(ctx, &Entry{
		Event:      string(core.HookUserCreated),
		UserID:     ev.UserID,
		OccurredAt: orNow(ev.CreatedAt, p.now),
	})
}

func (p *Plugin) HealthCheck(ctx context.Context) error {
	return p.store.Ping(ctx)
}

func (p *Plugin) prune(ctx context.Context) error {
	n, err := p.store.Prune(ctx, p.now().Add(-p.retention))
	if err != nil {
		return err
	}
	if n > 0 {
		p.logger.Info().Int64("deleted", n).Msg("pruned audit entries")
	}
	return nil
}

func (p *Plugin) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			apierrors.WriteErrorWithField(w, http.StatusBadRequest, apierrors.CodeValidationFailed,
				"limit must be between 1 and 1000", "limit")
			return
		}
		limit = n
	}

	entries, err := p.store.List(r.Context(), r.URL.Query().Get("user"), limit)
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to list audit entries")
		apierrors.WriteError(w, http.StatusInternalServerError, apierrors.CodeDatabaseError, "failed to list audit entries")
		return
	}
	if entries == nil {
		entries = []*Entry{}
	}
	apierrors.WriteJSON(w, http.StatusOK, map[string]any{"events": entries})
}

func orNow(t time.Time, now func() time.Time) time.Time {
	if t.IsZero() {
		return now()
	}
	return t
}
