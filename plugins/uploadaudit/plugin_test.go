// ABOUTME: Tests for the upload audit plugin hooks, events route and prune job.
// ABOUTME: Runs against an in-memory SQLite store through a core.Registry.

package uploadaudit

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/2389/stromwissen/plugins/core"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

var base = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func setup(t *testing.T, db *sql.DB, cfg map[string]any) (*core.Registry, *Plugin) {
	t.Helper()
	pc := core.NewContext(zerolog.Nop(),
		core.WithDB(db),
		core.WithPluginConfig(map[string]map[string]any{Name: cfg}),
	)
	r := core.NewRegistry(core.RegistryConfig{}, pc, core.NewAPI())
	p := New()
	p.now = func() time.Time { return base }

	ctx := context.Background()
	if err := r.Register(ctx, p); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.Activate(ctx, Name); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	return r, p
}

func listEvents(t *testing.T, r *core.Registry, query string) (int, []Entry) {
	t.Helper()
	rr := httptest.NewRecorder()
	r.API().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/upload-audit/events"+query, nil))
	if rr.Code != http.StatusOK {
		return rr.Code, nil
	}
	var body struct {
		Events []Entry `json:"events"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return rr.Code, body.Events
}

func TestHooksWriteAuditRows(t *testing.T) {
	r, _ := setup(t, openDB(t), nil)
	ctx := context.Background()

	if err := r.ExecuteHook(ctx, core.UserCreated{UserID: "u1", Email: "u1@example.com", CreatedAt: base.Add(-time.Hour)}); err != nil {
		t.Fatalf("ExecuteHook(UserCreated) error = %v", err)
	}
	if err := r.ExecuteHook(ctx, core.DocumentUploaded{
		DocumentID: "doc-1", UserID: "u1", Filename: "netzentgelte.pdf",
		MimeType: "application/pdf", SizeBytes: 2048, UploadedAt: base,
	}); err != nil {
		t.Fatalf("ExecuteHook(DocumentUploaded) error = %v", err)
	}
	r.ExecuteHook(ctx, core.DocumentUploaded{DocumentID: "doc-2", UserID: "u2", Filename: "tarif.csv"})

	// Not handled by this plugin.
	if err := r.ExecuteHook(ctx, core.ChatMessage{ChatID: "c", UserID: "u1", Content: "hi"}); err != nil {
		t.Fatalf("ExecuteHook(ChatMessage) error = %v", err)
	}

	code, events := listEvents(t, r, "")
	if code != http.StatusOK || len(events) != 3 {
		t.Fatalf("list = %d, %d events", code, len(events))
	}
	// doc-2 had no timestamp and was stamped with now.
	if events[0].DocumentID != "doc-2" || !events[0].OccurredAt.Equal(base) {
		t.Errorf("newest entry = %+v", events[0])
	}
	last := events[2]
	if last.Event != string(core.HookUserCreated) || last.UserID != "u1" {
		t.Errorf("oldest entry = %+v", last)
	}

	_, u1 := listEvents(t, r, "?user=u1")
	if len(u1) != 2 {
		t.Errorf("user filter returned %d entries, want 2", len(u1))
	}
	for _, e := range u1 {
		if e.Event == string(core.HookDocumentUploaded) && (e.SizeBytes != 2048 || e.MimeType != "application/pdf") {
			t.Errorf("upload entry = %+v", e)
		}
	}

	_, one := listEvents(t, r, "?limit=1")
	if len(one) != 1 {
		t.Errorf("limit=1 returned %d entries", len(one))
	}
}

func TestEventsLimitValidation(t *testing.T) {
	r, _ := setup(t, openDB(t), nil)
	for _, q := range []string{"?limit=0", "?limit=abc", "?limit=5000"} {
		if code, _ := listEvents(t, r, q); code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, code)
		}
	}
	if code, events := listEvents(t, r, ""); code != http.StatusOK || events == nil {
		t.Errorf("empty list = %d %v, want 200 with []", code, events)
	}
}

func TestInactivePluginReceivesNoHooks(t *testing.T) {
	r, _ := setup(t, openDB(t), nil)
	ctx := context.Background()
	r.Deactivate(ctx, Name)

	r.ExecuteHook(ctx, core.UserCreated{UserID: "ghost"})
	if len(r.API().Routes()) != 0 || len(r.API().ScheduledJobs()) != 0 {
		t.Error("registrations survived deactivation")
	}

	r.Activate(ctx, Name)
	if _, events := listEvents(t, r, ""); len(events) != 0 {
		t.Errorf("inactive plugin recorded %d events", len(events))
	}
}

func TestPruneJob(t *testing.T) {
	r, p := setup(t, openDB(t), map[string]any{"retentionDays": 7, "pruneInterval": "30m"})
	ctx := context.Background()

	r.ExecuteHook(ctx, core.UserCreated{UserID: "old", CreatedAt: base.Add(-8 * 24 * time.Hour)})
	r.ExecuteHook(ctx, core.UserCreated{UserID: "recent", CreatedAt: base.Add(-6 * 24 * time.Hour)})

	jobs := r.API().ScheduledJobs()
	if len(jobs) != 1 || jobs[0].Interval != 30*time.Minute || !jobs[0].RunOnStart {
		t.Fatalf("jobs = %+v", jobs)
	}
	if p.retention != 7*24*time.Hour {
		t.Errorf("retention = %v", p.retention)
	}
	if err := jobs[0].Run(ctx); err != nil {
		t.Fatalf("prune error = %v", err)
	}

	_, events := listEvents(t, r, "")
	if len(events) != 1 || events[0].UserID != "recent" {
		t.Errorf("after prune = %+v", events)
	}
}

func TestHealthCheck(t *testing.T) {
	db := openDB(t)
	r, _ := setup(t, db, nil)
	ctx := context.Background()

	if report := r.HealthCheck(ctx); !report.OK() || len(report.Healthy) != 1 {
		t.Fatalf("HealthCheck() = %+v", report)
	}

	db.Close()
	report := r.HealthCheck(ctx)
	if _, sick := report.Unhealthy[Name]; !sick {
		t.Errorf("HealthCheck() after close = %+v", report)
	}
}

func TestInitializeRequiresDatabase(t *testing.T) {
	r := core.NewRegistry(core.RegistryConfig{}, core.NewContext(zerolog.Nop()), core.NewAPI())
	if err := r.Register(context.Background(), New()); err == nil {
		t.Fatal("Register() without database succeeded")
	}
}
