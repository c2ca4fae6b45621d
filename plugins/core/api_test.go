// ABOUTME: Tests for plugin API registrations and the dynamic route handler.
// ABOUTME: Covers id uniqueness, validation, removal, menu ordering and chi dispatch.

package core

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func textHandler(body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, body)
	})
}

func noopRun(ctx context.Context) error { return nil }

func TestAPIDuplicateIDs(t *testing.T) {
	api := NewAPI()

	tests := []struct {
		name string
		add  func() error
	}{
		{"widget", func() error {
			return api.AddWidget(Widget{ID: "w1", Title: "Usage", Component: "UsageWidget"})
		}},
		{"menu item", func() error {
			return api.AddMenuItem(MenuItem{ID: "m1", Label: "Export", Path: "/export"})
		}},
		{"settings page", func() error {
			return api.AddSettingsPage(SettingsPage{ID: "s1", Title: "Export"})
		}},
		{"scheduled job", func() error {
			return api.AddScheduledJob(ScheduledJob{ID: "j1", Interval: time.Minute, Run: noopRun})
		}},
		{"worker", func() error {
			return api.AddWorker(Worker{ID: "k1", Run: noopRun})
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.add(); err != nil {
				t.Fatalf("first add error = %v", err)
			}
			if err := tt.add(); !errors.Is(err, ErrDuplicateID) {
				t.Errorf("second add error = %v, want ErrDuplicateID", err)
			}
		})
	}

	if n := len(api.Widgets()); n != 1 {
		t.Errorf("Widgets() = %d entries, want 1", n)
	}
}

func TestAPIRouteValidation(t *testing.T) {
	tests := []struct {
		name  string
		route Route
	}{
		{"missing id", Route{Method: "GET", Path: "/x", Handler: textHandler("")}},
		{"bad method", Route{ID: "r", Method: "TRACE", Path: "/x", Handler: textHandler("")}},
		{"relative path", Route{ID: "r", Method: "GET", Path: "x", Handler: textHandler("")}},
		{"nil handler", Route{ID: "r", Method: "GET", Path: "/x"}},
		{"unclosed param", Route{ID: "r", Method: "GET", Path: "/bad/{id", Handler: textHandler("")}},
		{"repeated param", Route{ID: "r", Method: "GET", Path: "/x/{id}/{id}", Handler: textHandler("")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := NewAPI()
			if err := api.AddRoute(tt.route); !errors.Is(err, ErrInvalidRegistration) {
				t.Errorf("AddRoute() error = %v, want ErrInvalidRegistration", err)
			}
		})
	}
}

func TestAPIRouteConflict(t *testing.T) {
	api := NewAPI()
	if err := api.AddRoute(Route{ID: "a", Method: "get", Path: "/usage", Handler: textHandler("a")}); err != nil {
		t.Fatalf("AddRoute(a) error = %v", err)
	}
	if err := api.AddRoute(Route{ID: "b", Method: "GET", Path: "/usage", Handler: textHandler("b")}); !errors.Is(err, ErrInvalidRegistration) {
		t.Errorf("AddRoute(b) error = %v, want ErrInvalidRegistration", err)
	}
	if err := api.AddRoute(Route{ID: "c", Method: "POST", Path: "/usage", Handler: textHandler("c")}); err != nil {
		t.Errorf("AddRoute(c) error = %v", err)
	}
	if got := api.Routes()[0].Method; got != "GET" {
		t.Errorf("method = %q, want normalized GET", got)
	}
}

func TestAPIMalformedRouteKeepsServing(t *testing.T) {
	api := NewAPI()
	if err := api.AddRoute(Route{ID: "good", Method: "GET", Path: "/good", Handler: textHandler("good")}); err != nil {
		t.Fatalf("AddRoute(good) error = %v", err)
	}
	if err := api.AddRoute(Route{ID: "bad", Method: "GET", Path: "/bad/{id", Handler: textHandler("bad")}); !errors.Is(err, ErrInvalidRegistration) {
		t.Fatalf("AddRoute(bad) error = %v, want ErrInvalidRegistration", err)
	}
	if n := len(api.Routes()); n != 1 {
		t.Errorf("Routes() = %d entries, want 1", n)
	}

	rr := httptest.NewRecorder()
	api.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/good", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "good" {
		t.Errorf("GET /good = %d %q", rr.Code, rr.Body.String())
	}
}

func TestAPIRouteConflictIgnoresParamNames(t *testing.T) {
	tests := []struct {
		name    string
		first   string
		second  string
		method  string
		wantErr bool
	}{
		{"renamed param", "/x/{id}", "/x/{name}", "GET", true},
		{"renamed param other method", "/x/{id}", "/x/{name}", "DELETE", false},
		{"different regexp", "/x/{id:[0-9]+}", "/x/{slug:[a-z]+}", "GET", false},
		{"same regexp", "/x/{id:[0-9]+}", "/x/{n:[0-9]+}", "GET", true},
		{"static vs param", "/x/latest", "/x/{id}", "GET", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := NewAPI()
			if err := api.AddRoute(Route{ID: "a", Method: "GET", Path: tt.first, Handler: textHandler("a")}); err != nil {
				t.Fatalf("AddRoute(a) error = %v", err)
			}
			err := api.AddRoute(Route{ID: "b", Method: tt.method, Path: tt.second, Handler: textHandler("b")})
			if tt.wantErr && !errors.Is(err, ErrInvalidRegistration) {
				t.Errorf("AddRoute(b) error = %v, want ErrInvalidRegistration", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("AddRoute(b) error = %v", err)
			}
		})
	}
}

func TestAPISettingsFieldValidation(t *testing.T) {
	api := NewAPI()

	err := api.AddSettingsPage(SettingsPage{ID: "s", Title: "S", Fields: []FieldSchema{{Name: "mode", Type: "color"}}})
	if !errors.Is(err, ErrInvalidRegistration) {
		t.Errorf("unknown field type error = %v, want ErrInvalidRegistration", err)
	}

	err = api.AddSettingsPage(SettingsPage{ID: "s", Title: "S", Fields: []FieldSchema{
		{Name: "format", Type: "select", Options: []string{"csv", "json"}},
		{Name: "format", Type: "string"},
	}})
	if !errors.Is(err, ErrInvalidRegistration) {
		t.Errorf("duplicate field error = %v, want ErrInvalidRegistration", err)
	}

	err = api.AddSettingsPage(SettingsPage{ID: "s", Title: "S", Fields: []FieldSchema{
		{Name: "format", Type: "select", Options: []string{"csv", "json"}, Default: "csv"},
		{Name: "includePaid", Type: "boolean", Default: true},
	}})
	if err != nil {
		t.Errorf("valid settings page error = %v", err)
	}
}

func TestAPIServeHTTP(t *testing.T) {
	api := NewAPI()
	if err := api.AddRoute(Route{ID: "usage", Plugin: "metrics-exporter", Method: "GET", Path: "/metrics-exporter/usage", Handler: textHandler("usage")}); err != nil {
		t.Fatalf("AddRoute() error = %v", err)
	}

	rr := httptest.NewRecorder()
	api.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics-exporter/usage", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "usage" {
		t.Fatalf("GET usage = %d %q", rr.Code, rr.Body.String())
	}

	if !api.RemoveRoute("usage") {
		t.Fatal("RemoveRoute() = false, want true")
	}
	if api.RemoveRoute("usage") {
		t.Error("second RemoveRoute() = true, want false")
	}

	rr = httptest.NewRecorder()
	api.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics-exporter/usage", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("GET after removal = %d, want 404", rr.Code)
	}
}

func TestAPIRemoveByKind(t *testing.T) {
	api := NewAPI()
	api.AddWidget(Widget{ID: "w", Title: "W", Component: "W"})
	api.AddSettingsPage(SettingsPage{ID: "s", Title: "S"})
	api.AddMenuItem(MenuItem{ID: "m", Label: "M", Path: "/m"})
	api.AddScheduledJob(ScheduledJob{ID: "j", Interval: time.Minute, Run: noopRun})
	api.AddWorker(Worker{ID: "k", Run: noopRun})

	removers := map[string]func(string) bool{
		"widget":        api.RemoveWidget,
		"settings page": api.RemoveSettingsPage,
		"menu item":     api.RemoveMenuItem,
		"scheduled job": api.RemoveScheduledJob,
		"worker":        api.RemoveWorker,
	}
	ids := map[string]string{"widget": "w", "settings page": "s", "menu item": "m", "scheduled job": "j", "worker": "k"}
	for kind, remove := range removers {
		if !remove(ids[kind]) {
			t.Errorf("remove %s = false, want true", kind)
		}
		if remove(ids[kind]) {
			t.Errorf("second remove %s = true, want false", kind)
		}
	}

	if len(api.Widgets())+len(api.SettingsPages())+len(api.MenuItems())+len(api.ScheduledJobs())+len(api.Workers()) != 0 {
		t.Error("registrations survived removal")
	}
	// A different kind with the same id is unaffected.
	api.AddWidget(Widget{ID: "m", Title: "W", Component: "W"})
	if api.RemoveMenuItem("m") {
		t.Error("RemoveMenuItem removed a widget")
	}
}

func TestAPIClearPlugin(t *testing.T) {
	api := NewAPI()
	api.AddRoute(Route{ID: "a.route", Plugin: "a", Method: "GET", Path: "/a", Handler: textHandler("a")})
	api.AddRoute(Route{ID: "b.route", Plugin: "b", Method: "GET", Path: "/b", Handler: textHandler("b")})
	api.AddWidget(Widget{ID: "a.widget", Plugin: "a", Title: "A", Component: "A"})
	api.AddMenuItem(MenuItem{ID: "a.menu", Plugin: "a", Label: "A", Path: "/a"})
	api.AddScheduledJob(ScheduledJob{ID: "a.job", Plugin: "a", Interval: time.Hour, Run: noopRun})
	api.AddWorker(Worker{ID: "b.worker", Plugin: "b", Run: noopRun})

	api.ClearPlugin("a")

	if routes := api.Routes(); len(routes) != 1 || routes[0].ID != "b.route" {
		t.Errorf("Routes() = %+v, want only b.route", routes)
	}
	if len(api.Widgets()) != 0 || len(api.MenuItems()) != 0 || len(api.ScheduledJobs()) != 0 {
		t.Error("plugin a registrations survived ClearPlugin")
	}
	if len(api.Workers()) != 1 {
		t.Error("plugin b worker must survive ClearPlugin(a)")
	}

	rr := httptest.NewRecorder()
	api.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/a", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("GET /a after ClearPlugin = %d, want 404", rr.Code)
	}

	api.ClearAll()
	if len(api.Routes()) != 0 || len(api.Workers()) != 0 {
		t.Error("ClearAll left registrations behind")
	}
	// Ids are free again after clearing.
	if err := api.AddWidget(Widget{ID: "a.widget", Title: "A", Component: "A"}); err != nil {
		t.Errorf("AddWidget() after ClearAll error = %v", err)
	}
}

func TestAPIMenuItemsOrder(t *testing.T) {
	api := NewAPI()
	api.AddMenuItem(MenuItem{ID: "late", Label: "Late", Path: "/late", Order: 20})
	api.AddMenuItem(MenuItem{ID: "first", Label: "First", Path: "/first", Order: 1})
	api.AddMenuItem(MenuItem{ID: "tie-a", Label: "Tie A", Path: "/a", Order: 10})
	api.AddMenuItem(MenuItem{ID: "tie-b", Label: "Tie B", Path: "/b", Order: 10})

	var got []string
	for _, m := range api.MenuItems() {
		got = append(got, m.ID)
	}
	want := []string{"first", "tie-a", "tie-b", "late"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("MenuItems() order = %v, want %v", got, want)
		}
	}
}

func TestAPIJobValidation(t *testing.T) {
	api := NewAPI()
	if err := api.AddScheduledJob(ScheduledJob{ID: "j", Run: noopRun}); !errors.Is(err, ErrInvalidRegistration) {
		t.Errorf("zero interval error = %v, want ErrInvalidRegistration", err)
	}
	if err := api.AddScheduledJob(ScheduledJob{ID: "j", Interval: time.Second}); !errors.Is(err, ErrInvalidRegistration) {
		t.Errorf("nil run error = %v, want ErrInvalidRegistration", err)
	}
	if err := api.AddWorker(Worker{ID: "w"}); !errors.Is(err, ErrInvalidRegistration) {
		t.Errorf("nil worker run error = %v, want ErrInvalidRegistration", err)
	}
}
