// ABOUTME: Test helpers for E2E testing.
// ABOUTME: Starts the full application behind httptest and wraps admin and plugin requests.

package e2e_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/2389/stromwissen/internal/app"
	"github.com/2389/stromwissen/internal/config"
	"github.com/2389/stromwissen/internal/keymanager"
	"github.com/2389/stromwissen/internal/provider"
	_ "github.com/2389/stromwissen/plugins/exportui"        // Register export-ui plugin
	_ "github.com/2389/stromwissen/plugins/metricsexporter" // Register metrics-exporter plugin
	_ "github.com/2389/stromwissen/plugins/uploadaudit"     // Register upload-audit plugin
	"github.com/rs/zerolog"
)

const adminToken = "e2e-admin-token"

// TestServer wraps a test HTTP server around a started application.
type TestServer struct {
	Server *httptest.Server
	App    *app.App
	Clock  *keymanager.FakeClock
	Config *config.Config
}

// StartTestServer starts the application with every built-in plugin active.
// The free tier allows 2 calls per minute and 3 per day.
func StartTestServer(t *testing.T) *TestServer {
	t.Helper()

	dir := t.TempDir()
	cfg := config.Default()
	cfg.Database.Path = filepath.Join(dir, "e2e.db")
	cfg.Quota.Metrics.Path = filepath.Join(dir, "usage-metrics.json")
	cfg.Quota.Limits = keymanager.Limits{Daily: 3, Minute: 2}
	cfg.Server.AdminToken = adminToken
	cfg.Plugins.ManifestsDir = ""

	clock := keymanager.NewFakeClock(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	a, err := app.New(context.Background(), cfg, zerolog.Nop(), app.Options{
		FreeFactory: &provider.Static{ProviderName: "gemini", Reply: "free"},
		PaidFactory: &provider.Static{ProviderName: "mistral", Reply: "paid"},
		Clock:       clock,
		Sleep:       clock.Sleep,
	})
	if err != nil {
		t.Fatalf("app.New() error = %v", err)
	}
	a.Start(context.Background())

	ts := &TestServer{
		Server: httptest.NewServer(a.Handler()),
		App:    a,
		Clock:  clock,
		Config: cfg,
	}
	t.Cleanup(ts.Close)
	return ts
}

// Close shuts down the test server and the application.
func (ts *TestServer) Close() {
	ts.Server.Close()
	ts.App.Shutdown(context.Background())
}

func (ts *TestServer) do(t *testing.T, method, path string, body any, token string) *http.Response {
	t.Helper()
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequest(method, ts.Server.URL+path, bodyReader)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := ts.Server.Client().Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

// GET makes a GET request as user harper.
func (ts *TestServer) GET(t *testing.T, path string) *http.Response {
	t.Helper()
	return ts.do(t, http.MethodGet, path, nil, "user:harper")
}

// AdminGET makes a GET request with the admin token.
func (ts *TestServer) AdminGET(t *testing.T, path string) *http.Response {
	t.Helper()
	return ts.do(t, http.MethodGet, path, nil, adminToken)
}

// AdminPOST makes a POST request with a JSON body and the admin token.
func (ts *TestServer) AdminPOST(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	return ts.do(t, http.MethodPost, path, body, adminToken)
}

// AssertStatusCode checks if response has expected status code
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("expected status %d, got %d. Body: %s", expected, resp.StatusCode, string(body))
	}
}

// DecodeJSON decodes response body as JSON
func DecodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode JSON: %v", err)
	}
}

// ReadBody reads and returns the response body
func ReadBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	return string(body)
}
