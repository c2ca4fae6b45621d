// ABOUTME: Tests for the SQLite usage metrics store.
// ABOUTME: Checks the document round trip and that a KeyManager can persist through it.

package store

import (
	"context"
	"errors"
	"testing"

	"github.com/2389/stromwissen/internal/keymanager"
	"github.com/google/go-cmp/cmp"
)

func TestMetricsStoreRoundTrip(t *testing.T) {
	s := setupTestDB(t)
	defer s.Close()
	ms := s.MetricsStore()

	if _, err := ms.Load(context.Background()); !errors.Is(err, keymanager.ErrNoMetrics) {
		t.Fatalf("Load() on empty table error = %v, want ErrNoMetrics", err)
	}

	doc := keymanager.NewMetricsDocument()
	doc.Free.DailyUsage["2025-03-14"] = 12
	doc.Free.TotalUsage = 40
	doc.Providers["gemini"] = &keymanager.UsageMetrics{DailyUsage: map[string]int64{"2025-03-14": 12}, TotalUsage: 40}

	if err := ms.Save(context.Background(), doc); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	doc.Paid.TotalUsage = 3
	if err := ms.Save(context.Background(), doc); err != nil {
		t.Fatalf("second Save() error = %v", err)
	}

	got, err := ms.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if diff := cmp.Diff(doc, got); diff != "" {
		t.Errorf("document mismatch (-saved +loaded):\n%s", diff)
	}

	var rows int
	s.db.QueryRow("SELECT COUNT(*) FROM usage_metrics").Scan(&rows)
	if rows != 1 {
		t.Errorf("usage_metrics has %d rows, want 1", rows)
	}
}

func TestMetricsStoreBacksKeyManager(t *testing.T) {
	s := setupTestDB(t)
	defer s.Close()

	var _ keymanager.MetricsStore = s.MetricsStore()
}
