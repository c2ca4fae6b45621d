// ABOUTME: Persisted usage metrics per tier and provider, and the JSON file store.
// ABOUTME: The whole document is read once at startup and overwritten wholesale on flush.

package keymanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrNoMetrics is returned by MetricsStore.Load when nothing was saved yet.
var ErrNoMetrics = errors.New("keymanager: no stored metrics")

// UsageMetrics is the historical usage of one tier or provider.
type UsageMetrics struct {
	DailyUsage map[string]int64 `json:"dailyUsage"`
	TotalUsage int64            `json:"totalUsage"`
	LastReset  *time.Time       `json:"lastReset"`
}

func newUsageMetrics() *UsageMetrics {
	return &UsageMetrics{DailyUsage: make(map[string]int64)}
}

func (u *UsageMetrics) add(day string) {
	if u.DailyUsage == nil {
		u.DailyUsage = make(map[string]int64)
	}
	u.DailyUsage[day]++
	u.TotalUsage++
}

func (u *UsageMetrics) reset(at time.Time) {
	u.DailyUsage = make(map[string]int64)
	u.TotalUsage = 0
	u.LastReset = &at
}

func (u *UsageMetrics) clone() UsageMetrics {
	out := UsageMetrics{
		DailyUsage: make(map[string]int64, len(u.DailyUsage)),
		TotalUsage: u.TotalUsage,
	}
	for k, v := range u.DailyUsage {
		out.DailyUsage[k] = v
	}
	if u.LastReset != nil {
		t := *u.LastReset
		out.LastReset = &t
	}
	return out
}

// MetricsDocument is the unit persisted by a MetricsStore.
type MetricsDocument struct {
	Free      UsageMetrics             `json:"free"`
	Paid      UsageMetrics             `json:"paid"`
	Providers map[string]*UsageMetrics `json:"providers"`
}

// NewMetricsDocument returns an empty document.
func NewMetricsDocument() *MetricsDocument {
	return &MetricsDocument{
		Free:      *newUsageMetrics(),
		Paid:      *newUsageMetrics(),
		Providers: make(map[string]*UsageMetrics),
	}
}

// Clone returns a deep copy.
func (d *MetricsDocument) Clone() *MetricsDocument {
	out := &MetricsDocument{
		Free:      d.Free.clone(),
		Paid:      d.Paid.clone(),
		Providers: make(map[string]*UsageMetrics, len(d.Providers)),
	}
	for name, m := range d.Providers {
		c := m.clone()
		out.Providers[name] = &c
	}
	return out
}

// normalize replaces nil maps left by older or hand-edited documents.
func (d *MetricsDocument) normalize() {
	if d.Free.DailyUsage == nil {
		d.Free.DailyUsage = make(map[string]int64)
	}
	if d.Paid.DailyUsage == nil {
		d.Paid.DailyUsage = make(map[string]int64)
	}
	if d.Providers == nil {
		d.Providers = make(map[string]*UsageMetrics)
	}
	for name, m := range d.Providers {
		if m == nil {
			d.Providers[name] = newUsageMetrics()
		} else if m.DailyUsage == nil {
			m.DailyUsage = make(map[string]int64)
		}
	}
}

func (d *MetricsDocument) tier(t Tier) *UsageMetrics {
	if t == TierFree {
		return &d.Free
	}
	return &d.Paid
}

func (d *MetricsDocument) provider(name string) *UsageMetrics {
	m, ok := d.Providers[name]
	if !ok {
		m = newUsageMetrics()
		d.Providers[name] = m
	}
	return m
}

// MetricsStore loads and saves the metrics document.
type MetricsStore interface {
	Load(ctx context.Context) (*MetricsDocument, error)
	Save(ctx context.Context, doc *MetricsDocument) error
}

// FileStore keeps the metrics document in a JSON file.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Load(ctx context.Context) (*MetricsDocument, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoMetrics
	}
	if err != nil {
		return nil, fmt.Errorf("read metrics file: %w", err)
	}

	doc := NewMetricsDocument()
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("parse metrics file %s: %w", s.path, err)
	}
	doc.normalize()
	return doc, nil
}

// Save writes doc to a temporary file and renames it over the old one.
func (s *FileStore) Save(ctx context.Context, doc *MetricsDocument) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".usage-metrics-*.json")
	if err != nil {
		return fmt.Errorf("create temp metrics file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write metrics file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close metrics file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace metrics file: %w", err)
	}
	return nil
}
