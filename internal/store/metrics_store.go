// ABOUTME: SQLite-backed usage metrics store for the key manager.
// ABOUTME: Keeps the whole metrics document as one JSON row, replaced on every save.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/2389/stromwissen/internal/keymanager"
)

// MetricsStore implements keymanager.MetricsStore on the usage_metrics table.
type MetricsStore struct {
	s *Store
}

func (s *Store) MetricsStore() *MetricsStore {
	return &MetricsStore{s: s}
}

func (m *MetricsStore) Load(ctx context.Context) (*keymanager.MetricsDocument, error) {
	var raw string
	err := m.s.db.QueryRowContext(ctx, `SELECT document FROM usage_metrics WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, keymanager.ErrNoMetrics
	}
	if err != nil {
		return nil, fmt.Errorf("load usage metrics: %w", err)
	}

	doc := keymanager.NewMetricsDocument()
	if err := json.Unmarshal([]byte(raw), doc); err != nil {
		return nil, fmt.Errorf("decode usage metrics: %w", err)
	}
	return doc, nil
}

func (m *MetricsStore) Save(ctx context.Context, doc *keymanager.MetricsDocument) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode usage metrics: %w", err)
	}
	_, err = m.s.db.ExecContext(ctx, `
		INSERT INTO usage_metrics (id, document, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET document = excluded.document, updated_at = excluded.updated_at
	`, string(raw), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save usage metrics: %w", err)
	}
	return nil
}
