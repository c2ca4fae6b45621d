// ABOUTME: SQLite storage for the upload audit trail.
// ABOUTME: Owns the plugin_upload_audit table and its queries.

package uploadaudit

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Entry is one audited event.
type Entry struct {
	ID         int64     `json:"id"`
	Event      string    `json:"event"`
	UserID     string    `json:"userId"`
	DocumentID string    `json:"documentId,omitempty"`
	Filename   string    `json:"filename,omitempty"`
	MimeType   string    `json:"mimeType,omitempty"`
	SizeBytes  int64     `json:"sizeBytes,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

type AuditStore struct {
	db *sql.DB
}

// NewAuditStore creates the audit table if needed.
func NewAuditStore(ctx context.Context, db *sql.DB) (*AuditStore, error) {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS plugin_upload_audit (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			document_id TEXT NOT NULL DEFAULT '',
			filename TEXT NOT NULL DEFAULT '',
			mime_type TEXT NOT NULL DEFAULT '',
			size_bytes INTEGER NOT NULL DEFAULT 0,
			occurred_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_plugin_upload_audit_occurred ON plugin_upload_audit(occurred_at)`,
		`CREATE INDEX IF NOT EXISTS idx_plugin_upload_audit_user ON plugin_upload_audit(user_id)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("create audit table: %w", err)
		}
	}
	return &AuditStore{db: db}, nil
}

func (s *AuditStore) Insert(ctx context.Context, e *Entry) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO plugin_upload_audit (event, user_id, document_id, filename, mime_type, size_bytes, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.Event, e.UserID, e.DocumentID, e.Filename, e.MimeType, e.SizeBytes, e.OccurredAt.UTC())
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

// List returns the newest entries first, optionally for one user.
func (s *AuditStore) List(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, event, user_id, document_id, filename, mime_type, size_bytes, occurred_at
		FROM plugin_upload_audit`
	args := []any{}
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY occurred_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Event, &e.UserID, &e.DocumentID, &e.Filename, &e.MimeType, &e.SizeBytes, &e.OccurredAt); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Prune deletes entries older than before and returns how many went.
func (s *AuditStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM plugin_upload_audit WHERE occurred_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune audit entries: %w", err)
	}
	return res.RowsAffected()
}

func (s *AuditStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
