package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ericfisherdev/credguard/internal/domain/model"
	"github.com/ericfisherdev/credguard/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.AuditSink = (*AuditRepo)(nil)

// AuditRepo is the SQLite implementation of the AuditSink port. The table is
// append-only; triggers reject updates and deletes.
type AuditRepo struct {
	db *DB
}

// NewAuditRepo creates a new AuditRepo backed by the given DB.
func NewAuditRepo(db *DB) *AuditRepo {
	return &AuditRepo{db: db}
}

// Append inserts one audit entry.
func (r *AuditRepo) Append(ctx context.Context, e model.AuditEntry) error {
	meta := e.Meta
	if meta == nil {
		meta = map[string]string{}
	}
	encoded, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode audit meta: %w", err)
	}

	const query = `
		INSERT INTO audit_log (id, tenant_id, actor, action, entity, meta, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.Writer.ExecContext(ctx, query,
		e.ID, e.TenantID, e.Actor, e.Action, e.Entity, string(encoded), formatTime(e.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("append audit entry %s: %w", e.Action, err)
	}
	return nil
}

// ListByTenant returns the tenant's most recent entries, newest first.
func (r *AuditRepo) ListByTenant(ctx context.Context, tenantID string, limit int) ([]model.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	const query = `
		SELECT id, tenant_id, actor, action, entity, meta, created_at
		FROM audit_log
		WHERE tenant_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`
	rows, err := r.db.Reader.QueryContext(ctx, query, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit entries for %s: %w", tenantID, err)
	}
	defer rows.Close()

	var entries []model.AuditEntry
	for rows.Next() {
		var (
			e         model.AuditEntry
			meta      string
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Actor, &e.Action, &e.Entity, &meta, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if err := json.Unmarshal([]byte(meta), &e.Meta); err != nil {
			return nil, fmt.Errorf("decode audit meta for %s: %w", e.ID, err)
		}
		e.Timestamp, err = parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse created_at for audit entry %s: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}

	return entries, nil
}
