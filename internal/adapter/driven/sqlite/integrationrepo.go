package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ericfisherdev/credguard/internal/domain/model"
	"github.com/ericfisherdev/credguard/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.IntegrationStore = (*IntegrationRepo)(nil)

// IntegrationRepo is the SQLite implementation of the IntegrationStore port.
// The secret column holds the vault envelope verbatim; this repo never
// decodes it.
type IntegrationRepo struct {
	db  *DB
	now func() time.Time
}

// NewIntegrationRepo creates a new IntegrationRepo backed by the given DB.
func NewIntegrationRepo(db *DB) *IntegrationRepo {
	return &IntegrationRepo{db: db, now: time.Now}
}

// Get retrieves the integration for (tenantID, provider). Returns (nil, nil)
// if none exists.
func (r *IntegrationRepo) Get(ctx context.Context, tenantID, provider string) (*model.Integration, error) {
	const query = `
		SELECT tenant_id, provider, status, environment, base_url, last_error, secret, updated_at
		FROM integrations
		WHERE tenant_id = ? AND provider = ?
	`

	var (
		i         model.Integration
		lastError sql.NullString
		updatedAt string
	)
	err := r.db.Reader.QueryRowContext(ctx, query, tenantID, provider).Scan(
		&i.TenantID, &i.Provider, &i.Status, &i.Config.Environment, &i.Config.BaseURL,
		&lastError, &i.Secret, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get integration %s/%s: %w", tenantID, provider, err)
	}

	if lastError.Valid {
		i.Config.LastError = &lastError.String
	}
	i.UpdatedAt, err = parseTime(updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at for integration %s/%s: %w", tenantID, provider, err)
	}

	return &i, nil
}

// Upsert inserts or replaces the integration keyed by (tenant, provider).
// Repeating the same upsert leaves the row unchanged.
func (r *IntegrationRepo) Upsert(ctx context.Context, i model.Integration) error {
	const query = `
		INSERT INTO integrations (tenant_id, provider, status, environment, base_url, last_error, secret, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, provider) DO UPDATE SET
			status = excluded.status,
			environment = excluded.environment,
			base_url = excluded.base_url,
			last_error = excluded.last_error,
			secret = excluded.secret,
			updated_at = excluded.updated_at
	`

	updatedAt := i.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = r.now()
	}

	_, err := r.db.Writer.ExecContext(ctx, query,
		i.TenantID, i.Provider, string(i.Status), string(i.Config.Environment), i.Config.BaseURL,
		nullString(i.Config.LastError), i.Secret, formatTime(updatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert integration %s/%s: %w", i.TenantID, i.Provider, err)
	}
	return nil
}

// UpdateStatus sets status and last_error. Rows without a stored secret are
// left alone.
func (r *IntegrationRepo) UpdateStatus(
	ctx context.Context,
	tenantID, provider string,
	status model.IntegrationStatus,
	lastError *string,
) error {
	const query = `
		UPDATE integrations
		SET status = ?, last_error = ?, updated_at = ?
		WHERE tenant_id = ? AND provider = ? AND secret <> ''
	`

	_, err := r.db.Writer.ExecContext(ctx, query,
		string(status), nullString(lastError), formatTime(r.now()), tenantID, provider,
	)
	if err != nil {
		return fmt.Errorf("update status for integration %s/%s: %w", tenantID, provider, err)
	}
	return nil
}

// ClearSecret erases the secret, marks the row disconnected and clears
// last_error. Environment and base URL are kept.
func (r *IntegrationRepo) ClearSecret(ctx context.Context, tenantID, provider string) error {
	const query = `
		UPDATE integrations
		SET secret = '', status = 'disconnected', last_error = NULL, updated_at = ?
		WHERE tenant_id = ? AND provider = ?
	`

	_, err := r.db.Writer.ExecContext(ctx, query, formatTime(r.now()), tenantID, provider)
	if err != nil {
		return fmt.Errorf("clear secret for integration %s/%s: %w", tenantID, provider, err)
	}
	return nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
