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
var _ driven.MembershipStore = (*MemberRepo)(nil)

// MemberRepo is the SQLite implementation of the MembershipStore port.
type MemberRepo struct {
	db *DB
}

// NewMemberRepo creates a new MemberRepo backed by the given DB.
func NewMemberRepo(db *DB) *MemberRepo {
	return &MemberRepo{db: db}
}

// RoleOf returns the user's role in the tenant, or "" if the user is not a
// member.
func (r *MemberRepo) RoleOf(ctx context.Context, tenantID, userID string) (model.Role, error) {
	const query = `SELECT role FROM tenant_members WHERE tenant_id = ? AND user_id = ?`

	var role string
	err := r.db.Reader.QueryRowContext(ctx, query, tenantID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get role of %s in %s: %w", userID, tenantID, err)
	}
	return model.Role(role), nil
}

// SetRole creates or replaces the user's membership.
func (r *MemberRepo) SetRole(ctx context.Context, tenantID, userID string, role model.Role) error {
	if !role.Valid() {
		return fmt.Errorf("set role of %s in %s: unknown role %q", userID, tenantID, role)
	}

	const query = `
		INSERT INTO tenant_members (tenant_id, user_id, role, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant_id, user_id) DO UPDATE SET
			role = excluded.role,
			updated_at = excluded.updated_at
	`
	_, err := r.db.Writer.ExecContext(ctx, query, tenantID, userID, string(role), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("set role of %s in %s: %w", userID, tenantID, err)
	}
	return nil
}

// Remove deletes the user's membership. Removing a non-member is a no-op.
func (r *MemberRepo) Remove(ctx context.Context, tenantID, userID string) error {
	const query = `DELETE FROM tenant_members WHERE tenant_id = ? AND user_id = ?`
	if _, err := r.db.Writer.ExecContext(ctx, query, tenantID, userID); err != nil {
		return fmt.Errorf("remove %s from %s: %w", userID, tenantID, err)
	}
	return nil
}
