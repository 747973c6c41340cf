package driven

import (
	"context"

	"github.com/ericfisherdev/credguard/internal/domain/model"
)

// MembershipStore resolves tenant membership roles. It backs the
// re-verification of owner claims carried by access tokens.
type MembershipStore interface {
	// RoleOf returns the user's role in the tenant, or "" if the user is not
	// a member.
	RoleOf(ctx context.Context, tenantID, userID string) (model.Role, error)

	// SetRole creates or replaces the user's membership role.
	SetRole(ctx context.Context, tenantID, userID string, role model.Role) error
}
