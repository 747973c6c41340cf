package model

// Role is a tenant membership role.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleMember:
		return true
	}
	return false
}

// Actor is the resolved caller of a management operation. IP is the client
// address used for rate-limit keying.
type Actor struct {
	UserID   string
	TenantID string
	Role     Role
	IP       string
}

// Authenticated reports whether the actor carries a user and tenant identity.
func (a Actor) Authenticated() bool {
	return a.UserID != "" && a.TenantID != ""
}
