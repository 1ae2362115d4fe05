package auth

import (
	"context"
	"errors"
)

// Role represents an authorisation tier within a tenant.
type Role string

const (
	// RoleViewer can read state, rules, scenes and bridges.
	RoleViewer Role = "viewer"

	// RoleOperator can additionally act: send commands, trigger rules,
	// activate scenes.
	RoleOperator Role = "operator"

	// RoleAdmin can additionally change configuration: provision devices,
	// manage rules and scenes, start and stop bridges, read the audit log.
	RoleAdmin Role = "admin"
)

// ValidRoles is the set of roles a token may carry.
var ValidRoles = []Role{RoleViewer, RoleOperator, RoleAdmin}

// IsValidRole returns true if r is one of ValidRoles.
func IsValidRole(r Role) bool {
	for _, v := range ValidRoles {
		if r == v {
			return true
		}
	}
	return false
}

// Identity is the verified caller of an admin request.
type Identity struct {
	Subject  string `json:"subject"`
	TenantID string `json:"tenant_id"`
	Role     Role   `json:"role"`
}

// Can reports whether the identity's role grants perm.
func (i Identity) Can(perm Permission) bool {
	return HasPermission(i.Role, perm)
}

type identityKey struct{}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity stored by WithIdentity.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// Domain errors.
var (
	ErrTokenInvalid  = errors.New("invalid token")
	ErrTokenExpired  = errors.New("token has expired")
	ErrForbidden     = errors.New("insufficient permissions")
	ErrTenantMissing = errors.New("token carries no tenant")
)
