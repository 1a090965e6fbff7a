package authkit

import "strings"

// Role grants access to role-gated routes.
type Role string

const (
	RoleAdmin Role = "ADMIN"
	RoleUser  Role = "USER"
)

// DefaultRole is assigned to accounts created without an explicit role.
const DefaultRole = RoleUser

// Valid reports whether the role is one of the known roles.
func (role Role) Valid() bool {
	switch role {
	case RoleAdmin, RoleUser:
		return true
	default:
		return false
	}
}

func (role Role) String() string {
	return string(role)
}

// ParseRole parses a role name case-insensitively.
func ParseRole(value string) (Role, bool) {
	role := Role(strings.ToUpper(strings.TrimSpace(value)))
	if !role.Valid() {
		return "", false
	}
	return role, true
}

