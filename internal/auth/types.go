package auth

import "errors"

// Role represents an authorisation tier.
type Role string

const (
	// RoleViewer may only read.
	RoleViewer Role = "viewer"

	// RoleOperator may run commands and write attributes.
	RoleOperator Role = "operator"

	// RoleAdmin may also administer polling and restart devices.
	RoleAdmin Role = "admin"
)

// ValidRoles is the set of valid roles.
var ValidRoles = []Role{RoleViewer, RoleOperator, RoleAdmin}

// IsValidRole returns true if r is a known role.
func IsValidRole(r Role) bool {
	for _, v := range ValidRoles {
		if r == v {
			return true
		}
	}
	return false
}

// Sentinel errors.
var (
	// ErrTokenInvalid is returned for malformed, expired or mis-signed tokens.
	ErrTokenInvalid = errors.New("invalid token")

	// ErrUnknownRole is returned when issuing a token for an unknown role.
	ErrUnknownRole = errors.New("unknown role")
)
