package principal

import (
	"errors"
	"fmt"
	"strings"
)

// Role is the authorization level associated with a principal.
type Role string

const (
	// RoleStudent is the least-privileged role and the fail-open default.
	RoleStudent Role = "student"
	// RoleModerator manages listings and applications.
	RoleModerator Role = "moderator"
	// RoleAdmin manages users and views statistics.
	RoleAdmin Role = "admin"
)

// legacyStudentLabel is the historical backend spelling for student accounts.
// ParseRole is the only place allowed to compare against it.
const legacyStudentLabel = "customer"

// ErrUnknownRole indicates the backend reported a label outside the closed set.
var ErrUnknownRole = errors.New("principal.unknown_role")

// ParseRole normalizes a backend role label into the closed role set.
func ParseRole(label string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case string(RoleStudent), legacyStudentLabel:
		return RoleStudent, nil
	case string(RoleModerator):
		return RoleModerator, nil
	case string(RoleAdmin):
		return RoleAdmin, nil
	default:
		return "", fmt.Errorf("principal.parse_role.%s: %w", label, ErrUnknownRole)
	}
}

// Valid reports whether the role belongs to the closed set.
func (role Role) Valid() bool {
	switch role {
	case RoleStudent, RoleModerator, RoleAdmin:
		return true
	default:
		return false
	}
}

// String returns the canonical label.
func (role Role) String() string {
	return string(role)
}
