// Package authz resolves effective roles and decides whether a requester
// may mutate a project, publication or account.
package authz

import "strings"

// Role is an effective role. Values are produced by Normalize; raw role
// strings from storage or clients must never be compared directly.
type Role string

const (
	RoleCoordinator   Role = "COORDINATOR"
	RoleLabInstructor Role = "LAB_INSTRUCTOR"
	RoleMonitor       Role = "MONITOR"
	RoleMember        Role = "MEMBER"
)

var legacyAliases = map[string]Role{
	"ADMIN":   RoleLabInstructor,
	"STUDENT": RoleMember,
}

// Normalize maps a raw role to its effective role. Unknown values pass
// through trimmed and upper-cased, so Normalize(Normalize(x)) == Normalize(x).
func Normalize(raw string) Role {
	value := strings.ToUpper(strings.TrimSpace(raw))
	if alias, ok := legacyAliases[value]; ok {
		return alias
	}
	return Role(value)
}

// Known reports whether r is one of the four canonical roles.
func (r Role) Known() bool {
	switch r {
	case RoleCoordinator, RoleLabInstructor, RoleMonitor, RoleMember:
		return true
	default:
		return false
	}
}

// Privileged roles may only be granted by a coordinator.
func (r Role) Privileged() bool {
	return r == RoleCoordinator || r == RoleLabInstructor
}

// RequiresTwoFactor reports whether accounts holding r may not turn
// two-factor authentication off.
func (r Role) RequiresTwoFactor() bool {
	return r.Privileged()
}

func (r Role) String() string {
	return string(r)
}
