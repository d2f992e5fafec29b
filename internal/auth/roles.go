package auth

import "strings"

// Role is the caller's permission level.
type Role string

const (
	RoleViewer  Role = "viewer"
	RoleService Role = "service"
	RoleAdmin   Role = "admin"
)

var roleRank = map[Role]int{
	RoleViewer:  1,
	RoleService: 2,
	RoleAdmin:   3,
}

// NormalizeRole parses a role name.
func NormalizeRole(value string) (Role, bool) {
	role := Role(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := roleRank[role]; !ok {
		return "", false
	}
	return role, true
}

// Allows reports whether r satisfies required. Roles are ordered viewer < service < admin.
func (r Role) Allows(required Role) bool {
	have, ok := roleRank[r]
	if !ok {
		return false
	}
	return have >= roleRank[required]
}
