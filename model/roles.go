package model

// Role labels recognised across the approval pipelines. Roles are opaque
// strings as far as the engine is concerned; these constants exist so the
// built-in workflow definitions and tests spell them consistently.
const (
	RoleAdmin          = "admin"
	RoleSuperAdmin     = "super_admin"
	RoleDirector       = "director"
	RoleCommercial     = "commercial"
	RoleLegal          = "legal"
	RoleNetworkManager = "network_manager"
	RoleOperator       = "operator"
	RolePlanAdmin      = "plan_admin"
)

// RoleSet is a set of role labels.
type RoleSet map[string]bool

// NewRoleSet builds a RoleSet from a list of role labels.
func NewRoleSet(roles ...string) RoleSet {
	rs := make(RoleSet, len(roles))
	for _, r := range roles {
		rs[r] = true
	}
	return rs
}

// Has returns true if the set contains the given role.
func (rs RoleSet) Has(role string) bool {
	return rs[role]
}

// HasAny returns true if the set contains at least one of the given roles.
func (rs RoleSet) HasAny(roles ...string) bool {
	for _, r := range roles {
		if rs[r] {
			return true
		}
	}
	return false
}

// List returns the roles in the set. Order is not specified.
func (rs RoleSet) List() []string {
	out := make([]string, 0, len(rs))
	for r := range rs {
		out = append(out, r)
	}
	return out
}
