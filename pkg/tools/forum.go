package tools

// RoleTable maps a forum (question center) id to the staff role that
// answers it. It is read-only after construction.
type RoleTable struct {
	roles map[string]string
}

func NewRoleTable(roles map[string]string) *RoleTable {
	cp := make(map[string]string, len(roles))
	for forum, role := range roles {
		if forum != "" && role != "" {
			cp[forum] = role
		}
	}
	return &RoleTable{roles: cp}
}

// Lookup returns the role id for forumID.
func (t *RoleTable) Lookup(forumID string) (string, bool) {
	if t == nil {
		return "", false
	}
	role, ok := t.roles[forumID]
	return role, ok
}

func (t *RoleTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.roles)
}
