package state

import "strings"

// a bitmap representing a set of capabilities
type Permission uint64

const (
	PermCanRead  Permission = 1 << iota
	PermCanWrite            // 2
	PermCanAdmin            // 4
)

// Role is a collaborator's standing in a space. Roles are ordered:
// viewer < editor < admin < owner.
type Role string

const (
	RoleNone   Role = ""
	RoleViewer Role = "VIEWER"
	RoleEditor Role = "EDITOR"
	RoleAdmin  Role = "ADMIN"
	RoleOwner  Role = "OWNER"
)

var roleRank = map[Role]int{
	RoleViewer: 1,
	RoleEditor: 2,
	RoleAdmin:  3,
	RoleOwner:  4,
}

// ParseRole accepts any casing; unknown names resolve to RoleNone.
func ParseRole(name string) Role {
	r := Role(strings.ToUpper(strings.TrimSpace(name)))
	if _, ok := roleRank[r]; ok {
		return r
	}
	return RoleNone
}

func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// AtLeast reports whether r ranks at or above min.
func (r Role) AtLeast(min Role) bool {
	rank, ok := roleRank[r]
	if !ok {
		return false
	}
	return rank >= roleRank[min]
}

func (r Role) Permissions() Permission {
	switch r {
	case RoleOwner, RoleAdmin:
		return PermCanRead | PermCanWrite | PermCanAdmin
	case RoleEditor:
		return PermCanRead | PermCanWrite
	case RoleViewer:
		return PermCanRead
	default:
		return 0
	}
}

func (p Permission) Has(flag Permission) bool {
	return p&flag == flag
}

// Action names something a connection asks to do inside a space.
type Action string

const (
	ActionJoin      Action = "join"
	ActionPing      Action = "ping"
	ActionViewTrack Action = "view"
	ActionCreate    Action = "create"
	ActionUpdate    Action = "update"
	ActionMove      Action = "move"
	ActionDelete    Action = "delete"
)

func (a Action) required() Permission {
	switch a {
	case ActionCreate, ActionUpdate, ActionMove, ActionDelete:
		return PermCanWrite
	default:
		return PermCanRead
	}
}

// PermissionCheck is the derived outcome of asking whether a role may
// perform an action. It is never persisted.
type PermissionCheck struct {
	Allowed bool
	Role    Role
	Reason  string
}

func Check(role Role, action Action) PermissionCheck {
	if !role.Valid() {
		return PermissionCheck{Role: role, Reason: "no access to this space"}
	}
	if !role.Permissions().Has(action.required()) {
		return PermissionCheck{Role: role, Reason: "role " + string(role) + " cannot " + string(action) + " snippets"}
	}
	return PermissionCheck{Allowed: true, Role: role}
}
