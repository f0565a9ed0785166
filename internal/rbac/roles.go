package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleMember    = "member"
	RoleModerator = "moderator"
	RoleAdmin     = "admin"
	RoleGuest     = "guest" // read-only, never places calls
)

func IsAdmin(role string) bool { return role == RoleAdmin }

func IsKnownRole(role string) bool {
	switch role {
	case RoleMember, RoleModerator, RoleAdmin, RoleGuest:
		return true
	default:
		return false
	}
}

// CallRoles may start, join, end and reject calls.
var CallRoles = []string{RoleMember, RoleModerator}
