package session

// Role is a staff or customer role. It selects the role room a connection
// joins on the realtime server.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleManager  Role = "manager"
	RoleChef     Role = "chef"
	RoleWaiter   Role = "waiter"
	RoleCashier  Role = "cashier"
	RoleCustomer Role = "customer"
)

// Roles lists every known role.
var Roles = []Role{RoleAdmin, RoleManager, RoleChef, RoleWaiter, RoleCashier, RoleCustomer}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleManager, RoleChef, RoleWaiter, RoleCashier, RoleCustomer:
		return true
	}
	return false
}

// String returns the role name.
func (r Role) String() string {
	return string(r)
}

// ParseRole converts s to a Role. ok is false for unknown roles.
func ParseRole(s string) (Role, bool) {
	r := Role(s)
	return r, r.Valid()
}

// Identity is the authenticated user as returned by the identity endpoint.
// It is an immutable snapshot; the store hands out copies.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"name"`
	Role        Role   `json:"role"`
	Active      bool   `json:"active"`
}

// Valid reports whether the identity has an id and a known role.
func (i Identity) Valid() bool {
	return i.ID != "" && i.Role.Valid()
}

// Session is a snapshot of the store. Identity is nil iff Token is empty.
type Session struct {
	Token    string
	Identity *Identity
}

// Present reports whether the session carries a token and identity.
func (s Session) Present() bool {
	return s.Token != "" && s.Identity != nil
}

// UserID returns the identity id, or "" when absent.
func (s Session) UserID() string {
	if s.Identity == nil {
		return ""
	}
	return s.Identity.ID
}

// Role returns the identity role, or "" when absent.
func (s Session) Role() Role {
	if s.Identity == nil {
		return ""
	}
	return s.Identity.Role
}

func (s Session) clone() Session {
	if s.Identity == nil {
		return Session{Token: s.Token}
	}
	id := *s.Identity
	return Session{Token: s.Token, Identity: &id}
}
