// Package domain contains entities without logic, just meta-data
// and the invariants guarding their construction.
package domain

type PrincipalID string

type Role string

const (
	RoleStudent Role = "student"
	RoleTutor   Role = "tutor"
	RoleAdmin   Role = "admin"
)

// Elevated reports whether the role may start meetings on group and
// session conversations.
func (r Role) Elevated() bool {
	return r == RoleTutor || r == RoleAdmin
}

// Principal is the resolved identity behind a connection. It is owned by
// the external identity collaborator; the core never mutates it.
type Principal struct {
	ID   PrincipalID `json:"id"`
	Role Role        `json:"role"`
}
