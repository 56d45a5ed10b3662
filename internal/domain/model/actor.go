package model

type Role string

const (
	RoleClient    Role = "client"
	RoleCaregiver Role = "caregiver"
	RoleSupport   Role = "support"
	RoleSystem    Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleClient, RoleCaregiver, RoleSupport, RoleSystem:
		return true
	}
	return false
}

// Actor is whoever drives a subscription command.
type Actor struct {
	ID   string
	Role Role
}

// SystemActor is used by background transitions.
var SystemActor = Actor{Role: RoleSystem}
