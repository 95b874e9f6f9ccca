package domain

// Role is the dashboard role of the authenticated user
type Role string

const (
	RoleAdmin    Role = "ADMIN"
	RoleManager  Role = "MANAGER"
	RoleDriver   Role = "DRIVER"
	RoleCustomer Role = "CUSTOMER"
)

// Session carries the identity used against the fleet API. It is passed
// explicitly to whatever needs it.
type Session struct {
	UserID string
	Role   Role
	Token  string
}

func (s Session) Authenticated() bool {
	return s.Token != ""
}
