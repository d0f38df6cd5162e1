package domain

// Role is the caller's role as asserted by the identity provider.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleStaff    Role = "staff"
	RoleAdmin    Role = "admin"
)

// Staff reports whether the role may act on other users' orders and payments.
func (r Role) Staff() bool {
	return r == RoleStaff || r == RoleAdmin
}
