package auth

import "strings"

// Role is a canonical console role.
type Role string

const (
	RoleAdministrator Role = "administrator"
	RoleStaff         Role = "staff"
	RoleVendor        Role = "vendor"
	RoleCustomer      Role = "customer"
)

var roleAliases = map[string]Role{
	"administrator": RoleAdministrator,
	"admin":         RoleAdministrator,
	"super_admin":   RoleAdministrator,
	"superadmin":    RoleAdministrator,
	"owner":         RoleAdministrator,
	"staff":         RoleStaff,
	"employee":      RoleStaff,
	"support":       RoleStaff,
	"moderator":     RoleStaff,
	"vendor":        RoleVendor,
	"seller":        RoleVendor,
	"supplier":      RoleVendor,
	"customer":      RoleCustomer,
	"buyer":         RoleCustomer,
	"user":          RoleCustomer,
}

// NormalizeRole maps the role strings found in tokens and user records onto
// a canonical Role. Unknown or empty values fall back to RoleCustomer, the
// least privileged role.
func NormalizeRole(raw string) Role {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.NewReplacer("-", "_", " ", "_").Replace(key)

	if role, ok := roleAliases[key]; ok {
		return role
	}
	return RoleCustomer
}

// IsAdministratorRole reports whether raw normalizes to RoleAdministrator.
func IsAdministratorRole(raw string) bool {
	return NormalizeRole(raw) == RoleAdministrator
}

// pathAccess lists console API prefixes and the roles allowed on them.
// Longer prefixes are listed first; the first matching prefix decides.
var pathAccess = []struct {
	prefix string
	roles  []Role
}{
	{"/api/staff", []Role{RoleAdministrator}},
	{"/api/policies", []Role{RoleAdministrator}},
	{"/api/buckets", []Role{RoleAdministrator}},
	{"/api/stats", []Role{RoleAdministrator, RoleStaff}},
	{"/api/vendors", []Role{RoleAdministrator, RoleStaff}},
	{"/api/orders", []Role{RoleAdministrator, RoleStaff}},
	{"/api/bookings", []Role{RoleAdministrator, RoleStaff}},
	{"/api/notifications", []Role{RoleAdministrator, RoleStaff}},
	{"/api/products", []Role{RoleAdministrator, RoleStaff, RoleVendor}},
	{"/api/dashboard", []Role{RoleAdministrator, RoleStaff, RoleVendor}},
}

// CanAccessPath reports whether role may call path. Paths outside the
// table are open to every role.
func CanAccessPath(role Role, path string) bool {
	for _, entry := range pathAccess {
		if path != entry.prefix && !strings.HasPrefix(path, entry.prefix+"/") {
			continue
		}
		for _, allowed := range entry.roles {
			if role == allowed {
				return true
			}
		}
		return false
	}
	return true
}
