// Package auth guards the operator HTTP surface with bearer-token
// authentication. Oracle-to-backend calls use the signed-request protocol in
// pkg/oracleauth instead; this package covers humans and dashboards.
package auth

// Well-known operator roles.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// Principal is the authenticated caller extracted from a bearer token.
type Principal struct {
	ID    string
	Roles []string
}

// HasRole reports whether the principal carries the role. Admins implicitly
// hold every role.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role || r == RoleAdmin {
			return true
		}
	}
	return false
}
