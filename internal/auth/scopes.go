package auth

import (
	"strings"

	"golang.org/x/text/cases"
)

const (
	ScopeOpenID  = "openid"
	ScopeProfile = "profile"
	ScopeEmail   = "email"
)

// AllScopes defines the scopes requested at login.
var AllScopes = []string{
	ScopeOpenID,
	ScopeProfile,
	ScopeEmail,
}

// Role labels gate UI affordances only; the lifecycle engine never checks them.
const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleMember  = "member"
)

var roleCatalog = []string{RoleAdmin, RoleManager, RoleMember}

// NormalizeRole matches a free-text label against the role catalog without
// regard to case, returning the canonical label.
func NormalizeRole(label string) (string, bool) {
	// a Caser is stateful, so each call folds with its own
	fold := cases.Fold()
	key := fold.String(strings.TrimSpace(label))
	for _, role := range roleCatalog {
		if fold.String(role) == key {
			return role, true
		}
	}
	return "", false
}

// HasRole reports whether label names role.
func HasRole(label, role string) bool {
	got, ok := NormalizeRole(label)
	return ok && got == role
}
