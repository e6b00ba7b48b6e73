// ABOUTME: User roles carried in identity tokens
// ABOUTME: viewer < analyst < admin, parsed from the "role" claim

package auth

import (
	"fmt"
	"strings"
)

// Role is a user's privilege level.
type Role string

const (
	RoleViewer  Role = "viewer"
	RoleAnalyst Role = "analyst"
	RoleAdmin   Role = "admin"
)

// ValidRoles lists all roles in ascending privilege order.
var ValidRoles = []Role{RoleViewer, RoleAnalyst, RoleAdmin}

// ParseRole converts a claim value into a Role. Matching is case-insensitive.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	switch r {
	case RoleViewer, RoleAnalyst, RoleAdmin:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// rank returns the position of r in the privilege order, or -1.
func (r Role) rank() int {
	for i, v := range ValidRoles {
		if v == r {
			return i
		}
	}
	return -1
}

// AtLeast reports whether r is at or above min.
func (r Role) AtLeast(min Role) bool {
	rr := r.rank()
	return rr >= 0 && rr >= min.rank()
}

func (r Role) String() string { return string(r) }
