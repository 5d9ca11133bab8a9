package models

import "fmt"

// PrincipalKind tags the identity variants that can take part in chat.
type PrincipalKind int

const (
	PrincipalAnonymous PrincipalKind = iota
	PrincipalCustomer
	PrincipalStaff
)

func (k PrincipalKind) String() string {
	switch k {
	case PrincipalAnonymous:
		return "anonymous"
	case PrincipalCustomer:
		return "customer"
	case PrincipalStaff:
		return "staff"
	}
	return "unknown"
}

// Principal is a resolved chat participant: an anonymous visitor, an
// authenticated customer, or a staff member with a role.
type Principal struct {
	Kind PrincipalKind `json:"kind"`
	// ID is the user id for customers/staff, the anonymous user id otherwise.
	ID   string `json:"id"`
	Role string `json:"role,omitempty"` // MANAGER or ADMIN for staff
	Name string `json:"name,omitempty"`
}

// Key is the stable index key used by the connection registry and the
// unread counter store. Customers keep the same key before and after
// profile changes; anonymous keys are never reused after a merge.
func (p Principal) Key() string {
	if p.Kind == PrincipalAnonymous {
		return "a:" + p.ID
	}
	return "u:" + p.ID
}

func (p Principal) IsStaff() bool {
	return p.Kind == PrincipalStaff
}

func (p Principal) String() string {
	return fmt.Sprintf("%s(%s)", p.Kind, p.ID)
}
