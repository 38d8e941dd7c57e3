package models

import (
	"time"

	"github.com/google/uuid"
)

// Role represents a principal's role. Roles form a total order used for escalation checks.
type Role string

const (
	RoleViewer      Role = "viewer"
	RoleContributor Role = "contributor"
	RoleManager     Role = "manager"
	RoleAdmin       Role = "admin"
)

// roleHierarchy lists roles from lowest to highest privilege
var roleHierarchy = []Role{RoleViewer, RoleContributor, RoleManager, RoleAdmin}

// Roles returns all known roles ordered by rank
func Roles() []Role {
	out := make([]Role, len(roleHierarchy))
	copy(out, roleHierarchy)
	return out
}

// Rank returns the position of the role in the hierarchy, or -1 for unknown roles
func (r Role) Rank() int {
	for i, role := range roleHierarchy {
		if role == r {
			return i
		}
	}
	return -1
}

// IsValid reports whether the role is part of the hierarchy
func (r Role) IsValid() bool {
	return r.Rank() >= 0
}

// Outranks reports whether r is strictly more privileged than other
func (r Role) Outranks(other Role) bool {
	return r.Rank() > other.Rank()
}

// Principal is an identity that can be granted permissions
type Principal struct {
	ID          uuid.UUID `json:"id" db:"id"`
	Email       string    `json:"email" db:"email"`
	Name        string    `json:"name" db:"name"`
	Role        Role      `json:"role" db:"role"`
	Permissions []string  `json:"permissions" db:"permissions"` // extra grants on top of the role
	IsActive    bool      `json:"is_active" db:"is_active"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the Principal model
func (Principal) TableName() string {
	return "principals"
}

// NewPrincipal creates an active principal with no extra grants
func NewPrincipal(email, name string, role Role) *Principal {
	now := time.Now().UTC()
	return &Principal{
		ID:          uuid.New(),
		Email:       email,
		Name:        name,
		Role:        role,
		Permissions: []string{},
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// HasGrant reports whether the permission was granted individually to the principal
func (p *Principal) HasGrant(permission string) bool {
	for _, g := range p.Permissions {
		if g == permission {
			return true
		}
	}
	return false
}
