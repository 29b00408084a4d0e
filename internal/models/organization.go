// Package models defines the data models for the entitlements service.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Organization represents a tenant in the system.
type Organization struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Slug      string    `json:"slug" db:"slug"`
	OwnerID   uuid.UUID `json:"owner_id" db:"owner_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// OrgMember represents a user's membership in an organization.
type OrgMember struct {
	OrgID     uuid.UUID `json:"org_id" db:"org_id"`
	UserID    uuid.UUID `json:"user_id" db:"user_id"`
	Role      Role      `json:"role" db:"role"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Role represents a user's role within an organization.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
	RoleViewer Role = "viewer"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleMember, RoleViewer:
		return true
	}
	return false
}

// BillingManagers is the role set allowed to change a tenant's subscription.
var BillingManagers = []Role{RoleOwner, RoleAdmin}

// AuditReaders is the role set allowed to read a tenant's audit log.
var AuditReaders = []Role{RoleOwner, RoleAdmin}

// OrgProfile is the denormalized billing projection read by the rest of the
// application. It is written only by the reconciler.
type OrgProfile struct {
	OrgID              uuid.UUID          `json:"org_id" db:"org_id"`
	PlanSlug           string             `json:"plan_slug" db:"plan_slug"`
	SubscriptionStatus SubscriptionStatus `json:"subscription_status" db:"subscription_status"`
	UpdatedAt          time.Time          `json:"updated_at" db:"updated_at"`
}
