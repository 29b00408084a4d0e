package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ActorType represents the type of entity performing an action.
type ActorType string

const (
	ActorTypeUser   ActorType = "user"
	ActorTypeSystem ActorType = "system"
)

// AuditAction names a privileged action.
type AuditAction string

const (
	AuditActionCheckoutCreated      AuditAction = "billing.checkout_created"
	AuditActionSubscriptionCreated  AuditAction = "billing.subscription_created"
	AuditActionSubscriptionUpdated  AuditAction = "billing.subscription_updated"
	AuditActionSubscriptionCanceled AuditAction = "billing.subscription_canceled"
	AuditActionPaymentFailed        AuditAction = "billing.payment_failed"
)

// EntityType represents the type of record being acted upon.
type EntityType string

const (
	EntityTypeCheckoutSession EntityType = "checkout_session"
	EntityTypeSubscription    EntityType = "subscription"
)

// AuditLog is an append-only audit entry. Rows are never updated or deleted.
type AuditLog struct {
	ID         uuid.UUID       `json:"id" db:"id"`
	OrgID      *uuid.UUID      `json:"org_id,omitempty" db:"org_id"`
	ActorID    *uuid.UUID      `json:"actor_id,omitempty" db:"actor_id"`
	ActorType  ActorType       `json:"actor_type" db:"actor_type"`
	Action     AuditAction     `json:"action" db:"action"`
	EntityType EntityType      `json:"entity_type" db:"entity_type"`
	EntityID   string          `json:"entity_id" db:"entity_id"`
	Metadata   json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	RequestID  string          `json:"request_id" db:"request_id"`
	IPAddress  *string         `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent  *string         `json:"user_agent,omitempty" db:"user_agent"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// AuditLogQuery represents query parameters for fetching audit logs.
type AuditLogQuery struct {
	OrgID  uuid.UUID
	Action *AuditAction
	Before *time.Time
	Limit  int
}
