package models

import (
	"time"

	"github.com/google/uuid"
)

// SubscriptionStatus mirrors the gateway's subscription status.
type SubscriptionStatus string

const (
	SubscriptionTrialing          SubscriptionStatus = "trialing"
	SubscriptionActive            SubscriptionStatus = "active"
	SubscriptionPastDue           SubscriptionStatus = "past_due"
	SubscriptionCanceled          SubscriptionStatus = "canceled"
	SubscriptionIncomplete        SubscriptionStatus = "incomplete"
	SubscriptionIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubscriptionUnpaid            SubscriptionStatus = "unpaid"
	SubscriptionPaused            SubscriptionStatus = "paused"
)

// ParseSubscriptionStatus maps a gateway status string. Unknown values are
// reported as not ok.
func ParseSubscriptionStatus(s string) (SubscriptionStatus, bool) {
	switch st := SubscriptionStatus(s); st {
	case SubscriptionTrialing, SubscriptionActive, SubscriptionPastDue, SubscriptionCanceled,
		SubscriptionIncomplete, SubscriptionIncompleteExpired, SubscriptionUnpaid, SubscriptionPaused:
		return st, true
	}
	return "", false
}

// Entitled reports whether the status still grants the plan's limits.
// past_due keeps the plan: a failed payment is a soft signal.
func (s SubscriptionStatus) Entitled() bool {
	switch s {
	case SubscriptionTrialing, SubscriptionActive, SubscriptionPastDue:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s SubscriptionStatus) Terminal() bool {
	return s == SubscriptionCanceled
}

// CanTransition reports whether a subscription may move from s to next.
// canceled is terminal; every other move follows the gateway.
func (s SubscriptionStatus) CanTransition(next SubscriptionStatus) bool {
	if s.Terminal() {
		return next == s
	}
	return true
}

// EntitledStatuses lists the statuses that grant a plan's limits.
var EntitledStatuses = []SubscriptionStatus{SubscriptionTrialing, SubscriptionActive, SubscriptionPastDue}

// Subscription is a tenant's billing relationship with the gateway.
type Subscription struct {
	ID                   uuid.UUID          `json:"id" db:"id"`
	OrgID                uuid.UUID          `json:"org_id" db:"org_id"`
	PlanID               uuid.UUID          `json:"plan_id" db:"plan_id"`
	BillingCycle         BillingCycle       `json:"billing_cycle" db:"billing_cycle"`
	StripeSubscriptionID string             `json:"stripe_subscription_id" db:"stripe_subscription_id"`
	StripeCustomerID     string             `json:"stripe_customer_id" db:"stripe_customer_id"`
	Status               SubscriptionStatus `json:"status" db:"status"`
	CurrentPeriodStart   time.Time          `json:"current_period_start" db:"current_period_start"`
	CurrentPeriodEnd     time.Time          `json:"current_period_end" db:"current_period_end"`
	TrialEnd             *time.Time         `json:"trial_end,omitempty" db:"trial_end"`
	CanceledAt           *time.Time         `json:"canceled_at,omitempty" db:"canceled_at"`
	GatewayUpdatedAt     *time.Time         `json:"-" db:"gateway_updated_at"`
	CreatedAt            time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at" db:"updated_at"`
}

// SubscriptionWrite is the full row written when a checkout completes. The
// plan and cycle come only from a PlanBinding.
type SubscriptionWrite struct {
	OrgID                uuid.UUID
	Binding              PlanBinding
	StripeSubscriptionID string
	StripeCustomerID     string
	Status               SubscriptionStatus
	CurrentPeriodStart   time.Time
	CurrentPeriodEnd     time.Time
	TrialEnd             *time.Time
	CanceledAt           *time.Time
	EventCreatedAt       time.Time
}

// SubscriptionUpdate carries the gateway fields applied by an update event.
// Nil pointers leave the stored value untouched.
type SubscriptionUpdate struct {
	StripeSubscriptionID string
	Status               SubscriptionStatus
	CurrentPeriodStart   *time.Time
	CurrentPeriodEnd     *time.Time
	TrialEnd             *time.Time
	CanceledAt           *time.Time
	Binding              *PlanBinding
	EventCreatedAt       time.Time
}
