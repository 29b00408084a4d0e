package models

import (
	"time"

	"github.com/google/uuid"
)

// BillingCycle is the billing interval of a subscription.
type BillingCycle string

const (
	BillingCycleMonthly BillingCycle = "monthly"
	BillingCycleYearly  BillingCycle = "yearly"
)

// Valid reports whether c is a supported billing cycle.
func (c BillingCycle) Valid() bool {
	return c == BillingCycleMonthly || c == BillingCycleYearly
}

// LimitKind names a numeric plan limit.
type LimitKind string

const (
	LimitMaxUsers LimitKind = "max_users"
	LimitMaxObras LimitKind = "max_obras"
)

// Valid reports whether k is a known limit kind.
func (k LimitKind) Valid() bool {
	return k == LimitMaxUsers || k == LimitMaxObras
}

// LimitKinds lists every limit a plan carries.
var LimitKinds = []LimitKind{LimitMaxUsers, LimitMaxObras}

// Plan is a subscription plan. A nil limit means unlimited.
type Plan struct {
	ID                 uuid.UUID `json:"id" db:"id"`
	Slug               string    `json:"slug" db:"slug"`
	Name               string    `json:"name" db:"name"`
	MaxUsers           *int      `json:"max_users" db:"max_users"`
	MaxObras           *int      `json:"max_obras" db:"max_obras"`
	StripePriceMonthly *string   `json:"-" db:"stripe_price_monthly"`
	StripePriceYearly  *string   `json:"-" db:"stripe_price_yearly"`
	IsActive           bool      `json:"is_active" db:"is_active"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
}

// Limit returns the plan's limit for kind, or nil when unlimited.
func (p *Plan) Limit(kind LimitKind) *int {
	switch kind {
	case LimitMaxUsers:
		return p.MaxUsers
	case LimitMaxObras:
		return p.MaxObras
	}
	return nil
}

// PriceID returns the configured gateway price for cycle.
func (p *Plan) PriceID(cycle BillingCycle) (string, bool) {
	var price *string
	switch cycle {
	case BillingCycleMonthly:
		price = p.StripePriceMonthly
	case BillingCycleYearly:
		price = p.StripePriceYearly
	}
	if price == nil || *price == "" {
		return "", false
	}
	return *price, true
}

// PlanBinding is a plan and billing cycle derived from a gateway price id by
// matching it against the price columns of a stored plan. It can only be
// obtained through BindPrice, so request or event metadata cannot produce one.
type PlanBinding struct {
	plan  *Plan
	cycle BillingCycle
}

// BindPrice matches priceID against the plan's stored monthly and yearly
// prices.
func BindPrice(plan *Plan, priceID string) (PlanBinding, bool) {
	if plan == nil || priceID == "" {
		return PlanBinding{}, false
	}
	for _, cycle := range []BillingCycle{BillingCycleMonthly, BillingCycleYearly} {
		if stored, ok := plan.PriceID(cycle); ok && stored == priceID {
			return PlanBinding{plan: plan, cycle: cycle}, true
		}
	}
	return PlanBinding{}, false
}

// Plan returns the bound plan.
func (b PlanBinding) Plan() *Plan { return b.plan }

// PlanID returns the bound plan's id.
func (b PlanBinding) PlanID() uuid.UUID {
	if b.plan == nil {
		return uuid.Nil
	}
	return b.plan.ID
}

// Cycle returns the billing cycle the price belongs to.
func (b PlanBinding) Cycle() BillingCycle { return b.cycle }

// IsZero reports whether b was not produced by BindPrice.
func (b PlanBinding) IsZero() bool { return b.plan == nil }
