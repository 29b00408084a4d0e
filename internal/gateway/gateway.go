// Package gateway is the boundary to the external payment gateway.
package gateway

import (
	"context"
	"time"
)

// PaymentGateway is the collaborator the billing core calls out to. Only
// identifiers cross this boundary.
type PaymentGateway interface {
	CreateCustomer(ctx context.Context, req CustomerRequest) (string, error)
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	// ConstructEvent verifies signature over payload and decodes the event.
	// A verification failure returns apierrors.ErrInvalidSignature.
	ConstructEvent(payload []byte, signature string) (Event, error)
}

// CustomerRequest describes a gateway customer to create.
type CustomerRequest struct {
	Email    string
	Name     string
	Metadata map[string]string
}

// CheckoutRequest describes a subscription checkout session.
type CheckoutRequest struct {
	CustomerID        string
	PriceID           string
	ClientReferenceID string
	Metadata          map[string]string
	SuccessURL        string
	CancelURL         string
	IdempotencyKey    string
}

// CheckoutSession is the created purchase session.
type CheckoutSession struct {
	ID  string
	URL string
}

// Subscription is the gateway's view of a subscription.
type Subscription struct {
	ID                 string
	CustomerID         string
	Status             string
	PriceID            string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	TrialEnd           *time.Time
	CanceledAt         *time.Time
}
