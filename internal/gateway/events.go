package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82"
)

// Event types the reconciler acts on.
const (
	TypeCheckoutCompleted    = "checkout.session.completed"
	TypeSubscriptionUpdated  = "customer.subscription.updated"
	TypeSubscriptionDeleted  = "customer.subscription.deleted"
	TypeInvoicePaymentFailed = "invoice.payment_failed"
)

// Envelope is common to every event.
type Envelope struct {
	ID      string
	Type    string
	Created time.Time
	Payload json.RawMessage
}

// Event is one of CheckoutCompleted, SubscriptionUpdated,
// SubscriptionDeleted, InvoicePaymentFailed or UnhandledEvent.
type Event interface {
	Meta() Envelope
	isEvent()
}

// CheckoutCompleted reports a finished checkout session.
type CheckoutCompleted struct {
	Envelope
	SessionID         string
	SubscriptionID    string
	CustomerID        string
	ClientReferenceID string
	// Metadata echoes what was attached at session creation. It is used for
	// correlation only.
	Metadata map[string]string
}

// SubscriptionUpdated carries the new state of a subscription.
type SubscriptionUpdated struct {
	Envelope
	Subscription Subscription
}

// SubscriptionDeleted reports a canceled subscription.
type SubscriptionDeleted struct {
	Envelope
	Subscription Subscription
}

// InvoicePaymentFailed reports a failed invoice charge.
type InvoicePaymentFailed struct {
	Envelope
	InvoiceID      string
	SubscriptionID string
	CustomerID     string
}

// UnhandledEvent is any other event type. It is acknowledged without effect.
type UnhandledEvent struct {
	Envelope
}

func (e Envelope) Meta() Envelope { return e }

func (CheckoutCompleted) isEvent()    {}
func (SubscriptionUpdated) isEvent()  {}
func (SubscriptionDeleted) isEvent()  {}
func (InvoicePaymentFailed) isEvent() {}
func (UnhandledEvent) isEvent()       {}

// ParseEvent decodes the data object of env into its typed variant.
func ParseEvent(env Envelope) (Event, error) {
	switch env.Type {
	case TypeCheckoutCompleted:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(env.Payload, &session); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return fromStripeCheckoutSession(env, &session), nil

	case TypeSubscriptionUpdated, TypeSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(env.Payload, &sub); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if env.Type == TypeSubscriptionDeleted {
			return SubscriptionDeleted{Envelope: env, Subscription: *fromStripeSubscription(&sub)}, nil
		}
		return SubscriptionUpdated{Envelope: env, Subscription: *fromStripeSubscription(&sub)}, nil

	case TypeInvoicePaymentFailed:
		var invoice stripe.Invoice
		if err := json.Unmarshal(env.Payload, &invoice); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return fromStripeInvoice(env, &invoice), nil
	}

	return UnhandledEvent{Envelope: env}, nil
}

func fromStripeCheckoutSession(env Envelope, session *stripe.CheckoutSession) CheckoutCompleted {
	out := CheckoutCompleted{
		Envelope:          env,
		SessionID:         session.ID,
		ClientReferenceID: session.ClientReferenceID,
		Metadata:          session.Metadata,
	}
	if session.Customer != nil {
		out.CustomerID = session.Customer.ID
	}
	if session.Subscription != nil {
		out.SubscriptionID = session.Subscription.ID
	}
	return out
}

func fromStripeInvoice(env Envelope, invoice *stripe.Invoice) InvoicePaymentFailed {
	out := InvoicePaymentFailed{Envelope: env, InvoiceID: invoice.ID}
	if invoice.Customer != nil {
		out.CustomerID = invoice.Customer.ID
	}
	if p := invoice.Parent; p != nil && p.SubscriptionDetails != nil && p.SubscriptionDetails.Subscription != nil {
		out.SubscriptionID = p.SubscriptionDetails.Subscription.ID
	}
	return out
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func unixPtr(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
