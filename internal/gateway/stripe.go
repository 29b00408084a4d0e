package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/obrafy/entitlements/internal/config"
	"github.com/obrafy/entitlements/internal/metrics"
	apierrors "github.com/obrafy/entitlements/internal/pkg/errors"
)

// Stripe implements PaymentGateway on the Stripe API.
type Stripe struct {
	api           *client.API
	webhookSecret string
	tolerance     time.Duration
	breaker       *gobreaker.CircuitBreaker[any]
	logger        *slog.Logger
}

// StripeOption customizes a Stripe gateway.
type StripeOption func(*stripeOptions)

type stripeOptions struct {
	backends *stripe.Backends
}

// WithBackends routes API calls through the given backends.
func WithBackends(b *stripe.Backends) StripeOption {
	return func(o *stripeOptions) { o.backends = b }
}

// NewStripe creates a Stripe gateway with its own API client. No global
// stripe.Key is set.
func NewStripe(cfg config.StripeConfig, logger *slog.Logger, opts ...StripeOption) *Stripe {
	var o stripeOptions
	for _, opt := range opts {
		opt(&o)
	}

	api := &client.API{}
	api.Init(cfg.SecretKey, o.backends)

	tolerance := cfg.WebhookTolerance
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}

	return &Stripe{
		api:           api,
		webhookSecret: cfg.WebhookSecret,
		tolerance:     tolerance,
		breaker:       newBreaker(cfg.Breaker, logger),
		logger:        logger,
	}
}

func newBreaker(cfg config.BreakerConfig, logger *slog.Logger) *gobreaker.CircuitBreaker[any] {
	failures := cfg.ConsecutiveFailures
	if failures == 0 {
		failures = 5
	}

	return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "stripe",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// Client errors say nothing about gateway health.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var serr *stripe.Error
			return errors.As(err, &serr) && serr.HTTPStatusCode >= 400 && serr.HTTPStatusCode < 500 &&
				serr.HTTPStatusCode != http.StatusTooManyRequests
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.GatewayBreakerTransitions.WithLabelValues(from.String(), to.String()).Inc()
			logger.Warn("gateway circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
}

// call runs fn through the breaker and maps failures to API errors.
func call[T any](s *Stripe, op string, fn func() (T, error)) (T, error) {
	var zero T
	out, err := s.breaker.Execute(func() (any, error) { return fn() })
	if err != nil {
		return zero, mapStripeError(op, err)
	}
	return out.(T), nil
}

func mapStripeError(op string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return apierrors.NewUpstreamError(op+": circuit open", err)
	}
	var serr *stripe.Error
	if errors.As(err, &serr) && serr.HTTPStatusCode == http.StatusNotFound {
		return apierrors.NewNotFoundError("Gateway resource").WithCause(err)
	}
	return apierrors.NewUpstreamError(op, err)
}

// CreateCustomer creates a Stripe customer.
func (s *Stripe) CreateCustomer(ctx context.Context, req CustomerRequest) (string, error) {
	params := &stripe.CustomerParams{
		Email:    stripe.String(req.Email),
		Metadata: req.Metadata,
	}
	if req.Name != "" {
		params.Name = stripe.String(req.Name)
	}
	params.Context = ctx

	return call(s, "create customer", func() (string, error) {
		c, err := s.api.Customers.New(params)
		if err != nil {
			return "", err
		}
		return c.ID, nil
	})
}

// CreateCheckoutSession opens a subscription-mode checkout session.
func (s *Stripe) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer:          stripe.String(req.CustomerID),
		ClientReferenceID: stripe.String(req.ClientReferenceID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(req.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
		Metadata:   req.Metadata,
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: req.Metadata,
		},
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	return call(s, "create checkout session", func() (*CheckoutSession, error) {
		sess, err := s.api.CheckoutSessions.New(params)
		if err != nil {
			return nil, err
		}
		return &CheckoutSession{ID: sess.ID, URL: sess.URL}, nil
	})
}

// GetSubscription retrieves the live subscription.
func (s *Stripe) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx

	return call(s, "get subscription", func() (*Subscription, error) {
		sub, err := s.api.Subscriptions.Get(id, params)
		if err != nil {
			return nil, err
		}
		return fromStripeSubscription(sub), nil
	})
}

func fromStripeSubscription(sub *stripe.Subscription) *Subscription {
	out := &Subscription{
		ID:         sub.ID,
		Status:     string(sub.Status),
		TrialEnd:   unixPtr(sub.TrialEnd),
		CanceledAt: unixPtr(sub.CanceledAt),
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		if item.Price != nil {
			out.PriceID = item.Price.ID
		}
		out.CurrentPeriodStart = unixTime(item.CurrentPeriodStart)
		out.CurrentPeriodEnd = unixTime(item.CurrentPeriodEnd)
	}
	return out
}

// ConstructEvent verifies the Stripe-Signature header and decodes the event.
func (s *Stripe) ConstructEvent(payload []byte, signature string) (Event, error) {
	if s.webhookSecret == "" {
		return nil, apierrors.ErrServiceUnavailable.WithMessage("Webhook secret not configured")
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                s.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, apierrors.ErrInvalidSignature.WithCause(err)
	}

	env := Envelope{
		ID:      event.ID,
		Type:    string(event.Type),
		Created: unixTime(event.Created),
	}
	if event.Data != nil {
		env.Payload = event.Data.Raw
	}

	parsed, err := ParseEvent(env)
	if err != nil {
		return nil, apierrors.ErrBadRequest.WithMessage("Malformed gateway event").WithCause(err)
	}
	return parsed, nil
}

// Compile-time check to ensure Stripe implements PaymentGateway.
var _ PaymentGateway = (*Stripe)(nil)
