package service

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/obrafy/entitlements/internal/config"
	"github.com/obrafy/entitlements/internal/gateway"
	"github.com/obrafy/entitlements/internal/models"
	apierrors "github.com/obrafy/entitlements/internal/pkg/errors"
	"github.com/obrafy/entitlements/internal/pkg/logging"
	"github.com/obrafy/entitlements/internal/pkg/ulid"
	"github.com/obrafy/entitlements/internal/repository"
)

// Metadata keys attached to a checkout session. The reconciler reads them for
// correlation and cross-checks, never to decide a plan.
const (
	MetaTenantID  = "tenant_id"
	MetaPlanID    = "plan_id"
	MetaActorID   = "actor_id"
	MetaRequestID = "request_id"
)

// CheckoutRequest is the input of CreateSession.
type CheckoutRequest struct {
	OrgID        *uuid.UUID          `json:"org_id,omitempty"`
	PlanSlug     string              `json:"plan" validate:"required,min=1,max=64"`
	BillingCycle models.BillingCycle `json:"billing_cycle" validate:"required,oneof=monthly yearly"`
}

// CheckoutResult is the created purchase session.
type CheckoutResult struct {
	SessionID   string `json:"session_id"`
	RedirectURL string `json:"redirect_url"`
}

// CheckoutService opens gateway purchase sessions for a tenant.
type CheckoutService interface {
	CreateSession(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error)
}

type checkoutService struct {
	guard   Guard
	orgs    repository.OrgRepository
	users   repository.UserRepository
	plans   repository.PlanRepository
	gateway gateway.PaymentGateway
	audit   AuditService
	cfg     config.StripeConfig
}

// NewCheckoutService creates a new checkout service.
func NewCheckoutService(
	guard Guard,
	orgs repository.OrgRepository,
	users repository.UserRepository,
	plans repository.PlanRepository,
	gw gateway.PaymentGateway,
	audit AuditService,
	cfg config.StripeConfig,
) CheckoutService {
	return &checkoutService{
		guard:   guard,
		orgs:    orgs,
		users:   users,
		plans:   plans,
		gateway: gw,
		audit:   audit,
		cfg:     cfg,
	}
}

func (s *checkoutService) CreateSession(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	actor, err := s.guard.RequireAuthenticated(ctx)
	if err != nil {
		return nil, err
	}

	orgID, err := s.resolveOrg(ctx, actor, req.OrgID)
	if err != nil {
		return nil, err
	}

	access, err := s.guard.RequireTenantRole(ctx, orgID, models.BillingManagers)
	if err != nil {
		return nil, err
	}

	if !req.BillingCycle.Valid() {
		return nil, apierrors.NewValidationError("billing_cycle", "must be monthly or yearly")
	}

	plan, err := s.plans.GetBySlug(ctx, req.PlanSlug)
	if err != nil {
		return nil, apierrors.NewPersistenceError("load plan", err)
	}
	if plan == nil || !plan.IsActive {
		return nil, apierrors.NewNotFoundError("Plan")
	}
	priceID, ok := plan.PriceID(req.BillingCycle)
	if !ok {
		return nil, apierrors.NewNotFoundError("Price for " + plan.Slug + " " + string(req.BillingCycle))
	}

	customerID, err := s.resolveCustomer(ctx, access.Actor())
	if err != nil {
		return nil, err
	}

	requestID := ulid.NewRequestID()
	session, err := s.gateway.CreateCheckoutSession(ctx, gateway.CheckoutRequest{
		CustomerID:        customerID,
		PriceID:           priceID,
		ClientReferenceID: orgID.String(),
		Metadata: map[string]string{
			MetaTenantID:  orgID.String(),
			MetaPlanID:    plan.ID.String(),
			MetaActorID:   actor.ID().String(),
			MetaRequestID: requestID,
		},
		SuccessURL:     s.cfg.SuccessURL,
		CancelURL:      s.cfg.CancelURL,
		IdempotencyKey: requestID,
	})
	if err != nil {
		return nil, err
	}

	logger := logging.FromContext(ctx).With(
		slog.String("org_id", orgID.String()),
		slog.String("session_id", session.ID),
	)

	actorID := actor.ID()
	if err := s.audit.Log(ctx, AuditEntry{
		OrgID:      &orgID,
		ActorID:    &actorID,
		Action:     models.AuditActionCheckoutCreated,
		EntityType: models.EntityTypeCheckoutSession,
		EntityID:   session.ID,
		Metadata: map[string]any{
			"plan_slug":     plan.Slug,
			"billing_cycle": string(req.BillingCycle),
			"correlation":   requestID,
		},
	}); err != nil {
		// The session exists at the gateway; the caller still gets it.
		logger.Error("audit checkout session", slog.String("error", err.Error()))
	}

	logger.Info("checkout session created",
		slog.String("plan", plan.Slug),
		slog.String("billing_cycle", string(req.BillingCycle)),
	)

	return &CheckoutResult{SessionID: session.ID, RedirectURL: session.URL}, nil
}

// resolveOrg returns the requested tenant, or the actor's primary tenant.
func (s *checkoutService) resolveOrg(ctx context.Context, actor Actor, requested *uuid.UUID) (uuid.UUID, error) {
	if requested != nil && *requested != uuid.Nil {
		return *requested, nil
	}
	org, err := s.orgs.PrimaryOrgForUser(ctx, actor.ID())
	if err != nil {
		return uuid.Nil, apierrors.NewPersistenceError("load primary organization", err)
	}
	if org == nil {
		return uuid.Nil, apierrors.NewNotFoundError("Organization")
	}
	return org.ID, nil
}

// resolveCustomer returns the actor's gateway customer, creating it on first
// use. When two requests race, the stored id wins and the other customer is
// left unused at the gateway.
func (s *checkoutService) resolveCustomer(ctx context.Context, actor Actor) (string, error) {
	user := actor.User()
	if user.StripeCustomerID != nil && *user.StripeCustomerID != "" {
		return *user.StripeCustomerID, nil
	}

	customerID, err := s.gateway.CreateCustomer(ctx, gateway.CustomerRequest{
		Email:    user.Email,
		Name:     user.DisplayName(),
		Metadata: map[string]string{"user_id": user.ID.String()},
	})
	if err != nil {
		return "", err
	}

	stored, err := s.users.SetStripeCustomerID(ctx, user.ID, customerID)
	if err != nil {
		return "", apierrors.NewPersistenceError("store customer id", err)
	}
	if stored {
		return customerID, nil
	}

	current, err := s.users.GetByID(ctx, user.ID)
	if err != nil {
		return "", apierrors.NewPersistenceError("reload user", err)
	}
	if current == nil || current.StripeCustomerID == nil {
		return "", apierrors.ErrUnauthenticated
	}
	logging.FromContext(ctx).Warn("customer created concurrently, using stored id",
		slog.String("user_id", user.ID.String()),
		slog.String("unused_customer_id", customerID),
	)
	return *current.StripeCustomerID, nil
}

// Compile-time check to ensure checkoutService implements CheckoutService.
var _ CheckoutService = (*checkoutService)(nil)
