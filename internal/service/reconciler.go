package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/obrafy/entitlements/internal/config"
	"github.com/obrafy/entitlements/internal/gateway"
	"github.com/obrafy/entitlements/internal/metrics"
	"github.com/obrafy/entitlements/internal/models"
	apierrors "github.com/obrafy/entitlements/internal/pkg/errors"
	"github.com/obrafy/entitlements/internal/pkg/logging"
	"github.com/obrafy/entitlements/internal/pkg/reqmeta"
	"github.com/obrafy/entitlements/internal/repository"
)

// WebhookResult reports what happened to one gateway event.
type WebhookResult struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	// Outcome is processed, duplicate or ignored.
	Outcome string `json:"status"`
	// Error is the branch failure recorded on the processed event, if any.
	Error string `json:"-"`
}

// Reconciler applies verified gateway events to local billing state.
type Reconciler interface {
	// HandleWebhook verifies payload against signature and reconciles the
	// event it carries.
	HandleWebhook(ctx context.Context, payload []byte, signature string) (*WebhookResult, error)
	// Reconcile runs the idempotency gate and the branch for a verified event.
	Reconcile(ctx context.Context, event gateway.Event) (*WebhookResult, error)
}

// finalizeTimeout bounds the processed-event write that runs after the
// request context has ended.
const finalizeTimeout = 5 * time.Second

// Branch failures that are recorded and never retried.
var (
	errUnknownSubscription = apierrors.NewNotFoundError("Subscription")
	errInvalidTransition   = apierrors.ErrBadRequest.WithMessage("subscription is canceled")
	errTenantMismatch      = apierrors.ErrBadRequest.WithMessage("tenant reference does not match session metadata")
	errMissingTenant       = apierrors.ErrBadRequest.WithMessage("checkout session has no tenant reference")
	errMissingActor        = apierrors.ErrBadRequest.WithMessage("checkout session has no actor")
	errNotSubscription     = apierrors.ErrBadRequest.WithMessage("checkout session has no subscription")
	errUnknownPrice        = apierrors.NewNotFoundError("Plan for price")
	errUnknownStatus       = apierrors.ErrBadRequest.WithMessage("unknown subscription status")
)

type reconciler struct {
	gateway gateway.PaymentGateway
	events  repository.EventRepository
	subs    repository.SubscriptionRepository
	plans   repository.PlanRepository
	orgs    repository.OrgRepository
	audit   AuditService
	cfg     config.BillingConfig
	now     func() time.Time
}

// NewReconciler creates the webhook reconciler.
func NewReconciler(
	gw gateway.PaymentGateway,
	events repository.EventRepository,
	subs repository.SubscriptionRepository,
	plans repository.PlanRepository,
	orgs repository.OrgRepository,
	audit AuditService,
	cfg config.BillingConfig,
) Reconciler {
	return &reconciler{
		gateway: gw,
		events:  events,
		subs:    subs,
		plans:   plans,
		orgs:    orgs,
		audit:   audit,
		cfg:     cfg,
		now:     time.Now,
	}
}

func (r *reconciler) HandleWebhook(ctx context.Context, payload []byte, signature string) (*WebhookResult, error) {
	event, err := r.gateway.ConstructEvent(payload, signature)
	if err != nil {
		logging.FromContext(ctx).Warn("webhook rejected",
			slog.String("request_id", reqmeta.RequestID(ctx)),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	return r.Reconcile(ctx, event)
}

func (r *reconciler) Reconcile(ctx context.Context, event gateway.Event) (*WebhookResult, error) {
	start := r.now()
	env := event.Meta()
	result := &WebhookResult{EventID: env.ID, EventType: env.Type}

	logger := logging.FromContext(ctx).With(
		slog.String("request_id", reqmeta.RequestID(ctx)),
		slog.String("event_id", env.ID),
		slog.String("event_type", env.Type),
	)

	payload := env.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	state, err := r.events.Claim(ctx, env.ID, env.Type, payload, r.cfg.ClaimLease)
	if err != nil {
		r.observe(env.Type, metrics.OutcomeFailed, start)
		logger.Error("claim event", slog.String("error", err.Error()))
		return nil, r.deadline(ctx, apierrors.NewPersistenceError("claim event", err))
	}

	switch state {
	case models.ClaimAlreadyProcessed:
		result.Outcome = metrics.OutcomeDuplicate
		r.observe(env.Type, result.Outcome, start)
		logger.Info("webhook duplicate", slog.String("outcome", result.Outcome))
		return result, nil
	case models.ClaimInFlight:
		r.observe(env.Type, metrics.OutcomeInFlight, start)
		logger.Info("webhook in flight", slog.String("outcome", metrics.OutcomeInFlight))
		return nil, apierrors.ErrEventInFlight
	}

	tenant, branchErr := r.dispatchWithRetry(ctx, logger, event)
	if tenant != uuid.Nil {
		logger = logger.With(slog.String("org_id", tenant.String()))
	}

	if isContextErr(branchErr) {
		// Left pending; the lease expires and a redelivery reclaims it.
		r.observe(env.Type, metrics.OutcomeFailed, start)
		logger.Warn("webhook deadline exceeded", slog.String("outcome", "pending"))
		return nil, apierrors.ErrServiceUnavailable.WithCause(branchErr)
	}

	var errMsg *string
	if branchErr != nil {
		msg := branchErr.Error()
		errMsg = &msg
		result.Error = msg
	}
	// Finalize outlives the request context; the branch has already run.
	finalizeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	err = r.events.Finalize(finalizeCtx, env.ID, errMsg)
	cancel()
	if err != nil {
		r.observe(env.Type, metrics.OutcomeFailed, start)
		logger.Error("finalize event", slog.String("error", err.Error()))
		return nil, r.deadline(ctx, apierrors.NewPersistenceError("finalize event", err))
	}

	switch {
	case branchErr != nil:
		result.Outcome = metrics.OutcomeProcessed
		r.observe(env.Type, metrics.OutcomeFailed, start)
		logger.Error("webhook branch failed",
			slog.String("outcome", "recorded_error"),
			slog.String("error", branchErr.Error()),
		)
	default:
		if _, ok := event.(gateway.UnhandledEvent); ok {
			result.Outcome = metrics.OutcomeIgnored
		} else {
			result.Outcome = metrics.OutcomeProcessed
		}
		r.observe(env.Type, result.Outcome, start)
		logger.Info("webhook reconciled", slog.String("outcome", result.Outcome))
	}
	return result, nil
}

func (r *reconciler) observe(eventType, outcome string, start time.Time) {
	metrics.WebhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
	metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// deadline converts err into service_unavailable when ctx has expired.
func (r *reconciler) deadline(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return apierrors.ErrServiceUnavailable.WithCause(err)
	}
	return err
}

func (r *reconciler) backOff(ctx context.Context) backoff.BackOff {
	cfg := r.cfg.Retry
	exp := backoff.NewExponentialBackOff()
	if cfg.InitialInterval > 0 {
		exp.InitialInterval = cfg.InitialInterval
	}
	if cfg.MaxInterval > 0 {
		exp.MaxInterval = cfg.MaxInterval
	}
	exp.MaxElapsedTime = cfg.MaxElapsedTime

	var b backoff.BackOff = exp
	if cfg.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, cfg.MaxAttempts-1)
	}
	return backoff.WithContext(b, ctx)
}

// dispatchWithRetry runs the branch for event, retrying transient failures.
func (r *reconciler) dispatchWithRetry(ctx context.Context, logger *slog.Logger, event gateway.Event) (uuid.UUID, error) {
	var (
		tenant  uuid.UUID
		attempt int
	)
	op := func() error {
		attempt++
		t, err := r.dispatch(ctx, logger, event)
		if t != uuid.Nil {
			tenant = t
		}
		if err == nil {
			return nil
		}
		if !apierrors.IsTransient(err) {
			return backoff.Permanent(err)
		}
		logger.Warn("webhook branch transient failure",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		return err
	}
	err := backoff.Retry(op, r.backOff(ctx))

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Err
	}
	return tenant, err
}

func (r *reconciler) dispatch(ctx context.Context, logger *slog.Logger, event gateway.Event) (uuid.UUID, error) {
	switch e := event.(type) {
	case gateway.CheckoutCompleted:
		return r.checkoutCompleted(ctx, logger, e)
	case gateway.SubscriptionUpdated:
		return r.subscriptionUpdated(ctx, logger, e)
	case gateway.SubscriptionDeleted:
		return r.subscriptionDeleted(ctx, logger, e)
	case gateway.InvoicePaymentFailed:
		return r.paymentFailed(ctx, logger, e)
	case gateway.UnhandledEvent:
		logger.Debug("webhook event type not handled")
		return uuid.Nil, nil
	}
	logger.Warn("webhook event variant not recognized")
	return uuid.Nil, nil
}

func (r *reconciler) checkoutCompleted(ctx context.Context, logger *slog.Logger, e gateway.CheckoutCompleted) (uuid.UUID, error) {
	tenantID, err := uuid.Parse(e.ClientReferenceID)
	if err != nil || tenantID == uuid.Nil {
		return uuid.Nil, errMissingTenant
	}
	if claimed, ok := e.Metadata[MetaTenantID]; ok && claimed != tenantID.String() {
		logger.Warn("checkout tenant mismatch",
			slog.String("client_reference_id", e.ClientReferenceID),
			slog.String("metadata_tenant_id", claimed),
		)
		return tenantID, errTenantMismatch
	}

	actorID, err := uuid.Parse(e.Metadata[MetaActorID])
	if err != nil || actorID == uuid.Nil {
		return tenantID, errMissingActor
	}
	allowed, err := r.orgs.HasRole(ctx, tenantID, actorID, models.BillingManagers)
	if err != nil {
		return tenantID, apierrors.NewPersistenceError("check actor role", err)
	}
	if !allowed {
		return tenantID, apierrors.ErrRoleNotPermitted
	}

	if e.SubscriptionID == "" {
		return tenantID, errNotSubscription
	}
	live, err := r.gateway.GetSubscription(ctx, e.SubscriptionID)
	if err != nil {
		return tenantID, err
	}

	binding, err := r.bindPrice(ctx, live.PriceID)
	if err != nil {
		return tenantID, err
	}
	if binding == nil {
		return tenantID, errUnknownPrice
	}
	status, ok := models.ParseSubscriptionStatus(live.Status)
	if !ok {
		return tenantID, errUnknownStatus
	}

	sub, err := r.subs.Upsert(ctx, models.SubscriptionWrite{
		OrgID:                tenantID,
		Binding:              *binding,
		StripeSubscriptionID: live.ID,
		StripeCustomerID:     live.CustomerID,
		Status:               status,
		CurrentPeriodStart:   live.CurrentPeriodStart,
		CurrentPeriodEnd:     live.CurrentPeriodEnd,
		TrialEnd:             live.TrialEnd,
		CanceledAt:           live.CanceledAt,
		EventCreatedAt:       e.Created,
	}, r.cfg.StrictOrdering)
	if err != nil {
		return tenantID, apierrors.NewPersistenceError("upsert subscription", err)
	}
	if sub == nil {
		logger.Info("checkout event skipped", slog.String("subscription_id", live.ID))
		return tenantID, nil
	}

	if err := r.project(ctx, tenantID, binding.Plan().Slug, status); err != nil {
		return tenantID, err
	}

	return tenantID, r.audit.Log(ctx, AuditEntry{
		OrgID:      &tenantID,
		ActorID:    &actorID,
		ActorType:  models.ActorTypeUser,
		Action:     models.AuditActionSubscriptionCreated,
		EntityType: models.EntityTypeSubscription,
		EntityID:   live.ID,
		Metadata: map[string]any{
			"event_id":      e.ID,
			"session_id":    e.SessionID,
			"plan_slug":     binding.Plan().Slug,
			"billing_cycle": string(binding.Cycle()),
			"status":        string(status),
		},
	})
}

func (r *reconciler) subscriptionUpdated(ctx context.Context, logger *slog.Logger, e gateway.SubscriptionUpdated) (uuid.UUID, error) {
	existing, err := r.existing(ctx, logger, e.Subscription.ID)
	if err != nil || existing == nil {
		return uuid.Nil, err
	}

	status, ok := models.ParseSubscriptionStatus(e.Subscription.Status)
	if !ok {
		return existing.OrgID, errUnknownStatus
	}
	if !existing.Status.CanTransition(status) {
		logger.Warn("invalid subscription transition",
			slog.String("from", string(existing.Status)),
			slog.String("to", string(status)),
		)
		return existing.OrgID, errInvalidTransition
	}

	binding, err := r.bindPrice(ctx, e.Subscription.PriceID)
	if err != nil {
		return existing.OrgID, err
	}
	if binding == nil && e.Subscription.PriceID != "" {
		logger.Warn("subscription price not bound to a plan, plan unchanged",
			slog.String("price_id", e.Subscription.PriceID))
	}

	u := models.SubscriptionUpdate{
		StripeSubscriptionID: existing.StripeSubscriptionID,
		Status:               status,
		CurrentPeriodStart:   nonZero(e.Subscription.CurrentPeriodStart),
		CurrentPeriodEnd:     nonZero(e.Subscription.CurrentPeriodEnd),
		TrialEnd:             e.Subscription.TrialEnd,
		CanceledAt:           e.Subscription.CanceledAt,
		Binding:              binding,
		EventCreatedAt:       e.Created,
	}
	sub, err := r.apply(ctx, logger, u)
	if err != nil || sub == nil {
		return existing.OrgID, err
	}

	slug, err := r.slugFor(ctx, sub)
	if err != nil {
		return sub.OrgID, err
	}
	if err := r.project(ctx, sub.OrgID, slug, sub.Status); err != nil {
		return sub.OrgID, err
	}

	return sub.OrgID, r.audit.Log(ctx, AuditEntry{
		OrgID:      &sub.OrgID,
		Action:     models.AuditActionSubscriptionUpdated,
		EntityType: models.EntityTypeSubscription,
		EntityID:   sub.StripeSubscriptionID,
		Metadata: map[string]any{
			"event_id":      e.ID,
			"from_status":   string(existing.Status),
			"to_status":     string(sub.Status),
			"plan_changed":  sub.PlanID != existing.PlanID,
			"billing_cycle": string(sub.BillingCycle),
		},
	})
}

func (r *reconciler) subscriptionDeleted(ctx context.Context, logger *slog.Logger, e gateway.SubscriptionDeleted) (uuid.UUID, error) {
	existing, err := r.existing(ctx, logger, e.Subscription.ID)
	if err != nil || existing == nil {
		return uuid.Nil, err
	}

	canceledAt := e.Subscription.CanceledAt
	if canceledAt == nil {
		t := e.Created
		if t.IsZero() {
			t = r.now()
		}
		t = t.UTC()
		canceledAt = &t
	}

	sub, err := r.apply(ctx, logger, models.SubscriptionUpdate{
		StripeSubscriptionID: existing.StripeSubscriptionID,
		Status:               models.SubscriptionCanceled,
		CurrentPeriodStart:   nonZero(e.Subscription.CurrentPeriodStart),
		CurrentPeriodEnd:     nonZero(e.Subscription.CurrentPeriodEnd),
		CanceledAt:           canceledAt,
		EventCreatedAt:       e.Created,
	})
	if err != nil || sub == nil {
		return existing.OrgID, err
	}

	if err := r.project(ctx, sub.OrgID, r.cfg.FreePlanSlug, models.SubscriptionCanceled); err != nil {
		return sub.OrgID, err
	}

	return sub.OrgID, r.audit.Log(ctx, AuditEntry{
		OrgID:      &sub.OrgID,
		Action:     models.AuditActionSubscriptionCanceled,
		EntityType: models.EntityTypeSubscription,
		EntityID:   sub.StripeSubscriptionID,
		Metadata: map[string]any{
			"event_id":    e.ID,
			"from_status": string(existing.Status),
			"canceled_at": canceledAt.Format(time.RFC3339),
		},
	})
}

func (r *reconciler) paymentFailed(ctx context.Context, logger *slog.Logger, e gateway.InvoicePaymentFailed) (uuid.UUID, error) {
	if e.SubscriptionID == "" {
		logger.Info("payment failure without subscription ignored", slog.String("invoice_id", e.InvoiceID))
		return uuid.Nil, nil
	}
	existing, err := r.existing(ctx, logger, e.SubscriptionID)
	if err != nil || existing == nil {
		return uuid.Nil, err
	}
	if !existing.Status.CanTransition(models.SubscriptionPastDue) {
		return existing.OrgID, errInvalidTransition
	}

	sub, err := r.apply(ctx, logger, models.SubscriptionUpdate{
		StripeSubscriptionID: existing.StripeSubscriptionID,
		Status:               models.SubscriptionPastDue,
		EventCreatedAt:       e.Created,
	})
	if err != nil || sub == nil {
		return existing.OrgID, err
	}

	slug, err := r.slugFor(ctx, sub)
	if err != nil {
		return sub.OrgID, err
	}
	if err := r.project(ctx, sub.OrgID, slug, sub.Status); err != nil {
		return sub.OrgID, err
	}

	return sub.OrgID, r.audit.Log(ctx, AuditEntry{
		OrgID:      &sub.OrgID,
		Action:     models.AuditActionPaymentFailed,
		EntityType: models.EntityTypeSubscription,
		EntityID:   sub.StripeSubscriptionID,
		Metadata: map[string]any{
			"event_id":    e.ID,
			"invoice_id":  e.InvoiceID,
			"from_status": string(existing.Status),
		},
	})
}

// existing loads the subscription an event refers to. A missing row is an
// anomaly: it is logged and reported as a permanent failure.
func (r *reconciler) existing(ctx context.Context, logger *slog.Logger, stripeID string) (*models.Subscription, error) {
	if stripeID == "" {
		return nil, errUnknownSubscription
	}
	sub, err := r.subs.GetByStripeID(ctx, stripeID)
	if err != nil {
		return nil, apierrors.NewPersistenceError("load subscription", err)
	}
	if sub == nil {
		logger.Warn("event for unknown subscription skipped", slog.String("subscription_id", stripeID))
		return nil, errUnknownSubscription
	}
	return sub, nil
}

// apply writes u. A nil subscription with a nil error means the write was
// skipped as stale or blocked by the terminal status.
func (r *reconciler) apply(ctx context.Context, logger *slog.Logger, u models.SubscriptionUpdate) (*models.Subscription, error) {
	sub, err := r.subs.ApplyGatewayUpdate(ctx, u, r.cfg.StrictOrdering)
	if err != nil {
		return nil, apierrors.NewPersistenceError("update subscription", err)
	}
	if sub == nil {
		logger.Info("subscription update skipped",
			slog.String("subscription_id", u.StripeSubscriptionID),
			slog.Bool("strict_ordering", r.cfg.StrictOrdering),
		)
	}
	return sub, nil
}

// bindPrice resolves priceID to a plan binding by reverse lookup. It returns
// nil when no active plan carries the price.
func (r *reconciler) bindPrice(ctx context.Context, priceID string) (*models.PlanBinding, error) {
	if priceID == "" {
		return nil, nil
	}
	plan, err := r.plans.GetByPriceID(ctx, priceID)
	if err != nil {
		return nil, apierrors.NewPersistenceError("load plan by price", err)
	}
	binding, ok := models.BindPrice(plan, priceID)
	if !ok {
		return nil, nil
	}
	return &binding, nil
}

// slugFor returns the plan slug the profile should show for sub.
func (r *reconciler) slugFor(ctx context.Context, sub *models.Subscription) (string, error) {
	if !sub.Status.Entitled() {
		return r.cfg.FreePlanSlug, nil
	}
	plan, err := r.plans.GetByID(ctx, sub.PlanID)
	if err != nil {
		return "", apierrors.NewPersistenceError("load plan", err)
	}
	if plan == nil {
		return r.cfg.FreePlanSlug, nil
	}
	return plan.Slug, nil
}

// project mirrors the effective plan onto the tenant's profile.
func (r *reconciler) project(ctx context.Context, orgID uuid.UUID, slug string, status models.SubscriptionStatus) error {
	if !status.Entitled() {
		slug = r.cfg.FreePlanSlug
	}
	if err := r.orgs.UpsertProfile(ctx, &models.OrgProfile{
		OrgID:              orgID,
		PlanSlug:           slug,
		SubscriptionStatus: status,
	}); err != nil {
		return apierrors.NewPersistenceError("upsert org profile", err)
	}
	return nil
}

func nonZero(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Compile-time check to ensure reconciler implements Reconciler.
var _ Reconciler = (*reconciler)(nil)
