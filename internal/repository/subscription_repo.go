package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/obrafy/entitlements/internal/models"
)

// SubscriptionRepository defines the narrow write and read paths for
// subscriptions. Writes are keyed by the gateway subscription id.
type SubscriptionRepository interface {
	// Upsert creates or replaces the subscription for w.StripeSubscriptionID.
	// It returns (nil, nil) when the stored row is canceled or, with strict
	// set, when w is older than the stored gateway time.
	Upsert(ctx context.Context, w models.SubscriptionWrite, strict bool) (*models.Subscription, error)
	// ApplyGatewayUpdate applies u to an existing subscription. It returns
	// (nil, nil) when no row was changed: the subscription is missing, is
	// canceled and u would move it elsewhere, or (with strict) u is stale.
	ApplyGatewayUpdate(ctx context.Context, u models.SubscriptionUpdate, strict bool) (*models.Subscription, error)
	GetByStripeID(ctx context.Context, stripeSubscriptionID string) (*models.Subscription, error)
	// GetEntitledForOrg returns the most recently updated subscription of the
	// org whose status grants plan limits.
	GetEntitledForOrg(ctx context.Context, orgID uuid.UUID) (*models.Subscription, error)
}

type subscriptionRepo struct {
	pool *pgxpool.Pool
}

// NewSubscriptionRepository creates a new subscription repository.
func NewSubscriptionRepository(pool *pgxpool.Pool) SubscriptionRepository {
	return &subscriptionRepo{pool: pool}
}

const subscriptionColumns = `id, org_id, plan_id, billing_cycle, stripe_subscription_id, stripe_customer_id,
	status, current_period_start, current_period_end, trial_end, canceled_at, gateway_updated_at,
	created_at, updated_at`

func scanSubscription(row pgx.Row) (*models.Subscription, error) {
	var s models.Subscription
	err := row.Scan(
		&s.ID,
		&s.OrgID,
		&s.PlanID,
		&s.BillingCycle,
		&s.StripeSubscriptionID,
		&s.StripeCustomerID,
		&s.Status,
		&s.CurrentPeriodStart,
		&s.CurrentPeriodEnd,
		&s.TrialEnd,
		&s.CanceledAt,
		&s.GatewayUpdatedAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Upsert writes the subscription row for a completed checkout. A canceled
// row is never rewritten; like a stale write, that returns nil.
func (r *subscriptionRepo) Upsert(ctx context.Context, w models.SubscriptionWrite, strict bool) (*models.Subscription, error) {
	if w.Binding.IsZero() {
		return nil, errors.New("subscription write requires a plan binding")
	}

	query := `
		INSERT INTO subscriptions (
			id, org_id, plan_id, billing_cycle, stripe_subscription_id, stripe_customer_id,
			status, current_period_start, current_period_end, trial_end, canceled_at, gateway_updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (stripe_subscription_id) DO UPDATE SET
			plan_id = EXCLUDED.plan_id,
			billing_cycle = EXCLUDED.billing_cycle,
			stripe_customer_id = EXCLUDED.stripe_customer_id,
			status = EXCLUDED.status,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end = EXCLUDED.current_period_end,
			trial_end = EXCLUDED.trial_end,
			canceled_at = EXCLUDED.canceled_at,
			gateway_updated_at = GREATEST(subscriptions.gateway_updated_at, EXCLUDED.gateway_updated_at),
			updated_at = NOW()
		WHERE subscriptions.status <> 'canceled'
			AND (NOT $13::boolean
				OR subscriptions.gateway_updated_at IS NULL
				OR subscriptions.gateway_updated_at <= EXCLUDED.gateway_updated_at)
		RETURNING ` + subscriptionColumns

	return scanSubscription(r.pool.QueryRow(ctx, query,
		uuid.New(),
		w.OrgID,
		w.Binding.PlanID(),
		string(w.Binding.Cycle()),
		w.StripeSubscriptionID,
		w.StripeCustomerID,
		string(w.Status),
		w.CurrentPeriodStart,
		w.CurrentPeriodEnd,
		w.TrialEnd,
		w.CanceledAt,
		eventTime(w.EventCreatedAt),
		strict,
	))
}

// ApplyGatewayUpdate applies the fields of an update event.
func (r *subscriptionRepo) ApplyGatewayUpdate(ctx context.Context, u models.SubscriptionUpdate, strict bool) (*models.Subscription, error) {
	var planID *uuid.UUID
	var cycle *string
	if u.Binding != nil && !u.Binding.IsZero() {
		id := u.Binding.PlanID()
		c := string(u.Binding.Cycle())
		planID, cycle = &id, &c
	}

	query := `
		UPDATE subscriptions SET
			status = $2,
			current_period_start = COALESCE($3::timestamptz, current_period_start),
			current_period_end = COALESCE($4::timestamptz, current_period_end),
			trial_end = COALESCE($5::timestamptz, trial_end),
			canceled_at = COALESCE($6::timestamptz, canceled_at),
			plan_id = COALESCE($7::uuid, plan_id),
			billing_cycle = COALESCE($8::text, billing_cycle),
			gateway_updated_at = GREATEST(gateway_updated_at, $9::timestamptz),
			updated_at = NOW()
		WHERE stripe_subscription_id = $1
			AND (status <> 'canceled' OR $2::text = 'canceled')
			AND (NOT $10::boolean OR gateway_updated_at IS NULL OR gateway_updated_at <= $9::timestamptz)
		RETURNING ` + subscriptionColumns

	return scanSubscription(r.pool.QueryRow(ctx, query,
		u.StripeSubscriptionID,
		string(u.Status),
		u.CurrentPeriodStart,
		u.CurrentPeriodEnd,
		u.TrialEnd,
		u.CanceledAt,
		planID,
		cycle,
		eventTime(u.EventCreatedAt),
		strict,
	))
}

// GetByStripeID retrieves a subscription by its gateway id.
func (r *subscriptionRepo) GetByStripeID(ctx context.Context, stripeSubscriptionID string) (*models.Subscription, error) {
	return scanSubscription(r.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE stripe_subscription_id = $1`,
		stripeSubscriptionID,
	))
}

// GetEntitledForOrg retrieves the org's current entitled subscription.
func (r *subscriptionRepo) GetEntitledForOrg(ctx context.Context, orgID uuid.UUID) (*models.Subscription, error) {
	statuses := make([]string, len(models.EntitledStatuses))
	for i, s := range models.EntitledStatuses {
		statuses[i] = string(s)
	}

	query := `SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE org_id = $1 AND status = ANY($2)
		ORDER BY updated_at DESC
		LIMIT 1`

	return scanSubscription(r.pool.QueryRow(ctx, query, orgID, statuses))
}

// eventTime maps a zero event time to NULL so GREATEST keeps the stored value.
func eventTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}

// Compile-time check to ensure subscriptionRepo implements SubscriptionRepository.
var _ SubscriptionRepository = (*subscriptionRepo)(nil)
