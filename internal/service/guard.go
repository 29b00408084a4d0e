// Package service provides business logic implementations.
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/obrafy/entitlements/internal/metrics"
	"github.com/obrafy/entitlements/internal/models"
	apierrors "github.com/obrafy/entitlements/internal/pkg/errors"
	"github.com/obrafy/entitlements/internal/pkg/logging"
	"github.com/obrafy/entitlements/internal/pkg/reqmeta"
	"github.com/obrafy/entitlements/internal/repository"
)

// Actor is proof that the caller was authenticated. Only the guard creates one.
type Actor struct {
	user *models.User
}

// ID returns the actor's user id.
func (a Actor) ID() uuid.UUID { return a.user.ID }

// User returns the resolved user record.
func (a Actor) User() *models.User { return a.user }

// TenantAccess is proof that the actor passed a membership or role check for
// one tenant.
type TenantAccess struct {
	actor Actor
	orgID uuid.UUID
	roles []models.Role
}

// Actor returns the authenticated actor.
func (t TenantAccess) Actor() Actor { return t.actor }

// OrgID returns the tenant the check was made for.
func (t TenantAccess) OrgID() uuid.UUID { return t.orgID }

// Roles returns the role set the actor was checked against, nil for a plain
// membership check.
func (t TenantAccess) Roles() []models.Role { return t.roles }

// Headroom is proof that usage was below the plan limit when checked.
type Headroom struct {
	OrgID     uuid.UUID
	Kind      models.LimitKind
	Limit     *int // nil: unlimited
	Usage     int
	PlanSlug  string
	Unlimited bool
}

// Entitlements is the effective plan state of a tenant.
type Entitlements struct {
	OrgID              uuid.UUID                 `json:"org_id"`
	PlanSlug           string                    `json:"plan"`
	SubscriptionStatus models.SubscriptionStatus `json:"subscription_status,omitempty"`
	BillingCycle       models.BillingCycle       `json:"billing_cycle,omitempty"`
	CurrentPeriodEnd   *time.Time                `json:"current_period_end,omitempty"`
	Limits             map[models.LimitKind]*int `json:"limits"`
	Usage              map[models.LimitKind]int  `json:"usage"`
}

// Guard is the authorization guard chain. Each check is callable on its own;
// checks that need an actor authenticate first.
type Guard interface {
	RequireAuthenticated(ctx context.Context) (Actor, error)
	RequireTenantMember(ctx context.Context, tenantID uuid.UUID) (TenantAccess, error)
	RequireTenantRole(ctx context.Context, tenantID uuid.UUID, allowed []models.Role) (TenantAccess, error)
	// RequirePlanHeadroom is advisory: the counts it reads may change before
	// the caller acts.
	RequirePlanHeadroom(ctx context.Context, tenantID uuid.UUID, kind models.LimitKind) (Headroom, error)
	Entitlements(ctx context.Context, access TenantAccess) (*Entitlements, error)
}

type guard struct {
	users        repository.UserRepository
	orgs         repository.OrgRepository
	plans        repository.PlanRepository
	subs         repository.SubscriptionRepository
	freePlanSlug string
}

// NewGuard creates the guard chain.
func NewGuard(
	users repository.UserRepository,
	orgs repository.OrgRepository,
	plans repository.PlanRepository,
	subs repository.SubscriptionRepository,
	freePlanSlug string,
) Guard {
	return &guard{
		users:        users,
		orgs:         orgs,
		plans:        plans,
		subs:         subs,
		freePlanSlug: freePlanSlug,
	}
}

func deny(ctx context.Context, kind string, err *apierrors.APIError, attrs ...any) error {
	metrics.GuardDenialsTotal.WithLabelValues(kind).Inc()
	attrs = append(attrs, slog.String("denial", kind), slog.String("request_id", reqmeta.RequestID(ctx)))
	logging.FromContext(ctx).Info("guard denied", attrs...)
	return err
}

func (g *guard) RequireAuthenticated(ctx context.Context) (Actor, error) {
	userID, ok := reqmeta.UserID(ctx)
	if !ok {
		return Actor{}, deny(ctx, "unauthenticated", apierrors.ErrUnauthenticated)
	}

	user, err := g.users.GetByID(ctx, userID)
	if err != nil {
		return Actor{}, apierrors.NewPersistenceError("load actor", err)
	}
	if user == nil {
		return Actor{}, deny(ctx, "unauthenticated", apierrors.ErrUnauthenticated, slog.String("user_id", userID.String()))
	}
	return Actor{user: user}, nil
}

func (g *guard) RequireTenantMember(ctx context.Context, tenantID uuid.UUID) (TenantAccess, error) {
	actor, err := g.RequireAuthenticated(ctx)
	if err != nil {
		return TenantAccess{}, err
	}

	ok, err := g.orgs.IsMember(ctx, tenantID, actor.ID())
	if err != nil {
		return TenantAccess{}, apierrors.NewPersistenceError("check membership", err)
	}
	if !ok {
		return TenantAccess{}, deny(ctx, "not_member", apierrors.ErrNotMember,
			slog.String("org_id", tenantID.String()), slog.String("user_id", actor.ID().String()))
	}
	return TenantAccess{actor: actor, orgID: tenantID}, nil
}

func (g *guard) RequireTenantRole(ctx context.Context, tenantID uuid.UUID, allowed []models.Role) (TenantAccess, error) {
	actor, err := g.RequireAuthenticated(ctx)
	if err != nil {
		return TenantAccess{}, err
	}

	ok, err := g.orgs.HasRole(ctx, tenantID, actor.ID(), allowed)
	if err != nil {
		return TenantAccess{}, apierrors.NewPersistenceError("check role", err)
	}
	if !ok {
		// A non-member fails the role predicate too; report which one applied.
		member, err := g.orgs.IsMember(ctx, tenantID, actor.ID())
		if err != nil {
			return TenantAccess{}, apierrors.NewPersistenceError("check membership", err)
		}
		attrs := []any{slog.String("org_id", tenantID.String()), slog.String("user_id", actor.ID().String())}
		if !member {
			return TenantAccess{}, deny(ctx, "not_member", apierrors.ErrNotMember, attrs...)
		}
		return TenantAccess{}, deny(ctx, "role_not_permitted", apierrors.ErrRoleNotPermitted, attrs...)
	}
	return TenantAccess{actor: actor, orgID: tenantID, roles: append([]models.Role(nil), allowed...)}, nil
}

// effectivePlan returns the plan granting the tenant's limits and the
// subscription it comes from, if any.
func (g *guard) effectivePlan(ctx context.Context, tenantID uuid.UUID) (*models.Plan, *models.Subscription, error) {
	sub, err := g.subs.GetEntitledForOrg(ctx, tenantID)
	if err != nil {
		return nil, nil, apierrors.NewPersistenceError("load subscription", err)
	}

	if sub != nil && sub.Status.Entitled() {
		plan, err := g.plans.GetByID(ctx, sub.PlanID)
		if err != nil {
			return nil, nil, apierrors.NewPersistenceError("load plan", err)
		}
		if plan != nil {
			return plan, sub, nil
		}
		logging.FromContext(ctx).Error("subscription references missing plan",
			slog.String("org_id", tenantID.String()),
			slog.String("plan_id", sub.PlanID.String()),
		)
	}

	free, err := g.plans.GetBySlug(ctx, g.freePlanSlug)
	if err != nil {
		return nil, nil, apierrors.NewPersistenceError("load free plan", err)
	}
	if free == nil {
		return nil, nil, apierrors.NewNotFoundError("Free plan")
	}
	return free, nil, nil
}

func (g *guard) usage(ctx context.Context, tenantID uuid.UUID, kind models.LimitKind) (int, error) {
	var (
		n   int
		err error
	)
	switch kind {
	case models.LimitMaxUsers:
		n, err = g.orgs.CountMembers(ctx, tenantID)
	case models.LimitMaxObras:
		n, err = g.orgs.CountObras(ctx, tenantID)
	default:
		return 0, apierrors.NewValidationError("limit_kind", "unknown limit kind "+string(kind))
	}
	if err != nil {
		return 0, apierrors.NewPersistenceError("count "+string(kind), err)
	}
	return n, nil
}

func (g *guard) RequirePlanHeadroom(ctx context.Context, tenantID uuid.UUID, kind models.LimitKind) (Headroom, error) {
	if !kind.Valid() {
		return Headroom{}, apierrors.NewValidationError("limit_kind", "unknown limit kind "+string(kind))
	}

	plan, _, err := g.effectivePlan(ctx, tenantID)
	if err != nil {
		return Headroom{}, err
	}

	h := Headroom{OrgID: tenantID, Kind: kind, PlanSlug: plan.Slug}
	limit := plan.Limit(kind)
	if limit == nil {
		h.Unlimited = true
		return h, nil
	}

	usage, err := g.usage(ctx, tenantID, kind)
	if err != nil {
		return Headroom{}, err
	}
	h.Limit = limit
	h.Usage = usage

	if usage >= *limit {
		return Headroom{}, deny(ctx, "quota_exceeded", apierrors.NewQuotaExceededError(string(kind), *limit, usage),
			slog.String("org_id", tenantID.String()),
			slog.String("limit_kind", string(kind)),
			slog.Int("limit", *limit),
			slog.Int("usage", usage),
		)
	}
	return h, nil
}

func (g *guard) Entitlements(ctx context.Context, access TenantAccess) (*Entitlements, error) {
	plan, sub, err := g.effectivePlan(ctx, access.OrgID())
	if err != nil {
		return nil, err
	}

	e := &Entitlements{
		OrgID:    access.OrgID(),
		PlanSlug: plan.Slug,
		Limits:   make(map[models.LimitKind]*int, len(models.LimitKinds)),
		Usage:    make(map[models.LimitKind]int, len(models.LimitKinds)),
	}
	if sub != nil {
		e.SubscriptionStatus = sub.Status
		e.BillingCycle = sub.BillingCycle
		end := sub.CurrentPeriodEnd.UTC()
		e.CurrentPeriodEnd = &end
	}
	for _, kind := range models.LimitKinds {
		e.Limits[kind] = plan.Limit(kind)
		n, err := g.usage(ctx, access.OrgID(), kind)
		if err != nil {
			return nil, err
		}
		e.Usage[kind] = n
	}
	return e, nil
}

// Compile-time check to ensure guard implements Guard.
var _ Guard = (*guard)(nil)
