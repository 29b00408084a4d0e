// Package repository provides data access layer implementations.
package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/obrafy/entitlements/internal/models"
)

// OrgRepository exposes the tenant predicates and counts used by the guards.
type OrgRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Organization, error)
	IsMember(ctx context.Context, orgID, userID uuid.UUID) (bool, error)
	HasRole(ctx context.Context, orgID, userID uuid.UUID, roles []models.Role) (bool, error)
	CountMembers(ctx context.Context, orgID uuid.UUID) (int, error)
	CountObras(ctx context.Context, orgID uuid.UUID) (int, error)
	PrimaryOrgForUser(ctx context.Context, userID uuid.UUID) (*models.Organization, error)
	GetProfile(ctx context.Context, orgID uuid.UUID) (*models.OrgProfile, error)
	UpsertProfile(ctx context.Context, profile *models.OrgProfile) error
}

type orgRepo struct {
	pool *pgxpool.Pool
}

// NewOrgRepository creates a new organization repository.
func NewOrgRepository(pool *pgxpool.Pool) OrgRepository {
	return &orgRepo{pool: pool}
}

// GetByID retrieves an organization by ID.
func (r *orgRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Organization, error) {
	query := `
		SELECT id, name, slug, owner_id, created_at, updated_at
		FROM organizations WHERE id = $1`

	var org models.Organization
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&org.ID,
		&org.Name,
		&org.Slug,
		&org.OwnerID,
		&org.CreatedAt,
		&org.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &org, nil
}

// IsMember reports whether the user belongs to the organization.
func (r *orgRepo) IsMember(ctx context.Context, orgID, userID uuid.UUID) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM org_members WHERE org_id = $1 AND user_id = $2)`

	var ok bool
	err := r.pool.QueryRow(ctx, query, orgID, userID).Scan(&ok)
	return ok, err
}

// HasRole reports whether the user holds one of roles in the organization.
func (r *orgRepo) HasRole(ctx context.Context, orgID, userID uuid.UUID, roles []models.Role) (bool, error) {
	if len(roles) == 0 {
		return false, nil
	}
	names := make([]string, len(roles))
	for i, role := range roles {
		names[i] = string(role)
	}

	query := `
		SELECT EXISTS(
			SELECT 1 FROM org_members
			WHERE org_id = $1 AND user_id = $2 AND role = ANY($3)
		)`

	var ok bool
	err := r.pool.QueryRow(ctx, query, orgID, userID, names).Scan(&ok)
	return ok, err
}

// CountMembers returns the number of members in the organization.
func (r *orgRepo) CountMembers(ctx context.Context, orgID uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM org_members WHERE org_id = $1`, orgID).Scan(&n)
	return n, err
}

// CountObras returns the number of non-archived obras in the organization.
func (r *orgRepo) CountObras(ctx context.Context, orgID uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM obras WHERE org_id = $1 AND archived_at IS NULL`, orgID,
	).Scan(&n)
	return n, err
}

// PrimaryOrgForUser returns the earliest organization owned by the user.
func (r *orgRepo) PrimaryOrgForUser(ctx context.Context, userID uuid.UUID) (*models.Organization, error) {
	query := `
		SELECT id, name, slug, owner_id, created_at, updated_at
		FROM organizations
		WHERE owner_id = $1
		ORDER BY created_at ASC
		LIMIT 1`

	var org models.Organization
	err := r.pool.QueryRow(ctx, query, userID).Scan(
		&org.ID,
		&org.Name,
		&org.Slug,
		&org.OwnerID,
		&org.CreatedAt,
		&org.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &org, nil
}

// GetProfile returns the billing projection for an organization.
func (r *orgRepo) GetProfile(ctx context.Context, orgID uuid.UUID) (*models.OrgProfile, error) {
	query := `
		SELECT org_id, plan_slug, COALESCE(subscription_status, ''), updated_at
		FROM org_profiles WHERE org_id = $1`

	var p models.OrgProfile
	err := r.pool.QueryRow(ctx, query, orgID).Scan(&p.OrgID, &p.PlanSlug, &p.SubscriptionStatus, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// UpsertProfile writes the denormalized plan slug and status.
func (r *orgRepo) UpsertProfile(ctx context.Context, p *models.OrgProfile) error {
	query := `
		INSERT INTO org_profiles (org_id, plan_slug, subscription_status, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), NOW())
		ON CONFLICT (org_id)
		DO UPDATE SET plan_slug = EXCLUDED.plan_slug,
		              subscription_status = EXCLUDED.subscription_status,
		              updated_at = NOW()
		RETURNING updated_at`

	return r.pool.QueryRow(ctx, query, p.OrgID, p.PlanSlug, string(p.SubscriptionStatus)).Scan(&p.UpdatedAt)
}

// Compile-time check to ensure orgRepo implements OrgRepository.
var _ OrgRepository = (*orgRepo)(nil)
