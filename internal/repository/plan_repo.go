package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/obrafy/entitlements/internal/models"
)

// PlanRepository resolves plans from the system of record.
type PlanRepository interface {
	GetBySlug(ctx context.Context, slug string) (*models.Plan, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Plan, error)
	// GetByPriceID returns the active plan whose monthly or yearly price
	// matches priceID.
	GetByPriceID(ctx context.Context, priceID string) (*models.Plan, error)
}

type planRepo struct {
	pool *pgxpool.Pool
}

// NewPlanRepository creates a new plan repository.
func NewPlanRepository(pool *pgxpool.Pool) PlanRepository {
	return &planRepo{pool: pool}
}

const planColumns = `id, slug, name, max_users, max_obras, stripe_price_monthly, stripe_price_yearly, is_active, created_at`

func scanPlan(row pgx.Row) (*models.Plan, error) {
	var p models.Plan
	err := row.Scan(
		&p.ID,
		&p.Slug,
		&p.Name,
		&p.MaxUsers,
		&p.MaxObras,
		&p.StripePriceMonthly,
		&p.StripePriceYearly,
		&p.IsActive,
		&p.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetBySlug retrieves a plan by slug, active or not.
func (r *planRepo) GetBySlug(ctx context.Context, slug string) (*models.Plan, error) {
	return scanPlan(r.pool.QueryRow(ctx, `SELECT `+planColumns+` FROM plans WHERE slug = $1`, slug))
}

// GetByID retrieves a plan by ID.
func (r *planRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Plan, error) {
	return scanPlan(r.pool.QueryRow(ctx, `SELECT `+planColumns+` FROM plans WHERE id = $1`, id))
}

// GetByPriceID performs the reverse price lookup.
func (r *planRepo) GetByPriceID(ctx context.Context, priceID string) (*models.Plan, error) {
	query := `SELECT ` + planColumns + `
		FROM plans
		WHERE is_active AND (stripe_price_monthly = $1 OR stripe_price_yearly = $1)`

	return scanPlan(r.pool.QueryRow(ctx, query, priceID))
}

// Compile-time check to ensure planRepo implements PlanRepository.
var _ PlanRepository = (*planRepo)(nil)
