package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/obrafy/entitlements/internal/models"
)

// UserRepository defines the interface for user operations.
type UserRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	// SetStripeCustomerID stores the customer id only if none is set yet and
	// reports whether this call stored it.
	SetStripeCustomerID(ctx context.Context, userID uuid.UUID, customerID string) (bool, error)
}

type userRepo struct {
	pool *pgxpool.Pool
}

// NewUserRepository creates a new user repository.
func NewUserRepository(pool *pgxpool.Pool) UserRepository {
	return &userRepo{pool: pool}
}

// GetByID retrieves a user by ID.
func (r *userRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	query := `
		SELECT id, email, name, stripe_customer_id, created_at, updated_at
		FROM users WHERE id = $1`

	var u models.User
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&u.ID,
		&u.Email,
		&u.Name,
		&u.StripeCustomerID,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// SetStripeCustomerID stores the gateway customer id for the user.
func (r *userRepo) SetStripeCustomerID(ctx context.Context, userID uuid.UUID, customerID string) (bool, error) {
	query := `
		UPDATE users SET stripe_customer_id = $2, updated_at = NOW()
		WHERE id = $1 AND stripe_customer_id IS NULL`

	result, err := r.pool.Exec(ctx, query, userID, customerID)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

// Compile-time check to ensure userRepo implements UserRepository.
var _ UserRepository = (*userRepo)(nil)
