package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// CounterRepository stores fixed-window rate limit counters.
type CounterRepository interface {
	// Increment atomically adds one to the counter for (key, windowStart)
	// and returns the post-increment count.
	Increment(ctx context.Context, key string, windowStart, resetAt time.Time) (int64, error)
	// DeleteExpired removes counters whose window ended before cutoff.
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

type counterRepo struct {
	pool *pgxpool.Pool
}

// NewCounterRepository creates a new rate limit counter repository.
func NewCounterRepository(pool *pgxpool.Pool) CounterRepository {
	return &counterRepo{pool: pool}
}

// Increment uses INSERT ... ON CONFLICT so concurrent callers serialize on
// the row and each observes a distinct count.
func (r *counterRepo) Increment(ctx context.Context, key string, windowStart, resetAt time.Time) (int64, error) {
	query := `
		INSERT INTO rate_limit_counters (key, window_start, count, reset_at)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (key, window_start)
		DO UPDATE SET count = rate_limit_counters.count + 1
		RETURNING count`

	var count int64
	err := r.pool.QueryRow(ctx, query, key, windowStart.UTC(), resetAt.UTC()).Scan(&count)
	return count, err
}

func (r *counterRepo) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM rate_limit_counters WHERE reset_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// Compile-time check to ensure counterRepo implements CounterRepository.
var _ CounterRepository = (*counterRepo)(nil)
