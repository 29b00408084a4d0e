package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/obrafy/entitlements/internal/database"
	"github.com/obrafy/entitlements/internal/metrics"
	apierrors "github.com/obrafy/entitlements/internal/pkg/errors"
	"github.com/obrafy/entitlements/internal/pkg/logging"
	"github.com/obrafy/entitlements/internal/repository"
)

// CounterStore atomically increments a fixed-window counter and returns the
// post-increment value.
type CounterStore interface {
	Incr(ctx context.Context, key string, windowStart, resetAt time.Time) (int64, error)
}

// RedisCounterStore keeps counters in Redis, one key per window.
type RedisCounterStore struct {
	redis *database.Redis
}

// NewRedisCounterStore creates a Redis-backed counter store.
func NewRedisCounterStore(r *database.Redis) *RedisCounterStore {
	return &RedisCounterStore{redis: r}
}

// Incr increments the counter and expires the key when its window resets.
func (s *RedisCounterStore) Incr(ctx context.Context, key string, windowStart, resetAt time.Time) (int64, error) {
	return s.redis.IncrWithExpireAt(ctx, fmt.Sprintf("ratelimit:%s:%d", key, windowStart.Unix()), resetAt)
}

// PostgresCounterStore keeps counters in the rate_limit_counters table.
type PostgresCounterStore struct {
	repo repository.CounterRepository
}

// NewPostgresCounterStore creates a Postgres-backed counter store.
func NewPostgresCounterStore(repo repository.CounterRepository) *PostgresCounterStore {
	return &PostgresCounterStore{repo: repo}
}

// Incr increments the counter row for the window.
func (s *PostgresCounterStore) Incr(ctx context.Context, key string, windowStart, resetAt time.Time) (int64, error) {
	return s.repo.Increment(ctx, key, windowStart, resetAt)
}

// RateDecision describes the window state after a call to Allow.
type RateDecision struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RateLimiter admits at most max calls per key in each fixed window.
type RateLimiter interface {
	// Allow counts one call for key. Over the limit it returns the decision
	// and a rate_limited error carrying the reset time.
	Allow(ctx context.Context, key string, window time.Duration, max int) (RateDecision, error)
}

type rateLimiter struct {
	store CounterStore
	now   func() time.Time
}

// NewRateLimiter creates a fixed-window rate limiter over store.
func NewRateLimiter(store CounterStore) RateLimiter {
	return &rateLimiter{store: store, now: time.Now}
}

// RateLimitKey builds the limiter key for a principal and operation, e.g.
// "user:123|op:create-checkout-session".
func RateLimitKey(principal, op string) string {
	return principal + "|op:" + op
}

func (l *rateLimiter) Allow(ctx context.Context, key string, window time.Duration, max int) (RateDecision, error) {
	if window <= 0 || max <= 0 {
		return RateDecision{}, fmt.Errorf("invalid rate limit rule: window=%s max=%d", window, max)
	}

	now := l.now()
	index := now.UnixNano() / int64(window)
	windowStart := time.Unix(0, index*int64(window)).UTC()
	resetAt := windowStart.Add(window)

	decision := RateDecision{Limit: max, Remaining: max, ResetAt: resetAt}

	count, err := l.store.Incr(ctx, key, windowStart, resetAt)
	if err != nil {
		// Fail open.
		logging.FromContext(ctx).Warn("rate limit store unavailable, admitting request",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return decision, nil
	}

	remaining := max - int(count)
	if remaining < 0 {
		remaining = 0
	}
	decision.Remaining = remaining

	if int(count) > max {
		return decision, apierrors.NewRateLimitError(resetAt)
	}
	return decision, nil
}

// RecordRateLimitRejection counts a rejected call for op.
func RecordRateLimitRejection(op string) {
	metrics.RateLimitRejectionsTotal.WithLabelValues(op).Inc()
}

// Compile-time checks.
var (
	_ RateLimiter  = (*rateLimiter)(nil)
	_ CounterStore = (*RedisCounterStore)(nil)
	_ CounterStore = (*PostgresCounterStore)(nil)
)
