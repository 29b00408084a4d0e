package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/obrafy/entitlements/internal/models"
)

// ErrEventNotPending is returned by Finalize when the event is not pending.
var ErrEventNotPending = errors.New("processed event is not pending")

// EventRepository is the idempotency gate for gateway events.
type EventRepository interface {
	// Claim inserts a pending record for eventID, or takes over a pending
	// record whose lease has expired. A record that is processed, or pending
	// under a live lease, is reported without being changed.
	Claim(ctx context.Context, eventID, eventType string, payload json.RawMessage, lease time.Duration) (models.ClaimState, error)
	// Finalize moves a pending record to processed, storing errMsg if set.
	Finalize(ctx context.Context, eventID string, errMsg *string) error
	Get(ctx context.Context, eventID string) (*models.ProcessedEvent, error)
	// ListFailed returns processed events that recorded an error, newest first.
	ListFailed(ctx context.Context, limit int) ([]*models.ProcessedEvent, error)
}

type eventRepo struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewEventRepository creates a new processed event repository.
func NewEventRepository(pool *pgxpool.Pool) EventRepository {
	return &eventRepo{pool: pool, now: time.Now}
}

func (r *eventRepo) Claim(ctx context.Context, eventID, eventType string, payload json.RawMessage, lease time.Duration) (models.ClaimState, error) {
	now := r.now().UTC()

	query := `
		INSERT INTO processed_events (event_id, event_type, payload, claimed_until)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id) DO UPDATE SET
			claimed_until = EXCLUDED.claimed_until,
			attempts = processed_events.attempts + 1
		WHERE processed_events.processed = false
			AND processed_events.claimed_until < $5
		RETURNING attempts`

	var attempts int
	err := r.pool.QueryRow(ctx, query, eventID, eventType, payload, now.Add(lease), now).Scan(&attempts)
	if err == nil {
		return models.ClaimAcquired, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, err
	}

	var processed bool
	err = r.pool.QueryRow(ctx, `SELECT processed FROM processed_events WHERE event_id = $1`, eventID).Scan(&processed)
	if err != nil {
		return 0, err
	}
	if processed {
		return models.ClaimAlreadyProcessed, nil
	}
	return models.ClaimInFlight, nil
}

func (r *eventRepo) Finalize(ctx context.Context, eventID string, errMsg *string) error {
	query := `
		UPDATE processed_events
		SET processed = true, error = $2, processed_at = NOW()
		WHERE event_id = $1 AND processed = false`

	result, err := r.pool.Exec(ctx, query, eventID, errMsg)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrEventNotPending
	}
	return nil
}

const eventColumns = `id, event_id, event_type, payload, processed, error, attempts, claimed_until, created_at, processed_at`

func scanEvent(row pgx.Row) (*models.ProcessedEvent, error) {
	var e models.ProcessedEvent
	err := row.Scan(
		&e.ID,
		&e.EventID,
		&e.EventType,
		&e.Payload,
		&e.Processed,
		&e.Error,
		&e.Attempts,
		&e.ClaimedUntil,
		&e.CreatedAt,
		&e.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *eventRepo) Get(ctx context.Context, eventID string) (*models.ProcessedEvent, error) {
	e, err := scanEvent(r.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM processed_events WHERE event_id = $1`, eventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (r *eventRepo) ListFailed(ctx context.Context, limit int) ([]*models.ProcessedEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	query := `SELECT ` + eventColumns + `
		FROM processed_events
		WHERE processed AND error IS NOT NULL
		ORDER BY processed_at DESC
		LIMIT $1`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*models.ProcessedEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Compile-time check to ensure eventRepo implements EventRepository.
var _ EventRepository = (*eventRepo)(nil)
