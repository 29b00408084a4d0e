package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/obrafy/entitlements/internal/models"
)

// AuditRepository appends and reads audit entries. It has no update or
// delete path; the table trigger rejects both.
type AuditRepository interface {
	Create(ctx context.Context, log *models.AuditLog) error
	List(ctx context.Context, query models.AuditLogQuery) ([]*models.AuditLog, error)
}

type auditRepo struct {
	pool *pgxpool.Pool
}

// NewAuditRepository creates a new audit log repository.
func NewAuditRepository(pool *pgxpool.Pool) AuditRepository {
	return &auditRepo{pool: pool}
}

// Create inserts a new audit log entry.
func (r *auditRepo) Create(ctx context.Context, log *models.AuditLog) error {
	query := `
		INSERT INTO audit_logs (id, org_id, actor_id, actor_type, action, entity_type, entity_id, metadata, request_id, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11)
		RETURNING created_at`

	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	metadata := log.Metadata
	if len(metadata) == 0 {
		metadata = []byte("{}")
	}

	return r.pool.QueryRow(ctx, query,
		log.ID,
		log.OrgID,
		log.ActorID,
		string(log.ActorType),
		string(log.Action),
		string(log.EntityType),
		log.EntityID,
		metadata,
		log.RequestID,
		log.IPAddress,
		log.UserAgent,
	).Scan(&log.CreatedAt)
}

// List retrieves an org's audit logs, newest first.
func (r *auditRepo) List(ctx context.Context, q models.AuditLogQuery) ([]*models.AuditLog, error) {
	query := `
		SELECT id, org_id, actor_id, actor_type, action, entity_type, entity_id, metadata,
		       COALESCE(request_id, ''), ip_address, user_agent, created_at
		FROM audit_logs
		WHERE org_id = $1`

	args := []any{q.OrgID}

	if q.Action != nil {
		args = append(args, string(*q.Action))
		query += fmt.Sprintf(` AND action = $%d`, len(args))
	}
	if q.Before != nil {
		args = append(args, *q.Before)
		query += fmt.Sprintf(` AND created_at < $%d`, len(args))
	}

	limit := q.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*models.AuditLog
	for rows.Next() {
		var log models.AuditLog
		if err := rows.Scan(
			&log.ID,
			&log.OrgID,
			&log.ActorID,
			&log.ActorType,
			&log.Action,
			&log.EntityType,
			&log.EntityID,
			&log.Metadata,
			&log.RequestID,
			&log.IPAddress,
			&log.UserAgent,
			&log.CreatedAt,
		); err != nil {
			return nil, err
		}
		logs = append(logs, &log)
	}
	return logs, rows.Err()
}

// Compile-time check to ensure auditRepo implements AuditRepository.
var _ AuditRepository = (*auditRepo)(nil)
