package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/obrafy/entitlements/internal/models"
	apierrors "github.com/obrafy/entitlements/internal/pkg/errors"
	"github.com/obrafy/entitlements/internal/pkg/logging"
	"github.com/obrafy/entitlements/internal/pkg/reqmeta"
	"github.com/obrafy/entitlements/internal/repository"
)

// AuditEntry is one privileged action to record.
type AuditEntry struct {
	OrgID      *uuid.UUID
	ActorID    *uuid.UUID
	ActorType  models.ActorType
	Action     models.AuditAction
	EntityType models.EntityType
	EntityID   string
	Metadata   map[string]any
}

// AuditService appends audit entries and reads them back.
type AuditService interface {
	// Log appends an entry. Request id, client IP and user agent are taken
	// from ctx; metadata is redacted before it is stored.
	Log(ctx context.Context, entry AuditEntry) error
	Query(ctx context.Context, query models.AuditLogQuery) ([]*models.AuditLog, error)
}

type auditService struct {
	auditRepo repository.AuditRepository
	redactor  *logging.Redactor
}

// NewAuditService creates a new audit service.
func NewAuditService(auditRepo repository.AuditRepository, redactor *logging.Redactor) AuditService {
	if redactor == nil {
		redactor = logging.NewRedactor()
	}
	return &auditService{auditRepo: auditRepo, redactor: redactor}
}

func (s *auditService) Log(ctx context.Context, entry AuditEntry) error {
	meta := reqmeta.From(ctx)

	actorType := entry.ActorType
	if actorType == "" {
		actorType = models.ActorTypeSystem
		if entry.ActorID != nil {
			actorType = models.ActorTypeUser
		}
	}

	log := &models.AuditLog{
		OrgID:      entry.OrgID,
		ActorID:    entry.ActorID,
		ActorType:  actorType,
		Action:     entry.Action,
		EntityType: entry.EntityType,
		EntityID:   entry.EntityID,
		RequestID:  meta.RequestID,
		IPAddress:  optionalString(meta.ClientIP),
		UserAgent:  optionalString(meta.UserAgent),
	}

	if len(entry.Metadata) > 0 {
		b, err := json.Marshal(s.redactor.RedactMap(entry.Metadata))
		if err != nil {
			return fmt.Errorf("marshal audit metadata: %w", err)
		}
		log.Metadata = b
	}

	if err := s.auditRepo.Create(ctx, log); err != nil {
		return apierrors.NewPersistenceError("insert audit log", err)
	}

	logging.FromContext(ctx).Debug("audit entry written",
		slog.String("action", string(entry.Action)),
		slog.String("entity_id", entry.EntityID),
	)
	return nil
}

func (s *auditService) Query(ctx context.Context, query models.AuditLogQuery) ([]*models.AuditLog, error) {
	logs, err := s.auditRepo.List(ctx, query)
	if err != nil {
		return nil, apierrors.NewPersistenceError("list audit logs", err)
	}
	return logs, nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Compile-time check to ensure auditService implements AuditService.
var _ AuditService = (*auditService)(nil)
