package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/obrafy/entitlements/internal/models"
	apierrors "github.com/obrafy/entitlements/internal/pkg/errors"
	"github.com/obrafy/entitlements/internal/pkg/response"
	"github.com/obrafy/entitlements/internal/service"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 100
)

// OrgHandler serves per-organization billing reads.
type OrgHandler struct {
	guard service.Guard
	audit service.AuditService
}

// NewOrgHandler creates a new organization handler.
func NewOrgHandler(guard service.Guard, audit service.AuditService) *OrgHandler {
	return &OrgHandler{guard: guard, audit: audit}
}

// Entitlements handles GET /v1/orgs/{orgID}/entitlements
func (h *OrgHandler) Entitlements(w http.ResponseWriter, r *http.Request) {
	orgID, err := orgIDParam(r)
	if err != nil {
		response.Error(w, err)
		return
	}

	access, err := h.guard.RequireTenantMember(r.Context(), orgID)
	if err != nil {
		response.Error(w, err)
		return
	}

	ent, err := h.guard.Entitlements(r.Context(), access)
	if err != nil {
		response.Error(w, err)
		return
	}

	response.OK(w, ent)
}

// AuditLogs handles GET /v1/orgs/{orgID}/audit-logs
//
// Query parameters: limit (1-100, default 50), before (RFC 3339 cursor from
// meta.next_cursor), action.
func (h *OrgHandler) AuditLogs(w http.ResponseWriter, r *http.Request) {
	orgID, err := orgIDParam(r)
	if err != nil {
		response.Error(w, err)
		return
	}

	query, err := parseAuditQuery(r)
	if err != nil {
		response.Error(w, err)
		return
	}
	query.OrgID = orgID

	if _, err := h.guard.RequireTenantRole(r.Context(), orgID, models.AuditReaders); err != nil {
		response.Error(w, err)
		return
	}

	logs, err := h.audit.Query(r.Context(), query)
	if err != nil {
		response.Error(w, err)
		return
	}
	if logs == nil {
		logs = []*models.AuditLog{}
	}

	var meta *response.Meta
	if len(logs) == query.Limit {
		meta = &response.Meta{NextCursor: logs[len(logs)-1].CreatedAt.UTC().Format(time.RFC3339Nano)}
	}
	response.JSONWithMeta(w, http.StatusOK, logs, meta)
}

func parseAuditQuery(r *http.Request) (models.AuditLogQuery, error) {
	q := models.AuditLogQuery{Limit: defaultAuditLimit}
	params := r.URL.Query()

	if raw := params.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > maxAuditLimit {
			return q, apierrors.NewValidationError("limit", "limit must be between 1 and 100")
		}
		q.Limit = limit
	}

	if raw := params.Get("before"); raw != "" {
		before, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return q, apierrors.NewValidationError("before", "before must be an RFC 3339 timestamp")
		}
		q.Before = &before
	}

	if raw := params.Get("action"); raw != "" {
		action := models.AuditAction(raw)
		q.Action = &action
	}

	return q, nil
}
