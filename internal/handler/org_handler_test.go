package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/obrafy/entitlements/internal/models"
	apierrors "github.com/obrafy/entitlements/internal/pkg/errors"
	"github.com/obrafy/entitlements/internal/service"
)

// MockGuard is a mock implementation of service.Guard.
type MockGuard struct {
	mock.Mock
}

func (m *MockGuard) RequireAuthenticated(ctx context.Context) (service.Actor, error) {
	args := m.Called(ctx)
	return args.Get(0).(service.Actor), args.Error(1)
}

func (m *MockGuard) RequireTenantMember(ctx context.Context, tenantID uuid.UUID) (service.TenantAccess, error) {
	args := m.Called(ctx, tenantID)
	return args.Get(0).(service.TenantAccess), args.Error(1)
}

func (m *MockGuard) RequireTenantRole(ctx context.Context, tenantID uuid.UUID, allowed []models.Role) (service.TenantAccess, error) {
	args := m.Called(ctx, tenantID, allowed)
	return args.Get(0).(service.TenantAccess), args.Error(1)
}

func (m *MockGuard) RequirePlanHeadroom(ctx context.Context, tenantID uuid.UUID, kind models.LimitKind) (service.Headroom, error) {
	args := m.Called(ctx, tenantID, kind)
	return args.Get(0).(service.Headroom), args.Error(1)
}

func (m *MockGuard) Entitlements(ctx context.Context, access service.TenantAccess) (*service.Entitlements, error) {
	args := m.Called(ctx, access)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.Entitlements), args.Error(1)
}

// MockAuditService is a mock implementation of service.AuditService.
type MockAuditService struct {
	mock.Mock
}

func (m *MockAuditService) Log(ctx context.Context, entry service.AuditEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *MockAuditService) Query(ctx context.Context, query models.AuditLogQuery) ([]*models.AuditLog, error) {
	args := m.Called(ctx, query)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.AuditLog), args.Error(1)
}

// serveOrgRoute routes req through chi so {orgID} resolves.
func serveOrgRoute(h *OrgHandler, req *http.Request) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	r.Get("/v1/orgs/{orgID}/entitlements", h.Entitlements)
	r.Get("/v1/orgs/{orgID}/audit-logs", h.AuditLogs)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestOrgHandler_Entitlements(t *testing.T) {
	orgID := uuid.New()
	pro := 50

	guard := new(MockGuard)
	guard.On("RequireTenantMember", mock.Anything, orgID).Return(service.TenantAccess{}, nil)
	guard.On("Entitlements", mock.Anything, service.TenantAccess{}).Return(&service.Entitlements{
		OrgID:              orgID,
		PlanSlug:           "pro",
		SubscriptionStatus: models.SubscriptionActive,
		Limits:             map[models.LimitKind]*int{models.LimitMaxUsers: nil, models.LimitMaxObras: &pro},
		Usage:              map[models.LimitKind]int{models.LimitMaxUsers: 3, models.LimitMaxObras: 7},
	}, nil)

	rec := serveOrgRoute(NewOrgHandler(guard, new(MockAuditService)),
		httptest.NewRequest(http.MethodGet, "/v1/orgs/"+orgID.String()+"/entitlements", nil))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Data struct {
			Plan   string          `json:"plan"`
			Status string          `json:"subscription_status"`
			Limits map[string]*int `json:"limits"`
			Usage  map[string]int  `json:"usage"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "pro", resp.Data.Plan)
	assert.Equal(t, "active", resp.Data.Status)
	assert.Nil(t, resp.Data.Limits[string(models.LimitMaxUsers)])
	require.NotNil(t, resp.Data.Limits[string(models.LimitMaxObras)])
	assert.Equal(t, 50, *resp.Data.Limits[string(models.LimitMaxObras)])
	assert.Equal(t, 7, resp.Data.Usage[string(models.LimitMaxObras)])
	guard.AssertExpectations(t)
}

func TestOrgHandler_Entitlements_Denied(t *testing.T) {
	orgID := uuid.New()

	tests := []struct {
		name           string
		path           string
		err            error
		expectedStatus int
	}{
		{name: "invalid org id", path: "/v1/orgs/not-a-uuid/entitlements", expectedStatus: http.StatusBadRequest},
		{name: "unauthenticated", path: "/v1/orgs/" + orgID.String() + "/entitlements", err: apierrors.ErrUnauthenticated, expectedStatus: http.StatusUnauthorized},
		{name: "not a member", path: "/v1/orgs/" + orgID.String() + "/entitlements", err: apierrors.ErrNotMember, expectedStatus: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			guard := new(MockGuard)
			guard.On("RequireTenantMember", mock.Anything, orgID).Return(service.TenantAccess{}, tt.err)

			rec := serveOrgRoute(NewOrgHandler(guard, new(MockAuditService)), httptest.NewRequest(http.MethodGet, tt.path, nil))

			assert.Equal(t, tt.expectedStatus, rec.Code)
			guard.AssertNotCalled(t, "Entitlements", mock.Anything, mock.Anything)
		})
	}
}

func TestOrgHandler_AuditLogs(t *testing.T) {
	orgID := uuid.New()
	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

	logs := []*models.AuditLog{
		{ID: uuid.New(), OrgID: &orgID, Action: models.AuditActionSubscriptionUpdated, ActorType: models.ActorTypeSystem, CreatedAt: now},
		{ID: uuid.New(), OrgID: &orgID, Action: models.AuditActionCheckoutCreated, ActorType: models.ActorTypeUser, CreatedAt: now.Add(-time.Hour)},
	}

	guard := new(MockGuard)
	guard.On("RequireTenantRole", mock.Anything, orgID, models.AuditReaders).Return(service.TenantAccess{}, nil)

	audit := new(MockAuditService)
	audit.On("Query", mock.Anything, mock.MatchedBy(func(q models.AuditLogQuery) bool {
		return q.OrgID == orgID && q.Limit == 2 && q.Before == nil && q.Action == nil
	})).Return(logs, nil)

	rec := serveOrgRoute(NewOrgHandler(guard, audit),
		httptest.NewRequest(http.MethodGet, "/v1/orgs/"+orgID.String()+"/audit-logs?limit=2", nil))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Data []models.AuditLog `json:"data"`
		Meta struct {
			NextCursor string `json:"next_cursor"`
		} `json:"meta"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Data, 2)
	assert.Equal(t, models.AuditActionSubscriptionUpdated, resp.Data[0].Action)
	assert.Equal(t, now.Add(-time.Hour).Format(time.RFC3339Nano), resp.Meta.NextCursor)
	audit.AssertExpectations(t)
}

func TestOrgHandler_AuditLogs_Filters(t *testing.T) {
	orgID := uuid.New()
	before := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

	guard := new(MockGuard)
	guard.On("RequireTenantRole", mock.Anything, orgID, models.AuditReaders).Return(service.TenantAccess{}, nil)

	audit := new(MockAuditService)
	audit.On("Query", mock.Anything, mock.MatchedBy(func(q models.AuditLogQuery) bool {
		return q.Limit == defaultAuditLimit &&
			q.Before != nil && q.Before.Equal(before) &&
			q.Action != nil && *q.Action == models.AuditActionPaymentFailed
	})).Return(nil, nil)

	path := "/v1/orgs/" + orgID.String() + "/audit-logs?before=" + before.Format(time.RFC3339) + "&action=billing.payment_failed"
	rec := serveOrgRoute(NewOrgHandler(guard, audit), httptest.NewRequest(http.MethodGet, path, nil))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Data []models.AuditLog `json:"data"`
		Meta *struct{}         `json:"meta"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Empty(t, resp.Data)
	assert.Nil(t, resp.Meta)
	audit.AssertExpectations(t)
}

func TestOrgHandler_AuditLogs_Rejected(t *testing.T) {
	orgID := uuid.New()
	base := "/v1/orgs/" + orgID.String() + "/audit-logs"

	tests := []struct {
		name           string
		query          string
		guardErr       error
		expectedStatus int
	}{
		{name: "limit too large", query: "?limit=500", expectedStatus: http.StatusBadRequest},
		{name: "limit zero", query: "?limit=0", expectedStatus: http.StatusBadRequest},
		{name: "bad cursor", query: "?before=yesterday", expectedStatus: http.StatusBadRequest},
		{name: "member role", guardErr: apierrors.ErrRoleNotPermitted, expectedStatus: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			guard := new(MockGuard)
			guard.On("RequireTenantRole", mock.Anything, orgID, models.AuditReaders).Return(service.TenantAccess{}, tt.guardErr)
			audit := new(MockAuditService)

			rec := serveOrgRoute(NewOrgHandler(guard, audit), httptest.NewRequest(http.MethodGet, base+tt.query, nil))

			assert.Equal(t, tt.expectedStatus, rec.Code)
			audit.AssertNotCalled(t, "Query", mock.Anything, mock.Anything)
		})
	}
}
