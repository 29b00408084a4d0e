package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obrafy/entitlements/internal/models"
	apierrors "github.com/obrafy/entitlements/internal/pkg/errors"
)

func TestCheckoutService_CreateSession(t *testing.T) {
	h := newHarness(t)
	owner := h.store.addUser("owner@example.com")
	org := h.store.addOrg(owner)
	pro := h.store.addPlan("pro", intPtr(10), intPtr(50), "price_pro_m", "price_pro_y")

	res, err := h.checkout.CreateSession(as(owner), CheckoutRequest{
		OrgID:        &org.ID,
		PlanSlug:     "pro",
		BillingCycle: models.BillingCycleYearly,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.SessionID)
	assert.Contains(t, res.RedirectURL, res.SessionID)

	require.Len(t, h.gateway.sessions, 1)
	req := h.gateway.sessions[0]
	assert.Equal(t, "price_pro_y", req.PriceID)
	assert.Equal(t, org.ID.String(), req.ClientReferenceID)
	assert.Equal(t, org.ID.String(), req.Metadata[MetaTenantID])
	assert.Equal(t, pro.ID.String(), req.Metadata[MetaPlanID])
	assert.Equal(t, owner.ID.String(), req.Metadata[MetaActorID])
	assert.NotEmpty(t, req.Metadata[MetaRequestID])
	assert.Equal(t, req.Metadata[MetaRequestID], req.IdempotencyKey)
	assert.Equal(t, "https://app.obrafy.test/billing/success", req.SuccessURL)
	assert.NotEmpty(t, req.CustomerID)

	logs := h.store.auditLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, models.AuditActionCheckoutCreated, logs[0].Action)
	assert.Equal(t, res.SessionID, logs[0].EntityID)
	assert.Equal(t, owner.ID, *logs[0].ActorID)
	assert.Equal(t, "req_test", logs[0].RequestID)
}

func TestCheckoutService_DefaultsToPrimaryOrg(t *testing.T) {
	h := newHarness(t)
	owner := h.store.addUser("owner@example.com")
	h.store.addOrg(owner)
	h.store.addPlan("pro", nil, nil, "price_pro_m", "")

	_, err := h.checkout.CreateSession(as(owner), CheckoutRequest{PlanSlug: "pro", BillingCycle: models.BillingCycleMonthly})
	require.NoError(t, err)
	require.Len(t, h.gateway.sessions, 1)
	assert.Equal(t, "price_pro_m", h.gateway.sessions[0].PriceID)
}

func TestCheckoutService_ReusesCustomer(t *testing.T) {
	h := newHarness(t)
	owner := h.store.addUser("owner@example.com")
	org := h.store.addOrg(owner)
	h.store.addPlan("pro", nil, nil, "price_pro_m", "")

	req := CheckoutRequest{OrgID: &org.ID, PlanSlug: "pro", BillingCycle: models.BillingCycleMonthly}
	_, err := h.checkout.CreateSession(as(owner), req)
	require.NoError(t, err)
	_, err = h.checkout.CreateSession(as(owner), req)
	require.NoError(t, err)

	assert.Equal(t, 1, h.gateway.customers)
	require.Len(t, h.gateway.sessions, 2)
	assert.Equal(t, h.gateway.sessions[0].CustomerID, h.gateway.sessions[1].CustomerID)
	assert.NotEqual(t, h.gateway.sessions[0].IdempotencyKey, h.gateway.sessions[1].IdempotencyKey)
}

func TestCheckoutService_Denials(t *testing.T) {
	h := newHarness(t)
	owner := h.store.addUser("owner@example.com")
	viewer := h.store.addUser("viewer@example.com")
	outsider := h.store.addUser("outsider@example.com")
	org := h.store.addOrg(owner)
	h.store.addMember(org, viewer, models.RoleViewer)
	h.store.addPlan("pro", nil, nil, "price_pro_m", "")
	retired := h.store.addPlan("legacy", nil, nil, "price_legacy_m", "")
	retired.IsActive = false

	tests := []struct {
		name    string
		ctx     context.Context
		req     CheckoutRequest
		wantErr *apierrors.APIError
	}{
		{
			name:    "unauthenticated",
			ctx:     context.Background(),
			req:     CheckoutRequest{OrgID: &org.ID, PlanSlug: "pro", BillingCycle: models.BillingCycleMonthly},
			wantErr: apierrors.ErrUnauthenticated,
		},
		{
			name:    "viewer",
			ctx:     as(viewer),
			req:     CheckoutRequest{OrgID: &org.ID, PlanSlug: "pro", BillingCycle: models.BillingCycleMonthly},
			wantErr: apierrors.ErrForbidden,
		},
		{
			name:    "outsider",
			ctx:     as(outsider),
			req:     CheckoutRequest{OrgID: &org.ID, PlanSlug: "pro", BillingCycle: models.BillingCycleMonthly},
			wantErr: apierrors.ErrForbidden,
		},
		{
			name:    "outsider without org",
			ctx:     as(outsider),
			req:     CheckoutRequest{PlanSlug: "pro", BillingCycle: models.BillingCycleMonthly},
			wantErr: apierrors.ErrNotFound,
		},
		{
			name:    "unknown plan",
			ctx:     as(owner),
			req:     CheckoutRequest{OrgID: &org.ID, PlanSlug: "platinum", BillingCycle: models.BillingCycleMonthly},
			wantErr: apierrors.ErrNotFound,
		},
		{
			name:    "inactive plan",
			ctx:     as(owner),
			req:     CheckoutRequest{OrgID: &org.ID, PlanSlug: "legacy", BillingCycle: models.BillingCycleMonthly},
			wantErr: apierrors.ErrNotFound,
		},
		{
			name:    "price not configured for cycle",
			ctx:     as(owner),
			req:     CheckoutRequest{OrgID: &org.ID, PlanSlug: "pro", BillingCycle: models.BillingCycleYearly},
			wantErr: apierrors.ErrNotFound,
		},
		{
			name:    "bad cycle",
			ctx:     as(owner),
			req:     CheckoutRequest{OrgID: &org.ID, PlanSlug: "pro", BillingCycle: "weekly"},
			wantErr: apierrors.NewValidationError("billing_cycle", ""),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.checkout.CreateSession(tt.ctx, tt.req)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}

	assert.Empty(t, h.gateway.sessions)
	assert.Empty(t, h.store.auditLogs())
}

func TestCheckoutService_AuditFailureStillReturnsSession(t *testing.T) {
	h := newHarness(t)
	owner := h.store.addUser("owner@example.com")
	org := h.store.addOrg(owner)
	h.store.addPlan("pro", nil, nil, "price_pro_m", "")
	h.store.failNext("audit.create", errors.New("insert failed"))

	res, err := h.checkout.CreateSession(as(owner), CheckoutRequest{
		OrgID:        &org.ID,
		PlanSlug:     "pro",
		BillingCycle: models.BillingCycleMonthly,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.SessionID)
}

func TestCheckoutService_CustomerRace(t *testing.T) {
	h := newHarness(t)
	owner := h.store.addUser("owner@example.com")
	org := h.store.addOrg(owner)
	h.store.addPlan("pro", nil, nil, "price_pro_m", "")

	ctx := as(owner)
	actor, err := h.guard.RequireAuthenticated(ctx)
	require.NoError(t, err)

	// Another request stores its customer after this actor was loaded.
	_, err = fakeUsers{h.store}.SetStripeCustomerID(context.Background(), owner.ID, "cus_winner")
	require.NoError(t, err)

	svc := h.checkout.(*checkoutService)
	id, err := svc.resolveCustomer(ctx, actor)
	require.NoError(t, err)
	assert.Equal(t, "cus_winner", id)

	_, err = h.checkout.CreateSession(ctx, CheckoutRequest{OrgID: &org.ID, PlanSlug: "pro", BillingCycle: models.BillingCycleMonthly})
	require.NoError(t, err)
	assert.Equal(t, "cus_winner", h.gateway.sessions[0].CustomerID)
}
