package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	apierrors "github.com/obrafy/entitlements/internal/pkg/errors"
	"github.com/obrafy/entitlements/internal/pkg/logging"
	"github.com/obrafy/entitlements/internal/pkg/response"
	"github.com/obrafy/entitlements/internal/service"
)

// maxWebhookBody bounds gateway event payloads.
const maxWebhookBody = 512 << 10

// SignatureHeader carries the gateway's payload signature.
const SignatureHeader = "Stripe-Signature"

// BillingHandler handles checkout and gateway webhook requests.
type BillingHandler struct {
	checkout   service.CheckoutService
	reconciler service.Reconciler
	validate   *validator.Validate
}

// NewBillingHandler creates a new billing handler.
func NewBillingHandler(checkout service.CheckoutService, reconciler service.Reconciler) *BillingHandler {
	return &BillingHandler{
		checkout:   checkout,
		reconciler: reconciler,
		validate:   newValidator(),
	}
}

// CreateCheckoutSession handles POST /v1/checkout-session
func (h *BillingHandler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	var req service.CheckoutRequest
	if err := decodeJSON(w, r, h.validate, &req); err != nil {
		response.Error(w, err)
		return
	}

	result, err := h.checkout.CreateSession(r.Context(), req)
	if err != nil {
		response.ErrorWithStatus(w, checkoutStatus(err), err)
		return
	}

	response.Created(w, result)
}

// checkoutStatus maps checkout failures onto the statuses the dashboard
// handles: 401, 403, 429, and 400 for everything else.
func checkoutStatus(err error) int {
	switch {
	case apierrors.HasCode(err, apierrors.CodeUnauthenticated):
		return http.StatusUnauthorized
	case apierrors.HasCode(err, apierrors.CodeForbidden):
		return http.StatusForbidden
	case apierrors.HasCode(err, apierrors.CodeRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusBadRequest
	}
}

// WebhookResponse acknowledges a gateway event.
type WebhookResponse struct {
	Received bool   `json:"received"`
	Status   string `json:"status"`
}

// Webhook handles POST /v1/gateway-webhook
func (h *BillingHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.ErrorWithStatus(w, http.StatusRequestEntityTooLarge, apierrors.ErrBadRequest.WithMessage("Payload too large"))
			return
		}
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Failed to read request body"))
		return
	}

	result, err := h.reconciler.HandleWebhook(r.Context(), payload, r.Header.Get(SignatureHeader))
	if err != nil {
		if !apierrors.HasCode(err, apierrors.CodeInvalidSignature) {
			logging.FromContext(r.Context()).Error("webhook not acknowledged",
				slog.String("error", err.Error()),
			)
		}
		response.Error(w, err)
		return
	}

	response.Raw(w, http.StatusOK, WebhookResponse{Received: true, Status: result.Outcome})
}
