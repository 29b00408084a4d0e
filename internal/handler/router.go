package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/obrafy/entitlements/internal/config"
	"github.com/obrafy/entitlements/internal/middleware"
	"github.com/obrafy/entitlements/internal/pkg/response"
	"github.com/obrafy/entitlements/internal/service"
)

// RouterConfig collects what the HTTP surface needs.
type RouterConfig struct {
	Logger        *slog.Logger
	Server        config.ServerConfig
	RateLimit     config.RateLimitConfig
	Authenticator *middleware.Authenticator
	Limiter       service.RateLimiter
	Guard         service.Guard
	Checkout      service.CheckoutService
	Reconciler    service.Reconciler
	Audit         service.AuditService
	Dependencies  []Dependency
}

// NewRouter builds the API router with the global middleware stack.
func NewRouter(cfg RouterConfig) http.Handler {
	billing := NewBillingHandler(cfg.Checkout, cfg.Reconciler)
	orgs := NewOrgHandler(cfg.Guard, cfg.Audit)

	r := chi.NewRouter()

	// Global middleware stack
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestMeta)
	r.Use(middleware.Logging(cfg.Logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Metrics())
	r.Use(middleware.CORS(cfg.Server.AllowedOrigins))

	// Health check endpoints (no auth required)
	r.Get("/health", Health())
	r.Get("/ready", Ready(cfg.Dependencies...))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.Server.RequestTimeout))

		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			response.OK(w, map[string]string{
				"name":    "Obrafy Entitlements API",
				"version": "1.0.0",
			})
		})

		// Signed by the gateway; no user credentials.
		r.With(limit(cfg, config.OpWebhook)).Post("/gateway-webhook", billing.Webhook)

		r.Group(func(r chi.Router) {
			if cfg.Authenticator != nil {
				r.Use(cfg.Authenticator.Middleware)
			}

			r.With(limit(cfg, config.OpCreateCheckoutSession)).Post("/checkout-session", billing.CreateCheckoutSession)

			r.Route("/orgs/{orgID}", func(r chi.Router) {
				r.Get("/entitlements", orgs.Entitlements)
				r.Get("/audit-logs", orgs.AuditLogs)
			})
		})
	})

	return r
}

// limit returns the rate limit middleware for op, or a pass-through when no
// rule or limiter is configured.
func limit(cfg RouterConfig, op string) func(http.Handler) http.Handler {
	rule, ok := cfg.RateLimit.Rule(op)
	if !ok || cfg.Limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return middleware.RateLimit(cfg.Limiter, op, rule)
}
