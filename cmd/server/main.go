// Package main is the entry point for the entitlements API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/obrafy/entitlements/internal/config"
	"github.com/obrafy/entitlements/internal/database"
	"github.com/obrafy/entitlements/internal/gateway"
	"github.com/obrafy/entitlements/internal/handler"
	"github.com/obrafy/entitlements/internal/middleware"
	"github.com/obrafy/entitlements/internal/pkg/logging"
	"github.com/obrafy/entitlements/internal/repository"
	"github.com/obrafy/entitlements/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	// Setup structured logger
	logger := logging.New(os.Stdout, logging.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		RedactKeys: cfg.Log.RedactKeys,
	})
	slog.SetDefault(logger)

	logger.Info("Starting entitlements API",
		slog.String("environment", cfg.Server.Environment),
		slog.Int("port", cfg.Server.Port),
		slog.String("ratelimit_backend", cfg.RateLimit.Backend),
	)

	ctx := context.Background()

	// Run migrations
	if err := database.RunMigrations(cfg.Database); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	logger.Info("Database migrations completed")

	// Connect to PostgreSQL
	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	logger.Info("Connected to PostgreSQL")

	deps := []handler.Dependency{{Name: "database", Pinger: db}}

	// Repositories
	pool := db.Pool()
	users := repository.NewUserRepository(pool)
	orgs := repository.NewOrgRepository(pool)
	plans := repository.NewPlanRepository(pool)
	subs := repository.NewSubscriptionRepository(pool)
	events := repository.NewEventRepository(pool)
	auditRepo := repository.NewAuditRepository(pool)

	// Rate limit counters
	var counters service.CounterStore
	switch cfg.RateLimit.Backend {
	case "redis":
		redis, err := database.NewRedis(ctx, cfg.Redis)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redis.Close()
		logger.Info("Connected to Redis")
		counters = service.NewRedisCounterStore(redis)
		deps = append(deps, handler.Dependency{Name: "redis", Pinger: redis})
	default:
		counters = service.NewPostgresCounterStore(repository.NewCounterRepository(pool))
	}

	// Services
	gw := gateway.NewStripe(cfg.Stripe, logger)
	audit := service.NewAuditService(auditRepo, logging.NewRedactor(cfg.Log.RedactKeys...))
	guard := service.NewGuard(users, orgs, plans, subs, cfg.Billing.FreePlanSlug)
	checkout := service.NewCheckoutService(guard, orgs, users, plans, gw, audit, cfg.Stripe)
	reconciler := service.NewReconciler(gw, events, subs, plans, orgs, audit, cfg.Billing)

	sessions := middleware.NewSessionStore(cfg.Auth, !cfg.Server.IsDev())

	router := handler.NewRouter(handler.RouterConfig{
		Logger:        logger,
		Server:        cfg.Server,
		RateLimit:     cfg.RateLimit,
		Authenticator: middleware.NewAuthenticator(cfg.Auth, sessions),
		Limiter:       service.NewRateLimiter(counters),
		Guard:         guard,
		Checkout:      checkout,
		Reconciler:    reconciler,
		Audit:         audit,
		Dependencies:  deps,
	})

	// Create server
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  time.Minute,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("Shutting down server", slog.String("signal", sig.String()))

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server shutdown error: %v", err)
	}

	logger.Info("Server stopped gracefully")
}
