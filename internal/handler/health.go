package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/obrafy/entitlements/internal/pkg/logging"
	"github.com/obrafy/entitlements/internal/pkg/response"
)

// Pinger is a dependency that can report its reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependency names a Pinger checked by the readiness probe.
type Dependency struct {
	Name   string
	Pinger Pinger
}

// Health returns a liveness check that succeeds while the process serves.
func Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response.Raw(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// Ready returns a readiness check that pings every dependency.
func Ready(deps ...Dependency) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		body := map[string]string{"status": "ok"}
		for _, dep := range deps {
			if err := dep.Pinger.Ping(ctx); err != nil {
				logging.FromContext(r.Context()).Warn("readiness check failed",
					slog.String("component", dep.Name),
					slog.String("error", err.Error()),
				)
				response.Raw(w, http.StatusServiceUnavailable, map[string]string{
					"status":    "error",
					"component": dep.Name,
				})
				return
			}
			body[dep.Name] = "connected"
		}
		response.Raw(w, http.StatusOK, body)
	}
}
