package middleware

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/obrafy/entitlements/internal/config"
	apierrors "github.com/obrafy/entitlements/internal/pkg/errors"
	"github.com/obrafy/entitlements/internal/pkg/logging"
	"github.com/obrafy/entitlements/internal/pkg/reqmeta"
	"github.com/obrafy/entitlements/internal/pkg/response"
	"github.com/obrafy/entitlements/internal/service"
)

// RateLimit returns a middleware that admits at most rule.MaxRequests calls
// per window for each principal on op. Authenticated callers are keyed by
// user id, everyone else by client IP.
func RateLimit(limiter service.RateLimiter, op string, rule config.Rule) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := service.RateLimitKey(principal(r), op)

			decision, err := limiter.Allow(r.Context(), key, rule.Window, rule.MaxRequests)
			if err != nil && !apierrors.HasCode(err, apierrors.CodeRateLimited) {
				// Invalid rule; admit.
				logging.FromContext(r.Context()).Error("rate limit check failed",
					slog.String("op", op),
					slog.String("error", err.Error()),
				)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))

			if err != nil {
				var apiErr *apierrors.APIError
				if errors.As(err, &apiErr) && apiErr.ResetAt != nil {
					w.Header().Set("Retry-After", strconv.Itoa(retryAfter(*apiErr.ResetAt)))
				}
				service.RecordRateLimitRejection(op)
				response.Error(w, err)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func retryAfter(resetAt time.Time) int {
	secs := int(time.Until(resetAt).Round(time.Second) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// principal names the caller for rate limiting.
func principal(r *http.Request) string {
	if id, ok := reqmeta.UserID(r.Context()); ok {
		return "user:" + id.String()
	}
	return "ip:" + clientIP(r)
}

// clientIP returns the client address without its port. chi's RealIP has
// already applied X-Forwarded-For / X-Real-IP to RemoteAddr.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
