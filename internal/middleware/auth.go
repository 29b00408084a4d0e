package middleware

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/sessions"

	"github.com/obrafy/entitlements/internal/config"
	"github.com/obrafy/entitlements/internal/pkg/logging"
	"github.com/obrafy/entitlements/internal/pkg/reqmeta"
)

// SessionUserIDKey is the session value holding the signed-in user id.
const SessionUserIDKey = "user_id"

// Claims are the JWT claims accepted as bearer credentials. The subject is
// the user id.
type Claims struct {
	jwt.RegisteredClaims
}

// Authenticator resolves the caller's user id from a bearer token or a
// session cookie.
type Authenticator struct {
	secret      []byte
	issuer      string
	sessions    sessions.Store
	sessionName string
}

// NewAuthenticator creates an Authenticator. A nil store disables cookie
// sessions.
func NewAuthenticator(cfg config.AuthConfig, store sessions.Store) *Authenticator {
	return &Authenticator{
		secret:      []byte(cfg.JWTSecret),
		issuer:      cfg.JWTIssuer,
		sessions:    store,
		sessionName: cfg.SessionName,
	}
}

// NewSessionStore creates the cookie store for dashboard sessions.
func NewSessionStore(cfg config.AuthConfig, secure bool) sessions.Store {
	if cfg.SessionSecret == "" {
		return nil
	}
	store := sessions.NewCookieStore([]byte(cfg.SessionSecret))
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   7 * 24 * 60 * 60, // 7 days
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
	return store
}

// IssueToken signs a token for userID. Used by tooling and tests.
func (a *Authenticator) IssueToken(userID uuid.UUID, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// ParseToken validates tokenString and returns the user id it names.
func (a *Authenticator) ParseToken(tokenString string) (uuid.UUID, error) {
	if len(a.secret) == 0 {
		return uuid.Nil, errors.New("jwt secret not configured")
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	}, opts...)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return uuid.Nil, errors.New("invalid token")
	}

	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid subject: %w", err)
	}
	return id, nil
}

// Middleware records the credential-claimed user id in the request context.
// It never rejects: requests without valid credentials continue
// unauthenticated and are refused by the guards that need an actor.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id, ok := a.resolve(r); ok {
			r = r.WithContext(reqmeta.WithUserID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

func (a *Authenticator) resolve(r *http.Request) (uuid.UUID, bool) {
	logger := logging.FromContext(r.Context())

	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		token, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok {
			return uuid.Nil, false
		}
		id, err := a.ParseToken(strings.TrimSpace(token))
		if err != nil {
			logger.Debug("bearer token rejected", slog.String("error", err.Error()))
			return uuid.Nil, false
		}
		return id, true
	}

	if a.sessions == nil {
		return uuid.Nil, false
	}
	session, err := a.sessions.Get(r, a.sessionName)
	if err != nil {
		logger.Debug("session cookie rejected", slog.String("error", err.Error()))
		return uuid.Nil, false
	}
	raw, ok := session.Values[SessionUserIDKey].(string)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
