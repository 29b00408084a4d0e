// Package reqmeta carries request correlation values and the resolved
// caller through a context.
package reqmeta

import (
	"context"

	"github.com/google/uuid"
)

type contextKey int

const (
	metaKey contextKey = iota
	userIDKey
)

// Meta describes the inbound request that started a unit of work.
type Meta struct {
	RequestID string
	ClientIP  string
	UserAgent string
}

// With returns a copy of ctx carrying m.
func With(ctx context.Context, m Meta) context.Context {
	return context.WithValue(ctx, metaKey, m)
}

// From returns the request metadata stored in ctx, if any.
func From(ctx context.Context) Meta {
	m, _ := ctx.Value(metaKey).(Meta)
	return m
}

// RequestID is a shortcut for From(ctx).RequestID.
func RequestID(ctx context.Context) string {
	return From(ctx).RequestID
}

// WithUserID records the user id claimed by the request credentials. The
// claim is not yet verified against the user store.
func WithUserID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

// UserID returns the credential-claimed user id, if any.
func UserID(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(userIDKey).(uuid.UUID)
	return id, ok && id != uuid.Nil
}
