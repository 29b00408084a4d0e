// Package ulid provides ULID generation utilities.
package ulid

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// RequestIDPrefix marks ids minted by this service for request correlation.
const RequestIDPrefix = "req_"

var (
	entropy     = ulid.Monotonic(rand.Reader, 0)
	entropyLock sync.Mutex
)

// New generates a new ULID.
func New() string {
	return NewFromTime(time.Now())
}

// NewFromTime generates a new ULID with a specific timestamp.
func NewFromTime(t time.Time) string {
	entropyLock.Lock()
	defer entropyLock.Unlock()

	id := ulid.MustNew(ulid.Timestamp(t), entropy)
	return id.String()
}

// NewRequestID returns a fresh, time-ordered correlation id.
func NewRequestID() string {
	return RequestIDPrefix + strings.ToLower(New())
}

// IsValid checks if a string is a valid ULID.
func IsValid(s string) bool {
	_, err := ulid.ParseStrict(strings.TrimPrefix(s, RequestIDPrefix))
	return err == nil
}
