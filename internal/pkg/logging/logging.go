// Package logging builds the process logger and carries request-scoped
// loggers through a context.
package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

// Redacted replaces the value of every sensitive attribute.
const Redacted = "[REDACTED]"

// DefaultSensitiveKeys are redacted whether or not the config lists them.
var DefaultSensitiveKeys = []string{
	"password",
	"secret",
	"token",
	"authorization",
	"signature",
	"api_key",
	"cookie",
	"card",
	"email",
}

// Config controls logger construction.
type Config struct {
	Level      string   // debug, info, warn, error
	Format     string   // json or text
	RedactKeys []string // extra keys to redact
}

// Redactor decides which attribute keys hold sensitive values.
type Redactor struct {
	keys map[string]struct{}
}

// NewRedactor returns a Redactor for the default keys plus extra.
func NewRedactor(extra ...string) *Redactor {
	r := &Redactor{keys: make(map[string]struct{})}
	for _, k := range append(append([]string{}, DefaultSensitiveKeys...), extra...) {
		if k = normalize(k); k != "" {
			r.keys[k] = struct{}{}
		}
	}
	return r
}

func normalize(k string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(k)), "-", "_")
}

// Sensitive reports whether key names a value that must not be logged or
// persisted. A key matches a sensitive name exactly or as a "_name" suffix,
// so "webhook_secret" and "stripe_signature" are caught.
func (r *Redactor) Sensitive(key string) bool {
	k := normalize(key)
	if _, ok := r.keys[k]; ok {
		return true
	}
	for s := range r.keys {
		if strings.HasSuffix(k, "_"+s) {
			return true
		}
	}
	return false
}

// RedactMap returns a copy of m with sensitive values replaced, descending
// into nested maps.
func (r *Redactor) RedactMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if r.Sensitive(k) {
			out[k] = Redacted
			continue
		}
		out[k] = r.redactValue(v)
	}
	return out
}

func (r *Redactor) redactValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return r.RedactMap(val)
	case map[string]string:
		m := make(map[string]any, len(val))
		for k, s := range val {
			m[k] = s
		}
		return r.RedactMap(m)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = r.redactValue(item)
		}
		return out
	}
	return v
}

func (r *Redactor) replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindGroup {
		return a
	}
	if r.Sensitive(a.Key) {
		return slog.String(a.Key, Redacted)
	}
	if a.Value.Kind() == slog.KindAny {
		switch a.Value.Any().(type) {
		case map[string]any, map[string]string:
			return slog.Any(a.Key, r.redactValue(a.Value.Any()))
		}
	}
	return a
}

// New builds a logger writing to w with redaction applied to every record.
func New(w io.Writer, cfg Config) *slog.Logger {
	redactor := NewRedactor(cfg.RedactKeys...)
	opts := &slog.HandlerOptions{
		Level:       ParseLevel(cfg.Level),
		ReplaceAttr: redactor.replaceAttr,
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

type contextKey struct{}

// WithContext returns a copy of ctx carrying logger.
func WithContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext returns the request-scoped logger, or the default logger.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(contextKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}
