// Package correlation tags API requests with a request id that follows the
// request through logs and responses.
package correlation

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const (
	// HeaderName is the canonical request id header.
	HeaderName = "X-Goldentrace-Request-ID"
	maxIDLen   = 128
)

type contextKey struct{}

// EnsureRequest returns req with a request id on its context and header,
// reusing a valid incoming id when one is present.
func EnsureRequest(req *http.Request) (*http.Request, string) {
	if req == nil {
		return nil, ""
	}
	id, ok := FromContext(req.Context())
	if !ok {
		id = FromHeaders(req.Header)
		if id == "" {
			id = NewID()
		}
		req = req.WithContext(WithContext(req.Context(), id))
	}
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	req.Header.Set(HeaderName, id)
	return req, id
}

func WithContext(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	normalized := normalizeID(id)
	if normalized == "" {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

func FromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	value, ok := ctx.Value(contextKey{}).(string)
	if !ok || value == "" {
		return "", false
	}
	return value, true
}

// FromHeaders returns the first valid id among the canonical header and the
// common X-Request-ID / X-Correlation-ID spellings.
func FromHeaders(headers http.Header) string {
	if headers == nil {
		return ""
	}
	for _, header := range []string{HeaderName, "X-Request-ID", "X-Correlation-ID"} {
		if id := normalizeID(headers.Get(header)); id != "" {
			return id
		}
	}
	return ""
}

// NewID returns a time-ordered request id.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return "req-" + uuid.NewString()
	}
	return "req-" + id.String()
}

func normalizeID(raw string) string {
	value := strings.TrimSpace(raw)
	if value == "" {
		return ""
	}
	if len(value) > maxIDLen {
		value = value[:maxIDLen]
	}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.', r == ':':
		default:
			return ""
		}
	}
	return value
}
