// Package auth gates the trace API behind hashed API keys with role based
// permissions.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/textproto"
	"sort"
	"strings"
)

type Permission string

const (
	PermissionTracesRead Permission = "traces:read"
	// PermissionTracesReadRaw allows unredacted trace payloads. Keys without
	// it always receive redacted views.
	PermissionTracesReadRaw Permission = "traces:read_raw"
	PermissionTracesWrite   Permission = "traces:write"
	PermissionTracesDelete  Permission = "traces:delete"
)

const DefaultHeaderName = "X-GoldenTrace-Key"

var (
	ErrMissingAPIKey = errors.New("missing api key")
	ErrInvalidAPIKey = errors.New("invalid api key")
)

type KeyConfig struct {
	ID          string
	Token       string
	TokenHash   string
	Role        string
	Permissions []string
}

type Options struct {
	Enabled bool
	Header  string
	Keys    []KeyConfig
}

type Identity struct {
	KeyID string
	Role  string

	permissions map[Permission]struct{}
}

func (i *Identity) HasPermission(permission Permission) bool {
	if i == nil {
		return false
	}
	_, ok := i.permissions[permission]
	return ok
}

// Permissions lists the identity's permissions in sorted order.
func (i *Identity) Permissions() []Permission {
	if i == nil {
		return nil
	}
	out := make([]Permission, 0, len(i.permissions))
	for permission := range i.permissions {
		out = append(out, permission)
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}

type Authorizer struct {
	enabled bool
	header  string
	keys    map[string]*Identity
}

func NewAuthorizer(options Options) (*Authorizer, error) {
	header := normalizeHeaderName(options.Header)
	if header == "" {
		header = DefaultHeaderName
	}

	authorizer := &Authorizer{
		enabled: options.Enabled,
		header:  header,
		keys:    map[string]*Identity{},
	}
	if !options.Enabled {
		return authorizer, nil
	}
	if len(options.Keys) == 0 {
		return nil, errors.New("auth is enabled but no api keys are configured")
	}

	for _, key := range options.Keys {
		tokenHash := normalizeTokenHash(key.TokenHash)
		if tokenHash == "" {
			token := strings.TrimSpace(key.Token)
			if token == "" {
				return nil, fmt.Errorf("api key %q: token or token_hash is required", key.ID)
			}
			tokenHash = HashToken(token)
		}
		if _, exists := authorizer.keys[tokenHash]; exists {
			return nil, fmt.Errorf("api key %q: duplicate token in auth config", key.ID)
		}

		permissions := defaultRolePermissions(key.Role)
		for _, raw := range key.Permissions {
			permission := Permission(strings.ToLower(strings.TrimSpace(raw)))
			if permission == "" {
				continue
			}
			if !knownPermission(permission) {
				return nil, fmt.Errorf("api key %q: unknown permission %q", key.ID, raw)
			}
			permissions[permission] = struct{}{}
		}

		authorizer.keys[tokenHash] = &Identity{
			KeyID:       strings.TrimSpace(key.ID),
			Role:        strings.ToLower(strings.TrimSpace(key.Role)),
			permissions: permissions,
		}
	}

	return authorizer, nil
}

func (a *Authorizer) Enabled() bool {
	return a != nil && a.enabled
}

func (a *Authorizer) HeaderName() string {
	if a == nil || strings.TrimSpace(a.header) == "" {
		return DefaultHeaderName
	}
	return a.header
}

// Authenticate resolves the request's key. It returns (nil, nil) when auth
// is disabled.
func (a *Authorizer) Authenticate(r *http.Request) (*Identity, error) {
	if !a.Enabled() {
		return nil, nil
	}

	token := strings.TrimSpace(r.Header.Get(a.HeaderName()))
	if token == "" {
		if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
			token = strings.TrimSpace(bearer)
		}
	}
	if token == "" {
		return nil, ErrMissingAPIKey
	}

	identity, ok := a.keys[HashToken(token)]
	if !ok {
		return nil, ErrInvalidAPIKey
	}
	return identity.clone(), nil
}

// AuditEvent describes a denied API request.
type AuditEvent struct {
	Outcome            string
	Reason             string
	StatusCode         int
	Method             string
	Path               string
	Resource           string
	Action             string
	RequiredPermission Permission
	KeyID              string
}

type AuditRecorder func(r *http.Request, event AuditEvent)

// Middleware enforces the route permissions of the trace API. A nil or
// disabled authorizer passes every request through.
func Middleware(authorizer *Authorizer, recorder AuditRecorder, next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	if !authorizer.Enabled() {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision := requiredAccess(r.Method, r.URL.Path)
		if decision.mode == accessModeBypass {
			next.ServeHTTP(w, r)
			return
		}
		deny := func(statusCode int, reason string, identity *Identity, message string) {
			if recorder != nil {
				event := AuditEvent{
					Outcome:            "deny",
					Reason:             reason,
					StatusCode:         statusCode,
					Method:             r.Method,
					Path:               r.URL.Path,
					Resource:           decision.resource,
					Action:             decision.action,
					RequiredPermission: decision.permission,
				}
				if identity != nil {
					event.KeyID = identity.KeyID
				}
				recorder(r, event)
			}
			writeAuthError(w, statusCode, message)
		}
		if decision.mode == accessModeDeny {
			deny(http.StatusForbidden, "action_unmapped", nil, "request is not allowed by api policy")
			return
		}

		identity, err := authorizer.Authenticate(r)
		if err != nil {
			reason := "invalid_api_key"
			if errors.Is(err, ErrMissingAPIKey) {
				reason = "missing_api_key"
			}
			deny(http.StatusUnauthorized, reason, nil, "missing or invalid api key")
			return
		}
		if !identity.HasPermission(decision.permission) {
			deny(http.StatusForbidden, "permission_denied", identity, "api key does not have required permission")
			return
		}

		request := r.Clone(WithIdentity(r.Context(), identity))
		request.Header = r.Header.Clone()
		request.Header.Del(authorizer.HeaderName())
		request.Header.Del("Authorization")
		next.ServeHTTP(w, request)
	})
}

type accessMode int

const (
	accessModeBypass accessMode = iota
	accessModeRequirePermission
	accessModeDeny
)

type accessDecision struct {
	mode       accessMode
	resource   string
	action     string
	permission Permission
}

func require(resource, action string, permission Permission) accessDecision {
	return accessDecision{mode: accessModeRequirePermission, resource: resource, action: action, permission: permission}
}

func requiredAccess(method, path string) accessDecision {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == http.MethodOptions || !hasPathPrefix(path, "/api") {
		return accessDecision{mode: accessModeBypass}
	}

	switch {
	case path == "/api/health" && isReadMethod(method):
		return accessDecision{mode: accessModeBypass}
	case path == "/api/traces" && isReadMethod(method):
		return require("traces", "read", PermissionTracesRead)
	case path == "/api/traces" && method == http.MethodPost:
		return require("traces", "write", PermissionTracesWrite)
	case isTraceDetailPath(path) && isReadMethod(method):
		return require("traces", "read", PermissionTracesRead)
	case isTraceDetailPath(path) && method == http.MethodDelete:
		return require("traces", "delete", PermissionTracesDelete)
	case isTraceReplayPath(path) && method == http.MethodPost:
		return require("traces", "replay", PermissionTracesRead)
	case path == "/api/diff" && isReadMethod(method):
		return require("traces", "diff", PermissionTracesRead)
	case path == "/api/diagnostics/trace-pipeline" && isReadMethod(method):
		return require("diagnostics", "read", PermissionTracesRead)
	default:
		return accessDecision{mode: accessModeDeny, resource: "api"}
	}
}

func knownPermission(permission Permission) bool {
	switch permission {
	case PermissionTracesRead, PermissionTracesReadRaw, PermissionTracesWrite, PermissionTracesDelete:
		return true
	default:
		return false
	}
}

// KnownRole reports whether role grants implicit permissions.
func KnownRole(role string) bool {
	return permissionsForRole(role) != nil
}

func defaultRolePermissions(role string) map[Permission]struct{} {
	permissions := map[Permission]struct{}{}
	for _, permission := range permissionsForRole(role) {
		permissions[permission] = struct{}{}
	}
	return permissions
}

func permissionsForRole(role string) []Permission {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "owner", "admin":
		return []Permission{PermissionTracesRead, PermissionTracesReadRaw, PermissionTracesWrite, PermissionTracesDelete}
	case "", "developer":
		return []Permission{PermissionTracesRead, PermissionTracesReadRaw, PermissionTracesWrite}
	case "viewer":
		return []Permission{PermissionTracesRead}
	case "ingest":
		return []Permission{PermissionTracesWrite}
	default:
		// Unknown roles only get what the key lists explicitly.
		return nil
	}
}

func isReadMethod(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

func hasPathPrefix(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

func isTraceDetailPath(path string) bool {
	id, action, ok := parseTracePath(path)
	return ok && id != "" && action == ""
}

func isTraceReplayPath(path string) bool {
	id, action, ok := parseTracePath(path)
	return ok && id != "" && action == "replay"
}

func parseTracePath(path string) (string, string, bool) {
	suffix, ok := strings.CutPrefix(path, "/api/traces/")
	if !ok {
		return "", "", false
	}
	suffix = strings.Trim(suffix, "/")
	if suffix == "" {
		return "", "", false
	}
	parts := strings.Split(suffix, "/")
	if len(parts) > 2 || strings.TrimSpace(parts[0]) == "" {
		return "", "", false
	}
	if len(parts) == 2 {
		if strings.TrimSpace(parts[1]) == "" {
			return "", "", false
		}
		return parts[0], parts[1], true
	}
	return parts[0], "", true
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

func normalizeHeaderName(header string) string {
	value := strings.TrimSpace(header)
	if value == "" {
		return ""
	}
	return textproto.CanonicalMIMEHeaderKey(value)
}

// HashToken is the hex SHA-256 used for token_hash entries.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func normalizeTokenHash(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func (i *Identity) clone() *Identity {
	if i == nil {
		return nil
	}
	out := *i
	out.permissions = make(map[Permission]struct{}, len(i.permissions))
	for permission := range i.permissions {
		out.permissions[permission] = struct{}{}
	}
	return &out
}

type contextIdentityKey struct{}

func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, contextIdentityKey{}, identity)
}

func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	if ctx == nil {
		return nil, false
	}
	identity, ok := ctx.Value(contextIdentityKey{}).(*Identity)
	return identity, ok && identity != nil
}

// MustRedact reports whether the request's identity may only see redacted
// trace payloads. Requests without an identity are not restricted.
func MustRedact(ctx context.Context) bool {
	identity, ok := IdentityFromContext(ctx)
	return ok && !identity.HasPermission(PermissionTracesReadRaw)
}
