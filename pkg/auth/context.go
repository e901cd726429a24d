package auth

import "context"

// Method records how a request authenticated.
type Method string

const (
	MethodJWT     Method = "jwt"
	MethodAPIKey  Method = "api_key"
	MethodWebhook Method = "webhook"
)

// Principal is the authenticated caller attached to a request context.
type Principal struct {
	UserID      string
	Email       string
	Roles       []string
	Permissions []string
	APIKeyID    string
	SessionID   string
	Method      Method
}

// AdminRole grants every role and permission check.
const AdminRole = "admin"

// HasAnyRole implements require_any semantics over roles; admins pass
// everything.
func (p *Principal) HasAnyRole(required []string) bool {
	if len(required) == 0 {
		return true
	}
	if p.IsAdmin() {
		return true
	}
	for _, want := range required {
		for _, have := range p.Roles {
			if have == want {
				return true
			}
		}
	}
	return false
}

// HasAllPermissions implements require_all semantics over permissions;
// admins and the "*" permission pass everything.
func (p *Principal) HasAllPermissions(required []string) bool {
	if len(required) == 0 {
		return true
	}
	if p.IsAdmin() {
		return true
	}
	have := make(map[string]bool, len(p.Permissions))
	for _, perm := range p.Permissions {
		have[perm] = true
	}
	if have["*"] {
		return true
	}
	for _, want := range required {
		if !have[want] {
			return false
		}
	}
	return true
}

// IsAdmin reports whether the principal carries the admin role.
func (p *Principal) IsAdmin() bool {
	for _, r := range p.Roles {
		if r == AdminRole {
			return true
		}
	}
	return false
}

type principalKey struct{}

// WithPrincipal attaches the authenticated caller to the context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom extracts the authenticated caller, if any.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}
