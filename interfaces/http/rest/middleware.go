package rest

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"weaver/internal/identity"
	"weaver/pkg/api"
	"weaver/pkg/auth"
	"weaver/pkg/observability"
	pkgerrors "weaver/pkg/errors"
)

// AuthPipeline implements the deny-by-default request gate: exempt
// paths pass, registered auth=false endpoints pass, everything else
// needs a verified credential, the endpoint's role and permission
// checks, and a rate-limit slot.
type AuthPipeline struct {
	Registry     *Registry
	JWT          *auth.JWTManager
	Identity     *identity.Service
	Limiter      *auth.SlidingWindowLimiter
	Metrics      *observability.Collector
	Log          *zap.Logger
	ExemptPaths  []string
	APIKeyHeader string
	RequireHTTPS bool

	// Per-endpoint limiters, keyed by path, built lazily at first hit.
	endpointLimiters limiterCache
}

// Middleware runs the pipeline ahead of the wrapped handler. Any
// failure inside the pipeline denies the request.
func (p *AuthPipeline) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				p.Log.Error("auth pipeline panic", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				api.Unauthorized(w, "access denied")
			}
		}()

		if p.RequireHTTPS && r.TLS == nil && !strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
			api.Fail(w, http.StatusBadRequest, "BAD_REQUEST", "https is required", nil)
			return
		}

		ep, registered := p.Registry.Lookup(r.Method, r.URL.Path)
		if !registered {
			ep, registered = p.Registry.LookupPath(r.URL.Path)
		}

		switch {
		case p.exempt(r.URL.Path):
			// Health, docs, auth bootstrap and public paths skip both
			// credentials and rate limiting.
			next.ServeHTTP(w, r)
			return
		case registered && !ep.Auth:
			if !p.allow(w, r, ep, nil) {
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		principal, err := p.authenticate(r, ep)
		if err != nil {
			api.Error(w, err)
			return
		}
		if err := p.authorize(principal, ep); err != nil {
			api.Error(w, err)
			return
		}
		if !p.allow(w, r, ep, principal) {
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	})
}

func (p *AuthPipeline) exempt(path string) bool {
	path = normalizePath(path)
	for _, pattern := range p.ExemptPaths {
		if strings.HasSuffix(pattern, "/*") {
			if strings.HasPrefix(path, strings.TrimSuffix(pattern, "*")) {
				return true
			}
			continue
		}
		if path == normalizePath(pattern) {
			return true
		}
	}
	return false
}

// authenticate extracts and verifies a credential: Bearer JWT first,
// then the API key header, then the endpoint's webhook key source.
func (p *AuthPipeline) authenticate(r *http.Request, ep *Endpoint) (*auth.Principal, error) {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		claims, err := p.JWT.Validate(h, auth.TokenAccess)
		if err != nil {
			return nil, err
		}
		if p.Identity.SessionRevoked(r.Context(), claims.SessionID) {
			return nil, pkgerrors.NewAuthentication("token has been revoked")
		}
		user, err := p.Identity.GetByID(r.Context(), claims.UserID)
		if err != nil || !user.IsActive {
			return nil, pkgerrors.NewAuthentication("account unavailable")
		}
		return &auth.Principal{
			UserID:      user.ID,
			Email:       user.Email,
			Roles:       user.Roles,
			Permissions: user.Permissions,
			Method:      auth.MethodJWT,
			SessionID:   claims.SessionID,
		}, nil
	}

	if key := p.extractAPIKey(r, ep); key != "" {
		apiKey, user, err := p.Identity.ResolveAPIKey(r.Context(), key)
		if err != nil {
			return nil, err
		}
		return &auth.Principal{
			UserID:      user.ID,
			Email:       user.Email,
			Roles:       user.Roles,
			Permissions: user.Permissions,
			Method:      auth.MethodAPIKey,
			APIKeyID:    apiKey.ID,
		}, nil
	}

	return nil, pkgerrors.NewAuthentication("credentials required")
}

func (p *AuthPipeline) extractAPIKey(r *http.Request, ep *Endpoint) string {
	if key := r.Header.Get(p.APIKeyHeader); key != "" {
		return key
	}
	if ep == nil || !ep.Webhook {
		return ""
	}
	switch ep.WebhookAuth {
	case WebhookAuthQuery:
		param := ep.WebhookParam
		if param == "" {
			param = "key"
		}
		return r.URL.Query().Get(param)
	case WebhookAuthPath:
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		if len(parts) > 0 {
			return parts[len(parts)-1]
		}
	}
	return ""
}

func (p *AuthPipeline) authorize(principal *auth.Principal, ep *Endpoint) error {
	if ep == nil {
		return nil
	}
	if !principal.HasAnyRole(ep.Roles) {
		return pkgerrors.NewAuthorization("required role missing")
	}
	if !principal.HasAllPermissions(ep.Permissions) {
		return pkgerrors.NewAuthorization("required permission missing")
	}
	return nil
}

// allow consumes a rate-limit slot, writing the 429 itself when the
// client is over budget.
func (p *AuthPipeline) allow(w http.ResponseWriter, r *http.Request, ep *Endpoint, principal *auth.Principal) bool {
	limiter := p.Limiter
	if ep != nil && ep.RateLimit != nil {
		limiter = p.endpointLimiters.get(ep.Path, ep.RateLimit.Requests, ep.RateLimit.Window)
	}
	if limiter == nil {
		return true
	}

	var userID, apiKeyID string
	if principal != nil {
		userID, apiKeyID = principal.UserID, principal.APIKeyID
	}
	decision := limiter.Allow(auth.ClientKey(r, userID, apiKeyID))
	if decision.Allowed {
		return true
	}

	if p.Metrics != nil {
		p.Metrics.RateLimitRejected.Inc()
	}
	headers := http.Header{}
	headers.Set("X-RateLimit-Limit", fmt.Sprintf("%d", decision.Limit))
	headers.Set("X-RateLimit-Window", fmt.Sprintf("%d", int(decision.Window.Seconds())))
	headers.Set("Retry-After", fmt.Sprintf("%d", retryAfterSeconds(decision.RetryAfter)))
	api.FailWithHeaders(w, http.StatusTooManyRequests, "RATE_LIMIT_ERROR", "rate limit exceeded", nil, headers)
	return false
}

func retryAfterSeconds(d time.Duration) int {
	secs := int(d.Seconds())
	if d > 0 && (d%time.Second != 0 || secs == 0) {
		secs++
	}
	return secs
}

type limiterCache struct {
	mu       sync.Mutex
	limiters map[string]*auth.SlidingWindowLimiter
}

func (c *limiterCache) get(path string, requests int, window time.Duration) *auth.SlidingWindowLimiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.limiters == nil {
		c.limiters = make(map[string]*auth.SlidingWindowLimiter)
	}
	l, ok := c.limiters[path]
	if !ok {
		l = auth.NewSlidingWindowLimiter(requests, window)
		c.limiters[path] = l
	}
	return l
}

// RequestLogger emits one structured line per request and feeds the
// HTTP metrics.
func RequestLogger(log *zap.Logger, metrics *observability.Collector) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			elapsed := time.Since(start)

			if metrics != nil {
				metrics.ObserveHTTP(r.Method, r.URL.Path, sw.status, elapsed)
			}
			log.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", sw.status),
				zap.Duration("elapsed", elapsed),
			)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
