package rest

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"weaver/infrastructure/config"
	"weaver/internal/graph"
	"weaver/internal/identity"
	"weaver/internal/logs"
	"weaver/internal/storage"
	"weaver/internal/walker"
	"weaver/pkg/auth"
	"weaver/pkg/observability"
)

// Server wires the registry, dispatcher, auth pipeline and built-in
// handlers into one HTTP handler.
type Server struct {
	Registry   *Registry
	Dispatcher *Dispatcher
	Pipeline   *AuthPipeline
	Webhooks   *WebhookGate
	Handlers   *Handlers
	Metrics    *observability.Collector
	Log        *zap.Logger
	CORS       config.ServerConfig
}

// ServerDeps carries the constructed services NewServer assembles.
type ServerDeps struct {
	Config   *config.Config
	Store    storage.Store
	Graph    *graph.Context
	Engine   *walker.Engine
	Identity *identity.Service
	Logs     *logs.Service
	JWT      *auth.JWTManager
	Metrics  *observability.Collector
	Log      *zap.Logger
	Registry *Registry

	Service string
	Version string
}

// NewServer builds the full HTTP stack from its dependencies.
func NewServer(d ServerDeps) *Server {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Registry == nil {
		d.Registry = NewRegistry()
	}

	var limiter *auth.SlidingWindowLimiter
	if d.Config.Auth.RateLimitEnabled {
		limiter = auth.NewSlidingWindowLimiter(
			d.Config.Auth.RateLimitPerWindow,
			time.Duration(d.Config.Auth.WindowSeconds)*time.Second,
		)
	}

	srv := &Server{
		Registry: d.Registry,
		Dispatcher: &Dispatcher{
			Graph:   d.Graph,
			Engine:  d.Engine,
			Metrics: d.Metrics,
			Log:     d.Log,
		},
		Pipeline: &AuthPipeline{
			Registry:     d.Registry,
			JWT:          d.JWT,
			Identity:     d.Identity,
			Limiter:      limiter,
			Metrics:      d.Metrics,
			Log:          d.Log,
			ExemptPaths:  d.Config.Auth.ExemptPaths,
			APIKeyHeader: d.Config.Auth.APIKeyHeader,
			RequireHTTPS: d.Config.Auth.RequireHTTPS,
		},
		Webhooks: &WebhookGate{
			Store:           d.Store,
			Cache:           NewIdempotencyCache(),
			Metrics:         d.Metrics,
			Log:             d.Log,
			GlobalSecret:    d.Config.Webhook.GlobalHMACSecret,
			MaxPayloadBytes: d.Config.Webhook.MaxPayloadBytes,
			DefaultTTL:      time.Duration(d.Config.Webhook.IdempotencyTTLSecond) * time.Second,
		},
		Handlers: &Handlers{
			Identity:      d.Identity,
			JWT:           d.JWT,
			Logs:          d.Logs,
			Graph:         d.Graph,
			Store:         d.Store,
			Log:           d.Log,
			Service:       d.Service,
			Version:       d.Version,
			RefreshExpiry: time.Duration(d.Config.Auth.RefreshExpirySeconds) * time.Second,
		},
		Metrics: d.Metrics,
		Log:     d.Log,
		CORS:    d.Config.Server,
	}
	srv.registerBuiltins()
	return srv
}

// registerBuiltins records the built-in endpoints in the registry so
// the auth pipeline sees them like any user endpoint.
func (s *Server) registerBuiltins() {
	h := s.Handlers
	public := func(path string, methods ...string) Options {
		return Options{Path: path, Methods: methods}
	}
	authed := func(path string, methods ...string) Options {
		return Options{Path: path, Methods: methods, Auth: true}
	}
	admin := func(path string, methods ...string) Options {
		return Options{Path: path, Methods: methods, Auth: true, Roles: []string{identity.AdminRole}}
	}

	s.Registry.RegisterFunc(h.Register, public("/api/auth/register", http.MethodPost))
	s.Registry.RegisterFunc(h.Login, public("/api/auth/login", http.MethodPost))
	s.Registry.RegisterFunc(h.Refresh, public("/api/auth/refresh", http.MethodPost))
	s.Registry.RegisterFunc(h.Logout, authed("/api/auth/logout", http.MethodPost))
	s.Registry.RegisterFunc(h.Profile, authed("/api/auth/profile", http.MethodGet))
	s.Registry.RegisterFunc(h.UpdateProfile, authed("/api/auth/profile", http.MethodPut))
	s.Registry.RegisterFunc(h.CreateAPIKey, authed("/api/auth/api-keys", http.MethodPost))
	s.Registry.RegisterFunc(h.ListAPIKeys, authed("/api/auth/api-keys", http.MethodGet))
	s.Registry.RegisterFunc(h.RevokeAPIKey, authed("/api/auth/api-keys/{keyID}", http.MethodDelete))
	s.Registry.RegisterFunc(h.AdminListUsers, admin("/api/auth/admin/users", http.MethodGet))
	s.Registry.RegisterFunc(h.AdminCreateUser, admin("/api/auth/admin/users", http.MethodPost))
	s.Registry.RegisterFunc(h.AdminGetUser, admin("/api/auth/admin/users/{userID}", http.MethodGet))
	s.Registry.RegisterFunc(h.AdminUpdateUser, admin("/api/auth/admin/users/{userID}", http.MethodPatch))
	s.Registry.RegisterFunc(h.AdminDeleteUser, admin("/api/auth/admin/users/{userID}", http.MethodDelete))
	s.Registry.RegisterFunc(h.GetLogs, authed("/api/logs", http.MethodGet))
}

// Handler builds the chi router with the full middleware stack.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(RequestLogger(s.Log, s.Metrics))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.CORS.CORSOrigins,
		AllowedMethods:   s.CORS.CORSMethods,
		AllowedHeaders:   s.CORS.CORSHeaders,
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Window", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(s.Pipeline.Middleware)

	r.Get("/", s.Handlers.Metadata)
	r.Get("/health", s.Handlers.Health)
	r.Get("/docs", s.Handlers.Docs(s.Registry))
	if s.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.Metrics.Handler())
	}

	for _, ep := range s.Registry.All() {
		var handler http.Handler
		switch ep.Kind {
		case KindWalker:
			handler = s.Dispatcher.Handle(ep)
		default:
			handler = ep.Handler
		}
		if ep.Webhook {
			handler = s.Webhooks.Wrap(ep, handler)
		}
		for _, m := range ep.Methods {
			r.Method(m, ep.Path, handler)
		}
	}

	return r
}

// Close releases background resources, currently the idempotency
// cache sweeper.
func (s *Server) Close() {
	if s.Webhooks != nil && s.Webhooks.Cache != nil {
		s.Webhooks.Cache.Close()
	}
}
