// Package rest exposes registered walkers and plain handlers over HTTP:
// an endpoint registry, the walker dispatcher, the deny-by-default auth
// pipeline, webhook verification and the built-in service endpoints.
package rest

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"weaver/internal/walker"
)

// EndpointKind distinguishes walker-backed endpoints from plain
// function handlers.
type EndpointKind string

const (
	KindWalker   EndpointKind = "walker"
	KindFunction EndpointKind = "function"
)

// WebhookAuthSource says where a webhook endpoint carries its API key.
type WebhookAuthSource string

const (
	WebhookAuthHeader WebhookAuthSource = "header"
	WebhookAuthQuery  WebhookAuthSource = "query"
	WebhookAuthPath   WebhookAuthSource = "path"
)

// RateLimit is a per-endpoint override of the global limiter.
type RateLimit struct {
	Requests int
	Window   time.Duration
}

// Options declares an endpoint binding.
type Options struct {
	Path        string
	Methods     []string
	Auth        bool
	Roles       []string // require any
	Permissions []string // require all
	RateLimit   *RateLimit
	Timeout     time.Duration

	Webhook        bool
	WebhookAuth    WebhookAuthSource
	WebhookParam   string // query or path parameter name for the key
	HMACSecret     string
	IdempotencyTTL time.Duration
	Async          bool

	Tags []string
}

// Endpoint is one registered binding.
type Endpoint struct {
	Options
	Kind    EndpointKind
	Walker  *walker.Info
	Handler http.HandlerFunc
}

// Registry holds endpoint bindings. Registration happens at startup;
// lookups afterwards are read-locked only.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint // method + " " + path
}

// NewRegistry builds an empty registry. Tests build isolated instances;
// the server owns one per process.
func NewRegistry() *Registry {
	return &Registry{endpoints: make(map[string]*Endpoint)}
}

var defaultRegistry = NewRegistry()

// DefaultRegistry returns the process-wide registry. Applications bind
// their walkers against it in init functions, before the server starts.
func DefaultRegistry() *Registry { return defaultRegistry }

// RegisterWalker binds a walker class on the default registry.
func RegisterWalker(prototype walker.Walker, opts Options) *Endpoint {
	return defaultRegistry.RegisterWalker(prototype, opts)
}

// RegisterFunc binds a plain handler on the default registry.
func RegisterFunc(handler http.HandlerFunc, opts Options) *Endpoint {
	return defaultRegistry.RegisterFunc(handler, opts)
}

func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}

func (r *Registry) add(ep *Endpoint) {
	ep.Path = normalizePath(ep.Path)
	if len(ep.Methods) == 0 {
		ep.Methods = []string{http.MethodPost}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range ep.Methods {
		key := strings.ToUpper(m) + " " + ep.Path
		if existing, ok := r.endpoints[key]; ok && existing.Kind == ep.Kind {
			panic(fmt.Sprintf("rest: duplicate %s endpoint %s", ep.Kind, key))
		} else if ok {
			panic(fmt.Sprintf("rest: endpoint %s already bound as %s", key, existing.Kind))
		}
		r.endpoints[key] = ep
	}
}

// RegisterWalker binds a walker class to a path. The walker's declared
// fields become the request body schema.
func (r *Registry) RegisterWalker(prototype walker.Walker, opts Options) *Endpoint {
	info := walker.InfoOf(prototype)
	if opts.Path == "" {
		opts.Path = "/walker/" + info.Name
	}
	ep := &Endpoint{Options: opts, Kind: KindWalker, Walker: info}
	r.add(ep)
	return ep
}

// RegisterFunc binds a plain handler to a path.
func (r *Registry) RegisterFunc(handler http.HandlerFunc, opts Options) *Endpoint {
	if opts.Path == "" {
		panic("rest: function endpoints need an explicit path")
	}
	ep := &Endpoint{Options: opts, Kind: KindFunction, Handler: handler}
	r.add(ep)
	return ep
}

// Lookup finds the binding for a method and request path. Patterned
// segments like {userID} match any single segment, so the auth
// pipeline sees the same binding the router dispatches to.
func (r *Registry) Lookup(method, path string) (*Endpoint, bool) {
	method = strings.ToUpper(method)
	path = normalizePath(path)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ep, ok := r.endpoints[method+" "+path]; ok {
		return ep, true
	}
	for key, ep := range r.endpoints {
		sp := strings.Index(key, " ")
		if key[:sp] == method && pathMatches(key[sp+1:], path) {
			return ep, true
		}
	}
	return nil, false
}

// LookupPath finds any binding for a path regardless of method. The
// auth middleware uses it so unknown methods still deny by default.
func (r *Registry) LookupPath(path string) (*Endpoint, bool) {
	path = normalizePath(path)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for key, ep := range r.endpoints {
		if pathMatches(key[strings.Index(key, " ")+1:], path) {
			return ep, true
		}
	}
	return nil, false
}

// pathMatches compares a registered pattern against a concrete path.
func pathMatches(pattern, path string) bool {
	if pattern == path {
		return true
	}
	if !strings.Contains(pattern, "{") {
		return false
	}
	ps := strings.Split(pattern, "/")
	xs := strings.Split(path, "/")
	if len(ps) != len(xs) {
		return false
	}
	for i, seg := range ps {
		if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
			if xs[i] == "" {
				return false
			}
			continue
		}
		if seg != xs[i] {
			return false
		}
	}
	return true
}

// All returns every endpoint, sorted by path then method, for route
// mounting and docs.
func (r *Registry) All() []*Endpoint {
	r.mu.RLock()
	seen := make(map[*Endpoint]struct{}, len(r.endpoints))
	eps := make([]*Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		if _, dup := seen[ep]; !dup {
			seen[ep] = struct{}{}
			eps = append(eps, ep)
		}
	}
	r.mu.RUnlock()
	sort.Slice(eps, func(i, j int) bool {
		if eps[i].Path != eps[j].Path {
			return eps[i].Path < eps[j].Path
		}
		return eps[i].Methods[0] < eps[j].Methods[0]
	})
	return eps
}

// Reset drops all bindings. Tests use it between cases.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.endpoints = make(map[string]*Endpoint)
	r.mu.Unlock()
}
