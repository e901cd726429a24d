package rest_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"weaver/infrastructure/config"
	"weaver/interfaces/http/rest"
	"weaver/internal/graph"
	"weaver/internal/identity"
	"weaver/internal/logs"
	"weaver/internal/storage"
	"weaver/internal/walker"
	"weaver/pkg/auth"
)

type Site struct {
	graph.Node
	Name string `json:"name"`
}

type Visits struct {
	graph.Edge
}

type TripPlanner struct {
	walker.Base
	Label      string `json:"label" validate:"required"`
	MaxResults int    `json:"limit" endpoint:"name=max_results"`
	Origin     string `json:"origin" endpoint:"group=route"`
	Dest       string `json:"dest" endpoint:"group=route"`
	Debug      bool   `json:"debug" endpoint:"hidden"`
	Internal   string `json:"internal" endpoint:"-"`
}

func init() {
	graph.MustRegister(&Site{})
	graph.MustRegister(&Visits{})
	walker.MustRegister(&TripPlanner{})

	walker.OnVisit(func(ctx context.Context, w *TripPlanner, here *Site) error {
		w.Report(map[string]interface{}{
			"site":   here.Name,
			"label":  w.Label,
			"limit":  w.MaxResults,
			"origin": w.Origin,
			"debug":  w.Debug,
		})
		return nil
	})
	walker.OnVisit(func(ctx context.Context, w *TripPlanner, root *graph.Root) error {
		sites, err := w.Graph().Neighbors(ctx, root, graph.DirectionOut, 0)
		if err != nil {
			return err
		}
		for _, s := range sites {
			if err := w.Visit(s); err != nil {
				return err
			}
		}
		return nil
	})
}

type testEnv struct {
	server   *httptest.Server
	store    storage.Store
	graph    *graph.Context
	identity *identity.Service
	registry *rest.Registry
}

func newEnv(t *testing.T, mutate func(*config.Config), register func(*rest.Registry, *rest.Server)) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Auth.RateLimitPerWindow = 1000
	cfg.Auth.WindowSeconds = 60
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	store := storage.NewMemoryStore()
	gctx := graph.NewContext(store, zap.NewNop())
	idsvc := identity.NewService(store, zap.NewNop())
	require.NoError(t, idsvc.EnsureIndexes(context.Background()))
	identity.ResetRevocations()

	jwtMgr, err := auth.NewJWTManager(auth.JWTConfig{
		Secret:       cfg.Auth.JWTSecret,
		AccessExpiry: time.Duration(cfg.Auth.AccessExpirySeconds) * time.Second,
	})
	require.NoError(t, err)

	registry := rest.NewRegistry()
	srv := rest.NewServer(rest.ServerDeps{
		Config:   cfg,
		Store:    store,
		Graph:    gctx,
		Engine:   walker.NewEngine(zap.NewNop(), walker.Config{}),
		Identity: idsvc,
		Logs:     logs.NewService(store, zap.NewNop()),
		JWT:      jwtMgr,
		Log:      zap.NewNop(),
		Registry: registry,
		Service:  "weaver",
		Version:  "test",
	})
	if register != nil {
		register(registry, srv)
	}

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{server: ts, store: store, graph: gctx, identity: idsvc, registry: registry}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, headers map[string]string) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func registerAndLogin(t *testing.T, e *testEnv, email string, adminToken ...string) (token string, refresh string) {
	t.Helper()
	var headers map[string]string
	if len(adminToken) > 0 {
		headers = bearer(adminToken[0])
	}
	resp, _ := e.do(t, "POST", "/api/auth/register", map[string]string{
		"email": email, "password": "password123",
	}, headers)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := e.do(t, "POST", "/api/auth/login", map[string]string{
		"email": email, "password": "password123",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	token, _ = body["access_token"].(string)
	refresh, _ = body["refresh_token"].(string)
	require.NotEmpty(t, token)
	return token, refresh
}

func TestDenyByDefault(t *testing.T) {
	e := newEnv(t, nil, nil)

	// Unknown paths require credentials even though no endpoint exists.
	resp, body := e.do(t, "GET", "/api/does-not-exist", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "AUTHENTICATION_ERROR", body["error_code"])

	// Exempt paths pass without credentials.
	resp, _ = e.do(t, "GET", "/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body = e.do(t, "GET", "/", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "weaver", body["service"])
}

func TestAuthFlow(t *testing.T) {
	e := newEnv(t, nil, nil)

	token, refresh := registerAndLogin(t, e, "first@example.com")

	// First registered user carries the admin role.
	resp, body := e.do(t, "GET", "/api/auth/profile", nil, bearer(token))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	roles, _ := body["roles"].([]interface{})
	assert.Equal(t, []interface{}{"admin"}, roles)
	require.NotEmpty(t, refresh)

	// Logout revokes the session behind the access token.
	resp, _ = e.do(t, "POST", "/api/auth/logout", nil, bearer(token))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = e.do(t, "GET", "/api/auth/profile", nil, bearer(token))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAdminRoutesRequireAdminRole(t *testing.T) {
	e := newEnv(t, nil, nil)

	adminToken, _ := registerAndLogin(t, e, "admin@example.com")

	// Once a user exists, registration needs an admin caller.
	resp0, body0 := e.do(t, "POST", "/api/auth/register", map[string]string{
		"email": "user@example.com", "password": "password123",
	}, nil)
	require.Equal(t, http.StatusForbidden, resp0.StatusCode)
	assert.Equal(t, "AUTHORIZATION_ERROR", body0["error_code"])

	userToken, _ := registerAndLogin(t, e, "user@example.com", adminToken)

	resp, _ := e.do(t, "GET", "/api/auth/admin/users", nil, bearer(userToken))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := e.do(t, "GET", "/api/auth/admin/users", nil, bearer(adminToken))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	meta, _ := body["meta"].(map[string]interface{})
	assert.Equal(t, float64(2), meta["total"])

	// Patterned admin paths are role-checked too.
	resp, _ = e.do(t, "GET", "/api/auth/admin/users/some-id", nil, bearer(userToken))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Admins create users directly, with roles applied at creation.
	resp, body = e.do(t, "POST", "/api/auth/admin/users", map[string]interface{}{
		"email": "ops@example.com", "password": "password123", "roles": []string{"ops"},
	}, bearer(adminToken))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	roles, _ := body["roles"].([]interface{})
	assert.Equal(t, []interface{}{"ops"}, roles)
}

func TestAPIKeyAuth(t *testing.T) {
	e := newEnv(t, nil, nil)
	token, _ := registerAndLogin(t, e, "keys@example.com")

	resp, body := e.do(t, "POST", "/api/auth/api-keys", map[string]interface{}{"name": "ci"}, bearer(token))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	secret, _ := body["secret"].(string)
	keyID, _ := body["id"].(string)
	require.NotEmpty(t, secret)

	resp, _ = e.do(t, "GET", "/api/auth/profile", nil, map[string]string{"X-API-Key": secret})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = e.do(t, "DELETE", "/api/auth/api-keys/"+keyID, nil, bearer(token))
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = e.do(t, "GET", "/api/auth/profile", nil, map[string]string{"X-API-Key": secret})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWalkerEndpointDispatch(t *testing.T) {
	e := newEnv(t, nil, func(reg *rest.Registry, _ *rest.Server) {
		reg.RegisterWalker(&TripPlanner{}, rest.Options{Path: "/api/trips", Methods: []string{"POST"}})
	})

	// Seed root -> site.
	ctx := graph.WithCurrent(context.Background(), e.graph)
	root, err := e.graph.EnsureRoot(ctx)
	require.NoError(t, err)
	site := &Site{Name: "Lighthouse"}
	require.NoError(t, e.graph.CreateNode(ctx, site))
	_, err = e.graph.Connect(ctx, root, site, &Visits{})
	require.NoError(t, err)

	token, _ := registerAndLogin(t, e, "walker@example.com")
	resp, body := e.do(t, "POST", "/api/trips", map[string]interface{}{
		"label":       "coastal",
		"max_results": 3,
		"route":       map[string]interface{}{"origin": "A", "dest": "B"},
		"debug":       true,
		"internal":    "must be ignored",
	}, bearer(token))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, "TripPlanner", body["walker"])
	reports, _ := body["reports"].([]interface{})
	require.Len(t, reports, 1)
	report := reports[0].(map[string]interface{})
	assert.Equal(t, "Lighthouse", report["site"])
	assert.Equal(t, "coastal", report["label"])
	assert.Equal(t, float64(3), report["limit"])
	assert.Equal(t, "A", report["origin"])
	assert.Equal(t, true, report["debug"])

	// Required field enforcement at decode time.
	resp, body = e.do(t, "POST", "/api/trips", map[string]interface{}{}, bearer(token))
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", body["error_code"])
}

func TestWalkerEndpointSchemaInDocs(t *testing.T) {
	e := newEnv(t, nil, func(reg *rest.Registry, _ *rest.Server) {
		reg.RegisterWalker(&TripPlanner{}, rest.Options{Path: "/api/trips", Methods: []string{"POST"}})
	})

	resp, err := http.Get(e.server.URL + "/docs")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var docs []map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&docs))

	var trip map[string]interface{}
	for _, d := range docs {
		if d["path"] == "/api/trips" {
			trip = d
		}
	}
	require.NotNil(t, trip)

	names := map[string]bool{}
	for _, f := range trip["fields"].([]interface{}) {
		names[f.(map[string]interface{})["name"].(string)] = true
	}
	assert.True(t, names["label"])
	assert.True(t, names["max_results"], "renamed field uses wire name")
	assert.True(t, names["origin"])
	// Hidden and excluded fields stay undocumented.
	assert.False(t, names["debug"])
	assert.False(t, names["internal"])
}

func TestWebhookIdempotency(t *testing.T) {
	var executions atomic.Int64
	const secret = "hook-secret"

	e := newEnv(t, nil, func(reg *rest.Registry, _ *rest.Server) {
		reg.RegisterFunc(func(w http.ResponseWriter, r *http.Request) {
			n := executions.Add(1)
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"execution":%d}`, n)
		}, rest.Options{
			Path:           "/api/hooks/orders",
			Methods:        []string{"POST"},
			Webhook:        true,
			HMACSecret:     secret,
			IdempotencyTTL: time.Minute,
		})
	})

	send := func(payload, key string) (*http.Response, string) {
		body := []byte(payload)
		req, err := http.NewRequest("POST", e.server.URL+"/api/hooks/orders", bytes.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("X-Signature", rest.SignPayload(secret, body))
		if key != "" {
			req.Header.Set("X-Idempotency-Key", key)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		var buf bytes.Buffer
		buf.ReadFrom(resp.Body)
		return resp, buf.String()
	}

	resp, first := send(`{"order":1}`, "k-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Same key with a different body replays the first response and
	// never re-executes the handler.
	resp, second := send(`{"order":2,"changed":true}`, "k-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), executions.Load())

	// A fresh key executes again.
	_, third := send(`{"order":3}`, "k-2")
	assert.NotEqual(t, first, third)
	assert.Equal(t, int64(2), executions.Load())

	// Tampered signature is rejected before the handler.
	req, _ := http.NewRequest("POST", e.server.URL+"/api/hooks/orders", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("X-Signature", "sha256=deadbeef")
	badResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	badResp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, badResp.StatusCode)
	assert.Equal(t, int64(2), executions.Load())

	// Raw deliveries are recorded: two accepted, one rejected. The
	// idempotent replay never reaches the handler or the audit trail.
	count, err := e.store.Count(context.Background(), storage.CollectionWebhookEvt, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestWebhookIdempotencyConcurrent(t *testing.T) {
	var executions atomic.Int64
	const secret = "race-secret"

	e := newEnv(t, nil, func(reg *rest.Registry, _ *rest.Server) {
		reg.RegisterFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(50 * time.Millisecond)
			n := executions.Add(1)
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"execution":%d}`, n)
		}, rest.Options{
			Path:           "/api/hooks/race",
			Methods:        []string{"POST"},
			Webhook:        true,
			HMACSecret:     secret,
			IdempotencyTTL: time.Minute,
		})
	})

	payload := []byte(`{"order":1}`)
	send := func() string {
		req, err := http.NewRequest("POST", e.server.URL+"/api/hooks/race", bytes.NewReader(payload))
		require.NoError(t, err)
		req.Header.Set("X-Signature", rest.SignPayload(secret, payload))
		req.Header.Set("X-Idempotency-Key", "k-race")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		var buf bytes.Buffer
		buf.ReadFrom(resp.Body)
		return buf.String()
	}

	// Both requests carry the same key before either response is
	// cached; the latch makes the second wait and replay.
	const racers = 4
	var wg sync.WaitGroup
	bodies := make([]string, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			bodies[i] = send()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), executions.Load())
	for i := 1; i < racers; i++ {
		assert.Equal(t, bodies[0], bodies[i])
	}
}

func TestWebhookAsync(t *testing.T) {
	done := make(chan struct{}, 1)
	e := newEnv(t, nil, func(reg *rest.Registry, _ *rest.Server) {
		reg.RegisterFunc(func(w http.ResponseWriter, r *http.Request) {
			done <- struct{}{}
		}, rest.Options{
			Path:    "/api/hooks/async",
			Methods: []string{"POST"},
			Webhook: true,
			Async:   true,
		})
	})

	resp, body := e.do(t, "POST", "/api/hooks/async", map[string]int{"n": 1}, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "accepted", body["status"])

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("async handler never ran")
	}
}

func TestRateLimitHeaders(t *testing.T) {
	e := newEnv(t, nil, func(reg *rest.Registry, _ *rest.Server) {
		reg.RegisterFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}, rest.Options{
			Path:      "/api/limited",
			Methods:   []string{"GET"},
			RateLimit: &rest.RateLimit{Requests: 2, Window: time.Minute},
		})
	})

	for i := 0; i < 2; i++ {
		resp, _ := e.do(t, "GET", "/api/limited", nil, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, "request %d", i+1)
	}

	resp, body := e.do(t, "GET", "/api/limited", nil, nil)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "RATE_LIMIT_ERROR", body["error_code"])
	assert.Equal(t, "2", resp.Header.Get("X-RateLimit-Limit"))
	assert.Equal(t, "60", resp.Header.Get("X-RateLimit-Window"))
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestRefreshRotation(t *testing.T) {
	e := newEnv(t, nil, nil)
	_, refresh := registerAndLogin(t, e, "rotate@example.com")
	require.NotEmpty(t, refresh)

	resp, body := e.do(t, "POST", "/api/auth/refresh", map[string]string{
		"refresh_token": refresh,
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	next, _ := body["refresh_token"].(string)
	require.NotEmpty(t, next)
	assert.NotEqual(t, refresh, next)

	// The rotated-out token no longer refreshes.
	resp, _ = e.do(t, "POST", "/api/auth/refresh", map[string]string{
		"refresh_token": refresh,
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	reg := rest.NewRegistry()
	reg.RegisterFunc(func(http.ResponseWriter, *http.Request) {}, rest.Options{Path: "/x", Methods: []string{"GET"}})
	assert.Panics(t, func() {
		reg.RegisterFunc(func(http.ResponseWriter, *http.Request) {}, rest.Options{Path: "/x", Methods: []string{"GET"}})
	})
}

func TestHealthReflectsStorageFailure(t *testing.T) {
	e := newEnv(t, nil, nil)

	resp, body := e.do(t, "GET", "/health", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "ok", body["database"])
	assert.Equal(t, "ok", body["root_node"])
}
