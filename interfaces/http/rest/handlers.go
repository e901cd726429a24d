package rest

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"weaver/internal/graph"
	"weaver/internal/identity"
	"weaver/internal/logs"
	"weaver/internal/storage"
	"weaver/pkg/api"
	"weaver/pkg/auth"
	pkgerrors "weaver/pkg/errors"
)

// Handlers serves the built-in service endpoints.
type Handlers struct {
	Identity *identity.Service
	JWT      *auth.JWTManager
	Logs     *logs.Service
	Graph    *graph.Context
	Store    storage.Store
	Log      *zap.Logger

	Service string
	Version string

	RefreshExpiry time.Duration
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Register creates an account. The first account becomes admin; once
// any user exists, further registrations require an admin caller.
func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := api.Decode(r, &req); err != nil {
		api.Error(w, err)
		return
	}
	bootstrapped, err := h.Identity.Bootstrapped(r.Context())
	if err != nil {
		api.Error(w, err)
		return
	}
	if bootstrapped && !h.callerIsAdmin(r) {
		api.Forbidden(w, "registration requires an administrator")
		return
	}
	user, err := h.Identity.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		api.Error(w, err)
		return
	}
	h.audit(r, "auth", "user registered", user.ID)
	api.Created(w, user)
}

// callerIsAdmin resolves the caller's roles. Register sits on an
// exempt path, so the pipeline never attaches a principal; the bearer
// token is checked here instead.
func (h *Handlers) callerIsAdmin(r *http.Request) bool {
	if p, ok := auth.PrincipalFrom(r.Context()); ok {
		return p.HasAnyRole([]string{identity.AdminRole})
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return false
	}
	claims, err := h.JWT.Validate(header, auth.TokenAccess)
	if err != nil {
		return false
	}
	user, err := h.Identity.GetByID(r.Context(), claims.UserID)
	if err != nil || !user.IsActive {
		return false
	}
	for _, role := range user.Roles {
		if role == identity.AdminRole {
			return true
		}
	}
	return false
}

type tokenResponse struct {
	AccessToken  string  `json:"access_token"`
	RefreshToken *string `json:"refresh_token"`
	TokenType    string  `json:"token_type"`
	ExpiresIn    int     `json:"expires_in"`
}

// Login exchanges credentials for tokens. A refresh-generation failure
// does not fail the login; the response carries refresh_token=null.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := api.Decode(r, &req); err != nil {
		api.Error(w, err)
		return
	}
	user, err := h.Identity.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		api.Error(w, err)
		return
	}

	resp := tokenResponse{
		TokenType: "bearer",
		ExpiresIn: int(h.JWT.AccessExpiry().Seconds()),
	}

	var sessionID string
	refresh, err := h.JWT.Generate(auth.TokenRefresh, user.ID, user.Email, nil, nil, "")
	if err == nil {
		sess, serr := h.Identity.CreateSession(r.Context(), user.ID, refresh, h.RefreshExpiry)
		if serr == nil {
			sessionID = sess.ID
			resp.RefreshToken = &refresh
		} else {
			err = serr
		}
	}
	if err != nil {
		h.Log.Warn("refresh token unavailable", zap.String("user_id", user.ID), zap.Error(err))
	}

	access, err := h.JWT.Generate(auth.TokenAccess, user.ID, user.Email, user.Roles, user.Permissions, sessionID)
	if err != nil {
		api.Error(w, err)
		return
	}
	resp.AccessToken = access

	h.audit(r, "auth", "user logged in", user.ID)
	api.Success(w, resp)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh rotates a refresh token and issues a new access token.
func (h *Handlers) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := api.Decode(r, &req); err != nil {
		api.Error(w, err)
		return
	}
	claims, err := h.JWT.Validate(req.RefreshToken, auth.TokenRefresh)
	if err != nil {
		api.Error(w, err)
		return
	}
	user, err := h.Identity.GetByID(r.Context(), claims.UserID)
	if err != nil {
		api.Error(w, pkgerrors.NewAuthentication("account unavailable"))
		return
	}

	current, err := h.Identity.FindSessionByToken(r.Context(), req.RefreshToken)
	if err != nil {
		api.Error(w, err)
		return
	}
	next, err := h.JWT.Generate(auth.TokenRefresh, user.ID, user.Email, nil, nil, "")
	if err != nil {
		api.Error(w, err)
		return
	}
	sess, err := h.Identity.RotateSession(r.Context(), current.ID, req.RefreshToken, next, h.RefreshExpiry)
	if err != nil {
		api.Error(w, err)
		return
	}
	access, err := h.JWT.Generate(auth.TokenAccess, user.ID, user.Email, user.Roles, user.Permissions, sess.ID)
	if err != nil {
		api.Error(w, err)
		return
	}
	api.Success(w, tokenResponse{
		AccessToken:  access,
		RefreshToken: &next,
		TokenType:    "bearer",
		ExpiresIn:    int(h.JWT.AccessExpiry().Seconds()),
	})
}

// Logout revokes the caller's session. Idempotent.
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		api.Unauthorized(w, "credentials required")
		return
	}
	if principal.SessionID != "" {
		if err := h.Identity.RevokeSession(r.Context(), principal.SessionID); err != nil {
			api.Error(w, err)
			return
		}
	}
	h.audit(r, "auth", "user logged out", principal.UserID)
	api.Success(w, map[string]string{"status": "logged out"})
}

// Profile returns the caller's account.
func (h *Handlers) Profile(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		api.Unauthorized(w, "credentials required")
		return
	}
	user, err := h.Identity.GetByID(r.Context(), principal.UserID)
	if err != nil {
		api.Error(w, err)
		return
	}
	api.Success(w, user)
}

// UpdateProfile applies self-service changes to the caller's account.
func (h *Handlers) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		api.Unauthorized(w, "credentials required")
		return
	}
	var upd identity.ProfileUpdate
	if err := api.Decode(r, &upd); err != nil {
		api.Error(w, err)
		return
	}
	user, err := h.Identity.UpdateProfile(r.Context(), principal.UserID, upd)
	if err != nil {
		api.Error(w, err)
		return
	}
	api.Success(w, user)
}

type createKeyRequest struct {
	Name          string `json:"name"`
	ExpiresInDays int    `json:"expires_in_days"`
}

// CreateAPIKey mints a key; the secret appears only in this response.
func (h *Handlers) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		api.Unauthorized(w, "credentials required")
		return
	}
	var req createKeyRequest
	if err := api.Decode(r, &req); err != nil {
		api.Error(w, err)
		return
	}
	created, err := h.Identity.CreateAPIKey(r.Context(), principal.UserID, req.Name,
		time.Duration(req.ExpiresInDays)*24*time.Hour)
	if err != nil {
		api.Error(w, err)
		return
	}
	h.audit(r, "auth", "api key created", principal.UserID)
	api.Created(w, created)
}

func (h *Handlers) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		api.Unauthorized(w, "credentials required")
		return
	}
	keys, err := h.Identity.ListAPIKeys(r.Context(), principal.UserID)
	if err != nil {
		api.Error(w, err)
		return
	}
	api.Success(w, keys)
}

func (h *Handlers) RevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		api.Unauthorized(w, "credentials required")
		return
	}
	if err := h.Identity.RevokeAPIKey(r.Context(), principal.UserID, chi.URLParam(r, "keyID")); err != nil {
		api.Error(w, err)
		return
	}
	api.NoContent(w)
}

// Admin user management.

func (h *Handlers) AdminListUsers(w http.ResponseWriter, r *http.Request) {
	page := api.ExtractPageParams(r)
	users, total, err := h.Identity.List(r.Context(), page.PageSize, page.Offset())
	if err != nil {
		api.Error(w, err)
		return
	}
	api.Success(w, api.Page{Items: users, Meta: page.MetaFor(total)})
}

func (h *Handlers) AdminGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.Identity.GetByID(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		api.Error(w, err)
		return
	}
	api.Success(w, user)
}

func (h *Handlers) AdminCreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email       string   `json:"email"`
		Password    string   `json:"password"`
		Roles       []string `json:"roles"`
		Permissions []string `json:"permissions"`
	}
	if err := api.Decode(r, &req); err != nil {
		api.Error(w, err)
		return
	}
	user, err := h.Identity.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		api.Error(w, err)
		return
	}
	if len(req.Roles) > 0 || len(req.Permissions) > 0 {
		upd := identity.AdminUpdate{Roles: req.Roles, Permissions: req.Permissions}
		user, err = h.Identity.AdminUpdateUser(r.Context(), user.ID, upd)
		if err != nil {
			api.Error(w, err)
			return
		}
	}
	h.audit(r, "admin", "user created", user.ID)
	api.Created(w, user)
}

func (h *Handlers) AdminUpdateUser(w http.ResponseWriter, r *http.Request) {
	var upd identity.AdminUpdate
	if err := api.Decode(r, &upd); err != nil {
		api.Error(w, err)
		return
	}
	user, err := h.Identity.AdminUpdateUser(r.Context(), chi.URLParam(r, "userID"), upd)
	if err != nil {
		api.Error(w, err)
		return
	}
	h.audit(r, "admin", "user updated", user.ID)
	api.Success(w, user)
}

func (h *Handlers) AdminDeleteUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "userID")
	if err := h.Identity.DeleteUser(r.Context(), id); err != nil {
		api.Error(w, err)
		return
	}
	h.audit(r, "admin", "user deleted", id)
	api.NoContent(w)
}

// GetLogs serves filtered, paginated log retrieval.
func (h *Handlers) GetLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := logs.Filter{
		Category: q.Get("category"),
		AgentID:  q.Get("agent_id"),
	}
	if v := q.Get("start_date"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			api.BadRequest(w, "start_date: "+err.Error())
			return
		}
		filter.StartDate = t
	}
	if v := q.Get("end_date"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			api.BadRequest(w, "end_date: "+err.Error())
			return
		}
		filter.EndDate = t
	}

	page := api.ExtractPageParams(r)
	entries, total, err := h.Logs.Query(r.Context(), filter, page.PageSize, page.Offset())
	if err != nil {
		api.Error(w, err)
		return
	}
	api.Success(w, api.Page{Items: entries, Meta: page.MetaFor(total)})
}

func parseDate(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", v)
}

// Metadata answers GET / with service identity.
func (h *Handlers) Metadata(w http.ResponseWriter, r *http.Request) {
	api.Success(w, map[string]interface{}{
		"service": h.Service,
		"version": h.Version,
		"docs":    "/docs",
		"health":  "/health",
	})
}

// Health reports database and root-node reachability; a storage
// failure turns the whole check 503.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	database := "ok"
	rootNode := "ok"
	code := http.StatusOK

	if _, err := h.Store.Count(r.Context(), "node", nil); err != nil {
		status, database, code = "unhealthy", "unreachable", http.StatusServiceUnavailable
		rootNode = "unknown"
	} else if _, err := h.Graph.EnsureRoot(graph.WithCurrent(r.Context(), h.Graph)); err != nil {
		status, rootNode, code = "unhealthy", "missing", http.StatusServiceUnavailable
	}

	body := map[string]interface{}{
		"status":    status,
		"database":  database,
		"root_node": rootNode,
		"service":   h.Service,
		"version":   h.Version,
	}
	api.WriteJSON(w, code, body)
}

// Docs lists every registered endpoint with its request schema.
func (h *Handlers) Docs(registry *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		type endpointDoc struct {
			Path    string     `json:"path"`
			Methods []string   `json:"methods"`
			Kind    string     `json:"kind"`
			Auth    bool       `json:"auth"`
			Tags    []string   `json:"tags,omitempty"`
			Fields  []FieldDoc `json:"fields,omitempty"`
		}
		docs := []endpointDoc{}
		for _, ep := range registry.All() {
			d := endpointDoc{
				Path:    ep.Path,
				Methods: ep.Methods,
				Kind:    string(ep.Kind),
				Auth:    ep.Auth,
				Tags:    ep.Tags,
			}
			if ep.Kind == KindWalker {
				d.Fields = walkerSchema(ep.Walker)
			}
			docs = append(docs, d)
		}
		api.Success(w, docs)
	}
}

func (h *Handlers) audit(r *http.Request, category, message, userID string) {
	if h.Logs == nil {
		return
	}
	h.Logs.Record(r.Context(), logs.Entry{
		Category: category,
		Message:  message,
		Data:     map[string]interface{}{"user_id": userID},
	})
}
