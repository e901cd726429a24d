// Package identity manages users, API keys and sessions over the
// persistence layer. Passwords are bcrypt-hashed; API keys and refresh
// tokens are stored as SHA-256 digests so a database read never yields
// a usable credential.
package identity

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"weaver/internal/query"
	"weaver/internal/storage"
	pkgerrors "weaver/pkg/errors"
)

const (
	userCollection = "user"

	// AdminRole is granted to the first registered user.
	AdminRole = "admin"
)

// User is a stored account. PasswordHash never leaves the service.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Roles        []string  `json:"roles"`
	Permissions  []string  `json:"permissions"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Service exposes account, API-key and session operations.
type Service struct {
	store storage.Store
	log   *zap.Logger

	// bootstrapMu serializes the count-then-save in Register so the
	// admin grant for an empty collection happens exactly once.
	bootstrapMu sync.Mutex
}

func NewService(store storage.Store, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{store: store, log: log}
	return s
}

// EnsureIndexes creates the unique and lookup indexes the service
// depends on. Call once at startup.
func (s *Service) EnsureIndexes(ctx context.Context) error {
	specs := []struct {
		collection string
		spec       storage.IndexSpec
	}{
		{userCollection, storage.IndexSpec{Fields: []storage.IndexField{{Field: "email"}}, Unique: true}},
		{apiKeyCollection, storage.IndexSpec{Fields: []storage.IndexField{{Field: "key_hash"}}, Unique: true}},
		{apiKeyCollection, storage.IndexSpec{Fields: []storage.IndexField{{Field: "user_id"}}}},
		{sessionCollection, storage.IndexSpec{Fields: []storage.IndexField{{Field: "token_hash"}}}},
		{sessionCollection, storage.IndexSpec{Fields: []storage.IndexField{{Field: "user_id"}}}},
	}
	for _, is := range specs {
		if err := s.store.CreateIndex(ctx, is.collection, is.spec); err != nil {
			return pkgerrors.Wrap(err, "create identity index")
		}
	}
	return nil
}

// Bootstrapped reports whether any user exists.
func (s *Service) Bootstrapped(ctx context.Context) (bool, error) {
	total, err := s.store.Count(ctx, userCollection, nil)
	if err != nil {
		return false, pkgerrors.Wrap(err, "count users")
	}
	return total > 0, nil
}

// Register creates a user. The first user in an empty collection is
// granted the admin role.
func (s *Service) Register(ctx context.Context, email, password string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, pkgerrors.NewValidation("a valid email is required")
	}
	if len(password) < 8 {
		return nil, pkgerrors.NewValidation("password must be at least 8 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, pkgerrors.NewInternal("hash password", err)
	}

	s.bootstrapMu.Lock()
	defer s.bootstrapMu.Unlock()

	total, err := s.store.Count(ctx, userCollection, nil)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "count users")
	}
	roles := []string{"user"}
	if total == 0 {
		roles = []string{AdminRole}
	}

	now := time.Now().UTC()
	u := &User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: string(hash),
		Roles:        roles,
		Permissions:  []string{},
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if _, err := s.store.Save(ctx, userCollection, userDoc(u)); err != nil {
		if pkgerrors.IsConflict(err) {
			return nil, pkgerrors.NewConflict("email already registered")
		}
		return nil, pkgerrors.Wrap(err, "save user")
	}
	s.log.Info("user registered", zap.String("user_id", u.ID), zap.Strings("roles", u.Roles))
	return u, nil
}

// Authenticate verifies an email/password pair. Failures are reported
// uniformly so callers cannot distinguish a missing account from a
// wrong password.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*User, error) {
	u, err := s.GetByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if pkgerrors.IsNotFound(err) {
			return nil, pkgerrors.NewAuthentication("invalid credentials")
		}
		return nil, err
	}
	if !u.IsActive {
		return nil, pkgerrors.NewAuthentication("invalid credentials")
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return nil, pkgerrors.NewAuthentication("invalid credentials")
	}
	return u, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (*User, error) {
	doc, err := s.store.Get(ctx, userCollection, id)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "get user")
	}
	if doc == nil {
		return nil, pkgerrors.NewNotFound("user not found")
	}
	return userFromDoc(doc), nil
}

func (s *Service) GetByEmail(ctx context.Context, email string) (*User, error) {
	doc, err := s.store.FindOne(ctx, userCollection, query.Query{"email": email})
	if err != nil {
		return nil, pkgerrors.Wrap(err, "find user")
	}
	if doc == nil {
		return nil, pkgerrors.NewNotFound("user not found")
	}
	return userFromDoc(doc), nil
}

// List returns a page of users and the total count.
func (s *Service) List(ctx context.Context, limit, offset int) ([]*User, int64, error) {
	total, err := s.store.Count(ctx, userCollection, nil)
	if err != nil {
		return nil, 0, pkgerrors.Wrap(err, "count users")
	}
	docs, err := s.store.Find(ctx, userCollection, nil, storage.FindOptions{
		Sort:   query.SortSpec{{Field: "created_at"}},
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return nil, 0, pkgerrors.Wrap(err, "list users")
	}
	users := make([]*User, 0, len(docs))
	for _, d := range docs {
		users = append(users, userFromDoc(d))
	}
	return users, total, nil
}

// ProfileUpdate carries the self-service mutable fields.
type ProfileUpdate struct {
	Email    *string `json:"email,omitempty"`
	Password *string `json:"password,omitempty"`
}

// UpdateProfile applies a user's own changes.
func (s *Service) UpdateProfile(ctx context.Context, id string, upd ProfileUpdate) (*User, error) {
	u, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if upd.Email != nil {
		email := strings.ToLower(strings.TrimSpace(*upd.Email))
		if email == "" || !strings.Contains(email, "@") {
			return nil, pkgerrors.NewValidation("a valid email is required")
		}
		u.Email = email
	}
	if upd.Password != nil {
		if len(*upd.Password) < 8 {
			return nil, pkgerrors.NewValidation("password must be at least 8 characters")
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(*upd.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, pkgerrors.NewInternal("hash password", err)
		}
		u.PasswordHash = string(hash)
	}
	u.UpdatedAt = time.Now().UTC()
	if _, err := s.store.Save(ctx, userCollection, userDoc(u)); err != nil {
		if pkgerrors.IsConflict(err) {
			return nil, pkgerrors.NewConflict("email already registered")
		}
		return nil, pkgerrors.Wrap(err, "save user")
	}
	return u, nil
}

// AdminUpdate carries the admin-mutable account fields.
type AdminUpdate struct {
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	IsActive    *bool    `json:"is_active,omitempty"`
}

func (s *Service) AdminUpdateUser(ctx context.Context, id string, upd AdminUpdate) (*User, error) {
	u, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if upd.Roles != nil {
		u.Roles = upd.Roles
	}
	if upd.Permissions != nil {
		u.Permissions = upd.Permissions
	}
	if upd.IsActive != nil {
		u.IsActive = *upd.IsActive
	}
	u.UpdatedAt = time.Now().UTC()
	if _, err := s.store.Save(ctx, userCollection, userDoc(u)); err != nil {
		return nil, pkgerrors.Wrap(err, "save user")
	}
	return u, nil
}

// DeleteUser removes the account and revokes its keys and sessions.
func (s *Service) DeleteUser(ctx context.Context, id string) error {
	existed, err := s.store.Delete(ctx, userCollection, id)
	if err != nil {
		return pkgerrors.Wrap(err, "delete user")
	}
	if !existed {
		return pkgerrors.NewNotFound("user not found")
	}
	byUser := query.Query{"user_id": id}
	if _, err := s.store.DeleteMany(ctx, apiKeyCollection, byUser); err != nil {
		s.log.Warn("delete user api keys", zap.String("user_id", id), zap.Error(err))
	}
	if _, err := s.store.DeleteMany(ctx, sessionCollection, byUser); err != nil {
		s.log.Warn("delete user sessions", zap.String("user_id", id), zap.Error(err))
	}
	return nil
}

func userDoc(u *User) storage.Document {
	return storage.Document{
		"id":            u.ID,
		"email":         u.Email,
		"password_hash": u.PasswordHash,
		"roles":         toIfaceSlice(u.Roles),
		"permissions":   toIfaceSlice(u.Permissions),
		"is_active":     u.IsActive,
		"created_at":    u.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":    u.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func userFromDoc(doc storage.Document) *User {
	return &User{
		ID:           docString(doc, "id"),
		Email:        docString(doc, "email"),
		PasswordHash: docString(doc, "password_hash"),
		Roles:        toStringSlice(doc["roles"]),
		Permissions:  toStringSlice(doc["permissions"]),
		IsActive:     doc["is_active"] == true,
		CreatedAt:    docTime(doc, "created_at"),
		UpdatedAt:    docTime(doc, "updated_at"),
	}
}

func docString(doc storage.Document, key string) string {
	s, _ := doc[key].(string)
	return s
}

func docTime(doc storage.Document, key string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, docString(doc, key))
	return t
}

func toIfaceSlice(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func toStringSlice(v interface{}) []string {
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
