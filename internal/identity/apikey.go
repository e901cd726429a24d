package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"weaver/internal/query"
	"weaver/internal/storage"
	pkgerrors "weaver/pkg/errors"
)

const apiKeyCollection = "api_key"

// APIKey is stored key metadata. The secret itself is returned exactly
// once at creation; only its SHA-256 digest persists.
type APIKey struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Name      string     `json:"name"`
	Prefix    string     `json:"prefix"`
	KeyHash   string     `json:"-"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// CreatedKey pairs the stored record with the one-time plaintext.
type CreatedKey struct {
	APIKey
	Secret string `json:"secret"`
}

func hashKey(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// CreateAPIKey mints a key for a user. expiresIn <= 0 means no expiry.
func (s *Service) CreateAPIKey(ctx context.Context, userID, name string, expiresIn time.Duration) (*CreatedKey, error) {
	if name == "" {
		return nil, pkgerrors.NewValidation("key name is required")
	}
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return nil, pkgerrors.NewInternal("generate key material", err)
	}
	secret := "wk_" + hex.EncodeToString(raw)

	key := APIKey{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      name,
		Prefix:    secret[:8],
		KeyHash:   hashKey(secret),
		CreatedAt: time.Now().UTC(),
	}
	if expiresIn > 0 {
		exp := key.CreatedAt.Add(expiresIn)
		key.ExpiresAt = &exp
	}
	if _, err := s.store.Save(ctx, apiKeyCollection, apiKeyDoc(&key)); err != nil {
		return nil, pkgerrors.Wrap(err, "save api key")
	}
	s.log.Info("api key created", zap.String("key_id", key.ID), zap.String("user_id", userID))
	return &CreatedKey{APIKey: key, Secret: secret}, nil
}

// ListAPIKeys returns a user's keys, newest last.
func (s *Service) ListAPIKeys(ctx context.Context, userID string) ([]*APIKey, error) {
	docs, err := s.store.Find(ctx, apiKeyCollection, query.Query{"user_id": userID}, storage.FindOptions{
		Sort: query.SortSpec{{Field: "created_at"}},
	})
	if err != nil {
		return nil, pkgerrors.Wrap(err, "list api keys")
	}
	keys := make([]*APIKey, 0, len(docs))
	for _, d := range docs {
		keys = append(keys, apiKeyFromDoc(d))
	}
	return keys, nil
}

// RevokeAPIKey marks a key revoked. Only the owning user may revoke.
func (s *Service) RevokeAPIKey(ctx context.Context, userID, keyID string) error {
	doc, err := s.store.Get(ctx, apiKeyCollection, keyID)
	if err != nil {
		return pkgerrors.Wrap(err, "get api key")
	}
	if doc == nil || docString(doc, "user_id") != userID {
		return pkgerrors.NewNotFound("api key not found")
	}
	doc["revoked"] = true
	if _, err := s.store.Save(ctx, apiKeyCollection, doc); err != nil {
		return pkgerrors.Wrap(err, "save api key")
	}
	return nil
}

// ResolveAPIKey authenticates a plaintext key, returning its record and
// owning user. Revoked, expired and unknown keys fail identically.
func (s *Service) ResolveAPIKey(ctx context.Context, secret string) (*APIKey, *User, error) {
	doc, err := s.store.FindOne(ctx, apiKeyCollection, query.Query{"key_hash": hashKey(secret)})
	if err != nil {
		return nil, nil, pkgerrors.Wrap(err, "find api key")
	}
	if doc == nil {
		return nil, nil, pkgerrors.NewAuthentication("invalid api key")
	}
	key := apiKeyFromDoc(doc)
	if key.Revoked {
		return nil, nil, pkgerrors.NewAuthentication("invalid api key")
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return nil, nil, pkgerrors.NewAuthentication("invalid api key")
	}
	user, err := s.GetByID(ctx, key.UserID)
	if err != nil || !user.IsActive {
		return nil, nil, pkgerrors.NewAuthentication("invalid api key")
	}
	return key, user, nil
}

func apiKeyDoc(k *APIKey) storage.Document {
	doc := storage.Document{
		"id":         k.ID,
		"user_id":    k.UserID,
		"name":       k.Name,
		"prefix":     k.Prefix,
		"key_hash":   k.KeyHash,
		"created_at": k.CreatedAt.Format(time.RFC3339Nano),
		"revoked":    k.Revoked,
	}
	if k.ExpiresAt != nil {
		doc["expires_at"] = k.ExpiresAt.Format(time.RFC3339Nano)
	}
	return doc
}

func apiKeyFromDoc(doc storage.Document) *APIKey {
	k := &APIKey{
		ID:        docString(doc, "id"),
		UserID:    docString(doc, "user_id"),
		Name:      docString(doc, "name"),
		Prefix:    docString(doc, "prefix"),
		KeyHash:   docString(doc, "key_hash"),
		CreatedAt: docTime(doc, "created_at"),
		Revoked:   doc["revoked"] == true,
	}
	if _, ok := doc["expires_at"]; ok {
		exp := docTime(doc, "expires_at")
		k.ExpiresAt = &exp
	}
	return k
}
