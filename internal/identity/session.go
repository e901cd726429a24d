package identity

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"weaver/internal/query"
	"weaver/internal/storage"
	pkgerrors "weaver/pkg/errors"
)

const sessionCollection = "session"

// Session binds a refresh token to a user. The token is stored only as
// a SHA-256 digest; rotation replaces the digest in place so a stolen
// old token dies on next use.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	TokenHash string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Revoked   bool      `json:"revoked"`
}

// revocations is a process-local cache over the session collection so
// the hot path of access-token validation avoids a database read.
type revocations struct {
	mu      sync.RWMutex
	revoked map[string]struct{}
}

var revokedSessions = &revocations{revoked: make(map[string]struct{})}

func (r *revocations) add(sessionID string) {
	r.mu.Lock()
	r.revoked[sessionID] = struct{}{}
	r.mu.Unlock()
}

func (r *revocations) has(sessionID string) bool {
	r.mu.RLock()
	_, ok := r.revoked[sessionID]
	r.mu.RUnlock()
	return ok
}

// ResetRevocations clears the process-local revocation cache. Tests
// use it between cases.
func ResetRevocations() {
	revokedSessions.mu.Lock()
	revokedSessions.revoked = make(map[string]struct{})
	revokedSessions.mu.Unlock()
}

// CreateSession records a new refresh session.
func (s *Service) CreateSession(ctx context.Context, userID, refreshToken string, ttl time.Duration) (*Session, error) {
	now := time.Now().UTC()
	sess := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		TokenHash: hashKey(refreshToken),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if _, err := s.store.Save(ctx, sessionCollection, sessionDoc(sess)); err != nil {
		return nil, pkgerrors.Wrap(err, "save session")
	}
	return sess, nil
}

// RotateSession validates a presented refresh token and swaps in a new
// one. A revoked, expired or unknown token fails authentication.
func (s *Service) RotateSession(ctx context.Context, sessionID, oldToken, newToken string, ttl time.Duration) (*Session, error) {
	sess, err := s.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Revoked || revokedSessions.has(sessionID) {
		return nil, pkgerrors.NewAuthentication("session revoked")
	}
	if time.Now().After(sess.ExpiresAt) {
		return nil, pkgerrors.NewAuthentication("session expired")
	}
	if sess.TokenHash != hashKey(oldToken) {
		// A replayed old token after rotation lands here. Revoke the
		// whole session rather than let the race play out.
		s.revoke(ctx, sess)
		return nil, pkgerrors.NewAuthentication("refresh token mismatch")
	}
	sess.TokenHash = hashKey(newToken)
	sess.ExpiresAt = time.Now().UTC().Add(ttl)
	if _, err := s.store.Save(ctx, sessionCollection, sessionDoc(sess)); err != nil {
		return nil, pkgerrors.Wrap(err, "save session")
	}
	return sess, nil
}

// FindSessionByToken resolves a presented refresh token to its
// session record.
func (s *Service) FindSessionByToken(ctx context.Context, refreshToken string) (*Session, error) {
	doc, err := s.store.FindOne(ctx, sessionCollection, query.Query{"token_hash": hashKey(refreshToken)})
	if err != nil {
		return nil, pkgerrors.Wrap(err, "find session")
	}
	if doc == nil {
		return nil, pkgerrors.NewAuthentication("unknown refresh token")
	}
	return sessionFromDoc(doc), nil
}

// RevokeSession invalidates a session, typically on logout.
func (s *Service) RevokeSession(ctx context.Context, sessionID string) error {
	sess, err := s.getSession(ctx, sessionID)
	if err != nil {
		if pkgerrors.IsNotFound(err) {
			// Logout is idempotent.
			revokedSessions.add(sessionID)
			return nil
		}
		return err
	}
	s.revoke(ctx, sess)
	return nil
}

// RevokeAllSessions invalidates every session a user holds.
func (s *Service) RevokeAllSessions(ctx context.Context, userID string) error {
	docs, err := s.store.Find(ctx, sessionCollection, query.Query{"user_id": userID}, storage.FindOptions{})
	if err != nil {
		return pkgerrors.Wrap(err, "list sessions")
	}
	for _, d := range docs {
		s.revoke(ctx, sessionFromDoc(d))
	}
	return nil
}

// SessionRevoked reports whether a session id has been revoked. Used by
// the auth middleware after JWT decode.
func (s *Service) SessionRevoked(ctx context.Context, sessionID string) bool {
	if sessionID == "" {
		return false
	}
	if revokedSessions.has(sessionID) {
		return true
	}
	sess, err := s.getSession(ctx, sessionID)
	if err != nil {
		// Unknown sessions deny by default.
		return true
	}
	if sess.Revoked {
		revokedSessions.add(sessionID)
		return true
	}
	return false
}

func (s *Service) revoke(ctx context.Context, sess *Session) {
	sess.Revoked = true
	revokedSessions.add(sess.ID)
	if _, err := s.store.Save(ctx, sessionCollection, sessionDoc(sess)); err != nil {
		s.log.Warn("persist session revocation", zap.String("session_id", sess.ID), zap.Error(err))
	}
}

func (s *Service) getSession(ctx context.Context, sessionID string) (*Session, error) {
	doc, err := s.store.Get(ctx, sessionCollection, sessionID)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "get session")
	}
	if doc == nil {
		return nil, pkgerrors.NewNotFound("session not found")
	}
	return sessionFromDoc(doc), nil
}

func sessionDoc(sess *Session) storage.Document {
	return storage.Document{
		"id":         sess.ID,
		"user_id":    sess.UserID,
		"token_hash": sess.TokenHash,
		"created_at": sess.CreatedAt.Format(time.RFC3339Nano),
		"expires_at": sess.ExpiresAt.Format(time.RFC3339Nano),
		"revoked":    sess.Revoked,
	}
}

func sessionFromDoc(doc storage.Document) *Session {
	return &Session{
		ID:        docString(doc, "id"),
		UserID:    docString(doc, "user_id"),
		TokenHash: docString(doc, "token_hash"),
		CreatedAt: docTime(doc, "created_at"),
		ExpiresAt: docTime(doc, "expires_at"),
		Revoked:   doc["revoked"] == true,
	}
}
