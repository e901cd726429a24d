package auth

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	pkgerrors "weaver/pkg/errors"
)

// TokenKind separates access from refresh tokens in claims, so a
// refresh token can never authenticate a request directly.
type TokenKind string

const (
	TokenAccess  TokenKind = "access"
	TokenRefresh TokenKind = "refresh"
)

// Claims carried in every issued token.
type Claims struct {
	UserID      string    `json:"sub"`
	Email       string    `json:"email"`
	Roles       []string  `json:"roles"`
	Permissions []string  `json:"permissions,omitempty"`
	Kind        TokenKind `json:"kind"`
	SessionID   string    `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// JWTConfig holds the HS256 signing configuration.
type JWTConfig struct {
	Secret        string
	Issuer        string
	Audience      string
	AccessExpiry  time.Duration
	RefreshExpiry time.Duration
}

// JWTManager signs and validates tokens. HS256 only; the secret is
// required.
type JWTManager struct {
	secret        []byte
	issuer        string
	audience      string
	accessExpiry  time.Duration
	refreshExpiry time.Duration
}

// NewJWTManager builds a manager from config.
func NewJWTManager(cfg JWTConfig) (*JWTManager, error) {
	if cfg.Secret == "" {
		return nil, pkgerrors.NewInternal("jwt secret is required", nil)
	}
	if cfg.AccessExpiry <= 0 {
		cfg.AccessExpiry = time.Hour
	}
	if cfg.RefreshExpiry <= 0 {
		cfg.RefreshExpiry = 7 * 24 * time.Hour
	}
	return &JWTManager{
		secret:        []byte(cfg.Secret),
		issuer:        cfg.Issuer,
		audience:      cfg.Audience,
		accessExpiry:  cfg.AccessExpiry,
		refreshExpiry: cfg.RefreshExpiry,
	}, nil
}

// AccessExpiry is the configured access-token lifetime.
func (m *JWTManager) AccessExpiry() time.Duration { return m.accessExpiry }

// Generate issues a token of the given kind for a user.
func (m *JWTManager) Generate(kind TokenKind, userID, email string, roles, permissions []string, sessionID string) (string, error) {
	expiry := m.accessExpiry
	if kind == TokenRefresh {
		expiry = m.refreshExpiry
	}
	now := time.Now()
	claims := &Claims{
		UserID:      userID,
		Email:       email,
		Roles:       roles,
		Permissions: permissions,
		Kind:        kind,
		SessionID:   sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Audience:  jwt.ClaimStrings{m.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", pkgerrors.NewInternal("sign token", err)
	}
	return signed, nil
}

// Validate parses and verifies a token of the expected kind. Expired
// and mis-signed tokens fail here; revocation is the caller's check.
func (m *JWTManager) Validate(tokenString string, kind TokenKind) (*Claims, error) {
	tokenString = strings.TrimSpace(strings.TrimPrefix(tokenString, "Bearer "))
	if tokenString == "" {
		return nil, pkgerrors.NewAuthentication("missing authentication token")
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, pkgerrors.NewAuthentication("unexpected signing method")
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, pkgerrors.NewAuthentication("invalid or expired token")
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, pkgerrors.NewAuthentication("invalid token claims")
	}
	if claims.Kind != kind {
		return nil, pkgerrors.NewAuthentication("wrong token kind")
	}
	if m.issuer != "" && claims.Issuer != m.issuer {
		return nil, pkgerrors.NewAuthentication("invalid token issuer")
	}
	if claims.UserID == "" {
		return nil, pkgerrors.NewAuthentication("token carries no subject")
	}
	return claims, nil
}
