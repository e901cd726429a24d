package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "weaver/pkg/errors"
)

func newManager(t *testing.T) *JWTManager {
	t.Helper()
	m, err := NewJWTManager(JWTConfig{
		Secret:       "test-secret",
		Issuer:       "weaver",
		Audience:     "weaver-api",
		AccessExpiry: time.Minute,
	})
	require.NoError(t, err)
	return m
}

func TestJWT_RoundTrip(t *testing.T) {
	m := newManager(t)

	token, err := m.Generate(TokenAccess, "u1", "a@example.com", []string{"member"}, []string{"read"}, "s1")
	require.NoError(t, err)

	claims, err := m.Validate(token, TokenAccess)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, []string{"member"}, claims.Roles)
	assert.Equal(t, "s1", claims.SessionID)

	// Bearer prefix is tolerated.
	_, err = m.Validate("Bearer "+token, TokenAccess)
	require.NoError(t, err)
}

func TestJWT_RejectsWrongKindAndSecret(t *testing.T) {
	m := newManager(t)

	refresh, err := m.Generate(TokenRefresh, "u1", "", nil, nil, "")
	require.NoError(t, err)
	_, err = m.Validate(refresh, TokenAccess)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsAuthentication(err))

	other, err := NewJWTManager(JWTConfig{Secret: "different"})
	require.NoError(t, err)
	token, err := other.Generate(TokenAccess, "u1", "", nil, nil, "")
	require.NoError(t, err)
	_, err = m.Validate(token, TokenAccess)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsAuthentication(err))

	_, err = m.Validate("", TokenAccess)
	require.Error(t, err)
}

func TestJWT_RequiresSecret(t *testing.T) {
	_, err := NewJWTManager(JWTConfig{})
	require.Error(t, err)
}

func TestSlidingWindowLimiter(t *testing.T) {
	l := NewSlidingWindowLimiter(3, 200*time.Millisecond)
	defer l.Close()

	for i := 0; i < 3; i++ {
		d := l.Allow("client")
		assert.True(t, d.Allowed, "request %d within limit", i+1)
	}

	d := l.Allow("client")
	assert.False(t, d.Allowed)
	assert.Equal(t, 3, d.Limit)
	assert.LessOrEqual(t, d.RetryAfter, 200*time.Millisecond)

	// Other clients are unaffected.
	assert.True(t, l.Allow("other").Allowed)

	// The first request past the window succeeds again.
	time.Sleep(250 * time.Millisecond)
	assert.True(t, l.Allow("client").Allowed)
}

func TestClientKey(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	r.Header.Set("User-Agent", "agent-a")

	assert.Equal(t, "user:u1", ClientKey(r, "u1", ""))
	assert.Equal(t, "key:k1", ClientKey(r, "", "k1"))

	anon := ClientKey(r, "", "")
	assert.Contains(t, anon, "anon:")

	r2 := httptest.NewRequest("GET", "/", nil)
	r2.RemoteAddr = "10.0.0.2:1234"
	r2.Header.Set("User-Agent", "agent-a")
	assert.NotEqual(t, anon, ClientKey(r2, "", ""))
}

func TestPrincipal_Authorization(t *testing.T) {
	member := &Principal{Roles: []string{"member"}, Permissions: []string{"read", "write"}}
	assert.True(t, member.HasAnyRole([]string{"member", "editor"}))
	assert.False(t, member.HasAnyRole([]string{"editor"}))
	assert.True(t, member.HasAllPermissions([]string{"read"}))
	assert.False(t, member.HasAllPermissions([]string{"read", "delete"}))
	assert.True(t, member.HasAnyRole(nil))
	assert.True(t, member.HasAllPermissions(nil))

	admin := &Principal{Roles: []string{AdminRole}}
	assert.True(t, admin.HasAnyRole([]string{"anything"}))
	assert.True(t, admin.HasAllPermissions([]string{"anything", "at", "all"}))

	wildcard := &Principal{Permissions: []string{"*"}}
	assert.True(t, wildcard.HasAllPermissions([]string{"whatever"}))
}
