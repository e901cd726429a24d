package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoad_DefaultsAndEnvOverride(t *testing.T) {
	t.Setenv("WEAVER_JWT_SECRET", "test-secret")
	t.Setenv("WEAVER_PORT", "9000")
	t.Setenv("WEAVER_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("WEAVER_RATE_LIMIT_ENABLED", "false")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "test-secret", cfg.Auth.JWTSecret)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Addr())
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.False(t, cfg.Auth.RateLimitEnabled)
	assert.Equal(t, "HS256", cfg.Auth.JWTAlgorithm)
	assert.Equal(t, "X-API-Key", cfg.Auth.APIKeyHeader)
	assert.Contains(t, cfg.Auth.ExemptPaths, "/health")
}

func TestLoad_YAMLFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
auth:
  jwt_secret: from-file
  access_expiry_seconds: 120
server:
  port: 7070
engine:
  default_max_depth: 5
`), 0o600))

	t.Setenv("WEAVER_PORT", "7071")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Auth.JWTSecret)
	assert.Equal(t, 120, cfg.Auth.AccessExpirySeconds)
	// Environment wins over the file.
	assert.Equal(t, 7071, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Engine.DefaultMaxDepth)
}

func TestLoad_MissingFileIsOptional(t *testing.T) {
	t.Setenv("WEAVER_JWT_SECRET", "s")
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.Error(t, cfg.Validate(), "missing jwt secret")

	cfg.Auth.JWTSecret = "s"
	require.NoError(t, cfg.Validate())

	cfg.Auth.JWTAlgorithm = "RS256"
	require.Error(t, cfg.Validate())
	cfg.Auth.JWTAlgorithm = "HS256"

	cfg.Server.Port = 0
	require.Error(t, cfg.Validate())
	cfg.Server.Port = 8000

	cfg.Auth.RateLimitEnabled = true
	cfg.Auth.RateLimitPerWindow = 0
	require.Error(t, cfg.Validate())
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("auth:\n  jwt_secret: one\n"), 0o600))

	w, err := NewWatcher(path, zap.NewNop())
	require.NoError(t, err)
	defer w.Close()
	assert.Equal(t, "one", w.Current().Auth.JWTSecret)

	changed := make(chan *Config, 1)
	w.OnChange(func(c *Config) { changed <- c })

	require.NoError(t, os.WriteFile(path, []byte("auth:\n  jwt_secret: two\n"), 0o600))

	select {
	case cfg := <-changed:
		assert.Equal(t, "two", cfg.Auth.JWTSecret)
		assert.Equal(t, "two", w.Current().Auth.JWTSecret)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed")
	}
}

func TestWatcher_KeepsCurrentOnInvalidReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("auth:\n  jwt_secret: one\n"), 0o600))

	w, err := NewWatcher(path, zap.NewNop())
	require.NoError(t, err)
	defer w.Close()

	// Empty secret fails validation; the old config must survive.
	require.NoError(t, os.WriteFile(path, []byte("auth:\n  jwt_secret: \"\"\n"), 0o600))
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, "one", w.Current().Auth.JWTSecret)
}
