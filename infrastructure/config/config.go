// Package config loads the application configuration from defaults, an
// optional YAML file, and environment variable overrides, in that
// order. A file watcher reloads the YAML at runtime.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"weaver/internal/storage"
)

// StorageConfig selects and parameterizes the persistence backend.
type StorageConfig struct {
	Backend       string `yaml:"backend"`
	BasePath      string `yaml:"base_path"`
	ConnectionURI string `yaml:"connection_uri"`
	DatabaseName  string `yaml:"database_name"`
	Region        string `yaml:"region"`
	TableName     string `yaml:"table_name"`
}

// AuthConfig covers tokens, rate limiting and path exemptions.
type AuthConfig struct {
	JWTSecret            string   `yaml:"jwt_secret"`
	JWTAlgorithm         string   `yaml:"jwt_algorithm"`
	AccessExpirySeconds  int      `yaml:"access_expiry_seconds"`
	RefreshExpirySeconds int      `yaml:"refresh_expiry_seconds"`
	RequireHTTPS         bool     `yaml:"require_https"`
	RateLimitEnabled     bool     `yaml:"rate_limit_enabled"`
	RateLimitPerWindow   int      `yaml:"default_rate_limit_per_window"`
	WindowSeconds        int      `yaml:"default_window_seconds"`
	APIKeyHeader         string   `yaml:"api_key_header"`
	ExemptPaths          []string `yaml:"exempt_paths"`
}

// WebhookConfig governs inbound webhook endpoints.
type WebhookConfig struct {
	GlobalHMACSecret     string `yaml:"global_hmac_secret"`
	MaxPayloadBytes      int64  `yaml:"max_payload_bytes"`
	IdempotencyTTLSecond int    `yaml:"idempotency_ttl_seconds"`
	HTTPSRequired        bool   `yaml:"https_required"`
}

// EngineConfig bounds walker execution.
type EngineConfig struct {
	DefaultMaxDepth      int  `yaml:"default_max_depth"`
	DefaultMaxVisits     int  `yaml:"default_max_visits"`
	DeferredSavesEnabled bool `yaml:"deferred_saves_enabled"`
}

// ServerConfig covers the HTTP listener and CORS.
type ServerConfig struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	CORSMethods []string `yaml:"cors_methods"`
	CORSHeaders []string `yaml:"cors_headers"`
	LogLevel    string   `yaml:"log_level"`
}

// Config is the full application configuration.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Auth    AuthConfig    `yaml:"auth"`
	Webhook WebhookConfig `yaml:"webhook"`
	Engine  EngineConfig  `yaml:"engine"`
	Server  ServerConfig  `yaml:"server"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend: storage.DefaultBackend(),
		},
		Auth: AuthConfig{
			JWTAlgorithm:         "HS256",
			AccessExpirySeconds:  3600,
			RefreshExpirySeconds: 7 * 24 * 3600,
			RateLimitEnabled:     true,
			RateLimitPerWindow:   100,
			WindowSeconds:        60,
			APIKeyHeader:         "X-API-Key",
			ExemptPaths: []string{
				"/",
				"/health",
				"/metrics",
				"/docs",
				"/api/auth/login",
				"/api/auth/register",
				"/api/auth/refresh",
				"/public/*",
			},
		},
		Webhook: WebhookConfig{
			MaxPayloadBytes:      1 << 20,
			IdempotencyTTLSecond: 3600,
		},
		Engine: EngineConfig{
			DefaultMaxDepth:  0,
			DefaultMaxVisits: 0,
		},
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8000,
			CORSOrigins: []string{"*"},
			CORSMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			CORSHeaders: []string{"Authorization", "Content-Type", "X-API-Key", "X-Idempotency-Key", "X-Signature"},
			LogLevel:    "info",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path
// (skipped when path is empty or missing), then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Optional file.
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays the recognized environment variables.
func (c *Config) applyEnv() {
	setString(&c.Storage.Backend, "WEAVER_STORAGE_BACKEND")
	setString(&c.Storage.BasePath, "WEAVER_STORAGE_BASE_PATH")
	setString(&c.Storage.ConnectionURI, "WEAVER_STORAGE_CONNECTION_URI")
	setString(&c.Storage.DatabaseName, "WEAVER_STORAGE_DATABASE_NAME")
	setString(&c.Storage.Region, "WEAVER_STORAGE_REGION")
	setString(&c.Storage.TableName, "WEAVER_STORAGE_TABLE_NAME")

	setString(&c.Auth.JWTSecret, "WEAVER_JWT_SECRET")
	setString(&c.Auth.JWTAlgorithm, "WEAVER_JWT_ALGORITHM")
	setInt(&c.Auth.AccessExpirySeconds, "WEAVER_ACCESS_EXPIRY_SECONDS")
	setInt(&c.Auth.RefreshExpirySeconds, "WEAVER_REFRESH_EXPIRY_SECONDS")
	setBool(&c.Auth.RequireHTTPS, "WEAVER_REQUIRE_HTTPS")
	setBool(&c.Auth.RateLimitEnabled, "WEAVER_RATE_LIMIT_ENABLED")
	setInt(&c.Auth.RateLimitPerWindow, "WEAVER_RATE_LIMIT_PER_WINDOW")
	setInt(&c.Auth.WindowSeconds, "WEAVER_RATE_LIMIT_WINDOW_SECONDS")
	setString(&c.Auth.APIKeyHeader, "WEAVER_API_KEY_HEADER")
	setStrings(&c.Auth.ExemptPaths, "WEAVER_AUTH_EXEMPT_PATHS")

	setString(&c.Webhook.GlobalHMACSecret, "WEAVER_WEBHOOK_HMAC_SECRET")
	setInt64(&c.Webhook.MaxPayloadBytes, "WEAVER_WEBHOOK_MAX_PAYLOAD_BYTES")
	setInt(&c.Webhook.IdempotencyTTLSecond, "WEAVER_WEBHOOK_IDEMPOTENCY_TTL_SECONDS")
	setBool(&c.Webhook.HTTPSRequired, "WEAVER_WEBHOOK_HTTPS_REQUIRED")

	setInt(&c.Engine.DefaultMaxDepth, "WEAVER_ENGINE_MAX_DEPTH")
	setInt(&c.Engine.DefaultMaxVisits, "WEAVER_ENGINE_MAX_VISITS")
	setBool(&c.Engine.DeferredSavesEnabled, "WEAVER_ENGINE_DEFERRED_SAVES")

	setString(&c.Server.Host, "WEAVER_HOST")
	setInt(&c.Server.Port, "WEAVER_PORT")
	setStrings(&c.Server.CORSOrigins, "WEAVER_CORS_ORIGINS")
	setStrings(&c.Server.CORSMethods, "WEAVER_CORS_METHODS")
	setStrings(&c.Server.CORSHeaders, "WEAVER_CORS_HEADERS")
	setString(&c.Server.LogLevel, "WEAVER_LOG_LEVEL")
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Auth.JWTAlgorithm != "HS256" {
		return fmt.Errorf("auth.jwt_algorithm: only HS256 is supported")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Auth.RateLimitEnabled && (c.Auth.RateLimitPerWindow <= 0 || c.Auth.WindowSeconds <= 0) {
		return fmt.Errorf("rate limiting enabled with non-positive limit or window")
	}
	if c.Webhook.MaxPayloadBytes <= 0 {
		return fmt.Errorf("webhook.max_payload_bytes must be positive")
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StoreConfig converts to the storage layer's option struct.
func (c *StorageConfig) StoreConfig() storage.Config {
	return storage.Config{
		Backend:       c.Backend,
		BasePath:      c.BasePath,
		ConnectionURI: c.ConnectionURI,
		DatabaseName:  c.DatabaseName,
		Region:        c.Region,
		TableName:     c.TableName,
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setStrings(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1" || v == "yes"
	}
}
