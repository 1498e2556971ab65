// Package config loads configuration for the sync engine.
package config

import (
	"fmt"
	"net/url"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for the engine.
// Configuration can come from a YAML file (config.yaml) or environment
// variables. Environment variables always override YAML values. Secrets
// (passwords, keys, OAuth client secrets) must only come from environment
// variables (yaml:"-" fields).
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"8090"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	BaseURL  string `yaml:"base_url" env:"BASE_URL" env-default:""` // Auto-derived from Port if empty
	Version  string `yaml:"-"`                                      // Set at load time, not from config

	// SettingsURL is where browser-facing OAuth flows land after the
	// provider roundtrip (the dashboard's integration settings page).
	SettingsURL string `yaml:"settings_url" env:"SETTINGS_URL" env-default:"/settings/integrations"`

	// Authentication of admin callers (JWT bearer validation).
	Auth AuthConfig `yaml:"auth"`

	// Database configuration (PostgreSQL)
	Database DatabaseConfig `yaml:"database"`

	// Redis configuration (optional, used for the distributed sync lock).
	Redis RedisConfig `yaml:"redis"`

	// Sync behavior tuning.
	Sync SyncConfig `yaml:"sync"`

	// Per-provider OAuth client credentials.
	HubSpot ProviderConfig `yaml:"hubspot"`

	// TokenEncryptionKey encrypts OAuth tokens at rest.
	// Must be a 32-byte key, base64 encoded. Generate with: openssl rand -base64 32
	// Server will fail to start if this is not set.
	TokenEncryptionKey string `yaml:"-" env:"TOKEN_ENCRYPTION_KEY"`

	// SessionKey signs the short-lived OAuth return-to cookie.
	SessionKey string `yaml:"-" env:"SESSION_KEY"`
}

// AuthConfig holds authentication-related configuration.
type AuthConfig struct {
	// EnableVerification controls whether bearer tokens are validated.
	// Set to false for local development without an auth server.
	EnableVerification bool `yaml:"enable_verification" env:"AUTH_ENABLE_VERIFICATION" env-default:"true"`

	// JWKSURL is the JSON Web Key Set endpoint of the product's auth server.
	JWKSURL string `yaml:"jwks_url" env:"AUTH_JWKS_URL" env-default:""`

	// Issuer is the expected token issuer.
	Issuer string `yaml:"issuer" env:"AUTH_ISSUER" env-default:""`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"traction"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"traction_engine"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// RedisConfig holds Redis configuration. An empty host disables Redis and
// the sync lock falls back to a process-local registry.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// SyncConfig tunes the sync pipeline.
type SyncConfig struct {
	// PageSize is the number of records requested per provider page.
	PageSize int `yaml:"page_size" env:"SYNC_PAGE_SIZE" env-default:"100"`
	// HTTPTimeoutSeconds bounds each individual provider call.
	HTTPTimeoutSeconds int `yaml:"http_timeout_seconds" env:"SYNC_HTTP_TIMEOUT_SECONDS" env-default:"30"`
	// LockTTLMinutes caps how long a crashed run can hold the sync lock.
	LockTTLMinutes int `yaml:"lock_ttl_minutes" env:"SYNC_LOCK_TTL_MINUTES" env-default:"30"`
}

// ProviderConfig holds OAuth client credentials for one provider.
type ProviderConfig struct {
	ClientID     string `yaml:"client_id" env:"HUBSPOT_CLIENT_ID" env-default:""`
	ClientSecret string `yaml:"-" env:"HUBSPOT_CLIENT_SECRET"` // Secret - not in YAML
	Scopes       string `yaml:"scopes" env:"HUBSPOT_SCOPES" env-default:"crm.objects.contacts.read crm.objects.companies.read crm.objects.deals.read crm.objects.owners.read tickets"`
	// BaseURL overrides the provider API host (tests point this at a stub).
	BaseURL string `yaml:"base_url" env:"HUBSPOT_BASE_URL" env-default:""`
}

// IsConfigured returns true when client credentials exist for the provider.
func (c *ProviderConfig) IsConfigured() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// Load reads configuration from config.yaml with environment variable
// overrides. The version parameter is injected at build time and set on the
// returned Config.
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
		// A missing file is fine in containerized deployments where
		// everything comes from the environment.
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config.yaml: %w", err)
		}
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	}

	if cfg.TokenEncryptionKey == "" {
		return nil, fmt.Errorf("TOKEN_ENCRYPTION_KEY must be set")
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = (&url.URL{
			Scheme: "http",
			Host:   "localhost:" + cfg.Port,
		}).String()
	}

	return cfg, nil
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
