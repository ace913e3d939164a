// Package config provides server configuration loaded from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/morezero/capability-bridge/pkg/guard"
)

const logPrefix = "config:LoadConfig"

// Config holds capability-bridge configuration.
type Config struct {
	// COMMS: connect to standalone NATS at COMMSURL.
	COMMSURL  string `envconfig:"COMMS_URL" default:"nats://127.0.0.1:4222"`
	COMMSName string `envconfig:"SERVICE_NAME" default:"capability-bridge"`
	// NATSClientURL is the NATS URL returned to hosts via GET /connection (e.g. from host: nats://127.0.0.1:4222).
	NATSClientURL string `envconfig:"NATS_CLIENT_URL"`
	// SubjectPrefix roots every bridge subject.
	SubjectPrefix string `envconfig:"SUBJECT_PREFIX" default:"bridge"`

	// Database (empty = in-memory permission grants)
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	RunMigrations bool   `envconfig:"RUN_MIGRATIONS" default:"false"`
	// MigrationPath overrides the embedded migrations when set.
	MigrationPath string `envconfig:"MIGRATION_PATH"`

	// Catalog
	CatalogFile     string `envconfig:"CATALOG_FILE"`
	HostVersion     string `envconfig:"HOST_VERSION" default:"1.0.0"`
	RequestCodeBase int    `envconfig:"REQUEST_CODE_BASE" default:"1000"`

	// Dispatch
	GuardScope        string `envconfig:"GUARD_SCOPE" default:"instance"`
	RelayPendingLimit int    `envconfig:"RELAY_PENDING_LIMIT" default:"64"`

	// Timeouts
	HostRequestTimeout time.Duration `envconfig:"HOST_REQUEST_TIMEOUT" default:"10s"`
	PromptTimeout      time.Duration `envconfig:"PROMPT_TIMEOUT" default:"2m"`

	// HTTP health endpoint (HTTP_ADDR preferred, e.g. "0.0.0.0:8080")
	HTTPAddr           string        `envconfig:"HTTP_ADDR"`
	HTTPPort           int           `envconfig:"HTTP_PORT" default:"8080"`
	HealthCheckTimeout time.Duration `envconfig:"HEALTH_CHECK_TIMEOUT" default:"5s"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ValidateForServe checks required config when running the bridge server.
func (c *Config) ValidateForServe() error {
	if c.COMMSURL == "" {
		return fmt.Errorf("%s - COMMS_URL is required for serve", logPrefix)
	}
	if c.SubjectPrefix == "" {
		return fmt.Errorf("%s - SUBJECT_PREFIX must not be empty", logPrefix)
	}
	if c.HostRequestTimeout <= 0 {
		return fmt.Errorf("%s - HOST_REQUEST_TIMEOUT must be positive", logPrefix)
	}
	if c.PromptTimeout <= 0 {
		return fmt.Errorf("%s - PROMPT_TIMEOUT must be positive", logPrefix)
	}
	if c.HealthCheckTimeout <= 0 {
		return fmt.Errorf("%s - HEALTH_CHECK_TIMEOUT must be positive", logPrefix)
	}
	if c.RequestCodeBase < 0 {
		return fmt.Errorf("%s - REQUEST_CODE_BASE must not be negative", logPrefix)
	}
	if c.RelayPendingLimit <= 0 {
		return fmt.Errorf("%s - RELAY_PENDING_LIMIT must be positive", logPrefix)
	}
	if _, err := c.Scope(); err != nil {
		return err
	}
	return nil
}

// ValidateForDB checks required config when running DB-dependent commands (migrate, clear-grants).
func (c *Config) ValidateForDB() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%s - DATABASE_URL is required", logPrefix)
	}
	return nil
}

// Scope parses GUARD_SCOPE.
func (c *Config) Scope() (guard.Scope, error) {
	s, err := guard.ParseScope(c.GuardScope)
	if err != nil {
		return s, fmt.Errorf("%s - GUARD_SCOPE: %w", logPrefix, err)
	}
	return s, nil
}
