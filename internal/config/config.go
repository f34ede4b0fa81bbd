// Package config provides configuration loading and defaults for the
// gqlwire client, CLI and MCP server.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// OperationFilter holds allowlist and denylist entries for operation names.
type OperationFilter struct {
	Allowlist []string `yaml:"allowlist"`
	Denylist  []string `yaml:"denylist"`
}

// SafetyConfig groups the filters applied to operations issued through
// the MCP tools.
type SafetyConfig struct {
	Queries   OperationFilter `yaml:"queries"`
	Mutations OperationFilter `yaml:"mutations"`
}

// AuditConfig controls audit logging behaviour.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	LogPath string `yaml:"log_path"`
}

// ServerConfig holds network and authentication settings of the MCP server.
type ServerConfig struct {
	Port        int    `yaml:"port"`
	AuthToken   string `yaml:"auth_token"`
	MetricsPath string `yaml:"metrics_path"`
}

// GraphQLConfig holds the endpoint and the one-shot execution policy.
type GraphQLConfig struct {
	Endpoint string `yaml:"endpoint"`
	// SubscriptionEndpoint is derived from Endpoint when empty.
	SubscriptionEndpoint string            `yaml:"subscription_endpoint"`
	Headers              map[string]string `yaml:"headers"`
	Timeout              time.Duration     `yaml:"timeout"`
	Cache                bool              `yaml:"cache"`
	CacheTTL             time.Duration     `yaml:"cache_ttl"`
	Retry                int               `yaml:"retry"`
	MutationRetry        int               `yaml:"mutation_retry"`
	RetryDelay           time.Duration     `yaml:"retry_delay"`
	Immediate            bool              `yaml:"immediate"`
	RetryOnServerErrors  bool              `yaml:"retry_on_server_errors"`
}

// SubscriptionConfig holds the reconnection policy of subscription channels.
type SubscriptionConfig struct {
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	InitialBackoff       time.Duration `yaml:"initial_backoff"`
	MaxBackoff           time.Duration `yaml:"max_backoff"`
	// ReconnectDelay is the pause between disconnect and connect on a
	// manual or variable-driven reconnect.
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
}

// TokenConfig locates the durable credential store.
type TokenConfig struct {
	Path string `yaml:"path"`
}

// LogConfig selects the log level (debug, info, warn, error).
type LogConfig struct {
	Level string `yaml:"level"`
}

// Config is the top-level configuration structure.
type Config struct {
	GraphQL      GraphQLConfig      `yaml:"graphql"`
	Subscription SubscriptionConfig `yaml:"subscription"`
	Token        TokenConfig        `yaml:"token"`
	Server       ServerConfig       `yaml:"server"`
	Safety       SafetyConfig       `yaml:"safety"`
	Audit        AuditConfig        `yaml:"audit"`
	Log          LogConfig          `yaml:"log"`
}

// LoadConfig reads a YAML configuration file from path and overlays it on
// DefaultConfig, so keys absent from the file keep their defaults.
// On error, nil is returned for the config pointer.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a new Config populated with default values.
// Each call returns a distinct instance.
func DefaultConfig() *Config {
	return &Config{
		GraphQL: GraphQLConfig{
			Endpoint:      "http://localhost:8080/graphql",
			Headers:       map[string]string{},
			Timeout:       10 * time.Second,
			Cache:         true,
			CacheTTL:      300 * time.Second,
			Retry:         1,
			MutationRetry: 0,
			RetryDelay:    time.Second,
			Immediate:     true,
		},
		Subscription: SubscriptionConfig{
			MaxReconnectAttempts: 5,
			InitialBackoff:       time.Second,
			MaxBackoff:           30 * time.Second,
			ReconnectDelay:       time.Second,
			WriteTimeout:         5 * time.Second,
		},
		Token: TokenConfig{
			Path: "gqlwire-token.db",
		},
		Server: ServerConfig{
			Port:        8080,
			MetricsPath: "/metrics",
		},
		Audit: AuditConfig{
			Enabled: false,
			LogPath: "gqlwire-audit.log",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Validate reports the first invalid setting in cfg.
func (c *Config) Validate() error {
	if c.GraphQL.Endpoint == "" {
		return fmt.Errorf("config: graphql.endpoint is required")
	}
	if c.GraphQL.Timeout < 0 || c.GraphQL.RetryDelay < 0 || c.GraphQL.CacheTTL < 0 {
		return fmt.Errorf("config: graphql durations must not be negative")
	}
	if c.GraphQL.Retry < 0 || c.GraphQL.MutationRetry < 0 {
		return fmt.Errorf("config: graphql retry counts must not be negative")
	}
	if c.Subscription.MaxReconnectAttempts < 0 {
		return fmt.Errorf("config: subscription.max_reconnect_attempts must not be negative")
	}
	if c.Subscription.InitialBackoff < 0 || c.Subscription.MaxBackoff < 0 ||
		c.Subscription.ReconnectDelay < 0 || c.Subscription.WriteTimeout < 0 {
		return fmt.Errorf("config: subscription durations must not be negative")
	}
	return nil
}

// ApplyEnvOverrides updates cfg in place with values from environment variables.
// Recognized variables:
//   - GQLWIRE_ENDPOINT overrides cfg.GraphQL.Endpoint
//   - GQLWIRE_SUBSCRIPTION_ENDPOINT overrides cfg.GraphQL.SubscriptionEndpoint
//   - GQLWIRE_TOKEN_PATH overrides cfg.Token.Path
//   - GQLWIRE_AUTH_TOKEN overrides cfg.Server.AuthToken
//   - GQLWIRE_LOG_LEVEL overrides cfg.Log.Level
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GQLWIRE_ENDPOINT"); v != "" {
		cfg.GraphQL.Endpoint = v
	}
	if v := os.Getenv("GQLWIRE_SUBSCRIPTION_ENDPOINT"); v != "" {
		cfg.GraphQL.SubscriptionEndpoint = v
	}
	if v := os.Getenv("GQLWIRE_TOKEN_PATH"); v != "" {
		cfg.Token.Path = v
	}
	if v := os.Getenv("GQLWIRE_AUTH_TOKEN"); v != "" {
		cfg.Server.AuthToken = v
	}
	if v := os.Getenv("GQLWIRE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// EnsureAuthToken generates a random auth token and sets it on cfg if
// cfg.Server.AuthToken is empty. It returns the token (existing or generated)
// and any error encountered during generation.
func EnsureAuthToken(cfg *Config) (string, error) {
	if cfg.Server.AuthToken != "" {
		return cfg.Server.AuthToken, nil
	}
	token, err := GenerateRandomToken()
	if err != nil {
		return "", fmt.Errorf("generate auth token: %w", err)
	}
	cfg.Server.AuthToken = token
	return token, nil
}

// GenerateRandomToken returns a 32-character hex-encoded cryptographically
// random token string.
func GenerateRandomToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("rand.Read: %w", err)
	}
	return hex.EncodeToString(b), nil
}
