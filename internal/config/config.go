// Package config loads the client configuration from defaults, a YAML
// file, APICLIENT_* environment variables and command-line flags.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/Sternrassler/resilient-api-client/pkg/auth"
	"github.com/Sternrassler/resilient-api-client/pkg/logging"
)

// Credential store backends.
const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreRedis  = "redis"
)

// Config holds all client configuration options.
type Config struct {
	BaseURL    string        `koanf:"base_url"`
	Timeout    time.Duration `koanf:"timeout"`
	MaxRetries int           `koanf:"max_retries"`
	BaseDelay  time.Duration `koanf:"base_delay"`

	MockFallback     bool `koanf:"mock_fallback"`
	DevLoginFallback bool `koanf:"dev_login_fallback"`

	Store     string `koanf:"store"`
	StorePath string `koanf:"store_path"`
	RedisAddr string `koanf:"redis_addr"`
	RedisDB   int    `koanf:"redis_db"`
	KeyPrefix string `koanf:"key_prefix"`

	RateLimit float64 `koanf:"rate_limit"`
	RateBurst int     `koanf:"rate_burst"`

	LogLevel  string `koanf:"log_level"`
	LogPretty bool   `koanf:"log_pretty"`

	LoginEndpoint   string `koanf:"login_endpoint"`
	RefreshEndpoint string `koanf:"refresh_endpoint"`
	LogoutEndpoint  string `koanf:"logout_endpoint"`
	ResetEndpoint   string `koanf:"reset_endpoint"`

	ListenAddr string `koanf:"listen_addr"`
}

// DefaultStorePath returns the default location of the file store.
func DefaultStorePath() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return filepath.Join(".apiclient", "session.json")
	}
	return filepath.Join(dir, "apiclient", "session.json")
}

// defaults returns the lowest configuration layer.
func defaults() map[string]any {
	endpoints := auth.DefaultEndpoints()
	return map[string]any{
		"timeout":            "30s",
		"max_retries":        3,
		"base_delay":         "1s",
		"mock_fallback":      false,
		"dev_login_fallback": false,
		"store":              StoreFile,
		"store_path":         DefaultStorePath(),
		"redis_addr":         "localhost:6379",
		"redis_db":           0,
		"key_prefix":         "apiclient:session",
		"rate_limit":         0,
		"rate_burst":         1,
		"log_level":          string(logging.LevelInfo),
		"log_pretty":         false,
		"login_endpoint":     endpoints.Login,
		"refresh_endpoint":   endpoints.Refresh,
		"logout_endpoint":    endpoints.Logout,
		"reset_endpoint":     endpoints.Reset,
		"listen_addr":        ":8080",
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base_url must use http or https (got %q)", c.BaseURL)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be > 0 (got %s)", c.Timeout)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0 (got %d)", c.MaxRetries)
	}
	if c.BaseDelay < 0 {
		return fmt.Errorf("base_delay must be >= 0 (got %s)", c.BaseDelay)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate_limit must be >= 0 (got %v)", c.RateLimit)
	}

	switch c.Store {
	case StoreMemory:
	case StoreFile:
		if c.StorePath == "" {
			return fmt.Errorf("store_path is required for the file store")
		}
	case StoreRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("redis_addr is required for the redis store")
		}
	default:
		return fmt.Errorf("unknown store %q (want memory, file or redis)", c.Store)
	}

	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LoginEndpoint == "" || c.RefreshEndpoint == "" {
		return fmt.Errorf("login_endpoint and refresh_endpoint are required")
	}
	return nil
}

// Endpoints returns the configured authentication routes.
func (c *Config) Endpoints() auth.Endpoints {
	return auth.Endpoints{
		Login:   c.LoginEndpoint,
		Refresh: c.RefreshEndpoint,
		Logout:  c.LogoutEndpoint,
		Reset:   c.ResetEndpoint,
	}
}
