package app

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"

	"github.com/florianilch/stockportal/internal/tokenstore"
)

// LogFormat represents the logging output format.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// CredentialStorageType represents the backends supported for the stored token pair.
type CredentialStorageType string

const (
	CredentialStorageTypeFile    CredentialStorageType = "file"
	CredentialStorageTypeEnv     CredentialStorageType = "env"
	CredentialStorageTypeKeyring CredentialStorageType = "keyring"
	CredentialStorageTypeRedis   CredentialStorageType = "redis"
	CredentialStorageTypeMemory  CredentialStorageType = "memory"
)

// Default configuration values
const (
	DefaultConfigLogFormat          = LogFormatText
	DefaultConfigLogExporter        = "none"
	DefaultConfigServerHost         = "127.0.0.1"
	DefaultConfigServerPort         = 4100
	DefaultConfigShutdownTimeout    = 5 * time.Second
	DefaultConfigAPIBaseURL         = "http://127.0.0.1:8000/api/v1"
	DefaultConfigAPITimeout         = 30 * time.Second
	DefaultConfigCredentialsStorage = CredentialStorageTypeFile
	DefaultConfigEnvAccessKey       = "PORTAL_ACCESS_TOKEN"
	DefaultConfigEnvRefreshKey      = "PORTAL_REFRESH_TOKEN"
	DefaultConfigRedisAddr          = "127.0.0.1:6379"
	DefaultConfigRedisKey           = "stockportal:credentials"

	keyringService = "stockportal"
)

// ServerConfig holds settings of the local authenticating proxy.
type ServerConfig struct {
	Host string `json:"host" validate:"hostname_rfc1123|ip"`
	Port uint16 `json:"port"` // Port range 0-65535 handled by uint16 type
}

// ShutdownConfig holds shutdown behavior configuration.
type ShutdownConfig struct {
	// Timeout for graceful shutdown.
	Timeout time.Duration `json:"timeout"`
}

// APIConfig holds the portal API configuration. The token endpoints live under
// the same base URL.
type APIConfig struct {
	BaseURL string        `json:"base_url" validate:"required,url"`
	Timeout time.Duration `json:"timeout" validate:"gte=0"`
}

// MetricsConfig controls the Prometheus endpoint of the proxy.
type MetricsConfig struct {
	Enabled bool `json:"enabled"`
}

// CredentialsConfig describes where the access/refresh token pair is kept.
type CredentialsConfig struct {
	Storage CredentialStorageType `json:"storage" validate:"required,oneof=file env keyring redis memory"`

	// Storage-specific settings (only the ones matching Storage are used)
	File          string `json:"file,omitempty"`            // For file storage: path to credential file
	EnvAccessKey  string `json:"env_access_key,omitempty"`  // For env storage: access token variable
	EnvRefreshKey string `json:"env_refresh_key,omitempty"` // For env storage: refresh token variable
	KeyringUser   string `json:"keyring_user,omitempty"`    // For keyring storage: user identifier
	RedisAddr     string `json:"redis_addr,omitempty"`      // For redis storage: host:port
	RedisPassword string `json:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty" validate:"gte=0"`
	RedisKey      string `json:"redis_key,omitempty"`
}

// NewBackend creates a tokenstore.Backend from the credentials configuration.
func (c *CredentialsConfig) NewBackend() (tokenstore.Backend, error) {
	switch c.Storage {
	case CredentialStorageTypeFile:
		return tokenstore.NewFileStore(c.File)
	case CredentialStorageTypeEnv:
		return tokenstore.NewEnvStore(c.EnvAccessKey, c.EnvRefreshKey)
	case CredentialStorageTypeKeyring:
		return tokenstore.NewKeyringStore(keyringService, c.KeyringUser)
	case CredentialStorageTypeRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     c.RedisAddr,
			Password: c.RedisPassword,
			DB:       c.RedisDB,
		})
		return tokenstore.NewRedisStore(client, c.RedisKey)
	case CredentialStorageTypeMemory:
		return tokenstore.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", c.Storage)
	}
}

// Config holds the application's configuration.
type Config struct {
	// LogLevel for logging output (defaults to Info if unset).
	LogLevel    slog.Level        `json:"log_level"`
	LogFormat   LogFormat         `json:"log_format" validate:"oneof=text json"`
	LogExporter string            `json:"log_exporter" validate:"oneof=none stdout otlp-http otlp-grpc"`
	API         APIConfig         `json:"api"`
	Credentials CredentialsConfig `json:"credentials"`
	Server      ServerConfig      `json:"server"`
	Shutdown    ShutdownConfig    `json:"shutdown"`
	Metrics     MetricsConfig     `json:"metrics"`
}

// Default creates a new Config with default values applied.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills unset config fields with sensible defaults.
func (c *Config) ApplyDefaults() error {
	if c.LogFormat == "" {
		c.LogFormat = DefaultConfigLogFormat
	}
	if c.LogExporter == "" {
		c.LogExporter = DefaultConfigLogExporter
	}
	if c.Server.Host == "" {
		c.Server.Host = DefaultConfigServerHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultConfigServerPort
	}
	if c.Shutdown.Timeout == 0 {
		c.Shutdown.Timeout = DefaultConfigShutdownTimeout
	}
	if c.API.BaseURL == "" {
		c.API.BaseURL = DefaultConfigAPIBaseURL
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultConfigAPITimeout
	}
	if c.Credentials.Storage == "" {
		c.Credentials.Storage = DefaultConfigCredentialsStorage
	}

	// Dynamic defaults based on storage type
	switch c.Credentials.Storage {
	case CredentialStorageTypeFile:
		if c.Credentials.File == "" {
			configDir, err := os.UserConfigDir()
			if err != nil {
				return fmt.Errorf("credentials.file required (auto-detect failed: %w)", err)
			}
			c.Credentials.File = filepath.Join(configDir, "stockportal", "credentials.json")
		}
	case CredentialStorageTypeKeyring:
		if c.Credentials.KeyringUser == "" {
			currentUser, err := user.Current()
			if err != nil {
				return fmt.Errorf("credentials.keyring_user required (auto-detect failed: %w)", err)
			}
			c.Credentials.KeyringUser = currentUser.Username
		}
	case CredentialStorageTypeEnv:
		if c.Credentials.EnvAccessKey == "" {
			c.Credentials.EnvAccessKey = DefaultConfigEnvAccessKey
		}
		if c.Credentials.EnvRefreshKey == "" {
			c.Credentials.EnvRefreshKey = DefaultConfigEnvRefreshKey
		}
	case CredentialStorageTypeRedis:
		if c.Credentials.RedisAddr == "" {
			c.Credentials.RedisAddr = DefaultConfigRedisAddr
		}
		if c.Credentials.RedisKey == "" {
			c.Credentials.RedisKey = DefaultConfigRedisKey
		}
	case CredentialStorageTypeMemory:
		// nothing to configure
	}

	return nil
}

// Validate validates the configuration using struct tags and enum values.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	switch c.Credentials.Storage {
	case CredentialStorageTypeFile:
		if c.Credentials.File == "" {
			return errors.New("file path required for file storage")
		}
	case CredentialStorageTypeEnv:
		if c.Credentials.EnvRefreshKey == "" {
			return errors.New("env_refresh_key required for env storage")
		}
	case CredentialStorageTypeKeyring:
		if c.Credentials.KeyringUser == "" {
			return errors.New("keyring_user required for keyring storage")
		}
	case CredentialStorageTypeRedis:
		if c.Credentials.RedisAddr == "" || c.Credentials.RedisKey == "" {
			return errors.New("redis_addr and redis_key required for redis storage")
		}
	}

	return nil
}
