// Package app loads configuration and assembles the service graph.
package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	apperrors "github.com/solvohq/authcore/pkg/errors"
)

// Config is the full runtime configuration, decoded from file and
// AUTHCORE_-prefixed environment variables.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Auth        AuthSettings      `mapstructure:"auth"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig describes the observability listener.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr renders the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig selects and parameterises the storage backend.
type DatabaseConfig struct {
	Driver   string            `mapstructure:"driver"`
	Path     string            `mapstructure:"path"`
	DSN      string            `mapstructure:"dsn"`
	Host     string            `mapstructure:"host"`
	Port     int               `mapstructure:"port"`
	User     string            `mapstructure:"user"`
	Password string            `mapstructure:"password"`
	Name     string            `mapstructure:"name"`
	Options  map[string]string `mapstructure:"options"`
}

// AuthSettings carries every tunable of the authentication core.
type AuthSettings struct {
	JWTSecret       string        `mapstructure:"jwt_secret"`
	JWTIssuer       string        `mapstructure:"jwt_issuer"`
	AccessTokenTTL  time.Duration `mapstructure:"access_token_ttl"`
	RefreshTokenTTL time.Duration `mapstructure:"refresh_token_ttl"`
	TwoFactorTTL    time.Duration `mapstructure:"two_factor_ttl"`

	BcryptCost int `mapstructure:"bcrypt_cost"`

	LockoutThreshold int           `mapstructure:"lockout_threshold"`
	LockoutDuration  time.Duration `mapstructure:"lockout_duration"`

	ResetTokenTTL        time.Duration `mapstructure:"reset_token_ttl"`
	MaxActiveResetTokens int           `mapstructure:"max_active_reset_tokens"`

	TOTPIssuer           string `mapstructure:"totp_issuer"`
	EncryptionPassphrase string `mapstructure:"encryption_passphrase"`
}

// MaintenanceConfig tunes the background retention jobs.
type MaintenanceConfig struct {
	Enabled              bool   `mapstructure:"enabled"`
	SessionRetentionDays int    `mapstructure:"session_retention_days"`
	AuditRetentionDays   int    `mapstructure:"audit_retention_days"`
	SessionSchedule      string `mapstructure:"session_schedule"`
	TokenSchedule        string `mapstructure:"token_schedule"`
	AuditSchedule        string `mapstructure:"audit_schedule"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfig reads configuration from the optional file path, layering
// environment variables on top of built-in defaults.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AUTHCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return apperrors.NewValidation("auth.jwt_secret is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return apperrors.NewValidation("auth.jwt_secret must be at least 32 characters")
	}
	if strings.TrimSpace(c.Auth.EncryptionPassphrase) == "" {
		return apperrors.NewValidation("auth.encryption_passphrase is required")
	}

	switch c.Database.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		return apperrors.NewValidation("database.driver must be sqlite, postgres or mysql")
	}

	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 9402)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "data/authcore.db")

	// Secrets have no usable default; registering the keys lets AutomaticEnv
	// resolve them during Unmarshal.
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.encryption_passphrase", "")

	v.SetDefault("auth.jwt_issuer", "authcore")
	v.SetDefault("auth.access_token_ttl", "60m")
	v.SetDefault("auth.refresh_token_ttl", "168h")
	v.SetDefault("auth.two_factor_ttl", "5m")
	v.SetDefault("auth.bcrypt_cost", 12)
	v.SetDefault("auth.lockout_threshold", 5)
	v.SetDefault("auth.lockout_duration", "15m")
	v.SetDefault("auth.reset_token_ttl", "30m")
	v.SetDefault("auth.max_active_reset_tokens", 3)
	v.SetDefault("auth.totp_issuer", "Solvo")

	v.SetDefault("maintenance.enabled", true)
	v.SetDefault("maintenance.session_retention_days", 30)
	v.SetDefault("maintenance.audit_retention_days", 365)
	v.SetDefault("maintenance.session_schedule", "@hourly")
	v.SetDefault("maintenance.token_schedule", "@daily")
	v.SetDefault("maintenance.audit_schedule", "@daily")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
