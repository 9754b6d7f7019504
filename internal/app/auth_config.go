package app

import (
	"github.com/solvohq/authcore/internal/auth"
	"github.com/solvohq/authcore/internal/database"
)

// JWTConfig converts the decoded settings into the token codec's config.
func (c *Config) JWTConfig() auth.JWTConfig {
	return auth.JWTConfig{
		Secret:          c.Auth.JWTSecret,
		Issuer:          c.Auth.JWTIssuer,
		AccessTokenTTL:  c.Auth.AccessTokenTTL,
		RefreshTokenTTL: c.Auth.RefreshTokenTTL,
		TwoFactorTTL:    c.Auth.TwoFactorTTL,
	}
}

// SessionConfig converts the decoded settings into the session ledger's config.
func (c *Config) SessionConfig() auth.SessionConfig {
	return auth.SessionConfig{
		RefreshTokenTTL: c.Auth.RefreshTokenTTL,
	}
}

// LockoutPolicy builds the failed-attempt policy from the decoded settings.
func (c *Config) LockoutPolicy() auth.LockoutPolicy {
	return auth.NewLockoutPolicy(c.Auth.LockoutThreshold, c.Auth.LockoutDuration)
}

// PasswordResetConfig converts the decoded settings into the reset flow's config.
func (c *Config) PasswordResetConfig() auth.PasswordResetConfig {
	return auth.PasswordResetConfig{
		TokenTTL:        c.Auth.ResetTokenTTL,
		MaxActiveTokens: c.Auth.MaxActiveResetTokens,
		BcryptCost:      c.Auth.BcryptCost,
	}
}

// DatabaseConfig converts the decoded settings into the storage layer's config.
func (c *Config) DatabaseConfig() database.Config {
	return database.Config{
		Driver:   c.Database.Driver,
		Path:     c.Database.Path,
		DSN:      c.Database.DSN,
		Host:     c.Database.Host,
		Port:     c.Database.Port,
		User:     c.Database.User,
		Password: c.Database.Password,
		Name:     c.Database.Name,
		Options:  c.Database.Options,
	}
}
