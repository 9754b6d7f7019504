package app

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/solvohq/authcore/internal/app/maintenance"
	"github.com/solvohq/authcore/internal/auth"
	"github.com/solvohq/authcore/internal/auth/mfa"
	"github.com/solvohq/authcore/internal/database"
	"github.com/solvohq/authcore/internal/services"
	"github.com/solvohq/authcore/pkg/crypto"
)

// mfaKeyLabel namespaces the derived MFA encryption key so other derived
// keys from the same passphrase can never collide with it.
const mfaKeyLabel = "mfa-secret-encryption"

// App is the assembled service graph.
type App struct {
	Config *Config
	DB     *gorm.DB

	Users       *services.UserService
	Audit       *services.AuditService
	Permissions *services.PermissionChecker

	JWT      *auth.JWTService
	Sessions *auth.SessionService
	TOTP     *mfa.TOTPService
	Reset    *auth.PasswordResetService
	Auth     *auth.AuthService

	Cleaner *maintenance.Cleaner
}

// New opens the database, migrates the schema and wires every service.
func New(cfg *Config) (*App, error) {
	db, err := database.Open(cfg.DatabaseConfig())
	if err != nil {
		return nil, err
	}
	if err := database.AutoMigrateAndSeed(db); err != nil {
		return nil, err
	}

	return NewWithDB(cfg, db)
}

// NewWithDB wires the service graph over an already-open database. Tests use
// this with an in-memory store.
func NewWithDB(cfg *Config, db *gorm.DB) (*App, error) {
	users, err := services.NewUserService(db)
	if err != nil {
		return nil, err
	}
	audit, err := services.NewAuditService(db)
	if err != nil {
		return nil, err
	}

	jwtService, err := auth.NewJWTService(cfg.JWTConfig())
	if err != nil {
		return nil, err
	}
	sessions, err := auth.NewSessionService(db, cfg.SessionConfig())
	if err != nil {
		return nil, err
	}

	mfaKey, err := crypto.DeriveKey(cfg.Auth.EncryptionPassphrase, mfaKeyLabel, crypto.DefaultArgon2Params())
	if err != nil {
		return nil, fmt.Errorf("derive mfa key: %w", err)
	}
	totpService, err := mfa.NewTOTPService(db, mfaKey, mfa.WithIssuer(cfg.Auth.TOTPIssuer))
	if err != nil {
		return nil, err
	}

	reset, err := auth.NewPasswordResetService(db, users, audit, cfg.PasswordResetConfig())
	if err != nil {
		return nil, err
	}

	authService, err := auth.NewAuthService(auth.AuthServiceConfig{
		DB:         db,
		Users:      users,
		Sessions:   sessions,
		JWT:        jwtService,
		TOTP:       totpService,
		Audit:      audit,
		Lockout:    cfg.LockoutPolicy(),
		BcryptCost: cfg.Auth.BcryptCost,
	})
	if err != nil {
		return nil, err
	}

	cleaner, err := maintenance.NewCleaner(sessions, reset, audit,
		maintenance.WithSessionRetention(cfg.Maintenance.SessionRetentionDays),
		maintenance.WithAuditRetention(cfg.Maintenance.AuditRetentionDays),
		maintenance.WithSchedules(
			cfg.Maintenance.SessionSchedule,
			cfg.Maintenance.TokenSchedule,
			cfg.Maintenance.AuditSchedule,
		),
	)
	if err != nil {
		return nil, err
	}

	return &App{
		Config:      cfg,
		DB:          db,
		Users:       users,
		Audit:       audit,
		Permissions: services.NewPermissionChecker(),
		JWT:         jwtService,
		Sessions:    sessions,
		TOTP:        totpService,
		Reset:       reset,
		Auth:        authService,
		Cleaner:     cleaner,
	}, nil
}

// Close releases the database handle.
func (a *App) Close() error {
	sqlDB, err := a.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
