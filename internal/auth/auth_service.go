// Package auth implements credential verification, token issuance and the
// session lifecycle around them.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/solvohq/authcore/internal/auth/mfa"
	"github.com/solvohq/authcore/internal/models"
	"github.com/solvohq/authcore/internal/services"
	"github.com/solvohq/authcore/pkg/crypto"
	apperrors "github.com/solvohq/authcore/pkg/errors"
	"github.com/solvohq/authcore/pkg/logger"
	"github.com/solvohq/authcore/pkg/metrics"
	"github.com/solvohq/authcore/pkg/validator"
)

// DefaultBcryptCost is the work factor applied to new password hashes.
const DefaultBcryptCost = 12

const refreshTokenIDLength = 32

// AuthService orchestrates registration, login, token refresh and the
// credential-change flows. It owns no state of its own; everything durable
// lives behind the collaborating services.
type AuthService struct {
	db         *gorm.DB
	users      *services.UserService
	sessions   *SessionService
	jwt        *JWTService
	totp       *mfa.TOTPService
	audit      *services.AuditService
	lockout    LockoutPolicy
	bcryptCost int
	now        func() time.Time
	log        *zap.Logger
}

// AuthServiceConfig carries the collaborators and policy knobs for NewAuthService.
type AuthServiceConfig struct {
	DB         *gorm.DB
	Users      *services.UserService
	Sessions   *SessionService
	JWT        *JWTService
	TOTP       *mfa.TOTPService
	Audit      *services.AuditService
	Lockout    LockoutPolicy
	BcryptCost int
	Clock      func() time.Time
}

// NewAuthService validates the wiring and constructs the orchestrator.
func NewAuthService(cfg AuthServiceConfig) (*AuthService, error) {
	switch {
	case cfg.DB == nil:
		return nil, errors.New("auth service: db is required")
	case cfg.Users == nil:
		return nil, errors.New("auth service: user service is required")
	case cfg.Sessions == nil:
		return nil, errors.New("auth service: session service is required")
	case cfg.JWT == nil:
		return nil, errors.New("auth service: jwt service is required")
	case cfg.TOTP == nil:
		return nil, errors.New("auth service: totp service is required")
	case cfg.Audit == nil:
		return nil, errors.New("auth service: audit service is required")
	}

	lockout := cfg.Lockout
	if lockout.Threshold <= 0 || lockout.Duration <= 0 {
		lockout = NewLockoutPolicy(lockout.Threshold, lockout.Duration)
	}

	cost := cfg.BcryptCost
	if cost <= 0 {
		cost = DefaultBcryptCost
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &AuthService{
		db:         cfg.DB,
		users:      cfg.Users,
		sessions:   cfg.Sessions,
		jwt:        cfg.JWT,
		totp:       cfg.TOTP,
		audit:      cfg.Audit,
		lockout:    lockout,
		bcryptCost: cost,
		now:        clock,
		log:        logger.WithModule("auth"),
	}, nil
}

// RegisterInput carries the fields accepted at account creation.
type RegisterInput struct {
	Username    string `json:"username" validate:"required,min=3,max=50"`
	Email       string `json:"email" validate:"required,email,max=255"`
	Password    string `json:"password" validate:"required"`
	FirstName   string `json:"first_name" validate:"max=100"`
	LastName    string `json:"last_name" validate:"max=100"`
	PhoneNumber string `json:"phone_number" validate:"max=30"`
}

// Register creates a new account with the default role. Duplicate usernames
// and emails surface as conflicts; the password policy is enforced before any
// hashing work.
func (s *AuthService) Register(ctx context.Context, input RegisterInput, meta ClientMeta) (*models.User, error) {
	if err := validator.ValidateStruct(input); err != nil {
		return nil, apperrors.NewValidation(err.Error())
	}
	if !validator.PasswordMeetsPolicy(input.Password) {
		return nil, apperrors.NewValidation("Password must be at least 8 characters and contain upper case, lower case and digit characters")
	}

	hash, err := crypto.HashPasswordWithCost(input.Password, s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("auth service: hash password: %w", err)
	}

	user, err := s.users.Create(ctx, services.CreateUserInput{
		Username:    input.Username,
		Email:       input.Email,
		Password:    hash,
		FirstName:   input.FirstName,
		LastName:    input.LastName,
		PhoneNumber: input.PhoneNumber,
	})
	if err != nil {
		return nil, err
	}

	s.audit.RecordUserAction(ctx, user.ID, models.AuditActionRegister,
		"Account registered", services.ClientMeta(meta))

	return user, nil
}

// TokenPair is the issued credential set for an authenticated session.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	SessionID    uint   `json:"session_id"`
}

// LoginResult is the outcome of a password login. When the account has a
// second factor enrolled, Tokens is nil and TwoFactorToken carries the
// short-lived pending token instead.
type LoginResult struct {
	User              *models.User
	Tokens            *TokenPair
	TwoFactorRequired bool
	TwoFactorToken    string
}

// Login verifies the credentials and either issues tokens or, for accounts
// with a second factor, hands back a pending two-factor token.
func (s *AuthService) Login(ctx context.Context, identifier, password string, meta ClientMeta) (*LoginResult, error) {
	user, err := s.Authenticate(ctx, identifier, password, meta)
	if err != nil {
		return nil, err
	}

	if user.TwoFactorEnabled {
		pending, err := s.jwt.GenerateTwoFactorToken(user.ID)
		if err != nil {
			return nil, fmt.Errorf("auth service: issue pending token: %w", err)
		}
		return &LoginResult{
			User:              user,
			TwoFactorRequired: true,
			TwoFactorToken:    pending,
		}, nil
	}

	return s.completeLogin(ctx, user, meta)
}

// CompleteTwoFactorLogin finishes a pending login with an authenticator code.
func (s *AuthService) CompleteTwoFactorLogin(ctx context.Context, pendingToken, code string, meta ClientMeta) (*LoginResult, error) {
	user, err := s.resolvePendingLogin(ctx, pendingToken)
	if err != nil {
		return nil, err
	}

	if err := s.totp.VerifyCode(ctx, user.ID, code); err != nil {
		s.audit.RecordUserAction(ctx, user.ID, models.AuditActionLoginFailed,
			"Invalid two-factor code", services.ClientMeta(meta))
		return nil, err
	}

	s.audit.RecordUserAction(ctx, user.ID, models.AuditActionTwoFactorVerify,
		"Two-factor code accepted", services.ClientMeta(meta))

	return s.completeLogin(ctx, user, meta)
}

// CompleteTwoFactorLoginWithBackupCode finishes a pending login by spending a
// recovery code.
func (s *AuthService) CompleteTwoFactorLoginWithBackupCode(ctx context.Context, pendingToken, backupCode string, meta ClientMeta) (*LoginResult, error) {
	user, err := s.resolvePendingLogin(ctx, pendingToken)
	if err != nil {
		return nil, err
	}

	if err := s.totp.VerifyBackupCode(ctx, user.ID, backupCode); err != nil {
		s.audit.RecordUserAction(ctx, user.ID, models.AuditActionLoginFailed,
			"Invalid backup code", services.ClientMeta(meta))
		return nil, err
	}

	s.audit.RecordUserAction(ctx, user.ID, models.AuditActionTwoFactorVerify,
		"Backup code accepted", services.ClientMeta(meta))

	return s.completeLogin(ctx, user, meta)
}

// Authenticate verifies an identifier and password against the store without
// issuing tokens. Unknown identifiers and wrong passwords fail identically.
// The lockout gate runs before any hash comparison, so locked accounts cost
// no bcrypt work.
func (s *AuthService) Authenticate(ctx context.Context, identifier, password string, meta ClientMeta) (*models.User, error) {
	user, err := s.users.GetByUsernameOrEmail(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if user == nil {
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		return nil, apperrors.ErrInvalidCredentials
	}

	now := s.now()

	if s.lockout.IsLocked(user.LockedUntil, now) {
		metrics.AuthAttempts.WithLabelValues("locked").Inc()
		s.audit.RecordUserAction(ctx, user.ID, models.AuditActionLoginFailed,
			"Login rejected while account locked", services.ClientMeta(meta))
		return nil, apperrors.AccountLocked(s.lockout.Remaining(user.LockedUntil, now))
	}

	// A lock that has lapsed resets the counter so the next failure starts a
	// fresh window.
	if user.LockedUntil != nil && !s.lockout.IsLocked(user.LockedUntil, now) {
		if err := s.clearLockout(ctx, user.ID); err != nil {
			return nil, err
		}
		user.FailedAttempts = 0
		user.LockedUntil = nil
	}

	if !crypto.VerifyPassword(user.Password, password) {
		return nil, s.recordFailedAttempt(ctx, user, now, meta)
	}

	if !user.IsActive {
		metrics.AuthAttempts.WithLabelValues("disabled").Inc()
		s.audit.RecordUserAction(ctx, user.ID, models.AuditActionLoginFailed,
			"Login rejected for deactivated account", services.ClientMeta(meta))
		return nil, apperrors.ErrAccountDisabled
	}

	if user.FailedAttempts > 0 || user.LockedUntil != nil {
		if err := s.clearLockout(ctx, user.ID); err != nil {
			return nil, err
		}
		user.FailedAttempts = 0
		user.LockedUntil = nil
	}

	metrics.AuthAttempts.WithLabelValues("success").Inc()
	return user, nil
}

// CreateTokens mints an access and refresh token pair for the user and
// records the backing session, keyed by the refresh token's jti.
func (s *AuthService) CreateTokens(ctx context.Context, user *models.User, meta ClientMeta) (*TokenPair, error) {
	jti, err := crypto.GenerateToken(refreshTokenIDLength)
	if err != nil {
		return nil, fmt.Errorf("auth service: generate token id: %w", err)
	}

	accessToken, err := s.jwt.GenerateAccessToken(AccessTokenInput{
		UserID:   user.ID,
		Username: user.Username,
		Email:    user.Email,
		Roles:    services.RoleCodes(user),
	}, jti)
	if err != nil {
		return nil, fmt.Errorf("auth service: generate access token: %w", err)
	}

	refreshToken, err := s.jwt.GenerateRefreshToken(user.ID, jti)
	if err != nil {
		return nil, fmt.Errorf("auth service: generate refresh token: %w", err)
	}

	session, err := s.sessions.Create(ctx, user.ID, jti, meta)
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "bearer",
		ExpiresIn:    int64(s.jwt.AccessTokenTTL().Seconds()),
		SessionID:    session.ID,
	}, nil
}

// Refresh exchanges a refresh token for a new access token. The session row
// behind the token's jti is re-checked against the store on every call, and
// the same refresh token remains valid until its own expiry; no rotation.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string, meta ClientMeta) (*TokenPair, error) {
	claims, err := s.jwt.VerifyToken(refreshToken, TokenTypeRefresh)
	if err != nil {
		return nil, err
	}

	session, err := s.sessions.Validate(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, apperrors.ErrSessionRevoked
	}

	userID, err := claims.UserID()
	if err != nil {
		return nil, apperrors.ErrTokenInvalid.WithInternal(err)
	}

	// Role and profile claims are re-derived from the store, never copied
	// forward from the old token.
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil || !user.IsActive {
		return nil, apperrors.ErrAccountDisabled
	}

	accessToken, err := s.jwt.GenerateAccessToken(AccessTokenInput{
		UserID:   user.ID,
		Username: user.Username,
		Email:    user.Email,
		Roles:    services.RoleCodes(user),
	}, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("auth service: generate access token: %w", err)
	}

	if err := s.sessions.Touch(ctx, session.ID); err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "bearer",
		ExpiresIn:    int64(s.jwt.AccessTokenTTL().Seconds()),
		SessionID:    session.ID,
	}, nil
}

// Logout revokes the session behind the presented refresh token. Revoking an
// already-revoked or unknown session is not an error.
func (s *AuthService) Logout(ctx context.Context, refreshToken string, meta ClientMeta) error {
	claims, err := s.jwt.Decode(refreshToken)
	if err != nil {
		return err
	}
	if claims.ID == "" {
		return apperrors.ErrTokenInvalid
	}

	revoked, err := s.sessions.RevokeByJTI(ctx, claims.ID)
	if err != nil {
		return err
	}

	if revoked {
		if userID, err := claims.UserID(); err == nil {
			s.audit.RecordUserAction(ctx, userID, models.AuditActionLogout,
				"Logged out", services.ClientMeta(meta))
		}
	}
	return nil
}

// LogoutAll revokes every active session of the token's owner except the one
// behind the presented token, and reports how many were revoked.
func (s *AuthService) LogoutAll(ctx context.Context, refreshToken string, meta ClientMeta) (int64, error) {
	claims, err := s.jwt.VerifyToken(refreshToken, TokenTypeRefresh)
	if err != nil {
		return 0, err
	}

	userID, err := claims.UserID()
	if err != nil {
		return 0, apperrors.ErrTokenInvalid.WithInternal(err)
	}

	var except *uint
	if session, err := s.sessions.GetByJTI(ctx, claims.ID); err != nil {
		return 0, err
	} else if session != nil {
		except = &session.ID
	}

	count, err := s.sessions.RevokeAllExcept(ctx, userID, except)
	if err != nil {
		return 0, err
	}

	s.audit.RecordUserAction(ctx, userID, models.AuditActionSessionRevokeAll,
		fmt.Sprintf("Revoked %d other session(s)", count), services.ClientMeta(meta))

	return count, nil
}

// ChangePassword replaces a user's password after re-proving the current one.
// Re-using the current password is rejected. Existing sessions stay valid.
func (s *AuthService) ChangePassword(ctx context.Context, userID uint, currentPassword, newPassword string, meta ClientMeta) error {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil {
		return apperrors.ErrNotFound.WithMessage("User not found")
	}

	if !crypto.VerifyPassword(user.Password, currentPassword) {
		return apperrors.ErrInvalidCredentials.WithMessage("Current password is incorrect")
	}
	if crypto.VerifyPassword(user.Password, newPassword) {
		return apperrors.NewValidation("New password must differ from the current password")
	}
	if !validator.PasswordMeetsPolicy(newPassword) {
		return apperrors.NewValidation("Password must be at least 8 characters and contain upper case, lower case and digit characters")
	}

	hash, err := crypto.HashPasswordWithCost(newPassword, s.bcryptCost)
	if err != nil {
		return fmt.Errorf("auth service: hash password: %w", err)
	}

	if err := s.users.UpdatePassword(ctx, nil, userID, hash); err != nil {
		return err
	}

	s.audit.RecordUserAction(ctx, userID, models.AuditActionPasswordChange,
		"Password changed", services.ClientMeta(meta))

	return nil
}

// Principal is the resolved identity behind a verified access token.
type Principal struct {
	UserID   uint
	Username string
	Email    string
	Roles    []string
	TokenID  string
}

// ValidateAccessToken verifies an access token and re-checks the account is
// still active. Pending two-factor tokens are access-typed but never pass.
func (s *AuthService) ValidateAccessToken(ctx context.Context, accessToken string) (*Principal, error) {
	claims, err := s.jwt.VerifyToken(accessToken, TokenTypeAccess)
	if err != nil {
		return nil, err
	}
	if claims.Purpose != "" {
		return nil, apperrors.ErrTokenInvalid
	}

	userID, err := claims.UserID()
	if err != nil {
		return nil, apperrors.ErrTokenInvalid.WithInternal(err)
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil || !user.IsActive {
		return nil, apperrors.ErrAccountDisabled
	}

	return &Principal{
		UserID:   user.ID,
		Username: user.Username,
		Email:    user.Email,
		Roles:    services.RoleCodes(user),
		TokenID:  claims.ID,
	}, nil
}

func (s *AuthService) completeLogin(ctx context.Context, user *models.User, meta ClientMeta) (*LoginResult, error) {
	tokens, err := s.CreateTokens(ctx, user, meta)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if err := s.users.UpdateLastLogin(ctx, user.ID, now); err != nil {
		s.log.Warn("failed to stamp last login",
			zap.Uint("user_id", user.ID), zap.Error(err))
	}
	user.LastLoginAt = &now

	s.audit.RecordUserAction(ctx, user.ID, models.AuditActionLogin,
		"Logged in", services.ClientMeta(meta))

	return &LoginResult{User: user, Tokens: tokens}, nil
}

// resolvePendingLogin validates a pending two-factor token and loads its user.
func (s *AuthService) resolvePendingLogin(ctx context.Context, pendingToken string) (*models.User, error) {
	claims, err := s.jwt.VerifyToken(pendingToken, TokenTypeAccess)
	if err != nil {
		return nil, err
	}
	if claims.Purpose != PurposeTwoFactor {
		return nil, apperrors.ErrTokenInvalid
	}

	userID, err := claims.UserID()
	if err != nil {
		return nil, apperrors.ErrTokenInvalid.WithInternal(err)
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil || !user.IsActive {
		return nil, apperrors.ErrAccountDisabled
	}
	if !user.TwoFactorEnabled {
		return nil, apperrors.ErrTokenInvalid
	}

	return user, nil
}

// recordFailedAttempt increments the failure counter and applies the lockout
// policy in one transaction, then reports the login failure to the caller.
// The counter is re-read under a row lock inside the transaction so parallel
// failures on the same account each land a distinct increment.
func (s *AuthService) recordFailedAttempt(ctx context.Context, user *models.User, now time.Time, meta ClientMeta) error {
	var (
		attempts    int
		lockedUntil *time.Time
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx
		// SQLite serialises writers and rejects FOR UPDATE outright.
		if tx.Dialector.Name() != "sqlite" {
			query = query.Clauses(clause.Locking{Strength: "UPDATE"})
		}

		var current models.User
		if err := query.Take(&current, "id = ?", user.ID).Error; err != nil {
			return err
		}

		attempts, lockedUntil = s.lockout.OnFailure(current.FailedAttempts, now)

		updates := map[string]any{"failed_attempts": attempts}
		if lockedUntil != nil {
			updates["locked_until"] = *lockedUntil
		}

		return tx.Model(&models.User{}).
			Where("id = ?", user.ID).
			Updates(updates).Error
	})
	if err != nil {
		return fmt.Errorf("auth service: record failed attempt: %w", err)
	}

	metrics.AuthAttempts.WithLabelValues("failure").Inc()
	s.audit.RecordUserAction(ctx, user.ID, models.AuditActionLoginFailed,
		"Invalid password (attempt "+strconv.Itoa(attempts)+")", services.ClientMeta(meta))

	if lockedUntil != nil {
		s.log.Warn("account locked after repeated failures",
			zap.Uint("user_id", user.ID),
			zap.Time("locked_until", *lockedUntil))
		s.audit.RecordUserAction(ctx, user.ID, models.AuditActionAccountLocked,
			"Account locked after repeated failed logins", services.ClientMeta(meta))
	}

	return apperrors.ErrInvalidCredentials
}

func (s *AuthService) clearLockout(ctx context.Context, userID uint) error {
	err := s.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", userID).
		Updates(map[string]any{
			"failed_attempts": 0,
			"locked_until":    nil,
		}).Error
	if err != nil {
		return fmt.Errorf("auth service: clear lockout: %w", err)
	}
	return nil
}
