package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/solvohq/authcore/internal/models"
	"github.com/solvohq/authcore/internal/services"
	"github.com/solvohq/authcore/pkg/crypto"
	apperrors "github.com/solvohq/authcore/pkg/errors"
	"github.com/solvohq/authcore/pkg/logger"
	"github.com/solvohq/authcore/pkg/metrics"
	"github.com/solvohq/authcore/pkg/validator"
)

const (
	// DefaultResetTokenTTL bounds how long a reset link stays usable.
	DefaultResetTokenTTL = 30 * time.Minute

	// DefaultMaxActiveResetTokens caps outstanding tokens per user. Requesting
	// another when at the cap silently retires the oldest.
	DefaultMaxActiveResetTokens = 3

	resetTokenLength = 32
)

// PasswordResetConfig tunes the reset token lifecycle.
type PasswordResetConfig struct {
	TokenTTL        time.Duration
	MaxActiveTokens int
	BcryptCost      int
	Clock           func() time.Time
}

// PasswordResetService issues and redeems single-use password recovery
// tokens. Only token hashes touch the database; the raw token exists once, in
// the return value of CreateResetToken.
type PasswordResetService struct {
	db         *gorm.DB
	users      *services.UserService
	audit      *services.AuditService
	tokenTTL   time.Duration
	maxActive  int
	bcryptCost int
	now        func() time.Time
	log        *zap.Logger
}

// NewPasswordResetService wires the reset flow over its collaborators.
func NewPasswordResetService(db *gorm.DB, users *services.UserService, audit *services.AuditService, cfg PasswordResetConfig) (*PasswordResetService, error) {
	if db == nil {
		return nil, errors.New("password reset: db is required")
	}
	if users == nil {
		return nil, errors.New("password reset: user service is required")
	}
	if audit == nil {
		return nil, errors.New("password reset: audit service is required")
	}

	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = DefaultResetTokenTTL
	}
	maxActive := cfg.MaxActiveTokens
	if maxActive <= 0 {
		maxActive = DefaultMaxActiveResetTokens
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &PasswordResetService{
		db:         db,
		users:      users,
		audit:      audit,
		tokenTTL:   ttl,
		maxActive:  maxActive,
		bcryptCost: cfg.BcryptCost,
		now:        clock,
		log:        logger.WithModule("password_reset"),
	}, nil
}

// CreateResetToken mints a reset token for the account behind the email.
// Unknown and deactivated accounts return an empty token with no error, so
// the response never reveals whether the address is registered.
func (s *PasswordResetService) CreateResetToken(ctx context.Context, email string, meta ClientMeta) (string, error) {
	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		return "", err
	}
	if user == nil || !user.IsActive {
		s.log.Debug("reset requested for unusable account")
		return "", nil
	}

	rawToken, err := crypto.GenerateToken(resetTokenLength)
	if err != nil {
		return "", fmt.Errorf("password reset: generate token: %w", err)
	}

	now := s.now()
	record := &models.PasswordResetToken{
		UserID:    user.ID,
		TokenHash: crypto.HashToken(rawToken),
		ExpiresAt: now.Add(s.tokenTTL),
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.pruneActiveTokens(ctx, tx, user.ID, now); err != nil {
			return err
		}
		if err := tx.Create(record).Error; err != nil {
			return fmt.Errorf("password reset: store token: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	metrics.PasswordResets.WithLabelValues("requested").Inc()
	s.audit.RecordUserAction(ctx, user.ID, models.AuditActionResetRequested,
		"Password reset requested", services.ClientMeta(meta))

	return rawToken, nil
}

// ValidateToken resolves a raw token to its owning record while it is still
// redeemable. Unknown, expired and spent tokens all fail identically.
func (s *PasswordResetService) ValidateToken(ctx context.Context, rawToken string) (*models.PasswordResetToken, error) {
	record, err := s.findByHash(ctx, s.db, crypto.HashToken(rawToken))
	if err != nil {
		return nil, err
	}
	if record == nil || !record.IsValid(s.now()) {
		return nil, apperrors.ErrTokenInvalid.WithMessage("Invalid or expired reset token")
	}
	return record, nil
}

// ResetPassword redeems a token and installs the new password. The password
// update, token consumption, sibling invalidation and lockout clear commit as
// one transaction, so a token can never be spent without the password landing.
func (s *PasswordResetService) ResetPassword(ctx context.Context, rawToken, newPassword string, meta ClientMeta) error {
	if !validator.PasswordMeetsPolicy(newPassword) {
		return apperrors.NewValidation("Password must be at least 8 characters and contain upper case, lower case and digit characters")
	}

	hash, err := crypto.HashPasswordWithCost(newPassword, s.bcryptCost)
	if err != nil {
		return fmt.Errorf("password reset: hash password: %w", err)
	}

	var userID uint
	now := s.now()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := s.findByHashLocked(ctx, tx, crypto.HashToken(rawToken))
		if err != nil {
			return err
		}
		if record == nil || !record.IsValid(now) {
			return apperrors.ErrTokenInvalid.WithMessage("Invalid or expired reset token")
		}

		var user models.User
		err = tx.Take(&user, "id = ?", record.UserID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.ErrTokenInvalid.WithMessage("Invalid or expired reset token")
		}
		if err != nil {
			return fmt.Errorf("password reset: load user: %w", err)
		}
		if !user.IsActive {
			return apperrors.ErrAccountDisabled
		}
		userID = user.ID

		err = tx.Model(&models.User{}).
			Where("id = ?", user.ID).
			Updates(map[string]any{
				"password":        hash,
				"failed_attempts": 0,
				"locked_until":    nil,
			}).Error
		if err != nil {
			return fmt.Errorf("password reset: update password: %w", err)
		}

		// The unspent predicate makes consumption first-writer-wins even when
		// the row lock above is unavailable. A second redeemer matches no row.
		consume := tx.Model(&models.PasswordResetToken{}).
			Where("id = ? AND is_used = ?", record.ID, false).
			Updates(map[string]any{
				"is_used": true,
				"used_at": now,
			})
		if consume.Error != nil {
			return fmt.Errorf("password reset: consume token: %w", consume.Error)
		}
		if consume.RowsAffected == 0 {
			return apperrors.ErrTokenInvalid.WithMessage("Invalid or expired reset token")
		}

		// Retire every other outstanding token for the account.
		err = tx.Model(&models.PasswordResetToken{}).
			Where("user_id = ? AND id <> ? AND is_used = ?", user.ID, record.ID, false).
			Updates(map[string]any{
				"is_used": true,
				"used_at": now,
			}).Error
		if err != nil {
			return fmt.Errorf("password reset: invalidate siblings: %w", err)
		}
		return nil
	})
	if err != nil {
		metrics.PasswordResets.WithLabelValues("failed").Inc()
		return err
	}

	metrics.PasswordResets.WithLabelValues("completed").Inc()
	s.audit.RecordUserAction(ctx, userID, models.AuditActionResetCompleted,
		"Password reset completed", services.ClientMeta(meta))

	return nil
}

// CleanupExpired deletes reset tokens past their expiry. Maintenance only.
func (s *PasswordResetService) CleanupExpired(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at < ?", s.now()).
		Delete(&models.PasswordResetToken{})
	if result.Error != nil {
		return 0, fmt.Errorf("password reset: cleanup tokens: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		metrics.MaintenanceDeletions.WithLabelValues("password_reset_tokens").Add(float64(result.RowsAffected))
	}

	return result.RowsAffected, nil
}

// pruneActiveTokens drops the account's spent and expired tokens and retires
// the oldest active ones so that after the next insert the account holds at
// most maxActive outstanding tokens.
func (s *PasswordResetService) pruneActiveTokens(ctx context.Context, tx *gorm.DB, userID uint, now time.Time) error {
	err := tx.WithContext(ctx).
		Where("user_id = ? AND (is_used = ? OR expires_at <= ?)", userID, true, now).
		Delete(&models.PasswordResetToken{}).Error
	if err != nil {
		return fmt.Errorf("password reset: drop dead tokens: %w", err)
	}

	var active []models.PasswordResetToken
	err = tx.WithContext(ctx).
		Where("user_id = ? AND is_used = ? AND expires_at > ?", userID, false, now).
		Order("created_at ASC, id ASC").
		Find(&active).Error
	if err != nil {
		return fmt.Errorf("password reset: list active tokens: %w", err)
	}

	excess := len(active) - (s.maxActive - 1)
	if excess <= 0 {
		return nil
	}

	ids := make([]uint, 0, excess)
	for _, token := range active[:excess] {
		ids = append(ids, token.ID)
	}

	err = tx.WithContext(ctx).
		Model(&models.PasswordResetToken{}).
		Where("id IN ?", ids).
		Updates(map[string]any{
			"is_used": true,
			"used_at": now,
		}).Error
	if err != nil {
		return fmt.Errorf("password reset: prune tokens: %w", err)
	}
	return nil
}

func (s *PasswordResetService) findByHash(ctx context.Context, db *gorm.DB, tokenHash string) (*models.PasswordResetToken, error) {
	tokenHash = strings.TrimSpace(tokenHash)

	var record models.PasswordResetToken
	err := db.WithContext(ctx).Take(&record, "token_hash = ?", tokenHash).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("password reset: find token: %w", err)
	}
	return &record, nil
}

// findByHashLocked holds the token row for the redemption transaction so
// concurrent redeemers of the same token serialise on it.
func (s *PasswordResetService) findByHashLocked(ctx context.Context, tx *gorm.DB, tokenHash string) (*models.PasswordResetToken, error) {
	query := tx.WithContext(ctx)
	// SQLite serialises writers and rejects FOR UPDATE outright.
	if tx.Dialector.Name() != "sqlite" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var record models.PasswordResetToken
	err := query.Take(&record, "token_hash = ?", strings.TrimSpace(tokenHash)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("password reset: find token: %w", err)
	}
	return &record, nil
}
