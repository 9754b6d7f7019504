// Package mfa implements TOTP-based second-factor enrollment and verification.
package mfa

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	qrcode "github.com/skip2/go-qrcode"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/solvohq/authcore/internal/models"
	"github.com/solvohq/authcore/pkg/crypto"
	apperrors "github.com/solvohq/authcore/pkg/errors"
	"github.com/solvohq/authcore/pkg/metrics"
)

const (
	defaultIssuer          = "Solvo"
	defaultBackupCodeCount = 10
	defaultQRCodeSize      = 256

	// totpSkew accepts one 30-second step of clock drift either side.
	totpSkew = 1
)

// Option configures a TOTPService.
type Option func(*TOTPService)

// WithIssuer sets the issuer shown in authenticator apps.
func WithIssuer(issuer string) Option {
	return func(s *TOTPService) {
		if issuer != "" {
			s.issuer = issuer
		}
	}
}

// WithBackupCodeCount sets how many recovery codes each enrollment receives.
func WithBackupCodeCount(n int) Option {
	return func(s *TOTPService) {
		if n > 0 {
			s.backupCodes = n
		}
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *TOTPService) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithQRCodeSize sets the pixel size of generated provisioning QR codes.
func WithQRCodeSize(size int) Option {
	return func(s *TOTPService) {
		if size > 0 {
			s.qrSize = size
		}
	}
}

// TOTPService manages per-user TOTP enrollment. Secrets are encrypted at rest
// with the service-wide key; verification accepts one step of clock drift.
type TOTPService struct {
	db          *gorm.DB
	key         []byte
	issuer      string
	backupCodes int
	qrSize      int
	now         func() time.Time
}

// NewTOTPService constructs the service. key must be a 32-byte AES key.
func NewTOTPService(db *gorm.DB, key []byte, opts ...Option) (*TOTPService, error) {
	if db == nil {
		return nil, errors.New("mfa: db is required")
	}
	if len(key) != 32 {
		return nil, errors.New("mfa: encryption key must be 32 bytes")
	}

	s := &TOTPService{
		db:          db,
		key:         key,
		issuer:      defaultIssuer,
		backupCodes: defaultBackupCodeCount,
		qrSize:      defaultQRCodeSize,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// SetupDetails is handed back from InitiateSetup so the client can show both
// the QR code and the manual-entry secret.
type SetupDetails struct {
	Secret          string
	ProvisioningURI string
}

// InitiateSetup creates or replaces a pending enrollment for the user and
// returns the fresh secret. An already-enabled enrollment is never touched.
func (s *TOTPService) InitiateSetup(ctx context.Context, user *models.User) (*SetupDetails, error) {
	if user == nil {
		return nil, apperrors.ErrNotFound.WithMessage("User not found")
	}

	existing, err := s.getRecord(ctx, s.db, user.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.IsEnabled {
		return nil, apperrors.NewConflict("Two-factor authentication is already enabled")
	}

	generated, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: user.Email,
	})
	if err != nil {
		return nil, fmt.Errorf("mfa: generate secret: %w", err)
	}

	encrypted, err := crypto.Encrypt([]byte(generated.Secret()), s.key)
	if err != nil {
		return nil, fmt.Errorf("mfa: encrypt secret: %w", err)
	}

	record := models.TwoFactor{
		UserID: user.ID,
		Secret: encrypted,
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"secret":       encrypted,
				"is_enabled":   false,
				"is_verified":  false,
				"backup_codes": nil,
				"enabled_at":   nil,
				"updated_at":   s.now(),
			}),
		}).
		Create(&record).Error
	if err != nil {
		return nil, fmt.Errorf("mfa: store pending enrollment: %w", err)
	}

	return &SetupDetails{
		Secret:          generated.Secret(),
		ProvisioningURI: generated.URL(),
	}, nil
}

// VerifyAndEnable activates a pending enrollment once the user proves
// possession of the secret, and mints the recovery code set. Activation and
// code storage commit together.
func (s *TOTPService) VerifyAndEnable(ctx context.Context, userID uint, code string) ([]string, error) {
	var codes []string

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := s.getRecordLocked(ctx, tx, userID)
		if err != nil {
			return err
		}
		if record == nil {
			return apperrors.ErrNotFound.WithMessage("Two-factor setup has not been started")
		}
		if record.IsEnabled {
			return apperrors.NewConflict("Two-factor authentication is already enabled")
		}

		if err := s.checkCode(record, code); err != nil {
			metrics.TwoFactorVerifications.WithLabelValues("totp", "failure").Inc()
			return err
		}

		codes, err = generateBackupCodes(s.backupCodes)
		if err != nil {
			return err
		}
		joined := strings.Join(codes, ",")
		now := s.now()

		err = tx.Model(&models.TwoFactor{}).
			Where("id = ?", record.ID).
			Updates(map[string]any{
				"is_enabled":   true,
				"is_verified":  true,
				"backup_codes": joined,
				"enabled_at":   now,
				"last_used_at": now,
			}).Error
		if err != nil {
			return fmt.Errorf("mfa: enable enrollment: %w", err)
		}

		err = tx.Model(&models.User{}).
			Where("id = ?", userID).
			Update("two_factor_enabled", true).Error
		if err != nil {
			return fmt.Errorf("mfa: flag user: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.TwoFactorVerifications.WithLabelValues("totp", "success").Inc()
	return codes, nil
}

// VerifyCode validates a TOTP code against the user's active enrollment.
func (s *TOTPService) VerifyCode(ctx context.Context, userID uint, code string) error {
	record, err := s.getRecord(ctx, s.db, userID)
	if err != nil {
		return err
	}
	if record == nil || !record.IsEnabled {
		return apperrors.ErrTwoFactorInvalid
	}

	if err := s.checkCode(record, code); err != nil {
		metrics.TwoFactorVerifications.WithLabelValues("totp", "failure").Inc()
		return err
	}

	err = s.db.WithContext(ctx).
		Model(&models.TwoFactor{}).
		Where("id = ?", record.ID).
		Update("last_used_at", s.now()).Error
	if err != nil {
		return fmt.Errorf("mfa: stamp usage: %w", err)
	}

	metrics.TwoFactorVerifications.WithLabelValues("totp", "success").Inc()
	return nil
}

// VerifyBackupCode consumes a recovery code. Each code authenticates exactly
// once; the row is locked for the check-and-remove so concurrent attempts
// cannot both spend the same code.
func (s *TOTPService) VerifyBackupCode(ctx context.Context, userID uint, code string) error {
	normalized := normalizeBackupCode(code)
	if normalized == "" {
		metrics.TwoFactorVerifications.WithLabelValues("backup", "failure").Inc()
		return apperrors.ErrTwoFactorInvalid
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := s.getRecordLocked(ctx, tx, userID)
		if err != nil {
			return err
		}
		if record == nil || !record.IsEnabled || record.BackupCodes == nil {
			return apperrors.ErrTwoFactorInvalid
		}

		remaining, found := consumeBackupCode(*record.BackupCodes, normalized)
		if !found {
			return apperrors.ErrTwoFactorInvalid
		}

		updates := map[string]any{
			"last_used_at": s.now(),
		}
		if remaining == "" {
			updates["backup_codes"] = nil
		} else {
			updates["backup_codes"] = remaining
		}

		err = tx.Model(&models.TwoFactor{}).
			Where("id = ?", record.ID).
			Updates(updates).Error
		if err != nil {
			return fmt.Errorf("mfa: consume backup code: %w", err)
		}
		return nil
	})
	if err != nil {
		metrics.TwoFactorVerifications.WithLabelValues("backup", "failure").Inc()
		return err
	}

	metrics.TwoFactorVerifications.WithLabelValues("backup", "success").Inc()
	return nil
}

// RegenerateBackupCodes replaces the remaining recovery codes with a fresh
// set. The caller must prove possession of the authenticator with a current
// code before the old set is discarded.
func (s *TOTPService) RegenerateBackupCodes(ctx context.Context, userID uint, code string) ([]string, error) {
	var codes []string

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := s.getRecordLocked(ctx, tx, userID)
		if err != nil {
			return err
		}
		if record == nil || !record.IsEnabled {
			return apperrors.ErrNotFound.WithMessage("Two-factor authentication is not enabled")
		}

		if err := s.checkCode(record, code); err != nil {
			metrics.TwoFactorVerifications.WithLabelValues("totp", "failure").Inc()
			return err
		}

		codes, err = generateBackupCodes(s.backupCodes)
		if err != nil {
			return err
		}

		err = tx.Model(&models.TwoFactor{}).
			Where("id = ?", record.ID).
			Update("backup_codes", strings.Join(codes, ",")).Error
		if err != nil {
			return fmt.Errorf("mfa: store backup codes: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return codes, nil
}

// Disable removes the user's enrollment entirely. A current TOTP code is
// required so a hijacked session cannot strip the second factor on its own.
// The secret and any unused recovery codes are destroyed, and the user flag
// is cleared in the same transaction.
func (s *TOTPService) Disable(ctx context.Context, userID uint, code string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := s.getRecordLocked(ctx, tx, userID)
		if err != nil {
			return err
		}
		if record == nil || !record.IsEnabled {
			return apperrors.ErrNotFound.WithMessage("Two-factor authentication is not enabled")
		}

		if err := s.checkCode(record, code); err != nil {
			metrics.TwoFactorVerifications.WithLabelValues("totp", "failure").Inc()
			return err
		}

		result := tx.Where("id = ?", record.ID).Delete(&models.TwoFactor{})
		if result.Error != nil {
			return fmt.Errorf("mfa: delete enrollment: %w", result.Error)
		}

		err = tx.Model(&models.User{}).
			Where("id = ?", userID).
			Update("two_factor_enabled", false).Error
		if err != nil {
			return fmt.Errorf("mfa: clear user flag: %w", err)
		}
		return nil
	})
}

// Status describes a user's enrollment without exposing secret material.
type Status struct {
	Enabled              bool       `json:"enabled"`
	Verified             bool       `json:"verified"`
	BackupCodesRemaining int        `json:"backup_codes_remaining"`
	EnabledAt            *time.Time `json:"enabled_at,omitempty"`
	LastUsedAt           *time.Time `json:"last_used_at,omitempty"`
}

// Status reports the user's current enrollment state.
func (s *TOTPService) Status(ctx context.Context, userID uint) (*Status, error) {
	record, err := s.getRecord(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return &Status{}, nil
	}

	remaining := 0
	if record.BackupCodes != nil && *record.BackupCodes != "" {
		remaining = len(strings.Split(*record.BackupCodes, ","))
	}

	return &Status{
		Enabled:              record.IsEnabled,
		Verified:             record.IsVerified,
		BackupCodesRemaining: remaining,
		EnabledAt:            record.EnabledAt,
		LastUsedAt:           record.LastUsedAt,
	}, nil
}

// IsEnabled reports whether the user has an active enrollment.
func (s *TOTPService) IsEnabled(ctx context.Context, userID uint) (bool, error) {
	record, err := s.getRecord(ctx, s.db, userID)
	if err != nil {
		return false, err
	}
	return record != nil && record.IsEnabled, nil
}

// GenerateQRCode renders a provisioning URI as a PNG for authenticator apps.
func (s *TOTPService) GenerateQRCode(provisioningURI string) ([]byte, error) {
	png, err := qrcode.Encode(provisioningURI, qrcode.Medium, s.qrSize)
	if err != nil {
		return nil, fmt.Errorf("mfa: render qr code: %w", err)
	}
	return png, nil
}

func (s *TOTPService) checkCode(record *models.TwoFactor, code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return apperrors.ErrTwoFactorInvalid
	}

	secret, err := crypto.Decrypt(record.Secret, s.key)
	if err != nil {
		return fmt.Errorf("mfa: decrypt secret: %w", err)
	}

	valid, err := totp.ValidateCustom(code, string(secret), s.now().UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      totpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil || !valid {
		return apperrors.ErrTwoFactorInvalid
	}
	return nil
}

func (s *TOTPService) getRecord(ctx context.Context, db *gorm.DB, userID uint) (*models.TwoFactor, error) {
	var record models.TwoFactor
	err := db.WithContext(ctx).Take(&record, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mfa: find enrollment: %w", err)
	}
	return &record, nil
}

func (s *TOTPService) getRecordLocked(ctx context.Context, tx *gorm.DB, userID uint) (*models.TwoFactor, error) {
	query := tx.WithContext(ctx)
	// SQLite serialises writers and rejects FOR UPDATE outright.
	if tx.Dialector.Name() != "sqlite" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var record models.TwoFactor
	err := query.Take(&record, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mfa: find enrollment: %w", err)
	}
	return &record, nil
}

// generateBackupCodes mints n recovery codes in XXXX-XXXX uppercase hex form.
func generateBackupCodes(n int) ([]string, error) {
	codes := make([]string, 0, n)
	seen := make(map[string]struct{}, n)
	for len(codes) < n {
		raw := make([]byte, 4)
		if _, err := rand.Read(raw); err != nil {
			return nil, fmt.Errorf("mfa: generate backup code: %w", err)
		}
		hexCode := strings.ToUpper(hex.EncodeToString(raw))
		code := hexCode[:4] + "-" + hexCode[4:]
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		codes = append(codes, code)
	}
	return codes, nil
}

// normalizeBackupCode strips separators and whitespace and upper-cases the
// remainder, so user input matches regardless of formatting.
func normalizeBackupCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	code = strings.ReplaceAll(code, "-", "")
	code = strings.ReplaceAll(code, " ", "")
	if len(code) != 8 {
		return ""
	}
	return code
}

// consumeBackupCode removes the matching code from the stored comma-joined
// set. Comparison is constant-time per candidate.
func consumeBackupCode(stored, normalized string) (string, bool) {
	parts := strings.Split(stored, ",")
	remaining := make([]string, 0, len(parts))
	found := false
	for _, part := range parts {
		candidate := normalizeBackupCode(part)
		if !found && candidate != "" &&
			subtle.ConstantTimeCompare([]byte(candidate), []byte(normalized)) == 1 {
			found = true
			continue
		}
		remaining = append(remaining, part)
	}
	if !found {
		return "", false
	}
	return strings.Join(remaining, ","), true
}
