package mfa

import (
	"bytes"
	"context"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/solvohq/authcore/internal/database/testutil"
	"github.com/solvohq/authcore/internal/models"
	apperrors "github.com/solvohq/authcore/pkg/errors"
)

var testKey = bytes.Repeat([]byte("k"), 32)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestTOTPService(t *testing.T, clock *fakeClock) (*TOTPService, *gorm.DB) {
	t.Helper()

	db := testutil.MustOpenTestDB(t, testutil.WithSeedData())
	svc, err := NewTOTPService(db, testKey, WithClock(clock.Now))
	require.NoError(t, err)
	return svc, db
}

func createUser(t *testing.T, db *gorm.DB, username string) *models.User {
	t.Helper()

	user := &models.User{
		Username: username,
		Email:    username + "@example.com",
		Password: "x",
		IsActive: true,
	}
	require.NoError(t, db.Create(user).Error)
	return user
}

func enroll(t *testing.T, svc *TOTPService, clock *fakeClock, user *models.User) (string, []string) {
	t.Helper()

	details, err := svc.InitiateSetup(context.Background(), user)
	require.NoError(t, err)

	code, err := totp.GenerateCode(details.Secret, clock.Now())
	require.NoError(t, err)

	codes, err := svc.VerifyAndEnable(context.Background(), user.ID, code)
	require.NoError(t, err)
	return details.Secret, codes
}

func TestInitiateSetupStoresEncryptedSecret(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc, db := newTestTOTPService(t, clock)
	user := createUser(t, db, "alice")

	details, err := svc.InitiateSetup(context.Background(), user)
	require.NoError(t, err)
	require.NotEmpty(t, details.Secret)
	require.Contains(t, details.ProvisioningURI, "otpauth://totp/")

	var record models.TwoFactor
	require.NoError(t, db.Take(&record, "user_id = ?", user.ID).Error)
	require.False(t, record.IsEnabled)
	require.NotEqual(t, details.Secret, record.Secret)
	require.NotContains(t, record.Secret, details.Secret)
}

func TestInitiateSetupReplacesPendingEnrollment(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc, db := newTestTOTPService(t, clock)
	user := createUser(t, db, "alice")

	first, err := svc.InitiateSetup(context.Background(), user)
	require.NoError(t, err)
	second, err := svc.InitiateSetup(context.Background(), user)
	require.NoError(t, err)
	require.NotEqual(t, first.Secret, second.Secret)

	// Only the latest pending secret verifies.
	staleCode, err := totp.GenerateCode(first.Secret, clock.Now())
	require.NoError(t, err)
	_, err = svc.VerifyAndEnable(context.Background(), user.ID, staleCode)
	require.ErrorIs(t, err, apperrors.ErrTwoFactorInvalid)

	code, err := totp.GenerateCode(second.Secret, clock.Now())
	require.NoError(t, err)
	_, err = svc.VerifyAndEnable(context.Background(), user.ID, code)
	require.NoError(t, err)
}

func TestVerifyAndEnableActivatesAndMintsBackupCodes(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc, db := newTestTOTPService(t, clock)
	user := createUser(t, db, "alice")

	codeFormat := regexp.MustCompile(`^[0-9A-F]{4}-[0-9A-F]{4}$`)

	_, codes := enroll(t, svc, clock, user)
	require.Len(t, codes, 10)
	for _, code := range codes {
		require.Regexp(t, codeFormat, code)
	}

	var stored models.User
	require.NoError(t, db.Take(&stored, "id = ?", user.ID).Error)
	require.True(t, stored.TwoFactorEnabled)

	var record models.TwoFactor
	require.NoError(t, db.Take(&record, "user_id = ?", user.ID).Error)
	require.True(t, record.IsEnabled)
	require.True(t, record.IsVerified)
	require.NotNil(t, record.EnabledAt)
}

func TestVerifyAndEnableRejectsBadCode(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc, db := newTestTOTPService(t, clock)
	user := createUser(t, db, "alice")

	_, err := svc.InitiateSetup(context.Background(), user)
	require.NoError(t, err)

	_, err = svc.VerifyAndEnable(context.Background(), user.ID, "000000")
	require.ErrorIs(t, err, apperrors.ErrTwoFactorInvalid)

	enabled, err := svc.IsEnabled(context.Background(), user.ID)
	require.NoError(t, err)
	require.False(t, enabled)
}

func TestVerifyCodeAcceptsOneStepOfDrift(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc, db := newTestTOTPService(t, clock)
	user := createUser(t, db, "alice")
	secret, _ := enroll(t, svc, clock, user)

	// A code from the previous 30-second step still verifies.
	previous, err := totp.GenerateCode(secret, clock.Now().Add(-30*time.Second))
	require.NoError(t, err)
	require.NoError(t, svc.VerifyCode(context.Background(), user.ID, previous))

	// Two steps back is out of the window.
	stale, err := totp.GenerateCode(secret, clock.Now().Add(-90*time.Second))
	require.NoError(t, err)
	err = svc.VerifyCode(context.Background(), user.ID, stale)
	require.ErrorIs(t, err, apperrors.ErrTwoFactorInvalid)
}

func TestVerifyBackupCodeIsSingleUse(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc, db := newTestTOTPService(t, clock)
	user := createUser(t, db, "alice")
	_, codes := enroll(t, svc, clock, user)

	require.NoError(t, svc.VerifyBackupCode(context.Background(), user.ID, codes[0]))

	err := svc.VerifyBackupCode(context.Background(), user.ID, codes[0])
	require.ErrorIs(t, err, apperrors.ErrTwoFactorInvalid)

	status, err := svc.Status(context.Background(), user.ID)
	require.NoError(t, err)
	require.Equal(t, 9, status.BackupCodesRemaining)
}

func TestVerifyBackupCodeNormalisesInput(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc, db := newTestTOTPService(t, clock)
	user := createUser(t, db, "alice")
	_, codes := enroll(t, svc, clock, user)

	sloppy := strings.ToLower(strings.ReplaceAll(codes[0], "-", ""))
	require.NoError(t, svc.VerifyBackupCode(context.Background(), user.ID, " "+sloppy+" "))
}

func TestBackupCodesNullWhenExhausted(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc, db := newTestTOTPService(t, clock)
	user := createUser(t, db, "alice")
	_, codes := enroll(t, svc, clock, user)

	for _, code := range codes {
		require.NoError(t, svc.VerifyBackupCode(context.Background(), user.ID, code))
	}

	var record models.TwoFactor
	require.NoError(t, db.Take(&record, "user_id = ?", user.ID).Error)
	require.Nil(t, record.BackupCodes)

	err := svc.VerifyBackupCode(context.Background(), user.ID, codes[0])
	require.ErrorIs(t, err, apperrors.ErrTwoFactorInvalid)
}

func TestRegenerateBackupCodesReplacesSet(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc, db := newTestTOTPService(t, clock)
	user := createUser(t, db, "alice")
	secret, old := enroll(t, svc, clock, user)

	code, err := totp.GenerateCode(secret, clock.Now())
	require.NoError(t, err)
	fresh, err := svc.RegenerateBackupCodes(context.Background(), user.ID, code)
	require.NoError(t, err)
	require.Len(t, fresh, 10)

	err = svc.VerifyBackupCode(context.Background(), user.ID, old[0])
	require.ErrorIs(t, err, apperrors.ErrTwoFactorInvalid)
	require.NoError(t, svc.VerifyBackupCode(context.Background(), user.ID, fresh[0]))
}

func TestRegenerateBackupCodesRequiresCurrentCode(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc, db := newTestTOTPService(t, clock)
	user := createUser(t, db, "alice")
	_, old := enroll(t, svc, clock, user)

	_, err := svc.RegenerateBackupCodes(context.Background(), user.ID, "")
	require.ErrorIs(t, err, apperrors.ErrTwoFactorInvalid)
	_, err = svc.RegenerateBackupCodes(context.Background(), user.ID, "000000")
	require.ErrorIs(t, err, apperrors.ErrTwoFactorInvalid)

	// The existing set survives a rejected regeneration.
	require.NoError(t, svc.VerifyBackupCode(context.Background(), user.ID, old[0]))
}

func TestDisableDestroysEnrollment(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc, db := newTestTOTPService(t, clock)
	user := createUser(t, db, "alice")
	secret, _ := enroll(t, svc, clock, user)

	code, err := totp.GenerateCode(secret, clock.Now())
	require.NoError(t, err)
	require.NoError(t, svc.Disable(context.Background(), user.ID, code))

	var count int64
	require.NoError(t, db.Model(&models.TwoFactor{}).Where("user_id = ?", user.ID).Count(&count).Error)
	require.Zero(t, count)

	var stored models.User
	require.NoError(t, db.Take(&stored, "id = ?", user.ID).Error)
	require.False(t, stored.TwoFactorEnabled)

	code, err = totp.GenerateCode(secret, clock.Now())
	require.NoError(t, err)
	err = svc.VerifyCode(context.Background(), user.ID, code)
	require.ErrorIs(t, err, apperrors.ErrTwoFactorInvalid)

	require.ErrorIs(t, svc.Disable(context.Background(), user.ID, code), apperrors.ErrNotFound)
}

func TestDisableRequiresCurrentCode(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc, db := newTestTOTPService(t, clock)
	user := createUser(t, db, "alice")
	enroll(t, svc, clock, user)

	err := svc.Disable(context.Background(), user.ID, "")
	require.ErrorIs(t, err, apperrors.ErrTwoFactorInvalid)
	err = svc.Disable(context.Background(), user.ID, "000000")
	require.ErrorIs(t, err, apperrors.ErrTwoFactorInvalid)

	// Enrollment remains intact after the rejected attempts.
	status, err := svc.Status(context.Background(), user.ID)
	require.NoError(t, err)
	require.True(t, status.Enabled)

	var stored models.User
	require.NoError(t, db.Take(&stored, "id = ?", user.ID).Error)
	require.True(t, stored.TwoFactorEnabled)
}

func TestStatusForUnenrolledUser(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc, db := newTestTOTPService(t, clock)
	user := createUser(t, db, "alice")

	status, err := svc.Status(context.Background(), user.ID)
	require.NoError(t, err)
	require.False(t, status.Enabled)
	require.Zero(t, status.BackupCodesRemaining)
}

func TestGenerateQRCodeProducesPNG(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc, _ := newTestTOTPService(t, clock)

	png, err := svc.GenerateQRCode("otpauth://totp/Solvo:alice@example.com?secret=JBSWY3DPEHPK3PXP")
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(png, []byte("\x89PNG")))
}
