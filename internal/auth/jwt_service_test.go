package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	apperrors "github.com/solvohq/authcore/pkg/errors"
)

const testJWTSecret = "test-secret-test-secret-test-secret!"

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestJWTService(t *testing.T, clock *fakeClock) *JWTService {
	t.Helper()
	svc, err := NewJWTService(JWTConfig{
		Secret: testJWTSecret,
		Issuer: "authcore-test",
		Clock:  clock.Now,
	})
	require.NoError(t, err)
	return svc
}

func TestNewJWTServiceRequiresSecret(t *testing.T) {
	_, err := NewJWTService(JWTConfig{})
	require.Error(t, err)
}

func TestAccessTokenRoundTrip(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc := newTestJWTService(t, clock)

	token, err := svc.GenerateAccessToken(AccessTokenInput{
		UserID:   42,
		Username: "alice",
		Email:    "alice@example.com",
		Roles:    []string{"admin", "standard_user"},
	}, "jti-1")
	require.NoError(t, err)

	claims, err := svc.VerifyToken(token, TokenTypeAccess)
	require.NoError(t, err)

	userID, err := claims.UserID()
	require.NoError(t, err)
	require.Equal(t, uint(42), userID)
	require.Equal(t, "alice", claims.Username)
	require.Equal(t, "alice@example.com", claims.Email)
	require.Equal(t, []string{"admin", "standard_user"}, claims.Roles)
	require.Equal(t, "jti-1", claims.ID)
	require.Empty(t, claims.Purpose)
}

func TestVerifyTokenRejectsWrongKind(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc := newTestJWTService(t, clock)

	refresh, err := svc.GenerateRefreshToken(42, "jti-1")
	require.NoError(t, err)

	_, err = svc.VerifyToken(refresh, TokenTypeAccess)
	require.ErrorIs(t, err, apperrors.ErrTokenInvalid)

	claims, err := svc.VerifyToken(refresh, TokenTypeRefresh)
	require.NoError(t, err)
	require.Equal(t, TokenTypeRefresh, claims.TokenType)
}

func TestVerifyTokenReportsExpiry(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc := newTestJWTService(t, clock)

	token, err := svc.GenerateAccessToken(AccessTokenInput{UserID: 42}, "jti-1")
	require.NoError(t, err)

	clock.Advance(61 * time.Minute)

	_, err = svc.VerifyToken(token, TokenTypeAccess)
	require.ErrorIs(t, err, apperrors.ErrTokenExpired)
}

func TestVerifyTokenRejectsForeignIssuer(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc := newTestJWTService(t, clock)

	other, err := NewJWTService(JWTConfig{
		Secret: testJWTSecret,
		Issuer: "someone-else",
		Clock:  clock.Now,
	})
	require.NoError(t, err)

	token, err := other.GenerateAccessToken(AccessTokenInput{UserID: 42}, "jti-1")
	require.NoError(t, err)

	_, err = svc.VerifyToken(token, TokenTypeAccess)
	require.ErrorIs(t, err, apperrors.ErrTokenInvalid)
}

func TestVerifyTokenRejectsTamperedSignature(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc := newTestJWTService(t, clock)

	token, err := svc.GenerateAccessToken(AccessTokenInput{UserID: 42}, "jti-1")
	require.NoError(t, err)

	_, err = svc.VerifyToken(token[:len(token)-2]+"xx", TokenTypeAccess)
	require.ErrorIs(t, err, apperrors.ErrTokenInvalid)
}

func TestTwoFactorTokenCarriesPurposeAndShortTTL(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc := newTestJWTService(t, clock)

	token, err := svc.GenerateTwoFactorToken(42)
	require.NoError(t, err)

	claims, err := svc.VerifyToken(token, TokenTypeAccess)
	require.NoError(t, err)
	require.Equal(t, PurposeTwoFactor, claims.Purpose)

	clock.Advance(6 * time.Minute)
	_, err = svc.VerifyToken(token, TokenTypeAccess)
	require.ErrorIs(t, err, apperrors.ErrTokenExpired)
}

func TestRefreshTokenLifetime(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc := newTestJWTService(t, clock)

	token, err := svc.GenerateRefreshToken(42, "jti-1")
	require.NoError(t, err)

	clock.Advance(7*24*time.Hour - time.Minute)
	_, err = svc.VerifyToken(token, TokenTypeRefresh)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	_, err = svc.VerifyToken(token, TokenTypeRefresh)
	require.ErrorIs(t, err, apperrors.ErrTokenExpired)
}
