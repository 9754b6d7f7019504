package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/solvohq/authcore/internal/database/testutil"
	"github.com/solvohq/authcore/internal/models"
	apperrors "github.com/solvohq/authcore/pkg/errors"
)

func newTestSessionService(t *testing.T, clock *fakeClock) (*SessionService, *gorm.DB) {
	t.Helper()

	db := testutil.MustOpenTestDB(t, testutil.WithSeedData())
	svc, err := NewSessionService(db, SessionConfig{Clock: clock.Now})
	require.NoError(t, err)
	return svc, db
}

func createSessionUser(t *testing.T, db *gorm.DB, username string) *models.User {
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

func TestSessionCreateAndValidate(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc, db := newTestSessionService(t, clock)
	user := createSessionUser(t, db, "alice")

	session, err := svc.Create(context.Background(), user.ID, "jti-1", ClientMeta{
		IPAddress: "203.0.113.7",
		UserAgent: "cli/1.0",
	})
	require.NoError(t, err)
	require.NotEmpty(t, session.SessionToken)
	require.Equal(t, clock.Now().Add(DefaultRefreshTokenTTL), session.ExpiresAt)

	found, err := svc.Validate(context.Background(), "jti-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, session.ID, found.ID)
}

func TestSessionValidateRejectsExpired(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc, db := newTestSessionService(t, clock)
	user := createSessionUser(t, db, "alice")

	_, err := svc.Create(context.Background(), user.ID, "jti-1", ClientMeta{})
	require.NoError(t, err)

	clock.Advance(7*24*time.Hour + time.Minute)

	found, err := svc.Validate(context.Background(), "jti-1")
	require.NoError(t, err)
	require.Nil(t, found)
}

func TestSessionUserAgentTruncation(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc, db := newTestSessionService(t, clock)
	user := createSessionUser(t, db, "alice")

	session, err := svc.Create(context.Background(), user.ID, "jti-1", ClientMeta{
		UserAgent: strings.Repeat("a", 600),
	})
	require.NoError(t, err)
	require.Len(t, session.UserAgent, 500)
	require.True(t, strings.HasSuffix(session.UserAgent, "..."))
}

func TestSessionRevokeIsPermanent(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc, db := newTestSessionService(t, clock)
	user := createSessionUser(t, db, "alice")

	session, err := svc.Create(context.Background(), user.ID, "jti-1", ClientMeta{})
	require.NoError(t, err)

	revoked, err := svc.Revoke(context.Background(), session.ID, user.ID)
	require.NoError(t, err)
	require.True(t, revoked)

	found, err := svc.Validate(context.Background(), "jti-1")
	require.NoError(t, err)
	require.Nil(t, found)

	// A second revoke is a no-op rather than an error.
	revoked, err = svc.Revoke(context.Background(), session.ID, user.ID)
	require.NoError(t, err)
	require.False(t, revoked)

	stored, err := svc.GetByID(context.Background(), session.ID)
	require.NoError(t, err)
	require.True(t, stored.IsRevoked)
	require.NotNil(t, stored.RevokedAt)
}

func TestSessionRevokeHidesForeignSessions(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc, db := newTestSessionService(t, clock)
	alice := createSessionUser(t, db, "alice")
	mallory := createSessionUser(t, db, "mallory")

	session, err := svc.Create(context.Background(), alice.ID, "jti-1", ClientMeta{})
	require.NoError(t, err)

	_, err = svc.Revoke(context.Background(), session.ID, mallory.ID)
	require.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = svc.Revoke(context.Background(), 9999, alice.ID)
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestSessionRevokeByJTIIsIdempotent(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc, db := newTestSessionService(t, clock)
	user := createSessionUser(t, db, "alice")

	_, err := svc.Create(context.Background(), user.ID, "jti-1", ClientMeta{})
	require.NoError(t, err)

	revoked, err := svc.RevokeByJTI(context.Background(), "jti-1")
	require.NoError(t, err)
	require.True(t, revoked)

	revoked, err = svc.RevokeByJTI(context.Background(), "jti-1")
	require.NoError(t, err)
	require.False(t, revoked)

	revoked, err = svc.RevokeByJTI(context.Background(), "no-such-jti")
	require.NoError(t, err)
	require.False(t, revoked)
}

func TestSessionRevokeAllExceptSparesCurrent(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc, db := newTestSessionService(t, clock)
	user := createSessionUser(t, db, "alice")
	other := createSessionUser(t, db, "bob")

	current, err := svc.Create(context.Background(), user.ID, "jti-current", ClientMeta{})
	require.NoError(t, err)
	_, err = svc.Create(context.Background(), user.ID, "jti-2", ClientMeta{})
	require.NoError(t, err)
	_, err = svc.Create(context.Background(), user.ID, "jti-3", ClientMeta{})
	require.NoError(t, err)
	_, err = svc.Create(context.Background(), other.ID, "jti-bob", ClientMeta{})
	require.NoError(t, err)

	count, err := svc.RevokeAllExcept(context.Background(), user.ID, &current.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), count)

	stillValid, err := svc.Validate(context.Background(), "jti-current")
	require.NoError(t, err)
	require.NotNil(t, stillValid)

	gone, err := svc.Validate(context.Background(), "jti-2")
	require.NoError(t, err)
	require.Nil(t, gone)

	// Other users' sessions are untouched.
	bobs, err := svc.Validate(context.Background(), "jti-bob")
	require.NoError(t, err)
	require.NotNil(t, bobs)
}

func TestSessionListForUserFiltersInactive(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc, db := newTestSessionService(t, clock)
	user := createSessionUser(t, db, "alice")

	_, err := svc.Create(context.Background(), user.ID, "jti-1", ClientMeta{})
	require.NoError(t, err)
	_, err = svc.Create(context.Background(), user.ID, "jti-2", ClientMeta{})
	require.NoError(t, err)

	_, err = svc.RevokeByJTI(context.Background(), "jti-2")
	require.NoError(t, err)

	active, err := svc.ListForUser(context.Background(), user.ID, false)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "jti-1", active[0].RefreshTokenID)

	all, err := svc.ListForUser(context.Background(), user.ID, true)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestSessionTouchUpdatesActivity(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc, db := newTestSessionService(t, clock)
	user := createSessionUser(t, db, "alice")

	session, err := svc.Create(context.Background(), user.ID, "jti-1", ClientMeta{})
	require.NoError(t, err)

	clock.Advance(30 * time.Minute)
	require.NoError(t, svc.Touch(context.Background(), session.ID))

	stored, err := svc.GetByID(context.Background(), session.ID)
	require.NoError(t, err)
	require.True(t, stored.LastActivityAt.After(session.LastActivityAt))
}

func TestSessionCleanupExpiredHonoursRetention(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc, db := newTestSessionService(t, clock)
	user := createSessionUser(t, db, "alice")

	_, err := svc.Create(context.Background(), user.ID, "jti-old", ClientMeta{})
	require.NoError(t, err)

	// Session expires after 7 days; retention holds it for another 30.
	clock.Advance(8 * 24 * time.Hour)
	deleted, err := svc.CleanupExpired(context.Background(), 30)
	require.NoError(t, err)
	require.Zero(t, deleted)

	clock.Advance(30 * 24 * time.Hour)
	deleted, err = svc.CleanupExpired(context.Background(), 30)
	require.NoError(t, err)
	require.Equal(t, int64(1), deleted)

	var count int64
	require.NoError(t, db.Model(&models.Session{}).Count(&count).Error)
	require.Zero(t, count)
}
