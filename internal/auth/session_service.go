package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/solvohq/authcore/internal/models"
	"github.com/solvohq/authcore/pkg/crypto"
	apperrors "github.com/solvohq/authcore/pkg/errors"
	"github.com/solvohq/authcore/pkg/metrics"
)

const (
	// maxUserAgentLen matches the storage column width for user agents.
	maxUserAgentLen = 500

	defaultSessionTokenLen = 48
)

// ClientMeta captures contextual information about the calling client,
// threaded explicitly through every state-changing operation.
type ClientMeta struct {
	IPAddress string
	UserAgent string
	RequestID string
}

// SessionConfig describes tunable behaviour for the SessionService.
type SessionConfig struct {
	RefreshTokenTTL time.Duration
	TokenLength     int
	Clock           func() time.Time
}

// SessionService is the ledger of issued refresh tokens: one row per jti,
// validated against the durable store on every refresh with no caching.
type SessionService struct {
	db         *gorm.DB
	refreshTTL time.Duration
	tokenLen   int
	now        func() time.Time
}

// NewSessionService constructs a session ledger backed by the provided database.
func NewSessionService(db *gorm.DB, cfg SessionConfig) (*SessionService, error) {
	if db == nil {
		return nil, errors.New("session service: db is required")
	}

	ttl := cfg.RefreshTokenTTL
	if ttl <= 0 {
		ttl = DefaultRefreshTokenTTL
	}

	length := cfg.TokenLength
	if length <= 0 {
		length = defaultSessionTokenLen
	}

	clock := time.Now
	if cfg.Clock != nil {
		clock = cfg.Clock
	}

	return &SessionService{
		db:         db,
		refreshTTL: ttl,
		tokenLen:   length,
		now:        clock,
	}, nil
}

// Create persists a new session keyed by the refresh token's jti. The session
// expires together with the refresh token.
func (s *SessionService) Create(ctx context.Context, userID uint, jti string, meta ClientMeta) (*models.Session, error) {
	if userID == 0 {
		return nil, errors.New("session service: user id is required")
	}
	if strings.TrimSpace(jti) == "" {
		return nil, errors.New("session service: refresh token id is required")
	}

	sessionToken, err := crypto.GenerateToken(s.tokenLen)
	if err != nil {
		return nil, fmt.Errorf("session service: generate session token: %w", err)
	}

	now := s.now()

	session := &models.Session{
		UserID:         userID,
		SessionToken:   sessionToken,
		RefreshTokenID: jti,
		IPAddress:      strings.TrimSpace(meta.IPAddress),
		UserAgent:      truncateUserAgent(meta.UserAgent),
		ExpiresAt:      now.Add(s.refreshTTL),
		LastActivityAt: now,
	}

	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		return nil, fmt.Errorf("session service: create session: %w", err)
	}

	metrics.ActiveSessions.Inc()

	return session, nil
}

// GetByID returns a session by primary key, or nil when absent.
func (s *SessionService) GetByID(ctx context.Context, sessionID uint) (*models.Session, error) {
	var session models.Session
	err := s.db.WithContext(ctx).Take(&session, "id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session service: find session: %w", err)
	}
	return &session, nil
}

// GetByJTI returns the session owning the given refresh token id, or nil.
func (s *SessionService) GetByJTI(ctx context.Context, jti string) (*models.Session, error) {
	var session models.Session
	err := s.db.WithContext(ctx).Take(&session, "refresh_token_id = ?", jti).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session service: find session by token id: %w", err)
	}
	return &session, nil
}

// Validate is the single gate used by the refresh flow: it returns the session
// only while it is neither revoked nor expired, re-checked against the store
// on every call.
func (s *SessionService) Validate(ctx context.Context, jti string) (*models.Session, error) {
	session, err := s.GetByJTI(ctx, jti)
	if err != nil {
		return nil, err
	}
	if session == nil || !session.IsValid(s.now()) {
		return nil, nil
	}
	return session, nil
}

// Touch updates the last-activity timestamp of a session.
func (s *SessionService) Touch(ctx context.Context, sessionID uint) error {
	err := s.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("id = ?", sessionID).
		Update("last_activity_at", s.now()).Error
	if err != nil {
		return fmt.Errorf("session service: touch session: %w", err)
	}
	return nil
}

// ListForUser returns a user's sessions ordered by last activity. Unless
// includeInactive is set, revoked and expired sessions are filtered out.
func (s *SessionService) ListForUser(ctx context.Context, userID uint, includeInactive bool) ([]models.Session, error) {
	query := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if !includeInactive {
		query = query.Where("is_revoked = ? AND expires_at > ?", false, s.now())
	}

	var sessions []models.Session
	if err := query.Order("last_activity_at DESC").Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("session service: list sessions: %w", err)
	}
	return sessions, nil
}

// ActiveCount returns the number of currently valid sessions for a user.
func (s *SessionService) ActiveCount(ctx context.Context, userID uint) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("user_id = ? AND is_revoked = ? AND expires_at > ?", userID, false, s.now()).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("session service: count sessions: %w", err)
	}
	return count, nil
}

// Revoke marks a session revoked after asserting ownership. A missing session
// and a session belonging to another user produce the same not-found error so
// session ids cannot be enumerated. Revoking an already-revoked session
// reports false with no error.
func (s *SessionService) Revoke(ctx context.Context, sessionID, userID uint) (bool, error) {
	session, err := s.GetByID(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if session == nil || session.UserID != userID {
		return false, apperrors.ErrNotFound.WithMessage("Session not found")
	}
	if session.IsRevoked {
		return false, nil
	}

	if err := s.markRevoked(ctx, session.ID); err != nil {
		return false, err
	}
	return true, nil
}

// RevokeByJTI revokes the session owning the given refresh token id. Used by
// logout, where only the token is known. Idempotent: absent or already-revoked
// sessions report false with no error.
func (s *SessionService) RevokeByJTI(ctx context.Context, jti string) (bool, error) {
	session, err := s.GetByJTI(ctx, jti)
	if err != nil {
		return false, err
	}
	if session == nil || session.IsRevoked {
		return false, nil
	}

	if err := s.markRevoked(ctx, session.ID); err != nil {
		return false, err
	}
	return true, nil
}

// RevokeAllExcept revokes every active session of a user in a single update,
// optionally sparing one session id (the caller's current session).
func (s *SessionService) RevokeAllExcept(ctx context.Context, userID uint, exceptSessionID *uint) (int64, error) {
	now := s.now()

	query := s.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("user_id = ? AND is_revoked = ? AND expires_at > ?", userID, false, now)
	if exceptSessionID != nil {
		query = query.Where("id <> ?", *exceptSessionID)
	}

	result := query.Updates(map[string]any{
		"is_revoked": true,
		"revoked_at": now,
	})
	if result.Error != nil {
		return 0, fmt.Errorf("session service: revoke all sessions: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		metrics.ActiveSessions.Sub(float64(result.RowsAffected))
	}

	return result.RowsAffected, nil
}

// CleanupExpired deletes sessions whose expiry precedes the retention cutoff,
// regardless of revocation state. Maintenance only; never part of the request
// path, and safe to run concurrently with live traffic.
func (s *SessionService) CleanupExpired(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays < 0 {
		return 0, errors.New("session service: olderThanDays must not be negative")
	}

	cutoff := s.now().AddDate(0, 0, -olderThanDays)

	result := s.db.WithContext(ctx).
		Where("expires_at < ?", cutoff).
		Delete(&models.Session{})
	if result.Error != nil {
		return 0, fmt.Errorf("session service: cleanup sessions: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		metrics.MaintenanceDeletions.WithLabelValues("sessions").Add(float64(result.RowsAffected))
	}

	return result.RowsAffected, nil
}

func (s *SessionService) markRevoked(ctx context.Context, sessionID uint) error {
	now := s.now()
	result := s.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("id = ? AND is_revoked = ?", sessionID, false).
		Updates(map[string]any{
			"is_revoked": true,
			"revoked_at": now,
		})
	if result.Error != nil {
		return fmt.Errorf("session service: revoke session: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		metrics.ActiveSessions.Sub(float64(result.RowsAffected))
	}
	return nil
}

func truncateUserAgent(userAgent string) string {
	userAgent = strings.TrimSpace(userAgent)
	if len(userAgent) > maxUserAgentLen {
		return userAgent[:maxUserAgentLen-3] + "..."
	}
	return userAgent
}
