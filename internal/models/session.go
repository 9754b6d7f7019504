package models

import "time"

// Session records one issued refresh-token lineage. RefreshTokenID holds the
// JWT jti claim and is the revocation key used by the refresh flow.
type Session struct {
	ID     uint `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID uint `gorm:"not null;index" json:"user_id"`

	SessionToken   string `gorm:"size:255;uniqueIndex;not null" json:"-"`
	RefreshTokenID string `gorm:"size:255;uniqueIndex;not null" json:"-"`

	IPAddress string `gorm:"size:45" json:"ip_address"`
	UserAgent string `gorm:"size:500" json:"user_agent"`

	ExpiresAt      time.Time `gorm:"index;not null" json:"expires_at"`
	LastActivityAt time.Time `gorm:"not null" json:"last_activity_at"`

	IsRevoked bool       `gorm:"default:false;not null" json:"is_revoked"`
	RevokedAt *time.Time `json:"revoked_at"`

	CreatedAt time.Time `json:"created_at"`
}

// IsExpired reports whether the session has passed its expiry at the given instant.
func (s *Session) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// IsValid reports whether the session may still be used to refresh tokens.
func (s *Session) IsValid(now time.Time) bool {
	return !s.IsRevoked && !s.IsExpired(now)
}
