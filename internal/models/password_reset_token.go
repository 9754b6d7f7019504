package models

import "time"

// PasswordResetToken is a single-use credential-recovery grant. Only the
// SHA-256 hash of the raw token is stored.
type PasswordResetToken struct {
	ID     uint `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID uint `gorm:"not null;index" json:"user_id"`

	TokenHash string    `gorm:"size:64;uniqueIndex;not null" json:"-"`
	ExpiresAt time.Time `gorm:"index;not null" json:"expires_at"`

	IsUsed bool       `gorm:"default:false;not null" json:"is_used"`
	UsedAt *time.Time `json:"used_at"`

	IPAddress string `gorm:"size:45" json:"ip_address"`
	UserAgent string `gorm:"size:500" json:"user_agent"`

	CreatedAt time.Time `json:"created_at"`
}

// IsExpired reports whether the token has passed its expiry at the given instant.
func (t *PasswordResetToken) IsExpired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// IsValid reports whether the token may still authorise a password reset.
func (t *PasswordResetToken) IsValid(now time.Time) bool {
	return !t.IsUsed && !t.IsExpired(now)
}
