package models

import "time"

// TwoFactor holds a user's TOTP configuration. At most one row per user.
// Setup is two-phase: a pending record (enabled=false, verified=false) becomes
// active only after the user proves possession of the secret with a valid code.
type TwoFactor struct {
	ID     uint `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID uint `gorm:"uniqueIndex;not null" json:"user_id"`

	// Secret is the TOTP secret, AES-256-GCM encrypted at rest.
	Secret string `gorm:"size:512;not null" json:"-"`

	IsEnabled  bool `gorm:"default:false;not null" json:"is_enabled"`
	IsVerified bool `gorm:"default:false;not null" json:"is_verified"`

	// BackupCodes is a comma-joined set of one-time recovery codes.
	// NULL once the set is exhausted or 2FA is disabled.
	BackupCodes *string `gorm:"size:500" json:"-"`

	EnabledAt  *time.Time `json:"enabled_at"`
	LastUsedAt *time.Time `json:"last_used_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
