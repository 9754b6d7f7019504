package models

import "time"

// User is the identity record at the centre of the auth core. Rows are never
// physically deleted; deactivation flips IsActive instead.
type User struct {
	ID       uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	Username string `gorm:"size:50;uniqueIndex;not null" json:"username"`
	Email    string `gorm:"size:255;uniqueIndex;not null" json:"email"`
	Password string `gorm:"size:255;not null" json:"-"`

	FirstName   string `gorm:"size:100" json:"first_name"`
	LastName    string `gorm:"size:100" json:"last_name"`
	PhoneNumber string `gorm:"size:30" json:"phone_number,omitempty"`

	IsActive         bool `gorm:"default:true" json:"is_active"`
	IsVerified       bool `gorm:"default:false" json:"is_verified"`
	TwoFactorEnabled bool `gorm:"default:false" json:"two_factor_enabled"`

	// Lockout state. LockedUntil is only ever set together with
	// FailedAttempts reaching the policy threshold, and both are cleared
	// together on successful authentication or password reset.
	FailedAttempts int        `gorm:"default:0" json:"-"`
	LockedUntil    *time.Time `json:"-"`

	LastLoginAt *time.Time `json:"last_login_at"`

	Roles     []Role     `gorm:"many2many:user_roles;" json:"roles,omitempty"`
	Sessions  []Session  `gorm:"foreignKey:UserID" json:"-"`
	TwoFactor *TwoFactor `gorm:"foreignKey:UserID" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
