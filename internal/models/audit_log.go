package models

import (
	"time"

	"gorm.io/datatypes"
)

// Audit action kinds. Stored as strings for query friendliness.
const (
	AuditActionLogin           = "LOGIN"
	AuditActionLoginFailed     = "LOGIN_FAILED"
	AuditActionLogout          = "LOGOUT"
	AuditActionRegister        = "REGISTER"
	AuditActionAccountLocked   = "ACCOUNT_LOCKED"
	AuditActionPasswordChange  = "PASSWORD_CHANGE"
	AuditActionResetRequested  = "PASSWORD_RESET_REQUESTED"
	AuditActionResetCompleted  = "PASSWORD_RESET_COMPLETED"
	AuditActionTwoFactorEnable = "TWO_FACTOR_ENABLE"
	AuditActionTwoFactorDisable = "TWO_FACTOR_DISABLE"
	AuditActionTwoFactorVerify = "TWO_FACTOR_VERIFY"
	AuditActionSessionRevoke   = "SESSION_REVOKE"
	AuditActionSessionRevokeAll = "SESSION_REVOKE_ALL"
	AuditActionRoleAssign      = "ROLE_ASSIGN"
	AuditActionRoleRemove      = "ROLE_REMOVE"
)

// Audited entity types.
const (
	AuditEntityUser          = "USER"
	AuditEntitySession       = "SESSION"
	AuditEntityTwoFactor     = "TWO_FACTOR"
	AuditEntityPasswordReset = "PASSWORD_RESET"
	AuditEntityRole          = "ROLE"
)

// AuditLog is an append-only fact. Rows are only inserted and range-queried;
// there is no update or delete path outside retention cleanup. UserID is a
// soft reference so audit history outlives its actor.
type AuditLog struct {
	ID     uint  `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID *uint `gorm:"index" json:"user_id"`

	Schema     string `gorm:"size:50;index" json:"schema,omitempty"`
	Action     string `gorm:"size:50;not null;index" json:"action"`
	EntityType string `gorm:"size:50;index" json:"entity_type,omitempty"`
	EntityID   string `gorm:"size:64" json:"entity_id,omitempty"`

	Changes     datatypes.JSON `json:"changes,omitempty"`
	Description string         `gorm:"size:500" json:"description"`

	IPAddress string `gorm:"size:45" json:"ip_address"`
	UserAgent string `gorm:"size:500" json:"user_agent"`
	RequestID string `gorm:"size:64;index" json:"request_id"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
}
