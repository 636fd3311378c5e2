package entity

import (
	"encoding/json"
	"time"
)

// Action names a security-relevant event.
type Action string

const (
	ActionUserSignup         Action = "USER_SIGNUP"
	ActionLoginSuccess       Action = "LOGIN_SUCCESS"
	ActionLoginFailed        Action = "LOGIN_FAILED"
	ActionLoginBlockedLocked Action = "LOGIN_BLOCKED_LOCKED"
	ActionLoginRejected      Action = "LOGIN_REJECTED"
	ActionAccountLocked      Action = "ACCOUNT_LOCKED"
	ActionLoginMFASuccess    Action = "LOGIN_MFA_SUCCESS"
	ActionLoginMFAFailed     Action = "LOGIN_MFA_FAILED"
	ActionMFAEnabled         Action = "MFA_ENABLED"
	ActionMFAEnrollFailed    Action = "MFA_ENROLL_FAILED"
	ActionMFADisabled        Action = "MFA_DISABLED"
	ActionLogout             Action = "LOGOUT"
	ActionPasswordChanged    Action = "PASSWORD_CHANGED"
	ActionAdminLockUser      Action = "ADMIN_LOCK_USER"
	ActionAdminUnlockUser    Action = "ADMIN_UNLOCK_USER"
	ActionSubscriptionUpdate Action = "SUBSCRIPTION_UPDATED"
	ActionUnauthorizedAccess Action = "UNAUTHORIZED_ACCESS"
)

// Entry is an immutable audit_logs row. UserID is nil for system-wide
// events.
type Entry struct {
	ID        int64           `db:"id" json:"id"`
	UserID    *int64          `db:"user_id" json:"user_id"`
	Action    Action          `db:"action" json:"action"`
	Details   json.RawMessage `db:"details" json:"details"`
	IPAddress string          `db:"ip_address" json:"ip_address"`
	UserAgent string          `db:"user_agent" json:"user_agent"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}
