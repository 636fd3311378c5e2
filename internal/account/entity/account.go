package entity

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Roles.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// SubscriptionStatus mirrors the billing state of an account.
type SubscriptionStatus string

const (
	SubscriptionInactive SubscriptionStatus = "inactive"
	SubscriptionTrial    SubscriptionStatus = "trial"
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionPastDue  SubscriptionStatus = "past_due"
	SubscriptionCanceled SubscriptionStatus = "canceled"
)

var ErrUnknownSubscriptionStatus = errors.New("unknown subscription status")

// ParseSubscriptionStatus accepts the known statuses; "trialing" is the
// billing provider's spelling of trial.
func ParseSubscriptionStatus(s string) (SubscriptionStatus, error) {
	switch v := SubscriptionStatus(strings.ToLower(strings.TrimSpace(s))); v {
	case SubscriptionInactive, SubscriptionTrial, SubscriptionActive, SubscriptionPastDue, SubscriptionCanceled:
		return v, nil
	case "trialing":
		return SubscriptionTrial, nil
	default:
		return "", fmt.Errorf("%w %q", ErrUnknownSubscriptionStatus, s)
	}
}

// GrantsAccess reports whether the status lets the account log in.
func (s SubscriptionStatus) GrantsAccess() bool {
	return s == SubscriptionActive || s == SubscriptionTrial
}

// Account is a row of the accounts table. Credentials never serialize.
type Account struct {
	ID                    int64              `db:"id" json:"id"`
	Email                 string             `db:"email" json:"email"`
	Name                  string             `db:"name" json:"name"`
	CompanyName           *string            `db:"company_name" json:"company_name,omitempty"`
	Role                  string             `db:"role" json:"role"`
	PasswordHash          string             `db:"password_hash" json:"-"`
	PasswordCreatedAt     time.Time          `db:"password_created_at" json:"password_created_at"`
	PasswordExpiresAt     time.Time          `db:"password_expires_at" json:"password_expires_at"`
	FailedLoginAttempts   int                `db:"failed_login_attempts" json:"failed_login_attempts"`
	AccountLocked         bool               `db:"account_locked" json:"account_locked"`
	LastFailedLogin       *time.Time         `db:"last_failed_login" json:"last_failed_login,omitempty"`
	SubscriptionStatus    SubscriptionStatus `db:"subscription_status" json:"subscription_status"`
	SubscriptionPlan      *string            `db:"subscription_plan" json:"subscription_plan,omitempty"`
	BillingCustomerID     *string            `db:"billing_customer_id" json:"billing_customer_id,omitempty"`
	BillingSubscriptionID *string            `db:"billing_subscription_id" json:"billing_subscription_id,omitempty"`
	MFAEnabled            bool               `db:"mfa_enabled" json:"mfa_enabled"`
	MFASecret             *string            `db:"mfa_secret" json:"-"`
	CreatedAt             time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time          `db:"updated_at" json:"updated_at"`
	LastLogin             *time.Time         `db:"last_login" json:"last_login,omitempty"`
	LastLoginIP           *string            `db:"last_login_ip" json:"last_login_ip,omitempty"`
}

// Clone returns a deep copy so callers can't alias stored state.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	c.CompanyName = clonePtr(a.CompanyName)
	c.LastFailedLogin = clonePtr(a.LastFailedLogin)
	c.SubscriptionPlan = clonePtr(a.SubscriptionPlan)
	c.BillingCustomerID = clonePtr(a.BillingCustomerID)
	c.BillingSubscriptionID = clonePtr(a.BillingSubscriptionID)
	c.MFASecret = clonePtr(a.MFASecret)
	c.LastLogin = clonePtr(a.LastLogin)
	c.LastLoginIP = clonePtr(a.LastLoginIP)
	return &c
}

// MFAConsistent reports whether the secret is present exactly when MFA is on.
func (a *Account) MFAConsistent() bool {
	return a.MFAEnabled == (a.MFASecret != nil)
}

// Profile carries the non-credential fields supplied at signup.
type Profile struct {
	Name        string
	CompanyName string
	Role        string
}

// Patch lists the fields UpdateAccount may change. Nil means unchanged.
type Patch struct {
	Name                  *string
	CompanyName           *string
	Role                  *string
	PasswordHash          *string
	PasswordCreatedAt     *time.Time
	PasswordExpiresAt     *time.Time
	FailedLoginAttempts   *int
	AccountLocked         *bool
	SubscriptionStatus    *SubscriptionStatus
	SubscriptionPlan      *string
	BillingCustomerID     *string
	BillingSubscriptionID *string
	MFAEnabled            *bool
	MFASecret             *string
	ClearMFASecret        bool
	LastLogin             *time.Time
	LastLoginIP           *string
}

// Apply merges the patch into a.
func (p Patch) Apply(a *Account) {
	if p.Name != nil {
		a.Name = *p.Name
	}
	if p.CompanyName != nil {
		a.CompanyName = clonePtr(p.CompanyName)
	}
	if p.Role != nil {
		a.Role = *p.Role
	}
	if p.PasswordHash != nil {
		a.PasswordHash = *p.PasswordHash
	}
	if p.PasswordCreatedAt != nil {
		a.PasswordCreatedAt = *p.PasswordCreatedAt
	}
	if p.PasswordExpiresAt != nil {
		a.PasswordExpiresAt = *p.PasswordExpiresAt
	}
	if p.FailedLoginAttempts != nil {
		a.FailedLoginAttempts = *p.FailedLoginAttempts
	}
	if p.AccountLocked != nil {
		a.AccountLocked = *p.AccountLocked
	}
	if p.SubscriptionStatus != nil {
		a.SubscriptionStatus = *p.SubscriptionStatus
	}
	if p.SubscriptionPlan != nil {
		a.SubscriptionPlan = clonePtr(p.SubscriptionPlan)
	}
	if p.BillingCustomerID != nil {
		a.BillingCustomerID = clonePtr(p.BillingCustomerID)
	}
	if p.BillingSubscriptionID != nil {
		a.BillingSubscriptionID = clonePtr(p.BillingSubscriptionID)
	}
	if p.MFAEnabled != nil {
		a.MFAEnabled = *p.MFAEnabled
	}
	if p.ClearMFASecret {
		a.MFASecret = nil
	} else if p.MFASecret != nil {
		a.MFASecret = clonePtr(p.MFASecret)
	}
	if p.LastLogin != nil {
		a.LastLogin = clonePtr(p.LastLogin)
	}
	if p.LastLoginIP != nil {
		a.LastLoginIP = clonePtr(p.LastLoginIP)
	}
}

// SubscriptionUpdate is applied by admins or billing events.
type SubscriptionUpdate struct {
	Status                SubscriptionStatus `json:"status"`
	Plan                  *string            `json:"plan,omitempty"`
	BillingCustomerID     *string            `json:"billing_customer_id,omitempty"`
	BillingSubscriptionID *string            `json:"billing_subscription_id,omitempty"`
}

// FailedLogin is the counter state after a recorded failure.
type FailedLogin struct {
	Attempts int
	Locked   bool
	// JustLocked is set only on the failure that crossed the threshold.
	JustLocked bool
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
