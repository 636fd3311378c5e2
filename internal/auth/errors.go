package auth

import (
	"errors"
	"fmt"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/account"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/account/entity"
)

// Expected outcomes. Callers branch on them with errors.Is.
var (
	// ErrInvalidCredentials covers both an unknown email and a wrong
	// password.
	ErrInvalidCredentials   = errors.New("invalid email or password")
	ErrAccountLocked        = errors.New("account is locked")
	ErrPasswordExpired      = errors.New("password has expired")
	ErrSubscriptionRequired = errors.New("subscription is not active")
	ErrInvalidMFACode       = errors.New("invalid mfa code")
	ErrMFASessionExpired    = errors.New("mfa login session expired")
	ErrMFASetupNotStarted   = errors.New("mfa setup not initiated")
	ErrMFAAlreadyEnabled    = errors.New("mfa already enabled")
	ErrMFANotEnabled        = errors.New("mfa not enabled")
	ErrUnauthenticated      = errors.New("not authenticated")
	ErrForbidden            = errors.New("insufficient permissions")
	ErrCannotLockSelf       = errors.New("cannot lock your own account")

	ErrDuplicateEmail = account.ErrDuplicateEmail
	ErrNotFound       = account.ErrNotFound
	ErrInvalidEmail   = account.ErrInvalidEmail
)

// ErrStoreUnavailable marks persistence failures. They are logged and
// answered with an opaque internal error.
var ErrStoreUnavailable = errors.New("store unavailable")

// storeError wraps err as ErrStoreUnavailable unless it is already one of
// the account store's own outcomes.
func storeError(op string, err error) error {
	var pe *account.PasswordPolicyError
	switch {
	case errors.Is(err, account.ErrNotFound),
		errors.Is(err, account.ErrDuplicateEmail),
		errors.Is(err, account.ErrInvalidEmail),
		errors.Is(err, account.ErrInvalidRole),
		errors.Is(err, account.ErrMFAInvariant),
		errors.Is(err, entity.ErrUnknownSubscriptionStatus),
		errors.As(err, &pe):
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
