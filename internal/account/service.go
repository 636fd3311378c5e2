package account

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"
	"unicode"

	"golang.org/x/crypto/bcrypt"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/account/entity"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/account/repo"
	"github.com/ovaphlow/pitchfork/service-auth-go/pkg/utilities"
)

const (
	// MaxFailedLogins is the failure count that locks an account.
	MaxFailedLogins   = 5
	PasswordLifetime  = 365 * 24 * time.Hour
	DefaultBcryptCost = 10
)

var (
	ErrNotFound       = repo.ErrNotFound
	ErrDuplicateEmail = repo.ErrDuplicateEmail
	ErrInvalidEmail   = errors.New("invalid email address")
	ErrMFAInvariant   = errors.New("mfa secret must be set exactly when mfa is enabled")
	ErrInvalidRole    = errors.New("invalid role")
)

// PasswordHasher defines minimal hashing interface.
type PasswordHasher interface {
	Hash(pw string) (string, error)
	Verify(hash, pw string) bool
}

// BcryptHasher implementation. CompareHashAndPassword is constant time
// over the derived key.
type BcryptHasher struct{ Cost int }

func (b BcryptHasher) Hash(pw string) (string, error) {
	cost := b.Cost
	if cost == 0 {
		cost = DefaultBcryptCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(pw), cost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

func (b BcryptHasher) Verify(hash, pw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}

// Service implements the account store contract over a Repository.
type Service struct {
	repo   repo.Repository
	hasher PasswordHasher
	// configuration knobs
	MaxFailed int
	Lifetime  time.Duration
	Now       func() time.Time

	dummyOnce sync.Once
	dummyHash string
}

func NewService(r repo.Repository, hasher PasswordHasher) *Service {
	if hasher == nil {
		hasher = BcryptHasher{Cost: DefaultBcryptCost}
	}
	return &Service{
		repo:      r,
		hasher:    hasher,
		MaxFailed: MaxFailedLogins,
		Lifetime:  PasswordLifetime,
		Now:       time.Now,
	}
}

func (s *Service) now() time.Time { return s.Now().UTC() }

// CreateAccount registers a new inactive account after checking the email
// and the password policy.
func (s *Service) CreateAccount(ctx context.Context, email, rawPassword string, p entity.Profile) (*entity.Account, error) {
	email = strings.TrimSpace(email)
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	if err := ValidatePassword(rawPassword); err != nil {
		return nil, err
	}
	role := p.Role
	if role == "" {
		role = entity.RoleUser
	}
	if role != entity.RoleUser && role != entity.RoleAdmin {
		return nil, ErrInvalidRole
	}
	hash, err := s.hasher.Hash(rawPassword)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	now := s.now()
	a := &entity.Account{
		ID:                 utilities.NextID(),
		Email:              email,
		Name:               strings.TrimSpace(p.Name),
		Role:               role,
		PasswordHash:       hash,
		PasswordCreatedAt:  now,
		PasswordExpiresAt:  now.Add(s.Lifetime),
		SubscriptionStatus: entity.SubscriptionInactive,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if c := strings.TrimSpace(p.CompanyName); c != "" {
		a.CompanyName = &c
	}
	if err := s.repo.Create(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// FindByEmail returns (nil, nil) when no account matches. Surrounding
// spaces are dropped as CreateAccount does; the match is otherwise exact.
func (s *Service) FindByEmail(ctx context.Context, email string) (*entity.Account, error) {
	return s.repo.GetByEmail(ctx, strings.TrimSpace(email))
}

// FindByID returns (nil, nil) when no account matches.
func (s *Service) FindByID(ctx context.Context, id int64) (*entity.Account, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]*entity.Account, error) {
	return s.repo.List(ctx)
}

// UpdateAccount merges the patch and stamps updated_at.
func (s *Service) UpdateAccount(ctx context.Context, id int64, p entity.Patch) (*entity.Account, error) {
	now := s.now()
	return s.repo.Update(ctx, id, func(a *entity.Account) error {
		p.Apply(a)
		if !a.MFAConsistent() {
			return ErrMFAInvariant
		}
		if a.Role != entity.RoleUser && a.Role != entity.RoleAdmin {
			return ErrInvalidRole
		}
		a.UpdatedAt = now
		return nil
	})
}

func (s *Service) VerifyPassword(raw, hash string) bool {
	return s.hasher.Verify(hash, raw)
}

// CompareDummy spends the same hashing work as VerifyPassword against a
// throwaway hash, for lookups that found no account.
func (s *Service) CompareDummy(raw string) {
	s.dummyOnce.Do(func() {
		s.dummyHash, _ = s.hasher.Hash(utilities.NewKSUID())
	})
	_ = s.hasher.Verify(s.dummyHash, raw)
}

// RecordFailedLogin counts a failed password check and locks the account
// when the count reaches MaxFailed.
func (s *Service) RecordFailedLogin(ctx context.Context, id int64) (entity.FailedLogin, error) {
	return s.repo.IncrementFailedLogin(ctx, id, s.MaxFailed, s.now())
}

func (s *Service) ResetFailedLogins(ctx context.Context, id int64) error {
	return s.repo.ResetFailedLogins(ctx, id, s.now())
}

// IsPasswordExpired is true strictly after the expiry instant.
func (s *Service) IsPasswordExpired(a *entity.Account) bool {
	return s.now().After(a.PasswordExpiresAt)
}

// ChangePassword rehashes and restarts the password lifetime.
func (s *Service) ChangePassword(ctx context.Context, id int64, rawPassword string) (*entity.Account, error) {
	if err := ValidatePassword(rawPassword); err != nil {
		return nil, err
	}
	hash, err := s.hasher.Hash(rawPassword)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	now := s.now()
	expires := now.Add(s.Lifetime)
	return s.UpdateAccount(ctx, id, entity.Patch{
		PasswordHash:      &hash,
		PasswordCreatedAt: &now,
		PasswordExpiresAt: &expires,
	})
}

func (s *Service) UpdateSubscription(ctx context.Context, id int64, u entity.SubscriptionUpdate) (*entity.Account, error) {
	status, err := entity.ParseSubscriptionStatus(string(u.Status))
	if err != nil {
		return nil, err
	}
	return s.UpdateAccount(ctx, id, entity.Patch{
		SubscriptionStatus:    &status,
		SubscriptionPlan:      u.Plan,
		BillingCustomerID:     u.BillingCustomerID,
		BillingSubscriptionID: u.BillingSubscriptionID,
	})
}

// Lock sets the lock flag without touching the counter.
func (s *Service) Lock(ctx context.Context, id int64) (*entity.Account, error) {
	locked := true
	return s.UpdateAccount(ctx, id, entity.Patch{AccountLocked: &locked})
}

// Unlock is the only way out of a lockout: flag off, counter zeroed.
func (s *Service) Unlock(ctx context.Context, id int64) (*entity.Account, error) {
	locked, zero := false, 0
	return s.UpdateAccount(ctx, id, entity.Patch{AccountLocked: &locked, FailedLoginAttempts: &zero})
}

func validateEmail(email string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return ErrInvalidEmail
	}
	return nil
}

// PasswordPolicyError lists every rule a candidate password breaks.
type PasswordPolicyError struct {
	Violations []string
}

func (e *PasswordPolicyError) Error() string {
	return "password does not meet requirements: " + strings.Join(e.Violations, "; ")
}

const (
	minPasswordLen = 12
	// bcrypt ignores input past 72 bytes.
	maxPasswordBytes = 72
	specialChars     = `!@#$%^&*(),.?":{}|<>`
)

// ValidatePassword enforces the complexity policy.
func ValidatePassword(pw string) error {
	var upper, lower, digit, special bool
	for _, r := range pw {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case strings.ContainsRune(specialChars, r):
			special = true
		}
	}
	var v []string
	if len([]rune(pw)) < minPasswordLen {
		v = append(v, fmt.Sprintf("at least %d characters", minPasswordLen))
	}
	if len(pw) > maxPasswordBytes {
		v = append(v, fmt.Sprintf("at most %d bytes", maxPasswordBytes))
	}
	if !upper {
		v = append(v, "one uppercase letter")
	}
	if !lower {
		v = append(v, "one lowercase letter")
	}
	if !digit {
		v = append(v, "one number")
	}
	if !special {
		v = append(v, "one special character")
	}
	if len(v) > 0 {
		return &PasswordPolicyError{Violations: v}
	}
	return nil
}
