package mfa

import (
	"context"
	"sync"
	"time"

	"github.com/ovaphlow/pitchfork/service-auth-go/pkg/utilities"
)

const (
	DefaultLoginTTL          = 5 * time.Minute
	DefaultEnrollmentTTL     = 10 * time.Minute
	DefaultMaxEnrollAttempts = 5
)

// PendingLogin links a password-verified login to its account until the
// second factor is checked.
type PendingLogin struct {
	Handle    string
	AccountID int64
	ExpiresAt time.Time
}

// PendingEnrollment holds a generated secret until the user proves they
// can produce codes for it.
type PendingEnrollment struct {
	AccountID int64
	Secret    string
	URI       string
	Failures  int
	ExpiresAt time.Time
}

// PendingStore keeps both kinds of pending MFA state in memory. Expiry is
// checked on every read; Sweep reclaims what nobody read.
type PendingStore struct {
	mu          sync.Mutex
	logins      map[string]PendingLogin
	enrollments map[int64]PendingEnrollment

	// configuration knobs
	LoginTTL          time.Duration
	EnrollmentTTL     time.Duration
	MaxEnrollAttempts int
	Now               func() time.Time
}

func NewPendingStore() *PendingStore {
	return &PendingStore{
		logins:            map[string]PendingLogin{},
		enrollments:       map[int64]PendingEnrollment{},
		LoginTTL:          DefaultLoginTTL,
		EnrollmentTTL:     DefaultEnrollmentTTL,
		MaxEnrollAttempts: DefaultMaxEnrollAttempts,
		Now:               time.Now,
	}
}

// IssueLogin creates a single-use handle for accountID.
func (s *PendingStore) IssueLogin(accountID int64) PendingLogin {
	p := PendingLogin{
		Handle:    utilities.NewKSUID(),
		AccountID: accountID,
		ExpiresAt: s.Now().Add(s.LoginTTL),
	}
	s.mu.Lock()
	s.logins[p.Handle] = p
	s.mu.Unlock()
	return p
}

// LookupLogin returns a live handle without consuming it.
func (s *PendingStore) LookupLogin(handle string) (PendingLogin, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveLogin(handle)
}

// ConsumeLogin removes a live handle and returns it. Only one caller can
// consume a given handle.
func (s *PendingStore) ConsumeLogin(handle string) (PendingLogin, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.liveLogin(handle)
	if ok {
		delete(s.logins, handle)
	}
	return p, ok
}

func (s *PendingStore) liveLogin(handle string) (PendingLogin, bool) {
	p, ok := s.logins[handle]
	if !ok {
		return PendingLogin{}, false
	}
	if !s.Now().Before(p.ExpiresAt) {
		delete(s.logins, handle)
		return PendingLogin{}, false
	}
	return p, true
}

// PutEnrollment replaces any pending enrollment for the account.
func (s *PendingStore) PutEnrollment(accountID int64, secret, uri string) PendingEnrollment {
	p := PendingEnrollment{
		AccountID: accountID,
		Secret:    secret,
		URI:       uri,
		ExpiresAt: s.Now().Add(s.EnrollmentTTL),
	}
	s.mu.Lock()
	s.enrollments[accountID] = p
	s.mu.Unlock()
	return p
}

// Enrollment returns the live pending enrollment for the account.
func (s *PendingStore) Enrollment(accountID int64) (PendingEnrollment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.enrollments[accountID]
	if !ok {
		return PendingEnrollment{}, false
	}
	if !s.Now().Before(p.ExpiresAt) {
		delete(s.enrollments, accountID)
		return PendingEnrollment{}, false
	}
	return p, true
}

// FailEnrollment counts a wrong code. Once MaxEnrollAttempts is reached the
// pending secret is discarded and discarded is true.
func (s *PendingStore) FailEnrollment(accountID int64) (remaining int, discarded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.enrollments[accountID]
	if !ok {
		return 0, true
	}
	p.Failures++
	if p.Failures >= s.MaxEnrollAttempts {
		delete(s.enrollments, accountID)
		return 0, true
	}
	s.enrollments[accountID] = p
	return s.MaxEnrollAttempts - p.Failures, false
}

func (s *PendingStore) DropEnrollment(accountID int64) {
	s.mu.Lock()
	delete(s.enrollments, accountID)
	s.mu.Unlock()
}

// Sweep deletes expired entries and returns how many were removed.
func (s *PendingStore) Sweep() int {
	now := s.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for h, p := range s.logins {
		if !now.Before(p.ExpiresAt) {
			delete(s.logins, h)
			n++
		}
	}
	for id, p := range s.enrollments {
		if !now.Before(p.ExpiresAt) {
			delete(s.enrollments, id)
			n++
		}
	}
	return n
}

// Run sweeps every interval until ctx is done.
func (s *PendingStore) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
