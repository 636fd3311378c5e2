package auth

import (
	"context"
	"errors"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/account/entity"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/alert"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/audit"
	auditentity "github.com/ovaphlow/pitchfork/service-auth-go/internal/audit/entity"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/metrics"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/mfa"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/session"
)

// Accounts is the account store the authenticator runs against.
type Accounts interface {
	CreateAccount(ctx context.Context, email, rawPassword string, p entity.Profile) (*entity.Account, error)
	FindByEmail(ctx context.Context, email string) (*entity.Account, error)
	FindByID(ctx context.Context, id int64) (*entity.Account, error)
	List(ctx context.Context) ([]*entity.Account, error)
	UpdateAccount(ctx context.Context, id int64, p entity.Patch) (*entity.Account, error)
	VerifyPassword(raw, hash string) bool
	CompareDummy(raw string)
	RecordFailedLogin(ctx context.Context, id int64) (entity.FailedLogin, error)
	ResetFailedLogins(ctx context.Context, id int64) error
	IsPasswordExpired(a *entity.Account) bool
	ChangePassword(ctx context.Context, id int64, rawPassword string) (*entity.Account, error)
	UpdateSubscription(ctx context.Context, id int64, u entity.SubscriptionUpdate) (*entity.Account, error)
	Lock(ctx context.Context, id int64) (*entity.Account, error)
	Unlock(ctx context.Context, id int64) (*entity.Account, error)
}

// Sessions issues and checks the login artifacts.
type Sessions interface {
	Create(ctx context.Context, id session.Identity, ttl time.Duration, meta session.Meta) (*session.Artifacts, error)
	Verify(ctx context.Context, ref string) (session.Identity, error)
	VerifyToken(token string) (session.Identity, error)
	Invalidate(ctx context.Context, ref string) error
	InvalidateUser(ctx context.Context, userID int64) (int64, error)
}

// Auditor records audit events without blocking.
type Auditor interface {
	Record(ctx context.Context, ev audit.Event)
}

// Metric outcome labels.
const (
	OutcomeSuccess              = "success"
	OutcomeMFARequired          = "mfa_required"
	OutcomeInvalidCredentials   = "invalid_credentials"
	OutcomeLocked               = "locked"
	OutcomePasswordExpired      = "password_expired"
	OutcomeSubscriptionRequired = "subscription_required"
	OutcomeInvalidCode          = "invalid_code"
	OutcomeExpired              = "expired"
	OutcomeEnrolled             = "enrolled"
	OutcomeError                = "error"
)

// Policy holds the token lifetimes per entry point.
type Policy struct {
	LoginTTL        time.Duration
	RegistrationTTL time.Duration
}

func DefaultPolicy() Policy {
	return Policy{LoginTTL: 24 * time.Hour, RegistrationTTL: 7 * 24 * time.Hour}
}

// Deps are the collaborators of Service.
type Deps struct {
	Accounts Accounts
	Sessions Sessions
	Audit    Auditor
	Alerts   alert.Sender
	Pending  *mfa.PendingStore
	TOTP     mfa.TOTP
	Metrics  metrics.Recorder
	Log      *zap.SugaredLogger
}

// Service is the authenticator: login gates, MFA, enrollment, RBAC and
// admin lock management.
type Service struct {
	accounts Accounts
	sessions Sessions
	audit    Auditor
	alerts   alert.Sender
	pending  *mfa.PendingStore
	totp     mfa.TOTP
	metrics  metrics.Recorder
	log      *zap.SugaredLogger
	policy   Policy
	now      func() time.Time
}

func NewService(d Deps, p Policy) *Service {
	if d.Metrics == nil {
		d.Metrics = metrics.Nop{}
	}
	if d.Log == nil {
		d.Log = zap.NewNop().Sugar()
	}
	if d.Pending == nil {
		d.Pending = mfa.NewPendingStore()
	}
	now := d.TOTP.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		accounts: d.Accounts,
		sessions: d.Sessions,
		audit:    d.Audit,
		alerts:   d.Alerts,
		pending:  d.Pending,
		totp:     d.TOTP,
		metrics:  d.Metrics,
		log:      d.Log,
		policy:   p,
		now:      now,
	}
}

// Client identifies where a request came from.
type Client struct {
	IP        string
	UserAgent string
}

type LoginRequest struct {
	Email    string
	Password string
	Client   Client
}

// LoginResult is either a finished login (Artifacts set) or a pending MFA
// step (MFARequired with a handle).
type LoginResult struct {
	Account      *entity.Account
	Artifacts    *session.Artifacts
	MFARequired  bool
	MFAHandle    string
	MFAExpiresAt time.Time
}

// Login runs the gates in order; the first failing gate decides the
// outcome.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	acc, err := s.accounts.FindByEmail(ctx, req.Email)
	if err != nil {
		s.metrics.LoginOutcome(OutcomeError)
		return nil, storeError("find account", err)
	}
	if acc == nil {
		s.accounts.CompareDummy(req.Password)
		s.metrics.LoginOutcome(OutcomeInvalidCredentials)
		return nil, ErrInvalidCredentials
	}

	if acc.AccountLocked {
		s.alerts.Send(ctx, alert.LockedAccountLoginAttempt, map[string]any{
			"user_id": acc.ID,
			"email":   acc.Email,
			"ip":      req.Client.IP,
		})
		s.record(ctx, acc.ID, auditentity.ActionLoginBlockedLocked, req.Client, map[string]any{"email": acc.Email})
		s.metrics.LoginOutcome(OutcomeLocked)
		return nil, ErrAccountLocked
	}

	if !s.accounts.VerifyPassword(req.Password, acc.PasswordHash) {
		fl, err := s.accounts.RecordFailedLogin(ctx, acc.ID)
		if err != nil {
			s.metrics.LoginOutcome(OutcomeError)
			return nil, storeError("record failed login", err)
		}
		s.record(ctx, acc.ID, auditentity.ActionLoginFailed, req.Client, map[string]any{
			"reason":   "invalid_password",
			"attempts": fl.Attempts,
			"locked":   fl.Locked,
		})
		if fl.JustLocked {
			s.record(ctx, acc.ID, auditentity.ActionAccountLocked, req.Client, map[string]any{"attempts": fl.Attempts})
			s.alerts.Send(ctx, alert.AccountLocked, map[string]any{
				"user_id":  acc.ID,
				"email":    acc.Email,
				"ip":       req.Client.IP,
				"attempts": fl.Attempts,
			})
			s.metrics.AccountLocked()
			s.log.Warnw("account locked after failed logins", "user_id", acc.ID, "attempts", fl.Attempts)
		}
		s.metrics.LoginOutcome(OutcomeInvalidCredentials)
		return nil, ErrInvalidCredentials
	}

	if s.accounts.IsPasswordExpired(acc) {
		s.record(ctx, acc.ID, auditentity.ActionLoginRejected, req.Client, map[string]any{"reason": "password_expired"})
		s.metrics.LoginOutcome(OutcomePasswordExpired)
		return nil, ErrPasswordExpired
	}
	if !acc.SubscriptionStatus.GrantsAccess() {
		s.record(ctx, acc.ID, auditentity.ActionLoginRejected, req.Client, map[string]any{
			"reason":              "subscription_required",
			"subscription_status": acc.SubscriptionStatus,
		})
		s.metrics.LoginOutcome(OutcomeSubscriptionRequired)
		return nil, ErrSubscriptionRequired
	}

	// With MFA on, the counter is only cleared once the second factor
	// passes.
	if !acc.MFAEnabled {
		if err := s.accounts.ResetFailedLogins(ctx, acc.ID); err != nil {
			s.metrics.LoginOutcome(OutcomeError)
			return nil, storeError("reset failed logins", err)
		}
	}
	now := s.now().UTC()
	ip := req.Client.IP
	acc, err = s.accounts.UpdateAccount(ctx, acc.ID, entity.Patch{LastLogin: &now, LastLoginIP: &ip})
	if err != nil {
		s.metrics.LoginOutcome(OutcomeError)
		return nil, storeError("update last login", err)
	}
	s.record(ctx, acc.ID, auditentity.ActionLoginSuccess, req.Client, map[string]any{"mfa_required": acc.MFAEnabled})

	if acc.MFAEnabled {
		p := s.pending.IssueLogin(acc.ID)
		s.metrics.LoginOutcome(OutcomeMFARequired)
		return &LoginResult{Account: acc, MFARequired: true, MFAHandle: p.Handle, MFAExpiresAt: p.ExpiresAt}, nil
	}

	art, err := s.issue(ctx, acc, s.policy.LoginTTL, req.Client)
	if err != nil {
		s.metrics.LoginOutcome(OutcomeError)
		return nil, err
	}
	s.metrics.LoginOutcome(OutcomeSuccess)
	return &LoginResult{Account: acc, Artifacts: art}, nil
}

type MFARequest struct {
	Handle string
	Code   string
	Client Client
}

// ValidateMFA finishes a login parked at the MFA gate. A wrong code leaves
// the handle usable until it expires; it never counts toward lockout.
func (s *Service) ValidateMFA(ctx context.Context, req MFARequest) (*LoginResult, error) {
	p, ok := s.pending.LookupLogin(req.Handle)
	if !ok {
		s.metrics.MFAOutcome(OutcomeExpired)
		return nil, ErrMFASessionExpired
	}
	acc, err := s.accounts.FindByID(ctx, p.AccountID)
	if err != nil {
		return nil, storeError("find account", err)
	}
	if acc == nil || !acc.MFAEnabled || acc.MFASecret == nil {
		s.pending.ConsumeLogin(req.Handle)
		s.metrics.MFAOutcome(OutcomeExpired)
		return nil, ErrMFASessionExpired
	}
	if acc.AccountLocked {
		s.pending.ConsumeLogin(req.Handle)
		s.metrics.MFAOutcome(OutcomeLocked)
		return nil, ErrAccountLocked
	}

	if !s.totp.Validate(req.Code, *acc.MFASecret) {
		s.record(ctx, acc.ID, auditentity.ActionLoginMFAFailed, req.Client, nil)
		s.metrics.MFAOutcome(OutcomeInvalidCode)
		return nil, ErrInvalidMFACode
	}
	if _, ok := s.pending.ConsumeLogin(req.Handle); !ok {
		s.metrics.MFAOutcome(OutcomeExpired)
		return nil, ErrMFASessionExpired
	}

	if err := s.accounts.ResetFailedLogins(ctx, acc.ID); err != nil {
		return nil, storeError("reset failed logins", err)
	}
	acc.FailedLoginAttempts = 0
	acc.LastFailedLogin = nil
	art, err := s.issue(ctx, acc, s.policy.LoginTTL, req.Client)
	if err != nil {
		return nil, err
	}
	s.record(ctx, acc.ID, auditentity.ActionLoginMFASuccess, req.Client, nil)
	s.metrics.MFAOutcome(OutcomeSuccess)
	return &LoginResult{Account: acc, Artifacts: art}, nil
}

// Enrollment is returned by SetupMFA for the user to scan.
type Enrollment struct {
	Secret    string    `json:"secret"`
	URI       string    `json:"otpauth_url"`
	QRCode    string    `json:"qr_code"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SetupMFA generates a secret and parks it until VerifyMFAEnrollment.
func (s *Service) SetupMFA(ctx context.Context, accountID int64) (*Enrollment, error) {
	acc, err := s.accounts.FindByID(ctx, accountID)
	if err != nil {
		return nil, storeError("find account", err)
	}
	if acc == nil {
		return nil, ErrNotFound
	}
	if acc.MFAEnabled {
		return nil, ErrMFAAlreadyEnabled
	}
	gen, err := s.totp.Generate(acc.Email)
	if err != nil {
		return nil, err
	}
	p := s.pending.PutEnrollment(acc.ID, gen.Secret, gen.URI)
	return &Enrollment{Secret: gen.Secret, URI: gen.URI, QRCode: gen.QRCode, ExpiresAt: p.ExpiresAt}, nil
}

// VerifyMFAEnrollment turns MFA on when code matches the pending secret.
func (s *Service) VerifyMFAEnrollment(ctx context.Context, accountID int64, code string, c Client) (*entity.Account, error) {
	p, ok := s.pending.Enrollment(accountID)
	if !ok {
		return nil, ErrMFASetupNotStarted
	}
	if !s.totp.Validate(code, p.Secret) {
		remaining, discarded := s.pending.FailEnrollment(accountID)
		s.record(ctx, accountID, auditentity.ActionMFAEnrollFailed, c, map[string]any{
			"remaining_attempts": remaining,
			"discarded":          discarded,
		})
		s.metrics.MFAOutcome(OutcomeInvalidCode)
		return nil, ErrInvalidMFACode
	}
	on, secret := true, p.Secret
	acc, err := s.accounts.UpdateAccount(ctx, accountID, entity.Patch{MFAEnabled: &on, MFASecret: &secret})
	if err != nil {
		return nil, storeError("enable mfa", err)
	}
	s.pending.DropEnrollment(accountID)
	s.record(ctx, accountID, auditentity.ActionMFAEnabled, c, nil)
	s.metrics.MFAOutcome(OutcomeEnrolled)
	return acc, nil
}

// DisableMFA turns MFA off; it takes a current code to prove possession.
func (s *Service) DisableMFA(ctx context.Context, accountID int64, code string, c Client) (*entity.Account, error) {
	acc, err := s.accounts.FindByID(ctx, accountID)
	if err != nil {
		return nil, storeError("find account", err)
	}
	if acc == nil {
		return nil, ErrNotFound
	}
	if !acc.MFAEnabled || acc.MFASecret == nil {
		return nil, ErrMFANotEnabled
	}
	if !s.totp.Validate(code, *acc.MFASecret) {
		s.metrics.MFAOutcome(OutcomeInvalidCode)
		return nil, ErrInvalidMFACode
	}
	off := false
	acc, err = s.accounts.UpdateAccount(ctx, accountID, entity.Patch{MFAEnabled: &off, ClearMFASecret: true})
	if err != nil {
		return nil, storeError("disable mfa", err)
	}
	s.record(ctx, accountID, auditentity.ActionMFADisabled, c, nil)
	return acc, nil
}

type SignupRequest struct {
	Email       string
	Password    string
	Name        string
	CompanyName string
	Client      Client
}

// Signup creates an account and hands out registration-lifetime artifacts.
// The new account still needs a subscription before Login accepts it.
func (s *Service) Signup(ctx context.Context, req SignupRequest) (*LoginResult, error) {
	acc, err := s.accounts.CreateAccount(ctx, req.Email, req.Password, entity.Profile{
		Name:        req.Name,
		CompanyName: req.CompanyName,
	})
	if err != nil {
		return nil, storeError("create account", err)
	}
	s.record(ctx, acc.ID, auditentity.ActionUserSignup, req.Client, map[string]any{"email": acc.Email})
	art, err := s.issue(ctx, acc, s.policy.RegistrationTTL, req.Client)
	if err != nil {
		return nil, err
	}
	return &LoginResult{Account: acc, Artifacts: art}, nil
}

// Logout drops the server-side session. Bearer tokens expire on their own.
func (s *Service) Logout(ctx context.Context, ref string, c Client) error {
	id, err := s.sessions.Verify(ctx, ref)
	if err != nil {
		if isSessionMiss(err) {
			return nil
		}
		return storeError("verify session", err)
	}
	if err := s.sessions.Invalidate(ctx, ref); err != nil {
		return storeError("invalidate session", err)
	}
	s.record(ctx, id.ID, auditentity.ActionLogout, c, nil)
	return nil
}

// Credentials are the artifacts a request may present.
type Credentials struct {
	Bearer     string
	SessionRef string
}

// Authenticate resolves either artifact to an identity. A bearer token
// wins when both are present.
func (s *Service) Authenticate(ctx context.Context, c Credentials) (session.Identity, error) {
	var (
		id  session.Identity
		err error
	)
	switch {
	case c.Bearer != "":
		if id, err = s.sessions.VerifyToken(c.Bearer); err != nil {
			return session.Identity{}, ErrUnauthenticated
		}
	case c.SessionRef != "":
		if id, err = s.sessions.Verify(ctx, c.SessionRef); err != nil {
			if isSessionMiss(err) {
				return session.Identity{}, ErrUnauthenticated
			}
			return session.Identity{}, storeError("verify session", err)
		}
	default:
		return session.Identity{}, ErrUnauthenticated
	}
	// a locked or deleted account loses access even with an unexpired token
	acc, err := s.accounts.FindByID(ctx, id.ID)
	if err != nil {
		return session.Identity{}, storeError("find account", err)
	}
	if acc == nil || acc.AccountLocked {
		return session.Identity{}, ErrUnauthenticated
	}
	return id, nil
}

func isSessionMiss(err error) bool {
	return errors.Is(err, session.ErrInvalidSession)
}

// Authorize is the RBAC gate. A denial is audited and alerted.
func (s *Service) Authorize(ctx context.Context, id session.Identity, allowed []string, resource string, c Client) error {
	if len(allowed) == 0 || slices.Contains(allowed, id.Role) {
		return nil
	}
	details := map[string]any{
		"user_id":        id.ID,
		"email":          id.Email,
		"role":           id.Role,
		"required_roles": allowed,
		"resource":       resource,
		"ip":             c.IP,
	}
	s.record(ctx, id.ID, auditentity.ActionUnauthorizedAccess, c, details)
	s.alerts.Send(ctx, alert.UnauthorizedAccessAttempt, details)
	return ErrForbidden
}

// CurrentAccount loads the account behind an identity.
func (s *Service) CurrentAccount(ctx context.Context, id session.Identity) (*entity.Account, error) {
	acc, err := s.accounts.FindByID(ctx, id.ID)
	if err != nil {
		return nil, storeError("find account", err)
	}
	if acc == nil {
		return nil, ErrNotFound
	}
	return acc, nil
}

type ChangePasswordRequest struct {
	Email           string
	CurrentPassword string
	NewPassword     string
	// MFACode is required when the account has MFA enabled.
	MFACode string
	Client  Client
}

// ChangePassword replaces a password after checking the current one. It
// is reachable with an expired password, and a wrong current password
// counts toward lockout like a failed login. MFA accounts must also pass
// a TOTP code.
func (s *Service) ChangePassword(ctx context.Context, req ChangePasswordRequest) error {
	acc, err := s.accounts.FindByEmail(ctx, req.Email)
	if err != nil {
		return storeError("find account", err)
	}
	if acc == nil {
		s.accounts.CompareDummy(req.CurrentPassword)
		return ErrInvalidCredentials
	}
	if acc.AccountLocked {
		return ErrAccountLocked
	}
	if !s.accounts.VerifyPassword(req.CurrentPassword, acc.PasswordHash) {
		fl, err := s.accounts.RecordFailedLogin(ctx, acc.ID)
		if err != nil {
			return storeError("record failed login", err)
		}
		s.record(ctx, acc.ID, auditentity.ActionLoginFailed, req.Client, map[string]any{
			"reason":   "invalid_password",
			"context":  "password_change",
			"attempts": fl.Attempts,
			"locked":   fl.Locked,
		})
		if fl.JustLocked {
			s.record(ctx, acc.ID, auditentity.ActionAccountLocked, req.Client, map[string]any{"attempts": fl.Attempts})
			s.alerts.Send(ctx, alert.AccountLocked, map[string]any{"user_id": acc.ID, "email": acc.Email, "ip": req.Client.IP})
			s.metrics.AccountLocked()
		}
		return ErrInvalidCredentials
	}
	if acc.MFAEnabled && (acc.MFASecret == nil || !s.totp.Validate(req.MFACode, *acc.MFASecret)) {
		s.record(ctx, acc.ID, auditentity.ActionLoginMFAFailed, req.Client, map[string]any{"context": "password_change"})
		s.metrics.MFAOutcome(OutcomeInvalidCode)
		return ErrInvalidMFACode
	}
	if _, err := s.accounts.ChangePassword(ctx, acc.ID, req.NewPassword); err != nil {
		return storeError("change password", err)
	}
	if _, err := s.sessions.InvalidateUser(ctx, acc.ID); err != nil {
		s.log.Warnw("drop sessions after password change failed", "user_id", acc.ID, "err", err)
	}
	s.record(ctx, acc.ID, auditentity.ActionPasswordChanged, req.Client, nil)
	return nil
}

// Lock is the admin lock. Admins cannot lock themselves out.
func (s *Service) Lock(ctx context.Context, actor session.Identity, accountID int64, c Client) (*entity.Account, error) {
	if actor.ID == accountID {
		return nil, ErrCannotLockSelf
	}
	acc, err := s.accounts.Lock(ctx, accountID)
	if err != nil {
		return nil, storeError("lock account", err)
	}
	if _, err := s.sessions.InvalidateUser(ctx, acc.ID); err != nil {
		s.log.Warnw("drop sessions after lock failed", "user_id", acc.ID, "err", err)
	}
	s.record(ctx, actor.ID, auditentity.ActionAdminLockUser, c, map[string]any{
		"target_user_id": acc.ID,
		"target_email":   acc.Email,
	})
	return acc, nil
}

// Unlock clears a lockout: flag off, counter zeroed.
func (s *Service) Unlock(ctx context.Context, actor session.Identity, accountID int64, c Client) (*entity.Account, error) {
	acc, err := s.accounts.Unlock(ctx, accountID)
	if err != nil {
		return nil, storeError("unlock account", err)
	}
	s.record(ctx, actor.ID, auditentity.ActionAdminUnlockUser, c, map[string]any{
		"target_user_id": acc.ID,
		"target_email":   acc.Email,
	})
	return acc, nil
}

func (s *Service) UpdateSubscription(ctx context.Context, actor session.Identity, accountID int64, u entity.SubscriptionUpdate, c Client) (*entity.Account, error) {
	acc, err := s.accounts.UpdateSubscription(ctx, accountID, u)
	if err != nil {
		return nil, storeError("update subscription", err)
	}
	s.record(ctx, actor.ID, auditentity.ActionSubscriptionUpdate, c, map[string]any{
		"target_user_id": acc.ID,
		"status":         acc.SubscriptionStatus,
	})
	return acc, nil
}

func (s *Service) ListAccounts(ctx context.Context) ([]*entity.Account, error) {
	accs, err := s.accounts.List(ctx)
	if err != nil {
		return nil, storeError("list accounts", err)
	}
	return accs, nil
}

func (s *Service) issue(ctx context.Context, acc *entity.Account, ttl time.Duration, c Client) (*session.Artifacts, error) {
	art, err := s.sessions.Create(ctx, identityOf(acc), ttl, session.Meta{IPAddress: c.IP, UserAgent: c.UserAgent})
	if err != nil {
		return nil, storeError("create session", err)
	}
	return art, nil
}

// record audits an action. A zero userID is a system actor and is stored
// without a user.
func (s *Service) record(ctx context.Context, userID int64, action auditentity.Action, c Client, details map[string]any) {
	var uid *int64
	if userID != 0 {
		uid = &userID
	}
	s.audit.Record(ctx, audit.Event{
		UserID:    uid,
		Action:    action,
		Details:   details,
		IPAddress: c.IP,
		UserAgent: c.UserAgent,
	})
}

func identityOf(acc *entity.Account) session.Identity {
	return session.Identity{ID: acc.ID, Email: acc.Email, Role: acc.Role}
}
