package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/account"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/account/entity"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/session"
)

// MFACookie carries the pending-login handle between the two login steps.
const MFACookie = "mfa_pending"

// Messages shown to the user. Both credential failures share one.
const (
	msgInvalidCredentials   = "Invalid email or password"
	msgAccountLocked        = "Account is locked due to multiple failed login attempts. Please contact support."
	msgPasswordExpired      = "Password has expired. Please reset your password."
	msgSubscriptionRequired = "Your subscription has expired. Please renew to access the dashboard."
)

// Handler exposes the authentication endpoints.
type Handler struct {
	svc           *Service
	logger        *zap.SugaredLogger
	secureCookies bool
	throttle      func(http.Handler) http.Handler
}

func NewHandler(svc *Service, logger *zap.SugaredLogger, secureCookies bool) *Handler {
	return &Handler{svc: svc, logger: logger, secureCookies: secureCookies}
}

// WithThrottle wraps the endpoints that take credentials.
func (h *Handler) WithThrottle(mw func(http.Handler) http.Handler) *Handler {
	h.throttle = mw
	return h
}

// Routes mounts the endpoints under /api/auth.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/logout", h.Logout)
		r.Get("/status", h.Status)

		r.Group(func(r chi.Router) {
			if h.throttle != nil {
				r.Use(h.throttle)
			}
			r.Post("/signup", h.Signup)
			r.Post("/login", h.Login)
			r.Post("/mfa/validate", h.ValidateMFA)
			r.Post("/password", h.ChangePassword)
		})

		r.Group(func(r chi.Router) {
			r.Use(RequireAuth(h.svc, h.logger))
			r.Get("/me", h.Me)
			r.Post("/mfa/setup", h.SetupMFA)
			r.Post("/mfa/verify", h.VerifyMFA)
			r.Post("/mfa/disable", h.DisableMFA)
		})
	})
}

type signupRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	Name        string `json:"name"`
	CompanyName string `json:"company_name"`
}

func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.Signup(r.Context(), SignupRequest{
		Email:       req.Email,
		Password:    req.Password,
		Name:        req.Name,
		CompanyName: req.CompanyName,
		Client:      ClientFrom(r),
	})
	if err != nil {
		h.writeError(w, err, "Failed to create account")
		return
	}
	h.setSession(w, res.Artifacts)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Account created successfully",
		"user":    res.Account,
		"token":   res.Artifacts.Token,
	})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.Login(r.Context(), LoginRequest{Email: req.Email, Password: req.Password, Client: ClientFrom(r)})
	if err != nil {
		h.writeError(w, err, "Login failed")
		return
	}
	if res.MFARequired {
		h.setCookie(w, MFACookie, res.MFAHandle, res.MFAExpiresAt)
		writeJSON(w, http.StatusOK, map[string]any{
			"success":      true,
			"mfa_required": true,
			"mfa_token":    res.MFAHandle,
			"message":      "MFA code required",
		})
		return
	}
	h.setSession(w, res.Artifacts)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Login successful",
		"user":    res.Account,
		"token":   res.Artifacts.Token,
	})
}

type mfaValidateRequest struct {
	MFAToken string `json:"mfa_token"`
	Token    string `json:"token"`
}

func (h *Handler) ValidateMFA(w http.ResponseWriter, r *http.Request) {
	var req mfaValidateRequest
	if !h.decode(w, r, &req) {
		return
	}
	handle := req.MFAToken
	if handle == "" {
		if ck, err := r.Cookie(MFACookie); err == nil {
			handle = ck.Value
		}
	}
	res, err := h.svc.ValidateMFA(r.Context(), MFARequest{Handle: handle, Code: req.Token, Client: ClientFrom(r)})
	if err != nil {
		h.writeError(w, err, "Login failed")
		return
	}
	h.clearCookie(w, MFACookie)
	h.setSession(w, res.Artifacts)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Login successful",
		"user":    res.Account,
		"token":   res.Artifacts.Token,
	})
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	ref := credentialsFrom(r).SessionRef
	if err := h.svc.Logout(r.Context(), ref, ClientFrom(r)); err != nil {
		h.logger.Errorw("logout", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "Logout failed"})
		return
	}
	h.clearCookie(w, SessionCookie)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Logged out successfully"})
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	id, err := h.svc.Authenticate(r.Context(), credentialsFrom(r))
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	acc, err := h.svc.CurrentAccount(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "user": acc})
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())
	acc, err := h.svc.CurrentAccount(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "Not authenticated"})
			return
		}
		h.writeError(w, err, "Failed to load user")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "user": acc})
}

func (h *Handler) SetupMFA(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())
	en, err := h.svc.SetupMFA(r.Context(), id.ID)
	if err != nil {
		h.writeError(w, err, "Failed to generate QR code")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"secret":      en.Secret,
		"otpauth_url": en.URI,
		"qr_code":     en.QRCode,
		"expires_at":  en.ExpiresAt,
	})
}

type mfaCodeRequest struct {
	Token string `json:"token"`
}

func (h *Handler) VerifyMFA(w http.ResponseWriter, r *http.Request) {
	var req mfaCodeRequest
	if !h.decode(w, r, &req) {
		return
	}
	id, _ := IdentityFromContext(r.Context())
	if _, err := h.svc.VerifyMFAEnrollment(r.Context(), id.ID, req.Token, ClientFrom(r)); err != nil {
		if errors.Is(err, ErrInvalidMFACode) {
			writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "Invalid token"})
			return
		}
		h.writeError(w, err, "Failed to enable MFA")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "MFA enabled successfully"})
}

func (h *Handler) DisableMFA(w http.ResponseWriter, r *http.Request) {
	var req mfaCodeRequest
	if !h.decode(w, r, &req) {
		return
	}
	id, _ := IdentityFromContext(r.Context())
	if _, err := h.svc.DisableMFA(r.Context(), id.ID, req.Token, ClientFrom(r)); err != nil {
		if errors.Is(err, ErrInvalidMFACode) {
			writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "Invalid token"})
			return
		}
		h.writeError(w, err, "Failed to disable MFA")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "MFA disabled"})
}

type changePasswordRequest struct {
	Email           string `json:"email"`
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
	MFACode         string `json:"token,omitempty"`
}

func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if !h.decode(w, r, &req) {
		return
	}
	err := h.svc.ChangePassword(r.Context(), ChangePasswordRequest{
		Email:           req.Email,
		CurrentPassword: req.CurrentPassword,
		NewPassword:     req.NewPassword,
		MFACode:         req.MFACode,
		Client:          ClientFrom(r),
	})
	if err != nil {
		h.writeError(w, err, "Failed to change password")
		return
	}
	h.clearCookie(w, SessionCookie)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Password changed successfully"})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		h.logger.Debugw("invalid payload", "path", r.URL.Path, "err", err)
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid payload"})
		return false
	}
	return true
}

// writeError maps service outcomes to responses. fallback is the message
// for unexpected failures, which are logged and never echoed.
func (h *Handler) writeError(w http.ResponseWriter, err error, fallback string) {
	status, body := errorResponse(err)
	if status == http.StatusInternalServerError {
		h.logger.Errorw(fallback, "err", err)
		body = map[string]any{"success": false, "error": fallback}
	}
	writeJSON(w, status, body)
}

func errorResponse(err error) (int, map[string]any) {
	fail := func(msg string) map[string]any { return map[string]any{"success": false, "error": msg} }
	var pe *account.PasswordPolicyError
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return http.StatusUnauthorized, fail(msgInvalidCredentials)
	case errors.Is(err, ErrAccountLocked):
		return http.StatusForbidden, fail(msgAccountLocked)
	case errors.Is(err, ErrPasswordExpired):
		b := fail(msgPasswordExpired)
		b["password_expired"] = true
		return http.StatusForbidden, b
	case errors.Is(err, ErrSubscriptionRequired):
		b := fail(msgSubscriptionRequired)
		b["subscription_expired"] = true
		return http.StatusForbidden, b
	case errors.Is(err, ErrMFASessionExpired):
		return http.StatusUnauthorized, fail("Login session expired")
	case errors.Is(err, ErrInvalidMFACode):
		return http.StatusUnauthorized, fail("Invalid MFA token")
	case errors.Is(err, ErrMFASetupNotStarted):
		return http.StatusBadRequest, fail("MFA setup not initiated")
	case errors.Is(err, ErrMFAAlreadyEnabled):
		return http.StatusConflict, fail("MFA is already enabled")
	case errors.Is(err, ErrMFANotEnabled):
		return http.StatusBadRequest, fail("MFA is not enabled")
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized, fail("Not authenticated")
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, fail("Insufficient permissions")
	case errors.Is(err, ErrCannotLockSelf):
		return http.StatusBadRequest, fail("Cannot lock your own account")
	case errors.Is(err, ErrDuplicateEmail):
		return http.StatusConflict, fail("An account with this email already exists")
	case errors.Is(err, ErrInvalidEmail):
		return http.StatusBadRequest, fail("Valid email is required")
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, fail("User not found")
	case errors.Is(err, account.ErrInvalidRole),
		errors.Is(err, entity.ErrUnknownSubscriptionStatus):
		return http.StatusBadRequest, fail(err.Error())
	case errors.As(err, &pe):
		b := fail("Password does not meet requirements")
		b["details"] = pe.Violations
		return http.StatusBadRequest, b
	}
	return http.StatusInternalServerError, fail("internal error")
}

// WriteError is errorResponse for other packages' handlers.
func WriteError(w http.ResponseWriter, logger *zap.SugaredLogger, err error, fallback string) {
	(&Handler{logger: logger}).writeError(w, err, fallback)
}

func (h *Handler) setSession(w http.ResponseWriter, art *session.Artifacts) {
	if art == nil {
		return
	}
	h.setCookie(w, SessionCookie, art.SessionRef, art.ExpiresAt)
}

func (h *Handler) setCookie(w http.ResponseWriter, name, value string, exp time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Expires:  exp,
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
