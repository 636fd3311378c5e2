package auth

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/account"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/account/entity"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/mfa"
)

func newRouter(h *harness) http.Handler {
	r := chi.NewRouter()
	NewHandler(h.svc, zap.NewNop().Sugar(), false).Routes(r)
	return r
}

func do(t *testing.T, srv http.Handler, method, path string, body any, opts ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for _, o := range opts {
		o(req)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func withBearer(token string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

func withCookie(c *http.Cookie) func(*http.Request) {
	return func(r *http.Request) { r.AddCookie(c) }
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func cookieNamed(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestHandlerLoginResponsesDoNotRevealAccounts(t *testing.T) {
	h := newHarness(t)
	h.activeAccount(t, "ana@example.com", entity.RoleUser)
	srv := newRouter(h)

	unknown := do(t, srv, http.MethodPost, "/api/auth/login", loginRequest{Email: "nobody@example.com", Password: goodPassword})
	wrong := do(t, srv, http.MethodPost, "/api/auth/login", loginRequest{Email: "ana@example.com", Password: "Wrong12345!@#"})

	assert.Equal(t, http.StatusUnauthorized, unknown.Code)
	assert.Equal(t, unknown.Code, wrong.Code)
	assert.Equal(t, unknown.Body.String(), wrong.Body.String())
	assert.Equal(t, msgInvalidCredentials, decodeBody(t, unknown)["error"])
}

func TestHandlerLoginAndMe(t *testing.T) {
	h := newHarness(t)
	h.activeAccount(t, "ana@example.com", entity.RoleUser)
	srv := newRouter(h)

	rec := do(t, srv, http.MethodPost, "/api/auth/login", loginRequest{Email: "ana@example.com", Password: goodPassword})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	token, _ := body["token"].(string)
	require.NotEmpty(t, token)
	user := body["user"].(map[string]any)
	assert.Equal(t, "ana@example.com", user["email"])
	assert.NotContains(t, user, "password_hash")
	assert.NotContains(t, user, "mfa_secret")

	ck := cookieNamed(rec, SessionCookie)
	require.NotNil(t, ck)
	assert.True(t, ck.HttpOnly)

	me := do(t, srv, http.MethodGet, "/api/auth/me", nil, withCookie(ck))
	assert.Equal(t, http.StatusOK, me.Code)
	me = do(t, srv, http.MethodGet, "/api/auth/me", nil, withBearer(token))
	assert.Equal(t, http.StatusOK, me.Code)
	me = do(t, srv, http.MethodGet, "/api/auth/me", nil, func(r *http.Request) { r.Header.Set(SessionHeader, ck.Value) })
	assert.Equal(t, http.StatusOK, me.Code)

	me = do(t, srv, http.MethodGet, "/api/auth/me", nil)
	assert.Equal(t, http.StatusUnauthorized, me.Code)
	assert.Equal(t, "Not authenticated", decodeBody(t, me)["error"])

	status := do(t, srv, http.MethodGet, "/api/auth/status", nil, withCookie(ck))
	assert.Equal(t, true, decodeBody(t, status)["authenticated"])

	out := do(t, srv, http.MethodPost, "/api/auth/logout", nil, withCookie(ck))
	assert.Equal(t, http.StatusOK, out.Code)
	status = do(t, srv, http.MethodGet, "/api/auth/status", nil, withCookie(ck))
	assert.Equal(t, false, decodeBody(t, status)["authenticated"])
}

func TestHandlerLoginRejections(t *testing.T) {
	h := newHarness(t)
	a := h.activeAccount(t, "ana@example.com", entity.RoleUser)
	_, err := h.accounts.CreateAccount(t.Context(), "free@example.com", goodPassword, entity.Profile{})
	require.NoError(t, err)
	srv := newRouter(h)

	rec := do(t, srv, http.MethodPost, "/api/auth/login", loginRequest{Email: "free@example.com", Password: goodPassword})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, msgSubscriptionRequired, body["error"])
	assert.Equal(t, true, body["subscription_expired"])

	h.clock.Advance(account.PasswordLifetime + time.Minute)
	rec = do(t, srv, http.MethodPost, "/api/auth/login", loginRequest{Email: "ana@example.com", Password: goodPassword})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, msgPasswordExpired, body["error"])
	assert.Equal(t, true, body["password_expired"])

	_, err = h.accounts.Lock(t.Context(), a.ID)
	require.NoError(t, err)
	rec = do(t, srv, http.MethodPost, "/api/auth/login", loginRequest{Email: "ana@example.com", Password: goodPassword})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, msgAccountLocked, decodeBody(t, rec)["error"])

	rec = do(t, srv, http.MethodPost, "/api/auth/login", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerMFAFlow(t *testing.T) {
	h := newHarness(t)
	h.activeAccount(t, "ana@example.com", entity.RoleUser)
	srv := newRouter(h)

	rec := do(t, srv, http.MethodPost, "/api/auth/login", loginRequest{Email: "ana@example.com", Password: goodPassword})
	require.Equal(t, http.StatusOK, rec.Code)
	token := decodeBody(t, rec)["token"].(string)

	rec = do(t, srv, http.MethodPost, "/api/auth/mfa/verify", mfaCodeRequest{Token: "123456"}, withBearer(token))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "MFA setup not initiated", decodeBody(t, rec)["error"])

	rec = do(t, srv, http.MethodPost, "/api/auth/mfa/setup", nil, withBearer(token))
	require.Equal(t, http.StatusOK, rec.Code)
	setup := decodeBody(t, rec)
	secret := setup["secret"].(string)
	assert.Contains(t, setup["qr_code"], "data:image/png;base64,")

	code, err := mfa.CodeAt(secret, h.clock.Now())
	require.NoError(t, err)
	rec = do(t, srv, http.MethodPost, "/api/auth/mfa/verify", mfaCodeRequest{Token: code}, withBearer(token))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, srv, http.MethodPost, "/api/auth/login", loginRequest{Email: "ana@example.com", Password: goodPassword})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["mfa_required"])
	assert.NotContains(t, body, "token")
	assert.Nil(t, cookieNamed(rec, SessionCookie))
	pending := cookieNamed(rec, MFACookie)
	require.NotNil(t, pending)

	wrong, err := mfa.CodeAt(secret, h.clock.Now().Add(time.Hour))
	require.NoError(t, err)
	rec = do(t, srv, http.MethodPost, "/api/auth/mfa/validate", mfaValidateRequest{Token: wrong}, withCookie(pending))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Invalid MFA token", decodeBody(t, rec)["error"])

	rec = do(t, srv, http.MethodPost, "/api/auth/mfa/validate", mfaValidateRequest{MFAToken: body["mfa_token"].(string), Token: code})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, decodeBody(t, rec)["token"])
	assert.NotNil(t, cookieNamed(rec, SessionCookie))

	rec = do(t, srv, http.MethodPost, "/api/auth/mfa/validate", mfaValidateRequest{Token: code}, withCookie(pending))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Login session expired", decodeBody(t, rec)["error"])
}

func TestHandlerSignup(t *testing.T) {
	h := newHarness(t)
	srv := newRouter(h)

	rec := do(t, srv, http.MethodPost, "/api/auth/signup", signupRequest{Email: "new@example.com", Password: goodPassword, Name: "New"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, decodeBody(t, rec)["token"])
	assert.NotNil(t, cookieNamed(rec, SessionCookie))

	rec = do(t, srv, http.MethodPost, "/api/auth/signup", signupRequest{Email: "new@example.com", Password: goodPassword})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, srv, http.MethodPost, "/api/auth/signup", signupRequest{Email: "not-an-email", Password: goodPassword})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Valid email is required", decodeBody(t, rec)["error"])

	rec = do(t, srv, http.MethodPost, "/api/auth/signup", signupRequest{Email: "weak@example.com", Password: "abc"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "Password does not meet requirements", body["error"])
	assert.NotEmpty(t, body["details"])
}

func TestClientIPIsSocketPeer(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.1:5555"
	r.Header.Set("X-Real-IP", "198.51.100.2")
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "192.0.2.1", clientIP(r))
}

func TestErrorResponseHidesStoreFailures(t *testing.T) {
	status, body := errorResponse(storeError("find account", assert.AnError))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.NotContains(t, body["error"], assert.AnError.Error())
}
