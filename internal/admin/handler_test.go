package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/account"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/account/entity"
	accountrepo "github.com/ovaphlow/pitchfork/service-auth-go/internal/account/repo"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/alert"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/audit"
	auditrepo "github.com/ovaphlow/pitchfork/service-auth-go/internal/audit/repo"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/auth"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/mfa"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/session"
	sessionrepo "github.com/ovaphlow/pitchfork/service-auth-go/internal/session/repo"
)

const goodPassword = "Abc12345!@#$"

type countingSender struct {
	mu    sync.Mutex
	types []alert.Type
}

func (c *countingSender) Send(_ context.Context, t alert.Type, _ map[string]any) {
	c.mu.Lock()
	c.types = append(c.types, t)
	c.mu.Unlock()
}

type fixture struct {
	srv      http.Handler
	accounts *account.Service
	sessions *session.Manager
	audit    *audit.Logger
	alerts   *countingSender
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	accounts := account.NewService(accountrepo.NewMemory(), account.BcryptHasher{Cost: bcrypt.MinCost})
	sessions := session.NewManager(sessionrepo.NewMemory(), session.NewTokenIssuer("0123456789abcdef0123456789abcdef", "nextgate"))
	logger := audit.NewLogger(auditrepo.NewMemory(), zap.NewNop().Sugar())
	alerts := &countingSender{}
	svc := auth.NewService(auth.Deps{
		Accounts: accounts,
		Sessions: sessions,
		Audit:    logger,
		Alerts:   alerts,
		Pending:  mfa.NewPendingStore(),
		TOTP:     mfa.NewTOTP(""),
	}, auth.DefaultPolicy())

	r := chi.NewRouter()
	NewHandler(svc, logger, zap.NewNop().Sugar()).Routes(r)
	return &fixture{srv: r, accounts: accounts, sessions: sessions, audit: logger, alerts: alerts}
}

// account creates an active account and returns it with a bearer token.
func (f *fixture) account(t *testing.T, email, role string) (*entity.Account, string) {
	t.Helper()
	ctx := context.Background()
	a, err := f.accounts.CreateAccount(ctx, email, goodPassword, entity.Profile{Role: role})
	require.NoError(t, err)
	a, err = f.accounts.UpdateSubscription(ctx, a.ID, entity.SubscriptionUpdate{Status: entity.SubscriptionActive})
	require.NoError(t, err)
	art, err := f.sessions.Create(ctx, session.Identity{ID: a.ID, Email: a.Email, Role: a.Role}, auth.DefaultPolicy().LoginTTL, session.Meta{})
	require.NoError(t, err)
	return a, art.Token
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func TestNonAdminIsDeniedAndAlerted(t *testing.T) {
	f := newFixture(t)
	user, token := f.account(t, "ana@example.com", entity.RoleUser)

	rec := f.do(t, http.MethodGet, "/api/admin/users", token, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, []alert.Type{alert.UnauthorizedAccessAttempt}, f.alerts.types)

	f.audit.Wait()
	entries, err := f.audit.Query(context.Background(), &user.ID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "UNAUTHORIZED_ACCESS", string(entries[0].Action))

	rec = f.do(t, http.MethodGet, "/api/admin/users", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminUserManagement(t *testing.T) {
	f := newFixture(t)
	admin, token := f.account(t, "root@example.com", entity.RoleAdmin)
	user, _ := f.account(t, "ana@example.com", entity.RoleUser)

	rec := f.do(t, http.MethodGet, "/api/admin/users", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Users []map[string]any `json:"users"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list.Users, 2)
	for _, u := range list.Users {
		assert.NotContains(t, u, "password_hash")
	}

	rec = f.do(t, http.MethodPost, fmt.Sprintf("/api/admin/users/%d/lock", admin.ID), token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/admin/users/12345/lock", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/admin/users/abc/lock", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, fmt.Sprintf("/api/admin/users/%d/lock", user.ID), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got, err := f.accounts.FindByID(context.Background(), user.ID)
	require.NoError(t, err)
	assert.True(t, got.AccountLocked)

	rec = f.do(t, http.MethodPost, fmt.Sprintf("/api/admin/users/%d/unlock", user.ID), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got, err = f.accounts.FindByID(context.Background(), user.ID)
	require.NoError(t, err)
	assert.False(t, got.AccountLocked)
	assert.Zero(t, got.FailedLoginAttempts)
}

func TestAdminSubscriptionUpdate(t *testing.T) {
	f := newFixture(t)
	_, token := f.account(t, "root@example.com", entity.RoleAdmin)
	user, _ := f.account(t, "ana@example.com", entity.RoleUser)
	path := fmt.Sprintf("/api/admin/users/%d/subscription", user.ID)

	rec := f.do(t, http.MethodPut, path, token, map[string]any{"status": "bogus"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPut, path, token, map[string]any{"status": "canceled", "plan": "pro"})
	require.Equal(t, http.StatusOK, rec.Code)
	got, err := f.accounts.FindByID(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.SubscriptionCanceled, got.SubscriptionStatus)
	require.NotNil(t, got.SubscriptionPlan)
	assert.Equal(t, "pro", *got.SubscriptionPlan)
}

func TestAdminAuditLogs(t *testing.T) {
	f := newFixture(t)
	admin, token := f.account(t, "root@example.com", entity.RoleAdmin)
	user, _ := f.account(t, "ana@example.com", entity.RoleUser)

	rec := f.do(t, http.MethodPost, fmt.Sprintf("/api/admin/users/%d/lock", user.ID), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	f.audit.Wait()

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/api/admin/audit-logs?user_id=%d&limit=5", admin.ID), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Logs []struct {
			Action  string         `json:"action"`
			Details map[string]any `json:"details"`
		} `json:"logs"`
	}
	dec := json.NewDecoder(rec.Body)
	dec.UseNumber()
	require.NoError(t, dec.Decode(&out))
	require.Len(t, out.Logs, 1)
	assert.Equal(t, "ADMIN_LOCK_USER", out.Logs[0].Action)
	assert.Equal(t, json.Number(strconv.FormatInt(user.ID, 10)), out.Logs[0].Details["target_user_id"])

	rec = f.do(t, http.MethodGet, "/api/admin/audit-logs?limit=-1", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
