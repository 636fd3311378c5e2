package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/alert"
)

func TestCollectorCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.LoginOutcome("success")
	c.LoginOutcome("success")
	c.LoginOutcome("invalid_credentials")
	c.MFAOutcome("invalid_code")
	c.AccountLocked()
	c.AlertDropped(alert.AccountLocked)
	c.HTTPRequest("/api/auth/login", 200, 15*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.logins.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.logins.WithLabelValues("invalid_credentials")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.mfa.WithLabelValues("invalid_code")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.lockouts))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.alertDrops.WithLabelValues(string(alert.AccountLocked))))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.httpRequests.WithLabelValues("/api/auth/login", "200")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.LoginOutcome("locked")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `nextgate_auth_login_total{outcome="locked"} 1`))
}

func TestNopSatisfiesRecorder(t *testing.T) {
	var r Recorder = Nop{}
	r.LoginOutcome("x")
	r.HTTPRequest("/", 200, time.Second)
}
