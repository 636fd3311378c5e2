package router

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/metrics"
	"github.com/ovaphlow/pitchfork/service-auth-go/pkg/utilities"
)

type routeRecorder struct {
	metrics.Nop
	mu     sync.Mutex
	routes []string
	codes  []int
}

func (r *routeRecorder) HTTPRequest(route string, status int, _ time.Duration) {
	r.mu.Lock()
	r.routes = append(r.routes, route)
	r.codes = append(r.codes, status)
	r.mu.Unlock()
}

func TestHealthAndSecurityHeaders(t *testing.T) {
	h := RegisterRoutes(Deps{Logger: zap.NewNop().Sugar()})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Empty(t, rec.Header().Get("Strict-Transport-Security"))
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)
	h := RegisterRoutes(Deps{Logger: zap.NewNop().Sugar(), Metrics: c, Gatherer: reg})

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `nextgate_http_requests_total{route="/health",status="200"} 1`))
}

func TestMetricsMiddlewareUsesRoutePattern(t *testing.T) {
	rr := &routeRecorder{}
	r := chi.NewRouter()
	r.Use(MetricsMiddleware(rr))
	r.Get("/api/admin/users/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/admin/users/42", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	assert.Equal(t, []string{"/api/admin/users/{id}", "unmatched"}, rr.routes)
	assert.Equal(t, []int{http.StatusTeapot, http.StatusNotFound}, rr.codes)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(zap.NewNop().Sugar())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	require.NotPanics(t, func() {
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRateLimiterPerIP(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Rate: 1, Burst: 2, CleanupInterval: time.Minute}, zap.NewNop().Sugar())
	defer rl.Stop()
	h := rl.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, send("192.0.2.1:1000").Code)
	assert.Equal(t, http.StatusOK, send("192.0.2.1:1001").Code)
	limited := send("192.0.2.1:1002")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "1", limited.Header().Get("Retry-After"))

	// Another client has its own budget.
	assert.Equal(t, http.StatusOK, send("198.51.100.1:1000").Code)
	assert.Equal(t, 2, rl.Len())
}

func TestRateLimiterIgnoresSpoofedForwardedFor(t *testing.T) {
	rl := NewRateLimiter(PerMinute(1, 1), zap.NewNop().Sugar())
	defer rl.Stop()
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	h := ClientIPMiddleware(nil)(rl.Middleware()(ok))

	allowed, limited := 0, 0
	for i := range 20 {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/mfa/validate", nil)
		req.RemoteAddr = "192.0.2.1:4000"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i+1))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code == http.StatusOK {
			allowed++
		} else {
			limited++
		}
	}
	assert.Equal(t, 1, allowed)
	assert.Equal(t, 19, limited)
	assert.Equal(t, 1, rl.Len())
}

func TestRateLimiterKeysOnClientBehindTrustedProxy(t *testing.T) {
	trust, err := utilities.NewProxyTrust([]string{"10.0.0.0/8"})
	require.NoError(t, err)
	rl := NewRateLimiter(PerMinute(1, 1), zap.NewNop().Sugar())
	defer rl.Stop()
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	h := ClientIPMiddleware(trust)(rl.Middleware()(ok))

	send := func(client string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
		req.RemoteAddr = "10.0.0.2:4000"
		req.Header.Set("X-Forwarded-For", client)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusOK, send("203.0.113.1"))
	assert.Equal(t, http.StatusOK, send("203.0.113.2"))
	assert.Equal(t, http.StatusTooManyRequests, send("203.0.113.1"))
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Rate: 1, Burst: 1, CleanupInterval: time.Hour}, zap.NewNop().Sugar())
	defer rl.Stop()
	rl.get("192.0.2.1")
	require.Equal(t, 1, rl.Len())

	rl.cleanup(time.Now().Add(time.Hour))
	assert.Equal(t, 1, rl.Len())
	rl.cleanup(time.Now().Add(3 * time.Hour))
	assert.Equal(t, 0, rl.Len())
}

func TestPerMinute(t *testing.T) {
	cfg := PerMinute(30, 5)
	assert.InDelta(t, 0.5, float64(cfg.Rate), 1e-9)
	assert.Equal(t, 5, cfg.Burst)
}
