package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/alert"
)

// Recorder is what the auth service and HTTP layer report to.
type Recorder interface {
	LoginOutcome(outcome string)
	MFAOutcome(outcome string)
	AccountLocked()
	AlertDropped(t alert.Type)
	HTTPRequest(route string, status int, d time.Duration)
}

// Collector records to Prometheus.
type Collector struct {
	logins       *prometheus.CounterVec
	mfa          *prometheus.CounterVec
	lockouts     prometheus.Counter
	alertDrops   *prometheus.CounterVec
	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
}

// NewCollector creates the metrics and registers them on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nextgate_auth_login_total",
			Help: "Login attempts by outcome.",
		}, []string{"outcome"}),
		mfa: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nextgate_auth_mfa_total",
			Help: "MFA validations and enrollments by outcome.",
		}, []string{"outcome"}),
		lockouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nextgate_auth_lockouts_total",
			Help: "Accounts locked by the failed-login threshold.",
		}),
		alertDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nextgate_alerts_dropped_total",
			Help: "Security alerts dropped because the queue was full.",
		}, []string{"type"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nextgate_http_requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"route", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nextgate_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
	reg.MustRegister(c.logins, c.mfa, c.lockouts, c.alertDrops, c.httpRequests, c.httpLatency)
	return c
}

var _ Recorder = (*Collector)(nil)

func (c *Collector) LoginOutcome(outcome string) { c.logins.WithLabelValues(outcome).Inc() }

func (c *Collector) MFAOutcome(outcome string) { c.mfa.WithLabelValues(outcome).Inc() }

func (c *Collector) AccountLocked() { c.lockouts.Inc() }

func (c *Collector) AlertDropped(t alert.Type) { c.alertDrops.WithLabelValues(string(t)).Inc() }

func (c *Collector) HTTPRequest(route string, status int, d time.Duration) {
	c.httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	c.httpLatency.WithLabelValues(route).Observe(d.Seconds())
}

// Handler serves the Prometheus scrape endpoint.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Nop discards everything.
type Nop struct{}

func (Nop) LoginOutcome(string)                    {}
func (Nop) MFAOutcome(string)                      {}
func (Nop) AccountLocked()                         {}
func (Nop) AlertDropped(alert.Type)                {}
func (Nop) HTTPRequest(string, int, time.Duration) {}
