// Package app assembles the service from its configuration.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/account"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/account/entity"
	accountrepo "github.com/ovaphlow/pitchfork/service-auth-go/internal/account/repo"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/admin"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/alert"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/audit"
	auditrepo "github.com/ovaphlow/pitchfork/service-auth-go/internal/audit/repo"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/auth"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/config"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/metrics"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/mfa"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/router"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/session"
	sessionrepo "github.com/ovaphlow/pitchfork/service-auth-go/internal/session/repo"
	"github.com/ovaphlow/pitchfork/service-auth-go/pkg/database"
	"github.com/ovaphlow/pitchfork/service-auth-go/pkg/utilities"
)

// App holds every long-lived component.
type App struct {
	Config   *config.Config
	Log      *zap.SugaredLogger
	DB       *sqlx.DB
	Accounts *account.Service
	Audit    *audit.Logger
	Sessions *session.Manager
	Pending  *mfa.PendingStore
	Alerts   *alert.Dispatcher
	Metrics  *metrics.Collector
	Registry *prometheus.Registry
	Auth     *auth.Service
	Limiter  *router.RateLimiter
	Proxies  *utilities.ProxyTrust
}

type repos struct {
	accounts accountrepo.Repository
	audit    auditrepo.Repository
	sessions sessionrepo.Repository
}

// openStores opens the persistence layer for the configured driver. The
// returned DB is nil for the memory driver.
func openStores(cfg *config.Config, log *zap.SugaredLogger) (*sqlx.DB, *repos, error) {
	switch cfg.Store.Driver {
	case config.DriverMemory:
		log.Warn("using in-memory store; data is lost on restart")
		return nil, &repos{
			accounts: accountrepo.NewMemory(),
			audit:    auditrepo.NewMemory(),
			sessions: sessionrepo.NewMemory(),
		}, nil
	case config.DriverPostgres:
		if cfg.Store.AutoMigrate {
			if err := database.RunMigrations(cfg.Store.DatabaseURL); err != nil {
				return nil, nil, err
			}
		}
		db, err := database.Open(database.Config{
			DSN:      cfg.Store.DatabaseURL,
			MaxConns: cfg.Store.MaxConns,
			TimeZone: cfg.Store.TimeZone,
		})
		if err != nil {
			return nil, nil, err
		}
		return db, &repos{
			accounts: accountrepo.NewAccountRepo(db),
			audit:    auditrepo.NewAuditRepo(db),
			sessions: sessionrepo.NewSessionRepo(db),
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// New wires the components. Close releases them.
func New(cfg *config.Config, log *zap.SugaredLogger) (*App, error) {
	proxies, err := utilities.NewProxyTrust(cfg.HTTP.TrustedProxies)
	if err != nil {
		return nil, err
	}
	db, r, err := openStores(cfg, log)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mc := metrics.NewCollector(reg)

	accounts := account.NewService(r.accounts, account.BcryptHasher{Cost: cfg.Auth.BcryptCost})

	auditLog := audit.NewLogger(r.audit, log.Named("audit"))
	auditLog.Timeout = cfg.Auth.AuditTimeout.Std()

	tokens := session.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer)
	sessions := session.NewManager(r.sessions, tokens)

	pending := mfa.NewPendingStore()
	pending.LoginTTL = cfg.MFA.PendingLoginTTL.Std()
	pending.EnrollmentTTL = cfg.MFA.EnrollmentTTL.Std()
	pending.MaxEnrollAttempts = cfg.MFA.MaxEnrollAttempts

	alerts := alert.NewDispatcher(
		alert.LogSink{Log: log.Named("alert"), AdminEmail: cfg.Alert.AdminEmail},
		log.Named("alert"),
		cfg.Alert.QueueSize,
		cfg.Alert.Workers,
		alert.WithDropObserver(mc),
	)

	svc := auth.NewService(auth.Deps{
		Accounts: accounts,
		Sessions: sessions,
		Audit:    auditLog,
		Alerts:   alerts,
		Pending:  pending,
		TOTP:     mfa.NewTOTP(cfg.MFA.Issuer),
		Metrics:  mc,
		Log:      log.Named("auth"),
	}, auth.Policy{
		LoginTTL:        cfg.Auth.LoginTTL.Std(),
		RegistrationTTL: cfg.Auth.RegistrationTTL.Std(),
	})

	a := &App{
		Config:   cfg,
		Log:      log,
		DB:       db,
		Accounts: accounts,
		Audit:    auditLog,
		Sessions: sessions,
		Pending:  pending,
		Alerts:   alerts,
		Metrics:  mc,
		Registry: reg,
		Auth:     svc,
		Proxies:  proxies,
	}
	if cfg.RateLimit.Enabled {
		a.Limiter = router.NewRateLimiter(router.PerMinute(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst), log.Named("ratelimit"))
	}
	return a, nil
}

// Handler builds the HTTP surface.
func (a *App) Handler() http.Handler {
	authHandler := auth.NewHandler(a.Auth, a.Log, a.Config.HTTP.SecureCookies)
	if a.Limiter != nil {
		authHandler.WithThrottle(a.Limiter.Middleware())
	}
	return router.RegisterRoutes(router.Deps{
		Logger:   a.Log,
		Auth:     authHandler,
		Admin:    admin.NewHandler(a.Auth, a.Audit, a.Log),
		Metrics:  a.Metrics,
		Gatherer: a.Registry,
		Proxies:  a.Proxies,
	})
}

// Bootstrap seeds the configured admin account if it does not exist yet.
// The account gets an active subscription so it can log in.
func (a *App) Bootstrap(ctx context.Context) error {
	b := a.Config.Bootstrap
	if b.AdminEmail == "" {
		return nil
	}
	existing, err := a.Accounts.FindByEmail(ctx, b.AdminEmail)
	if err != nil {
		return fmt.Errorf("bootstrap lookup: %w", err)
	}
	if existing != nil {
		return nil
	}
	acc, err := a.Accounts.CreateAccount(ctx, b.AdminEmail, b.AdminPassword, entity.Profile{
		Name: b.AdminName,
		Role: entity.RoleAdmin,
	})
	if err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	if _, err := a.Accounts.UpdateSubscription(ctx, acc.ID, entity.SubscriptionUpdate{Status: entity.SubscriptionActive}); err != nil {
		return fmt.Errorf("bootstrap admin subscription: %w", err)
	}
	a.Log.Infow("bootstrap admin created", "user_id", acc.ID, "email", acc.Email)
	return nil
}

// RunSweepers reclaims expired MFA state and sessions until ctx is done.
func (a *App) RunSweepers(ctx context.Context) {
	every := a.Config.Store.SweepEvery.Std()
	go a.Pending.Run(ctx, every)
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := a.Sessions.Sweep(ctx)
				if err != nil {
					a.Log.Warnw("session sweep failed", "err", err)
					continue
				}
				if n > 0 {
					a.Log.Debugw("expired sessions removed", "count", n)
				}
			}
		}
	}()
}

// Close flushes background work and releases the store.
func (a *App) Close() {
	if a.Limiter != nil {
		a.Limiter.Stop()
	}
	a.Alerts.Close()
	a.Audit.Wait()
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Log.Warnw("db close failed", "err", err)
		}
	}
}
