package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ovaphlow/pitchfork/service-auth-go/pkg/utilities"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config is the service configuration. Zero values are filled by Default.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Store     StoreConfig     `yaml:"store"`
	Auth      AuthConfig      `yaml:"auth"`
	MFA       MFAConfig       `yaml:"mfa"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Alert     AlertConfig     `yaml:"alert"`
	Log       LogConfig       `yaml:"log"`
	Bootstrap BootstrapConfig `yaml:"bootstrap"`
}

type HTTPConfig struct {
	Addr            string   `yaml:"addr"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	SecureCookies   bool     `yaml:"secure_cookies"`
	// TrustedProxies lists CIDRs or addresses allowed to set
	// X-Forwarded-For. Empty means the socket peer is the client.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

type StoreConfig struct {
	Driver      string   `yaml:"driver"`
	DatabaseURL string   `yaml:"database_url"`
	MaxConns    int      `yaml:"max_conns"`
	TimeZone    string   `yaml:"time_zone"`
	AutoMigrate bool     `yaml:"auto_migrate"`
	SweepEvery  Duration `yaml:"sweep_every"`
}

type AuthConfig struct {
	JWTSecret       string   `yaml:"jwt_secret"`
	JWTIssuer       string   `yaml:"jwt_issuer"`
	LoginTTL        Duration `yaml:"login_ttl"`
	RegistrationTTL Duration `yaml:"registration_ttl"`
	BcryptCost      int      `yaml:"bcrypt_cost"`
	AuditTimeout    Duration `yaml:"audit_timeout"`
}

type MFAConfig struct {
	Issuer            string   `yaml:"issuer"`
	PendingLoginTTL   Duration `yaml:"pending_login_ttl"`
	EnrollmentTTL     Duration `yaml:"enrollment_ttl"`
	MaxEnrollAttempts int      `yaml:"max_enroll_attempts"`
}

type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	Burst             int  `yaml:"burst"`
}

type AlertConfig struct {
	AdminEmail string `yaml:"admin_email"`
	QueueSize  int    `yaml:"queue_size"`
	Workers    int    `yaml:"workers"`
}

type LogConfig struct {
	Level  string   `yaml:"level"`
	Dev    bool     `yaml:"dev"`
	File   string   `yaml:"file"`
	MaxAge Duration `yaml:"max_age"`
}

// BootstrapConfig seeds an admin account on startup when the email is not
// yet registered.
type BootstrapConfig struct {
	AdminEmail    string `yaml:"admin_email"`
	AdminPassword string `yaml:"admin_password"`
	AdminName     string `yaml:"admin_name"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:            "0.0.0.0:8431",
			ReadTimeout:     Duration(15 * time.Second),
			WriteTimeout:    Duration(15 * time.Second),
			ShutdownTimeout: Duration(5 * time.Second),
		},
		Store: StoreConfig{
			Driver:      DriverMemory,
			MaxConns:    5,
			AutoMigrate: true,
			SweepEvery:  Duration(time.Minute),
		},
		Auth: AuthConfig{
			JWTIssuer:       "nextgate",
			LoginTTL:        Duration(24 * time.Hour),
			RegistrationTTL: Duration(7 * 24 * time.Hour),
			BcryptCost:      10,
			AuditTimeout:    Duration(5 * time.Second),
		},
		MFA: MFAConfig{
			Issuer:            "NextGate",
			PendingLoginTTL:   Duration(5 * time.Minute),
			EnrollmentTTL:     Duration(10 * time.Minute),
			MaxEnrollAttempts: 5,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 20,
			Burst:             10,
		},
		Alert: AlertConfig{
			QueueSize: 256,
			Workers:   1,
		},
		Log: LogConfig{
			Level:  "info",
			MaxAge: Duration(7 * 24 * time.Hour),
		},
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case DriverPostgres:
		if c.Store.DatabaseURL == "" {
			errs = append(errs, errors.New("store.database_url is required for the postgres driver"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not supported", c.Store.Driver))
	}
	if _, err := utilities.NewProxyTrust(c.HTTP.TrustedProxies); err != nil {
		errs = append(errs, fmt.Errorf("http.trusted_proxies: %w", err))
	}
	if len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, errors.New("auth.jwt_secret must be at least 32 bytes"))
	}
	if c.Auth.LoginTTL <= 0 || c.Auth.RegistrationTTL <= 0 {
		errs = append(errs, errors.New("auth token ttls must be positive"))
	}
	if c.Auth.BcryptCost < 4 || c.Auth.BcryptCost > 31 {
		errs = append(errs, fmt.Errorf("auth.bcrypt_cost %d out of range 4..31", c.Auth.BcryptCost))
	}
	if c.MFA.PendingLoginTTL <= 0 || c.MFA.EnrollmentTTL <= 0 {
		errs = append(errs, errors.New("mfa ttls must be positive"))
	}
	if c.MFA.MaxEnrollAttempts <= 0 {
		errs = append(errs, errors.New("mfa.max_enroll_attempts must be positive"))
	}
	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerMinute <= 0 || c.RateLimit.Burst <= 0) {
		errs = append(errs, errors.New("rate_limit requires positive requests_per_minute and burst"))
	}
	if c.Alert.QueueSize <= 0 || c.Alert.Workers <= 0 {
		errs = append(errs, errors.New("alert queue_size and workers must be positive"))
	}
	if (c.Bootstrap.AdminEmail == "") != (c.Bootstrap.AdminPassword == "") {
		errs = append(errs, errors.New("bootstrap admin_email and admin_password must be set together"))
	}
	return errors.Join(errs...)
}

// Duration is a time.Duration that also accepts a "d" suffix for days.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(v)
	return nil
}

// ParseDuration parses Go durations plus whole days such as "7d".
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if n, ok := strings.CutSuffix(s, "d"); ok && n != "" {
		days, err := strconv.Atoi(n)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
