package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	AppEnv   string `env:"APP_ENV" envDefault:"development"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	APIAddr     string `env:"API_ADDR" envDefault:":8080"`
	APIToken    string `env:"API_TOKEN"`
	MetricsAddr string `env:"METRICS_ADDR"`

	StorageDriver string `env:"STORAGE_DRIVER" envDefault:"postgres"`
	PostgresDSN   string `env:"POSTGRES_DSN"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"migrations"`

	RedisAddr     string        `env:"REDIS_ADDR"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	LedgerTTL     time.Duration `env:"LEDGER_TTL" envDefault:"168h"`

	SlackClientID     string        `env:"SLACK_CLIENT_ID"`
	SlackClientSecret string        `env:"SLACK_CLIENT_SECRET"`
	SlackAPIURL       string        `env:"SLACK_API_URL" envDefault:"https://slack.com/api/"`
	SlackHTTPTimeout  time.Duration `env:"SLACK_HTTP_TIMEOUT" envDefault:"10s"`
	SlackRatePerSec   float64       `env:"SLACK_RATE_PER_SEC" envDefault:"1"`
	SlackRateBurst    int           `env:"SLACK_RATE_BURST" envDefault:"3"`

	RefreshMargin time.Duration `env:"CREDENTIAL_REFRESH_MARGIN" envDefault:"30s"`
	MinLead       time.Duration `env:"INTAKE_MIN_LEAD" envDefault:"10s"`

	PollInterval time.Duration `env:"SCHEDULER_POLL_INTERVAL" envDefault:"15s"`
	BackoffUnit  time.Duration `env:"SCHEDULER_BACKOFF_UNIT" envDefault:"60s"`
	MaxBackoff   time.Duration `env:"SCHEDULER_MAX_BACKOFF" envDefault:"1h"`

	ReconcileEnabled   bool          `env:"RECONCILE_ENABLED" envDefault:"true"`
	ReconcileInterval  time.Duration `env:"RECONCILE_INTERVAL" envDefault:"5m"`
	ReconcileThreshold time.Duration `env:"RECONCILE_THRESHOLD" envDefault:"10m"`
	ReconcileBatchSize int           `env:"RECONCILE_BATCH_SIZE" envDefault:"100"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Load reads the configuration from the environment.
func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return c, nil
}

// Validate checks cross-field constraints that struct tags cannot express.
func (c Config) Validate() error {
	var errs []error

	switch c.StorageDriver {
	case DriverPostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("POSTGRES_DSN is required when STORAGE_DRIVER=postgres"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("STORAGE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverMemory, c.StorageDriver))
	}

	positive := []struct {
		name string
		d    time.Duration
	}{
		{"SCHEDULER_POLL_INTERVAL", c.PollInterval},
		{"SCHEDULER_BACKOFF_UNIT", c.BackoffUnit},
		{"SLACK_HTTP_TIMEOUT", c.SlackHTTPTimeout},
		{"RECONCILE_INTERVAL", c.ReconcileInterval},
	}
	for _, p := range positive {
		if p.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", p.name, p.d))
		}
	}

	if c.MaxBackoff < c.BackoffUnit {
		errs = append(errs, fmt.Errorf("SCHEDULER_MAX_BACKOFF (%s) must be at least SCHEDULER_BACKOFF_UNIT (%s)", c.MaxBackoff, c.BackoffUnit))
	}
	if c.MinLead < 0 {
		errs = append(errs, fmt.Errorf("INTAKE_MIN_LEAD must not be negative, got %s", c.MinLead))
	}
	if c.RefreshMargin < 0 {
		errs = append(errs, fmt.Errorf("CREDENTIAL_REFRESH_MARGIN must not be negative, got %s", c.RefreshMargin))
	}
	if c.SlackRatePerSec <= 0 || c.SlackRateBurst <= 0 {
		errs = append(errs, errors.New("SLACK_RATE_PER_SEC and SLACK_RATE_BURST must be positive"))
	}

	// A job is only stuck once its claim outlived the longest possible pass.
	if floor := c.MinReconcileThreshold(); c.ReconcileEnabled && c.ReconcileThreshold <= floor {
		errs = append(errs, fmt.Errorf("RECONCILE_THRESHOLD (%s) must exceed %s (4 x SLACK_HTTP_TIMEOUT + outcome write)", c.ReconcileThreshold, floor))
	}
	if c.ReconcileEnabled && c.ReconcileBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("RECONCILE_BATCH_SIZE must be positive, got %d", c.ReconcileBatchSize))
	}

	return errors.Join(errs...)
}

// outcomeWriteTimeout mirrors the bound the scheduler puts on its outcome writes.
const outcomeWriteTimeout = 10 * time.Second

// MinReconcileThreshold is the worst-case duration of one scheduler pass: a
// token refresh, the post and the permalink lookup, one more HTTP timeout of
// rate limiter waits, then the outcome write.
func (c Config) MinReconcileThreshold() time.Duration {
	return 4*c.SlackHTTPTimeout + outcomeWriteTimeout
}

// RequireSlackApp checks the OAuth client settings needed for token refresh.
func (c Config) RequireSlackApp() error {
	if c.SlackClientID == "" || c.SlackClientSecret == "" {
		return errors.New("SLACK_CLIENT_ID and SLACK_CLIENT_SECRET are required")
	}
	return nil
}

func (c Config) Production() bool {
	return c.AppEnv == "production"
}
