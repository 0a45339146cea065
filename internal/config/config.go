package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	StoreDriverJSON   = "json"
	StoreDriverSQLite = "sqlite"
)

type Config struct {
	Token        string  `env:"TOKEN,required,notEmpty"`
	AllowedUsers []int64 `env:"ALLOWED_USERS"`
	SupportURL   string  `env:"SUPPORT_URL"`

	CheckInterval  time.Duration `env:"CHECK_INTERVAL"   envDefault:"300s"`
	CheckJitter    time.Duration `env:"CHECK_JITTER"     envDefault:"60s"`
	MaxFetchErrors int           `env:"MAX_FETCH_ERRORS" envDefault:"5"`
	LinkThrottle   time.Duration `env:"LINK_THROTTLE"    envDefault:"500ms"`

	FetchTimeout        time.Duration `env:"FETCH_TIMEOUT"         envDefault:"15s"`
	FetchMaxAttempts    int           `env:"FETCH_MAX_ATTEMPTS"    envDefault:"3"`
	FetchInitialBackoff time.Duration `env:"FETCH_INITIAL_BACKOFF" envDefault:"2s"`
	FetchMaxBackoff     time.Duration `env:"FETCH_MAX_BACKOFF"     envDefault:"10s"`
	FetchMaxBytes       int64         `env:"FETCH_MAX_BYTES"       envDefault:"5242880"`
	UserAgent           string        `env:"USER_AGENT"            envDefault:"LotNotificationBot/1.0"`

	StoreDriver string `env:"STORE_DRIVER" envDefault:"json"`
	DataDir     string `env:"DATA_DIR"     envDefault:"."`
	DBPath      string `env:"DB_PATH"      envDefault:"lotwatch.sqlite"`

	PopulateWorkers int `env:"POPULATE_WORKERS" envDefault:"2"`
	PopulateQueue   int `env:"POPULATE_QUEUE"   envDefault:"100"`

	MetricsAddr   string        `env:"METRICS_ADDR"`
	ShutdownGrace time.Duration `env:"SHUTDOWN_GRACE" envDefault:"30s"`
	LogLevel      slog.Level    `env:"LOG_LEVEL"      envDefault:"info"`
}

// Load reads the environment and validates the result.
func Load() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if err = cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error

	if c.CheckInterval < time.Second {
		errs = append(errs, fmt.Errorf("CHECK_INTERVAL must be at least 1s, got %s", c.CheckInterval))
	}
	if c.CheckJitter < 0 {
		errs = append(errs, fmt.Errorf("CHECK_JITTER must not be negative, got %s", c.CheckJitter))
	}
	if c.MaxFetchErrors < 1 {
		errs = append(errs, fmt.Errorf("MAX_FETCH_ERRORS must be at least 1, got %d", c.MaxFetchErrors))
	}
	if c.LinkThrottle < 0 {
		errs = append(errs, fmt.Errorf("LINK_THROTTLE must not be negative, got %s", c.LinkThrottle))
	}
	if c.FetchTimeout <= 0 {
		errs = append(errs, fmt.Errorf("FETCH_TIMEOUT must be positive, got %s", c.FetchTimeout))
	}
	if c.FetchMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("FETCH_MAX_ATTEMPTS must be at least 1, got %d", c.FetchMaxAttempts))
	}
	if c.FetchInitialBackoff <= 0 || c.FetchMaxBackoff < c.FetchInitialBackoff {
		errs = append(errs, fmt.Errorf("FETCH_INITIAL_BACKOFF (%s) must be positive and not exceed FETCH_MAX_BACKOFF (%s)",
			c.FetchInitialBackoff, c.FetchMaxBackoff))
	}
	if c.FetchMaxBytes <= 0 {
		errs = append(errs, fmt.Errorf("FETCH_MAX_BYTES must be positive, got %d", c.FetchMaxBytes))
	}
	if c.StoreDriver != StoreDriverJSON && c.StoreDriver != StoreDriverSQLite {
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be %q or %q, got %q",
			StoreDriverJSON, StoreDriverSQLite, c.StoreDriver))
	}
	if c.PopulateWorkers < 1 || c.PopulateQueue < 1 {
		errs = append(errs, errors.New("POPULATE_WORKERS and POPULATE_QUEUE must be at least 1"))
	}
	if c.ShutdownGrace < 0 {
		errs = append(errs, fmt.Errorf("SHUTDOWN_GRACE must not be negative, got %s", c.ShutdownGrace))
	}

	return errors.Join(errs...)
}
