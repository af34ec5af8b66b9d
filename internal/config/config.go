// Package config loads outbox settings from OUTBOX_* environment variables.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/CoePress/coesco-web-sub012/internal/outbox"
)

type Config struct {
	Addr            string        `env:"OUTBOX_ADDR"             envDefault:"127.0.0.1:8787"`
	ShutdownTimeout time.Duration `env:"OUTBOX_SHUTDOWN_TIMEOUT" envDefault:"10s"`

	// StoreDSN wins over the backend profile.
	StoreDSN       string `env:"OUTBOX_STORE_DSN"`
	BackendProfile string `env:"OUTBOX_BACKEND_PROFILE"`
	DataDir        string `env:"OUTBOX_DATA_DIR"       envDefault:".outbox"`
	PostgresDSN    string `env:"OUTBOX_POSTGRES_DSN"`

	APIBaseURL            string `env:"OUTBOX_API_BASE_URL"`
	APIToken              string `env:"OUTBOX_API_TOKEN"`
	QueueOnTransportError bool   `env:"OUTBOX_QUEUE_ON_TRANSPORT_ERROR" envDefault:"true"`

	ProbeURL         string        `env:"OUTBOX_PROBE_URL"`
	ProbeInterval    time.Duration `env:"OUTBOX_PROBE_INTERVAL"     envDefault:"5s"`
	ProbeTimeout     time.Duration `env:"OUTBOX_PROBE_TIMEOUT"      envDefault:"3s"`
	ProbeJitterRatio float64       `env:"OUTBOX_PROBE_JITTER_RATIO" envDefault:"0.2"`
	DegradedLatency  time.Duration `env:"OUTBOX_DEGRADED_LATENCY"   envDefault:"2s"`
	DataSaver        bool          `env:"OUTBOX_DATA_SAVER"`

	BaseDelay   time.Duration `env:"OUTBOX_BASE_DELAY"   envDefault:"2s"`
	MaxDelay    time.Duration `env:"OUTBOX_MAX_DELAY"    envDefault:"60s"`
	Jitter      time.Duration `env:"OUTBOX_JITTER"       envDefault:"1s"`
	MaxAttempts int           `env:"OUTBOX_MAX_ATTEMPTS" envDefault:"5"`
	BatchSize   int           `env:"OUTBOX_BATCH_SIZE"   envDefault:"10"`
	LeaseTTL    time.Duration `env:"OUTBOX_LEASE_TTL"    envDefault:"2m"`
	// Owner is a lease owner prefix; each replayer adds its own suffix.
	Owner string `env:"OUTBOX_OWNER"`

	BreakerFailures uint32        `env:"OUTBOX_BREAKER_FAILURES" envDefault:"5"`
	BreakerTimeout  time.Duration `env:"OUTBOX_BREAKER_TIMEOUT"  envDefault:"30s"`

	JWTSecret       string        `env:"OUTBOX_JWT_SECRET"`
	RateLimitMax    int           `env:"OUTBOX_RATE_LIMIT_MAX"`
	RateLimitWindow time.Duration `env:"OUTBOX_RATE_LIMIT_WINDOW" envDefault:"1m"`
	MaxBodyBytes    int64         `env:"OUTBOX_MAX_BODY_BYTES"    envDefault:"1048576"`

	DaemonURL   string `env:"OUTBOX_DAEMON_URL"   envDefault:"http://127.0.0.1:8787"`
	DaemonToken string `env:"OUTBOX_DAEMON_TOKEN"`

	LogFormat string `env:"OUTBOX_LOG_FORMAT" envDefault:"json"`
	LogLevel  string `env:"OUTBOX_LOG_LEVEL"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("OUTBOX_MAX_ATTEMPTS must be at least 1, got %d", c.MaxAttempts)
	}
	if c.BaseDelay <= 0 || c.MaxDelay < c.BaseDelay {
		return fmt.Errorf("OUTBOX_BASE_DELAY (%s) must be positive and not exceed OUTBOX_MAX_DELAY (%s)", c.BaseDelay, c.MaxDelay)
	}
	if c.Jitter < 0 {
		return fmt.Errorf("OUTBOX_JITTER must not be negative, got %s", c.Jitter)
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "json", "console":
	default:
		return fmt.Errorf("unsupported OUTBOX_LOG_FORMAT: %s", c.LogFormat)
	}
	_, err := c.StoreTarget()
	return err
}

// StoreTarget resolves the DSN handed to outbox.OpenStore.
func (c Config) StoreTarget() (string, error) {
	if dsn := strings.TrimSpace(c.StoreDSN); dsn != "" {
		return dsn, nil
	}
	dataDir := strings.TrimSpace(c.DataDir)
	if dataDir == "" {
		dataDir = ".outbox"
	}
	profile := strings.ToLower(strings.TrimSpace(c.BackendProfile))
	switch profile {
	case "", "durable-local", "local-durable":
		return "sqlite://" + filepath.Join(dataDir, "outbox.db"), nil
	case "file", "json":
		return "file://" + filepath.Join(dataDir, "outbox.json"), nil
	case "memory", "inmemory":
		return "memory://", nil
	case "production", "prod":
		dsn := strings.TrimSpace(c.PostgresDSN)
		if dsn == "" {
			return "", fmt.Errorf("OUTBOX_POSTGRES_DSN is required when OUTBOX_BACKEND_PROFILE=%s", profile)
		}
		return dsn, nil
	default:
		return "", fmt.Errorf("unsupported OUTBOX_BACKEND_PROFILE: %s", profile)
	}
}

func (c Config) Backoff() outbox.Backoff {
	return outbox.Backoff{Base: c.BaseDelay, Max: c.MaxDelay, Jitter: c.Jitter}
}
