package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BaseDelay != 2*time.Second || cfg.MaxDelay != 60*time.Second || cfg.Jitter != time.Second {
		t.Fatalf("unexpected backoff defaults: %s %s %s", cfg.BaseDelay, cfg.MaxDelay, cfg.Jitter)
	}
	if cfg.MaxAttempts != 5 || cfg.BatchSize != 10 || cfg.ProbeInterval != 5*time.Second {
		t.Fatalf("unexpected replay defaults: %+v", cfg)
	}
	if !cfg.QueueOnTransportError {
		t.Fatalf("expected transport errors to queue by default")
	}
	target, err := cfg.StoreTarget()
	if err != nil {
		t.Fatalf("store target: %v", err)
	}
	if !strings.HasPrefix(target, "sqlite://") || !strings.HasSuffix(target, "outbox.db") {
		t.Fatalf("expected sqlite default, got %q", target)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("OUTBOX_BASE_DELAY", "500ms")
	t.Setenv("OUTBOX_MAX_ATTEMPTS", "9")
	t.Setenv("OUTBOX_BACKEND_PROFILE", "memory")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BaseDelay != 500*time.Millisecond || cfg.MaxAttempts != 9 {
		t.Fatalf("expected overrides, got %s / %d", cfg.BaseDelay, cfg.MaxAttempts)
	}
	if b := cfg.Backoff(); b.Base != 500*time.Millisecond || b.Max != time.Minute {
		t.Fatalf("unexpected backoff: %+v", b)
	}
	if target, _ := cfg.StoreTarget(); target != "memory://" {
		t.Fatalf("expected memory profile, got %q", target)
	}
}

func TestLoadParseError(t *testing.T) {
	t.Setenv("OUTBOX_MAX_ATTEMPTS", "lots")
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"OUTBOX_MAX_ATTEMPTS":    "0",
		"OUTBOX_MAX_DELAY":       "1s",
		"OUTBOX_LOG_FORMAT":      "xml",
		"OUTBOX_BACKEND_PROFILE": "tape",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("expected %s=%s to be rejected", key, value)
			}
		})
	}
}

func TestStoreTargetPrecedence(t *testing.T) {
	cfg := Config{StoreDSN: "redis://localhost:6379/0", BackendProfile: "memory"}
	if got, _ := cfg.StoreTarget(); got != "redis://localhost:6379/0" {
		t.Fatalf("expected explicit DSN to win, got %q", got)
	}
	if _, err := (Config{BackendProfile: "production"}).StoreTarget(); err == nil {
		t.Fatalf("expected production profile without postgres DSN to fail")
	}
	prod := Config{BackendProfile: "prod", PostgresDSN: "postgres://u@h/db"}
	if got, _ := prod.StoreTarget(); got != "postgres://u@h/db" {
		t.Fatalf("expected postgres DSN, got %q", got)
	}
}

func TestNewLogger(t *testing.T) {
	if _, err := NewLogger("console", "debug"); err != nil {
		t.Fatalf("console logger: %v", err)
	}
	if _, err := NewLogger("json", ""); err != nil {
		t.Fatalf("json logger: %v", err)
	}
	if _, err := NewLogger("json", "chatty"); err == nil {
		t.Fatalf("expected invalid level error")
	}
}
