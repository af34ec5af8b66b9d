package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/CoePress/coesco-web-sub012/internal/config"
	"github.com/CoePress/coesco-web-sub012/internal/outbox"
)

func testConfig(t *testing.T, apiBaseURL string) config.Config {
	t.Helper()
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Addr = "127.0.0.1:0"
	cfg.StoreDSN = "memory://"
	cfg.APIBaseURL = apiBaseURL
	cfg.ProbeURL = ""
	cfg.JWTSecret = ""
	cfg.ShutdownTimeout = time.Second
	return cfg
}

func TestNewDaemonRequiresAPIBaseURL(t *testing.T) {
	if _, err := newDaemon(testConfig(t, ""), zap.NewNop()); err == nil {
		t.Fatalf("expected error without api base url")
	}
}

func TestDaemonReplaysEnqueuedOperation(t *testing.T) {
	var delivered atomic.Int64
	var gotKey atomic.Value
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/orders" {
			gotKey.Store(r.Header.Get(outbox.IdempotencyKeyHeader))
			delivered.Add(1)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer api.Close()

	d, err := newDaemon(testConfig(t, api.URL), zap.NewNop())
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx) }()

	surface := httptest.NewServer(d.handler)
	defer surface.Close()
	resp, err := http.Post(surface.URL+"/v1/outbox/operations", "application/json",
		bytes.NewReader([]byte(`{"method":"POST","url":"/orders","body":{"sku":"A1"},"idempotencyKey":"k-1"}`)))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	deadline := time.Now().Add(3 * time.Second)
	for delivered.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if delivered.Load() != 1 {
		t.Fatalf("expected exactly one delivery, got %d", delivered.Load())
	}
	if key, _ := gotKey.Load().(string); key != "k-1" {
		t.Fatalf("expected idempotency key k-1, got %q", key)
	}
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := d.store.Count(context.Background()); n == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if n, _ := d.store.Count(context.Background()); n != 0 {
		t.Fatalf("expected delivered record removed, %d left", n)
	}

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("expected daemon to stop with ctx")
	}
}
