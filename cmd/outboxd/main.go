package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/CoePress/coesco-web-sub012/internal/bridge"
	"github.com/CoePress/coesco-web-sub012/internal/config"
	"github.com/CoePress/coesco-web-sub012/internal/connectivity"
	"github.com/CoePress/coesco-web-sub012/internal/httpapi"
	"github.com/CoePress/coesco-web-sub012/internal/outbox"
	"github.com/CoePress/coesco-web-sub012/internal/wake"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	flag.StringVar(&cfg.StoreDSN, "store", cfg.StoreDSN, "record store DSN (sqlite://, file://, postgres://, redis://, memory://)")
	flag.StringVar(&cfg.APIBaseURL, "api-base-url", cfg.APIBaseURL, "base URL replayed operations are sent to")
	flag.StringVar(&cfg.ProbeURL, "probe-url", cfg.ProbeURL, "health URL probed for connectivity")
	flag.DurationVar(&cfg.ProbeInterval, "probe-interval", cfg.ProbeInterval, "connectivity probe interval")
	flag.Float64Var(&cfg.ProbeJitterRatio, "probe-jitter", cfg.ProbeJitterRatio, "probe interval jitter ratio (0.0-1.0)")
	flag.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: json or console")
	flag.Parse()
	cfg.ProbeJitterRatio = connectivity.ClampJitterRatio(cfg.ProbeJitterRatio)

	logger, err := config.NewLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(cfg, logger)
	if err != nil {
		logger.Fatal("init daemon", zap.Error(err))
	}
	defer d.Close()
	if err := d.Run(ctx); err != nil {
		logger.Fatal("daemon stopped", zap.Error(err))
	}
}

type daemon struct {
	cfg        config.Config
	logger     *zap.Logger
	store      outbox.Store
	bus        *outbox.Bus
	monitor    *connectivity.Monitor
	replayer   *outbox.Replayer
	controller *wake.Controller
	counters   *bridge.Bridge
	handler    http.Handler
}

func newDaemon(cfg config.Config, logger *zap.Logger) (*daemon, error) {
	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		return nil, errors.New("api base url is required (--api-base-url or OUTBOX_API_BASE_URL)")
	}
	target, err := cfg.StoreTarget()
	if err != nil {
		return nil, err
	}
	store, err := outbox.OpenStore(target)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	bus := outbox.NewBus()
	monitor := connectivity.NewMonitor(connectivity.MonitorOptions{
		ProbeURL:        cfg.ProbeURL,
		Interval:        cfg.ProbeInterval,
		Timeout:         cfg.ProbeTimeout,
		DegradedLatency: cfg.DegradedLatency,
		JitterRatio:     cfg.ProbeJitterRatio,
		DataSaver:       cfg.DataSaver,
		InitialOnline:   strings.TrimSpace(cfg.ProbeURL) == "",
		Logger:          logger.Named("connectivity"),
	})
	breaker := connectivity.NewBreaker(monitor, connectivity.BreakerOptions{
		ConsecutiveFailures: cfg.BreakerFailures,
		Timeout:             cfg.BreakerTimeout,
		Logger:              logger.Named("breaker"),
	})
	sender := outbox.NewHTTPSender(outbox.HTTPSenderOptions{
		BaseURL: cfg.APIBaseURL,
		Token:   cfg.APIToken,
		Breaker: breaker,
	})
	replayer, err := outbox.NewReplayer(outbox.ReplayerOptions{
		Store:         store,
		Sender:        sender,
		Emitter:       bus,
		Logger:        logger.Named("replayer"),
		Backoff:       cfg.Backoff(),
		BatchSize:     cfg.BatchSize,
		Owner:         cfg.Owner,
		LeaseTTL:      cfg.LeaseTTL,
		MeterProvider: otel.GetMeterProvider(),
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	controller, err := wake.NewController(wake.ControllerOptions{
		Store:     store,
		Processor: replayer,
		Restored:  monitor,
		Online:    func() bool { return monitor.Status().Online },
		Logger:    logger.Named("wake"),
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	counters, err := bridge.New(bridge.Options{Store: store, Signals: bus, Logger: logger.Named("bridge")})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	handler := httpapi.NewServerWithConfig(httpapi.Deps{
		Store:    store,
		Retrier:  replayer,
		Flusher:  controller,
		Signals:  bus,
		Status:   monitor,
		Counters: counters,
		Logger:   logger.Named("http"),
	}, httpapi.ServerConfig{
		JWTSecret:       cfg.JWTSecret,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		MaxBodyBytes:    cfg.MaxBodyBytes,
		MaxAttempts:     cfg.MaxAttempts,
	})
	return &daemon{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		bus:        bus,
		monitor:    monitor,
		replayer:   replayer,
		controller: controller,
		counters:   counters,
		handler:    handler,
	}, nil
}

// Run serves until ctx is done, then drains the HTTP server.
func (d *daemon) Run(ctx context.Context) error {
	d.controller.Install()
	if err := d.counters.Mount(ctx); err != nil {
		return fmt.Errorf("mount counters: %w", err)
	}

	srv := &http.Server{
		Addr:              d.cfg.Addr,
		Handler:           d.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.monitor.Run(gctx) })
	g.Go(func() error { return d.controller.Run(gctx) })
	if ps, ok := d.store.(outbox.PathStore); ok {
		g.Go(func() error {
			if err := d.counters.WatchStore(gctx, ps.Path()); err != nil {
				d.logger.Warn("store watcher stopped", zap.Error(err))
			}
			return nil
		})
	}
	g.Go(func() error {
		d.logger.Info("outboxd listening",
			zap.String("addr", d.cfg.Addr),
			zap.String("api_base_url", d.cfg.APIBaseURL),
			zap.String("owner", d.replayer.Owner()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), d.cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	err := g.Wait()
	d.logger.Info("outboxd stopped")
	return err
}

func (d *daemon) Close() {
	d.bus.Close()
	if err := d.store.Close(); err != nil {
		d.logger.Warn("close store", zap.Error(err))
	}
}
