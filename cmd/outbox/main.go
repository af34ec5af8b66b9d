package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/CoePress/coesco-web-sub012/internal/bridge"
	"github.com/CoePress/coesco-web-sub012/internal/config"
	"github.com/CoePress/coesco-web-sub012/internal/connectivity"
	"github.com/CoePress/coesco-web-sub012/internal/outbox"
)

const usage = `usage: outbox <command> [flags]

commands:
  send METHOD URL   send a request, queueing it when offline
  stats             print queue counters
  list              print queued records
  clear             discard every queued record
  flush             ask the daemon to replay now, or replay locally
  retry ID          make a record due now and flush
  watch             print lifecycle signals until interrupted
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

type app struct {
	cfg    config.Config
	logger *zap.Logger
	out    io.Writer
	store  outbox.Store
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		fmt.Fprint(stderr, usage)
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "load config: %v\n", err)
		return 1
	}
	command, rest := args[0], args[1:]

	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.StoreDSN, "store", cfg.StoreDSN, "record store DSN shared with the daemon")
	fs.StringVar(&cfg.DaemonURL, "daemon", cfg.DaemonURL, "daemon base URL")
	fs.StringVar(&cfg.APIBaseURL, "api-base-url", cfg.APIBaseURL, "API base URL for send and local replay")
	fs.StringVar(&cfg.ProbeURL, "probe-url", cfg.ProbeURL, "health URL probed before send")
	fs.StringVar(&cfg.LogFormat, "log-format", envOrDefault("OUTBOX_LOG_FORMAT", "console"), "log format: json or console")
	data := fs.String("data", "", "JSON body for send")
	var headers headerFlags
	fs.Var(&headers, "header", "header for send as Name:Value (repeatable)")
	timeout := fs.Duration("timeout", 0, "request timeout for send")
	if err := fs.Parse(rest); err != nil {
		return 2
	}

	logger, err := config.NewLogger(cfg.LogFormat, envOrDefault("OUTBOX_LOG_LEVEL", "warn"))
	if err != nil {
		fmt.Fprintf(stderr, "init logger: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	target, err := cfg.StoreTarget()
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}
	store, err := outbox.OpenStore(target)
	if err != nil {
		fmt.Fprintf(stderr, "open store: %v\n", err)
		return 1
	}
	defer store.Close()

	a := &app{cfg: cfg, logger: logger, out: stdout, store: store}
	switch command {
	case "send":
		if fs.NArg() != 2 {
			fmt.Fprint(stderr, usage)
			return 2
		}
		err = a.send(ctx, fs.Arg(0), fs.Arg(1), *data, headers, *timeout)
	case "stats":
		err = a.stats(ctx)
	case "list":
		err = a.list(ctx)
	case "clear":
		err = a.clear(ctx)
	case "flush":
		err = a.flush(ctx)
	case "retry":
		if fs.NArg() != 1 {
			fmt.Fprint(stderr, usage)
			return 2
		}
		err = a.retry(ctx, fs.Arg(0))
	case "watch":
		err = a.watch(ctx)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n%s", command, usage)
		return 2
	}
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", command, err)
		return 1
	}
	return 0
}

func (a *app) sender() *outbox.HTTPSender {
	return outbox.NewHTTPSender(outbox.HTTPSenderOptions{BaseURL: a.cfg.APIBaseURL, Token: a.cfg.APIToken})
}

func (a *app) replayer() (*outbox.Replayer, error) {
	return outbox.NewReplayer(outbox.ReplayerOptions{
		Store:     a.store,
		Sender:    a.sender(),
		Logger:    a.logger.Named("replayer"),
		Backoff:   a.cfg.Backoff(),
		BatchSize: a.cfg.BatchSize,
		Owner:     a.cfg.Owner,
		LeaseTTL:  a.cfg.LeaseTTL,
	})
}

func (a *app) send(ctx context.Context, method, url, data string, headers headerFlags, timeout time.Duration) error {
	monitor := connectivity.NewMonitor(connectivity.MonitorOptions{
		ProbeURL:        a.cfg.ProbeURL,
		Timeout:         a.cfg.ProbeTimeout,
		DegradedLatency: a.cfg.DegradedLatency,
		DataSaver:       a.cfg.DataSaver,
		InitialOnline:   strings.TrimSpace(a.cfg.ProbeURL) == "",
		Logger:          a.logger.Named("connectivity"),
	})
	monitor.Probe(ctx)

	client, err := outbox.NewClient(outbox.ClientOptions{
		Store:                 a.store,
		Sender:                a.sender(),
		Policy:                connectivity.NewPolicy(monitor),
		Logger:                a.logger.Named("client"),
		MaxAttempts:           a.cfg.MaxAttempts,
		QueueOnTransportError: a.cfg.QueueOnTransportError,
	})
	if err != nil {
		return err
	}
	req := outbox.Request{Method: method, URL: url, Header: headers.Header()}
	if strings.TrimSpace(data) != "" {
		if !json.Valid([]byte(data)) {
			return fmt.Errorf("%w: --data must be valid JSON", outbox.ErrInvalidInput)
		}
		req.Body = json.RawMessage(data)
	}
	if timeout > 0 {
		req.Options = map[string]any{"timeout": timeout}
	}
	resp, err := client.Do(ctx, req)
	if err != nil {
		return err
	}
	if resp.Queued {
		return a.print(map[string]any{
			"queued":         true,
			"operationId":    resp.OperationID,
			"idempotencyKey": resp.IdempotencyKey,
			"reason":         monitor.Status().Reason,
		})
	}
	if len(resp.Body) > 0 && json.Valid(resp.Body) {
		return a.print(map[string]any{"status": resp.StatusCode, "body": json.RawMessage(resp.Body)})
	}
	return a.print(map[string]any{"status": resp.StatusCode, "body": string(resp.Body)})
}

func (a *app) mountBridge(ctx context.Context, opts bridge.Options) (*bridge.Bridge, error) {
	opts.Store = a.store
	opts.Logger = a.logger.Named("bridge")
	b, err := bridge.New(opts)
	if err != nil {
		return nil, err
	}
	if err := b.Mount(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (a *app) stats(ctx context.Context) error {
	b, err := a.mountBridge(ctx, bridge.Options{})
	if err != nil {
		return err
	}
	return a.print(b.Stats())
}

func (a *app) list(ctx context.Context) error {
	b, err := a.mountBridge(ctx, bridge.Options{})
	if err != nil {
		return err
	}
	return a.print(map[string]any{"items": b.QueuedItems()})
}

func (a *app) clear(ctx context.Context) error {
	b, err := a.mountBridge(ctx, bridge.Options{})
	if err != nil {
		return err
	}
	if err := b.ClearQueue(ctx); err != nil {
		return err
	}
	return a.print(b.Stats())
}

func (a *app) flush(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	replayer, err := a.replayer()
	if err != nil {
		return err
	}
	b, err := a.mountBridge(ctx, bridge.Options{Processor: replayer})
	if err != nil {
		return err
	}
	a.connectDaemon(ctx, b, 2*time.Second)
	remote, err := b.ForceReplay(ctx)
	if err != nil {
		return err
	}
	return a.print(map[string]any{"remote": remote, "stats": b.Stats()})
}

func (a *app) retry(ctx context.Context, id string) error {
	replayer, err := a.replayer()
	if err != nil {
		return err
	}
	op, err := replayer.Retry(ctx, id)
	if err != nil {
		return err
	}
	if err := a.flush(ctx); err != nil {
		return err
	}
	a.logger.Info("retry requested", zap.String("operation_id", op.ID))
	return nil
}

func (a *app) watch(ctx context.Context) error {
	enc := json.NewEncoder(a.out)
	b, err := a.mountBridge(ctx, bridge.Options{
		OnSignal: func(sig outbox.Signal) { _ = enc.Encode(sig) },
		OnChange: func(st bridge.Stats) { _ = enc.Encode(map[string]any{"stats": st}) },
	})
	if err != nil {
		return err
	}
	if ps, ok := a.store.(outbox.PathStore); ok {
		go func() {
			if err := b.WatchStore(ctx, ps.Path()); err != nil {
				a.logger.Warn("store watcher stopped", zap.Error(err))
			}
		}()
	}
	for {
		err := b.RemoteSignals(ctx, bridge.RemoteOptions{URL: a.cfg.DaemonURL, Token: a.cfg.DaemonToken})
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			a.logger.Warn("daemon events unavailable, retrying", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(2 * time.Second):
		}
	}
}

// connectDaemon starts relaying daemon events and waits up to wait for the
// connection to come up.
func (a *app) connectDaemon(ctx context.Context, b *bridge.Bridge, wait time.Duration) {
	if strings.TrimSpace(a.cfg.DaemonURL) == "" {
		return
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := b.RemoteSignals(ctx, bridge.RemoteOptions{URL: a.cfg.DaemonURL, Token: a.cfg.DaemonToken}); err != nil {
			a.logger.Debug("daemon not reachable", zap.Error(err))
		}
	}()
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for !b.Connected() {
		select {
		case <-done:
			return
		case <-deadline.C:
			return
		case <-tick.C:
		}
	}
}

func (a *app) print(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type headerFlags []string

func (h *headerFlags) String() string {
	return strings.Join(*h, ", ")
}

func (h *headerFlags) Set(value string) error {
	name, _, ok := strings.Cut(value, ":")
	if !ok || strings.TrimSpace(name) == "" {
		return errors.New("header must be Name:Value")
	}
	*h = append(*h, value)
	return nil
}

func (h headerFlags) Header() http.Header {
	if len(h) == 0 {
		return nil
	}
	out := http.Header{}
	for _, raw := range h {
		name, value, _ := strings.Cut(raw, ":")
		out.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	return out
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}
