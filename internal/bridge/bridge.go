// Package bridge mirrors outbox state for a foreground process. It counts
// lifecycle signals from whichever context performed the replay and re-reads
// the store after each one.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/CoePress/coesco-web-sub012/internal/outbox"
)

var ErrAlreadyMounted = errors.New("bridge already mounted")

// Stats are session counters. Queued is read from the store; Flushed and
// Failed count signals seen since Mount.
type Stats struct {
	Queued  int `json:"queued"`
	Flushed int `json:"flushed"`
	Failed  int `json:"failed"`
}

// SignalSource is an in-process signal feed such as *outbox.Bus.
type SignalSource interface {
	Subscribe(buffer int) (<-chan outbox.Signal, func())
}

// Processor runs a local replay pass.
type Processor interface {
	ProcessQueue(ctx context.Context, opts outbox.ProcessOptions) (outbox.Summary, error)
}

type Options struct {
	Store     outbox.Store
	Signals   SignalSource
	Processor Processor
	Logger    *zap.Logger
	// OnSignal observes every signal after counters are updated.
	OnSignal func(outbox.Signal)
	// OnChange observes stats after every store re-read.
	OnChange func(Stats)
}

type Bridge struct {
	store     outbox.Store
	signals   SignalSource
	processor Processor
	logger    *zap.Logger
	onSignal  func(outbox.Signal)
	onChange  func(Stats)

	intake  chan outbox.Signal
	refresh chan struct{}

	mu      sync.RWMutex
	mounted bool
	stats   Stats
	items   []outbox.Operation
	remote  remoteConn
}

func New(opts Options) (*Bridge, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: store is required", outbox.ErrInvalidInput)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		store:     opts.Store,
		signals:   opts.Signals,
		processor: opts.Processor,
		logger:    logger,
		onSignal:  opts.OnSignal,
		onChange:  opts.OnChange,
		intake:    make(chan outbox.Signal, 64),
		refresh:   make(chan struct{}, 1),
	}, nil
}

// Mount loads the authoritative queue state and starts consuming signals
// until ctx is done.
func (b *Bridge) Mount(ctx context.Context) error {
	b.mu.Lock()
	if b.mounted {
		b.mu.Unlock()
		return ErrAlreadyMounted
	}
	b.mounted = true
	b.mu.Unlock()

	if err := b.reload(ctx); err != nil {
		b.mu.Lock()
		b.mounted = false
		b.mu.Unlock()
		return err
	}

	var (
		local   <-chan outbox.Signal
		release = func() {}
	)
	if b.signals != nil {
		local, release = b.signals.Subscribe(64)
	}
	go func() {
		defer release()
		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-local:
				if !ok {
					local = nil
					continue
				}
				b.handle(ctx, sig)
			case sig := <-b.intake:
				b.handle(ctx, sig)
			case <-b.refresh:
				if err := b.reload(ctx); err != nil && ctx.Err() == nil {
					b.logger.Warn("bridge reload failed", zap.Error(err))
				}
			}
		}
	}()
	return nil
}

func (b *Bridge) handle(ctx context.Context, sig outbox.Signal) {
	b.mu.Lock()
	switch sig.Type {
	case outbox.SignalFlushed:
		b.stats.Flushed++
	case outbox.SignalFailed:
		b.stats.Failed++
	default:
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	if b.onSignal != nil {
		b.onSignal(sig)
	}
	if err := b.reload(ctx); err != nil && ctx.Err() == nil {
		b.logger.Warn("bridge reload failed", zap.String("signal", string(sig.Type)), zap.Error(err))
	}
}

// deliver hands an externally received signal to the mount loop.
func (b *Bridge) deliver(ctx context.Context, sig outbox.Signal) {
	select {
	case b.intake <- sig:
	case <-ctx.Done():
	}
}

// requestReload schedules a store re-read. Pending requests collapse.
func (b *Bridge) requestReload() {
	select {
	case b.refresh <- struct{}{}:
	default:
	}
}

func (b *Bridge) reload(ctx context.Context) error {
	items, err := b.store.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("read outbox: %w", err)
	}
	b.mu.Lock()
	b.items = items
	b.stats.Queued = len(items)
	stats := b.stats
	b.mu.Unlock()
	if b.onChange != nil {
		b.onChange(stats)
	}
	return nil
}

func (b *Bridge) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stats
}

// QueuedItems returns the records seen at the last re-read.
func (b *Bridge) QueuedItems() []outbox.Operation {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]outbox.Operation, 0, len(b.items))
	for _, op := range b.items {
		out = append(out, op.Clone())
	}
	return out
}

// ClearQueue removes every record. This discards pending writes.
func (b *Bridge) ClearQueue(ctx context.Context) error {
	if err := b.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear outbox: %w", err)
	}
	b.logger.Warn("outbox cleared by operator")
	return b.reload(ctx)
}

// ForceReplay asks the daemon to flush when a remote connection is up and
// otherwise replays locally with Force set. It reports whether the request
// went to the daemon.
func (b *Bridge) ForceReplay(ctx context.Context) (bool, error) {
	b.mu.RLock()
	remote := b.remote
	b.mu.RUnlock()
	if remote != nil {
		err := remote.sendFlush(ctx)
		if err == nil {
			return true, nil
		}
		b.logger.Warn("remote flush failed, replaying locally", zap.Error(err))
	}
	if b.processor == nil {
		return false, fmt.Errorf("%w: no daemon connection and no local replayer", outbox.ErrInvalidInput)
	}
	summary, err := b.processor.ProcessQueue(ctx, outbox.ProcessOptions{Force: true})
	if err != nil {
		return false, err
	}
	b.logger.Info("local replay finished",
		zap.Int("delivered", summary.Delivered),
		zap.Int("retried", summary.Retried),
		zap.Int("failed", summary.Failed),
	)
	return false, b.reload(ctx)
}

// Connected reports whether a daemon connection is open.
func (b *Bridge) Connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.remote != nil
}

func (b *Bridge) setRemote(conn remoteConn) {
	b.mu.Lock()
	b.remote = conn
	b.mu.Unlock()
}
