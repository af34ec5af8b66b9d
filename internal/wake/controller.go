// Package wake drives replay from the background daemon. It reacts to
// connectivity-restored notifications and explicit flush requests, and
// defers the next attempt with a single timer instead of polling.
package wake

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/CoePress/coesco-web-sub012/internal/connectivity"
	"github.com/CoePress/coesco-web-sub012/internal/outbox"
)

// MinRearm bounds how soon the timer may fire again, so records leased by
// another process cannot spin the loop.
const MinRearm = time.Second

// Processor runs a replay pass. *outbox.Replayer satisfies it.
type Processor interface {
	ProcessQueue(ctx context.Context, opts outbox.ProcessOptions) (outbox.Summary, error)
}

// RestoredSource publishes connectivity-restored notifications.
// *connectivity.Monitor satisfies it.
type RestoredSource interface {
	Subscribe() (<-chan connectivity.Restored, func())
}

type ControllerOptions struct {
	Store     outbox.Store
	Processor Processor
	Restored  RestoredSource
	// Online gates timer and restored runs. Flush requests always run.
	Online    func() bool
	Logger    *zap.Logger
	Tag       string
	MinRearm  time.Duration
	Now       func() time.Time
	// OnRun observes every finished pass.
	OnRun func(Trigger, outbox.Summary, error)
}

// Trigger names what woke the controller.
type Trigger string

const (
	TriggerRestored Trigger = "restored"
	TriggerFlush    Trigger = "flush"
	TriggerTimer    Trigger = "timer"
	TriggerStartup  Trigger = "startup"
)

type Controller struct {
	store     outbox.Store
	processor Processor
	restored  RestoredSource
	online    func() bool
	logger    *zap.Logger
	tag       string
	minRearm  time.Duration
	now       func() time.Time
	onRun     func(Trigger, outbox.Summary, error)

	installOnce sync.Once
	restoredCh  <-chan connectivity.Restored
	unsubscribe func()
	flushCh     chan struct{}
}

func NewController(opts ControllerOptions) (*Controller, error) {
	if opts.Store == nil {
		return nil, errors.New("wake: store is required")
	}
	if opts.Processor == nil {
		return nil, errors.New("wake: processor is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tag := opts.Tag
	if tag == "" {
		tag = outbox.SyncTag
	}
	minRearm := opts.MinRearm
	if minRearm <= 0 {
		minRearm = MinRearm
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	online := opts.Online
	if online == nil {
		online = func() bool { return true }
	}
	return &Controller{
		store:     opts.Store,
		processor: opts.Processor,
		restored:  opts.Restored,
		online:    online,
		logger:    logger,
		tag:       tag,
		minRearm:  minRearm,
		now:       now,
		onRun:     opts.OnRun,
		flushCh:   make(chan struct{}, 1),
	}, nil
}

// Install registers for restored notifications. Repeated calls are no-ops.
func (c *Controller) Install() {
	c.installOnce.Do(func() {
		if c.restored != nil {
			c.restoredCh, c.unsubscribe = c.restored.Subscribe()
		}
		c.logger.Info("wake controller installed", zap.String("tag", c.tag))
	})
}

// RequestFlush asks for a forced replay. Requests made while one is pending
// collapse into it.
func (c *Controller) RequestFlush() {
	select {
	case c.flushCh <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	c.Install()
	if c.unsubscribe != nil {
		defer c.unsubscribe()
	}

	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	c.runAndArm(ctx, timer, TriggerStartup)
	restored := c.restoredCh
	for {
		select {
		case <-ctx.Done():
			return nil
		case r, ok := <-restored:
			if !ok {
				restored = nil
				continue
			}
			if r.Tag != c.tag {
				continue
			}
			c.runAndArm(ctx, timer, TriggerRestored)
		case <-c.flushCh:
			c.runAndArm(ctx, timer, TriggerFlush)
		case <-timer.C:
			c.runAndArm(ctx, timer, TriggerTimer)
		}
	}
}

func (c *Controller) runAndArm(ctx context.Context, timer *time.Timer, trigger Trigger) {
	if trigger == TriggerFlush || c.online() {
		for {
			summary, err := c.processor.ProcessQueue(ctx, outbox.ProcessOptions{Force: trigger == TriggerFlush})
			if c.onRun != nil {
				c.onRun(trigger, summary, err)
			}
			if err != nil {
				c.logger.Warn("replay pass failed", zap.String("trigger", string(trigger)), zap.Error(err))
				break
			}
			c.logger.Debug("replay pass finished",
				zap.String("trigger", string(trigger)),
				zap.Int("delivered", summary.Delivered),
				zap.Int("retried", summary.Retried),
				zap.Int("failed", summary.Failed),
			)
			if !summary.Remaining || summary.Delivered+summary.Retried+summary.Failed == 0 || ctx.Err() != nil {
				break
			}
		}
	}
	c.arm(ctx, timer)
}

func (c *Controller) arm(ctx context.Context, timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	if ctx.Err() != nil {
		return
	}
	records, err := c.store.GetAll(ctx)
	if err != nil {
		c.logger.Warn("read store for next wake failed", zap.Error(err))
		timer.Reset(c.minRearm)
		return
	}
	next, ok := outbox.NextWake(records)
	if !ok {
		return
	}
	delay := next.Sub(c.now())
	if delay < c.minRearm {
		delay = c.minRearm
	}
	c.logger.Debug("next wake armed", zap.Time("at", next), zap.Duration("delay", delay))
	timer.Reset(delay)
}
