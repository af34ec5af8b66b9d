package wake

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CoePress/coesco-web-sub012/internal/connectivity"
	"github.com/CoePress/coesco-web-sub012/internal/outbox"
)

type fakeProcessor struct {
	mu    sync.Mutex
	calls []outbox.ProcessOptions
	fn    func(outbox.ProcessOptions) (outbox.Summary, error)
}

func (p *fakeProcessor) ProcessQueue(_ context.Context, opts outbox.ProcessOptions) (outbox.Summary, error) {
	p.mu.Lock()
	p.calls = append(p.calls, opts)
	p.mu.Unlock()
	if p.fn != nil {
		return p.fn(opts)
	}
	return outbox.Summary{}, nil
}

type countingSource struct {
	*connectivity.Monitor
	subscribes atomic.Int64
}

func (s *countingSource) Subscribe() (<-chan connectivity.Restored, func()) {
	s.subscribes.Add(1)
	return s.Monitor.Subscribe()
}

type runEvent struct {
	trigger Trigger
	summary outbox.Summary
}

func startController(t *testing.T, opts ControllerOptions) (*Controller, <-chan runEvent) {
	t.Helper()
	events := make(chan runEvent, 32)
	opts.OnRun = func(trigger Trigger, summary outbox.Summary, _ error) {
		events <- runEvent{trigger: trigger, summary: summary}
	}
	c, err := NewController(opts)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	c.Install()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c, events
}

func waitTrigger(t *testing.T, events <-chan runEvent, want Trigger) runEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.trigger == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("expected a %s run", want)
		}
	}
}

func TestInstallIsIdempotent(t *testing.T) {
	source := &countingSource{Monitor: connectivity.NewMonitor(connectivity.MonitorOptions{})}
	c, err := NewController(ControllerOptions{Store: outbox.NewMemoryStore(), Processor: &fakeProcessor{}, Restored: source})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	c.Install()
	c.Install()
	c.Install()
	if got := source.subscribes.Load(); got != 1 {
		t.Fatalf("expected one subscription, got %d", got)
	}
}

func TestRestoredTriggersReplay(t *testing.T) {
	monitor := connectivity.NewMonitor(connectivity.MonitorOptions{})
	processor := &fakeProcessor{}
	_, events := startController(t, ControllerOptions{
		Store:     outbox.NewMemoryStore(),
		Processor: processor,
		Restored:  monitor,
		Online:    func() bool { return monitor.Status().Online },
	})

	monitor.SetOnline(true)
	waitTrigger(t, events, TriggerRestored)

	processor.mu.Lock()
	defer processor.mu.Unlock()
	if len(processor.calls) != 1 || processor.calls[0].Force {
		t.Fatalf("expected a single unforced replay after restore, got %+v", processor.calls)
	}
}

func TestFlushRequestForcesReplayEvenOffline(t *testing.T) {
	processor := &fakeProcessor{}
	c, events := startController(t, ControllerOptions{
		Store:     outbox.NewMemoryStore(),
		Processor: processor,
		Online:    func() bool { return false },
	})
	c.RequestFlush()
	waitTrigger(t, events, TriggerFlush)

	processor.mu.Lock()
	defer processor.mu.Unlock()
	if len(processor.calls) != 1 || !processor.calls[0].Force {
		t.Fatalf("expected exactly one forced replay, got %+v", processor.calls)
	}
}

func TestTimerFiresAtEarliestNextAttempt(t *testing.T) {
	store := outbox.NewMemoryStore()
	now := time.Now().UTC()
	op, err := outbox.NewOperation(outbox.NewOperationRequest{
		Method: "POST",
		URL:    "/orders",
		Body:   json.RawMessage(`{}`),
	}, now)
	if err != nil {
		t.Fatalf("new operation: %v", err)
	}
	op.NextAttemptAt = now.Add(80 * time.Millisecond)
	if err := store.Enqueue(context.Background(), op); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	processor := &fakeProcessor{}
	processor.fn = func(outbox.ProcessOptions) (outbox.Summary, error) {
		if !time.Now().Before(op.NextAttemptAt) {
			_, _ = store.Remove(context.Background(), op.ID)
			return outbox.Summary{Delivered: 1}, nil
		}
		return outbox.Summary{Deferred: 1}, nil
	}
	_, events := startController(t, ControllerOptions{
		Store:     store,
		Processor: processor,
		MinRearm:  10 * time.Millisecond,
	})
	waitTrigger(t, events, TriggerStartup)
	started := time.Now()
	ev := waitTrigger(t, events, TriggerTimer)
	if ev.summary.Delivered != 1 {
		t.Fatalf("expected timer run to deliver the due record, got %+v", ev.summary)
	}
	if time.Since(started) < 40*time.Millisecond {
		t.Fatalf("expected timer to wait for the backoff, fired after %s", time.Since(started))
	}

	select {
	case ev := <-events:
		t.Fatalf("expected no further wake with an empty store, got %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRemainingBatchesRunBackToBack(t *testing.T) {
	var passes atomic.Int64
	processor := &fakeProcessor{fn: func(outbox.ProcessOptions) (outbox.Summary, error) {
		if passes.Add(1) < 3 {
			return outbox.Summary{Delivered: 10, Remaining: true}, nil
		}
		return outbox.Summary{Delivered: 4}, nil
	}}
	_, events := startController(t, ControllerOptions{Store: outbox.NewMemoryStore(), Processor: processor})
	waitTrigger(t, events, TriggerStartup)
	waitTrigger(t, events, TriggerStartup)
	waitTrigger(t, events, TriggerStartup)
	if got := passes.Load(); got != 3 {
		t.Fatalf("expected three passes to drain the backlog, got %d", got)
	}
}

func TestNewControllerRequiresStoreAndProcessor(t *testing.T) {
	if _, err := NewController(ControllerOptions{Processor: &fakeProcessor{}}); err == nil {
		t.Fatalf("expected error without store")
	}
	if _, err := NewController(ControllerOptions{Store: outbox.NewMemoryStore()}); err == nil {
		t.Fatalf("expected error without processor")
	}
}
