package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultBatchSize = 10
	DefaultLeaseTTL  = 2 * time.Minute
)

type ReplayerOptions struct {
	Store   Store
	Sender  Sender
	Emitter Emitter
	Logger  *zap.Logger
	Backoff Backoff
	// BatchSize caps deliveries per run; zero means DefaultBatchSize and a
	// negative value means unlimited.
	BatchSize int
	// Owner prefixes this replayer's lease owner. A unique suffix is always
	// appended, so processes sharing a prefix still hold distinct leases.
	Owner         string
	LeaseTTL      time.Duration
	MeterProvider metric.MeterProvider
	Now           func() time.Time
}

type ProcessOptions struct {
	// Force ignores NextAttemptAt for pending records.
	Force bool
}

// Summary describes one replay run.
type Summary struct {
	Delivered int `json:"delivered"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	// Skipped counts records leased by another replayer or removed mid-run.
	Skipped int `json:"skipped"`
	// Deferred counts records not yet due, plus the one held back when the
	// circuit breaker refused delivery and ended the run.
	Deferred int `json:"deferred"`
	// Remaining is true when the batch limit stopped the run early.
	Remaining bool `json:"remaining"`
}

// Replayer drains the store in insertion order, one delivery at a time.
// Concurrent unforced ProcessQueue calls on one Replayer share a single run
// and a forced call waits behind whichever run is active. Separate replayers
// over the same store are kept apart by record leases.
type Replayer struct {
	store     Store
	sender    Sender
	emitter   Emitter
	logger    *zap.Logger
	backoff   Backoff
	batchSize int
	owner     string
	leaseTTL  time.Duration
	now       func() time.Time
	metrics   replayerMetrics
	group     singleflight.Group
	running   sync.Mutex
}

func NewReplayer(opts ReplayerOptions) (*Replayer, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidInput)
	}
	if opts.Sender == nil {
		return nil, fmt.Errorf("%w: sender is required", ErrInvalidInput)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	emitter := opts.Emitter
	if emitter == nil {
		emitter = EmitterFunc(nil)
	}
	batchSize := opts.BatchSize
	if batchSize == 0 {
		batchSize = DefaultBatchSize
	}
	prefix := strings.TrimSpace(opts.Owner)
	if prefix == "" {
		prefix = "replayer"
	}
	owner := prefix + "-" + NewIdempotencyKey()
	leaseTTL := opts.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = DefaultLeaseTTL
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	backoff := opts.Backoff
	if backoff.isZero() {
		backoff = DefaultBackoff()
	}
	metrics, err := newReplayerMetrics(opts.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init replayer metrics: %w", err)
	}
	return &Replayer{
		store:     opts.Store,
		sender:    opts.Sender,
		emitter:   emitter,
		logger:    logger,
		backoff:   backoff,
		batchSize: batchSize,
		owner:     owner,
		leaseTTL:  leaseTTL,
		now:       now,
		metrics:   metrics,
	}, nil
}

func (r *Replayer) Owner() string {
	return r.owner
}

// ProcessQueue replays due records. Per-record failures are absorbed into
// the record; only a failure to read the store is returned.
func (r *Replayer) ProcessQueue(ctx context.Context, opts ProcessOptions) (Summary, error) {
	key := "due"
	if opts.Force {
		key = "force"
	}
	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		r.running.Lock()
		defer r.running.Unlock()
		return r.process(ctx, opts)
	})
	summary, _ := v.(Summary)
	return summary, err
}

func (r *Replayer) process(ctx context.Context, opts ProcessOptions) (Summary, error) {
	started := r.now()
	defer func() {
		r.metrics.replayDuration.Record(ctx, time.Since(started).Seconds(),
			metric.WithAttributes(attribute.Bool("force", opts.Force)))
	}()

	var summary Summary
	records, err := r.store.GetAll(ctx)
	if err != nil {
		return summary, fmt.Errorf("read queue: %w", err)
	}
	attempted := 0
	for _, record := range records {
		if ctx.Err() != nil {
			break
		}
		if record.Terminal() {
			continue
		}
		now := r.now()
		if !opts.Force && !record.Due(now) {
			summary.Deferred++
			continue
		}
		if r.batchSize > 0 && attempted >= r.batchSize {
			summary.Remaining = true
			break
		}
		op, err := r.store.Claim(ctx, record.ID, r.owner, now.Add(r.leaseTTL))
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrClaimed) {
			summary.Skipped++
			continue
		}
		if err != nil {
			r.logger.Warn("claim failed", zap.String("operation_id", record.ID), zap.Error(err))
			summary.Skipped++
			continue
		}
		if op.Terminal() || (!opts.Force && !op.Due(now)) {
			// another replayer finished with it between our read and the claim
			r.release(ctx, op)
			summary.Skipped++
			continue
		}
		attempted++
		if !r.deliver(ctx, op, &summary) {
			summary.Deferred++
			break
		}
	}
	return summary, nil
}

// deliver makes one attempt and records its outcome. It returns false when
// the sender refused to try, leaving the record and its attempts untouched.
func (r *Replayer) deliver(ctx context.Context, op Operation, summary *Summary) bool {
	log := r.logger.With(
		zap.String("operation_id", op.ID),
		zap.String("method", op.Method),
		zap.String("url", op.URL),
		zap.Int("attempt", op.Attempts+1),
		zap.Int("max_attempts", op.MaxAttempts),
	)
	_, sendErr := r.sender.Send(ctx, op.Call())
	if sendErr == nil {
		if _, err := r.store.Remove(ctx, op.ID); err != nil {
			// the next run redelivers under the same key and signals then
			log.Error("remove after delivery failed", zap.Error(err))
			r.release(context.WithoutCancel(ctx), op)
			summary.Skipped++
			return true
		}
		summary.Delivered++
		r.metrics.flushed.Add(ctx, 1)
		log.Info("operation flushed")
		r.emitter.Emit(Signal{Type: SignalFlushed, ID: op.ID, At: r.now().UTC()})
		return true
	}
	if ctx.Err() != nil {
		r.release(context.WithoutCancel(ctx), op)
		return true
	}
	if errors.Is(sendErr, ErrCircuitOpen) {
		log.Info("delivery paused, circuit open", zap.Error(sendErr))
		r.release(ctx, op)
		return false
	}

	now := r.now().UTC()
	op.Attempts++
	op.LastError = sendErr.Error()
	op = op.withoutClaim()
	permanent := IsPermanent(sendErr)
	if permanent || op.Attempts >= op.MaxAttempts {
		op.Status = StatusFailed
		op.FailedAt = &now
		if err := r.store.Update(ctx, op); err != nil {
			if errors.Is(err, ErrNotFound) {
				summary.Skipped++
				return true
			}
			log.Error("persist failed record", zap.Error(err))
		}
		summary.Failed++
		r.metrics.failed.Add(ctx, 1, metric.WithAttributes(attribute.Bool("permanent", permanent)))
		log.Warn("operation failed", zap.Bool("permanent", permanent), zap.Error(sendErr))
		r.emitter.Emit(Signal{Type: SignalFailed, ID: op.ID, Error: op.LastError, At: now})
		return true
	}

	op.NextAttemptAt = r.backoff.Next(now, op.Attempts)
	if err := r.store.Update(ctx, op); err != nil {
		if errors.Is(err, ErrNotFound) {
			summary.Skipped++
			return true
		}
		log.Error("reschedule failed", zap.Error(err))
	}
	summary.Retried++
	r.metrics.retried.Add(ctx, 1)
	log.Info("operation rescheduled", zap.Time("next_attempt_at", op.NextAttemptAt), zap.Error(sendErr))
	return true
}

func (r *Replayer) release(ctx context.Context, op Operation) {
	if op.ClaimedBy != r.owner {
		return
	}
	if err := r.store.Update(ctx, op.withoutClaim()); err != nil && !errors.Is(err, ErrNotFound) {
		r.logger.Warn("release lease failed", zap.String("operation_id", op.ID), zap.Error(err))
	}
}

// Retry makes a record due immediately. A failed record is returned to
// pending with its attempt count reset.
func (r *Replayer) Retry(ctx context.Context, id string) (Operation, error) {
	op, err := r.store.Get(ctx, id)
	if err != nil {
		return Operation{}, err
	}
	now := r.now().UTC()
	if op.Terminal() || op.Attempts >= op.MaxAttempts {
		op.Attempts = 0
	}
	op.Status = StatusPending
	op.FailedAt = nil
	op.NextAttemptAt = now
	op = op.withoutClaim()
	if err := r.store.Update(ctx, op); err != nil {
		return Operation{}, err
	}
	r.logger.Info("operation retry requested", zap.String("operation_id", op.ID))
	return op, nil
}

// NextWake returns the earliest NextAttemptAt among pending records.
func NextWake(records []Operation) (time.Time, bool) {
	var (
		earliest time.Time
		found    bool
	)
	for _, op := range records {
		if op.Terminal() {
			continue
		}
		if !found || op.NextAttemptAt.Before(earliest) {
			earliest = op.NextAttemptAt
			found = true
		}
	}
	return earliest, found
}
