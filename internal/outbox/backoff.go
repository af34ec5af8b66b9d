package outbox

import (
	"math"
	"math/rand/v2"
	"time"
)

const (
	DefaultBaseDelay = 2 * time.Second
	DefaultMaxDelay  = 60 * time.Second
	DefaultJitter    = time.Second

	maxBackoffShift = 62
)

// Backoff computes retry delays as min(Base*2^attempts, Max) plus a uniform
// jitter in [0, Jitter).
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter time.Duration
	// Int64N draws the jitter; nil uses math/rand/v2.
	Int64N func(n int64) int64
}

// DefaultBackoff returns the 2s/60s/1s schedule.
func DefaultBackoff() Backoff {
	return Backoff{Base: DefaultBaseDelay, Max: DefaultMaxDelay, Jitter: DefaultJitter}
}

// Exponential is the deterministic, capped component of Delay.
func (b Backoff) Exponential(attempts int) time.Duration {
	b = b.normalized()
	if attempts < 0 {
		attempts = 0
	} else if attempts > maxBackoffShift {
		attempts = maxBackoffShift
	}
	multiplier := int64(1) << attempts
	base := int64(b.Base)
	if base > math.MaxInt64/multiplier {
		return b.Max
	}
	delay := time.Duration(base * multiplier)
	if delay > b.Max {
		return b.Max
	}
	return delay
}

// Delay returns the wait before the next attempt after attempts failures.
func (b Backoff) Delay(attempts int) time.Duration {
	b = b.normalized()
	delay := b.Exponential(attempts)
	if b.Jitter <= 0 {
		return delay
	}
	draw := b.Int64N
	if draw == nil {
		draw = rand.Int64N
	}
	j := draw(int64(b.Jitter))
	if j < 0 || j >= int64(b.Jitter) {
		j = 0
	}
	return delay + time.Duration(j)
}

// Next returns the earliest time a record that has failed attempts times may be retried.
func (b Backoff) Next(now time.Time, attempts int) time.Time {
	return now.Add(b.Delay(attempts))
}

func (b Backoff) isZero() bool {
	return b.Base == 0 && b.Max == 0 && b.Jitter == 0 && b.Int64N == nil
}

func (b Backoff) normalized() Backoff {
	if b.Base <= 0 {
		b.Base = DefaultBaseDelay
	}
	if b.Max <= 0 {
		b.Max = DefaultMaxDelay
	}
	if b.Max < b.Base {
		b.Max = b.Base
	}
	if b.Jitter < 0 {
		b.Jitter = 0
	}
	return b
}

// CalculateBackoff returns the default schedule's delay in milliseconds.
func CalculateBackoff(attempts int) int64 {
	return DefaultBackoff().Delay(attempts).Milliseconds()
}
