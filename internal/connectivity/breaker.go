package connectivity

import (
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/CoePress/coesco-web-sub012/internal/outbox"
)

const (
	DefaultBreakerFailures = 5
	DefaultBreakerTimeout  = 30 * time.Second
)

type BreakerOptions struct {
	Name string
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32
	// Timeout is how long the breaker stays open before a trial request.
	Timeout time.Duration
	Logger  *zap.Logger
}

// NewBreaker returns a delivery circuit breaker that marks monitor degraded
// while open. Permanent client errors count as successes: the server answered.
func NewBreaker(monitor *Monitor, opts BreakerOptions) *gobreaker.CircuitBreaker {
	name := opts.Name
	if name == "" {
		name = "outbox-delivery"
	}
	failures := opts.ConsecutiveFailures
	if failures == 0 {
		failures = DefaultBreakerFailures
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultBreakerTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || outbox.IsPermanent(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("delivery breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if monitor != nil {
				monitor.SetBreakerOpen(to == gobreaker.StateOpen)
			}
		},
	})
}
