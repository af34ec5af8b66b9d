// Package connectivity decides whether mutating calls go to the network or
// the outbox, and raises a notification when connectivity returns.
package connectivity

import (
	"time"

	"github.com/CoePress/coesco-web-sub012/internal/outbox"
)

// Status is a snapshot of the connection as last observed.
type Status struct {
	Online    bool          `json:"online"`
	Degraded  bool          `json:"degraded"`
	Latency   time.Duration `json:"latencyNs"`
	Reason    string        `json:"reason,omitempty"`
	CheckedAt time.Time     `json:"checkedAt"`
}

// StatusSource reports the current status without performing I/O.
type StatusSource interface {
	Status() Status
}

// Policy implements outbox.QueuePolicy over a StatusSource.
type Policy struct {
	source StatusSource
}

var _ outbox.QueuePolicy = (*Policy)(nil)

func NewPolicy(source StatusSource) *Policy {
	return &Policy{source: source}
}

// ShouldQueue reports whether a call with method must be stored instead of
// sent. Reads are never queued.
func (p *Policy) ShouldQueue(method string) bool {
	if outbox.IsReadMethod(method) {
		return false
	}
	if p == nil || p.source == nil {
		return false
	}
	status := p.source.Status()
	if !status.Online {
		return true
	}
	return status.Degraded
}

// StaticSource is a fixed StatusSource.
type StaticSource Status

func (s StaticSource) Status() Status {
	return Status(s)
}
