package outbox

import (
	"context"
	"time"
)

// Store is the durable record collection shared by every process that
// enqueues or replays operations. Implementations serialise conflicting
// writers, including writers in other processes.
type Store interface {
	// Enqueue persists op and returns only once the write is durable.
	Enqueue(ctx context.Context, op Operation) error
	// GetAll returns every record in insertion order.
	GetAll(ctx context.Context) ([]Operation, error)
	Get(ctx context.Context, id string) (Operation, error)
	// Update replaces an existing record. It returns ErrNotFound when the
	// record has been removed.
	Update(ctx context.Context, op Operation) error
	// Claim leases the record to owner until the given time. It fails with
	// ErrClaimed while any unexpired lease is held, including one held by
	// the same owner.
	Claim(ctx context.Context, id, owner string, until time.Time) (Operation, error)
	// Remove deletes the record and reports whether it was present.
	Remove(ctx context.Context, id string) (bool, error)
	Count(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
	Close() error
}

// PathStore is implemented by stores backed by a local file that other
// processes may write.
type PathStore interface {
	Path() string
}

func claimed(op Operation, owner string, until time.Time) Operation {
	op.ClaimedBy = owner
	u := until.UTC()
	op.ClaimExpiresAt = &u
	return op
}
