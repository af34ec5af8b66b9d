package outbox

import (
	"sync"
	"time"
)

// SignalType is the closed set of lifecycle messages exchanged between
// contexts.
type SignalType string

const (
	SignalFlushed SignalType = "outbox:flushed"
	SignalFailed  SignalType = "outbox:failed"
	// SignalFlush is inbound only: a request for the background context to replay now.
	SignalFlush SignalType = "outbox:flush"

	// SyncTag labels connectivity-restored notifications that should wake a replay.
	SyncTag = "outbox-sync"

	defaultSubscriberBuffer = 64
)

// Signal is a lifecycle message. ID is empty for SignalFlush.
type Signal struct {
	Type  SignalType `json:"type"`
	ID    string     `json:"id,omitempty"`
	Error string     `json:"error,omitempty"`
	At    time.Time  `json:"at"`
}

func (t SignalType) Valid() bool {
	switch t {
	case SignalFlushed, SignalFailed, SignalFlush:
		return true
	}
	return false
}

// Emitter receives lifecycle signals raised by a replayer.
type Emitter interface {
	Emit(Signal)
}

// Bus fans signals out to subscribers. A subscriber that falls behind loses
// signals instead of blocking the publisher; order is preserved per subscriber.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Signal
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: map[int]chan Signal{}}
}

func (b *Bus) Emit(sig Signal) {
	if b == nil {
		return
	}
	if sig.At.IsZero() {
		sig.At = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- sig:
		default:
		}
	}
}

// Subscribe returns a channel of signals and a cancel func that closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Signal, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan Signal, buffer)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Signal)

func (f EmitterFunc) Emit(sig Signal) {
	if f != nil {
		f(sig)
	}
}

type multiEmitter []Emitter

func (m multiEmitter) Emit(sig Signal) {
	for _, e := range m {
		if e != nil {
			e.Emit(sig)
		}
	}
}

// MultiEmitter forwards every signal to each non-nil emitter in order.
func MultiEmitter(emitters ...Emitter) Emitter {
	return multiEmitter(emitters)
}
