package outbox

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memoryStore struct {
	mu     sync.Mutex
	items  []Operation
	closed bool
	now    func() time.Time
}

// NewMemoryStore returns a process-local store. Records do not survive a restart.
func NewMemoryStore() Store {
	return &memoryStore{now: time.Now}
}

func (s *memoryStore) Enqueue(ctx context.Context, op Operation) error {
	if err := op.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if s.indexLocked(op.ID) >= 0 {
		return ErrDuplicate
	}
	s.items = append(s.items, op.Clone())
	return nil
}

func (s *memoryStore) GetAll(ctx context.Context) ([]Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	out := make([]Operation, 0, len(s.items))
	for _, op := range s.items {
		out = append(out, op.Clone())
	}
	return out, nil
}

func (s *memoryStore) Get(ctx context.Context, id string) (Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Operation{}, ErrStoreClosed
	}
	idx := s.indexLocked(id)
	if idx < 0 {
		return Operation{}, ErrNotFound
	}
	return s.items[idx].Clone(), nil
}

func (s *memoryStore) Update(ctx context.Context, op Operation) error {
	if err := op.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	idx := s.indexLocked(op.ID)
	if idx < 0 {
		return ErrNotFound
	}
	s.items[idx] = op.Clone()
	return nil
}

func (s *memoryStore) Claim(ctx context.Context, id, owner string, until time.Time) (Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Operation{}, ErrStoreClosed
	}
	idx := s.indexLocked(id)
	if idx < 0 {
		return Operation{}, ErrNotFound
	}
	if !s.items[idx].claimable(s.now()) {
		return Operation{}, ErrClaimed
	}
	s.items[idx] = claimed(s.items[idx], owner, until)
	return s.items[idx].Clone(), nil
}

func (s *memoryStore) Remove(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrStoreClosed
	}
	idx := s.indexLocked(id)
	if idx < 0 {
		return false, nil
	}
	s.items = append(s.items[:idx], s.items[idx+1:]...)
	return true, nil
}

func (s *memoryStore) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	return len(s.items), nil
}

func (s *memoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.items = nil
	return nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *memoryStore) indexLocked(id string) int {
	id = strings.TrimSpace(id)
	for i := range s.items {
		if s.items[i].ID == id {
			return i
		}
	}
	return -1
}
