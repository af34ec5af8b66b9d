package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const fileStorePollInterval = 10 * time.Millisecond

type fileStore struct {
	path         string
	lockPath     string
	pollInterval time.Duration
	now          func() time.Time

	mu     sync.Mutex
	closed bool
}

type fileStoreState struct {
	Items []json.RawMessage `json:"items"`
}

// NewFileStore returns a store kept as a single JSON document at path. Every
// call reloads the document under an advisory lock on path+".lock", so several
// processes may share the file.
func NewFileStore(path string) (Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	s := &fileStore{
		path:         path,
		lockPath:     path + ".lock",
		pollInterval: fileStorePollInterval,
		now:          time.Now,
	}
	if err := s.withLock(context.Background(), false, func(items []Operation) ([]Operation, bool, error) {
		return items, false, nil
	}); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileStore) Path() string {
	return s.path
}

func (s *fileStore) Enqueue(ctx context.Context, op Operation) error {
	if err := op.Validate(); err != nil {
		return err
	}
	return s.withLock(ctx, true, func(items []Operation) ([]Operation, bool, error) {
		if indexOf(items, op.ID) >= 0 {
			return nil, false, ErrDuplicate
		}
		return append(items, op.Clone()), true, nil
	})
}

func (s *fileStore) GetAll(ctx context.Context) ([]Operation, error) {
	var out []Operation
	err := s.withLock(ctx, false, func(items []Operation) ([]Operation, bool, error) {
		out = items
		return items, false, nil
	})
	if out == nil && err == nil {
		out = []Operation{}
	}
	return out, err
}

func (s *fileStore) Get(ctx context.Context, id string) (Operation, error) {
	var out Operation
	err := s.withLock(ctx, false, func(items []Operation) ([]Operation, bool, error) {
		idx := indexOf(items, id)
		if idx < 0 {
			return nil, false, ErrNotFound
		}
		out = items[idx]
		return items, false, nil
	})
	return out, err
}

func (s *fileStore) Update(ctx context.Context, op Operation) error {
	if err := op.Validate(); err != nil {
		return err
	}
	return s.withLock(ctx, true, func(items []Operation) ([]Operation, bool, error) {
		idx := indexOf(items, op.ID)
		if idx < 0 {
			return nil, false, ErrNotFound
		}
		items[idx] = op.Clone()
		return items, true, nil
	})
}

func (s *fileStore) Claim(ctx context.Context, id, owner string, until time.Time) (Operation, error) {
	var out Operation
	err := s.withLock(ctx, true, func(items []Operation) ([]Operation, bool, error) {
		idx := indexOf(items, id)
		if idx < 0 {
			return nil, false, ErrNotFound
		}
		if !items[idx].claimable(s.now()) {
			return nil, false, ErrClaimed
		}
		items[idx] = claimed(items[idx], owner, until)
		out = items[idx].Clone()
		return items, true, nil
	})
	return out, err
}

func (s *fileStore) Remove(ctx context.Context, id string) (bool, error) {
	removed := false
	err := s.withLock(ctx, true, func(items []Operation) ([]Operation, bool, error) {
		idx := indexOf(items, id)
		if idx < 0 {
			return items, false, nil
		}
		removed = true
		return append(items[:idx], items[idx+1:]...), true, nil
	})
	return removed, err
}

func (s *fileStore) Count(ctx context.Context) (int, error) {
	count := 0
	err := s.withLock(ctx, false, func(items []Operation) ([]Operation, bool, error) {
		count = len(items)
		return items, false, nil
	})
	return count, err
}

func (s *fileStore) Clear(ctx context.Context) error {
	return s.withLock(ctx, true, func(items []Operation) ([]Operation, bool, error) {
		return []Operation{}, true, nil
	})
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// withLock loads the snapshot under the file lock, applies fn and saves the
// result when fn reports a change.
func (s *fileStore) withLock(ctx context.Context, exclusive bool, fn func([]Operation) ([]Operation, bool, error)) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	lock, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer lock.Close()
	for {
		ok, lockErr := tryLockFile(lock, exclusive)
		if lockErr != nil {
			return fmt.Errorf("lock %s: %w", s.lockPath, lockErr)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.pollInterval):
		}
	}
	defer func() { _ = unlockFile(lock) }()

	items, err := s.load()
	if err != nil {
		return err
	}
	next, dirty, err := fn(items)
	if err != nil || !dirty {
		return err
	}
	return s.save(next)
}

func (s *fileStore) load() ([]Operation, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Operation{}, nil
		}
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return []Operation{}, nil
	}
	var snapshot fileStoreState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.path, err)
	}
	items := make([]Operation, 0, len(snapshot.Items))
	for i, raw := range snapshot.Items {
		op, err := DecodeOperation(raw)
		if err != nil {
			return nil, fmt.Errorf("decode %s item %d: %w", s.path, i, err)
		}
		items = append(items, op)
	}
	return items, nil
}

func (s *fileStore) save(items []Operation) error {
	snapshot := fileStoreState{Items: make([]json.RawMessage, 0, len(items))}
	for _, op := range items {
		raw, err := EncodeOperation(op)
		if err != nil {
			return err
		}
		snapshot.Items = append(snapshot.Items, raw)
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func indexOf(items []Operation, id string) int {
	id = strings.TrimSpace(id)
	for i := range items {
		if items[i].ID == id {
			return i
		}
	}
	return -1
}
