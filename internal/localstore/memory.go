package localstore

import (
	"context"
	"sync"

	"github.com/shavsss/wordstream/internal/syncerr"
)

// MemoryStore keeps values in process memory. Values are copied in and out so
// callers never share buffers with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	values   Record
	closed   bool
	watchers []chan []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: Record{}}
}

func (s *MemoryStore) Get(ctx context.Context, keys ...string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, syncerr.Store("get", syncerr.CodeUnavailable, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, syncerr.Store("get", syncerr.CodeClosed, errClosed)
	}
	out := Record{}
	for _, key := range normalizeKeys(keys) {
		if value, ok := s.values[key]; ok {
			out[key] = append([]byte(nil), value...)
		}
	}
	return out, nil
}

func (s *MemoryStore) Set(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return syncerr.Store("set", syncerr.CodeUnavailable, err)
	}
	if err := validateRecord("set", rec); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return syncerr.Store("set", syncerr.CodeClosed, errClosed)
	}
	changed := make([]string, 0, len(rec))
	for key, value := range rec.clone() {
		s.values[key] = value
		changed = append(changed, key)
	}
	notify(s.watchers, changed)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Remove(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return syncerr.Store("remove", syncerr.CodeUnavailable, err)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return syncerr.Store("remove", syncerr.CodeClosed, errClosed)
	}
	changed := normalizeKeys(keys)
	for _, key := range changed {
		delete(s.values, key)
	}
	notify(s.watchers, changed)
	s.mu.Unlock()
	return nil
}

// Watch reports keys written through this store instance.
func (s *MemoryStore) Watch(ctx context.Context) (<-chan []string, error) {
	ch := make(chan []string, 16)
	s.mu.Lock()
	s.watchers = append(s.watchers, ch)
	s.mu.Unlock()
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, w := range s.watchers {
			if w == ch {
				s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
				close(ch)
				return
			}
		}
	}()
	return ch, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// notify delivers without blocking; a slow watcher misses notifications
// rather than stalling writers. Callers hold the lock guarding watchers.
func notify(watchers []chan []string, keys []string) {
	if len(keys) == 0 {
		return
	}
	for _, ch := range watchers {
		select {
		case ch <- append([]string(nil), keys...):
		default:
		}
	}
}
