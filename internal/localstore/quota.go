package localstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/shavsss/wordstream/internal/syncerr"
)

const (
	DefaultMaxItemBytes  = 8 * 1024
	DefaultMaxTotalBytes = 100 * 1024
)

// Quota bounds the bytes a store accepts. Zero disables a limit.
type Quota struct {
	MaxItemBytes  int
	MaxTotalBytes int
}

func DefaultQuota() Quota {
	return Quota{MaxItemBytes: DefaultMaxItemBytes, MaxTotalBytes: DefaultMaxTotalBytes}
}

// QuotaStore enforces a Quota in front of another Store. Total usage is
// tracked for keys this wrapper has read or written.
type QuotaStore struct {
	Store
	quota Quota

	mu    sync.Mutex
	sizes map[string]int
}

func WithQuota(store Store, quota Quota) *QuotaStore {
	return &QuotaStore{Store: store, quota: quota, sizes: map[string]int{}}
}

func (s *QuotaStore) Get(ctx context.Context, keys ...string) (Record, error) {
	rec, err := s.Store.Get(ctx, keys...)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	for _, key := range normalizeKeys(keys) {
		if value, ok := rec[key]; ok {
			s.sizes[key] = len(key) + len(value)
		} else {
			delete(s.sizes, key)
		}
	}
	s.mu.Unlock()
	return rec, nil
}

func (s *QuotaStore) Set(ctx context.Context, rec Record) error {
	s.mu.Lock()
	total := 0
	for key, size := range s.sizes {
		if _, replaced := rec[key]; !replaced {
			total += size
		}
	}
	for key, value := range rec {
		size := len(key) + len(value)
		if s.quota.MaxItemBytes > 0 && size > s.quota.MaxItemBytes {
			s.mu.Unlock()
			return syncerr.Store("set", syncerr.CodeQuotaExceeded,
				fmt.Errorf("item %s is %d bytes, limit %d", key, size, s.quota.MaxItemBytes))
		}
		total += size
	}
	if s.quota.MaxTotalBytes > 0 && total > s.quota.MaxTotalBytes {
		s.mu.Unlock()
		return syncerr.Store("set", syncerr.CodeQuotaExceeded,
			fmt.Errorf("total %d bytes exceeds limit %d", total, s.quota.MaxTotalBytes))
	}
	s.mu.Unlock()

	if err := s.Store.Set(ctx, rec); err != nil {
		return err
	}
	s.mu.Lock()
	for key, value := range rec {
		s.sizes[key] = len(key) + len(value)
	}
	s.mu.Unlock()
	return nil
}

func (s *QuotaStore) Remove(ctx context.Context, keys ...string) error {
	if err := s.Store.Remove(ctx, keys...); err != nil {
		return err
	}
	s.mu.Lock()
	for _, key := range normalizeKeys(keys) {
		delete(s.sizes, key)
	}
	s.mu.Unlock()
	return nil
}

// Watch forwards to the wrapped store when it supports watching.
func (s *QuotaStore) Watch(ctx context.Context) (<-chan []string, error) {
	watcher, ok := s.Store.(Watcher)
	if !ok {
		return nil, ErrNotImplemented
	}
	return watcher.Watch(ctx)
}

// Update forwards to the wrapped store, enforcing the quota on the writes fn
// makes inside the transaction.
func (s *QuotaStore) Update(ctx context.Context, fn func(tx Store) error) error {
	updater, ok := s.Store.(Updater)
	if !ok {
		return ErrNotImplemented
	}
	var view *QuotaStore
	err := updater.Update(ctx, func(tx Store) error {
		s.mu.Lock()
		sizes := make(map[string]int, len(s.sizes))
		for key, size := range s.sizes {
			sizes[key] = size
		}
		s.mu.Unlock()
		view = &QuotaStore{Store: tx, quota: s.quota, sizes: sizes}
		return fn(view)
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sizes = view.sizes
	s.mu.Unlock()
	return nil
}
