package localstore

import (
	"context"
	"errors"

	"github.com/shavsss/wordstream/internal/syncerr"
)

// Updater is implemented by backends that can run a read-modify-write cycle
// that no other writer interleaves with. fn reads and writes through tx;
// its writes are applied together when it returns nil and discarded
// otherwise. fn may run more than once when the backend detects a conflict.
type Updater interface {
	Update(ctx context.Context, fn func(tx Store) error) error
}

const maxUpdateAttempts = 32

var errTxDone = errors.New("transaction finished")

// txn buffers writes over a read function. Reads see the transaction's own
// writes first.
type txn struct {
	read    func(ctx context.Context, keys []string) (Record, error)
	writes  Record
	removes map[string]struct{}
	done    bool
}

func newTxn(read func(ctx context.Context, keys []string) (Record, error)) *txn {
	return &txn{read: read, writes: Record{}, removes: map[string]struct{}{}}
}

func (t *txn) Get(ctx context.Context, keys ...string) (Record, error) {
	if t.done {
		return nil, errTxDone
	}
	out := Record{}
	var pending []string
	for _, key := range normalizeKeys(keys) {
		if value, ok := t.writes[key]; ok {
			out[key] = append([]byte(nil), value...)
			continue
		}
		if _, gone := t.removes[key]; gone {
			continue
		}
		pending = append(pending, key)
	}
	if len(pending) == 0 {
		return out, nil
	}
	rec, err := t.read(ctx, pending)
	if err != nil {
		return nil, err
	}
	for key, value := range rec {
		out[key] = value
	}
	return out, nil
}

func (t *txn) Set(_ context.Context, rec Record) error {
	if t.done {
		return errTxDone
	}
	if err := validateRecord("set", rec); err != nil {
		return err
	}
	for key, value := range rec.clone() {
		t.writes[key] = value
		delete(t.removes, key)
	}
	return nil
}

func (t *txn) Remove(_ context.Context, keys ...string) error {
	if t.done {
		return errTxDone
	}
	for _, key := range normalizeKeys(keys) {
		delete(t.writes, key)
		t.removes[key] = struct{}{}
	}
	return nil
}

func (t *txn) Close() error {
	return nil
}

// changed lists every key the transaction wrote or removed.
func (t *txn) changed() []string {
	keys := make([]string, 0, len(t.writes)+len(t.removes))
	for key := range t.writes {
		keys = append(keys, key)
	}
	for key := range t.removes {
		keys = append(keys, key)
	}
	return keys
}

func (t *txn) removed() []string {
	keys := make([]string, 0, len(t.removes))
	for key := range t.removes {
		keys = append(keys, key)
	}
	return keys
}

func (t *txn) empty() bool {
	return len(t.writes) == 0 && len(t.removes) == 0
}

// Update holds the store lock for the whole of fn.
func (s *MemoryStore) Update(ctx context.Context, fn func(tx Store) error) error {
	if err := ctx.Err(); err != nil {
		return syncerr.Store("update", syncerr.CodeUnavailable, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return syncerr.Store("update", syncerr.CodeClosed, errClosed)
	}
	tx := newTxn(func(_ context.Context, keys []string) (Record, error) {
		out := Record{}
		for _, key := range keys {
			if value, ok := s.values[key]; ok {
				out[key] = append([]byte(nil), value...)
			}
		}
		return out, nil
	})
	err := fn(tx)
	tx.done = true
	if err != nil {
		return err
	}
	for key, value := range tx.writes {
		s.values[key] = value
	}
	for key := range tx.removes {
		delete(s.values, key)
	}
	notify(s.watchers, tx.changed())
	return nil
}

// Update holds the exclusive file lock for the whole of fn and rewrites the
// file once.
func (s *FileStore) Update(ctx context.Context, fn func(tx Store) error) error {
	return s.withLock(ctx, "update", true, func() error {
		values, err := s.read()
		if err != nil {
			return err
		}
		tx := newTxn(func(_ context.Context, keys []string) (Record, error) {
			out := Record{}
			for _, key := range keys {
				if value, ok := values[key]; ok {
					out[key] = append([]byte(nil), value...)
				}
			}
			return out, nil
		})
		err = fn(tx)
		tx.done = true
		if err != nil {
			return err
		}
		if tx.empty() {
			return nil
		}
		for key, value := range tx.writes {
			values[key] = value
		}
		for key := range tx.removes {
			delete(values, key)
		}
		return s.write(values)
	})
}
