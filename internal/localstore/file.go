package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"

	"github.com/shavsss/wordstream/internal/syncerr"
)

// FileStore keeps every key in a single JSON object on disk. A sibling lock
// file serializes read-modify-write cycles across processes sharing the path.
type FileStore struct {
	path string
	lock *flock.Flock

	mu     sync.Mutex
	closed bool
}

func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, ErrInvalidDSN
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, syncerr.Store("open", syncerr.CodeUnavailable, err)
	}
	return &FileStore{
		path: path,
		lock: flock.New(path + ".lock"),
	}, nil
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Get(ctx context.Context, keys ...string) (Record, error) {
	var out Record
	err := s.withLock(ctx, "get", false, func() error {
		values, err := s.read()
		if err != nil {
			return err
		}
		out = Record{}
		for _, key := range normalizeKeys(keys) {
			if value, ok := values[key]; ok {
				out[key] = value
			}
		}
		return nil
	})
	return out, err
}

func (s *FileStore) Set(ctx context.Context, rec Record) error {
	if err := validateRecord("set", rec); err != nil {
		return err
	}
	return s.withLock(ctx, "set", true, func() error {
		values, err := s.read()
		if err != nil {
			return err
		}
		for key, value := range rec.clone() {
			values[key] = value
		}
		return s.write(values)
	})
}

func (s *FileStore) Remove(ctx context.Context, keys ...string) error {
	keys = normalizeKeys(keys)
	if len(keys) == 0 {
		return nil
	}
	return s.withLock(ctx, "remove", true, func() error {
		values, err := s.read()
		if err != nil {
			return err
		}
		changed := false
		for _, key := range keys {
			if _, ok := values[key]; ok {
				delete(values, key)
				changed = true
			}
		}
		if !changed {
			return nil
		}
		return s.write(values)
	})
}

// Watch reports changes to the backing file, including writes made by other
// processes. Notifications carry nil keys.
func (s *FileStore) Watch(ctx context.Context) (<-chan []string, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, syncerr.Store("watch", syncerr.CodeUnavailable, err)
	}
	// Atomic renames replace the inode, so watch the directory.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return nil, syncerr.Store("watch", syncerr.CodeUnavailable, err)
	}
	out := make(chan []string, 1)
	target := filepath.Clean(s.path)
	go func() {
		defer close(out)
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
					continue
				}
				select {
				case out <- nil:
				default:
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *FileStore) withLock(ctx context.Context, op string, exclusive bool, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return syncerr.Store(op, syncerr.CodeUnavailable, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return syncerr.Store(op, syncerr.CodeClosed, errClosed)
	}
	var err error
	if exclusive {
		err = s.lock.Lock()
	} else {
		err = s.lock.RLock()
	}
	if err != nil {
		return syncerr.Store(op, syncerr.CodeUnavailable, err)
	}
	defer func() { _ = s.lock.Unlock() }()
	if err := fn(); err != nil {
		var tagged *syncerr.Error
		if errors.As(err, &tagged) {
			return err
		}
		return syncerr.Store(op, syncerr.CodeUnavailable, err)
	}
	return nil
}

func (s *FileStore) read() (Record, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Record{}, nil
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return Record{}, nil
	}
	values := Record{}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, syncerr.Store("read "+filepath.Base(s.path), syncerr.CodeCorrupt, err)
	}
	return values, nil
}

func (s *FileStore) write(values Record) error {
	data, err := json.Marshal(values)
	if err != nil {
		return syncerr.Store("write "+filepath.Base(s.path), syncerr.CodeCorrupt, err)
	}
	return writeFileAtomic(s.path, data, 0o600)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
