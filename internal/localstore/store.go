// Package localstore is the typed adapter over the per-installation key/value
// store shared by every execution context.
//
// Values are JSON documents. Every failure is returned as a syncerr store
// error; this layer never decides whether a failure is tolerable.
package localstore

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/shavsss/wordstream/internal/syncerr"
)

// Record maps store keys to raw JSON values.
type Record map[string]json.RawMessage

type Store interface {
	// Get returns the values stored under keys. Keys without a value are
	// absent from the record.
	Get(ctx context.Context, keys ...string) (Record, error)
	Set(ctx context.Context, rec Record) error
	Remove(ctx context.Context, keys ...string) error
	Close() error
}

// Watcher is implemented by backends that can report changes made by other
// processes. Each notification carries the keys that changed, or nil when the
// backend cannot tell which keys were touched.
type Watcher interface {
	Watch(ctx context.Context) (<-chan []string, error)
}

// GetJSON decodes the value under key into out. found is false when the key
// holds no value.
func GetJSON(ctx context.Context, s Store, key string, out any) (bool, error) {
	rec, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	raw, ok := rec[key]
	if !ok || len(raw) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, syncerr.Store("decode "+key, syncerr.CodeCorrupt, err)
	}
	return true, nil
}

// SetJSON encodes value and stores it under key.
func SetJSON(ctx context.Context, s Store, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return syncerr.Store("encode "+key, syncerr.CodeCorrupt, err)
	}
	return s.Set(ctx, Record{key: raw})
}

// Size returns the encoded size of rec in bytes, counting keys and values.
func (rec Record) Size() int {
	total := 0
	for key, value := range rec {
		total += len(key) + len(value)
	}
	return total
}

func (rec Record) clone() Record {
	out := make(Record, len(rec))
	for key, value := range rec {
		out[key] = append(json.RawMessage(nil), value...)
	}
	return out
}

func normalizeKeys(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}

func validateRecord(op string, rec Record) error {
	for key, value := range rec {
		if strings.TrimSpace(key) == "" {
			return syncerr.Store(op, syncerr.CodeCorrupt, errEmptyKey)
		}
		if !json.Valid(value) {
			return syncerr.Store(op, syncerr.CodeCorrupt, &invalidValueError{key: key})
		}
	}
	return nil
}

type invalidValueError struct {
	key string
}

func (e *invalidValueError) Error() string {
	return "value for " + e.key + " is not valid JSON"
}
