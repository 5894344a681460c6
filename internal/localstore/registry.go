package localstore

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

var (
	ErrInvalidDSN     = errors.New("invalid store dsn")
	ErrNotImplemented = errors.New("not implemented")
	errEmptyKey       = errors.New("empty key")
	errClosed         = errors.New("store closed")
)

type Factory func(dsn string) (Store, error)

var factoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]Factory
}{
	factories: map[string]Factory{},
}

// RegisterFactory makes scheme resolvable by Open. Registered factories take
// precedence over the built-in backends.
func RegisterFactory(scheme string, factory Factory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	factoryRegistry.mu.Lock()
	defer factoryRegistry.mu.Unlock()
	factoryRegistry.factories[scheme] = factory
}

func lookupFactory(scheme string) (Factory, bool) {
	scheme = normalizeScheme(scheme)
	factoryRegistry.mu.RLock()
	defer factoryRegistry.mu.RUnlock()
	factory, ok := factoryRegistry.factories[scheme]
	return factory, ok
}

// Open builds a Store from a DSN. A bare path selects the JSON file backend.
func Open(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidDSN
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDSN, err)
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileStore(path)
	case "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteStore(path)
	case "postgres", "postgresql":
		return NewPostgresStore(dsn)
	case "redis", "rediss":
		return NewRedisStore(dsn)
	case "mysql":
		return nil, fmt.Errorf("%w: store backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported store scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidDSN
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidDSN
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if parsed.Host != "" && path != "" {
		path = parsed.Host + path
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidDSN
	}
	return path, nil
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
