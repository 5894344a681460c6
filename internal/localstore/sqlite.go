package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/shavsss/wordstream/internal/localstore/migrations"
	"github.com/shavsss/wordstream/internal/syncerr"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps values in a single-table SQLite database. The schema is
// managed by embedded migrations applied on open.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidDSN
	}
	var dsn string
	if path == ":memory:" {
		dsn = "file::memory:?_pragma=busy_timeout(5000)"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, syncerr.Store("open", syncerr.CodeUnavailable, err)
		}
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, syncerr.Store("open", syncerr.CodeUnavailable, err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", filepath.ToSlash(absPath))
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, syncerr.Store("open", syncerr.CodeUnavailable, err)
	}
	// One connection keeps :memory: databases coherent and avoids writer contention.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, syncerr.Store("open", syncerr.CodeUnavailable, err)
	}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, syncerr.Store("migrate", syncerr.CodeUnavailable, err)
	}
	return &SQLiteStore{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to initialise migrate driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrations.Files, ".")
	if err != nil {
		return fmt.Errorf("failed to load embedded migrations: %w", err)
	}
	defer func() {
		_ = sourceDriver.Close()
	}()

	migrator, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, keys ...string) (Record, error) {
	return sqliteSelect(ctx, s.db, normalizeKeys(keys))
}

func (s *SQLiteStore) Set(ctx context.Context, rec Record) error {
	if err := validateRecord("set", rec); err != nil {
		return err
	}
	if len(rec) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return syncerr.Store("set", syncerr.CodeUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()
	const query = `
		INSERT INTO kv (key, value, updated_at)
		VALUES (?, ?, CAST(strftime('%s', 'now') AS INTEGER) * 1000)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	for key, value := range rec {
		if _, err := tx.ExecContext(ctx, query, key, string(value)); err != nil {
			return syncerr.Store("set", syncerr.CodeUnavailable, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return syncerr.Store("set", syncerr.CodeUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) Remove(ctx context.Context, keys ...string) error {
	keys = normalizeKeys(keys)
	if len(keys) == 0 {
		return nil
	}
	args := make([]any, len(keys))
	for i, key := range keys {
		args[i] = key
	}
	query := "DELETE FROM kv WHERE key IN (" + placeholders(len(keys)) + ")"
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return syncerr.Store("remove", syncerr.CodeUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// Update runs fn inside a BEGIN IMMEDIATE transaction so the write lock is
// taken before anything is read.
func (s *SQLiteStore) Update(ctx context.Context, fn func(tx Store) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return syncerr.Store("update", syncerr.CodeUnavailable, err)
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return syncerr.Store("update", syncerr.CodeUnavailable, err)
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK")
		}
	}()

	tx := newTxn(func(ctx context.Context, keys []string) (Record, error) {
		return sqliteSelect(ctx, conn, keys)
	})
	err = fn(tx)
	tx.done = true
	if err != nil {
		return err
	}
	const upsert = `
		INSERT INTO kv (key, value, updated_at)
		VALUES (?, ?, CAST(strftime('%s', 'now') AS INTEGER) * 1000)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	for key, value := range tx.writes {
		if _, err := conn.ExecContext(ctx, upsert, key, string(value)); err != nil {
			return syncerr.Store("update", syncerr.CodeUnavailable, err)
		}
	}
	if removed := tx.removed(); len(removed) > 0 {
		args := make([]any, len(removed))
		for i, key := range removed {
			args[i] = key
		}
		query := "DELETE FROM kv WHERE key IN (" + placeholders(len(removed)) + ")"
		if _, err := conn.ExecContext(ctx, query, args...); err != nil {
			return syncerr.Store("update", syncerr.CodeUnavailable, err)
		}
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return syncerr.Store("update", syncerr.CodeUnavailable, err)
	}
	committed = true
	return nil
}

type sqlQueryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func sqliteSelect(ctx context.Context, q sqlQueryer, keys []string) (Record, error) {
	out := Record{}
	if len(keys) == 0 {
		return out, nil
	}
	args := make([]any, len(keys))
	for i, key := range keys {
		args[i] = key
	}
	query := "SELECT key, value FROM kv WHERE key IN (" + placeholders(len(keys)) + ")"
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, syncerr.Store("get", syncerr.CodeUnavailable, err)
	}
	defer rows.Close()
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, syncerr.Store("get", syncerr.CodeUnavailable, err)
		}
		out[key] = []byte(value)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.Store("get", syncerr.CodeUnavailable, err)
	}
	return out, nil
}
