package localstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/shavsss/wordstream/internal/syncerr"
)

const (
	postgresTableName        = "wordstream_kv"
	postgresNamespace        = "default"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore keeps values in a shared Postgres table, one row per key,
// scoped by namespace so several installations can share a database.
type PostgresStore struct {
	dsn       string
	tableName string
	namespace string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidDSN
	}
	return &PostgresStore{
		dsn:       dsn,
		tableName: postgresTableName,
		namespace: postgresNamespace,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresStore) Get(ctx context.Context, keys ...string) (Record, error) {
	keys = normalizeKeys(keys)
	if err := s.ensureReady(); err != nil {
		return nil, syncerr.Store("get", syncerr.CodeUnavailable, err)
	}
	out := Record{}
	if len(keys) == 0 {
		return out, nil
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT item_key, item_value FROM %s WHERE namespace = $1 AND item_key = ANY($2)", postgresQuoteIdentifier(s.tableName))
	rows, err := s.db.QueryContext(ctx, query, s.namespace, pq.Array(keys))
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

// Set writes every key of rec in one transaction.
func (s *PostgresStore) Set(ctx context.Context, rec Record) error {
	if err := validateRecord("set", rec); err != nil {
		return err
	}
	if len(rec) == 0 {
		return nil
	}
	if err := s.ensureReady(); err != nil {
		return syncerr.Store("set", syncerr.CodeUnavailable, err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return syncerr.Store("set", syncerr.CodeUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	query := fmt.Sprintf(`
		INSERT INTO %s (namespace, item_key, item_value, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (namespace, item_key)
		DO UPDATE SET item_value = EXCLUDED.item_value, updated_at = NOW()`, postgresQuoteIdentifier(s.tableName))
	for key, value := range rec {
		if _, err := tx.ExecContext(ctx, query, s.namespace, key, string(value)); err != nil {
			return syncerr.Store("set", syncerr.CodeUnavailable, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return syncerr.Store("set", syncerr.CodeUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) Remove(ctx context.Context, keys ...string) error {
	keys = normalizeKeys(keys)
	if len(keys) == 0 {
		return nil
	}
	if err := s.ensureReady(); err != nil {
		return syncerr.Store("remove", syncerr.CodeUnavailable, err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE namespace = $1 AND item_key = ANY($2)", postgresQuoteIdentifier(s.tableName))
	if _, err := s.db.ExecContext(ctx, query, s.namespace, pq.Array(keys)); err != nil {
		return syncerr.Store("remove", syncerr.CodeUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				namespace TEXT NOT NULL,
				item_key TEXT NOT NULL,
				item_value TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (namespace, item_key)
			)`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

// Update runs fn in one transaction that first takes an advisory lock on the
// namespace, so concurrent updaters sharing the table queue behind each other.
func (s *PostgresStore) Update(ctx context.Context, fn func(tx Store) error) error {
	if err := s.ensureReady(); err != nil {
		return syncerr.Store("update", syncerr.CodeUnavailable, err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return syncerr.Store("update", syncerr.CodeUnavailable, err)
	}
	defer func() { _ = sqlTx.Rollback() }()
	if _, err := sqlTx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", s.tableName+"/"+s.namespace); err != nil {
		return syncerr.Store("update", syncerr.CodeUnavailable, err)
	}

	selectQuery := fmt.Sprintf("SELECT item_key, item_value FROM %s WHERE namespace = $1 AND item_key = ANY($2)", postgresQuoteIdentifier(s.tableName))
	tx := newTxn(func(ctx context.Context, keys []string) (Record, error) {
		rows, err := sqlTx.QueryContext(ctx, selectQuery, s.namespace, pq.Array(keys))
		if err != nil {
			return nil, syncerr.Store("get", syncerr.CodeUnavailable, err)
		}
		defer rows.Close()
		out := Record{}
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
	})
	err = fn(tx)
	tx.done = true
	if err != nil {
		return err
	}

	upsert := fmt.Sprintf(`
		INSERT INTO %s (namespace, item_key, item_value, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (namespace, item_key)
		DO UPDATE SET item_value = EXCLUDED.item_value, updated_at = NOW()`, postgresQuoteIdentifier(s.tableName))
	for key, value := range tx.writes {
		if _, err := sqlTx.ExecContext(ctx, upsert, s.namespace, key, string(value)); err != nil {
			return syncerr.Store("update", syncerr.CodeUnavailable, err)
		}
	}
	if removed := tx.removed(); len(removed) > 0 {
		query := fmt.Sprintf("DELETE FROM %s WHERE namespace = $1 AND item_key = ANY($2)", postgresQuoteIdentifier(s.tableName))
		if _, err := sqlTx.ExecContext(ctx, query, s.namespace, pq.Array(removed)); err != nil {
			return syncerr.Store("update", syncerr.CodeUnavailable, err)
		}
	}
	if err := sqlTx.Commit(); err != nil {
		return syncerr.Store("update", syncerr.CodeUnavailable, err)
	}
	return nil
}
