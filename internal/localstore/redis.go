package localstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shavsss/wordstream/internal/syncerr"
)

const (
	redisKeyPrefix       = "wordstream:kv:"
	redisOperationTimout = 5 * time.Second
)

// RedisStore keeps each key as a plain Redis string under a fixed prefix.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDSN, err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, syncerr.Store("open", syncerr.CodeUnavailable, err)
	}
	return &RedisStore{client: client, prefix: redisKeyPrefix}, nil
}

func (s *RedisStore) Get(ctx context.Context, keys ...string) (Record, error) {
	keys = normalizeKeys(keys)
	out := Record{}
	if len(keys) == 0 {
		return out, nil
	}
	values, err := s.client.MGet(ctx, s.prefixed(keys)...).Result()
	if err != nil {
		return nil, syncerr.Store("get", syncerr.CodeUnavailable, err)
	}
	for i, value := range values {
		text, ok := value.(string)
		if !ok {
			continue
		}
		out[keys[i]] = []byte(text)
	}
	return out, nil
}

// Set writes every key of rec in one MULTI/EXEC block.
func (s *RedisStore) Set(ctx context.Context, rec Record) error {
	if err := validateRecord("set", rec); err != nil {
		return err
	}
	if len(rec) == 0 {
		return nil
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for key, value := range rec {
			pipe.Set(ctx, s.prefix+key, []byte(value), 0)
		}
		return nil
	})
	if err != nil {
		return syncerr.Store("set", syncerr.CodeUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, keys ...string) error {
	keys = normalizeKeys(keys)
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, s.prefixed(keys)...).Err(); err != nil {
		return syncerr.Store("remove", syncerr.CodeUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) prefixed(keys []string) []string {
	out := make([]string, len(keys))
	for i, key := range keys {
		out[i] = s.prefix + key
	}
	return out
}

// Update runs fn under optimistic locking: every key fn reads is WATCHed and
// the writes are applied in one MULTI/EXEC. A conflicting writer aborts the
// EXEC and fn runs again against fresh values.
func (s *RedisStore) Update(ctx context.Context, fn func(tx Store) error) error {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		err := s.client.Watch(ctx, func(rtx *redis.Tx) error {
			tx := newTxn(func(ctx context.Context, keys []string) (Record, error) {
				prefixed := s.prefixed(keys)
				if err := rtx.Watch(ctx, prefixed...).Err(); err != nil {
					return nil, syncerr.Store("get", syncerr.CodeUnavailable, err)
				}
				values, err := rtx.MGet(ctx, prefixed...).Result()
				if err != nil {
					return nil, syncerr.Store("get", syncerr.CodeUnavailable, err)
				}
				out := Record{}
				for i, value := range values {
					if text, ok := value.(string); ok {
						out[keys[i]] = []byte(text)
					}
				}
				return out, nil
			})
			if err := fn(tx); err != nil {
				return err
			}
			tx.done = true
			if tx.empty() {
				return nil
			}
			_, err := rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				for key, value := range tx.writes {
					pipe.Set(ctx, s.prefix+key, []byte(value), 0)
				}
				if removed := tx.removed(); len(removed) > 0 {
					pipe.Del(ctx, s.prefixed(removed)...)
				}
				return nil
			})
			return err
		})
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			var tagged *syncerr.Error
			if errors.As(err, &tagged) {
				return err
			}
			return syncerr.Store("update", syncerr.CodeUnavailable, err)
		}
		return nil
	}
	return syncerr.Store("update", syncerr.CodeUnavailable, fmt.Errorf("gave up after %d conflicting attempts", maxUpdateAttempts))
}
