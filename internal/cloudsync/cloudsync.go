// Package cloudsync mirrors the local vocabulary collection to the per-user
// remote document store.
//
// User-initiated writes (SaveEntry, DeleteEntry, Capture) use the strict retry
// contract and surface failures. Background reconciliation uses the lenient
// contract: when the remote cannot be reached the local collection is served
// as is and the result is marked stale.
package cloudsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shavsss/wordstream/internal/bus"
	"github.com/shavsss/wordstream/internal/remote"
	"github.com/shavsss/wordstream/internal/retry"
	"github.com/shavsss/wordstream/internal/vocab"
	"github.com/shavsss/wordstream/internal/wordbank"
)

const DefaultCollection = "vocabulary"

// documentNamespace derives stable document IDs from entry keys, so every
// context maps the same word to the same remote document.
var documentNamespace = uuid.MustParse("6f1c2b9e-3d4a-5e8f-9a7b-0c1d2e3f4a5b")

var errMissingUser = errors.New("cloud sync requires a user")

// ErrRemotePending marks errors from Capture and Delete where the local write
// completed and only the remote write failed.
var ErrRemotePending = errors.New("remote store not updated")

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Documents  remote.DocumentStore
	Executor   *retry.Executor
	Bank       *wordbank.Bank
	Bus        *bus.Bus
	User       string
	Collection string
	Logger     Logger
	Now        func() time.Time
}

type Syncer struct {
	documents  remote.DocumentStore
	executor   *retry.Executor
	bank       *wordbank.Bank
	bus        *bus.Bus
	user       string
	collection string
	logger     Logger
	now        func() time.Time
}

func New(options Options) (*Syncer, error) {
	user := strings.TrimSpace(options.User)
	if user == "" {
		return nil, errMissingUser
	}
	if options.Documents == nil || options.Bank == nil {
		return nil, errors.New("cloud sync requires a document store and a word bank")
	}
	executor := options.Executor
	if executor == nil {
		executor = retry.NewExecutor(nil, retry.ExecutorOptions{Logger: options.Logger})
	}
	collection := strings.TrimSpace(options.Collection)
	if collection == "" {
		collection = DefaultCollection
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}
	return &Syncer{
		documents:  options.Documents,
		executor:   executor,
		bank:       options.Bank,
		bus:        options.Bus,
		user:       user,
		collection: collection,
		logger:     options.Logger,
		now:        now,
	}, nil
}

// DocumentID returns the remote document ID for an entry key.
func DocumentID(key string) string {
	return uuid.NewSHA1(documentNamespace, []byte(key)).String()
}

func encodeEntry(entry vocab.Entry) (remote.Document, error) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return remote.Document{}, err
	}
	return remote.Document{ID: DocumentID(entry.Key()), Data: raw}, nil
}

// SaveEntry writes entry to the remote under the strict contract.
func (s *Syncer) SaveEntry(ctx context.Context, entry vocab.Entry) error {
	doc, err := encodeEntry(entry)
	if err != nil {
		return fmt.Errorf("encode %s: %w", entry.Key(), err)
	}
	_, err = retry.Do(ctx, s.executor, retry.Policy{}, func(ctx context.Context) (remote.Document, error) {
		return s.documents.PutDocument(ctx, s.user, s.collection, doc)
	})
	return err
}

// DeleteEntry removes the remote copy of key under the strict contract. A
// document that is already gone counts as deleted.
func (s *Syncer) DeleteEntry(ctx context.Context, key string) error {
	id := DocumentID(key)
	err := s.executor.WithRetry(ctx, retry.Policy{}, func(ctx context.Context) error {
		return s.documents.DeleteDocument(ctx, s.user, s.collection, id)
	})
	if err != nil && (remote.IsNotFound(err) || errors.Is(err, remote.ErrDocumentNotFound)) {
		return nil
	}
	return err
}

// Capture records entry locally and then saves it remotely. The local write
// stands even when the remote save fails.
func (s *Syncer) Capture(ctx context.Context, entry vocab.Entry) (vocab.Entry, error) {
	stored, err := s.bank.Capture(ctx, entry)
	if err != nil {
		return vocab.Entry{}, err
	}
	if err := s.SaveEntry(ctx, stored); err != nil {
		return stored, fmt.Errorf("saved locally, %w: %w", ErrRemotePending, err)
	}
	return stored, nil
}

// Delete removes keys locally and then remotely.
func (s *Syncer) Delete(ctx context.Context, keys ...string) (int, error) {
	removed, err := s.bank.Delete(ctx, keys...)
	if err != nil {
		return 0, err
	}
	for _, key := range keys {
		if err := s.DeleteEntry(ctx, key); err != nil {
			return removed, fmt.Errorf("deleted locally, %w: delete %s: %w", ErrRemotePending, key, err)
		}
	}
	return removed, nil
}

// Result summarizes one reconciliation pass. It is also the payload of
// sync.completed events.
type Result struct {
	Pulled     int   `json:"pulled"`
	Pushed     int   `json:"pushed"`
	PushFailed int   `json:"pushFailed"`
	TotalWords int   `json:"totalWords"`
	Stale      bool  `json:"stale"`
	FinishedAt int64 `json:"finishedAt"`
}

// Reconcile pulls remote entries into the local collection and pushes local
// entries the remote lacks or holds an older copy of. Remote failures never
// fail the pass; they mark it stale. Only local store errors are returned.
func (s *Syncer) Reconcile(ctx context.Context) (Result, error) {
	var result Result
	remoteEntries, stale := retry.ExecuteWithAuthStatus(ctx, s.executor, s.fetchRemote, nil)
	if stale {
		if err := s.bank.Load(ctx); err != nil {
			return Result{}, err
		}
		result.Stale = true
		return s.finish(ctx, result), nil
	}

	pulled, err := s.bank.MergeRemote(ctx, remoteEntries)
	if err != nil {
		return Result{}, err
	}
	result.Pulled = pulled

	remoteByKey := make(map[string]int64, len(remoteEntries))
	for _, entry := range remoteEntries {
		remoteByKey[entry.Key()] = entry.Timestamp
	}
	for _, entry := range s.bank.Entries() {
		if ts, ok := remoteByKey[entry.Key()]; ok && ts >= entry.Timestamp {
			continue
		}
		doc, err := encodeEntry(entry)
		if err != nil {
			s.logf("cloudsync: cannot encode %s: %v", entry.Key(), err)
			result.PushFailed++
			continue
		}
		_, failed := retry.ExecuteWithAuthStatus(ctx, s.executor, func(ctx context.Context) (remote.Document, error) {
			return s.documents.PutDocument(ctx, s.user, s.collection, doc)
		}, remote.Document{})
		if failed {
			result.PushFailed++
			continue
		}
		result.Pushed++
	}
	result.Stale = result.PushFailed > 0
	return s.finish(ctx, result), nil
}

func (s *Syncer) fetchRemote(ctx context.Context) ([]vocab.Entry, error) {
	docs, err := s.documents.ListDocuments(ctx, s.user, s.collection)
	if err != nil {
		return nil, err
	}
	entries := make([]vocab.Entry, 0, len(docs))
	for _, doc := range docs {
		var entry vocab.Entry
		if err := json.Unmarshal(doc.Data, &entry); err != nil {
			s.logf("cloudsync: skipping malformed remote document %s: %v", doc.ID, err)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *Syncer) finish(ctx context.Context, result Result) Result {
	result.TotalWords = len(s.bank.Entries())
	result.FinishedAt = s.now().UnixMilli()
	if s.bus != nil {
		if err := s.bus.Publish(ctx, bus.EventSyncCompleted, result); err != nil {
			s.logf("cloudsync: failed to publish sync result: %v", err)
		}
	}
	return result
}

func (s *Syncer) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
