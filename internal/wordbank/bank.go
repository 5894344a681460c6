// Package wordbank owns a context's view of the vocabulary collection. Every
// mutation re-reads the local store, merges, writes the grouped layout back,
// recomputes stats and announces the change on the bus. Stores that support
// localstore.Updater run that cycle atomically; on other stores the write is
// read back and retried until it is visible.
package wordbank

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shavsss/wordstream/internal/bus"
	"github.com/shavsss/wordstream/internal/layout"
	"github.com/shavsss/wordstream/internal/localstore"
	"github.com/shavsss/wordstream/internal/vocab"
)

// StatsKey holds the last computed vocab.Stats in the local store.
const StatsKey = "stats"

var (
	ErrInvalidEntry = errors.New("invalid vocabulary entry")
	ErrNoChangeFeed = errors.New("store cannot be watched and no bus is configured")
	errMissingStore = errors.New("wordbank requires a store")
)

const (
	ActionCapture = "capture"
	ActionDelete  = "delete"
	ActionMerge   = "merge"
	ActionMigrate = "migrate"
)

// Change is the payload of vocabulary.changed events.
type Change struct {
	Action string      `json:"action"`
	Keys   []string    `json:"keys,omitempty"`
	Stats  vocab.Stats `json:"stats"`
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Store localstore.Store
	// Bus is optional; without it changes are only visible through the store.
	Bus       *bus.Bus
	Logger    Logger
	GroupSize int
	// MaxGroupBytes keeps each stored group under the store's per-item quota.
	MaxGroupBytes int
	Now           func() time.Time
}

// maxSettleAttempts bounds the read-back retries on stores without Updater.
const maxSettleAttempts = 5

type Bank struct {
	store         localstore.Store
	bus           *bus.Bus
	logger        Logger
	groupSize     int
	maxGroupBytes int
	now           func() time.Time

	mu      sync.RWMutex
	entries []vocab.Entry
	layout  layout.Layout
}

func New(options Options) (*Bank, error) {
	if options.Store == nil {
		return nil, errMissingStore
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}
	return &Bank{
		store:         options.Store,
		bus:           options.Bus,
		logger:        options.Logger,
		groupSize:     options.GroupSize,
		maxGroupBytes: options.MaxGroupBytes,
		now:           now,
		entries:       []vocab.Entry{},
	}, nil
}

// Load rebuilds the in-memory collection from the store, deduplicating
// whatever layout it finds there.
func (b *Bank) Load(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.reloadLocked(ctx)
	return err
}

func (b *Bank) reloadLocked(ctx context.Context) ([]vocab.Entry, error) {
	return b.loadFromLocked(ctx, b.store)
}

func (b *Bank) loadFromLocked(ctx context.Context, store localstore.Store) ([]vocab.Entry, error) {
	result, err := layout.Load(ctx, store, b.logger)
	if err != nil {
		return nil, err
	}
	if len(result.SkippedGroups) > 0 {
		b.logf("wordbank: skipped unreadable groups %s", strings.Join(result.SkippedGroups, ","))
	}
	b.entries = vocab.Merge(nil, result.Entries)
	b.layout = result.Layout
	return b.entries, nil
}

// Entries returns a copy of the collection in presentation order.
func (b *Bank) Entries() []vocab.Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]vocab.Entry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Layout reports the layout the store held at the last load.
func (b *Bank) Layout() layout.Layout {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.layout
}

func (b *Bank) Stats() vocab.Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return vocab.ComputeStats(b.entries, b.now())
}

// Capture records a word. A zero timestamp is stamped with the current time.
// Re-capturing the same key replaces the stored entry only when the new
// timestamp is strictly newer.
func (b *Bank) Capture(ctx context.Context, entry vocab.Entry) (vocab.Entry, error) {
	entry.Word = strings.TrimSpace(entry.Word)
	entry.Translation = strings.TrimSpace(entry.Translation)
	entry.SourceLanguage = strings.TrimSpace(entry.SourceLanguage)
	entry.TargetLanguage = strings.TrimSpace(entry.TargetLanguage)
	if err := validateCapture(entry); err != nil {
		return vocab.Entry{}, err
	}
	if entry.Timestamp == 0 {
		entry.Timestamp = vocab.Millis(b.now())
	}

	key := entry.Key()
	var stored vocab.Entry
	err := b.mutate(ctx, ActionCapture, func(current []vocab.Entry) ([]vocab.Entry, []string, bool) {
		next := vocab.Merge(current, []vocab.Entry{entry})
		stored, _ = vocab.Find(next, key)
		return next, []string{key}, true
	})
	if err != nil {
		return vocab.Entry{}, err
	}
	return stored, nil
}

func validateCapture(entry vocab.Entry) error {
	var missing []string
	if entry.Word == "" {
		missing = append(missing, "word")
	}
	if entry.Translation == "" {
		missing = append(missing, "translation")
	}
	if entry.SourceLanguage == "" {
		missing = append(missing, "sourceLanguage")
	}
	if entry.TargetLanguage == "" {
		missing = append(missing, "targetLanguage")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidEntry, strings.Join(missing, ", "))
	}
	return nil
}

// Delete removes entries by key and reports how many existed.
func (b *Bank) Delete(ctx context.Context, keys ...string) (int, error) {
	removed := 0
	err := b.mutate(ctx, ActionDelete, func(current []vocab.Entry) ([]vocab.Entry, []string, bool) {
		next := vocab.Remove(current, keys...)
		removed = len(current) - len(next)
		return next, keys, removed > 0
	})
	return removed, err
}

// MergeRemote folds entries fetched from elsewhere into the collection and
// reports how many keys were added or replaced.
func (b *Bank) MergeRemote(ctx context.Context, incoming []vocab.Entry) (int, error) {
	changed := 0
	err := b.mutate(ctx, ActionMerge, func(current []vocab.Entry) ([]vocab.Entry, []string, bool) {
		next := vocab.Merge(current, incoming)
		keys := changedKeys(current, next)
		changed = len(keys)
		return next, keys, changed > 0
	})
	return changed, err
}

// Migrate rewrites a legacy store in the grouped layout, deduplicating on the
// way. It returns the layout found before the rewrite.
func (b *Bank) Migrate(ctx context.Context) (layout.Layout, error) {
	before := layout.LayoutNone
	err := b.mutate(ctx, ActionMigrate, func(current []vocab.Entry) ([]vocab.Entry, []string, bool) {
		before = b.layout
		return current, nil, before == layout.LayoutLegacy
	})
	return before, err
}

// mutate runs one read-merge-write cycle. apply receives the store's current
// collection and returns the next one, the keys it touched and whether
// anything needs writing. apply may run more than once.
func (b *Bank) mutate(ctx context.Context, action string, apply func(current []vocab.Entry) ([]vocab.Entry, []string, bool)) error {
	b.mu.Lock()
	now := b.now()
	var (
		next  []vocab.Entry
		keys  []string
		wrote bool
	)
	cycle := func(store localstore.Store) error {
		current, err := b.loadFromLocked(ctx, store)
		if err != nil {
			return err
		}
		next, keys, wrote = apply(current)
		if !wrote {
			return nil
		}
		return layout.Save(ctx, store, next, layout.SaveOptions{
			GroupSize:     b.groupSize,
			MaxGroupBytes: b.maxGroupBytes,
			Now:           now,
			Logger:        b.logger,
		})
	}

	err := localstore.ErrNotImplemented
	if updater, ok := b.store.(localstore.Updater); ok {
		err = updater.Update(ctx, cycle)
	}
	if errors.Is(err, localstore.ErrNotImplemented) {
		err = b.settleLocked(ctx, cycle, func() ([]vocab.Entry, []string, bool) { return next, keys, wrote })
	}
	if err != nil || !wrote {
		b.mu.Unlock()
		return err
	}
	b.entries = next
	b.layout = layout.LayoutGrouped
	stats := vocab.ComputeStats(next, now)
	b.mu.Unlock()

	if err := localstore.SetJSON(ctx, b.store, StatsKey, stats); err != nil {
		b.logf("wordbank: failed to persist stats: %v", err)
	}
	b.announce(ctx, Change{Action: action, Keys: keys, Stats: stats})
	return nil
}

// settleLocked runs cycle against a store that cannot update atomically, then
// reads the collection back. A concurrent writer that replaced the groups may
// have dropped this write; in that case the cycle runs again on top of what
// the other writer left.
func (b *Bank) settleLocked(ctx context.Context, cycle func(localstore.Store) error, last func() ([]vocab.Entry, []string, bool)) error {
	for attempt := 1; ; attempt++ {
		if err := cycle(b.store); err != nil {
			return err
		}
		next, keys, wrote := last()
		if !wrote {
			return nil
		}
		stored, err := b.loadFromLocked(ctx, b.store)
		if err != nil {
			return err
		}
		if settled(stored, next, keys) {
			return nil
		}
		if attempt == maxSettleAttempts {
			b.logf("wordbank: write of %s not visible after %d attempts", strings.Join(keys, ","), attempt)
			return nil
		}
	}
}

// settled reports whether stored reflects the state of keys in want: present
// and at least as new, or absent.
func settled(stored, want []vocab.Entry, keys []string) bool {
	for _, key := range keys {
		target, wantPresent := vocab.Find(want, key)
		have, present := vocab.Find(stored, key)
		if wantPresent != present {
			return false
		}
		if present && have.Timestamp < target.Timestamp {
			return false
		}
	}
	return true
}

func (b *Bank) announce(ctx context.Context, change Change) {
	if b.bus == nil {
		return
	}
	if err := b.bus.Publish(ctx, bus.EventVocabularyChanged, change); err != nil {
		b.logf("wordbank: failed to publish %s: %v", change.Action, err)
	}
}

// Follow reloads the collection whenever another context changes it, either
// through the store's change feed or a vocabulary.changed event, and hands
// the fresh collection to onChange. It blocks until ctx is done.
func (b *Bank) Follow(ctx context.Context, onChange func([]vocab.Entry)) error {
	triggers := make(chan struct{}, 1)
	poke := func() {
		select {
		case triggers <- struct{}{}:
		default:
		}
	}

	sources := 0
	if watcher, ok := b.store.(localstore.Watcher); ok {
		changes, err := watcher.Watch(ctx)
		switch {
		case errors.Is(err, localstore.ErrNotImplemented):
			// Wrappers expose Watch even when the store beneath cannot.
		case err != nil:
			return err
		default:
			sources++
			go func() {
				for keys := range changes {
					if touchesVocabulary(keys) {
						poke()
					}
				}
			}()
		}
	}
	if b.bus != nil {
		sources++
		go func() {
			err := b.bus.Listen(ctx, func(event bus.Event) {
				if event.Type == bus.EventVocabularyChanged {
					poke()
				}
			})
			if err != nil && !errors.Is(err, bus.ErrNotSubscribed) {
				b.logf("wordbank: bus listener stopped: %v", err)
			}
		}()
	}
	if sources == 0 {
		return ErrNoChangeFeed
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-triggers:
			b.mu.Lock()
			entries, err := b.reloadLocked(ctx)
			var snapshot []vocab.Entry
			if err == nil {
				snapshot = make([]vocab.Entry, len(entries))
				copy(snapshot, entries)
			}
			b.mu.Unlock()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				b.logf("wordbank: reload after change failed: %v", err)
				continue
			}
			onChange(snapshot)
		}
	}
}

// touchesVocabulary reports whether a store change may affect the
// collection. A nil key list means the backend cannot tell.
func touchesVocabulary(keys []string) bool {
	if keys == nil {
		return true
	}
	for _, key := range keys {
		if key == layout.KeyLegacy || key == layout.KeyGroups || strings.HasPrefix(key, layout.GroupKeyPrefix) {
			return true
		}
	}
	return false
}

func changedKeys(before, after []vocab.Entry) []string {
	previous := make(map[string]int64, len(before))
	for _, entry := range before {
		previous[entry.Key()] = entry.Timestamp
	}
	var keys []string
	for _, entry := range after {
		ts, ok := previous[entry.Key()]
		if !ok || ts != entry.Timestamp {
			keys = append(keys, entry.Key())
		}
	}
	return keys
}

func (b *Bank) logf(format string, args ...any) {
	if b.logger == nil {
		return
	}
	b.logger.Printf(format, args...)
}
