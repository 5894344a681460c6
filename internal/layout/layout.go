// Package layout reads and writes the vocabulary collection in the two
// on-disk layouts found in local stores.
//
// The legacy layout keeps the whole collection under a single key. The grouped
// layout shards it into fixed-size groups listed by an index key, with a
// metadata record alongside. Load accepts either; Save always writes the
// grouped layout.
package layout

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shavsss/wordstream/internal/localstore"
	"github.com/shavsss/wordstream/internal/syncerr"
	"github.com/shavsss/wordstream/internal/vocab"
)

const (
	KeyLegacy      = "words"
	KeyMetadata    = "words_metadata"
	KeyGroups      = "words_groups"
	GroupKeyPrefix = "words_group_"

	DefaultGroupSize = 100
	FormatVersion    = 2
)

type Layout int

const (
	LayoutNone Layout = iota
	LayoutLegacy
	LayoutGrouped
)

func (l Layout) String() string {
	switch l {
	case LayoutLegacy:
		return "legacy"
	case LayoutGrouped:
		return "grouped"
	default:
		return "none"
	}
}

// Metadata is stored next to the group index in the grouped layout.
type Metadata struct {
	Version    int   `json:"version"`
	TotalWords int   `json:"totalWords"`
	GroupCount int   `json:"groupCount"`
	UpdatedAt  int64 `json:"updatedAt"`
}

type Logger interface {
	Printf(format string, args ...any)
}

type Result struct {
	// Entries are returned as stored: not deduplicated, not sorted.
	Entries       []vocab.Entry
	Layout        Layout
	SkippedGroups []string
	Metadata      *Metadata
}

// GroupKey returns the store key of the n-th group.
func GroupKey(n int) string {
	return GroupKeyPrefix + strconv.Itoa(n)
}

// Load reads the collection from store. The grouped layout is preferred when
// its index is present and well formed; otherwise the legacy key is read. The
// two are never combined. Missing or malformed groups are logged and skipped.
// An empty store yields LayoutNone and no error.
func Load(ctx context.Context, store localstore.Store, logger Logger) (Result, error) {
	rec, err := store.Get(ctx, KeyGroups, KeyMetadata, KeyLegacy)
	if err != nil {
		return Result{}, err
	}

	if raw, ok := rec[KeyGroups]; ok {
		groupKeys, err := decodeGroupList(raw)
		if err == nil {
			return loadGrouped(ctx, store, logger, groupKeys, rec[KeyMetadata])
		}
		logf(logger, "layout: ignoring malformed %s index: %v", KeyGroups, err)
	}

	raw, ok := rec[KeyLegacy]
	if !ok {
		return Result{Entries: []vocab.Entry{}, Layout: LayoutNone}, nil
	}
	entries, err := decodeEntryList(raw)
	if err != nil {
		return Result{}, syncerr.Store("load "+KeyLegacy, syncerr.CodeCorrupt, err)
	}
	return Result{Entries: entries, Layout: LayoutLegacy}, nil
}

func loadGrouped(ctx context.Context, store localstore.Store, logger Logger, groupKeys []string, rawMeta json.RawMessage) (Result, error) {
	result := Result{Entries: []vocab.Entry{}, Layout: LayoutGrouped}
	if len(rawMeta) > 0 {
		var meta Metadata
		if err := json.Unmarshal(rawMeta, &meta); err != nil {
			logf(logger, "layout: ignoring malformed %s: %v", KeyMetadata, err)
		} else {
			result.Metadata = &meta
		}
	}
	if len(groupKeys) == 0 {
		return result, nil
	}

	groups, err := store.Get(ctx, groupKeys...)
	if err != nil {
		return Result{}, err
	}
	for _, key := range groupKeys {
		raw, ok := groups[key]
		if !ok {
			logf(logger, "layout: group %s listed in %s is missing", key, KeyGroups)
			result.SkippedGroups = append(result.SkippedGroups, key)
			continue
		}
		entries, err := decodeEntryList(raw)
		if err != nil {
			logf(logger, "layout: skipping malformed group %s: %v", key, err)
			result.SkippedGroups = append(result.SkippedGroups, key)
			continue
		}
		result.Entries = append(result.Entries, entries...)
	}
	return result, nil
}

type SaveOptions struct {
	// GroupSize caps the entries per group.
	GroupSize int
	// MaxGroupBytes caps the stored size of a group, key included, the way a
	// store quota counts it. Zero means no byte limit.
	MaxGroupBytes int
	Now           time.Time
	Logger        Logger
}

// Save writes entries in the grouped layout. Groups are written before the
// index and metadata that reference them, and stale groups and the legacy key
// are removed last, so an interrupted save leaves a readable store.
func Save(ctx context.Context, store localstore.Store, entries []vocab.Entry, opts SaveOptions) error {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	previous, err := store.Get(ctx, KeyGroups)
	if err != nil {
		return err
	}
	var staleCandidates []string
	if raw, ok := previous[KeyGroups]; ok {
		if keys, err := decodeGroupList(raw); err == nil {
			staleCandidates = keys
		}
	}

	groups, groupKeys, err := shard(entries, opts)
	if err != nil {
		return err
	}
	if len(groups) > 0 {
		if err := store.Set(ctx, groups); err != nil {
			return err
		}
	}

	rawKeys, err := json.Marshal(groupKeys)
	if err != nil {
		return syncerr.Store("encode "+KeyGroups, syncerr.CodeCorrupt, err)
	}
	rawMeta, err := json.Marshal(Metadata{
		Version:    FormatVersion,
		TotalWords: len(entries),
		GroupCount: len(groupKeys),
		UpdatedAt:  now.UnixMilli(),
	})
	if err != nil {
		return syncerr.Store("encode "+KeyMetadata, syncerr.CodeCorrupt, err)
	}
	if err := store.Set(ctx, localstore.Record{KeyGroups: rawKeys, KeyMetadata: rawMeta}); err != nil {
		return err
	}

	stale := []string{KeyLegacy}
	for _, key := range staleCandidates {
		if _, kept := groups[key]; !kept {
			stale = append(stale, key)
		}
	}
	if err := store.Remove(ctx, stale...); err != nil {
		// The new layout is already complete; leftovers are unreachable.
		logf(opts.Logger, "layout: failed to remove stale keys %s: %v", strings.Join(stale, ","), err)
	}
	return nil
}

// shard splits entries into groups holding at most GroupSize entries and at
// most MaxGroupBytes bytes. An entry too large for any group gets a group of
// its own and the store's quota decides whether it fits.
func shard(entries []vocab.Entry, opts SaveOptions) (localstore.Record, []string, error) {
	size := opts.GroupSize
	if size <= 0 {
		size = DefaultGroupSize
	}
	groups := localstore.Record{}
	var groupKeys []string
	var buf []byte
	count := 0
	flush := func() {
		if count == 0 {
			return
		}
		key := GroupKey(len(groupKeys))
		groups[key] = append(append(json.RawMessage(nil), buf...), ']')
		groupKeys = append(groupKeys, key)
		buf, count = buf[:0], 0
	}
	for i := range entries {
		raw, err := json.Marshal(entries[i])
		if err != nil {
			return nil, nil, syncerr.Store("encode "+GroupKey(len(groupKeys)), syncerr.CodeCorrupt, err)
		}
		if count > 0 {
			// Room for the comma, the entry and the closing bracket.
			grown := len(GroupKey(len(groupKeys))) + len(buf) + 1 + len(raw) + 1
			if count >= size || (opts.MaxGroupBytes > 0 && grown > opts.MaxGroupBytes) {
				flush()
			}
		}
		if count == 0 {
			buf = append(buf, '[')
		} else {
			buf = append(buf, ',')
		}
		buf = append(buf, raw...)
		count++
	}
	flush()
	if groupKeys == nil {
		groupKeys = []string{}
	}
	return groups, groupKeys, nil
}

// SaveLegacy writes entries under the single legacy key and drops the grouped
// layout markers so the legacy key is what Load reads next.
func SaveLegacy(ctx context.Context, store localstore.Store, entries []vocab.Entry) error {
	if entries == nil {
		entries = []vocab.Entry{}
	}
	previous, err := store.Get(ctx, KeyGroups)
	if err != nil {
		return err
	}
	if err := localstore.SetJSON(ctx, store, KeyLegacy, entries); err != nil {
		return err
	}
	remove := []string{KeyGroups, KeyMetadata}
	if raw, ok := previous[KeyGroups]; ok {
		if keys, err := decodeGroupList(raw); err == nil {
			remove = append(remove, keys...)
		}
	}
	return store.Remove(ctx, remove...)
}

func decodeGroupList(raw json.RawMessage) ([]string, error) {
	if err := validate(groupListSchema, raw); err != nil {
		return nil, err
	}
	var keys []string
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

func decodeEntryList(raw json.RawMessage) ([]vocab.Entry, error) {
	if err := validate(entryListSchema, raw); err != nil {
		return nil, err
	}
	var entries []vocab.Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode entries: %w", err)
	}
	if entries == nil {
		entries = []vocab.Entry{}
	}
	return entries, nil
}

func logf(logger Logger, format string, args ...any) {
	if logger == nil {
		return
	}
	logger.Printf(format, args...)
}
