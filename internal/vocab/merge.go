package vocab

import "sort"

// Merge folds incoming into existing and returns the canonical collection:
// at most one entry per key, the newest timestamp wins, and on a timestamp tie
// the existing entry is kept. The result is sorted for presentation. Neither
// input is modified.
//
// Entries with an empty word or source language are not re-validated; they
// are keyed like any other entry and pass through.
func Merge(existing, incoming []Entry) []Entry {
	byKey := make(map[string]Entry, len(existing)+len(incoming))
	for _, entry := range existing {
		insertNewer(byKey, entry)
	}
	for _, entry := range incoming {
		insertNewer(byKey, entry)
	}
	out := make([]Entry, 0, len(byKey))
	for _, entry := range byKey {
		out = append(out, entry)
	}
	Sort(out)
	return out
}

func insertNewer(byKey map[string]Entry, entry Entry) {
	key := entry.Key()
	current, ok := byKey[key]
	if !ok || entry.Timestamp > current.Timestamp {
		byKey[key] = entry
	}
}

// Remove returns a copy of entries without the given keys.
func Remove(entries []Entry, keys ...string) []Entry {
	drop := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		drop[key] = struct{}{}
	}
	out := make([]Entry, 0, len(entries))
	for _, entry := range entries {
		if _, ok := drop[entry.Key()]; ok {
			continue
		}
		out = append(out, entry)
	}
	return out
}

// Find returns the entry with key, if present.
func Find(entries []Entry, key string) (Entry, bool) {
	for _, entry := range entries {
		if entry.Key() == key {
			return entry, true
		}
	}
	return Entry{}, false
}

// Sort orders entries in place by source language then word. Target language
// and key break ties so the order is total.
func Sort(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.SourceLanguage != b.SourceLanguage {
			return a.SourceLanguage < b.SourceLanguage
		}
		if a.Word != b.Word {
			return a.Word < b.Word
		}
		if a.TargetLanguage != b.TargetLanguage {
			return a.TargetLanguage < b.TargetLanguage
		}
		return a.Key() < b.Key()
	})
}
