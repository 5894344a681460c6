// Package vocab holds the vocabulary entry model and the pure functions that
// operate on the canonical collection: merge/dedup, filters, grouping and
// statistics. Nothing in this package performs I/O.
package vocab

import (
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Entry is a single captured word. Its JSON field names are part of the
// on-disk format and must not change.
type Entry struct {
	Word           string  `json:"word"`
	Translation    string  `json:"translation"`
	SourceLanguage string  `json:"sourceLanguage"`
	TargetLanguage string  `json:"targetLanguage"`
	Context        string  `json:"context,omitempty"`
	Timestamp      int64   `json:"timestamp"`
	Proficiency    float64 `json:"proficiency,omitempty"`
	ReviewCount    int     `json:"reviewCount,omitempty"`
	LastReviewed   int64   `json:"lastReviewed,omitempty"`
}

// Key is the identity of an entry: normalized word plus language pair.
func (e Entry) Key() string {
	return MakeKey(e.Word, e.SourceLanguage, e.TargetLanguage)
}

// Time returns the entry timestamp as a time in loc.
func (e Entry) Time(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	return time.UnixMilli(e.Timestamp).In(loc)
}

func MakeKey(word, sourceLanguage, targetLanguage string) string {
	return NormalizeWord(word) + "|" + sourceLanguage + "|" + targetLanguage
}

// NormalizeWord trims and lower-cases a word for identity comparison.
func NormalizeWord(word string) string {
	return cases.Lower(language.Und).String(strings.TrimSpace(word))
}

// Millis converts t to the millisecond clock used by Entry.Timestamp.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

func clone(entries []Entry) []Entry {
	if entries == nil {
		return []Entry{}
	}
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out
}
