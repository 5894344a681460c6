package vocab

import (
	"fmt"
	"strings"
	"time"
)

type DateMode string

const (
	DateAll    DateMode = "all"
	DateToday  DateMode = "today"
	DateWeek   DateMode = "week"
	DateMonth  DateMode = "month"
	DateCustom DateMode = "custom"
)

func ParseDateMode(raw string) (DateMode, error) {
	switch mode := DateMode(strings.ToLower(strings.TrimSpace(raw))); mode {
	case "":
		return DateAll, nil
	case DateAll, DateToday, DateWeek, DateMonth, DateCustom:
		return mode, nil
	default:
		return "", fmt.Errorf("unknown date filter %q", raw)
	}
}

// FilterByLanguage keeps entries whose source language equals lang. An empty
// lang or "all" keeps everything.
func FilterByLanguage(entries []Entry, lang string) []Entry {
	lang = strings.TrimSpace(lang)
	if lang == "" || strings.EqualFold(lang, "all") {
		return clone(entries)
	}
	out := make([]Entry, 0, len(entries))
	for _, entry := range entries {
		if entry.SourceLanguage == lang {
			out = append(out, entry)
		}
	}
	return out
}

// DateFilter selects entries by capture time. Calendar windows are computed
// from local midnights in Reference's location, so a DST shift never moves an
// entry into the neighbouring day.
type DateFilter struct {
	Mode      DateMode
	Reference time.Time
	// Custom is the inclusive lower bound for DateCustom. It is used as given,
	// not rounded to midnight, and has no upper bound.
	Custom    time.Time
	WeekStart time.Weekday
}

// FilterByDate applies a DateFilter with Sunday as the first day of the week.
func FilterByDate(entries []Entry, mode DateMode, reference, custom time.Time) []Entry {
	return DateFilter{Mode: mode, Reference: reference, Custom: custom, WeekStart: time.Sunday}.Apply(entries)
}

func (f DateFilter) Apply(entries []Entry) []Entry {
	from, to, bounded := f.Window()
	if f.Mode == "" || f.Mode == DateAll {
		return clone(entries)
	}
	out := make([]Entry, 0, len(entries))
	for _, entry := range entries {
		ts := entry.Timestamp
		if ts < from {
			continue
		}
		if bounded && ts >= to {
			continue
		}
		out = append(out, entry)
	}
	return out
}

// Window returns the millisecond range [from, to) selected by the filter.
// bounded is false when there is no upper limit.
func (f DateFilter) Window() (from, to int64, bounded bool) {
	ref := f.Reference
	if ref.IsZero() {
		ref = time.Now()
	}
	today := StartOfDay(ref)
	tomorrow := today.AddDate(0, 0, 1)
	switch f.Mode {
	case DateToday:
		return today.UnixMilli(), tomorrow.UnixMilli(), true
	case DateWeek:
		back := (int(today.Weekday()) - int(f.WeekStart) + 7) % 7
		return today.AddDate(0, 0, -back).UnixMilli(), tomorrow.UnixMilli(), true
	case DateMonth:
		first := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, today.Location())
		return first.UnixMilli(), tomorrow.UnixMilli(), true
	case DateCustom:
		return f.Custom.UnixMilli(), 0, false
	default:
		return 0, 0, false
	}
}

// StartOfDay returns local midnight of t's calendar day in t's location.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
