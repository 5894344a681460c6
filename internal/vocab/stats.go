package vocab

import "time"

// Stats are derived counters. They are always recomputed from the collection.
type Stats struct {
	TotalWords int   `json:"totalWords"`
	TodayWords int   `json:"todayWords"`
	Streak     int   `json:"streak"`
	LastActive int64 `json:"lastActive"`
}

// ComputeStats derives Stats from entries as observed at now, using now's
// location for calendar days.
func ComputeStats(entries []Entry, now time.Time) Stats {
	stats := Stats{TotalWords: len(entries)}
	if len(entries) == 0 {
		return stats
	}
	loc := now.Location()
	today := StartOfDay(now)
	active := map[int64]struct{}{}
	for _, entry := range entries {
		if entry.Timestamp > stats.LastActive {
			stats.LastActive = entry.Timestamp
		}
		day := StartOfDay(entry.Time(loc))
		active[day.UnixMilli()] = struct{}{}
		if day.Equal(today) {
			stats.TodayWords++
		}
	}

	day := today
	if _, ok := active[day.UnixMilli()]; !ok {
		day = day.AddDate(0, 0, -1)
	}
	for {
		if _, ok := active[day.UnixMilli()]; !ok {
			break
		}
		stats.Streak++
		day = day.AddDate(0, 0, -1)
	}
	return stats
}
