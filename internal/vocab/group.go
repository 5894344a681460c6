package vocab

import "sort"

// AllGroup is the single group name used when grouping is disabled.
const AllGroup = "all"

// GroupByLanguage buckets entries by source language, each bucket sorted for
// presentation. With enabled=false everything lands in AllGroup.
func GroupByLanguage(entries []Entry, enabled bool) map[string][]Entry {
	groups := map[string][]Entry{}
	if !enabled {
		all := clone(entries)
		Sort(all)
		groups[AllGroup] = all
		return groups
	}
	for _, entry := range entries {
		groups[entry.SourceLanguage] = append(groups[entry.SourceLanguage], entry)
	}
	for lang := range groups {
		Sort(groups[lang])
	}
	return groups
}

// GroupNames returns the group names of groups in ascending order.
func GroupNames(groups map[string][]Entry) []string {
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Languages lists the distinct source languages present in entries.
func Languages(entries []Entry) []string {
	seen := map[string]struct{}{}
	for _, entry := range entries {
		seen[entry.SourceLanguage] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for lang := range seen {
		out = append(out, lang)
	}
	sort.Strings(out)
	return out
}
