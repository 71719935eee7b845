package events

import (
	"sort"
)

// Merge deduplicates events by id, keeps only the newest event per address for
// addressable kinds and sorts the result by created_at descending. Equal
// timestamps at one address keep the lowest id. Events are not verified here.
func Merge(evs []*Event) []*Event {
	byID := make(map[string]bool, len(evs))
	latest := make(map[string]*Event, len(evs))
	for _, e := range evs {
		if e == nil || byID[e.ID] {
			continue
		}
		byID[e.ID] = true

		key := e.AddressKey()
		if cur, ok := latest[key]; ok && !Supersedes(e, cur) {
			continue
		}
		latest[key] = e
	}

	out := make([]*Event, 0, len(latest))
	for _, e := range latest {
		out = append(out, e)
	}
	SortNewestFirst(out)
	return out
}

// SortNewestFirst orders events by created_at descending, then by id.
func SortNewestFirst(evs []*Event) {
	sort.Slice(evs, func(i, j int) bool {
		if evs[i].CreatedAt != evs[j].CreatedAt {
			return evs[i].CreatedAt > evs[j].CreatedAt
		}
		return evs[i].ID < evs[j].ID
	})
}

// Supersedes reports whether candidate replaces current at the same address.
func Supersedes(candidate, current *Event) bool {
	if candidate.CreatedAt != current.CreatedAt {
		return candidate.CreatedAt > current.CreatedAt
	}
	return candidate.ID < current.ID
}

// ApplyLimit truncates a newest-first list to the filter limit.
func (f Filter) ApplyLimit(evs []*Event) []*Event {
	if f.Limit > 0 && len(evs) > f.Limit {
		return evs[:f.Limit]
	}
	return evs
}
