package store

import (
	"sort"
	"time"
)

// SelectForEviction chooses which entries to remove so that the summed size
// of live entries drops back under maxSize after an insertion.
//
// Candidates are ordered least-recently-accessed first, with creation time
// as the tie-break. The entry just inserted is never a candidate, and
// neither is any entry created after it: an insertion only ever reclaims
// space from its elders. When the candidates are exhausted the remaining
// overshoot is tolerated (the inserted entry may simply be larger than the
// whole budget).
func SelectForEviction(entries []*Entry, inserted *Entry, maxSize int64, now time.Time) []*Entry {
	var total int64
	candidates := make([]*Entry, 0, len(entries))
	for _, entry := range entries {
		if entry.IsExpired(now) {
			continue
		}
		total += entry.FileSizeBytes
		if entry.Identifier == inserted.Identifier {
			continue
		}
		if entry.CreatedAt.After(inserted.CreatedAt) {
			continue
		}
		candidates = append(candidates, entry)
	}

	if total <= maxSize {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.LastAccessedAt.Equal(b.LastAccessedAt) {
			return a.LastAccessedAt.Before(b.LastAccessedAt)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})

	var victims []*Entry
	for _, entry := range candidates {
		if total <= maxSize {
			break
		}
		victims = append(victims, entry)
		total -= entry.FileSizeBytes
	}
	return victims
}
