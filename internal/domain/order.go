package domain

import (
	"log"
	"sort"
)

// Compare returns a negative value when a precedes b in the canonical list
// order, positive when it follows, zero when the activities are the same.
//
// The canonical order puts pending activities first, then sorts by timestamp
// descending, then by id. Pendings go on top because their timestamp becomes
// larger than any current confirmed timestamp once they confirm; keeping them
// first reduces movement in the visible list.
func Compare(a, b *Activity) int {
	v := pendingRank(b) - pendingRank(a)
	if v != 0 {
		return v
	}
	if a.Timestamp != b.Timestamp {
		if a.Timestamp > b.Timestamp {
			return -1
		}
		return 1
	}
	switch {
	case a.ID > b.ID:
		return -1
	case a.ID < b.ID:
		return 1
	}
	return 0
}

func pendingRank(a *Activity) int {
	if a.IsPending() {
		return 1
	}
	return 0
}

// SortActivities removes duplicate ids (first occurrence wins) and sorts the
// result in the canonical order. The input slice is not modified.
func SortActivities(activities []*Activity) []*Activity {
	out := uniqueByID(activities)
	sort.SliceStable(out, func(i, j int) bool {
		return Compare(out[i], out[j]) < 0
	})
	return out
}

// MergeSorted merges canonically sorted lists into one sorted list with no
// duplicate ids. On a tie, the activity from the earlier list wins.
func MergeSorted(lists ...[]*Activity) []*Activity {
	// Unsorted input would silently produce duplicates, so it is checked and
	// repaired here rather than trusted.
	for i, list := range lists {
		if !AreSortedAndUnique(list) {
			log.Printf("[domain] activity list %d is unsorted or has duplicates", i)
			lists[i] = SortActivities(list)
		}
	}

	total := 0
	for _, list := range lists {
		total += len(list)
	}

	out := make([]*Activity, 0, total)
	seen := make(map[string]struct{}, total)
	heads := make([]int, len(lists))

	for {
		best := -1
		for i, list := range lists {
			for heads[i] < len(list) {
				if _, dup := seen[list[heads[i]].ID]; dup {
					heads[i]++
					continue
				}
				break
			}
			if heads[i] >= len(list) {
				continue
			}
			if best < 0 || Compare(list[heads[i]], lists[best][heads[best]]) < 0 {
				best = i
			}
		}
		if best < 0 {
			return out
		}
		next := lists[best][heads[best]]
		heads[best]++
		seen[next.ID] = struct{}{}
		out = append(out, next)
	}
}

// AreSortedAndUnique reports whether the list strictly follows the canonical
// order (which also implies there are no duplicate ids).
func AreSortedAndUnique(activities []*Activity) bool {
	for i := 1; i < len(activities); i++ {
		if Compare(activities[i-1], activities[i]) >= 0 {
			return false
		}
	}
	return true
}

// SortIDs sorts activity ids in the canonical order of the activities they
// reference in byID. Unknown ids are dropped.
func SortIDs(byID map[string]*Activity, ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		if byID[id] == nil {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return Compare(byID[out[i]], byID[out[j]]) < 0
	})
	return out
}

// MergeSortedIDs merges sorted id lists the way MergeSorted merges
// activity lists, resolving order through byID.
func MergeSortedIDs(byID map[string]*Activity, lists ...[]string) []string {
	activityLists := make([][]*Activity, len(lists))
	for i, ids := range lists {
		activities := make([]*Activity, 0, len(ids))
		for _, id := range ids {
			if a := byID[id]; a != nil {
				activities = append(activities, a)
			}
		}
		activityLists[i] = activities
	}

	merged := MergeSorted(activityLists...)
	out := make([]string, len(merged))
	for i, a := range merged {
		out[i] = a.ID
	}
	return out
}

func uniqueByID(activities []*Activity) []*Activity {
	out := make([]*Activity, 0, len(activities))
	seen := make(map[string]struct{}, len(activities))
	for _, a := range activities {
		if _, dup := seen[a.ID]; dup {
			continue
		}
		seen[a.ID] = struct{}{}
		out = append(out, a)
	}
	return out
}
