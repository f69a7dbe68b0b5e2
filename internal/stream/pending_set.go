package stream

import (
	"walletsync/internal/domain"
	"walletsync/internal/socket"
)

// DefaultFinishedHashMemorySize bounds the finished-hash memory of a
// PendingSet unless a different capacity is given.
const DefaultFinishedHashMemorySize = 100

// PendingSet keeps the list of all current pending activities of one wallet
// by merging incoming updates. It is pure and synchronous; the owning
// ActivityStream serializes access.
//
// Besides the working set it remembers the message hashes of recently
// confirmed and invalidated activities. Pendings can arrive after the
// corresponding confirmed activity because the socket and polling run
// concurrently over two unreliable transports; without this memory a late
// duplicate pending message would resurrect an activity that was already
// finished. An older pending version replacing a newer one is still possible,
// which is harmless.
type PendingSet struct {
	// Sorted in the canonical order (see domain.Compare).
	activities []*domain.Activity

	finished      map[string]struct{}
	finishedOrder []string
	capacity      int
}

// NewPendingSet creates an empty set. capacity bounds the finished-hash
// memory; non-positive capacity selects DefaultFinishedHashMemorySize.
func NewPendingSet(capacity int) *PendingSet {
	if capacity <= 0 {
		capacity = DefaultFinishedHashMemorySize
	}
	return &PendingSet{
		finished: make(map[string]struct{}),
		capacity: capacity,
	}
}

// All returns the current pending activities, sorted canonically. The caller
// must not modify the returned slice.
func (s *PendingSet) All() []*domain.Activity {
	return s.activities
}

// Update merges one reconciliation batch into the set.
//
// allPending, when non-nil, is a full pending snapshot (the poll path) and
// replaces the working set wholesale; pass nil (not an empty slice) when no
// snapshot was obtained. Otherwise updates, if any, are merged by message
// hash: a non-empty update upserts, an empty one removes everything sharing
// its hash.
func (s *PendingSet) Update(
	confirmed []*domain.Activity,
	allPending []*domain.Activity,
	updates []socket.ActivitiesUpdate,
) {
	for _, a := range confirmed {
		s.rememberFinished(a.ExternalMsgHashNorm)
	}
	for i := range updates {
		if updates[i].IsFinal() {
			s.rememberFinished(updates[i].MessageHashNormalized)
		}
	}

	switch {
	case allPending != nil:
		s.activities = domain.SortActivities(allPending)
	case len(updates) > 0:
		s.activities = mergePendingUpdates(s.activities, updates)
	}

	// A removal above may have used a hash absent from the incoming batch
	// (e.g. recorded by an earlier confirmed batch), so the finished filter
	// runs over the whole working set.
	kept := s.activities[:0:0]
	for _, a := range s.activities {
		if a.ExternalMsgHashNorm != "" {
			if _, done := s.finished[a.ExternalMsgHashNorm]; done {
				continue
			}
		}
		kept = append(kept, a)
	}
	s.activities = kept

	s.evictFinished()
}

func (s *PendingSet) rememberFinished(hash string) {
	if hash == "" {
		return
	}
	if _, ok := s.finished[hash]; ok {
		return
	}
	s.finished[hash] = struct{}{}
	s.finishedOrder = append(s.finishedOrder, hash)
}

// evictFinished drops the oldest hashes (by insertion order) down to the
// capacity. Eviction is best-effort risk acceptance, not correctness-critical.
func (s *PendingSet) evictFinished() {
	for len(s.finishedOrder) > s.capacity {
		oldest := s.finishedOrder[0]
		s.finishedOrder = s.finishedOrder[1:]
		delete(s.finished, oldest)
	}
}

// mergePendingUpdates applies socket updates to the sorted working set.
// Every update replaces all previous entries sharing its hash; within one
// batch the last update per hash wins.
func mergePendingUpdates(current []*domain.Activity, updates []socket.ActivitiesUpdate) []*domain.Activity {
	latest := make(map[string]int, len(updates))
	for i := range updates {
		latest[updates[i].MessageHashNormalized] = i
	}

	hashesToReplace := make(map[string]struct{}, len(updates))
	var incoming []*domain.Activity
	for i := range updates {
		hashesToReplace[updates[i].MessageHashNormalized] = struct{}{}
		if latest[updates[i].MessageHashNormalized] != i {
			continue
		}
		if updates[i].ArePending {
			incoming = append(incoming, updates[i].Activities...)
		}
	}

	kept := make([]*domain.Activity, 0, len(current))
	for _, a := range current {
		if _, replaced := hashesToReplace[a.ExternalMsgHashNorm]; replaced {
			continue
		}
		kept = append(kept, a)
	}

	return domain.MergeSorted(kept, domain.SortActivities(incoming))
}
