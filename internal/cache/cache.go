// Package cache holds the application-facing wallet activity store. It is
// the only place the rest of the application reads or writes activity
// history. All mutations for one account run on that account's worker
// goroutine, which makes the merge logic race-free without fine-grained
// locking.
package cache

import (
	"context"
	"errors"
	"log"
	"reflect"
	"sync"

	"walletsync/internal/domain"
	"walletsync/internal/storage"
)

// ErrNotCached signals that the requested window is not resident. The caller
// is expected to trigger a network fetch, not to treat it as a failure.
var ErrNotCached = errors.New("requested window is not cached")

// persistedIDsLimit caps the id window written to durable storage per
// bucket. The in-memory lists are unbounded until the account is removed.
const persistedIDsLimit = 200

// Stores groups the durable storage the cache writes through. Writes are
// fire-and-forget relative to the in-memory merge: the merge always succeeds
// first and a failed flush is logged, never propagated.
type Stores struct {
	Activities storage.ActivityStore
	Indexes    storage.ActivityIndexStore
	States     storage.AccountStateStore
}

// ActivityCache is the cross-account activity store.
type ActivityCache struct {
	stores Stores
	gate   NotificationGate

	mu       sync.Mutex
	accounts map[string]*accountState
	workers  map[string]*worker
	active   string
	closed   bool
	quit     chan struct{}

	listeners listenerRegistry
}

// accountState is owned by the account's worker goroutine; nothing outside
// the worker may touch it after creation.
type accountState struct {
	byID       map[string]*domain.Activity
	buckets    map[string][]string // bucket -> ordered ids, newest first
	locals     []*domain.Activity
	pendingIDs []string
	endReached map[string]bool

	newestConfirmedTimestamp int64

	// Reentrant persistence batching: flush happens when depth returns to
	// zero, once per logical update regardless of how many buckets changed.
	txDepth      int
	dirtyDocs    map[string]struct{}
	deletedDocs  map[string]struct{}
	dirtyBuckets map[string]struct{}
	dirtyState   bool
}

type worker struct {
	tasks chan func()
}

// New creates an ActivityCache on top of the given stores. gate may be nil,
// which disables the incoming-transfer notification hook.
func New(stores Stores, gate NotificationGate) *ActivityCache {
	return &ActivityCache{
		stores:   stores,
		gate:     gate,
		accounts: make(map[string]*accountState),
		workers:  make(map[string]*worker),
		quit:     make(chan struct{}),
	}
}

// Close stops all account workers. Operations after Close are dropped.
func (c *ActivityCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.quit)
}

// SetActiveAccount marks the account whose incoming transfers may ring the
// notification hook.
func (c *ActivityCache) SetActiveAccount(accountID string) {
	c.mu.Lock()
	c.active = accountID
	c.mu.Unlock()
}

// run enqueues fn on the account's worker. Returns false when the cache is
// closed.
func (c *ActivityCache) run(accountID string, fn func()) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	w, ok := c.workers[accountID]
	if !ok {
		w = &worker{tasks: make(chan func(), 128)}
		c.workers[accountID] = w
		go c.workerLoop(w)
	}
	c.mu.Unlock()

	select {
	case w.tasks <- fn:
		return true
	case <-c.quit:
		return false
	}
}

// runWait enqueues fn and blocks until it has run.
func (c *ActivityCache) runWait(accountID string, fn func()) bool {
	done := make(chan struct{})
	if !c.run(accountID, func() {
		defer close(done)
		fn()
	}) {
		return false
	}
	select {
	case <-done:
		return true
	case <-c.quit:
		return false
	}
}

func (c *ActivityCache) workerLoop(w *worker) {
	for {
		select {
		case fn := <-w.tasks:
			fn()
		case <-c.quit:
			return
		}
	}
}

// state returns the account's state, loading it from durable storage on first
// access. Must run on the account's worker.
func (c *ActivityCache) state(accountID string) *accountState {
	c.mu.Lock()
	st, ok := c.accounts[accountID]
	if !ok {
		st = newAccountState()
		c.accounts[accountID] = st
	}
	c.mu.Unlock()
	if !ok {
		c.load(accountID, st)
	}
	return st
}

func newAccountState() *accountState {
	return &accountState{
		byID:         make(map[string]*domain.Activity),
		buckets:      make(map[string][]string),
		endReached:   make(map[string]bool),
		dirtyDocs:    make(map[string]struct{}),
		deletedDocs:  make(map[string]struct{}),
		dirtyBuckets: make(map[string]struct{}),
	}
}

// load reconstitutes the account's state from durable storage. Failures
// leave an empty state; the next sync repopulates it.
func (c *ActivityCache) load(accountID string, st *accountState) {
	ctx := context.Background()

	saved, err := c.stores.States.Get(ctx, accountID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Printf("[cache] %s: load account state: %v", accountID, err)
		}
		return
	}

	st.newestConfirmedTimestamp = saved.NewestConfirmedTimestamp
	st.pendingIDs = saved.PendingIDs
	st.endReached[storage.MainBucket] = saved.MainHistoryEndReached
	for slug, reached := range saved.HistoryEndReachedBySlug {
		st.endReached[slug] = reached
	}

	buckets := []string{storage.MainBucket}
	for slug := range saved.HistoryEndReachedBySlug {
		buckets = append(buckets, slug)
	}
	allIDs := append([]string(nil), saved.LocalIDs...)
	allIDs = append(allIDs, saved.PendingIDs...)
	for _, bucket := range buckets {
		ids, err := c.stores.Indexes.GetIDs(ctx, accountID, bucket)
		if err != nil {
			log.Printf("[cache] %s: load bucket %q: %v", accountID, bucket, err)
			continue
		}
		st.buckets[bucket] = ids
		allIDs = append(allIDs, ids...)
	}

	docs, err := c.stores.Activities.GetByIDs(ctx, accountID, allIDs)
	if err != nil {
		log.Printf("[cache] %s: load activities: %v", accountID, err)
		return
	}
	for _, a := range docs {
		if domain.IsLocalID(a.ID) {
			st.locals = append(st.locals, a)
		} else {
			st.byID[a.ID] = a
		}
	}
}

// Fetch reads a window of an account's history from the cache in canonical
// order. bucket is storage.MainBucket or a token slug; beforeID, when
// non-empty, positions the window right after that activity. The second
// return value reports whether the oldest cached item is the true end of the
// account's history.
//
// ErrNotCached is returned when the window is not resident, including when
// beforeID matches nothing; the caller should fetch over the network and
// ingest the result. Hidden activities are included; filtering is a display
// concern.
func (c *ActivityCache) Fetch(accountID, bucket, beforeID string, limit int) ([]*domain.Activity, bool, error) {
	var (
		result     []*domain.Activity
		endReached bool
		err        error
	)
	ok := c.runWait(accountID, func() {
		result, endReached, err = c.fetchLocked(accountID, bucket, beforeID, limit)
	})
	if !ok {
		return nil, false, ErrNotCached
	}
	return result, endReached, err
}

func (c *ActivityCache) fetchLocked(accountID, bucket, beforeID string, limit int) ([]*domain.Activity, bool, error) {
	st := c.state(accountID)
	ids := st.buckets[bucket]
	endReached := st.endReached[bucket]

	start := 0
	if beforeID != "" {
		idx := indexOf(ids, beforeID)
		if idx < 0 {
			return nil, false, ErrNotCached
		}
		start = idx + 1
	}

	end := start + limit
	if end > len(ids) {
		end = len(ids)
	}
	window := ids[start:end]
	if len(window) < limit && !endReached {
		return nil, false, ErrNotCached
	}

	result := make([]*domain.Activity, 0, len(window))
	for _, id := range window {
		if a := st.byID[id]; a != nil {
			result = append(result, a)
		}
	}
	atEnd := endReached && end == len(ids)
	return result, atEnd, nil
}

// Ingest is the single reconciliation entry point, called for the initial
// full sync and for every incremental update.
//
// newConfirmed carries confirmed chain activities; allPending, when non-nil,
// wholesale-replaces the account's upstream pending set (nil means "no
// pending information in this batch"). loadedAll hints that newConfirmed
// reaches the true start of the account's history. When isUpdateEvent is
// true, exactly one change notification fires after all buckets are updated.
func (c *ActivityCache) Ingest(accountID string, newConfirmed, allPending []*domain.Activity, isUpdateEvent, loadedAll bool) {
	c.run(accountID, func() {
		c.ingest(accountID, newConfirmed, allPending, isUpdateEvent, loadedAll)
	})
}

func (c *ActivityCache) ingest(accountID string, newConfirmed, allPending []*domain.Activity, isUpdateEvent, loadedAll bool) {
	// The cache owns its documents outright. Callers keep their activity
	// objects on other goroutines, so everything entering the cache is cloned
	// first and never written to in place.
	newConfirmed = cloneActivities(newConfirmed)
	allPending = cloneActivities(allPending)

	st := c.state(accountID)
	st.begin()

	incoming := make([]*domain.Activity, 0, len(newConfirmed)+len(allPending))
	incoming = append(incoming, newConfirmed...)
	incoming = append(incoming, allPending...)

	c.replaceMatchedLocals(st, incoming)

	for _, a := range newConfirmed {
		c.upsert(st, a)
	}
	if len(newConfirmed) > 0 {
		newest := newConfirmed[0].Timestamp
		if newest > st.newestConfirmedTimestamp {
			st.newestConfirmedTimestamp = newest
			st.dirtyState = true
		}
	}

	if allPending != nil {
		c.replacePending(st, allPending)
	}

	if loadedAll {
		c.markHistoryEnd(st, newConfirmed)
	}

	c.end(accountID, st)

	if isUpdateEvent {
		c.notify(accountID, newConfirmed, st.pendingActivities())
		c.maybeRingHook(accountID, newConfirmed)
	}
}

// replaceMatchedLocals removes local (optimistic) activities that now have an
// upstream counterpart and removes superseded pending chain ids. A pending
// chain activity replacing a pendingTrusted local inherits the trusted
// status.
func (c *ActivityCache) replaceMatchedLocals(st *accountState, incoming []*domain.Activity) {
	if len(incoming) == 0 {
		return
	}

	prev := make([]*domain.Activity, 0, len(st.locals)+len(st.pendingIDs))
	prev = append(prev, st.locals...)
	for _, id := range st.pendingIDs {
		if a := st.byID[id]; a != nil {
			prev = append(prev, a)
		}
	}
	if len(prev) == 0 {
		return
	}

	byID := make(map[string]*domain.Activity, len(incoming))
	for _, a := range incoming {
		byID[a.ID] = a
	}

	replacements := domain.IDReplacements(prev, incoming)
	for prevID, nextID := range replacements {
		if prevID == nextID {
			continue
		}
		next := byID[nextID]

		if domain.IsLocalID(prevID) {
			local := st.removeLocal(prevID)
			if local != nil && local.Status == domain.StatusPendingTrusted && next != nil && next.Status == domain.StatusPending {
				next.Status = domain.StatusPendingTrusted
			}
			st.deletedDocs[prevID] = struct{}{}
			st.dirtyState = true
			continue
		}

		st.removeChainID(prevID)
	}
}

// upsert inserts the activity or replaces an existing representation when it
// differs materially. Unchanged representations are skipped to avoid
// redundant writes and notifications.
func (c *ActivityCache) upsert(st *accountState, a *domain.Activity) {
	if old := st.byID[a.ID]; old != nil && reflect.DeepEqual(old, a) {
		return
	}
	isNew := st.byID[a.ID] == nil
	st.byID[a.ID] = a
	st.dirtyDocs[a.ID] = struct{}{}

	if !isNew {
		return
	}
	for _, bucket := range activityBuckets(a) {
		st.buckets[bucket] = domain.MergeSortedIDs(st.byID, []string{a.ID}, st.buckets[bucket])
		st.dirtyBuckets[bucket] = struct{}{}
		if _, known := st.endReached[bucket]; !known {
			st.endReached[bucket] = false
			st.dirtyState = true
		}
	}
}

// replacePending swaps the upstream pending set wholesale.
func (c *ActivityCache) replacePending(st *accountState, allPending []*domain.Activity) {
	oldIDs := make(map[string]struct{}, len(st.pendingIDs))
	for _, id := range st.pendingIDs {
		oldIDs[id] = struct{}{}
	}

	newIDs := make([]string, 0, len(allPending))
	for _, a := range allPending {
		c.upsert(st, a)
		newIDs = append(newIDs, a.ID)
		delete(oldIDs, a.ID)
	}

	// Pending ids that vanished without confirming were invalidated upstream.
	for id := range oldIDs {
		if a := st.byID[id]; a != nil && a.IsPending() {
			st.removeChainID(id)
		}
	}

	st.pendingIDs = newIDs
	st.dirtyState = true
}

// markHistoryEnd records that the batch reaches the true start of history.
// Only the buckets the batch touches can be proven gap-free, so only those
// flags move.
func (c *ActivityCache) markHistoryEnd(st *accountState, batch []*domain.Activity) {
	st.endReached[storage.MainBucket] = true
	for _, a := range batch {
		for _, slug := range a.TokenSlugs() {
			st.endReached[slug] = true
		}
	}
	st.dirtyState = true
}

// UpdateOne upserts a single activity, used for out-of-band enrichment such
// as lazily fetched fee details. Never removes.
func (c *ActivityCache) UpdateOne(accountID string, activity *domain.Activity) {
	if activity == nil || activity.ID == "" {
		return
	}
	c.run(accountID, func() {
		activity := cloneActivity(activity)
		st := c.state(accountID)
		st.begin()
		if domain.IsLocalID(activity.ID) {
			st.upsertLocal(activity)
			st.dirtyDocs[activity.ID] = struct{}{}
			st.dirtyState = true
		} else {
			c.upsert(st, activity)
		}
		c.end(accountID, st)
		c.notify(accountID, []*domain.Activity{activity}, st.pendingActivities())
	})
}

// AddLocals enters optimistic activities created at submission time. A local
// that already has an upstream counterpart in the cached history is entered
// hidden rather than dropped, so its id stays resolvable.
func (c *ActivityCache) AddLocals(accountID string, locals []*domain.Activity) {
	if len(locals) == 0 {
		return
	}
	c.run(accountID, func() {
		st := c.state(accountID)
		st.begin()
		for _, local := range cloneActivities(locals) {
			if c.hasUpstreamCounterpart(st, local) {
				local.ShouldHide = true
			}
			st.upsertLocal(local)
			st.dirtyDocs[local.ID] = struct{}{}
		}
		st.dirtyState = true
		c.end(accountID, st)
		c.notify(accountID, nil, st.pendingActivities())
	})
}

func (c *ActivityCache) hasUpstreamCounterpart(st *accountState, local *domain.Activity) bool {
	for _, a := range st.byID {
		if domain.MatchesLocal(local, a) {
			return true
		}
	}
	return false
}

// RemoveAccount destroys every cache entry of the account, in memory and in
// durable storage.
func (c *ActivityCache) RemoveAccount(accountID string) {
	c.runWait(accountID, func() {
		c.mu.Lock()
		delete(c.accounts, accountID)
		c.mu.Unlock()

		ctx := context.Background()
		if err := c.stores.Activities.DeleteAccount(ctx, accountID); err != nil {
			log.Printf("[cache] %s: delete activities: %v", accountID, err)
		}
		if err := c.stores.Indexes.DeleteAccount(ctx, accountID); err != nil {
			log.Printf("[cache] %s: delete indexes: %v", accountID, err)
		}
		if err := c.stores.States.Delete(ctx, accountID); err != nil {
			log.Printf("[cache] %s: delete state: %v", accountID, err)
		}
	})
}

func (st *accountState) begin() {
	st.txDepth++
}

// end flushes the batched writes once the outermost logical update finishes.
func (c *ActivityCache) end(accountID string, st *accountState) {
	st.txDepth--
	if st.txDepth > 0 {
		return
	}
	c.flush(accountID, st)
}

func (c *ActivityCache) flush(accountID string, st *accountState) {
	ctx := context.Background()

	if len(st.dirtyDocs) > 0 {
		docs := make([]*domain.Activity, 0, len(st.dirtyDocs))
		for id := range st.dirtyDocs {
			if a := st.docByID(id); a != nil {
				docs = append(docs, a)
			}
		}
		if err := c.stores.Activities.Upsert(ctx, accountID, docs); err != nil {
			log.Printf("[cache] %s: persist activities: %v", accountID, err)
		}
		st.dirtyDocs = make(map[string]struct{})
	}

	if len(st.deletedDocs) > 0 {
		ids := make([]string, 0, len(st.deletedDocs))
		for id := range st.deletedDocs {
			ids = append(ids, id)
		}
		if err := c.stores.Activities.DeleteByIDs(ctx, accountID, ids); err != nil {
			log.Printf("[cache] %s: delete activities: %v", accountID, err)
		}
		st.deletedDocs = make(map[string]struct{})
	}

	if len(st.dirtyBuckets) > 0 {
		for bucket := range st.dirtyBuckets {
			ids := st.buckets[bucket]
			if len(ids) > persistedIDsLimit {
				ids = ids[:persistedIDsLimit]
			}
			if err := c.stores.Indexes.PutIDs(ctx, accountID, bucket, ids); err != nil {
				log.Printf("[cache] %s: persist bucket %q: %v", accountID, bucket, err)
			}
		}
		st.dirtyBuckets = make(map[string]struct{})
	}

	if st.dirtyState {
		if err := c.stores.States.Put(ctx, accountID, st.snapshot()); err != nil {
			log.Printf("[cache] %s: persist state: %v", accountID, err)
		}
		st.dirtyState = false
	}
}

func (st *accountState) snapshot() *storage.AccountState {
	localIDs := make([]string, 0, len(st.locals))
	for _, a := range st.locals {
		localIDs = append(localIDs, a.ID)
	}
	bySlug := make(map[string]bool, len(st.endReached))
	for bucket, reached := range st.endReached {
		if bucket != storage.MainBucket {
			bySlug[bucket] = reached
		}
	}
	return &storage.AccountState{
		NewestConfirmedTimestamp: st.newestConfirmedTimestamp,
		LocalIDs:                 localIDs,
		PendingIDs:               append([]string(nil), st.pendingIDs...),
		MainHistoryEndReached:    st.endReached[storage.MainBucket],
		HistoryEndReachedBySlug:  bySlug,
	}
}

func (st *accountState) docByID(id string) *domain.Activity {
	if a := st.byID[id]; a != nil {
		return a
	}
	for _, a := range st.locals {
		if a.ID == id {
			return a
		}
	}
	return nil
}

func (st *accountState) upsertLocal(local *domain.Activity) {
	for i, a := range st.locals {
		if a.ID == local.ID {
			st.locals[i] = local
			return
		}
	}
	st.locals = domain.MergeSorted([]*domain.Activity{local}, st.locals)
}

func (st *accountState) removeLocal(id string) *domain.Activity {
	for i, a := range st.locals {
		if a.ID == id {
			st.locals = append(st.locals[:i], st.locals[i+1:]...)
			return a
		}
	}
	return nil
}

// removeChainID drops a superseded chain activity from every structure.
func (st *accountState) removeChainID(id string) {
	delete(st.byID, id)
	st.deletedDocs[id] = struct{}{}
	delete(st.dirtyDocs, id)
	for bucket, ids := range st.buckets {
		if idx := indexOf(ids, id); idx >= 0 {
			st.buckets[bucket] = append(ids[:idx], ids[idx+1:]...)
			st.dirtyBuckets[bucket] = struct{}{}
		}
	}
	if idx := indexOf(st.pendingIDs, id); idx >= 0 {
		st.pendingIDs = append(st.pendingIDs[:idx], st.pendingIDs[idx+1:]...)
		st.dirtyState = true
	}
}

// pendingActivities returns the visible pending set: upstream pendings plus
// non-hidden locals, canonically sorted.
func (st *accountState) pendingActivities() []*domain.Activity {
	out := make([]*domain.Activity, 0, len(st.pendingIDs)+len(st.locals))
	for _, id := range st.pendingIDs {
		if a := st.byID[id]; a != nil {
			out = append(out, a)
		}
	}
	for _, a := range st.locals {
		if !a.ShouldHide {
			out = append(out, a)
		}
	}
	return domain.SortActivities(out)
}

func activityBuckets(a *domain.Activity) []string {
	buckets := []string{storage.MainBucket}
	for _, slug := range a.TokenSlugs() {
		if slug != storage.MainBucket {
			buckets = append(buckets, slug)
		}
	}
	return buckets
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}

// cloneActivity copies an activity including its kind payload so the cache
// never shares mutable documents with callers.
func cloneActivity(a *domain.Activity) *domain.Activity {
	activityCopy := *a
	if a.Transaction != nil {
		txCopy := *a.Transaction
		activityCopy.Transaction = &txCopy
	}
	if a.Swap != nil {
		swapCopy := *a.Swap
		activityCopy.Swap = &swapCopy
	}
	return &activityCopy
}

// cloneActivities preserves nil, which Ingest treats as "no information".
func cloneActivities(list []*domain.Activity) []*domain.Activity {
	if list == nil {
		return nil
	}
	out := make([]*domain.Activity, len(list))
	for i, a := range list {
		out[i] = cloneActivity(a)
	}
	return out
}
