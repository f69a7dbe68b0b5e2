package stream

import (
	"context"
	"log"
	"sync"
	"time"

	"walletsync/internal/domain"
	"walletsync/internal/socket"
)

const (
	defaultSocketThrottleDelay = 250 * time.Millisecond
	defaultFetchLimit          = 60
)

// OnUpdate receives new activity batches.
//
// Both slices are sorted canonically. Updates may arrive out of activity-time
// order and may duplicate. allPending never contains an activity whose hash
// belongs to a current or past confirmed activity. loadedAll reports that the
// batch reaches the true start of the wallet's history: a first-sync poll
// whose page came back shorter than the fetch limit.
type OnUpdate func(newConfirmed []*domain.Activity, allPending []*domain.Activity, loadedAll bool)

// OnLoadingChange reports when a regular poll starts or finishes.
type OnLoadingChange func(isLoading bool)

// WalletWatcher is the stream's handle on its socket subscription.
type WalletWatcher interface {
	IsConnected() bool
	Destroy()
}

// WalletGateway creates socket watchers. *socket.Multiplexer satisfies it
// through a thin adapter.
type WalletGateway interface {
	WatchWallets(addresses []string, opts socket.WatchOptions) WalletWatcher
}

// ActivityFetcher is the HTTP pull side of the stream.
type ActivityFetcher interface {
	FetchConfirmedActivities(ctx context.Context, address string, fromTimestamp int64, limit int) ([]*domain.Activity, error)
	FetchPendingActivities(ctx context.Context, address string) ([]*domain.Activity, error)
}

// Options configures an ActivityStream.
type Options struct {
	Address string
	// NewestConfirmedTimestamp is the timestamp of the newest already-known
	// confirmed activity; polls fetch forward from it. Zero means unknown.
	NewestConfirmedTimestamp int64
	// FetchLimit caps one confirmed-activity fetch. Zero selects the default.
	FetchLimit int
	// SocketThrottleDelay coalesces bursty socket batches. Zero selects the
	// default.
	SocketThrottleDelay time.Duration
	// FinishedHashMemory bounds the pending set's finished-hash memory.
	// Zero selects the default.
	FinishedHashMemory int

	Scheduler SchedulerOptions
}

// ActivityStream presents one coherent activity feed for one wallet address,
// regardless of transport. It merges the socket watcher and the fallback
// polling into a single ordered, deduplicated feed and guarantees no ordering
// gap between polled history and live socket events.
type ActivityStream struct {
	address             string
	fetcher             ActivityFetcher
	fetchLimit          int
	socketThrottleDelay time.Duration
	retryDelay          time.Duration

	watcher   WalletWatcher
	scheduler *FallbackPollingScheduler

	ctx    context.Context
	cancel context.CancelFunc

	updateListeners  callbackRegistry[OnUpdate]
	loadingListeners callbackRegistry[OnLoadingChange]

	// emitMu serializes listener invocation so deliveries keep the order in
	// which they were reconciled.
	emitMu sync.Mutex

	mu                       sync.Mutex
	newestConfirmedTimestamp int64
	pending                  *PendingSet
	// While true, polling retries until it succeeds and confirmed socket
	// activities are stashed instead of delivered.
	needsHistoryRestore bool
	// Stash of confirmed socket activities, sorted canonically.
	stash     []*domain.Activity
	destroyed bool

	batchMu    sync.Mutex
	batch      []socket.ActivitiesUpdate
	batchTimer *time.Timer
}

// NewActivityStream subscribes to the gateway and starts the fallback
// polling. The stream runs until Destroy.
func NewActivityStream(gateway WalletGateway, fetcher ActivityFetcher, opts Options) *ActivityStream {
	ctx, cancel := context.WithCancel(context.Background())

	s := &ActivityStream{
		address:                  opts.Address,
		fetcher:                  fetcher,
		fetchLimit:               opts.FetchLimit,
		socketThrottleDelay:      opts.SocketThrottleDelay,
		retryDelay:               opts.Scheduler.MinPollDelay,
		ctx:                      ctx,
		cancel:                   cancel,
		newestConfirmedTimestamp: opts.NewestConfirmedTimestamp,
		pending:                  NewPendingSet(opts.FinishedHashMemory),
	}
	if s.fetchLimit <= 0 {
		s.fetchLimit = defaultFetchLimit
	}
	if s.socketThrottleDelay <= 0 {
		s.socketThrottleDelay = defaultSocketThrottleDelay
	}

	s.watcher = gateway.WatchWallets([]string{opts.Address}, socket.WatchOptions{
		OnConnect:       s.handleSocketConnect,
		OnDisconnect:    s.handleSocketDisconnect,
		OnNewActivities: s.handleSocketUpdate,
	})

	s.mu.Lock()
	s.needsHistoryRestore = s.watcher.IsConnected()
	s.mu.Unlock()

	s.scheduler = NewFallbackPollingScheduler(s.poll, s.watcher.IsConnected(), opts.Scheduler)

	return s
}

// OnUpdate registers a callback firing when new activities arrive.
// The calls are throttled. The returned function unsubscribes.
func (s *ActivityStream) OnUpdate(cb OnUpdate) func() {
	return s.updateListeners.add(cb)
}

// OnLoadingChange registers a callback firing when a poll cycle starts or
// finishes. isLoading=false is guaranteed to arrive after the OnUpdate
// deliveries of the same cycle. The returned function unsubscribes.
func (s *ActivityStream) OnLoadingChange(cb OnLoadingChange) func() {
	return s.loadingListeners.add(cb)
}

// Destroy unsubscribes the watcher and stops the polling. Idempotent; any
// in-flight poll result is discarded when it resolves.
func (s *ActivityStream) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	s.mu.Unlock()

	s.cancel()

	s.batchMu.Lock()
	if s.batchTimer != nil {
		s.batchTimer.Stop()
		s.batchTimer = nil
	}
	s.batch = nil
	s.batchMu.Unlock()

	s.watcher.Destroy()
	s.scheduler.Destroy()
}

func (s *ActivityStream) isDestroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

func (s *ActivityStream) handleSocketConnect() {
	// The confirmed history since the newest known activity must be loaded
	// now, otherwise the activities arriving over the socket would leave a
	// gap in the history.
	s.mu.Lock()
	s.needsHistoryRestore = true
	s.mu.Unlock()
	s.scheduler.OnSocketConnect()
}

func (s *ActivityStream) handleSocketDisconnect() {
	s.mu.Lock()
	s.needsHistoryRestore = false
	s.mu.Unlock()
	s.scheduler.OnSocketDisconnect()
}

// handleSocketUpdate buffers updates for a short window so bursts reach the
// merge logic as one batch. Updates are kept in arrival order, which
// preserves last-writer-wins per hash.
func (s *ActivityStream) handleSocketUpdate(update socket.ActivitiesUpdate) {
	s.batchMu.Lock()
	s.batch = append(s.batch, update)
	if s.batchTimer == nil {
		s.batchTimer = time.AfterFunc(s.socketThrottleDelay, s.flushSocketBatch)
	}
	s.batchMu.Unlock()
}

func (s *ActivityStream) flushSocketBatch() {
	s.batchMu.Lock()
	batch := s.batch
	s.batch = nil
	s.batchTimer = nil
	s.batchMu.Unlock()

	if len(batch) == 0 || s.isDestroyed() {
		return
	}
	s.scheduler.OnSocketMessage()

	var pendingUpdates []socket.ActivitiesUpdate
	var confirmed []*domain.Activity
	for _, u := range batch {
		if u.ArePending {
			pendingUpdates = append(pendingUpdates, u)
		} else {
			confirmed = append(confirmed, u.Activities...)
		}
	}
	confirmed = domain.SortActivities(confirmed)

	// Two goals: pending activities go out with no delay, while confirmed
	// ones arriving before the history is restored get stashed: delivering
	// them early would both create an ordering gap and knock out pending
	// entries before their confirmed versions are properly merged.
	s.emitMu.Lock()
	s.mu.Lock()
	instant := confirmed
	if s.needsHistoryRestore {
		instant = nil
		s.stash = domain.MergeSorted(confirmed, s.stash)
	}
	payload := s.applyLocked(instant, nil, pendingUpdates)
	s.mu.Unlock()
	s.deliver(payload)
	s.emitMu.Unlock()
}

// poll fetches the pending snapshot and the confirmed history slice, merges
// the confirmed stash in, and delivers the result. Runs on the scheduler
// worker, never concurrently with itself.
func (s *ActivityStream) poll() {
	if s.isDestroyed() {
		return
	}

	for _, cb := range s.loadingListeners.snapshot() {
		cb(true)
	}

	var (
		wg          sync.WaitGroup
		allPending  []*domain.Activity
		havePending bool
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		pending, err := s.fetcher.FetchPendingActivities(s.ctx, s.address)
		if err != nil {
			log.Printf("[stream] %s: fetch pending activities: %v", s.address, err)
			return
		}
		if pending == nil {
			pending = []*domain.Activity{}
		}
		allPending, havePending = pending, true
	}()

	confirmed, loadedAll := s.loadNewConfirmedActivities()
	wg.Wait()

	if s.isDestroyed() {
		return
	}

	s.emitMu.Lock()
	s.mu.Lock()
	stash := s.stash
	s.stash = nil
	merged := domain.MergeSorted(confirmed, stash)
	var pendingArg []*domain.Activity
	if havePending {
		pendingArg = allPending
	}
	payload := s.applyLocked(merged, pendingArg, nil)
	if payload != nil {
		payload.loadedAll = loadedAll
	}
	s.needsHistoryRestore = false
	s.mu.Unlock()
	s.deliver(payload)
	s.emitMu.Unlock()

	if !s.isDestroyed() {
		for _, cb := range s.loadingListeners.snapshot() {
			cb(false)
		}
	}
}

// loadNewConfirmedActivities fetches the confirmed slice since the newest
// known activity. While history restoration is pending the fetch retries
// indefinitely, since a missed restore would be a permanent gap. A failed routine
// refresh is given up silently: the socket is the source of truth then.
func (s *ActivityStream) loadNewConfirmedActivities() ([]*domain.Activity, bool) {
	for !s.isDestroyed() {
		s.mu.Lock()
		fromTimestamp := s.newestConfirmedTimestamp
		s.mu.Unlock()

		activities, err := s.fetcher.FetchConfirmedActivities(s.ctx, s.address, fromTimestamp, s.fetchLimit)
		if err == nil {
			// A first-sync page shorter than the limit is the whole history.
			loadedAll := fromTimestamp == 0 && len(activities) < s.fetchLimit
			return activities, loadedAll
		}
		log.Printf("[stream] %s: fetch confirmed activities: %v", s.address, err)

		s.mu.Lock()
		retry := !s.destroyed && s.needsHistoryRestore
		s.mu.Unlock()
		if !retry {
			break
		}

		select {
		case <-s.ctx.Done():
			return nil, false
		case <-time.After(s.retryDelay):
		}
	}
	return nil, false
}

type updatePayload struct {
	confirmed []*domain.Activity
	pending   []*domain.Activity
	loadedAll bool
}

// applyLocked records one batch into the pending set and prepares the
// listener payload. A nil return means there was nothing new.
func (s *ActivityStream) applyLocked(
	confirmed []*domain.Activity,
	allPending []*domain.Activity,
	updates []socket.ActivitiesUpdate,
) *updatePayload {
	if len(confirmed) == 0 && allPending == nil && len(updates) == 0 {
		return nil
	}

	if len(confirmed) > 0 {
		s.newestConfirmedTimestamp = confirmed[0].Timestamp
	}
	s.pending.Update(confirmed, allPending, updates)

	return &updatePayload{confirmed: confirmed, pending: s.pending.All()}
}

func (s *ActivityStream) deliver(payload *updatePayload) {
	if payload == nil {
		return
	}
	for _, cb := range s.updateListeners.snapshot() {
		cb(payload.confirmed, payload.pending, payload.loadedAll)
	}
}
