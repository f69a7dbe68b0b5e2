package socket

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"walletsync/internal/domain"
)

type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	closed    bool
	sent      []clientMessage

	onMessage    func([]byte)
	onConnect    func()
	onDisconnect func()
}

func (t *fakeTransport) Send(v any) error {
	msg, ok := v.(clientMessage)
	if !ok {
		return fmt.Errorf("unexpected message type %T", v)
	}
	t.mu.Lock()
	t.sent = append(t.sent, msg)
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) OnMessage(cb func([]byte)) { t.mu.Lock(); t.onMessage = cb; t.mu.Unlock() }
func (t *fakeTransport) OnConnect(cb func())       { t.mu.Lock(); t.onConnect = cb; t.mu.Unlock() }
func (t *fakeTransport) OnDisconnect(cb func())    { t.mu.Lock(); t.onDisconnect = cb; t.mu.Unlock() }

func (t *fakeTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *fakeTransport) Reconnect() {}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.connected = false
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) connect() {
	t.mu.Lock()
	t.connected = true
	cb := t.onConnect
	t.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (t *fakeTransport) disconnect() {
	t.mu.Lock()
	t.connected = false
	cb := t.onDisconnect
	t.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (t *fakeTransport) serve(raw string) {
	t.mu.Lock()
	cb := t.onMessage
	t.mu.Unlock()
	cb([]byte(raw))
}

func (t *fakeTransport) subscriptionRequests() []clientMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []clientMessage
	for _, msg := range t.sent {
		if msg.Operation == "set_subscription" {
			out = append(out, msg)
		}
	}
	return out
}

// confirmSubscription replays the id of the newest set_subscription request as
// a subscription_set confirmation.
func (t *fakeTransport) confirmSubscription() {
	requests := t.subscriptionRequests()
	if len(requests) == 0 {
		panic("no subscription request to confirm")
	}
	id := requests[len(requests)-1].ID
	t.serve(fmt.Sprintf(`{"status":"subscription_set","id":"%s"}`, id))
}

// fakeDecoder emits one minimal activity per action.
type fakeDecoder struct{}

func (fakeDecoder) Decode(_ string, actions []Action, _ AddressBook, arePending bool) ([]*domain.Activity, error) {
	status := domain.StatusCompleted
	if arePending {
		status = domain.StatusPending
	}
	out := make([]*domain.Activity, 0, len(actions))
	for _, a := range actions {
		out = append(out, &domain.Activity{
			ID:                  a.ActionID,
			Kind:                domain.KindTransaction,
			Timestamp:           a.EndUtime * 1000,
			ExternalMsgHashNorm: a.NormalizedHash(),
			Status:              status,
			Transaction:         &domain.Transaction{},
		})
	}
	return out, nil
}

type updateRecorder struct {
	mu      sync.Mutex
	updates []ActivitiesUpdate
}

func (r *updateRecorder) record(u ActivitiesUpdate) {
	r.mu.Lock()
	r.updates = append(r.updates, u)
	r.mu.Unlock()
}

func (r *updateRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

func (r *updateRecorder) last() ActivitiesUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updates[len(r.updates)-1]
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// newTestMultiplexer wires one watcher on the given addresses and brings the
// fake transport up to the confirmed-subscription state.
func newTestMultiplexer(t *testing.T, addresses ...string) (*Multiplexer, *fakeTransport, *Watcher, *updateRecorder) {
	t.Helper()
	ft := &fakeTransport{}
	mux := NewMultiplexer(func() Transport { return ft }, fakeDecoder{})
	t.Cleanup(mux.Close)

	rec := &updateRecorder{}
	w := mux.WatchWallets(addresses, WatchOptions{OnNewActivities: rec.record})

	waitUntil(t, "dial", func() bool {
		ft.mu.Lock()
		defer ft.mu.Unlock()
		return ft.onMessage != nil
	})
	ft.connect()
	waitUntil(t, "subscription request", func() bool { return len(ft.subscriptionRequests()) >= 1 })
	ft.confirmSubscription()
	waitUntil(t, "watcher connect", w.IsConnected)
	return mux, ft, w, rec
}

func TestMultiplexer_WatcherConnectsOnConfirmation(t *testing.T) {
	ft := &fakeTransport{}
	mux := NewMultiplexer(func() Transport { return ft }, fakeDecoder{})
	defer mux.Close()

	var connects int32
	var mu sync.Mutex
	w := mux.WatchWallets([]string{"walletA"}, WatchOptions{
		OnNewActivities: func(ActivitiesUpdate) {},
		OnConnect: func() {
			mu.Lock()
			connects++
			mu.Unlock()
		},
	})

	waitUntil(t, "dial", func() bool {
		ft.mu.Lock()
		defer ft.mu.Unlock()
		return ft.onMessage != nil
	})
	if w.IsConnected() {
		t.Fatalf("watcher connected before the transport")
	}

	ft.connect()
	waitUntil(t, "subscription request", func() bool { return len(ft.subscriptionRequests()) >= 1 })
	if w.IsConnected() {
		t.Fatalf("watcher connected before the subscription was confirmed")
	}

	ft.confirmSubscription()
	waitUntil(t, "watcher connect", w.IsConnected)
	mu.Lock()
	defer mu.Unlock()
	if connects != 1 {
		t.Fatalf("OnConnect fired %d times, want 1", connects)
	}
}

func TestMultiplexer_ConfirmationWithoutIDConnectsNobody(t *testing.T) {
	ft := &fakeTransport{}
	mux := NewMultiplexer(func() Transport { return ft }, fakeDecoder{})
	defer mux.Close()

	w := mux.WatchWallets([]string{"walletA"}, WatchOptions{OnNewActivities: func(ActivitiesUpdate) {}})
	waitUntil(t, "dial", func() bool {
		ft.mu.Lock()
		defer ft.mu.Unlock()
		return ft.onMessage != nil
	})
	ft.connect()
	waitUntil(t, "subscription request", func() bool { return len(ft.subscriptionRequests()) >= 1 })

	// A confirmation that cannot be tied to a request covers no watchers.
	ft.serve(`{"status":"subscription_set"}`)
	ft.serve(`{"status":"subscription_set","id":"bogus"}`)
	time.Sleep(10 * time.Millisecond)
	if w.IsConnected() {
		t.Fatalf("watcher connected off a confirmation with no usable id")
	}

	ft.confirmSubscription()
	waitUntil(t, "watcher connect", w.IsConnected)
}

func TestMultiplexer_SecondWatcherGatedByRequestID(t *testing.T) {
	mux, ft, _, _ := newTestMultiplexer(t, "walletA")

	rec2 := &updateRecorder{}
	w2 := mux.WatchWallets([]string{"walletB"}, WatchOptions{OnNewActivities: rec2.record})
	requestsBefore := len(ft.subscriptionRequests())
	waitUntil(t, "second subscription request", func() bool {
		return len(ft.subscriptionRequests()) > requestsBefore
	})

	// A confirmation of the earlier request must not connect the late watcher:
	// its address was not part of that request.
	requests := ft.subscriptionRequests()
	ft.serve(fmt.Sprintf(`{"status":"subscription_set","id":"%s"}`, requests[0].ID))
	time.Sleep(10 * time.Millisecond)
	if w2.IsConnected() {
		t.Fatalf("late watcher connected off a stale confirmation")
	}

	ft.confirmSubscription()
	waitUntil(t, "late watcher connect", w2.IsConnected)

	// The union request must carry both addresses.
	last := requests[len(requests)-1]
	if _, ok := last.Subscriptions["walletA"]; !ok {
		t.Fatalf("union request is missing walletA: %v", last.Subscriptions)
	}
	if _, ok := last.Subscriptions["walletB"]; !ok {
		t.Fatalf("union request is missing walletB: %v", last.Subscriptions)
	}
}

func TestMultiplexer_RoutesActionsByResolvedAddress(t *testing.T) {
	mux, ft, _, recA := newTestMultiplexer(t, "walletA")

	recB := &updateRecorder{}
	w2 := mux.WatchWallets([]string{"walletB"}, WatchOptions{OnNewActivities: recB.record})
	waitUntil(t, "second subscription request", func() bool { return len(ft.subscriptionRequests()) >= 2 })
	ft.confirmSubscription()
	waitUntil(t, "second watcher connect", w2.IsConnected)

	ft.serve(`{
		"type": "actions",
		"message_hash_norm": "hash1",
		"actions": [{
			"action_id": "act1",
			"type": "ton_transfer",
			"success": true,
			"end_utime": 100,
			"trace_external_hash_norm": "hash1",
			"accounts": ["0:rawA"]
		}],
		"address_book": {"0:rawA": {"user_friendly": "walletA"}}
	}`)

	waitUntil(t, "delivery to walletA", func() bool { return recA.count() >= 1 })
	got := recA.last()
	if got.Address != "walletA" || got.ArePending || got.MessageHashNormalized != "hash1" {
		t.Fatalf("unexpected update: %+v", got)
	}
	if len(got.Activities) != 1 || got.Activities[0].ID != "act1" {
		t.Fatalf("unexpected activities: %+v", got.Activities)
	}
	if recB.count() != 0 {
		t.Fatalf("walletB received an update for walletA's action")
	}
}

func TestMultiplexer_InvalidationReachesRememberedAddresses(t *testing.T) {
	_, ft, _, rec := newTestMultiplexer(t, "walletA")

	ft.serve(`{
		"type": "pending_actions",
		"message_hash_norm": "hash1",
		"actions": [{
			"action_id": "act1",
			"type": "ton_transfer",
			"end_utime": 100,
			"trace_external_hash_norm": "hash1",
			"accounts": ["0:rawA"]
		}],
		"address_book": {"0:rawA": {"user_friendly": "walletA"}}
	}`)
	waitUntil(t, "pending delivery", func() bool { return rec.count() >= 1 })
	if got := rec.last(); !got.ArePending || len(got.Activities) != 1 {
		t.Fatalf("unexpected pending update: %+v", got)
	}

	// The invalidation names only the hash. It must reach walletA as an empty
	// pending update, so the pending entry gets dropped.
	ft.serve(`{"type": "invalidated", "message_hash_norm": "hash1"}`)
	waitUntil(t, "invalidation delivery", func() bool { return rec.count() >= 2 })
	got := rec.last()
	if got.Address != "walletA" || !got.ArePending || len(got.Activities) != 0 {
		t.Fatalf("unexpected invalidation update: %+v", got)
	}
	if !got.IsFinal() {
		t.Fatalf("empty pending update must be final")
	}
}

func TestMultiplexer_PendingHashMovesBetweenAddresses(t *testing.T) {
	mux, ft, _, recA := newTestMultiplexer(t, "walletA")

	recB := &updateRecorder{}
	w2 := mux.WatchWallets([]string{"walletB"}, WatchOptions{OnNewActivities: recB.record})
	waitUntil(t, "second subscription request", func() bool { return len(ft.subscriptionRequests()) >= 2 })
	ft.confirmSubscription()
	waitUntil(t, "second watcher connect", w2.IsConnected)

	ft.serve(`{
		"type": "pending_actions",
		"message_hash_norm": "hash1",
		"actions": [{
			"action_id": "act1",
			"type": "ton_transfer",
			"end_utime": 100,
			"trace_external_hash_norm": "hash1",
			"accounts": ["0:rawA"]
		}],
		"address_book": {"0:rawA": {"user_friendly": "walletA"}}
	}`)
	waitUntil(t, "pending delivery to walletA", func() bool { return recA.count() >= 1 })

	// The revised trace involves walletB only. walletA must still be notified,
	// with the empty list that removes hash1 from its pending history.
	ft.serve(`{
		"type": "pending_actions",
		"message_hash_norm": "hash1",
		"actions": [{
			"action_id": "act2",
			"type": "ton_transfer",
			"end_utime": 110,
			"trace_external_hash_norm": "hash1",
			"accounts": ["0:rawB"]
		}],
		"address_book": {"0:rawB": {"user_friendly": "walletB"}}
	}`)

	waitUntil(t, "revision delivery to walletA", func() bool { return recA.count() >= 2 })
	waitUntil(t, "revision delivery to walletB", func() bool { return recB.count() >= 1 })
	if got := recA.last(); len(got.Activities) != 0 || !got.ArePending {
		t.Fatalf("walletA should see hash1 emptied, got %+v", got)
	}
	if got := recB.last(); len(got.Activities) != 1 || got.Activities[0].ID != "act2" {
		t.Fatalf("walletB should see the revised action, got %+v", got)
	}
}

func TestMultiplexer_DisconnectMarksWatchersOnce(t *testing.T) {
	_, ft, w, _ := newTestMultiplexer(t, "walletA")

	// Rebuild the watcher callbacks through a second watcher so OnDisconnect
	// invocations can be counted.
	var disconnects int32
	var mu sync.Mutex
	mux := w.mux
	w2 := mux.WatchWallets([]string{"walletA"}, WatchOptions{
		OnNewActivities: func(ActivitiesUpdate) {},
		OnDisconnect: func() {
			mu.Lock()
			disconnects++
			mu.Unlock()
		},
	})
	waitUntil(t, "second subscription request", func() bool { return len(ft.subscriptionRequests()) >= 2 })
	ft.confirmSubscription()
	waitUntil(t, "second watcher connect", w2.IsConnected)

	ft.disconnect()
	ft.disconnect()
	waitUntil(t, "watcher disconnect", func() bool { return !w2.IsConnected() })
	if w.IsConnected() {
		t.Fatalf("first watcher still connected after transport loss")
	}
	mu.Lock()
	defer mu.Unlock()
	if disconnects != 1 {
		t.Fatalf("OnDisconnect fired %d times, want 1", disconnects)
	}
}

func TestMultiplexer_WatcherChurnDebouncesToOneRequest(t *testing.T) {
	ft := &fakeTransport{}
	mux := NewMultiplexer(func() Transport { return ft }, fakeDecoder{})
	defer mux.Close()

	for i := 0; i < 5; i++ {
		mux.WatchWallets([]string{fmt.Sprintf("wallet%d", i)}, WatchOptions{
			OnNewActivities: func(ActivitiesUpdate) {},
		})
	}

	waitUntil(t, "dial", func() bool {
		ft.mu.Lock()
		defer ft.mu.Unlock()
		return ft.onMessage != nil
	})
	ft.connect()
	waitUntil(t, "subscription request", func() bool { return len(ft.subscriptionRequests()) >= 1 })
	time.Sleep(30 * time.Millisecond)

	requests := ft.subscriptionRequests()
	if len(requests) != 1 {
		t.Fatalf("watcher burst produced %d subscription requests, want 1", len(requests))
	}
	if len(requests[0].Subscriptions) != 5 {
		t.Fatalf("union request has %d addresses, want 5", len(requests[0].Subscriptions))
	}
	for _, events := range requests[0].Subscriptions {
		if !hasEvent(events, EventActions) || !hasEvent(events, EventPendingActions) {
			t.Fatalf("activity watcher subscribed to %v", events)
		}
		if hasEvent(events, EventBalanceChange) {
			t.Fatalf("no balance callback was registered, yet events contain %v", events)
		}
	}
}

func TestMultiplexer_LastWatcherClosesTransport(t *testing.T) {
	_, ft, w, _ := newTestMultiplexer(t, "walletA")

	w.Destroy()
	waitUntil(t, "transport close", ft.isClosed)
}

func TestMultiplexer_BalanceUpdatesRouted(t *testing.T) {
	ft := &fakeTransport{}
	mux := NewMultiplexer(func() Transport { return ft }, fakeDecoder{})
	defer mux.Close()

	var mu sync.Mutex
	var updates []BalanceUpdate
	w := mux.WatchWallets([]string{"walletA"}, WatchOptions{
		OnBalanceUpdate: func(u BalanceUpdate) {
			mu.Lock()
			updates = append(updates, u)
			mu.Unlock()
		},
	})

	waitUntil(t, "dial", func() bool {
		ft.mu.Lock()
		defer ft.mu.Unlock()
		return ft.onMessage != nil
	})
	ft.connect()
	waitUntil(t, "subscription request", func() bool { return len(ft.subscriptionRequests()) >= 1 })
	ft.confirmSubscription()
	waitUntil(t, "watcher connect", w.IsConnected)

	requests := ft.subscriptionRequests()
	events := requests[len(requests)-1].Subscriptions["walletA"]
	if !hasEvent(events, EventBalanceChange) || !hasEvent(events, EventTokenBalances) {
		t.Fatalf("balance watcher subscribed to %v", events)
	}

	ft.serve(`{"type": "token_balance_change", "account": "walletA", "token_address": "0:jetton", "balance": "42000"}`)
	waitUntil(t, "balance delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(updates) >= 1
	})

	mu.Lock()
	defer mu.Unlock()
	got := updates[0]
	if got.Address != "walletA" || got.TokenAddress != "0:jetton" || got.Balance != "42000" {
		t.Fatalf("unexpected balance update: %+v", got)
	}
}

func hasEvent(events []SubscriptionEvent, event SubscriptionEvent) bool {
	for _, e := range events {
		if e == event {
			return true
		}
	}
	return false
}
