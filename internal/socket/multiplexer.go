package socket

import (
	"encoding/json"
	"log"
	"strconv"
	"sync"
	"time"

	"walletsync/internal/domain"
)

const (
	// actualizationDelay coalesces rapid watcher churn into one
	// set_subscription request.
	actualizationDelay = 10 * time.Millisecond

	// The streaming service closes the socket after 30 seconds of inactivity.
	pingInterval = 20 * time.Second

	// When the network drops, the socket does not always disconnect on its
	// own. If a ping stays unanswered for this long, reconnect manually.
	pongTimeout = 5 * time.Second
)

// WatchOptions carries the per-watcher callbacks. All callbacks fire only
// while the watcher is connected, so a false-to-true IsConnected transition
// means "resynchronize: anything missed during the gap is not covered by
// per-message deltas".
type WatchOptions struct {
	// OnNewActivities is called when new activities (confirmed or pending)
	// arrive for one of the watched addresses.
	OnNewActivities func(ActivitiesUpdate)
	// OnBalanceUpdate is called when a coin or token balance changes in one
	// of the watched addresses.
	OnBalanceUpdate func(BalanceUpdate)
	// OnConnect is called when IsConnected turns true.
	OnConnect func()
	// OnDisconnect is called when IsConnected turns false.
	OnDisconnect func()
}

// Watcher is one logical subscription to a set of wallet addresses.
type Watcher struct {
	id        uint64
	addresses []string
	opts      WatchOptions

	mux       *Multiplexer
	connected bool
}

// IsConnected reports whether the socket is connected and subscribed to the
// watcher's addresses.
func (w *Watcher) IsConnected() bool {
	w.mux.mu.Lock()
	defer w.mux.mu.Unlock()
	return w.connected
}

// Destroy removes the watcher and unsubscribes from its wallets.
func (w *Watcher) Destroy() {
	w.mux.destroyWatcher(w.id)
}

// Multiplexer owns one socket connection per network and lets multiple
// independent watchers subscribe to sets of wallet addresses and event kinds.
// Server messages are fanned in once and fanned out per watcher.
type Multiplexer struct {
	dial    func() Transport
	decoder ActionDecoder

	mu        sync.Mutex
	transport Transport
	watchers  []*Watcher

	// Shared incremental counter for watcher ids and outgoing request ids.
	// Being shared and incremental is what lets handleSubscriptionSet tell
	// which watchers were covered by a confirmed subscription request.
	nextID uint64

	// addressesByHash remembers which addresses saw a pending hash, so an
	// invalidation carrying only the hash still reaches those addresses.
	addressesByHash map[string][]string

	actualizeTimer *time.Timer
	stopPing       func()
	cancelPongWait *time.Timer

	closed bool
}

// NewMultiplexer creates a multiplexer. The transport is dialed lazily when
// the first address is watched and closed when the last watcher is destroyed.
func NewMultiplexer(dial func() Transport, decoder ActionDecoder) *Multiplexer {
	return &Multiplexer{
		dial:            dial,
		decoder:         decoder,
		addressesByHash: make(map[string][]string),
	}
}

// WatchWallets subscribes a new watcher to the given addresses. The watcher
// starts disconnected; it turns connected once the server confirms a
// subscription-set request covering it.
func (m *Multiplexer) WatchWallets(addresses []string, opts WatchOptions) *Watcher {
	m.mu.Lock()
	w := &Watcher{
		id:        m.nextID,
		addresses: addresses,
		opts:      opts,
		mux:       m,
	}
	m.nextID++
	m.watchers = append(m.watchers, w)
	m.scheduleActualizeLocked()
	m.mu.Unlock()
	return w
}

// Close tears the multiplexer down: all watchers disconnect, the transport
// is closed.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	m.closed = true
	m.watchers = nil
	if m.actualizeTimer != nil {
		m.actualizeTimer.Stop()
	}
	m.stopKeepaliveLocked()
	transport := m.transport
	m.transport = nil
	m.mu.Unlock()

	if transport != nil {
		transport.Close()
	}
}

func (m *Multiplexer) destroyWatcher(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, w := range m.watchers {
		if w.id == id {
			m.watchers = append(m.watchers[:i], m.watchers[i+1:]...)
			m.scheduleActualizeLocked()
			return
		}
	}
}

// scheduleActualizeLocked debounces actualize so that bursts of watcher
// churn produce one subscription request, and a watcher re-added right after
// the last one was destroyed doesn't bounce the connection.
func (m *Multiplexer) scheduleActualizeLocked() {
	if m.closed {
		return
	}
	if m.actualizeTimer != nil {
		m.actualizeTimer.Stop()
	}
	m.actualizeTimer = time.AfterFunc(actualizationDelay, m.actualize)
}

// actualize creates or closes the transport as needed and pushes the current
// subscription union. It is safe to run even when nothing changed: sending
// the same subscription set again is also how a brand-new watcher covering
// already-subscribed addresses learns it is connected.
func (m *Multiplexer) actualize() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}

	if !m.hasWatchedAddressesLocked() {
		transport := m.transport
		m.transport = nil
		m.stopKeepaliveLocked()
		m.mu.Unlock()
		if transport != nil {
			transport.Close()
		}
		return
	}

	if m.transport == nil {
		t := m.dial()
		t.OnMessage(m.handleMessage)
		t.OnConnect(m.handleConnect)
		t.OnDisconnect(m.handleDisconnect)
		m.transport = t
	}

	if m.transport.IsConnected() {
		m.sendSubscriptionsLocked()
	} // otherwise the subscriptions are sent when the transport connects

	m.mu.Unlock()
}

func (m *Multiplexer) handleConnect() {
	m.mu.Lock()
	if m.closed || m.transport == nil {
		m.mu.Unlock()
		return
	}

	if err := m.transport.Send(clientMessage{
		Operation:            "configure",
		IncludeAddressBook:   true,
		SupportedActionTypes: []string{"v1"},
	}); err != nil {
		log.Printf("[socket] configure: %v", err)
	}
	m.sendSubscriptionsLocked()
	m.startKeepaliveLocked()
	m.mu.Unlock()
}

func (m *Multiplexer) handleDisconnect() {
	m.mu.Lock()
	m.stopKeepaliveLocked()

	var callbacks []func()
	for _, w := range m.watchers {
		if w.connected {
			w.connected = false
			if w.opts.OnDisconnect != nil {
				callbacks = append(callbacks, w.opts.OnDisconnect)
			}
		}
	}
	m.mu.Unlock()

	for _, cb := range callbacks {
		cb()
	}
}

func (m *Multiplexer) handleMessage(payload []byte) {
	m.mu.Lock()
	if m.cancelPongWait != nil {
		// Any inbound traffic proves the connection is alive.
		m.cancelPongWait.Stop()
		m.cancelPongWait = nil
	}
	m.mu.Unlock()

	var msg serverMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		log.Printf("[socket] dropping malformed message: %v", err)
		return
	}

	if msg.Status == "subscription_set" {
		m.handleSubscriptionSet(msg.ID)
		return
	}

	switch msg.Type {
	case "invalidated":
		// An invalidation carries only the hash. It flows through the same
		// path as a pending update with an empty activity list.
		msg.Type = "pending_actions"
		msg.Actions = nil
		msg.AddressBook = nil
		m.handleActions(&msg)
	case "actions", "pending_actions":
		m.handleActions(&msg)
	case "balance_change", "token_balance_change":
		m.handleBalanceChange(&msg)
	}
}

// handleSubscriptionSet turns watchers connected. A watcher created after the
// confirmed request was sent has an id greater than the confirmation's id and
// may not be fully subscribed yet, so it stays disconnected until its own
// request is confirmed.
func (m *Multiplexer) handleSubscriptionSet(confirmationID string) {
	limit, err := strconv.ParseUint(confirmationID, 10, 64)
	if err != nil {
		// Without an id there is no way to tell which request the server
		// confirmed, so no watcher can be considered subscribed.
		log.Printf("[socket] dropping confirmation with unusable id %q", confirmationID)
		return
	}

	m.mu.Lock()
	var callbacks []func()
	for _, w := range m.watchers {
		if w.id > limit {
			continue
		}
		if !w.connected {
			w.connected = true
			if w.opts.OnConnect != nil {
				callbacks = append(callbacks, w.opts.OnConnect)
			}
		}
	}
	m.mu.Unlock()

	for _, cb := range callbacks {
		cb()
	}
}

func (m *Multiplexer) handleActions(msg *serverMessage) {
	arePending := msg.Type == "pending_actions"
	hash := msg.MessageHashNorm

	activitiesByAddress := m.decodeActionsByAddress(msg)

	m.mu.Lock()
	addressesToNotify := m.rememberAddressesOfHashLocked(hash, activitiesByAddress, arePending)

	type delivery struct {
		cb     func(ActivitiesUpdate)
		update ActivitiesUpdate
	}
	var deliveries []delivery
	for _, w := range m.watchers {
		if !w.connected || w.opts.OnNewActivities == nil {
			continue
		}
		for _, address := range w.addresses {
			if _, ok := addressesToNotify[address]; !ok {
				continue
			}
			deliveries = append(deliveries, delivery{w.opts.OnNewActivities, ActivitiesUpdate{
				Address:               address,
				MessageHashNormalized: hash,
				ArePending:            arePending,
				Activities:            activitiesByAddress[address],
			}})
		}
	}
	m.mu.Unlock()

	for _, d := range deliveries {
		d.cb(d.update)
	}
}

// decodeActionsByAddress groups the raw actions by the resolved (display)
// address of each involved account and decodes them per address. The wire
// format may reference accounts in a raw internal form; routing must use the
// canonical form the watchers subscribed with.
func (m *Multiplexer) decodeActionsByAddress(msg *serverMessage) map[string][]*domain.Activity {
	actionsByAddress := make(map[string][]Action)
	for _, action := range msg.Actions {
		for _, raw := range action.Accounts {
			address := msg.AddressBook.Resolve(raw)
			actionsByAddress[address] = append(actionsByAddress[address], action)
		}
	}

	watched := m.addressesReadyForActivities()
	arePending := msg.Type == "pending_actions"

	out := make(map[string][]*domain.Activity, len(actionsByAddress))
	for address, actions := range actionsByAddress {
		if _, ok := watched[address]; !ok {
			continue
		}
		activities, err := m.decoder.Decode(address, actions, msg.AddressBook, arePending)
		if err != nil {
			log.Printf("[socket] dropping undecodable actions for %s: %v", address, err)
			continue
		}
		out[address] = activities
	}
	return out
}

func (m *Multiplexer) addressesReadyForActivities() map[string]struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]struct{})
	for _, w := range m.watchers {
		if !w.connected || w.opts.OnNewActivities == nil {
			continue
		}
		for _, address := range w.addresses {
			out[address] = struct{}{}
		}
	}
	return out
}

// rememberAddressesOfHashLocked records which addresses a pending hash was
// seen at, and returns the set of addresses to notify now, including the
// addresses of the previous update with the same hash, which must learn the
// hash is no longer part of their history.
func (m *Multiplexer) rememberAddressesOfHashLocked(
	hash string,
	activitiesByAddress map[string][]*domain.Activity,
	arePending bool,
) map[string]struct{} {
	toNotify := make(map[string]struct{})
	for _, address := range m.addressesByHash[hash] {
		toNotify[address] = struct{}{}
	}

	var nextSaved []string
	for address := range activitiesByAddress {
		toNotify[address] = struct{}{}
		// Only pending actions are saved: confirmed actions never change or
		// get invalidated afterwards.
		if arePending {
			nextSaved = append(nextSaved, address)
		}
	}

	if len(nextSaved) > 0 {
		m.addressesByHash[hash] = nextSaved
	} else {
		delete(m.addressesByHash, hash)
	}

	return toNotify
}

func (m *Multiplexer) handleBalanceChange(msg *serverMessage) {
	// The wire carries the balance either as a JSON string or a bare number.
	balance := string(msg.Balance)
	var quoted string
	if err := json.Unmarshal(msg.Balance, &quoted); err == nil {
		balance = quoted
	}

	update := BalanceUpdate{
		TokenAddress: msg.TokenAddress,
		Balance:      balance,
	}

	m.mu.Lock()
	type delivery struct {
		cb     func(BalanceUpdate)
		update BalanceUpdate
	}
	var deliveries []delivery
	for _, w := range m.watchers {
		if !w.connected || w.opts.OnBalanceUpdate == nil {
			continue
		}
		for _, address := range w.addresses {
			if !domain.AddressesEqual(address, msg.Account) {
				continue
			}
			u := update
			u.Address = address
			deliveries = append(deliveries, delivery{w.opts.OnBalanceUpdate, u})
		}
	}
	m.mu.Unlock()

	for _, d := range deliveries {
		d.cb(d.update)
	}
}

// sendSubscriptionsLocked pushes the union of all watcher subscriptions.
// Collecting the addresses and reserving the request id happen atomically, so
// every watcher with an id not greater than the request id is guaranteed to
// be covered once the request is confirmed.
func (m *Multiplexer) sendSubscriptionsLocked() {
	subscriptions := make(map[string][]SubscriptionEvent)
	for _, w := range m.watchers {
		for _, address := range w.addresses {
			events := subscriptionEventSet(subscriptions[address])
			if w.opts.OnNewActivities != nil {
				events.add(EventActions)
				events.add(EventPendingActions)
			}
			if w.opts.OnBalanceUpdate != nil {
				events.add(EventBalanceChange)
				events.add(EventTokenBalances)
			}
			if len(events) > 0 {
				subscriptions[address] = events
			}
		}
	}

	requestID := m.nextID
	m.nextID++

	if err := m.transport.Send(clientMessage{
		Operation:     "set_subscription",
		ID:            strconv.FormatUint(requestID, 10),
		Subscriptions: subscriptions,
	}); err != nil {
		log.Printf("[socket] set_subscription: %v", err)
	}
}

type subscriptionEventSet []SubscriptionEvent

func (s *subscriptionEventSet) add(event SubscriptionEvent) {
	for _, e := range *s {
		if e == event {
			return
		}
	}
	*s = append(*s, event)
}

func (m *Multiplexer) hasWatchedAddressesLocked() bool {
	for _, w := range m.watchers {
		if len(w.addresses) > 0 {
			return true
		}
	}
	return false
}

func (m *Multiplexer) startKeepaliveLocked() {
	m.stopKeepaliveLocked()

	stop := make(chan struct{})
	m.stopPing = func() { close(stop) }

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.sendPing()
			}
		}
	}()
}

func (m *Multiplexer) sendPing() {
	m.mu.Lock()
	transport := m.transport
	if transport == nil {
		m.mu.Unlock()
		return
	}
	if m.cancelPongWait != nil {
		m.cancelPongWait.Stop()
	}
	m.cancelPongWait = time.AfterFunc(pongTimeout, transport.Reconnect)
	m.mu.Unlock()

	if err := transport.Send(clientMessage{Operation: "ping"}); err != nil {
		log.Printf("[socket] ping: %v", err)
	}
}

func (m *Multiplexer) stopKeepaliveLocked() {
	if m.stopPing != nil {
		m.stopPing()
		m.stopPing = nil
	}
	if m.cancelPongWait != nil {
		m.cancelPongWait.Stop()
		m.cancelPongWait = nil
	}
}
