package cache

import (
	"sync"
	"time"

	"walletsync/internal/domain"
)

// hookMaxAge bounds how old a transfer can be and still ring the hook.
// Restored history must not replay days of notifications after a long
// offline period.
const hookMaxAge = 60 * time.Second

// NotificationGate gates the incoming-transfer hook on user preference and
// app lock state.
type NotificationGate interface {
	SoundEnabled() bool
	IsUnlocked() bool
}

// ChangeListener receives one call per Ingest with a change notification.
type ChangeListener func(accountID string, newConfirmed, allPending []*domain.Activity)

// TransferListener receives completed incoming transfers younger than
// hookMaxAge for the active account.
type TransferListener func(accountID string, activity *domain.Activity)

type listenerRegistry struct {
	mu        sync.Mutex
	nextID    int
	changes   []registeredListener[ChangeListener]
	transfers []registeredListener[TransferListener]
}

type registeredListener[T any] struct {
	id int
	cb T
}

// OnChange registers a change listener. The returned function unsubscribes.
func (c *ActivityCache) OnChange(cb ChangeListener) func() {
	r := &c.listeners
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.changes = append(r.changes, registeredListener[ChangeListener]{id: id, cb: cb})
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, l := range r.changes {
			if l.id == id {
				r.changes = append(r.changes[:i], r.changes[i+1:]...)
				return
			}
		}
	}
}

// OnIncomingTransfer registers the sound/notification hook. The returned
// function unsubscribes.
func (c *ActivityCache) OnIncomingTransfer(cb TransferListener) func() {
	r := &c.listeners
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.transfers = append(r.transfers, registeredListener[TransferListener]{id: id, cb: cb})
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, l := range r.transfers {
			if l.id == id {
				r.transfers = append(r.transfers[:i], r.transfers[i+1:]...)
				return
			}
		}
	}
}

func (c *ActivityCache) notify(accountID string, newConfirmed, allPending []*domain.Activity) {
	r := &c.listeners
	r.mu.Lock()
	listeners := make([]ChangeListener, 0, len(r.changes))
	for _, l := range r.changes {
		listeners = append(listeners, l.cb)
	}
	r.mu.Unlock()

	for _, cb := range listeners {
		cb(accountID, newConfirmed, allPending)
	}
}

// maybeRingHook fires the transfer hook for fresh completed incoming
// transfers of the active account, gated by preference and lock state.
func (c *ActivityCache) maybeRingHook(accountID string, newConfirmed []*domain.Activity) {
	if c.gate == nil || !c.gate.SoundEnabled() || !c.gate.IsUnlocked() {
		return
	}
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	if accountID != active {
		return
	}

	oldest := time.Now().Add(-hookMaxAge).UnixMilli()
	var fresh []*domain.Activity
	for _, a := range newConfirmed {
		if a.Kind != domain.KindTransaction || a.ShouldHide {
			continue
		}
		if a.Status != domain.StatusCompleted || !a.Transaction.IsIncoming {
			continue
		}
		if a.Timestamp < oldest {
			continue
		}
		fresh = append(fresh, a)
	}
	if len(fresh) == 0 {
		return
	}

	r := &c.listeners
	r.mu.Lock()
	listeners := make([]TransferListener, 0, len(r.transfers))
	for _, l := range r.transfers {
		listeners = append(listeners, l.cb)
	}
	r.mu.Unlock()

	for _, cb := range listeners {
		for _, a := range fresh {
			cb(accountID, a)
		}
	}
}
