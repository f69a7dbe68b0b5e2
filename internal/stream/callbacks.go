package stream

import "sync"

// callbackRegistry is an ordered observer list with unsubscribe handles.
// Callbacks run in registration order.
type callbackRegistry[T any] struct {
	mu     sync.Mutex
	nextID int
	subs   []callbackEntry[T]
}

type callbackEntry[T any] struct {
	id int
	cb T
}

// add registers cb and returns a function removing it. The returned function
// is safe to call more than once.
func (r *callbackRegistry[T]) add(cb T) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.subs = append(r.subs, callbackEntry[T]{id: id, cb: cb})
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, entry := range r.subs {
			if entry.id == id {
				r.subs = append(r.subs[:i], r.subs[i+1:]...)
				return
			}
		}
	}
}

// snapshot returns the current callbacks, for running outside the lock.
func (r *callbackRegistry[T]) snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, len(r.subs))
	for i, entry := range r.subs {
		out[i] = entry.cb
	}
	return out
}
