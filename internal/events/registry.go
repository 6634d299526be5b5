package events

import "sync"

// registry is the listener bookkeeping behind ChannelEvent. L is the
// listener type.
type registry[T any, L any] struct {
	mu                    sync.RWMutex
	listeners             map[uint64]L
	nextID                uint64
	sendLastEventOnListen bool
	lastEvent             T
	hasNotified           bool
}

func newRegistry[T any, L any](sendLastEventOnListen bool) registry[T, L] {
	return registry[T, L]{
		listeners:             make(map[uint64]L),
		sendLastEventOnListen: sendLastEventOnListen,
	}
}

// add registers l and reports the value it should be primed with, if any
func (r *registry[T, L]) add(l L) (id uint64, last T, replay bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id = r.nextID
	r.nextID++
	r.listeners[id] = l
	return id, r.lastEvent, r.sendLastEventOnListen && r.hasNotified
}

func (r *registry[T, L]) remove(id uint64) {
	r.mu.Lock()
	delete(r.listeners, id)
	r.mu.Unlock()
}

// record stores value as the last event and returns a copy of the listeners
// so they can be invoked without holding the lock
func (r *registry[T, L]) record(value T) []L {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sendLastEventOnListen {
		r.lastEvent = value
		r.hasNotified = true
	}
	out := make([]L, 0, len(r.listeners))
	for _, l := range r.listeners {
		out = append(out, l)
	}
	return out
}

func (r *registry[T, L]) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners)
}
