package core

import (
	"sync"
)

// EventHandler receives one emission. Handlers run synchronously on the
// emitting goroutine, in subscription order, and must not block on I/O.
type EventHandler[T any] func(T)

type subscription[T any] struct {
	id      int
	handler EventHandler[T]
}

// Emitter is a non-filtered event channel: every subscriber receives
// every emission. Emit reports whether at least one handler was attached,
// which callers use for diagnostics only, never for control flow.
type Emitter[T any] struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscription[T]
}

// Subscribe registers a handler and returns a cancel func that detaches it.
func (e *Emitter[T]) Subscribe(h EventHandler[T]) (cancel func()) {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.subs = append(e.subs, subscription[T]{id: id, handler: h})
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, s := range e.subs {
			if s.id == id {
				e.subs = append(e.subs[:i], e.subs[i+1:]...)
				return
			}
		}
	}
}

func (e *Emitter[T]) Emit(v T) bool {
	e.mu.RLock()
	subs := make([]subscription[T], len(e.subs))
	copy(subs, e.subs)
	e.mu.RUnlock()

	for _, s := range subs {
		s.handler(v)
	}
	return len(subs) > 0
}

// FilteredEmitter is an event channel whose emissions carry a discriminant
// key. A subscriber only receives emissions whose key matches the one it
// registered for, so a multi-tenant process can emit per-connection events
// without leaking them to unrelated subscribers.
type FilteredEmitter[K comparable, T any] struct {
	mu     sync.RWMutex
	nextID int
	subs   map[K][]subscription[T]
}

func (e *FilteredEmitter[K, T]) Subscribe(key K, h EventHandler[T]) (cancel func()) {
	e.mu.Lock()
	if e.subs == nil {
		e.subs = make(map[K][]subscription[T])
	}
	id := e.nextID
	e.nextID++
	e.subs[key] = append(e.subs[key], subscription[T]{id: id, handler: h})
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		subs := e.subs[key]
		for i, s := range subs {
			if s.id == id {
				subs = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(subs) == 0 {
			delete(e.subs, key)
		} else {
			e.subs[key] = subs
		}
	}
}

func (e *FilteredEmitter[K, T]) Emit(key K, v T) bool {
	e.mu.RLock()
	subs := make([]subscription[T], len(e.subs[key]))
	copy(subs, e.subs[key])
	e.mu.RUnlock()

	for _, s := range subs {
		s.handler(v)
	}
	return len(subs) > 0
}
