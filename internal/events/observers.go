package events

import (
	"log/slog"
	"sync"
)

// Observers is a typed subscriber list with synchronous, in-process dispatch.
// Callbacks run in registration order on the notifying goroutine.
type Observers[T any] struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscriber[T]
}

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

// Add registers fn and returns a function that removes it. Removing twice is a no-op.
func (o *Observers[T]) Add(fn func(T)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nextID++
	id := o.nextID
	o.subs = append(o.subs, subscriber[T]{id: id, fn: fn})
	return func() { o.remove(id) }
}

func (o *Observers[T]) remove(id uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, s := range o.subs {
		if s.id == id {
			o.subs = append(o.subs[:i:i], o.subs[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered subscribers.
func (o *Observers[T]) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.subs)
}

// Notify calls every subscriber with v. A panicking subscriber is logged and
// does not prevent the remaining subscribers from running.
func (o *Observers[T]) Notify(v T) {
	o.mu.RLock()
	subs := make([]subscriber[T], len(o.subs))
	copy(subs, o.subs)
	o.mu.RUnlock()

	for _, s := range subs {
		notifyOne(s.fn, v)
	}
}

func notifyOne[T any](fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("observer panic", "panic", r)
		}
	}()
	fn(v)
}
