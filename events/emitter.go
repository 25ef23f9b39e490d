package events

import (
	"sync"

	"relaywire.io/realtime/logger"
)

type Listener[E any] func(event E)

type listener[K comparable, E any] struct {
	id   uint64
	keys map[K]struct{}
	fn   Listener[E]
	once bool
}

func (l *listener[K, E]) matches(key K) bool {
	if len(l.keys) == 0 {
		return true
	}
	_, ok := l.keys[key]
	return ok
}

// Emitter delivers events keyed by K to listeners. With a Queue every
// listener runs on that queue in emission order; without one listeners run
// synchronously on the emitting goroutine. A panicking listener never
// prevents the others from running.
type Emitter[K comparable, E any] struct {
	logger *logger.Logger
	queue  *Queue

	mu        sync.Mutex
	nextID    uint64
	listeners []*listener[K, E]
}

func NewEmitter[K comparable, E any](queue *Queue, logger *logger.Logger) *Emitter[K, E] {
	return &Emitter[K, E]{
		logger: logger,
		queue:  queue,
	}
}

// On registers fn for the given keys, or for every key when none are given.
// The returned function removes the listener.
func (e *Emitter[K, E]) On(fn Listener[E], keys ...K) (off func()) {
	return e.add(fn, false, keys)
}

// Once is On, removed after the first matching event
func (e *Emitter[K, E]) Once(fn Listener[E], keys ...K) (off func()) {
	return e.add(fn, true, keys)
}

func (e *Emitter[K, E]) add(fn Listener[E], once bool, keys []K) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	l := &listener[K, E]{
		id:   e.nextID,
		fn:   fn,
		once: once,
	}
	if len(keys) > 0 {
		l.keys = make(map[K]struct{}, len(keys))
		for _, k := range keys {
			l.keys[k] = struct{}{}
		}
	}
	e.listeners = append(e.listeners, l)

	id := l.id
	return func() { e.remove(id) }
}

func (e *Emitter[K, E]) remove(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, l := range e.listeners {
		if l.id == id {
			e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
			return
		}
	}
}

// Off removes every listener
func (e *Emitter[K, E]) Off() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = nil
}

func (e *Emitter[K, E]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}

func (e *Emitter[K, E]) Emit(key K, event E) {
	e.mu.Lock()
	var targets []Listener[E]
	kept := e.listeners[:0:0]
	for _, l := range e.listeners {
		if l.matches(key) {
			targets = append(targets, l.fn)
			if l.once {
				continue
			}
		}
		kept = append(kept, l)
	}
	e.listeners = kept
	e.mu.Unlock()

	for _, fn := range targets {
		fn := fn
		if e.queue != nil {
			e.queue.Push(func() { e.call(fn, event) })
		} else {
			e.call(fn, event)
		}
	}
}

func (e *Emitter[K, E]) call(fn Listener[E], event E) {
	defer func() {
		if r := recover(); r != nil && e.logger != nil {
			e.logger.Errorf("listener panicked: %v", r)
		}
	}()
	fn(event)
}
