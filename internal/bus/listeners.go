package bus

import (
	"sync"
	"sync/atomic"
)

// Listeners is a callback registry with independent unsubscribe handles.
// Once an unsubscribe function returns, no further callback starts for that
// listener; a callback already running is allowed to finish.
//
// Deliveries to one listener never overlap and keep Emit order. A value
// emitted from inside a callback is delivered after that callback returns.
type Listeners[T any] struct {
	mu   sync.RWMutex
	subs map[int]*listener[T]
	next int
}

type listener[T any] struct {
	mu      sync.Mutex
	queue   []T
	running bool
	closed  atomic.Bool
	cb      func(T)
}

// NewListeners returns an empty registry.
func NewListeners[T any]() *Listeners[T] {
	return &Listeners[T]{subs: make(map[int]*listener[T])}
}

// Add registers cb. The returned function is safe to call more than once and
// from inside cb.
func (l *Listeners[T]) Add(cb func(T)) func() {
	unsub, _ := l.add(cb, false)
	return unsub
}

// AddWithInitial registers cb, then computes the initial value and delivers
// it to cb alone. Values emitted from the moment cb is registered, including
// while initial runs, are delivered after it.
func (l *Listeners[T]) AddWithInitial(cb func(T), initial func() T) func() {
	unsub, sub := l.add(cb, true)
	v := initial()
	sub.mu.Lock()
	sub.queue = append([]T{v}, sub.queue...)
	sub.drain()
	return unsub
}

// add registers cb. With hold set the listener starts out busy, so values
// emitted before the caller drains it wait in its queue.
func (l *Listeners[T]) add(cb func(T), hold bool) (func(), *listener[T]) {
	sub := &listener[T]{cb: cb, running: hold}

	l.mu.Lock()
	id := l.next
	l.next++
	l.subs[id] = sub
	l.mu.Unlock()

	unsub := func() {
		sub.closed.Store(true)
		l.mu.Lock()
		delete(l.subs, id)
		l.mu.Unlock()
	}
	return unsub, sub
}

// Emit delivers v to every registered callback.
func (l *Listeners[T]) Emit(v T) {
	l.mu.RLock()
	subs := make([]*listener[T], 0, len(l.subs))
	for _, s := range l.subs {
		subs = append(subs, s)
	}
	l.mu.RUnlock()

	for _, s := range subs {
		s.deliver(v)
	}
}

// Len returns the number of registered callbacks.
func (l *Listeners[T]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.subs)
}

// Clear unregisters every callback.
func (l *Listeners[T]) Clear() {
	l.mu.Lock()
	for id, s := range l.subs {
		s.closed.Store(true)
		delete(l.subs, id)
	}
	l.mu.Unlock()
}

func (s *listener[T]) deliver(v T) {
	s.mu.Lock()
	s.queue = append(s.queue, v)
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.drain()
}

// drain runs queued deliveries until none are left. s.mu must be held and
// s.running set; both are released on return.
func (s *listener[T]) drain() {
	for len(s.queue) > 0 {
		next := s.queue[0]
		var zero T
		s.queue[0] = zero
		s.queue = s.queue[1:]
		s.mu.Unlock()
		if !s.closed.Load() {
			s.cb(next)
		}
		s.mu.Lock()
	}
	s.running = false
	s.mu.Unlock()
}
