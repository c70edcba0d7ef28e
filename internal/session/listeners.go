package session

import (
	"log"
	"sync"
	"sync/atomic"
)

// listener is one registration in a listenerSet. active is cleared on
// unsubscribe so that a dispatch already holding a snapshot skips it.
type listener[T any] struct {
	fn     func(T)
	active atomic.Bool
}

// listenerSet is a list of synchronous callbacks. Dispatch runs each
// callback inline and isolates panics so one bad listener cannot stop
// delivery to the rest.
type listenerSet[T any] struct {
	name string

	mu        sync.Mutex
	listeners []*listener[T]
}

// add registers fn and returns a function that removes it. The returned
// function is idempotent.
func (s *listenerSet[T]) add(fn func(T)) func() {
	l := &listener[T]{fn: fn}
	l.active.Store(true)

	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()

	return func() {
		if !l.active.Swap(false) {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, existing := range s.listeners {
			if existing == l {
				s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

func (s *listenerSet[T]) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

func (s *listenerSet[T]) dispatch(v T) {
	s.mu.Lock()
	snapshot := s.listeners
	s.mu.Unlock()

	for _, l := range snapshot {
		if !l.active.Load() {
			continue
		}
		s.call(l, v)
	}
}

func (s *listenerSet[T]) call(l *listener[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("session: %s listener panic: %v", s.name, r)
		}
	}()
	l.fn(v)
}
