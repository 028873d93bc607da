// Package event provides a way for listeners to subscribe to asynchronous events.
//
// Events are delivered on a dispatcher goroutine, in the order in which they were sent.
// SendEvent never blocks, so a slow listener cannot stall the sender. A slow listener
// does delay delivery to the other listeners of the same Sender.
package event

import (
	"sync"

	"github.com/cyclopcam/personclip/pkg/gen"
)

// Listener receives events
// We use an interface instead of a function, because functions cannot be compared for equality.
// Comparison for equality is essential for removing an existing listener.
type Listener[T any] interface {
	OnEvent(sender *Sender[T], event T)
}

// FuncListener adapts a function to the Listener interface.
// Create it with NewFuncListener, and keep the pointer if you need to remove it later.
type FuncListener[T any] struct {
	f func(event T)
}

func NewFuncListener[T any](f func(event T)) *FuncListener[T] {
	return &FuncListener[T]{f: f}
}

func (l *FuncListener[T]) OnEvent(sender *Sender[T], event T) {
	l.f(event)
}

// Sender sends events
type Sender[T any] struct {
	listenersLock sync.Mutex
	listeners     []Listener[T]

	queueLock sync.Mutex
	queueCond *sync.Cond
	queue     []T
	started   bool
	closed    bool
	done      chan struct{}
}

// Add a new listener
// If the listener is already present, then the function returns immediately
func (s *Sender[T]) AddListener(listener Listener[T]) {
	s.listenersLock.Lock()
	defer s.listenersLock.Unlock()
	for _, l := range s.listeners {
		if l == listener {
			return
		}
	}
	s.listeners = append(s.listeners, listener)
}

// Remove an existing listener
// If the listener is not present, then the function returns immediately
func (s *Sender[T]) RemoveListener(listener Listener[T]) {
	s.listenersLock.Lock()
	defer s.listenersLock.Unlock()
	s.listeners = gen.DeleteFirst(s.listeners, listener)
}

// Queue an event for delivery to all listeners.
// Events sent after Close are discarded.
func (s *Sender[T]) SendEvent(event T) {
	s.queueLock.Lock()
	defer s.queueLock.Unlock()
	if s.closed {
		return
	}
	if !s.started {
		s.started = true
		s.queueCond = sync.NewCond(&s.queueLock)
		s.done = make(chan struct{})
		go s.dispatch()
	}
	s.queue = append(s.queue, event)
	s.queueCond.Signal()
}

// Close delivers all queued events, and then stops the dispatcher.
// Close blocks until delivery is complete. It must not be called from inside a listener.
func (s *Sender[T]) Close() {
	s.queueLock.Lock()
	if s.closed {
		s.queueLock.Unlock()
		s.wait()
		return
	}
	s.closed = true
	if s.started {
		s.queueCond.Signal()
	}
	s.queueLock.Unlock()
	s.wait()
}

func (s *Sender[T]) wait() {
	s.queueLock.Lock()
	started := s.started
	s.queueLock.Unlock()
	if started {
		<-s.done
	}
}

func (s *Sender[T]) dispatch() {
	defer close(s.done)
	for {
		s.queueLock.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.queueCond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.queueLock.Unlock()
			return
		}
		batch := s.queue
		s.queue = nil
		s.queueLock.Unlock()

		s.listenersLock.Lock()
		list := make([]Listener[T], len(s.listeners))
		copy(list, s.listeners)
		s.listenersLock.Unlock()

		for _, ev := range batch {
			for _, l := range list {
				l.OnEvent(s, ev)
			}
		}
	}
}
