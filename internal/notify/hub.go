package notify

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/sensaura/iothing/internal/logging"
)

// Observer receives events published by a Hub.
type Observer[E any] interface {
	Notify(event E)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc[E any] func(event E)

// Notify calls f(event).
func (f ObserverFunc[E]) Notify(event E) {
	f(event)
}

// Subscription is the handle returned by Hub.Subscribe.
type Subscription struct {
	active atomic.Bool
	cancel func()
}

// Active reports whether the subscription still receives events
func (s *Subscription) Active() bool {
	return s != nil && s.active.Load()
}

// Unsubscribe stops delivery to the observer. Events already being delivered
// to other observers are unaffected. Calling it more than once is a no-op.
func (s *Subscription) Unsubscribe() {
	if s == nil || !s.active.CompareAndSwap(true, false) {
		return
	}
	s.cancel()
}

type entry[E any] struct {
	observer Observer[E]
	sub      *Subscription
}

type pending[E any] struct {
	event E
	subs  []*entry[E]
}

// Hub is an ordered, re-entrant safe subscriber list. The zero value is ready
// to use.
type Hub[E any] struct {
	mu         sync.Mutex
	subs       []*entry[E] // copy-on-write; snapshots are shared with the queue
	queue      []pending[E]
	delivering bool
}

// Subscribe registers an observer. It receives every event enqueued after
// this call returns.
func (h *Hub[E]) Subscribe(o Observer[E]) *Subscription {
	sub := &Subscription{}
	sub.active.Store(true)
	e := &entry[E]{observer: o, sub: sub}
	sub.cancel = func() { h.remove(e) }

	h.mu.Lock()
	next := make([]*entry[E], len(h.subs), len(h.subs)+1)
	copy(next, h.subs)
	h.subs = append(next, e)
	h.mu.Unlock()

	return sub
}

// Unsubscribe is equivalent to s.Unsubscribe().
func (h *Hub[E]) Unsubscribe(s *Subscription) {
	s.Unsubscribe()
}

func (h *Hub[E]) remove(e *entry[E]) {
	h.mu.Lock()
	defer h.mu.Unlock()

	next := make([]*entry[E], 0, len(h.subs))
	for _, cur := range h.subs {
		if cur != e {
			next = append(next, cur)
		}
	}
	h.subs = next
}

// Len returns the number of active subscribers
func (h *Hub[E]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Enqueue records an event for the current subscribers. Call it while holding
// the lock that orders the owner's mutations, then call Flush after releasing
// that lock.
func (h *Hub[E]) Enqueue(event E) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.subs) == 0 {
		return
	}
	h.queue = append(h.queue, pending[E]{event: event, subs: h.subs})
}

// Flush delivers queued events unless another goroutine (or an enclosing
// callback on this goroutine) is already delivering, in which case that
// deliverer picks them up.
func (h *Hub[E]) Flush() {
	h.mu.Lock()
	if h.delivering {
		h.mu.Unlock()
		return
	}
	h.delivering = true

	for len(h.queue) > 0 {
		p := h.queue[0]
		h.queue[0] = pending[E]{}
		h.queue = h.queue[1:]
		h.mu.Unlock()

		for _, e := range p.subs {
			if e.sub.active.Load() {
				deliver(e.observer, p.event)
			}
		}

		h.mu.Lock()
	}

	h.queue = nil
	h.delivering = false
	h.mu.Unlock()
}

// Publish enqueues and flushes in one step, for owners whose commit order is
// already serialized by the caller.
func (h *Hub[E]) Publish(event E) {
	h.Enqueue(event)
	h.Flush()
}

// deliver isolates observer panics so one faulty subscriber cannot wedge the
// queue for the others.
func deliver[E any](o Observer[E], event E) {
	defer func() {
		if r := recover(); r != nil {
			logging.Named("notify").Error("Observer panicked", zap.Any("panic", r))
		}
	}()
	o.Notify(event)
}
