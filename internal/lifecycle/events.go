package lifecycle

import "sync"

// emitter is a multicast stream of values. Events emitted while no subscriber
// is attached are dropped, not buffered. After close it never fires again and
// drops all subscriber references.
type emitter[T any] struct {
	mu     sync.Mutex
	subs   []subscriber[T]
	nextID int
	closed bool
}

type subscriber[T any] struct {
	id int
	fn func(T)
}

// subscribe registers fn and returns a function that removes it. Subscribing
// to a closed emitter is a no-op.
func (e *emitter[T]) subscribe(fn func(T)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return func() {}
	}
	id := e.nextID
	e.nextID++
	e.subs = append(e.subs, subscriber[T]{id: id, fn: fn})
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, sub := range e.subs {
			if sub.id == id {
				e.subs = append(e.subs[:i], e.subs[i+1:]...)
				return
			}
		}
	}
}

// emit invokes every subscriber in registration order. Callbacks run outside
// the emitter lock so they may subscribe or unsubscribe; stream-level FIFO
// ordering is the caller's responsibility (the session's run goroutine is the
// sole producer for each stream).
func (e *emitter[T]) emit(v T) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	subs := make([]subscriber[T], len(e.subs))
	copy(subs, e.subs)
	e.mu.Unlock()

	for _, sub := range subs {
		sub.fn(v)
	}
}

func (e *emitter[T]) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.subs = nil
}
