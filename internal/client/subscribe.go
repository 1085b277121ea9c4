package client

import "sync"

type listener[T any] struct {
	id int
	fn func(T)
}

// listeners is a set of callbacks for one event kind. Callbacks run on the
// goroutine that emits, in registration order, without any lock held.
type listeners[T any] struct {
	mu      sync.Mutex
	next    int
	entries []listener[T]
}

func (l *listeners[T]) add(fn func(T)) (unsubscribe func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.next++
	id := l.next
	l.entries = append(l.entries, listener[T]{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() { l.remove(id) })
	}
}

func (l *listeners[T]) remove(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, e := range l.entries {
		if e.id == id {
			l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
			return
		}
	}
}

func (l *listeners[T]) emit(v T) {
	l.mu.Lock()
	entries := make([]listener[T], len(l.entries))
	copy(entries, l.entries)
	l.mu.Unlock()

	for _, e := range entries {
		e.fn(v)
	}
}
