package client

import (
	"sync"
	"time"
)

type typingEntry struct {
	timer *time.Timer
}

// typingDebouncer tracks the local typing state per conversation. Each
// conversation has at most one armed timer; when it fires without being
// re-armed, onExpire is called.
type typingDebouncer struct {
	mu       sync.Mutex
	timeout  time.Duration
	entries  map[string]*typingEntry
	onExpire func(conversationId string)
}

func newTypingDebouncer(timeout time.Duration, onExpire func(string)) *typingDebouncer {
	return &typingDebouncer{
		timeout:  timeout,
		entries:  make(map[string]*typingEntry),
		onExpire: onExpire,
	}
}

// start re-arms the conversation's timer and reports whether the user went
// from idle to typing.
func (d *typingDebouncer) start(conversationId string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, typing := d.entries[conversationId]
	if typing {
		e.timer.Stop()
	}
	d.entries[conversationId] = d.arm(conversationId)
	return !typing
}

// arm must be called with mu held.
func (d *typingDebouncer) arm(conversationId string) *typingEntry {
	e := &typingEntry{}
	e.timer = time.AfterFunc(d.timeout, func() {
		d.mu.Lock()
		if d.entries[conversationId] != e {
			d.mu.Unlock()
			return
		}
		delete(d.entries, conversationId)
		d.mu.Unlock()

		d.onExpire(conversationId)
	})
	return e
}

// stop reports whether the user was typing in the conversation.
func (d *typingDebouncer) stop(conversationId string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.entries[conversationId]
	if !ok {
		return false
	}

	e.timer.Stop()
	delete(d.entries, conversationId)
	return true
}

// discard drops the conversation's timer without expiring it.
func (d *typingDebouncer) discard(conversationId string) {
	d.stop(conversationId)
}

func (d *typingDebouncer) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for id, e := range d.entries {
		e.timer.Stop()
		delete(d.entries, id)
	}
}

func (d *typingDebouncer) isTyping(conversationId string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, ok := d.entries[conversationId]
	return ok
}
