package client

import (
	"sync"

	"github.com/npezzotti/go-chatrelay/internal/protocol"
	"github.com/npezzotti/go-chatrelay/internal/types"
)

type Entry struct {
	Message types.Message
	Status  SendStatus
}

// Timeline is the ordered message list of every conversation the session
// has seen, with optimistic sends reconciled in place.
type Timeline struct {
	mu            sync.RWMutex
	conversations map[string][]*Entry
}

func NewTimeline() *Timeline {
	return &Timeline{conversations: make(map[string][]*Entry)}
}

// Bind feeds the session's send results, messages and reactions into the
// timeline until the returned func is called.
func (t *Timeline) Bind(s *Session) func() {
	unsubs := []func(){
		s.OnSendResult(t.ApplySendResult),
		s.OnMessageReceived(func(m types.Message) { t.ApplyRemote(m) }),
		s.OnMessageReaction(func(r protocol.MessageReaction) { t.ApplyReaction(r) }),
	}

	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

func (t *Timeline) ApplySendResult(r SendResult) {
	switch r.Status {
	case SendPending:
		t.AddPending(r.Message)
	case SendConfirmed:
		t.Confirm(r.TempId, r.Message)
	case SendFailed:
		t.Fail(r.TempId)
	}
}

func (t *Timeline) AddPending(msg types.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.find(msg.ConversationId, msg.Id) != nil {
		return
	}
	t.conversations[msg.ConversationId] = append(t.conversations[msg.ConversationId], &Entry{Message: msg, Status: SendPending})
}

// Confirm replaces the optimistic entry tempId, pending or failed, with the
// canonical message, keeping its position. A copy of the canonical message that arrived first
// is dropped.
func (t *Timeline) Confirm(tempId string, canonical types.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries := t.conversations[canonical.ConversationId]
	idx := -1
	for i, e := range entries {
		if e.Message.Id == tempId {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}

	for i, e := range entries {
		if i != idx && e.Message.Id == canonical.Id {
			entries = append(entries[:i], entries[i+1:]...)
			if i < idx {
				idx--
			}
			break
		}
	}

	entries[idx] = &Entry{Message: canonical, Status: SendConfirmed}
	t.conversations[canonical.ConversationId] = entries
	return true
}

// Fail marks a pending entry failed. Failed entries stay in the timeline.
func (t *Timeline) Fail(tempId string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, entries := range t.conversations {
		for _, e := range entries {
			if e.Message.Id == tempId && e.Status == SendPending {
				e.Status = SendFailed
				return true
			}
		}
	}
	return false
}

// ApplyRemote appends a message from another participant unless an entry
// with the same id is already present.
func (t *Timeline) ApplyRemote(msg types.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.find(msg.ConversationId, msg.Id) != nil {
		return false
	}
	t.conversations[msg.ConversationId] = append(t.conversations[msg.ConversationId], &Entry{Message: msg, Status: SendConfirmed})
	return true
}

// ApplyReaction adds or removes one user's emoji on a message. Applying the
// same change twice has no further effect.
func (t *Timeline) ApplyReaction(r protocol.MessageReaction) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.findMessage(r.ConversationId, r.MessageId)
	if e == nil {
		return false
	}

	reactions := e.Message.Reactions
	for i, existing := range reactions {
		if existing.UserId == r.UserId && existing.Emoji == r.Emoji {
			if r.Action == protocol.ReactionAdd {
				return false
			}
			e.Message.Reactions = append(reactions[:i:i], reactions[i+1:]...)
			return true
		}
	}

	if r.Action != protocol.ReactionAdd {
		return false
	}
	e.Message.Reactions = append(reactions, types.Reaction{
		MessageId:      r.MessageId,
		ConversationId: e.Message.ConversationId,
		UserId:         r.UserId,
		Emoji:          r.Emoji,
	})
	return true
}

func (t *Timeline) Entries(conversationId string) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entries := t.conversations[conversationId]
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, *e)
	}
	return out
}

func (t *Timeline) find(conversationId, id string) *Entry {
	for _, e := range t.conversations[conversationId] {
		if e.Message.Id == id {
			return e
		}
	}
	return nil
}

// findMessage looks in every conversation when the reaction does not name
// one.
func (t *Timeline) findMessage(conversationId, id string) *Entry {
	if conversationId != "" {
		return t.find(conversationId, id)
	}

	for cid := range t.conversations {
		if e := t.find(cid, id); e != nil {
			return e
		}
	}
	return nil
}
