package client

import (
	"sort"
	"sync"

	"github.com/npezzotti/go-chatrelay/internal/protocol"
	"github.com/npezzotti/go-chatrelay/internal/types"
)

// Presence keeps who is online and who is typing in each conversation.
type Presence struct {
	mu     sync.RWMutex
	self   string
	online map[string]map[string]types.Identity
	typing map[string]map[string]string
}

// NewPresence returns an empty Presence. Typing events for selfId are
// ignored.
func NewPresence(selfId string) *Presence {
	return &Presence{
		self:   selfId,
		online: make(map[string]map[string]types.Identity),
		typing: make(map[string]map[string]string),
	}
}

func (p *Presence) Bind(s *Session) func() {
	unsubs := []func(){
		s.OnOnlineUsers(p.ApplyOnlineUsers),
		s.OnUserJoined(p.ApplyUserJoined),
		s.OnUserLeft(p.ApplyUserLeft),
		s.OnUserTyping(p.ApplyUserTyping),
		s.OnUserStoppedTyping(p.ApplyUserStoppedTyping),
		s.OnConnectionChange(func(status Status) {
			if status != StatusConnected {
				p.Reset()
			}
		}),
	}

	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

func (p *Presence) ApplyOnlineUsers(evt protocol.OnlineUsers) {
	p.mu.Lock()
	defer p.mu.Unlock()

	users := make(map[string]types.Identity, len(evt.Users))
	for _, u := range evt.Users {
		users[u.UserId] = u
	}
	p.online[evt.ConversationId] = users
}

func (p *Presence) ApplyUserJoined(evt protocol.UserJoined) {
	p.mu.Lock()
	defer p.mu.Unlock()

	users, ok := p.online[evt.ConversationId]
	if !ok {
		users = make(map[string]types.Identity)
		p.online[evt.ConversationId] = users
	}
	users[evt.User.UserId] = evt.User
}

func (p *Presence) ApplyUserLeft(evt protocol.UserLeft) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.online[evt.ConversationId], evt.UserId)
	delete(p.typing[evt.ConversationId], evt.UserId)
}

func (p *Presence) ApplyUserTyping(evt protocol.UserTyping) {
	if evt.UserId == p.self {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	users, ok := p.typing[evt.ConversationId]
	if !ok {
		users = make(map[string]string)
		p.typing[evt.ConversationId] = users
	}
	users[evt.UserId] = evt.UserName
}

func (p *Presence) ApplyUserStoppedTyping(evt protocol.UserStoppedTyping) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.typing[evt.ConversationId], evt.UserId)
}

func (p *Presence) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	clear(p.online)
	clear(p.typing)
}

func (p *Presence) Online(conversationId string) []types.Identity {
	p.mu.RLock()
	defer p.mu.RUnlock()

	users := make([]types.Identity, 0, len(p.online[conversationId]))
	for _, u := range p.online[conversationId] {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].UserId < users[j].UserId })
	return users
}

// Typing returns the display names of the users typing in a conversation.
func (p *Presence) Typing(conversationId string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	names := make([]string, 0, len(p.typing[conversationId]))
	for _, name := range p.typing[conversationId] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
