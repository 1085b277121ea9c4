package server

import (
	"log"
	"sort"

	"github.com/npezzotti/go-chatrelay/internal/protocol"
	"github.com/npezzotti/go-chatrelay/internal/types"
)

type member struct {
	identity types.Identity
	client   *Client
}

// Room holds the live membership and typing state of one conversation.
// It is owned by the ChatServer loop and is never touched concurrently.
type Room struct {
	id      string
	members map[string]*member
	typing  map[string]types.Identity
	log     *log.Logger
}

func newRoom(id string, l *log.Logger) *Room {
	return &Room{
		id:      id,
		members: make(map[string]*member),
		typing:  make(map[string]types.Identity),
		log:     l,
	}
}

// join adds the client's identity to the room and returns the member
// snapshot. added is false when the user was already present on the same
// connection.
func (r *Room) join(c *Client) (members []types.Identity, added bool) {
	userId := c.identity.UserId
	existing, ok := r.members[userId]
	if !ok || existing.client != c {
		r.members[userId] = &member{identity: c.identity, client: c}
		added = true
		r.log.Printf("added %q to room %q, %d members", userId, r.id, len(r.members))
	}

	return r.memberList(), added
}

// leave removes the client's user from the room. Membership held by another
// connection of the same user is left untouched.
func (r *Room) leave(c *Client) (left, wasTyping bool) {
	userId := c.identity.UserId
	m, ok := r.members[userId]
	if !ok || m.client != c {
		return false, false
	}

	delete(r.members, userId)
	if _, ok := r.typing[userId]; ok {
		delete(r.typing, userId)
		wasTyping = true
	}

	r.log.Printf("removed %q from room %q, %d members", userId, r.id, len(r.members))
	return true, wasTyping
}

func (r *Room) isMember(c *Client) bool {
	m, ok := r.members[c.identity.UserId]
	return ok && m.client == c
}

// startTyping reports whether the user transitioned into the typing state.
func (r *Room) startTyping(c *Client) bool {
	if _, ok := r.typing[c.identity.UserId]; ok {
		return false
	}

	r.typing[c.identity.UserId] = c.identity
	return true
}

// stopTyping reports whether the user was typing.
func (r *Room) stopTyping(userId string) bool {
	if _, ok := r.typing[userId]; !ok {
		return false
	}

	delete(r.typing, userId)
	return true
}

func (r *Room) typingUsers() []types.Identity {
	users := make([]types.Identity, 0, len(r.typing))
	for _, id := range r.typing {
		users = append(users, id)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].UserId < users[j].UserId })
	return users
}

func (r *Room) memberList() []types.Identity {
	members := make([]types.Identity, 0, len(r.members))
	for _, m := range r.members {
		members = append(members, m.identity)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].UserId < members[j].UserId })
	return members
}

func (r *Room) empty() bool {
	return len(r.members) == 0 && len(r.typing) == 0
}

// broadcast queues msg for every member except skip and returns the number
// of clients it was queued for.
func (r *Room) broadcast(msg *protocol.ServerMessage, skip *Client) int {
	n := 0
	for _, m := range r.members {
		if m.client == skip {
			continue
		}

		if m.client.queueMessage(msg) {
			n++
		}
	}

	r.log.Printf("broadcast %s to room %q (%d recipients)", msg.Kind(), r.id, n)
	return n
}
