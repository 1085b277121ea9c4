package server

import (
	"errors"
	"time"

	"github.com/npezzotti/go-chatrelay/internal/protocol"
	"github.com/npezzotti/go-chatrelay/internal/store"
	"github.com/npezzotti/go-chatrelay/internal/types"
)

type persistResult struct {
	intent   *intent
	message  types.Message
	reaction types.Reaction
	err      error
	duration time.Duration
}

// enqueueSend appends a send to its conversation's queue. Only the head of
// a queue is ever in flight, so a conversation's messages are committed in
// the order the relay received them.
func (cs *ChatServer) enqueueSend(in *intent) {
	conversationId := in.SendMessage.ConversationId
	queue := cs.outbox[conversationId]
	cs.outbox[conversationId] = append(queue, in)

	if len(queue) == 0 {
		cs.persistSend(in)
	} else {
		cs.log.Printf("queued send for %q behind %d pending", conversationId, len(queue))
	}
}

func (cs *ChatServer) persistSend(in *intent) {
	actor := in.client.identity
	params := store.CreateMessageParams{
		ConversationId: in.SendMessage.ConversationId,
		Content:        in.SendMessage.Content,
		MessageType:    in.SendMessage.MessageType,
		ReplyToId:      in.SendMessage.ReplyToId,
		ClientMsgId:    in.SendMessage.ClientMsgId,
	}

	go func() {
		ctx, cancel := cs.persistTimeout()
		defer cancel()

		start := time.Now()
		msg, err := cs.store.CreateMessage(ctx, actor, params)
		cs.deliver(&persistResult{intent: in, message: msg, err: err, duration: time.Since(start)})
	}()
}

func (cs *ChatServer) completeSend(res *persistResult) {
	in := res.intent
	conversationId := in.SendMessage.ConversationId

	queue := cs.outbox[conversationId]
	if len(queue) > 0 && queue[0] == in {
		queue = queue[1:]
	}
	if len(queue) == 0 {
		delete(cs.outbox, conversationId)
	} else {
		cs.outbox[conversationId] = queue
		cs.persistSend(queue[0])
	}

	origin := in.client
	if res.err != nil {
		cs.replyTo(origin, storeErrorResponse(in.Id, res.err))
		if room, ok := cs.rooms[conversationId]; ok {
			cs.pruneRoom(room)
		}
		return
	}

	msg := canonicalMessage(res.message, in)
	cs.replyTo(origin, protocol.MessageCreated(in.Id, msg))

	room, ok := cs.rooms[conversationId]
	if !ok {
		return
	}

	if !cs.isLive(origin) {
		cs.log.Printf("sender %q disconnected before %q was stored, not broadcasting", origin.identity.UserId, msg.Id)
		cs.pruneRoom(room)
		return
	}

	cs.broadcast(room, protocol.MessageReceivedEvent(msg), origin)
}

// canonicalMessage fills the fields a store may leave out of its reply from
// the intent that produced it.
func canonicalMessage(msg types.Message, in *intent) types.Message {
	sender := in.client.identity
	if msg.ConversationId == "" {
		msg.ConversationId = in.SendMessage.ConversationId
	}
	if msg.SenderId == "" {
		msg.SenderId = sender.UserId
	}
	if msg.SenderName == "" {
		msg.SenderName = sender.DisplayName
	}
	if msg.SenderImage == "" {
		msg.SenderImage = sender.AvatarUrl
	}
	if msg.ClientMsgId == "" {
		msg.ClientMsgId = in.SendMessage.ClientMsgId
	}
	if msg.MessageType == "" {
		msg.MessageType = in.SendMessage.MessageType
	}
	return msg
}

func (cs *ChatServer) persistReaction(in *intent) {
	actor := in.client.identity
	call, r := cs.store.AddReaction, in.AddReaction
	if in.Kind() == protocol.IntentRemoveReaction {
		call, r = cs.store.RemoveReaction, in.RemoveReaction
	}
	params := store.ReactionParams{MessageId: r.MessageId, Emoji: r.Emoji}

	go func() {
		ctx, cancel := cs.persistTimeout()
		defer cancel()

		start := time.Now()
		reaction, err := call(ctx, actor, params)
		cs.deliver(&persistResult{intent: in, reaction: reaction, err: err, duration: time.Since(start)})
	}()
}

func (cs *ChatServer) completeReaction(res *persistResult) {
	in := res.intent
	origin := in.client
	if res.err != nil {
		cs.replyTo(origin, storeErrorResponse(in.Id, res.err))
		return
	}

	action, r := protocol.ReactionAdd, in.AddReaction
	if in.Kind() == protocol.IntentRemoveReaction {
		action, r = protocol.ReactionRemove, in.RemoveReaction
	}

	reaction := res.reaction
	if reaction.MessageId == "" {
		reaction.MessageId = r.MessageId
	}
	if reaction.Emoji == "" {
		reaction.Emoji = r.Emoji
	}
	if reaction.UserId == "" {
		reaction.UserId = origin.identity.UserId
	}
	if reaction.UserName == "" {
		reaction.UserName = origin.identity.DisplayName
	}
	if reaction.ConversationId == "" {
		reaction.ConversationId = r.ConversationId
	}

	cs.replyTo(origin, protocol.ReactionApplied(in.Id, reaction))

	if !cs.isLive(origin) {
		cs.log.Printf("reactor %q disconnected before %s was stored, not broadcasting", origin.identity.UserId, in.Kind())
		return
	}

	evt := protocol.MessageReactionEvent(reaction, action)
	for _, room := range cs.reactionAudience(origin, reaction.ConversationId) {
		cs.broadcast(room, evt, nil)
	}
}

// reactionAudience picks the rooms a reaction change is broadcast to. A
// known conversation scopes it to that room; otherwise every room the
// reacting connection has joined receives it.
func (cs *ChatServer) reactionAudience(origin *Client, conversationId string) []*Room {
	if conversationId != "" {
		if room, ok := cs.rooms[conversationId]; ok {
			return []*Room{room}
		}
		return nil
	}

	rooms := make([]*Room, 0, len(origin.rooms))
	for id := range origin.rooms {
		if room, ok := cs.rooms[id]; ok {
			rooms = append(rooms, room)
		}
	}
	return rooms
}

func storeErrorResponse(id int, err error) *protocol.ServerMessage {
	var statusErr *store.StatusError
	switch {
	case errors.Is(err, store.ErrAccessDenied):
		return protocol.ErrForbidden(id)
	case errors.Is(err, store.ErrNotFound):
		return protocol.ErrNotFound(id)
	case errors.Is(err, store.ErrConflict):
		return protocol.ErrConflict(id)
	case errors.As(err, &statusErr) && errors.Is(err, store.ErrInvalid):
		return protocol.ErrBadRequest(id, statusErr.Message)
	case errors.Is(err, store.ErrInvalid):
		return protocol.ErrBadRequest(id, "invalid request")
	default:
		return protocol.ErrServiceUnavailable(id)
	}
}
