package server

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/npezzotti/go-chatrelay/internal/protocol"
	"github.com/npezzotti/go-chatrelay/internal/stats"
	"github.com/npezzotti/go-chatrelay/internal/store"
)

const (
	DefaultStoreTimeout = 10 * time.Second
	DefaultIntentRate   = 20
	DefaultIntentBurst  = 40
)

var ErrServerStopped = errors.New("chat server stopped")

type Options struct {
	// StoreTimeout bounds every persistence call.
	StoreTimeout time.Duration
	// IntentRate and IntentBurst configure the per-connection limiter.
	IntentRate  float64
	IntentBurst int
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = DefaultStoreTimeout
	}
	if opts.IntentRate <= 0 {
		opts.IntentRate = DefaultIntentRate
	}
	if opts.IntentBurst <= 0 {
		opts.IntentBurst = DefaultIntentBurst
	}
	return opts
}

type intent struct {
	*protocol.ClientMessage
	client *Client
}

type stopReq struct {
	done chan struct{}
}

// ChatServer is the relay core. Run owns the connection registry, the rooms
// and the per-conversation send queues; every other goroutine reaches that
// state through channels.
type ChatServer struct {
	log   *log.Logger
	store store.MessageStore
	stats stats.StatsProvider
	opts  Options

	clients map[string]*Client
	userMap map[string]*Client
	rooms   map[string]*Room
	// outbox holds the sends of each conversation in arrival order. The head
	// is the one being persisted.
	outbox map[string][]*intent

	registerChan   chan *Client
	deRegisterChan chan *Client
	intentChan     chan *intent
	persistChan    chan *persistResult
	stop           chan stopReq
	quit           chan struct{}
}

func NewChatServer(logger *log.Logger, ms store.MessageStore, su stats.StatsProvider, opts Options) (*ChatServer, error) {
	if ms == nil {
		return nil, errors.New("message store is required")
	}

	for _, name := range []string{
		stats.NumActiveConnections,
		stats.NumActiveRooms,
		stats.NumIntents,
		stats.NumBroadcasts,
		stats.NumPersistFailures,
		stats.NumDroppedIntents,
	} {
		su.RegisterMetric(name)
	}

	return &ChatServer{
		log:            logger,
		store:          ms,
		stats:          su,
		opts:           opts.withDefaults(),
		clients:        make(map[string]*Client),
		userMap:        make(map[string]*Client),
		rooms:          make(map[string]*Room),
		outbox:         make(map[string][]*intent),
		registerChan:   make(chan *Client),
		deRegisterChan: make(chan *Client),
		intentChan:     make(chan *intent, 256),
		persistChan:    make(chan *persistResult, 64),
		stop:           make(chan stopReq),
		quit:           make(chan struct{}),
	}, nil
}

func (cs *ChatServer) Run() {
	for {
		select {
		case c := <-cs.registerChan:
			cs.register(c)
		case c := <-cs.deRegisterChan:
			cs.unregister(c)
		case in := <-cs.intentChan:
			cs.handleIntent(in)
		case res := <-cs.persistChan:
			cs.handlePersistResult(res)
		case req := <-cs.stop:
			cs.shutdown()
			close(req.done)
			return
		}
	}
}

// Register hands a new connection to the server. It returns once the
// connection is in the registry, so intents read afterwards are never
// processed ahead of it.
func (cs *ChatServer) Register(c *Client) error {
	select {
	case cs.registerChan <- c:
		return nil
	case <-cs.quit:
		return ErrServerStopped
	}
}

func (cs *ChatServer) deregister(c *Client) {
	select {
	case cs.deRegisterChan <- c:
	case <-cs.quit:
	}
}

func (cs *ChatServer) submit(in *intent) bool {
	select {
	case <-cs.quit:
		return false
	default:
	}

	select {
	case cs.intentChan <- in:
		return true
	default:
		cs.stats.Incr(stats.NumDroppedIntents)
		cs.log.Printf("intent queue full, dropping %s from %q", in.Kind(), in.client.identity.UserId)
		return false
	}
}

func (cs *ChatServer) deliver(res *persistResult) {
	select {
	case cs.persistChan <- res:
	case <-cs.quit:
	}
}

// Shutdown stops the loop and closes every connection.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Println("received shutdown signal")

	req := stopReq{done: make(chan struct{})}
	select {
	case cs.stop <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (cs *ChatServer) shutdown() {
	close(cs.quit)

	for _, c := range cs.clients {
		c.stopClient()
	}

	cs.log.Printf("closed %d connections, dropped %d rooms", len(cs.clients), len(cs.rooms))
	clear(cs.clients)
	clear(cs.userMap)
	clear(cs.rooms)
	clear(cs.outbox)
}

func (cs *ChatServer) register(c *Client) {
	userId := c.identity.UserId
	if old, ok := cs.userMap[userId]; ok && old != c {
		cs.log.Printf("connection %s supersedes %s for user %q", c.id, old.id, userId)
		cs.unregister(old)
		old.stopClient()
	}

	cs.clients[c.id] = c
	cs.userMap[userId] = c
	cs.stats.Incr(stats.NumActiveConnections)
	cs.log.Printf("registered connection %s for user %q, %d connections", c.id, userId, len(cs.clients))
}

// unregister runs the disconnect cleanup: the user leaves every room it
// joined on this connection, with the matching leave and typing events.
func (cs *ChatServer) unregister(c *Client) {
	if cs.clients[c.id] != c {
		return
	}

	for conversationId := range c.rooms {
		cs.removeFromRoom(c, conversationId)
	}

	delete(cs.clients, c.id)
	if cs.userMap[c.identity.UserId] == c {
		delete(cs.userMap, c.identity.UserId)
	}

	cs.stats.Decr(stats.NumActiveConnections)
	cs.log.Printf("removed connection %s for user %q, %d connections", c.id, c.identity.UserId, len(cs.clients))
}

func (cs *ChatServer) isLive(c *Client) bool {
	return cs.clients[c.id] == c
}

func (cs *ChatServer) handleIntent(in *intent) {
	if !cs.isLive(in.client) {
		cs.log.Printf("dropping %s from closed connection %s", in.Kind(), in.client.id)
		return
	}

	cs.stats.Incr(stats.NumIntents)

	switch in.Kind() {
	case protocol.IntentJoinConversation:
		cs.join(in)
	case protocol.IntentLeaveConversation:
		cs.leave(in)
	case protocol.IntentSendMessage:
		cs.enqueueSend(in)
	case protocol.IntentTyping:
		cs.startTyping(in)
	case protocol.IntentStopTyping:
		cs.stopTyping(in)
	case protocol.IntentAddReaction, protocol.IntentRemoveReaction:
		cs.persistReaction(in)
	default:
		in.client.queueMessage(protocol.ErrInvalidMessage(in.Id))
	}
}

func (cs *ChatServer) getOrCreateRoom(conversationId string) *Room {
	if room, ok := cs.rooms[conversationId]; ok {
		return room
	}

	room := newRoom(conversationId, cs.log)
	cs.rooms[conversationId] = room
	cs.stats.Incr(stats.NumActiveRooms)
	cs.log.Printf("created room %q", conversationId)
	return room
}

// pruneRoom drops a room once nothing refers to it.
func (cs *ChatServer) pruneRoom(room *Room) {
	if !room.empty() || len(cs.outbox[room.id]) > 0 {
		return
	}

	if cs.rooms[room.id] == room {
		delete(cs.rooms, room.id)
		cs.stats.Decr(stats.NumActiveRooms)
		cs.log.Printf("removed room %q", room.id)
	}
}

func (cs *ChatServer) broadcast(room *Room, msg *protocol.ServerMessage, skip *Client) {
	room.broadcast(msg, skip)
	cs.stats.Incr(stats.NumBroadcasts)
}

// join answers the joiner with online_users under the request id; that
// event is the acknowledgement.
func (cs *ChatServer) join(in *intent) {
	c, conversationId := in.client, in.JoinConversation.ConversationId

	room := cs.getOrCreateRoom(conversationId)
	members, added := room.join(c)
	c.rooms[conversationId] = struct{}{}

	c.queueMessage(protocol.OnlineUsersEvent(in.Id, conversationId, members))
	if added {
		cs.broadcast(room, protocol.UserJoinedEvent(conversationId, c.identity), c)
	}

	for _, typer := range room.typingUsers() {
		if typer.UserId != c.identity.UserId {
			c.queueMessage(protocol.UserTypingEvent(conversationId, typer))
		}
	}
}

func (cs *ChatServer) leave(in *intent) {
	cs.removeFromRoom(in.client, in.LeaveConversation.ConversationId)
	in.client.queueMessage(protocol.NoErrOK(in.Id))
}

func (cs *ChatServer) removeFromRoom(c *Client, conversationId string) {
	delete(c.rooms, conversationId)

	room, ok := cs.rooms[conversationId]
	if !ok {
		return
	}

	left, wasTyping := room.leave(c)
	if left {
		cs.broadcast(room, protocol.UserLeftEvent(conversationId, c.identity.UserId), nil)
	}
	if wasTyping {
		cs.broadcast(room, protocol.UserStoppedTypingEvent(conversationId, c.identity.UserId), nil)
	}

	cs.pruneRoom(room)
}

func (cs *ChatServer) joinedRoom(c *Client, conversationId string) *Room {
	room, ok := cs.rooms[conversationId]
	if !ok || !room.isMember(c) {
		return nil
	}
	return room
}

func (cs *ChatServer) startTyping(in *intent) {
	conversationId := in.Typing.ConversationId
	room := cs.joinedRoom(in.client, conversationId)
	if room == nil {
		cs.log.Printf("typing from %q outside joined conversation %q", in.client.identity.UserId, conversationId)
		return
	}

	if room.startTyping(in.client) {
		cs.broadcast(room, protocol.UserTypingEvent(conversationId, in.client.identity), in.client)
	}
}

func (cs *ChatServer) stopTyping(in *intent) {
	conversationId := in.StopTyping.ConversationId
	room := cs.joinedRoom(in.client, conversationId)
	if room == nil {
		cs.log.Printf("stop typing from %q outside joined conversation %q", in.client.identity.UserId, conversationId)
		return
	}

	if room.stopTyping(in.client.identity.UserId) {
		cs.broadcast(room, protocol.UserStoppedTypingEvent(conversationId, in.client.identity.UserId), in.client)
	}
}

// replyTo queues a response for the originating user. When the originating
// connection has been replaced, the response follows the user to the new one.
func (cs *ChatServer) replyTo(origin *Client, msg *protocol.ServerMessage) {
	if cs.isLive(origin) {
		origin.queueMessage(msg)
		return
	}

	if current, ok := cs.userMap[origin.identity.UserId]; ok {
		cs.log.Printf("delivering late %s for %q to connection %s", msg.Kind(), origin.identity.UserId, current.id)
		current.queueMessage(msg)
		return
	}

	cs.log.Printf("dropping %s for disconnected user %q", msg.Kind(), origin.identity.UserId)
}

func (cs *ChatServer) handlePersistResult(res *persistResult) {
	if res.err != nil {
		cs.stats.Incr(stats.NumPersistFailures)
		cs.log.Printf("%s for %q failed after %s: %v", res.intent.Kind(), res.intent.client.identity.UserId, res.duration, res.err)
	}

	switch res.intent.Kind() {
	case protocol.IntentSendMessage:
		cs.completeSend(res)
	case protocol.IntentAddReaction, protocol.IntentRemoveReaction:
		cs.completeReaction(res)
	}
}

func (cs *ChatServer) persistTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), cs.opts.StoreTimeout)
}
