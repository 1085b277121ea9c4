package server

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/npezzotti/go-chatrelay/internal/protocol"
	"github.com/npezzotti/go-chatrelay/internal/stats"
	"github.com/npezzotti/go-chatrelay/internal/store"
	"github.com/npezzotti/go-chatrelay/internal/testutil"
	"github.com/npezzotti/go-chatrelay/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// newTestChatServer creates a ChatServer whose loop is driven by the test.
func newTestChatServer(t *testing.T, ms store.MessageStore, su *stats.MockStatsUpdater) *ChatServer {
	su.On("RegisterMetric", mock.Anything).Return().Times(6)
	su.On("Incr", mock.Anything).Return().Maybe()
	su.On("Decr", mock.Anything).Return().Maybe()

	cs, err := NewChatServer(testutil.TestLogger(t), ms, su, Options{StoreTimeout: time.Second})
	require.NoError(t, err, "failed to create test ChatServer")
	return cs
}

func newTestClient(t *testing.T, cs *ChatServer, userId, name string) *Client {
	return NewClient(types.Identity{UserId: userId, DisplayName: name}, nil, cs, testutil.TestLogger(t))
}

func connect(t *testing.T, cs *ChatServer, userId string) *Client {
	c := newTestClient(t, cs, userId, "User "+userId)
	cs.register(c)
	return c
}

// handle parses raw as if it was read from c and runs it through the loop.
func handle(t *testing.T, cs *ChatServer, c *Client, raw string) {
	t.Helper()
	in, resp := c.parseIntent([]byte(raw))
	require.Nil(t, resp, "unexpected error response for %s", raw)
	cs.handleIntent(in)
}

func join(t *testing.T, cs *ChatServer, c *Client, conversationId string) {
	t.Helper()
	handle(t, cs, c, fmt.Sprintf(`{"id":1,"join_conversation":{"conversation_id":%q}}`, conversationId))
}

func drain(c *Client) []*protocol.ServerMessage {
	var msgs []*protocol.ServerMessage
	for {
		select {
		case msg := <-c.send:
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
}

func awaitResult(t *testing.T, cs *ChatServer) *persistResult {
	t.Helper()
	select {
	case res := <-cs.persistChan:
		return res
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for persistence result")
		return nil
	}
}

func forUser(userId string) any {
	return mock.MatchedBy(func(actor types.Identity) bool { return actor.UserId == userId })
}

func TestNewChatServer(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)
	su.On("RegisterMetric", mock.Anything).Return().Times(6)

	logger := testutil.TestLogger(t)
	cs, err := NewChatServer(logger, &store.MockMessageStore{}, su, Options{})
	assert.NoError(t, err, "expected no error creating ChatServer")
	assert.Equal(t, logger, cs.log, "expected logger to be set")
	assert.Equal(t, DefaultStoreTimeout, cs.opts.StoreTimeout, "expected default store timeout")
	assert.Equal(t, float64(DefaultIntentRate), cs.opts.IntentRate)
	assert.Equal(t, DefaultIntentBurst, cs.opts.IntentBurst)
	assert.NotNil(t, cs.clients, "expected clients map to be initialized")
	assert.NotNil(t, cs.userMap, "expected userMap to be initialized")
	assert.NotNil(t, cs.outbox, "expected outbox to be initialized")

	_, err = NewChatServer(logger, nil, su, Options{})
	assert.Error(t, err, "expected error without a message store")
}

func TestChatServerShutdown(t *testing.T) {
	t.Run("successful shutdown", func(t *testing.T) {
		cs := newTestChatServer(t, &store.MockMessageStore{}, &stats.MockStatsUpdater{})

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		go func() {
			select {
			case req := <-cs.stop:
				assert.NotNil(t, req.done, "expected done channel in stop request")
				close(req.done)
			case <-time.After(100 * time.Millisecond):
				t.Error("expected signal on stop chan")
			}
		}()

		err := cs.Shutdown(ctx)
		assert.NoError(t, err, "expected successful shutdown without error")
	})

	t.Run("fails with context deadline exceeded", func(t *testing.T) {
		cs := newTestChatServer(t, &store.MockMessageStore{}, &stats.MockStatsUpdater{})

		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()

		go func() {
			select {
			case <-cs.stop:
				// never close done to simulate a hang
			case <-time.After(100 * time.Millisecond):
				t.Error("expected signal on stop chan")
			}
		}()

		err := cs.Shutdown(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded, "expected context deadline exceeded error, got %v", err)
	})
}

func TestChatServerShutdown_Integration(t *testing.T) {
	cs := newTestChatServer(t, &store.MockMessageStore{}, &stats.MockStatsUpdater{})
	go cs.Run()

	c := newTestClient(t, cs, "a", "Alice")
	require.NoError(t, cs.Register(c))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, cs.Shutdown(ctx))

	select {
	case <-c.stop:
	default:
		t.Error("expected connection to be stopped on shutdown")
	}

	assert.ErrorIs(t, cs.Register(newTestClient(t, cs, "b", "Bob")), ErrServerStopped)
	assert.False(t, cs.submit(&intent{ClientMessage: &protocol.ClientMessage{}, client: c}),
		"expected submit after shutdown to fail")
}

func TestRegister_supersedesConnection(t *testing.T) {
	cs := newTestChatServer(t, &store.MockMessageStore{}, &stats.MockStatsUpdater{})
	a1 := connect(t, cs, "a")
	b := connect(t, cs, "b")
	join(t, cs, a1, "c1")
	join(t, cs, b, "c1")
	drain(a1)
	drain(b)

	a2 := connect(t, cs, "a")

	select {
	case <-a1.stop:
	default:
		t.Error("expected superseded connection to be stopped")
	}
	assert.Equal(t, a2, cs.userMap["a"], "expected user to map to the newest connection")
	assert.NotContains(t, cs.clients, a1.id)
	assert.Len(t, cs.clients, 2)

	msgs := drain(b)
	require.Len(t, msgs, 1, "expected the superseded connection to leave its rooms")
	assert.Equal(t, protocol.EventUserLeft, msgs[0].Kind())
	assert.Equal(t, "a", msgs[0].UserLeft.UserId)
	assert.False(t, cs.rooms["c1"].isMember(a1))
}

func TestUnregister_cleanup(t *testing.T) {
	cs := newTestChatServer(t, &store.MockMessageStore{}, &stats.MockStatsUpdater{})
	a := connect(t, cs, "a")
	b := connect(t, cs, "b")
	join(t, cs, a, "c1")
	join(t, cs, a, "c2")
	join(t, cs, b, "c1")
	join(t, cs, b, "c2")
	handle(t, cs, a, `{"typing":{"conversation_id":"c1"}}`)
	drain(b)

	cs.unregister(a)

	left := map[string]int{}
	stopped := map[string]int{}
	for _, msg := range drain(b) {
		switch msg.Kind() {
		case protocol.EventUserLeft:
			assert.Equal(t, "a", msg.UserLeft.UserId)
			left[msg.UserLeft.ConversationId]++
		case protocol.EventUserStoppedTyping:
			assert.Equal(t, "a", msg.UserStoppedTyping.UserId)
			stopped[msg.UserStoppedTyping.ConversationId]++
		default:
			t.Errorf("unexpected event %s", msg.Kind())
		}
	}
	assert.Equal(t, map[string]int{"c1": 1, "c2": 1}, left, "expected one user_left per joined room")
	assert.Equal(t, map[string]int{"c1": 1}, stopped, "expected typing cleanup only where the user was typing")

	assert.Contains(t, cs.rooms, "c1")
	assert.Contains(t, cs.rooms, "c2")
	assert.Empty(t, cs.rooms["c1"].typingUsers())
	assert.False(t, cs.rooms["c2"].isMember(a))
	assert.NotContains(t, cs.userMap, "a")

	cs.unregister(a)
	assert.Empty(t, drain(b), "expected second unregister to be a no-op")

	cs.unregister(b)
	assert.Empty(t, cs.rooms, "expected all rooms to be pruned")
}

func TestJoin(t *testing.T) {
	cs := newTestChatServer(t, &store.MockMessageStore{}, &stats.MockStatsUpdater{})
	a := connect(t, cs, "a")
	b := connect(t, cs, "b")

	handle(t, cs, a, `{"id":7,"join_conversation":{"conversation_id":"c1"}}`)
	msgs := drain(a)
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].OnlineUsers)
	assert.Equal(t, 7, msgs[0].Id, "expected online users to answer the join")
	assert.Equal(t, []string{"a"}, userIds(msgs[0].OnlineUsers.Users))

	handle(t, cs, a, `{"typing":{"conversation_id":"c1"}}`)
	join(t, cs, b, "c1")

	msgs = drain(b)
	require.Len(t, msgs, 2)
	assert.Equal(t, []string{"a", "b"}, userIds(msgs[0].OnlineUsers.Users))
	require.NotNil(t, msgs[1].UserTyping, "expected joiner to learn who is typing")
	assert.Equal(t, "a", msgs[1].UserTyping.UserId)

	msgs = drain(a)
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].UserJoined)
	assert.Equal(t, "b", msgs[0].UserJoined.User.UserId)

	join(t, cs, b, "c1")
	assert.Empty(t, drain(a), "expected repeated join not to be rebroadcast")
	assert.Len(t, drain(b), 1, "expected repeated join to still return the member list")
}

func TestLeave(t *testing.T) {
	cs := newTestChatServer(t, &store.MockMessageStore{}, &stats.MockStatsUpdater{})
	a := connect(t, cs, "a")
	b := connect(t, cs, "b")
	join(t, cs, a, "c1")
	join(t, cs, b, "c1")
	drain(a)
	drain(b)

	handle(t, cs, b, `{"id":3,"leave_conversation":{"conversation_id":"c1"}}`)

	msgs := drain(b)
	require.Len(t, msgs, 1)
	assert.Equal(t, 3, msgs[0].Id)
	assert.True(t, msgs[0].Response.Ok())

	msgs = drain(a)
	require.Len(t, msgs, 1)
	assert.Equal(t, "b", msgs[0].UserLeft.UserId)
	assert.NotContains(t, b.rooms, "c1")

	handle(t, cs, b, `{"id":4,"leave_conversation":{"conversation_id":"c1"}}`)
	assert.Len(t, drain(b), 1, "expected leave of an unjoined conversation to be acknowledged")
	assert.Empty(t, drain(a), "expected no broadcast for a user who was not a member")
}

func TestTyping(t *testing.T) {
	cs := newTestChatServer(t, &store.MockMessageStore{}, &stats.MockStatsUpdater{})
	a := connect(t, cs, "a")
	b := connect(t, cs, "b")

	handle(t, cs, a, `{"typing":{"conversation_id":"c1"}}`)
	assert.Empty(t, drain(a), "expected typing outside a joined conversation to be dropped")
	assert.NotContains(t, cs.rooms, "c1", "expected dropped typing not to create a room")

	join(t, cs, a, "c1")
	join(t, cs, b, "c1")
	drain(a)
	drain(b)

	handle(t, cs, a, `{"typing":{"conversation_id":"c1"}}`)
	msgs := drain(b)
	require.Len(t, msgs, 1)
	assert.Equal(t, "a", msgs[0].UserTyping.UserId)
	assert.Equal(t, "User a", msgs[0].UserTyping.UserName)
	assert.Empty(t, drain(a), "expected typer not to receive its own event")

	handle(t, cs, a, `{"typing":{"conversation_id":"c1"}}`)
	assert.Empty(t, drain(b), "expected repeated typing not to be rebroadcast")

	handle(t, cs, a, `{"stop_typing":{"conversation_id":"c1"}}`)
	msgs = drain(b)
	require.Len(t, msgs, 1)
	assert.Equal(t, "a", msgs[0].UserStoppedTyping.UserId)

	handle(t, cs, a, `{"stop_typing":{"conversation_id":"c1"}}`)
	assert.Empty(t, drain(b), "expected stop for a user not typing to be silent")
}

func TestHandleIntent_closedConnection(t *testing.T) {
	cs := newTestChatServer(t, &store.MockMessageStore{}, &stats.MockStatsUpdater{})
	a := newTestClient(t, cs, "a", "Alice")

	handle(t, cs, a, `{"join_conversation":{"conversation_id":"c1"}}`)
	assert.Empty(t, drain(a))
	assert.Empty(t, cs.rooms, "expected intents from unregistered connections to be dropped")
}

func TestSendMessage(t *testing.T) {
	ms := &store.MockMessageStore{}
	defer ms.AssertExpectations(t)

	cs := newTestChatServer(t, ms, &stats.MockStatsUpdater{})
	a := connect(t, cs, "a")
	b := connect(t, cs, "b")
	join(t, cs, a, "c1")
	join(t, cs, b, "c1")
	drain(a)
	drain(b)

	ms.On("CreateMessage", mock.Anything, forUser("a"), store.CreateMessageParams{
		ConversationId: "c1",
		Content:        "hello",
		MessageType:    types.MessageTypeText,
		ClientMsgId:    "cm-1",
	}).Return(types.Message{Id: "m1", ConversationId: "c1", SenderId: "a", Content: "hello"}, nil).Once()

	handle(t, cs, a, `{"id":9,"send_message":{"conversation_id":"c1","content":"hello","client_msg_id":"cm-1"}}`)
	assert.Empty(t, drain(b), "expected nothing to be broadcast before the store commits")

	cs.handlePersistResult(awaitResult(t, cs))

	msgs := drain(a)
	require.Len(t, msgs, 1, "expected the sender to receive only the acknowledgement")
	assert.Equal(t, 9, msgs[0].Id)
	assert.Equal(t, 201, msgs[0].Response.ResponseCode)
	require.NotNil(t, msgs[0].Response.Message)
	assert.Equal(t, "m1", msgs[0].Response.Message.Id)
	assert.Equal(t, "cm-1", msgs[0].Response.Message.ClientMsgId, "expected correlation id on the ack")
	assert.Equal(t, "User a", msgs[0].Response.Message.SenderName, "expected sender name to be filled in")

	msgs = drain(b)
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].MessageReceived)
	assert.Equal(t, "m1", msgs[0].MessageReceived.Id)
	assert.Equal(t, "hello", msgs[0].MessageReceived.Content)
	assert.Empty(t, cs.outbox, "expected the queue to be empty")
}

func TestSendMessage_ordering(t *testing.T) {
	ms := &store.MockMessageStore{}
	defer ms.AssertExpectations(t)

	cs := newTestChatServer(t, ms, &stats.MockStatsUpdater{})
	a := connect(t, cs, "a")
	b := connect(t, cs, "b")
	join(t, cs, b, "c1")
	drain(b)

	for _, content := range []string{"first", "second"} {
		ms.On("CreateMessage", mock.Anything, forUser("a"), mock.MatchedBy(func(p store.CreateMessageParams) bool {
			return p.Content == content
		})).Return(types.Message{Id: content, ConversationId: "c1", Content: content}, nil).Once()
	}

	handle(t, cs, a, `{"id":1,"send_message":{"conversation_id":"c1","content":"first"}}`)
	handle(t, cs, a, `{"id":2,"send_message":{"conversation_id":"c1","content":"second"}}`)
	require.Len(t, cs.outbox["c1"], 2)

	first := awaitResult(t, cs)
	assert.Equal(t, "first", first.message.Id)

	select {
	case res := <-cs.persistChan:
		t.Fatalf("expected second send to wait for the first, got %q", res.message.Id)
	case <-time.After(50 * time.Millisecond):
	}

	cs.handlePersistResult(first)
	second := awaitResult(t, cs)
	assert.Equal(t, "second", second.message.Id)
	cs.handlePersistResult(second)

	var got []string
	for _, msg := range drain(b) {
		got = append(got, msg.MessageReceived.Id)
	}
	assert.Equal(t, []string{"first", "second"}, got, "expected commit order to match receive order")
	assert.Len(t, drain(a), 2)
	assert.Empty(t, cs.outbox)
}

func TestSendMessage_queueAdvancesOnFailure(t *testing.T) {
	ms := &store.MockMessageStore{}
	defer ms.AssertExpectations(t)

	cs := newTestChatServer(t, ms, &stats.MockStatsUpdater{})
	a := connect(t, cs, "a")

	ms.On("CreateMessage", mock.Anything, mock.Anything, mock.MatchedBy(func(p store.CreateMessageParams) bool {
		return p.Content == "boom"
	})).Return(types.Message{}, store.ErrUnavailable).Once()
	ms.On("CreateMessage", mock.Anything, mock.Anything, mock.MatchedBy(func(p store.CreateMessageParams) bool {
		return p.Content == "ok"
	})).Return(types.Message{Id: "m2"}, nil).Once()

	handle(t, cs, a, `{"id":1,"send_message":{"conversation_id":"c1","content":"boom"}}`)
	handle(t, cs, a, `{"id":2,"send_message":{"conversation_id":"c1","content":"ok"}}`)

	cs.handlePersistResult(awaitResult(t, cs))
	cs.handlePersistResult(awaitResult(t, cs))

	msgs := drain(a)
	require.Len(t, msgs, 2)
	assert.Equal(t, 1, msgs[0].Id)
	assert.Equal(t, 503, msgs[0].Response.ResponseCode)
	assert.Equal(t, 2, msgs[1].Id)
	assert.Equal(t, 201, msgs[1].Response.ResponseCode)
}

func TestSendMessage_storeErrors(t *testing.T) {
	tcases := []struct {
		name string
		err  error
		code int
	}{
		{"not a member", &store.StatusError{StatusCode: 403, Message: "forbidden"}, 403},
		{"missing reply target", store.ErrNotFound, 404},
		{"rejected content", &store.StatusError{StatusCode: 400, Message: "content required"}, 400},
		{"store down", fmt.Errorf("dial: %w", store.ErrUnavailable), 503},
		{"unexpected", errors.New("boom"), 503},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			ms := &store.MockMessageStore{}
			cs := newTestChatServer(t, ms, &stats.MockStatsUpdater{})
			a := connect(t, cs, "a")
			b := connect(t, cs, "b")
			join(t, cs, a, "c1")
			join(t, cs, b, "c1")
			drain(a)
			drain(b)

			ms.On("CreateMessage", mock.Anything, mock.Anything, mock.Anything).Return(types.Message{}, tc.err).Once()
			handle(t, cs, a, `{"id":5,"send_message":{"conversation_id":"c1","content":"hi"}}`)
			cs.handlePersistResult(awaitResult(t, cs))

			msgs := drain(a)
			require.Len(t, msgs, 1)
			assert.Equal(t, 5, msgs[0].Id)
			assert.Equal(t, tc.code, msgs[0].Response.ResponseCode)
			assert.NotEmpty(t, msgs[0].Response.Error)
			assert.Empty(t, drain(b), "expected failures to be reported to the sender only")
		})
	}
}

func TestSendMessage_senderGone(t *testing.T) {
	t.Run("disconnected", func(t *testing.T) {
		ms := &store.MockMessageStore{}
		cs := newTestChatServer(t, ms, &stats.MockStatsUpdater{})
		a := connect(t, cs, "a")
		b := connect(t, cs, "b")
		join(t, cs, a, "c1")
		join(t, cs, b, "c1")

		ms.On("CreateMessage", mock.Anything, mock.Anything, mock.Anything).Return(types.Message{Id: "m1"}, nil).Once()
		handle(t, cs, a, `{"id":5,"send_message":{"conversation_id":"c1","content":"hi"}}`)
		res := awaitResult(t, cs)

		cs.unregister(a)
		drain(a)
		drain(b)

		cs.handlePersistResult(res)
		assert.Empty(t, drain(a), "expected no delivery to a closed connection")
		assert.Empty(t, drain(b), "expected no broadcast after the sender disconnected")
	})

	t.Run("reconnected", func(t *testing.T) {
		ms := &store.MockMessageStore{}
		cs := newTestChatServer(t, ms, &stats.MockStatsUpdater{})
		a1 := connect(t, cs, "a")
		b := connect(t, cs, "b")
		join(t, cs, a1, "c1")
		join(t, cs, b, "c1")

		ms.On("CreateMessage", mock.Anything, mock.Anything, mock.Anything).Return(types.Message{Id: "m1"}, nil).Once()
		handle(t, cs, a1, `{"id":5,"send_message":{"conversation_id":"c1","content":"hi","client_msg_id":"cm"}}`)
		res := awaitResult(t, cs)

		a2 := connect(t, cs, "a")
		drain(b)

		cs.handlePersistResult(res)

		msgs := drain(a2)
		require.Len(t, msgs, 1, "expected the ack to follow the user to the new connection")
		assert.Equal(t, "cm", msgs[0].Response.Message.ClientMsgId)
		assert.Empty(t, drain(b), "expected no broadcast for a result of a closed connection")
	})
}

func TestReaction(t *testing.T) {
	ms := &store.MockMessageStore{}
	defer ms.AssertExpectations(t)

	cs := newTestChatServer(t, ms, &stats.MockStatsUpdater{})
	a := connect(t, cs, "a")
	b := connect(t, cs, "b")
	c := connect(t, cs, "c")
	join(t, cs, a, "c1")
	join(t, cs, b, "c1")
	join(t, cs, a, "c2")
	join(t, cs, c, "c2")
	for _, cl := range []*Client{a, b, c} {
		drain(cl)
	}

	ms.On("AddReaction", mock.Anything, forUser("a"), store.ReactionParams{MessageId: "m1", Emoji: "👍"}).
		Return(types.Reaction{Id: "r1", MessageId: "m1", ConversationId: "c1", UserId: "a", Emoji: "👍"}, nil).Once()

	handle(t, cs, a, `{"id":4,"add_reaction":{"message_id":"m1","emoji":"👍"}}`)
	cs.handlePersistResult(awaitResult(t, cs))

	msgs := drain(a)
	require.Len(t, msgs, 2, "expected ack and broadcast for the reactor")
	assert.Equal(t, 4, msgs[0].Id)
	assert.Equal(t, "r1", msgs[0].Response.Reaction.Id)
	require.NotNil(t, msgs[1].MessageReaction)
	assert.Equal(t, protocol.ReactionAdd, msgs[1].MessageReaction.Action)
	assert.Equal(t, "c1", msgs[1].MessageReaction.ConversationId)

	msgs = drain(b)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].MessageReaction.MessageId)
	assert.Empty(t, drain(c), "expected reaction to be scoped to its conversation")
}

func TestReaction_audience(t *testing.T) {
	tcases := []struct {
		name       string
		raw        string
		storeConv  string
		reachesB   bool
		reachesC   bool
		removeCall bool
	}{
		{
			name:      "store reports conversation",
			raw:       `{"add_reaction":{"message_id":"m1","emoji":"🔥"}}`,
			storeConv: "c2",
			reachesC:  true,
		},
		{
			name:     "intent hint",
			raw:      `{"add_reaction":{"message_id":"m1","emoji":"🔥","conversation_id":"c1"}}`,
			reachesB: true,
		},
		{
			name:       "no conversation known",
			raw:        `{"remove_reaction":{"message_id":"m1","emoji":"🔥"}}`,
			reachesB:   true,
			reachesC:   true,
			removeCall: true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			ms := &store.MockMessageStore{}
			defer ms.AssertExpectations(t)

			cs := newTestChatServer(t, ms, &stats.MockStatsUpdater{})
			a := connect(t, cs, "a")
			b := connect(t, cs, "b")
			c := connect(t, cs, "c")
			join(t, cs, a, "c1")
			join(t, cs, b, "c1")
			join(t, cs, a, "c2")
			join(t, cs, c, "c2")
			for _, cl := range []*Client{a, b, c} {
				drain(cl)
			}

			method := "AddReaction"
			if tc.removeCall {
				method = "RemoveReaction"
			}
			ms.On(method, mock.Anything, mock.Anything, mock.Anything).
				Return(types.Reaction{MessageId: "m1", ConversationId: tc.storeConv, Emoji: "🔥"}, nil).Once()

			handle(t, cs, a, tc.raw)
			cs.handlePersistResult(awaitResult(t, cs))

			assert.Equal(t, tc.reachesB, len(drain(b)) == 1)
			assert.Equal(t, tc.reachesC, len(drain(c)) == 1)

			msgs := drain(a)
			require.NotEmpty(t, msgs)
			assert.Equal(t, "a", msgs[0].Response.Reaction.UserId, "expected reactor to be filled in")
		})
	}
}

func TestReaction_conflict(t *testing.T) {
	ms := &store.MockMessageStore{}
	cs := newTestChatServer(t, ms, &stats.MockStatsUpdater{})
	a := connect(t, cs, "a")
	b := connect(t, cs, "b")
	join(t, cs, a, "c1")
	join(t, cs, b, "c1")
	drain(a)
	drain(b)

	ms.On("AddReaction", mock.Anything, mock.Anything, mock.Anything).
		Return(types.Reaction{}, &store.StatusError{StatusCode: 409, Message: "Reaction already exists"}).Once()

	handle(t, cs, a, `{"id":8,"add_reaction":{"message_id":"m1","emoji":"👍"}}`)
	cs.handlePersistResult(awaitResult(t, cs))

	msgs := drain(a)
	require.Len(t, msgs, 1)
	assert.Equal(t, 409, msgs[0].Response.ResponseCode)
	assert.Empty(t, drain(b))
}

func TestChatServer_Run(t *testing.T) {
	ms := &store.MockMessageStore{}
	ms.On("CreateMessage", mock.Anything, mock.Anything, mock.Anything).
		Return(types.Message{Id: "m1", ConversationId: "c1"}, nil)

	cs := newTestChatServer(t, ms, &stats.MockStatsUpdater{})
	go cs.Run()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		cs.Shutdown(ctx)
	}()

	a := newTestClient(t, cs, "a", "Alice")
	b := newTestClient(t, cs, "b", "Bob")
	require.NoError(t, cs.Register(a))
	require.NoError(t, cs.Register(b))

	submit := func(c *Client, raw string) {
		in, resp := c.parseIntent([]byte(raw))
		require.Nil(t, resp)
		require.True(t, cs.submit(in))
	}

	next := func(c *Client) *protocol.ServerMessage {
		select {
		case msg := <-c.send:
			return msg
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for message to %s", c.identity.UserId)
			return nil
		}
	}

	submit(a, `{"id":1,"join_conversation":{"conversation_id":"c1"}}`)
	assert.Equal(t, protocol.EventOnlineUsers, next(a).Kind())
	submit(b, `{"id":1,"join_conversation":{"conversation_id":"c1"}}`)
	assert.Equal(t, protocol.EventOnlineUsers, next(b).Kind())
	assert.Equal(t, protocol.EventUserJoined, next(a).Kind())

	submit(a, `{"id":2,"send_message":{"conversation_id":"c1","content":"hi"}}`)
	ack := next(a)
	assert.Equal(t, 201, ack.Response.ResponseCode)
	assert.Equal(t, "m1", next(b).MessageReceived.Id)
}
