package store

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/npezzotti/go-chatrelay/internal/testutil"
	"github.com/npezzotti/go-chatrelay/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testKey   = []byte("test-signing-key")
	testActor = types.Identity{ConnectionId: "conn-1", UserId: "user-a", DisplayName: "Alice", AvatarUrl: "https://img/a.png"}
)

func TestHTTPStore_CreateMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/chat/message", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		actor, err := VerifyToken(testKey, strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		require.NoError(t, err)
		assert.Equal(t, "user-a", actor.UserId)
		assert.Equal(t, "Alice", actor.DisplayName)

		var params CreateMessageParams
		require.NoError(t, json.NewDecoder(r.Body).Decode(&params))
		assert.Equal(t, "c1", params.ConversationId)
		assert.Equal(t, "cm-1", params.ClientMsgId)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(types.Message{
			Id:             "m1",
			ConversationId: params.ConversationId,
			SenderId:       actor.UserId,
			SenderName:     actor.DisplayName,
			Content:        params.Content,
			MessageType:    params.MessageType,
			ClientMsgId:    params.ClientMsgId,
		})
	}))
	defer srv.Close()

	s := NewHTTPStore(srv.URL+"/", testKey, time.Second, testutil.TestLogger(t))
	msg, err := s.CreateMessage(context.Background(), testActor, CreateMessageParams{
		ConversationId: "c1",
		Content:        "hi",
		MessageType:    types.MessageTypeText,
		ClientMsgId:    "cm-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "m1", msg.Id)
	assert.Equal(t, "user-a", msg.SenderId)
	assert.Equal(t, "cm-1", msg.ClientMsgId, "expected correlation id to be echoed")
}

func TestHTTPStore_ListMessages(t *testing.T) {
	before := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/chat/messages", r.URL.Path)
		assert.Equal(t, "c1", r.URL.Query().Get("conversation_id"))
		assert.Equal(t, "2025-01-02T03:04:05Z", r.URL.Query().Get("before"))
		assert.Equal(t, "20", r.URL.Query().Get("limit"))
		assert.Equal(t, int64(0), r.ContentLength, "expected no request body")

		json.NewEncoder(w).Encode([]types.Message{{Id: "m1"}, {Id: "m2"}})
	}))
	defer srv.Close()

	s := NewHTTPStore(srv.URL, testKey, time.Second, testutil.TestLogger(t))
	msgs, err := s.ListMessages(context.Background(), testActor, "c1", before, 20)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m2", msgs[1].Id)
}

func TestHTTPStore_reactions(t *testing.T) {
	var methods []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.Method)
		var params ReactionParams
		require.NoError(t, json.NewDecoder(r.Body).Decode(&params))
		json.NewEncoder(w).Encode(types.Reaction{
			Id:             "r1",
			MessageId:      params.MessageId,
			ConversationId: "c1",
			UserId:         "user-a",
			Emoji:          params.Emoji,
		})
	}))
	defer srv.Close()

	s := NewHTTPStore(srv.URL, testKey, time.Second, testutil.TestLogger(t))

	r, err := s.AddReaction(context.Background(), testActor, ReactionParams{MessageId: "m1", Emoji: "👍"})
	require.NoError(t, err)
	assert.Equal(t, "c1", r.ConversationId)

	_, err = s.RemoveReaction(context.Background(), testActor, ReactionParams{MessageId: "m1", Emoji: "👍"})
	require.NoError(t, err)

	assert.Equal(t, []string{http.MethodPost, http.MethodDelete}, methods)
}

func TestHTTPStore_statusErrors(t *testing.T) {
	tcases := []struct {
		name   string
		status int
		body   string
		target error
		msg    string
	}{
		{"access denied", http.StatusForbidden, `{"status_code":403,"message":"forbidden"}`, ErrAccessDenied, "forbidden"},
		{"unauthorized", http.StatusUnauthorized, `{"message":"unauthorized"}`, ErrAccessDenied, "unauthorized"},
		{"duplicate", http.StatusConflict, `{"error":"Reaction already exists"}`, ErrConflict, "Reaction already exists"},
		{"missing", http.StatusNotFound, `not found`, ErrNotFound, "not found"},
		{"validation", http.StatusBadRequest, `{"message":"bad request"}`, ErrInvalid, "bad request"},
		{"server error", http.StatusInternalServerError, ``, ErrUnavailable, ""},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			s := NewHTTPStore(srv.URL, testKey, time.Second, testutil.TestLogger(t))
			_, err := s.AddReaction(context.Background(), testActor, ReactionParams{MessageId: "m1", Emoji: "👍"})

			assert.ErrorIs(t, err, tc.target)
			var statusErr *StatusError
			require.True(t, errors.As(err, &statusErr), "expected a StatusError")
			assert.Equal(t, tc.status, statusErr.StatusCode)
			assert.Equal(t, tc.msg, statusErr.Message)
		})
	}
}

func TestHTTPStore_unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	s := NewHTTPStore(url, testKey, time.Second, testutil.TestLogger(t))
	_, err := s.CreateMessage(context.Background(), testActor, CreateMessageParams{ConversationId: "c1", Content: "hi"})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestHTTPStore_contextCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	s := NewHTTPStore(srv.URL, testKey, time.Second, testutil.TestLogger(t))
	_, err := s.CreateMessage(ctx, testActor, CreateMessageParams{ConversationId: "c1", Content: "hi"})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSignVerifyToken(t *testing.T) {
	token, err := SignToken(testKey, testActor, time.Minute)
	require.NoError(t, err)

	actor, err := VerifyToken(testKey, token)
	require.NoError(t, err)
	assert.Equal(t, "user-a", actor.UserId)
	assert.Equal(t, "Alice", actor.DisplayName)
	assert.Equal(t, "https://img/a.png", actor.AvatarUrl)
	assert.Empty(t, actor.ConnectionId, "expected connection id not to travel in tokens")

	t.Run("wrong key", func(t *testing.T) {
		_, err := VerifyToken([]byte("other"), token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		expired, err := SignToken(testKey, testActor, -time.Minute)
		require.NoError(t, err)
		_, err = VerifyToken(testKey, expired)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("missing subject", func(t *testing.T) {
		anon, err := SignToken(testKey, types.Identity{}, time.Minute)
		require.NoError(t, err)
		_, err = VerifyToken(testKey, anon)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}
