package protocol

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/npezzotti/go-chatrelay/internal/types"
)

const MaxContentLength = 4000

type IntentKind int

const (
	IntentUnknown IntentKind = iota
	IntentJoinConversation
	IntentLeaveConversation
	IntentSendMessage
	IntentTyping
	IntentStopTyping
	IntentAddReaction
	IntentRemoveReaction
)

var intentNames = map[IntentKind]string{
	IntentUnknown:           "unknown",
	IntentJoinConversation:  "join_conversation",
	IntentLeaveConversation: "leave_conversation",
	IntentSendMessage:       "send_message",
	IntentTyping:            "typing",
	IntentStopTyping:        "stop_typing",
	IntentAddReaction:       "add_reaction",
	IntentRemoveReaction:    "remove_reaction",
}

func (k IntentKind) String() string {
	return intentNames[k]
}

type EventKind int

const (
	EventUnknown EventKind = iota
	EventResponse
	EventMessageReceived
	EventUserJoined
	EventUserLeft
	EventOnlineUsers
	EventUserTyping
	EventUserStoppedTyping
	EventMessageReaction
)

var eventNames = map[EventKind]string{
	EventUnknown:           "unknown",
	EventResponse:          "response",
	EventMessageReceived:   "message_received",
	EventUserJoined:        "user_joined",
	EventUserLeft:          "user_left",
	EventOnlineUsers:       "online_users",
	EventUserTyping:        "user_typing",
	EventUserStoppedTyping: "user_stopped_typing",
	EventMessageReaction:   "message_reaction",
}

func (k EventKind) String() string {
	return eventNames[k]
}

var (
	ErrNoIntent        = errors.New("message carries no intent")
	ErrMultipleIntents = errors.New("message carries more than one intent")
	ErrMissingField    = errors.New("missing required field")
	ErrContentTooLong  = errors.New("content too long")
	ErrBadMessageType  = errors.New("unsupported message type")
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is the envelope for client intents. Exactly one intent
// field must be set.
type ClientMessage struct {
	BaseMessage
	JoinConversation  *ConversationRef `json:"join_conversation,omitempty"`
	LeaveConversation *ConversationRef `json:"leave_conversation,omitempty"`
	SendMessage       *SendMessage     `json:"send_message,omitempty"`
	Typing            *ConversationRef `json:"typing,omitempty"`
	StopTyping        *ConversationRef `json:"stop_typing,omitempty"`
	AddReaction       *ReactionIntent  `json:"add_reaction,omitempty"`
	RemoveReaction    *ReactionIntent  `json:"remove_reaction,omitempty"`
}

type ConversationRef struct {
	ConversationId string `json:"conversation_id"`
}

type SendMessage struct {
	ConversationId string            `json:"conversation_id"`
	Content        string            `json:"content"`
	MessageType    types.MessageType `json:"message_type,omitempty"`
	ReplyToId      string            `json:"reply_to_id,omitempty"`
	ClientMsgId    string            `json:"client_msg_id,omitempty"`
}

type ReactionIntent struct {
	MessageId string `json:"message_id"`
	Emoji     string `json:"emoji"`
	// ConversationId is optional and only used to scope the broadcast
	// when the store does not report the owning conversation.
	ConversationId string `json:"conversation_id,omitempty"`
}

// Kind reports which intent the envelope carries, or IntentUnknown when
// none or more than one is set.
func (m *ClientMessage) Kind() IntentKind {
	kind, n := IntentUnknown, 0
	if m.JoinConversation != nil {
		kind, n = IntentJoinConversation, n+1
	}
	if m.LeaveConversation != nil {
		kind, n = IntentLeaveConversation, n+1
	}
	if m.SendMessage != nil {
		kind, n = IntentSendMessage, n+1
	}
	if m.Typing != nil {
		kind, n = IntentTyping, n+1
	}
	if m.StopTyping != nil {
		kind, n = IntentStopTyping, n+1
	}
	if m.AddReaction != nil {
		kind, n = IntentAddReaction, n+1
	}
	if m.RemoveReaction != nil {
		kind, n = IntentRemoveReaction, n+1
	}

	if n != 1 {
		return IntentUnknown
	}
	return kind
}

// Validate checks the envelope shape and the required fields of its intent.
// It normalizes the send payload (trimmed content, default message type).
func (m *ClientMessage) Validate() error {
	switch m.Kind() {
	case IntentJoinConversation:
		return requireConversation(m.JoinConversation)
	case IntentLeaveConversation:
		return requireConversation(m.LeaveConversation)
	case IntentTyping:
		return requireConversation(m.Typing)
	case IntentStopTyping:
		return requireConversation(m.StopTyping)
	case IntentSendMessage:
		return m.SendMessage.normalize()
	case IntentAddReaction:
		return m.AddReaction.validate()
	case IntentRemoveReaction:
		return m.RemoveReaction.validate()
	case IntentUnknown:
		if m.JoinConversation == nil && m.LeaveConversation == nil && m.SendMessage == nil &&
			m.Typing == nil && m.StopTyping == nil && m.AddReaction == nil && m.RemoveReaction == nil {
			return ErrNoIntent
		}
		return ErrMultipleIntents
	}

	return ErrNoIntent
}

// ConversationId returns the conversation an intent targets, if any.
func (m *ClientMessage) ConversationId() string {
	switch m.Kind() {
	case IntentJoinConversation:
		return m.JoinConversation.ConversationId
	case IntentLeaveConversation:
		return m.LeaveConversation.ConversationId
	case IntentSendMessage:
		return m.SendMessage.ConversationId
	case IntentTyping:
		return m.Typing.ConversationId
	case IntentStopTyping:
		return m.StopTyping.ConversationId
	case IntentAddReaction:
		return m.AddReaction.ConversationId
	case IntentRemoveReaction:
		return m.RemoveReaction.ConversationId
	}
	return ""
}

func requireConversation(ref *ConversationRef) error {
	if strings.TrimSpace(ref.ConversationId) == "" {
		return ErrMissingField
	}
	return nil
}

func (s *SendMessage) normalize() error {
	s.Content = strings.TrimSpace(s.Content)
	if s.ConversationId == "" || s.Content == "" {
		return ErrMissingField
	}
	if len(s.Content) > MaxContentLength {
		return ErrContentTooLong
	}

	switch s.MessageType {
	case "":
		s.MessageType = types.MessageTypeText
	case types.MessageTypeText, types.MessageTypeSystem:
	default:
		return ErrBadMessageType
	}

	return nil
}

func (r *ReactionIntent) validate() error {
	if r.MessageId == "" || strings.TrimSpace(r.Emoji) == "" {
		return ErrMissingField
	}
	return nil
}

type ServerMessage struct {
	BaseMessage
	Response          *Response          `json:"response,omitempty"`
	MessageReceived   *types.Message     `json:"message_received,omitempty"`
	UserJoined        *UserJoined        `json:"user_joined,omitempty"`
	UserLeft          *UserLeft          `json:"user_left,omitempty"`
	OnlineUsers       *OnlineUsers       `json:"online_users,omitempty"`
	UserTyping        *UserTyping        `json:"user_typing,omitempty"`
	UserStoppedTyping *UserStoppedTyping `json:"user_stopped_typing,omitempty"`
	MessageReaction   *MessageReaction   `json:"message_reaction,omitempty"`
}

// Kind reports which event the envelope carries. Server messages are built
// by the relay with a single event set, so the first match wins.
func (m *ServerMessage) Kind() EventKind {
	switch {
	case m.Response != nil:
		return EventResponse
	case m.MessageReceived != nil:
		return EventMessageReceived
	case m.UserJoined != nil:
		return EventUserJoined
	case m.UserLeft != nil:
		return EventUserLeft
	case m.OnlineUsers != nil:
		return EventOnlineUsers
	case m.UserTyping != nil:
		return EventUserTyping
	case m.UserStoppedTyping != nil:
		return EventUserStoppedTyping
	case m.MessageReaction != nil:
		return EventMessageReaction
	}
	return EventUnknown
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
	// Message is the canonical record acknowledging a send_message intent.
	Message *types.Message `json:"message,omitempty"`
	// Reaction is the stored record acknowledging a reaction intent.
	Reaction *types.Reaction `json:"reaction,omitempty"`
}

func (r *Response) Ok() bool {
	return r.ResponseCode >= 200 && r.ResponseCode < 300
}

type UserJoined struct {
	ConversationId string         `json:"conversation_id"`
	User           types.Identity `json:"user"`
}

type UserLeft struct {
	ConversationId string `json:"conversation_id"`
	UserId         string `json:"user_id"`
}

type OnlineUsers struct {
	ConversationId string           `json:"conversation_id"`
	Users          []types.Identity `json:"users"`
}

type UserTyping struct {
	ConversationId string `json:"conversation_id"`
	UserId         string `json:"user_id"`
	UserName       string `json:"user_name"`
}

type UserStoppedTyping struct {
	ConversationId string `json:"conversation_id"`
	UserId         string `json:"user_id"`
}

type ReactionAction string

const (
	ReactionAdd    ReactionAction = "add"
	ReactionRemove ReactionAction = "remove"
)

type MessageReaction struct {
	MessageId      string         `json:"message_id"`
	ConversationId string         `json:"conversation_id,omitempty"`
	UserId         string         `json:"user_id"`
	Emoji          string         `json:"emoji"`
	Action         ReactionAction `json:"action"`
}

func newEvent() *ServerMessage {
	return &ServerMessage{BaseMessage: BaseMessage{Timestamp: Now()}}
}

func MessageReceivedEvent(msg types.Message) *ServerMessage {
	m := newEvent()
	m.MessageReceived = &msg
	return m
}

func UserJoinedEvent(conversationId string, user types.Identity) *ServerMessage {
	m := newEvent()
	m.UserJoined = &UserJoined{ConversationId: conversationId, User: user}
	return m
}

func UserLeftEvent(conversationId, userId string) *ServerMessage {
	m := newEvent()
	m.UserLeft = &UserLeft{ConversationId: conversationId, UserId: userId}
	return m
}

func OnlineUsersEvent(id int, conversationId string, users []types.Identity) *ServerMessage {
	m := newEvent()
	m.Id = id
	m.OnlineUsers = &OnlineUsers{ConversationId: conversationId, Users: users}
	return m
}

func UserTypingEvent(conversationId string, user types.Identity) *ServerMessage {
	m := newEvent()
	m.UserTyping = &UserTyping{ConversationId: conversationId, UserId: user.UserId, UserName: user.DisplayName}
	return m
}

func UserStoppedTypingEvent(conversationId, userId string) *ServerMessage {
	m := newEvent()
	m.UserStoppedTyping = &UserStoppedTyping{ConversationId: conversationId, UserId: userId}
	return m
}

func MessageReactionEvent(r types.Reaction, action ReactionAction) *ServerMessage {
	m := newEvent()
	m.MessageReaction = &MessageReaction{
		MessageId:      r.MessageId,
		ConversationId: r.ConversationId,
		UserId:         r.UserId,
		Emoji:          r.Emoji,
		Action:         action,
	}
	return m
}

func response(id, code int, errMsg string) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: code,
			Error:        errMsg,
		},
	}
}

func NoErrOK(id int) *ServerMessage {
	return response(id, http.StatusOK, "")
}

func MessageCreated(id int, msg types.Message) *ServerMessage {
	m := response(id, http.StatusCreated, "")
	m.Response.Message = &msg
	return m
}

func ReactionApplied(id int, r types.Reaction) *ServerMessage {
	m := response(id, http.StatusOK, "")
	m.Response.Reaction = &r
	return m
}

func ErrInvalidMessage(id int) *ServerMessage {
	msg := response(0, http.StatusBadRequest, "invalid message format")
	if id > 0 {
		msg.Id = id
	}
	return msg
}

func ErrBadRequest(id int, reason string) *ServerMessage {
	return response(id, http.StatusBadRequest, reason)
}

func ErrForbidden(id int) *ServerMessage {
	return response(id, http.StatusForbidden, "access denied")
}

func ErrNotFound(id int) *ServerMessage {
	return response(id, http.StatusNotFound, "not found")
}

func ErrConflict(id int) *ServerMessage {
	return response(id, http.StatusConflict, "already exists")
}

func ErrTooManyRequests(id int) *ServerMessage {
	return response(id, http.StatusTooManyRequests, "too many requests")
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return response(id, http.StatusServiceUnavailable, "service unavailable")
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
