package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatrelay/internal/protocol"
	"github.com/npezzotti/go-chatrelay/internal/types"
)

const (
	DefaultReconnectInterval = 5 * time.Second
	DefaultTypingTimeout     = time.Second
	DefaultAckTimeout        = 30 * time.Second

	writeWait    = 10 * time.Second
	tempIdPrefix = "temp-"
)

var (
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("session already connected")
	ErrAckTimeout       = errors.New("timed out waiting for acknowledgement")
	ErrSessionClosed    = errors.New("session closed")
	ErrEmptyMessage     = errors.New("conversation and content are required")
)

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
)

type SendStatus string

const (
	SendPending   SendStatus = "pending"
	SendConfirmed SendStatus = "confirmed"
	SendFailed    SendStatus = "failed"
)

// SendResult reports a transition of an optimistic send. TempId identifies
// the optimistic record; Message is the canonical message once confirmed.
type SendResult struct {
	TempId      string
	ClientMsgId string
	Status      SendStatus
	Message     types.Message
	Err         error
}

// ResponseError is an error response the relay returned for a request.
type ResponseError struct {
	RequestId int
	Code      int
	Message   string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("request %d failed with %d: %s", e.RequestId, e.Code, e.Message)
}

type Outgoing struct {
	ConversationId string
	Content        string
	MessageType    types.MessageType
	ReplyToId      string
}

type Options struct {
	// URL is the relay websocket endpoint, e.g. ws://localhost:3002/ws.
	URL               string
	ReconnectInterval time.Duration
	TypingTimeout     time.Duration
	AckTimeout        time.Duration
	Dialer            *websocket.Dialer
	Logger            *log.Logger
}

type pendingSend struct {
	requestId int
	record    types.Message
	timer     *time.Timer
}

// Session is one user's connection to the relay. It reconnects on its own
// until Disconnect is called.
type Session struct {
	opts     Options
	log      *log.Logger
	identity types.Identity

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	status  Status
	nextId  int
	joined  map[string]struct{}
	pending map[string]*pendingSend
	// unresolved holds sends that timed out waiting for their ack. A late
	// ack still confirms them.
	unresolved map[string]*pendingSend
	cancel      context.CancelFunc
	done    chan struct{}

	typing *typingDebouncer

	messageReceived   listeners[types.Message]
	userJoined        listeners[protocol.UserJoined]
	userLeft          listeners[protocol.UserLeft]
	onlineUsers       listeners[protocol.OnlineUsers]
	userTyping        listeners[protocol.UserTyping]
	userStoppedTyping listeners[protocol.UserStoppedTyping]
	messageReaction   listeners[protocol.MessageReaction]
	sendResults       listeners[SendResult]
	connChanges       listeners[Status]
	errs              listeners[error]
}

func NewSession(opts Options) (*Session, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse relay URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("relay URL must use ws or wss, got %q", opts.URL)
	}

	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = DefaultReconnectInterval
	}
	if opts.TypingTimeout <= 0 {
		opts.TypingTimeout = DefaultTypingTimeout
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[chat-session] ", log.LstdFlags)
	}

	s := &Session{
		opts:    opts,
		log:     opts.Logger,
		status:  StatusDisconnected,
		joined:  make(map[string]struct{}),
		pending:    make(map[string]*pendingSend),
		unresolved: make(map[string]*pendingSend),
	}
	s.typing = newTypingDebouncer(opts.TypingTimeout, s.typingExpired)

	return s, nil
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) Identity() types.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Joined returns the conversations the session re-joins on reconnect.
func (s *Session) Joined() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joinedLocked()
}

func (s *Session) joinedLocked() []string {
	ids := make([]string, 0, len(s.joined))
	for id := range s.joined {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Connect dials the relay as identity. A failed first attempt is returned,
// but the session keeps retrying every ReconnectInterval until Disconnect.
func (s *Session) Connect(ctx context.Context, identity types.Identity) error {
	if identity.UserId == "" {
		return errors.New("user id is required")
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.identity = identity
	s.cancel = cancel
	s.done = done
	s.status = StatusConnecting
	s.mu.Unlock()
	s.connChanges.emit(StatusConnecting)

	conn, err := s.dial(ctx)
	if err != nil {
		s.log.Printf("connect to %s: %v", s.opts.URL, err)
		s.errs.emit(err)
		s.setStatus(StatusReconnecting)
	} else if !s.attach(runCtx, conn) {
		conn = nil
	}

	go s.run(runCtx, conn, done)
	return err
}

func (s *Session) dialURL() string {
	u, _ := url.Parse(s.opts.URL)
	q := u.Query()
	q.Set("userId", s.identity.UserId)
	q.Set("userName", s.identity.DisplayName)
	if s.identity.AvatarUrl != "" {
		q.Set("userImage", s.identity.AvatarUrl)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := s.opts.Dialer.DialContext(ctx, s.dialURL(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial relay: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	return conn, nil
}

func (s *Session) run(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		if conn != nil {
			s.readLoop(conn)
			s.detach(conn)
		}

		timer := time.NewTimer(s.opts.ReconnectInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		s.log.Printf("reconnecting to %s", s.opts.URL)
		c, err := s.dial(ctx)
		if err != nil {
			s.log.Printf("reconnect: %v", err)
			s.errs.emit(err)
			conn = nil
			continue
		}

		if !s.attach(ctx, c) {
			return
		}
		conn = c
	}
}

// attach makes conn the live connection and re-joins every conversation
// the session had joined.
func (s *Session) attach(ctx context.Context, conn *websocket.Conn) bool {
	s.mu.Lock()
	if ctx.Err() != nil {
		s.mu.Unlock()
		conn.Close()
		return false
	}
	s.conn = conn
	s.status = StatusConnected
	rejoin := s.joinedLocked()
	s.mu.Unlock()

	s.log.Printf("connected to %s as %q", s.opts.URL, s.identity.UserId)
	s.connChanges.emit(StatusConnected)

	for _, id := range rejoin {
		if err := s.sendIntent(&protocol.ClientMessage{JoinConversation: &protocol.ConversationRef{ConversationId: id}}); err != nil {
			s.log.Printf("rejoin %q: %v", id, err)
		}
	}
	return true
}

func (s *Session) detach(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.status = StatusReconnecting
	s.mu.Unlock()

	conn.Close()
	s.typing.reset()
	s.log.Printf("lost connection to %s", s.opts.URL)
	s.connChanges.emit(StatusReconnecting)
}

func (s *Session) setStatus(status Status) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
	s.connChanges.emit(status)
}

// Disconnect closes the connection and stops reconnecting. Pending sends
// are marked failed.
func (s *Session) Disconnect() {
	s.mu.Lock()
	cancel, conn, done := s.cancel, s.conn, s.done
	if cancel == nil {
		s.mu.Unlock()
		return
	}
	s.cancel = nil
	s.conn = nil
	s.status = StatusDisconnected
	pending := s.pending
	s.pending = make(map[string]*pendingSend)
	clear(s.unresolved)
	clear(s.joined)
	s.mu.Unlock()

	cancel()
	if conn != nil {
		s.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		s.writeMu.Unlock()
		conn.Close()
	}
	<-done

	s.typing.reset()
	for _, p := range pending {
		p.timer.Stop()
		s.sendResults.emit(SendResult{
			TempId:      p.record.Id,
			ClientMsgId: p.record.ClientMsgId,
			Status:      SendFailed,
			Message:     p.record,
			Err:         ErrSessionClosed,
		})
	}

	s.connChanges.emit(StatusDisconnected)
}

func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		var msg protocol.ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Printf("read: %v", err)
			}
			return
		}

		s.dispatch(&msg)
	}
}

func (s *Session) dispatch(msg *protocol.ServerMessage) {
	switch msg.Kind() {
	case protocol.EventResponse:
		s.handleResponse(msg)
	case protocol.EventMessageReceived:
		s.messageReceived.emit(*msg.MessageReceived)
	case protocol.EventUserJoined:
		s.userJoined.emit(*msg.UserJoined)
	case protocol.EventUserLeft:
		s.userLeft.emit(*msg.UserLeft)
	case protocol.EventOnlineUsers:
		s.onlineUsers.emit(*msg.OnlineUsers)
	case protocol.EventUserTyping:
		s.userTyping.emit(*msg.UserTyping)
	case protocol.EventUserStoppedTyping:
		s.userStoppedTyping.emit(*msg.UserStoppedTyping)
	case protocol.EventMessageReaction:
		s.messageReaction.emit(*msg.MessageReaction)
	default:
		s.log.Printf("ignoring unknown event %d", msg.Id)
	}
}

func (s *Session) handleResponse(msg *protocol.ServerMessage) {
	resp := msg.Response
	if resp.Ok() {
		if resp.Message != nil && resp.Message.ClientMsgId != "" {
			s.confirmSend(*resp.Message)
		}
		return
	}

	respErr := &ResponseError{RequestId: msg.Id, Code: resp.ResponseCode, Message: resp.Error}
	if clientMsgId := s.pendingForRequest(msg.Id); clientMsgId != "" {
		s.failSend(clientMsgId, respErr)
		return
	}

	s.errs.emit(respErr)
}

func (s *Session) pendingForRequest(requestId int) string {
	if requestId <= 0 {
		return ""
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for clientMsgId, p := range s.pending {
		if p.requestId == requestId {
			return clientMsgId
		}
	}
	return ""
}

func (s *Session) write(conn *websocket.Conn, msg *protocol.ClientMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}

// sendIntent stamps msg with the next request id and writes it.
func (s *Session) sendIntent(msg *protocol.ClientMessage) error {
	s.mu.Lock()
	conn := s.conn
	s.nextId++
	msg.Id = s.nextId
	s.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	msg.Timestamp = protocol.Now()
	return s.write(conn, msg)
}

// JoinConversation subscribes to a conversation's live events. The join is
// remembered even when the session is offline and is sent on reconnect.
func (s *Session) JoinConversation(conversationId string) error {
	s.mu.Lock()
	s.joined[conversationId] = struct{}{}
	s.mu.Unlock()

	return s.sendIntent(&protocol.ClientMessage{JoinConversation: &protocol.ConversationRef{ConversationId: conversationId}})
}

func (s *Session) LeaveConversation(conversationId string) error {
	s.mu.Lock()
	delete(s.joined, conversationId)
	s.mu.Unlock()
	s.typing.discard(conversationId)

	return s.sendIntent(&protocol.ClientMessage{LeaveConversation: &protocol.ConversationRef{ConversationId: conversationId}})
}

// StartTyping reports local typing activity. Only the transition into the
// typing state is sent; the state ends after TypingTimeout of inactivity.
func (s *Session) StartTyping(conversationId string) error {
	if !s.typing.start(conversationId) {
		return nil
	}

	err := s.sendIntent(&protocol.ClientMessage{Typing: &protocol.ConversationRef{ConversationId: conversationId}})
	if err != nil {
		s.typing.discard(conversationId)
	}
	return err
}

func (s *Session) StopTyping(conversationId string) error {
	if !s.typing.stop(conversationId) {
		return nil
	}

	return s.sendStopTyping(conversationId)
}

func (s *Session) typingExpired(conversationId string) {
	if err := s.sendStopTyping(conversationId); err != nil && !errors.Is(err, ErrNotConnected) {
		s.log.Printf("stop typing in %q: %v", conversationId, err)
	}
}

func (s *Session) sendStopTyping(conversationId string) error {
	return s.sendIntent(&protocol.ClientMessage{StopTyping: &protocol.ConversationRef{ConversationId: conversationId}})
}

func (s *Session) AddReaction(messageId, emoji string) error {
	return s.sendIntent(&protocol.ClientMessage{AddReaction: &protocol.ReactionIntent{MessageId: messageId, Emoji: emoji}})
}

func (s *Session) RemoveReaction(messageId, emoji string) error {
	return s.sendIntent(&protocol.ClientMessage{RemoveReaction: &protocol.ReactionIntent{MessageId: messageId, Emoji: emoji}})
}

// SendMessage returns the optimistic record for out immediately. Its
// outcome is reported through OnSendResult: confirmed with the canonical
// message, or failed on an error response, a missing acknowledgement or a
// closed session. A send failed by the ack timeout is confirmed if its
// acknowledgement arrives later.
func (s *Session) SendMessage(out Outgoing) (types.Message, error) {
	content := strings.TrimSpace(out.Content)
	if out.ConversationId == "" || content == "" {
		return types.Message{}, ErrEmptyMessage
	}
	if len(content) > protocol.MaxContentLength {
		return types.Message{}, protocol.ErrContentTooLong
	}
	if out.MessageType == "" {
		out.MessageType = types.MessageTypeText
	}

	identity := s.Identity()
	now := time.Now().UTC()
	record := types.Message{
		Id:             tempIdPrefix + uuid.NewString(),
		ConversationId: out.ConversationId,
		SenderId:       identity.UserId,
		SenderName:     identity.DisplayName,
		SenderImage:    identity.AvatarUrl,
		Content:        content,
		MessageType:    out.MessageType,
		ReplyToId:      out.ReplyToId,
		ClientMsgId:    uuid.NewString(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	msg := &protocol.ClientMessage{SendMessage: &protocol.SendMessage{
		ConversationId: record.ConversationId,
		Content:        record.Content,
		MessageType:    record.MessageType,
		ReplyToId:      record.ReplyToId,
		ClientMsgId:    record.ClientMsgId,
	}}

	s.mu.Lock()
	conn := s.conn
	s.nextId++
	msg.Id = s.nextId
	p := &pendingSend{requestId: msg.Id, record: record}
	if conn != nil {
		s.pending[record.ClientMsgId] = p
		p.timer = time.AfterFunc(s.opts.AckTimeout, func() { s.failSend(record.ClientMsgId, ErrAckTimeout) })
	}
	s.mu.Unlock()

	s.sendResults.emit(SendResult{TempId: record.Id, ClientMsgId: record.ClientMsgId, Status: SendPending, Message: record})

	if conn == nil {
		s.sendResults.emit(SendResult{
			TempId:      record.Id,
			ClientMsgId: record.ClientMsgId,
			Status:      SendFailed,
			Message:     record,
			Err:         ErrNotConnected,
		})
		return record, ErrNotConnected
	}

	msg.Timestamp = protocol.Now()
	if err := s.write(conn, msg); err != nil {
		s.failSend(record.ClientMsgId, err)
		return record, err
	}

	return record, nil
}

func (s *Session) takePending(clientMsgId string) *pendingSend {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[clientMsgId]
	if !ok {
		return nil
	}
	delete(s.pending, clientMsgId)
	p.timer.Stop()
	return p
}

func (s *Session) takeUnresolved(clientMsgId string) *pendingSend {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.unresolved[clientMsgId]
	if ok {
		delete(s.unresolved, clientMsgId)
	}
	return p
}

func (s *Session) confirmSend(canonical types.Message) {
	p := s.takePending(canonical.ClientMsgId)
	if p == nil {
		p = s.takeUnresolved(canonical.ClientMsgId)
	}
	if p == nil {
		s.log.Printf("ignoring acknowledgement for unknown send %q", canonical.ClientMsgId)
		return
	}

	s.sendResults.emit(SendResult{
		TempId:      p.record.Id,
		ClientMsgId: canonical.ClientMsgId,
		Status:      SendConfirmed,
		Message:     canonical,
	})
}

func (s *Session) failSend(clientMsgId string, err error) {
	p := s.takePending(clientMsgId)
	if p == nil {
		return
	}

	s.log.Printf("send %q failed: %v", clientMsgId, err)
	if errors.Is(err, ErrAckTimeout) {
		s.mu.Lock()
		if s.cancel != nil {
			s.unresolved[clientMsgId] = p
		}
		s.mu.Unlock()
	}
	s.sendResults.emit(SendResult{
		TempId:      p.record.Id,
		ClientMsgId: clientMsgId,
		Status:      SendFailed,
		Message:     p.record,
		Err:         err,
	})
}

func (s *Session) OnMessageReceived(fn func(types.Message)) func() {
	return s.messageReceived.add(fn)
}

func (s *Session) OnUserJoined(fn func(protocol.UserJoined)) func() {
	return s.userJoined.add(fn)
}

func (s *Session) OnUserLeft(fn func(protocol.UserLeft)) func() {
	return s.userLeft.add(fn)
}

func (s *Session) OnOnlineUsers(fn func(protocol.OnlineUsers)) func() {
	return s.onlineUsers.add(fn)
}

func (s *Session) OnUserTyping(fn func(protocol.UserTyping)) func() {
	return s.userTyping.add(fn)
}

func (s *Session) OnUserStoppedTyping(fn func(protocol.UserStoppedTyping)) func() {
	return s.userStoppedTyping.add(fn)
}

func (s *Session) OnMessageReaction(fn func(protocol.MessageReaction)) func() {
	return s.messageReaction.add(fn)
}

// OnSendResult is called for every state of an optimistic send, starting
// with SendPending from within SendMessage.
func (s *Session) OnSendResult(fn func(SendResult)) func() {
	return s.sendResults.add(fn)
}

func (s *Session) OnConnectionChange(fn func(Status)) func() {
	return s.connChanges.add(fn)
}

func (s *Session) OnError(fn func(error)) func() {
	return s.errs.add(fn)
}
