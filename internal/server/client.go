package server

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatrelay/internal/protocol"
	"github.com/npezzotti/go-chatrelay/internal/types"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	// Every content byte may expand to a six byte JSON escape.
	maxMessageSize = protocol.MaxContentLength*6 + 1024
)

// Client is one live websocket connection. rooms is owned by the
// ChatServer loop.
type Client struct {
	id         string
	conn       *websocket.Conn
	chatServer *ChatServer
	log        *log.Logger
	identity   types.Identity
	send       chan *protocol.ServerMessage
	rooms      map[string]struct{}
	limiter    *rate.Limiter
	stop       chan struct{}
	stopOnce   sync.Once
}

func NewClient(identity types.Identity, conn *websocket.Conn, cs *ChatServer, l *log.Logger) *Client {
	id := uuid.NewString()
	identity.ConnectionId = id

	return &Client{
		id:         id,
		conn:       conn,
		chatServer: cs,
		log:        l,
		identity:   identity,
		send:       make(chan *protocol.ServerMessage, 256),
		rooms:      make(map[string]struct{}),
		limiter:    rate.NewLimiter(rate.Limit(cs.opts.IntentRate), cs.opts.IntentBurst),
		stop:       make(chan struct{}),
	}
}

func (c *Client) Id() string {
	return c.id
}

func (c *Client) Identity() types.Identity {
	return c.identity
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Printf("write exiting for connection %s", c.id)
	}()

	for {
		select {
		case msg := <-c.send:
			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Println("failed to serialize message:", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.chatServer.deregister(c)
		c.stopClient()
		c.conn.Close()
		c.log.Printf("read exiting for connection %s", c.id)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { return c.conn.SetReadDeadline(time.Now().Add(pongWait)) })

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			return
		}

		in, resp := c.parseIntent(raw)
		if resp != nil {
			c.queueMessage(resp)
			continue
		}

		if !c.limiter.Allow() {
			c.log.Printf("rate limited %s from %q", in.Kind(), c.identity.UserId)
			c.queueMessage(protocol.ErrTooManyRequests(in.Id))
			continue
		}

		if !c.chatServer.submit(in) {
			c.queueMessage(protocol.ErrServiceUnavailable(in.Id))
		}
	}
}

// parseIntent decodes and validates one frame. A non-nil response is the
// error to return to the sender instead of forwarding the intent.
func (c *Client) parseIntent(raw []byte) (*intent, *protocol.ServerMessage) {
	var msg protocol.ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.log.Println("error parsing message:", err)
		return nil, protocol.ErrInvalidMessage(-1)
	}

	if err := msg.Validate(); err != nil {
		c.log.Printf("invalid intent from %q: %v", c.identity.UserId, err)
		if errors.Is(err, protocol.ErrNoIntent) || errors.Is(err, protocol.ErrMultipleIntents) {
			return nil, protocol.ErrInvalidMessage(msg.Id)
		}
		return nil, protocol.ErrBadRequest(msg.Id, err.Error())
	}

	msg.Timestamp = protocol.Now()
	return &intent{ClientMessage: &msg, client: c}, nil
}

func (c *Client) queueMessage(msg *protocol.ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Printf("failed to send message to connection %s, channel is full", c.id)
		return false
	}

	return true
}

func serializeMessage(msg *protocol.ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}
