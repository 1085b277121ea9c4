package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/npezzotti/go-chatrelay/internal/types"
)

const tokenTTL = time.Minute

var (
	ErrInvalid      = errors.New("invalid request")
	ErrAccessDenied = errors.New("access denied")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("already exists")
	ErrUnavailable  = errors.New("store unavailable")
)

// MessageStore is the durable store the relay persists through. Every call
// acts on behalf of the given user.
type MessageStore interface {
	CreateMessage(ctx context.Context, actor types.Identity, params CreateMessageParams) (types.Message, error)
	AddReaction(ctx context.Context, actor types.Identity, params ReactionParams) (types.Reaction, error)
	RemoveReaction(ctx context.Context, actor types.Identity, params ReactionParams) (types.Reaction, error)
}

type CreateMessageParams struct {
	ConversationId string            `json:"conversation_id"`
	Content        string            `json:"content"`
	MessageType    types.MessageType `json:"message_type"`
	ReplyToId      string            `json:"reply_to_id,omitempty"`
	ClientMsgId    string            `json:"client_msg_id,omitempty"`
}

type ReactionParams struct {
	MessageId string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

// StatusError is returned for any non-2xx store response.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("store responded %d: %s", e.StatusCode, e.Message)
}

func (e *StatusError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return ErrInvalid
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrAccessDenied
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	default:
		return ErrUnavailable
	}
}

// HTTPStore talks to the store's chat endpoints, signing a short lived
// bearer token for the acting user on every request.
type HTTPStore struct {
	baseURL    string
	httpClient *http.Client
	signingKey []byte
	log        *log.Logger
}

func NewHTTPStore(baseURL string, signingKey []byte, timeout time.Duration, logger *log.Logger) *HTTPStore {
	return &HTTPStore{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		signingKey: signingKey,
		log:        logger,
	}
}

func (s *HTTPStore) CreateMessage(ctx context.Context, actor types.Identity, params CreateMessageParams) (types.Message, error) {
	var msg types.Message
	err := s.do(ctx, actor, http.MethodPost, "/api/chat/message", params, &msg)
	return msg, err
}

func (s *HTTPStore) AddReaction(ctx context.Context, actor types.Identity, params ReactionParams) (types.Reaction, error) {
	var r types.Reaction
	err := s.do(ctx, actor, http.MethodPost, "/api/chat/reaction", params, &r)
	return r, err
}

func (s *HTTPStore) RemoveReaction(ctx context.Context, actor types.Identity, params ReactionParams) (types.Reaction, error) {
	var r types.Reaction
	err := s.do(ctx, actor, http.MethodDelete, "/api/chat/reaction", params, &r)
	return r, err
}

// ListMessages fetches up to limit messages of a conversation created
// before the given time, oldest first. Zero values use the store defaults.
func (s *HTTPStore) ListMessages(ctx context.Context, actor types.Identity, conversationId string, before time.Time, limit int) ([]types.Message, error) {
	q := url.Values{"conversation_id": {conversationId}}
	if !before.IsZero() {
		q.Set("before", before.UTC().Format(time.RFC3339Nano))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var messages []types.Message
	err := s.do(ctx, actor, http.MethodGet, "/api/chat/messages?"+q.Encode(), nil, &messages)
	return messages, err
}

func (s *HTTPStore) do(ctx context.Context, actor types.Identity, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}

	token, err := SignToken(s.signingKey, actor, tokenTTL)
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w: %w", method, path, ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := &StatusError{StatusCode: resp.StatusCode, Message: errorMessage(resp.Body)}
		s.log.Printf("%s %s for user %q: %v", method, path, actor.UserId, statusErr)
		return statusErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w: %w", ErrUnavailable, err)
	}

	return nil
}

// errorMessage extracts the message of an ApiError body, falling back to
// the raw text.
func errorMessage(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, 4096))

	var apiErr struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(raw, &apiErr) == nil {
		if apiErr.Message != "" {
			return apiErr.Message
		}
		if apiErr.Error != "" {
			return apiErr.Error
		}
	}

	return strings.TrimSpace(string(raw))
}
