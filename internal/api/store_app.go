package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/npezzotti/go-chatrelay/internal/config"
	"github.com/npezzotti/go-chatrelay/internal/database"
	"github.com/npezzotti/go-chatrelay/internal/store"
	"github.com/npezzotti/go-chatrelay/internal/types"
	"github.com/teris-io/shortid"
)

// StoreApp is the reference message store the relay persists through.
// Every /api/chat route acts on behalf of the user named by the bearer
// token.
type StoreApp struct {
	httpApp
	db         database.ChatRepository
	signingKey []byte
}

func NewStoreApp(logger *log.Logger, db database.ChatRepository, cfg *config.StoreConfig) *StoreApp {
	s := &StoreApp{
		httpApp:    httpApp{log: logger},
		db:         db,
		signingKey: cfg.SigningKey,
	}

	r := chi.NewRouter()
	r.Use(s.errorHandler)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	r.Get("/healthz", s.healthCheck)
	r.Route("/api/chat", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/message", s.createMessage)
		r.Get("/messages", s.getMessages)
		r.Post("/reaction", s.addReaction)
		r.Delete("/reaction", s.removeReaction)
	})

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: r,
	}

	return s
}

func (s *StoreApp) healthCheck(w http.ResponseWriter, _ *http.Request) {
	if err := s.db.Ping(); err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// requireMember writes the error response and returns false unless userId
// belongs to the conversation.
func (s *StoreApp) requireMember(w http.ResponseWriter, conversationId, userId string) bool {
	member, err := s.db.IsConversationMember(conversationId, userId)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return false
	}
	if !member {
		s.writeError(w, NewForbiddenError())
		return false
	}

	return true
}

func (s *StoreApp) upsertUser(identity types.Identity) error {
	_, err := s.db.UpsertUser(database.UpsertUserParams{
		Id:    identity.UserId,
		Name:  identity.DisplayName,
		Image: identity.AvatarUrl,
	})
	return err
}

func (s *StoreApp) createMessage(w http.ResponseWriter, r *http.Request) {
	identity, ok := Identity(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	var req store.CreateMessageParams
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	if req.ConversationId == "" {
		s.writeError(w, NewValidationError("conversation_id is required"))
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		s.writeError(w, NewValidationError("content is required"))
		return
	}
	switch req.MessageType {
	case "":
		req.MessageType = types.MessageTypeText
	case types.MessageTypeText, types.MessageTypeSystem:
	default:
		s.writeError(w, NewValidationError("unsupported message_type"))
		return
	}

	if !s.requireMember(w, req.ConversationId, identity.UserId) {
		return
	}

	if req.ReplyToId != "" {
		conversationId, err := s.db.MessageConversationId(req.ReplyToId)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				s.writeError(w, NewNotFoundError())
			} else {
				s.writeError(w, NewInternalServerError(err))
			}
			return
		}
		if conversationId != req.ConversationId {
			s.writeError(w, NewValidationError("reply target belongs to another conversation"))
			return
		}
	}

	if err := s.upsertUser(identity); err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	id, err := shortid.Generate()
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	msg, err := s.db.CreateMessage(database.CreateMessageParams{
		Id:             id,
		ConversationId: req.ConversationId,
		SenderId:       identity.UserId,
		Content:        req.Content,
		MessageType:    string(req.MessageType),
		ReplyToId:      req.ReplyToId,
		ClientMsgId:    req.ClientMsgId,
	})
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusCreated, toMessage(msg))
}

func (s *StoreApp) getMessages(w http.ResponseWriter, r *http.Request) {
	identity, ok := Identity(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	q := r.URL.Query()
	conversationId := q.Get("conversation_id")
	if conversationId == "" {
		s.writeError(w, NewValidationError("conversation_id is required"))
		return
	}

	var before time.Time
	if v := q.Get("before"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			s.writeError(w, NewValidationError("before must be an RFC 3339 timestamp"))
			return
		}
		before = t
	}

	var limit int
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, NewValidationError("limit must be a positive integer"))
			return
		}
		limit = n
	}

	if !s.requireMember(w, conversationId, identity.UserId) {
		return
	}

	messages, err := s.db.GetMessages(conversationId, before, limit)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	out := make([]types.Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, toMessage(m))
	}

	s.writeJson(w, http.StatusOK, out)
}

func decodeReaction(r *http.Request) (store.ReactionParams, *ApiError) {
	var req store.ReactionParams
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, NewBadRequestError()
	}
	if req.MessageId == "" || req.Emoji == "" {
		return req, NewValidationError("message_id and emoji are required")
	}

	return req, nil
}

func (s *StoreApp) addReaction(w http.ResponseWriter, r *http.Request) {
	identity, ok := Identity(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	req, errResp := decodeReaction(r)
	if errResp != nil {
		s.writeError(w, errResp)
		return
	}

	conversationId, err := s.db.MessageConversationId(req.MessageId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.writeError(w, NewNotFoundError())
		} else {
			s.writeError(w, NewInternalServerError(err))
		}
		return
	}

	if !s.requireMember(w, conversationId, identity.UserId) {
		return
	}

	if err := s.upsertUser(identity); err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	id, err := shortid.Generate()
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	reaction, err := s.db.CreateReaction(database.ReactionParams{
		Id:        id,
		MessageId: req.MessageId,
		UserId:    identity.UserId,
		Emoji:     req.Emoji,
	})
	if err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			s.writeError(w, NewConflictError())
		} else {
			s.writeError(w, NewInternalServerError(err))
		}
		return
	}

	s.writeJson(w, http.StatusOK, toReaction(reaction))
}

// removeReaction only ever removes the caller's own reaction, so no
// membership check is needed.
func (s *StoreApp) removeReaction(w http.ResponseWriter, r *http.Request) {
	identity, ok := Identity(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	req, errResp := decodeReaction(r)
	if errResp != nil {
		s.writeError(w, errResp)
		return
	}

	reaction, err := s.db.DeleteReaction(database.ReactionParams{
		MessageId: req.MessageId,
		UserId:    identity.UserId,
		Emoji:     req.Emoji,
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.writeError(w, NewNotFoundError())
		} else {
			s.writeError(w, NewInternalServerError(err))
		}
		return
	}

	s.writeJson(w, http.StatusOK, toReaction(reaction))
}

func toMessage(m database.Message) types.Message {
	msg := types.Message{
		Id:             m.Id,
		ConversationId: m.ConversationId,
		SenderId:       m.SenderId,
		SenderName:     m.SenderName,
		SenderImage:    m.SenderImage,
		Content:        m.Content,
		MessageType:    types.MessageType(m.MessageType),
		ReplyToId:      m.ReplyToId.String,
		ClientMsgId:    m.ClientMsgId.String,
		Edited:         m.Edited,
		IsDeleted:      m.IsDeleted,
		Reactions:      make([]types.Reaction, 0, len(m.Reactions)),
		Attachments:    make([]types.Attachment, 0, len(m.Attachments)),
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}

	if m.ReplyTo != nil {
		reply := toMessage(*m.ReplyTo)
		msg.ReplyTo = &reply
	}
	for _, r := range m.Reactions {
		msg.Reactions = append(msg.Reactions, toReaction(r))
	}
	for _, a := range m.Attachments {
		msg.Attachments = append(msg.Attachments, types.Attachment{
			Id:        a.Id,
			MessageId: a.MessageId,
			FileName:  a.FileName,
			FileUrl:   a.FileUrl,
			FileType:  a.FileType,
			FileSize:  a.FileSize,
			CreatedAt: a.CreatedAt,
		})
	}

	return msg
}

func toReaction(r database.Reaction) types.Reaction {
	return types.Reaction{
		Id:             r.Id,
		MessageId:      r.MessageId,
		ConversationId: r.ConversationId,
		UserId:         r.UserId,
		UserName:       r.UserName,
		Emoji:          r.Emoji,
		CreatedAt:      r.CreatedAt,
	}
}
