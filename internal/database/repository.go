package database

import "time"

type ChatRepository interface {
	Ping() error
	UpsertUser(params UpsertUserParams) (User, error)
	IsConversationMember(conversationId, userId string) (bool, error)
	MessageConversationId(messageId string) (string, error)
	CreateMessage(params CreateMessageParams) (Message, error)
	GetMessage(id string) (Message, error)
	GetMessages(conversationId string, before time.Time, limit int) ([]Message, error)
	CreateReaction(params ReactionParams) (Reaction, error)
	DeleteReaction(params ReactionParams) (Reaction, error)
}
