package database

import (
	"time"

	"github.com/stretchr/testify/mock"
)

type MockChatRepository struct {
	mock.Mock
}

func (m *MockChatRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockChatRepository) UpsertUser(params UpsertUserParams) (User, error) {
	args := m.Called(params)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockChatRepository) IsConversationMember(conversationId, userId string) (bool, error) {
	args := m.Called(conversationId, userId)
	return args.Bool(0), args.Error(1)
}
func (m *MockChatRepository) MessageConversationId(messageId string) (string, error) {
	args := m.Called(messageId)
	return args.String(0), args.Error(1)
}
func (m *MockChatRepository) CreateMessage(params CreateMessageParams) (Message, error) {
	args := m.Called(params)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockChatRepository) GetMessage(id string) (Message, error) {
	args := m.Called(id)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockChatRepository) GetMessages(conversationId string, before time.Time, limit int) ([]Message, error) {
	args := m.Called(conversationId, before, limit)
	if messages, ok := args.Get(0).([]Message); ok {
		return messages, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) CreateReaction(params ReactionParams) (Reaction, error) {
	args := m.Called(params)
	return args.Get(0).(Reaction), args.Error(1)
}
func (m *MockChatRepository) DeleteReaction(params ReactionParams) (Reaction, error) {
	args := m.Called(params)
	return args.Get(0).(Reaction), args.Error(1)
}
