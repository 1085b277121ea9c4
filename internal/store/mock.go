package store

import (
	"context"

	"github.com/npezzotti/go-chatrelay/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockMessageStore struct {
	mock.Mock
}

func (m *MockMessageStore) CreateMessage(ctx context.Context, actor types.Identity, params CreateMessageParams) (types.Message, error) {
	args := m.Called(ctx, actor, params)
	return args.Get(0).(types.Message), args.Error(1)
}
func (m *MockMessageStore) AddReaction(ctx context.Context, actor types.Identity, params ReactionParams) (types.Reaction, error) {
	args := m.Called(ctx, actor, params)
	return args.Get(0).(types.Reaction), args.Error(1)
}
func (m *MockMessageStore) RemoveReaction(ctx context.Context, actor types.Identity, params ReactionParams) (types.Reaction, error) {
	args := m.Called(ctx, actor, params)
	return args.Get(0).(types.Reaction), args.Error(1)
}
