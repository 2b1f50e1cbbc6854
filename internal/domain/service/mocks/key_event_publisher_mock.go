package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/turtacn/cryptod/internal/domain/models"
	"github.com/turtacn/cryptod/internal/domain/service"
)

// KeyEventPublisher is a testify mock of service.KeyEventPublisher.
type KeyEventPublisher struct {
	mock.Mock
}

func (m *KeyEventPublisher) Publish(ctx context.Context, event *models.KeyEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *KeyEventPublisher) Close() error {
	args := m.Called()
	return args.Error(0)
}

var _ service.KeyEventPublisher = (*KeyEventPublisher)(nil)
