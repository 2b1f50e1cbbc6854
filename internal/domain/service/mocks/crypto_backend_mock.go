package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/turtacn/cryptod/internal/domain/service"
	"github.com/turtacn/cryptod/pkg/constants"
)

// CryptoBackend is a testify mock of service.CryptoBackend.
type CryptoBackend struct {
	mock.Mock
}

func (m *CryptoBackend) Name() string {
	args := m.Called()
	return args.String(0)
}

func (m *CryptoBackend) KeyPolicy() constants.KeyPolicy {
	args := m.Called()
	return args.Get(0).(constants.KeyPolicy)
}

func (m *CryptoBackend) SupportedSchemes() []string {
	args := m.Called()
	return args.Get(0).([]string)
}

func (m *CryptoBackend) GenerateKeyPair(ctx context.Context, req service.GenerateKeyRequest) (*service.GeneratedKey, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.GeneratedKey), args.Error(1)
}

func (m *CryptoBackend) Sign(ctx context.Context, req service.SignRequest) ([]byte, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

var _ service.CryptoBackend = (*CryptoBackend)(nil)
