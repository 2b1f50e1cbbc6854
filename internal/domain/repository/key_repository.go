package repository

import (
	"context"

	"github.com/turtacn/cryptod/internal/domain/models"
)

// SigningKeyRepository persists signing keys in one tenant database. Single record
// finders return (nil, nil) when nothing matches.
type SigningKeyRepository interface {
	Save(ctx context.Context, key *models.SigningKey) error
	FindByAlias(ctx context.Context, tenantID, alias string) (*models.SigningKey, error)
	FindByFullKeyID(ctx context.Context, tenantID, fullKeyID string) (*models.SigningKey, error)
	FindByKeyIDs(ctx context.Context, tenantID string, keyIDs []string) ([]*models.SigningKey, error)
	FindByFullKeyIDs(ctx context.Context, tenantID string, fullKeyIDs []string) ([]*models.SigningKey, error)
	Query(ctx context.Context, tenantID string, query *KeyQuery) ([]*models.SigningKey, error)
}

// WrappingKeyRepository persists wrapping keys in the cluster database.
type WrappingKeyRepository interface {
	Save(ctx context.Context, key *models.WrappingKeyInfo) error
	FindByAlias(ctx context.Context, alias string) (*models.WrappingKeyInfo, error)
}

// TenantConnectionRepository resolves the database registered for a virtual tenant.
type TenantConnectionRepository interface {
	Find(ctx context.Context, tenantID string) (*models.TenantConnection, error)
	List(ctx context.Context) ([]*models.TenantConnection, error)
	Save(ctx context.Context, conn *models.TenantConnection) error
}
