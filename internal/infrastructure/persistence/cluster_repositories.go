package persistence

import (
	"context"
	stderrors "errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/turtacn/cryptod/internal/domain/models"
	"github.com/turtacn/cryptod/internal/domain/repository"
	"github.com/turtacn/cryptod/pkg/errors"
)

// WrappingKeyRepository stores wrapping keys in the cluster database.
type WrappingKeyRepository struct {
	conn *DBConnection
}

// NewWrappingKeyRepository creates a repository over the cluster database.
func NewWrappingKeyRepository(conn *DBConnection) *WrappingKeyRepository {
	return &WrappingKeyRepository{conn: conn}
}

// Save inserts key. An existing alias is a validation error; wrapping keys are never replaced.
func (r *WrappingKeyRepository) Save(ctx context.Context, key *models.WrappingKeyInfo) error {
	if err := r.conn.DB(ctx).Create(key).Error; err != nil {
		if IsUniqueViolation(err) {
			return errors.ErrInvalidArgument("wrapping key " + key.Alias + " already exists").WithCause(err)
		}
		return ClassifyDBError(err, "failed to save wrapping key")
	}
	return nil
}

func (r *WrappingKeyRepository) FindByAlias(ctx context.Context, alias string) (*models.WrappingKeyInfo, error) {
	var key models.WrappingKeyInfo
	err := r.conn.DB(ctx).Where("alias = ?", alias).Take(&key).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, ClassifyDBError(err, "failed to find wrapping key")
	}
	return &key, nil
}

// TenantConnectionRepository is the registry of virtual tenant databases.
type TenantConnectionRepository struct {
	conn *DBConnection
}

// NewTenantConnectionRepository creates a repository over the cluster database.
func NewTenantConnectionRepository(conn *DBConnection) *TenantConnectionRepository {
	return &TenantConnectionRepository{conn: conn}
}

func (r *TenantConnectionRepository) Find(ctx context.Context, tenantID string) (*models.TenantConnection, error) {
	var tc models.TenantConnection
	err := r.conn.DB(ctx).Where("tenant_id = ?", tenantID).Take(&tc).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, ClassifyDBError(err, "failed to find tenant connection")
	}
	return &tc, nil
}

// List returns every registered tenant ordered by id.
func (r *TenantConnectionRepository) List(ctx context.Context) ([]*models.TenantConnection, error) {
	var tcs []*models.TenantConnection
	if err := r.conn.DB(ctx).Order("tenant_id").Find(&tcs).Error; err != nil {
		return nil, ClassifyDBError(err, "failed to list tenant connections")
	}
	return tcs, nil
}

// Save registers or updates the database of a tenant.
func (r *TenantConnectionRepository) Save(ctx context.Context, tc *models.TenantConnection) error {
	err := r.conn.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"dialect", "dsn", "max_open_conns", "max_idle_conns", "updated_at"}),
	}).Create(tc).Error
	return ClassifyDBError(err, "failed to save tenant connection")
}

var (
	_ repository.WrappingKeyRepository      = (*WrappingKeyRepository)(nil)
	_ repository.TenantConnectionRepository = (*TenantConnectionRepository)(nil)
)
